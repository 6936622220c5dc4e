package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskMarkdown(t *testing.T) {
	content := `# Backend

- [ ] Add rate limiting
  Protect the login endpoint.
  Use a sliding window.
- [x] Set up CI
- [ ] Fix session expiry

## Frontend

* Polish the dashboard
`
	tasks := parseTaskMarkdown(content)
	require.Len(t, tasks, 4)

	assert.Equal(t, "Backend", tasks[0].Section)
	assert.Equal(t, "Add rate limiting", tasks[0].Title)
	assert.Equal(t, "Protect the login endpoint.\nUse a sliding window.", tasks[0].Description)
	assert.False(t, tasks[0].Done)

	assert.Equal(t, "Set up CI", tasks[1].Title)
	assert.True(t, tasks[1].Done)

	assert.Equal(t, "Fix session expiry", tasks[2].Title)
	assert.Empty(t, tasks[2].Description)

	assert.Equal(t, "Frontend", tasks[3].Section)
	assert.Equal(t, "Polish the dashboard", tasks[3].Title)
}

func TestParseTaskMarkdownNoSection(t *testing.T) {
	tasks := parseTaskMarkdown("- [ ] Lone item\n")
	require.Len(t, tasks, 1)
	assert.Empty(t, tasks[0].Section)
	assert.Equal(t, "Lone item", tasks[0].Title)
}

func TestParseTaskMarkdownIgnoresProse(t *testing.T) {
	content := `# Plan

Some intro prose that is not a task.

- [ ] Real task

Trailing prose.
`
	tasks := parseTaskMarkdown(content)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Real task", tasks[0].Title)
	assert.Empty(t, tasks[0].Description)
}

func TestParseChecklistItem(t *testing.T) {
	tests := []struct {
		line  string
		title string
		done  bool
		ok    bool
	}{
		{"- [ ] Fix bug", "Fix bug", false, true},
		{"- [x] Done thing", "Done thing", true, true},
		{"- [X] Also done", "Also done", true, true},
		{"- Plain item", "Plain item", false, true},
		{"* Star item", "Star item", false, true},
		{"- [ ]", "", false, false},
		{"not a list line", "", false, false},
	}
	for _, tt := range tests {
		title, done, ok := parseChecklistItem(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.title, title, tt.line)
		assert.Equal(t, tt.done, done, tt.line)
	}
}
