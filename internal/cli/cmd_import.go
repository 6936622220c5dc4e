// Package cli implements the steroids command-line interface.
// This file contains the tasks import command and its markdown parser.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
)

// importedTask is one checklist item parsed out of a markdown file.
type importedTask struct {
	Section     string
	Title       string
	Description string
	Done        bool
}

// parseTaskMarkdown extracts tasks from a markdown task file.
//
// Headings (# or ##) name the current section. Checklist items become
// tasks; checked items are treated as already done and are not imported.
// Indented lines under an item accumulate into its description.
func parseTaskMarkdown(content string) []importedTask {
	var tasks []importedTask
	var section string

	flushDesc := func(desc *[]string) {
		if len(tasks) == 0 || len(*desc) == 0 {
			*desc = nil
			return
		}
		tasks[len(tasks)-1].Description = strings.Join(*desc, "\n")
		*desc = nil
	}

	var desc []string
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, " \t")

		if strings.HasPrefix(line, "#") {
			flushDesc(&desc)
			section = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}

		trimmed := strings.TrimSpace(line)
		indented := line != trimmed

		title, done, ok := parseChecklistItem(trimmed)
		if ok && !indented {
			flushDesc(&desc)
			tasks = append(tasks, importedTask{Section: section, Title: title, Done: done})
			continue
		}

		// Indented text under an item continues its description.
		if indented && trimmed != "" && len(tasks) > 0 {
			desc = append(desc, trimmed)
		} else if trimmed == "" {
			flushDesc(&desc)
		}
	}
	flushDesc(&desc)
	return tasks
}

// parseChecklistItem recognizes "- [ ] title", "- [x] title" and "- title".
func parseChecklistItem(line string) (title string, done, ok bool) {
	if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
		return "", false, false
	}
	rest := strings.TrimSpace(line[2:])
	switch {
	case strings.HasPrefix(rest, "[ ]"):
		title = strings.TrimSpace(rest[3:])
	case strings.HasPrefix(rest, "[x]"), strings.HasPrefix(rest, "[X]"):
		title = strings.TrimSpace(rest[3:])
		done = true
	default:
		title = rest
	}
	if title == "" {
		return "", false, false
	}
	return title, done, true
}

// newTasksImportCmd creates the tasks import command
func newTasksImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <glob>...",
		Short: "Import tasks from markdown files",
		Long: `Import tasks from markdown checklist files.

Each glob is matched with ** support. Headings name sections, which are
created on demand. Checklist items become pending tasks; checked items
are skipped. Items already imported from the same file are not
duplicated.

Examples:
  steroids tasks import TODO.md
  steroids tasks import "docs/plans/**/*.md"
  steroids tasks import "tasks/*.md" --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			files, err := expandGlobs(dir, args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files match %s", strings.Join(args, " "))
			}

			existing, err := existingImports(pdb)
			if err != nil {
				return err
			}

			imported, skipped := 0, 0
			for _, file := range files {
				content, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				source := file
				if rel, err := filepath.Rel(dir, file); err == nil && !strings.HasPrefix(rel, "..") {
					source = rel
				}

				for _, it := range parseTaskMarkdown(string(content)) {
					if it.Done || existing[source+"\x00"+it.Title] {
						skipped++
						continue
					}
					imported++
					if dryRun {
						if !jsonOut && !quiet {
							fmt.Printf("would import: %s (%s)\n", it.Title, orDash(it.Section))
						}
						continue
					}
					if err := importOne(pdb, source, it); err != nil {
						return err
					}
					existing[source+"\x00"+it.Title] = true
				}
			}

			if jsonOut {
				return printJSON(map[string]any{
					"files":    len(files),
					"imported": imported,
					"skipped":  skipped,
					"dryRun":   dryRun,
				})
			}
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %d task(s) from %d file(s), skipped %d\n", verb, imported, len(files), skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and report without writing")
	return cmd
}

// expandGlobs resolves the given patterns relative to the project dir,
// returning a sorted, deduplicated file list.
func expandGlobs(dir string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// existingImports indexes tasks already created from a source file so
// re-running import is idempotent.
func existingImports(p *db.ProjectDB) (map[string]bool, error) {
	tasks, err := p.ListTasks(db.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	index := make(map[string]bool)
	for _, t := range tasks {
		if t.SourceFile != nil {
			index[*t.SourceFile+"\x00"+t.Title] = true
		}
	}
	return index, nil
}

func importOne(p *db.ProjectDB, source string, it importedTask) error {
	t := db.NewTask(it.Title, it.Description)
	t.SourceFile = &source
	if it.Section != "" {
		s, err := p.GetSectionByName(it.Section)
		if err != nil {
			return fmt.Errorf("get section: %w", err)
		}
		if s == nil {
			s, err = p.CreateSection(it.Section, nil)
			if err != nil {
				return fmt.Errorf("create section: %w", err)
			}
		}
		t.SectionID = &s.ID
	}
	if err := p.SaveTask(t); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}
