package orchestrator

import (
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```[a-zA-Z]*\n(.*?)```")
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuotedRe  = regexp.MustCompile(`'([^'\\]*)'`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	pyLiteralRe     = regexp.MustCompile(`\b(True|False|None)\b`)
)

var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`, // “ ”
	"‘", "'", "’", "'", // ‘ ’
)

// normalize repairs the most common ways models mangle JSON: markdown
// fences, smart quotes, Python literals, single-quoted strings, bare
// object keys, and trailing commas. It never guarantees valid JSON; it
// only gives the decoder a second chance.
func normalize(s string) string {
	s = stripFences(s)
	s = smartQuotes.Replace(s)
	s = pyLiteralRe.ReplaceAllStringFunc(s, func(m string) string {
		switch m {
		case "True":
			return "true"
		case "False":
			return "false"
		default:
			return "null"
		}
	})
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = singleQuotedRe.ReplaceAllString(s, `"$1"`)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// stripFences removes a markdown code fence wrapping the whole string.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return s
}

// fencedJSONBlock extracts the first fenced code block tagged json.
func fencedJSONBlock(s string) (string, bool) {
	re := regexp.MustCompile("(?s)```json\\s*\n(.*?)```")
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// braceSubstring takes the substring from the first { to the last }.
func braceSubstring(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
