package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const activityDetailLimit = 80

// FormatToolActivity renders a one-line marker for a tool call, e.g.
// "🔧 `Bash` ls -la".
func FormatToolActivity(name string, input json.RawMessage) string {
	detail := toolDetail(name, input)
	if detail == "" {
		return fmt.Sprintf("🔧 `%s`", name)
	}
	return fmt.Sprintf("🔧 `%s` %s", name, detail)
}

// toolDetail picks the most telling input field of well-known tools.
func toolDetail(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}

	var keys []string
	switch name {
	case "Bash":
		keys = []string{"description", "command"}
	case "Read", "Write", "Edit", "MultiEdit":
		keys = []string{"file_path"}
	case "NotebookEdit":
		keys = []string{"notebook_path"}
	case "Grep", "Glob":
		keys = []string{"pattern"}
	case "WebFetch":
		keys = []string{"url"}
	case "WebSearch":
		keys = []string{"query"}
	case "Task":
		keys = []string{"description"}
	default:
		return ""
	}

	for _, key := range keys {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return "`" + shorten(singleLine(v), activityDetailLimit) + "`"
		}
	}
	return ""
}

func singleLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	return strings.ReplaceAll(s, "`", "'")
}

func shorten(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return s[:runeOffset(s, limit-1)] + "…"
}
