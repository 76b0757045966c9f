package permission

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MaxSummaryLength bounds a rendered summary, in runes, so a prompt fits
// in one chat message.
const MaxSummaryLength = 1500

// Summarize renders a tool call for a human: the command for Bash, a line
// diff for edits, a preview for writes and indented JSON otherwise.
func Summarize(toolName string, input json.RawMessage) string {
	var args map[string]any
	_ = json.Unmarshal(input, &args)

	var b strings.Builder
	switch toolName {
	case "Bash":
		if desc := str(args, "description"); desc != "" {
			fmt.Fprintf(&b, "%s\n", desc)
		}
		fmt.Fprintf(&b, "```sh\n%s\n```", str(args, "command"))
	case "Edit":
		fmt.Fprintf(&b, "`%s`\n", str(args, "file_path"))
		writeDiff(&b, str(args, "old_string"), str(args, "new_string"))
	case "MultiEdit":
		fmt.Fprintf(&b, "`%s`\n", str(args, "file_path"))
		edits, _ := args["edits"].([]any)
		for _, e := range edits {
			edit, _ := e.(map[string]any)
			writeDiff(&b, str(edit, "old_string"), str(edit, "new_string"))
		}
	case "Write":
		fmt.Fprintf(&b, "`%s`\n```\n%s\n```", str(args, "file_path"), strings.TrimRight(str(args, "content"), "\n"))
	case "NotebookEdit":
		fmt.Fprintf(&b, "`%s`\n```\n%s\n```", str(args, "notebook_path"), strings.TrimRight(str(args, "new_source"), "\n"))
	default:
		if pretty, err := json.MarshalIndent(args, "", "  "); err == nil && args != nil {
			fmt.Fprintf(&b, "```json\n%s\n```", pretty)
		} else {
			fmt.Fprintf(&b, "```\n%s\n```", string(input))
		}
	}
	return truncateBlock(strings.TrimSpace(b.String()), MaxSummaryLength)
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// writeDiff renders a line diff of before and after as a diff code block.
func writeDiff(b *strings.Builder, before, after string) {
	dmp := diffmatchpatch.New()
	a, c, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, c, false), lines)

	b.WriteString("```diff\n")
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString("```\n")
}

// truncateBlock cuts s to limit runes, closing an open code fence.
func truncateBlock(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const marker = "\n…\n```"
	runes := []rune(s)
	cut := string(runes[:limit-utf8.RuneCountInString(marker)])
	if strings.Count(cut, "```")%2 == 0 {
		return cut + "\n…"
	}
	return cut + marker
}
