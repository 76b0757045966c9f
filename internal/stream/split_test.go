package stream

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitMessageShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, SplitMessage("  hello \n", 10))
	assert.Nil(t, SplitMessage("   ", 10))
}

func TestSplitMessageBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		content string
		limit   int
		want    []string
	}{
		{
			name:    "paragraph preferred over newline",
			content: "first paragraph\nstill first\n\nsecond paragraph",
			limit:   35,
			want:    []string{"first paragraph\nstill first", "second paragraph"},
		},
		{
			name:    "newline when no paragraph",
			content: "line one is here\nline two is here",
			limit:   20,
			want:    []string{"line one is here", "line two is here"},
		},
		{
			name:    "sentence when no newline",
			content: "This is one sentence. This is another one.",
			limit:   30,
			want:    []string{"This is one sentence.", "This is another one."},
		},
		{
			name:    "word when no sentence",
			content: "alpha beta gamma delta epsilon",
			limit:   14,
			want:    []string{"alpha beta", "gamma delta", "epsilon"},
		},
		{
			name:    "hard cut when no boundary",
			content: strings.Repeat("x", 25),
			limit:   10,
			want:    []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)},
		},
		{
			name:    "early paragraph break ignored",
			content: "ab\n\ncdefghij klmnop",
			limit:   16,
			want:    []string{"ab\n\ncdefghij", "klmnop"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitMessage(tt.content, tt.limit))
		})
	}
}

func TestSplitMessageRespectsLimitAndRunes(t *testing.T) {
	content := strings.Repeat("héllo wörld 日本語のテキスト。", 40)

	chunks := SplitMessage(content, 50)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk must not split a rune")
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 50)
		assert.NotEmpty(t, chunk)
		assert.Equal(t, strings.TrimSpace(chunk), chunk)
	}
}

func TestSplitMessageRoundTrip(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("Streaming output line with some words. ")
		if i%7 == 0 {
			b.WriteString("\n\n")
		} else if i%3 == 0 {
			b.WriteString("\n")
		}
	}
	b.WriteString(strings.Repeat("z", 300))
	content := b.String()

	for _, limit := range []int{40, 100, 2000} {
		chunks := SplitMessage(content, limit)
		assert.Equal(t, stripSpace(content), stripSpace(strings.Join(chunks, "")),
			"limit %d: splitting must only drop whitespace at boundaries", limit)
		for _, chunk := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(chunk), limit)
		}
	}
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	assert.Equal(t, "…6789", tail("0123456789", 5))
	assert.Equal(t, "…語", tail("日本語", 2))
}

func TestFormatToolActivity(t *testing.T) {
	assert.Equal(t, "🔧 `Bash` `ls -la`", FormatToolActivity("Bash", []byte(`{"command":"ls -la"}`)))
	assert.Equal(t, "🔧 `Bash` `List files`", FormatToolActivity("Bash", []byte(`{"command":"ls","description":"List files"}`)))
	assert.Equal(t, "🔧 `Edit` `/src/main.go`", FormatToolActivity("Edit", []byte(`{"file_path":"/src/main.go","old_string":"a"}`)))
	assert.Equal(t, "🔧 `TodoWrite`", FormatToolActivity("TodoWrite", []byte(`{"todos":[]}`)))
	assert.Equal(t, "🔧 `Bash`", FormatToolActivity("Bash", []byte(`not json`)))

	long := FormatToolActivity("Bash", []byte(`{"command":"`+strings.Repeat("a", 200)+`"}`))
	assert.Less(t, utf8.RuneCountInString(long), 100)
	assert.Contains(t, FormatToolActivity("Bash", []byte(`{"command":"echo a\necho b"}`)), "echo a …")
}
