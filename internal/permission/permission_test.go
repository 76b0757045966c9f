package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bashInput(command string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"command": command})
	return data
}

func TestMatchBashPermission(t *testing.T) {
	rules := map[string]Action{
		"git commit *":  ActionAllow,
		"git push *":    ActionDeny,
		"git *":         ActionAsk,
		"rm *":          ActionDeny,
		"npm install *": ActionAsk,
		"pwd":           ActionAllow,
	}

	tests := []struct {
		name     string
		cmd      BashCommand
		expected Action
	}{
		{"specific subcommand", BashCommand{Name: "git", Subcommand: "commit"}, ActionAllow},
		{"specific deny", BashCommand{Name: "git", Subcommand: "push"}, ActionDeny},
		{"falls back to command wildcard", BashCommand{Name: "git", Subcommand: "status"}, ActionAsk},
		{"command wildcard", BashCommand{Name: "rm", Args: []string{"-rf", "dir"}}, ActionDeny},
		{"bare command", BashCommand{Name: "pwd"}, ActionAllow},
		{"no rule asks", BashCommand{Name: "ls", Args: []string{"-la"}}, ActionAsk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchBashPermission(tt.cmd, rules))
		})
	}
}

func TestMatchBashPermission_GlobalWildcard(t *testing.T) {
	rules := map[string]Action{"git *": ActionAsk, "*": ActionAllow}
	assert.Equal(t, ActionAllow, MatchBashPermission(BashCommand{Name: "ls"}, rules))
	assert.Equal(t, ActionAsk, MatchBashPermission(BashCommand{Name: "git", Subcommand: "log"}, rules))
}

func TestBuildPatterns(t *testing.T) {
	commands := []BashCommand{
		{Name: "git", Subcommand: "add", Args: []string{"add", "."}},
		{Name: "git", Subcommand: "commit", Args: []string{"commit", "-m", "msg"}},
		{Name: "cd", Args: []string{"/tmp"}},
		{Name: "ls", Args: []string{"-la"}},
		{Name: "git", Subcommand: "add", Args: []string{"add", "file.txt"}},
	}

	assert.Equal(t, []string{"git add *", "git commit *", "ls *"}, BuildPatterns(commands))
}

func TestPolicyEvaluate(t *testing.T) {
	policy := Policy{
		DangerousTools: []string{"Bash", "Write", "mcp__*"},
		Bash: map[string]Action{
			"git status *": ActionAllow,
			"git diff *":   ActionAllow,
			"rm *":         ActionDeny,
		},
	}

	tests := []struct {
		name     string
		tool     string
		input    json.RawMessage
		expected Action
	}{
		{"safe tool", "Read", json.RawMessage(`{"file_path":"/a"}`), ActionAllow},
		{"dangerous tool", "Write", json.RawMessage(`{"file_path":"/a"}`), ActionAsk},
		{"mcp glob", "mcp__github__create_issue", json.RawMessage(`{}`), ActionAsk},
		{"all commands allowed", "Bash", bashInput("git status && git diff HEAD"), ActionAllow},
		{"one command unknown", "Bash", bashInput("git status && make"), ActionAsk},
		{"any deny wins", "Bash", bashInput("git status; rm -rf /"), ActionDeny},
		{"deny through sudo", "Bash", bashInput("sudo rm -rf /"), ActionDeny},
		{"unparsable asks", "Bash", bashInput(`echo "open`), ActionAsk},
		{"bad input asks", "Bash", json.RawMessage(`[]`), ActionAsk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.Evaluate(tt.tool, tt.input))
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(types.ApprovalConfig{
		DangerousTools: []string{"Bash"},
		Bash:           map[string]string{"ls *": "allow"},
		AllowedUsers:   []string{"u1"},
	})

	assert.Equal(t, DefaultTimeout, p.Timeout)
	assert.Equal(t, ActionAllow, p.Bash["ls *"])
	assert.True(t, p.CanDecide("u1"))
	assert.False(t, p.CanDecide("u2"))
	assert.True(t, Policy{}.CanDecide("anyone"))

	def := DefaultPolicy()
	for _, tool := range []string{"Bash", "Write", "Edit", "MultiEdit", "NotebookEdit", "mcp__x__y"} {
		assert.True(t, def.IsDangerous(tool), tool)
	}
	assert.False(t, def.IsDangerous("Read"))
	assert.Equal(t, 300*time.Second, def.Timeout)
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Decision{Approved: true}.Err("c1", "Bash"))

	err := Decision{Outcome: gateway.OutcomeTimedOut}.Err("c1", "Bash")
	require.Error(t, err)
	assert.True(t, IsRejectedError(err))
	assert.True(t, IsRejectedError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRejectedError(errors.New("other")))

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "c1", rej.ConversationID)
	assert.Equal(t, gateway.OutcomeTimedOut, rej.Outcome)
	assert.Contains(t, rej.Error(), "timed out")
}

func TestDoomLoopDetector(t *testing.T) {
	d := NewDoomLoopDetector()
	in := json.RawMessage(`{"file":"a.txt"}`)

	assert.False(t, d.Check("c1", "Write", in))
	assert.False(t, d.Check("c1", "Write", json.RawMessage(`{ "file" : "a.txt" }`)))
	assert.True(t, d.Check("c1", "Write", in), "whitespace differences are the same call")
	assert.True(t, d.Check("c1", "Write", in))

	assert.False(t, d.Check("c1", "Edit", in), "a different tool breaks the run")
	assert.False(t, d.Check("c1", "Write", in))
}

func TestDoomLoopDetector_Conversations(t *testing.T) {
	d := NewDoomLoopDetector()
	in := json.RawMessage(`{}`)

	d.Check("c1", "Bash", in)
	d.Check("c1", "Bash", in)
	assert.False(t, d.Check("c2", "Bash", in))
	assert.True(t, d.Check("c1", "Bash", in))

	d.Clear("c1")
	assert.False(t, d.Check("c1", "Bash", in))
}

func TestSummarize(t *testing.T) {
	t.Run("bash", func(t *testing.T) {
		s := Summarize("Bash", json.RawMessage(`{"command":"go test ./...","description":"Run tests"}`))
		assert.Equal(t, "Run tests\n```sh\ngo test ./...\n```", s)
	})

	t.Run("edit diff", func(t *testing.T) {
		s := Summarize("Edit", json.RawMessage(`{"file_path":"/src/a.go","old_string":"a\nb\nc\n","new_string":"a\nB\nc\n"}`))
		assert.Contains(t, s, "`/src/a.go`")
		assert.Contains(t, s, "```diff\n a\n-b\n+B\n c\n```")
	})

	t.Run("write preview", func(t *testing.T) {
		s := Summarize("Write", json.RawMessage(`{"file_path":"/a.txt","content":"hello\n"}`))
		assert.Equal(t, "`/a.txt`\n```\nhello\n```", s)
	})

	t.Run("other tools as json", func(t *testing.T) {
		s := Summarize("mcp__x__y", json.RawMessage(`{"k":1}`))
		assert.Equal(t, "```json\n{\n  \"k\": 1\n}\n```", s)
	})

	t.Run("truncated", func(t *testing.T) {
		long := strings.Repeat("x\n", 2000)
		in, _ := json.Marshal(map[string]string{"file_path": "/big", "content": long})
		s := Summarize("Write", in)
		assert.LessOrEqual(t, len([]rune(s)), MaxSummaryLength)
		assert.True(t, strings.HasSuffix(s, "…\n```"), "an open fence is closed")
	})
}
