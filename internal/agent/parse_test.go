package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []Event
	}{
		{
			name: "system init",
			line: `{"type":"system","subtype":"init","session_id":"s1","model":"claude-sonnet","cwd":"/work","tools":["Bash"]}`,
			want: []Event{SessionInit{Handle: "s1", Model: "claude-sonnet", Cwd: "/work"}},
		},
		{
			name: "other system subtype",
			line: `{"type":"system","subtype":"compact_boundary"}`,
		},
		{
			name: "assistant text and tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"Looking."},{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}]},"session_id":"s1"}`,
			want: []Event{
				Text{Chunk: "Looking."},
				ToolUse{ID: "toolu_1", Name: "Bash", Input: []byte(`{"command":"ls"}`)},
			},
		},
		{
			name: "empty text block skipped",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":""},{"type":"thinking","thinking":"..."}]}}`,
		},
		{
			name: "user tool result ignored",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"a\nb"}]}}`,
		},
		{
			name: "successful result",
			line: `{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.0123,"num_turns":4,"duration_ms":2500}`,
			want: []Event{Result{Success: true, CostUSD: 0.0123, Turns: 4, Duration: 2500 * time.Millisecond}},
		},
		{
			name: "error result",
			line: `{"type":"result","subtype":"error_max_turns","is_error":true,"num_turns":10}`,
			want: []Event{Result{Success: false, Turns: 10, Error: "error max turns"}},
		},
		{
			name: "error result with message",
			line: `{"type":"result","subtype":"success","is_error":true,"result":"API Error: overloaded","cost_usd":0.5}`,
			want: []Event{Result{Success: false, CostUSD: 0.5, Error: "API Error: overloaded"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Len(t, got, len(tt.want))
			for i := range tt.want {
				if tu, ok := tt.want[i].(ToolUse); ok {
					gotTU, ok := got[i].(ToolUse)
					require.True(t, ok)
					assert.Equal(t, tu.ID, gotTU.ID)
					assert.Equal(t, tu.Name, gotTU.Name)
					assert.JSONEq(t, string(tu.Input), string(gotTU.Input))
					continue
				}
				assert.Equal(t, tt.want[i], got[i])
			}
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	_, err := ParseLine([]byte(`{"type":`))
	assert.Error(t, err)
}
