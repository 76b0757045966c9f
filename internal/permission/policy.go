package permission

import (
	"encoding/json"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// IsDangerous reports whether toolName matches one of the dangerous-tool
// patterns.
func (p Policy) IsDangerous(toolName string) bool {
	for _, pattern := range p.DangerousTools {
		if pattern == toolName {
			return true
		}
		if ok, _ := doublestar.Match(pattern, toolName); ok {
			return true
		}
	}
	return false
}

// Evaluate returns the action for a tool call before any human is asked.
// Bash calls are split into their commands: one deny rule denies the call,
// and the call is allowed only when every command has an allow rule.
func (p Policy) Evaluate(toolName string, input json.RawMessage) Action {
	if !p.IsDangerous(toolName) {
		return ActionAllow
	}
	if toolName != "Bash" || len(p.Bash) == 0 {
		return ActionAsk
	}

	commands, err := bashCommands(input)
	if err != nil || len(commands) == 0 {
		return ActionAsk
	}
	result := ActionAllow
	for _, cmd := range commands {
		switch MatchBashPermission(cmd, p.Bash) {
		case ActionDeny:
			return ActionDeny
		case ActionAsk:
			result = ActionAsk
		}
	}
	return result
}

// CanDecide reports whether userID may answer prompts.
func (p Policy) CanDecide(userID string) bool {
	return len(p.AllowedUsers) == 0 || slices.Contains(p.AllowedUsers, userID)
}

func bashCommands(input json.RawMessage) ([]BashCommand, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	return ParseBashCommand(args.Command)
}
