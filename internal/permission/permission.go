package permission

import (
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/pkg/types"
)

// Action is what a policy rule says to do with a tool call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// DefaultTimeout applies when a policy carries no timeout.
const DefaultTimeout = 5 * time.Minute

// Decision is the settled result of an approval request.
type Decision struct {
	RequestID string
	Approved  bool
	Outcome   gateway.ApprovalOutcome
	// UserID is set when a human decided.
	UserID string
}

// Err returns a *RejectedError for a denied decision and nil otherwise.
func (d Decision) Err(conversationID, toolName string) error {
	if d.Approved {
		return nil
	}
	return &RejectedError{
		ConversationID: conversationID,
		ToolName:       toolName,
		Outcome:        d.Outcome,
		Message:        rejectionMessage(toolName, d.Outcome),
	}
}

func rejectionMessage(toolName string, outcome gateway.ApprovalOutcome) string {
	switch outcome {
	case gateway.OutcomeTimedOut:
		return fmt.Sprintf("Approval for %s timed out", toolName)
	case gateway.OutcomeCanceled:
		return fmt.Sprintf("Approval for %s was canceled", toolName)
	case gateway.OutcomePolicy:
		return fmt.Sprintf("%s is denied by policy", toolName)
	case gateway.OutcomePublishFailed:
		return fmt.Sprintf("Could not ask for approval of %s", toolName)
	default:
		return fmt.Sprintf("Permission for %s rejected by user", toolName)
	}
}

// RejectedError is returned when a tool call is not approved.
type RejectedError struct {
	ConversationID string
	ToolName       string
	Outcome        gateway.ApprovalOutcome
	Message        string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// IsRejectedError checks if an error is a permission rejection.
func IsRejectedError(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Policy decides which tool calls need a human.
type Policy struct {
	// DangerousTools are doublestar patterns of tool names that need
	// approval. Everything else is approved without a prompt.
	DangerousTools []string
	// Bash maps command patterns such as "git commit *" to an action.
	Bash map[string]Action
	// Timeout auto-denies a prompt nobody answers.
	Timeout time.Duration
	// AllowedUsers may decide prompts. Empty lets anyone decide.
	AllowedUsers []string
}

// PolicyFromConfig converts the approval section of the config.
func PolicyFromConfig(cfg types.ApprovalConfig) Policy {
	p := Policy{
		DangerousTools: append([]string(nil), cfg.DangerousTools...),
		Bash:           make(map[string]Action, len(cfg.Bash)),
		Timeout:        cfg.Timeout(),
		AllowedUsers:   append([]string(nil), cfg.AllowedUsers...),
	}
	for pattern, action := range cfg.Bash {
		p.Bash[pattern] = Action(action)
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// DefaultPolicy returns the policy of an empty config.
func DefaultPolicy() Policy {
	return PolicyFromConfig(types.DefaultConfig().Approval)
}
