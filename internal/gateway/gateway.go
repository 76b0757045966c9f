// Package gateway defines what the relay needs from a chat platform.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Messenger publishes and edits plain messages.
type Messenger interface {
	// SendMessage posts content to a conversation, as a reply to replyTo
	// when it is non-empty, and returns the new message's id.
	SendMessage(ctx context.Context, conversationID, content, replyTo string) (string, error)
	// EditMessage replaces the content of a message posted earlier.
	EditMessage(ctx context.Context, conversationID, messageID, content string) error
}

// ApprovalPrompt is what a human sees when a tool call needs approval.
type ApprovalPrompt struct {
	RequestID      string
	ConversationID string
	ToolName       string
	Input          json.RawMessage
	// Summary is a rendered, human-readable description of the call.
	Summary string
	Timeout time.Duration
}

// ApprovalOutcome is how an approval prompt was settled, for display.
type ApprovalOutcome string

const (
	OutcomeApproved      ApprovalOutcome = "approved"
	OutcomeDenied        ApprovalOutcome = "denied"
	OutcomeTimedOut      ApprovalOutcome = "timed_out"
	OutcomeCanceled      ApprovalOutcome = "canceled"
	OutcomeAuto          ApprovalOutcome = "auto_approved"
	OutcomePolicy        ApprovalOutcome = "denied_by_policy"
	OutcomePublishFailed ApprovalOutcome = "publish_failed"
)

// ApprovalUI renders approval prompts with two decision paths: a primary
// interactive control published with the prompt, and redundant reactions
// attached afterwards.
type ApprovalUI interface {
	// PublishApproval posts the prompt and its primary controls.
	PublishApproval(ctx context.Context, prompt ApprovalPrompt) (messageID string, err error)
	// AttachReactions adds the redundant decision path to a published prompt.
	AttachReactions(ctx context.Context, conversationID, messageID string) error
	// UpdateApproval replaces the prompt's controls with the outcome.
	UpdateApproval(ctx context.Context, conversationID, messageID string, outcome ApprovalOutcome, by string) error
}

// InboundMessage is a user message addressed to the relay.
type InboundMessage struct {
	ConversationID string
	MessageID      string
	UserID         string
	Content        string
}

// DecisionVia names the path a decision arrived by.
type DecisionVia string

const (
	ViaControl  DecisionVia = "control"
	ViaReaction DecisionVia = "reaction"
)

// Decision is a human's answer to an approval prompt. Control decisions
// carry RequestID; reaction decisions carry only MessageID.
type Decision struct {
	RequestID string
	MessageID string
	Approved  bool
	Always    bool
	UserID    string
	Via       DecisionVia
}

// Handler receives inbound traffic from a gateway.
type Handler interface {
	HandleMessage(ctx context.Context, msg InboundMessage)
	HandleDecision(ctx context.Context, d Decision)
}

// Gateway is a connected chat platform.
type Gateway interface {
	Messenger
	ApprovalUI
	// Start connects and delivers inbound traffic to h until Close.
	Start(ctx context.Context, h Handler) error
	Close() error
}

// RateLimitError is returned when the platform asks the caller to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit signal and returns the
// platform's suggested delay.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
