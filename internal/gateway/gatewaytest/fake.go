// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/agentrelay/internal/gateway"
)

// Message is a message held by the fake.
type Message struct {
	ID             string
	ConversationID string
	ReplyTo        string
	Content        string
	// Edits counts EditMessage calls that succeeded on this message.
	Edits int
}

// Approval is a published approval prompt.
type Approval struct {
	Prompt    gateway.ApprovalPrompt
	MessageID string
	Reactions bool
	Outcome   gateway.ApprovalOutcome
	By        string
}

// Gateway records everything sent through it. Hooks let tests inject
// failures and observe ordering.
type Gateway struct {
	mu        sync.Mutex
	nextID    int
	messages  []*Message
	approvals []*Approval
	sends     int
	calls     []string

	// RateLimits makes the next n sends or edits fail with RetryAfter.
	rateLimits int
	retryAfter time.Duration

	// EditDelay is slept inside EditMessage, holding no lock.
	EditDelay time.Duration
	// PublishErr fails PublishApproval when set.
	PublishErr error
	// OnPublish runs after a prompt is recorded and before PublishApproval
	// returns. Tests use it to answer before reactions are attached.
	OnPublish func(gateway.ApprovalPrompt, string)

	handler gateway.Handler
}

var _ gateway.Gateway = (*Gateway)(nil)

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{}
}

// RateLimitNext makes the next n send or edit calls fail.
func (g *Gateway) RateLimitNext(n int, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rateLimits = n
	g.retryAfter = retryAfter
}

func (g *Gateway) takeRateLimit() error {
	if g.rateLimits > 0 {
		g.rateLimits--
		return &gateway.RateLimitError{RetryAfter: g.retryAfter}
	}
	return nil
}

func (g *Gateway) newID() string {
	g.nextID++
	return fmt.Sprintf("m%d", g.nextID)
}

// SendMessage implements gateway.Messenger.
func (g *Gateway) SendMessage(ctx context.Context, conversationID, content, replyTo string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "send")
	if err := g.takeRateLimit(); err != nil {
		return "", err
	}
	msg := &Message{ID: g.newID(), ConversationID: conversationID, ReplyTo: replyTo, Content: content}
	g.messages = append(g.messages, msg)
	g.sends++
	return msg.ID, nil
}

// EditMessage implements gateway.Messenger.
func (g *Gateway) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	if g.EditDelay > 0 {
		time.Sleep(g.EditDelay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "edit")
	if err := g.takeRateLimit(); err != nil {
		return err
	}
	for _, m := range g.messages {
		if m.ID == messageID {
			m.Content = content
			m.Edits++
			return nil
		}
	}
	return fmt.Errorf("unknown message %s", messageID)
}

// PublishApproval implements gateway.ApprovalUI.
func (g *Gateway) PublishApproval(ctx context.Context, p gateway.ApprovalPrompt) (string, error) {
	g.mu.Lock()
	if g.PublishErr != nil {
		err := g.PublishErr
		g.mu.Unlock()
		return "", err
	}
	id := g.newID()
	g.approvals = append(g.approvals, &Approval{Prompt: p, MessageID: id})
	g.calls = append(g.calls, "publish")
	hook := g.OnPublish
	g.mu.Unlock()

	if hook != nil {
		hook(p, id)
	}
	return id, nil
}

// AttachReactions implements gateway.ApprovalUI.
func (g *Gateway) AttachReactions(ctx context.Context, conversationID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "react")
	for _, a := range g.approvals {
		if a.MessageID == messageID {
			a.Reactions = true
		}
	}
	return nil
}

// UpdateApproval implements gateway.ApprovalUI.
func (g *Gateway) UpdateApproval(ctx context.Context, conversationID, messageID string, outcome gateway.ApprovalOutcome, by string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "update")
	for _, a := range g.approvals {
		if a.MessageID == messageID {
			a.Outcome = outcome
			a.By = by
		}
	}
	return nil
}

// Start implements gateway.Gateway.
func (g *Gateway) Start(ctx context.Context, h gateway.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
	return nil
}

// Close implements gateway.Gateway.
func (g *Gateway) Close() error { return nil }

// Messages returns copies of all messages, oldest first.
func (g *Gateway) Messages() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Message, len(g.messages))
	for i, m := range g.messages {
		out[i] = *m
	}
	return out
}

// Approvals returns copies of all published approval prompts.
func (g *Gateway) Approvals() []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Approval, len(g.approvals))
	for i, a := range g.approvals {
		out[i] = *a
	}
	return out
}

// Calls returns the order of gateway calls.
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// Sends returns how many messages were created.
func (g *Gateway) Sends() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends
}

// Handler returns the handler passed to Start.
func (g *Gateway) Handler() gateway.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler
}
