package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/logging"
)

// Web gateway errors.
var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotApproval    = errors.New("message is not an approval prompt")
	ErrNotStarted     = errors.New("web gateway not started")
)

// Retention defaults for NewWebGateway.
const (
	DefaultMaxTranscript    = 500
	DefaultMaxConversations = 1000
)

// Message authors.
const (
	AuthorUser  = "user"
	AuthorRelay = "relay"
)

// WebMessage is a message of a web conversation.
type WebMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationID"`
	Author         string       `json:"author"`
	UserID         string       `json:"userID,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	Content        string       `json:"content"`
	Approval       *WebApproval `json:"approval,omitempty"`
	Created        time.Time    `json:"created"`
	Updated        time.Time    `json:"updated"`
}

// WebApproval is the approval state attached to a prompt message.
type WebApproval struct {
	RequestID string                  `json:"requestID"`
	ToolName  string                  `json:"toolName"`
	Reactions bool                    `json:"reactions"`
	Outcome   gateway.ApprovalOutcome `json:"outcome,omitempty"`
	By        string                  `json:"by,omitempty"`
}

// WebGateway is a gateway.Gateway for browser clients: messages arrive over
// REST and leave as events on the bus, which /event streams. Outbound sends
// and edits are rate limited per conversation and fail with a
// *gateway.RateLimitError when over the limit.
//
// Each conversation keeps its newest MaxTranscript messages, and at most
// MaxConversations conversations are kept; the least recently active one is
// dropped with its limiter when a new one starts.
type WebGateway struct {
	bus   *event.Bus
	limit rate.Limit
	burst int

	MaxTranscript    int
	MaxConversations int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	messages map[string]*WebMessage
	order    map[string][]string
	handler  gateway.Handler
}

var _ gateway.Gateway = (*WebGateway)(nil)

// NewWebGateway creates a web gateway allowing limit outbound operations
// per second per conversation, with the given burst.
func NewWebGateway(bus *event.Bus, limit rate.Limit, burst int) *WebGateway {
	if burst < 1 {
		burst = 1
	}
	return &WebGateway{
		bus:              bus,
		limit:            limit,
		burst:            burst,
		MaxTranscript:    DefaultMaxTranscript,
		MaxConversations: DefaultMaxConversations,
		limiters:         make(map[string]*rate.Limiter),
		messages:         make(map[string]*WebMessage),
		order:            make(map[string][]string),
	}
}

// Start implements gateway.Gateway.
func (g *WebGateway) Start(ctx context.Context, h gateway.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
	return nil
}

// Close implements gateway.Gateway.
func (g *WebGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = nil
	return nil
}

// allowLocked takes a token from the conversation's limiter.
func (g *WebGateway) allowLocked(conversationID string) error {
	lim, ok := g.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(g.limit, g.burst)
		g.limiters[conversationID] = lim
	}
	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &gateway.RateLimitError{RetryAfter: delay}
	}
	return nil
}

func (g *WebGateway) addLocked(msg *WebMessage) {
	msg.ID = ulid.Make().String()
	msg.Created = time.Now()
	msg.Updated = msg.Created

	id := msg.ConversationID
	if _, known := g.order[id]; !known && g.MaxConversations > 0 && len(g.order) >= g.MaxConversations {
		g.evictIdleLocked()
	}

	g.messages[msg.ID] = msg
	ids := append(g.order[id], msg.ID)
	if g.MaxTranscript > 0 && len(ids) > g.MaxTranscript {
		drop := len(ids) - g.MaxTranscript
		for _, old := range ids[:drop] {
			delete(g.messages, old)
		}
		ids = append([]string(nil), ids[drop:]...)
	}
	g.order[id] = ids
}

// evictIdleLocked drops the conversation whose newest message is oldest.
func (g *WebGateway) evictIdleLocked() {
	var (
		victim string
		oldest time.Time
	)
	for id, ids := range g.order {
		var last time.Time
		if n := len(ids); n > 0 {
			last = g.messages[ids[n-1]].Updated
		}
		if victim == "" || last.Before(oldest) {
			victim, oldest = id, last
		}
	}
	if victim == "" {
		return
	}
	for _, mid := range g.order[victim] {
		delete(g.messages, mid)
	}
	delete(g.order, victim)
	delete(g.limiters, victim)
	logging.Debug().Str(logging.ConversationKey, victim).Msg("web transcript evicted")
}

func (g *WebGateway) publish(t event.Type, msg WebMessage) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(event.Event{Type: t, Data: event.MessageData{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		ReplyTo:        msg.ReplyTo,
	}})
}

// SendMessage implements gateway.Messenger.
func (g *WebGateway) SendMessage(ctx context.Context, conversationID, content, replyTo string) (string, error) {
	g.mu.Lock()
	if err := g.allowLocked(conversationID); err != nil {
		g.mu.Unlock()
		return "", err
	}
	msg := &WebMessage{ConversationID: conversationID, Author: AuthorRelay, ReplyTo: replyTo, Content: content}
	g.addLocked(msg)
	snapshot := *msg
	g.mu.Unlock()

	g.publish(event.MessageCreated, snapshot)
	return snapshot.ID, nil
}

// EditMessage implements gateway.Messenger.
func (g *WebGateway) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	g.mu.Lock()
	msg, ok := g.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if err := g.allowLocked(conversationID); err != nil {
		g.mu.Unlock()
		return err
	}
	msg.Content = content
	msg.Updated = time.Now()
	snapshot := *msg
	g.mu.Unlock()

	g.publish(event.MessageUpdated, snapshot)
	return nil
}

// PublishApproval implements gateway.ApprovalUI. Prompts are not rate
// limited.
func (g *WebGateway) PublishApproval(ctx context.Context, p gateway.ApprovalPrompt) (string, error) {
	g.mu.Lock()
	msg := &WebMessage{
		ConversationID: p.ConversationID,
		Author:         AuthorRelay,
		Content:        approvalText(p),
		Approval:       &WebApproval{RequestID: p.RequestID, ToolName: p.ToolName},
	}
	g.addLocked(msg)
	snapshot := *msg
	g.mu.Unlock()

	g.publish(event.MessageCreated, snapshot)
	return snapshot.ID, nil
}

// AttachReactions implements gateway.ApprovalUI.
func (g *WebGateway) AttachReactions(ctx context.Context, conversationID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.messages[messageID]
	if !ok || msg.Approval == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	msg.Approval.Reactions = true
	return nil
}

// UpdateApproval implements gateway.ApprovalUI.
func (g *WebGateway) UpdateApproval(ctx context.Context, conversationID, messageID string, outcome gateway.ApprovalOutcome, by string) error {
	g.mu.Lock()
	msg, ok := g.messages[messageID]
	if !ok || msg.Approval == nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	msg.Approval.Outcome = outcome
	msg.Approval.By = by
	msg.Approval.Reactions = false
	msg.Content = fmt.Sprintf("%s\n\n**%s**", msg.Content, outcomeText(outcome, by))
	msg.Updated = time.Now()
	snapshot := *msg
	g.mu.Unlock()

	g.publish(event.MessageUpdated, snapshot)
	return nil
}

// Deliver records a user message and hands it to the handler.
func (g *WebGateway) Deliver(ctx context.Context, conversationID, userID, content string) (WebMessage, error) {
	g.mu.Lock()
	h := g.handler
	if h == nil {
		g.mu.Unlock()
		return WebMessage{}, ErrNotStarted
	}
	msg := &WebMessage{ConversationID: conversationID, Author: AuthorUser, UserID: userID, Content: content}
	g.addLocked(msg)
	snapshot := *msg
	g.mu.Unlock()

	g.publish(event.MessageCreated, snapshot)
	h.HandleMessage(ctx, gateway.InboundMessage{
		ConversationID: conversationID,
		MessageID:      snapshot.ID,
		UserID:         userID,
		Content:        content,
	})
	return snapshot, nil
}

// React answers an approval prompt through its redundant path.
func (g *WebGateway) React(ctx context.Context, conversationID, messageID, userID string, approved bool) error {
	g.mu.Lock()
	h := g.handler
	msg, ok := g.messages[messageID]
	switch {
	case h == nil:
		g.mu.Unlock()
		return ErrNotStarted
	case !ok || msg.ConversationID != conversationID:
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	case msg.Approval == nil:
		g.mu.Unlock()
		return ErrNotApproval
	}
	g.mu.Unlock()

	logging.Debug().Str("conversation", conversationID).Str("message", messageID).Bool("approved", approved).Msg("web reaction")
	h.HandleDecision(ctx, gateway.Decision{
		MessageID: messageID,
		Approved:  approved,
		UserID:    userID,
		Via:       gateway.ViaReaction,
	})
	return nil
}

// Messages returns the messages of a conversation, oldest first.
func (g *WebGateway) Messages(conversationID string) []WebMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.order[conversationID]
	out := make([]WebMessage, 0, len(ids))
	for _, id := range ids {
		m := *g.messages[id]
		if m.Approval != nil {
			a := *m.Approval
			m.Approval = &a
		}
		out = append(out, m)
	}
	return out
}

func approvalText(p gateway.ApprovalPrompt) string {
	text := fmt.Sprintf("🔐 **Approval needed:** `%s`", p.ToolName)
	if p.Summary != "" {
		text += "\n" + p.Summary
	}
	if p.Timeout > 0 {
		text += fmt.Sprintf("\nExpires in %s.", p.Timeout.Round(time.Second))
	}
	return text
}

func outcomeText(outcome gateway.ApprovalOutcome, by string) string {
	var text string
	switch outcome {
	case gateway.OutcomeApproved:
		text = "✅ Approved"
	case gateway.OutcomeDenied:
		text = "❌ Denied"
	case gateway.OutcomeTimedOut:
		text = "⌛ Timed out, denied"
	case gateway.OutcomeCanceled:
		text = "🚫 Canceled"
	default:
		text = string(outcome)
	}
	if by != "" {
		text += " by " + by
	}
	return text
}
