package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/gateway"
)

type recordingHandler struct {
	mu        sync.Mutex
	messages  []gateway.InboundMessage
	decisions []gateway.Decision
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg gateway.InboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleDecision(ctx context.Context, d gateway.Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decisions = append(h.decisions, d)
}

func TestWebGateway_RateLimit(t *testing.T) {
	ctx := context.Background()
	g := NewWebGateway(nil, rate.Every(time.Hour), 2)

	id, err := g.SendMessage(ctx, "c1", "one", "")
	require.NoError(t, err)
	require.NoError(t, g.EditMessage(ctx, "c1", id, "one, edited"))

	_, err = g.SendMessage(ctx, "c1", "two", "")
	var rl *gateway.RateLimitError
	require.True(t, errors.As(err, &rl), "expected a rate limit error, got %v", err)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	err = g.EditMessage(ctx, "c1", id, "one, edited twice")
	require.True(t, errors.As(err, &rl))

	// Limits are per conversation.
	_, err = g.SendMessage(ctx, "c2", "other", "")
	assert.NoError(t, err)

	// Prompts are never limited.
	_, err = g.PublishApproval(ctx, gateway.ApprovalPrompt{RequestID: "r1", ConversationID: "c1", ToolName: "Write"})
	assert.NoError(t, err)

	msgs := g.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "one, edited", msgs[0].Content)
	assert.Equal(t, AuthorRelay, msgs[0].Author)
}

func TestWebGateway_EditUnknownMessage(t *testing.T) {
	g := NewWebGateway(nil, rate.Inf, 1)
	err := g.EditMessage(context.Background(), "c1", "nope", "x")
	assert.ErrorIs(t, err, ErrUnknownMessage)

	id, err := g.SendMessage(context.Background(), "c1", "x", "")
	require.NoError(t, err)
	assert.ErrorIs(t, g.EditMessage(context.Background(), "c2", id, "y"), ErrUnknownMessage,
		"a message is only editable in its own conversation")
}

func TestWebGateway_Retention(t *testing.T) {
	ctx := context.Background()
	g := NewWebGateway(nil, rate.Inf, 1)
	g.MaxTranscript = 3
	g.MaxConversations = 2

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := g.SendMessage(ctx, "c1", fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	msgs := g.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m4", msgs[2].Content)
	assert.ErrorIs(t, g.EditMessage(ctx, "c1", ids[0], "gone"), ErrUnknownMessage)
	require.NoError(t, g.EditMessage(ctx, "c1", ids[4], "kept"))

	time.Sleep(2 * time.Millisecond)
	_, err := g.SendMessage(ctx, "c2", "other", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// c1 was idle longest.
	_, err = g.SendMessage(ctx, "c3", "third", "")
	require.NoError(t, err)
	assert.Empty(t, g.Messages("c1"))
	assert.Len(t, g.Messages("c2"), 1)
	assert.Len(t, g.Messages("c3"), 1)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.messages, 2)
	assert.NotContains(t, g.limiters, "c1")
}

func TestWebGateway_Approvals(t *testing.T) {
	ctx := context.Background()
	g := NewWebGateway(nil, rate.Inf, 1)

	id, err := g.PublishApproval(ctx, gateway.ApprovalPrompt{
		RequestID:      "r1",
		ConversationID: "c1",
		ToolName:       "Bash",
		Summary:        "```sh\nrm -rf build\n```",
		Timeout:        90 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, g.AttachReactions(ctx, "c1", id))

	msg := g.Messages("c1")[0]
	assert.Contains(t, msg.Content, "`Bash`")
	assert.Contains(t, msg.Content, "rm -rf build")
	assert.Contains(t, msg.Content, "Expires in 1m30s.")
	require.NotNil(t, msg.Approval)
	assert.Equal(t, "r1", msg.Approval.RequestID)
	assert.True(t, msg.Approval.Reactions)

	require.NoError(t, g.UpdateApproval(ctx, "c1", id, gateway.OutcomeTimedOut, ""))
	msg = g.Messages("c1")[0]
	assert.Equal(t, gateway.OutcomeTimedOut, msg.Approval.Outcome)
	assert.False(t, msg.Approval.Reactions)
	assert.Contains(t, msg.Content, "**⌛ Timed out, denied**")

	plain, err := g.SendMessage(ctx, "c1", "text", "")
	require.NoError(t, err)
	assert.ErrorIs(t, g.AttachReactions(ctx, "c1", plain), ErrUnknownMessage)
}

func TestWebGateway_DeliverAndReact(t *testing.T) {
	ctx := context.Background()
	bus := event.NewBus()
	defer bus.Close()

	var (
		mu     sync.Mutex
		events []event.Type
	)
	unsubscribe := bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	defer unsubscribe()

	g := NewWebGateway(bus, rate.Inf, 1)

	_, err := g.Deliver(ctx, "c1", "alice", "hi")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, g.React(ctx, "c1", "x", "alice", true), ErrNotStarted)

	h := &recordingHandler{}
	require.NoError(t, g.Start(ctx, h))

	msg, err := g.Deliver(ctx, "c1", "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, AuthorUser, msg.Author)
	require.Len(t, h.messages, 1)
	assert.Equal(t, gateway.InboundMessage{ConversationID: "c1", MessageID: msg.ID, UserID: "alice", Content: "hi"}, h.messages[0])

	assert.ErrorIs(t, g.React(ctx, "c1", msg.ID, "alice", true), ErrNotApproval)
	assert.ErrorIs(t, g.React(ctx, "c1", "nope", "alice", true), ErrUnknownMessage)

	prompt, err := g.PublishApproval(ctx, gateway.ApprovalPrompt{RequestID: "r1", ConversationID: "c1", ToolName: "Write"})
	require.NoError(t, err)
	assert.ErrorIs(t, g.React(ctx, "c2", prompt, "alice", true), ErrUnknownMessage)
	require.NoError(t, g.React(ctx, "c1", prompt, "alice", false))
	require.Len(t, h.decisions, 1)
	assert.Equal(t, gateway.Decision{MessageID: prompt, Approved: false, UserID: "alice", Via: gateway.ViaReaction}, h.decisions[0])

	require.NoError(t, g.Close())
	_, err = g.Deliver(ctx, "c1", "alice", "again")
	assert.ErrorIs(t, err, ErrNotStarted)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event.Type{event.MessageCreated, event.MessageCreated}, events)
}
