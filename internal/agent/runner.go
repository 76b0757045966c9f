package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNoActiveTurn is returned by ToolApprovals.Check when no turn is
// running for the conversation.
var ErrNoActiveTurn = errors.New("no active turn for conversation")

// ApprovalFunc decides whether a tool call may run. It blocks until a
// decision is reached or ctx is done.
type ApprovalFunc func(ctx context.Context, toolName string, input json.RawMessage) (bool, error)

// Request describes one agent run.
type Request struct {
	ConversationID string
	Prompt         string
	// ResumeHandle continues an earlier session. Empty starts a new one.
	ResumeHandle string
	WorkDir      string
	// CanUseTool is consulted before every tool call.
	CanUseTool ApprovalFunc
}

// Runner starts agent runs.
type Runner interface {
	Start(ctx context.Context, req Request) (Stream, error)
}

// Stream yields the events of one run. Recv returns io.EOF after the last
// event. When the run's context is canceled Recv returns the context's
// error instead, so callers can tell an abort from a failure.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// ToolApprovals maps conversations to the approval callback of their
// running turn. Runners whose agent asks for permission out of band (over
// MCP) register here for the duration of a run.
type ToolApprovals struct {
	mu    sync.Mutex
	turns map[string]*approvalEntry
}

type approvalEntry struct {
	fn ApprovalFunc
	// ctx is the turn's context; approval waits are bound to it.
	ctx context.Context
}

// NewToolApprovals creates an empty registry.
func NewToolApprovals() *ToolApprovals {
	return &ToolApprovals{turns: make(map[string]*approvalEntry)}
}

// Register binds fn to conversationID until the returned func is called.
// A later registration for the same conversation replaces the earlier one.
func (t *ToolApprovals) Register(ctx context.Context, conversationID string, fn ApprovalFunc) func() {
	entry := &approvalEntry{fn: fn, ctx: ctx}

	t.mu.Lock()
	t.turns[conversationID] = entry
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.turns[conversationID] == entry {
			delete(t.turns, conversationID)
		}
	}
}

// Check asks the running turn of conversationID to approve a tool call.
// The wait ends when either ctx or the turn's context is done.
func (t *ToolApprovals) Check(ctx context.Context, conversationID, toolName string, input json.RawMessage) (bool, error) {
	t.mu.Lock()
	entry := t.turns[conversationID]
	t.mu.Unlock()

	if entry == nil || entry.fn == nil {
		return false, ErrNoActiveTurn
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(entry.ctx, cancel)
	defer stop()

	return entry.fn(ctx, toolName, input)
}
