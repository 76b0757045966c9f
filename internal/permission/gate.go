package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/logging"
)

// uiTimeout bounds prompt updates made after the request settled.
const uiTimeout = 10 * time.Second

// Pending describes an approval request waiting on a human.
type Pending struct {
	RequestID      string          `json:"requestID"`
	ConversationID string          `json:"conversationID"`
	ToolName       string          `json:"toolName"`
	Input          json.RawMessage `json:"input"`
	Summary        string          `json:"summary"`
	MessageID      string          `json:"messageID,omitempty"`
	Created        time.Time       `json:"created"`
	Deadline       time.Time       `json:"deadline"`
}

type request struct {
	Pending

	done     chan struct{}
	resolved atomic.Bool
	decision Decision // written once before done is closed
}

// settle resolves the request once. The first caller wins and runs before
// waiters are released.
func (r *request) settle(d Decision, before func()) bool {
	if !r.resolved.CompareAndSwap(false, true) {
		return false
	}
	if before != nil {
		before()
	}
	r.decision = d
	close(r.done)
	return true
}

// Gate suspends dangerous tool calls until a human decides.
type Gate struct {
	ui    gateway.ApprovalUI
	bus   *event.Bus
	loops *DoomLoopDetector

	mu        sync.Mutex
	policy    Policy
	pending   map[string]*request        // request id
	byMessage map[string]string          // prompt message id -> request id
	always    map[string]map[string]bool // conversation -> remembered keys
}

// NewGate creates a gate that publishes prompts through ui. bus may be nil.
func NewGate(ui gateway.ApprovalUI, bus *event.Bus, policy Policy) *Gate {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}
	return &Gate{
		ui:        ui,
		bus:       bus,
		loops:     NewDoomLoopDetector(),
		policy:    policy,
		pending:   make(map[string]*request),
		byMessage: make(map[string]string),
		always:    make(map[string]map[string]bool),
	}
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// SetPolicy replaces the policy. Requests already waiting keep their
// timeout.
func (g *Gate) SetPolicy(p Policy) {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	logging.Info().
		Strs("dangerousTools", p.DangerousTools).
		Dur("timeout", p.Timeout).
		Msg("approval policy updated")
}

// RequestApproval blocks until the tool call is approved or denied. Calls
// to tools outside the dangerous set return at once. Otherwise a prompt is
// published and the first of a decision on either UI path, the timeout,
// CancelPending, or ctx being done settles it.
func (g *Gate) RequestApproval(ctx context.Context, conversationID, toolName string, input json.RawMessage) Decision {
	id := ulid.Make().String()

	g.mu.Lock()
	policy := g.policy
	remembered := g.rememberedLocked(conversationID, toolName, input)
	g.mu.Unlock()

	if !policy.IsDangerous(toolName) {
		return Decision{RequestID: id, Approved: true, Outcome: gateway.OutcomeAuto}
	}
	if remembered {
		return g.settled(id, conversationID, toolName, Decision{RequestID: id, Approved: true, Outcome: gateway.OutcomeAuto})
	}
	switch policy.Evaluate(toolName, input) {
	case ActionAllow:
		return g.settled(id, conversationID, toolName, Decision{RequestID: id, Approved: true, Outcome: gateway.OutcomeAuto})
	case ActionDeny:
		return g.settled(id, conversationID, toolName, Decision{RequestID: id, Outcome: gateway.OutcomePolicy})
	}

	summary := Summarize(toolName, input)
	if g.loops.Check(conversationID, toolName, input) {
		summary += fmt.Sprintf("\n⚠️ The agent has made this exact call %d times in a row.", DoomLoopThreshold)
	}

	now := time.Now()
	req := &request{
		Pending: Pending{
			RequestID:      id,
			ConversationID: conversationID,
			ToolName:       toolName,
			Input:          input,
			Summary:        summary,
			Created:        now,
			Deadline:       now.Add(policy.Timeout),
		},
		done: make(chan struct{}),
	}

	// Registered before publishing: a click can arrive before
	// PublishApproval returns.
	g.mu.Lock()
	g.pending[id] = req
	g.mu.Unlock()

	messageID, err := g.ui.PublishApproval(ctx, gateway.ApprovalPrompt{
		RequestID:      id,
		ConversationID: conversationID,
		ToolName:       toolName,
		Input:          input,
		Summary:        summary,
		Timeout:        policy.Timeout,
	})
	if err != nil {
		outcome := gateway.OutcomePublishFailed
		if ctx.Err() != nil {
			outcome = gateway.OutcomeCanceled
		}
		logging.Warn().Err(err).
			Str("conversation", conversationID).
			Str("tool", toolName).
			Msg("failed to publish approval prompt")
		req.settle(Decision{RequestID: id, Outcome: outcome}, nil)
		return g.finish(ctx, req)
	}

	// Indexed before reactions exist so a fast reaction finds the request.
	g.mu.Lock()
	req.MessageID = messageID
	if _, live := g.pending[id]; live {
		g.byMessage[messageID] = id
	}
	g.mu.Unlock()

	g.publish(event.ApprovalRequested, event.ApprovalRequestedData{
		RequestID:      id,
		ConversationID: conversationID,
		MessageID:      messageID,
		ToolName:       toolName,
		Summary:        summary,
	})

	if !req.resolved.Load() {
		if err := g.ui.AttachReactions(ctx, conversationID, messageID); err != nil {
			logging.Warn().Err(err).Str("request", id).Msg("failed to attach approval reactions")
		}
	}

	timer := time.NewTimer(policy.Timeout)
	defer timer.Stop()
	select {
	case <-req.done:
	case <-timer.C:
		req.settle(Decision{RequestID: id, Outcome: gateway.OutcomeTimedOut}, nil)
	case <-ctx.Done():
		req.settle(Decision{RequestID: id, Outcome: gateway.OutcomeCanceled}, nil)
	}
	return g.finish(ctx, req)
}

// finish waits for the winning decision, drops the request from the
// registry and updates its prompt.
func (g *Gate) finish(ctx context.Context, req *request) Decision {
	<-req.done
	d := req.decision

	g.mu.Lock()
	delete(g.pending, req.RequestID)
	messageID := req.MessageID
	if messageID != "" {
		delete(g.byMessage, messageID)
	}
	g.mu.Unlock()

	logging.Info().
		Str("request", req.RequestID).
		Str("conversation", req.ConversationID).
		Str("tool", req.ToolName).
		Str("outcome", string(d.Outcome)).
		Msg("approval settled")

	if messageID != "" {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uiTimeout)
		if err := g.ui.UpdateApproval(uctx, req.ConversationID, messageID, d.Outcome, d.UserID); err != nil {
			logging.Warn().Err(err).Str("request", req.RequestID).Msg("failed to update approval prompt")
		}
		cancel()
	}

	g.publishResolved(req.RequestID, req.ConversationID, req.ToolName, d)
	return d
}

// settled reports a decision made without a prompt.
func (g *Gate) settled(id, conversationID, toolName string, d Decision) Decision {
	logging.Debug().
		Str("conversation", conversationID).
		Str("tool", toolName).
		Str("outcome", string(d.Outcome)).
		Msg("approval settled without prompt")
	g.publishResolved(id, conversationID, toolName, d)
	return d
}

// Respond settles a request by id with a human's answer. It reports
// whether the answer was the one that settled it. Always remembers an
// approved tool for the conversation until ForgetApprovals.
func (g *Gate) Respond(requestID string, approved, always bool, userID string) bool {
	g.mu.Lock()
	policy := g.policy
	req := g.pending[requestID]
	g.mu.Unlock()

	if req == nil {
		return false
	}
	if !policy.CanDecide(userID) {
		logging.Info().Str("request", requestID).Str("user", userID).Msg("ignoring approval from user not allowed to decide")
		return false
	}

	outcome := gateway.OutcomeDenied
	if approved {
		outcome = gateway.OutcomeApproved
	}
	var remember func()
	if approved && always {
		remember = func() { g.remember(req.ConversationID, req.ToolName, req.Input) }
	}
	return req.settle(Decision{RequestID: requestID, Approved: approved, Outcome: outcome, UserID: userID}, remember)
}

// RespondByMessage settles the request whose prompt is messageID. This is
// the reaction path.
func (g *Gate) RespondByMessage(messageID string, approved bool, userID string) bool {
	g.mu.Lock()
	requestID, ok := g.byMessage[messageID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.Respond(requestID, approved, false, userID)
}

// CancelPending denies every waiting request of a conversation and
// removes them from the registry before returning. Prompts are marked
// canceled by their waiters.
func (g *Gate) CancelPending(conversationID string) int {
	g.mu.Lock()
	var canceled []*request
	for id, req := range g.pending {
		if req.ConversationID != conversationID {
			continue
		}
		canceled = append(canceled, req)
		delete(g.pending, id)
		if req.MessageID != "" {
			delete(g.byMessage, req.MessageID)
		}
	}
	g.mu.Unlock()

	for _, req := range canceled {
		req.settle(Decision{RequestID: req.RequestID, Outcome: gateway.OutcomeCanceled}, nil)
	}
	if len(canceled) > 0 {
		logging.Info().Str("conversation", conversationID).Int("count", len(canceled)).Msg("canceled pending approvals")
	}
	return len(canceled)
}

// ForgetApprovals drops "always" answers and loop history of a
// conversation.
func (g *Gate) ForgetApprovals(conversationID string) {
	g.mu.Lock()
	delete(g.always, conversationID)
	g.mu.Unlock()
	g.loops.Clear(conversationID)
}

// Pending lists waiting requests, oldest first. An empty conversationID
// lists all conversations.
func (g *Gate) Pending(conversationID string) []Pending {
	g.mu.Lock()
	out := make([]Pending, 0, len(g.pending))
	for _, req := range g.pending {
		if conversationID == "" || req.ConversationID == conversationID {
			out = append(out, req.Pending)
		}
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// alwaysKeys names what an "always" answer covers: the command patterns
// of a Bash call, the tool name for anything else.
func alwaysKeys(toolName string, input json.RawMessage) []string {
	if toolName != "Bash" {
		return []string{toolName}
	}
	commands, err := bashCommands(input)
	if err != nil {
		return nil
	}
	patterns := BuildPatterns(commands)
	keys := make([]string, len(patterns))
	for i, p := range patterns {
		keys[i] = "Bash:" + p
	}
	return keys
}

func (g *Gate) remember(conversationID, toolName string, input json.RawMessage) {
	keys := alwaysKeys(toolName, input)
	if len(keys) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.always[conversationID] == nil {
		g.always[conversationID] = make(map[string]bool)
	}
	for _, k := range keys {
		g.always[conversationID][k] = true
	}
}

func (g *Gate) rememberedLocked(conversationID, toolName string, input json.RawMessage) bool {
	known := g.always[conversationID]
	if known == nil {
		return false
	}
	keys := alwaysKeys(toolName, input)
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if !known[k] {
			return false
		}
	}
	return true
}

func (g *Gate) publishResolved(id, conversationID, toolName string, d Decision) {
	g.publish(event.ApprovalResolved, event.ApprovalResolvedData{
		RequestID:      id,
		ConversationID: conversationID,
		ToolName:       toolName,
		Outcome:        string(d.Outcome),
		Approved:       d.Approved,
		UserID:         d.UserID,
	})
}

func (g *Gate) publish(t event.Type, data any) {
	if g.bus != nil {
		g.bus.Publish(event.Event{Type: t, Data: data})
	}
}
