package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/internal/permission"
)

var (
	// ErrBusy is returned by Begin while the conversation has a turn running.
	ErrBusy = errors.New("conversation is busy")
	// ErrInvalidCount is returned by Rewind for a count below one.
	ErrInvalidCount = errors.New("rewind count must be at least 1")
	// ErrAborted is returned by QueryAndStream when the turn was canceled.
	ErrAborted = errors.New("turn aborted")
)

// finalizeTimeout bounds the last flush of a turn.
const finalizeTimeout = 2 * time.Minute

// Sink receives a turn's output. stream.Coordinator implements it.
type Sink interface {
	AppendContent(text string)
	OnToolActivity(name string, input json.RawMessage)
	SendError(message string)
	Finalize(ctx context.Context) error
}

// Status is a snapshot of a conversation.
type Status struct {
	ConversationID   string    `json:"conversationID"`
	SessionHandle    string    `json:"sessionHandle,omitempty"`
	LastActivity     time.Time `json:"lastActivity"`
	History          []string  `json:"history"`
	Processing       bool      `json:"processing"`
	PendingApprovals int       `json:"pendingApprovals"`
}

// Depth is the number of turns that can be rewound.
func (s Status) Depth() int {
	return len(s.History)
}

// ClearResult describes what Clear did.
type ClearResult struct {
	PreviousHandle    string `json:"previousHandle,omitempty"`
	Aborted           bool   `json:"aborted"`
	CanceledApprovals int    `json:"canceledApprovals"`
}

// RewindResult describes what Rewind did.
type RewindResult struct {
	Removed int `json:"removed"`
	// SessionHandle is the handle now current, empty when none is left.
	SessionHandle     string `json:"sessionHandle,omitempty"`
	Aborted           bool   `json:"aborted"`
	CanceledApprovals int    `json:"canceledApprovals"`
}

// Options configures a Manager.
type Options struct {
	Runner agent.Runner
	Gate   *permission.Gate
	Store  Store
	// Artifacts deletes the agent's own session files on Clear. Optional.
	Artifacts agent.ArtifactStore
	// Bus receives conversation and turn events. Optional.
	Bus     *event.Bus
	WorkDir string
}

type conversation struct {
	id     string
	record Record
	// generation changes on Clear and Rewind; work started under an older
	// generation may not write state.
	generation uint64
	turn       *Turn
}

// Manager owns the in-memory conversations and runs agent turns.
type Manager struct {
	runner    agent.Runner
	gate      *permission.Gate
	store     Store
	artifacts agent.ArtifactStore
	bus       *event.Bus
	workDir   string

	mu            sync.Mutex
	conversations map[string]*conversation

	// persistMu orders store writes so a delete is never followed by a
	// stale put.
	persistMu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	return &Manager{
		runner:        opts.Runner,
		gate:          opts.Gate,
		store:         opts.Store,
		artifacts:     opts.Artifacts,
		bus:           opts.Bus,
		workDir:       opts.WorkDir,
		conversations: make(map[string]*conversation),
	}
}

// load returns the in-memory conversation, hydrating it from the store
// the first time. A store failure yields a fresh conversation.
func (m *Manager) load(ctx context.Context, id string) *conversation {
	m.mu.Lock()
	c, ok := m.conversations[id]
	m.mu.Unlock()
	if ok {
		return c
	}

	rec, found, err := m.store.Get(ctx, id)
	if err != nil {
		logging.Warn().Err(err).Str("conversation", id).Msg("failed to load session record")
	}
	if !found || err != nil {
		rec = Record{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[id]; ok {
		return c
	}
	c = &conversation{id: id, record: rec}
	m.conversations[id] = c
	return c
}

// GetOrCreate returns the conversation, hydrated from the store or new
// with no session handle. It never starts the agent.
func (m *Manager) GetOrCreate(ctx context.Context, id string) Status {
	c := m.load(ctx, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(c)
}

func (m *Manager) statusLocked(c *conversation) Status {
	s := Status{
		ConversationID: c.id,
		SessionHandle:  c.record.SessionHandle,
		LastActivity:   c.record.LastActivity,
		History:        append([]string{}, c.record.HistoryStack...),
		Processing:     c.turn != nil,
	}
	if m.gate != nil {
		s.PendingApprovals = len(m.gate.Pending(c.id))
	}
	return s
}

// Status is GetOrCreate under the name the chat command uses.
func (m *Manager) Status(ctx context.Context, id string) Status {
	return m.GetOrCreate(ctx, id)
}

// List returns every known conversation, persisted or in memory, ordered
// by most recent activity.
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	stored, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	out := make([]Status, 0, len(stored)+len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, m.statusLocked(c))
		delete(stored, c.id)
	}
	m.mu.Unlock()

	for id, rec := range stored {
		out = append(out, Status{
			ConversationID: id,
			SessionHandle:  rec.SessionHandle,
			LastActivity:   rec.LastActivity,
			History:        rec.HistoryStack,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}

// Turn is one claimed run of a conversation. End must be called exactly
// once the run is over; extra calls are no-ops.
type Turn struct {
	m              *Manager
	conversationID string
	generation     uint64
	ctx            context.Context
	cancel         context.CancelFunc
	once           sync.Once
}

// Begin claims the conversation's processing flag. The turn's context is
// derived from ctx and is canceled by Clear, Rewind, Stop and End.
func (m *Manager) Begin(ctx context.Context, id string) (*Turn, error) {
	c := m.load(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.turn != nil {
		return nil, ErrBusy
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &Turn{
		m:              m,
		conversationID: id,
		generation:     c.generation,
		ctx:            tctx,
		cancel:         cancel,
	}
	c.turn = t
	return t, nil
}

// ConversationID returns the conversation the turn belongs to.
func (t *Turn) ConversationID() string { return t.conversationID }

// Context is canceled when the turn is aborted or ended.
func (t *Turn) Context() context.Context { return t.ctx }

// End releases the processing flag.
func (t *Turn) End() {
	t.once.Do(func() {
		t.cancel()
		t.m.mu.Lock()
		defer t.m.mu.Unlock()
		if c := t.m.conversations[t.conversationID]; c != nil && c.turn == t {
			c.turn = nil
		}
	})
}

// IsProcessing reports whether a turn holds the conversation.
func (m *Manager) IsProcessing(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[id]
	return c != nil && c.turn != nil
}

// QueryAndStream runs the agent for turn with prompt, resuming the
// conversation's current session. A session handle announced by the agent
// is persisted immediately and pushed onto the history. Output goes to
// sink, which is finalized before returning. A genuine failure is also
// reported through sink.SendError; an aborted turn is not, and returns an
// error wrapping ErrAborted.
func (m *Manager) QueryAndStream(turn *Turn, prompt string, sink Sink) (err error) {
	ctx := turn.ctx
	id := turn.conversationID
	log := logging.ForConversation(id)

	m.mu.Lock()
	var handle string
	if c := m.conversations[id]; c != nil {
		handle = c.record.SessionHandle
	}
	m.mu.Unlock()

	m.publish(event.TurnStarted, event.TurnData{ConversationID: id})
	log.Info().Str("resume", handle).Msg("turn started")

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("turn panicked")
			err = fmt.Errorf("turn panicked: %v", r)
			sink.SendError("internal error")
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		if ferr := sink.Finalize(fctx); ferr != nil {
			log.Warn().Err(ferr).Msg("failed to finalize output")
		}
		cancel()

		m.touch(turn)

		data := event.TurnData{ConversationID: id}
		switch {
		case errors.Is(err, ErrAborted):
			data.Aborted = true
			log.Debug().Msg("turn aborted")
		case err != nil:
			data.Error = err.Error()
			log.Warn().Err(err).Msg("turn failed")
		default:
			log.Info().Msg("turn finished")
		}
		m.publish(event.TurnFinished, data)
	}()

	stream, err := m.runner.Start(ctx, agent.Request{
		ConversationID: id,
		Prompt:         prompt,
		ResumeHandle:   handle,
		WorkDir:        m.workDir,
		CanUseTool:     m.approvalFunc(id),
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		sink.SendError(err.Error())
		return fmt.Errorf("start agent: %w", err)
	}
	defer stream.Close()

	var result *agent.Result
	for {
		ev, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			}
			sink.SendError(rerr.Error())
			return fmt.Errorf("agent stream: %w", rerr)
		}

		switch e := ev.(type) {
		case agent.SessionInit:
			m.recordHandle(turn, e.Handle)
		case agent.Text:
			sink.AppendContent(e.Chunk)
		case agent.ToolUse:
			sink.OnToolActivity(e.Name, e.Input)
		case agent.Result:
			r := e
			result = &r
		}
	}

	if result != nil {
		log.Debug().
			Bool("success", result.Success).
			Float64("costUSD", result.CostUSD).
			Int("turns", result.Turns).
			Dur("duration", result.Duration).
			Msg("agent result")
		if !result.Success {
			msg := result.Error
			if msg == "" {
				msg = "agent reported failure"
			}
			sink.SendError(msg)
			return fmt.Errorf("agent: %s", msg)
		}
	}
	return nil
}

// approvalFunc routes the agent's permission checks for id to the gate.
// A denial is returned as a *permission.RejectedError.
func (m *Manager) approvalFunc(id string) agent.ApprovalFunc {
	if m.gate == nil {
		return nil
	}
	return func(ctx context.Context, toolName string, input json.RawMessage) (bool, error) {
		d := m.gate.RequestApproval(ctx, id, toolName, input)
		return d.Approved, d.Err(id, toolName)
	}
}

// recordHandle makes handle current and writes it through, unless the
// conversation was cleared or rewound since the turn began.
func (m *Manager) recordHandle(turn *Turn, handle string) {
	if handle == "" {
		return
	}
	m.mu.Lock()
	c := m.conversations[turn.conversationID]
	if c == nil || c.generation != turn.generation {
		m.mu.Unlock()
		logging.Debug().
			Str("conversation", turn.conversationID).
			Str("handle", handle).
			Msg("ignoring session handle from superseded turn")
		return
	}
	c.record.SessionHandle = handle
	c.record.push(handle)
	c.record.LastActivity = time.Now()
	depth := c.record.Depth()
	m.mu.Unlock()

	m.persist(turn.conversationID, turn.generation)
	m.publish(event.ConversationUpdated, event.ConversationUpdatedData{
		ConversationID: turn.conversationID,
		SessionHandle:  handle,
		Depth:          depth,
	})
}

// touch records activity at the end of a turn.
func (m *Manager) touch(turn *Turn) {
	m.mu.Lock()
	c := m.conversations[turn.conversationID]
	if c == nil || c.generation != turn.generation || c.record.SessionHandle == "" {
		m.mu.Unlock()
		return
	}
	c.record.LastActivity = time.Now()
	m.mu.Unlock()
	m.persist(turn.conversationID, turn.generation)
}

// persist writes the record of id if its generation is still gen. Write
// failures are logged; the in-memory state stays authoritative.
func (m *Manager) persist(id string, gen uint64) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	c := m.conversations[id]
	if c == nil || c.generation != gen {
		m.mu.Unlock()
		return
	}
	rec := c.record.Clone()
	m.mu.Unlock()

	var err error
	if rec.SessionHandle == "" && rec.Depth() == 0 {
		err = m.store.Delete(context.Background(), id)
	} else {
		err = m.store.Put(context.Background(), id, rec)
	}
	if err != nil {
		logging.Error().Err(err).Str("conversation", id).Msg("failed to persist session record")
	}
}

// supersedeLocked starts a new generation of c and returns the cancel
// func of its running turn, nil when idle.
func (m *Manager) supersedeLocked(c *conversation) context.CancelFunc {
	c.generation++
	if c.turn == nil {
		return nil
	}
	return c.turn.cancel
}

// abort denies pending approvals of id, then cancels the turn. It returns
// how many approvals were pending.
func (m *Manager) abort(id string, cancel context.CancelFunc) int {
	var n int
	if m.gate != nil {
		n = m.gate.CancelPending(id)
		m.gate.ForgetApprovals(id)
	}
	if cancel != nil {
		cancel()
	}
	return n
}

// Stop aborts the running turn of id, if any, and denies its pending
// approvals. Session state is kept.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	c := m.conversations[id]
	var cancel context.CancelFunc
	if c != nil && c.turn != nil {
		cancel = c.turn.cancel
	}
	m.mu.Unlock()

	if m.gate != nil {
		m.gate.CancelPending(id)
	}
	if cancel != nil {
		cancel()
	}
	return cancel != nil
}

// Clear aborts any running turn, denies its pending approvals, deletes the
// agent's artifact for the current handle and forgets the conversation's
// session. The aborted turn keeps the processing flag until it unwinds.
func (m *Manager) Clear(ctx context.Context, id string) ClearResult {
	c := m.load(ctx, id)

	m.mu.Lock()
	cancel := m.supersedeLocked(c)
	previous := c.record.SessionHandle
	c.record = Record{}
	gen := c.generation
	m.mu.Unlock()

	aborted := cancel != nil
	res := ClearResult{PreviousHandle: previous, Aborted: aborted}
	res.CanceledApprovals = m.abort(id, cancel)

	if previous != "" && m.artifacts != nil {
		if err := m.artifacts.Delete(previous); err != nil {
			logging.Warn().Err(err).Str("conversation", id).Str("handle", previous).Msg("failed to delete agent session artifact")
		}
	}

	m.persist(id, gen)
	m.publish(event.ConversationCleared, event.ConversationClearedData{ConversationID: id})
	logging.Info().
		Str("conversation", id).
		Str("previous", previous).
		Bool("aborted", aborted).
		Int("canceledApprovals", res.CanceledApprovals).
		Msg("conversation cleared")
	return res
}

// Rewind drops up to count turns from the history and resumes from the
// new newest one. When nothing is left the conversation starts fresh, but
// the agent's artifacts are kept. Any running turn is aborted first.
func (m *Manager) Rewind(ctx context.Context, id string, count int) (RewindResult, error) {
	if count < 1 {
		return RewindResult{}, ErrInvalidCount
	}
	c := m.load(ctx, id)

	m.mu.Lock()
	cancel := m.supersedeLocked(c)
	removed := c.record.pop(count)
	c.record.LastActivity = time.Now()
	handle := c.record.SessionHandle
	gen := c.generation
	m.mu.Unlock()

	res := RewindResult{Removed: removed, SessionHandle: handle, Aborted: cancel != nil}
	res.CanceledApprovals = m.abort(id, cancel)

	m.persist(id, gen)
	m.publish(event.ConversationRewound, event.ConversationRewoundData{
		ConversationID: id,
		Removed:        removed,
		SessionHandle:  handle,
	})
	logging.Info().
		Str("conversation", id).
		Int("requested", count).
		Int("removed", removed).
		Str("handle", handle).
		Msg("conversation rewound")
	return res, nil
}

// Compact reports the history depth. The agent compacts its own context,
// so nothing is changed.
func (m *Manager) Compact(ctx context.Context, id string) int {
	c := m.load(ctx, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.record.Depth()
}

func (m *Manager) publish(t event.Type, data any) {
	if m.bus != nil {
		m.bus.Publish(event.Event{Type: t, Data: data})
	}
}
