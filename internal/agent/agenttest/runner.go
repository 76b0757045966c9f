// Package agenttest provides a scripted agent.Runner for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/permission"
)

// Emit delivers one event to the consumer. It fails once the run's context
// is done or the stream is closed.
type Emit func(agent.Event) error

// Script plays one run.
type Script func(ctx context.Context, req agent.Request, emit Emit) error

// Runner replays a Script for every Start call and records the requests.
type Runner struct {
	Script Script

	mu       sync.Mutex
	requests []agent.Request
}

// NewRunner returns a Runner that plays script.
func NewRunner(script Script) *Runner {
	return &Runner{Script: script}
}

// Requests returns a copy of every request seen so far.
func (r *Runner) Requests() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.requests...)
}

// Start implements agent.Runner.
func (r *Runner) Start(ctx context.Context, req agent.Request) (agent.Stream, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	s := &stream{
		ctx:    ctx,
		events: make(chan agent.Event),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		err := r.Script(ctx, req, s.emit)
		switch {
		case ctx.Err() != nil:
			s.err = ctx.Err()
		case err != nil:
			s.err = err
		default:
			s.err = io.EOF
		}
	}()
	return s, nil
}

type stream struct {
	ctx       context.Context
	events    chan agent.Event
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func (s *stream) emit(ev agent.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-s.done:
		return io.ErrClosedPipe
	}
}

func (s *stream) Recv() (agent.Event, error) {
	ev, ok := <-s.events
	if !ok {
		return nil, s.err
	}
	return ev, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Events returns a Script that emits evs in order.
func Events(evs ...agent.Event) Script {
	return func(ctx context.Context, req agent.Request, emit Emit) error {
		for _, ev := range evs {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

// ToolCall emits a ToolUse and then asks req.CanUseTool, the way the agent
// pauses for permission before running a tool. The decision is reported
// through approved when non-nil. A rejection is not an error: the agent
// carries on without the tool.
func ToolCall(ctx context.Context, req agent.Request, emit Emit, name string, input any, approved *bool) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	if err := emit(agent.ToolUse{ID: "toolu_" + name, Name: name, Input: raw}); err != nil {
		return err
	}
	if req.CanUseTool == nil {
		return nil
	}
	ok, err := req.CanUseTool(ctx, name, raw)
	if approved != nil {
		*approved = ok
	}
	if err != nil && !permission.IsRejectedError(err) {
		return err
	}
	return nil
}

// Block waits until the run is canceled.
func Block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Hang is a Script that emits nothing and runs until canceled.
func Hang(ctx context.Context, req agent.Request, emit Emit) error {
	return Block(ctx)
}
