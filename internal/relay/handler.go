// Package relay connects a chat gateway to the session manager: inbound
// messages become commands or agent turns, and approval decisions are
// routed to the gate.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/opencode-ai/agentrelay/internal/command"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/internal/permission"
	"github.com/opencode-ai/agentrelay/internal/session"
	"github.com/opencode-ai/agentrelay/internal/stream"
)

// Options configures a Handler.
type Options struct {
	Messenger gateway.Messenger
	Manager   *session.Manager
	Gate      *permission.Gate
	// Commands defaults to the built-ins only.
	Commands *command.Registry
	Stream   stream.Options
	// Workspace, when set, adds the agent's git branch to /status.
	Workspace BranchReporter
}

// BranchReporter reports the branch checked out in the agent's working
// directory.
type BranchReporter interface {
	CurrentBranch() string
}

// Handler implements gateway.Handler.
type Handler struct {
	messenger gateway.Messenger
	manager   *session.Manager
	gate      *permission.Gate
	commands  *command.Registry
	streamOpt stream.Options
	workspace BranchReporter

	// ctx outlives any single inbound request; turns run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ gateway.Handler = (*Handler)(nil)

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.Commands == nil {
		opts.Commands = command.NewRegistry("", nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		messenger: opts.Messenger,
		manager:   opts.Manager,
		gate:      opts.Gate,
		commands:  opts.Commands,
		streamOpt: opts.Stream,
		workspace: opts.Workspace,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// HandleMessage implements gateway.Handler. It returns once the message is
// dispatched; agent turns continue in the background.
func (h *Handler) HandleMessage(ctx context.Context, msg gateway.InboundMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	inv, ok := command.Parse(content)
	if !ok {
		h.startTurn(ctx, msg, content)
		return
	}

	cmd, found := h.commands.Get(inv.Name)
	if !found {
		h.reply(ctx, msg, unknownCommand(inv.Name, h.commands))
		return
	}
	if cmd.Builtin() {
		h.runBuiltin(ctx, msg, cmd.Name, inv.Args)
		return
	}

	prompt, err := h.commands.Expand(cmd.Name, inv.Args)
	if err != nil {
		logging.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("failed to expand command")
		h.reply(ctx, msg, fmt.Sprintf("❌ %s", err))
		return
	}
	h.startTurn(ctx, msg, prompt)
}

// HandleDecision implements gateway.Handler. Control decisions are matched
// by request id, reactions by the prompt's message id.
func (h *Handler) HandleDecision(ctx context.Context, d gateway.Decision) {
	if h.gate == nil {
		return
	}
	var matched bool
	switch {
	case d.RequestID != "":
		matched = h.gate.Respond(d.RequestID, d.Approved, d.Always, d.UserID)
	case d.MessageID != "":
		matched = h.gate.RespondByMessage(d.MessageID, d.Approved, d.UserID)
	}
	if !matched {
		logging.Debug().
			Str("request", d.RequestID).
			Str("message", d.MessageID).
			Str("via", string(d.Via)).
			Msg("decision did not match a pending approval")
	}
}

// startTurn claims the conversation and runs the agent in the background.
func (h *Handler) startTurn(ctx context.Context, msg gateway.InboundMessage, prompt string) {
	turn, err := h.manager.Begin(h.ctx, msg.ConversationID)
	if errors.Is(err, session.ErrBusy) {
		h.reply(ctx, msg, "⏳ Still working on the previous message. Send `/stop` to abort it.")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("conversation", msg.ConversationID).Msg("failed to begin turn")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		turn.End()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	log := logging.ForConversation(msg.ConversationID)
	coord := stream.New(h.messenger, msg.ConversationID, msg.MessageID, h.streamOpt)
	go func() {
		defer h.wg.Done()
		defer turn.End()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("relay turn panicked")
				coord.SendError("internal error")
				_ = coord.Finalize(context.WithoutCancel(h.ctx))
			}
		}()

		err := h.manager.QueryAndStream(turn, prompt, coord)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrAborted):
			log.Debug().Msg("turn aborted")
		default:
			log.Warn().Err(err).Msg("turn failed")
		}
	}()
}

func (h *Handler) reply(ctx context.Context, msg gateway.InboundMessage, content string) {
	if _, err := h.messenger.SendMessage(ctx, msg.ConversationID, content, msg.MessageID); err != nil {
		logging.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("failed to send reply")
	}
}

// Wait blocks until every running turn has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Close aborts running turns and waits for them to unwind, or for ctx.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
