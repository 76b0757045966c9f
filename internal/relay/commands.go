package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-ai/agentrelay/internal/command"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/session"
)

func (h *Handler) runBuiltin(ctx context.Context, msg gateway.InboundMessage, name, args string) {
	id := msg.ConversationID
	var text string
	switch name {
	case command.Clear:
		text = clearReply(h.manager.Clear(ctx, id))
	case command.Rewind:
		count := 1
		if args != "" {
			n, err := strconv.Atoi(args)
			if err != nil || n < 1 {
				h.reply(ctx, msg, "Usage: `/rewind [n]` where n is a positive number of turns.")
				return
			}
			count = n
		}
		res, err := h.manager.Rewind(ctx, id, count)
		if err != nil {
			text = fmt.Sprintf("❌ %s", err)
			break
		}
		text = rewindReply(res)
	case command.Compact:
		depth := h.manager.Compact(ctx, id)
		text = fmt.Sprintf("📚 %s in history. The agent compacts its own context as needed.", plural(depth, "turn"))
	case command.Status:
		text = h.statusReply(h.manager.Status(ctx, id))
	case command.Stop:
		if h.manager.Stop(id) {
			text = "⏹️ Stopped."
		} else {
			text = "Nothing is running."
		}
	case command.Help:
		text = h.commands.HelpText()
	default:
		text = unknownCommand(name, h.commands)
	}
	h.reply(ctx, msg, text)
}

func clearReply(res session.ClearResult) string {
	var sb strings.Builder
	sb.WriteString("🧹 Session cleared. The next message starts a new conversation with the agent.")
	if res.Aborted {
		sb.WriteString("\nThe running turn was stopped.")
	}
	if res.CanceledApprovals > 0 {
		fmt.Fprintf(&sb, "\nCanceled %s.", plural(res.CanceledApprovals, "pending approval"))
	}
	return sb.String()
}

func rewindReply(res session.RewindResult) string {
	var sb strings.Builder
	switch {
	case res.Removed == 0:
		sb.WriteString("Nothing to rewind.")
	case res.SessionHandle == "":
		fmt.Fprintf(&sb, "⏪ Rewound %s. The next message starts a new conversation with the agent.", plural(res.Removed, "turn"))
	default:
		fmt.Fprintf(&sb, "⏪ Rewound %s. Resuming from `%s`.", plural(res.Removed, "turn"), res.SessionHandle)
	}
	if res.Aborted {
		sb.WriteString("\nThe running turn was stopped.")
	}
	if res.CanceledApprovals > 0 {
		fmt.Fprintf(&sb, "\nCanceled %s.", plural(res.CanceledApprovals, "pending approval"))
	}
	return sb.String()
}

func (h *Handler) statusReply(st session.Status) string {
	var sb strings.Builder
	sb.WriteString("**Status**\n")
	if st.SessionHandle == "" {
		sb.WriteString("Session: none\n")
	} else {
		fmt.Fprintf(&sb, "Session: `%s`\n", st.SessionHandle)
	}
	fmt.Fprintf(&sb, "History: %s\n", plural(st.Depth(), "turn"))
	if h.workspace != nil {
		if branch := h.workspace.CurrentBranch(); branch != "" {
			fmt.Fprintf(&sb, "Branch: `%s`\n", branch)
		}
	}
	if st.Processing {
		sb.WriteString("Working: yes\n")
	} else {
		sb.WriteString("Working: no\n")
	}
	if !st.LastActivity.IsZero() {
		fmt.Fprintf(&sb, "Last activity: %s\n", st.LastActivity.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "Pending approvals: %d", st.PendingApprovals)
	if h.gate != nil {
		for _, p := range h.gate.Pending(st.ConversationID) {
			fmt.Fprintf(&sb, "\n- %s (expires %s)", p.ToolName, p.Deadline.UTC().Format(time.Kitchen))
		}
	}
	return sb.String()
}

func unknownCommand(name string, commands *command.Registry) string {
	if suggestion, ok := commands.Suggest(name); ok {
		return fmt.Sprintf("Unknown command `/%s`. Did you mean `/%s`?", name, suggestion)
	}
	return fmt.Sprintf("Unknown command `/%s`. Send `/help` for the list.", name)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
