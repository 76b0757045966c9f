// Package discord connects the relay to Discord.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/logging"
)

const (
	approveEmoji = "✅"
	denyEmoji    = "❌"

	customIDPrefix = "approval"
)

// Config configures the Discord gateway.
type Config struct {
	Token string
	// AllowedUsers may talk to the bot. Empty allows everyone.
	AllowedUsers []string
	// Channels the bot listens in. Direct messages are always accepted.
	// Empty listens everywhere.
	Channels []string
}

// Gateway is a gateway.Gateway backed by a discordgo session.
type Gateway struct {
	cfg     Config
	session *discordgo.Session

	mu      sync.Mutex
	handler gateway.Handler
	ctx     context.Context
	removes []func()
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a gateway. The connection is opened by Start.
func New(cfg Config) (*Gateway, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}

	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions
	// 429s are surfaced to the caller as gateway.RateLimitError so the
	// streaming layer can back off instead of blocking inside discordgo.
	s.ShouldRetryOnRateLimit = false

	return &Gateway{cfg: cfg, session: s}, nil
}

// Start registers event handlers and opens the websocket.
func (g *Gateway) Start(ctx context.Context, h gateway.Handler) error {
	g.mu.Lock()
	g.handler = h
	g.ctx = ctx
	g.removes = append(g.removes,
		g.session.AddHandler(g.onMessageCreate),
		g.session.AddHandler(g.onReactionAdd),
		g.session.AddHandler(g.onInteraction),
		g.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			logging.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("discord connected")
		}),
	)
	g.mu.Unlock()

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	return nil
}

// Close disconnects.
func (g *Gateway) Close() error {
	g.mu.Lock()
	for _, remove := range g.removes {
		remove()
	}
	g.removes = nil
	g.mu.Unlock()
	return g.session.Close()
}

func (g *Gateway) dispatch() (gateway.Handler, context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler, g.ctx
}

func (g *Gateway) selfID() string {
	if g.session.State != nil && g.session.State.User != nil {
		return g.session.State.User.ID
	}
	return ""
}

func (g *Gateway) userAllowed(id string) bool {
	return len(g.cfg.AllowedUsers) == 0 || slices.Contains(g.cfg.AllowedUsers, id)
}

func (g *Gateway) channelAllowed(channelID, guildID string) bool {
	return guildID == "" || len(g.cfg.Channels) == 0 || slices.Contains(g.cfg.Channels, channelID)
}

func (g *Gateway) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == g.selfID() {
		return
	}
	if !g.channelAllowed(m.ChannelID, m.GuildID) || !g.userAllowed(m.Author.ID) {
		return
	}

	content := stripMention(m.Content, g.selfID())
	if content == "" {
		return
	}

	h, ctx := g.dispatch()
	if h == nil {
		return
	}
	h.HandleMessage(ctx, gateway.InboundMessage{
		ConversationID: m.ChannelID,
		MessageID:      m.ID,
		UserID:         m.Author.ID,
		Content:        content,
	})
}

func (g *Gateway) onReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == g.selfID() {
		return
	}

	var approved bool
	switch r.Emoji.Name {
	case approveEmoji:
		approved = true
	case denyEmoji:
	default:
		return
	}

	h, ctx := g.dispatch()
	if h == nil {
		return
	}
	h.HandleDecision(ctx, gateway.Decision{
		MessageID: r.MessageID,
		Approved:  approved,
		UserID:    r.UserID,
		Via:       gateway.ViaReaction,
	})
}

func (g *Gateway) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	requestID, action, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	// Acknowledge within Discord's three second window; the message itself
	// is edited once the gate settles the request.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		logging.Warn().Err(err).Str("request", requestID).Msg("discord: acknowledge interaction")
	}

	h, ctx := g.dispatch()
	if h == nil {
		return
	}
	d := gateway.Decision{
		RequestID: requestID,
		Approved:  action != "deny",
		Always:    action == "always",
		UserID:    interactionUser(i),
		Via:       gateway.ViaControl,
	}
	if i.Message != nil {
		d.MessageID = i.Message.ID
	}
	h.HandleDecision(ctx, d)
}

// SendMessage implements gateway.Messenger.
func (g *Gateway) SendMessage(ctx context.Context, conversationID, content, replyTo string) (string, error) {
	send := &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: replyTo,
			ChannelID: conversationID,
		}
	}

	msg, err := g.session.ChannelMessageSendComplex(conversationID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return msg.ID, nil
}

// EditMessage implements gateway.Messenger.
func (g *Gateway) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	_, err := g.session.ChannelMessageEdit(conversationID, messageID, content, discordgo.WithContext(ctx))
	return mapError(err)
}

// PublishApproval implements gateway.ApprovalUI.
func (g *Gateway) PublishApproval(ctx context.Context, p gateway.ApprovalPrompt) (string, error) {
	send := &discordgo.MessageSend{
		Content:         approvalContent(p),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Approve", Style: discordgo.SuccessButton, CustomID: customID(p.RequestID, "approve")},
				discordgo.Button{Label: "Always allow " + p.ToolName, Style: discordgo.SecondaryButton, CustomID: customID(p.RequestID, "always")},
				discordgo.Button{Label: "Deny", Style: discordgo.DangerButton, CustomID: customID(p.RequestID, "deny")},
			}},
		},
	}

	msg, err := g.session.ChannelMessageSendComplex(p.ConversationID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return msg.ID, nil
}

// AttachReactions implements gateway.ApprovalUI.
func (g *Gateway) AttachReactions(ctx context.Context, conversationID, messageID string) error {
	for _, emoji := range []string{approveEmoji, denyEmoji} {
		if err := g.session.MessageReactionAdd(conversationID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// UpdateApproval implements gateway.ApprovalUI.
func (g *Gateway) UpdateApproval(ctx context.Context, conversationID, messageID string, outcome gateway.ApprovalOutcome, by string) error {
	msg, err := g.session.ChannelMessage(conversationID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}

	content := msg.Content + "\n\n" + outcomeLine(outcome, by)
	components := []discordgo.MessageComponent{}
	_, err = g.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    conversationID,
		Content:    &content,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}

	if err := g.session.MessageReactionsRemoveAll(conversationID, messageID, discordgo.WithContext(ctx)); err != nil {
		// Missing Manage Messages permission in guilds; the outcome text
		// already tells the story.
		logging.Debug().Err(err).Str("message", messageID).Msg("discord: remove reactions")
	}
	return nil
}

func customID(requestID, action string) string {
	return customIDPrefix + ":" + requestID + ":" + action
}

func parseCustomID(id string) (requestID, action string, ok bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != customIDPrefix || parts[1] == "" {
		return "", "", false
	}
	switch parts[2] {
	case "approve", "always", "deny":
		return parts[1], parts[2], true
	}
	return "", "", false
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func stripMention(content, selfID string) string {
	if selfID != "" {
		content = strings.ReplaceAll(content, "<@"+selfID+">", "")
		content = strings.ReplaceAll(content, "<@!"+selfID+">", "")
	}
	return strings.TrimSpace(content)
}

func approvalContent(p gateway.ApprovalPrompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 **Approval needed:** `%s`\n", p.ToolName)
	if p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteString("\n")
	}
	if p.Timeout > 0 {
		fmt.Fprintf(&b, "-# Auto-denies in %s. React %s / %s or use the buttons.", p.Timeout.Round(time.Second), approveEmoji, denyEmoji)
	}
	return b.String()
}

func outcomeLine(outcome gateway.ApprovalOutcome, by string) string {
	who := ""
	if by != "" {
		who = " by <@" + by + ">"
	}
	switch outcome {
	case gateway.OutcomeApproved:
		return "✅ **Approved**" + who
	case gateway.OutcomeDenied:
		return "❌ **Denied**" + who
	case gateway.OutcomeTimedOut:
		return "⏱️ **Timed out**, denied automatically"
	case gateway.OutcomeCanceled:
		return "🚫 **Canceled**, the conversation was reset"
	default:
		return "**" + string(outcome) + "**"
	}
}

// mapError converts discordgo rate-limit failures to gateway.RateLimitError.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		var retry time.Duration
		if rl.RateLimit != nil && rl.RateLimit.TooManyRequests != nil {
			retry = rl.RateLimit.TooManyRequests.RetryAfter
		}
		return &gateway.RateLimitError{RetryAfter: retry, Err: err}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
		return &gateway.RateLimitError{Err: err}
	}
	return err
}
