// Package stream turns incremental agent output into rate-limited live
// edits of a chat message.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/pkg/types"
)

// Options tunes a Coordinator.
type Options struct {
	// Interval is the minimum time between two edits.
	Interval time.Duration
	// MaxLength is the platform's per-message limit, in runes.
	MaxLength int
	// FollowUpDelay separates the messages of a split final flush.
	FollowUpDelay time.Duration
	// BackoffBase is the delay after the first consecutive rate limit;
	// each further one doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultOptions returns the options used for Discord.
func DefaultOptions() Options {
	return Options{
		Interval:      1500 * time.Millisecond,
		MaxLength:     2000,
		FollowUpDelay: 500 * time.Millisecond,
		BackoffBase:   time.Second,
		BackoffMax:    30 * time.Second,
	}
}

// OptionsFromConfig converts the stream section of the config.
func OptionsFromConfig(cfg types.StreamConfig) Options {
	return Options{
		Interval:      cfg.Interval(),
		MaxLength:     cfg.MaxMessageLength,
		FollowUpDelay: cfg.FollowUpDelay(),
		BackoffBase:   cfg.BackoffBase(),
		BackoffMax:    cfg.BackoffMax(),
	}
}

// finalRetryLimit bounds how long Finalize keeps retrying rate limits.
const finalRetryLimit = 2 * time.Minute

// Coordinator owns the streaming buffer of one agent turn. It is safe for
// concurrent use; flushes of the same message never overlap.
type Coordinator struct {
	messenger      gateway.Messenger
	conversationID string
	replyTo        string
	opts           Options

	// ctx bounds background flush I/O; Finalize cancels it on return.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	idle      *sync.Cond // broadcast when flushing becomes false
	content   strings.Builder
	sent      string // buffer as of the last successful flush
	shown     string // text the outbound message displays
	messageID string
	lastFlush time.Time
	timer     *time.Timer
	scheduled bool
	flushing  bool
	pending   bool
	urgent    bool
	finalized bool

	backoff    *backoff.ExponentialBackOff
	rateLimits int
	delay      time.Duration
	flushes    int
}

// New creates a coordinator that replies to replyTo in conversationID.
func New(m gateway.Messenger, conversationID, replyTo string, opts Options) *Coordinator {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultOptions().MaxLength
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		messenger:      m,
		conversationID: conversationID,
		replyTo:        replyTo,
		opts:           opts,
		ctx:            ctx,
		cancel:         cancel,
		backoff:        newBackoff(opts, 0),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

func newBackoff(opts Options, maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffBase
	b.MaxInterval = opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

// AppendContent adds text to the buffer and schedules a flush.
func (c *Coordinator) AppendContent(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.content.WriteString(text)
	c.requestLocked(false)
}

// OnToolActivity appends a marker for a tool call and flushes immediately.
func (c *Coordinator) OnToolActivity(name string, input json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.separateLocked()
	c.content.WriteString(FormatToolActivity(name, input))
	c.content.WriteString("\n")
	c.requestLocked(true)
}

// SendError appends an error annotation and flushes immediately.
func (c *Coordinator) SendError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.separateLocked()
	c.content.WriteString("❌ **Error:** ")
	c.content.WriteString(message)
	c.requestLocked(true)
}

func (c *Coordinator) separateLocked() {
	if s := c.content.String(); s != "" && !strings.HasSuffix(s, "\n") {
		c.content.WriteString("\n")
	}
}

// requestLocked asks for a flush. An urgent request skips the batching
// interval but not a rate-limit backoff.
func (c *Coordinator) requestLocked(urgent bool) {
	if c.flushing {
		c.pending = true
		c.urgent = c.urgent || urgent
		return
	}
	if c.rateLimits > 0 {
		if !c.scheduled {
			c.scheduleLocked(c.delay)
		}
		return
	}
	if urgent {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.scheduled = false
		c.scheduleLocked(0)
		return
	}
	if c.scheduled {
		return
	}
	delay := c.opts.Interval - time.Since(c.lastFlush)
	if delay < 0 {
		delay = 0
	}
	c.scheduleLocked(delay)
}

func (c *Coordinator) scheduleLocked(delay time.Duration) {
	c.scheduled = true
	c.timer = time.AfterFunc(delay, c.flush)
}

// flush pushes the buffer to the outbound message. It runs on a timer
// goroutine and never blocks callers of AppendContent.
func (c *Coordinator) flush() {
	c.mu.Lock()
	c.scheduled = false
	if c.finalized {
		c.mu.Unlock()
		return
	}
	if c.flushing {
		c.pending = true
		c.mu.Unlock()
		return
	}
	content := c.content.String()
	if strings.TrimSpace(content) == "" || content == c.sent {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.pending = false
	c.urgent = false
	messageID := c.messageID
	c.mu.Unlock()

	display := tail(content, c.opts.MaxLength)
	var err error
	if messageID == "" {
		messageID, err = c.messenger.SendMessage(c.ctx, c.conversationID, display, c.replyTo)
	} else {
		err = c.messenger.EditMessage(c.ctx, c.conversationID, messageID, display)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushing = false
	c.idle.Broadcast()

	if retryAfter, limited := gateway.IsRateLimited(err); limited {
		c.rateLimits++
		d := c.backoff.NextBackOff()
		if retryAfter > d {
			d = retryAfter
		}
		c.delay = d
		logging.Debug().
			Str("conversation", c.conversationID).
			Int("consecutive", c.rateLimits).
			Dur("backoff", d).
			Msg("stream edit rate limited")
		if !c.finalized {
			c.scheduleLocked(d)
		}
		return
	}

	if err != nil {
		if c.ctx.Err() == nil {
			logging.Warn().Err(err).Str("conversation", c.conversationID).Msg("stream flush failed")
		}
	} else {
		c.messageID = messageID
		c.sent = content
		c.shown = display
		c.lastFlush = time.Now()
		c.flushes++
		c.rateLimits = 0
		c.delay = 0
		c.backoff.Reset()
	}

	if c.pending && !c.finalized {
		urgent := c.urgent
		c.pending = false
		c.urgent = false
		c.requestLocked(urgent)
	}
}

// Finalize stops scheduled flushes, waits for one in flight, and writes the
// complete buffer, splitting it across follow-up messages when it exceeds
// MaxLength. Rate limits are retried with backoff until ctx is done.
func (c *Coordinator) Finalize(ctx context.Context) error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.finalized = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.scheduled = false
	for c.flushing {
		c.idle.Wait()
	}
	content := c.content.String()
	shown := c.shown
	messageID := c.messageID
	c.mu.Unlock()
	defer c.cancel()

	chunks := SplitMessage(content, c.opts.MaxLength)
	if len(chunks) == 0 {
		return nil
	}

	first := chunks[0]
	if messageID == "" {
		err := c.retry(ctx, func() error {
			id, err := c.messenger.SendMessage(ctx, c.conversationID, first, c.replyTo)
			messageID = id
			return err
		})
		if err != nil {
			return fmt.Errorf("send final message: %w", err)
		}
	} else if first != shown {
		err := c.retry(ctx, func() error {
			return c.messenger.EditMessage(ctx, c.conversationID, messageID, first)
		})
		if err != nil {
			return fmt.Errorf("edit final message: %w", err)
		}
	}

	for _, chunk := range chunks[1:] {
		if c.opts.FollowUpDelay > 0 {
			select {
			case <-time.After(c.opts.FollowUpDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := c.retry(ctx, func() error {
			_, err := c.messenger.SendMessage(ctx, c.conversationID, chunk, "")
			return err
		})
		if err != nil {
			return fmt.Errorf("send follow-up message: %w", err)
		}
	}

	c.mu.Lock()
	c.messageID = messageID
	c.sent = content
	c.shown = first
	c.mu.Unlock()
	return nil
}

// retry runs op until it succeeds, fails with something other than a rate
// limit, or ctx is done.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	b := newBackoff(c.opts, finalRetryLimit)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		retryAfter, ok := gateway.IsRateLimited(err)
		if !ok {
			return backoff.Permanent(err)
		}
		if retryAfter > 0 {
			// Honour the platform's hint on top of our own schedule.
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// MessageID returns the id of the live message, once created.
func (c *Coordinator) MessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageID
}

// Content returns the whole buffer.
func (c *Coordinator) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content.String()
}

// Backoff returns the delay that will precede the next retry, zero when
// not rate limited.
func (c *Coordinator) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// RateLimitCount returns the number of consecutive rate-limited flushes.
func (c *Coordinator) RateLimitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimits
}

// FlushCount returns the number of successful live flushes.
func (c *Coordinator) FlushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}
