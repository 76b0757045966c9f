package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/agentrelay/internal/logging"
)

// Type identifies an event.
type Type string

const (
	ConversationUpdated Type = "conversation.updated"
	ConversationCleared Type = "conversation.cleared"
	ConversationRewound Type = "conversation.rewound"
	TurnStarted         Type = "turn.started"
	TurnFinished        Type = "turn.finished"
	ApprovalRequested   Type = "approval.requested"
	ApprovalResolved    Type = "approval.resolved"
	MessageCreated      Type = "message.created"
	MessageUpdated      Type = "message.updated"
	ConfigReloaded      Type = "config.reloaded"
	BranchChanged       Type = "workspace.branch_changed"
)

// topic is the watermill topic carrying the JSON form of every event.
const topic = "agentrelay.events"

// streamBacklog bounds the events queued for one Stream consumer.
const streamBacklog = 1024

// Event is a single notification.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives events published on a Bus.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to in-process subscribers and mirrors each one as a
// JSON message on a watermill gochannel topic for streaming consumers.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			// Publish waits for every stream to take the message, which
			// keeps the stream in publish order.
			gochannel.Config{OutputChannelBuffer: 100, BlockPublishUntilSubscriberAck: true},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// Subscribe registers fn for events of type t. The returned function
// removes the subscription.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})
	return func() { b.remove(t, id) }
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.remove("", id) }
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.global
	if t != "" {
		list = b.subscribers[t]
	}
	for i, entry := range list {
		if entry.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if t != "" {
		b.subscribers[t] = list
	} else {
		b.global = list
	}
}

func (b *Bus) collect(t Type) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, false
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish delivers e to each subscriber in its own goroutine.
func (b *Bus) Publish(e Event) {
	subs, ok := b.collect(e.Type)
	if !ok {
		return
	}
	b.mirror(e)
	for _, sub := range subs {
		go sub(e)
	}
}

// PublishSync delivers e to every subscriber before returning.
// Subscribers must not publish re-entrantly.
func (b *Bus) PublishSync(e Event) {
	subs, ok := b.collect(e.Type)
	if !ok {
		return
	}
	b.mirror(e)
	for _, sub := range subs {
		sub(e)
	}
}

func (b *Bus) mirror(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(e.Type))
	_ = b.pubsub.Publish(topic, msg)
}

// Stream returns the JSON encoding of every event published after the call,
// in publish order, until ctx is done. A consumer that falls more than
// streamBacklog events behind is disconnected and its channel closed.
func (b *Bus) Stream(ctx context.Context) (<-chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan []byte)
	go func() {
		defer cancel()
		defer close(out)

		var queue [][]byte
		for {
			var (
				send chan<- []byte
				head []byte
			)
			if len(queue) > 0 {
				send, head = out, queue[0]
			}

			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				msg.Ack()
				if len(queue) >= streamBacklog {
					logging.Warn().Int("backlog", len(queue)).Msg("event stream consumer too slow, disconnecting")
					return
				}
				queue = append(queue, msg.Payload)
			case send <- head:
				queue[0] = nil
				queue = queue[1:]
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close drops all subscribers and shuts the watermill channel down.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
