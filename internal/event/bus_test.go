package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAsync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	unsub := bus.Subscribe(ConversationCleared, func(e Event) { got <- e })
	defer unsub()

	bus.Publish(Event{Type: ConversationCleared, Data: ConversationClearedData{ConversationID: "c1"}})

	select {
	case e := <-got:
		assert.Equal(t, ConversationCleared, e.Type)
		assert.Equal(t, "c1", e.Data.(ConversationClearedData).ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var approvals, turns, all int32
	bus.Subscribe(ApprovalRequested, func(Event) { atomic.AddInt32(&approvals, 1) })
	bus.Subscribe(TurnStarted, func(Event) { atomic.AddInt32(&turns, 1) })
	bus.SubscribeAll(func(Event) { atomic.AddInt32(&all, 1) })

	bus.PublishSync(Event{Type: ApprovalRequested})
	bus.PublishSync(Event{Type: ApprovalRequested})
	bus.PublishSync(Event{Type: TurnStarted})

	assert.EqualValues(t, 2, atomic.LoadInt32(&approvals))
	assert.EqualValues(t, 1, atomic.LoadInt32(&turns))
	assert.EqualValues(t, 3, atomic.LoadInt32(&all))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var typed, global int32
	unsubTyped := bus.Subscribe(TurnFinished, func(Event) { atomic.AddInt32(&typed, 1) })
	unsubGlobal := bus.SubscribeAll(func(Event) { atomic.AddInt32(&global, 1) })

	bus.PublishSync(Event{Type: TurnFinished})
	unsubTyped()
	unsubGlobal()
	bus.PublishSync(Event{Type: TurnFinished})

	assert.EqualValues(t, 1, atomic.LoadInt32(&typed))
	assert.EqualValues(t, 1, atomic.LoadInt32(&global))
}

func TestBus_UnsubscribeKeepsOthers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var a, b int32
	unsubA := bus.Subscribe(TurnStarted, func(Event) { atomic.AddInt32(&a, 1) })
	bus.Subscribe(TurnStarted, func(Event) { atomic.AddInt32(&b, 1) })

	unsubA()
	bus.PublishSync(Event{Type: TurnStarted})

	assert.EqualValues(t, 0, atomic.LoadInt32(&a))
	assert.EqualValues(t, 1, atomic.LoadInt32(&b))
}

func TestBus_Stream(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bus.Stream(ctx)
	require.NoError(t, err)

	bus.Publish(Event{Type: ApprovalResolved, Data: ApprovalResolvedData{
		RequestID: "r1", ConversationID: "c1", Outcome: "approved", Approved: true,
	}})

	select {
	case payload := <-stream:
		var decoded struct {
			Type Type                 `json:"type"`
			Data ApprovalResolvedData `json:"data"`
		}
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Equal(t, ApprovalResolved, decoded.Type)
		assert.Equal(t, "r1", decoded.Data.RequestID)
		assert.True(t, decoded.Data.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed event")
	}
}

func TestBus_StreamKeepsPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bus.Stream(ctx)
	require.NoError(t, err)

	const edits = 200
	go func() {
		for i := 0; i < edits; i++ {
			bus.Publish(Event{Type: MessageUpdated, Data: MessageData{
				ConversationID: "c1",
				MessageID:      "m1",
				Content:        fmt.Sprintf("edit %d", i),
			}})
		}
	}()

	for i := 0; i < edits; i++ {
		select {
		case payload := <-stream:
			var decoded struct {
				Data MessageData `json:"data"`
			}
			require.NoError(t, json.Unmarshal(payload, &decoded))
			require.Equal(t, fmt.Sprintf("edit %d", i), decoded.Data.Content)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for edit %d", i)
		}
	}
}

func TestBus_StreamEndsWithContext(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := bus.Stream(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}

	// Publishing after the consumer left must not block.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: TurnStarted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a closed stream")
	}
}

func TestBus_ClosedIgnoresPublish(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(Event) { atomic.AddInt32(&count, 1) })
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	bus.PublishSync(Event{Type: TurnStarted})
	unsub := bus.Subscribe(TurnStarted, func(Event) { atomic.AddInt32(&count, 1) })
	unsub()

	assert.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(MessageUpdated, func(Event) {})
			defer unsub()
			for j := 0; j < 10; j++ {
				bus.Publish(Event{Type: MessageUpdated})
			}
		}()
	}
	wg.Wait()
}
