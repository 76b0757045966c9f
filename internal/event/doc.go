/*
Package event provides the in-process pub/sub bus used by the relay.

Components publish typed events (conversation state changes, turn
boundaries, approval requests and their outcomes, web-gateway messages)
and the HTTP server streams them to clients over SSE.

# Delivery

A Bus delivers each event two ways:

  - Direct subscribers registered with Subscribe or SubscribeAll receive
    the Event value with its typed Data intact. Publish calls each one in
    its own goroutine; PublishSync calls them in order before returning.
  - Stream consumers receive the JSON encoding of the event through a
    watermill gochannel topic. Only events published after Stream is
    called are seen.

A subscriber invoked by PublishSync runs on the publisher's goroutine. It
must return quickly and must not publish.

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(event.ApprovalResolved, func(e event.Event) {
		data := e.Data.(event.ApprovalResolvedData)
		logging.Info().Str("outcome", data.Outcome).Msg("approval resolved")
	})
	defer unsub()
*/
package event
