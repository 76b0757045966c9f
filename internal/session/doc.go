// Package session tracks the agent session behind each conversation.
//
// A conversation is one chat channel. Its Record holds the handle the agent
// issued for resuming it, the time of last activity, and a history stack
// with one handle per completed turn so that a conversation can be rewound.
// Records live in a Store: a single JSON file by default, or a Redis hash.
//
// The Manager drives turns. Begin claims a conversation's processing flag
// and returns a Turn carrying the context that Clear, Rewind and Stop
// cancel. QueryAndStream runs the agent for that turn, persists new
// session handles as soon as the agent announces them, and feeds text and
// tool activity to a Sink, usually a stream.Coordinator:
//
//	turn, err := mgr.Begin(ctx, channelID)
//	if errors.Is(err, session.ErrBusy) {
//		// one turn per conversation
//	}
//	defer turn.End()
//	err = mgr.QueryAndStream(turn, prompt, coordinator)
//
// Clearing or rewinding bumps the conversation's generation before it
// touches state, so a handle announced late by a canceled turn is dropped
// instead of resurrecting the cleared session.
package session
