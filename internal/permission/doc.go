// Package permission gates dangerous agent tool calls behind a human
// decision.
//
// A Gate owns the registry of pending approval requests. RequestApproval
// blocks the calling agent turn until exactly one of these settles the
// request:
//
//   - a decision on the prompt's primary control (Respond, by request id)
//   - a decision by reaction on the prompt message (RespondByMessage)
//   - the policy timeout, which denies
//   - CancelPending for the conversation, or the turn's context ending
//
// Settling is first-writer-wins; later answers are ignored.
//
// A Policy decides which calls reach a human at all. Tools outside the
// dangerous set are approved silently. Bash calls are parsed with
// mvdan.cc/sh and checked against pattern rules such as "git *" or
// "rm *", most specific first:
//
//	policy := permission.Policy{
//		DangerousTools: []string{"Bash", "Write", "mcp__*"},
//		Bash: map[string]permission.Action{
//			"git status *": permission.ActionAllow,
//			"rm *":         permission.ActionDeny,
//		},
//		Timeout: 5 * time.Minute,
//	}
//	gate := permission.NewGate(ui, bus, policy)
//	d := gate.RequestApproval(ctx, "channel-1", "Bash", input)
//	if err := d.Err("channel-1", "Bash"); err != nil {
//		// err is a *RejectedError
//	}
//
// An "always" answer is remembered per conversation until
// ForgetApprovals. A DoomLoopDetector flags prompts for a call the agent
// has repeated several times in a row.
package permission
