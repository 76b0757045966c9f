package session

import (
	"slices"
	"time"
)

// Record is the persisted state of one conversation.
type Record struct {
	// SessionHandle resumes the agent session. Empty means none.
	SessionHandle string    `json:"sessionHandle,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
	// HistoryStack holds one handle per turn, oldest first.
	HistoryStack []string `json:"historyStack"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.HistoryStack = slices.Clone(r.HistoryStack)
	return r
}

// Depth is the number of turns that can be rewound.
func (r Record) Depth() int {
	return len(r.HistoryStack)
}

// push records handle as the newest turn unless it already is.
func (r *Record) push(handle string) {
	if n := len(r.HistoryStack); n > 0 && r.HistoryStack[n-1] == handle {
		return
	}
	r.HistoryStack = append(r.HistoryStack, handle)
}

// pop removes up to count turns and makes the new top current. It returns
// how many were removed.
func (r *Record) pop(count int) int {
	removed := min(count, len(r.HistoryStack))
	r.HistoryStack = r.HistoryStack[:len(r.HistoryStack)-removed]
	r.SessionHandle = ""
	if n := len(r.HistoryStack); n > 0 {
		r.SessionHandle = r.HistoryStack[n-1]
	}
	return removed
}
