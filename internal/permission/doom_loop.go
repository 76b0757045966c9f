package permission

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DoomLoopThreshold is the number of identical calls in a row that count
// as a loop.
const DoomLoopThreshold = 3

const doomLoopHistory = 10

// DoomLoopDetector notices an agent repeating the same tool call.
type DoomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string // conversation -> recent call hashes
}

// NewDoomLoopDetector creates an empty detector.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{history: make(map[string][]string)}
}

// Check records a call and reports whether it completes a run of
// DoomLoopThreshold identical calls in conversationID.
func (d *DoomLoopDetector) Check(conversationID, toolName string, input json.RawMessage) bool {
	hash := hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := append(d.history[conversationID], hash)
	if len(history) > doomLoopHistory {
		history = history[len(history)-doomLoopHistory:]
	}
	d.history[conversationID] = history

	if len(history) < DoomLoopThreshold {
		return false
	}
	for _, h := range history[len(history)-DoomLoopThreshold:] {
		if h != hash {
			return false
		}
	}
	return true
}

// hashCall ignores insignificant whitespace in the input.
func hashCall(toolName string, input json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		buf.Reset()
		buf.Write(input)
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Clear forgets the history of a conversation.
func (d *DoomLoopDetector) Clear(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, conversationID)
}
