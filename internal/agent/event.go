// Package agent drives the agent subprocess and decodes its event stream.
package agent

import (
	"encoding/json"
	"time"
)

// Event is one item of an agent's output. The set of implementations is
// closed: SessionInit, Text, ToolUse and Result.
type Event interface {
	isEvent()
}

// SessionInit carries the resumable handle issued for this run.
type SessionInit struct {
	Handle string
	Model  string
	Cwd    string
}

// Text is a chunk of assistant prose.
type Text struct {
	Chunk string
}

// ToolUse reports that the agent invoked a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is the final event of a run.
type Result struct {
	Success  bool
	CostUSD  float64
	Turns    int
	Duration time.Duration
	// Error is the agent's own failure description when Success is false.
	Error string
}

func (SessionInit) isEvent() {}
func (Text) isEvent()        {}
func (ToolUse) isEvent()     {}
func (Result) isEvent()      {}
