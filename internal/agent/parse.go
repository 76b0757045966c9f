package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// envelope is the common shape of a stream-json line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// system/init
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Cwd       string `json:"cwd"`

	// assistant
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// result
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	CostUSD      float64  `json:"cost_usd"`
	NumTurns     int      `json:"num_turns"`
	DurationMS   float64  `json:"duration_ms"`
	Errors       []string `json:"errors"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseLine decodes one line of the agent CLI's stream-json output. A single
// assistant line can carry several content blocks, so zero or more events
// are returned. Lines of kinds the relay does not consume (user echoes, tool
// results, other system subtypes) yield no events.
func ParseLine(line []byte) ([]Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("parse stream-json line: %w", err)
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" || env.SessionID == "" {
			return nil, nil
		}
		return []Event{SessionInit{Handle: env.SessionID, Model: env.Model, Cwd: env.Cwd}}, nil

	case "assistant":
		if env.Message == nil {
			return nil, nil
		}
		var events []Event
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, Text{Chunk: block.Text})
				}
			case "tool_use":
				events = append(events, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
			}
		}
		return events, nil

	case "result":
		cost := env.TotalCostUSD
		if cost == 0 {
			cost = env.CostUSD
		}
		res := Result{
			Success:  !env.IsError && (env.Subtype == "" || env.Subtype == "success"),
			CostUSD:  cost,
			Turns:    env.NumTurns,
			Duration: time.Duration(env.DurationMS * float64(time.Millisecond)),
		}
		if !res.Success {
			res.Error = resultError(env)
		}
		return []Event{res}, nil
	}

	return nil, nil
}

func resultError(env envelope) string {
	if len(env.Errors) > 0 {
		return strings.Join(env.Errors, "; ")
	}
	if env.Result != "" {
		return env.Result
	}
	if env.Subtype != "" {
		return strings.ReplaceAll(env.Subtype, "_", " ")
	}
	return "agent reported an error"
}
