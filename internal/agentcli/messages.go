// Package agentcli drives the external LLM coding CLI as a subprocess and
// decodes its streaming JSON output into typed messages.
package agentcli

import (
	"encoding/json"
	"fmt"
)

// Message is the tagged union of stream messages the CLI may emit.
// Exactly one variant is non-nil after decoding.
type Message struct {
	Assistant *AssistantText
	ToolUse   *ToolUse
	ToolRes   *ToolResult
	Final     *FinalResult
}

// AssistantText is one assistant text block.
type AssistantText struct {
	Text string
}

// ToolUse is one tool invocation with its raw input object.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// ToolResult acknowledges a completed tool invocation.
type ToolResult struct {
	ToolUseID string
	IsError   bool
}

// FinalResult closes the stream and carries cost and timing.
type FinalResult struct {
	IsError       bool
	Result        string
	TotalCostUSD  float64
	DurationMS    int64
	DurationAPIMS int64
	NumTurns      int
}

// envelope matches the CLI's stream-json line format.
type envelope struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// Result message fields.
	Subtype       string  `json:"subtype"`
	IsError       bool    `json:"is_error"`
	Result        string  `json:"result"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	NumTurns      int     `json:"num_turns"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	IsError   bool           `json:"is_error"`
}

// DecodeLine parses one stream-json line into zero or more messages.
// Unknown variants decode to an empty slice, never an error, so a newer
// CLI cannot break the pipeline.
func DecodeLine(line []byte) ([]Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch env.Type {
	case "assistant":
		var out []Message
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				out = append(out, Message{Assistant: &AssistantText{Text: block.Text}})
			case "tool_use":
				out = append(out, Message{ToolUse: &ToolUse{Name: block.Name, Input: block.Input}})
			}
		}
		return out, nil
	case "user":
		var out []Message
		for _, block := range env.Message.Content {
			if block.Type == "tool_result" {
				out = append(out, Message{ToolRes: &ToolResult{ToolUseID: block.ToolUseID, IsError: block.IsError}})
			}
		}
		return out, nil
	case "result":
		return []Message{{Final: &FinalResult{
			IsError:       env.IsError,
			Result:        env.Result,
			TotalCostUSD:  env.TotalCostUSD,
			DurationMS:    env.DurationMS,
			DurationAPIMS: env.DurationAPIMS,
			NumTurns:      env.NumTurns,
		}}}, nil
	default:
		return nil, nil
	}
}
