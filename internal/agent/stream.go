package agent

import (
	"encoding/json"
	"fmt"
)

// streamMessage is one line of the agent CLI's stream-json output.
type streamMessage struct {
	Type      string             `json:"type"`
	Subtype   string             `json:"subtype,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Result    string             `json:"result,omitempty"`
	Message   *streamMessageBody `json:"message,omitempty"`
}

type streamMessageBody struct {
	Role    string          `json:"role"`
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ID        string          `json:"id,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type resultBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

func parseStreamLine(line []byte) (*streamMessage, error) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("malformed stream-json line: %w", err)
	}
	return &msg, nil
}

// outputsFrom maps one stream-json message to the turn output items it
// contributes. System messages only carry the resumable session id and map to
// nothing.
func outputsFrom(msg *streamMessage) []Output {
	switch msg.Type {
	case "assistant":
		return assistantOutputs(msg.Message)
	case "user":
		return toolResultOutputs(msg.Message)
	case "result":
		return resultOutputs(msg)
	default:
		return nil
	}
}

func assistantOutputs(body *streamMessageBody) []Output {
	if body == nil {
		return nil
	}
	var outputs []Output
	for _, block := range body.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				outputs = append(outputs, Output{Kind: OutputAssistant, Text: block.Text})
			}
		case "tool_use":
			outputs = append(outputs, Output{
				Kind:      OutputToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		}
	}
	return outputs
}

func toolResultOutputs(body *streamMessageBody) []Output {
	if body == nil {
		return nil
	}
	var outputs []Output
	for _, block := range body.Content {
		if block.Type != "tool_result" {
			continue
		}
		fragments := parseResultFragments(block.Content)
		if len(fragments) == 0 {
			continue
		}
		outputs = append(outputs, Output{
			Kind:      OutputToolResult,
			ToolUseID: block.ToolUseID,
			Fragments: fragments,
		})
	}
	return outputs
}

// parseResultFragments accepts the two wire forms of tool_result content: a
// bare string, or an array of text/image blocks.
func parseResultFragments(raw json.RawMessage) []Fragment {
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []Fragment{{Type: "text", Text: text}}
	}

	var blocks []resultBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	var fragments []Fragment
	for _, block := range blocks {
		switch block.Type {
		case "text":
			fragments = append(fragments, Fragment{Type: "text", Text: block.Text})
		case "image":
			if block.Source == nil {
				continue
			}
			uri := block.Source.URL
			if block.Source.Type == "base64" {
				uri = fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data)
			}
			fragments = append(fragments, Fragment{Type: "image", URI: uri})
		}
	}
	return fragments
}

func resultOutputs(msg *streamMessage) []Output {
	switch msg.Subtype {
	case "success":
		if msg.Result == "" {
			return nil
		}
		return []Output{{Kind: OutputAssistant, Text: msg.Result}}
	case "error_max_turns":
		return []Output{{Kind: OutputDebug, Text: "agent stopped: maximum turns reached"}}
	case "error_during_execution":
		return []Output{{Kind: OutputDebug, Text: "agent stopped: error during execution"}}
	default:
		return []Output{{Kind: OutputDebug, Text: "agent stopped: " + msg.Subtype}}
	}
}
