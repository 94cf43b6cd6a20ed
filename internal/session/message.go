// Package session implements the conversation core: per-directory sessions
// that serialize agent turns, an ordered message log, approval correlation,
// and the event stream through which state changes become observable.
package session

import (
	"encoding/json"
	"slices"

	"github.com/google/uuid"

	"github.com/txkodo/claude-code-web/internal/agent"
	"github.com/txkodo/claude-code-web/internal/approval"
)

// MessageType discriminates the message variants on the wire.
type MessageType string

const (
	MessageUser      MessageType = "user_message"
	MessageAssistant MessageType = "assistant_message"
	MessageToolUse   MessageType = "tool_use_message"
	MessageApproval  MessageType = "approval_message"
	MessageDebug     MessageType = "debug_message"
)

// Message is one entry of a session's ordered log. The message id is assigned
// at creation and is the only handle for later in-place updates.
type Message interface {
	MessageType() MessageType
	MessageID() string
	// Clone returns a copy sharing no mutable state with the receiver.
	Clone() Message
}

// UserMessage is a chat message sent by the human.
type UserMessage struct {
	Type    MessageType `json:"type"`
	MsgID   string      `json:"msgId"`
	Content string      `json:"content"`
}

// NewUserMessage creates a user message with a fresh id.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{Type: MessageUser, MsgID: uuid.NewString(), Content: content}
}

func (m *UserMessage) MessageType() MessageType { return m.Type }
func (m *UserMessage) MessageID() string        { return m.MsgID }
func (m *UserMessage) Clone() Message {
	clone := *m
	return &clone
}

// AssistantMessage is agent-authored text.
type AssistantMessage struct {
	Type    MessageType `json:"type"`
	MsgID   string      `json:"msgId"`
	Content string      `json:"content"`
}

// NewAssistantMessage creates an assistant message with a fresh id.
func NewAssistantMessage(content string) *AssistantMessage {
	return &AssistantMessage{Type: MessageAssistant, MsgID: uuid.NewString(), Content: content}
}

func (m *AssistantMessage) MessageType() MessageType { return m.Type }
func (m *AssistantMessage) MessageID() string        { return m.MsgID }
func (m *AssistantMessage) Clone() Message {
	clone := *m
	return &clone
}

// ToolUseMessage records one tool invocation. Output starts nil and is filled
// in place when the matching tool result arrives.
type ToolUseMessage struct {
	Type      MessageType      `json:"type"`
	MsgID     string           `json:"msgId"`
	ToolUseID string           `json:"toolUseId"`
	Name      string           `json:"name"`
	Input     json.RawMessage  `json:"input"`
	Output    []agent.Fragment `json:"output"`
}

// NewToolUseMessage creates a tool-use message with nil output.
func NewToolUseMessage(toolUseID, name string, input json.RawMessage) *ToolUseMessage {
	return &ToolUseMessage{
		Type:      MessageToolUse,
		MsgID:     uuid.NewString(),
		ToolUseID: toolUseID,
		Name:      name,
		Input:     input,
	}
}

func (m *ToolUseMessage) MessageType() MessageType { return m.Type }
func (m *ToolUseMessage) MessageID() string        { return m.MsgID }
func (m *ToolUseMessage) Clone() Message {
	clone := *m
	clone.Output = slices.Clone(m.Output)
	return &clone
}

// ApprovalMessage is a permission prompt raised mid-turn. Response starts nil
// and is filled exactly once.
type ApprovalMessage struct {
	Type       MessageType        `json:"type"`
	MsgID      string             `json:"msgId"`
	ApprovalID string             `json:"approvalId"`
	Request    json.RawMessage    `json:"request"`
	Response   *approval.Decision `json:"response"`
}

// NewApprovalMessage creates an unanswered approval message. The request
// payload is agent-defined and passes through opaque.
func NewApprovalMessage(approvalID string, request json.RawMessage) *ApprovalMessage {
	return &ApprovalMessage{
		Type:       MessageApproval,
		MsgID:      uuid.NewString(),
		ApprovalID: approvalID,
		Request:    request,
	}
}

func (m *ApprovalMessage) MessageType() MessageType { return m.Type }
func (m *ApprovalMessage) MessageID() string        { return m.MsgID }
func (m *ApprovalMessage) Clone() Message {
	clone := *m
	if m.Response != nil {
		response := *m.Response
		clone.Response = &response
	}
	return &clone
}

// DebugMessage carries diagnostics that should stay visible to the human but
// are not assistant content.
type DebugMessage struct {
	Type    MessageType `json:"type"`
	MsgID   string      `json:"msgId"`
	Content string      `json:"content"`
}

// NewDebugMessage creates a debug message with a fresh id.
func NewDebugMessage(content string) *DebugMessage {
	return &DebugMessage{Type: MessageDebug, MsgID: uuid.NewString(), Content: content}
}

func (m *DebugMessage) MessageType() MessageType { return m.Type }
func (m *DebugMessage) MessageID() string        { return m.MsgID }
func (m *DebugMessage) Clone() Message {
	clone := *m
	return &clone
}
