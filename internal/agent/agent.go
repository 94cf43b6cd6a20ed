// Package agent defines the contract between a session and the coding agent
// process that executes its turns, plus the bundled agent implementations.
package agent

import (
	"context"
	"encoding/json"

	"github.com/txkodo/claude-code-web/internal/approval"
)

// OutputKind tags one item of a turn's output stream.
type OutputKind string

const (
	// OutputAssistant is assistant-authored text.
	OutputAssistant OutputKind = "assistant"
	// OutputToolUse announces a tool invocation; a later OutputToolResult
	// with the same ToolUseID carries its result.
	OutputToolUse OutputKind = "tool_use"
	// OutputToolResult carries result fragments for a prior tool use.
	OutputToolResult OutputKind = "tool_result"
	// OutputDebug is diagnostic text not meant as assistant content.
	OutputDebug OutputKind = "debug"
)

// Fragment is one piece of a tool result: either text or an image URI.
type Fragment struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// Output is one tagged item produced during an agent turn.
type Output struct {
	Kind      OutputKind
	Text      string
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
	Fragments []Fragment
}

// Turn describes one agent invocation.
type Turn struct {
	Prompt string
	// Permit is called by the agent when it needs a human decision before
	// acting. It blocks until a decision arrives or the turn is cancelled.
	Permit approval.PermissionFunc
}

// Agent is a long-lived, stateful conversational process bound to one working
// directory. Implementations resume prior context across turns on their own;
// the session owns retry and cancellation decisions.
type Agent interface {
	// Run executes one turn, invoking emit for each output item in order.
	// It returns once the turn completes, fails, or ctx is cancelled.
	Run(ctx context.Context, turn Turn, emit func(Output)) error
	// Close releases the agent's resources. Safe to call when idle.
	Close() error
}

// Factory creates agents bound to a working directory.
type Factory interface {
	NewAgent(cwd string) Agent
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(cwd string) Agent

func (f FactoryFunc) NewAgent(cwd string) Agent { return f(cwd) }
