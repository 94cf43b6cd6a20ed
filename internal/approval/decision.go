// Package approval bridges permission prompts raised inside an agent turn to
// decisions that arrive later on an unrelated call path.
package approval

import "encoding/json"

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is a human answer to one permission request. For allow, the input
// the agent proposed may come back modified; for deny, Message carries the
// human-readable reason.
type Decision struct {
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Deny builds a deny decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: reason}
}

// Allow builds an allow decision carrying the (possibly modified) tool input.
func Allow(updatedInput json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: updatedInput}
}
