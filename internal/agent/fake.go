package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/txkodo/claude-code-web/internal/approval"
)

// Step scripts one action of a FakeAgent turn.
type Step struct {
	// Output is emitted as-is when Permission is nil.
	Output Output
	// Permission, when set, asks the turn's Permit callback for a decision
	// before continuing; the decision is echoed as a debug output.
	Permission json.RawMessage
	// Fail aborts the turn with an error after earlier steps ran.
	Fail error
}

// FakeAgent replays a scripted sequence of outputs, optionally raising
// permission prompts. It stands in for the real agent in tests and in the
// server's fake-agent mode.
type FakeAgent struct {
	cwd   string
	steps []Step
	delay time.Duration
}

// NewFakeAgent creates a scripted agent. With no steps it echoes the prompt.
func NewFakeAgent(cwd string, steps []Step, delay time.Duration) *FakeAgent {
	return &FakeAgent{cwd: cwd, steps: steps, delay: delay}
}

// NewEchoFactory returns a factory of unscripted fake agents.
func NewEchoFactory(delay time.Duration) Factory {
	return FactoryFunc(func(cwd string) Agent {
		return NewFakeAgent(cwd, nil, delay)
	})
}

func (a *FakeAgent) Run(ctx context.Context, turn Turn, emit func(Output)) error {
	if len(a.steps) == 0 {
		emit(Output{
			Kind: OutputAssistant,
			Text: fmt.Sprintf("received prompt %q (cwd: %s)", turn.Prompt, a.cwd),
		})
		return nil
	}

	for _, step := range a.steps {
		if a.delay > 0 {
			select {
			case <-time.After(a.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case step.Fail != nil:
			return step.Fail
		case step.Permission != nil:
			decision, err := turn.Permit(ctx, step.Permission)
			if err != nil {
				return err
			}
			emit(Output{Kind: OutputDebug, Text: describeDecision(decision)})
		default:
			emit(step.Output)
		}
	}
	return nil
}

func (a *FakeAgent) Close() error { return nil }

func describeDecision(d approval.Decision) string {
	if d.Behavior == approval.BehaviorAllow {
		return "permission granted"
	}
	return "permission denied: " + d.Message
}
