package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/txkodo/claude-code-web/internal/agent"
	"github.com/txkodo/claude-code-web/internal/approval"
	"github.com/txkodo/claude-code-web/internal/logging"
)

// Status is derived from the busy flag and the presence of an unanswered
// approval; it is never stored independently.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusRunning            Status = "running"
	StatusWaitingForApproval Status = "waiting_for_approval"
)

// Handler owns one conversation against one working directory. It serializes
// agent turns (at most one in flight), translates agent output into messages
// and events, and correlates approvals raised mid-turn with answers arriving
// on any call path.
//
// Observers are invoked synchronously in emission order and must not call
// back into the Handler other than to unsubscribe.
type Handler struct {
	id      string
	cwd     string
	agent   agent.Agent
	waiters *approval.Waiters
	logger  logging.Logger

	mu         sync.Mutex
	busy       bool
	closed     bool
	cancelTurn context.CancelFunc
	messages   []Message
	index      map[string]int              // msgId -> position in messages
	toolIndex  map[string]string           // toolUseId -> msgId
	approvals  map[string]*ApprovalMessage // approvalId -> message

	obsMu        sync.Mutex
	observers    map[int]Observer
	nextObserver int
}

// NewHandler creates a session bound to an agent instance for cwd.
func NewHandler(id, cwd string, ag agent.Agent, logger logging.Logger) *Handler {
	return &Handler{
		id:        id,
		cwd:       cwd,
		agent:     ag,
		waiters:   approval.NewWaiters(),
		logger:    logging.OrNop(logger),
		index:     make(map[string]int),
		toolIndex: make(map[string]string),
		approvals: make(map[string]*ApprovalMessage),
		observers: make(map[int]Observer),
	}
}

// ID returns the session identifier.
func (h *Handler) ID() string { return h.id }

// Cwd returns the working directory the session is bound to.
func (h *Handler) Cwd() string { return h.cwd }

// Status derives the current session status.
func (h *Handler) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.busy {
		return StatusIdle
	}
	for _, msg := range h.approvals {
		if msg.Response == nil {
			return StatusWaitingForApproval
		}
	}
	return StatusRunning
}

// PushMessage appends a user message and starts one agent turn asynchronously.
// It returns ErrBusy without side effects when a turn is already in flight;
// all effects of an accepted message surface via the event stream and log.
func (h *Handler) PushMessage(text string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.busy {
		h.mu.Unlock()
		return ErrBusy
	}
	h.busy = true
	ctx, cancel := context.WithCancel(context.Background())
	h.cancelTurn = cancel
	h.appendLocked(NewUserMessage(text))
	h.mu.Unlock()

	go h.runTurn(ctx, cancel, text)
	return nil
}

func (h *Handler) runTurn(ctx context.Context, cancel context.CancelFunc, prompt string) {
	defer func() {
		cancel()
		h.mu.Lock()
		h.busy = false
		h.cancelTurn = nil
		h.mu.Unlock()
	}()

	turn := agent.Turn{Prompt: prompt, Permit: h.permit}
	err := h.agent.Run(ctx, turn, h.handleOutput)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		h.logger.Info("Turn cancelled: session=%s", h.id)
		return
	}

	// A failed turn terminates only itself; surface it to observers instead
	// of swallowing it.
	h.logger.Error("Turn failed: session=%s: %v", h.id, err)
	h.mu.Lock()
	h.appendLocked(NewDebugMessage("turn failed: " + err.Error()))
	h.mu.Unlock()
}

// handleOutput translates one agent output item into a message mutation.
func (h *Handler) handleOutput(o agent.Output) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch o.Kind {
	case agent.OutputAssistant:
		h.appendLocked(NewAssistantMessage(o.Text))

	case agent.OutputToolUse:
		msg := NewToolUseMessage(o.ToolUseID, o.ToolName, o.ToolInput)
		h.toolIndex[o.ToolUseID] = msg.MsgID
		h.appendLocked(msg)

	case agent.OutputToolResult:
		msgID, ok := h.toolIndex[o.ToolUseID]
		if !ok {
			// A result for an invocation this session never saw must not
			// fail the turn; degrade to a standalone debug message.
			h.appendLocked(NewDebugMessage(fmt.Sprintf(
				"tool result for unknown invocation %s: %s", o.ToolUseID, flattenFragments(o.Fragments))))
			return
		}
		msg := h.messages[h.index[msgID]].(*ToolUseMessage)
		msg.Output = append(msg.Output, o.Fragments...)
		h.emitLocked(Event{Type: EventUpdateMessage, SessionID: h.id, Message: msg.Clone()})

	case agent.OutputDebug:
		h.appendLocked(NewDebugMessage(o.Text))
	}
}

// permit is the per-turn permission callback handed to the agent. It parks
// the turn until AnswerApproval resolves the approval or the turn context is
// cancelled, which yields a synthetic deny instead of hanging forever.
func (h *Handler) permit(ctx context.Context, request json.RawMessage) (approval.Decision, error) {
	approvalID := uuid.NewString()
	msg := NewApprovalMessage(approvalID, request)

	h.mu.Lock()
	h.approvals[approvalID] = msg
	waiter := h.waiters.Register(approvalID)
	h.appendLocked(msg)
	h.mu.Unlock()

	h.logger.Info("Approval requested: session=%s approval=%s", h.id, approvalID)

	decision, ok := waiter.Wait(ctx)
	if !ok {
		h.logger.Info("Approval wait released by cancellation: session=%s approval=%s", h.id, approvalID)
		return approval.Deny("session cancelled"), nil
	}
	return decision, nil
}

// AnswerApproval records the human decision for a pending approval, emits the
// corresponding update event, and unblocks the parked permission call. An
// unknown approval id returns ErrNotFound; answering an already-answered
// approval is a silent no-op, as is answering after the turn was cancelled.
func (h *Handler) AnswerApproval(approvalID string, decision approval.Decision) error {
	h.mu.Lock()
	msg, ok := h.approvals[approvalID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if msg.Response != nil {
		h.mu.Unlock()
		h.logger.Debug("Approval already answered: session=%s approval=%s", h.id, approvalID)
		return nil
	}
	if !h.waiters.IsPending(approvalID) {
		// The turn was cancelled and the waiter already released with a
		// synthetic deny; the late response stays off the record.
		h.mu.Unlock()
		h.logger.Debug("Approval answered after turn ended: session=%s approval=%s", h.id, approvalID)
		return nil
	}
	response := decision
	msg.Response = &response
	h.emitLocked(Event{Type: EventUpdateMessage, SessionID: h.id, Message: msg.Clone()})
	h.mu.Unlock()

	h.waiters.Resolve(approvalID, decision)
	return nil
}

// ListenEvent registers an observer and returns its unsubscribe function.
// Unsubscribe is idempotent and safe to call from inside the observer itself.
func (h *Handler) ListenEvent(fn Observer) (unsubscribe func()) {
	h.obsMu.Lock()
	id := h.nextObserver
	h.nextObserver++
	h.observers[id] = fn
	h.obsMu.Unlock()

	return func() {
		h.obsMu.Lock()
		delete(h.observers, id)
		h.obsMu.Unlock()
	}
}

// AllMessages returns a point-in-time snapshot of the message log.
func (h *Handler) AllMessages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := make([]Message, len(h.messages))
	for i, msg := range h.messages {
		snapshot[i] = msg.Clone()
	}
	return snapshot
}

// Cancel signals cancellation to the in-flight turn, if any. Any approval
// waiter parked for that turn resolves with a synthetic deny.
func (h *Handler) Cancel() {
	h.mu.Lock()
	cancel := h.cancelTurn
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels any in-flight turn and releases the bound agent. It is a
// no-op on an idle, already-closed session.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.cancelTurn
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return h.agent.Close()
}

// appendLocked appends a message to the log and emits its push event. Caller
// holds h.mu.
func (h *Handler) appendLocked(msg Message) {
	h.index[msg.MessageID()] = len(h.messages)
	h.messages = append(h.messages, msg)
	h.emitLocked(Event{Type: EventPushMessage, SessionID: h.id, Message: msg.Clone()})
}

// emitLocked delivers one event to all observers subscribed at dispatch time.
// Caller holds h.mu, which serializes emission order with log order. An
// observer unsubscribed mid-pass is skipped; the others are delivered to
// exactly once.
func (h *Handler) emitLocked(ev Event) {
	h.obsMu.Lock()
	ids := make([]int, 0, len(h.observers))
	fns := make([]Observer, 0, len(h.observers))
	for id, fn := range h.observers {
		ids = append(ids, id)
		fns = append(fns, fn)
	}
	h.obsMu.Unlock()

	for i, id := range ids {
		h.obsMu.Lock()
		_, alive := h.observers[id]
		h.obsMu.Unlock()
		if alive {
			fns[i](ev)
		}
	}
}

func flattenFragments(fragments []agent.Fragment) string {
	out := ""
	for _, f := range fragments {
		if f.Type == "text" {
			out += f.Text
		} else {
			out += f.URI
		}
	}
	return out
}
