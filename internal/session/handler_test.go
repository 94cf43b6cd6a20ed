package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/txkodo/claude-code-web/internal/agent"
	"github.com/txkodo/claude-code-web/internal/approval"
)

// funcAgent lets each test script the agent side of a turn directly.
type funcAgent struct {
	run    func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error
	closed bool
}

func (a *funcAgent) Run(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
	return a.run(ctx, turn, emit)
}

func (a *funcAgent) Close() error {
	a.closed = true
	return nil
}

// recorder collects events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTurnTranslatesAgentOutput(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		close(started)
		<-release
		emit(agent.Output{Kind: agent.OutputToolUse, ToolUseID: "toolu_01", ToolName: "Bash", ToolInput: json.RawMessage(`{"command":"ls"}`)})
		emit(agent.Output{Kind: agent.OutputToolResult, ToolUseID: "toolu_01", Fragments: []agent.Fragment{{Type: "text", Text: "main.go"}}})
		emit(agent.Output{Kind: agent.OutputAssistant, Text: "Two files."})
		return nil
	}}
	h := NewHandler("s1", "/tmp/proj", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if h.Status() != StatusIdle {
		t.Fatalf("expected idle before push, got %s", h.Status())
	}
	if err := h.PushMessage("list files"); err != nil {
		t.Fatalf("PushMessage failed: %v", err)
	}

	<-started
	if got := h.Status(); got != StatusRunning {
		t.Errorf("expected running during turn, got %s", got)
	}
	close(release)

	waitUntil(t, "turn completion", func() bool { return h.Status() == StatusIdle })

	events := rec.snapshot()
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		if ev.SessionID != "s1" {
			t.Errorf("event %d carries wrong session id %q", i, ev.SessionID)
		}
	}
	want := []EventType{EventPushMessage, EventPushMessage, EventUpdateMessage, EventPushMessage}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("event sequence = %v, want %v", types, want)
	}

	// The update must address the same message id as the tool-use push.
	if events[1].Message.MessageID() != events[2].Message.MessageID() {
		t.Error("update_message must reference the pushed tool_use message")
	}
	toolUse := events[2].Message.(*ToolUseMessage)
	if toolUse.Name != "Bash" || len(toolUse.Output) != 1 || toolUse.Output[0].Text != "main.go" {
		t.Errorf("tool output not attached in place: %+v", toolUse)
	}

	messages := h.AllMessages()
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages (user, tool_use, assistant), got %d", len(messages))
	}
	if messages[0].MessageType() != MessageUser || messages[1].MessageType() != MessageToolUse || messages[2].MessageType() != MessageAssistant {
		t.Errorf("unexpected message log shape: %v %v %v",
			messages[0].MessageType(), messages[1].MessageType(), messages[2].MessageType())
	}
}

func TestPushMessageWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	// The retry after idle runs this func a second time; only the first turn
	// signals started, later ones pass straight through the closed release.
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		startOnce.Do(func() { close(started) })
		<-release
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if err := h.PushMessage("first"); err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	<-started

	logLen := len(h.AllMessages())
	eventCount := rec.count()

	if err := h.PushMessage("second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(h.AllMessages()) != logLen {
		t.Error("rejected push must not touch the log")
	}
	if rec.count() != eventCount {
		t.Error("rejected push must not emit events")
	}

	close(release)
	waitUntil(t, "idle", func() bool { return h.Status() == StatusIdle })

	// Not queued: the caller retries once the turn ended.
	if err := h.PushMessage("third"); err != nil {
		t.Errorf("push after idle should succeed, got %v", err)
	}
	waitUntil(t, "idle again", func() bool { return h.Status() == StatusIdle })
}

func TestApprovalFlow(t *testing.T) {
	decisions := make(chan approval.Decision, 1)
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		d, err := turn.Permit(ctx, json.RawMessage(`{"action":"delete_file"}`))
		if err != nil {
			return err
		}
		decisions <- d
		emit(agent.Output{Kind: agent.OutputAssistant, Text: "understood"})
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if err := h.PushMessage("do something risky"); err != nil {
		t.Fatalf("PushMessage failed: %v", err)
	}

	waitUntil(t, "approval prompt", func() bool { return h.Status() == StatusWaitingForApproval })

	var approvalMsg *ApprovalMessage
	for _, ev := range rec.snapshot() {
		if ev.Type == EventPushMessage {
			if m, ok := ev.Message.(*ApprovalMessage); ok {
				approvalMsg = m
			}
		}
	}
	if approvalMsg == nil {
		t.Fatal("observer never saw the approval push")
	}
	if approvalMsg.Response != nil {
		t.Error("approval must be pushed with a nil response")
	}
	if string(approvalMsg.Request) != `{"action":"delete_file"}` {
		t.Errorf("request payload must pass through opaque, got %s", approvalMsg.Request)
	}

	deny := approval.Deny("not allowed")
	if err := h.AnswerApproval(approvalMsg.ApprovalID, deny); err != nil {
		t.Fatalf("AnswerApproval failed: %v", err)
	}

	select {
	case d := <-decisions:
		if d.Behavior != approval.BehaviorDeny || d.Message != "not allowed" {
			t.Errorf("agent received wrong decision: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked permission call was never resolved")
	}

	waitUntil(t, "turn completion", func() bool { return h.Status() == StatusIdle })

	var sawUpdate bool
	for _, ev := range rec.snapshot() {
		if ev.Type == EventUpdateMessage && ev.Message.MessageID() == approvalMsg.MsgID {
			updated := ev.Message.(*ApprovalMessage)
			if updated.Response == nil || updated.Response.Behavior != approval.BehaviorDeny {
				t.Errorf("update event must carry the deny response: %+v", updated.Response)
			}
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Error("observer never saw update_message for the approval")
	}
}

func TestApprovalAllowCarriesUpdatedInput(t *testing.T) {
	decisions := make(chan approval.Decision, 1)
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		d, err := turn.Permit(ctx, json.RawMessage(`{"cmd":"rm -rf"}`))
		if err != nil {
			return err
		}
		decisions <- d
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)

	if err := h.PushMessage("go"); err != nil {
		t.Fatalf("PushMessage failed: %v", err)
	}
	waitUntil(t, "approval prompt", func() bool { return h.Status() == StatusWaitingForApproval })

	var approvalID string
	for _, m := range h.AllMessages() {
		if am, ok := m.(*ApprovalMessage); ok {
			approvalID = am.ApprovalID
		}
	}
	if approvalID == "" {
		t.Fatal("approval message missing from log")
	}

	updated := json.RawMessage(`{"cmd":"rm -i"}`)
	if err := h.AnswerApproval(approvalID, approval.Allow(updated)); err != nil {
		t.Fatalf("AnswerApproval failed: %v", err)
	}

	d := <-decisions
	if d.Behavior != approval.BehaviorAllow || string(d.UpdatedInput) != string(updated) {
		t.Errorf("parked call must resolve with exactly the answered payload, got %+v", d)
	}
}

func TestAnswerApprovalUnknownID(t *testing.T) {
	h := NewHandler("s1", "/tmp", &funcAgent{}, nil)
	err := h.AnswerApproval("nope", approval.Deny("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAnswerApprovalTwiceIsNoOp(t *testing.T) {
	decisions := make(chan approval.Decision, 1)
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		d, _ := turn.Permit(ctx, json.RawMessage(`{}`))
		decisions <- d
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if err := h.PushMessage("go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "approval prompt", func() bool { return h.Status() == StatusWaitingForApproval })

	var approvalID string
	for _, m := range h.AllMessages() {
		if am, ok := m.(*ApprovalMessage); ok {
			approvalID = am.ApprovalID
		}
	}

	if err := h.AnswerApproval(approvalID, approval.Deny("first")); err != nil {
		t.Fatalf("first answer failed: %v", err)
	}
	<-decisions
	waitUntil(t, "idle", func() bool { return h.Status() == StatusIdle })
	countAfterFirst := rec.count()

	if err := h.AnswerApproval(approvalID, approval.Allow(nil)); err != nil {
		t.Fatalf("second answer must be a silent no-op, got %v", err)
	}
	if rec.count() != countAfterFirst {
		t.Error("second answer must not emit events")
	}

	for _, m := range h.AllMessages() {
		if am, ok := m.(*ApprovalMessage); ok {
			if am.Response.Behavior != approval.BehaviorDeny || am.Response.Message != "first" {
				t.Errorf("first answer must win, got %+v", am.Response)
			}
		}
	}
}

func TestCancelReleasesParkedApproval(t *testing.T) {
	decisions := make(chan approval.Decision, 1)
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		d, err := turn.Permit(ctx, json.RawMessage(`{}`))
		if err != nil {
			return err
		}
		decisions <- d
		return ctx.Err()
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if err := h.PushMessage("go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "approval prompt", func() bool { return h.Status() == StatusWaitingForApproval })
	countBefore := rec.count()

	h.Cancel()

	select {
	case d := <-decisions:
		if d.Behavior != approval.BehaviorDeny {
			t.Errorf("cancellation must resolve the waiter with a synthetic deny, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval waiter hung after Cancel")
	}

	waitUntil(t, "idle after cancel", func() bool { return h.Status() == StatusIdle })
	if rec.count() != countBefore {
		t.Error("cancellation must not emit spurious messages")
	}

	// A late human answer after cancellation is a no-op against the turn.
	var approvalID string
	for _, m := range h.AllMessages() {
		if am, ok := m.(*ApprovalMessage); ok {
			approvalID = am.ApprovalID
		}
	}
	if err := h.AnswerApproval(approvalID, approval.Deny("late")); err != nil {
		t.Errorf("late answer must not error, got %v", err)
	}
	if rec.count() != countBefore {
		t.Error("late answer must not emit events")
	}
	for _, m := range h.AllMessages() {
		if am, ok := m.(*ApprovalMessage); ok && am.Response != nil {
			t.Errorf("late answer must stay off the record, got response %+v", am.Response)
		}
	}
}

func TestTurnFailureEmitsDebugAndRecovers(t *testing.T) {
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		return errors.New("boom")
	}}
	h := NewHandler("s1", "/tmp", ag, nil)

	if err := h.PushMessage("go"); err != nil {
		t.Fatalf("PushMessage must not surface turn errors, got %v", err)
	}
	waitUntil(t, "idle after failure", func() bool { return h.Status() == StatusIdle })

	messages := h.AllMessages()
	last := messages[len(messages)-1]
	debug, ok := last.(*DebugMessage)
	if !ok || debug.Content != "turn failed: boom" {
		t.Fatalf("failed turn must surface as a debug message, got %#v", last)
	}

	// The session survives: the next turn runs normally.
	ag.run = func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		emit(agent.Output{Kind: agent.OutputAssistant, Text: "recovered"})
		return nil
	}
	if err := h.PushMessage("again"); err != nil {
		t.Fatalf("push after failed turn: %v", err)
	}
	waitUntil(t, "recovery turn", func() bool { return h.Status() == StatusIdle })
}

func TestUnknownToolResultDegradesToDebug(t *testing.T) {
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		emit(agent.Output{Kind: agent.OutputToolResult, ToolUseID: "ghost", Fragments: []agent.Fragment{{Type: "text", Text: "orphan"}}})
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)

	if err := h.PushMessage("go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "idle", func() bool { return h.Status() == StatusIdle })

	messages := h.AllMessages()
	last := messages[len(messages)-1]
	if last.MessageType() != MessageDebug {
		t.Fatalf("unknown tool result must degrade to debug, got %s", last.MessageType())
	}
}

func TestListenEventUnsubscribe(t *testing.T) {
	h := NewHandler("s1", "/tmp", &funcAgent{}, nil)

	var first, second int
	var unsubFirst func()
	unsubFirst = h.ListenEvent(func(Event) {
		first++
		unsubFirst() // self-unsubscribe during dispatch
	})
	h.ListenEvent(func(Event) { second++ })

	h.mu.Lock()
	h.appendLocked(NewDebugMessage("one"))
	h.appendLocked(NewDebugMessage("two"))
	h.mu.Unlock()

	if first != 1 {
		t.Errorf("self-unsubscribed observer called %d times, want 1", first)
	}
	if second != 2 {
		t.Errorf("remaining observer must see every event, got %d", second)
	}

	unsubFirst()
	unsubFirst() // idempotent
}

func TestAllMessagesSnapshotDoesNotAlias(t *testing.T) {
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		emit(agent.Output{Kind: agent.OutputToolUse, ToolUseID: "t1", ToolName: "Bash", ToolInput: json.RawMessage(`{}`)})
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	if err := h.PushMessage("go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "idle", func() bool { return h.Status() == StatusIdle })

	snapshot := h.AllMessages()
	toolUse := snapshot[1].(*ToolUseMessage)
	toolUse.Name = "mutated"
	toolUse.Output = append(toolUse.Output, agent.Fragment{Type: "text", Text: "injected"})

	fresh := h.AllMessages()
	current := fresh[1].(*ToolUseMessage)
	if current.Name != "Bash" || len(current.Output) != 0 {
		t.Error("mutating a snapshot must not affect live session state")
	}
}

func TestEventStreamReconstructsLog(t *testing.T) {
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		emit(agent.Output{Kind: agent.OutputToolUse, ToolUseID: "t1", ToolName: "Read", ToolInput: json.RawMessage(`{"file":"a.go"}`)})
		emit(agent.Output{Kind: agent.OutputToolResult, ToolUseID: "t1", Fragments: []agent.Fragment{{Type: "text", Text: "package a"}}})
		emit(agent.Output{Kind: agent.OutputAssistant, Text: "read it"})
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if err := h.PushMessage("read a.go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "idle", func() bool { return h.Status() == StatusIdle })

	// Replay the event stream into a log and compare with the snapshot.
	replayed := make([]Message, 0)
	position := make(map[string]int)
	for _, ev := range rec.snapshot() {
		switch ev.Type {
		case EventPushMessage:
			position[ev.Message.MessageID()] = len(replayed)
			replayed = append(replayed, ev.Message)
		case EventUpdateMessage:
			idx, ok := position[ev.Message.MessageID()]
			if !ok {
				t.Fatalf("update_message for id never pushed: %s", ev.Message.MessageID())
			}
			replayed[idx] = ev.Message
		}
	}

	snapshot := h.AllMessages()
	if !reflect.DeepEqual(replayed, snapshot) {
		t.Errorf("event replay and snapshot disagree:\nreplay:   %#v\nsnapshot: %#v", replayed, snapshot)
	}
}

func TestMessageIDsUniqueAndUpdatesFollowPush(t *testing.T) {
	ag := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		for i := 0; i < 5; i++ {
			emit(agent.Output{Kind: agent.OutputToolUse, ToolUseID: "t", ToolName: "Bash", ToolInput: nil})
			emit(agent.Output{Kind: agent.OutputToolResult, ToolUseID: "t", Fragments: []agent.Fragment{{Type: "text", Text: "x"}}})
		}
		return nil
	}}
	h := NewHandler("s1", "/tmp", ag, nil)
	rec := &recorder{}
	h.ListenEvent(rec.observe)

	if err := h.PushMessage("go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "idle", func() bool { return h.Status() == StatusIdle })

	pushed := make(map[string]bool)
	for _, ev := range rec.snapshot() {
		switch ev.Type {
		case EventPushMessage:
			id := ev.Message.MessageID()
			if pushed[id] {
				t.Fatalf("duplicate push for message id %s", id)
			}
			pushed[id] = true
		case EventUpdateMessage:
			if !pushed[ev.Message.MessageID()] {
				t.Fatalf("update before push for message id %s", ev.Message.MessageID())
			}
		}
	}
}

func TestCloseIdleSessionIsNoOp(t *testing.T) {
	ag := &funcAgent{}
	h := NewHandler("s1", "/tmp", ag, nil)

	if err := h.Close(); err != nil {
		t.Fatalf("Close on idle session: %v", err)
	}
	if !ag.closed {
		t.Error("Close must release the bound agent")
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close must be a no-op, got %v", err)
	}
	if err := h.PushMessage("after close"); !errors.Is(err, ErrClosed) {
		t.Errorf("push after close should fail with ErrClosed, got %v", err)
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	// A parked approval in one session must not block another session.
	parked := &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		_, err := turn.Permit(ctx, json.RawMessage(`{}`))
		return err
	}}
	blocked := NewHandler("blocked", "/tmp/a", parked, nil)
	if err := blocked.PushMessage("wait"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "parked approval", func() bool { return blocked.Status() == StatusWaitingForApproval })

	free := NewHandler("free", "/tmp/b", &funcAgent{run: func(ctx context.Context, turn agent.Turn, emit func(agent.Output)) error {
		emit(agent.Output{Kind: agent.OutputAssistant, Text: "done"})
		return nil
	}}, nil)
	if err := free.PushMessage("go"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "independent turn", func() bool { return free.Status() == StatusIdle })

	if blocked.Status() != StatusWaitingForApproval {
		t.Error("parked session should still be waiting")
	}
	blocked.Cancel()
	waitUntil(t, "parked session released", func() bool { return blocked.Status() == StatusIdle })
}
