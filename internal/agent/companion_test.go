package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"vessel/internal/llm"
	"vessel/internal/memory"
)

// fakeWorker records delegated tasks and can be pinned busy.
type fakeWorker struct {
	name string

	mu           sync.Mutex
	busy         bool
	deadlineMode bool
	executed     []Task
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return StatusExecuting
	}
	return StatusIdle
}

func (f *fakeWorker) Execute(ctx context.Context, task Task) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, &BusyError{Worker: f.name, Status: StatusExecuting}
	}
	f.executed = append(f.executed, task)
	return &Result{Success: true, Output: "done: " + task.Input}, nil
}

func (f *fakeWorker) SetDeadlineMode(active bool) {
	f.mu.Lock()
	f.deadlineMode = active
	f.mu.Unlock()
}

func (f *fakeWorker) inDeadlineMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadlineMode
}

func (f *fakeWorker) setBusy(b bool) {
	f.mu.Lock()
	f.busy = b
	f.mu.Unlock()
}

// fakeLLM answers every prompt with a canned reply and records the last
// system prompt it saw.
type fakeLLM struct {
	reply      string
	lastSystem string
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.lastSystem = systemPrompt
	return f.reply, nil
}

func (f *fakeLLM) Converse(ctx context.Context, systemPrompt string, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	f.lastSystem = systemPrompt
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: f.reply}},
		StopReason: llm.StopEndTurn,
	}, nil
}

func newTestCompanion(t *testing.T) (*Companion, *fakeLLM, *memory.Store) {
	t.Helper()
	store := newTestStore(t)
	client := &fakeLLM{reply: "of course"}
	return NewCompanion(client, store), client, store
}

func TestDelegateRoutesToWorker(t *testing.T) {
	c, _, _ := newTestCompanion(t)
	w := &fakeWorker{name: "coder"}
	c.Register(w)

	res, err := c.Delegate(context.Background(), "coder", Task{ID: "t1", Input: "ls"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if !res.Success || res.Output != "done: ls" {
		t.Errorf("result = %+v", res)
	}
	if len(w.executed) != 1 {
		t.Fatalf("executed %d tasks", len(w.executed))
	}
	if w.executed[0].DelegatedBy != "companion" {
		t.Errorf("provenance = %q", w.executed[0].DelegatedBy)
	}
}

func TestDelegateUnknownWorker(t *testing.T) {
	c, _, _ := newTestCompanion(t)

	_, err := c.Delegate(context.Background(), "ghost", Task{})
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDelegateQueuesForBusyWorker(t *testing.T) {
	c, _, _ := newTestCompanion(t)
	w := &fakeWorker{name: "coder", busy: true}
	c.Register(w)

	res, err := c.Delegate(context.Background(), "coder", Task{ID: "t1", Input: "first"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if !strings.Contains(res.Output, "queued") {
		t.Errorf("output = %q", res.Output)
	}
	if got := c.QueuedFor("coder"); got != 1 {
		t.Fatalf("queue depth = %d", got)
	}

	// The worker frees up; the next delegation drains the queue after
	// its own task.
	w.setBusy(false)
	if _, err := c.Delegate(context.Background(), "coder", Task{ID: "t2", Input: "second"}); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if got := c.QueuedFor("coder"); got != 0 {
		t.Errorf("queue depth after drain = %d", got)
	}
	if len(w.executed) != 2 {
		t.Fatalf("executed %d tasks, want 2", len(w.executed))
	}
	if w.executed[0].ID != "t2" || w.executed[1].ID != "t1" {
		t.Errorf("order = %s, %s", w.executed[0].ID, w.executed[1].ID)
	}
}

func TestDeadlineModeBroadcastAndNesting(t *testing.T) {
	c, _, _ := newTestCompanion(t)
	w1 := &fakeWorker{name: "coder"}
	w2 := &fakeWorker{name: "researcher"}
	c.Register(w1)
	c.Register(w2)

	c.EnterDeadlineMode()
	if !w1.inDeadlineMode() || !w2.inDeadlineMode() {
		t.Fatal("broadcast did not reach pool")
	}
	if !c.DeadlineMode() {
		t.Fatal("companion itself not in deadline mode")
	}

	// A second overlapping deadline; one resolving must not clear the
	// mode.
	c.EnterDeadlineMode()
	c.ExitDeadlineMode()
	if !w1.inDeadlineMode() {
		t.Fatal("mode cleared while an activation remained")
	}

	c.ExitDeadlineMode()
	if w1.inDeadlineMode() || w2.inDeadlineMode() || c.DeadlineMode() {
		t.Error("mode still active after last exit")
	}
}

func TestRegisterDuringDeadlineMode(t *testing.T) {
	c, _, _ := newTestCompanion(t)
	c.EnterDeadlineMode()

	w := &fakeWorker{name: "late"}
	c.Register(w)
	if !w.inDeadlineMode() {
		t.Error("late registrant missed the active broadcast")
	}
}

func TestPriorityFloorWhileDeadlineMode(t *testing.T) {
	c, _, _ := newTestCompanion(t)
	w := &fakeWorker{name: "coder"}
	c.Register(w)

	c.EnterDeadlineMode()
	if _, err := c.Delegate(context.Background(), "coder", Task{ID: "t1", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	if w.executed[0].Priority != PriorityCritical {
		t.Errorf("priority = %s, want critical", w.executed[0].Priority)
	}

	c.ExitDeadlineMode()
	if _, err := c.Delegate(context.Background(), "coder", Task{ID: "t2", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	if w.executed[1].Priority != PriorityNormal {
		t.Errorf("priority after exit = %s", w.executed[1].Priority)
	}
}

func TestReminderCadenceTracksNearestDeadline(t *testing.T) {
	c, _, store := newTestCompanion(t)
	now := time.Now()

	if got := c.ReminderCadence(now); got != memory.CadenceWeekly {
		t.Errorf("baseline cadence = %s", got)
	}

	if _, err := store.AddDeadline("far", "", now.Add(12*7*24*time.Hour), "normal", nil); err != nil {
		t.Fatal(err)
	}
	if got := c.ReminderCadence(now); got != memory.CadenceWeekly {
		t.Errorf("planning cadence = %s", got)
	}

	if _, err := store.AddDeadline("near", "", now.Add(10*24*time.Hour), "high", nil); err != nil {
		t.Fatal(err)
	}
	if got := c.ReminderCadence(now); got != memory.CadenceTwiceDaily {
		t.Errorf("focusing cadence = %s", got)
	}
}

func TestCompanionConversationalTurn(t *testing.T) {
	c, client, store := newTestCompanion(t)
	store.SetUserProfile(memory.UserProfile{Name: "Sam"})
	if _, err := store.AddDeadline("demo", "", time.Now().Add(5*24*time.Hour), "high", nil); err != nil {
		t.Fatal(err)
	}

	res, err := c.Execute(context.Background(), Task{Input: "how should I prepare?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "of course" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(client.lastSystem, "Sam") {
		t.Error("system prompt missing user name")
	}
	if !strings.Contains(client.lastSystem, "demo") {
		t.Error("system prompt missing upcoming deadline")
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s", c.Status())
	}
}

func TestCompanionUsesTurnDriver(t *testing.T) {
	c, client, store := newTestCompanion(t)
	store.SetUserProfile(memory.UserProfile{Name: "Sam"})

	var gotSystem, gotInput string
	c.SetTurnDriver(func(ctx context.Context, system, input string) (string, error) {
		gotSystem, gotInput = system, input
		return "driven reply", nil
	})

	res, err := c.Execute(context.Background(), Task{Input: "how's my week looking?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "driven reply" {
		t.Errorf("result = %+v", res)
	}
	if gotInput != "how's my week looking?" {
		t.Errorf("input = %q", gotInput)
	}
	if !strings.Contains(gotSystem, "Sam") {
		t.Error("driver did not receive the companion's prompt")
	}
	// The plain completion path is bypassed entirely.
	if client.lastSystem != "" {
		t.Error("fallback client called despite an installed driver")
	}
}
