package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vessel/internal/llm"
	"vessel/internal/logging"
	"vessel/internal/memory"
)

// TurnFunc drives one conversational turn against the model, tool use
// included. The orchestrator installs its tool loop here so the
// companion owns the conversation without owning the tool plumbing.
type TurnFunc func(ctx context.Context, systemPrompt, input string) (string, error)

// Companion is the primary worker. It converses with the user directly,
// owns the specialist pool, and delegates typed tasks. A busy specialist
// never loses a task: the companion queues it and drains the queue after
// the specialist's current task finishes.
type Companion struct {
	workerState

	client llm.Client
	store  *memory.Store
	turn   TurnFunc

	mu     sync.Mutex
	pool   map[string]Worker
	queues map[string][]Task

	// deadlineActivations counts overlapping due dates so that one
	// deadline resolving does not switch the mode off while another is
	// still imminent.
	deadlineActivations int
}

// NewCompanion creates the primary worker.
func NewCompanion(client llm.Client, store *memory.Store) *Companion {
	return &Companion{
		workerState: newWorkerState("companion"),
		client:      client,
		store:       store,
		pool:        make(map[string]Worker),
		queues:      make(map[string][]Task),
	}
}

// SetTurnDriver installs fn as the conversational turn driver. Without
// one, Execute falls back to a plain completion.
func (c *Companion) SetTurnDriver(fn TurnFunc) { c.turn = fn }

// Register adds a specialist to the pool. A worker already in deadline
// mode is broadcast the current state on entry.
func (c *Companion) Register(w Worker) {
	c.mu.Lock()
	c.pool[w.Name()] = w
	active := c.deadlineActivations > 0
	c.mu.Unlock()
	if active {
		w.SetDeadlineMode(true)
	}
}

// Workers returns the registered specialist names.
func (c *Companion) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.pool))
	for name := range c.pool {
		names = append(names, name)
	}
	return names
}

// Delegate hands a task to a named specialist. A busy specialist gets
// the task queued FIFO; the queued task runs when the specialist next
// drains. The returned Result for a queued task reports the queue
// position so the caller can relay it.
func (c *Companion) Delegate(ctx context.Context, worker string, task Task) (*Result, error) {
	c.mu.Lock()
	w, ok := c.pool[worker]
	c.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{Worker: worker}
	}

	if task.DelegatedBy == "" {
		task.DelegatedBy = c.name
	}
	task = c.applyPriorityFloor(task)

	res, err := w.Execute(ctx, task)
	var busy *BusyError
	if errors.As(err, &busy) {
		pos := c.enqueue(worker, task)
		logging.Workers("companion: %s busy (%s), queued task %s at position %d", worker, busy.Status, task.ID, pos)
		return &Result{
			Success: true,
			Output:  fmt.Sprintf("%s is %s; task queued (position %d)", worker, busy.Status, pos),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	c.drain(ctx, worker, w)
	return res, nil
}

// enqueue appends for a busy worker and returns the 1-based position.
func (c *Companion) enqueue(worker string, task Task) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[worker] = append(c.queues[worker], task)
	return len(c.queues[worker])
}

// QueuedFor reports how many tasks wait for a specialist.
func (c *Companion) QueuedFor(worker string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[worker])
}

// drain runs queued tasks for a now-idle worker, in arrival order,
// stopping at the first busy rejection or context cancellation.
func (c *Companion) drain(ctx context.Context, worker string, w Worker) {
	for {
		c.mu.Lock()
		q := c.queues[worker]
		if len(q) == 0 {
			c.mu.Unlock()
			return
		}
		next := q[0]
		c.queues[worker] = q[1:]
		c.mu.Unlock()

		if ctx.Err() != nil {
			// Put it back; a later delegation drains again.
			c.mu.Lock()
			c.queues[worker] = append([]Task{next}, c.queues[worker]...)
			c.mu.Unlock()
			return
		}

		res, err := w.Execute(ctx, next)
		var busy *BusyError
		if errors.As(err, &busy) {
			c.mu.Lock()
			c.queues[worker] = append([]Task{next}, c.queues[worker]...)
			c.mu.Unlock()
			return
		}
		if err != nil {
			logging.Workers("companion: queued task %s on %s failed: %v", next.ID, worker, err)
			continue
		}
		logging.Workers("companion: drained task %s on %s (success=%t)", next.ID, worker, res.Success)
	}
}

// EnterDeadlineMode broadcasts deadline mode to the pool. Calls nest:
// each entered deadline must be matched by one ExitDeadlineMode before
// the mode clears.
func (c *Companion) EnterDeadlineMode() {
	c.mu.Lock()
	c.deadlineActivations++
	first := c.deadlineActivations == 1
	workers := c.snapshotPool()
	c.mu.Unlock()

	if first {
		c.SetDeadlineMode(true)
		for _, w := range workers {
			w.SetDeadlineMode(true)
		}
		logging.Workers("companion: deadline mode ON")
	}
}

// ExitDeadlineMode releases one activation; the broadcast clears only
// when no activation remains.
func (c *Companion) ExitDeadlineMode() {
	c.mu.Lock()
	if c.deadlineActivations > 0 {
		c.deadlineActivations--
	}
	last := c.deadlineActivations == 0
	workers := c.snapshotPool()
	c.mu.Unlock()

	if last {
		c.SetDeadlineMode(false)
		for _, w := range workers {
			w.SetDeadlineMode(false)
		}
		logging.Workers("companion: deadline mode OFF")
	}
}

func (c *Companion) snapshotPool() []Worker {
	workers := make([]Worker, 0, len(c.pool))
	for _, w := range c.pool {
		workers = append(workers, w)
	}
	return workers
}

// applyPriorityFloor raises task priority to critical while deadline
// mode is active.
func (c *Companion) applyPriorityFloor(task Task) Task {
	c.mu.Lock()
	active := c.deadlineActivations > 0
	c.mu.Unlock()
	if active && task.Priority < PriorityCritical {
		task.Priority = PriorityCritical
	}
	return task
}

// ReminderCadence returns how often the user should be nudged, keyed to
// the most urgent active deadline. With no active deadlines the weekly
// baseline applies.
func (c *Companion) ReminderCadence(now time.Time) memory.ReminderCadence {
	best := memory.PhasePlanning
	found := false
	for _, d := range c.store.Deadlines() {
		if d.Status != memory.DeadlineActive {
			continue
		}
		p := d.Phase(now)
		if !found || phaseRank(p) > phaseRank(best) {
			best = p
			found = true
		}
	}
	if !found {
		return memory.CadenceWeekly
	}
	return memory.CadenceForPhase(best)
}

func phaseRank(p memory.Phase) int {
	switch p {
	case memory.PhasePlanning:
		return 0
	case memory.PhaseBuilding:
		return 1
	case memory.PhaseAccelerating:
		return 2
	case memory.PhaseFocusing:
		return 3
	default:
		return 4
	}
}

// Execute handles a conversational turn directly: the companion is the
// default target when no specialist matches.
func (c *Companion) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := c.begin(StatusThinking); err != nil {
		return nil, err
	}
	start := time.Now()

	prompt := c.systemPrompt(start)
	var reply string
	var err error
	if c.turn != nil {
		reply, err = c.turn(ctx, prompt, task.Input)
	} else {
		reply, err = c.client.Complete(ctx, prompt, task.Input)
	}
	if err != nil {
		c.finish(true)
		return &Result{Success: false, Err: err.Error(), Duration: time.Since(start)}, nil
	}

	c.finish(false)
	return &Result{Success: true, Output: reply, Duration: time.Since(start)}, nil
}

// systemPrompt grounds the conversation in who the user is and what is
// coming up.
func (c *Companion) systemPrompt(now time.Time) string {
	var b strings.Builder
	b.WriteString("You are a supportive personal companion. Be warm, concise, and practical.\n")
	b.WriteString("Use tools for shell work, file edits, and recording contacts, deadlines, journal entries and assessments.\n")

	profile := c.store.UserProfile()
	if profile.Name != "" {
		fmt.Fprintf(&b, "The user's name is %s", profile.Name)
		if profile.Timezone != "" {
			fmt.Fprintf(&b, " (%s)", profile.Timezone)
		}
		b.WriteString(".\n")
	}

	upcoming := c.store.UpcomingDeadlines(now, 28*24*time.Hour)
	if len(upcoming) > 0 {
		b.WriteString("Upcoming deadlines:\n")
		for _, d := range upcoming {
			fmt.Fprintf(&b, "- %s, due %s (%d%% done)\n", d.Title, d.DueDate.Format("2006-01-02"), d.ProgressPercent())
		}
		fmt.Fprintf(&b, "Reminder cadence: %s.\n", c.ReminderCadence(now))
	}
	if facts := c.store.Conversation().KeyFacts; len(facts) > 0 {
		b.WriteString("Key facts about the user:\n")
		start := 0
		if len(facts) > 10 {
			start = len(facts) - 10
		}
		for _, f := range facts[start:] {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if c.DeadlineMode() {
		b.WriteString("Deadline mode is active: keep the user focused on the due work.\n")
	}
	return b.String()
}

var _ Worker = (*Companion)(nil)
var _ Worker = (*Coder)(nil)
var _ Worker = (*Researcher)(nil)
var _ Worker = (*Reporter)(nil)
