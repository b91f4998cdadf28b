package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vessel/internal/logging"
	"vessel/internal/memory"
)

// stageTemplate is one planning stage: a single microtask anchored a
// fixed number of weeks before the due date.
type stageTemplate struct {
	name        string
	weeksBefore int
	task        string
}

// The four stage templates every deadline plan is cut from, one
// microtask per stage so progress moves in even quarters. Week offsets
// count backward from the due date and are clipped to >=1 when the
// deadline is closer than the template assumes.
var planStages = []stageTemplate{
	{name: "planning", weeksBefore: 8, task: "Clarify scope and draft a work breakdown for %s"},
	{name: "building", weeksBefore: 5, task: "Produce the first complete draft of %s"},
	{name: "refining", weeksBefore: 2, task: "Review, collect feedback, and revise %s"},
	{name: "finalizing", weeksBefore: 1, task: "Final polish and submit %s"},
}

// Reporter decomposes deadlines into ordered microtask plans.
type Reporter struct {
	workerState
	store *memory.Store
}

// NewReporter creates a reporter backed by the given store.
func NewReporter(store *memory.Store) *Reporter {
	return &Reporter{workerState: newWorkerState("reporter"), store: store}
}

// Execute plans the deadline named in Params["deadline_id"] and persists
// the resulting microtasks.
func (r *Reporter) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := r.begin(StatusThinking); err != nil {
		return nil, err
	}
	start := time.Now()

	id := task.Params["deadline_id"]
	d, err := r.store.GetDeadline(id)
	if err != nil {
		r.finish(true)
		return &Result{Success: false, Err: err.Error(), Duration: time.Since(start)}, nil
	}

	plan := PlanDeadline(d, time.Now())
	if _, err := r.store.SetDeadlinePlan(d.ID, plan, nil); err != nil {
		r.finish(true)
		return &Result{Success: false, Err: err.Error(), Duration: time.Since(start)}, nil
	}

	weeks := d.WeeksOut(time.Now())
	phase := memory.ComputePhase(weeks)
	logging.Workers("reporter: planned %q, %d microtasks, phase=%s", d.Title, len(plan), phase)
	r.finish(false)
	return &Result{
		Success: true,
		Output: fmt.Sprintf("Planned %q: %d microtasks across %d weeks (phase %s, cadence %s).",
			d.Title, len(plan), weeks, phase, memory.CadenceForPhase(phase)),
		Duration: time.Since(start),
	}, nil
}

// PlanDeadline generates the ordered microtask list for a deadline. Each
// stage's due week is the stage offset before the due date, clipped to
// week 1 at minimum so near deadlines still get a full plan.
func PlanDeadline(d memory.Deadline, now time.Time) []memory.Microtask {
	weeksOut := d.WeeksOut(now)
	subject := d.Title

	var tasks []memory.Microtask
	for _, stage := range planStages {
		week := weeksOut - stage.weeksBefore
		if week < 1 {
			week = 1
		}
		title := stage.task
		if strings.Contains(stage.task, "%s") {
			title = fmt.Sprintf(stage.task, subject)
		}
		tasks = append(tasks, memory.Microtask{
			ID:              uuid.NewString(),
			Title:           title,
			EstimateMinutes: 60,
			Assignee:        memory.AssigneeUser,
			Status:          memory.MicrotaskPending,
			DueWeek:         week,
			ContributesTo:   stage.name,
		})
	}
	return tasks
}
