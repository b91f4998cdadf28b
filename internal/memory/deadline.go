package memory

import (
	"math"
	"time"
)

// Phase is the coarse urgency bucket of a deadline, derived purely from
// weeks remaining.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseBuilding     Phase = "building"
	PhaseAccelerating Phase = "accelerating"
	PhaseFocusing     Phase = "focusing"
	PhaseTaskforce    Phase = "taskforce"
)

// ComputePhase buckets weeks-out at the 10/6/3/1 thresholds. Ten weeks
// out is still planning; crossing below a threshold moves to the next
// phase.
func ComputePhase(weeksOut int) Phase {
	switch {
	case weeksOut >= 10:
		return PhasePlanning
	case weeksOut >= 6:
		return PhaseBuilding
	case weeksOut >= 3:
		return PhaseAccelerating
	case weeksOut >= 1:
		return PhaseFocusing
	default:
		return PhaseTaskforce
	}
}

// ReminderCadence is how often the agent nudges during a phase.
type ReminderCadence string

const (
	CadenceWeekly      ReminderCadence = "weekly"
	CadenceTwiceWeekly ReminderCadence = "twice-weekly"
	CadenceDaily       ReminderCadence = "daily"
	CadenceTwiceDaily  ReminderCadence = "twice-daily"
	CadenceContinuous  ReminderCadence = "continuous"
)

// CadenceForPhase maps urgency to reminder frequency.
func CadenceForPhase(p Phase) ReminderCadence {
	switch p {
	case PhasePlanning:
		return CadenceWeekly
	case PhaseBuilding:
		return CadenceTwiceWeekly
	case PhaseAccelerating:
		return CadenceDaily
	case PhaseFocusing:
		return CadenceTwiceDaily
	default:
		return CadenceContinuous
	}
}

// WeeksOut returns whole weeks remaining until the due date, rounded up
// so a deadline six days away still counts as one week out.
func (d *Deadline) WeeksOut(now time.Time) int {
	remaining := d.DueDate.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / (24 * 7)))
}

// Phase returns the current urgency bucket.
func (d *Deadline) Phase(now time.Time) Phase {
	return ComputePhase(d.WeeksOut(now))
}

// CompletedMicrotasks counts done microtasks. Always derived.
func (d *Deadline) CompletedMicrotasks() int {
	n := 0
	for _, mt := range d.Microtasks {
		if mt.Status == MicrotaskDone {
			n++
		}
	}
	return n
}

// ProgressPercent is completed/total, 0 when there is no plan yet.
func (d *Deadline) ProgressPercent() int {
	if len(d.Microtasks) == 0 {
		return 0
	}
	return d.CompletedMicrotasks() * 100 / len(d.Microtasks)
}

// recomputeStatus keeps status consistent with progress: a fully
// completed plan marks the deadline done, anything less reverts an
// erroneous done back to active.
func (d *Deadline) recomputeStatus() {
	if len(d.Microtasks) > 0 && d.CompletedMicrotasks() == len(d.Microtasks) {
		d.Status = DeadlineDone
	} else if d.Status == DeadlineDone {
		d.Status = DeadlineActive
	}
}
