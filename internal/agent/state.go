package agent

import "sync"

// workerState is the embedded status machine. Idle-vs-busy is the only
// admission control a worker has: begin fails on a busy worker and the
// delegator queues instead.
type workerState struct {
	name string

	mu           sync.Mutex
	status       Status
	deadlineMode bool
}

func newWorkerState(name string) workerState {
	return workerState{name: name, status: StatusIdle}
}

func (w *workerState) Name() string { return w.name }

func (w *workerState) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// begin moves the worker into its working state. A worker left in error
// accepts the next task; anything mid-flight does not.
func (w *workerState) begin(initial Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusIdle && w.status != StatusError {
		return &BusyError{Worker: w.name, Status: w.status}
	}
	w.status = initial
	return nil
}

func (w *workerState) setStatus(st Status) {
	w.mu.Lock()
	w.status = st
	w.mu.Unlock()
}

// finish returns the worker to idle, or parks it in error for
// observability when the task failed hard.
func (w *workerState) finish(failed bool) {
	w.mu.Lock()
	if failed {
		w.status = StatusError
	} else {
		w.status = StatusIdle
	}
	w.mu.Unlock()
}

func (w *workerState) SetDeadlineMode(active bool) {
	w.mu.Lock()
	w.deadlineMode = active
	w.mu.Unlock()
}

func (w *workerState) DeadlineMode() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadlineMode
}
