package scheduler

import "sync"

// JobWaiter implements C9: the blocking handle returned to a caller of
// run_job, observing first-failure-wins semantics (spec.md §4.9) — the
// first task or job failure posted wins and unblocks await(); any later
// ones are dropped.
type JobWaiter struct {
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	jobID    JobID
	failed   bool
	failMsg  string
}

func newJobWaiter(jobID JobID) *JobWaiter {
	return &JobWaiter{done: make(chan struct{}), jobID: jobID}
}

// await blocks until the job finishes (succeeds or fails), returning the
// failure reason if it failed.
func (w *JobWaiter) await() (failed bool, reason string) {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed, w.failMsg
}

// jobSucceeded is called once, when the job's last partition finishes
// (spec.md §4.9).
func (w *JobWaiter) jobSucceeded() {
	w.finish(false, "")
}

// jobFailed is called on the job's first failure; later calls are no-ops
// (spec.md §4.9 "first-failure-wins").
func (w *JobWaiter) jobFailed(reason string) {
	w.finish(true, reason)
}

func (w *JobWaiter) finish(failed bool, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.failed = failed
	w.failMsg = reason
	close(w.done)
}
