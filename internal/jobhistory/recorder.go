package jobhistory

import (
	"log/slog"
	"time"

	"github.com/swarmguard/dagsched/internal/scheduler"
)

// Recorder decorates a scheduler.ListenerBus, appending a Record to the
// store on every JobEnd while forwarding all six callbacks unchanged. It
// never blocks or returns an error back into the event loop (§7 "listener
// errors are logged, never surfaced").
type Recorder struct {
	next  scheduler.ListenerBus
	store *Store
	log   *slog.Logger

	mu      chan struct{} // 1-buffered mutex
	started map[scheduler.JobID]time.Time
}

func NewRecorder(next scheduler.ListenerBus, store *Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		next:    next,
		store:   store,
		log:     log,
		mu:      make(chan struct{}, 1),
		started: make(map[scheduler.JobID]time.Time),
	}
	r.mu <- struct{}{}
	return r
}

func (r *Recorder) lock()   { <-r.mu }
func (r *Recorder) unlock() { r.mu <- struct{}{} }

func (r *Recorder) JobStart(jobID scheduler.JobID, properties map[string]string) {
	r.lock()
	r.started[jobID] = time.Now()
	r.unlock()
	r.next.JobStart(jobID, properties)
}

func (r *Recorder) JobEnd(jobID scheduler.JobID, failed bool, reason string) {
	r.lock()
	startedAt, ok := r.started[jobID]
	delete(r.started, jobID)
	r.unlock()
	if !ok {
		startedAt = time.Now()
	}

	finishedAt := time.Now()
	rec := Record{
		JobID:       jobID,
		Failed:      failed,
		Reason:      reason,
		SubmittedAt: startedAt,
		FinishedAt:  finishedAt,
		DurationMS:  finishedAt.Sub(startedAt).Milliseconds(),
	}
	if err := r.store.Put(rec); err != nil {
		r.log.Warn("job history write failed", slog.Int("job_id", int(jobID)), slog.Any("error", err))
	}

	r.next.JobEnd(jobID, failed, reason)
}

func (r *Recorder) StageSubmitted(stageID scheduler.StageID, attemptID int) {
	r.next.StageSubmitted(stageID, attemptID)
}

func (r *Recorder) StageCompleted(stageID scheduler.StageID, attemptID int, failed bool) {
	r.next.StageCompleted(stageID, attemptID, failed)
}

func (r *Recorder) TaskStart(stageID scheduler.StageID, attemptID, partition int) {
	r.next.TaskStart(stageID, attemptID, partition)
}

func (r *Recorder) TaskEnd(stageID scheduler.StageID, attemptID, partition int, outcome string) {
	r.next.TaskEnd(stageID, attemptID, partition, outcome)
}
