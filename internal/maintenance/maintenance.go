// Package maintenance runs the periodic housekeeping SPEC_FULL.md assigns
// outside the event loop: executor-epoch garbage collection and job-history
// retention, grounded in the teacher's cron-driven workflow scheduler. It
// never touches stage-graph state directly — GC only reports executor loss
// through the scheduler's ordinary ReportExecutorLost/ReportExecutorAdded
// event path, the same one any heartbeat-driven caller would use.
package maintenance

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/dagsched/internal/jobhistory"
)

// LossReporter is the subset of *scheduler.Scheduler the sweep needs.
type LossReporter interface {
	ReportExecutorLost(execID string, epoch int64)
}

// Runner drives the cron schedule. StaleAfter bounds how long an executor
// may go without a heartbeat before it's treated as lost; HistoryRetention
// bounds how long a completed job's record survives in the history store.
type Runner struct {
	cron    *cron.Cron
	log     *slog.Logger
	epoch   func() int64
	sched   LossReporter
	stale   func(maxAge time.Duration) []string
	remove  func(execID string) error
	history *jobhistory.Store

	staleAfter       time.Duration
	historyRetention time.Duration
}

// New builds a Runner. currentEpoch reports the scheduler's current map
// output epoch, used to tag the synthetic executor-lost events the sweep
// generates.
func New(log *slog.Logger, sched LossReporter, currentEpoch func() int64,
	staleExecutors func(maxAge time.Duration) []string, removeExecutor func(execID string) error,
	history *jobhistory.Store, staleAfter, historyRetention time.Duration) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cron:             cron.New(),
		log:              log,
		epoch:            currentEpoch,
		sched:            sched,
		stale:            staleExecutors,
		remove:           removeExecutor,
		history:          history,
		staleAfter:       staleAfter,
		historyRetention: historyRetention,
	}
}

// Start schedules the stale-executor sweep every minute and the history
// sweep every hour, and starts the cron goroutine. It returns the entry ids in case a caller wants to remove
// them individually.
func (r *Runner) Start() (epochGC, historyGC cron.EntryID, err error) {
	epochGC, err = r.cron.AddFunc("@every 1m", r.sweepExecutors)
	if err != nil {
		return 0, 0, err
	}
	historyGC, err = r.cron.AddFunc("@every 1h", r.sweepHistory)
	if err != nil {
		return 0, 0, err
	}
	r.cron.Start()
	return epochGC, historyGC, nil
}

// Stop halts the cron scheduler and waits, without a time limit, for any
// in-flight sweep to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) sweepExecutors() {
	ids := r.stale(r.staleAfter)
	if len(ids) == 0 {
		return
	}
	epoch := r.epoch()
	for _, id := range ids {
		r.sched.ReportExecutorLost(id, epoch)
		if err := r.remove(id); err != nil {
			r.log.Warn("maintenance: remove stale executor failed", slog.String("executor_id", id), slog.Any("error", err))
			continue
		}
		r.log.Info("maintenance: dropped stale executor", slog.String("executor_id", id))
	}
}

func (r *Runner) sweepHistory() {
	if r.history == nil {
		return
	}
	cutoff := time.Now().Add(-r.historyRetention)
	n, err := r.history.Sweep(cutoff)
	if err != nil {
		r.log.Warn("maintenance: job history sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		r.log.Info("maintenance: job history sweep removed records", slog.Int("count", n))
	}
}
