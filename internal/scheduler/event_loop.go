package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// run is C6: the single-threaded cooperative event loop (spec.md §4.6). All
// stage-graph and job mutation happens here; every other goroutine only
// ever posts an event and, for synchronous calls, waits on a reply channel.
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ResubmitTimeout)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			if sd, ok := ev.(shutdownLoop); ok {
				s.drainAllJobs("scheduler stopped")
				close(sd.done)
				return
			}
			s.dispatch(ctx, ev)
			s.submitWaitingStages(ctx)

		case <-ticker.C:
			s.dispatch(ctx, resubmitTick{})
			s.submitWaitingStages(ctx)
			s.checkStarvation(time.Now())

		case <-ctx.Done():
			s.drainAllJobs("scheduler context cancelled")
			return
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case jobSubmitted:
		e.reply <- s.handleJobSubmitted(ctx, e)
	case TaskCompletedEvent:
		s.handleTaskCompleted(ctx, e)
	case executorLost:
		s.handleExecutorLost(ctx, e)
	case executorAdded:
		s.handleExecutorAdded(ctx, e)
	case cancelJob:
		e.reply <- s.handleCancelJob(ctx, e.jobID, e.reason)
	case cancelJobGroup:
		e.reply <- s.handleCancelJobGroup(ctx, e.group, e.reason)
	case cancelStage:
		e.reply <- s.handleCancelStage(ctx, e.stageID, e.reason)
	case cancelAllJobs:
		e.reply <- s.handleCancelAllJobs(ctx, e.reason)
	case executorHeartbeat:
		e.reply <- s.handleExecutorHeartbeat(ctx, e.execID)
	case resubmitTick:
		s.resubmitFailedStages(ctx)
	default:
		s.log.Warn("unhandled scheduler event", slog.String("type", eventTypeName(ev)))
	}
}

// submitWaitingStages is called after every event (spec.md §4.6): it
// snapshots and clears the waiting set, and for each stage builds and
// dispatches its task batch if its parents are all available, or
// re-enqueues it as waiting (with its missing parents submitted first)
// otherwise.
func (s *Scheduler) submitWaitingStages(ctx context.Context) {
	for _, stage := range s.registry.snapshotWaiting() {
		s.submitStage(ctx, stage)
	}
}

func (s *Scheduler) submitStage(ctx context.Context, stage *Stage) {
	stage.mu.Lock()
	aborted := stage.aborted
	stage.mu.Unlock()
	if aborted {
		return
	}

	missing := s.analyzer.missingParentStages(stage)
	if len(missing) > 0 {
		for _, parent := range missing {
			if parent.state == stageWaiting {
				continue
			}
			s.registry.markWaiting(parent)
		}
		s.registry.markWaiting(stage)
		for _, parent := range missing {
			s.submitStage(ctx, parent)
		}
		return
	}

	stage.mu.Lock()
	alreadyPending := len(stage.pending) > 0
	stage.mu.Unlock()
	if alreadyPending {
		return
	}

	s.listenerBus.StageSubmitted(stage.ID, stage.latestAttemptID+1)
	if err := s.taskBuilder.submit(ctx, stage); err != nil {
		s.log.Error("failed to submit stage", slog.Int("stage_id", int(stage.ID)), slog.Any("error", err))
		s.abortStage(ctx, stage, err.Error())
	}
}

// checkStarvation is the starvation warning timer (spec.md §5/§6.5): a
// diagnostic only, it never mutates stage or job state. A job that has
// received no result after StarvationWarningInterval since submission gets
// one warning log line.
func (s *Scheduler) checkStarvation(now time.Time) {
	for _, job := range s.registry.activeJobs {
		job.mu.Lock()
		starved := job.NumFinished == 0 && !job.warnedStarvation && now.Sub(job.submittedAt) > s.cfg.StarvationWarningInterval
		if starved {
			job.warnedStarvation = true
		}
		id, since := job.ID, now.Sub(job.submittedAt)
		job.mu.Unlock()

		if starved {
			s.log.Warn("job has received no results yet", slog.Int("job_id", int(id)), slog.Duration("elapsed", since))
		}
	}
}

func eventTypeName(ev event) string {
	switch ev.(type) {
	case jobSubmitted:
		return "job_submitted"
	case TaskCompletedEvent:
		return "task_completed"
	case executorLost:
		return "executor_lost"
	case executorAdded:
		return "executor_added"
	case cancelJob:
		return "cancel_job"
	case cancelJobGroup:
		return "cancel_job_group"
	case cancelStage:
		return "cancel_stage"
	case cancelAllJobs:
		return "cancel_all_jobs"
	case executorHeartbeat:
		return "executor_heartbeat"
	case resubmitTick:
		return "resubmit_tick"
	default:
		return "unknown"
	}
}
