package scheduler

import (
	"context"
	"fmt"
	"log/slog"
)

// handleTaskCompleted is C7 (spec.md §4.7): dispatches a task outcome to
// the branch matching its variant and kind, mutating stage/job state and
// notifying the listener bus. Always runs on the event-loop thread.
func (s *Scheduler) handleTaskCompleted(ctx context.Context, e TaskCompletedEvent) {
	stage, ok := s.registry.byID[e.Task.StageID]
	if !ok {
		return // stage was cleaned up already (job group cancelled, etc.)
	}

	stage.mu.Lock()
	delete(stage.pending, e.Task.Key())
	attemptStale := e.Task.AttemptID != stage.latestAttemptID
	stage.mu.Unlock()

	s.listenerBus.TaskEnd(e.Task.StageID, e.Task.AttemptID, e.Task.Partition, outcomeLabel(e.Outcome))

	if attemptStale {
		// A late message from a superseded attempt: ignore unconditionally,
		// fetch-failed included (spec.md §4.7 FetchFailed step 1 has no
		// exception for it).
		return
	}

	switch e.Outcome {
	case OutcomeSuccess:
		if e.Task.Variant == ShuffleMapTaskVariant && e.Task.Epoch < s.mot.CurrentEpoch() {
			// The executor that ran this task was marked lost after
			// dispatch; its map output is stale and must not resurrect a
			// partition the epoch bump already invalidated (spec.md §8
			// property 7).
			return
		}
		s.onTaskSuccess(ctx, stage, e)
	case OutcomeResubmitted:
		// nothing further: the partition will be rebuilt into the next
		// missing-partitions scan (spec.md §4.7 "Resubmitted").
	case OutcomeFetchFailed:
		s.onFetchFailed(ctx, stage, e)
	case OutcomeOtherFailure:
		s.onOtherFailure(ctx, stage, e)
	}
}

func (s *Scheduler) onTaskSuccess(ctx context.Context, stage *Stage, e TaskCompletedEvent) {
	if stage.isShuffleMap() {
		stage.mu.Lock()
		if len(stage.OutputLocs[e.Task.Partition]) == 0 {
			stage.NumAvailableOutputs++
		}
		stage.OutputLocs[e.Task.Partition] = []MapStatus{e.MapStatus}
		available := stage.isAvailable()
		stage.mu.Unlock()

		s.mot.RegisterMapOutputs(stage.ShuffleID, stage.OutputLocs[e.Task.Partition], false)
		s.cache.invalidate()

		if available {
			s.registry.markFinished(stage)
			s.listenerBus.StageCompleted(stage.ID, stage.latestAttemptID, false)
		}
		return
	}

	jobID, ok := s.registry.activeJobFor(stage)
	if !ok {
		return
	}
	job, ok := s.registry.activeJobs[jobID]
	if !ok {
		return
	}

	job.mu.Lock()
	if e.Task.OutputIndex >= len(job.Finished) || job.Finished[e.Task.OutputIndex] {
		job.mu.Unlock()
		return
	}
	job.Finished[e.Task.OutputIndex] = true
	job.NumFinished++
	handler := job.ResultHandler
	done := job.allFinished()
	waiter := job.waiter
	job.mu.Unlock()

	if handler != nil {
		if err := handler(e.Task.OutputIndex, e.Result); err != nil {
			s.log.Error("job result handler failed", slog.Int("job_id", int(jobID)), slog.Any("error", err))
		}
	}

	if done {
		s.registry.markFinished(stage)
		s.listenerBus.StageCompleted(stage.ID, stage.latestAttemptID, false)
		s.listenerBus.JobEnd(jobID, false, "")
		if waiter != nil {
			waiter.jobSucceeded()
		}
		s.registry.cleanupForCompletedJob(jobID)
		s.cache.invalidate()
	}
}

// onFetchFailed is spec.md §4.7's "FetchFailed" branch: the stage that
// produced the missing shuffle output is marked unavailable for that map
// id, both it and the dependent stage are queued for debounced
// resubmission, and any executor/block-manager address implicated in the
// failure is unregistered from the map output tracker.
func (s *Scheduler) onFetchFailed(ctx context.Context, stage *Stage, e TaskCompletedEvent) {
	reason := fmt.Sprintf("fetch failed: shuffle %d map %d: %s", e.FetchFailedShuffleID, e.FetchFailedMapID, e.Reason)

	if mapStage, ok := s.registry.byShuffleID[e.FetchFailedShuffleID]; ok {
		mapStage.mu.Lock()
		if e.FetchFailedMapID >= 0 && e.FetchFailedMapID < len(mapStage.OutputLocs) && len(mapStage.OutputLocs[e.FetchFailedMapID]) > 0 {
			mapStage.OutputLocs[e.FetchFailedMapID] = nil
			mapStage.NumAvailableOutputs--
		}
		mapStage.mu.Unlock()
		s.mot.UnregisterMapOutput(e.FetchFailedShuffleID, e.FetchFailedMapID, e.FetchFailedBMAddr)
		if s.cfg.DisallowStageRetryForTest {
			s.abortStage(ctx, mapStage, reason)
		} else {
			s.registry.markFailed(mapStage)
		}
	}

	// spec.md §4.7 step 7: disallow_stage_retry_for_test short-circuits the
	// normal failed_stages/resubmit path into an outright abort, for
	// fault-injection tests that need a deterministic terminal failure
	// instead of a retry loop.
	if s.cfg.DisallowStageRetryForTest {
		s.abortStage(ctx, stage, reason)
	} else {
		s.registry.markFailed(stage)
	}
	s.cache.invalidate()
	s.log.Warn("fetch failed, queued for resubmission",
		slog.Int("stage_id", int(stage.ID)), slog.Int64("shuffle_id", int64(e.FetchFailedShuffleID)))

	if e.FetchFailedBMAddr.ExecutorID != "" {
		// spec.md §4.7 step 6: a fetch failure naming an executor implies
		// that executor is lost, regardless of whether a separate liveness
		// report ever arrives.
		s.handleExecutorLost(ctx, executorLost{
			execID:      e.FetchFailedBMAddr.ExecutorID,
			epoch:       e.Task.Epoch,
			fetchFailed: true,
		})
	}
}

func (s *Scheduler) onOtherFailure(ctx context.Context, stage *Stage, e TaskCompletedEvent) {
	s.log.Warn("task failed", slog.Int("stage_id", int(stage.ID)), slog.Int("partition", e.Task.Partition), slog.String("reason", e.Reason))
	s.registry.markFailed(stage)
}

func outcomeLabel(k TaskOutcome) string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeResubmitted:
		return "resubmitted"
	case OutcomeFetchFailed:
		return "fetch_failed"
	default:
		return "failure"
	}
}
