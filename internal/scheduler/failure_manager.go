package scheduler

import (
	"context"
	"log/slog"
)

// handleExecutorLost is C8's handle_executor_lost (spec.md §4.8): bumps the
// map-output tracker's epoch, then — only if the block manager reports the
// executor does not host external shuffle, or the loss was reported via a
// fetch failure — invalidates every shuffle-map output that was sitting on
// it and queues the affected stages for debounced resubmission.
func (s *Scheduler) handleExecutorLost(ctx context.Context, e executorLost) {
	if e.epoch < s.mot.CurrentEpoch() {
		return // stale report from before the last epoch bump
	}
	s.mot.IncrementEpoch()

	hostsExternalShuffle, err := s.blockManager.RemoveExecutor(ctx, e.execID)
	if err != nil {
		s.log.Warn("block manager executor removal failed", slog.String("executor_id", e.execID), slog.Any("error", err))
	}

	if !hostsExternalShuffle || e.fetchFailed {
		for _, st := range s.registry.byShuffleID {
			st.mu.Lock()
			changed := false
			for p, locs := range st.OutputLocs {
				if len(locs) > 0 && locs[0].Location.ExecutorID == e.execID {
					st.OutputLocs[p] = nil
					st.NumAvailableOutputs--
					changed = true
				}
			}
			st.mu.Unlock()
			if changed {
				s.registry.markFailed(st)
			}
		}
	}

	s.cache.invalidate()
}

// handleExecutorAdded is handle_executor_added (spec.md §4.8): a newly
// joined executor carries no special scheduler-side state to clear beyond
// the cache, since block manager liveness and locality are learned again
// as new heartbeats and task completions arrive.
func (s *Scheduler) handleExecutorAdded(ctx context.Context, e executorAdded) {
	s.cache.invalidate()
}

// resubmitFailedStages is resubmit_failed_stages (spec.md §4.8), run from
// the periodic resubmit_tick so repeated individual task failures within
// one resubmit_timeout window coalesce into a single resubmission pass
// instead of one per failure.
func (s *Scheduler) resubmitFailedStages(ctx context.Context) {
	for _, st := range s.registry.drainFailed() {
		st.mu.Lock()
		aborted := st.aborted
		st.mu.Unlock()
		if aborted {
			continue
		}
		s.registry.markWaiting(st)
	}
}

// abortOneStage marks st aborted, removes it from the running/failed sets
// for good, and tells the task runner to kill its tasks if it was running
// (spec.md §5 "instructs the external task runner to kill the running
// tasks of affected stages").
func (s *Scheduler) abortOneStage(ctx context.Context, st *Stage, reason string) {
	st.mu.Lock()
	st.aborted = true
	st.abortReason = reason
	wasRunning := st.state == stageRunning
	st.mu.Unlock()
	s.registry.markFailed(st)
	s.registry.clearFailed(st) // aborted stages never resubmit
	if wasRunning {
		if err := s.taskRunner.CancelTasks(ctx, st.ID, true); err != nil {
			s.log.Warn("cancel running tasks failed", slog.Int("stage_id", int(st.ID)), slog.Any("error", err))
		}
	}
}

// abortStage marks stage (and every stage that depends on it, transitively)
// as aborted and fails every active job whose final stage is affected
// (spec.md §4.8 abort_stage: "cancel_stage aborts one stage and every
// stage depending on it").
func (s *Scheduler) abortStage(ctx context.Context, stage *Stage, reason string) {
	// children maps a stage id to every stage that lists it as a parent,
	// built once so the transitive walk below doesn't rescan byID per level.
	children := make(map[StageID][]*Stage, len(s.registry.byID))
	for _, other := range s.registry.byID {
		for _, p := range other.Parents {
			children[p.ID] = append(children[p.ID], other)
		}
	}

	visited := map[StageID]bool{}
	queue := []*Stage{stage}
	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]
		if visited[st.ID] {
			continue
		}
		visited[st.ID] = true

		s.abortOneStage(ctx, st, reason)
		for jid := range st.jobIDs {
			s.failActiveJob(jid, reason)
		}

		queue = append(queue, children[st.ID]...)
	}
}

// abortJobStages cancels the running tasks of every stage tagged with
// jobID alone (ancestor shuffle-map stages included, not just the job's
// final stage); a stage still tagged with another active job is left
// running for that job (spec.md §5 cancellation, §4.2 job/stage tag sets).
func (s *Scheduler) abortJobStages(ctx context.Context, jobID JobID, reason string) {
	for sid := range s.registry.jobToStages[jobID] {
		st, ok := s.registry.byID[sid]
		if !ok {
			continue
		}

		sharedWithOtherActiveJob := false
		for jid := range st.jobIDs {
			if jid == jobID {
				continue
			}
			if _, active := s.registry.activeJobs[jid]; active {
				sharedWithOtherActiveJob = true
				break
			}
		}
		if sharedWithOtherActiveJob {
			continue
		}

		s.abortOneStage(ctx, st, reason)
	}
}

func (s *Scheduler) failActiveJob(jobID JobID, reason string) {
	job, ok := s.registry.activeJobs[jobID]
	if !ok {
		return
	}
	job.mu.Lock()
	waiter := job.waiter
	job.mu.Unlock()

	s.listenerBus.JobEnd(jobID, true, reason)
	if waiter != nil {
		waiter.jobFailed(reason)
	}
	s.registry.cleanupForCompletedJob(jobID)
}
