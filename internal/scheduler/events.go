package scheduler

import (
	"context"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// event is the sum type accepted by the event loop (spec.md §4.6). External
// callers never mutate scheduler state directly; they post an event and,
// where a reply is expected, wait on a channel embedded in the event.
type event interface{ isEvent() }

type jobSubmitted struct {
	ctx        context.Context
	job        *ActiveJob
	root       dataset.Dataset
	partitions []int
	properties map[string]string
	reply      chan error
}

func (jobSubmitted) isEvent() {}

// taskOutcome is how TaskRunner reports completions back, carrying the
// outcome variant so the completion handler (C7) can branch (spec.md §4.7).
type TaskOutcome int

const (
	OutcomeSuccess TaskOutcome = iota
	OutcomeResubmitted
	OutcomeFetchFailed
	OutcomeOtherFailure
)

// TaskCompletedEvent is how a TaskRunner reports a task outcome back into
// the event loop (spec.md §6.2 inbound "task status update"). Construct one
// and pass it to Scheduler.ReportTaskCompletion.
type TaskCompletedEvent struct {
	Task    Task
	Outcome TaskOutcome

	// OutcomeSuccess
	Result    interface{}
	MapStatus MapStatus

	// OutcomeFetchFailed
	FetchFailedShuffleID ShuffleID
	FetchFailedMapID     int
	FetchFailedBMAddr    dataset.TaskLocation

	// OutcomeOtherFailure / OutcomeResubmitted
	Reason string
}

func (TaskCompletedEvent) isEvent() {}

type executorLost struct {
	execID string
	epoch  int64
	// fetchFailed marks a loss detected via a fetch-failed task outcome
	// rather than a direct executor-liveness report: the drop-outputs step
	// runs unconditionally in that case (spec.md §4.8).
	fetchFailed bool
}

func (executorLost) isEvent() {}

type executorAdded struct {
	execID string
}

func (executorAdded) isEvent() {}

type cancelJob struct {
	jobID  JobID
	reason string
	reply  chan error
}

func (cancelJob) isEvent() {}

type cancelJobGroup struct {
	group  string
	reason string
	reply  chan error
}

func (cancelJobGroup) isEvent() {}

type cancelStage struct {
	stageID StageID
	reason  string
	reply   chan error
}

func (cancelStage) isEvent() {}

type cancelAllJobs struct {
	reason string
	reply  chan error
}

func (cancelAllJobs) isEvent() {}

type executorHeartbeat struct {
	execID string
	reply  chan error
}

func (executorHeartbeat) isEvent() {}

// resubmitTick fires periodically (spec.md §4.8 "debounced via
// resubmit_timeout") to flush any stages the failure manager queued.
type resubmitTick struct{}

func (resubmitTick) isEvent() {}

type shutdownLoop struct {
	done chan struct{}
}

func (shutdownLoop) isEvent() {}
