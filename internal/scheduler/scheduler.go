// Package scheduler implements the stage-oriented DAG scheduler: it turns
// a dataset's dependency chain into shuffle-map and result stages, tracks
// their readiness, and drives a TaskRunner to completion while staying
// single-threaded on its own event loop (spec.md §1, §5).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/dagsched/internal/dataset"
	"github.com/swarmguard/dagsched/internal/scheduler/errs"
)

// Scheduler is the public entry point wiring C1-C9 together (spec.md §1).
// Every exported method is safe to call from any goroutine: each posts an
// event onto the single event-loop goroutine and, where a result is
// expected, blocks on a reply channel.
type Scheduler struct {
	cfg Config
	log *slog.Logger

	registry *stageRegistry
	cache    *cacheLocationCache
	analyzer *dependencyAnalyzer
	locality *localityResolver

	taskBuilder  *taskBuilder
	taskRunner   TaskRunner
	mot          MapOutputTracker
	blockManager BlockManager
	listenerBus  ListenerBus

	nextJobID int64 // atomic

	events  chan event
	stopped chan struct{}
	once    sync.Once
}

// New constructs a Scheduler wired to its four external collaborators
// (spec.md §6.3). The caller must call Start before submitting jobs.
func New(cfg Config, log *slog.Logger, runner TaskRunner, mot MapOutputTracker, bm BlockManager, bus ListenerBus) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	registry := newStageRegistry(mot)
	cache := newCacheLocationCache(bm)
	analyzer := newDependencyAnalyzer(registry, cache)
	registry.analyzer = analyzer
	locality := newLocalityResolver(registry, cache, cfg)

	s := &Scheduler{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		cache:        cache,
		analyzer:     analyzer,
		locality:     locality,
		taskRunner:   runner,
		mot:          mot,
		blockManager: bm,
		listenerBus:  bus,
		events:       make(chan event, 256),
		stopped:      make(chan struct{}),
	}
	s.taskBuilder = newTaskBuilder(registry, locality, runner, mot)
	return s
}

// Start launches the event loop goroutine. It returns immediately; the
// loop runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.run(ctx)
		close(s.stopped)
	}()
}

// Stop requests an orderly shutdown: every active job is failed with a
// "scheduler stopped" reason and the event loop exits (spec.md §7 "On
// scheduler stop"). If the loop has already exited because its context was
// cancelled, Stop returns without waiting further.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		done := make(chan struct{})
		select {
		case s.events <- shutdownLoop{done: done}:
		case <-s.stopped:
			return
		}
		select {
		case <-done:
		case <-s.stopped:
		}
	})
}

func (s *Scheduler) drainAllJobs(reason string) {
	for jobID := range s.registry.activeJobs {
		s.failActiveJob(jobID, reason)
	}
}

// SubmitJob is submit_job (spec.md §4.9): builds the result stage for root
// restricted to partitions, registers a new ActiveJob, and returns a
// JobWaiter the caller can await for completion. It does not block on
// stage execution.
func (s *Scheduler) SubmitJob(ctx context.Context, root dataset.Dataset, partitions []int, resultHandler func(outputIndex int, result interface{}) error, properties map[string]string) (JobID, *JobWaiter, error) {
	if len(partitions) == 0 {
		// An empty target set has nothing to schedule: resolve immediately
		// without touching any external collaborator (spec.md §8 property 9).
		jobID := JobID(atomic.AddInt64(&s.nextJobID, 1))
		waiter := newJobWaiter(jobID)
		waiter.jobSucceeded()
		return jobID, waiter, nil
	}
	for _, p := range partitions {
		if p < 0 || p >= root.NumPartitions() {
			return 0, nil, errs.New(errs.KindInvalidPartition, fmt.Sprintf("partition %d out of range [0,%d)", p, root.NumPartitions()))
		}
	}

	jobID := JobID(atomic.AddInt64(&s.nextJobID, 1))
	waiter := newJobWaiter(jobID)
	job := &ActiveJob{
		ID:            jobID,
		Group:         properties["job_group"],
		Partitions:    partitions,
		Finished:      make([]bool, len(partitions)),
		ResultHandler: resultHandler,
		waiter:        waiter,
		submittedAt:   time.Now(),
	}

	reply := make(chan error, 1)
	select {
	case s.events <- jobSubmitted{ctx: ctx, job: job, root: root, partitions: partitions, properties: properties, reply: reply}:
	case <-ctx.Done():
		return 0, nil, errs.Wrap(errs.KindCancelled, "submit job", ctx.Err())
	}

	select {
	case err := <-reply:
		if err != nil {
			return 0, nil, err
		}
		return jobID, waiter, nil
	case <-ctx.Done():
		return 0, nil, errs.Wrap(errs.KindCancelled, "submit job", ctx.Err())
	}
}

// RunJob is run_job (spec.md §4.9): SubmitJob followed by a blocking await.
func (s *Scheduler) RunJob(ctx context.Context, root dataset.Dataset, partitions []int, resultHandler func(outputIndex int, result interface{}) error, properties map[string]string) error {
	_, waiter, err := s.SubmitJob(ctx, root, partitions, resultHandler, properties)
	if err != nil {
		return err
	}
	if failed, reason := waiter.await(); failed {
		return errs.New(errs.KindTaskSetFailed, reason)
	}
	return nil
}

func (s *Scheduler) handleJobSubmitted(ctx context.Context, e jobSubmitted) error {
	stage, err := s.registry.newResultStageFor(e.root, e.partitions, e.job.ID)
	if err != nil {
		return err
	}
	e.job.FinalStage = stage
	stage.JobIDOwner = e.job.ID

	s.registry.activeJobs[e.job.ID] = e.job
	if e.job.Group != "" {
		if s.registry.jobsByGroup[e.job.Group] == nil {
			s.registry.jobsByGroup[e.job.Group] = make(map[JobID]struct{})
		}
		s.registry.jobsByGroup[e.job.Group][e.job.ID] = struct{}{}
	}
	s.registry.updateJobStageMaps(e.job.ID, stage)
	s.cache.invalidate()

	s.listenerBus.JobStart(e.job.ID, e.properties)
	s.registry.markWaiting(stage)
	return nil
}

// CancelJob is cancel_job (spec.md §4.9).
func (s *Scheduler) CancelJob(ctx context.Context, jobID JobID, reason string) error {
	return s.post(ctx, func(reply chan error) event { return cancelJob{jobID: jobID, reason: reason, reply: reply} })
}

func (s *Scheduler) handleCancelJob(ctx context.Context, jobID JobID, reason string) error {
	if _, ok := s.registry.activeJobs[jobID]; !ok {
		return errs.New(errs.KindInvalidPartition, "job not active")
	}
	s.abortJobStages(ctx, jobID, reason)
	s.failActiveJob(jobID, reason)
	return nil
}

// CancelJobGroup is cancel_job_group (spec.md §4.9): cancels every active
// job tagged with the given job_group property.
func (s *Scheduler) CancelJobGroup(ctx context.Context, group string, reason string) error {
	return s.post(ctx, func(reply chan error) event { return cancelJobGroup{group: group, reason: reason, reply: reply} })
}

func (s *Scheduler) handleCancelJobGroup(ctx context.Context, group string, reason string) error {
	for jobID := range s.registry.jobsByGroup[group] {
		_ = s.handleCancelJob(ctx, jobID, reason)
	}
	return nil
}

// CancelStage is cancel_stage (spec.md §4.9): aborts one stage and every
// stage depending on it, failing any job whose final stage is affected.
func (s *Scheduler) CancelStage(ctx context.Context, stageID StageID, reason string) error {
	return s.post(ctx, func(reply chan error) event { return cancelStage{stageID: stageID, reason: reason, reply: reply} })
}

func (s *Scheduler) handleCancelStage(ctx context.Context, stageID StageID, reason string) error {
	stage, ok := s.registry.byID[stageID]
	if !ok {
		return errs.New(errs.KindInvalidPartition, "stage not active")
	}
	s.abortStage(ctx, stage, reason)
	return nil
}

// CancelAllJobs is cancel_all_jobs (spec.md §4.9).
func (s *Scheduler) CancelAllJobs(ctx context.Context, reason string) error {
	return s.post(ctx, func(reply chan error) event { return cancelAllJobs{reason: reason, reply: reply} })
}

func (s *Scheduler) handleCancelAllJobs(ctx context.Context, reason string) error {
	for jobID := range s.registry.activeJobs {
		_ = s.handleCancelJob(ctx, jobID, reason)
	}
	return nil
}

// ExecutorHeartbeatReceived forwards a heartbeat to the block manager
// without touching scheduler-owned state except to keep the event loop's
// FIFO ordering guarantee (spec.md §6.2).
func (s *Scheduler) ExecutorHeartbeatReceived(ctx context.Context, execID string) error {
	return s.post(ctx, func(reply chan error) event { return executorHeartbeat{execID: execID, reply: reply} })
}

func (s *Scheduler) handleExecutorHeartbeat(ctx context.Context, execID string) error {
	return s.blockManager.Heartbeat(ctx, execID)
}

// ReportTaskCompletion is the TaskRunner's callback into the scheduler
// (spec.md §6.2 inbound "task status update"). It does not wait for the
// event to be processed, but the send blocks while the event channel's
// buffer (256 events) is full.
func (s *Scheduler) ReportTaskCompletion(e TaskCompletedEvent) {
	s.events <- e
}

// ReportExecutorLost is the TaskRunner/BlockManager's callback for
// executor loss (spec.md §6.2).
func (s *Scheduler) ReportExecutorLost(execID string, epoch int64) {
	s.events <- executorLost{execID: execID, epoch: epoch}
}

// ReportExecutorAdded is the callback for a newly joined executor.
func (s *Scheduler) ReportExecutorAdded(execID string) {
	s.events <- executorAdded{execID: execID}
}

func (s *Scheduler) post(ctx context.Context, mk func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case s.events <- mk(reply):
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "post event", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "await event reply", ctx.Err())
	}
}
