// Package taskrunner implements the scheduler's TaskRunner collaborator
// (spec.md §6.3): Pool dispatches tasks onto a fixed worker pool (the
// in-process stand-in for remote executors), admission-limited by a
// HybridRateLimiter; GRPCStub is a thin dial-only client for a real
// executor fleet.
package taskrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagsched/internal/obs/resilience"
	"github.com/swarmguard/dagsched/internal/scheduler"
)

// ExecFunc runs one task to completion. The task runner has no visibility
// into dataset/closure internals (spec.md §1 worker-side execution is out
// of scope); ExecFunc is the seam a host process plugs its real executor
// into.
type ExecFunc func(ctx context.Context, task scheduler.Task) (result interface{}, status scheduler.MapStatus, err error)

// Reporter is the subset of *scheduler.Scheduler the pool needs to report
// outcomes back through (kept as an interface so tests can use a fake).
type Reporter interface {
	ReportTaskCompletion(scheduler.TaskCompletedEvent)
}

// Pool runs tasks on maxWorkers goroutines, using a hybrid rate limiter
// for admission so a burst of stage submissions can't overwhelm the host
// process (spec.md §4.5's TaskRunner.Submit is the only inbound call; this
// is the worker-pool idiom the teacher's DAG engine uses, grounded in its
// Kahn's-algorithm executeDAG worker loop).
type Pool struct {
	workers   int
	queue     chan scheduler.Task
	exec      ExecFunc
	reporter  Reporter
	limiter   *resilience.HybridRateLimiter
	log       *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[scheduler.TaskKey]context.CancelFunc

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewPool(maxWorkers int, exec ExecFunc, reporter Reporter, limiter *resilience.HybridRateLimiter, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	p := &Pool{
		workers:  maxWorkers,
		queue:    make(chan scheduler.Task, maxWorkers*4),
		exec:     exec,
		reporter: reporter,
		limiter:  limiter,
		log:      log,
		tracer:   otel.Tracer("dagsched-taskrunner"),
		running:  make(map[scheduler.TaskKey]context.CancelFunc),
		stop:     make(chan struct{}),
	}
	for i := 0; i < maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) Close() {
	close(p.stop)
	p.wg.Wait()
}

// Submit is TaskRunner.Submit (spec.md §6.3): it admits each task through
// the rate limiter and enqueues it before moving on to the next. If
// admission fails part-way, it returns an error without enqueuing the
// remainder; tasks already enqueued stay queued and still run.
func (p *Pool) Submit(ctx context.Context, tasks []scheduler.Task) error {
	for i, t := range tasks {
		if p.limiter != nil {
			if err := p.limiter.AllowOrWait(ctx); err != nil {
				return fmt.Errorf("admit task %d/%d: %w", i+1, len(tasks), err)
			}
		}
		select {
		case p.queue <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(t)
		}
	}
}

func (p *Pool) run(t scheduler.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	key := t.Key()
	p.mu.Lock()
	p.running[key] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, key)
		p.mu.Unlock()
		cancel()
	}()

	ctx, span := p.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.Int("stage_id", int(t.StageID)),
			attribute.Int("partition", t.Partition),
			attribute.Int("attempt_id", t.AttemptID),
		),
	)
	defer span.End()

	start := time.Now()
	result, status, err := p.exec(ctx, t)
	_ = time.Since(start)

	ev := scheduler.TaskCompletedEvent{Task: t}
	switch {
	case err == nil:
		ev.Outcome = scheduler.OutcomeSuccess
		ev.Result = result
		ev.MapStatus = status
	case ctx.Err() == context.Canceled:
		ev.Outcome = scheduler.OutcomeOtherFailure
		ev.Reason = "cancelled"
	default:
		ev.Outcome = scheduler.OutcomeOtherFailure
		ev.Reason = err.Error()
	}
	p.reporter.ReportTaskCompletion(ev)
}

// CancelTasks cancels every running task attempt belonging to stageID.
func (p *Pool) CancelTasks(ctx context.Context, stageID scheduler.StageID, interruptThread bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.running {
		if key.StageID == stageID {
			cancel()
		}
	}
	return nil
}

// KillTask cancels one task attempt.
func (p *Pool) KillTask(ctx context.Context, taskID scheduler.TaskKey, execID string, interruptThread bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[taskID]; ok {
		cancel()
	}
	return nil
}
