package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// ApproxResult is the partial-or-complete answer run_approximate_job
// returns: either the evaluator's full accumulation (Complete true) or
// whatever it had accumulated when the timeout elapsed first.
type ApproxResult[R any] struct {
	Value    R
	Complete bool
}

// Evaluator accumulates per-partition results into a running aggregate; it
// must be safe for concurrent use, since partitions may still be reporting
// into it after run_approximate_job has already returned a partial answer.
type Evaluator[R any] interface {
	Merge(outputIndex int, result interface{})
	Snapshot() R
}

// RunApproximateJob is run_approximate_job (SUPPLEMENTED FEATURES #1): it
// submits root/partitions as an ordinary job feeding eval.Merge, then races
// the job's completion against timeout. Whichever finishes first decides
// the returned ApproxResult; the job itself is never cancelled by a
// timeout, so results that arrive late still land in eval for any caller
// still holding a reference to it.
func (s *Scheduler) RunApproximateJob(ctx context.Context, root dataset.Dataset, partitions []int, eval Evaluator[interface{}], properties map[string]string, timeout time.Duration) (ApproxResult[interface{}], error) {
	var mu sync.Mutex
	handler := func(outputIndex int, result interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		eval.Merge(outputIndex, result)
		return nil
	}

	_, waiter, err := s.SubmitJob(ctx, root, partitions, handler, properties)
	if err != nil {
		return ApproxResult[interface{}]{}, err
	}

	done := make(chan struct{})
	go func() {
		waiter.await()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return ApproxResult[interface{}]{Value: eval.Snapshot(), Complete: true}, nil
	case <-timer.C:
		mu.Lock()
		defer mu.Unlock()
		return ApproxResult[interface{}]{Value: eval.Snapshot(), Complete: false}, nil
	case <-ctx.Done():
		return ApproxResult[interface{}]{}, ctx.Err()
	}
}
