package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// testHarness wires a Scheduler to fresh fakes and starts its event loop,
// stopping it automatically when the test ends.
type testHarness struct {
	sched   *Scheduler
	runner  *fakeTaskRunner
	mot     *fakeMapOutputTracker
	bm      *fakeBlockManager
	bus     *fakeListenerBus
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	h := &testHarness{
		runner: newFakeTaskRunner(),
		mot:    newFakeMapOutputTracker(),
		bm:     newFakeBlockManager(),
		bus:    newFakeListenerBus(),
	}
	log := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	h.sched = New(cfg, log, h.runner, h.mot, h.bm, h.bus)
	h.runner.sched = h.sched

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Start(ctx)
	t.Cleanup(func() {
		h.sched.Stop()
		cancel()
	})
	return h
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ResubmitTimeout = 20 * time.Millisecond
	return cfg
}

// discardWriter is an io.Writer that drops everything, keeping test
// output free of the scheduler's own log lines.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// S1: single-stage narrow job.
func TestSingleStageNarrowJob(t *testing.T) {
	h := newTestHarness(t, fastConfig())

	d := &fakeDataset{id: 1, numPartitions: 4}

	var mu sync.Mutex
	seen := map[int]int{}
	handler := func(outputIndex int, result interface{}) error {
		mu.Lock()
		seen[outputIndex]++
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	if err := h.sched.RunJob(ctx, d, []int{0, 1, 2, 3}, handler, nil); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	if h.runner.submitCount() != 1 {
		t.Fatalf("expected exactly one task batch, got %d", h.runner.submitCount())
	}
	if got := len(h.runner.lastBatch()); got != 4 {
		t.Fatalf("expected 4 result tasks, got %d", got)
	}
	for _, idx := range []int{0, 1, 2, 3} {
		if seen[idx] != 1 {
			t.Errorf("output index %d: handler called %d times, want 1", idx, seen[idx])
		}
	}
}

// S2: one shuffle boundary.
func TestShuffleBoundary(t *testing.T) {
	h := newTestHarness(t, fastConfig())
	h.runner.respond = shuffleSuccessResponder()

	a := &fakeDataset{id: 10, numPartitions: 3}
	b := &fakeDataset{id: 11, numPartitions: 2, deps: []dataset.Dependency{
		{Kind: dataset.Shuffle, Parent: a, ShuffleID: 500, NumPartitions: 2},
	}}

	var mu sync.Mutex
	results := map[int]interface{}{}
	handler := func(outputIndex int, result interface{}) error {
		mu.Lock()
		results[outputIndex] = result
		mu.Unlock()
		return nil
	}

	if err := h.sched.RunJob(context.Background(), b, []int{0, 1}, handler, nil); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	if h.runner.submitCount() != 2 {
		t.Fatalf("expected 2 batches (map, result), got %d", h.runner.submitCount())
	}
	first := h.runner.submitted[0]
	if len(first) != 3 || first[0].Variant != ShuffleMapTaskVariant {
		t.Fatalf("expected first batch to be 3 shuffle map tasks, got %+v", first)
	}
	second := h.runner.submitted[1]
	if len(second) != 2 || second[0].Variant != ResultTaskVariant {
		t.Fatalf("expected second batch to be 2 result tasks, got %+v", second)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

// shuffleSuccessResponder reports every shuffle-map task as a success with
// a distinct executor per partition, and every result task as a success.
func shuffleSuccessResponder() func(Task) (TaskCompletedEvent, bool) {
	return func(t Task) (TaskCompletedEvent, bool) {
		if t.Variant == ShuffleMapTaskVariant {
			return TaskCompletedEvent{
				Task:    t,
				Outcome: OutcomeSuccess,
				MapStatus: MapStatus{
					Location: dataset.TaskLocation{Host: "h", ExecutorID: fmt.Sprintf("m%d", t.Partition)},
					SizeHint: 10,
				},
			}, true
		}
		return TaskCompletedEvent{Task: t, Outcome: OutcomeSuccess, Result: t.Partition}, true
	}
}

// S3: fetch failure recovers.
func TestFetchFailureRecovers(t *testing.T) {
	h := newTestHarness(t, fastConfig())

	var mu sync.Mutex
	partition0Attempts := 0
	h.runner.respond = func(t Task) (TaskCompletedEvent, bool) {
		if t.Variant == ShuffleMapTaskVariant {
			return TaskCompletedEvent{
				Task:    t,
				Outcome: OutcomeSuccess,
				MapStatus: MapStatus{
					Location: dataset.TaskLocation{Host: "h", ExecutorID: fmt.Sprintf("m%d", t.Partition)},
					SizeHint: 10,
				},
			}, true
		}
		if t.Partition == 0 {
			mu.Lock()
			partition0Attempts++
			attempt := partition0Attempts
			mu.Unlock()
			if attempt == 1 {
				return TaskCompletedEvent{
					Task:                 t,
					Outcome:              OutcomeFetchFailed,
					FetchFailedShuffleID: 500,
					FetchFailedMapID:     1,
					FetchFailedBMAddr:    dataset.TaskLocation{Host: "h2", ExecutorID: "e2"},
				}, true
			}
		}
		return TaskCompletedEvent{Task: t, Outcome: OutcomeSuccess, Result: t.Partition}, true
	}

	a := &fakeDataset{id: 20, numPartitions: 3}
	b := &fakeDataset{id: 21, numPartitions: 2, deps: []dataset.Dependency{
		{Kind: dataset.Shuffle, Parent: a, ShuffleID: 500, NumPartitions: 2},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sched.RunJob(ctx, b, []int{0, 1}, func(int, interface{}) error { return nil }, nil); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	if h.runner.submitCount() < 4 {
		t.Fatalf("expected at least 4 batches (initial map+result, resubmitted map+result), got %d", h.runner.submitCount())
	}

	var resubmittedMap, resubmittedResult bool
	for _, batch := range h.runner.submitted[2:] {
		if len(batch) == 1 && batch[0].Variant == ShuffleMapTaskVariant && batch[0].Partition == 1 {
			resubmittedMap = true
		}
		if len(batch) == 1 && batch[0].Variant == ResultTaskVariant && batch[0].Partition == 0 {
			resubmittedResult = true
		}
	}
	if !resubmittedMap {
		t.Errorf("expected a resubmitted single-partition map batch for partition 1")
	}
	if !resubmittedResult {
		t.Errorf("expected a resubmitted single-partition result batch for partition 0")
	}
}

// S4: stale success ignored.
func TestStaleSuccessIgnored(t *testing.T) {
	h := newTestHarness(t, fastConfig())

	// Hold every shuffle-map task's completion back so the test can drive
	// the epoch bump and the stale report by hand.
	h.runner.respond = func(t Task) (TaskCompletedEvent, bool) {
		return TaskCompletedEvent{}, false
	}

	a := &fakeDataset{id: 30, numPartitions: 3}
	b := &fakeDataset{id: 31, numPartitions: 2, deps: []dataset.Dependency{
		{Kind: dataset.Shuffle, Parent: a, ShuffleID: 700, NumPartitions: 2},
	}}

	jobID, _, err := h.sched.SubmitJob(context.Background(), b, []int{0, 1}, func(int, interface{}) error { return nil }, nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	defer h.sched.CancelJob(context.Background(), jobID, "test cleanup")

	waitFor(t, func() bool { return h.runner.submitCount() >= 1 })
	mapBatch := h.runner.submitted[0]
	if len(mapBatch) != 3 {
		t.Fatalf("expected 3 dispatched map tasks, got %d", len(mapBatch))
	}

	var staleTask Task
	for _, task := range mapBatch {
		if task.Partition == 1 {
			staleTask = task
			break
		}
	}

	// Mark e1 lost: this bumps the tracker's epoch past the one staleTask
	// was dispatched under (spec.md §8 property 7).
	epochBefore := h.mot.CurrentEpoch()
	h.sched.ReportExecutorLost("e1", epochBefore)
	waitFor(t, func() bool { return h.mot.CurrentEpoch() > epochBefore })

	h.sched.ReportTaskCompletion(TaskCompletedEvent{
		Task:    staleTask,
		Outcome: OutcomeSuccess,
		MapStatus: MapStatus{
			Location: dataset.TaskLocation{Host: "h", ExecutorID: "e1"},
			SizeHint: 10,
		},
	})

	// Give the event loop a chance to process the stale report, then check
	// it never registered.
	time.Sleep(50 * time.Millisecond)
	if got := h.mot.GetMapStatuses(700)[1]; got != (MapStatus{}) {
		t.Errorf("stale success must not register a map output, got %+v", got)
	}
}

// S5: job cancellation.
func TestJobCancellation(t *testing.T) {
	h := newTestHarness(t, fastConfig())

	// Shuffle-map tasks never complete on their own, simulating a stage
	// that is still running when the cancellation arrives.
	h.runner.respond = func(t Task) (TaskCompletedEvent, bool) {
		if t.Variant == ShuffleMapTaskVariant {
			return TaskCompletedEvent{}, false
		}
		return TaskCompletedEvent{Task: t, Outcome: OutcomeSuccess, Result: t.Partition}, true
	}

	a := &fakeDataset{id: 40, numPartitions: 2}
	b := &fakeDataset{id: 41, numPartitions: 2, deps: []dataset.Dependency{
		{Kind: dataset.Shuffle, Parent: a, ShuffleID: 900, NumPartitions: 2},
	}}

	jobID, waiter, err := h.sched.SubmitJob(context.Background(), b, []int{0, 1}, func(int, interface{}) error { return nil }, nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	waitFor(t, func() bool { return h.runner.submitCount() >= 1 })

	if err := h.sched.CancelJob(context.Background(), jobID, "cancelled by test"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	failed, reason := waiter.await()
	if !failed {
		t.Fatalf("expected job waiter to resolve with failure, got success")
	}
	if reason != "cancelled by test" {
		t.Errorf("reason = %q, want %q", reason, "cancelled by test")
	}

	waitFor(t, func() bool {
		h.runner.mu.Lock()
		defer h.runner.mu.Unlock()
		for _, sid := range h.runner.cancelled {
			if sid == StageID(1) {
				return true
			}
		}
		return false
	})
}

// S6: multi-job shared ancestor.
func TestMultiJobSharedAncestor(t *testing.T) {
	h := newTestHarness(t, fastConfig())
	h.runner.respond = shuffleSuccessResponder()

	a := &fakeDataset{id: 50, numPartitions: 2}
	b := &fakeDataset{id: 51, numPartitions: 2, deps: []dataset.Dependency{
		{Kind: dataset.Shuffle, Parent: a, ShuffleID: 1100, NumPartitions: 2},
	}}
	c := &fakeDataset{id: 52, numPartitions: 2, deps: []dataset.Dependency{
		{Kind: dataset.Shuffle, Parent: a, ShuffleID: 1100, NumPartitions: 2},
	}}

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		err1 = h.sched.RunJob(context.Background(), b, []int{0, 1}, func(int, interface{}) error { return nil }, nil)
	}()
	go func() {
		defer wg.Done()
		err2 = h.sched.RunJob(context.Background(), c, []int{0, 1}, func(int, interface{}) error { return nil }, nil)
	}()
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("RunJob errors: %v, %v", err1, err2)
	}

	mapBatches := 0
	for _, batch := range h.runner.submitted {
		if len(batch) > 0 && batch[0].Variant == ShuffleMapTaskVariant {
			mapBatches++
		}
	}
	if mapBatches != 1 {
		t.Errorf("expected the shared shuffle map stage to be submitted exactly once, got %d batches", mapBatches)
	}
}

// Property 9: an empty partition set resolves immediately without
// touching any external collaborator.
func TestEmptyPartitionsSucceedsImmediately(t *testing.T) {
	h := newTestHarness(t, fastConfig())
	d := &fakeDataset{id: 60, numPartitions: 4}

	jobID, waiter, err := h.sched.SubmitJob(context.Background(), d, nil, nil, nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if jobID == 0 {
		t.Fatalf("expected a non-zero job id")
	}
	failed, _ := waiter.await()
	if failed {
		t.Fatalf("expected immediate success")
	}
	if h.runner.submitCount() != 0 {
		t.Errorf("expected no task batches submitted, got %d", h.runner.submitCount())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
