package scheduler

import (
	"context"
	"sync"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// fakeDataset is a minimal dataset.Dataset for scheduler tests: a fixed
// partition count and an explicit dependency list, no real partition-
// computation algebra (out of scope, spec.md §1).
type fakeDataset struct {
	id            int
	numPartitions int
	deps          []dataset.Dependency
	storage       dataset.StorageLevel
}

func (d *fakeDataset) ID() int                    { return d.id }
func (d *fakeDataset) NumPartitions() int         { return d.numPartitions }
func (d *fakeDataset) Dependencies() []dataset.Dependency { return d.deps }
func (d *fakeDataset) StorageLevel() dataset.StorageLevel { return d.storage }
func (d *fakeDataset) PreferredLocations(partition int) []dataset.TaskLocation { return nil }

// fakeTaskRunner hands every submitted task straight to respond and posts
// the resulting completion back onto the scheduler under test, mimicking
// an executor fleet that answers instantly.
type fakeTaskRunner struct {
	mu sync.Mutex

	sched *Scheduler

	submitted [][]Task
	cancelled []StageID
	killed    []TaskKey

	// respond decides the outcome for one dispatched task and whether to
	// auto-report it at all. The default (nil) reports every task as an
	// immediate success; a test that needs to hold a task's completion back
	// (e.g. to construct a stale-epoch report by hand) can set respond and
	// return send=false.
	respond func(Task) (ev TaskCompletedEvent, send bool)
}

func newFakeTaskRunner() *fakeTaskRunner {
	return &fakeTaskRunner{}
}

func (f *fakeTaskRunner) Submit(ctx context.Context, tasks []Task) error {
	f.mu.Lock()
	batch := append([]Task(nil), tasks...)
	f.submitted = append(f.submitted, batch)
	respond := f.respond
	sched := f.sched
	f.mu.Unlock()

	for _, t := range tasks {
		var ev TaskCompletedEvent
		send := true
		if respond != nil {
			ev, send = respond(t)
		} else {
			ev = TaskCompletedEvent{Task: t, Outcome: OutcomeSuccess, Result: t.Partition}
		}
		if send {
			sched.ReportTaskCompletion(ev)
		}
	}
	return nil
}

func (f *fakeTaskRunner) CancelTasks(ctx context.Context, stageID StageID, interruptThread bool) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, stageID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTaskRunner) KillTask(ctx context.Context, taskID TaskKey, execID string, interruptThread bool) error {
	f.mu.Lock()
	f.killed = append(f.killed, taskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTaskRunner) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeTaskRunner) lastBatch() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

// fakeMapOutputTracker is an in-memory stand-in for the shuffle
// map-output registry (spec.md §6.3).
type fakeMapOutputTracker struct {
	mu sync.Mutex

	numPartitions map[ShuffleID]int
	outputs       map[ShuffleID]map[int]MapStatus
	epoch         int64
}

func newFakeMapOutputTracker() *fakeMapOutputTracker {
	return &fakeMapOutputTracker{
		numPartitions: make(map[ShuffleID]int),
		outputs:       make(map[ShuffleID]map[int]MapStatus),
	}
}

func (f *fakeMapOutputTracker) ContainsShuffle(id ShuffleID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.numPartitions[id]
	return ok
}

func (f *fakeMapOutputTracker) RegisterShuffle(id ShuffleID, numPartitions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numPartitions[id] = numPartitions
	f.outputs[id] = make(map[int]MapStatus)
}

// RegisterMapOutputs records locs under id, keyed by call order within the
// shuffle's partition range (spec.md §6.3: the scheduler calls this once
// per completed map partition with that partition's single status).
func (f *fakeMapOutputTracker) RegisterMapOutputs(id ShuffleID, locs []MapStatus, changeEpoch bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byPartition, ok := f.outputs[id]
	if !ok {
		return
	}
	for _, ms := range locs {
		for p := 0; p < f.numPartitions[id]; p++ {
			if _, taken := byPartition[p]; !taken {
				byPartition[p] = ms
				break
			}
		}
	}
	if changeEpoch {
		f.epoch++
	}
}

func (f *fakeMapOutputTracker) GetMapStatuses(id ShuffleID) []MapStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.numPartitions[id]
	out := make([]MapStatus, n)
	for p, ms := range f.outputs[id] {
		if p < n {
			out[p] = ms
		}
	}
	return out
}

func (f *fakeMapOutputTracker) UnregisterMapOutput(id ShuffleID, mapID int, bmAddress dataset.TaskLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outputs[id], mapID)
}

func (f *fakeMapOutputTracker) GetSerializedMapOutputStatuses(id ShuffleID) ([]byte, error) {
	return nil, nil
}

func (f *fakeMapOutputTracker) GetLocationsWithLargestOutputs(shuffleID ShuffleID, reducerPartition, numMapPartitions int, fraction float64) []dataset.TaskLocation {
	return nil
}

func (f *fakeMapOutputTracker) CurrentEpoch() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeMapOutputTracker) IncrementEpoch() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	return f.epoch
}

// fakeBlockManager is a no-op locality/liveness collaborator: every
// dataset in these tests uses dataset.NoStorage, so GetLocations is never
// consulted, but RemoveExecutor and Heartbeat are exercised directly.
type fakeBlockManager struct {
	mu        sync.Mutex
	removed   []string
	heartbeat []string
}

func newFakeBlockManager() *fakeBlockManager {
	return &fakeBlockManager{}
}

func (b *fakeBlockManager) GetLocations(ctx context.Context, blockIDs []string) ([][]dataset.TaskLocation, error) {
	return make([][]dataset.TaskLocation, len(blockIDs)), nil
}

func (b *fakeBlockManager) RemoveExecutor(ctx context.Context, execID string) (bool, error) {
	b.mu.Lock()
	b.removed = append(b.removed, execID)
	b.mu.Unlock()
	return false, nil
}

func (b *fakeBlockManager) Heartbeat(ctx context.Context, bmID string) error {
	b.mu.Lock()
	b.heartbeat = append(b.heartbeat, bmID)
	b.mu.Unlock()
	return nil
}

// fakeListenerBus records every telemetry call for assertions instead of
// shipping them anywhere (spec.md §6.3 ListenerBus).
type fakeListenerBus struct {
	mu sync.Mutex

	jobStarts     []JobID
	jobEnds       []struct {
		id     JobID
		failed bool
		reason string
	}
	stagesCompleted []struct {
		id     StageID
		failed bool
	}
}

func newFakeListenerBus() *fakeListenerBus {
	return &fakeListenerBus{}
}

func (l *fakeListenerBus) JobStart(jobID JobID, properties map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobStarts = append(l.jobStarts, jobID)
}

func (l *fakeListenerBus) JobEnd(jobID JobID, failed bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobEnds = append(l.jobEnds, struct {
		id     JobID
		failed bool
		reason string
	}{jobID, failed, reason})
}

func (l *fakeListenerBus) StageSubmitted(stageID StageID, attemptID int) {}

func (l *fakeListenerBus) StageCompleted(stageID StageID, attemptID int, failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stagesCompleted = append(l.stagesCompleted, struct {
		id     StageID
		failed bool
	}{stageID, failed})
}

func (l *fakeListenerBus) TaskStart(stageID StageID, attemptID, partition int) {}
func (l *fakeListenerBus) TaskEnd(stageID StageID, attemptID, partition int, reason string) {}

func (l *fakeListenerBus) jobEndCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobEnds)
}
