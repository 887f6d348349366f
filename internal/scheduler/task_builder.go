package scheduler

import (
	"context"

	"github.com/swarmguard/dagsched/internal/scheduler/errs"
)

// taskBuilder implements C5: turning a ready stage into a batch of tasks
// and handing them to the TaskRunner (spec.md §4.5).
type taskBuilder struct {
	registry *stageRegistry
	locality *localityResolver
	runner   TaskRunner
	mot      MapOutputTracker
}

func newTaskBuilder(registry *stageRegistry, locality *localityResolver, runner TaskRunner, mot MapOutputTracker) *taskBuilder {
	return &taskBuilder{registry: registry, locality: locality, runner: runner, mot: mot}
}

// attemptClosure is the once-per-attempt broadcast handle (spec.md §4.5
// Design Notes "Broadcast closures"). Serialization mechanics are out of
// scope; the handle just identifies which attempt it belongs to so a fake
// TaskRunner in tests can assert every task in a batch shares one.
type attemptClosure struct {
	stageID   StageID
	attemptID int
}

// submit builds and dispatches the task batch for stage's missing
// partitions (spec.md §4.5):
//  1. enumerate missing partitions
//  2. compute locality for each via C4
//  3. assign a new stage_attempt_id
//  4. serialize the closure once for the whole batch
//  5. add every task to stage.pending
//  6. move the stage from waiting to running
//  7. submit the batch to the TaskRunner
func (b *taskBuilder) submit(ctx context.Context, stage *Stage) error {
	stage.mu.Lock()
	defer stage.mu.Unlock()

	partitions := b.missingPartitions(stage)
	if len(partitions) == 0 {
		return nil
	}

	stage.latestAttemptID++
	attemptID := stage.latestAttemptID
	closure := attemptClosure{stageID: stage.ID, attemptID: attemptID}
	epoch := b.mot.CurrentEpoch()

	tasks := make([]Task, 0, len(partitions))
	for _, mp := range partitions {
		preferred := b.locality.preferredLocations(ctx, stage, mp.partition)
		t := Task{
			StageID:       stage.ID,
			AttemptID:     attemptID,
			Partition:     mp.partition,
			Preferred:     preferred,
			Epoch:         epoch,
			ClosureHandle: closure,
		}
		if stage.isShuffleMap() {
			t.Variant = ShuffleMapTaskVariant
		} else {
			t.Variant = ResultTaskVariant
			t.OutputIndex = mp.outputIndex
		}
		stage.pending[t.Key()] = struct{}{}
		tasks = append(tasks, t)
	}

	b.registry.markRunning(stage)

	if err := b.runner.Submit(ctx, tasks); err != nil {
		for _, t := range tasks {
			delete(stage.pending, t.Key())
		}
		b.registry.markWaiting(stage)
		return errs.Wrap(errs.KindTaskSetFailed, "submit task batch", err)
	}
	return nil
}

// missingPartition pairs a partition still to be run with its outputIndex,
// the offset into job.Partitions/job.Finished a result task must carry
// (types.go's OutputIndex doc comment, completion.go's job.Finished
// indexing). Meaningless for a shuffle-map stage, which has no job.Finished
// slot to address.
type missingPartition struct {
	partition   int
	outputIndex int
}

// missingPartitions enumerates the partitions stage still needs to run
// (spec.md §4.5 "enumerate missing partitions"): for a shuffle-map stage,
// every partition without an output yet and not already pending; for a
// result stage, every target partition not yet finished and not pending,
// paired with its true offset into stage.Partitions rather than the
// position it happens to occupy in this filtered scan.
func (b *taskBuilder) missingPartitions(stage *Stage) []missingPartition {
	var out []missingPartition
	if stage.isShuffleMap() {
		for p := 0; p < stage.NumPartitions; p++ {
			if len(stage.OutputLocs[p]) > 0 {
				continue
			}
			if b.isPending(stage, p) {
				continue
			}
			out = append(out, missingPartition{partition: p})
		}
		return out
	}

	jobID, ok := b.registry.activeJobFor(stage)
	if !ok {
		return nil
	}
	job, ok := b.registry.activeJobs[jobID]
	if !ok {
		return nil
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	for i, partition := range stage.Partitions {
		if i < len(job.Finished) && job.Finished[i] {
			continue
		}
		if b.isPending(stage, partition) {
			continue
		}
		out = append(out, missingPartition{partition: partition, outputIndex: i})
	}
	return out
}

func (b *taskBuilder) isPending(stage *Stage, partition int) bool {
	for k := range stage.pending {
		if k.Partition == partition {
			return true
		}
	}
	return false
}
