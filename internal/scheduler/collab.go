package scheduler

import (
	"context"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// The scheduler core depends only on these four interfaces (spec.md §1
// "treated as external collaborators with named interfaces only", §6.3).
// Concrete drivers live in sibling packages (internal/taskrunner,
// internal/mapoutput, internal/blockmanager, internal/listenerbus) and are
// wired in by the caller that constructs a Scheduler.

// TaskRunner executes tasks on workers and reports outcomes back through
// the event loop's Post method (spec.md §6.3 outbound, §6.2 inbound).
type TaskRunner interface {
	// Submit dispatches a batch of tasks belonging to one stage attempt.
	Submit(ctx context.Context, tasks []Task) error
	// CancelTasks kills the running tasks of a stage.
	CancelTasks(ctx context.Context, stageID StageID, interruptThread bool) error
	// KillTask kills one task attempt on a specific executor.
	KillTask(ctx context.Context, taskID TaskKey, execID string, interruptThread bool) error
}

// MapOutputTracker is the external map-output registry (spec.md §6.3).
type MapOutputTracker interface {
	ContainsShuffle(id ShuffleID) bool
	RegisterShuffle(id ShuffleID, numPartitions int)
	RegisterMapOutputs(id ShuffleID, locs []MapStatus, changeEpoch bool)
	// GetMapStatuses returns one slot per map partition (zero Location marks
	// a partition with no recorded output yet), used to reseed a
	// shuffle-map Stage that is rebuilt after the registry already holds
	// outputs for its shuffle id (spec.md §4.2).
	GetMapStatuses(id ShuffleID) []MapStatus
	UnregisterMapOutput(id ShuffleID, mapID int, bmAddress dataset.TaskLocation)
	GetSerializedMapOutputStatuses(id ShuffleID) ([]byte, error)
	GetLocationsWithLargestOutputs(shuffleID ShuffleID, reducerPartition, numMapPartitions int, fraction float64) []dataset.TaskLocation
	CurrentEpoch() int64
	IncrementEpoch() int64
}

// BlockManager is the external cache-location / executor-liveness service
// (spec.md §6.3).
type BlockManager interface {
	GetLocations(ctx context.Context, blockIDs []string) ([][]dataset.TaskLocation, error)
	RemoveExecutor(ctx context.Context, execID string) (hostsExternalShuffle bool, err error)
	Heartbeat(ctx context.Context, bmID string) error
}

// ListenerBus is the external telemetry sink (spec.md §6.3). Every method
// is fire-and-forget; errors are logged by the implementation, never
// returned to the event loop (spec.md §7 "Listener/telemetry errors").
type ListenerBus interface {
	JobStart(jobID JobID, properties map[string]string)
	JobEnd(jobID JobID, failed bool, reason string)
	StageSubmitted(stageID StageID, attemptID int)
	StageCompleted(stageID StageID, attemptID int, failed bool)
	TaskStart(stageID StageID, attemptID, partition int)
	TaskEnd(stageID StageID, attemptID, partition int, reason string)
}
