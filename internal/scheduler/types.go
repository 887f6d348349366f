package scheduler

import (
	"sync"
	"time"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// StageID, JobID and ShuffleID are the monotonic integer identifiers the
// registry hands out (spec.md §9 "Graph representation" — ids, not
// pointers, so stage/job cycles are just map lookups).
type StageID int
type JobID int
type ShuffleID int

// MapStatus names the host/executor that holds one shuffle map output
// partition's bytes (spec.md GLOSSARY).
type MapStatus struct {
	Location dataset.TaskLocation
	SizeHint int64
}

// stageKind discriminates the two stage variants (spec.md §3).
type stageKind int

const (
	shuffleMapStageKind stageKind = iota
	resultStageKind
)

// Stage is the union of ShuffleMapStage and ResultStage attributes. Only
// the fields relevant to its Kind are meaningful; the task builder and
// completion handler branch on Kind to know which half to use.
type Stage struct {
	mu sync.Mutex

	ID     StageID
	Kind   stageKind
	Root   dataset.Dataset
	Parents []*Stage

	FirstJobID JobID
	jobIDs     map[JobID]struct{}

	// attempt bookkeeping
	latestAttemptID int
	pending         map[TaskKey]struct{}

	// state machine: waiting -> running -> finished, with a running ->
	// failed -> waiting/running side loop (spec.md §4.7 "State machine for
	// a stage").
	state       stageState
	failureMsg  string
	aborted     bool
	abortReason string

	// --- shuffle map stage only ---
	ShuffleID         ShuffleID
	NumPartitions     int
	OutputLocs        [][]MapStatus // head = OutputLocs[i][0]
	NumAvailableOutputs int

	// --- result stage only ---
	JobIDOwner JobID
	Partitions []int // target partition indices into Root
}

type stageState int

const (
	stageWaiting stageState = iota
	stageRunning
	stageFinished
)

// TaskKey identifies one task attempt uniquely, used as the stage pending
// set's key and as the argument TaskRunner.KillTask receives back.
type TaskKey struct {
	StageID   StageID
	AttemptID int
	Partition int
}

func newShuffleMapStage(id StageID, root dataset.Dataset, shuffleID ShuffleID, numPartitions int, parents []*Stage, firstJob JobID) *Stage {
	return &Stage{
		ID:            id,
		Kind:          shuffleMapStageKind,
		Root:          root,
		Parents:       parents,
		FirstJobID:    firstJob,
		jobIDs:        make(map[JobID]struct{}),
		pending:       make(map[TaskKey]struct{}),
		ShuffleID:     shuffleID,
		NumPartitions: numPartitions,
		OutputLocs:    make([][]MapStatus, numPartitions),
	}
}

func newResultStage(id StageID, root dataset.Dataset, partitions []int, parents []*Stage, jobID JobID) *Stage {
	return &Stage{
		ID:         id,
		Kind:       resultStageKind,
		Root:       root,
		Parents:    parents,
		FirstJobID: jobID,
		jobIDs:     make(map[JobID]struct{}),
		pending:    make(map[TaskKey]struct{}),
		JobIDOwner: jobID,
		Partitions: partitions,
	}
}

// isAvailable reports whether a shuffle map stage has produced every
// partition's output (spec.md §3 invariant).
func (s *Stage) isAvailable() bool {
	return s.Kind == shuffleMapStageKind && s.NumAvailableOutputs == s.NumPartitions
}

func (s *Stage) isShuffleMap() bool { return s.Kind == shuffleMapStageKind }
func (s *Stage) isResult() bool     { return s.Kind == resultStageKind }

// outputLocHead returns the authoritative MapStatus for a partition, or
// (zero, false) if none has been reported yet.
func (s *Stage) outputLocHead(partition int) (MapStatus, bool) {
	locs := s.OutputLocs[partition]
	if len(locs) == 0 {
		return MapStatus{}, false
	}
	return locs[0], true
}

// --- Task variants (spec.md §3) ---

type TaskVariant int

const (
	ShuffleMapTaskVariant TaskVariant = iota
	ResultTaskVariant
)

// Task is a single dispatched unit of work. ClosureHandle is an opaque
// reference to the once-serialized (dataset, fn) or (dataset, shuffle_dep)
// broadcast the task builder produced for this attempt (spec.md §4.5,
// Design Notes "Broadcast closures").
type Task struct {
	Variant       TaskVariant
	StageID       StageID
	AttemptID     int
	Partition     int
	OutputIndex   int // result tasks only: offset into job.Partitions
	Preferred     []dataset.TaskLocation
	Epoch         int64
	ClosureHandle ClosureHandle
}

func (t Task) Key() TaskKey {
	return TaskKey{StageID: t.StageID, AttemptID: t.AttemptID, Partition: t.Partition}
}

// ClosureHandle is the scheduler's view of a broadcast closure: an opaque
// token the task runner can use to fetch the serialized bytes. The
// serialization/transport mechanics are out of scope (spec.md §1).
type ClosureHandle interface{}

// ActiveJob tracks one submitted job's completion state (spec.md §3).
type ActiveJob struct {
	mu sync.Mutex

	ID          JobID
	Group       string
	FinalStage  *Stage
	Partitions  []int
	Finished    []bool
	NumFinished int

	ResultHandler func(outputIndex int, result interface{}) error
	waiter        *JobWaiter

	submittedAt      time.Time
	warnedStarvation bool
}

func (j *ActiveJob) allFinished() bool {
	return j.NumFinished == len(j.Partitions)
}
