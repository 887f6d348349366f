package scheduler

import (
	"sync/atomic"

	"github.com/swarmguard/dagsched/internal/dataset"
	"github.com/swarmguard/dagsched/internal/scheduler/errs"
)

// stageRegistry implements C2: creating, indexing and looking up stages,
// and maintaining the job <-> stage tag sets (spec.md §4.2). It is only
// ever mutated from the event-loop thread (spec.md §5).
type stageRegistry struct {
	nextStageID int64 // atomic, see spec.md §5 "Monotonic id counters"

	byID           map[StageID]*Stage
	byShuffleID    map[ShuffleID]*Stage
	jobToStages    map[JobID]map[StageID]struct{}
	activeJobs     map[JobID]*ActiveJob
	jobsByGroup    map[string]map[JobID]struct{}

	waiting map[StageID]*Stage
	running map[StageID]*Stage
	failed  map[StageID]*Stage

	mot      MapOutputTracker
	analyzer *dependencyAnalyzer // set once by New; breaks the registry<->analyzer init cycle
}

func newStageRegistry(mot MapOutputTracker) *stageRegistry {
	return &stageRegistry{
		byID:        make(map[StageID]*Stage),
		byShuffleID: make(map[ShuffleID]*Stage),
		jobToStages: make(map[JobID]map[StageID]struct{}),
		activeJobs:  make(map[JobID]*ActiveJob),
		jobsByGroup: make(map[string]map[JobID]struct{}),
		waiting:     make(map[StageID]*Stage),
		running:     make(map[StageID]*Stage),
		failed:      make(map[StageID]*Stage),
		mot:         mot,
	}
}

func (r *stageRegistry) newStageID() StageID {
	return StageID(atomic.AddInt64(&r.nextStageID, 1))
}

func (r *stageRegistry) hasShuffleMapStage(id ShuffleID) bool {
	_, ok := r.byShuffleID[id]
	return ok
}

// getOrCreateShuffleMapStage is C2's core allocator (spec.md §4.2).
func (r *stageRegistry) getOrCreateShuffleMapStage(dep dataset.Dependency, firstJobID JobID) (*Stage, error) {
	if st, ok := r.byShuffleID[ShuffleID(dep.ShuffleID)]; ok {
		return st, nil
	}

	// Register missing ancestors first (recursively), per spec.md §4.2.
	parents, err := r.analyzer.directParentStages(dep.Parent, firstJobID)
	if err != nil {
		return nil, err
	}

	id := r.newStageID()
	st := newShuffleMapStage(id, dep.Parent, ShuffleID(dep.ShuffleID), dep.Parent.NumPartitions(), parents, firstJobID)

	if r.mot.ContainsShuffle(st.ShuffleID) {
		// The registry already has outputs for this shuffle id (e.g. a prior
		// stage attempt registered them before this stage object was
		// rebuilt): seed output_locs/num_available_outputs from them instead
		// of starting the stage out empty (spec.md §4.2).
		statuses := r.mot.GetMapStatuses(st.ShuffleID)
		for p := 0; p < len(statuses) && p < len(st.OutputLocs); p++ {
			ms := statuses[p]
			if ms.Location.Host == "" && ms.Location.ExecutorID == "" {
				continue
			}
			st.OutputLocs[p] = append(st.OutputLocs[p], ms)
			st.NumAvailableOutputs++
		}
	} else {
		r.mot.RegisterShuffle(st.ShuffleID, st.NumPartitions)
	}

	r.byID[id] = st
	r.byShuffleID[st.ShuffleID] = st
	return st, nil
}

// newResultStageFor builds and indexes a new result stage (spec.md §4.2).
func (r *stageRegistry) newResultStageFor(root dataset.Dataset, partitions []int, jobID JobID) (*Stage, error) {
	parents, err := r.analyzer.directParentStages(root, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStageConstruction, "build parent stages", err)
	}
	id := r.newStageID()
	st := newResultStage(id, root, partitions, parents, jobID)
	r.byID[id] = st
	return st, nil
}

// updateJobStageMaps tags stage and all its ancestors with jobID
// (spec.md §4.2).
func (r *stageRegistry) updateJobStageMaps(jobID JobID, stage *Stage) {
	visited := map[StageID]bool{}
	var walk func(*Stage)
	walk = func(s *Stage) {
		if visited[s.ID] {
			return
		}
		visited[s.ID] = true
		if _, tagged := s.jobIDs[jobID]; !tagged {
			s.jobIDs[jobID] = struct{}{}
			if r.jobToStages[jobID] == nil {
				r.jobToStages[jobID] = make(map[StageID]struct{})
			}
			r.jobToStages[jobID][s.ID] = struct{}{}
		}
		for _, p := range s.Parents {
			walk(p)
		}
	}
	walk(stage)
}

// activeJobFor returns the smallest active job id that both owns stage and
// is still active (spec.md §4.2, Design Notes "earliest active job").
func (r *stageRegistry) activeJobFor(stage *Stage) (JobID, bool) {
	best := JobID(0)
	found := false
	for jid := range stage.jobIDs {
		if _, active := r.activeJobs[jid]; !active {
			continue
		}
		if !found || jid < best {
			best = jid
			found = true
		}
	}
	return best, found
}

// cleanupForCompletedJob untags job from every stage it touched, removing
// stages whose tag set becomes empty from all indices (spec.md §4.2).
func (r *stageRegistry) cleanupForCompletedJob(jobID JobID) {
	stageIDs := r.jobToStages[jobID]
	delete(r.jobToStages, jobID)
	delete(r.activeJobs, jobID)

	for sid := range stageIDs {
		st, ok := r.byID[sid]
		if !ok {
			continue
		}
		delete(st.jobIDs, jobID)
		if len(st.jobIDs) == 0 {
			delete(r.byID, sid)
			if st.isShuffleMap() {
				delete(r.byShuffleID, st.ShuffleID)
			}
			delete(r.waiting, sid)
			delete(r.running, sid)
			delete(r.failed, sid)
		}
	}
}

func (r *stageRegistry) markWaiting(s *Stage) {
	delete(r.running, s.ID)
	r.waiting[s.ID] = s
	s.state = stageWaiting
}

func (r *stageRegistry) markRunning(s *Stage) {
	delete(r.waiting, s.ID)
	r.running[s.ID] = s
	s.state = stageRunning
}

func (r *stageRegistry) markFailed(s *Stage) {
	delete(r.running, s.ID)
	r.failed[s.ID] = s
}

func (r *stageRegistry) clearFailed(s *Stage) {
	delete(r.failed, s.ID)
}

func (r *stageRegistry) markFinished(s *Stage) {
	delete(r.waiting, s.ID)
	delete(r.running, s.ID)
	delete(r.failed, s.ID)
	s.state = stageFinished
}

// snapshotWaiting returns and clears the waiting set (spec.md §4.6
// "submit_waiting_stages ... iterates a snapshot of waiting_stages, clears
// it"), ordered by first_job_id ascending.
func (r *stageRegistry) snapshotWaiting() []*Stage {
	out := make([]*Stage, 0, len(r.waiting))
	for _, s := range r.waiting {
		out = append(out, s)
	}
	r.waiting = make(map[StageID]*Stage)
	sortStagesByFirstJobID(out)
	return out
}

func sortStagesByFirstJobID(stages []*Stage) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && stages[j-1].FirstJobID > stages[j].FirstJobID; j-- {
			stages[j-1], stages[j] = stages[j], stages[j-1]
		}
	}
}

// drainFailed returns and clears the failed set, ordered by first_job_id
// ascending (spec.md §4.8 resubmit_failed_stages).
func (r *stageRegistry) drainFailed() []*Stage {
	out := make([]*Stage, 0, len(r.failed))
	for _, s := range r.failed {
		out = append(out, s)
	}
	r.failed = make(map[StageID]*Stage)
	sortStagesByFirstJobID(out)
	return out
}
