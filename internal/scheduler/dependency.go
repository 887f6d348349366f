package scheduler

import (
	"context"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// dependencyAnalyzer implements C1: classifying a dataset's dependency
// chain into parent shuffle-map stages, ancestor shuffle dependencies, and
// missing parent stages (spec.md §4.1).
type dependencyAnalyzer struct {
	registry *stageRegistry
	cache    *cacheLocationCache
}

func newDependencyAnalyzer(registry *stageRegistry, cache *cacheLocationCache) *dependencyAnalyzer {
	return &dependencyAnalyzer{registry: registry, cache: cache}
}

// frame is one entry of the explicit traversal stack used in place of
// recursion (spec.md §4.1 "Traversal: uses an explicit stack to avoid
// unbounded recursion").
type frame struct {
	ds dataset.Dataset
}

// ancestorShuffleDependencies returns the transitive set of shuffle
// dependencies reachable from root whose shuffle-map stage does not yet
// exist, in the order first encountered. The walk crosses a shuffle
// boundary only where that shuffle has no stage yet; it stops at a shuffle
// whose stage already exists (spec.md §4.1).
func (a *dependencyAnalyzer) ancestorShuffleDependencies(root dataset.Dataset) []dataset.Dependency {
	var out []dataset.Dependency
	visited := map[int]bool{}
	stack := []frame{{ds: root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[f.ds.ID()] {
			continue
		}
		visited[f.ds.ID()] = true

		for _, dep := range f.ds.Dependencies() {
			if dep.Kind == dataset.Shuffle {
				if !a.registry.hasShuffleMapStage(ShuffleID(dep.ShuffleID)) {
					out = append(out, dep)
					// still walk the shuffle's parent to find its own
					// missing ancestors; further shuffles on this branch
					// are handled by the same rule.
					stack = append(stack, frame{ds: dep.Parent})
				}
			} else {
				stack = append(stack, frame{ds: dep.Parent})
			}
		}
	}
	return out
}

// directParentStages returns one shuffle-map stage per distinct shuffle
// dependency reachable from root through a chain of narrow dependencies
// only (spec.md §4.1).
func (a *dependencyAnalyzer) directParentStages(root dataset.Dataset, firstJobID JobID) ([]*Stage, error) {
	seen := map[ShuffleID]bool{}
	var parents []*Stage
	visited := map[int]bool{}
	stack := []frame{{ds: root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[f.ds.ID()] {
			continue
		}
		visited[f.ds.ID()] = true

		for _, dep := range f.ds.Dependencies() {
			if dep.Kind == dataset.Shuffle {
				sid := ShuffleID(dep.ShuffleID)
				if seen[sid] {
					continue
				}
				seen[sid] = true
				st, err := a.registry.getOrCreateShuffleMapStage(dep, firstJobID)
				if err != nil {
					return nil, err
				}
				parents = append(parents, st)
				// narrow traversal stops at the shuffle boundary; do not
				// descend into dep.Parent from here.
			} else {
				stack = append(stack, frame{ds: dep.Parent})
			}
		}
	}
	return parents, nil
}

// missingParentStages returns the subset of stage's ancestor stages that
// are not yet available, sorted by stage id for deterministic scheduling
// (spec.md §4.1, §4.5).
func (a *dependencyAnalyzer) missingParentStages(stage *Stage) []*Stage {
	missing := map[StageID]*Stage{}
	visited := map[int]bool{}
	stack := []frame{{ds: stage.Root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[f.ds.ID()] {
			continue
		}
		visited[f.ds.ID()] = true

		// A cached partition terminates traversal for that branch: if every
		// partition of this dataset already has a head location cached, we
		// don't need its narrow ancestors to be recomputed.
		if a.allPartitionsCached(f.ds) {
			continue
		}

		for _, dep := range f.ds.Dependencies() {
			if dep.Kind == dataset.Shuffle {
				mapStage, err := a.registry.getOrCreateShuffleMapStage(dep, stage.FirstJobID)
				if err != nil {
					continue
				}
				if !mapStage.isAvailable() {
					missing[mapStage.ID] = mapStage
				}
			} else {
				stack = append(stack, frame{ds: dep.Parent})
			}
		}
	}

	out := make([]*Stage, 0, len(missing))
	for _, s := range missing {
		out = append(out, s)
	}
	sortStagesByID(out)
	return out
}

func (a *dependencyAnalyzer) allPartitionsCached(ds dataset.Dataset) bool {
	if ds.NumPartitions() == 0 {
		return false
	}
	locs := a.cache.locationsOf(context.Background(), ds)
	if len(locs) != ds.NumPartitions() {
		return false
	}
	for _, l := range locs {
		if len(l) == 0 {
			return false
		}
	}
	return true
}

func sortStagesByID(stages []*Stage) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && stages[j-1].ID > stages[j].ID; j-- {
			stages[j-1], stages[j] = stages[j], stages[j-1]
		}
	}
}
