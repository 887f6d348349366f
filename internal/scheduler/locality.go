package scheduler

import (
	"context"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// localityResolver implements C4: computing a task's preferred locations
// (spec.md §4.4). It is only ever called from the event-loop thread while
// building a task batch (C5).
type localityResolver struct {
	registry *stageRegistry
	cache    *cacheLocationCache
	cfg      Config
}

func newLocalityResolver(registry *stageRegistry, cache *cacheLocationCache, cfg Config) *localityResolver {
	return &localityResolver{registry: registry, cache: cache, cfg: cfg}
}

// preferredLocations resolves the location list for one partition of stage
// (spec.md §4.4 "Resolution order"):
//  1. cache_location_cache, if populated for ds/partition
//  2. ds.preferred_locations(partition), the dataset's own hint
//  3. recurse into narrow-dependency parents, memoized on (dataset id, partition)
//  4. for a shuffle-map stage's own root, a shuffle-locality heuristic
//  5. empty list
func (l *localityResolver) preferredLocations(ctx context.Context, stage *Stage, partition int) []dataset.TaskLocation {
	visited := map[[2]int]bool{}
	return l.resolve(ctx, stage.Root, partition, stage, visited, 0)
}

func (l *localityResolver) resolve(ctx context.Context, ds dataset.Dataset, partition int, stage *Stage, visited map[[2]int]bool, depth int) []dataset.TaskLocation {
	key := [2]int{ds.ID(), partition}
	if visited[key] {
		return nil
	}
	visited[key] = true

	if locs := l.cache.locationsOfPartition(ctx, ds, partition); len(locs) > 0 {
		return locs
	}

	if locs := ds.PreferredLocations(partition); len(locs) > 0 {
		return locs
	}

	for _, dep := range ds.Dependencies() {
		if dep.Kind == dataset.Shuffle {
			continue
		}
		if locs := l.resolve(ctx, dep.Parent, partition, stage, visited, depth+1); len(locs) > 0 {
			return locs
		}
	}

	// Shuffle-locality heuristic: only applies at the top of the
	// recursion, to the stage's own root, and only for a shuffle-map
	// stage whose root reads a single shuffle dependency directly
	// (spec.md §4.4 "Shuffle locality heuristic").
	if depth == 0 && stage.isShuffleMap() && l.cfg.ShuffleReduceLocalityEnabled {
		if locs := l.shuffleHeuristic(ds, partition, stage); len(locs) > 0 {
			return locs
		}
	}

	return nil
}

func (l *localityResolver) shuffleHeuristic(ds dataset.Dataset, partition int, stage *Stage) []dataset.TaskLocation {
	for _, dep := range ds.Dependencies() {
		if dep.Kind != dataset.Shuffle {
			continue
		}
		mapStage, err := l.registry.getOrCreateShuffleMapStage(dep, stage.FirstJobID)
		if err != nil {
			continue
		}
		numMapPartitions := mapStage.NumPartitions
		if numMapPartitions == 0 {
			continue
		}
		if numMapPartitions > l.cfg.ShufflePrefMapThreshold || stage.NumPartitions > l.cfg.ShufflePrefReduceThreshold {
			continue
		}
		locs := l.registry.mot.GetLocationsWithLargestOutputs(mapStage.ShuffleID, partition, numMapPartitions, l.cfg.ReducerPrefLocsFraction)
		if len(locs) > 0 {
			return locs
		}
	}
	return nil
}
