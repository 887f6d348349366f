package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/dagsched/internal/dataset"
)

// cacheLocationCache memoizes per-dataset partition locations (spec.md §4.3,
// C3). It is consulted from the event-loop thread during stage submission
// and from caller threads via the public GetPreferredLocations entry point,
// so access is serialized by a dedicated lock independent of the event
// loop's single-threaded discipline (spec.md §5).
type cacheLocationCache struct {
	mu  sync.Mutex
	bm  BlockManager
	cap map[int][][]dataset.TaskLocation // dataset id -> per-partition locations
}

func newCacheLocationCache(bm BlockManager) *cacheLocationCache {
	return &cacheLocationCache{bm: bm, cap: make(map[int][][]dataset.TaskLocation)}
}

// locationsOf returns cached locations for every partition of ds, querying
// the block manager on a cache miss (spec.md §4.3).
func (c *cacheLocationCache) locationsOf(ctx context.Context, ds dataset.Dataset) [][]dataset.TaskLocation {
	c.mu.Lock()
	if locs, ok := c.cap[ds.ID()]; ok {
		c.mu.Unlock()
		return locs
	}
	c.mu.Unlock()

	n := ds.NumPartitions()
	locs := make([][]dataset.TaskLocation, n)

	if ds.StorageLevel() == dataset.NoStorage {
		// per-partition empty lists without consulting the block manager
	} else {
		blockIDs := make([]string, n)
		for i := 0; i < n; i++ {
			blockIDs[i] = blockID(ds.ID(), i)
		}
		fetched, err := c.bm.GetLocations(ctx, blockIDs)
		if err == nil && len(fetched) == n {
			locs = fetched
		}
	}

	c.mu.Lock()
	c.cap[ds.ID()] = locs
	c.mu.Unlock()
	return locs
}

func (c *cacheLocationCache) locationsOfPartition(ctx context.Context, ds dataset.Dataset, partition int) []dataset.TaskLocation {
	locs := c.locationsOf(ctx, ds)
	if partition < 0 || partition >= len(locs) {
		return nil
	}
	return locs[partition]
}

// invalidate clears the whole cache, per spec.md §4.3's enumerated
// invalidation events: new job submission, fetch-failure resubmission,
// executor loss affecting shuffle outputs, and shuffle-map-stage
// completion registering new outputs.
func (c *cacheLocationCache) invalidate() {
	c.mu.Lock()
	c.cap = make(map[int][][]dataset.TaskLocation)
	c.mu.Unlock()
}

func blockID(datasetID, partition int) string {
	return fmt.Sprintf("rdd_%d_%d", datasetID, partition)
}
