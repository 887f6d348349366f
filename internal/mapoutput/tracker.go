// Package mapoutput implements the scheduler's MapOutputTracker
// collaborator (spec.md §6.3): the authoritative registry of which
// executor holds each shuffle map output partition, plus a monotonic
// epoch counter invalidated on executor loss.
package mapoutput

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/dagsched/internal/dataset"
	"github.com/swarmguard/dagsched/internal/scheduler"
)

// Tracker holds the in-memory shuffle_id -> []MapStatus table authoritative
// for the scheduler, and mirrors it to Redis in serialized form so other
// processes (worker fetchers) can read GetSerializedMapOutputStatuses
// without a round trip to the scheduler itself.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[scheduler.ShuffleID][]scheduler.MapStatus
	epoch    int64 // atomic

	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{statuses: make(map[scheduler.ShuffleID][]scheduler.MapStatus), rdb: rdb, log: log}
}

func (t *Tracker) ContainsShuffle(id scheduler.ShuffleID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.statuses[id]
	return ok
}

func (t *Tracker) RegisterShuffle(id scheduler.ShuffleID, numPartitions int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.statuses[id]; ok {
		return
	}
	t.statuses[id] = make([]scheduler.MapStatus, numPartitions)
}

func (t *Tracker) RegisterMapOutputs(id scheduler.ShuffleID, locs []scheduler.MapStatus, changeEpoch bool) {
	t.mu.Lock()
	t.statuses[id] = locs
	t.mu.Unlock()
	if changeEpoch {
		t.IncrementEpoch()
	}
	t.mirror(id, locs)
}

func (t *Tracker) UnregisterMapOutput(id scheduler.ShuffleID, mapID int, bmAddress dataset.TaskLocation) {
	t.mu.Lock()
	locs, ok := t.statuses[id]
	if ok && mapID >= 0 && mapID < len(locs) && locs[mapID].Location == bmAddress {
		locs[mapID] = scheduler.MapStatus{}
	}
	snapshot := append([]scheduler.MapStatus(nil), locs...)
	t.mu.Unlock()
	if ok {
		t.mirror(id, snapshot)
	}
}

func (t *Tracker) GetMapStatuses(id scheduler.ShuffleID) []scheduler.MapStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]scheduler.MapStatus(nil), t.statuses[id]...)
}

// GetSerializedMapOutputStatuses returns the Redis-mirrored JSON encoding
// of a shuffle's statuses, for workers that fetch shuffle blocks directly
// instead of going through the scheduler process.
func (t *Tracker) GetSerializedMapOutputStatuses(id scheduler.ShuffleID) ([]byte, error) {
	if t.rdb == nil {
		return t.serializeLocal(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := t.rdb.Get(ctx, mirrorKey(id)).Bytes()
	if err == redis.Nil {
		return t.serializeLocal(id)
	}
	if err != nil {
		t.log.Warn("map output redis read failed, falling back to local", slog.Any("error", err))
		return t.serializeLocal(id)
	}
	return data, nil
}

func (t *Tracker) serializeLocal(id scheduler.ShuffleID) ([]byte, error) {
	return json.Marshal(t.GetMapStatuses(id))
}

func (t *Tracker) mirror(id scheduler.ShuffleID, locs []scheduler.MapStatus) {
	if t.rdb == nil {
		return
	}
	data, err := json.Marshal(locs)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.rdb.Set(ctx, mirrorKey(id), data, time.Hour).Err(); err != nil {
		t.log.Warn("map output redis mirror failed", slog.Any("error", err))
	}
}

// GetLocationsWithLargestOutputs implements the shuffle-locality heuristic
// (spec.md §4.4): it totals the recorded map output sizes per distinct
// location (host plus executor) and returns, in no particular order, every
// location whose share of the total is at least fraction.
func (t *Tracker) GetLocationsWithLargestOutputs(shuffleID scheduler.ShuffleID, reducerPartition, numMapPartitions int, fraction float64) []dataset.TaskLocation {
	t.mu.RLock()
	locs := t.statuses[shuffleID]
	t.mu.RUnlock()
	if len(locs) == 0 {
		return nil
	}

	totalsByHost := map[dataset.TaskLocation]int64{}
	var total int64
	for _, ms := range locs {
		if ms.Location.Host == "" && ms.Location.ExecutorID == "" {
			continue
		}
		totalsByHost[ms.Location] += ms.SizeHint
		total += ms.SizeHint
	}
	if total == 0 {
		return nil
	}

	var out []dataset.TaskLocation
	for loc, size := range totalsByHost {
		if float64(size)/float64(total) >= fraction {
			out = append(out, loc)
		}
	}
	return out
}

func (t *Tracker) CurrentEpoch() int64 {
	return atomic.LoadInt64(&t.epoch)
}

func (t *Tracker) IncrementEpoch() int64 {
	return atomic.AddInt64(&t.epoch, 1)
}

func mirrorKey(id scheduler.ShuffleID) string {
	return "dagsched:mapoutput:" + strconv.FormatInt(int64(id), 10)
}
