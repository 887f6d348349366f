// Package blockmanager implements the scheduler's BlockManager collaborator
// (spec.md §6.3): cache-location lookups and executor liveness, backed by
// a murmur3-sharded badger store so block metadata survives a block
// manager process restart.
package blockmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spaolacci/murmur3"

	"github.com/swarmguard/dagsched/internal/dataset"
	"github.com/swarmguard/dagsched/internal/obs/resilience"
)

// Store answers GetLocations/Heartbeat/RemoveExecutor against a set of
// badger shards, one per murmur3(blockID) bucket, each guarded by its own
// circuit breaker so one wedged shard doesn't stall lookups against the
// others.
type Store struct {
	shards []*badger.DB
	cbs    []*resilience.CircuitBreaker

	mu        sync.RWMutex
	liveHosts map[string]time.Time // executor/bm id -> last heartbeat

	log *slog.Logger
}

type blockRecord struct {
	Locations []dataset.TaskLocation `json:"locations"`
}

// Open opens numShards badger databases rooted at baseDir/shard-N.
func Open(baseDir string, numShards int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if numShards <= 0 {
		numShards = 1
	}
	s := &Store{liveHosts: make(map[string]time.Time), log: log}
	for i := 0; i < numShards; i++ {
		opts := badger.DefaultOptions(fmt.Sprintf("%s/shard-%d", baseDir, i)).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			for _, opened := range s.shards {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open badger shard %d: %w", i, err)
		}
		s.shards = append(s.shards, db)
		s.cbs = append(s.cbs, resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 2*time.Second, 2))
	}
	return s, nil
}

func (s *Store) Close() error {
	var firstErr error
	for _, db := range s.shards {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) shardFor(blockID string) int {
	h := murmur3.Sum32([]byte(blockID))
	return int(h) % len(s.shards)
}

// GetLocations looks up each block id's recorded locations, returning an
// empty slice for any block with no record (spec.md §4.3 cache miss path).
func (s *Store) GetLocations(ctx context.Context, blockIDs []string) ([][]dataset.TaskLocation, error) {
	out := make([][]dataset.TaskLocation, len(blockIDs))
	for i, id := range blockIDs {
		locs, err := s.getOne(id)
		if err != nil {
			return nil, err
		}
		out[i] = locs
	}
	return out, nil
}

func (s *Store) getOne(blockID string) ([]dataset.TaskLocation, error) {
	shard := s.shardFor(blockID)
	cb := s.cbs[shard]
	if !cb.Allow() {
		return nil, fmt.Errorf("block manager shard %d circuit open", shard)
	}

	var rec blockRecord
	err := s.shards[shard].View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blockID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	cb.RecordResult(err == nil)
	if err != nil {
		return nil, fmt.Errorf("read block %s: %w", blockID, err)
	}
	return rec.Locations, nil
}

// PutLocation records that a block's bytes landed at loc (called by the
// worker-side write path, out of the scheduler's scope but part of this
// store's own API).
func (s *Store) PutLocation(blockID string, loc dataset.TaskLocation) error {
	shard := s.shardFor(blockID)
	cb := s.cbs[shard]
	if !cb.Allow() {
		return fmt.Errorf("block manager shard %d circuit open", shard)
	}

	err := s.shards[shard].Update(func(txn *badger.Txn) error {
		var rec blockRecord
		item, err := txn.Get([]byte(blockID))
		if err == nil {
			_ = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		rec.Locations = append(rec.Locations, loc)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set([]byte(blockID), data)
	})
	cb.RecordResult(err == nil)
	return err
}

// RemoveExecutor drops every liveness record for execID; this store
// doesn't host external shuffle service state, so it always reports false.
func (s *Store) RemoveExecutor(ctx context.Context, execID string) (hostsExternalShuffle bool, err error) {
	s.mu.Lock()
	delete(s.liveHosts, execID)
	s.mu.Unlock()
	return false, nil
}

// Heartbeat records that bmID is alive.
func (s *Store) Heartbeat(ctx context.Context, bmID string) error {
	s.mu.Lock()
	s.liveHosts[bmID] = time.Now()
	s.mu.Unlock()
	return nil
}

// StaleExecutors returns every executor/bm id whose last heartbeat is
// older than maxAge (SPEC_FULL.md "Periodic maintenance" executor-epoch GC
// input). It does not mutate liveHosts; the caller decides what to do with
// each stale id (e.g. ReportExecutorLost followed by RemoveExecutor).
func (s *Store) StaleExecutors(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []string
	for id, last := range s.liveHosts {
		if last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}
