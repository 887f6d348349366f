// Package jobhistory is a side-channel, bbolt-backed ledger of completed
// job outcomes (SPEC_FULL.md "Job history"). It is never read back by the
// scheduler: §6.4's "no persisted state" still holds for scheduling
// decisions, this is an operator-facing record only.
package jobhistory

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/dagsched/internal/scheduler"
)

var bucketJobs = []byte("jobs")

// Record is one completed job's outcome, keyed by job id.
type Record struct {
	JobID        scheduler.JobID `json:"job_id"`
	Group        string          `json:"group,omitempty"`
	Failed       bool            `json:"failed"`
	Reason       string          `json:"reason,omitempty"`
	Partitions   int             `json:"partitions"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	DurationMS   int64           `json:"duration_ms"`
}

// Store is an append-mostly ledger backed by a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job history db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create job history bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put appends or overwrites a job's record.
func (s *Store) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job history record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put(jobKey(rec.JobID), data)
	})
}

// Get retrieves a job's record by id.
func (s *Store) Get(jobID scheduler.JobID) (Record, bool, error) {
	var rec Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(jobKey(jobID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// Sweep deletes every record older than cutoff, returning the count removed
// (the retention half of SPEC_FULL.md's periodic maintenance job).
func (s *Store) Sweep(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		cursor := bucket.Cursor()
		var stale [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.FinishedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func jobKey(jobID scheduler.JobID) []byte {
	return []byte(fmt.Sprintf("%020d", int64(jobID)))
}
