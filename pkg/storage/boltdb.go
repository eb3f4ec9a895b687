package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/spark/pkg/log"
)

var (
	// Bucket names
	bucketJobs     = []byte("jobs")
	bucketJobOrder = []byte("job_order")
)

// DefaultMaxRecords bounds the ledger size
const DefaultMaxRecords = 1000

// BoltLedger implements Ledger using BoltDB. Jobs are stored by ID in one
// bucket and indexed by arrival sequence in another.
type BoltLedger struct {
	db         *bolt.DB
	maxRecords int
}

// NewBoltLedger opens or creates the ledger at path. Jobs left in the running
// state by a previous process are marked lost.
func NewBoltLedger(path string, maxRecords int) (*BoltLedger, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var lost int
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketJobOrder} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		b := tx.Bucket(bucketJobs)
		var stale []*JobRecord
		err := b.ForEach(func(k, v []byte) error {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == JobRunning {
				stale = append(stale, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, job := range stale {
			job.State = JobLost
			if err := putJob(b, job); err != nil {
				return err
			}
		}
		lost = len(stale)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if lost > 0 {
		logger := log.WithComponent("storage")
		logger.Warn().Int("count", lost).Msg("Marked jobs interrupted by the previous run as lost")
	}

	return &BoltLedger{db: db, maxRecords: maxRecords}, nil
}

// Close closes the database
func (s *BoltLedger) Close() error {
	return s.db.Close()
}

// RecordStart stores a new running job and prunes the oldest entries beyond
// the record limit
func (s *BoltLedger) RecordStart(job *JobRecord) error {
	if job.ID == "" {
		return fmt.Errorf("job record has no ID")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		order := tx.Bucket(bucketJobOrder)

		if job.State == "" {
			job.State = JobRunning
		}
		if job.StartedAt.IsZero() {
			job.StartedAt = time.Now()
		}

		// A redelivered job keeps its original position
		exists := jobs.Get([]byte(job.ID)) != nil
		if err := putJob(jobs, job); err != nil {
			return err
		}
		if exists {
			return nil
		}

		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		if err := order.Put(itob(seq), []byte(job.ID)); err != nil {
			return err
		}

		return s.prune(jobs, order)
	})
}

// RecordFinish marks a job as done. A nil jobErr means it succeeded.
func (s *BoltLedger) RecordFinish(id string, jobErr error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}

		var job JobRecord
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		job.FinishedAt = time.Now()
		job.State = JobSucceeded
		if jobErr != nil {
			job.State = JobFailed
			job.Error = jobErr.Error()
		}
		return putJob(b, &job)
	})
}

func (s *BoltLedger) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltLedger) ListRecent(limit int) ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketJobOrder).Cursor()

		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(jobs) >= limit {
				break
			}

			data := b.Get(id)
			if data == nil {
				continue
			}
			var job JobRecord
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	return jobs, err
}

func (s *BoltLedger) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(bucketJobs))
		return nil
	})
	return n, err
}

// prune drops the oldest order entries, and their jobs, beyond maxRecords
func (s *BoltLedger) prune(jobs, order *bolt.Bucket) error {
	excess := countKeys(order) - s.maxRecords
	if excess <= 0 {
		return nil
	}

	var stale [][]byte
	c := order.Cursor()
	for k, id := c.First(); k != nil && excess > 0; k, id = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
		if err := jobs.Delete(id); err != nil {
			return err
		}
		excess--
	}

	for _, k := range stale {
		if err := order.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func putJob(b *bolt.Bucket, job *JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put([]byte(job.ID), data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
