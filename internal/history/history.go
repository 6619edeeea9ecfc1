// Package history records completed rulesync operations in a bbolt database.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/schaermu/rulesync/internal/sync"
)

// BucketName is the bucket holding one entry per run.
const BucketName = "runs"

// Run is one finished operation.
type Run struct {
	ID        uint64         `json:"id"`
	Op        string         `json:"op"`
	Workspace string         `json:"workspace"`
	Started   time.Time      `json:"started"`
	Finished  time.Time      `json:"finished"`
	Stats     sync.SyncStats `json:"stats"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Failed reports whether the run ended with an error.
func (r Run) Failed() bool {
	return r.Error != ""
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Store is an append-only ledger of runs.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path. The timeout keeps a second
// process from blocking forever on the file lock.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends run and returns it with its assigned ID.
func (s *Store) Record(run Run) (Run, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		run.ID = id

		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(key(id), data)
	})
	if err != nil {
		return Run{}, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// Recent returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) Recent(limit int) ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketName)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run %d: %w", binary.BigEndian.Uint64(k), err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// NewRun builds a Run from an operation's outcome.
func NewRun(op sync.Op, workspace string, started, finished time.Time, stats sync.SyncStats, opErr error) Run {
	run := Run{
		Op:        string(op),
		Workspace: workspace,
		Started:   started,
		Finished:  finished,
		Stats:     stats,
	}
	if opErr != nil {
		run.Error = opErr.Error()
		run.ErrorKind = string(sync.KindOf(opErr))
		var decision *sync.DecisionError
		if errors.As(opErr, &decision) {
			run.ErrorKind = "DECISION_REQUIRED"
		}
	}
	return run
}

// key encodes id big-endian so cursor order is insertion order.
func key(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}
