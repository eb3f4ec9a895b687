package storage

import (
	"errors"
	"time"
)

// JobState is the lifecycle state of a ledger entry
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	// JobLost marks jobs that were running when the agent last stopped
	JobLost JobState = "lost"
)

// ErrJobNotFound is returned for unknown job IDs
var ErrJobNotFound = errors.New("job not found")

// JobRecord is one job as seen by this agent
type JobRecord struct {
	ID         string    `json:"id"`
	Worker     string    `json:"worker"`
	Kind       string    `json:"kind,omitempty"`
	Module     string    `json:"module,omitempty"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Ledger keeps the local history of received jobs
type Ledger interface {
	RecordStart(job *JobRecord) error
	RecordFinish(id string, jobErr error) error
	GetJob(id string) (*JobRecord, error)
	// ListRecent returns up to limit jobs, newest first
	ListRecent(limit int) ([]*JobRecord, error)
	Count() (int, error)
	Close() error
}
