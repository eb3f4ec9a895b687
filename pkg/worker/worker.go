package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/metrics"
	"github.com/cuemby/spark/pkg/protocol"
)

// State is the state of one job slot
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Job is one assignment as handed to an Executor
type Job struct {
	// ID is the scheduler's job UUID, or a generated one when the payload
	// carries none. It is always safe to use as a path element.
	ID      string
	Payload protocol.JobPayload
	// Info is nil when the payload could not be inspected
	Info *protocol.JobInfo
	// Output, when set, receives the job's log output as it is produced.
	// Executors write to it in addition to their own log.
	Output io.Writer
}

// NewJob wraps a payload, taking the ID from the payload when it has a valid UUID
func NewJob(payload protocol.JobPayload) *Job {
	job := &Job{Payload: payload}

	if info, err := protocol.Inspect(payload); err == nil {
		job.Info = info
		if id, err := uuid.Parse(info.UUID); err == nil {
			job.ID = id.String()
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job
}

// Observer is told about job starts, output and completions. Calls happen
// on the worker's own goroutine while the worker is still Running, in the
// order started, output excerpts, finished.
type Observer interface {
	JobStarted(worker string, job *Job)
	JobOutput(worker string, job *Job, excerpt string)
	JobFinished(worker string, job *Job, err error)
}

// Observers fans every event out to each observer in turn
type Observers []Observer

func (o Observers) JobStarted(worker string, job *Job) {
	for _, obs := range o {
		obs.JobStarted(worker, job)
	}
}

func (o Observers) JobOutput(worker string, job *Job, excerpt string) {
	for _, obs := range o {
		obs.JobOutput(worker, job, excerpt)
	}
}

func (o Observers) JobFinished(worker string, job *Job, err error) {
	for _, obs := range o {
		obs.JobFinished(worker, job, err)
	}
}

// Worker is one job slot. It runs at most one job at a time on its own goroutine.
type Worker struct {
	name     string
	executor Executor
	observer Observer
	onIdle   func()

	state atomic.Int32

	mu  sync.Mutex
	job *Job
}

// Name returns the worker name, e.g. "worker-0"
func (w *Worker) Name() string {
	return w.name
}

// IsRunning reports whether a job is executing. It never blocks.
func (w *Worker) IsRunning() bool {
	return w.State() == Running
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// CurrentJob returns the running job, or nil when idle
func (w *Worker) CurrentJob() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

// AssignAndStart starts executing payload and returns immediately. Assigning
// to a running worker is a programming error and panics.
func (w *Worker) AssignAndStart(payload protocol.JobPayload) *Job {
	if !w.state.CompareAndSwap(int32(Idle), int32(Running)) {
		panic(fmt.Sprintf("worker %s: job assigned while a job is running", w.name))
	}

	job := NewJob(payload)

	var excerpts *excerptWriter
	if w.observer != nil {
		excerpts = newExcerptWriter(excerptSize, func(s string) {
			w.observer.JobOutput(w.name, job, s)
		})
		job.Output = excerpts
	}

	w.mu.Lock()
	w.job = job
	w.mu.Unlock()

	go w.run(job, excerpts)
	return job
}

func (w *Worker) run(job *Job, excerpts *excerptWriter) {
	logger := log.WithWorker(w.name).With().Str("job_id", job.ID).Logger()
	logger.Info().Msg("Job started")

	timer := metrics.NewTimer()
	metrics.JobsStarted.Inc()
	if w.observer != nil {
		w.observer.JobStarted(w.name, job)
	}

	err := w.execute(job)
	if excerpts != nil {
		excerpts.Flush()
	}

	timer.ObserveDuration(metrics.JobDuration)
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		metrics.JobsFinished.WithLabelValues("rejected").Inc()
		logger.Warn().Err(err).Msg("Job rejected")
	case err != nil:
		metrics.JobsFinished.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Dur("duration", timer.Duration()).Msg("Job failed")
	default:
		metrics.JobsFinished.WithLabelValues("succeeded").Inc()
		logger.Info().Dur("duration", timer.Duration()).Msg("Job finished")
	}
	if w.observer != nil {
		w.observer.JobFinished(w.name, job, err)
	}

	w.mu.Lock()
	w.job = nil
	w.mu.Unlock()

	// Last write of the goroutine: Running holds exactly while it is alive
	w.state.Store(int32(Idle))
	if w.onIdle != nil {
		w.onIdle()
	}
}

// execute contains executor panics so that a broken job cannot take the
// agent down or leave the slot Running forever
func (w *Worker) execute(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RejectedError{JobID: job.ID, Err: fmt.Errorf("executor panicked: %v", r)}
		}
	}()
	return w.executor.Execute(context.Background(), job)
}
