package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/lighthouse"
	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/metrics"
	"github.com/cuemby/spark/pkg/protocol"
	"github.com/cuemby/spark/pkg/storage"
	"github.com/cuemby/spark/pkg/worker"
)

// Channel is the engine's view of the Secure Channel
type Channel interface {
	SendAndAwait(ctx context.Context, message string, timeout time.Duration) lighthouse.Outcome
	Reconnect() error
	Close() error
}

// Engine is the coordinator. It alone uses the channel, so at most one job
// request is outstanding at any time.
type Engine struct {
	cfg      *config.Config
	identity *config.Identity
	channel  Channel
	pool     *worker.Pool
	ledger   storage.Ledger
	logger   zerolog.Logger

	status      *statusQueue
	reconnectCh chan struct{}
}

// New creates an engine with cfg.Capacity() workers running jobs on executor.
// Job state changes are reported to the Lighthouse and, when ledger is not
// nil, recorded in the ledger.
func New(cfg *config.Config, identity *config.Identity, channel Channel, executor worker.Executor, ledger storage.Ledger) *Engine {
	e := &Engine{
		cfg:         cfg,
		identity:    identity,
		channel:     channel,
		ledger:      ledger,
		logger:      log.WithComponent("engine"),
		status:      newStatusQueue(),
		reconnectCh: make(chan struct{}, 1),
	}

	observers := worker.Observers{&statusReporter{identity: identity, queue: e.status}}
	if ledger != nil {
		observers = append(observers, &ledgerObserver{ledger: ledger})
	}
	e.pool = worker.NewPool(cfg.Capacity(), executor, observers)

	return e
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

func (e *Engine) Identity() *config.Identity {
	return e.identity
}

func (e *Engine) Pool() *worker.Pool {
	return e.pool
}

// Ledger returns the job ledger, or nil when running without one
func (e *Engine) Ledger() storage.Ledger {
	return e.ledger
}

// Run polls for jobs until ctx is cancelled, then waits for running jobs to
// finish. Running jobs are never interrupted.
func (e *Engine) Run(ctx context.Context) error {
	logger := log.WithMachine(e.identity.MachineName)
	logger.Info().
		Str("machine_id", e.identity.MachineID).
		Int("capacity", e.pool.Capacity()).
		Msgf("Running on %s (%s), job capacity: %d", e.identity.MachineName, e.identity.MachineID, e.pool.Capacity())

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.Poll(ctx)
		if !e.wait(ctx, ticker.C) {
			return e.drain()
		}
	}
}

// wait blocks until the next poll is due, sending job status messages as
// they arrive. It returns false once ctx is done.
func (e *Engine) wait(ctx context.Context, tick <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-e.reconnectCh:
			e.reconnect()
			return true
		case <-e.status.ready:
			e.flushStatus(ctx)
		case <-tick:
			return true
		}
	}
}

// RequestReconnect asks the loop to re-establish the channel between polls
func (e *Engine) RequestReconnect() {
	select {
	case e.reconnectCh <- struct{}{}:
	default:
	}
}

func (e *Engine) reconnect() {
	if err := e.channel.Reconnect(); err != nil {
		metrics.UpdateComponent("lighthouse", false, err.Error())
		e.logger.Error().Err(err).Msg("Failed to reconnect to Lighthouse")
	}
}

// drain waits for running jobs and sends their remaining status messages.
// The caller's context is already done, so sends use their own.
func (e *Engine) drain() error {
	if n := e.pool.Running(); n > 0 {
		e.logger.Info().Int("running", n).Msg("Waiting for running jobs to finish")
	}

	idle := make(chan error, 1)
	go func() {
		idle <- e.pool.WaitIdle(context.Background())
	}()

	for {
		select {
		case <-e.status.ready:
			e.flushStatus(context.Background())
		case err := <-idle:
			if err != nil {
				return err
			}
			for e.status.pending() && e.flushStatus(context.Background()) {
			}
			e.logger.Info().Msg("All workers idle, shutting down")
			return nil
		}
	}
}

// WorkerStatus reports every job slot and the job it runs
func (e *Engine) WorkerStatus() []metrics.WorkerStatus {
	workers := e.pool.Workers()
	out := make([]metrics.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		ws := metrics.WorkerStatus{Name: w.Name(), State: w.State().String()}
		if job := w.CurrentJob(); job != nil {
			ws.JobID = job.ID
			if job.Info != nil {
				ws.Kind = job.Info.Kind
			}
		}
		out = append(out, ws)
	}
	return out
}

// Poll runs one job-request cycle for every worker that is idle when reached.
// Queued job status messages go out before each request.
func (e *Engine) Poll(ctx context.Context) {
	for w := range e.pool.IdleWorkers() {
		if ctx.Err() != nil {
			return
		}
		if !e.flushStatus(ctx) {
			return
		}
		e.requestCycle(ctx, w)
	}
}

func (e *Engine) requestCycle(ctx context.Context, w *worker.Worker) {
	logger := log.WithWorker(w.Name())

	request := protocol.EncodeRequest(e.identity)

	timer := metrics.NewTimer()
	out := e.channel.SendAndAwait(ctx, request, e.cfg.RequestTimeout)
	timer.ObserveDurationVec(metrics.RequestDuration, metrics.RequestJob)

	switch out.Status {
	case lighthouse.Delivered:
		metrics.UpdateComponent("lighthouse", true, "")
		e.dispatch(logger, w, out.Reply)

	case lighthouse.Expired:
		metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeExpired).Inc()
		metrics.UpdateComponent("lighthouse", false, "job request expired")
		logger.Warn().
			Dur("timeout", e.cfg.RequestTimeout).
			Msg("Job request expired (the server might be down or unreachable)")
		e.backoff(ctx)

	case lighthouse.Terminated:
		metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeTerminated).Inc()
		logger.Info().Msg("Job request was terminated")

	default:
		metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		metrics.UpdateComponent("lighthouse", false, "job request failed")
		logger.Error().Err(out.Err).Msg("Job request failed")
		e.backoff(ctx)
	}
}

// dispatch validates a delivered reply and starts the worker on it
func (e *Engine) dispatch(logger zerolog.Logger, w *worker.Worker, reply string) {
	payload, err := protocol.DecodeAssignment(reply)
	if err != nil {
		metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		logger.Warn().Err(err).Msg("Ignoring reply to job request")
		return
	}

	info, err := protocol.Inspect(payload)
	if err != nil {
		var serverErr *protocol.ServerError
		switch {
		case errors.Is(err, protocol.ErrNoJob):
			metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeNoJob).Inc()
			logger.Debug().Msg("No job available")
		case errors.As(err, &serverErr):
			metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			logger.Warn().Str("server_error", serverErr.Message).Msg("Lighthouse answered with an error")
		default:
			metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			logger.Warn().Err(err).Msg("Ignoring malformed reply to job request")
		}
		return
	}

	job := w.AssignAndStart(payload)
	metrics.JobRequestsTotal.WithLabelValues(metrics.OutcomeAssigned).Inc()
	logger.Info().
		Str("job_id", job.ID).
		Str("kind", info.Kind).
		Str("module", info.Module).
		Msg("Received job")
}

// backoff pauses further requests after an unanswered one. Cancelling ctx
// ends the pause early.
func (e *Engine) backoff(ctx context.Context) {
	metrics.BackoffsTotal.Inc()

	t := time.NewTimer(e.cfg.ExpiryBackoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close releases the channel and the ledger. Call it after Run returns.
func (e *Engine) Close() error {
	err := e.channel.Close()
	if e.ledger != nil {
		err = errors.Join(err, e.ledger.Close())
	}
	return err
}
