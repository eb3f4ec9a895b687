package engine

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/lighthouse"
	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/metrics"
	"github.com/cuemby/spark/pkg/storage"
	"github.com/cuemby/spark/pkg/worker"
)

// OpenFunc opens the Secure Channel
type OpenFunc func(cfg *config.Config, identity *config.Identity) (Channel, error)

// Options controls Setup. Zero values select the production parts.
type Options struct {
	Fs         afero.Fs
	ConfigPath string
	Open       OpenFunc
	Executor   worker.Executor
	// DisableLedger runs without the local job history
	DisableLedger bool
}

// Setup performs the startup sequence: load configuration and identity, open
// the channel, then build the worker pool. Configuration and channel errors
// are returned unchanged so the caller can report them; nothing is left
// running on failure.
func Setup(opts Options) (*Engine, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Open == nil {
		opts.Open = openLighthouse
	}

	cfg, identity, err := config.Load(opts.Fs, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Log()

	metrics.SetIdentity(identity.MachineName, identity.ClientUUID)
	metrics.UpdateComponent("lighthouse", false, "connecting")

	logger := log.WithComponent("engine")
	logger.Debug().Str("client_uuid", identity.ClientUUID).Msg("Client identity")

	channel, err := opts.Open(cfg, identity)
	if err != nil {
		return nil, err
	}

	var ledger storage.Ledger
	if !opts.DisableLedger {
		l, err := storage.NewBoltLedger(cfg.LedgerPath(), storage.DefaultMaxRecords)
		if err != nil {
			// The ledger is bookkeeping only
			logger.Warn().Err(err).Str("path", cfg.LedgerPath()).Msg("Running without job ledger")
		} else {
			ledger = l
		}
	}

	executor := opts.Executor
	if executor == nil {
		executor = worker.NewCommandExecutor(cfg)
	}

	e := New(cfg, identity, channel, executor, ledger)
	metrics.UpdateComponent("workers", true, fmt.Sprintf("0/%d running", e.Pool().Capacity()))

	return e, nil
}

func openLighthouse(cfg *config.Config, identity *config.Identity) (Channel, error) {
	ch, err := lighthouse.Open(cfg, identity)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ledgerObserver records job starts and completions in the ledger
type ledgerObserver struct {
	ledger storage.Ledger
}

func (o *ledgerObserver) JobStarted(workerName string, job *worker.Job) {
	record := &storage.JobRecord{ID: job.ID, Worker: workerName}
	if job.Info != nil {
		record.Kind = job.Info.Kind
		record.Module = job.Info.Module
	}

	if err := o.ledger.RecordStart(record); err != nil {
		logger := log.WithJobID(job.ID)
		logger.Warn().Err(err).Msg("Failed to record job start")
	}
}

func (o *ledgerObserver) JobOutput(string, *worker.Job, string) {}

func (o *ledgerObserver) JobFinished(workerName string, job *worker.Job, jobErr error) {
	if err := o.ledger.RecordFinish(job.ID, jobErr); err != nil {
		logger := log.WithJobID(job.ID)
		logger.Warn().Err(err).Msg("Failed to record job result")
	}
}
