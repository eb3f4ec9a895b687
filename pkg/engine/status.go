package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/lighthouse"
	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/metrics"
	"github.com/cuemby/spark/pkg/protocol"
	"github.com/cuemby/spark/pkg/worker"
)

// statusQueue holds job status messages until the coordinator sends them.
// Workers push, only the coordinator takes.
type statusQueue struct {
	mu    sync.Mutex
	msgs  []string
	ready chan struct{}
}

func newStatusQueue() *statusQueue {
	return &statusQueue{ready: make(chan struct{}, 1)}
}

func (q *statusQueue) push(msg string) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	q.signal()
}

// requeue puts msgs back in front of anything queued since they were taken.
// It does not signal: the messages go out with the next flush.
func (q *statusQueue) requeue(msgs []string) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	q.msgs = append(append([]string(nil), msgs...), q.msgs...)
	q.mu.Unlock()
}

func (q *statusQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.msgs
	q.msgs = nil
	return msgs
}

func (q *statusQueue) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs) > 0
}

func (q *statusQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// statusReporter turns worker events into status messages for the Lighthouse
type statusReporter struct {
	identity *config.Identity
	queue    *statusQueue
}

func (r *statusReporter) JobStarted(workerName string, job *worker.Job) {
	r.queue.push(protocol.EncodeJobStatus(r.identity, job.ID, protocol.StatusAccepted))
}

func (r *statusReporter) JobOutput(workerName string, job *worker.Job, excerpt string) {
	r.queue.push(protocol.EncodeLogExcerpt(r.identity, job.ID, excerpt))
}

func (r *statusReporter) JobFinished(workerName string, job *worker.Job, err error) {
	r.queue.push(protocol.EncodeJobStatus(r.identity, job.ID, jobStatus(err)))
}

func jobStatus(err error) protocol.JobStatus {
	var rejected *worker.RejectedError
	switch {
	case err == nil:
		return protocol.StatusSuccess
	case errors.As(err, &rejected):
		return protocol.StatusRejected
	default:
		return protocol.StatusFailed
	}
}

// flushStatus sends queued status messages in order. A message that gets no
// reply is dropped and the rest wait for the next flush. It returns false
// when the channel was terminated, leaving every unsent message queued.
func (e *Engine) flushStatus(ctx context.Context) bool {
	msgs := e.status.take()
	for i, msg := range msgs {
		timer := metrics.NewTimer()
		out := e.channel.SendAndAwait(ctx, msg, e.cfg.RequestTimeout)
		timer.ObserveDurationVec(metrics.RequestDuration, metrics.RequestJobStatus)

		switch out.Status {
		case lighthouse.Delivered:
			// The reply carries nothing for us
			metrics.StatusReportsTotal.WithLabelValues(metrics.ReportSent).Inc()

		case lighthouse.Terminated:
			e.status.requeue(msgs[i:])
			return false

		default:
			metrics.StatusReportsTotal.WithLabelValues(metrics.ReportDropped).Inc()
			logger := log.WithComponent("engine")
			logger.Error().
				Err(out.Err).
				Str("status", out.Status.String()).
				Msg("Unable to send job status: no reply from Lighthouse")
			e.status.requeue(msgs[i+1:])
			return true
		}
	}
	return true
}
