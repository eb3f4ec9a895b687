package metrics

import (
	"fmt"
	"time"
)

// PoolStats is the view of the worker pool the collector samples
type PoolStats interface {
	Capacity() int
	Running() int
}

// LedgerStats is the view of the job ledger the collector samples
type LedgerStats interface {
	Count() (int, error)
}

// Collector periodically samples pool and ledger state into gauges and
// the "workers" health component
type Collector struct {
	pool     PoolStats
	ledger   LedgerStats
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector. ledger may be nil.
func NewCollector(pool PoolStats, ledger LedgerStats, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		pool:     pool,
		ledger:   ledger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the last sample to finish
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	c.collectPoolMetrics()
	c.collectLedgerMetrics()
}

func (c *Collector) collectPoolMetrics() {
	capacity := c.pool.Capacity()
	running := c.pool.Running()

	WorkersTotal.Set(float64(capacity))
	WorkersRunning.Set(float64(running))

	UpdateComponent("workers", true, fmt.Sprintf("%d/%d running", running, capacity))
}

func (c *Collector) collectLedgerMetrics() {
	if c.ledger == nil {
		return
	}

	n, err := c.ledger.Count()
	if err != nil {
		UpdateComponent("ledger", false, err.Error())
		return
	}

	LedgerJobs.Set(float64(n))
	UpdateComponent("ledger", true, "")
}
