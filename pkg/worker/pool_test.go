package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/spark/pkg/protocol"
)

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	events   []string
	output   strings.Builder
	finished map[string]error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]error)}
}

func (o *recordingObserver) JobStarted(worker string, job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, worker+"/"+job.ID)
	o.events = append(o.events, "started")
}

func (o *recordingObserver) JobOutput(worker string, job *Job, excerpt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.output.WriteString(excerpt)
	o.events = append(o.events, "output")
}

func (o *recordingObserver) JobFinished(worker string, job *Job, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[job.ID] = err
	o.events = append(o.events, "finished")
}

func (o *recordingObserver) finishedErr(id string) (error, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	err, ok := o.finished[id]
	return err, ok
}

// gatedExecutor blocks every job until release is closed
func gatedExecutor(release <-chan struct{}) ExecutorFunc {
	return func(ctx context.Context, job *Job) error {
		<-release
		return nil
	}
}

func countIdle(p *Pool) int {
	n := 0
	for range p.IdleWorkers() {
		n++
	}
	return n
}

func TestNewPoolCapacity(t *testing.T) {
	noop := ExecutorFunc(func(ctx context.Context, job *Job) error { return nil })

	for capacity := 1; capacity <= 100; capacity++ {
		p := NewPool(capacity, noop, nil)
		require.Equal(t, capacity, p.Capacity())
		require.Len(t, p.Workers(), capacity)
		require.Equal(t, capacity, countIdle(p))
		require.True(t, p.AllIdle())
	}
}

func TestNewPoolRejectsNonPositiveCapacity(t *testing.T) {
	noop := ExecutorFunc(func(ctx context.Context, job *Job) error { return nil })
	assert.Panics(t, func() { NewPool(0, noop, nil) })
	assert.Panics(t, func() { NewPool(-3, noop, nil) })
}

func TestWorkerNamesAreStable(t *testing.T) {
	p := NewPool(3, ExecutorFunc(func(ctx context.Context, job *Job) error { return nil }), nil)

	var names []string
	for w := range p.IdleWorkers() {
		names = append(names, w.Name())
	}
	assert.Equal(t, []string{"worker-0", "worker-1", "worker-2"}, names)
}

func TestAssignAndStartLifecycle(t *testing.T) {
	release := make(chan struct{})
	obs := newRecordingObserver()
	p := NewPool(2, gatedExecutor(release), obs)

	w := p.Workers()[0]
	assert.Equal(t, Idle, w.State())
	assert.Nil(t, w.CurrentJob())

	payload := protocol.JobPayload(`{"uuid":"6f1c1a2e-9a43-4c55-9b1b-8f3c1d7e2a10","kind":"package-build"}`)
	job := w.AssignAndStart(payload)

	assert.True(t, w.IsRunning())
	assert.Equal(t, "6f1c1a2e-9a43-4c55-9b1b-8f3c1d7e2a10", job.ID)
	assert.Equal(t, payload, w.CurrentJob().Payload)
	assert.Equal(t, 1, countIdle(p))
	assert.Equal(t, 1, p.Running())
	assert.False(t, p.AllIdle())

	close(release)
	require.Eventually(t, func() bool { return !w.IsRunning() }, 5*time.Second, 5*time.Millisecond)

	assert.Nil(t, w.CurrentJob())
	assert.True(t, p.AllIdle())
	err, ok := obs.finishedErr(job.ID)
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestAssignAndStartPanicsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := NewPool(1, gatedExecutor(release), nil)
	w := p.Workers()[0]
	w.AssignAndStart(`{}`)

	assert.Panics(t, func() { w.AssignAndStart(`{}`) })
}

func TestAssignAndStartSingleWinner(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := NewPool(1, gatedExecutor(release), nil)
	w := p.Workers()[0]

	var wins, panics atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if recover() != nil {
					panics.Add(1)
				}
			}()
			w.AssignAndStart(`{}`)
			wins.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(31), panics.Load())
}

func TestExecutorFailureAndPanicReturnToIdle(t *testing.T) {
	tests := []struct {
		name         string
		exec         ExecutorFunc
		wantErr      string
		wantRejected bool
	}{
		{
			name:    "error",
			exec:    func(ctx context.Context, job *Job) error { return errors.New("exit status 2") },
			wantErr: "exit status 2",
		},
		{
			name:         "panic",
			exec:         func(ctx context.Context, job *Job) error { panic("runner exploded") },
			wantErr:      "executor panicked: runner exploded",
			wantRejected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := newRecordingObserver()
			p := NewPool(1, tt.exec, obs)
			w := p.Workers()[0]

			job := w.AssignAndStart(`{"kind":"test"}`)
			require.Eventually(t, func() bool { return !w.IsRunning() }, 5*time.Second, 5*time.Millisecond)

			err, ok := obs.finishedErr(job.ID)
			require.True(t, ok)
			assert.ErrorContains(t, err, tt.wantErr)

			var rejected *RejectedError
			assert.Equal(t, tt.wantRejected, errors.As(err, &rejected))
		})
	}
}

func TestJobOutputReachesObserverBeforeFinish(t *testing.T) {
	chunk := strings.Repeat("x", 1500)
	exec := ExecutorFunc(func(ctx context.Context, job *Job) error {
		if job.Output == nil {
			return errors.New("no output writer")
		}
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprint(job.Output, chunk)
		}
		return nil
	})

	obs := newRecordingObserver()
	p := NewPool(1, exec, obs)
	w := p.Workers()[0]

	job := w.AssignAndStart(`{}`)
	require.Eventually(t, func() bool { return !w.IsRunning() }, 5*time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	// One full excerpt after the second chunk, the rest on completion
	assert.Equal(t, []string{"started", "output", "output", "finished"}, obs.events)
	assert.Equal(t, strings.Repeat(chunk, 3), obs.output.String())
	_, ok := obs.finished[job.ID]
	assert.True(t, ok)
}

func TestJobOutputUnsetWithoutObserver(t *testing.T) {
	var output atomic.Value
	exec := ExecutorFunc(func(ctx context.Context, job *Job) error {
		output.Store(job.Output == nil)
		return nil
	})

	w := NewPool(1, exec, nil).Workers()[0]
	w.AssignAndStart(`{}`)
	require.Eventually(t, func() bool { return !w.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, true, output.Load())
}

func TestObserversFanOut(t *testing.T) {
	a, b := newRecordingObserver(), newRecordingObserver()
	w := NewPool(1, ExecutorFunc(func(ctx context.Context, job *Job) error {
		_, _ = fmt.Fprint(job.Output, "done")
		return nil
	}), Observers{a, b}).Workers()[0]

	w.AssignAndStart(`{}`)
	require.Eventually(t, func() bool { return !w.IsRunning() }, 5*time.Second, 5*time.Millisecond)

	for _, obs := range []*recordingObserver{a, b} {
		obs.mu.Lock()
		assert.Equal(t, []string{"started", "output", "finished"}, obs.events)
		assert.Equal(t, "done", obs.output.String())
		obs.mu.Unlock()
	}
}

func TestIdleWorkersIsLazyAndRestartable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := NewPool(4, gatedExecutor(release), nil)
	seq := p.IdleWorkers()

	// Starting a worker mid-pass hides the following ones as they are reached
	var seen []string
	for w := range seq {
		seen = append(seen, w.Name())
		if w.Name() == "worker-0" {
			p.Workers()[1].AssignAndStart(`{}`)
		}
	}
	assert.Equal(t, []string{"worker-0", "worker-2", "worker-3"}, seen)

	// A fresh pass over the same sequence sees the current state
	p.Workers()[3].AssignAndStart(`{}`)
	seen = nil
	for w := range seq {
		seen = append(seen, w.Name())
	}
	assert.Equal(t, []string{"worker-0", "worker-2"}, seen)

	// Early exit is honoured
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestWaitIdle(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(3, gatedExecutor(release), nil)

	require.NoError(t, p.WaitIdle(context.Background()))

	for w := range p.IdleWorkers() {
		w.AssignAndStart(`{}`)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIdle(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- p.WaitIdle(context.Background())
	}()

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitIdle did not return after all jobs finished")
	}
	assert.True(t, p.AllIdle())
}

// TestAdmissionUnderConcurrentCompletion drives many coordinator passes while
// jobs finish at random times and checks that no worker ever runs two jobs
func TestAdmissionUnderConcurrentCompletion(t *testing.T) {
	const capacity = 8

	var (
		mu      sync.Mutex
		active  = make(map[string]int)
		overlap atomic.Bool
		ran     atomic.Int32
	)

	exec := ExecutorFunc(func(ctx context.Context, job *Job) error {
		worker := job.Info.Module

		mu.Lock()
		active[worker]++
		if active[worker] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)

		mu.Lock()
		active[worker]--
		mu.Unlock()
		ran.Add(1)
		return nil
	})

	p := NewPool(capacity, exec, nil)

	// Concurrent observers poll the pool the whole time
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = countIdle(p)
					_ = p.AllIdle()
				}
			}
		}()
	}

	assigned := 0
	for tick := 0; tick < 2000; tick++ {
		for w := range p.IdleWorkers() {
			w.AssignAndStart(protocol.JobPayload(fmt.Sprintf(`{"module":%q}`, w.Name())))
			assigned++
		}
	}

	close(stop)
	wg.Wait()
	require.NoError(t, p.WaitIdle(context.Background()))

	assert.False(t, overlap.Load(), "a worker ran two jobs at once")
	assert.Equal(t, int32(assigned), ran.Load())
	assert.Positive(t, assigned)
}

func TestNewJobID(t *testing.T) {
	tests := []struct {
		name    string
		payload protocol.JobPayload
		wantID  string
	}{
		{"scheduler uuid", `{"uuid":"6F1C1A2E-9A43-4C55-9B1B-8F3C1D7E2A10"}`, "6f1c1a2e-9a43-4c55-9b1b-8f3c1d7e2a10"},
		{"unsafe uuid", `{"uuid":"../../etc"}`, ""},
		{"no uuid", `{"kind":"depwait"}`, ""},
		{"not json", `build everything`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(tt.payload)
			assert.Equal(t, tt.payload, job.Payload)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, job.ID)
				return
			}
			assert.NotEmpty(t, job.ID)
			assert.NotContains(t, job.ID, "/")
		})
	}
}
