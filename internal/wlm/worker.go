package wlm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wlmd/internal/device"
	"wlmd/internal/engine"
)

var errMissingOutput = errors.New("engine produced no terminal output for job")

// worker is one long-running replica executor. It owns its device set
// from spawn until death; the pool releases the devices on exit.
type worker struct {
	id      string
	pool    *pool
	devices device.Set
	adapter engine.Adapter
	handle  engine.Handle
	log     zerolog.Logger

	mu         sync.Mutex
	state      WorkerState
	lastActive time.Time

	batchCh   chan []*Job
	drainCh   chan struct{}
	drainOnce sync.Once
}

func newWorker(p *pool, devices device.Set) *worker {
	w := &worker{
		id:         uuid.NewString(),
		pool:       p,
		devices:    devices,
		adapter:    p.adapter,
		state:      WorkerStarting,
		lastActive: time.Now(),
		batchCh:    make(chan []*Job, 1),
		drainCh:    make(chan struct{}),
	}
	w.log = p.log.With().Str("worker", w.id).Str("devices", devices.String()).Logger()
	return w
}

func (w *worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) getState() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// accepting reports whether the batcher may hand this worker a batch.
func (w *worker) accepting() bool {
	select {
	case <-w.drainCh:
		return false
	default:
	}
	return w.getState() == WorkerIdle
}

func (w *worker) touch() {
	w.mu.Lock()
	w.lastActive = time.Now()
	w.mu.Unlock()
}

func (w *worker) lastActiveAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

// drain asks the worker to finish its current batch and exit. Idempotent.
func (w *worker) drain() {
	w.drainOnce.Do(func() { close(w.drainCh) })
}

// countsTowardTarget reports whether the worker is on its way to, or in,
// service. Draining and dead workers are already leaving the fleet.
func (w *worker) countsTowardTarget() bool {
	switch w.getState() {
	case WorkerStarting, WorkerIdle, WorkerBusy:
		return true
	default:
		return false
	}
}

// run is the worker goroutine. ready receives exactly one value: nil once
// the engine replica is loaded, or the load error.
func (w *worker) run(ready chan<- error) {
	defer w.pool.onWorkerExit(w)

	ctx, cancel := context.WithTimeout(context.Background(), w.pool.cfg.SpawnTimeout)
	h, err := w.adapter.Load(ctx, engine.LoadSpec{
		ModelID: w.pool.key,
		URL:     w.pool.model.URL,
		Devices: w.devices,
		Options: w.pool.model.Options,
	})
	cancel()
	if err != nil {
		w.setState(WorkerDead)
		ready <- engineLoadError{modelID: w.pool.key, cause: err}
		return
	}
	w.handle = h
	defer w.adapter.Unload(h)

	w.log.Info().Msg("worker ready")
	ready <- nil

	for {
		if !w.pool.stillWanted(w) {
			w.becomeDraining()
			w.finishPending()
			w.setState(WorkerDead)
			return
		}
		w.setState(WorkerIdle)
		w.pool.markIdle(w)
		select {
		case batch := <-w.batchCh:
			w.setState(WorkerBusy)
			err := w.execute(batch)
			w.touch()
			if err != nil {
				w.log.Error().Err(err).Msg("worker fault")
				w.setState(WorkerDead)
				w.pool.noteFault(w, err)
				return
			}
		case <-w.drainCh:
			w.becomeDraining()
			w.finishPending()
			w.setState(WorkerDead)
			return
		}
	}
}

func (w *worker) becomeDraining() {
	w.setState(WorkerDraining)
	w.log.Info().Msg("worker draining")
}

// finishPending executes a batch that was assigned concurrently with the
// drain signal. A draining worker accepts no new batches, but one already
// handed over must complete.
func (w *worker) finishPending() {
	select {
	case batch := <-w.batchCh:
		if err := w.execute(batch); err != nil {
			w.log.Error().Err(err).Msg("fault while draining")
		}
	default:
	}
}

// execute runs one batch through the engine and fans chunks out to the
// jobs' streaming results. A nil return means the worker stays in
// service; an error is a worker fault.
func (w *worker) execute(batch []*Job) error {
	payloads := make([][]byte, len(batch))
	for i, j := range batch {
		payloads[i] = j.Payload
	}
	terminal := make([]bool, len(batch))
	failed := make([]bool, len(batch))
	now := time.Now()
	for i, j := range batch {
		if j.Expired(now) {
			failed[i] = true
			_ = j.Result.Fail(ErrTimeout)
			w.pool.countJob("expired")
		}
	}

	err := w.adapter.Infer(context.Background(), w.handle, payloads, func(c engine.Chunk) error {
		if c.JobIndex < 0 || c.JobIndex >= len(batch) {
			return fmt.Errorf("engine emitted chunk for job index %d of %d", c.JobIndex, len(batch))
		}
		i := c.JobIndex
		if terminal[i] || failed[i] {
			return nil
		}
		job := batch[i]
		if job.Result.Canceled() {
			failed[i] = true
			w.pool.countJob("canceled")
			return nil
		}
		if perr := job.Result.Publish(c.Data, c.Last); perr != nil {
			// backpressure is fatal for this job only
			failed[i] = true
			_ = job.Result.Fail(perr)
			w.pool.countJob("backpressure")
			return nil
		}
		if c.Last {
			terminal[i] = true
			w.pool.countJob("ok")
		}
		return nil
	})
	if err != nil {
		fault := workerFaultError{workerID: w.id, cause: err}
		for i, j := range batch {
			if !terminal[i] && !failed[i] {
				_ = j.Result.Fail(fault)
				w.pool.countJob("fault")
			}
		}
		return err
	}
	// engine returned fewer terminal outputs than jobs: fail the tail
	for i, j := range batch {
		if !terminal[i] && !failed[i] {
			_ = j.Result.Fail(workerFaultError{workerID: w.id, cause: errMissingOutput})
			w.pool.countJob("missing_output")
		}
	}
	return nil
}

func (w *worker) status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		ID:         w.id,
		State:      w.state,
		Devices:    w.devices,
		LastActive: w.lastActive,
	}
}
