package wlm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wlmd/internal/device"
	"wlmd/internal/engine"
)

// pool is the per-model fleet: a bounded job queue, a batcher goroutine
// and a set of worker goroutines. Control operations (scale, shutdown)
// serialize on the pool mutex.
type pool struct {
	key     string
	model   ModelInfo
	adapter engine.Adapter
	devices *device.Registry
	planner *device.Planner
	cfg     *ManagerConfig
	log     zerolog.Logger
	events  EventPublisher

	queue    *jobQueue
	idleCh   chan *worker
	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	workers   map[string]*worker
	target    int
	min       int
	closed    bool
	exclusive bool
	isCPU     bool

	wg sync.WaitGroup
}

func newPool(key string, model ModelInfo, adapter engine.Adapter, cfg *ManagerConfig,
	devices *device.Registry, planner *device.Planner, log zerolog.Logger, events EventPublisher) *pool {
	qcap := cfg.QueueCapacity
	if qcap <= 0 {
		qcap = defaultQueueFactor * model.BatchSize
	}
	if qcap < model.BatchSize {
		qcap = model.BatchSize
	}
	return &pool{
		key:     key,
		model:   model,
		adapter: adapter,
		devices: devices,
		planner: planner,
		cfg:     cfg,
		log:     log.With().Str("model", key).Logger(),
		events:  events,
		queue:   newJobQueue(qcap),
		idleCh:  make(chan *worker, idleChanCap),
		stopCh:  make(chan struct{}),
		workers: make(map[string]*worker),
	}
}

// start spawns one worker per plan slot and launches the batcher.
// Registration is atomic: if any worker fails to start, the ones already
// spawned are torn down and their devices released.
func (p *pool) start(plan device.SlotPlan) error {
	p.mu.Lock()
	p.exclusive = plan.Exclusive
	p.isCPU = plan.IsCPU()
	p.target = len(plan.Slots)
	p.mu.Unlock()

	for _, slot := range plan.Slots {
		if _, err := p.spawnWorker(slot); err != nil {
			p.shutdown()
			return err
		}
	}
	p.wg.Add(1)
	go p.batchLoop()
	return nil
}

// spawnWorker acquires the slot's devices under the worker's own holder
// id, then blocks until the engine replica loads or fails. A failed load
// returns the error as soon as the worker reports it; the worker's exit
// path releases its devices afterwards, and shutdown waits for that exit.
func (p *pool) spawnWorker(slot device.Set) (*worker, error) {
	w := newWorker(p, slot)
	if !slot.IsCPU() {
		var err error
		if p.exclusive {
			err = p.devices.AcquireExclusiveAt(w.id, slot[0], len(slot))
		} else {
			err = p.devices.AcquireShared(w.id, slot[0], p.cfg.RequiredMemMB, p.cfg.ReservedMemMB)
		}
		if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.devices.Release(w.id, slot)
		return nil, shutdownError{modelID: p.key}
	}
	p.workers[w.id] = w
	workersGauge.WithLabelValues(p.key).Inc()
	p.wg.Add(1)
	p.mu.Unlock()

	ready := make(chan error, 1)
	go w.run(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	p.events.Publish(Event{Name: "worker_spawn", ModelID: p.key, Fields: map[string]any{
		"worker": w.id, "devices": slot.String(),
	}})
	return w, nil
}

// onWorkerExit runs in the worker goroutine as its final act: release the
// device slot, drop the worker from the fleet and spawn a replacement if
// the fleet fell under target.
func (p *pool) onWorkerExit(w *worker) {
	p.devices.Release(w.id, w.devices)

	p.mu.Lock()
	if _, ok := p.workers[w.id]; ok {
		delete(p.workers, w.id)
		workersGauge.WithLabelValues(p.key).Dec()
	}
	needReplacement := !p.closed && p.liveLocked() < p.target
	if needReplacement {
		p.wg.Add(1)
		go p.replaceWorker()
	}
	p.mu.Unlock()

	p.events.Publish(Event{Name: "worker_exit", ModelID: p.key, Fields: map[string]any{"worker": w.id}})
	p.wg.Done()
}

// replaceWorker is a background task: it plans a fresh slot and spawns.
// Failures are logged, never fatal to the process.
func (p *pool) replaceWorker() {
	defer p.wg.Done()
	plan, err := p.planOne()
	if err != nil {
		p.log.Warn().Err(err).Msg("no slot for replacement worker")
		return
	}
	if _, err := p.spawnWorker(plan.Slots[0]); err != nil && !IsShutdown(err) {
		p.log.Warn().Err(err).Msg("replacement worker failed to start")
	}
}

// planOne resolves a single additional slot under the pool's original
// exclusivity.
func (p *pool) planOne() (device.SlotPlan, error) {
	if p.isCPU {
		return device.CPUPlan(), nil
	}
	spec := "{1}"
	if p.exclusive {
		spec = "{1}-"
	}
	return p.planner.Plan(device.PlanRequest{
		ModelID:     p.key,
		Spec:        spec,
		TP:          p.model.TensorParallel,
		MaxWorkers:  p.model.MaxWorkers,
		MPI:         p.model.MPI,
		Engine:      p.model.Engine,
		Accelerated: true,
	})
}

func (p *pool) noteFault(w *worker, err error) {
	p.events.Publish(Event{Name: "worker_fault", ModelID: p.key, Fields: map[string]any{
		"worker": w.id, "error": err.Error(),
	}})
}

// submit enqueues one job. Overflow rejects immediately; producers are
// never blocked.
func (p *pool) submit(payload []byte, deadline time.Time) (*StreamingResult, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, shutdownError{modelID: p.key}
	}
	res := NewStreamingResult(p.cfg.ChunkBound, p.cfg.DrainWatermark)
	j := newJob(p.key, payload, res)
	j.Deadline = deadline
	if err := p.queue.push(j); err != nil {
		return nil, err
	}
	queueDepth.WithLabelValues(p.key).Set(float64(p.queue.len()))
	return res, nil
}

// batchLoop drains the queue into batches under the max-size / max-delay
// policy and hands each batch to an idle worker.
func (p *pool) batchLoop() {
	defer p.wg.Done()
	delay := p.model.MaxBatchDelay
	size := p.model.BatchSize
	for {
		if p.queue.len() == 0 {
			select {
			case <-p.stopCh:
				return
			case <-p.queue.notify:
			case <-time.After(delay):
				// wake-up tick
				continue
			}
		}
		// assemble until full or the head job aged out
		for p.queue.len() < size {
			head, ok := p.queue.oldest()
			if !ok {
				break
			}
			wait := time.Until(head.Add(delay))
			if wait <= 0 {
				break
			}
			select {
			case <-p.stopCh:
				return
			case <-p.queue.notify:
			case <-time.After(wait):
			}
		}
		batch := p.queue.popBatch(size)
		if len(batch) == 0 {
			continue
		}
		queueDepth.WithLabelValues(p.key).Set(float64(p.queue.len()))
		batchSize.WithLabelValues(p.key).Observe(float64(len(batch)))

		w := p.nextIdle()
		if w == nil {
			for _, j := range batch {
				_ = j.Result.Fail(shutdownError{modelID: p.key})
				p.countJob("shutdown")
			}
			return
		}
		w.batchCh <- batch
		p.events.Publish(Event{Name: "batch_dispatch", ModelID: p.key, Fields: map[string]any{
			"worker": w.id, "size": len(batch),
		}})
	}
}

// nextIdle blocks until an accepting idle worker is available. Stale
// entries for workers that drained meanwhile are skipped.
func (p *pool) nextIdle() *worker {
	for {
		select {
		case <-p.stopCh:
			return nil
		case w := <-p.idleCh:
			if w.accepting() {
				return w
			}
		}
	}
}

func (p *pool) markIdle(w *worker) {
	w.touch()
	select {
	case p.idleCh <- w:
	default:
		// fleet larger than the idle ring; park in a spare goroutine
		go func() {
			select {
			case p.idleCh <- w:
			case <-p.stopCh:
			}
		}()
	}
}

// stillWanted is the worker's check before going idle: a fleet over
// target sheds the calling worker.
func (p *pool) stillWanted(w *worker) bool {
	select {
	case <-w.drainCh:
		return false
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.target <= 0 {
		return false
	}
	if p.liveLocked() > p.target {
		w.drain()
		return false
	}
	return true
}

// scale clamps the target into [min, max], drains excess workers (most
// recently idle first) and spawns up to the new target. Busy workers are
// never interrupted; over-target busy workers drain as they finish.
func (p *pool) scale(min, max int) error {
	if min < 0 || (max > 0 && max < min) {
		return fmt.Errorf("%w: invalid worker bounds min=%d max=%d", device.ErrBadSpec, min, max)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return shutdownError{modelID: p.key}
	}
	p.min = min
	newTarget := p.target
	if newTarget < min {
		newTarget = min
	}
	if max > 0 && newTarget > max {
		newTarget = max
	}
	p.target = newTarget
	live := p.liveLocked()
	if live > newTarget {
		idle := p.idleWorkersLocked()
		// most recently idle first
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].lastActiveAt().After(idle[j].lastActiveAt())
		})
		excess := live - newTarget
		for i := 0; i < excess && i < len(idle); i++ {
			idle[i].drain()
		}
	}
	p.mu.Unlock()

	p.events.Publish(Event{Name: "scale", ModelID: p.key, Fields: map[string]any{
		"min": min, "max": max, "target": newTarget,
	}})

	for {
		p.mu.Lock()
		need := p.target - p.liveLocked()
		p.mu.Unlock()
		if need <= 0 {
			return nil
		}
		plan, err := p.planOne()
		if err != nil {
			return err
		}
		if _, err := p.spawnWorker(plan.Slots[0]); err != nil {
			return err
		}
	}
}

// sweep retires workers idle past the model's max idle time, never
// dropping the fleet below max(1, minWorkers).
func (p *pool) sweep(now time.Time) {
	idleFor := p.model.MaxIdleTime
	if idleFor <= 0 {
		return
	}
	floor := p.min
	if floor < 1 {
		floor = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := p.idleWorkersLocked()
	// least recently active first
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastActiveAt().Before(idle[j].lastActiveAt())
	})
	live := p.liveLocked()
	for _, w := range idle {
		if live <= floor {
			return
		}
		if now.Sub(w.lastActiveAt()) < idleFor {
			return
		}
		w.drain()
		live--
		// retirement lowers the target so the exit path does not replace
		// the worker it just shed
		if p.target > live {
			p.target = live
		}
		p.log.Info().Str("worker", w.id).Msg("retiring idle worker")
	}
}

// shutdown stops intake, fails queued jobs, lets in-flight batches finish
// and waits for every worker to exit. Idempotent.
func (p *pool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.target = 0
	ws := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()

	for _, j := range p.queue.close() {
		_ = j.Result.Fail(shutdownError{modelID: p.key})
		p.countJob("shutdown")
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, w := range ws {
		w.drain()
	}
	p.wg.Wait()
	queueDepth.DeleteLabelValues(p.key)
	workersGauge.DeleteLabelValues(p.key)
}

func (p *pool) countJob(outcome string) {
	jobsTotal.WithLabelValues(p.key, outcome).Inc()
}

func (p *pool) liveLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.countsTowardTarget() {
			n++
		}
	}
	return n
}

func (p *pool) idleWorkersLocked() []*worker {
	var out []*worker
	for _, w := range p.workers {
		if w.accepting() {
			out = append(out, w)
		}
	}
	return out
}

func (p *pool) status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{
		Model:      p.model,
		Target:     p.target,
		MinWorkers: p.min,
		QueueLen:   p.queue.len(),
	}
	for _, w := range p.workers {
		st.Workers = append(st.Workers, w.status())
	}
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].ID < st.Workers[j].ID })
	return st
}
