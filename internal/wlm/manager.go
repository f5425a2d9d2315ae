package wlm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"wlmd/internal/device"
	"wlmd/internal/engine"
)

// Manager is the admission façade the front end drives: register,
// unregister, scale and submit. It owns the device registry, the engine
// registry and one pool per registered model.
type Manager struct {
	cfg     ManagerConfig
	devices *device.Registry
	planner *device.Planner
	engines *engine.Registry
	log     zerolog.Logger
	events  EventPublisher

	pools cmap.ConcurrentMap[string, *pool]

	// ctl serializes register/unregister/scale; submits run lock-free
	// through the pools map and the closed flag.
	ctl       sync.Mutex
	closed    atomic.Bool
	stopCh    chan struct{}
	sweeperWG sync.WaitGroup
	startTime time.Time
}

// RegisterSpec is the registration request accepted by the façade.
// Zero values fall back to manager defaults.
type RegisterSpec struct {
	Name           string
	Version        string
	URL            string
	Engine         string
	DeviceSpec     string
	TensorParallel int
	MinWorkers     int
	MaxWorkers     int
	BatchSize      int
	MaxBatchDelay  time.Duration
	MaxIdleTime    time.Duration
	MPI            bool
	Options        map[string]string
}

// NewWithConfig constructs a Manager and starts its background sweeper.
func NewWithConfig(cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		devices:   cfg.Devices,
		planner:   device.NewPlanner(cfg.Devices),
		engines:   cfg.Engines,
		log:       cfg.Logger,
		events:    cfg.Events,
		pools:     cmap.New[*pool](),
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}
	m.sweeperWG.Add(1)
	go m.sweepLoop()
	return m
}

// Devices exposes the registry for status reporting.
func (m *Manager) Devices() *device.Registry { return m.devices }

// Engines exposes the engine registry.
func (m *Manager) Engines() *engine.Registry { return m.engines }

// Register plans devices for the model, spawns its worker fleet and
// starts accepting jobs. Registration is atomic: on any failure no
// workers survive and no devices stay acquired.
func (m *Manager) Register(ctx context.Context, spec RegisterSpec) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	if m.closed.Load() {
		return shutdownError{modelID: spec.Name}
	}
	info, err := m.buildModelInfo(spec)
	if err != nil {
		return err
	}
	key := info.Key()
	if m.pools.Has(key) {
		return modelExistsError{id: key}
	}

	engineName, adapter, err := m.engines.Resolve(info.Engine)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrBadSpec, err)
	}
	info.Engine = engineName

	plan, err := m.planner.Plan(device.PlanRequest{
		ModelID:     key,
		Spec:        info.DeviceSpec,
		TP:          info.TensorParallel,
		MaxWorkers:  info.MaxWorkers,
		MPI:         info.MPI,
		Engine:      engineName,
		Accelerated: adapter.Capabilities().Accelerator,
	})
	if err != nil {
		return err
	}

	p := newPool(key, info, adapter, &m.cfg, m.devices, m.planner, m.log, m.events)
	p.min = spec.MinWorkers
	if err := p.start(plan); err != nil {
		return err
	}
	m.pools.Set(key, p)
	m.log.Info().Str("model", key).Int("workers", len(plan.Slots)).
		Bool("exclusive", plan.Exclusive).Msg("model registered")
	m.events.Publish(Event{Name: "register", ModelID: key, Fields: map[string]any{
		"workers": len(plan.Slots), "exclusive": plan.Exclusive,
	}})
	return nil
}

// Unregister drains the model's pool: no new jobs, in-flight batches
// finish, workers exit and devices return to the registry.
func (m *Manager) Unregister(ctx context.Context, name, version string) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	return m.unregisterLocked(name, version)
}

func (m *Manager) unregisterLocked(name, version string) error {
	key, p, err := m.lookup(name, version)
	if err != nil {
		return err
	}
	m.pools.Remove(key)
	p.shutdown()
	m.log.Info().Str("model", key).Msg("model unregistered")
	m.events.Publish(Event{Name: "unregister", ModelID: key})
	return nil
}

// Scale adjusts the model's worker bounds. Converged calls are no-ops.
func (m *Manager) Scale(ctx context.Context, name, version string, minWorkers, maxWorkers int) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	if m.closed.Load() {
		return shutdownError{modelID: name}
	}
	_, p, err := m.lookup(name, version)
	if err != nil {
		return err
	}
	return p.scale(minWorkers, maxWorkers)
}

// Submit routes a job to the model's pool and returns the streaming
// result the caller consumes chunks from.
func (m *Manager) Submit(ctx context.Context, name, version string, payload []byte) (*StreamingResult, error) {
	if m.isClosed() {
		return nil, shutdownError{modelID: name}
	}
	_, p, err := m.lookup(name, version)
	if err != nil {
		return nil, err
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	return p.submit(payload, deadline)
}

// Status reports every pool's projection plus device occupancy.
func (m *Manager) Status() ([]PoolStatus, []device.Occupancy) {
	var out []PoolStatus
	for _, p := range m.pools.Items() {
		out = append(out, p.status())
	}
	return out, m.devices.Snapshot()
}

// Models lists the registered model keys.
func (m *Manager) Models() []string {
	return m.pools.Keys()
}

// Close unregisters every model and stops the sweeper. Submits after
// Close fail with the shutdown kind.
func (m *Manager) Close() {
	m.ctl.Lock()
	if m.closed.Load() {
		m.ctl.Unlock()
		return
	}
	m.closed.Store(true)
	keys := m.pools.Keys()
	for _, key := range keys {
		if p, ok := m.pools.Get(key); ok {
			m.pools.Remove(key)
			p.shutdown()
		}
	}
	m.ctl.Unlock()
	close(m.stopCh)
	m.sweeperWG.Wait()
	m.log.Info().Msg("workload manager stopped")
}

func (m *Manager) isClosed() bool {
	return m.closed.Load()
}

// lookup resolves name/version to a pool. An empty version matches the
// unversioned key first, then any version of the name.
func (m *Manager) lookup(name, version string) (string, *pool, error) {
	key := modelKey(name, version)
	if p, ok := m.pools.Get(key); ok {
		return key, p, nil
	}
	if version == "" {
		for k, p := range m.pools.Items() {
			if p.model.Name == name {
				return k, p, nil
			}
		}
	}
	return "", nil, modelNotFoundError{id: key}
}

func modelKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "/" + version
}

func (m *Manager) buildModelInfo(spec RegisterSpec) (ModelInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ModelInfo{}, fmt.Errorf("%w: model name required", device.ErrBadSpec)
	}
	if strings.TrimSpace(spec.URL) == "" {
		return ModelInfo{}, fmt.Errorf("%w: model url required", device.ErrBadSpec)
	}
	info := ModelInfo{
		Name:           spec.Name,
		Version:        spec.Version,
		URL:            spec.URL,
		Engine:         spec.Engine,
		DeviceSpec:     spec.DeviceSpec,
		TensorParallel: spec.TensorParallel,
		MaxWorkers:     spec.MaxWorkers,
		BatchSize:      spec.BatchSize,
		MaxBatchDelay:  spec.MaxBatchDelay,
		MaxIdleTime:    spec.MaxIdleTime,
		MPI:            spec.MPI,
		Options:        spec.Options,
	}
	if info.TensorParallel < 1 {
		info.TensorParallel = 1
	}
	if info.MaxWorkers < 1 {
		info.MaxWorkers = 1
	}
	if info.BatchSize < 1 {
		info.BatchSize = m.cfg.BatchSize
	}
	if info.MaxBatchDelay <= 0 {
		info.MaxBatchDelay = m.cfg.MaxBatchDelay
	}
	if info.MaxIdleTime < 0 {
		info.MaxIdleTime = 0
	} else if info.MaxIdleTime == 0 {
		info.MaxIdleTime = m.cfg.MaxIdleTime
	}
	return info, nil
}

// sweepLoop is the background task for idle retirement and health
// bookkeeping. It logs and continues; it never crashes the process.
func (m *Manager) sweepLoop() {
	defer m.sweeperWG.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			for _, p := range m.pools.Items() {
				p.sweep(now)
			}
			m.reportDeviceOccupancy()
		}
	}
}

func (m *Manager) reportDeviceOccupancy() {
	counts := map[device.Occupancy]int{}
	for _, o := range m.devices.Snapshot() {
		counts[o]++
	}
	for _, o := range []device.Occupancy{device.Free, device.Exclusive, device.Shared} {
		deviceOccupancy.WithLabelValues(o.String()).Set(float64(counts[o]))
	}
}
