package wlm

import (
	"time"

	"wlmd/internal/device"
	"wlmd/internal/engine"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultBatchSize      = 1
	defaultMaxBatchDelay  = 100 * time.Millisecond
	defaultQueueFactor    = 2
	defaultChunkBound     = 64
	defaultDrainWatermark = 10 * time.Second
	defaultSweepInterval  = 250 * time.Millisecond
	defaultSpawnTimeout   = 2 * time.Minute
	defaultRequiredMemMB  = 0
	defaultReservedMemMB  = 0
	idleChanCap           = 1024
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Devices *device.Registry
	Engines *engine.Registry
	Logger  zerolog.Logger
	Events  EventPublisher

	// BatchSize and MaxBatchDelay are registration defaults when the
	// register call leaves them unset.
	BatchSize     int
	MaxBatchDelay time.Duration
	MaxIdleTime   time.Duration

	// QueueCapacity bounds each pool's job queue. Zero derives
	// defaultQueueFactor*BatchSize per pool.
	QueueCapacity int

	// ChunkBound is the per-result buffered chunk count; DrainWatermark is
	// how long a publish may wait on a stalled consumer before the chunk
	// is dropped with a backpressure error.
	ChunkBound     int
	DrainWatermark time.Duration

	// RequiredMemMB/ReservedMemMB parameterize shared-device admission.
	RequiredMemMB int
	ReservedMemMB int

	SweepInterval time.Duration
	SpawnTimeout  time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.Devices == nil {
		c.Devices = device.NewRegistry(device.KindCPU, 0, 0, nil)
	}
	if c.Engines == nil {
		c.Engines = engine.NewRegistry()
	}
	if c.Events == nil {
		c.Events = noopPublisher{}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxBatchDelay <= 0 {
		c.MaxBatchDelay = defaultMaxBatchDelay
	}
	if c.ChunkBound <= 0 {
		c.ChunkBound = defaultChunkBound
	}
	if c.DrainWatermark <= 0 {
		c.DrainWatermark = defaultDrainWatermark
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = defaultSpawnTimeout
	}
	if c.RequiredMemMB < 0 {
		c.RequiredMemMB = defaultRequiredMemMB
	}
	if c.ReservedMemMB < 0 {
		c.ReservedMemMB = defaultReservedMemMB
	}
}
