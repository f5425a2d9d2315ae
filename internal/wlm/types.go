package wlm

import (
	"time"

	"wlmd/internal/device"
)

// WorkerState is the lifecycle state of one worker replica.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerDraining WorkerState = "draining"
	WorkerDead     WorkerState = "dead"
)

// ModelInfo is the immutable descriptor of a registered model.
type ModelInfo struct {
	Name    string
	Version string
	URL     string
	// Engine is the resolved engine name.
	Engine string
	// DeviceSpec is the raw device spec string ("", "*", "{k}", "a;b;c",
	// optional "-" suffix).
	DeviceSpec string
	// TensorParallel is the device span of one replica.
	TensorParallel int
	// MaxWorkers is the per-replica multiplicity; under MPI one worker
	// occupies TensorParallel*MaxWorkers devices.
	MaxWorkers int
	BatchSize  int
	// MaxBatchDelay bounds how long a head-of-queue job waits before its
	// partial batch dispatches.
	MaxBatchDelay time.Duration
	// MaxIdleTime is the idle-retirement threshold; zero disables
	// retirement.
	MaxIdleTime time.Duration
	MPI         bool
	// Options are engine-specific load options.
	Options map[string]string
}

// Key is the pool key: name, or name/version when versioned.
func (m ModelInfo) Key() string {
	if m.Version == "" {
		return m.Name
	}
	return m.Name + "/" + m.Version
}

// WorkerStatus is a read-only projection of one worker for status calls.
type WorkerStatus struct {
	ID         string
	State      WorkerState
	Devices    device.Set
	LastActive time.Time
}

// PoolStatus is a read-only projection of one pool.
type PoolStatus struct {
	Model      ModelInfo
	Target     int
	MinWorkers int
	QueueLen   int
	Workers    []WorkerStatus
}
