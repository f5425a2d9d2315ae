// Package engine defines the adapter surface the workload manager drives.
// Concrete runtimes live behind Adapter; variant behavior is expressed by
// Capabilities data rather than by subtyping.
package engine

import (
	"context"

	"wlmd/internal/device"
)

// Capabilities tags what an engine runtime can do. The planner consults
// Accelerator to decide whether a model may occupy devices at all;
// Streaming reports whether Infer emits incremental chunks or only one
// terminal chunk per job.
type Capabilities struct {
	Accelerator bool
	Streaming   bool
}

// LoadSpec describes one model replica to load.
type LoadSpec struct {
	ModelID string
	// URL locates the model artifact (file path or remote URL).
	URL string
	// Devices is the device set the replica owns for its lifetime.
	Devices device.Set
	// Options carries engine-specific key/values.
	Options map[string]string
}

// Handle is an opaque reference to a loaded model replica.
type Handle interface{}

// Chunk is one unit of inference output. JobIndex addresses the position
// of the owning job inside the batch handed to Infer; Last marks the
// job's terminal chunk.
type Chunk struct {
	JobIndex int
	Data     []byte
	Last     bool
}

// EmitFunc receives output chunks during Infer. Returning an error stops
// emission for that invocation.
type EmitFunc func(Chunk) error

// Adapter is the abstract engine runtime. Implementations must be safe
// for concurrent Load/Unload across replicas; Infer on a single handle is
// invoked by one worker at a time.
type Adapter interface {
	// Load prepares a replica on the given devices. Errors surface to the
	// registration that requested the replica.
	Load(ctx context.Context, spec LoadSpec) (Handle, error)
	// Infer runs one batch. Every job in the batch must receive a chunk
	// with Last=true before a nil return; jobs missing their terminal
	// chunk are failed by the caller.
	Infer(ctx context.Context, h Handle, batch [][]byte, emit EmitFunc) error
	// Unload releases the replica's resources.
	Unload(h Handle)
	// Capabilities reports the engine's feature tags.
	Capabilities() Capabilities
}
