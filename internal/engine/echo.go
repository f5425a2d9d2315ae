package engine

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Echo is a self-contained engine that streams each job's payload back in
// fixed-size chunks. It backs CPU-only deployments without a real runtime
// and serves as the reference adapter in tests.
type Echo struct {
	// ChunkSize bounds the bytes per streamed chunk; <=0 means one
	// terminal chunk per job.
	ChunkSize int

	loads atomic.Int64
}

type echoHandle struct {
	modelID string
}

func (e *Echo) Load(_ context.Context, spec LoadSpec) (Handle, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("echo: empty model url for %s", spec.ModelID)
	}
	e.loads.Add(1)
	return &echoHandle{modelID: spec.ModelID}, nil
}

func (e *Echo) Infer(ctx context.Context, h Handle, batch [][]byte, emit EmitFunc) error {
	if _, ok := h.(*echoHandle); !ok {
		return fmt.Errorf("echo: foreign handle %T", h)
	}
	for i, payload := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.ChunkSize <= 0 || len(payload) <= e.ChunkSize {
			if err := emit(Chunk{JobIndex: i, Data: payload, Last: true}); err != nil {
				return err
			}
			continue
		}
		for off := 0; off < len(payload); off += e.ChunkSize {
			end := off + e.ChunkSize
			last := end >= len(payload)
			if end > len(payload) {
				end = len(payload)
			}
			if err := emit(Chunk{JobIndex: i, Data: payload[off:end], Last: last}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Echo) Unload(h Handle) {
	if _, ok := h.(*echoHandle); ok {
		e.loads.Add(-1)
	}
}

func (e *Echo) Capabilities() Capabilities {
	return Capabilities{Accelerator: false, Streaming: true}
}

// Loaded reports the number of live handles; used by tests to assert
// unload symmetry.
func (e *Echo) Loaded() int64 {
	return e.loads.Load()
}
