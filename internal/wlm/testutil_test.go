package wlm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wlmd/internal/device"
	"wlmd/internal/engine"
)

// fakeEngine is a lightweight in-memory adapter used across the pool and
// manager tests. It echoes each job payload as a single terminal chunk.
type fakeEngine struct {
	accel bool

	mu         sync.Mutex
	loadErr    error
	failLoadAt int // 1-based load index to fail; 0 disables
	failNext   bool
	loads      int
	unloads    int
	batches    []int
	inflight   int
	gate       chan struct{} // when non-nil, Infer blocks until closed
}

type fakeHandle struct{ modelID string }

func (f *fakeEngine) Load(_ context.Context, spec engine.LoadSpec) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.failLoadAt > 0 && f.loads == f.failLoadAt {
		return nil, io.ErrUnexpectedEOF
	}
	return &fakeHandle{modelID: spec.ModelID}, nil
}

func (f *fakeEngine) Infer(_ context.Context, _ engine.Handle, batch [][]byte, emit engine.EmitFunc) error {
	f.mu.Lock()
	f.batches = append(f.batches, len(batch))
	f.inflight++
	gate := f.gate
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if gate != nil {
		<-gate
	}
	if fail {
		return io.ErrUnexpectedEOF
	}
	for i, p := range batch {
		if err := emit(engine.Chunk{JobIndex: i, Data: p, Last: true}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEngine) Unload(engine.Handle) {
	f.mu.Lock()
	f.unloads++
	f.mu.Unlock()
}

func (f *fakeEngine) Capabilities() engine.Capabilities {
	return engine.Capabilities{Accelerator: f.accel, Streaming: true}
}

func (f *fakeEngine) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeEngine) busy() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

// newTestManager wires a manager around the fake engine with fast sweep
// cadence and quiet logging.
func newTestManager(t *testing.T, reg *device.Registry, eng engine.Adapter, tweak func(*ManagerConfig)) *Manager {
	t.Helper()
	engines := engine.NewRegistry()
	engines.Register("fake", eng)
	cfg := ManagerConfig{
		Devices:       reg,
		Engines:       engines,
		Logger:        zerolog.Nop(),
		Events:        NewMemoryPublisher(),
		SweepInterval: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	m := NewWithConfig(cfg)
	t.Cleanup(m.Close)
	return m
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

// drainResult reads chunks until the terminal one and returns the
// concatenated payload.
func drainResult(t *testing.T, r *StreamingResult, d time.Duration) ([]byte, error) {
	t.Helper()
	var out []byte
	deadline := time.Now().Add(d)
	for {
		data, last, err := r.Next(time.Until(deadline))
		if err != nil {
			return out, err
		}
		out = append(out, data...)
		if last {
			return out, nil
		}
	}
}

func liveWorkers(m *Manager, key string) int {
	pools, _ := m.Status()
	for _, p := range pools {
		if p.Model.Key() == key {
			n := 0
			for _, w := range p.Workers {
				if w.State == WorkerStarting || w.State == WorkerIdle || w.State == WorkerBusy {
					n++
				}
			}
			return n
		}
	}
	return 0
}
