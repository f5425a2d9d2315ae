package device

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoCapacity indicates no run of free devices (or no shared headroom)
	// can satisfy the acquisition.
	ErrNoCapacity = errors.New("no device capacity available to satisfy the acquisition")
	// ErrConflict indicates a requested device range is not entirely free.
	ErrConflict = errors.New("requested device range conflicts with an existing reservation")
)

// Occupancy is the per-device reservation state.
type Occupancy uint8

const (
	Free Occupancy = iota
	Exclusive
	Shared
)

func (o Occupancy) String() string {
	switch o {
	case Free:
		return "free"
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	default:
		panic(fmt.Sprintf("device: corrupt occupancy value %d", uint8(o)))
	}
}

// MemProbe reports free memory on a device in MB. Shared acquisition only
// admits a holder when free minus required stays above the reserved floor.
type MemProbe interface {
	FreeMB(deviceID int) int
}

// UnboundedProbe reports effectively unlimited free memory. It is the
// default when no real probe is wired in.
type UnboundedProbe struct{}

func (UnboundedProbe) FreeMB(int) int { return int(^uint(0) >> 1) }

// StaticProbe reports a fixed free-memory figure per device, with a
// fallback default. Used in tests and CPU-only deployments.
type StaticProbe struct {
	DefaultMB int
	PerDevice map[int]int
}

func (p StaticProbe) FreeMB(id int) int {
	if mb, ok := p.PerDevice[id]; ok {
		return mb
	}
	return p.DefaultMB
}

// Registry is the process-wide occupancy state for the discovered device
// sequence. All mutation goes through the registry lock; acquisition and
// release happen at registration, scale and teardown time, so a single
// coarse lock is sufficient.
type Registry struct {
	mu        sync.Mutex
	kind      Kind
	occ       []Occupancy
	owner     []string              // exclusive owner per device
	holders   []map[string]struct{} // shared holders per device
	maxShared int                   // count of high-index devices usable in shared mode
	probe     MemProbe
}

// NewRegistry builds a registry over n devices of the given kind.
// maxShared is the number of high-index devices admitted for shared use
// (use n for "all"). A nil probe defaults to UnboundedProbe.
func NewRegistry(kind Kind, n, maxShared int, probe MemProbe) *Registry {
	if n < 0 {
		n = 0
	}
	if maxShared < 0 || maxShared > n {
		maxShared = n
	}
	if probe == nil {
		probe = UnboundedProbe{}
	}
	r := &Registry{
		kind:      kind,
		occ:       make([]Occupancy, n),
		owner:     make([]string, n),
		holders:   make([]map[string]struct{}, n),
		maxShared: maxShared,
		probe:     probe,
	}
	return r
}

// Size returns the number of discovered devices.
func (r *Registry) Size() int {
	return len(r.occ)
}

// Kind returns the accelerator kind the registry tracks.
func (r *Registry) Kind() Kind {
	return r.kind
}

// SharedWindow returns how many high-index devices may be used shared.
func (r *Registry) SharedWindow() int {
	return r.maxShared
}

// ExclusiveWindow returns the count of low-index devices reserved for
// exclusive use, i.e. n - SharedWindow().
func (r *Registry) ExclusiveWindow() int {
	return len(r.occ) - r.maxShared
}

// Snapshot returns a copy of the occupancy array.
func (r *Registry) Snapshot() []Occupancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Occupancy, len(r.occ))
	copy(out, r.occ)
	return out
}

// AcquireExclusive finds the lowest contiguous run of count free devices,
// flips them to exclusive for holder and returns their ids. Scanning
// left-to-right keeps exclusive reservations clustered at low indices.
func (r *Registry) AcquireExclusive(holder string, count int) (Set, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: non-positive count %d", ErrNoCapacity, count)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for start := 0; start+count <= len(r.occ); start++ {
		if r.runFree(start, count) {
			r.markExclusive(holder, start, count)
			return Contiguous(start, count), nil
		}
	}
	return nil, ErrNoCapacity
}

// AcquireExclusiveAt acquires the specific range [start, start+count).
// Fails with ErrConflict unless every device in the range is free.
func (r *Registry) AcquireExclusiveAt(holder string, start, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if start < 0 || count <= 0 || start+count > len(r.occ) {
		return fmt.Errorf("%w: range [%d,%d) out of bounds", ErrConflict, start, start+count)
	}
	if !r.runFree(start, count) {
		return ErrConflict
	}
	r.markExclusive(holder, start, count)
	return nil
}

// AcquireShared admits holder onto device id in shared mode. The device
// must not be exclusively held, must lie inside the shared window, and the
// memory probe must report free - required > reserved. Idempotent for a
// holder already admitted.
func (r *Registry) AcquireShared(holder string, id, requiredMB, reservedMB int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.occ) {
		return fmt.Errorf("%w: device %d out of range", ErrNoCapacity, id)
	}
	if id < len(r.occ)-r.maxShared {
		return fmt.Errorf("%w: device %d outside shared window", ErrNoCapacity, id)
	}
	if r.occ[id] == Exclusive {
		return fmt.Errorf("%w: device %d exclusively held", ErrNoCapacity, id)
	}
	if r.occ[id] == Shared {
		if _, ok := r.holders[id][holder]; ok {
			return nil
		}
	}
	if free := r.probe.FreeMB(id); free-requiredMB <= reservedMB {
		return fmt.Errorf("%w: device %d has %dMB free, need %dMB above %dMB floor",
			ErrNoCapacity, id, free, requiredMB, reservedMB)
	}
	r.occ[id] = Shared
	if r.holders[id] == nil {
		r.holders[id] = make(map[string]struct{})
	}
	r.holders[id][holder] = struct{}{}
	return nil
}

// Release returns the holder's devices to the free state. Shared devices
// stay shared while other holders remain. Release is best-effort: ids the
// holder does not hold are ignored, as is the CPU pseudo-set.
func (r *Registry) Release(holder string, set Set) {
	if set.IsCPU() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range set {
		if id < 0 || id >= len(r.occ) {
			continue
		}
		switch r.occ[id] {
		case Exclusive:
			if r.owner[id] == holder {
				r.occ[id] = Free
				r.owner[id] = ""
			}
		case Shared:
			delete(r.holders[id], holder)
			if len(r.holders[id]) == 0 {
				r.occ[id] = Free
				r.holders[id] = nil
			}
		case Free:
			// already free
		default:
			panic(fmt.Sprintf("device: corrupt occupancy %d on device %d", uint8(r.occ[id]), id))
		}
	}
}

// FreeAt reports whether device id is free. Callers racing an acquisition
// must re-check through an acquire call; this is a planning hint only.
func (r *Registry) FreeAt(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id >= 0 && id < len(r.occ) && r.occ[id] == Free
}

// SharableAt reports whether device id could admit a shared holder
// (free or already shared, inside the shared window).
func (r *Registry) SharableAt(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.occ) || id < len(r.occ)-r.maxShared {
		return false
	}
	return r.occ[id] != Exclusive
}

func (r *Registry) runFree(start, count int) bool {
	for i := start; i < start+count; i++ {
		if r.occ[i] != Free {
			return false
		}
	}
	return true
}

func (r *Registry) markExclusive(holder string, start, count int) {
	for i := start; i < start+count; i++ {
		r.occ[i] = Exclusive
		r.owner[i] = holder
	}
}
