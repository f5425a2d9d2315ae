package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrBadSpec indicates an unparseable device spec string.
	ErrBadSpec = errors.New("malformed device spec")
	// ErrNoSlots indicates no slot fits the request at all.
	ErrNoSlots = errors.New("no device slots available")
	// ErrInsufficientSlots indicates fewer slots fit than were requested.
	ErrInsufficientSlots = errors.New("insufficient device slots available")
)

// EnginePython is the engine name that forces exclusive allocation on
// accelerator platforms.
const EnginePython = "python"

// PlanRequest carries the allocation-relevant slice of a model descriptor.
type PlanRequest struct {
	ModelID string
	// Spec is the raw device spec: empty (CPU), "*", "{k}", "a;b;c",
	// optionally suffixed "-" to force exclusive.
	Spec string
	// TP is the tensor-parallel degree, devices one replica spans.
	TP int
	// MaxWorkers is the per-replica multiplicity; under MPI one worker
	// occupies TP*MaxWorkers devices.
	MaxWorkers int
	MPI        bool
	// Engine is the engine name the model resolves to.
	Engine string
	// Accelerated reports whether the engine can use accelerators at all.
	Accelerated bool
}

// SlotPlan is the planner's output: one device set per worker replica.
type SlotPlan struct {
	Slots          []Set
	Exclusive      bool
	DevicesPerSlot int
}

// IsCPU reports whether the plan is the single CPU pseudo-slot.
func (p SlotPlan) IsCPU() bool {
	return len(p.Slots) == 1 && p.Slots[0].IsCPU()
}

// specForm is the parsed shape of a device spec string.
type specForm struct {
	all       bool
	count     int   // >0 for the "{k}" form
	explicit  []int // non-nil for the "a;b;c" form
	exclusive bool  // trailing "-" present
}

func parseSpec(raw string) (specForm, error) {
	var f specForm
	s := strings.TrimSpace(raw)
	if strings.HasSuffix(s, "-") {
		f.exclusive = true
		s = strings.TrimSuffix(s, "-")
	}
	switch {
	case s == "":
		return f, fmt.Errorf("%w: %q", ErrBadSpec, raw)
	case s == "*":
		f.all = true
		return f, nil
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		k, err := strconv.Atoi(s[1 : len(s)-1])
		if err != nil || k < 1 {
			return f, fmt.Errorf("%w: bad slot count in %q", ErrBadSpec, raw)
		}
		f.count = k
		return f, nil
	default:
		parts := strings.Split(s, ";")
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			id, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || id < 0 {
				return f, fmt.Errorf("%w: bad device id %q in %q", ErrBadSpec, p, raw)
			}
			ids = append(ids, id)
		}
		f.explicit = ids
		return f, nil
	}
}

// Planner maps device specs onto registry slots. Plan computes candidate
// slots without committing anything; the caller acquires them per worker
// and rolls back on partial failure.
type Planner struct {
	reg *Registry
}

func NewPlanner(reg *Registry) *Planner {
	return &Planner{reg: reg}
}

// CPUPlan is the single-slot plan used when no accelerator applies.
func CPUPlan() SlotPlan {
	return SlotPlan{Slots: []Set{{CPUDeviceID}}, Exclusive: false, DevicesPerSlot: 1}
}

// Plan resolves req against current occupancy. An empty spec, an engine
// without accelerator capability, or an empty device pool all yield the
// CPU plan. No allocation is committed; errors are terminal for the
// registration that triggered the plan.
func (p *Planner) Plan(req PlanRequest) (SlotPlan, error) {
	if strings.TrimSpace(req.Spec) == "" || !req.Accelerated || p.reg.Size() == 0 {
		return CPUPlan(), nil
	}
	f, err := parseSpec(req.Spec)
	if err != nil {
		return SlotPlan{}, err
	}

	tp := req.TP
	if tp < 1 {
		tp = 1
	}
	mw := req.MaxWorkers
	if mw < 1 {
		mw = 1
	}
	dps := tp
	if req.MPI {
		dps = tp * mw
	}

	exclusive := f.exclusive || tp > 1 || req.MPI ||
		(req.Engine == EnginePython && p.reg.Kind() == KindAccelerator)

	if exclusive {
		return p.planExclusive(f, dps)
	}
	return p.planShared(f)
}

// planExclusive walks candidate slot indices low-to-high over the
// exclusive window so reservations pack densely at low device ids.
func (p *Planner) planExclusive(f specForm, dps int) (SlotPlan, error) {
	occ := p.reg.Snapshot()
	n := len(occ)

	if f.explicit != nil {
		slots := make([]Set, 0, len(f.explicit))
		for _, start := range f.explicit {
			if start+dps > n || !runIs(occ, start, dps, Free) {
				return SlotPlan{}, fmt.Errorf("%w: devices [%d,%d) unavailable", ErrNoSlots, start, start+dps)
			}
			slots = append(slots, Contiguous(start, dps))
		}
		return SlotPlan{Slots: slots, Exclusive: true, DevicesPerSlot: dps}, nil
	}

	// A shared window spanning the whole pool (the default) does not
	// evict exclusive use; only a partial window carves devices out.
	window := n
	if sw := p.reg.SharedWindow(); sw < n {
		window = n - sw
	}
	var avail []Set
	for i := 0; (i+1)*dps <= window; i++ {
		start := i * dps
		if runIs(occ, start, dps, Free) {
			avail = append(avail, Contiguous(start, dps))
		}
	}
	return pick(f, avail, true, dps)
}

// planShared walks the shared window from the high end so shared slots
// stay out of the exclusive packing region. Shared slots are always a
// single device.
func (p *Planner) planShared(f specForm) (SlotPlan, error) {
	occ := p.reg.Snapshot()
	n := len(occ)

	if f.explicit != nil {
		slots := make([]Set, 0, len(f.explicit))
		for _, id := range f.explicit {
			if id >= n || id < n-p.reg.SharedWindow() || occ[id] == Exclusive {
				return SlotPlan{}, fmt.Errorf("%w: device %d not sharable", ErrNoSlots, id)
			}
			slots = append(slots, Set{id})
		}
		return SlotPlan{Slots: slots, Exclusive: false, DevicesPerSlot: 1}, nil
	}

	var avail []Set
	for id := n - 1; id >= n-p.reg.SharedWindow(); id-- {
		if occ[id] != Exclusive {
			avail = append(avail, Set{id})
		}
	}
	return pick(f, avail, false, 1)
}

func pick(f specForm, avail []Set, exclusive bool, dps int) (SlotPlan, error) {
	if len(avail) == 0 {
		return SlotPlan{}, ErrNoSlots
	}
	if f.all {
		return SlotPlan{Slots: avail, Exclusive: exclusive, DevicesPerSlot: dps}, nil
	}
	if len(avail) < f.count {
		return SlotPlan{}, fmt.Errorf("%w: want %d slots, have %d", ErrInsufficientSlots, f.count, len(avail))
	}
	return SlotPlan{Slots: avail[:f.count], Exclusive: exclusive, DevicesPerSlot: dps}, nil
}

func runIs(occ []Occupancy, start, count int, want Occupancy) bool {
	for i := start; i < start+count; i++ {
		if occ[i] != want {
			return false
		}
	}
	return true
}
