package device

import (
	"errors"
	"testing"
)

func newPlanner(t *testing.T, n, maxShared int) (*Planner, *Registry) {
	t.Helper()
	r := NewRegistry(KindGPU, n, maxShared, nil)
	return NewPlanner(r), r
}

func TestPlanCPUFallbacks(t *testing.T) {
	p, _ := newPlanner(t, 0, 0)
	// no devices at all
	plan, err := p.Plan(PlanRequest{Spec: "*", TP: 1, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.IsCPU() {
		t.Fatalf("expected CPU plan with empty pool, got %+v", plan)
	}

	p2, _ := newPlanner(t, 4, 4)
	// empty spec
	plan, err = p2.Plan(PlanRequest{Spec: "", TP: 1, MaxWorkers: 1, Accelerated: true})
	if err != nil || !plan.IsCPU() {
		t.Fatalf("expected CPU plan for empty spec, got %+v err=%v", plan, err)
	}
	// engine without accelerator capability
	plan, err = p2.Plan(PlanRequest{Spec: "*", TP: 1, MaxWorkers: 1, Accelerated: false})
	if err != nil || !plan.IsCPU() {
		t.Fatalf("expected CPU plan for non-accelerated engine, got %+v err=%v", plan, err)
	}
}

func TestPlanExclusivePack(t *testing.T) {
	p, _ := newPlanner(t, 8, 0)
	plan, err := p.Plan(PlanRequest{Spec: "{2}", TP: 2, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Exclusive || plan.DevicesPerSlot != 2 {
		t.Fatalf("expected exclusive plan with 2 devices/slot, got %+v", plan)
	}
	if len(plan.Slots) != 2 || plan.Slots[0].String() != "0;1" || plan.Slots[1].String() != "2;3" {
		t.Fatalf("expected slots 0;1 and 2;3, got %+v", plan.Slots)
	}
}

func TestPlanSharedHighIndexFirst(t *testing.T) {
	p, _ := newPlanner(t, 4, 2)
	plan, err := p.Plan(PlanRequest{Spec: "*", TP: 1, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Exclusive {
		t.Fatalf("expected shared plan, got exclusive")
	}
	if len(plan.Slots) != 2 || plan.Slots[0][0] != 3 || plan.Slots[1][0] != 2 {
		t.Fatalf("expected slots on devices 3 then 2, got %+v", plan.Slots)
	}
}

func TestPlanMPIDevicesPerSlot(t *testing.T) {
	p, _ := newPlanner(t, 8, 0)
	plan, err := p.Plan(PlanRequest{Spec: "{1}", TP: 2, MaxWorkers: 2, MPI: true, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.DevicesPerSlot != 4 {
		t.Fatalf("expected 4 devices per slot under MPI, got %d", plan.DevicesPerSlot)
	}
	if plan.Slots[0].String() != "0;1;2;3" {
		t.Fatalf("expected slot 0;1;2;3, got %s", plan.Slots[0])
	}
}

func TestPlanInsufficientSlots(t *testing.T) {
	p, _ := newPlanner(t, 4, 0)
	_, err := p.Plan(PlanRequest{Spec: "{3}", TP: 2, MaxWorkers: 1, Accelerated: true})
	if !errors.Is(err, ErrInsufficientSlots) {
		t.Fatalf("expected ErrInsufficientSlots got %v", err)
	}
}

func TestPlanNoSlots(t *testing.T) {
	p, r := newPlanner(t, 2, 0)
	if _, err := r.AcquireExclusive("other", 2); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := p.Plan(PlanRequest{Spec: "*-", TP: 1, MaxWorkers: 1, Accelerated: true})
	if !errors.Is(err, ErrNoSlots) {
		t.Fatalf("expected ErrNoSlots got %v", err)
	}
}

func TestPlanExplicitList(t *testing.T) {
	p, _ := newPlanner(t, 4, 4)
	plan, err := p.Plan(PlanRequest{Spec: "1;3", TP: 1, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Slots) != 2 || plan.Slots[0][0] != 1 || plan.Slots[1][0] != 3 {
		t.Fatalf("expected explicit slots 1 and 3, got %+v", plan.Slots)
	}
}

func TestPlanExplicitExclusiveGroups(t *testing.T) {
	p, _ := newPlanner(t, 8, 0)
	plan, err := p.Plan(PlanRequest{Spec: "0;4", TP: 2, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Exclusive {
		t.Fatalf("tp>1 must default to exclusive")
	}
	if plan.Slots[0].String() != "0;1" || plan.Slots[1].String() != "4;5" {
		t.Fatalf("expected groups 0;1 and 4;5, got %+v", plan.Slots)
	}
}

func TestPlanForcedExclusiveSuffix(t *testing.T) {
	p, _ := newPlanner(t, 4, 4)
	plan, err := p.Plan(PlanRequest{Spec: "{1}-", TP: 1, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Exclusive {
		t.Fatalf("trailing dash must force exclusive")
	}
	if plan.Slots[0][0] != 0 {
		t.Fatalf("exclusive tie-break is lowest index first, got %d", plan.Slots[0][0])
	}
}

func TestPlanPythonOnAcceleratorDefaultsExclusive(t *testing.T) {
	r := NewRegistry(KindAccelerator, 4, 4, nil)
	p := NewPlanner(r)
	plan, err := p.Plan(PlanRequest{Spec: "{1}", TP: 1, MaxWorkers: 1, Engine: EnginePython, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Exclusive {
		t.Fatalf("python engine on accelerator platform must default exclusive")
	}
}

func TestPlanBadSpec(t *testing.T) {
	p, _ := newPlanner(t, 4, 4)
	for _, spec := range []string{"{x}", "{0}", "1;x", "{-"} {
		if _, err := p.Plan(PlanRequest{Spec: spec, TP: 1, MaxWorkers: 1, Accelerated: true}); !errors.Is(err, ErrBadSpec) {
			t.Fatalf("%q: expected ErrBadSpec got %v", spec, err)
		}
	}
}

func TestPlanExclusiveRespectsSharedWindow(t *testing.T) {
	// 4 devices, 2 reserved for shared use: only devices 0,1 are in the
	// exclusive window, so at most one tp=2 slot fits.
	p, _ := newPlanner(t, 4, 2)
	plan, err := p.Plan(PlanRequest{Spec: "*", TP: 2, MaxWorkers: 1, Accelerated: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Slots) != 1 || plan.Slots[0].String() != "0;1" {
		t.Fatalf("expected single slot 0;1 inside exclusive window, got %+v", plan.Slots)
	}
}
