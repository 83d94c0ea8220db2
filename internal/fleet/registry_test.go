package fleet

import (
	"slices"
	"sync"
	"testing"
)

func TestRegistryTransitions(t *testing.T) {
	r := NewRegistry()
	r.Register(VirtualMachineRecord{ID: 250, Name: "gpu-worker-001"})

	r.Transition(250, StateCloning)
	r.Transition(250, StateStopped)
	r.Transition(250, StateStopped)

	want := []VMState{StateUnprovisioned, StateCloning, StateStopped}
	if got := r.History(250); !slices.Equal(got, want) {
		t.Errorf("History() = %v, want %v", got, want)
	}

	rec, ok := r.Get(250)
	if !ok || rec.State != StateStopped || rec.Name != "gpu-worker-001" {
		t.Errorf("Get() = %+v, %v", rec, ok)
	}
}

func TestRegistryTransitionUnknownID(t *testing.T) {
	r := NewRegistry()
	r.Transition(7, StateError)

	rec, ok := r.Get(7)
	if !ok || rec.State != StateError {
		t.Errorf("expected implicit record in Error state, got %+v", rec)
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for id := 100; id < 150; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(VirtualMachineRecord{ID: id})
			r.Transition(id, StateRunning)
		}()
	}
	wg.Wait()

	records := r.Records()
	if len(records) != 50 {
		t.Fatalf("expected 50 records, got %d", len(records))
	}
	if records[0].ID != 100 || records[49].ID != 149 {
		t.Errorf("records not sorted: first=%d last=%d", records[0].ID, records[49].ID)
	}
}
