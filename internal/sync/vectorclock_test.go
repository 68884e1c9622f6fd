package sync_test

import (
	"testing"

	"github.com/shopsync/shopsync/internal/sync"
)

func TestVectorClockIncrement(t *testing.T) {
	vc := sync.NewVectorClock()
	vc.Increment("node-a")
	vc.Increment("node-a")
	vc.Increment("node-b")

	if vc.Get("node-a") != 2 {
		t.Errorf("Expected node-a at 2, got %d", vc.Get("node-a"))
	}
	if vc.Get("node-b") != 1 {
		t.Errorf("Expected node-b at 1, got %d", vc.Get("node-b"))
	}
	if vc.Get("node-c") != 0 {
		t.Errorf("Expected node-c at 0, got %d", vc.Get("node-c"))
	}
}

func TestVectorClockCompare(t *testing.T) {
	a := sync.VectorClock{"n1": 2, "n2": 1}
	b := sync.VectorClock{"n1": 1, "n2": 1}

	if a.Compare(b) != 1 {
		t.Error("Expected a > b")
	}
	if b.Compare(a) != -1 {
		t.Error("Expected b < a")
	}

	// Missing entries compare as zero
	c := sync.VectorClock{"n1": 1}
	d := sync.VectorClock{"n1": 1, "n2": 0}
	if c.Compare(d) != 0 || c.IsConcurrent(d) {
		t.Error("Zero entry should equal missing entry")
	}
}

func TestVectorClockConcurrent(t *testing.T) {
	a := sync.VectorClock{"n1": 2, "n2": 1}
	b := sync.VectorClock{"n1": 1, "n2": 2}

	if a.Compare(b) != 0 {
		t.Error("Expected concurrent clocks to compare 0")
	}
	if !a.IsConcurrent(b) {
		t.Error("Expected clocks to be concurrent")
	}

	// Identical clocks are not concurrent
	c := sync.VectorClock{"n1": 1}
	d := sync.VectorClock{"n1": 1}
	if c.IsConcurrent(d) {
		t.Error("Identical clocks reported concurrent")
	}
}

func TestVectorClockMerge(t *testing.T) {
	a := sync.VectorClock{"n1": 2, "n2": 1}
	b := sync.VectorClock{"n1": 1, "n2": 3, "n3": 1}
	a.Merge(b)

	want := map[string]int64{"n1": 2, "n2": 3, "n3": 1}
	for node, value := range want {
		if a.Get(node) != value {
			t.Errorf("Expected %s at %d after merge, got %d", node, value, a.Get(node))
		}
	}
}

func TestVectorClockCopyIsIndependent(t *testing.T) {
	a := sync.VectorClock{"n1": 1}
	b := a.Copy()
	b.Increment("n1")

	if a.Get("n1") != 1 {
		t.Error("Copy mutated the original clock")
	}
}
