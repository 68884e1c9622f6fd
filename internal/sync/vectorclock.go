package sync

import (
	"encoding/json"
	"fmt"
)

// VectorClock represents a vector clock for tracking causal relationships
type VectorClock map[string]int64

// NewVectorClock creates a new vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment increments the clock for a specific node
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID] = vc[nodeID] + 1
}

// Get returns the clock value for a node
func (vc VectorClock) Get(nodeID string) int64 {
	return vc[nodeID]
}

// Set sets the clock value for a node
func (vc VectorClock) Set(nodeID string, value int64) {
	vc[nodeID] = value
}

// Copy returns an independent copy of the clock
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for nodeID, value := range vc {
		out[nodeID] = value
	}
	return out
}

// Merge merges another vector clock into this one (takes max of each node's counter)
func (vc VectorClock) Merge(other VectorClock) {
	for nodeID, value := range other {
		if vc[nodeID] < value {
			vc[nodeID] = value
		}
	}
}

// Compare compares two vector clocks
// Returns: -1 if vc < other, 0 if concurrent, 1 if vc > other
func (vc VectorClock) Compare(other VectorClock) int {
	less := false
	greater := false

	allNodes := make(map[string]bool)
	for nodeID := range vc {
		allNodes[nodeID] = true
	}
	for nodeID := range other {
		allNodes[nodeID] = true
	}

	for nodeID := range allNodes {
		v1 := vc[nodeID]
		v2 := other[nodeID]
		if v1 < v2 {
			less = true
		} else if v1 > v2 {
			greater = true
		}
	}

	if less && !greater {
		return -1
	} else if greater && !less {
		return 1
	}
	return 0 // Concurrent
}

// IsConcurrent checks if two vector clocks are concurrent
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return len(vc)+len(other) > 0 && vc.Compare(other) == 0 && !vc.equals(other)
}

func (vc VectorClock) equals(other VectorClock) bool {
	if len(vc) != len(other) {
		// Zero entries compare equal to missing entries
		return vc.Compare(other) == 0 && !vc.anyDiffers(other)
	}
	return !vc.anyDiffers(other)
}

func (vc VectorClock) anyDiffers(other VectorClock) bool {
	allNodes := make(map[string]bool)
	for nodeID := range vc {
		allNodes[nodeID] = true
	}
	for nodeID := range other {
		allNodes[nodeID] = true
	}
	for nodeID := range allNodes {
		if vc[nodeID] != other[nodeID] {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64(vc))
}

// UnmarshalJSON implements json.Unmarshaler
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal vector clock: %w", err)
	}
	*vc = VectorClock(m)
	return nil
}
