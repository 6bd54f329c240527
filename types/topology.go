// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import "math"

// SessionGridTopology is the session's grid arrangement of validators, as
// supplied by the gossip-topology collaborator. Validators are placed row by
// row into a near-square matrix in canonical shuffled order; a validator's
// neighbors are the other members of its row and column.
type SessionGridTopology struct {
	// ShuffledIndices maps a position in the shuffled grid ordering to a
	// validator index.
	ShuffledIndices []ValidatorIndex
}

// GridNeighbors are the row and column neighbors of one validator.
type GridNeighbors struct {
	PeersX map[ValidatorIndex]struct{}
	PeersY map[ValidatorIndex]struct{}
}

// Contains returns true if the validator shares a row or column with us.
func (g GridNeighbors) Contains(validatorIndex ValidatorIndex) bool {
	if _, ok := g.PeersX[validatorIndex]; ok {
		return true
	}
	_, ok := g.PeersY[validatorIndex]
	return ok
}

// ComputeGridNeighborsFor computes the row and column neighbors of the given
// validator, or nil if the validator is not part of the topology.
func (t SessionGridTopology) ComputeGridNeighborsFor(validatorIndex ValidatorIndex) *GridNeighbors {
	position := -1
	for i, v := range t.ShuffledIndices {
		if v == validatorIndex {
			position = i
			break
		}
	}
	if position == -1 {
		return nil
	}

	width := int(math.Ceil(math.Sqrt(float64(len(t.ShuffledIndices)))))
	if width == 0 {
		return nil
	}

	neighbors := &GridNeighbors{
		PeersX: make(map[ValidatorIndex]struct{}),
		PeersY: make(map[ValidatorIndex]struct{}),
	}

	for i, v := range t.ShuffledIndices {
		if i == position {
			continue
		}
		if i/width == position/width {
			neighbors.PeersX[v] = struct{}{}
		}
		if i%width == position%width {
			neighbors.PeersY[v] = struct{}{}
		}
	}

	return neighbors
}
