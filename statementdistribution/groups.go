// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// Groups is a static, session-scoped view of the validator-group partition
// together with the backing-threshold rule. It is never mutated after
// construction.
type Groups struct {
	groups           [][]parachaintypes.ValidatorIndex
	byValidatorIndex map[parachaintypes.ValidatorIndex]parachaintypes.GroupIndex
	backingThreshold uint32
}

// NewGroups builds the group view from the session's validator-group partition
// and the session's configured minimum backing votes.
func NewGroups(groups [][]parachaintypes.ValidatorIndex, backingThreshold uint32) Groups {
	byValidatorIndex := make(map[parachaintypes.ValidatorIndex]parachaintypes.GroupIndex)
	for groupIndex, group := range groups {
		for _, validatorIndex := range group {
			byValidatorIndex[validatorIndex] = parachaintypes.GroupIndex(groupIndex)
		}
	}

	return Groups{
		groups:           groups,
		byValidatorIndex: byValidatorIndex,
		backingThreshold: backingThreshold,
	}
}

// All returns the underlying group partition.
func (g Groups) All() [][]parachaintypes.ValidatorIndex {
	return g.groups
}

// Get returns the members of the given group, nil if the group does not exist.
func (g Groups) Get(groupIndex parachaintypes.GroupIndex) []parachaintypes.ValidatorIndex {
	if int(groupIndex) >= len(g.groups) {
		return nil
	}
	return g.groups[groupIndex]
}

// ByValidatorIndex returns the group the validator belongs to, or false if the
// validator is in no group.
func (g Groups) ByValidatorIndex(
	validatorIndex parachaintypes.ValidatorIndex,
) (parachaintypes.GroupIndex, bool) {
	groupIndex, ok := g.byValidatorIndex[validatorIndex]
	return groupIndex, ok
}

// GetSizeAndBackingThreshold returns the size of the group and the number of
// votes needed to back a candidate in it. The threshold is the session's
// minimum backing votes capped at the group size; identical on all nodes.
func (g Groups) GetSizeAndBackingThreshold(
	groupIndex parachaintypes.GroupIndex,
) (size int, threshold int, ok bool) {
	group := g.Get(groupIndex)
	if group == nil {
		return 0, 0, false
	}

	size = len(group)
	threshold = int(g.backingThreshold)
	if threshold > size {
		threshold = size
	}
	return size, threshold, true
}
