// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

func TestGroupsLookup(t *testing.T) {
	t.Parallel()

	groups := NewGroups([][]parachaintypes.ValidatorIndex{
		{0, 1, 2},
		{3, 4},
	}, 2)

	assert.Equal(t, []parachaintypes.ValidatorIndex{3, 4}, groups.Get(1))
	assert.Nil(t, groups.Get(2))

	groupIndex, ok := groups.ByValidatorIndex(4)
	require.True(t, ok)
	assert.Equal(t, parachaintypes.GroupIndex(1), groupIndex)

	_, ok = groups.ByValidatorIndex(9)
	assert.False(t, ok)
}

func TestGroupsBackingThreshold(t *testing.T) {
	t.Parallel()

	groups := NewGroups([][]parachaintypes.ValidatorIndex{
		{0, 1, 2},
		{3},
	}, 2)

	size, threshold, ok := groups.GetSizeAndBackingThreshold(0)
	require.True(t, ok)
	assert.Equal(t, 3, size)
	assert.Equal(t, 2, threshold)

	// the threshold is capped at the group size
	size, threshold, ok = groups.GetSizeAndBackingThreshold(1)
	require.True(t, ok)
	assert.Equal(t, 1, size)
	assert.Equal(t, 1, threshold)

	_, _, ok = groups.GetSizeAndBackingThreshold(5)
	assert.False(t, ok)
}

func TestStatementFilterBits(t *testing.T) {
	t.Parallel()

	filter := NewStatementFilterBlank(3)
	assert.True(t, filter.HasLen(3))
	assert.False(t, filter.HasLen(4))
	assert.False(t, filter.HasSeconded())
	assert.Equal(t, 0, filter.BackingValidators())

	filter.Set(0, parachaintypes.SecondedCompactStatement)
	filter.Set(0, parachaintypes.ValidCompactStatement)
	filter.Set(2, parachaintypes.ValidCompactStatement)

	assert.True(t, filter.HasSeconded())
	// seat 0 counts once despite carrying both statement kinds
	assert.Equal(t, 2, filter.BackingValidators())
	assert.True(t, filter.Contains(0, parachaintypes.SecondedCompactStatement))
	assert.False(t, filter.Contains(1, parachaintypes.ValidCompactStatement))
	assert.True(t, filter.Contains(2, parachaintypes.ValidCompactStatement))
}

func TestStatementFilterCloneAndInvert(t *testing.T) {
	t.Parallel()

	filter := NewStatementFilterBlank(2)
	filter.Set(0, parachaintypes.SecondedCompactStatement)

	clone := filter.Clone()
	clone.Set(1, parachaintypes.ValidCompactStatement)
	assert.False(t, filter.Contains(1, parachaintypes.ValidCompactStatement))

	inverted := filter.Invert()
	assert.False(t, inverted.Contains(0, parachaintypes.SecondedCompactStatement))
	assert.True(t, inverted.Contains(1, parachaintypes.SecondedCompactStatement))
	assert.True(t, inverted.Contains(0, parachaintypes.ValidCompactStatement))
	assert.True(t, inverted.Contains(1, parachaintypes.ValidCompactStatement))

	full := NewStatementFilterFull(2)
	assert.Equal(t, 2, full.BackingValidators())
	blankAgain := full.Invert()
	assert.False(t, blankAgain.HasSeconded())
}

func TestStatementFilterMasks(t *testing.T) {
	t.Parallel()

	filter := NewStatementFilterFull(3)
	mask := NewStatementFilterBlank(3)
	mask.Set(1, parachaintypes.SecondedCompactStatement)
	mask.Set(2, parachaintypes.ValidCompactStatement)

	filter.MaskSeconded(mask.SecondedInGroup)
	filter.MaskValid(mask.ValidatedInGroup)

	assert.False(t, filter.Contains(1, parachaintypes.SecondedCompactStatement))
	assert.True(t, filter.Contains(1, parachaintypes.ValidCompactStatement))
	assert.False(t, filter.Contains(2, parachaintypes.ValidCompactStatement))
	assert.True(t, filter.Contains(2, parachaintypes.SecondedCompactStatement))
}
