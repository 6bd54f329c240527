// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"github.com/bits-and-blooms/bitset"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// StatementFilter is a bitmask of seconded and validated statements over the
// seats of one backing group. Bit i refers to the i'th member of the group.
type StatementFilter struct {
	SecondedInGroup  *bitset.BitSet
	ValidatedInGroup *bitset.BitSet
}

// NewStatementFilterBlank returns an all-zero filter for a group of the given size.
func NewStatementFilterBlank(groupSize int) StatementFilter {
	return StatementFilter{
		SecondedInGroup:  bitset.New(uint(groupSize)),
		ValidatedInGroup: bitset.New(uint(groupSize)),
	}
}

// NewStatementFilterFull returns an all-one filter for a group of the given size.
func NewStatementFilterFull(groupSize int) StatementFilter {
	filter := NewStatementFilterBlank(groupSize)
	for i := 0; i < groupSize; i++ {
		filter.SecondedInGroup.Set(uint(i))
		filter.ValidatedInGroup.Set(uint(i))
	}
	return filter
}

// HasLen reports whether both bitmasks cover exactly groupSize seats.
func (f StatementFilter) HasLen(groupSize int) bool {
	return f.SecondedInGroup.Len() == uint(groupSize) &&
		f.ValidatedInGroup.Len() == uint(groupSize)
}

// HasSeconded reports whether any seconded bit is set.
func (f StatementFilter) HasSeconded() bool {
	return f.SecondedInGroup.Any()
}

// BackingValidators counts the seats with at least one statement, i.e. the
// number of validators the filter claims participate in backing.
func (f StatementFilter) BackingValidators() int {
	return int(f.SecondedInGroup.Union(f.ValidatedInGroup).Count())
}

// Contains reports whether the bit for the given seat and statement kind is set.
func (f StatementFilter) Contains(indexInGroup int, kind parachaintypes.CompactStatementKind) bool {
	switch kind {
	case parachaintypes.SecondedCompactStatement:
		return f.SecondedInGroup.Test(uint(indexInGroup))
	case parachaintypes.ValidCompactStatement:
		return f.ValidatedInGroup.Test(uint(indexInGroup))
	default:
		return false
	}
}

// Set sets the bit for the given seat and statement kind.
func (f StatementFilter) Set(indexInGroup int, kind parachaintypes.CompactStatementKind) {
	switch kind {
	case parachaintypes.SecondedCompactStatement:
		f.SecondedInGroup.Set(uint(indexInGroup))
	case parachaintypes.ValidCompactStatement:
		f.ValidatedInGroup.Set(uint(indexInGroup))
	}
}

// Clone returns a deep copy of the filter.
func (f StatementFilter) Clone() StatementFilter {
	return StatementFilter{
		SecondedInGroup:  f.SecondedInGroup.Clone(),
		ValidatedInGroup: f.ValidatedInGroup.Clone(),
	}
}

// Invert returns a filter with every seat bit flipped. Used to turn a request
// mask with "exclude" semantics into one with "include" semantics.
func (f StatementFilter) Invert() StatementFilter {
	groupSize := int(f.SecondedInGroup.Len())
	inverted := NewStatementFilterBlank(groupSize)
	for i := 0; i < groupSize; i++ {
		if !f.SecondedInGroup.Test(uint(i)) {
			inverted.SecondedInGroup.Set(uint(i))
		}
		if !f.ValidatedInGroup.Test(uint(i)) {
			inverted.ValidatedInGroup.Set(uint(i))
		}
	}
	return inverted
}

// MaskSeconded clears every seconded bit whose seat is set in the mask.
func (f StatementFilter) MaskSeconded(mask *bitset.BitSet) {
	f.SecondedInGroup.InPlaceDifference(mask)
}

// MaskValid clears every validated bit whose seat is set in the mask.
func (f StatementFilter) MaskValid(mask *bitset.BitSet) {
	f.ValidatedInGroup.InPlaceDifference(mask)
}
