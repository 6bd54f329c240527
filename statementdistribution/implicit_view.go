// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"github.com/ChainSafe/gossamer/lib/common"
)

// ImplicitView tracks, per active leaf, the relay parents at which candidates
// may still be seconded: the leaf itself plus the fetched ancestry allowed by
// prospective parachains. A relay parent stays live while any active leaf
// retains it.
type ImplicitView struct {
	// leaf hash to its allowed relay parents, leaf first, then ancestors
	// nearest first.
	perLeaf map[common.Hash][]common.Hash
	refs    map[common.Hash]int
}

func NewImplicitView() *ImplicitView {
	return &ImplicitView{
		perLeaf: make(map[common.Hash][]common.Hash),
		refs:    make(map[common.Hash]int),
	}
}

// ActivateLeaf registers a new active leaf together with its allowed
// ancestry, nearest ancestor first. Re-activating a known leaf is a no-op.
func (v *ImplicitView) ActivateLeaf(leaf common.Hash, ancestors []common.Hash) {
	if _, ok := v.perLeaf[leaf]; ok {
		return
	}

	allowed := make([]common.Hash, 0, len(ancestors)+1)
	allowed = append(allowed, leaf)
	allowed = append(allowed, ancestors...)

	v.perLeaf[leaf] = allowed
	for _, relayParent := range allowed {
		v.refs[relayParent]++
	}
}

// DeactivateLeaf removes an active leaf and returns the relay parents which
// are no longer reachable under any remaining leaf.
func (v *ImplicitView) DeactivateLeaf(leaf common.Hash) []common.Hash {
	allowed, ok := v.perLeaf[leaf]
	if !ok {
		return nil
	}
	delete(v.perLeaf, leaf)

	var pruned []common.Hash
	for _, relayParent := range allowed {
		v.refs[relayParent]--
		if v.refs[relayParent] <= 0 {
			delete(v.refs, relayParent)
			pruned = append(pruned, relayParent)
		}
	}
	return pruned
}

// KnownAllowedRelayParentsUnder returns the allowed relay parents of an
// active leaf, or nil for an unknown leaf.
func (v *ImplicitView) KnownAllowedRelayParentsUnder(leaf common.Hash) []common.Hash {
	return v.perLeaf[leaf]
}

// ContainsLeaf reports whether the hash is a current active leaf.
func (v *ImplicitView) ContainsLeaf(leaf common.Hash) bool {
	_, ok := v.perLeaf[leaf]
	return ok
}

// HasRelayParent reports whether the relay parent is live under any active
// leaf.
func (v *ImplicitView) HasRelayParent(relayParent common.Hash) bool {
	return v.refs[relayParent] > 0
}

// AllAllowedRelayParents returns every live relay parent.
func (v *ImplicitView) AllAllowedRelayParents() []common.Hash {
	relayParents := make([]common.Hash, 0, len(v.refs))
	for relayParent := range v.refs {
		relayParents = append(relayParents, relayParent)
	}
	return relayParents
}

// Leaves returns the current active leaves.
func (v *ImplicitView) Leaves() []common.Hash {
	leaves := make([]common.Hash, 0, len(v.perLeaf))
	for leaf := range v.perLeaf {
		leaves = append(leaves, leaf)
	}
	return leaves
}
