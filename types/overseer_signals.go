// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import (
	"context"

	"github.com/ChainSafe/gossamer/lib/common"
)

// ActivatedLeaf is a relay chain head which we care to work on.
type ActivatedLeaf struct {
	Hash   common.Hash
	Number uint32
}

// ActiveLeavesUpdateSignal announces changes in the set of active leaves: the
// relay chain heads which we care to work on.
//
// note: the activated field indicates a delta, not a complete set.
type ActiveLeavesUpdateSignal struct {
	Activated *ActivatedLeaf
	// Relay chain block hashes no longer of interest.
	Deactivated []common.Hash
}

// BlockFinalizedSignal is used to inform subsystems of a finalized block.
type BlockFinalizedSignal struct {
	Hash        common.Hash
	BlockNumber uint32
}

// Subsystem is the interface a subsystem registers with the overseer.
type Subsystem interface {
	// Run runs the subsystem.
	Run(ctx context.Context, overseerToSubSystem chan any, subSystemToOverseer chan any)
	Name() SubSystemName
	ProcessActiveLeavesUpdateSignal(signal ActiveLeavesUpdateSignal) error
	ProcessBlockFinalizedSignal(signal BlockFinalizedSignal) error
	Stop()
}
