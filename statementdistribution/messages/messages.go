// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package messages holds the overseer messages addressed to the statement
// distribution subsystem.
package messages

import (
	"github.com/ChainSafe/gossamer/lib/common"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// Share asks the subsystem to distribute a statement the local validator
// signed at the given relay parent.
type Share struct {
	RelayParent common.Hash
	Statement   parachaintypes.SignedFullStatementWithPVD
}

// Backed informs the subsystem that a candidate received enough statements
// to be backed, unlocking grid distribution.
type Backed struct {
	CandidateHash parachaintypes.CandidateHash
}

// NetworkBridgeUpdate wraps a network bridge event destined for the
// subsystem.
type NetworkBridgeUpdate struct {
	Event any
}
