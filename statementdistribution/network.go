// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/libp2p/go-libp2p/core/peer"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// StatementMessage is the gossip form of a signed compact statement at a
// relay parent.
type StatementMessage struct {
	RelayParent common.Hash
	Statement   parachaintypes.UncheckedSignedStatement
}

// BackedCandidateManifest announces a confirmed backed candidate over the
// grid, claiming its properties and the sender's statement knowledge.
type BackedCandidateManifest struct {
	RelayParent        common.Hash
	CandidateHash      parachaintypes.CandidateHash
	GroupIndex         parachaintypes.GroupIndex
	ParaID             parachaintypes.ParaID
	ParentHeadDataHash common.Hash
	StatementKnowledge StatementFilter
}

// ToSummary reduces the manifest to the content the grid tracker cares
// about.
func (m BackedCandidateManifest) ToSummary() ManifestSummary {
	return ManifestSummary{
		ClaimedParentHash:  m.ParentHeadDataHash,
		ClaimedGroupIndex:  m.GroupIndex,
		StatementKnowledge: m.StatementKnowledge,
	}
}

// BackedCandidateAcknowledgement confirms receipt of a manifest, declaring
// the sender's own statement knowledge in return.
type BackedCandidateAcknowledgement struct {
	CandidateHash      parachaintypes.CandidateHash
	StatementKnowledge StatementFilter
}

// AttestedCandidateRequest asks a peer for a candidate and its backing
// statements. The mask marks statements the requester does not want.
type AttestedCandidateRequest struct {
	CandidateHash parachaintypes.CandidateHash
	Mask          StatementFilter
}

// AttestedCandidateResponse carries the candidate, its persisted validation
// data and the backing statements not covered by the request mask.
type AttestedCandidateResponse struct {
	CandidateReceipt        parachaintypes.CommittedCandidateReceipt
	PersistedValidationData parachaintypes.PersistedValidationData
	Statements              []parachaintypes.UncheckedSignedStatement
}

// IncomingAttestedCandidateRequest is a request received from a peer. The
// answer, if any, is sent on ResponseCh; dropping the request without
// answering closes the channel.
type IncomingAttestedCandidateRequest struct {
	Peer       peer.ID
	Payload    AttestedCandidateRequest
	ResponseCh chan AttestedCandidateResponse
}
