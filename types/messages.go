// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/libp2p/go-libp2p/core/peer"
)

// RuntimeApiMessage is a request to the chain-state query collaborator, scoped
// to one relay parent. Responses for a given relay parent are idempotent.
type RuntimeApiMessage struct {
	RelayParent common.Hash
	Request     any
}

// RuntimeApiRequestSessionIndexForChild asks for the session index of a child
// of the relay parent.
type RuntimeApiRequestSessionIndexForChild struct {
	ResponseCh chan OverseerFuncRes[SessionIndex]
}

// RuntimeApiRequestSessionInfo asks for the session parameters of a session.
type RuntimeApiRequestSessionInfo struct {
	SessionIndex SessionIndex
	ResponseCh   chan OverseerFuncRes[*SessionInfo]
}

// RuntimeApiRequestDisabledValidators asks for the validators disabled at the
// relay parent.
type RuntimeApiRequestDisabledValidators struct {
	ResponseCh chan OverseerFuncRes[[]ValidatorIndex]
}

// RuntimeApiRequestMinimumBackingVotes asks for the session's configured
// minimum number of backing votes.
type RuntimeApiRequestMinimumBackingVotes struct {
	SessionIndex SessionIndex
	ResponseCh   chan OverseerFuncRes[uint32]
}

// NodeFeatures is the set of runtime feature flags relevant to the node side.
type NodeFeatures []bool

// CandidateReceiptV2FeatureIndex is the bit allowing v2 candidate receipts.
const CandidateReceiptV2FeatureIndex = 3

// Get returns the feature bit at the given index, false if absent.
func (n NodeFeatures) Get(index int) bool {
	if index >= len(n) {
		return false
	}
	return n[index]
}

// RuntimeApiRequestNodeFeatures asks for the session's node feature flags.
type RuntimeApiRequestNodeFeatures struct {
	SessionIndex SessionIndex
	ResponseCh   chan OverseerFuncRes[NodeFeatures]
}

// ValidatorGroupsAndRotation bundles the session validator group partition
// with the rotation info at the relay parent.
type ValidatorGroupsAndRotation struct {
	Groups       [][]ValidatorIndex
	RotationInfo GroupRotationInfo
}

// RuntimeApiRequestValidatorGroups asks for the validator groups and the group
// rotation at the relay parent.
type RuntimeApiRequestValidatorGroups struct {
	ResponseCh chan OverseerFuncRes[ValidatorGroupsAndRotation]
}

// RuntimeApiRequestClaimQueue asks for the claim queue snapshot at the relay
// parent.
type RuntimeApiRequestClaimQueue struct {
	ResponseCh chan OverseerFuncRes[ClaimQueueSnapshot]
}

// ChainApiMessageAncestors requests the k ancestor block hashes of a block,
// nearest first.
type ChainApiMessageAncestors struct {
	Hash       common.Hash
	K          uint32
	ResponseCh chan OverseerFuncRes[[]common.Hash]
}

// CandidateBackingMessageStatement notifies the backing collaborator of a
// validator's statement, full payload attached.
type CandidateBackingMessageStatement struct {
	RelayParent common.Hash
	Statement   SignedFullStatementWithPVD
}

// HypotheticalCandidate represents a candidate to be evaluated for membership
// in the prospective fork-choice frontier.
//
// Hypothetical candidates are either complete or incomplete. Complete
// candidates have the entire receipt; incomplete ones only claimed properties.
type HypotheticalCandidate interface {
	CandidateHash() CandidateHash
	RelayParent() common.Hash
	ParaID() ParaID
}

// HypotheticalCandidateComplete is a confirmed candidate.
type HypotheticalCandidateComplete struct {
	Hash                    CandidateHash
	Receipt                 CommittedCandidateReceipt
	PersistedValidationData PersistedValidationData
}

func (h HypotheticalCandidateComplete) CandidateHash() CandidateHash { return h.Hash }
func (h HypotheticalCandidateComplete) RelayParent() common.Hash {
	return h.Receipt.Descriptor.RelayParent
}
func (h HypotheticalCandidateComplete) ParaID() ParaID { return h.Receipt.Descriptor.ParaID }

// HypotheticalCandidateIncomplete is an advertised candidate with only the
// claimed properties known.
type HypotheticalCandidateIncomplete struct {
	Hash                 CandidateHash
	CandidateParaID      ParaID
	ParentHeadDataHash   common.Hash
	CandidateRelayParent common.Hash
}

func (h HypotheticalCandidateIncomplete) CandidateHash() CandidateHash { return h.Hash }
func (h HypotheticalCandidateIncomplete) RelayParent() common.Hash     { return h.CandidateRelayParent }
func (h HypotheticalCandidateIncomplete) ParaID() ParaID               { return h.CandidateParaID }

// HypotheticalMembership is the set of active leaves under which a candidate
// is a hypothetical member of a fragment chain.
type HypotheticalMembership []common.Hash

// HypotheticalMembershipResponseItem pairs a queried candidate with its
// membership.
type HypotheticalMembershipResponseItem struct {
	Candidate  HypotheticalCandidate
	Membership HypotheticalMembership
}

// ProspectiveParachainsMessageGetHypotheticalMembership requests hypothetical
// membership for a batch of candidates, optionally restricted to the fragment
// chain of one relay parent.
type ProspectiveParachainsMessageGetHypotheticalMembership struct {
	Candidates               []HypotheticalCandidate
	FragmentChainRelayParent *common.Hash
	ResponseCh               chan []HypotheticalMembershipResponseItem
}

// ParaIDBlockNumber pairs a para with a block number.
type ParaIDBlockNumber struct {
	ParaID      ParaID
	BlockNumber uint32
}

// ProspectiveParachainsMessageGetMinimumRelayParents requests the minimum
// accepted relay-parent numbers per para at an active leaf.
type ProspectiveParachainsMessageGetMinimumRelayParents struct {
	RelayParent common.Hash
	ResponseCh  chan []ParaIDBlockNumber
}

// View is a peer's explicit view: the active leaves it is interested in.
type View struct {
	Heads           []common.Hash
	FinalizedNumber uint32
}

// Contains returns true if the view includes the given head.
func (v View) Contains(hash common.Hash) bool {
	for _, head := range v.Heads {
		if head == hash {
			return true
		}
	}
	return false
}

// ValidationProtocolVersion is the negotiated version of the validation
// protocol for a peer.
type ValidationProtocolVersion uint32

// ValidationProtocolV3 is the only version this subsystem speaks.
const ValidationProtocolV3 ValidationProtocolVersion = 3

// PeerConnected is a network bridge event: a validation-protocol peer
// connected, possibly with known authority discovery identities.
type PeerConnected struct {
	PeerID          peer.ID
	ProtocolVersion ValidationProtocolVersion
	AuthorityIDs    []AuthorityDiscoveryID
}

// PeerDisconnected is a network bridge event: a peer disconnected.
type PeerDisconnected struct {
	PeerID peer.ID
}

// PeerViewChange is a network bridge event: a peer announced a new view.
type PeerViewChange struct {
	PeerID peer.ID
	View   View
}

// NewGossipTopology is a network bridge event carrying the session's grid
// topology. It may arrive before the session's first relay parent is known.
type NewGossipTopology struct {
	Session    SessionIndex
	Topology   SessionGridTopology
	LocalIndex *ValidatorIndex
}

// UpdatedAuthorityIDs is a network bridge event: authority discovery resolved
// new identities for a connected peer.
type UpdatedAuthorityIDs struct {
	PeerID       peer.ID
	AuthorityIDs []AuthorityDiscoveryID
}

// PeerMessage is a network bridge event: a gossip message from a peer.
type PeerMessage struct {
	PeerID  peer.ID
	Message any
}
