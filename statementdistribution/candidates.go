// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"bytes"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/exp/slices"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// candidateClaims is what a peer asserted about a candidate before we had the
// receipt. The parent claim is optional; manifests carry it, statements do
// not.
type candidateClaims struct {
	relayParent common.Hash
	groupIndex  parachaintypes.GroupIndex
	parentClaim *parentClaim
}

type parentClaim struct {
	parentHash common.Hash
	paraID     parachaintypes.ParaID
}

func (c candidateClaims) check(
	relayParent common.Hash,
	groupIndex parachaintypes.GroupIndex,
	parentHash common.Hash,
	paraID parachaintypes.ParaID,
) bool {
	if c.relayParent != relayParent || c.groupIndex != groupIndex {
		return false
	}
	if c.parentClaim == nil {
		return true
	}
	return c.parentClaim.parentHash == parentHash && c.parentClaim.paraID == paraID
}

// unconfirmedImportable records that an unconfirmed candidate with these
// claimed properties would be importable under some active leaf.
type unconfirmedImportable struct {
	relayParent common.Hash
	parentHash  common.Hash
	paraID      parachaintypes.ParaID
}

type leafAndImportable struct {
	leaf       common.Hash
	importable unconfirmedImportable
}

type unconfirmedCandidate struct {
	claims []struct {
		peer   peer.ID
		claims candidateClaims
	}
	unconfirmedImportableUnder map[leafAndImportable]struct{}
}

// ConfirmedCandidate is a candidate with a known receipt and persisted
// validation data.
type ConfirmedCandidate struct {
	receipt                 parachaintypes.CommittedCandidateReceipt
	persistedValidationData parachaintypes.PersistedValidationData
	assignedGroup           parachaintypes.GroupIndex
	parentHash              common.Hash
	importableUnder         map[common.Hash]struct{}
}

func (c *ConfirmedCandidate) Receipt() parachaintypes.CommittedCandidateReceipt {
	return c.receipt
}

func (c *ConfirmedCandidate) PersistedValidationData() parachaintypes.PersistedValidationData {
	return c.persistedValidationData
}

func (c *ConfirmedCandidate) ParaID() parachaintypes.ParaID {
	return c.receipt.Descriptor.ParaID
}

func (c *ConfirmedCandidate) RelayParent() common.Hash {
	return c.receipt.Descriptor.RelayParent
}

func (c *ConfirmedCandidate) GroupIndex() parachaintypes.GroupIndex {
	return c.assignedGroup
}

func (c *ConfirmedCandidate) ParentHeadDataHash() common.Hash {
	return c.parentHash
}

// IsImportable reports whether the candidate is importable under the given
// leaf, or under any leaf when nil.
func (c *ConfirmedCandidate) IsImportable(under *common.Hash) bool {
	if under == nil {
		return len(c.importableUnder) > 0
	}
	_, ok := c.importableUnder[*under]
	return ok
}

func (c *ConfirmedCandidate) toHypothetical(
	candidateHash parachaintypes.CandidateHash,
) parachaintypes.HypotheticalCandidateComplete {
	return parachaintypes.HypotheticalCandidateComplete{
		Hash:                    candidateHash,
		Receipt:                 c.receipt,
		PersistedValidationData: c.persistedValidationData,
	}
}

type candidateState struct {
	confirmed   *ConfirmedCandidate
	unconfirmed *unconfirmedCandidate
}

// PostConfirmationReckoning sorts the peers which advertised a candidate
// before confirmation into those whose claims matched the receipt and those
// whose did not.
type PostConfirmationReckoning struct {
	Correct   map[peer.ID]struct{}
	Incorrect map[peer.ID]struct{}
}

// PostConfirmation is produced when a candidate transitions from unconfirmed
// to confirmed.
type PostConfirmation struct {
	Hypothetical parachaintypes.HypotheticalCandidateComplete
	Reckoning    PostConfirmationReckoning
}

type candidateParentKey struct {
	parentHash common.Hash
	paraID     parachaintypes.ParaID
}

// Candidates tracks all candidates the subsystem is aware of, confirmed and
// unconfirmed, along with which peers made which claims about them.
// Confirmation is one-way; a confirmed candidate never reverts.
type Candidates struct {
	candidates map[parachaintypes.CandidateHash]*candidateState
	byParent   map[candidateParentKey]map[parachaintypes.CandidateHash]struct{}
}

func NewCandidates() *Candidates {
	return &Candidates{
		candidates: make(map[parachaintypes.CandidateHash]*candidateState),
		byParent:   make(map[candidateParentKey]map[parachaintypes.CandidateHash]struct{}),
	}
}

// InsertUnconfirmed records a peer's claims about a candidate. Returns false
// when the claims contradict the confirmed receipt, meaning the peer
// advertised garbage.
func (c *Candidates) InsertUnconfirmed(
	peerID peer.ID,
	candidateHash parachaintypes.CandidateHash,
	claimedRelayParent common.Hash,
	claimedGroupIndex parachaintypes.GroupIndex,
	claimedParent *parentClaim,
) bool {
	state, ok := c.candidates[candidateHash]
	if !ok {
		state = &candidateState{unconfirmed: &unconfirmedCandidate{
			unconfirmedImportableUnder: make(map[leafAndImportable]struct{}),
		}}
		c.candidates[candidateHash] = state
	}

	claims := candidateClaims{
		relayParent: claimedRelayParent,
		groupIndex:  claimedGroupIndex,
		parentClaim: claimedParent,
	}

	if state.confirmed != nil {
		confirmed := state.confirmed
		return claims.check(
			confirmed.RelayParent(),
			confirmed.assignedGroup,
			confirmed.parentHash,
			confirmed.ParaID(),
		)
	}

	state.unconfirmed.claims = append(state.unconfirmed.claims, struct {
		peer   peer.ID
		claims candidateClaims
	}{peer: peerID, claims: claims})

	if claimedParent != nil {
		c.addByParent(claimedParent.parentHash, claimedParent.paraID, candidateHash)
	}

	return true
}

// ConfirmCandidate makes the candidate confirmed. Returns nil if it already
// was; otherwise the reckoning over prior claims and the hypothetical form of
// the candidate for frontier queries.
func (c *Candidates) ConfirmCandidate(
	candidateHash parachaintypes.CandidateHash,
	receipt parachaintypes.CommittedCandidateReceipt,
	persistedValidationData parachaintypes.PersistedValidationData,
	assignedGroup parachaintypes.GroupIndex,
) *PostConfirmation {
	state, ok := c.candidates[candidateHash]
	if ok && state.confirmed != nil {
		return nil
	}

	parentHash, err := persistedValidationData.ParentHead.Hash()
	if err != nil {
		logger.Error().Err(err).
			Str("candidate_hash", candidateHash.Value.String()).
			Msg("failed to hash parent head data")
		return nil
	}

	confirmed := &ConfirmedCandidate{
		receipt:                 receipt,
		persistedValidationData: persistedValidationData,
		assignedGroup:           assignedGroup,
		parentHash:              parentHash,
		importableUnder:         make(map[common.Hash]struct{}),
	}

	reckoning := PostConfirmationReckoning{
		Correct:   make(map[peer.ID]struct{}),
		Incorrect: make(map[peer.ID]struct{}),
	}

	if ok {
		unconfirmed := state.unconfirmed
		for _, claim := range unconfirmed.claims {
			if claim.claims.check(
				confirmed.RelayParent(), assignedGroup, parentHash, confirmed.ParaID(),
			) {
				reckoning.Correct[claim.peer] = struct{}{}
			} else {
				reckoning.Incorrect[claim.peer] = struct{}{}
			}

			// drop stale by-parent entries from wrong parent claims
			if pc := claim.claims.parentClaim; pc != nil &&
				(pc.parentHash != parentHash || pc.paraID != confirmed.ParaID()) {
				c.removeByParent(pc.parentHash, pc.paraID, candidateHash)
			}
		}

		for entry := range unconfirmed.unconfirmedImportableUnder {
			if entry.importable.relayParent == confirmed.RelayParent() &&
				entry.importable.parentHash == parentHash &&
				entry.importable.paraID == confirmed.ParaID() {
				confirmed.importableUnder[entry.leaf] = struct{}{}
			}
		}

		state.unconfirmed = nil
		state.confirmed = confirmed
	} else {
		c.candidates[candidateHash] = &candidateState{confirmed: confirmed}
	}

	c.addByParent(parentHash, confirmed.ParaID(), candidateHash)

	return &PostConfirmation{
		Hypothetical: confirmed.toHypothetical(candidateHash),
		Reckoning:    reckoning,
	}
}

// GetConfirmed returns the confirmed candidate, if confirmed.
func (c *Candidates) GetConfirmed(
	candidateHash parachaintypes.CandidateHash,
) (*ConfirmedCandidate, bool) {
	state, ok := c.candidates[candidateHash]
	if !ok || state.confirmed == nil {
		return nil, false
	}
	return state.confirmed, true
}

// IsConfirmed reports whether the candidate is confirmed.
func (c *Candidates) IsConfirmed(candidateHash parachaintypes.CandidateHash) bool {
	_, ok := c.GetConfirmed(candidateHash)
	return ok
}

// IsImportable reports whether the candidate is confirmed and importable
// under at least one active leaf.
func (c *Candidates) IsImportable(candidateHash parachaintypes.CandidateHash) bool {
	confirmed, ok := c.GetConfirmed(candidateHash)
	return ok && confirmed.IsImportable(nil)
}

// NoteImportableUnder records that a hypothetical candidate is importable
// under the given active leaf.
func (c *Candidates) NoteImportableUnder(
	candidate parachaintypes.HypotheticalCandidate,
	leaf common.Hash,
) {
	switch candidate := candidate.(type) {
	case parachaintypes.HypotheticalCandidateIncomplete:
		state, ok := c.candidates[candidate.Hash]
		if !ok || state.unconfirmed == nil {
			return
		}
		state.unconfirmed.unconfirmedImportableUnder[leafAndImportable{
			leaf: leaf,
			importable: unconfirmedImportable{
				relayParent: candidate.CandidateRelayParent,
				parentHash:  candidate.ParentHeadDataHash,
				paraID:      candidate.CandidateParaID,
			},
		}] = struct{}{}
	case parachaintypes.HypotheticalCandidateComplete:
		state, ok := c.candidates[candidate.Hash]
		if !ok || state.confirmed == nil {
			return
		}
		state.confirmed.importableUnder[leaf] = struct{}{}
	}
}

// OnDeactivateLeaves prunes candidate state which is no longer relevant.
// relayParentLive reports whether a relay parent is still in the implicit
// view after the deactivations.
func (c *Candidates) OnDeactivateLeaves(
	leaves []common.Hash,
	relayParentLive func(common.Hash) bool,
) {
	deactivated := make(map[common.Hash]struct{}, len(leaves))
	for _, leaf := range leaves {
		deactivated[leaf] = struct{}{}
	}

	for candidateHash, state := range c.candidates {
		if state.confirmed != nil {
			confirmed := state.confirmed
			if relayParentLive(confirmed.RelayParent()) {
				for _, leaf := range leaves {
					delete(confirmed.importableUnder, leaf)
				}
				continue
			}
			c.removeByParent(confirmed.parentHash, confirmed.ParaID(), candidateHash)
			delete(c.candidates, candidateHash)
			continue
		}

		unconfirmed := state.unconfirmed
		kept := unconfirmed.claims[:0]
		for _, claim := range unconfirmed.claims {
			if relayParentLive(claim.claims.relayParent) {
				kept = append(kept, claim)
				continue
			}
			if pc := claim.claims.parentClaim; pc != nil {
				stillClaimed := false
				for _, other := range unconfirmed.claims {
					if opc := other.claims.parentClaim; opc != nil && *opc == *pc &&
						relayParentLive(other.claims.relayParent) {
						stillClaimed = true
						break
					}
				}
				if !stillClaimed {
					c.removeByParent(pc.parentHash, pc.paraID, candidateHash)
				}
			}
		}
		unconfirmed.claims = kept

		for entry := range unconfirmed.unconfirmedImportableUnder {
			_, leafGone := deactivated[entry.leaf]
			if leafGone || !relayParentLive(entry.importable.relayParent) {
				delete(unconfirmed.unconfirmedImportableUnder, entry)
			}
		}

		if len(unconfirmed.claims) == 0 {
			delete(c.candidates, candidateHash)
		}
	}
}

// FrontierHypotheticals returns the hypothetical form of every candidate, or
// just those claiming the given parent when requiredParent is non-nil.
func (c *Candidates) FrontierHypotheticals(
	requiredParent *candidateParentKey,
) []parachaintypes.HypotheticalCandidate {
	var hypotheticals []parachaintypes.HypotheticalCandidate
	seen := make(map[parachaintypes.CandidateHash]struct{})

	collect := func(candidateHash parachaintypes.CandidateHash) {
		if _, ok := seen[candidateHash]; ok {
			return
		}
		state, ok := c.candidates[candidateHash]
		if !ok {
			return
		}

		if state.confirmed != nil {
			seen[candidateHash] = struct{}{}
			hypotheticals = append(hypotheticals, state.confirmed.toHypothetical(candidateHash))
			return
		}

		for _, claim := range state.unconfirmed.claims {
			pc := claim.claims.parentClaim
			if pc == nil {
				continue
			}
			if requiredParent != nil &&
				(pc.parentHash != requiredParent.parentHash || pc.paraID != requiredParent.paraID) {
				continue
			}
			seen[candidateHash] = struct{}{}
			hypotheticals = append(hypotheticals, parachaintypes.HypotheticalCandidateIncomplete{
				Hash:                 candidateHash,
				CandidateParaID:      pc.paraID,
				ParentHeadDataHash:   pc.parentHash,
				CandidateRelayParent: claim.claims.relayParent,
			})
			return
		}
	}

	if requiredParent != nil {
		for candidateHash := range c.byParent[*requiredParent] {
			collect(candidateHash)
		}
	} else {
		for candidateHash := range c.candidates {
			collect(candidateHash)
		}
	}

	slices.SortFunc(hypotheticals, func(a, b parachaintypes.HypotheticalCandidate) int {
		ha, hb := a.CandidateHash(), b.CandidateHash()
		return bytes.Compare(ha.Value[:], hb.Value[:])
	})
	return hypotheticals
}

func (c *Candidates) addByParent(
	parentHash common.Hash,
	paraID parachaintypes.ParaID,
	candidateHash parachaintypes.CandidateHash,
) {
	key := candidateParentKey{parentHash: parentHash, paraID: paraID}
	set, ok := c.byParent[key]
	if !ok {
		set = make(map[parachaintypes.CandidateHash]struct{})
		c.byParent[key] = set
	}
	set[candidateHash] = struct{}{}
}

func (c *Candidates) removeByParent(
	parentHash common.Hash,
	paraID parachaintypes.ParaID,
	candidateHash parachaintypes.CandidateHash,
) {
	key := candidateParentKey{parentHash: parentHash, paraID: paraID}
	set, ok := c.byParent[key]
	if !ok {
		return
	}
	delete(set, candidateHash)
	if len(set) == 0 {
		delete(c.byParent, key)
	}
}
