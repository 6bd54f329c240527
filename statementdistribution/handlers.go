// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"context"
	"fmt"
	"time"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/libp2p/go-libp2p/core/peer"

	nbmessages "github.com/polkadot-go/statement-distribution/networkbridge/messages"
	"github.com/polkadot-go/statement-distribution/peerset"
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// ProcessActiveLeavesUpdateSignal applies an active leaves delta: deactivated
// leaves are pruned first, then the activated leaf (if any) is brought in
// along with every new relay parent in its allowed ancestry.
func (s *StatementDistribution) ProcessActiveLeavesUpdateSignal(
	signal parachaintypes.ActiveLeavesUpdateSignal,
) error {
	if len(signal.Deactivated) > 0 {
		s.handleDeactivateLeaves(signal.Deactivated)
	}
	if signal.Activated != nil {
		return s.handleActivateLeaf(*signal.Activated)
	}
	return nil
}

func (s *StatementDistribution) handleDeactivateLeaves(leaves []common.Hash) {
	for _, leaf := range leaves {
		for _, relayParent := range s.state.implicitView.DeactivateLeaf(leaf) {
			delete(s.state.perRelayParent, relayParent)
			s.state.requestManager.RemoveByRelayParent(relayParent)
		}
	}

	s.state.candidates.OnDeactivateLeaves(leaves, s.state.implicitView.HasRelayParent)

	liveSessions := make(map[parachaintypes.SessionIndex]struct{})
	var maxLive parachaintypes.SessionIndex
	for _, rpState := range s.state.perRelayParent {
		liveSessions[rpState.session] = struct{}{}
		if rpState.session > maxLive {
			maxLive = rpState.session
		}
	}
	for sessionIndex := range s.state.perSession {
		if _, live := liveSessions[sessionIndex]; !live {
			delete(s.state.perSession, sessionIndex)
		}
	}
	// topologies for future sessions stay parked until their session starts
	for sessionIndex := range s.state.unusedTopologies {
		if _, live := liveSessions[sessionIndex]; !live && sessionIndex <= maxLive {
			delete(s.state.unusedTopologies, sessionIndex)
		}
	}
}

func (s *StatementDistribution) handleActivateLeaf(leaf parachaintypes.ActivatedLeaf) error {
	if !s.state.implicitView.ContainsLeaf(leaf.Hash) {
		ancestors, err := s.fetchLeafAncestry(leaf)
		if err != nil {
			return fmt.Errorf("fetching ancestry of leaf %s: %w", leaf.Hash, err)
		}
		s.state.implicitView.ActivateLeaf(leaf.Hash, ancestors)
	}

	allowed := s.state.implicitView.KnownAllowedRelayParentsUnder(leaf.Hash)
	for _, relayParent := range allowed {
		if _, ok := s.state.perRelayParent[relayParent]; ok {
			continue
		}
		if err := s.buildPerRelayParentState(relayParent); err != nil {
			return fmt.Errorf("building state for relay parent %s: %w", relayParent, err)
		}
	}

	for peerID, peerState := range s.state.peers {
		for _, relayParent := range peerState.reconcileActiveLeaf(leaf.Hash, allowed) {
			s.sendPeerMessagesForRelayParent(peerID, relayParent)
		}
	}

	s.newLeafFragmentChainUpdates(leaf.Hash)
	return nil
}

// fetchLeafAncestry resolves how far back candidates may use relay parents
// under the leaf and fetches the corresponding ancestor hashes.
func (s *StatementDistribution) fetchLeafAncestry(
	leaf parachaintypes.ActivatedLeaf,
) ([]common.Hash, error) {
	minNumber := leaf.Number
	for _, item := range s.fetchMinimumRelayParents(leaf.Hash) {
		if item.BlockNumber < minNumber {
			minNumber = item.BlockNumber
		}
	}

	ancestryLen := leaf.Number - minNumber
	if ancestryLen == 0 {
		return nil, nil
	}
	return s.fetchAncestors(leaf.Hash, ancestryLen)
}

func (s *StatementDistribution) buildPerRelayParentState(relayParent common.Hash) error {
	sessionIndex, err := s.fetchSessionIndexForChild(relayParent)
	if err != nil {
		return fmt.Errorf("fetching session index: %w", err)
	}

	perSession, ok := s.state.perSession[sessionIndex]
	if !ok {
		sessionInfo, err := s.fetchSessionInfo(relayParent, sessionIndex)
		if err != nil {
			return fmt.Errorf("fetching session info: %w", err)
		}
		minimumBackingVotes, err := s.fetchMinimumBackingVotes(relayParent, sessionIndex)
		if err != nil {
			return fmt.Errorf("fetching minimum backing votes: %w", err)
		}

		perSession = NewPerSessionState(sessionIndex, sessionInfo, s.state.keystore, minimumBackingVotes)
		if topology, ok := s.state.unusedTopologies[sessionIndex]; ok {
			perSession.SupplyTopology(topology)
			delete(s.state.unusedTopologies, sessionIndex)
		}
		s.state.perSession[sessionIndex] = perSession
	}

	groupsAndRotation, err := s.fetchValidatorGroups(relayParent)
	if err != nil {
		return fmt.Errorf("fetching validator groups: %w", err)
	}
	claimQueue, err := s.fetchClaimQueue(relayParent)
	if err != nil {
		return fmt.Errorf("fetching claim queue: %w", err)
	}
	disabled, err := s.fetchDisabledValidators(relayParent)
	if err != nil {
		return fmt.Errorf("fetching disabled validators: %w", err)
	}

	numCores := len(claimQueue)
	groupsPerPara := make(map[parachaintypes.ParaID][]parachaintypes.GroupIndex)
	assignmentsPerGroup := make(map[parachaintypes.GroupIndex][]parachaintypes.ParaID)
	for core, paras := range claimQueue {
		groupIndex := groupsAndRotation.RotationInfo.GroupForCore(core, numCores)
		assignmentsPerGroup[groupIndex] = append(assignmentsPerGroup[groupIndex], paras...)
		for _, paraID := range paras {
			groupsPerPara[paraID] = appendGroupUnique(groupsPerPara[paraID], groupIndex)
		}
	}

	secondingLimits := make(map[parachaintypes.GroupIndex]int, len(assignmentsPerGroup))
	secondingLimit := 1
	for groupIndex, assignments := range assignmentsPerGroup {
		secondingLimits[groupIndex] = len(assignments)
		if len(assignments) > secondingLimit {
			secondingLimit = len(assignments)
		}
	}

	disabledValidators := make(map[parachaintypes.ValidatorIndex]struct{}, len(disabled))
	for _, validatorIndex := range disabled {
		disabledValidators[validatorIndex] = struct{}{}
	}

	var localValidator *LocalValidatorState
	if perSession.localValidatorIndex != nil {
		localValidator = &LocalValidatorState{gridTracker: NewGridTracker()}

		localIndex := *perSession.localValidatorIndex
		if groupIndex, ok := perSession.groups.ByValidatorIndex(localIndex); ok {
			group := perSession.groups.Get(groupIndex)
			groupLimit := secondingLimits[groupIndex]
			if groupLimit == 0 {
				groupLimit = 1
			}
			clusterTracker, err := NewClusterTracker(group, groupLimit)
			if err != nil {
				return fmt.Errorf("building cluster tracker: %w", err)
			}
			localValidator.active = &ActiveValidatorState{
				index:          localIndex,
				group:          groupIndex,
				assignments:    assignmentsPerGroup[groupIndex],
				clusterTracker: clusterTracker,
			}
		}

		if perSession.localValidatorIndex != nil && rpStateIsDisabledIn(disabledValidators, localIndex) {
			logger.Warn().
				Uint32("validator_index", uint32(localIndex)).
				Str("relay_parent", relayParent.String()).
				Msg("local validator is disabled at relay parent")
		}
	}

	s.state.perRelayParent[relayParent] = &PerRelayParentState{
		localValidator:      localValidator,
		statementStore:      NewStatementStore(perSession.groups, secondingLimits),
		secondingLimit:      secondingLimit,
		session:             sessionIndex,
		groupsPerPara:       groupsPerPara,
		disabledValidators:  disabledValidators,
		assignmentsPerGroup: assignmentsPerGroup,
	}
	return nil
}

func rpStateIsDisabledIn(
	disabled map[parachaintypes.ValidatorIndex]struct{},
	v parachaintypes.ValidatorIndex,
) bool {
	_, ok := disabled[v]
	return ok
}

func appendGroupUnique(
	groups []parachaintypes.GroupIndex,
	groupIndex parachaintypes.GroupIndex,
) []parachaintypes.GroupIndex {
	for _, existing := range groups {
		if existing == groupIndex {
			return groups
		}
	}
	return append(groups, groupIndex)
}

// newLeafFragmentChainUpdates asks prospective parachains which known
// candidates are members of the new leaf's fragment chain, records
// importability and forwards fresh statements of importable candidates to
// backing.
func (s *StatementDistribution) newLeafFragmentChainUpdates(leaf common.Hash) {
	hypotheticals := s.state.candidates.FrontierHypotheticals(nil)
	if len(hypotheticals) == 0 {
		return
	}

	for _, item := range s.fetchHypotheticalMembership(hypotheticals, &leaf) {
		for _, member := range item.Membership {
			if member != leaf {
				continue
			}
			candidateHash := item.Candidate.CandidateHash()
			wasImportable := s.state.candidates.IsImportable(candidateHash)
			s.state.candidates.NoteImportableUnder(item.Candidate, leaf)
			if confirmed, ok := s.state.candidates.GetConfirmed(candidateHash); ok && !wasImportable {
				s.sendBackingFreshStatements(candidateHash, confirmed)
			}
		}
	}
}

// peer lifecycle

func (s *StatementDistribution) handlePeerConnected(event parachaintypes.PeerConnected) {
	// an authority ID stays with the peer that bound it first; a later
	// claimant only keeps the IDs it actually got to bind
	bound := make([]parachaintypes.AuthorityDiscoveryID, 0, len(event.AuthorityIDs))
	for _, authorityID := range event.AuthorityIDs {
		if holder, ok := s.state.authorities[authorityID]; ok {
			logger.Debug().
				Str("peer", event.PeerID.String()).
				Str("existing_peer", holder.String()).
				Msg("ignoring peer with duplicate authority ID")
			continue
		}
		s.state.authorities[authorityID] = event.PeerID
		bound = append(bound, authorityID)
	}
	s.state.peers[event.PeerID] = newPeerState(event.ProtocolVersion, bound)
}

func (s *StatementDistribution) handlePeerDisconnected(event parachaintypes.PeerDisconnected) {
	peerState, ok := s.state.peers[event.PeerID]
	if ok {
		for authorityID := range peerState.discoveryIDs {
			if s.state.authorities[authorityID] == event.PeerID {
				delete(s.state.authorities, authorityID)
			}
		}
	}
	delete(s.state.peers, event.PeerID)
}

func (s *StatementDistribution) handleUpdatedAuthorityIDs(event parachaintypes.UpdatedAuthorityIDs) {
	peerState, ok := s.state.peers[event.PeerID]
	if !ok {
		return
	}
	for authorityID := range peerState.discoveryIDs {
		if s.state.authorities[authorityID] == event.PeerID {
			delete(s.state.authorities, authorityID)
		}
	}
	peerState.setDiscoveryIDs(event.AuthorityIDs)
	for _, authorityID := range event.AuthorityIDs {
		s.state.authorities[authorityID] = event.PeerID
	}
}

func (s *StatementDistribution) handleTopologyUpdate(event parachaintypes.NewGossipTopology) {
	perSession, ok := s.state.perSession[event.Session]
	if !ok {
		s.state.unusedTopologies[event.Session] = event
		return
	}
	perSession.SupplyTopology(event)
}

func (s *StatementDistribution) handlePeerViewChange(peerID peer.ID, view parachaintypes.View) {
	peerState, ok := s.state.peers[peerID]
	if !ok {
		return
	}
	for _, relayParent := range peerState.updateView(view, s.state.implicitView) {
		s.sendPeerMessagesForRelayParent(peerID, relayParent)
	}
}

// sendPeerMessagesForRelayParent delivers everything a peer became entitled
// to when a relay parent entered its implicit view: pending cluster
// statements, pending grid manifests and pending grid statements.
func (s *StatementDistribution) sendPeerMessagesForRelayParent(
	peerID peer.ID,
	relayParent common.Hash,
) {
	peerState, ok := s.state.peers[peerID]
	if !ok {
		return
	}
	rpState, ok := s.state.perRelayParent[relayParent]
	if !ok || rpState.localValidator == nil {
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}

	for authorityID := range peerState.discoveryIDs {
		validatorIndex, ok := perSession.authorityLookup[authorityID]
		if !ok {
			continue
		}
		s.sendPendingClusterStatements(peerID, relayParent, rpState, validatorIndex)
		s.sendPendingGridMessages(peerID, relayParent, rpState, perSession, validatorIndex)
	}
}

func (s *StatementDistribution) sendPendingClusterStatements(
	peerID peer.ID,
	relayParent common.Hash,
	rpState *PerRelayParentState,
	target parachaintypes.ValidatorIndex,
) {
	active := rpState.ActiveValidatorState()
	if active == nil || !active.clusterTracker.IsInGroup(target) {
		return
	}

	for _, pending := range active.clusterTracker.PendingStatementsFor(target) {
		stored := rpState.statementStore.ValidatorStatement(pending.originator, pending.statement)
		if stored == nil {
			continue
		}
		s.sendToOverseer(nbmessages.SendValidationMessage{
			To: []peer.ID{peerID},
			Message: StatementMessage{
				RelayParent: relayParent,
				Statement:   stored.AsUnchecked(),
			},
		})
		active.clusterTracker.NoteSent(target, pending.originator, pending.statement)
	}
}

func (s *StatementDistribution) sendPendingGridMessages(
	peerID peer.ID,
	relayParent common.Hash,
	rpState *PerRelayParentState,
	perSession *PerSessionState,
	target parachaintypes.ValidatorIndex,
) {
	grid := rpState.localValidator.gridTracker

	for _, pending := range grid.PendingManifestsFor(target) {
		confirmed, ok := s.state.candidates.GetConfirmed(pending.CandidateHash)
		if !ok || confirmed.RelayParent() != relayParent {
			continue
		}
		s.sendManifestToPeer(peerID, target, rpState, perSession, confirmed, pending.CandidateHash, pending.Kind)
	}

	for _, pending := range grid.PendingStatementsFor(target) {
		stored := rpState.statementStore.ValidatorStatement(pending.originator, pending.statement)
		if stored == nil {
			continue
		}
		s.sendToOverseer(nbmessages.SendValidationMessage{
			To: []peer.ID{peerID},
			Message: StatementMessage{
				RelayParent: relayParent,
				Statement:   stored.AsUnchecked(),
			},
		})
		grid.SentOrReceivedDirectStatement(perSession.groups, pending.originator, target, pending.statement)
	}
}

// sendManifestToPeer builds and sends a full manifest or acknowledgement for
// a confirmed candidate and records the exchange in the grid tracker.
func (s *StatementDistribution) sendManifestToPeer(
	peerID peer.ID,
	target parachaintypes.ValidatorIndex,
	rpState *PerRelayParentState,
	perSession *PerSessionState,
	confirmed *ConfirmedCandidate,
	candidateHash parachaintypes.CandidateHash,
	kind ManifestKind,
) {
	groupIndex := confirmed.GroupIndex()
	group := perSession.groups.Get(groupIndex)
	localKnowledge := NewStatementFilterBlank(len(group))
	rpState.statementStore.FillStatementFilter(groupIndex, candidateHash, localKnowledge)

	var message any
	switch kind {
	case FullManifest:
		message = BackedCandidateManifest{
			RelayParent:        confirmed.RelayParent(),
			CandidateHash:      candidateHash,
			GroupIndex:         groupIndex,
			ParaID:             confirmed.ParaID(),
			ParentHeadDataHash: confirmed.ParentHeadDataHash(),
			StatementKnowledge: localKnowledge.Clone(),
		}
	case AcknowledgementManifest:
		message = BackedCandidateAcknowledgement{
			CandidateHash:      candidateHash,
			StatementKnowledge: localKnowledge.Clone(),
		}
	}

	s.sendToOverseer(nbmessages.SendValidationMessage{
		To:      []peer.ID{peerID},
		Message: message,
	})
	s.metrics.noteManifestSent()

	rpState.localValidator.gridTracker.ManifestSentTo(perSession.groups, target, candidateHash, localKnowledge)

	if kind == AcknowledgementManifest {
		s.sendPostAcknowledgementStatements(peerID, target, confirmed.RelayParent(), rpState, perSession, candidateHash)
	}
}

// sendPostAcknowledgementStatements flushes the statements queued for a
// counterparty after a completed manifest exchange.
func (s *StatementDistribution) sendPostAcknowledgementStatements(
	peerID peer.ID,
	target parachaintypes.ValidatorIndex,
	relayParent common.Hash,
	rpState *PerRelayParentState,
	perSession *PerSessionState,
	candidateHash parachaintypes.CandidateHash,
) {
	grid := rpState.localValidator.gridTracker
	for _, pending := range grid.PendingStatementsFor(target) {
		if pending.statement.CandidateHash != candidateHash {
			continue
		}
		stored := rpState.statementStore.ValidatorStatement(pending.originator, pending.statement)
		if stored == nil {
			continue
		}
		s.sendToOverseer(nbmessages.SendValidationMessage{
			To: []peer.ID{peerID},
			Message: StatementMessage{
				RelayParent: relayParent,
				Statement:   stored.AsUnchecked(),
			},
		})
		grid.SentOrReceivedDirectStatement(perSession.groups, pending.originator, target, pending.statement)
	}
}

// local statements

func (s *StatementDistribution) handleShare(
	relayParent common.Hash,
	statement parachaintypes.SignedFullStatementWithPVD,
) {
	rpState, ok := s.state.perRelayParent[relayParent]
	if !ok {
		logger.Error().
			Str("relay_parent", relayParent.String()).
			Msg("local statement for unknown relay parent")
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}
	active := rpState.ActiveValidatorState()
	if active == nil || active.index != statement.ValidatorIndex {
		logger.Error().
			Uint32("validator_index", uint32(statement.ValidatorIndex)).
			Msg("local statement from unexpected validator index")
		return
	}

	compact, err := statement.Payload.ToCompact()
	if err != nil {
		logger.Error().Err(err).Msg("malformed local statement")
		return
	}

	if compact.Kind == parachaintypes.SecondedCompactStatement &&
		rpState.statementStore.SecondedCount(active.index) >= rpState.secondingLimit {
		logger.Warn().
			Int("limit", rpState.secondingLimit).
			Str("relay_parent", relayParent.String()).
			Msg("refusing to share statement beyond seconding limit")
		return
	}

	signed := parachaintypes.ForceCheckedStatement(parachaintypes.UncheckedSignedStatement{
		Payload:        compact,
		ValidatorIndex: statement.ValidatorIndex,
		Signature:      statement.Signature,
	})

	fresh, err := rpState.statementStore.Insert(signed, StatementOriginLocal)
	if err != nil {
		logger.Error().Err(err).Msg("storing local statement")
		return
	}
	if !fresh {
		return
	}

	if compact.Kind == parachaintypes.SecondedCompactStatement {
		post := s.state.candidates.ConfirmCandidate(
			compact.CandidateHash,
			*statement.Payload.SecondedReceipt,
			*statement.Payload.SecondedPVD,
			active.group,
		)
		if post != nil {
			s.applyPostConfirmation(post)
		}
	}

	active.clusterTracker.NoteIssued(active.index, compact)
	if gridView := perSession.GridView(); gridView != nil {
		rpState.localValidator.gridTracker.LearnedFreshStatement(
			perSession.groups, *gridView, active.index, compact)
	}

	s.circulateStatement(relayParent, signed)
	s.metrics.noteStatementShared()
}

// circulateStatement sends a stored statement to every cluster and grid
// target which is connected, has the relay parent in view and does not know
// it yet.
func (s *StatementDistribution) circulateStatement(
	relayParent common.Hash,
	statement parachaintypes.SignedStatement,
) {
	rpState, ok := s.state.perRelayParent[relayParent]
	if !ok || rpState.localValidator == nil {
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}

	originator := statement.ValidatorIndex()
	compact := statement.Payload()
	message := StatementMessage{RelayParent: relayParent, Statement: statement.AsUnchecked()}

	active := rpState.ActiveValidatorState()
	if active != nil && active.clusterTracker.IsInGroup(originator) {
		for _, target := range active.clusterTracker.TargetsForStatement(originator, compact) {
			if target == active.index {
				continue
			}
			peerID, ok := s.connectedValidatorPeer(perSession, target, relayParent)
			if !ok {
				continue
			}
			s.sendToOverseer(nbmessages.SendValidationMessage{
				To:      []peer.ID{peerID},
				Message: message,
			})
			active.clusterTracker.NoteSent(target, originator, compact)
		}
	}

	grid := rpState.localValidator.gridTracker
	for _, target := range grid.DirectStatementTargets(perSession.groups, originator, compact) {
		peerID, ok := s.connectedValidatorPeer(perSession, target, relayParent)
		if !ok {
			continue
		}
		s.sendToOverseer(nbmessages.SendValidationMessage{
			To:      []peer.ID{peerID},
			Message: message,
		})
		grid.SentOrReceivedDirectStatement(perSession.groups, originator, target, compact)
	}
}

// connectedValidatorPeer resolves a session validator to a connected peer
// with the relay parent in view.
func (s *StatementDistribution) connectedValidatorPeer(
	perSession *PerSessionState,
	validatorIndex parachaintypes.ValidatorIndex,
	relayParent common.Hash,
) (peer.ID, bool) {
	if int(validatorIndex) >= len(perSession.sessionInfo.DiscoveryKeys) {
		return "", false
	}
	authorityID := perSession.sessionInfo.DiscoveryKeys[validatorIndex]
	peerID, ok := s.state.authorities[authorityID]
	if !ok {
		return "", false
	}
	peerState, ok := s.state.peers[peerID]
	if !ok || !peerState.knowsRelayParent(relayParent) {
		return "", false
	}
	return peerID, true
}

// incoming statements

func (s *StatementDistribution) handleIncomingStatement(
	peerID peer.ID,
	message StatementMessage,
) {
	peerState, ok := s.state.peers[peerID]
	if !ok {
		return
	}
	rpState, ok := s.state.perRelayParent[message.RelayParent]
	if !ok {
		s.reportPeer(peerID, peerset.CostMinor("statement for unknown relay parent"))
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}
	if rpState.localValidator == nil {
		// not a validator in this session; we never asked for statements
		s.reportPeer(peerID, peerset.CostMinor("unexpected statement"))
		return
	}

	unchecked := message.Statement
	originator := unchecked.ValidatorIndex
	compact := unchecked.Payload

	originGroup, ok := perSession.groups.ByValidatorIndex(originator)
	if !ok {
		s.reportPeer(peerID, peerset.CostMinor("statement from non-validator"))
		return
	}
	if rpState.IsDisabled(originator) {
		s.reportPeer(peerID, peerset.CostMinor("statement from disabled validator"))
		return
	}

	active := rpState.ActiveValidatorState()
	viaCluster := active != nil && active.clusterTracker.IsInGroup(originator)

	var senderIndex parachaintypes.ValidatorIndex
	var accept ClusterAccept
	if viaCluster {
		found := false
		for authorityID := range peerState.discoveryIDs {
			v, ok := perSession.authorityLookup[authorityID]
			if ok && active.clusterTracker.IsInGroup(v) {
				senderIndex = v
				found = true
				break
			}
		}
		if !found {
			s.reportPeer(peerID, peerset.CostMinor("cluster statement from non-member"))
			return
		}

		var err error
		accept, err = active.clusterTracker.CanReceive(senderIndex, originator, compact)
		switch err {
		case nil:
		case ErrClusterDuplicate:
			s.reportPeer(peerID, peerset.CostMinor("duplicate statement"))
			return
		case ErrClusterExcessiveSeconded:
			s.reportPeer(peerID, peerset.CostMinor("excessive seconded statements"))
			return
		default:
			s.reportPeer(peerID, peerset.CostMinor("unexpected statement"))
			return
		}
	} else {
		found := false
		senderKnows := false
		providers := rpState.localValidator.gridTracker.DirectStatementProviders(
			perSession.groups, originator, compact)
		for authorityID := range peerState.discoveryIDs {
			v, ok := perSession.authorityLookup[authorityID]
			if !ok {
				continue
			}
			for _, provider := range providers {
				if provider.ValidatorIndex == v {
					senderIndex = v
					senderKnows = provider.KnowsStatement
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			s.reportPeer(peerID, peerset.CostMinor("unexpected statement"))
			return
		}
		if senderKnows {
			// their manifest already claimed the statement, nothing to import
			s.reportPeer(peerID, peerset.BenefitMajor("valid statement"))
			return
		}
	}

	checked, err := parachaintypes.CheckStatementSignature(
		unchecked,
		perSession.sessionInfo.Validators,
		parachaintypes.SigningContext{
			SessionIndex: rpState.session,
			ParentHash:   message.RelayParent,
		},
	)
	if err != nil {
		s.reportPeer(peerID, peerset.CostMajor("invalid statement signature"))
		return
	}

	if viaCluster {
		active.clusterTracker.NoteReceived(senderIndex, originator, compact)
		if accept == ClusterAcceptWithPrejudice {
			// the originator is over its seconding limit from our view; the
			// sender spent part of its allowance but the statement is not
			// imported and earns nothing
			return
		}
	} else {
		rpState.localValidator.gridTracker.SentOrReceivedDirectStatement(
			perSession.groups, originator, senderIndex, compact)
	}

	if !s.state.candidates.InsertUnconfirmed(
		peerID, compact.CandidateHash, message.RelayParent, originGroup, nil,
	) {
		s.reportPeer(peerID, peerset.CostMajor("inaccurate candidate advertisement"))
		return
	}

	fresh, err := rpState.statementStore.Insert(checked, StatementOriginRemote)
	if err != nil {
		s.reportPeer(peerID, peerset.CostMajor("statement from validator outside groups"))
		return
	}

	if !s.state.candidates.IsConfirmed(compact.CandidateHash) {
		entry := s.state.requestManager.GetOrInsert(
			message.RelayParent, compact.CandidateHash, originGroup)
		entry.AddPeer(peerID)
		if viaCluster {
			entry.SetClusterPriority()
		}
	}

	if !fresh {
		s.reportPeer(peerID, peerset.BenefitMajor("valid statement"))
		return
	}
	s.reportPeer(peerID, peerset.BenefitMajorFirst("valid first statement"))
	s.metrics.noteStatementImported()

	if gridView := perSession.GridView(); gridView != nil {
		rpState.localValidator.gridTracker.LearnedFreshStatement(
			perSession.groups, *gridView, originator, compact)
	}

	if confirmed, ok := s.state.candidates.GetConfirmed(compact.CandidateHash); ok {
		if confirmed.IsImportable(nil) {
			s.sendBackingFreshStatements(compact.CandidateHash, confirmed)
		}
	}

	s.circulateStatement(message.RelayParent, checked)
}

// manifests

type manifestImportOutcome struct {
	senderIndex parachaintypes.ValidatorIndex
	acknowledge bool
	rpState     *PerRelayParentState
	perSession  *PerSessionState
}

// handleIncomingManifestCommon performs the validation shared by full
// manifests and acknowledgements, returning nil when the message has been
// dealt with (including by punishing the sender).
func (s *StatementDistribution) handleIncomingManifestCommon(
	peerID peer.ID,
	candidateHash parachaintypes.CandidateHash,
	relayParent common.Hash,
	summary ManifestSummary,
	paraID parachaintypes.ParaID,
	kind ManifestKind,
) *manifestImportOutcome {
	peerState, ok := s.state.peers[peerID]
	if !ok {
		return nil
	}
	rpState, ok := s.state.perRelayParent[relayParent]
	if !ok {
		s.reportPeer(peerID, peerset.CostMinor("manifest for unknown relay parent"))
		return nil
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return nil
	}
	if rpState.localValidator == nil {
		s.reportPeer(peerID, peerset.CostMinor("unexpected manifest"))
		return nil
	}
	gridView := perSession.GridView()
	if gridView == nil {
		s.reportPeer(peerID, peerset.CostMinor("manifest before topology"))
		return nil
	}

	var senderIndex parachaintypes.ValidatorIndex
	found := false
	for authorityID := range peerState.discoveryIDs {
		if v, ok := perSession.authorityLookup[authorityID]; ok {
			senderIndex = v
			found = true
			break
		}
	}
	if !found {
		s.reportPeer(peerID, peerset.CostMinor("manifest from non-validator"))
		return nil
	}

	groupAssigned := false
	for _, groupIndex := range rpState.groupsPerPara[paraID] {
		if groupIndex == summary.ClaimedGroupIndex {
			groupAssigned = true
			break
		}
	}
	if !groupAssigned {
		s.reportPeer(peerID, peerset.CostMajor("malformed manifest"))
		return nil
	}

	groupLimit := len(rpState.assignmentsPerGroup[summary.ClaimedGroupIndex])

	// knowledge claimed for disabled validators is not usable
	group := perSession.groups.Get(summary.ClaimedGroupIndex)
	disabledMask := rpState.DisabledBitmask(group)
	summary.StatementKnowledge.MaskSeconded(disabledMask.SecondedInGroup)
	summary.StatementKnowledge.MaskValid(disabledMask.ValidatedInGroup)

	acknowledge, err := rpState.localValidator.gridTracker.ImportManifest(
		*gridView, perSession.groups, candidateHash, groupLimit, summary, kind, senderIndex)
	switch err {
	case nil:
	case ErrManifestDisallowed:
		s.reportPeer(peerID, peerset.CostMinor("unexpected manifest"))
		return nil
	case ErrManifestConflicting, ErrManifestOverflow,
		ErrManifestInsufficient, ErrManifestMalformed:
		s.reportPeer(peerID, peerset.CostMajor("invalid manifest"))
		return nil
	default:
		s.reportPeer(peerID, peerset.CostMajor("invalid manifest"))
		return nil
	}

	if !s.state.candidates.InsertUnconfirmed(
		peerID,
		candidateHash,
		relayParent,
		summary.ClaimedGroupIndex,
		&parentClaim{parentHash: summary.ClaimedParentHash, paraID: paraID},
	) {
		s.reportPeer(peerID, peerset.CostMajor("inaccurate candidate advertisement"))
		return nil
	}

	s.metrics.noteManifestImported()
	return &manifestImportOutcome{
		senderIndex: senderIndex,
		acknowledge: acknowledge,
		rpState:     rpState,
		perSession:  perSession,
	}
}

func (s *StatementDistribution) handleIncomingManifest(
	peerID peer.ID,
	manifest BackedCandidateManifest,
) {
	outcome := s.handleIncomingManifestCommon(
		peerID,
		manifest.CandidateHash,
		manifest.RelayParent,
		manifest.ToSummary(),
		manifest.ParaID,
		FullManifest,
	)
	if outcome == nil {
		return
	}

	if outcome.acknowledge {
		confirmed, ok := s.state.candidates.GetConfirmed(manifest.CandidateHash)
		if !ok {
			return
		}
		s.sendManifestToPeer(
			peerID, outcome.senderIndex, outcome.rpState, outcome.perSession,
			confirmed, manifest.CandidateHash, AcknowledgementManifest)
		return
	}

	if !s.state.candidates.IsConfirmed(manifest.CandidateHash) {
		s.state.requestManager.
			GetOrInsert(manifest.RelayParent, manifest.CandidateHash, manifest.GroupIndex).
			AddPeer(peerID)
	}
}

func (s *StatementDistribution) handleIncomingAcknowledgement(
	peerID peer.ID,
	acknowledgement BackedCandidateAcknowledgement,
) {
	confirmed, ok := s.state.candidates.GetConfirmed(acknowledgement.CandidateHash)
	if !ok {
		s.reportPeer(peerID, peerset.CostMinor("acknowledgement for unknown candidate"))
		return
	}

	summary := ManifestSummary{
		ClaimedParentHash:  confirmed.ParentHeadDataHash(),
		ClaimedGroupIndex:  confirmed.GroupIndex(),
		StatementKnowledge: acknowledgement.StatementKnowledge,
	}

	outcome := s.handleIncomingManifestCommon(
		peerID,
		acknowledgement.CandidateHash,
		confirmed.RelayParent(),
		summary,
		confirmed.ParaID(),
		AcknowledgementManifest,
	)
	if outcome == nil {
		return
	}

	s.sendPostAcknowledgementStatements(
		peerID, outcome.senderIndex, confirmed.RelayParent(),
		outcome.rpState, outcome.perSession, acknowledgement.CandidateHash)
}

// backed candidates

func (s *StatementDistribution) handleBackedCandidate(
	candidateHash parachaintypes.CandidateHash,
) {
	confirmed, ok := s.state.candidates.GetConfirmed(candidateHash)
	if !ok {
		logger.Debug().
			Str("candidate_hash", candidateHash.String()).
			Msg("backed notification for unconfirmed candidate")
		return
	}
	rpState, ok := s.state.perRelayParent[confirmed.RelayParent()]
	if !ok || rpState.localValidator == nil {
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}
	gridView := perSession.GridView()
	if gridView == nil {
		return
	}

	groupIndex := confirmed.GroupIndex()
	group := perSession.groups.Get(groupIndex)
	localKnowledge := NewStatementFilterBlank(len(group))
	rpState.statementStore.FillStatementFilter(groupIndex, candidateHash, localKnowledge)

	actions := rpState.localValidator.gridTracker.AddBackedCandidate(
		*gridView, candidateHash, groupIndex, localKnowledge)
	for _, action := range actions {
		peerID, ok := s.connectedValidatorPeer(perSession, action.ValidatorIndex, confirmed.RelayParent())
		if !ok {
			continue
		}
		s.sendManifestToPeer(
			peerID, action.ValidatorIndex, rpState, perSession,
			confirmed, candidateHash, action.Kind)
	}

	s.prospectiveBackedNotificationFragmentChainUpdates(confirmed.ParaID(), confirmed.ParentHeadDataHash())
}

// prospectiveBackedNotificationFragmentChainUpdates re-evaluates the frontier
// under a newly backed parent head, since descendants may have become
// importable.
func (s *StatementDistribution) prospectiveBackedNotificationFragmentChainUpdates(
	paraID parachaintypes.ParaID,
	parentHeadDataHash common.Hash,
) {
	key := candidateParentKey{parentHash: parentHeadDataHash, paraID: paraID}
	hypotheticals := s.state.candidates.FrontierHypotheticals(&key)
	if len(hypotheticals) == 0 {
		return
	}

	for _, item := range s.fetchHypotheticalMembership(hypotheticals, nil) {
		candidateHash := item.Candidate.CandidateHash()
		wasImportable := s.state.candidates.IsImportable(candidateHash)
		for _, leaf := range item.Membership {
			s.state.candidates.NoteImportableUnder(item.Candidate, leaf)
		}
		if confirmed, ok := s.state.candidates.GetConfirmed(candidateHash); ok &&
			!wasImportable && confirmed.IsImportable(nil) {
			s.sendBackingFreshStatements(candidateHash, confirmed)
		}
	}
}

// applyPostConfirmation punishes peers whose advertisements turned out to be
// wrong, drops the now-useless requests, re-sends the candidate's cluster
// statements and re-evaluates fragment chain membership.
func (s *StatementDistribution) applyPostConfirmation(post *PostConfirmation) {
	for peerID := range post.Reckoning.Incorrect {
		s.reportPeer(peerID, peerset.CostMajor("inaccurate candidate advertisement"))
	}

	candidateHash := post.Hypothetical.Hash
	s.state.requestManager.RemoveFor(candidateHash)
	s.sendClusterCandidateStatements(candidateHash, post.Hypothetical.RelayParent())

	for _, item := range s.fetchHypotheticalMembership(
		[]parachaintypes.HypotheticalCandidate{post.Hypothetical}, nil,
	) {
		if item.Candidate.CandidateHash() != candidateHash {
			continue
		}
		for _, leaf := range item.Membership {
			s.state.candidates.NoteImportableUnder(post.Hypothetical, leaf)
		}
	}

	if confirmed, ok := s.state.candidates.GetConfirmed(candidateHash); ok &&
		confirmed.IsImportable(nil) {
		s.sendBackingFreshStatements(candidateHash, confirmed)
	}
}

// sendClusterCandidateStatements re-circulates every statement the store
// holds about a candidate of the local validator's own group.
func (s *StatementDistribution) sendClusterCandidateStatements(
	candidateHash parachaintypes.CandidateHash,
	relayParent common.Hash,
) {
	rpState, ok := s.state.perRelayParent[relayParent]
	if !ok {
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}
	active := rpState.ActiveValidatorState()
	if active == nil {
		return
	}

	group := perSession.groups.Get(active.group)
	full := NewStatementFilterFull(len(group))
	for _, statement := range rpState.statementStore.GroupStatements(active.group, candidateHash, full) {
		s.circulateStatement(relayParent, statement)
	}
}

// sendBackingFreshStatements forwards every statement about the candidate
// which backing has not seen yet.
func (s *StatementDistribution) sendBackingFreshStatements(
	candidateHash parachaintypes.CandidateHash,
	confirmed *ConfirmedCandidate,
) {
	rpState, ok := s.state.perRelayParent[confirmed.RelayParent()]
	if !ok {
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}

	group := perSession.groups.Get(confirmed.GroupIndex())
	for _, statement := range rpState.statementStore.FreshStatementsForBacking(group, candidateHash) {
		compact := statement.Payload()

		var payload parachaintypes.StatementWithPVD
		if compact.Kind == parachaintypes.SecondedCompactStatement {
			receipt := confirmed.Receipt()
			pvd := confirmed.PersistedValidationData()
			payload = parachaintypes.StatementWithPVD{
				SecondedReceipt: &receipt,
				SecondedPVD:     &pvd,
			}
		} else {
			hash := compact.CandidateHash
			payload = parachaintypes.StatementWithPVD{ValidCandidateHash: &hash}
		}

		s.sendToOverseer(parachaintypes.CandidateBackingMessageStatement{
			RelayParent: confirmed.RelayParent(),
			Statement: parachaintypes.SignedFullStatementWithPVD{
				Payload:        payload,
				ValidatorIndex: statement.ValidatorIndex(),
				Signature:      statement.AsUnchecked().Signature,
			},
		})
		rpState.statementStore.NoteKnownByBacking(statement.ValidatorIndex(), compact)
	}
}

// requests

// answerRequest serves an attested candidate request admitted by the
// responder. The Done channel is closed when the slot can be reused.
func (s *StatementDistribution) answerRequest(rm ResponderMessage) {
	defer close(rm.Done)
	request := rm.Request

	confirmed, ok := s.state.candidates.GetConfirmed(request.Payload.CandidateHash)
	if !ok {
		close(request.ResponseCh)
		return
	}
	rpState, ok := s.state.perRelayParent[confirmed.RelayParent()]
	if !ok || rpState.localValidator == nil {
		close(request.ResponseCh)
		return
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		close(request.ResponseCh)
		return
	}
	peerState, ok := s.state.peers[request.Peer]
	if !ok {
		close(request.ResponseCh)
		return
	}

	groupIndex := confirmed.GroupIndex()
	group := perSession.groups.Get(groupIndex)
	if !request.Payload.Mask.HasLen(len(group)) {
		s.reportPeer(request.Peer, peerset.CostMajor("invalid request mask"))
		close(request.ResponseCh)
		return
	}

	active := rpState.ActiveValidatorState()
	grid := rpState.localValidator.gridTracker

	var requesterIndex parachaintypes.ValidatorIndex
	viaCluster := false
	allowed := false
	for authorityID := range peerState.discoveryIDs {
		v, ok := perSession.authorityLookup[authorityID]
		if !ok {
			continue
		}
		if active != nil && active.clusterTracker.CanRequest(v, request.Payload.CandidateHash) {
			requesterIndex = v
			viaCluster = true
			allowed = true
			break
		}
		if grid.CanRequest(v, request.Payload.CandidateHash) {
			requesterIndex = v
			allowed = true
			break
		}
	}
	if !allowed {
		s.reportPeer(request.Peer, peerset.CostMinor("unexpected attested candidate request"))
		close(request.ResponseCh)
		return
	}

	andMask := request.Payload.Mask.Invert()
	statements := rpState.statementStore.GroupStatements(
		groupIndex, request.Payload.CandidateHash, andMask)

	unchecked := make([]parachaintypes.UncheckedSignedStatement, 0, len(statements))
	for _, statement := range statements {
		unchecked = append(unchecked, statement.AsUnchecked())
		if viaCluster {
			active.clusterTracker.NoteSent(
				requesterIndex, statement.ValidatorIndex(), statement.Payload())
		} else {
			grid.SentOrReceivedDirectStatement(
				perSession.groups, statement.ValidatorIndex(), requesterIndex, statement.Payload())
		}
	}

	request.ResponseCh <- AttestedCandidateResponse{
		CandidateReceipt:        confirmed.Receipt(),
		PersistedValidationData: confirmed.PersistedValidationData(),
		Statements:              unchecked,
	}
	s.metrics.noteRequestAnswered()
}

// requestPropsFor computes the live request properties for an identifier, or
// false when the request is no longer relevant.
func (s *StatementDistribution) requestPropsFor(
	identifier CandidateIdentifier,
) (RequestProperties, bool) {
	rpState, ok := s.state.perRelayParent[identifier.RelayParent]
	if !ok {
		return RequestProperties{}, false
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return RequestProperties{}, false
	}
	group := perSession.groups.Get(identifier.GroupIndex)
	if group == nil {
		return RequestProperties{}, false
	}

	unwanted := NewStatementFilterBlank(len(group))
	for i, validatorIndex := range group {
		if rpState.statementStore.SecondedCount(validatorIndex) >= rpState.secondingLimit {
			unwanted.Set(i, parachaintypes.SecondedCompactStatement)
		}
	}
	disabled := rpState.DisabledBitmask(group)
	unwanted.SecondedInGroup.InPlaceUnion(disabled.SecondedInGroup)
	unwanted.ValidatedInGroup.InPlaceUnion(disabled.ValidatedInGroup)

	props := RequestProperties{UnwantedMask: unwanted}

	// cluster candidates do not need to meet the backing threshold
	active := rpState.ActiveValidatorState()
	if active == nil || active.group != identifier.GroupIndex {
		_, threshold, ok := perSession.groups.GetSizeAndBackingThreshold(identifier.GroupIndex)
		if ok {
			props.BackingThreshold = &threshold
		}
	}
	return props, true
}

// peerAdvertisedFor reports what the peer has declared to hold for the
// identified candidate.
func (s *StatementDistribution) peerAdvertisedFor(
	identifier CandidateIdentifier,
	peerID peer.ID,
) (StatementFilter, bool) {
	peerState, ok := s.state.peers[peerID]
	if !ok {
		return StatementFilter{}, false
	}
	rpState, ok := s.state.perRelayParent[identifier.RelayParent]
	if !ok || rpState.localValidator == nil {
		return StatementFilter{}, false
	}
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return StatementFilter{}, false
	}

	active := rpState.ActiveValidatorState()
	for authorityID := range peerState.discoveryIDs {
		v, ok := perSession.authorityLookup[authorityID]
		if !ok {
			continue
		}

		if filter, ok := rpState.localValidator.gridTracker.AdvertisedStatements(
			v, identifier.CandidateHash,
		); ok {
			return filter, true
		}

		if active != nil && active.clusterTracker.KnowsCandidate(v, identifier.CandidateHash) {
			group := perSession.groups.Get(identifier.GroupIndex)
			return NewStatementFilterFull(len(group)), true
		}
	}
	return StatementFilter{}, false
}

// dispatchRequests sends dispatchable candidate requests until the in-flight
// limit is hit or no request is ready.
func (s *StatementDistribution) dispatchRequests(ctx context.Context) {
	now := time.Now()
	for {
		request := s.state.requestManager.NextRequest(now, s.requestPropsFor, s.peerAdvertisedFor)
		if request == nil {
			return
		}

		s.sendToOverseer(nbmessages.SendRequests{*request})
		s.metrics.noteRequestDispatched()

		go func(request OutgoingAttestedCandidateRequest) {
			unhandled := UnhandledResponse{
				Identifier:    request.Identifier,
				RequestedPeer: request.Peer,
			}
			select {
			case <-ctx.Done():
				return
			case response, ok := <-request.ResponseCh:
				if !ok {
					unhandled.Err = errResponseChannelClosed
				} else {
					unhandled.Response = response
				}
			}
			select {
			case <-ctx.Done():
			case s.responses <- unhandled:
			}
		}(*request)
	}
}

// handleResponse validates an attested candidate response, imports its
// statements and confirms the candidate on success.
func (s *StatementDistribution) handleResponse(response UnhandledResponse) {
	s.state.requestManager.ResponseReceived()
	identifier := response.Identifier

	props, relevant := s.requestPropsFor(identifier)
	if !relevant {
		s.state.requestManager.RemoveByRelayParent(identifier.RelayParent)
		return
	}

	rpState := s.state.perRelayParent[identifier.RelayParent]
	perSession, ok := s.state.perSession[rpState.session]
	if !ok {
		return
	}
	group := perSession.groups.Get(identifier.GroupIndex)

	output := s.state.requestManager.ValidateResponse(
		response, props, group, perSession.sessionInfo.Validators, rpState.session)
	for _, rep := range output.ReputationChanges {
		s.reportPeer(rep.PeerID, rep.Change)
	}

	if output.Status.Kind != CandidateRequestComplete {
		return
	}

	var freshStatements []parachaintypes.SignedStatement
	for _, statement := range output.Status.Statements {
		fresh, err := rpState.statementStore.Insert(statement, StatementOriginRemote)
		if err != nil {
			logger.Error().Err(err).Msg("storing requested statement")
			continue
		}
		if fresh {
			freshStatements = append(freshStatements, statement)
		}
	}

	post := s.state.candidates.ConfirmCandidate(
		identifier.CandidateHash,
		output.Status.Candidate,
		output.Status.PersistedValidationData,
		identifier.GroupIndex,
	)
	s.state.requestManager.RemoveFor(identifier.CandidateHash)

	if gridView := perSession.GridView(); gridView != nil && rpState.localValidator != nil {
		for _, statement := range freshStatements {
			rpState.localValidator.gridTracker.LearnedFreshStatement(
				perSession.groups, *gridView, statement.ValidatorIndex(), statement.Payload())
		}
	}

	if post != nil {
		s.applyPostConfirmation(post)
	} else if confirmed, ok := s.state.candidates.GetConfirmed(identifier.CandidateHash); ok &&
		confirmed.IsImportable(nil) {
		s.sendBackingFreshStatements(identifier.CandidateHash, confirmed)
	}
}

// reputation

func (s *StatementDistribution) reportPeer(peerID peer.ID, change peerset.ReputationChange) {
	s.metrics.notePeerReported()
	if s.state.reputation.Modify(peerID, change) {
		s.sendToOverseer(nbmessages.ReportPeer{PeerID: peerID, ReputationChange: change})
	}
}

func (s *StatementDistribution) flushReputation() {
	batch := s.state.reputation.Flush()
	if len(batch) == 0 {
		return
	}
	s.sendToOverseer(nbmessages.ReportPeerBatch{Reports: batch})
}
