// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"bytes"
	"errors"

	"github.com/ChainSafe/gossamer/lib/common"
	"golang.org/x/exp/slices"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// ManifestKind distinguishes full manifests, which announce a backed
// candidate, from acknowledgements, which confirm receipt of a full manifest.
type ManifestKind int

const (
	FullManifest ManifestKind = iota
	AcknowledgementManifest
)

// Manifest import rejection reasons.
var (
	ErrManifestConflicting  = errors.New("manifest conflicts with a previous one from the same sender")
	ErrManifestOverflow     = errors.New("manifest pushes a validator over the seconding limit")
	ErrManifestInsufficient = errors.New("manifest does not claim enough statements to back")
	ErrManifestMalformed    = errors.New("manifest is malformed")
	ErrManifestDisallowed   = errors.New("sender not allowed to send this manifest")
)

// ManifestSummary is the meaningful content of a manifest for tracking
// purposes.
type ManifestSummary struct {
	ClaimedParentHash  common.Hash
	ClaimedGroupIndex  parachaintypes.GroupIndex
	StatementKnowledge StatementFilter
}

// GroupSubView is the grid view of a single backing group: the validators we
// send that group's candidates onwards to and the validators we expect to
// receive them from.
type GroupSubView struct {
	Sending   map[parachaintypes.ValidatorIndex]struct{}
	Receiving map[parachaintypes.ValidatorIndex]struct{}
}

// SessionTopologyView holds a sub-view per group for the whole session.
type SessionTopologyView struct {
	GroupViews map[parachaintypes.GroupIndex]GroupSubView
}

// SendingOrReceiving reports whether the validator appears in either set of
// the group's sub-view.
func (s SessionTopologyView) SendingOrReceiving(
	group parachaintypes.GroupIndex,
	validatorIndex parachaintypes.ValidatorIndex,
) bool {
	view, ok := s.GroupViews[group]
	if !ok {
		return false
	}
	if _, ok := view.Sending[validatorIndex]; ok {
		return true
	}
	_, ok = view.Receiving[validatorIndex]
	return ok
}

// BuildSessionTopology computes the grid sub-view for every group. For our
// own group we send to all our row and column neighbours outside the group.
// For other groups we receive from members sharing a grid dimension with us
// and relay onwards along the other dimension; when no member shares a
// dimension, we receive through the unique second-hop link instead.
func BuildSessionTopology(
	groups [][]parachaintypes.ValidatorIndex,
	topology parachaintypes.SessionGridTopology,
	ourIndex *parachaintypes.ValidatorIndex,
) SessionTopologyView {
	view := SessionTopologyView{
		GroupViews: make(map[parachaintypes.GroupIndex]GroupSubView, len(groups)),
	}

	if ourIndex == nil {
		return view
	}

	ourNeighbors := topology.ComputeGridNeighborsFor(*ourIndex)
	if ourNeighbors == nil {
		return view
	}

	for i, group := range groups {
		subView := GroupSubView{
			Sending:   make(map[parachaintypes.ValidatorIndex]struct{}),
			Receiving: make(map[parachaintypes.ValidatorIndex]struct{}),
		}

		inGroup := false
		for _, v := range group {
			if v == *ourIndex {
				inGroup = true
				break
			}
		}

		if inGroup {
			for v := range ourNeighbors.PeersX {
				subView.Sending[v] = struct{}{}
			}
			for v := range ourNeighbors.PeersY {
				subView.Sending[v] = struct{}{}
			}
			// group members get statements via the cluster, not the grid
			for _, v := range group {
				delete(subView.Sending, v)
			}
		} else {
			for _, groupVal := range group {
				if _, ok := ourNeighbors.PeersX[groupVal]; ok {
					subView.Receiving[groupVal] = struct{}{}
					for v := range ourNeighbors.PeersY {
						if !containsValidator(group, v) {
							subView.Sending[v] = struct{}{}
						}
					}
					continue
				}
				if _, ok := ourNeighbors.PeersY[groupVal]; ok {
					subView.Receiving[groupVal] = struct{}{}
					for v := range ourNeighbors.PeersX {
						if !containsValidator(group, v) {
							subView.Sending[v] = struct{}{}
						}
					}
					continue
				}

				// no shared dimension: expect the candidate through the
				// validators adjacent to both of us
				theirNeighbors := topology.ComputeGridNeighborsFor(groupVal)
				if theirNeighbors == nil {
					continue
				}
				for link := range theirNeighbors.PeersX {
					if _, ok := ourNeighbors.PeersY[link]; ok {
						subView.Receiving[link] = struct{}{}
						break
					}
				}
				for link := range theirNeighbors.PeersY {
					if _, ok := ourNeighbors.PeersX[link]; ok {
						subView.Receiving[link] = struct{}{}
						break
					}
				}
			}
		}

		view.GroupViews[parachaintypes.GroupIndex(i)] = subView
	}

	return view
}

func containsValidator(group []parachaintypes.ValidatorIndex, v parachaintypes.ValidatorIndex) bool {
	for _, member := range group {
		if member == v {
			return true
		}
	}
	return false
}

// mutualKnowledge tracks, per counterparty, the statement bitmaps each side
// has declared to the other. Both sides are set only once manifests have been
// exchanged in both directions.
type mutualKnowledge struct {
	remoteKnowledge *StatementFilter
	localKnowledge  *StatementFilter
}

// knownBackedCandidate is a confirmed backed candidate grid-tracked at one
// relay parent.
type knownBackedCandidate struct {
	groupIndex      parachaintypes.GroupIndex
	localKnowledge  StatementFilter
	mutualKnowledge map[parachaintypes.ValidatorIndex]*mutualKnowledge
}

func (k *knownBackedCandidate) hasSentManifestTo(v parachaintypes.ValidatorIndex) bool {
	m, ok := k.mutualKnowledge[v]
	return ok && m.localKnowledge != nil
}

func (k *knownBackedCandidate) hasReceivedManifestFrom(v parachaintypes.ValidatorIndex) bool {
	m, ok := k.mutualKnowledge[v]
	return ok && m.remoteKnowledge != nil
}

func (k *knownBackedCandidate) mutual(v parachaintypes.ValidatorIndex) *mutualKnowledge {
	m, ok := k.mutualKnowledge[v]
	if !ok {
		m = &mutualKnowledge{}
		k.mutualKnowledge[v] = m
	}
	return m
}

func (k *knownBackedCandidate) manifestSentTo(v parachaintypes.ValidatorIndex, local StatementFilter) {
	m := k.mutual(v)
	clone := local.Clone()
	m.localKnowledge = &clone
}

func (k *knownBackedCandidate) manifestReceivedFrom(v parachaintypes.ValidatorIndex, remote StatementFilter) {
	m := k.mutual(v)
	clone := remote.Clone()
	m.remoteKnowledge = &clone
}

// pendingStatements returns the statements we know about the candidate which
// the counterparty has not declared, or false when manifests have not been
// exchanged in both directions yet.
func (k *knownBackedCandidate) pendingStatements(v parachaintypes.ValidatorIndex) (StatementFilter, bool) {
	m, ok := k.mutualKnowledge[v]
	if !ok || m.remoteKnowledge == nil || m.localKnowledge == nil {
		return StatementFilter{}, false
	}

	pending := k.localKnowledge.Clone()
	pending.MaskSeconded(m.remoteKnowledge.SecondedInGroup)
	pending.MaskValid(m.remoteKnowledge.ValidatedInGroup)
	return pending, true
}

func (k *knownBackedCandidate) noteFreshStatement(
	indexInGroup int,
	kind parachaintypes.CompactStatementKind,
) bool {
	if k.localKnowledge.Contains(indexInGroup, kind) {
		return false
	}
	k.localKnowledge.Set(indexInGroup, kind)
	return true
}

func (k *knownBackedCandidate) isPendingStatement(
	v parachaintypes.ValidatorIndex,
	indexInGroup int,
	kind parachaintypes.CompactStatementKind,
) bool {
	m, ok := k.mutualKnowledge[v]
	if !ok || m.remoteKnowledge == nil || m.localKnowledge == nil {
		return false
	}
	return !m.remoteKnowledge.Contains(indexInGroup, kind)
}

func (k *knownBackedCandidate) sentOrReceivedDirectStatement(
	v parachaintypes.ValidatorIndex,
	indexInGroup int,
	kind parachaintypes.CompactStatementKind,
) {
	m, ok := k.mutualKnowledge[v]
	if !ok || m.remoteKnowledge == nil || m.localKnowledge == nil {
		return
	}
	m.remoteKnowledge.Set(indexInGroup, kind)
	m.localKnowledge.Set(indexInGroup, kind)
}

// receivedManifests tracks the manifests one grid counterparty has sent us,
// rejecting conflicting updates and enforcing the seconding limit over the
// claimed bitmaps.
type receivedManifests struct {
	received map[parachaintypes.CandidateHash]ManifestSummary
	// secondedCounts tracks, per group seat, how many distinct candidates
	// the sender has claimed that seat seconded.
	secondedCounts map[parachaintypes.GroupIndex][]int
}

func newReceivedManifests() *receivedManifests {
	return &receivedManifests{
		received:       make(map[parachaintypes.CandidateHash]ManifestSummary),
		secondedCounts: make(map[parachaintypes.GroupIndex][]int),
	}
}

func (r *receivedManifests) importReceived(
	groupSize int,
	secondingLimit int,
	candidateHash parachaintypes.CandidateHash,
	summary ManifestSummary,
) error {
	prev, exists := r.received[candidateHash]
	freshSeconded := summary.StatementKnowledge.SecondedInGroup.Clone()
	if exists {
		if prev.ClaimedGroupIndex != summary.ClaimedGroupIndex ||
			prev.ClaimedParentHash != summary.ClaimedParentHash {
			return ErrManifestConflicting
		}
		// updates must only add knowledge
		if !prev.StatementKnowledge.SecondedInGroup.
			Difference(summary.StatementKnowledge.SecondedInGroup).None() {
			return ErrManifestConflicting
		}
		if !prev.StatementKnowledge.ValidatedInGroup.
			Difference(summary.StatementKnowledge.ValidatedInGroup).None() {
			return ErrManifestConflicting
		}

		freshSeconded.InPlaceDifference(prev.StatementKnowledge.SecondedInGroup)
	}

	counts, ok := r.secondedCounts[summary.ClaimedGroupIndex]
	if !ok {
		counts = make([]int, groupSize)
		r.secondedCounts[summary.ClaimedGroupIndex] = counts
	}

	for i, ok := freshSeconded.NextSet(0); ok; i, ok = freshSeconded.NextSet(i + 1) {
		if counts[i]+1 > secondingLimit {
			return ErrManifestOverflow
		}
	}
	for i, ok := freshSeconded.NextSet(0); ok; i, ok = freshSeconded.NextSet(i + 1) {
		counts[i]++
	}

	r.received[candidateHash] = summary
	return nil
}

func (r *receivedManifests) candidateKnowledge(
	candidateHash parachaintypes.CandidateHash,
) (StatementFilter, bool) {
	summary, ok := r.received[candidateHash]
	if !ok {
		return StatementFilter{}, false
	}
	return summary.StatementKnowledge, true
}

type unconfirmedManifestClaim struct {
	sender     parachaintypes.ValidatorIndex
	groupIndex parachaintypes.GroupIndex
}

type pendingGridStatement struct {
	originator parachaintypes.ValidatorIndex
	statement  parachaintypes.CompactStatement
}

// GridTracker coordinates manifest exchange and follow-up statement gossip
// with grid counterparties at one relay parent.
type GridTracker struct {
	received          map[parachaintypes.ValidatorIndex]*receivedManifests
	confirmedBacked   map[parachaintypes.CandidateHash]*knownBackedCandidate
	unconfirmed       map[parachaintypes.CandidateHash][]unconfirmedManifestClaim
	pendingManifests  map[parachaintypes.ValidatorIndex]map[parachaintypes.CandidateHash]ManifestKind
	pendingStatements map[parachaintypes.ValidatorIndex]map[pendingGridStatement]struct{}
}

func NewGridTracker() *GridTracker {
	return &GridTracker{
		received:          make(map[parachaintypes.ValidatorIndex]*receivedManifests),
		confirmedBacked:   make(map[parachaintypes.CandidateHash]*knownBackedCandidate),
		unconfirmed:       make(map[parachaintypes.CandidateHash][]unconfirmedManifestClaim),
		pendingManifests:  make(map[parachaintypes.ValidatorIndex]map[parachaintypes.CandidateHash]ManifestKind),
		pendingStatements: make(map[parachaintypes.ValidatorIndex]map[pendingGridStatement]struct{}),
	}
}

// ImportManifest validates and records a manifest from sender. The returned
// bool indicates whether we should respond with an acknowledgement.
func (g *GridTracker) ImportManifest(
	sessionTopology SessionTopologyView,
	groups Groups,
	candidateHash parachaintypes.CandidateHash,
	secondingLimit int,
	manifest ManifestSummary,
	kind ManifestKind,
	sender parachaintypes.ValidatorIndex,
) (acknowledge bool, err error) {
	groupTopology, ok := sessionTopology.GroupViews[manifest.ClaimedGroupIndex]
	if !ok {
		return false, ErrManifestDisallowed
	}

	_, receivingFrom := groupTopology.Receiving[sender]
	_, sendingTo := groupTopology.Sending[sender]

	var allowed bool
	switch kind {
	case FullManifest:
		allowed = receivingFrom
	case AcknowledgementManifest:
		if confirmed, ok := g.confirmedBacked[candidateHash]; ok {
			allowed = sendingTo && confirmed.hasSentManifestTo(sender)
		}
	}
	if !allowed {
		return false, ErrManifestDisallowed
	}

	groupSize, backingThreshold, ok := groups.GetSizeAndBackingThreshold(manifest.ClaimedGroupIndex)
	if !ok {
		return false, ErrManifestMalformed
	}

	remoteKnowledge := manifest.StatementKnowledge
	if !remoteKnowledge.HasLen(groupSize) || !remoteKnowledge.HasSeconded() {
		return false, ErrManifestMalformed
	}
	if remoteKnowledge.BackingValidators() < backingThreshold {
		return false, ErrManifestInsufficient
	}

	senderManifests, ok := g.received[sender]
	if !ok {
		senderManifests = newReceivedManifests()
		g.received[sender] = senderManifests
	}
	err = senderManifests.importReceived(groupSize, secondingLimit, candidateHash, manifest)
	if err != nil {
		return false, err
	}

	confirmed, isConfirmed := g.confirmedBacked[candidateHash]
	if !isConfirmed {
		g.unconfirmed[candidateHash] = append(g.unconfirmed[candidateHash],
			unconfirmedManifestClaim{sender: sender, groupIndex: manifest.ClaimedGroupIndex})
		return false, nil
	}

	if receivingFrom && !confirmed.hasSentManifestTo(sender) {
		// the checks above guarantee the manifest kind is Full here
		g.queuePendingManifest(sender, candidateHash, AcknowledgementManifest)
		acknowledge = true
	}

	confirmed.manifestReceivedFrom(sender, remoteKnowledge)
	if pending, ok := confirmed.pendingStatements(sender); ok {
		g.queuePendingStatements(groups, manifest.ClaimedGroupIndex, candidateHash, sender, pending)
	}

	return acknowledge, nil
}

// AddBackedCandidate notes that a candidate has been confirmed and backed,
// returning the validators each kind of manifest should go to. Receivers of
// previous unconfirmed manifests for the candidate get acknowledgements,
// which take precedence over full manifests.
func (g *GridTracker) AddBackedCandidate(
	sessionTopology SessionTopologyView,
	candidateHash parachaintypes.CandidateHash,
	groupIndex parachaintypes.GroupIndex,
	localKnowledge StatementFilter,
) []ManifestAction {
	if _, ok := g.confirmedBacked[candidateHash]; ok {
		return nil
	}

	confirmed := &knownBackedCandidate{
		groupIndex:      groupIndex,
		localKnowledge:  localKnowledge.Clone(),
		mutualKnowledge: make(map[parachaintypes.ValidatorIndex]*mutualKnowledge),
	}
	g.confirmedBacked[candidateHash] = confirmed

	groupTopology, ok := sessionTopology.GroupViews[groupIndex]
	if !ok {
		return nil
	}

	// order matters: acknowledgements overwrite full manifests for validators
	// present in both sets
	modes := make(map[parachaintypes.ValidatorIndex]ManifestKind)
	for v := range groupTopology.Sending {
		modes[v] = FullManifest
	}
	for _, claim := range g.unconfirmed[candidateHash] {
		if claim.groupIndex != groupIndex {
			continue
		}
		modes[claim.sender] = AcknowledgementManifest
		// the claimed knowledge arrived before confirmation; record it now
		// so the exchange completes once our acknowledgement goes out
		if manifests, ok := g.received[claim.sender]; ok {
			if knowledge, ok := manifests.candidateKnowledge(candidateHash); ok {
				confirmed.manifestReceivedFrom(claim.sender, knowledge)
			}
		}
	}
	delete(g.unconfirmed, candidateHash)

	actions := make([]ManifestAction, 0, len(modes))
	for v, mode := range modes {
		g.queuePendingManifest(v, candidateHash, mode)
		actions = append(actions, ManifestAction{ValidatorIndex: v, Kind: mode})
	}
	slices.SortFunc(actions, func(a, b ManifestAction) int {
		return int(a.ValidatorIndex) - int(b.ValidatorIndex)
	})
	return actions
}

// ManifestAction pairs a manifest target with the kind of manifest it is due.
type ManifestAction struct {
	ValidatorIndex parachaintypes.ValidatorIndex
	Kind           ManifestKind
}

// ManifestSentTo records that a manifest or acknowledgement carrying
// localKnowledge went out to the validator, and queues any follow-up
// statements the exchange now permits.
func (g *GridTracker) ManifestSentTo(
	groups Groups,
	validatorIndex parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
	localKnowledge StatementFilter,
) {
	if confirmed, ok := g.confirmedBacked[candidateHash]; ok {
		confirmed.manifestSentTo(validatorIndex, localKnowledge)
		if pending, ok := confirmed.pendingStatements(validatorIndex); ok {
			g.queuePendingStatements(groups, confirmed.groupIndex, candidateHash, validatorIndex, pending)
		}
	}

	delete(g.pendingManifests[validatorIndex], candidateHash)
}

// LearnedFreshStatement records a newly stored statement about a confirmed
// backed candidate and queues it for grid counterparties which do not know it.
func (g *GridTracker) LearnedFreshStatement(
	groups Groups,
	sessionTopology SessionTopologyView,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	groupIndex, indexInGroup, ok := groupAndSeat(groups, originator)
	if !ok {
		return
	}
	confirmed, ok := g.confirmedBacked[statement.CandidateHash]
	if !ok {
		return
	}
	if !confirmed.noteFreshStatement(indexInGroup, statement.Kind) {
		return
	}

	view, ok := sessionTopology.GroupViews[groupIndex]
	if !ok {
		return
	}
	for _, set := range []map[parachaintypes.ValidatorIndex]struct{}{view.Sending, view.Receiving} {
		for v := range set {
			if confirmed.isPendingStatement(v, indexInGroup, statement.Kind) {
				g.queuePendingStatement(v, originator, statement)
			}
		}
	}
}

// SentOrReceivedDirectStatement records a grid statement crossing the wire in
// either direction between us and the counterparty.
func (g *GridTracker) SentOrReceivedDirectStatement(
	groups Groups,
	originator parachaintypes.ValidatorIndex,
	counterparty parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	_, indexInGroup, ok := groupAndSeat(groups, originator)
	if !ok {
		return
	}
	if confirmed, ok := g.confirmedBacked[statement.CandidateHash]; ok {
		confirmed.sentOrReceivedDirectStatement(counterparty, indexInGroup, statement.Kind)
		delete(g.pendingStatements[counterparty],
			pendingGridStatement{originator: originator, statement: statement})
	}
}

// StatementProvider is a grid counterparty a direct copy of a statement may
// legitimately come from. KnowsStatement is set when their manifest already
// claimed it, in which case the copy carries no new knowledge.
type StatementProvider struct {
	ValidatorIndex parachaintypes.ValidatorIndex
	KnowsStatement bool
}

// DirectStatementProviders returns the counterparties with a completed
// manifest exchange for the statement's candidate.
func (g *GridTracker) DirectStatementProviders(
	groups Groups,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) []StatementProvider {
	_, indexInGroup, ok := groupAndSeat(groups, originator)
	if !ok {
		return nil
	}
	confirmed, ok := g.confirmedBacked[statement.CandidateHash]
	if !ok {
		return nil
	}

	var providers []StatementProvider
	for v, m := range confirmed.mutualKnowledge {
		if m.remoteKnowledge == nil || m.localKnowledge == nil {
			continue
		}
		providers = append(providers, StatementProvider{
			ValidatorIndex: v,
			KnowsStatement: m.remoteKnowledge.Contains(indexInGroup, statement.Kind),
		})
	}
	slices.SortFunc(providers, func(a, b StatementProvider) int {
		return int(a.ValidatorIndex) - int(b.ValidatorIndex)
	})
	return providers
}

// DirectStatementTargets returns the counterparties with a completed
// manifest exchange which have not declared knowledge of the statement.
func (g *GridTracker) DirectStatementTargets(
	groups Groups,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) []parachaintypes.ValidatorIndex {
	_, indexInGroup, ok := groupAndSeat(groups, originator)
	if !ok {
		return nil
	}
	confirmed, ok := g.confirmedBacked[statement.CandidateHash]
	if !ok {
		return nil
	}

	var targets []parachaintypes.ValidatorIndex
	for v, m := range confirmed.mutualKnowledge {
		if m.remoteKnowledge == nil || m.localKnowledge == nil {
			continue
		}
		if !m.remoteKnowledge.Contains(indexInGroup, statement.Kind) {
			targets = append(targets, v)
		}
	}
	slices.Sort(targets)
	return targets
}

// PendingManifestsFor lists the manifests due to the validator.
func (g *GridTracker) PendingManifestsFor(
	validatorIndex parachaintypes.ValidatorIndex,
) []PendingManifest {
	pending := g.pendingManifests[validatorIndex]
	manifests := make([]PendingManifest, 0, len(pending))
	for candidateHash, kind := range pending {
		manifests = append(manifests, PendingManifest{CandidateHash: candidateHash, Kind: kind})
	}
	slices.SortFunc(manifests, func(a, b PendingManifest) int {
		return bytes.Compare(a.CandidateHash.Value[:], b.CandidateHash.Value[:])
	})
	return manifests
}

// PendingManifest pairs a candidate with the manifest kind due for it.
type PendingManifest struct {
	CandidateHash parachaintypes.CandidateHash
	Kind          ManifestKind
}

// PendingStatementsFor lists the statements due to the validator, Seconded
// before Valid.
func (g *GridTracker) PendingStatementsFor(
	validatorIndex parachaintypes.ValidatorIndex,
) []pendingGridStatement {
	pending := g.pendingStatements[validatorIndex]
	statements := make([]pendingGridStatement, 0, len(pending))
	for p := range pending {
		statements = append(statements, p)
	}
	slices.SortFunc(statements, func(a, b pendingGridStatement) int {
		if a.statement.Kind != b.statement.Kind {
			if a.statement.Kind == parachaintypes.SecondedCompactStatement {
				return -1
			}
			return 1
		}
		if a.originator != b.originator {
			return int(a.originator) - int(b.originator)
		}
		return bytes.Compare(a.statement.CandidateHash.Value[:], b.statement.CandidateHash.Value[:])
	})
	return statements
}

// CanRequest reports whether we may request the candidate from the validator:
// we sent them a manifest and have not received one back.
func (g *GridTracker) CanRequest(
	validatorIndex parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) bool {
	confirmed, ok := g.confirmedBacked[candidateHash]
	if !ok {
		return false
	}
	return confirmed.hasSentManifestTo(validatorIndex) &&
		!confirmed.hasReceivedManifestFrom(validatorIndex)
}

// AdvertisedStatements returns the statement knowledge the validator claimed
// for the candidate in its manifest, if any.
func (g *GridTracker) AdvertisedStatements(
	validatorIndex parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) (StatementFilter, bool) {
	manifests, ok := g.received[validatorIndex]
	if !ok {
		return StatementFilter{}, false
	}
	return manifests.candidateKnowledge(candidateHash)
}

// IsManifestPendingFor reports whether a manifest of some kind is due from us
// to the validator for the candidate.
func (g *GridTracker) IsManifestPendingFor(
	validatorIndex parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) (ManifestKind, bool) {
	kind, ok := g.pendingManifests[validatorIndex][candidateHash]
	return kind, ok
}

func (g *GridTracker) queuePendingManifest(
	validatorIndex parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
	kind ManifestKind,
) {
	pending, ok := g.pendingManifests[validatorIndex]
	if !ok {
		pending = make(map[parachaintypes.CandidateHash]ManifestKind)
		g.pendingManifests[validatorIndex] = pending
	}
	pending[candidateHash] = kind
}

func (g *GridTracker) queuePendingStatement(
	validatorIndex parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	pending, ok := g.pendingStatements[validatorIndex]
	if !ok {
		pending = make(map[pendingGridStatement]struct{})
		g.pendingStatements[validatorIndex] = pending
	}
	pending[pendingGridStatement{originator: originator, statement: statement}] = struct{}{}
}

func (g *GridTracker) queuePendingStatements(
	groups Groups,
	groupIndex parachaintypes.GroupIndex,
	candidateHash parachaintypes.CandidateHash,
	target parachaintypes.ValidatorIndex,
	filter StatementFilter,
) {
	group := groups.Get(groupIndex)
	for i, originator := range group {
		if filter.Contains(i, parachaintypes.SecondedCompactStatement) {
			g.queuePendingStatement(target, originator,
				parachaintypes.NewSecondedCompactStatement(candidateHash))
		}
		if filter.Contains(i, parachaintypes.ValidCompactStatement) {
			g.queuePendingStatement(target, originator,
				parachaintypes.NewValidCompactStatement(candidateHash))
		}
	}
}

// groupAndSeat resolves a validator to its group and position within it.
func groupAndSeat(
	groups Groups,
	validatorIndex parachaintypes.ValidatorIndex,
) (parachaintypes.GroupIndex, int, bool) {
	groupIndex, ok := groups.ByValidatorIndex(validatorIndex)
	if !ok {
		return 0, 0, false
	}
	for i, v := range groups.Get(groupIndex) {
		if v == validatorIndex {
			return groupIndex, i, true
		}
	}
	return 0, 0, false
}
