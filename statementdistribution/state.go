// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/polkadot-go/statement-distribution/peerset"
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// Keystore exposes the validator keys the local node controls.
type Keystore interface {
	HasKey(parachaintypes.ValidatorID) bool
}

// ActiveValidatorState is the local validator's state when assigned to a
// backing group at a relay parent.
type ActiveValidatorState struct {
	index          parachaintypes.ValidatorIndex
	group          parachaintypes.GroupIndex
	assignments    []parachaintypes.ParaID
	clusterTracker *ClusterTracker
}

func (a *ActiveValidatorState) Index() parachaintypes.ValidatorIndex { return a.index }
func (a *ActiveValidatorState) Group() parachaintypes.GroupIndex     { return a.group }
func (a *ActiveValidatorState) Assignments() []parachaintypes.ParaID { return a.assignments }
func (a *ActiveValidatorState) ClusterTracker() *ClusterTracker      { return a.clusterTracker }

// LocalValidatorState is the local validator's state at a relay parent. The
// grid tracker is always present for session validators; the active state
// only when the validator has a group assignment there.
type LocalValidatorState struct {
	gridTracker *GridTracker
	active      *ActiveValidatorState
}

// PerRelayParentState is everything tracked at one live relay parent.
type PerRelayParentState struct {
	localValidator      *LocalValidatorState
	statementStore      *StatementStore
	secondingLimit      int
	session             parachaintypes.SessionIndex
	groupsPerPara       map[parachaintypes.ParaID][]parachaintypes.GroupIndex
	disabledValidators  map[parachaintypes.ValidatorIndex]struct{}
	assignmentsPerGroup map[parachaintypes.GroupIndex][]parachaintypes.ParaID
}

// ActiveValidatorState returns the local active validator state, or nil when
// the local node has no assignment at this relay parent.
func (p *PerRelayParentState) ActiveValidatorState() *ActiveValidatorState {
	if p.localValidator == nil {
		return nil
	}
	return p.localValidator.active
}

// IsDisabled reports whether the validator was disabled at this relay parent.
func (p *PerRelayParentState) IsDisabled(validatorIndex parachaintypes.ValidatorIndex) bool {
	_, ok := p.disabledValidators[validatorIndex]
	return ok
}

// DisabledBitmask returns a filter with every seat of a disabled group member
// set, in both the Seconded and Valid dimensions.
func (p *PerRelayParentState) DisabledBitmask(
	group []parachaintypes.ValidatorIndex,
) StatementFilter {
	mask := NewStatementFilterBlank(len(group))
	for i, validatorIndex := range group {
		if p.IsDisabled(validatorIndex) {
			mask.Set(i, parachaintypes.SecondedCompactStatement)
			mask.Set(i, parachaintypes.ValidCompactStatement)
		}
	}
	return mask
}

// GroupsAssignedTo returns the groups assigned to the para at this relay
// parent.
func (p *PerRelayParentState) GroupsAssignedTo(
	paraID parachaintypes.ParaID,
) []parachaintypes.GroupIndex {
	return p.groupsPerPara[paraID]
}

// PerSessionState is everything derived from a session that outlives a
// single relay parent.
type PerSessionState struct {
	sessionIndex        parachaintypes.SessionIndex
	sessionInfo         *parachaintypes.SessionInfo
	groups              Groups
	authorityLookup     map[parachaintypes.AuthorityDiscoveryID]parachaintypes.ValidatorIndex
	gridView            *SessionTopologyView
	localValidatorIndex *parachaintypes.ValidatorIndex
}

// NewPerSessionState derives the session state: the group view, the authority
// lookup table, and which session validator (if any) is ours.
func NewPerSessionState(
	sessionIndex parachaintypes.SessionIndex,
	sessionInfo *parachaintypes.SessionInfo,
	keystore Keystore,
	minimumBackingVotes uint32,
) *PerSessionState {
	groups := NewGroups(sessionInfo.ValidatorGroups, minimumBackingVotes)

	authorityLookup := make(
		map[parachaintypes.AuthorityDiscoveryID]parachaintypes.ValidatorIndex,
		len(sessionInfo.DiscoveryKeys),
	)
	for i, authorityID := range sessionInfo.DiscoveryKeys {
		// the first mapping wins for duplicate authority IDs
		if _, ok := authorityLookup[authorityID]; !ok {
			authorityLookup[authorityID] = parachaintypes.ValidatorIndex(i)
		}
	}

	var localValidatorIndex *parachaintypes.ValidatorIndex
	if keystore != nil {
		for i, validatorID := range sessionInfo.Validators {
			if keystore.HasKey(validatorID) {
				index := parachaintypes.ValidatorIndex(i)
				localValidatorIndex = &index
				break
			}
		}
	}

	return &PerSessionState{
		sessionIndex:        sessionIndex,
		sessionInfo:         sessionInfo,
		groups:              groups,
		authorityLookup:     authorityLookup,
		localValidatorIndex: localValidatorIndex,
	}
}

// SupplyTopology installs the session's grid topology once it arrives from
// the gossip support subsystem.
func (p *PerSessionState) SupplyTopology(topology parachaintypes.NewGossipTopology) {
	localIndex := p.localValidatorIndex
	if topology.LocalIndex != nil {
		localIndex = topology.LocalIndex
	}

	view := BuildSessionTopology(p.sessionInfo.ValidatorGroups, topology.Topology, localIndex)
	p.gridView = &view
}

// GridView returns the session topology view, or nil before the topology has
// been supplied.
func (p *PerSessionState) GridView() *SessionTopologyView {
	return p.gridView
}

// IsNodeInGroup reports whether the local validator belongs to the group.
func (p *PerSessionState) IsNodeInGroup(groupIndex parachaintypes.GroupIndex) bool {
	if p.localValidatorIndex == nil {
		return false
	}
	got, ok := p.groups.ByValidatorIndex(*p.localValidatorIndex)
	return ok && got == groupIndex
}

// PeerState is what we track per connected peer.
type PeerState struct {
	view            parachaintypes.View
	protocolVersion parachaintypes.ValidationProtocolVersion
	implicitView    map[common.Hash]struct{}
	discoveryIDs    map[parachaintypes.AuthorityDiscoveryID]struct{}
}

func newPeerState(
	protocolVersion parachaintypes.ValidationProtocolVersion,
	authorityIDs []parachaintypes.AuthorityDiscoveryID,
) *PeerState {
	state := &PeerState{
		protocolVersion: protocolVersion,
		implicitView:    make(map[common.Hash]struct{}),
	}
	if len(authorityIDs) > 0 {
		state.setDiscoveryIDs(authorityIDs)
	}
	return state
}

func (p *PeerState) setDiscoveryIDs(authorityIDs []parachaintypes.AuthorityDiscoveryID) {
	p.discoveryIDs = make(map[parachaintypes.AuthorityDiscoveryID]struct{}, len(authorityIDs))
	for _, id := range authorityIDs {
		p.discoveryIDs[id] = struct{}{}
	}
}

// reconcileActiveLeaf extends the peer's implicit view with the allowed
// relay parents of a leaf the peer has in its explicit view, returning the
// fresh ones.
func (p *PeerState) reconcileActiveLeaf(leaf common.Hash, allowed []common.Hash) []common.Hash {
	if !p.view.Contains(leaf) {
		return nil
	}

	var fresh []common.Hash
	for _, relayParent := range allowed {
		if _, ok := p.implicitView[relayParent]; ok {
			continue
		}
		p.implicitView[relayParent] = struct{}{}
		fresh = append(fresh, relayParent)
	}
	return fresh
}

// updateView replaces the peer's explicit view and recomputes its implicit
// view from ours, returning the fresh relay parents.
func (p *PeerState) updateView(
	newView parachaintypes.View,
	localImplicit *ImplicitView,
) []common.Hash {
	nextImplicit := make(map[common.Hash]struct{})
	for _, leaf := range newView.Heads {
		for _, relayParent := range localImplicit.KnownAllowedRelayParentsUnder(leaf) {
			nextImplicit[relayParent] = struct{}{}
		}
	}

	var fresh []common.Hash
	for relayParent := range nextImplicit {
		if _, ok := p.implicitView[relayParent]; !ok {
			fresh = append(fresh, relayParent)
		}
	}

	p.view = newView
	p.implicitView = nextImplicit
	return fresh
}

// knowsRelayParent reports whether the relay parent is in the peer's explicit
// or implicit view.
func (p *PeerState) knowsRelayParent(relayParent common.Hash) bool {
	if _, ok := p.implicitView[relayParent]; ok {
		return true
	}
	return p.view.Contains(relayParent)
}

func (p *PeerState) isAuthority(authorityID parachaintypes.AuthorityDiscoveryID) bool {
	_, ok := p.discoveryIDs[authorityID]
	return ok
}

// State is the full mutable state of the subsystem.
type State struct {
	implicitView     *ImplicitView
	candidates       *Candidates
	perRelayParent   map[common.Hash]*PerRelayParentState
	perSession       map[parachaintypes.SessionIndex]*PerSessionState
	unusedTopologies map[parachaintypes.SessionIndex]parachaintypes.NewGossipTopology
	peers            map[peer.ID]*PeerState
	authorities      map[parachaintypes.AuthorityDiscoveryID]peer.ID
	requestManager   *RequestManager
	reputation       *peerset.ReputationAggregator
	keystore         Keystore
}

func newState(keystore Keystore) *State {
	return &State{
		implicitView:     NewImplicitView(),
		candidates:       NewCandidates(),
		perRelayParent:   make(map[common.Hash]*PerRelayParentState),
		perSession:       make(map[parachaintypes.SessionIndex]*PerSessionState),
		unusedTopologies: make(map[parachaintypes.SessionIndex]parachaintypes.NewGossipTopology),
		peers:            make(map[peer.ID]*PeerState),
		authorities:      make(map[parachaintypes.AuthorityDiscoveryID]peer.ID),
		requestManager:   NewRequestManager(),
		reputation:       peerset.NewReputationAggregator(),
		keystore:         keystore,
	}
}
