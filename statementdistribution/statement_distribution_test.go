// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"testing"
	"time"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nbmessages "github.com/polkadot-go/statement-distribution/networkbridge/messages"
	"github.com/polkadot-go/statement-distribution/overseer"
	"github.com/polkadot-go/statement-distribution/statementdistribution/messages"
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

type testKeystore struct {
	key parachaintypes.ValidatorID
}

func (k testKeystore) HasKey(id parachaintypes.ValidatorID) bool {
	return id == k.key
}

// sessionFixture is a six-validator session split into two groups, with the
// local node controlling validator 0.
type sessionFixture struct {
	keypairs   []*sr25519.Keypair
	validators []parachaintypes.ValidatorID
	discovery  []parachaintypes.AuthorityDiscoveryID
	info       *parachaintypes.SessionInfo
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	keypairs, validators := newTestValidators(t, 6)
	discovery := make([]parachaintypes.AuthorityDiscoveryID, len(validators))
	for i := range discovery {
		discovery[i][0] = byte(i + 1)
	}

	return &sessionFixture{
		keypairs:   keypairs,
		validators: validators,
		discovery:  discovery,
		info: &parachaintypes.SessionInfo{
			Validators:    validators,
			DiscoveryKeys: discovery,
			ValidatorGroups: [][]parachaintypes.ValidatorIndex{
				{0, 1, 2},
				{3, 4, 5},
			},
		},
	}
}

func (f *sessionFixture) keystore() testKeystore {
	return testKeystore{key: f.validators[0]}
}

func startSubsystem(t *testing.T, fixture *sessionFixture) (
	*overseer.MockableOverseer, *StatementDistribution,
) {
	t.Helper()

	mockOverseer := overseer.NewMockableOverseer(t)
	subsystem := New(fixture.keystore(), make(chan IncomingAttestedCandidateRequest), nil)
	mockOverseer.RegisterSubsystem(subsystem)
	require.NoError(t, mockOverseer.Start())

	t.Cleanup(func() {
		subsystem.Stop()
		mockOverseer.Stop()
	})
	return mockOverseer, subsystem
}

// leafActivationActions answers the round trips a fresh leaf activation makes,
// with no ancestry and two cores claimed by one para each.
func leafActivationActions(
	t *testing.T,
	fixture *sessionFixture,
	leaf common.Hash,
	session parachaintypes.SessionIndex,
) []func(msg any) bool {
	t.Helper()

	return []func(msg any) bool{
		func(msg any) bool {
			query, ok := msg.(parachaintypes.ProspectiveParachainsMessageGetMinimumRelayParents)
			if !ok {
				return false
			}
			assert.Equal(t, leaf, query.RelayParent)
			query.ResponseCh <- nil
			return true
		},
		func(msg any) bool {
			m, ok := msg.(parachaintypes.RuntimeApiMessage)
			if !ok {
				return false
			}
			request, ok := m.Request.(parachaintypes.RuntimeApiRequestSessionIndexForChild)
			if !ok {
				return false
			}
			request.ResponseCh <- parachaintypes.OverseerFuncRes[parachaintypes.SessionIndex]{
				Data: session,
			}
			return true
		},
		func(msg any) bool {
			m, ok := msg.(parachaintypes.RuntimeApiMessage)
			if !ok {
				return false
			}
			request, ok := m.Request.(parachaintypes.RuntimeApiRequestSessionInfo)
			if !ok {
				return false
			}
			assert.Equal(t, session, request.SessionIndex)
			request.ResponseCh <- parachaintypes.OverseerFuncRes[*parachaintypes.SessionInfo]{
				Data: fixture.info,
			}
			return true
		},
		func(msg any) bool {
			m, ok := msg.(parachaintypes.RuntimeApiMessage)
			if !ok {
				return false
			}
			request, ok := m.Request.(parachaintypes.RuntimeApiRequestMinimumBackingVotes)
			if !ok {
				return false
			}
			request.ResponseCh <- parachaintypes.OverseerFuncRes[uint32]{Data: 2}
			return true
		},
		func(msg any) bool {
			m, ok := msg.(parachaintypes.RuntimeApiMessage)
			if !ok {
				return false
			}
			request, ok := m.Request.(parachaintypes.RuntimeApiRequestValidatorGroups)
			if !ok {
				return false
			}
			request.ResponseCh <- parachaintypes.OverseerFuncRes[parachaintypes.ValidatorGroupsAndRotation]{
				Data: parachaintypes.ValidatorGroupsAndRotation{
					Groups: fixture.info.ValidatorGroups,
				},
			}
			return true
		},
		func(msg any) bool {
			m, ok := msg.(parachaintypes.RuntimeApiMessage)
			if !ok {
				return false
			}
			request, ok := m.Request.(parachaintypes.RuntimeApiRequestClaimQueue)
			if !ok {
				return false
			}
			request.ResponseCh <- parachaintypes.OverseerFuncRes[parachaintypes.ClaimQueueSnapshot]{
				Data: parachaintypes.ClaimQueueSnapshot{
					0: {parachaintypes.ParaID(1)},
					1: {parachaintypes.ParaID(2)},
				},
			}
			return true
		},
		func(msg any) bool {
			m, ok := msg.(parachaintypes.RuntimeApiMessage)
			if !ok {
				return false
			}
			request, ok := m.Request.(parachaintypes.RuntimeApiRequestDisabledValidators)
			if !ok {
				return false
			}
			request.ResponseCh <- parachaintypes.OverseerFuncRes[[]parachaintypes.ValidatorIndex]{}
			return true
		},
	}
}

func waitOrTimeout(t *testing.T, done chan struct{}, what string) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// signalOn wraps an action so the channel is closed once it has run.
func signalOn(action func(msg any) bool, done chan struct{}) func(msg any) bool {
	return func(msg any) bool {
		defer close(done)
		return action(msg)
	}
}

func TestDuplicateAuthorityIDKeepsFirstPeer(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	subsystem := New(fixture.keystore(), make(chan IncomingAttestedCandidateRequest), nil)

	first := peer.ID("first")
	second := peer.ID("second")
	claim := []parachaintypes.AuthorityDiscoveryID{fixture.discovery[1]}

	subsystem.handlePeerConnected(parachaintypes.PeerConnected{
		PeerID:          first,
		ProtocolVersion: parachaintypes.ValidationProtocolV3,
		AuthorityIDs:    claim,
	})
	subsystem.handlePeerConnected(parachaintypes.PeerConnected{
		PeerID:          second,
		ProtocolVersion: parachaintypes.ValidationProtocolV3,
		AuthorityIDs:    claim,
	})

	// the first claimant keeps the binding and the late claimant never
	// records the identity as its own
	assert.Equal(t, first, subsystem.state.authorities[fixture.discovery[1]])
	_, bound := subsystem.state.peers[second].discoveryIDs[fixture.discovery[1]]
	assert.False(t, bound)

	subsystem.handlePeerDisconnected(parachaintypes.PeerDisconnected{PeerID: second})
	assert.Equal(t, first, subsystem.state.authorities[fixture.discovery[1]])

	subsystem.handlePeerDisconnected(parachaintypes.PeerDisconnected{PeerID: first})
	_, ok := subsystem.state.authorities[fixture.discovery[1]]
	assert.False(t, ok)
}

func TestShareCirculatesToCluster(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	mockOverseer, _ := startSubsystem(t, fixture)

	leaf := getDummyHash(t, 1)
	activated := make(chan struct{})
	actions := leafActivationActions(t, fixture, leaf, 1)
	actions[len(actions)-1] = signalOn(actions[len(actions)-1], activated)
	mockOverseer.ExpectActions(actions...)

	mockOverseer.ReceiveMessage(parachaintypes.ActiveLeavesUpdateSignal{
		Activated: &parachaintypes.ActivatedLeaf{Hash: leaf, Number: 1},
	})
	waitOrTimeout(t, activated, "leaf activation")

	// a peer for validator 1, a cluster colleague, with the leaf in view
	clusterPeer := peer.ID("cluster-peer")
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerConnected{
			PeerID:          clusterPeer,
			ProtocolVersion: parachaintypes.ValidationProtocolV3,
			AuthorityIDs:    []parachaintypes.AuthorityDiscoveryID{fixture.discovery[1]},
		},
	})
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerViewChange{
			PeerID: clusterPeer,
			View:   parachaintypes.View{Heads: []common.Hash{leaf}},
		},
	})

	receipt, pvd := newCommittedCandidate(t, 1, leaf, parachaintypes.HeadData{Data: []byte{4}})
	candidateHash, err := receipt.Hash()
	require.NoError(t, err)

	circulated := make(chan struct{})
	mockOverseer.ExpectActions(
		func(msg any) bool {
			send, ok := msg.(nbmessages.SendValidationMessage)
			if !ok {
				return false
			}
			assert.Equal(t, []peer.ID{clusterPeer}, send.To)
			statement, ok := send.Message.(StatementMessage)
			if !ok {
				return false
			}
			assert.Equal(t, leaf, statement.RelayParent)
			assert.Equal(t, parachaintypes.ValidatorIndex(0), statement.Statement.ValidatorIndex)
			assert.Equal(t, parachaintypes.SecondedCompactStatement, statement.Statement.Payload.Kind)
			assert.Equal(t, candidateHash, statement.Statement.Payload.CandidateHash)
			return true
		},
		signalOn(func(msg any) bool {
			query, ok := msg.(parachaintypes.ProspectiveParachainsMessageGetHypotheticalMembership)
			if !ok {
				return false
			}
			require.Len(t, query.Candidates, 1)
			query.ResponseCh <- []parachaintypes.HypotheticalMembershipResponseItem{{
				Candidate:  query.Candidates[0],
				Membership: []common.Hash{leaf},
			}}
			return true
		}, circulated),
	)

	mockOverseer.ReceiveMessage(messages.Share{
		RelayParent: leaf,
		Statement: parachaintypes.SignedFullStatementWithPVD{
			Payload: parachaintypes.StatementWithPVD{
				SecondedReceipt: &receipt,
				SecondedPVD:     &pvd,
			},
			ValidatorIndex: 0,
		},
	})
	waitOrTimeout(t, circulated, "statement circulation")
}

func TestClusterStatementFromOverLimitOriginator(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	mockOverseer, _ := startSubsystem(t, fixture)

	leaf := getDummyHash(t, 1)
	activated := make(chan struct{})
	actions := leafActivationActions(t, fixture, leaf, 1)
	actions[len(actions)-1] = signalOn(actions[len(actions)-1], activated)
	mockOverseer.ExpectActions(actions...)

	mockOverseer.ReceiveMessage(parachaintypes.ActiveLeavesUpdateSignal{
		Activated: &parachaintypes.ActivatedLeaf{Hash: leaf, Number: 1},
	})
	waitOrTimeout(t, activated, "leaf activation")

	// two cluster colleagues; only the first has the leaf in view, so
	// circulation stays one-directional and the message flow deterministic
	firstPeer := peer.ID("cluster-peer-1")
	secondPeer := peer.ID("cluster-peer-2")
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerConnected{
			PeerID:          firstPeer,
			ProtocolVersion: parachaintypes.ValidationProtocolV3,
			AuthorityIDs:    []parachaintypes.AuthorityDiscoveryID{fixture.discovery[1]},
		},
	})
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerConnected{
			PeerID:          secondPeer,
			ProtocolVersion: parachaintypes.ValidationProtocolV3,
			AuthorityIDs:    []parachaintypes.AuthorityDiscoveryID{fixture.discovery[2]},
		},
	})
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerViewChange{
			PeerID: firstPeer,
			View:   parachaintypes.View{Heads: []common.Hash{leaf}},
		},
	})

	signingContext := parachaintypes.SigningContext{SessionIndex: 1, ParentHash: leaf}

	firstReceipt, _ := newCommittedCandidate(t, 1, leaf, parachaintypes.HeadData{Data: []byte{4}})
	firstHash, err := firstReceipt.Hash()
	require.NoError(t, err)

	// validator 1's first seconded candidate exhausts its seconding limit and
	// triggers a fetch from the advertising peer
	requested := make(chan struct{})
	mockOverseer.ExpectActions(signalOn(func(msg any) bool {
		sends, ok := msg.(nbmessages.SendRequests)
		if !ok {
			return false
		}
		require.Len(t, sends, 1)
		request, ok := sends[0].(OutgoingAttestedCandidateRequest)
		if !ok {
			return false
		}
		assert.Equal(t, firstHash, request.Payload.CandidateHash)
		return true
	}, requested))

	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerMessage{
			PeerID: firstPeer,
			Message: StatementMessage{
				RelayParent: leaf,
				Statement: signCompactStatement(
					t, fixture.keypairs[1], 1,
					parachaintypes.NewSecondedCompactStatement(firstHash), signingContext),
			},
		},
	})
	waitOrTimeout(t, requested, "attested candidate request")

	// a second seconded candidate from the same originator, relayed by another
	// cluster member, must not trigger a fetch; the next messages on the wire
	// belong to the local share that follows
	secondReceipt, _ := newCommittedCandidate(t, 1, leaf, parachaintypes.HeadData{Data: []byte{5}})
	secondHash, err := secondReceipt.Hash()
	require.NoError(t, err)

	shared := make(chan struct{})
	mockOverseer.ExpectActions(
		func(msg any) bool {
			send, ok := msg.(nbmessages.SendValidationMessage)
			if !ok {
				return false
			}
			assert.Equal(t, []peer.ID{firstPeer}, send.To)
			statement, ok := send.Message.(StatementMessage)
			if !ok {
				return false
			}
			assert.Equal(t, parachaintypes.ValidatorIndex(0), statement.Statement.ValidatorIndex)
			return true
		},
		signalOn(func(msg any) bool {
			query, ok := msg.(parachaintypes.ProspectiveParachainsMessageGetHypotheticalMembership)
			if !ok {
				return false
			}
			require.Len(t, query.Candidates, 1)
			query.ResponseCh <- []parachaintypes.HypotheticalMembershipResponseItem{{
				Candidate:  query.Candidates[0],
				Membership: []common.Hash{leaf},
			}}
			return true
		}, shared),
	)

	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerMessage{
			PeerID: secondPeer,
			Message: StatementMessage{
				RelayParent: leaf,
				Statement: signCompactStatement(
					t, fixture.keypairs[1], 1,
					parachaintypes.NewSecondedCompactStatement(secondHash), signingContext),
			},
		},
	})

	localReceipt, localPVD := newCommittedCandidate(t, 1, leaf, parachaintypes.HeadData{Data: []byte{6}})
	mockOverseer.ReceiveMessage(messages.Share{
		RelayParent: leaf,
		Statement: parachaintypes.SignedFullStatementWithPVD{
			Payload: parachaintypes.StatementWithPVD{
				SecondedReceipt: &localReceipt,
				SecondedPVD:     &localPVD,
			},
			ValidatorIndex: 0,
		},
	})
	waitOrTimeout(t, shared, "local statement circulation")
}

func TestIncomingClusterStatementTriggersRequest(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	mockOverseer, _ := startSubsystem(t, fixture)

	leaf := getDummyHash(t, 1)
	activated := make(chan struct{})
	actions := leafActivationActions(t, fixture, leaf, 1)
	actions[len(actions)-1] = signalOn(actions[len(actions)-1], activated)
	mockOverseer.ExpectActions(actions...)

	mockOverseer.ReceiveMessage(parachaintypes.ActiveLeavesUpdateSignal{
		Activated: &parachaintypes.ActivatedLeaf{Hash: leaf, Number: 1},
	})
	waitOrTimeout(t, activated, "leaf activation")

	clusterPeer := peer.ID("cluster-peer")
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerConnected{
			PeerID:          clusterPeer,
			ProtocolVersion: parachaintypes.ValidationProtocolV3,
			AuthorityIDs:    []parachaintypes.AuthorityDiscoveryID{fixture.discovery[1]},
		},
	})
	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerViewChange{
			PeerID: clusterPeer,
			View:   parachaintypes.View{Heads: []common.Hash{leaf}},
		},
	})

	receipt, pvd := newCommittedCandidate(t, 1, leaf, parachaintypes.HeadData{Data: []byte{4}})
	candidateHash, err := receipt.Hash()
	require.NoError(t, err)

	signingContext := parachaintypes.SigningContext{SessionIndex: 1, ParentHash: leaf}
	secondedByOne := signCompactStatement(
		t, fixture.keypairs[1], 1,
		parachaintypes.NewSecondedCompactStatement(candidateHash), signingContext)

	// importing the statement leaves the candidate unconfirmed, so a request
	// goes out to the advertising peer; the response completes the candidate
	// and its statements flow to backing
	backed := make(chan struct{})
	backingStatements := make([]parachaintypes.SignedFullStatementWithPVD, 0, 3)
	mockOverseer.ExpectActions(
		func(msg any) bool {
			sends, ok := msg.(nbmessages.SendRequests)
			if !ok {
				return false
			}
			require.Len(t, sends, 1)
			request, ok := sends[0].(OutgoingAttestedCandidateRequest)
			if !ok {
				return false
			}
			assert.Equal(t, clusterPeer, request.Peer)
			assert.Equal(t, candidateHash, request.Payload.CandidateHash)
			// validator 1 hit its seconding limit, so its seat is masked out
			assert.True(t, request.Payload.Mask.Contains(1, parachaintypes.SecondedCompactStatement))

			request.ResponseCh <- AttestedCandidateResponse{
				CandidateReceipt:        receipt,
				PersistedValidationData: pvd,
				Statements: []parachaintypes.UncheckedSignedStatement{
					signCompactStatement(
						t, fixture.keypairs[2], 2,
						parachaintypes.NewSecondedCompactStatement(candidateHash), signingContext),
					signCompactStatement(
						t, fixture.keypairs[1], 1,
						parachaintypes.NewValidCompactStatement(candidateHash), signingContext),
				},
			}
			return true
		},
		// confirmation re-sends the response's statements to the cluster peer
		func(msg any) bool {
			send, ok := msg.(nbmessages.SendValidationMessage)
			if !ok {
				return false
			}
			assert.Equal(t, []peer.ID{clusterPeer}, send.To)
			statement, ok := send.Message.(StatementMessage)
			if !ok {
				return false
			}
			assert.Equal(t, parachaintypes.ValidatorIndex(1), statement.Statement.ValidatorIndex)
			assert.Equal(t, parachaintypes.ValidCompactStatement, statement.Statement.Payload.Kind)
			return true
		},
		func(msg any) bool {
			send, ok := msg.(nbmessages.SendValidationMessage)
			if !ok {
				return false
			}
			assert.Equal(t, []peer.ID{clusterPeer}, send.To)
			statement, ok := send.Message.(StatementMessage)
			if !ok {
				return false
			}
			assert.Equal(t, parachaintypes.ValidatorIndex(2), statement.Statement.ValidatorIndex)
			assert.Equal(t, parachaintypes.SecondedCompactStatement, statement.Statement.Payload.Kind)
			return true
		},
		func(msg any) bool {
			query, ok := msg.(parachaintypes.ProspectiveParachainsMessageGetHypotheticalMembership)
			if !ok {
				return false
			}
			require.Len(t, query.Candidates, 1)
			query.ResponseCh <- []parachaintypes.HypotheticalMembershipResponseItem{{
				Candidate:  query.Candidates[0],
				Membership: []common.Hash{leaf},
			}}
			return true
		},
		func(msg any) bool {
			backing, ok := msg.(parachaintypes.CandidateBackingMessageStatement)
			if !ok {
				return false
			}
			backingStatements = append(backingStatements, backing.Statement)
			return true
		},
		func(msg any) bool {
			backing, ok := msg.(parachaintypes.CandidateBackingMessageStatement)
			if !ok {
				return false
			}
			backingStatements = append(backingStatements, backing.Statement)
			return true
		},
		signalOn(func(msg any) bool {
			backing, ok := msg.(parachaintypes.CandidateBackingMessageStatement)
			if !ok {
				return false
			}
			backingStatements = append(backingStatements, backing.Statement)
			return true
		}, backed),
	)

	mockOverseer.ReceiveMessage(messages.NetworkBridgeUpdate{
		Event: parachaintypes.PeerMessage{
			PeerID: clusterPeer,
			Message: StatementMessage{
				RelayParent: leaf,
				Statement:   secondedByOne,
			},
		},
	})
	waitOrTimeout(t, backed, "statements forwarded to backing")

	// seconded statements first, in group order, then the valid statement
	require.Len(t, backingStatements, 3)
	assert.Equal(t, parachaintypes.ValidatorIndex(1), backingStatements[0].ValidatorIndex)
	require.NotNil(t, backingStatements[0].Payload.SecondedReceipt)
	assert.Equal(t, receipt, *backingStatements[0].Payload.SecondedReceipt)
	assert.Equal(t, parachaintypes.ValidatorIndex(2), backingStatements[1].ValidatorIndex)
	require.NotNil(t, backingStatements[1].Payload.SecondedReceipt)
	assert.Equal(t, parachaintypes.ValidatorIndex(1), backingStatements[2].ValidatorIndex)
	require.NotNil(t, backingStatements[2].Payload.ValidCandidateHash)
	assert.Equal(t, candidateHash, *backingStatements[2].Payload.ValidCandidateHash)
}
