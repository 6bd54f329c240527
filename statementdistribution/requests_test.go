// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polkadot-go/statement-distribution/peerset"
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// alwaysRelevant returns blank request properties for every identifier.
func alwaysRelevant(groupSize int) func(CandidateIdentifier) (RequestProperties, bool) {
	return func(CandidateIdentifier) (RequestProperties, bool) {
		return RequestProperties{UnwantedMask: NewStatementFilterBlank(groupSize)}, true
	}
}

// advertisesSeconded reports every peer as advertising a seconded statement
// from the first seat.
func advertisesSeconded(groupSize int) func(CandidateIdentifier, peer.ID) (StatementFilter, bool) {
	return func(CandidateIdentifier, peer.ID) (StatementFilter, bool) {
		filter := NewStatementFilterBlank(groupSize)
		filter.Set(0, parachaintypes.SecondedCompactStatement)
		return filter, true
	}
}

func TestRequestManagerClusterPriority(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	gridCandidate := dummyCandidateHash(t, 2)
	clusterCandidate := dummyCandidateHash(t, 3)
	gridPeer := peer.ID("grid-peer")
	clusterPeer := peer.ID("cluster-peer")

	manager.GetOrInsert(relayParent, gridCandidate, 0).AddPeer(gridPeer)
	clusterEntry := manager.GetOrInsert(relayParent, clusterCandidate, 1)
	clusterEntry.AddPeer(clusterPeer)
	clusterEntry.SetClusterPriority()

	now := time.Now()
	request := manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3))
	require.NotNil(t, request)
	assert.Equal(t, clusterCandidate, request.Identifier.CandidateHash)
	assert.Equal(t, clusterPeer, request.Peer)
	assert.Equal(t, clusterCandidate, request.Payload.CandidateHash)

	// the cluster request is now in flight, so the grid request goes out next
	request = manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3))
	require.NotNil(t, request)
	assert.Equal(t, gridCandidate, request.Identifier.CandidateHash)
	assert.Equal(t, gridPeer, request.Peer)

	assert.Nil(t, manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3)))
	assert.False(t, manager.HasPendingRequests())
}

func TestRequestManagerRetryAfterFailure(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	candidateHash := dummyCandidateHash(t, 2)
	peerID := peer.ID("only-peer")

	entry := manager.GetOrInsert(relayParent, candidateHash, 0)
	entry.AddPeer(peerID)

	now := time.Now()
	request := manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3))
	require.NotNil(t, request)

	_, found := manager.NextRetryTime()
	assert.False(t, found, "in-flight requests must not have a retry time")

	output := manager.ValidateResponse(UnhandledResponse{
		Identifier:    request.Identifier,
		RequestedPeer: peerID,
		Err:           errors.New("request timed out"),
	}, RequestProperties{UnwantedMask: NewStatementFilterBlank(3)}, nil, nil, 1)

	assert.Equal(t, CandidateRequestIncomplete, output.Status.Kind)
	require.Len(t, output.ReputationChanges, 1)
	assert.Equal(t, peerset.CostMinor("attested candidate request failure"),
		output.ReputationChanges[0].Change)

	retryAt, found := manager.NextRetryTime()
	require.True(t, found)
	assert.True(t, manager.HasPendingRequests())

	// too early to retry
	assert.Nil(t, manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3)))

	request = manager.NextRequest(
		retryAt.Add(time.Millisecond), alwaysRelevant(3), advertisesSeconded(3))
	require.NotNil(t, request)
	assert.Equal(t, 2, entry.attempts)
}

func TestRequestManagerParallelLimit(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	for i := 0; i <= maxParallelAttestedCandidateRequests; i++ {
		manager.GetOrInsert(relayParent, dummyCandidateHash(t, byte(i+2)), 0).
			AddPeer(peer.ID("peer"))
	}

	now := time.Now()
	for i := 0; i < maxParallelAttestedCandidateRequests; i++ {
		require.NotNil(t, manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3)))
	}

	// at the limit the last candidate stays queued until a slot frees up
	assert.Nil(t, manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3)))
	assert.True(t, manager.HasPendingRequests())

	manager.ResponseReceived()
	assert.NotNil(t, manager.NextRequest(now, alwaysRelevant(3), advertisesSeconded(3)))
}

func TestRequestManagerDropsIrrelevant(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	candidateHash := dummyCandidateHash(t, 2)
	manager.GetOrInsert(relayParent, candidateHash, 0).AddPeer(peer.ID("peer"))

	irrelevant := func(CandidateIdentifier) (RequestProperties, bool) {
		return RequestProperties{}, false
	}
	assert.Nil(t, manager.NextRequest(time.Now(), irrelevant, advertisesSeconded(3)))
	assert.False(t, manager.HasPendingRequests())
	assert.Empty(t, manager.requests)
	assert.Empty(t, manager.uniqueIdentifiers)
}

func TestRequestManagerSkipsUselessAdvertisements(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	candidateHash := dummyCandidateHash(t, 2)
	manager.GetOrInsert(relayParent, candidateHash, 0).AddPeer(peer.ID("peer"))

	// the only known peer advertises a statement we already have
	props := func(CandidateIdentifier) (RequestProperties, bool) {
		unwanted := NewStatementFilterBlank(3)
		unwanted.Set(0, parachaintypes.SecondedCompactStatement)
		return RequestProperties{UnwantedMask: unwanted}, true
	}
	assert.Nil(t, manager.NextRequest(time.Now(), props, advertisesSeconded(3)))
}

func TestRequestManagerRemoval(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParentA := getDummyHash(t, 1)
	relayParentB := getDummyHash(t, 2)
	candidateHash := dummyCandidateHash(t, 3)

	manager.GetOrInsert(relayParentA, candidateHash, 0)
	manager.GetOrInsert(relayParentB, candidateHash, 0)
	manager.GetOrInsert(relayParentB, dummyCandidateHash(t, 4), 1)

	manager.RemoveByRelayParent(relayParentA)
	assert.Len(t, manager.requests, 2)

	manager.RemoveFor(candidateHash)
	assert.Len(t, manager.requests, 1)
	_, ok := manager.uniqueIdentifiers[candidateHash]
	assert.False(t, ok)
}

func TestValidateResponseOutdated(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	output := manager.ValidateResponse(UnhandledResponse{
		Identifier: CandidateIdentifier{
			RelayParent:   getDummyHash(t, 1),
			CandidateHash: dummyCandidateHash(t, 2),
		},
		RequestedPeer: peer.ID("peer"),
	}, RequestProperties{}, nil, nil, 1)

	assert.Equal(t, CandidateRequestOutdated, output.Status.Kind)
	assert.Empty(t, output.ReputationChanges)
}

func TestValidateResponseWrongCandidate(t *testing.T) {
	t.Parallel()

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	candidateHash := dummyCandidateHash(t, 2)
	peerID := peer.ID("peer")

	entry := manager.GetOrInsert(relayParent, candidateHash, 0)
	entry.AddPeer(peerID)
	entry.inFlight = true

	receipt, pvd := newCommittedCandidate(t, 1, relayParent, parachaintypes.HeadData{Data: []byte{9}})
	output := manager.ValidateResponse(UnhandledResponse{
		Identifier: CandidateIdentifier{
			RelayParent:   relayParent,
			CandidateHash: candidateHash,
			GroupIndex:    0,
		},
		RequestedPeer: peerID,
		Response: AttestedCandidateResponse{
			CandidateReceipt:        receipt,
			PersistedValidationData: pvd,
		},
	}, RequestProperties{UnwantedMask: NewStatementFilterBlank(3)}, nil, nil, 1)

	assert.Equal(t, CandidateRequestIncomplete, output.Status.Kind)
	require.Len(t, output.ReputationChanges, 1)
	assert.Equal(t, peerset.CostMajor("incorrect candidate in response"),
		output.ReputationChanges[0].Change)
	assert.False(t, entry.inFlight)
}

func TestValidateResponseComplete(t *testing.T) {
	t.Parallel()

	keypairs, validators := newTestValidators(t, 5)
	group := []parachaintypes.ValidatorIndex{0, 1, 2}

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	receipt, pvd := newCommittedCandidate(t, 1, relayParent, parachaintypes.HeadData{Data: []byte{9}})
	candidateHash, err := receipt.Hash()
	require.NoError(t, err)

	identifier := CandidateIdentifier{
		RelayParent:   relayParent,
		CandidateHash: candidateHash,
		GroupIndex:    0,
	}
	peerID := peer.ID("peer")
	entry := manager.GetOrInsert(relayParent, candidateHash, 0)
	entry.AddPeer(peerID)
	entry.inFlight = true

	signingContext := parachaintypes.SigningContext{SessionIndex: 1, ParentHash: relayParent}
	seconded := parachaintypes.NewSecondedCompactStatement(candidateHash)
	valid := parachaintypes.NewValidCompactStatement(candidateHash)

	statements := []parachaintypes.UncheckedSignedStatement{
		signCompactStatement(t, keypairs[0], 0, seconded, signingContext),
		signCompactStatement(t, keypairs[1], 1, valid, signingContext),
		// out-of-group validator
		signCompactStatement(t, keypairs[4], 4, valid, signingContext),
		// duplicate of the second statement
		signCompactStatement(t, keypairs[1], 1, valid, signingContext),
	}
	// garble a third in-group statement's signature
	badSignature := signCompactStatement(t, keypairs[2], 2, valid, signingContext)
	badSignature.Signature[0] ^= 0xff
	statements = append(statements, badSignature)

	threshold := 2
	output := manager.ValidateResponse(UnhandledResponse{
		Identifier:    identifier,
		RequestedPeer: peerID,
		Response: AttestedCandidateResponse{
			CandidateReceipt:        receipt,
			PersistedValidationData: pvd,
			Statements:              statements,
		},
	}, RequestProperties{
		UnwantedMask:     NewStatementFilterBlank(len(group)),
		BackingThreshold: &threshold,
	}, group, validators, 1)

	assert.Equal(t, CandidateRequestComplete, output.Status.Kind)
	assert.Equal(t, receipt, output.Status.Candidate)
	assert.Equal(t, pvd, output.Status.PersistedValidationData)
	require.Len(t, output.Status.Statements, 2)
	assert.Equal(t, parachaintypes.ValidatorIndex(0), output.Status.Statements[0].ValidatorIndex())
	assert.Equal(t, parachaintypes.ValidatorIndex(1), output.Status.Statements[1].ValidatorIndex())

	reasons := make([]string, 0, len(output.ReputationChanges))
	for _, change := range output.ReputationChanges {
		reasons = append(reasons, change.Change.Reason)
	}
	assert.Equal(t, []string{
		"unrequested statement in response",
		"unrequested statement in response",
		"invalid statement signature",
		"valid attested candidate response",
	}, reasons)
}

func TestValidateResponseBelowThreshold(t *testing.T) {
	t.Parallel()

	keypairs, validators := newTestValidators(t, 3)
	group := []parachaintypes.ValidatorIndex{0, 1, 2}

	manager := NewRequestManager()
	relayParent := getDummyHash(t, 1)
	receipt, pvd := newCommittedCandidate(t, 1, relayParent, parachaintypes.HeadData{Data: []byte{9}})
	candidateHash, err := receipt.Hash()
	require.NoError(t, err)

	entry := manager.GetOrInsert(relayParent, candidateHash, 0)
	entry.inFlight = true

	signingContext := parachaintypes.SigningContext{SessionIndex: 1, ParentHash: relayParent}
	seconded := parachaintypes.NewSecondedCompactStatement(candidateHash)

	threshold := 2
	output := manager.ValidateResponse(UnhandledResponse{
		Identifier: CandidateIdentifier{
			RelayParent:   relayParent,
			CandidateHash: candidateHash,
			GroupIndex:    0,
		},
		RequestedPeer: peer.ID("peer"),
		Response: AttestedCandidateResponse{
			CandidateReceipt:        receipt,
			PersistedValidationData: pvd,
			Statements: []parachaintypes.UncheckedSignedStatement{
				signCompactStatement(t, keypairs[0], 0, seconded, signingContext),
			},
		},
	}, RequestProperties{
		UnwantedMask:     NewStatementFilterBlank(len(group)),
		BackingThreshold: &threshold,
	}, group, validators, 1)

	assert.Equal(t, CandidateRequestIncomplete, output.Status.Kind)
	assert.Empty(t, output.ReputationChanges)
}
