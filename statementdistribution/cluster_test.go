// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

func newTestCluster(t *testing.T, secondingLimit int) *ClusterTracker {
	t.Helper()

	tracker, err := NewClusterTracker(
		[]parachaintypes.ValidatorIndex{5, 200, 24, 146}, secondingLimit)
	require.NoError(t, err)
	return tracker
}

func TestClusterTrackerEmptyGroup(t *testing.T) {
	_, err := NewClusterTracker(nil, 1)
	assert.ErrorIs(t, err, ErrClusterEmptyGroup)
}

func TestClusterAcceptAndDuplicate(t *testing.T) {
	tracker := newTestCluster(t, 1)
	seconded := parachaintypes.NewSecondedCompactStatement(dummyCandidateHash(t, 1))

	accept, err := tracker.CanReceive(200, 5, seconded)
	require.NoError(t, err)
	assert.Equal(t, ClusterAcceptOk, accept)
	tracker.NoteReceived(200, 5, seconded)

	_, err = tracker.CanReceive(200, 5, seconded)
	assert.ErrorIs(t, err, ErrClusterDuplicate)

	// the same statement from another member is still acceptable
	_, err = tracker.CanReceive(24, 5, seconded)
	assert.NoError(t, err)
}

func TestClusterRejectsOutsiders(t *testing.T) {
	tracker := newTestCluster(t, 1)
	seconded := parachaintypes.NewSecondedCompactStatement(dummyCandidateHash(t, 1))

	_, err := tracker.CanReceive(7, 5, seconded)
	assert.ErrorIs(t, err, ErrClusterNotInGroup)
	_, err = tracker.CanReceive(200, 7, seconded)
	assert.ErrorIs(t, err, ErrClusterNotInGroup)
}

func TestClusterExcessiveSeconded(t *testing.T) {
	tracker := newTestCluster(t, 1)

	first := parachaintypes.NewSecondedCompactStatement(dummyCandidateHash(t, 1))
	second := parachaintypes.NewSecondedCompactStatement(dummyCandidateHash(t, 2))

	_, err := tracker.CanReceive(200, 5, first)
	require.NoError(t, err)
	tracker.NoteReceived(200, 5, first)

	// the sender has exhausted its per-originator relay budget towards us
	_, err = tracker.CanReceive(200, 5, second)
	assert.ErrorIs(t, err, ErrClusterExcessiveSeconded)

	// a different sender relaying the second candidate is accepted, but
	// with prejudice: the originator is over its global limit
	accept, err := tracker.CanReceive(24, 5, second)
	require.NoError(t, err)
	assert.Equal(t, ClusterAcceptWithPrejudice, accept)
}

func TestClusterValidRequiresKnownCandidate(t *testing.T) {
	tracker := newTestCluster(t, 1)
	candidateHash := dummyCandidateHash(t, 1)
	valid := parachaintypes.NewValidCompactStatement(candidateHash)

	_, err := tracker.CanReceive(200, 5, valid)
	assert.ErrorIs(t, err, ErrClusterCandidateUnknown)

	seconded := parachaintypes.NewSecondedCompactStatement(candidateHash)
	tracker.NoteReceived(200, 5, seconded)

	accept, err := tracker.CanReceive(200, 24, valid)
	require.NoError(t, err)
	assert.Equal(t, ClusterAcceptOk, accept)
}

func TestClusterPendingStatements(t *testing.T) {
	tracker := newTestCluster(t, 2)
	candidateHash := dummyCandidateHash(t, 1)
	seconded := parachaintypes.NewSecondedCompactStatement(candidateHash)
	valid := parachaintypes.NewValidCompactStatement(candidateHash)

	tracker.NoteReceived(200, 5, valid)
	tracker.NoteReceived(200, 5, seconded)

	// the other members are now due both statements, Seconded first
	require.True(t, tracker.HasPendingStatements(24))
	pending := tracker.PendingStatementsFor(24)
	require.Len(t, pending, 2)
	assert.Equal(t, parachaintypes.SecondedCompactStatement, pending[0].statement.Kind)
	assert.Equal(t, parachaintypes.ValidCompactStatement, pending[1].statement.Kind)

	// the sender itself is not
	assert.False(t, tracker.HasPendingStatements(200))

	tracker.NoteSent(24, 5, seconded)
	pending = tracker.PendingStatementsFor(24)
	require.Len(t, pending, 1)
	assert.Equal(t, parachaintypes.ValidCompactStatement, pending[0].statement.Kind)
}

func TestClusterTargetsForStatement(t *testing.T) {
	tracker := newTestCluster(t, 1)
	seconded := parachaintypes.NewSecondedCompactStatement(dummyCandidateHash(t, 1))

	targets := tracker.TargetsForStatement(5, seconded)
	assert.ElementsMatch(t,
		[]parachaintypes.ValidatorIndex{5, 200, 24, 146}, targets)

	tracker.NoteSent(200, 5, seconded)
	targets = tracker.TargetsForStatement(5, seconded)
	assert.NotContains(t, targets, parachaintypes.ValidatorIndex(200))
}

func TestClusterCanRequest(t *testing.T) {
	tracker := newTestCluster(t, 1)
	candidateHash := dummyCandidateHash(t, 1)
	seconded := parachaintypes.NewSecondedCompactStatement(candidateHash)

	assert.False(t, tracker.CanRequest(200, candidateHash))

	tracker.NoteSent(200, 5, seconded)
	assert.True(t, tracker.CanRequest(200, candidateHash))

	// once they have sent us a Seconded themselves there is nothing to ask
	tracker.NoteReceived(200, 5, seconded)
	assert.False(t, tracker.CanRequest(200, candidateHash))
}
