// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIncomingRequest(t *testing.T, peerID peer.ID) IncomingAttestedCandidateRequest {
	t.Helper()

	return IncomingAttestedCandidateRequest{
		Peer: peerID,
		Payload: AttestedCandidateRequest{
			CandidateHash: dummyCandidateHash(t, 1),
			Mask:          NewStatementFilterBlank(3),
		},
		ResponseCh: make(chan AttestedCandidateResponse, 1),
	}
}

func TestResponderDropsBusyPeer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan IncomingAttestedCandidateRequest)
	out := make(chan ResponderMessage)
	responder := NewResponder(incoming, out, nil)
	go responder.Run(ctx)

	peerID := peer.ID("peer-a")
	first := newIncomingRequest(t, peerID)
	incoming <- first

	var admitted ResponderMessage
	select {
	case admitted = <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admitted request")
	}
	assert.Equal(t, peerID, admitted.Request.Peer)

	// a second request from the same peer is dropped while the first is open
	second := newIncomingRequest(t, peerID)
	incoming <- second

	select {
	case _, open := <-second.ResponseCh:
		assert.False(t, open, "dropped request must have its response channel closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dropped request")
	}

	// completing the first request frees the peer's slot
	close(admitted.Done)
	third := newIncomingRequest(t, peerID)
	incoming <- third

	select {
	case admitted = <-out:
		assert.Equal(t, peerID, admitted.Request.Peer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request after slot freed")
	}
	close(admitted.Done)
}

func TestResponderParallelismCap(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan IncomingAttestedCandidateRequest)
	out := make(chan ResponderMessage, maxParallelAttestedCandidateRequests+1)
	responder := NewResponder(incoming, out, nil)
	go responder.Run(ctx)

	for i := 0; i < maxParallelAttestedCandidateRequests; i++ {
		incoming <- newIncomingRequest(t, peer.ID(fmt.Sprintf("peer-%d", i)))
	}

	admitted := make([]ResponderMessage, 0, maxParallelAttestedCandidateRequests)
	for i := 0; i < maxParallelAttestedCandidateRequests; i++ {
		select {
		case msg := <-out:
			admitted = append(admitted, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for admitted request")
		}
	}

	// the cap is reached: the next request is not received until a slot frees
	extra := newIncomingRequest(t, peer.ID("peer-extra"))
	select {
	case incoming <- extra:
		t.Fatal("request admitted beyond the parallelism cap")
	case <-time.After(50 * time.Millisecond):
	}

	close(admitted[0].Done)
	select {
	case incoming <- extra:
	case <-time.After(time.Second):
		t.Fatal("timed out sending request after slot freed")
	}

	select {
	case msg := <-out:
		require.Equal(t, peer.ID("peer-extra"), msg.Request.Peer)
		close(msg.Done)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admitted request after slot freed")
	}

	for _, msg := range admitted[1:] {
		close(msg.Done)
	}
}
