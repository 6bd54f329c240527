// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// maxParallelAttestedCandidateRequests caps how many incoming attested
// candidate requests may be answered concurrently.
const maxParallelAttestedCandidateRequests = 5

// ResponderMessage hands an admitted incoming request to the main loop.
// The loop signals completion by closing Done, freeing the peer's slot.
type ResponderMessage struct {
	Request IncomingAttestedCandidateRequest
	Done    chan struct{}
}

// Responder admits incoming attested candidate requests under two limits: a
// global cap on parallel requests and at most one in-flight request per peer.
// Requests from busy peers are dropped without an answer.
type Responder struct {
	incoming <-chan IncomingAttestedCandidateRequest
	out      chan<- ResponderMessage
	metrics  *Metrics
}

func NewResponder(
	incoming <-chan IncomingAttestedCandidateRequest,
	out chan<- ResponderMessage,
	metrics *Metrics,
) *Responder {
	return &Responder{incoming: incoming, out: out, metrics: metrics}
}

// Run processes incoming requests until the context is cancelled.
func (r *Responder) Run(ctx context.Context) {
	active := make(map[peer.ID]struct{})
	inFlight := 0
	completed := make(chan peer.ID)

	for {
		incoming := r.incoming
		if inFlight >= maxParallelAttestedCandidateRequests {
			incoming = nil
		}

		select {
		case <-ctx.Done():
			return
		case peerID := <-completed:
			delete(active, peerID)
			inFlight--
		case request, ok := <-incoming:
			if !ok {
				return
			}
			if _, busy := active[request.Peer]; busy {
				logger.Debug().
					Str("peer", request.Peer.String()).
					Msg("dropping attested candidate request from busy peer")
				r.metrics.noteRequestDropped()
				close(request.ResponseCh)
				continue
			}

			active[request.Peer] = struct{}{}
			inFlight++
			done := make(chan struct{})

			select {
			case <-ctx.Done():
				return
			case r.out <- ResponderMessage{Request: request, Done: done}:
			}

			go func(peerID peer.ID) {
				select {
				case <-ctx.Done():
				case <-done:
					select {
					case <-ctx.Done():
					case completed <- peerID:
					}
				}
			}(request.Peer)
		}
	}
}
