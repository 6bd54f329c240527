// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package messages

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/polkadot-go/statement-distribution/peerset"
)

// ReportPeer asks the network bridge to apply a single reputation change.
type ReportPeer struct {
	PeerID           peer.ID
	ReputationChange peerset.ReputationChange
}

// ReportPeerBatch asks the network bridge to apply aggregated reputation
// deltas in bulk.
type ReportPeerBatch struct {
	Reports map[peer.ID]int32
}

// SendValidationMessage sends one validation-protocol gossip message to a set
// of peers.
type SendValidationMessage struct {
	To      []peer.ID
	Message any
}

// SendValidationMessages sends a batch of validation-protocol gossip messages.
type SendValidationMessages []SendValidationMessage

// SendRequests dispatches outbound network requests. Requests to disconnected
// peers fail immediately.
type SendRequests []any
