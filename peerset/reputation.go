// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package peerset

import (
	"math"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ReputationChange is a scored judgement of one peer message, carrying the
// delta to apply and a human-readable reason.
type ReputationChange struct {
	Value  int32
	Reason string
}

// Reputation magnitudes. Costs and benefits are drawn from a closed set so
// that every fault kind is deliberate and comparable.
const (
	costMinorValue         int32 = -100_000
	costMajorValue         int32 = -300_000
	benefitMinorValue      int32 = 10
	benefitMajorValue      int32 = 200
	benefitMajorFirstValue int32 = 300
)

// CostMinor is a minor protocol fault, tolerated as a possible race.
func CostMinor(reason string) ReputationChange {
	return ReputationChange{Value: costMinorValue, Reason: reason}
}

// CostMajor is a major protocol fault: the message could not have been sent by
// an honest, up-to-date peer.
func CostMajor(reason string) ReputationChange {
	return ReputationChange{Value: costMajorValue, Reason: reason}
}

// Malicious is behaviour that warrants banning the peer.
func Malicious(reason string) ReputationChange {
	return ReputationChange{Value: math.MinInt32, Reason: reason}
}

// BenefitMinor is a small reward for useful but redundant information.
func BenefitMinor(reason string) ReputationChange {
	return ReputationChange{Value: benefitMinorValue, Reason: reason}
}

// BenefitMajor is a reward for useful information.
func BenefitMajor(reason string) ReputationChange {
	return ReputationChange{Value: benefitMajorValue, Reason: reason}
}

// BenefitMajorFirst is a reward for being first with useful information.
func BenefitMajorFirst(reason string) ReputationChange {
	return ReputationChange{Value: benefitMajorFirstValue, Reason: reason}
}

// IsMalicious reports whether the change should bypass aggregation and be
// applied immediately.
func (r ReputationChange) IsMalicious() bool {
	return r.Value == math.MinInt32
}

// ReputationAggregator batches reputation changes per peer so the network
// bridge receives bulk adjustments instead of one message per fault.
type ReputationAggregator struct {
	byPeer map[peer.ID]int32
}

// NewReputationAggregator returns an empty aggregator.
func NewReputationAggregator() *ReputationAggregator {
	return &ReputationAggregator{byPeer: make(map[peer.ID]int32)}
}

// Modify accumulates a reputation change for the peer. It returns true if the
// change must be sent immediately rather than waiting for the next flush.
func (a *ReputationAggregator) Modify(peerID peer.ID, rep ReputationChange) bool {
	if rep.IsMalicious() {
		return true
	}
	a.byPeer[peerID] = saturatingAdd(a.byPeer[peerID], rep.Value)
	return false
}

// Flush returns the accumulated per-peer deltas and resets the aggregator.
// Returns nil when nothing accumulated.
func (a *ReputationAggregator) Flush() map[peer.ID]int32 {
	if len(a.byPeer) == 0 {
		return nil
	}
	batch := a.byPeer
	a.byPeer = make(map[peer.ID]int32)
	return batch
}

func saturatingAdd(a, b int32) int32 {
	if b > 0 && a > math.MaxInt32-b {
		return math.MaxInt32
	}
	if b < 0 && a < math.MinInt32-b {
		return math.MinInt32
	}
	return a + b
}
