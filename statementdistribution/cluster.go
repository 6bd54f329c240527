// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"bytes"
	"errors"

	"github.com/emirpasic/gods/sets/treeset"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// ClusterAccept is the verdict for an acceptable incoming cluster statement.
type ClusterAccept int

const (
	// ClusterAcceptOk accepts the statement with no qualification.
	ClusterAcceptOk ClusterAccept = iota
	// ClusterAcceptWithPrejudice accepts the statement but notes that the
	// originator has exceeded its seconding limit globally, so the originator
	// (not the sender) should be punished.
	ClusterAcceptWithPrejudice
)

// Rejection reasons for incoming and outgoing cluster statements.
var (
	ErrClusterNotInGroup        = errors.New("validator not in cluster group")
	ErrClusterDuplicate         = errors.New("duplicate cluster statement from sender")
	ErrClusterExcessiveSeconded = errors.New("cluster seconding limit exceeded")
	ErrClusterCandidateUnknown  = errors.New("candidate unknown to cluster peer")
	ErrClusterStatementKnown    = errors.New("cluster peer already knows statement")
)

// ErrClusterEmptyGroup is returned when constructing a tracker over an empty
// group.
var ErrClusterEmptyGroup = errors.New("cluster group is empty")

type knowledgeKind uint8

const (
	specificKnowledge knowledgeKind = iota
	generalKnowledge
)

// clusterKnowledge is either a specific (statement, originator) pair or
// general awareness of a candidate.
type clusterKnowledge struct {
	kind          knowledgeKind
	statement     parachaintypes.CompactStatement
	originator    parachaintypes.ValidatorIndex
	candidateHash parachaintypes.CandidateHash
}

func specificK(
	statement parachaintypes.CompactStatement,
	originator parachaintypes.ValidatorIndex,
) clusterKnowledge {
	return clusterKnowledge{kind: specificKnowledge, statement: statement, originator: originator}
}

func generalK(candidateHash parachaintypes.CandidateHash) clusterKnowledge {
	return clusterKnowledge{kind: generalKnowledge, candidateHash: candidateHash}
}

type knowledgeDirection uint8

const (
	incomingP2P knowledgeDirection = iota
	outgoingP2P
	secondedTag
)

type taggedKnowledge struct {
	direction knowledgeDirection
	knowledge clusterKnowledge
}

type pendingClusterStatement struct {
	originator parachaintypes.ValidatorIndex
	statement  parachaintypes.CompactStatement
}

// byPendingClusterStatement orders Seconded ahead of Valid, then by
// originator, then by candidate hash.
func byPendingClusterStatement(a, b interface{}) int {
	pa, pb := a.(pendingClusterStatement), b.(pendingClusterStatement)
	if pa.statement.Kind != pb.statement.Kind {
		if pa.statement.Kind == parachaintypes.SecondedCompactStatement {
			return -1
		}
		return 1
	}
	if pa.originator != pb.originator {
		return int(pa.originator) - int(pb.originator)
	}
	return bytes.Compare(
		pa.statement.CandidateHash.Value[:],
		pb.statement.CandidateHash.Value[:],
	)
}

// ClusterTracker tracks knowledge about statements within the local
// validator's backing group. It decides which statements may be sent to and
// accepted from each group member, enforcing the per-relay-parent seconding
// limit on both sides.
type ClusterTracker struct {
	validators     []parachaintypes.ValidatorIndex
	secondingLimit int
	knowledge      map[parachaintypes.ValidatorIndex]map[taggedKnowledge]struct{}
	// pending tracks statements each group member is due to receive from us.
	pending map[parachaintypes.ValidatorIndex]*treeset.Set
}

// NewClusterTracker builds a tracker over the group members. Fails on an
// empty group.
func NewClusterTracker(
	validators []parachaintypes.ValidatorIndex,
	secondingLimit int,
) (*ClusterTracker, error) {
	if len(validators) == 0 {
		return nil, ErrClusterEmptyGroup
	}

	knowledge := make(map[parachaintypes.ValidatorIndex]map[taggedKnowledge]struct{}, len(validators))
	for _, v := range validators {
		knowledge[v] = make(map[taggedKnowledge]struct{})
	}

	return &ClusterTracker{
		validators:     validators,
		secondingLimit: secondingLimit,
		knowledge:      knowledge,
		pending:        make(map[parachaintypes.ValidatorIndex]*treeset.Set),
	}, nil
}

// IsInGroup reports whether the validator is a member of the cluster.
func (c *ClusterTracker) IsInGroup(validatorIndex parachaintypes.ValidatorIndex) bool {
	_, ok := c.knowledge[validatorIndex]
	return ok
}

// TargetsForStatement returns the group members a statement from the
// originator should still be forwarded to.
func (c *ClusterTracker) TargetsForStatement(
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) []parachaintypes.ValidatorIndex {
	var targets []parachaintypes.ValidatorIndex
	for _, v := range c.validators {
		if err := c.CanSend(v, originator, statement); err == nil {
			targets = append(targets, v)
		}
	}
	return targets
}

// CanReceive checks an incoming statement from sender within the cluster.
// A nil error means the statement is acceptable with the returned verdict.
func (c *ClusterTracker) CanReceive(
	sender parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) (ClusterAccept, error) {
	if !c.IsInGroup(sender) || !c.IsInGroup(originator) {
		return 0, ErrClusterNotInGroup
	}

	if c.theySent(sender, specificK(statement, originator)) {
		return 0, ErrClusterDuplicate
	}

	switch statement.Kind {
	case parachaintypes.SecondedCompactStatement:
		// The sender may only relay up to secondingLimit distinct seconded
		// candidates per originator to us.
		if c.secondedCandidatesSentBy(sender, originator, statement.CandidateHash) >= c.secondingLimit {
			return 0, ErrClusterExcessiveSeconded
		}

		if c.secondedAlreadyOrWithinLimit(originator, statement.CandidateHash) {
			return ClusterAcceptOk, nil
		}
		return ClusterAcceptWithPrejudice, nil
	case parachaintypes.ValidCompactStatement:
		if !c.knowsCandidate(sender, statement.CandidateHash) {
			return 0, ErrClusterCandidateUnknown
		}
		return ClusterAcceptOk, nil
	default:
		return 0, ErrClusterCandidateUnknown
	}
}

// NoteReceived records an accepted incoming statement and updates the pending
// sets of the other group members.
func (c *ClusterTracker) NoteReceived(
	sender parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	senderKnowledge := c.knowledge[sender]
	senderKnowledge[taggedKnowledge{direction: incomingP2P, knowledge: specificK(statement, originator)}] = struct{}{}
	if statement.Kind == parachaintypes.SecondedCompactStatement {
		senderKnowledge[taggedKnowledge{direction: incomingP2P, knowledge: generalK(statement.CandidateHash)}] = struct{}{}
		c.noteSecondedBy(originator, statement.CandidateHash)
	}

	if pending, ok := c.pending[sender]; ok {
		pending.Remove(pendingClusterStatement{originator: originator, statement: statement})
	}

	for _, v := range c.validators {
		if v == sender {
			continue
		}
		if c.theyKnowStatement(v, originator, statement) {
			continue
		}
		c.addPending(v, originator, statement)
	}
}

// CanSend checks whether the statement may be sent to target.
func (c *ClusterTracker) CanSend(
	target parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) error {
	if !c.IsInGroup(target) || !c.IsInGroup(originator) {
		return ErrClusterNotInGroup
	}

	if c.theyKnowStatement(target, originator, statement) {
		return ErrClusterStatementKnown
	}

	switch statement.Kind {
	case parachaintypes.SecondedCompactStatement:
		if !c.secondedAlreadyOrWithinLimit(originator, statement.CandidateHash) {
			return ErrClusterExcessiveSeconded
		}
		return nil
	case parachaintypes.ValidCompactStatement:
		if !c.knowsCandidate(target, statement.CandidateHash) {
			return ErrClusterCandidateUnknown
		}
		return nil
	default:
		return ErrClusterCandidateUnknown
	}
}

// NoteSent records that the statement has been sent to target.
func (c *ClusterTracker) NoteSent(
	target parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	targetKnowledge := c.knowledge[target]
	targetKnowledge[taggedKnowledge{direction: outgoingP2P, knowledge: specificK(statement, originator)}] = struct{}{}
	if statement.Kind == parachaintypes.SecondedCompactStatement {
		targetKnowledge[taggedKnowledge{direction: outgoingP2P, knowledge: generalK(statement.CandidateHash)}] = struct{}{}
		c.noteSecondedBy(originator, statement.CandidateHash)
	}

	if pending, ok := c.pending[target]; ok {
		pending.Remove(pendingClusterStatement{originator: originator, statement: statement})
	}
}

// NoteIssued records a statement which entered the store locally and marks it
// pending for every group member that does not yet know it.
func (c *ClusterTracker) NoteIssued(
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	for _, v := range c.validators {
		if c.theyKnowStatement(v, originator, statement) {
			continue
		}
		c.addPending(v, originator, statement)
	}
}

// PendingStatementsFor returns, Seconded first, the statements still due to
// be sent to target. The result is deterministic for a given state.
func (c *ClusterTracker) PendingStatementsFor(
	target parachaintypes.ValidatorIndex,
) []pendingClusterStatement {
	pending, ok := c.pending[target]
	if !ok {
		return nil
	}

	statements := make([]pendingClusterStatement, 0, pending.Size())
	for _, p := range pending.Values() {
		statements = append(statements, p.(pendingClusterStatement))
	}
	return statements
}

// HasPendingStatements reports whether any statements are due to target.
func (c *ClusterTracker) HasPendingStatements(target parachaintypes.ValidatorIndex) bool {
	pending, ok := c.pending[target]
	return ok && pending.Size() > 0
}

// KnowsCandidate reports whether seconded statements for the candidate have
// crossed the wire between us and the validator in either direction.
func (c *ClusterTracker) KnowsCandidate(
	validatorIndex parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) bool {
	return c.knowsCandidate(validatorIndex, candidateHash)
}

// CanRequest reports whether target is allowed to ask us for the candidate:
// we advertised it to them and they never sent it to us.
func (c *ClusterTracker) CanRequest(
	target parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) bool {
	if !c.IsInGroup(target) {
		return false
	}
	return c.weSent(target, generalK(candidateHash)) && !c.theySent(target, generalK(candidateHash))
}

func (c *ClusterTracker) addPending(
	target parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) {
	pending, ok := c.pending[target]
	if !ok {
		pending = treeset.NewWith(byPendingClusterStatement)
		c.pending[target] = pending
	}
	pending.Add(pendingClusterStatement{originator: originator, statement: statement})
}

func (c *ClusterTracker) theySent(v parachaintypes.ValidatorIndex, k clusterKnowledge) bool {
	_, ok := c.knowledge[v][taggedKnowledge{direction: incomingP2P, knowledge: k}]
	return ok
}

func (c *ClusterTracker) weSent(v parachaintypes.ValidatorIndex, k clusterKnowledge) bool {
	_, ok := c.knowledge[v][taggedKnowledge{direction: outgoingP2P, knowledge: k}]
	return ok
}

func (c *ClusterTracker) theyKnowStatement(
	v parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	statement parachaintypes.CompactStatement,
) bool {
	k := specificK(statement, originator)
	return c.theySent(v, k) || c.weSent(v, k)
}

func (c *ClusterTracker) knowsCandidate(
	v parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) bool {
	k := generalK(candidateHash)
	if c.theySent(v, k) || c.weSent(v, k) {
		return true
	}
	_, seconded := c.knowledge[v][taggedKnowledge{direction: secondedTag, knowledge: generalK(candidateHash)}]
	return seconded
}

func (c *ClusterTracker) noteSecondedBy(
	originator parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) {
	c.knowledge[originator][taggedKnowledge{direction: secondedTag, knowledge: generalK(candidateHash)}] = struct{}{}
}

// secondedAlreadyOrWithinLimit is true when the originator is already known
// to have seconded the candidate, or still has headroom under the limit.
func (c *ClusterTracker) secondedAlreadyOrWithinLimit(
	originator parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) bool {
	known := 0
	for tagged := range c.knowledge[originator] {
		if tagged.direction != secondedTag {
			continue
		}
		if tagged.knowledge.candidateHash == candidateHash {
			return true
		}
		known++
	}
	return known < c.secondingLimit
}

// secondedCandidatesSentBy counts the distinct candidates, other than the
// given one, which sender has relayed to us as seconded by the originator.
func (c *ClusterTracker) secondedCandidatesSentBy(
	sender parachaintypes.ValidatorIndex,
	originator parachaintypes.ValidatorIndex,
	excluding parachaintypes.CandidateHash,
) int {
	count := 0
	for tagged := range c.knowledge[sender] {
		if tagged.direction != incomingP2P || tagged.knowledge.kind != specificKnowledge {
			continue
		}
		statement := tagged.knowledge.statement
		if tagged.knowledge.originator != originator ||
			statement.Kind != parachaintypes.SecondedCompactStatement ||
			statement.CandidateHash == excluding {
			continue
		}
		count++
	}
	return count
}
