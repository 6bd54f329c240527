// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"bytes"
	"time"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/google/btree"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/polkadot-go/statement-distribution/peerset"
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// requestRetryDelay is the backoff before a candidate request may be retried
// after a failed or incomplete attempt.
const requestRetryDelay = time.Second

// CandidateIdentifier uniquely identifies a requestable candidate by the
// properties the request is predicated on.
type CandidateIdentifier struct {
	RelayParent   common.Hash
	CandidateHash parachaintypes.CandidateHash
	GroupIndex    parachaintypes.GroupIndex
}

type requestOrigin int

const (
	requestOriginCluster requestOrigin = iota
	requestOriginUnspecified
)

// RequestedCandidate is the retry and peer bookkeeping for one requestable
// candidate.
type RequestedCandidate struct {
	origin        requestOrigin
	attempts      int
	knownBy       []peer.ID
	inFlight      bool
	nextRetryTime time.Time
}

// AddPeer notes a peer which should have the candidate data.
func (r *RequestedCandidate) AddPeer(peerID peer.ID) {
	for _, known := range r.knownBy {
		if known == peerID {
			return
		}
	}
	r.knownBy = append(r.knownBy, peerID)
}

// SetClusterPriority raises the candidate to cluster priority.
func (r *RequestedCandidate) SetClusterPriority() {
	r.origin = requestOriginCluster
}

// RequestProperties are the up-to-date facts a candidate request depends on.
type RequestProperties struct {
	// UnwantedMask marks the group seats whose statements we do not want,
	// because we already have them or the validator is disabled.
	UnwantedMask StatementFilter
	// BackingThreshold is set for grid-originating requests; responses with
	// fewer backing statements are useless and treated as incomplete.
	BackingThreshold *int
}

// SecondedAndSufficient reports whether the filter contains a Seconded
// statement and, when a threshold is given, enough backing statements.
func SecondedAndSufficient(filter StatementFilter, backingThreshold *int) bool {
	if !filter.HasSeconded() {
		return false
	}
	if backingThreshold != nil && filter.BackingValidators() < *backingThreshold {
		return false
	}
	return true
}

// OutgoingAttestedCandidateRequest is a dispatched request, addressed to one
// peer. The response arrives on ResponseCh.
type OutgoingAttestedCandidateRequest struct {
	Identifier CandidateIdentifier
	Peer       peer.ID
	Payload    AttestedCandidateRequest
	ResponseCh chan AttestedCandidateResponse
}

// UnhandledResponse is a raw response (or network failure) awaiting
// validation against the current request properties.
type UnhandledResponse struct {
	Identifier    CandidateIdentifier
	RequestedPeer peer.ID
	Err           error
	Response      AttestedCandidateResponse
}

// CandidateRequestStatusKind classifies a validated response.
type CandidateRequestStatusKind int

const (
	// CandidateRequestOutdated means the request is obsolete; no further
	// action is needed.
	CandidateRequestOutdated CandidateRequestStatusKind = iota
	// CandidateRequestIncomplete means the response was unusable and the
	// request should be retried elsewhere.
	CandidateRequestIncomplete
	// CandidateRequestComplete carries a usable candidate and statements.
	CandidateRequestComplete
)

// CandidateRequestStatus is the outcome of validating a response.
type CandidateRequestStatus struct {
	Kind                    CandidateRequestStatusKind
	Candidate               parachaintypes.CommittedCandidateReceipt
	PersistedValidationData parachaintypes.PersistedValidationData
	Statements              []parachaintypes.SignedStatement
}

// PeerReputationChange pairs a peer with a reputation adjustment.
type PeerReputationChange struct {
	PeerID peer.ID
	Change peerset.ReputationChange
}

// ResponseValidationOutput is the full result of handling a response.
type ResponseValidationOutput struct {
	RequestedPeer     peer.ID
	Status            CandidateRequestStatus
	ReputationChanges []PeerReputationChange
}

// RequestManager schedules attested-candidate requests: one per candidate at
// a time, cluster candidates before grid candidates, failed attempts retried
// after a delay against other advertising peers.
type RequestManager struct {
	requests          map[CandidateIdentifier]*RequestedCandidate
	uniqueIdentifiers map[parachaintypes.CandidateHash]map[CandidateIdentifier]struct{}
	// inFlight counts dispatched requests whose response has not come back
	// yet, bounded by maxParallelAttestedCandidateRequests.
	inFlight int
}

func NewRequestManager() *RequestManager {
	return &RequestManager{
		requests:          make(map[CandidateIdentifier]*RequestedCandidate),
		uniqueIdentifiers: make(map[parachaintypes.CandidateHash]map[CandidateIdentifier]struct{}),
	}
}

// GetOrInsert returns the bookkeeping entry for the identified candidate,
// creating it at grid priority if absent.
func (m *RequestManager) GetOrInsert(
	relayParent common.Hash,
	candidateHash parachaintypes.CandidateHash,
	groupIndex parachaintypes.GroupIndex,
) *RequestedCandidate {
	identifier := CandidateIdentifier{
		RelayParent:   relayParent,
		CandidateHash: candidateHash,
		GroupIndex:    groupIndex,
	}

	entry, ok := m.requests[identifier]
	if !ok {
		entry = &RequestedCandidate{origin: requestOriginUnspecified}
		m.requests[identifier] = entry

		identifiers, ok := m.uniqueIdentifiers[candidateHash]
		if !ok {
			identifiers = make(map[CandidateIdentifier]struct{})
			m.uniqueIdentifiers[candidateHash] = identifiers
		}
		identifiers[identifier] = struct{}{}
	}
	return entry
}

// RemoveByRelayParent drops all requests predicated on the relay parent.
func (m *RequestManager) RemoveByRelayParent(relayParent common.Hash) {
	for identifier := range m.requests {
		if identifier.RelayParent != relayParent {
			continue
		}
		delete(m.requests, identifier)
		m.forgetIdentifier(identifier)
	}
}

// RemoveFor drops all requests for the candidate, typically after
// confirmation.
func (m *RequestManager) RemoveFor(candidateHash parachaintypes.CandidateHash) {
	for identifier := range m.uniqueIdentifiers[candidateHash] {
		delete(m.requests, identifier)
	}
	delete(m.uniqueIdentifiers, candidateHash)
}

func (m *RequestManager) forgetIdentifier(identifier CandidateIdentifier) {
	identifiers, ok := m.uniqueIdentifiers[identifier.CandidateHash]
	if !ok {
		return
	}
	delete(identifiers, identifier)
	if len(identifiers) == 0 {
		delete(m.uniqueIdentifiers, identifier.CandidateHash)
	}
}

// HasPendingRequests reports whether any request is neither in flight nor
// exhausted.
func (m *RequestManager) HasPendingRequests() bool {
	for _, entry := range m.requests {
		if !entry.inFlight {
			return true
		}
	}
	return false
}

// NextRetryTime returns the earliest retry deadline among dormant requests.
func (m *RequestManager) NextRetryTime() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, entry := range m.requests {
		if entry.inFlight || entry.nextRetryTime.IsZero() {
			continue
		}
		if !found || entry.nextRetryTime.Before(earliest) {
			earliest = entry.nextRetryTime
			found = true
		}
	}
	return earliest, found
}

// requestPriorityItem implements btree.Item. Requests raised by cluster
// peers rank ahead of grid requests, then fewer attempts win, then the
// remaining identifier fields break ties.
type requestPriorityItem struct {
	identifier CandidateIdentifier
	origin     requestOrigin
	attempts   int
}

func (r requestPriorityItem) Less(than btree.Item) bool {
	other := than.(requestPriorityItem)
	if r.origin != other.origin {
		return r.origin == requestOriginCluster
	}
	if r.attempts != other.attempts {
		return r.attempts < other.attempts
	}
	if cmp := bytes.Compare(
		r.identifier.CandidateHash.Value[:],
		other.identifier.CandidateHash.Value[:],
	); cmp != 0 {
		return cmp < 0
	}
	if cmp := bytes.Compare(
		r.identifier.RelayParent[:],
		other.identifier.RelayParent[:],
	); cmp != 0 {
		return cmp < 0
	}
	return r.identifier.GroupIndex < other.identifier.GroupIndex
}

// NextRequest picks the highest-priority dispatchable request, if any.
// requestProps returns false for identifiers which are no longer relevant;
// such requests are dropped. peerAdvertised returns what the peer has
// declared to hold for the identified candidate, and false for disconnected
// or non-advertising peers.
func (m *RequestManager) NextRequest(
	now time.Time,
	requestProps func(CandidateIdentifier) (RequestProperties, bool),
	peerAdvertised func(CandidateIdentifier, peer.ID) (StatementFilter, bool),
) *OutgoingAttestedCandidateRequest {
	if m.inFlight >= maxParallelAttestedCandidateRequests {
		return nil
	}

	priorities := btree.New(2)
	for identifier, entry := range m.requests {
		priorities.ReplaceOrInsert(requestPriorityItem{
			identifier: identifier,
			origin:     entry.origin,
			attempts:   entry.attempts,
		})
	}

	var out *OutgoingAttestedCandidateRequest
	priorities.Ascend(func(item btree.Item) bool {
		identifier := item.(requestPriorityItem).identifier
		entry := m.requests[identifier]
		if entry.inFlight {
			return true
		}
		if !entry.nextRetryTime.IsZero() && now.Before(entry.nextRetryTime) {
			return true
		}

		props, relevant := requestProps(identifier)
		if !relevant {
			delete(m.requests, identifier)
			m.forgetIdentifier(identifier)
			return true
		}

		target, ok := m.findRequestTarget(identifier, entry, props, peerAdvertised)
		if !ok {
			return true
		}

		entry.inFlight = true
		entry.attempts++
		m.inFlight++

		out = &OutgoingAttestedCandidateRequest{
			Identifier: identifier,
			Peer:       target,
			Payload: AttestedCandidateRequest{
				CandidateHash: identifier.CandidateHash,
				Mask:          props.UnwantedMask.Clone(),
			},
			ResponseCh: make(chan AttestedCandidateResponse, 1),
		}
		return false
	})
	return out
}

// findRequestTarget returns the first known peer whose advertisement, less
// the unwanted statements, is still worth requesting. Peers which no longer
// advertise usefully are pruned from the entry.
func (m *RequestManager) findRequestTarget(
	identifier CandidateIdentifier,
	entry *RequestedCandidate,
	props RequestProperties,
	peerAdvertised func(CandidateIdentifier, peer.ID) (StatementFilter, bool),
) (peer.ID, bool) {
	kept := entry.knownBy[:0]
	var target peer.ID
	found := false

	for _, peerID := range entry.knownBy {
		if found {
			kept = append(kept, peerID)
			continue
		}
		advertised, ok := peerAdvertised(identifier, peerID)
		if !ok {
			continue
		}
		effective := advertised.Clone()
		effective.MaskSeconded(props.UnwantedMask.SecondedInGroup)
		effective.MaskValid(props.UnwantedMask.ValidatedInGroup)
		if !SecondedAndSufficient(effective, props.BackingThreshold) {
			continue
		}
		target = peerID
		found = true
	}

	entry.knownBy = kept
	return target, found
}

// ResponseReceived frees the in-flight slot of a dispatched request once its
// response, or failure, has come back. Called for every response, including
// responses to requests that have since been removed.
func (m *RequestManager) ResponseReceived() {
	if m.inFlight > 0 {
		m.inFlight--
	}
}

// ValidateResponse checks a raw response against the current request
// properties and session data, marks the request for retry, and produces the
// import payload plus reputation adjustments.
//
// A network-level failure yields an incomplete status with a minor cost for
// the peer. Invalid receipts and signatures cost the peer heavily; a fully
// valid response earns a major benefit.
func (m *RequestManager) ValidateResponse(
	response UnhandledResponse,
	props RequestProperties,
	group []parachaintypes.ValidatorIndex,
	validators []parachaintypes.ValidatorID,
	sessionIndex parachaintypes.SessionIndex,
) ResponseValidationOutput {
	identifier := response.Identifier
	output := ResponseValidationOutput{RequestedPeer: response.RequestedPeer}

	entry, ok := m.requests[identifier]
	if !ok {
		output.Status.Kind = CandidateRequestOutdated
		return output
	}
	entry.inFlight = false
	entry.nextRetryTime = time.Now().Add(requestRetryDelay)

	if response.Err != nil {
		logger.Debug().Err(response.Err).
			Str("candidate_hash", identifier.CandidateHash.String()).
			Str("peer", response.RequestedPeer.String()).
			Msg("attested candidate request failed")
		output.Status.Kind = CandidateRequestIncomplete
		output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
			PeerID: response.RequestedPeer,
			Change: peerset.CostMinor("attested candidate request failure"),
		})
		return output
	}

	receivedHash, err := response.Response.CandidateReceipt.Hash()
	if err != nil || receivedHash != identifier.CandidateHash {
		output.Status.Kind = CandidateRequestIncomplete
		output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
			PeerID: response.RequestedPeer,
			Change: peerset.CostMajor("incorrect candidate in response"),
		})
		return output
	}

	signingContext := parachaintypes.SigningContext{
		SessionIndex: sessionIndex,
		ParentHash:   identifier.RelayParent,
	}

	received := NewStatementFilterBlank(len(group))
	var statements []parachaintypes.SignedStatement
	for _, unchecked := range response.Response.Statements {
		seat := -1
		for i, v := range group {
			if v == unchecked.ValidatorIndex {
				seat = i
				break
			}
		}
		if seat < 0 {
			output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
				PeerID: response.RequestedPeer,
				Change: peerset.CostMinor("unrequested statement in response"),
			})
			continue
		}
		if props.UnwantedMask.Contains(seat, unchecked.Payload.Kind) ||
			received.Contains(seat, unchecked.Payload.Kind) {
			output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
				PeerID: response.RequestedPeer,
				Change: peerset.CostMinor("unrequested statement in response"),
			})
			continue
		}
		if unchecked.Payload.CandidateHash != identifier.CandidateHash {
			output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
				PeerID: response.RequestedPeer,
				Change: peerset.CostMinor("unrequested statement in response"),
			})
			continue
		}

		checked, err := parachaintypes.CheckStatementSignature(unchecked, validators, signingContext)
		if err != nil {
			output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
				PeerID: response.RequestedPeer,
				Change: peerset.CostMajor("invalid statement signature"),
			})
			continue
		}

		received.Set(seat, unchecked.Payload.Kind)
		statements = append(statements, checked)
	}

	if !SecondedAndSufficient(received, props.BackingThreshold) {
		output.Status.Kind = CandidateRequestIncomplete
		return output
	}

	output.Status = CandidateRequestStatus{
		Kind:                    CandidateRequestComplete,
		Candidate:               response.Response.CandidateReceipt,
		PersistedValidationData: response.Response.PersistedValidationData,
		Statements:              statements,
	}
	output.ReputationChanges = append(output.ReputationChanges, PeerReputationChange{
		PeerID: response.RequestedPeer,
		Change: peerset.BenefitMajor("valid attested candidate response"),
	})
	return output
}
