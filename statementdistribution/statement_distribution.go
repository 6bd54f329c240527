// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package statementdistribution disseminates signed statements about
// candidates within backing groups and across the grid topology, fetches
// attested candidates on demand, and feeds fresh statements to the backing
// subsystem.
package statementdistribution

import (
	"context"
	"errors"
	"time"

	"github.com/ChainSafe/gossamer/lib/common"

	"github.com/polkadot-go/statement-distribution/statementdistribution/messages"
	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// reputationFlushInterval is how often batched reputation deltas are pushed
// to the network bridge.
const reputationFlushInterval = 30 * time.Second

var errResponseChannelClosed = errors.New("response channel closed by network bridge")

// StatementDistribution is the statement distribution subsystem.
type StatementDistribution struct {
	subSystemToOverseer chan<- any

	state   *State
	metrics *Metrics

	incomingRequests <-chan IncomingAttestedCandidateRequest
	responderOut     chan ResponderMessage
	responses        chan UnhandledResponse

	cancel context.CancelFunc
}

// New builds the subsystem. incomingRequests carries attested candidate
// requests from peers, as delivered by the network bridge. metrics may be
// nil.
func New(
	keystore Keystore,
	incomingRequests <-chan IncomingAttestedCandidateRequest,
	metrics *Metrics,
) *StatementDistribution {
	return &StatementDistribution{
		state:            newState(keystore),
		metrics:          metrics,
		incomingRequests: incomingRequests,
		responderOut:     make(chan ResponderMessage),
		responses:        make(chan UnhandledResponse),
	}
}

// Name returns the subsystem name.
func (s *StatementDistribution) Name() parachaintypes.SubSystemName {
	return parachaintypes.StatementDistribution
}

// Run processes overseer messages, responder hand-offs and request responses
// until the context is cancelled.
func (s *StatementDistribution) Run(
	ctx context.Context,
	overseerToSubSystem chan any,
	subSystemToOverseer chan any,
) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.subSystemToOverseer = subSystemToOverseer

	go NewResponder(s.incomingRequests, s.responderOut, s.metrics).Run(ctx)

	flushTicker := time.NewTicker(reputationFlushInterval)
	defer flushTicker.Stop()

	retryTimer := time.NewTimer(time.Hour)
	defer retryTimer.Stop()

	for {
		if !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		var retryCh <-chan time.Time
		if next, ok := s.state.requestManager.NextRetryTime(); ok {
			retryTimer.Reset(time.Until(next))
			retryCh = retryTimer.C
		}

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-overseerToSubSystem:
			if !ok {
				return
			}
			s.processMessage(msg)
		case rm := <-s.responderOut:
			s.answerRequest(rm)
		case response := <-s.responses:
			s.handleResponse(response)
		case <-flushTicker.C:
			s.flushReputation()
		case <-retryCh:
		}

		s.dispatchRequests(ctx)
	}
}

// Stop terminates the subsystem's background work.
func (s *StatementDistribution) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *StatementDistribution) processMessage(msg any) {
	switch msg := msg.(type) {
	case messages.Share:
		s.handleShare(msg.RelayParent, msg.Statement)
	case messages.Backed:
		s.handleBackedCandidate(msg.CandidateHash)
	case messages.NetworkBridgeUpdate:
		s.handleNetworkUpdate(msg.Event)
	case parachaintypes.ActiveLeavesUpdateSignal:
		if err := s.ProcessActiveLeavesUpdateSignal(msg); err != nil {
			logger.Error().Err(err).Msg("processing active leaves update")
		}
	case parachaintypes.BlockFinalizedSignal:
		if err := s.ProcessBlockFinalizedSignal(msg); err != nil {
			logger.Error().Err(err).Msg("processing block finalized signal")
		}
	default:
		logger.Error().
			Err(parachaintypes.ErrUnknownOverseerMessage).
			Msgf("unhandled message type %T", msg)
	}
}

// ProcessBlockFinalizedSignal is a no-op: finality does not affect statement
// distribution, which works over active leaves.
func (s *StatementDistribution) ProcessBlockFinalizedSignal(
	parachaintypes.BlockFinalizedSignal,
) error {
	return nil
}

func (s *StatementDistribution) handleNetworkUpdate(event any) {
	switch event := event.(type) {
	case parachaintypes.PeerConnected:
		s.handlePeerConnected(event)
	case parachaintypes.PeerDisconnected:
		s.handlePeerDisconnected(event)
	case parachaintypes.PeerViewChange:
		s.handlePeerViewChange(event.PeerID, event.View)
	case parachaintypes.NewGossipTopology:
		s.handleTopologyUpdate(event)
	case parachaintypes.UpdatedAuthorityIDs:
		s.handleUpdatedAuthorityIDs(event)
	case parachaintypes.PeerMessage:
		switch wire := event.Message.(type) {
		case StatementMessage:
			s.handleIncomingStatement(event.PeerID, wire)
		case BackedCandidateManifest:
			s.handleIncomingManifest(event.PeerID, wire)
		case BackedCandidateAcknowledgement:
			s.handleIncomingAcknowledgement(event.PeerID, wire)
		default:
			logger.Debug().
				Str("peer", event.PeerID.String()).
				Msgf("ignoring unknown gossip message type %T", wire)
		}
	default:
		logger.Debug().Msgf("ignoring unknown network bridge event type %T", event)
	}
}

func (s *StatementDistribution) sendToOverseer(msg any) {
	s.subSystemToOverseer <- msg
}

// runtime and chain api round trips

func (s *StatementDistribution) fetchSessionIndexForChild(
	relayParent common.Hash,
) (parachaintypes.SessionIndex, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[parachaintypes.SessionIndex], 1)
	s.sendToOverseer(parachaintypes.RuntimeApiMessage{
		RelayParent: relayParent,
		Request:     parachaintypes.RuntimeApiRequestSessionIndexForChild{ResponseCh: ch},
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchSessionInfo(
	relayParent common.Hash,
	sessionIndex parachaintypes.SessionIndex,
) (*parachaintypes.SessionInfo, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[*parachaintypes.SessionInfo], 1)
	s.sendToOverseer(parachaintypes.RuntimeApiMessage{
		RelayParent: relayParent,
		Request: parachaintypes.RuntimeApiRequestSessionInfo{
			SessionIndex: sessionIndex,
			ResponseCh:   ch,
		},
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchMinimumBackingVotes(
	relayParent common.Hash,
	sessionIndex parachaintypes.SessionIndex,
) (uint32, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[uint32], 1)
	s.sendToOverseer(parachaintypes.RuntimeApiMessage{
		RelayParent: relayParent,
		Request: parachaintypes.RuntimeApiRequestMinimumBackingVotes{
			SessionIndex: sessionIndex,
			ResponseCh:   ch,
		},
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchDisabledValidators(
	relayParent common.Hash,
) ([]parachaintypes.ValidatorIndex, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[[]parachaintypes.ValidatorIndex], 1)
	s.sendToOverseer(parachaintypes.RuntimeApiMessage{
		RelayParent: relayParent,
		Request:     parachaintypes.RuntimeApiRequestDisabledValidators{ResponseCh: ch},
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchValidatorGroups(
	relayParent common.Hash,
) (parachaintypes.ValidatorGroupsAndRotation, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[parachaintypes.ValidatorGroupsAndRotation], 1)
	s.sendToOverseer(parachaintypes.RuntimeApiMessage{
		RelayParent: relayParent,
		Request:     parachaintypes.RuntimeApiRequestValidatorGroups{ResponseCh: ch},
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchClaimQueue(
	relayParent common.Hash,
) (parachaintypes.ClaimQueueSnapshot, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[parachaintypes.ClaimQueueSnapshot], 1)
	s.sendToOverseer(parachaintypes.RuntimeApiMessage{
		RelayParent: relayParent,
		Request:     parachaintypes.RuntimeApiRequestClaimQueue{ResponseCh: ch},
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchAncestors(
	head common.Hash,
	k uint32,
) ([]common.Hash, error) {
	ch := make(chan parachaintypes.OverseerFuncRes[[]common.Hash], 1)
	s.sendToOverseer(parachaintypes.ChainApiMessageAncestors{
		Hash:       head,
		K:          k,
		ResponseCh: ch,
	})
	res := <-ch
	return res.Data, res.Err
}

func (s *StatementDistribution) fetchMinimumRelayParents(
	leaf common.Hash,
) []parachaintypes.ParaIDBlockNumber {
	ch := make(chan []parachaintypes.ParaIDBlockNumber, 1)
	s.sendToOverseer(parachaintypes.ProspectiveParachainsMessageGetMinimumRelayParents{
		RelayParent: leaf,
		ResponseCh:  ch,
	})
	return <-ch
}

func (s *StatementDistribution) fetchHypotheticalMembership(
	candidates []parachaintypes.HypotheticalCandidate,
	fragmentChainRelayParent *common.Hash,
) []parachaintypes.HypotheticalMembershipResponseItem {
	ch := make(chan []parachaintypes.HypotheticalMembershipResponseItem, 1)
	s.sendToOverseer(parachaintypes.ProspectiveParachainsMessageGetHypotheticalMembership{
		Candidates:               candidates,
		FragmentChainRelayParent: fragmentChainRelayParent,
		ResponseCh:               ch,
	})
	return <-ch
}
