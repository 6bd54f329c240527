// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import (
	"errors"
	"fmt"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

// ValidatorIndex is the index of a validator in the session's validator set.
type ValidatorIndex uint32

// GroupIndex is the index of a backing group in the session.
type GroupIndex uint32

// CoreIndex is the index of an availability core.
type CoreIndex uint32

// ParaID is a parachain identifier.
type ParaID uint32

// SessionIndex is a session identifier.
type SessionIndex uint32

// CandidateHash is the hash of a committed candidate receipt.
type CandidateHash struct {
	Value common.Hash `scale:"1"`
}

func (c CandidateHash) String() string {
	return c.Value.String()
}

// ValidatorID is an sr25519 public key identifying a validator.
type ValidatorID [32]byte

// ValidatorSignature is an sr25519 signature over a statement's signing payload.
type ValidatorSignature [64]byte

// AuthorityDiscoveryID is the sr25519 public key a validator uses on the
// authority-discovery network.
type AuthorityDiscoveryID [32]byte

// HeadData is the parachain head data included in the relay chain.
type HeadData struct {
	Data []byte `scale:"1"`
}

// Hash returns the blake2b hash of the head data.
func (h HeadData) Hash() (common.Hash, error) {
	return common.Blake2bHash(h.Data)
}

// PersistedValidationData should be relatively lightweight primarily because it
// is constructed during inclusion for each candidate and therefore lies on the
// critical path of inclusion.
type PersistedValidationData struct {
	ParentHead             HeadData    `scale:"1"`
	RelayParentNumber      uint32      `scale:"2"`
	RelayParentStorageRoot common.Hash `scale:"3"`
	MaxPovSize             uint32      `scale:"4"`
}

// CandidateDescriptor is a unique descriptor of a candidate receipt.
type CandidateDescriptor struct {
	ParaID                      ParaID      `scale:"1"`
	RelayParent                 common.Hash `scale:"2"`
	Collator                    [32]byte    `scale:"3"`
	PersistedValidationDataHash common.Hash `scale:"4"`
	PovHash                     common.Hash `scale:"5"`
	ErasureRoot                 common.Hash `scale:"6"`
	Signature                   [64]byte    `scale:"7"`
	ParaHead                    common.Hash `scale:"8"`
	ValidationCodeHash          common.Hash `scale:"9"`
}

// CandidateCommitments are the commitments of a candidate to the chain state.
type CandidateCommitments struct {
	UpwardMessages            [][]byte `scale:"1"`
	HorizontalMessages        [][]byte `scale:"2"`
	NewValidationCode         *[]byte  `scale:"3"`
	HeadData                  HeadData `scale:"4"`
	ProcessedDownwardMessages uint32   `scale:"5"`
	HrmpWatermark             uint32   `scale:"6"`
}

// CommittedCandidateReceipt is a candidate receipt along with the commitments.
type CommittedCandidateReceipt struct {
	Descriptor  CandidateDescriptor  `scale:"1"`
	Commitments CandidateCommitments `scale:"2"`
}

// Hash computes the blake2b hash of the SCALE-encoded receipt. This is the
// candidate hash every statement refers to.
func (c CommittedCandidateReceipt) Hash() (CandidateHash, error) {
	encoded, err := scale.Marshal(c)
	if err != nil {
		return CandidateHash{}, fmt.Errorf("encoding committed candidate receipt: %w", err)
	}

	hash, err := common.Blake2bHash(encoded)
	if err != nil {
		return CandidateHash{}, fmt.Errorf("hashing committed candidate receipt: %w", err)
	}

	return CandidateHash{Value: hash}, nil
}

// SessionInfo is the session parameters relevant to statement distribution.
type SessionInfo struct {
	Validators      []ValidatorID
	DiscoveryKeys   []AuthorityDiscoveryID
	ValidatorGroups [][]ValidatorIndex
}

// GroupRotationInfo describes how validator groups rotate across availability cores.
type GroupRotationInfo struct {
	SessionStartBlock      uint32
	GroupRotationFrequency uint32
	Now                    uint32
}

// GroupForCore returns the index of the group assigned to the given core at the
// block captured by this rotation info. Deterministic across all nodes.
func (g GroupRotationInfo) GroupForCore(core CoreIndex, cores int) GroupIndex {
	if cores == 0 {
		return GroupIndex(0)
	}

	rotations := uint32(0)
	if g.GroupRotationFrequency != 0 {
		rotations = (g.Now - g.SessionStartBlock) / g.GroupRotationFrequency
	}

	return GroupIndex((uint32(core) + rotations) % uint32(cores))
}

// ClaimQueueSnapshot maps availability cores to the paras claiming them,
// ordered soonest-first.
type ClaimQueueSnapshot map[CoreIndex][]ParaID

// OverseerFuncRes is the result of an overseer round trip carrying either data
// or an error.
type OverseerFuncRes[T any] struct {
	Err  error
	Data T
}

// SubSystemName is the name a subsystem registers with the overseer.
type SubSystemName string

const (
	StatementDistribution SubSystemName = "StatementDistribution"
)

// ErrUnknownOverseerMessage is returned when a subsystem receives a message
// type it does not handle.
var ErrUnknownOverseerMessage = errors.New("unknown overseer message type")
