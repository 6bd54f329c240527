// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import (
	"errors"
	"fmt"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

// CompactStatementKind discriminates the two compact statement variants.
type CompactStatementKind uint8

const (
	// SecondedCompactStatement proposes a candidate for backing.
	SecondedCompactStatement CompactStatementKind = iota + 1
	// ValidCompactStatement attests an already-seconded candidate as valid.
	ValidCompactStatement
)

// CompactStatement is a statement about a candidate, referenced only by hash.
// It is the payload validators sign and gossip; the comparable representation
// makes it usable as a map key by the knowledge trackers.
type CompactStatement struct {
	Kind          CompactStatementKind
	CandidateHash CandidateHash
}

// NewSecondedCompactStatement returns a Seconded statement for the candidate.
func NewSecondedCompactStatement(candidateHash CandidateHash) CompactStatement {
	return CompactStatement{Kind: SecondedCompactStatement, CandidateHash: candidateHash}
}

// NewValidCompactStatement returns a Valid statement for the candidate.
func NewValidCompactStatement(candidateHash CandidateHash) CompactStatement {
	return CompactStatement{Kind: ValidCompactStatement, CandidateHash: candidateHash}
}

func (c CompactStatement) String() string {
	switch c.Kind {
	case SecondedCompactStatement:
		return fmt.Sprintf("Seconded(%s)", c.CandidateHash)
	case ValidCompactStatement:
		return fmt.Sprintf("Valid(%s)", c.CandidateHash)
	default:
		return "Unknown"
	}
}

// compactStatementSigningMagic is prefixed to the signing payload to
// disambiguate backing statements from other signed data.
var compactStatementSigningMagic = []byte("BKNG")

// SigningContext is the context statements are signed under, binding a
// signature to one session at one relay parent.
type SigningContext struct {
	SessionIndex SessionIndex `scale:"1"`
	ParentHash   common.Hash  `scale:"2"`
}

// SigningPayload produces the blob a validator signs for this statement under
// the given context.
func (c CompactStatement) SigningPayload(signingContext SigningContext) ([]byte, error) {
	if c.Kind != SecondedCompactStatement && c.Kind != ValidCompactStatement {
		return nil, fmt.Errorf("%w: %d", errUnknownCompactStatementKind, c.Kind)
	}

	encodedStatement, err := scale.Marshal(struct {
		Kind          uint8       `scale:"1"`
		CandidateHash common.Hash `scale:"2"`
	}{uint8(c.Kind), c.CandidateHash.Value})
	if err != nil {
		return nil, fmt.Errorf("encoding compact statement: %w", err)
	}

	encodedContext, err := scale.Marshal(signingContext)
	if err != nil {
		return nil, fmt.Errorf("encoding signing context: %w", err)
	}

	payload := make([]byte, 0, len(compactStatementSigningMagic)+len(encodedStatement)+len(encodedContext))
	payload = append(payload, compactStatementSigningMagic...)
	payload = append(payload, encodedStatement...)
	payload = append(payload, encodedContext...)
	return payload, nil
}

var (
	errUnknownCompactStatementKind = errors.New("unknown compact statement kind")
	// ErrInvalidStatementSignature is returned when a statement's signature
	// does not verify against the claimed validator's key.
	ErrInvalidStatementSignature = errors.New("invalid statement signature")
	// ErrValidatorIndexOutOfBounds is returned when a statement claims a
	// validator index outside the session's validator set.
	ErrValidatorIndexOutOfBounds = errors.New("validator index out of bounds")
)

// UncheckedSignedStatement is a compact statement with a signature that has not
// been verified yet. This is the form statements arrive from the network in.
type UncheckedSignedStatement struct {
	Payload        CompactStatement
	ValidatorIndex ValidatorIndex
	Signature      ValidatorSignature
}

// SignedStatement is a compact statement whose signature has been checked. It
// can only be constructed through CheckStatementSignature.
type SignedStatement struct {
	inner UncheckedSignedStatement
}

// Payload returns the compact statement.
func (s SignedStatement) Payload() CompactStatement {
	return s.inner.Payload
}

// ValidatorIndex returns the index of the signing validator.
func (s SignedStatement) ValidatorIndex() ValidatorIndex {
	return s.inner.ValidatorIndex
}

// AsUnchecked returns the network form of the statement.
func (s SignedStatement) AsUnchecked() UncheckedSignedStatement {
	return s.inner
}

// CheckStatementSignature verifies the statement's signature against the
// validator set of the session, producing a checked statement on success.
func CheckStatementSignature(
	statement UncheckedSignedStatement,
	validators []ValidatorID,
	signingContext SigningContext,
) (SignedStatement, error) {
	if int(statement.ValidatorIndex) >= len(validators) {
		return SignedStatement{}, fmt.Errorf("%w: %d", ErrValidatorIndexOutOfBounds, statement.ValidatorIndex)
	}

	payload, err := statement.Payload.SigningPayload(signingContext)
	if err != nil {
		return SignedStatement{}, fmt.Errorf("building signing payload: %w", err)
	}

	validatorID := validators[statement.ValidatorIndex]
	publicKey, err := sr25519.NewPublicKey(validatorID[:])
	if err != nil {
		return SignedStatement{}, fmt.Errorf("decoding validator public key: %w", err)
	}

	ok, err := publicKey.Verify(payload, statement.Signature[:])
	if err != nil {
		return SignedStatement{}, fmt.Errorf("verifying statement signature: %w", err)
	}
	if !ok {
		return SignedStatement{}, ErrInvalidStatementSignature
	}

	return SignedStatement{inner: statement}, nil
}

// ForceCheckedStatement wraps an unchecked statement without verifying the
// signature. Only for statements this node itself produced or for tests.
func ForceCheckedStatement(statement UncheckedSignedStatement) SignedStatement {
	return SignedStatement{inner: statement}
}

// StatementWithPVD is the full form of a statement: a Seconded statement
// carries the entire committed candidate receipt and its persisted validation
// data, a Valid statement only the candidate hash.
type StatementWithPVD struct {
	// SecondedReceipt is set for Seconded statements.
	SecondedReceipt *CommittedCandidateReceipt
	// SecondedPVD is set alongside SecondedReceipt.
	SecondedPVD *PersistedValidationData
	// ValidCandidateHash is set for Valid statements.
	ValidCandidateHash *CandidateHash
}

// ToCompact converts the full statement to its compact form.
func (s StatementWithPVD) ToCompact() (CompactStatement, error) {
	switch {
	case s.SecondedReceipt != nil:
		hash, err := s.SecondedReceipt.Hash()
		if err != nil {
			return CompactStatement{}, err
		}
		return NewSecondedCompactStatement(hash), nil
	case s.ValidCandidateHash != nil:
		return NewValidCompactStatement(*s.ValidCandidateHash), nil
	default:
		return CompactStatement{}, errEmptyStatementWithPVD
	}
}

// CandidateHashOf returns the candidate hash the statement refers to.
func (s StatementWithPVD) CandidateHashOf() (CandidateHash, error) {
	compact, err := s.ToCompact()
	if err != nil {
		return CandidateHash{}, err
	}
	return compact.CandidateHash, nil
}

var errEmptyStatementWithPVD = errors.New("statement with PVD has no variant set")

// SignedFullStatementWithPVD is a signed full statement, as produced by the
// backing subsystem for sharing.
type SignedFullStatementWithPVD struct {
	Payload        StatementWithPVD
	ValidatorIndex ValidatorIndex
	Signature      ValidatorSignature
}
