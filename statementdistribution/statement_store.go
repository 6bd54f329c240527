// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"errors"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

// StatementOrigin distinguishes statements this node signed from statements
// received over the network.
type StatementOrigin int

const (
	// StatementOriginLocal is a statement issued by the local node.
	StatementOriginLocal StatementOrigin = iota
	// StatementOriginRemote is a statement received from a peer.
	StatementOriginRemote
)

// ErrValidatorUnknown is returned when inserting a statement from a validator
// outside every group of the session.
var ErrValidatorUnknown = errors.New("validator not present in session groups")

type validatorMeta struct {
	group            parachaintypes.GroupIndex
	withinGroupIndex int
	secondedCount    int
}

type storedStatement struct {
	statement parachaintypes.SignedStatement
	// knownByBacking is true for local statements and for statements already
	// forwarded to the backing collaborator.
	knownByBacking bool
}

type fingerprint struct {
	validatorIndex parachaintypes.ValidatorIndex
	statement      parachaintypes.CompactStatement
}

type groupCandidateKey struct {
	group         parachaintypes.GroupIndex
	candidateHash parachaintypes.CandidateHash
}

// StatementStore tracks all statements known at one relay parent, indexed by
// validator and candidate, and answers filter queries over group seats.
//
// The seconding-limit check and the insert are performed together; a
// validator can never end up with more distinct Seconded statements stored
// than its group's assignment allows.
type StatementStore struct {
	groups          Groups
	secondingLimits map[parachaintypes.GroupIndex]int
	validatorMeta   map[parachaintypes.ValidatorIndex]*validatorMeta
	groupStatements map[groupCandidateKey]StatementFilter
	knownStatements map[fingerprint]*storedStatement
}

// NewStatementStore builds an empty store over the session's groups.
// secondingLimits carries, per group, the number of distinct candidates each
// member may second at this relay parent.
func NewStatementStore(groups Groups, secondingLimits map[parachaintypes.GroupIndex]int) *StatementStore {
	meta := make(map[parachaintypes.ValidatorIndex]*validatorMeta)
	for groupIndex, group := range groups.All() {
		for withinGroupIndex, validatorIndex := range group {
			meta[validatorIndex] = &validatorMeta{
				group:            parachaintypes.GroupIndex(groupIndex),
				withinGroupIndex: withinGroupIndex,
			}
		}
	}

	return &StatementStore{
		groups:          groups,
		secondingLimits: secondingLimits,
		validatorMeta:   meta,
		groupStatements: make(map[groupCandidateKey]StatementFilter),
		knownStatements: make(map[fingerprint]*storedStatement),
	}
}

// Insert stores the statement if its (validator, candidate, kind) slot is
// empty and, for Seconded statements, the validator's per-relay-parent
// seconding limit is not exhausted. Returns whether the statement was fresh.
// Statements from validators unknown to the session are rejected with
// ErrValidatorUnknown.
func (s *StatementStore) Insert(
	statement parachaintypes.SignedStatement,
	origin StatementOrigin,
) (fresh bool, err error) {
	validatorIndex := statement.ValidatorIndex()
	meta, ok := s.validatorMeta[validatorIndex]
	if !ok {
		return false, ErrValidatorUnknown
	}

	compact := statement.Payload()
	key := fingerprint{validatorIndex: validatorIndex, statement: compact}
	if existing, ok := s.knownStatements[key]; ok {
		if origin == StatementOriginLocal {
			existing.knownByBacking = true
		}
		return false, nil
	}

	if compact.Kind == parachaintypes.SecondedCompactStatement &&
		meta.secondedCount >= s.secondingLimits[meta.group] {
		logger.Debug().
			Uint32("validator_index", uint32(validatorIndex)).
			Str("candidate_hash", compact.CandidateHash.String()).
			Msg("refusing to store Seconded statement beyond limit")
		return false, nil
	}

	s.knownStatements[key] = &storedStatement{
		statement:      statement,
		knownByBacking: origin == StatementOriginLocal,
	}

	if compact.Kind == parachaintypes.SecondedCompactStatement {
		meta.secondedCount++
	}

	groupKey := groupCandidateKey{group: meta.group, candidateHash: compact.CandidateHash}
	filter, ok := s.groupStatements[groupKey]
	if !ok {
		filter = NewStatementFilterBlank(len(s.groups.Get(meta.group)))
		s.groupStatements[groupKey] = filter
	}
	filter.Set(meta.withinGroupIndex, compact.Kind)

	return true, nil
}

// ValidatorStatement returns the stored statement with the given originator
// and payload, or nil.
func (s *StatementStore) ValidatorStatement(
	validatorIndex parachaintypes.ValidatorIndex,
	compact parachaintypes.CompactStatement,
) *parachaintypes.SignedStatement {
	stored, ok := s.knownStatements[fingerprint{validatorIndex: validatorIndex, statement: compact}]
	if !ok {
		return nil
	}
	statement := stored.statement
	return &statement
}

// GroupStatements returns the stored statements of group members about the
// candidate whose filter bit is set (AND semantics: bit set means include).
func (s *StatementStore) GroupStatements(
	groupIndex parachaintypes.GroupIndex,
	candidateHash parachaintypes.CandidateHash,
	filter StatementFilter,
) []parachaintypes.SignedStatement {
	group := s.groups.Get(groupIndex)
	var statements []parachaintypes.SignedStatement

	for i, validatorIndex := range group {
		if filter.Contains(i, parachaintypes.SecondedCompactStatement) {
			compact := parachaintypes.NewSecondedCompactStatement(candidateHash)
			if stored := s.ValidatorStatement(validatorIndex, compact); stored != nil {
				statements = append(statements, *stored)
			}
		}
		if filter.Contains(i, parachaintypes.ValidCompactStatement) {
			compact := parachaintypes.NewValidCompactStatement(candidateHash)
			if stored := s.ValidatorStatement(validatorIndex, compact); stored != nil {
				statements = append(statements, *stored)
			}
		}
	}

	return statements
}

// FillStatementFilter sets, in the given filter, the bits of every statement
// the store holds for the group and candidate. Used to build advertisement
// bitmaps.
func (s *StatementStore) FillStatementFilter(
	groupIndex parachaintypes.GroupIndex,
	candidateHash parachaintypes.CandidateHash,
	filter StatementFilter,
) {
	known, ok := s.groupStatements[groupCandidateKey{group: groupIndex, candidateHash: candidateHash}]
	if !ok {
		return
	}

	filter.SecondedInGroup.InPlaceUnion(known.SecondedInGroup)
	filter.ValidatedInGroup.InPlaceUnion(known.ValidatedInGroup)
}

// SecondedCount returns the number of distinct candidates the validator has
// seconded at this relay parent.
func (s *StatementStore) SecondedCount(validatorIndex parachaintypes.ValidatorIndex) int {
	meta, ok := s.validatorMeta[validatorIndex]
	if !ok {
		return 0
	}
	return meta.secondedCount
}

// FreshStatementsForBacking returns all statements about the candidate from
// the given group members which have not been forwarded to backing yet.
// Seconded statements come first.
func (s *StatementStore) FreshStatementsForBacking(
	groupValidators []parachaintypes.ValidatorIndex,
	candidateHash parachaintypes.CandidateHash,
) []parachaintypes.SignedStatement {
	var seconded, valid []parachaintypes.SignedStatement

	for _, validatorIndex := range groupValidators {
		secondedKey := fingerprint{
			validatorIndex: validatorIndex,
			statement:      parachaintypes.NewSecondedCompactStatement(candidateHash),
		}
		if stored, ok := s.knownStatements[secondedKey]; ok && !stored.knownByBacking {
			seconded = append(seconded, stored.statement)
		}

		validKey := fingerprint{
			validatorIndex: validatorIndex,
			statement:      parachaintypes.NewValidCompactStatement(candidateHash),
		}
		if stored, ok := s.knownStatements[validKey]; ok && !stored.knownByBacking {
			valid = append(valid, stored.statement)
		}
	}

	return append(seconded, valid...)
}

// NoteKnownByBacking records that the backing collaborator has seen the
// statement.
func (s *StatementStore) NoteKnownByBacking(
	validatorIndex parachaintypes.ValidatorIndex,
	compact parachaintypes.CompactStatement,
) {
	if stored, ok := s.knownStatements[fingerprint{validatorIndex: validatorIndex, statement: compact}]; ok {
		stored.knownByBacking = true
	}
}
