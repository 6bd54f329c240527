// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"testing"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/stretchr/testify/require"

	parachaintypes "github.com/polkadot-go/statement-distribution/types"
)

func getDummyHash(t *testing.T, num byte) common.Hash {
	t.Helper()

	hash := common.Hash{}
	for i := 0; i < 32; i++ {
		hash[i] = num
	}
	return hash
}

func dummyCandidateHash(t *testing.T, num byte) parachaintypes.CandidateHash {
	t.Helper()
	return parachaintypes.CandidateHash{Value: getDummyHash(t, num)}
}

// newTestValidators generates real sr25519 keypairs so signature checks in
// the code under test pass.
func newTestValidators(t *testing.T, n int) ([]*sr25519.Keypair, []parachaintypes.ValidatorID) {
	t.Helper()

	keypairs := make([]*sr25519.Keypair, n)
	validators := make([]parachaintypes.ValidatorID, n)
	for i := 0; i < n; i++ {
		keypair, err := sr25519.GenerateKeypair()
		require.NoError(t, err)
		keypairs[i] = keypair

		var id parachaintypes.ValidatorID
		copy(id[:], keypair.Public().Encode())
		validators[i] = id
	}
	return keypairs, validators
}

func signCompactStatement(
	t *testing.T,
	keypair *sr25519.Keypair,
	validatorIndex parachaintypes.ValidatorIndex,
	compact parachaintypes.CompactStatement,
	signingContext parachaintypes.SigningContext,
) parachaintypes.UncheckedSignedStatement {
	t.Helper()

	payload, err := compact.SigningPayload(signingContext)
	require.NoError(t, err)

	signature, err := keypair.Sign(payload)
	require.NoError(t, err)

	statement := parachaintypes.UncheckedSignedStatement{
		Payload:        compact,
		ValidatorIndex: validatorIndex,
	}
	copy(statement.Signature[:], signature)
	return statement
}

func forcedStatement(
	t *testing.T,
	validatorIndex parachaintypes.ValidatorIndex,
	compact parachaintypes.CompactStatement,
) parachaintypes.SignedStatement {
	t.Helper()

	return parachaintypes.ForceCheckedStatement(parachaintypes.UncheckedSignedStatement{
		Payload:        compact,
		ValidatorIndex: validatorIndex,
	})
}

func newCommittedCandidate(
	t *testing.T,
	paraID parachaintypes.ParaID,
	relayParent common.Hash,
	parentHead parachaintypes.HeadData,
) (parachaintypes.CommittedCandidateReceipt, parachaintypes.PersistedValidationData) {
	t.Helper()

	pvd := parachaintypes.PersistedValidationData{
		ParentHead:        parentHead,
		RelayParentNumber: 1,
		MaxPovSize:        1024,
	}

	receipt := parachaintypes.CommittedCandidateReceipt{
		Descriptor: parachaintypes.CandidateDescriptor{
			ParaID:      paraID,
			RelayParent: relayParent,
			PovHash:     getDummyHash(t, 5),
			ErasureRoot: getDummyHash(t, 6),
		},
		Commitments: parachaintypes.CandidateCommitments{
			HeadData:      parachaintypes.HeadData{Data: []byte{1, 2, 3}},
			HrmpWatermark: 1,
		},
	}
	return receipt, pvd
}
