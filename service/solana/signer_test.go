package solana

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_SignatureSetEqualsSignerSet(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("%d signers", n), func(t *testing.T) {
			keypairs := make([]Keypair, n)
			refs := make([]AccountReference, 0, n+1)
			for i := range keypairs {
				keypairs[i] = mustKeypair(t)
				refs = append(refs, AccountReference{PublicKey: keypairs[i].PublicKey(), IsSigner: true, IsWritable: i == 0})
			}
			// A non-signing account must not collect a signature.
			refs = append(refs, AccountReference{PublicKey: mustKeypair(t).PublicKey(), IsWritable: true})

			tx, err := Build(testProgramID, refs, []byte{0x01}, testHandle())
			require.NoError(t, err)

			signed, err := Sign(tx, keypairs...)
			require.NoError(t, err)

			want := make(map[solana.PublicKey]struct{}, n)
			for _, kp := range keypairs {
				want[kp.PublicKey()] = struct{}{}
			}
			got := make(map[solana.PublicKey]struct{}, len(signed.Signatures))
			for k := range signed.Signatures {
				got[k] = struct{}{}
			}
			assert.Equal(t, want, got)

			for key, sig := range signed.Signatures {
				assert.True(t, ed25519.Verify(ed25519.PublicKey(key[:]), signed.Message(), sig[:]),
					"signature for %s must verify", key)
			}

			// The fee payer's signature identifies the transaction.
			assert.Equal(t, signed.Signatures[keypairs[0].PublicKey()], signed.ID())
		})
	}
}

func TestSign_MissingSigner(t *testing.T) {
	a := mustKeypair(t)
	b := mustKeypair(t)

	tx, err := Build(testProgramID, []AccountReference{
		{PublicKey: a.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: b.PublicKey(), IsSigner: true},
	}, nil, testHandle())
	require.NoError(t, err)

	t.Run("no keypairs", func(t *testing.T) {
		_, err := Sign(tx)
		require.ErrorIs(t, err, ErrMissingSigner)

		var missing *MissingSignerError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, []solana.PublicKey{a.PublicKey(), b.PublicKey()}, missing.Missing)
	})

	t.Run("one of two", func(t *testing.T) {
		_, err := Sign(tx, a)
		var missing *MissingSignerError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, []solana.PublicKey{b.PublicKey()}, missing.Missing)
		assert.Contains(t, err.Error(), b.PublicKey().String())
	})

	t.Run("unrelated keypair", func(t *testing.T) {
		_, err := Sign(tx, mustKeypair(t), b)
		require.ErrorIs(t, err, ErrMissingSigner)
	})

	t.Run("complete set plus extras", func(t *testing.T) {
		signed, err := Sign(tx, mustKeypair(t), b, a)
		require.NoError(t, err)
		assert.Len(t, signed.Signatures, 2)
	})
}

func TestSign_RequiresHandle(t *testing.T) {
	kp := mustKeypair(t)
	tx := &Transaction{Instructions: []Instruction{{
		ProgramID: testProgramID,
		Accounts:  []AccountReference{{PublicKey: kp.PublicKey(), IsSigner: true}},
	}}}

	_, err := Sign(tx, kp)
	require.ErrorIs(t, err, ErrValidation)

	_, err = Sign(nil, kp)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSign_NoSignerReferences(t *testing.T) {
	tx := &Transaction{
		Instructions: []Instruction{{
			ProgramID: testProgramID,
			Accounts:  []AccountReference{{PublicKey: mustKeypair(t).PublicKey(), IsWritable: true}},
		}},
		Handle: &Handle{Blockhash: solana.Hash{9}, LastValidBlockHeight: 10},
	}
	_, err := Sign(tx, mustKeypair(t))
	require.ErrorIs(t, err, ErrValidation)
}

func TestSign_ZeroKeypair(t *testing.T) {
	kp := mustKeypair(t)
	tx, err := Build(testProgramID, []AccountReference{{PublicKey: kp.PublicKey(), IsSigner: true, IsWritable: true}}, nil, testHandle())
	require.NoError(t, err)

	var zero Keypair
	assert.Equal(t, solana.PublicKey{}, zero.PublicKey())
	assert.NotPanics(t, func() {
		_, err = Sign(tx, kp, zero)
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "keypair 1 has no key material")
}

func TestSign_DeterministicAndLeavesInputUntouched(t *testing.T) {
	kp := mustKeypair(t)
	tx, err := Build(testProgramID, []AccountReference{{PublicKey: kp.PublicKey(), IsSigner: true, IsWritable: true}}, nil, testHandle())
	require.NoError(t, err)
	before := *tx

	first, err := Sign(tx, kp)
	require.NoError(t, err)
	second, err := Sign(tx, kp)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, before, *tx)

	raw, err := first.MarshalBinary()
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestSign_DifferentHandleDifferentID(t *testing.T) {
	kp := mustKeypair(t)
	refs := []AccountReference{{PublicKey: kp.PublicKey(), IsSigner: true, IsWritable: true}}

	tx1, err := Build(testProgramID, refs, nil, Handle{Blockhash: solana.Hash{1}, LastValidBlockHeight: 10})
	require.NoError(t, err)
	tx2, err := Build(testProgramID, refs, nil, Handle{Blockhash: solana.Hash{2}, LastValidBlockHeight: 10})
	require.NoError(t, err)

	s1, err := Sign(tx1, kp)
	require.NoError(t, err)
	s2, err := Sign(tx2, kp)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
}

func TestKeypair_Redacted(t *testing.T) {
	kp := mustKeypair(t)
	assert.Equal(t, "Keypair("+kp.PublicKey().String()+")", kp.String())
	assert.Equal(t, slog.KindString, kp.LogValue().Kind())
	assert.Equal(t, kp.PublicKey().String(), kp.LogValue().String())

	_, err := NewKeypair(solana.PrivateKey{1, 2, 3})
	require.ErrorIs(t, err, ErrValidation)
}
