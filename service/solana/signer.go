package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SignedTransaction is a Transaction carrying a signature from every signer
// reference. Ed25519 signatures are deterministic, but callers should only
// rely on them being verifiable against Message.
type SignedTransaction struct {
	Transaction
	Signatures map[solana.PublicKey]solana.Signature

	message []byte
	wire    *solana.Transaction
}

// Sign signs tx with the keypairs whose public keys match its signer
// references. Keypairs that match no signer are ignored. If any signer has
// no keypair, Sign fails with a *MissingSignerError before anything is signed.
// tx is not modified.
func Sign(tx *Transaction, keypairs ...Keypair) (*SignedTransaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrValidation)
	}
	if tx.Handle == nil || tx.Handle.IsZero() {
		return nil, fmt.Errorf("%w: transaction must carry a blockhash handle before signing", ErrValidation)
	}

	if err := checkSigners(tx, keypairs); err != nil {
		return nil, err
	}
	byKey := make(map[solana.PublicKey]Keypair, len(keypairs))
	for _, kp := range keypairs {
		byKey[kp.PublicKey()] = kp
	}

	wire, message, err := tx.encode()
	if err != nil {
		return nil, err
	}

	// The message header fixes which keys must sign and in what order.
	required := wire.Message.AccountKeys[:wire.Message.Header.NumRequiredSignatures]
	signatures := make(map[solana.PublicKey]solana.Signature, len(required))
	wire.Signatures = make([]solana.Signature, 0, len(required))
	for _, key := range required {
		kp, ok := byKey[key]
		if !ok {
			return nil, &MissingSignerError{Missing: []solana.PublicKey{key}}
		}
		sig, err := kp.sign(message)
		if err != nil {
			return nil, fmt.Errorf("failed to sign for %s: %w", key, err)
		}
		signatures[key] = sig
		wire.Signatures = append(wire.Signatures, sig)
	}

	return &SignedTransaction{
		Transaction: *tx,
		Signatures:  signatures,
		message:     message,
		wire:        wire,
	}, nil
}

// ID is the transaction identifier: the fee payer's signature. It is fixed
// by the signed content, so it is known before the transaction is sent.
func (s *SignedTransaction) ID() solana.Signature {
	return s.wire.Signatures[0]
}

// Message returns the canonical bytes every signature covers.
func (s *SignedTransaction) Message() []byte {
	out := make([]byte, len(s.message))
	copy(out, s.message)
	return out
}

// MarshalBinary returns the wire encoding sent to the node.
func (s *SignedTransaction) MarshalBinary() ([]byte, error) {
	return s.wire.MarshalBinary()
}
