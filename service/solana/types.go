package solana

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// AccountReference is an account touched by an instruction.
// Identity is the public key.
type AccountReference struct {
	PublicKey  solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction targets a single program.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountReference
	Data      []byte
}

// Handle is the freshness window a node hands out: a recent blockhash that
// stays valid until the chain passes LastValidBlockHeight. The blockhash is
// opaque and never interpreted.
type Handle struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool {
	return h.Blockhash == (solana.Hash{}) || h.LastValidBlockHeight == 0
}

// Transaction is an unsigned transaction. Handle stays nil until Build
// stamps it.
type Transaction struct {
	Instructions []Instruction
	Handle       *Handle
}

// Signers returns the signer keys in first-seen order. The first one pays fees.
func (tx *Transaction) Signers() []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{})
	var signers []solana.PublicKey
	for _, ix := range tx.Instructions {
		for _, acc := range ix.Accounts {
			if !acc.IsSigner {
				continue
			}
			if _, ok := seen[acc.PublicKey]; ok {
				continue
			}
			seen[acc.PublicKey] = struct{}{}
			signers = append(signers, acc.PublicKey)
		}
	}
	return signers
}

// ExpiryHeight is the last block height at which the transaction can land,
// or 0 when no handle was assigned.
func (tx *Transaction) ExpiryHeight() uint64 {
	if tx.Handle == nil {
		return 0
	}
	return tx.Handle.LastValidBlockHeight
}

// Keypair holds signing key material. It is only borrowed for the duration
// of Sign and never renders its private half.
type Keypair struct {
	key solana.PrivateKey
}

// NewKeypair wraps a 64-byte ed25519 private key.
func NewKeypair(key solana.PrivateKey) (Keypair, error) {
	if len(key) != 64 {
		return Keypair{}, fmt.Errorf("%w: private key must be 64 bytes, got %d", ErrValidation, len(key))
	}
	return Keypair{key: key}, nil
}

// NewRandomKeypair generates a fresh keypair.
func NewRandomKeypair() (Keypair, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Keypair{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return Keypair{key: key}, nil
}

// PublicKey returns the keypair's public key, or the zero key for a zero
// Keypair.
func (k Keypair) PublicKey() solana.PublicKey {
	if !k.valid() {
		return solana.PublicKey{}
	}
	return k.key.PublicKey()
}

func (k Keypair) valid() bool {
	return len(k.key) == 64
}

func (k Keypair) String() string {
	return "Keypair(" + k.PublicKey().String() + ")"
}

// LogValue keeps private key bytes out of structured logs.
func (k Keypair) LogValue() slog.Value {
	return slog.StringValue(k.PublicKey().String())
}

func (k Keypair) sign(message []byte) (solana.Signature, error) {
	if !k.valid() {
		return solana.Signature{}, fmt.Errorf("%w: keypair has no key material", ErrValidation)
	}
	return k.key.Sign(message)
}

// Status is the state of a submitted transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// Outcome is the terminal result of waiting on a submitted transaction.
type Outcome struct {
	Signature  solana.Signature
	Status     Status
	Reason     string             // set for failed and expired outcomes
	Slot       uint64             // slot the transaction landed in, if seen
	Commitment rpc.CommitmentType // commitment that was required
	Reached    rpc.ConfirmationStatusType

	// ExpiryHeight is the last valid block height the wait was bounded by.
	ExpiryHeight uint64

	Polls   int
	Elapsed time.Duration
}

// transactionErrorReason renders the node's error value, e.g.
// {"InstructionError":[0,{"Custom":1}]}.
func transactionErrorReason(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
