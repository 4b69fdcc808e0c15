package solana

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Error kinds surfaced by the landing pipeline. Components wrap these with
// context; callers classify with errors.Is.
var (
	// ErrNetwork means the node was unreachable, timed out, or answered with
	// something unusable. The whole workflow may be retried with a fresh handle.
	ErrNetwork = errors.New("network error")

	// ErrValidation means the caller assembled an invalid transaction.
	ErrValidation = errors.New("invalid transaction")

	// ErrMissingSigner means a signer reference had no matching keypair.
	ErrMissingSigner = errors.New("missing signer")

	// ErrSubmission means the node rejected the transaction outright.
	ErrSubmission = errors.New("transaction rejected")

	// ErrExpired means the blockhash window lapsed without the transaction
	// being observed. Retry only with a newly built transaction.
	ErrExpired = errors.New("transaction expired")

	// ErrFailed means the transaction executed and the program reported an error.
	ErrFailed = errors.New("transaction failed")

	// ErrOutcomeUnknown means the wait ended before the node showed a terminal
	// state. The transaction may still land, so it must not be rebuilt; await
	// the same signature again instead.
	ErrOutcomeUnknown = errors.New("confirmation outcome unknown")
)

// MissingSignerError lists every signer reference that had no keypair.
type MissingSignerError struct {
	Missing []solana.PublicKey
}

func (e *MissingSignerError) Error() string {
	keys := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		keys[i] = k.String()
	}
	return fmt.Sprintf("%s: no keypair for %s", ErrMissingSigner, strings.Join(keys, ", "))
}

// Is reports whether target is ErrMissingSigner.
func (e *MissingSignerError) Is(target error) bool {
	return target == ErrMissingSigner
}
