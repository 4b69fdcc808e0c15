package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Submitter sends signed transactions to the node.
type Submitter struct {
	client *Client
	opts   rpc.TransactionOpts
}

// NewSubmitter returns a Submitter that runs preflight at the given
// commitment. Preflight turns malformed or unfunded transactions into an
// immediate rejection instead of a silent drop.
func NewSubmitter(client *Client, preflight rpc.CommitmentType) *Submitter {
	if preflight == "" {
		preflight = rpc.CommitmentConfirmed
	}
	return &Submitter{
		client: client,
		opts: rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: preflight,
		},
	}
}

// Submit sends tx and returns its identifier.
//
// The identifier is derived from tx before any I/O and is returned even when
// err is non-nil: an ErrNetwork failure (timeout, dropped connection) does
// not mean the node never received the transaction, so callers must keep
// waiting on the identifier. ErrSubmission means the node refused it.
func (s *Submitter) Submit(ctx context.Context, tx *SignedTransaction) (solana.Signature, error) {
	id := tx.ID()
	logger := s.client.logger.With("signature", id.String())

	returned, err := s.client.sendTransaction(ctx, tx.wire, s.opts)
	if err != nil {
		if isRejection(err) {
			reason := rejectionReason(err)
			s.client.metrics.RecordSubmission("rejected")
			logger.WarnContext(ctx, "node rejected transaction", "reason", reason)
			return id, fmt.Errorf("%w: %s", ErrSubmission, reason)
		}
		s.client.metrics.RecordSubmission("network_error")
		logger.WarnContext(ctx, "send failed, transaction may still land", "error", err)
		return id, fmt.Errorf("%w: send transaction: %v", ErrNetwork, err)
	}

	if returned != id {
		// The node hashed something other than what we signed. Keep our
		// identifier; it is the one the fee payer's signature commits to.
		logger.WarnContext(ctx, "node returned unexpected signature",
			"returned_signature", returned.String(),
		)
	}

	s.client.metrics.RecordSubmission("accepted")
	logger.InfoContext(ctx, "transaction submitted",
		"expiry_height", tx.ExpiryHeight(),
	)
	return id, nil
}
