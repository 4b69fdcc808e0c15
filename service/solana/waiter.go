package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txlander/service/retry/backoff"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Waiter defaults.
const (
	// DefaultBlockInterval is the estimated time between blocks, used to turn
	// a remaining block-height window into a wall-clock deadline.
	DefaultBlockInterval = 400 * time.Millisecond

	// DefaultInitialPollInterval is the first backoff delay.
	DefaultInitialPollInterval = 500 * time.Millisecond

	// DefaultMaxPollInterval caps the backoff.
	DefaultMaxPollInterval = 4 * time.Second

	// maxBlockhashAge is how many blocks a blockhash stays valid. It bounds the
	// wait before the first block height is known.
	maxBlockhashAge = 151

	// commitmentLagBlocks gives a transaction that was already seen time to
	// climb to the required commitment after its blockhash expired.
	commitmentLagBlocks = 32
)

// WaiterConfig tunes polling.
type WaiterConfig struct {
	BlockInterval       time.Duration
	InitialPollInterval time.Duration
	MaxPollInterval     time.Duration
}

func (c WaiterConfig) withDefaults() WaiterConfig {
	if c.BlockInterval <= 0 {
		c.BlockInterval = DefaultBlockInterval
	}
	if c.InitialPollInterval <= 0 {
		c.InitialPollInterval = DefaultInitialPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.MaxPollInterval < c.InitialPollInterval {
		c.MaxPollInterval = c.InitialPollInterval
	}
	return c
}

// Waiter polls the node until a submitted transaction reaches a terminal state.
type Waiter struct {
	client  *Client
	config  WaiterConfig
	backoff backoff.Strategy
}

// NewWaiter returns a Waiter. Zero config fields take defaults.
func NewWaiter(client *Client, config WaiterConfig) *Waiter {
	config = config.withDefaults()
	return &Waiter{
		client:  client,
		config:  config,
		backoff: backoff.Capped(backoff.BinaryExponential(config.InitialPollInterval), config.MaxPollInterval),
	}
}

// AwaitConfirmation polls until sig reaches a terminal state:
//
//   - the node reports an execution error: Failed, whatever the height;
//   - the node reports commitment at or above required: Confirmed;
//   - the chain passes expiryHeight and the node has no status: Expired.
//
// Expired is only returned after a block height above expiryHeight was read
// in the same poll that found no status. The wait is bounded by a deadline
// derived from the remaining block window; when it passes first, the error
// wraps ErrOutcomeUnknown. Transient RPC errors are retried. A cancelled ctx
// also returns an error. In both error cases no outcome is known.
func (w *Waiter) AwaitConfirmation(
	ctx context.Context,
	sig solana.Signature,
	expiryHeight uint64,
	required rpc.CommitmentType,
) (*Outcome, error) {
	if required == "" {
		required = rpc.CommitmentConfirmed
	}
	logger := w.client.logger.With(
		"signature", sig.String(),
		"expiry_height", expiryHeight,
		"commitment", string(required),
	)

	start := time.Now()
	deadline := start.Add(w.blocks(maxBlockhashAge + commitmentLagBlocks))
	heightKnown := false
	var lastHeight uint64

	finish := func(o *Outcome) (*Outcome, error) {
		o.Signature = sig
		o.Commitment = required
		o.ExpiryHeight = expiryHeight
		o.Elapsed = time.Since(start)
		w.client.metrics.RecordOutcome(string(o.Status), string(required), o.Elapsed.Seconds(), o.Polls)
		logger.InfoContext(ctx, "transaction reached terminal state",
			"status", string(o.Status),
			"reason", o.Reason,
			"slot", o.Slot,
			"polls", o.Polls,
			"elapsed", o.Elapsed,
		)
		return o, nil
	}

	var seen *rpc.SignatureStatusesResult
	for attempt := uint(1); ; attempt++ {
		// Read the height before the status: if the height is already past
		// expiry, the status read below is the final check.
		height, heightErr := w.client.blockHeight(ctx, required)
		if heightErr != nil {
			w.client.metrics.RecordRPCRetry("getBlockHeight", "error")
			logger.WarnContext(ctx, "failed to get block height", "attempt", attempt, "error", heightErr)
		} else {
			lastHeight = height
			if !heightKnown {
				heightKnown = true
				remaining := uint64(0)
				if expiryHeight >= height {
					remaining = expiryHeight - height + 1
				}
				if d := start.Add(w.blocks(remaining + commitmentLagBlocks)); d.Before(deadline) {
					deadline = d
				}
			}
		}

		status, statusErr := w.client.signatureStatus(ctx, sig)
		if statusErr != nil {
			w.client.metrics.RecordRPCRetry("getSignatureStatuses", "error")
			logger.WarnContext(ctx, "failed to get signature status", "attempt", attempt, "error", statusErr)
		}

		if statusErr == nil && status != nil {
			seen = status
			if status.Err != nil {
				return finish(&Outcome{
					Status:  StatusFailed,
					Reason:  transactionErrorReason(status.Err),
					Slot:    status.Slot,
					Reached: status.ConfirmationStatus,
					Polls:   int(attempt),
				})
			}
			if meetsCommitment(status, required) {
				return finish(&Outcome{
					Status:  StatusConfirmed,
					Slot:    status.Slot,
					Reached: reachedCommitment(status),
					Polls:   int(attempt),
				})
			}
			logger.DebugContext(ctx, "transaction seen below required commitment",
				"reached", string(reachedCommitment(status)),
				"slot", status.Slot,
			)
		}

		if statusErr == nil && status == nil && heightErr == nil && height > expiryHeight {
			return finish(&Outcome{
				Status: StatusExpired,
				Reason: fmt.Sprintf("block height %d exceeded last valid block height %d", height, expiryHeight),
				Polls:  int(attempt),
			})
		}

		if !time.Now().Before(deadline) {
			// The blockhash may still be valid, or the transaction was seen
			// and could still climb. Either way it can land, so this is not
			// Expired.
			var err error
			switch {
			case seen != nil:
				err = fmt.Errorf("%w: %s seen at commitment %q, wanted %q", ErrOutcomeUnknown, sig, reachedCommitment(seen), required)
			case !heightKnown:
				err = fmt.Errorf("%w: %s not seen and block height unavailable", ErrOutcomeUnknown, sig)
			default:
				err = fmt.Errorf("%w: %s not seen, last block height %d has not passed %d", ErrOutcomeUnknown, sig, lastHeight, expiryHeight)
			}
			w.client.metrics.RecordOutcome("unknown", string(required), time.Since(start).Seconds(), int(attempt))
			logger.WarnContext(ctx, "confirmation deadline passed without a terminal state",
				"last_height", lastHeight,
				"polls", attempt,
				"error", err,
			)
			return nil, err
		}

		delay := w.backoff(attempt)
		if until := time.Until(deadline); until < delay {
			delay = until
		}
		logger.DebugContext(ctx, "transaction pending", "attempt", attempt, "next_poll_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.WarnContext(ctx, "stopped waiting for confirmation", "error", ctx.Err())
			return nil, fmt.Errorf("await confirmation of %s: %w", sig, ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Waiter) blocks(n uint64) time.Duration {
	return time.Duration(n) * w.config.BlockInterval
}

var commitmentRank = map[rpc.ConfirmationStatusType]int{
	rpc.ConfirmationStatusProcessed: 1,
	rpc.ConfirmationStatusConfirmed: 2,
	rpc.ConfirmationStatusFinalized: 3,
}

// reachedCommitment normalises a status. Older nodes omit confirmationStatus;
// a nil confirmation count then means the slot is rooted.
func reachedCommitment(s *rpc.SignatureStatusesResult) rpc.ConfirmationStatusType {
	if s.ConfirmationStatus != "" {
		return s.ConfirmationStatus
	}
	if s.Confirmations == nil {
		return rpc.ConfirmationStatusFinalized
	}
	if *s.Confirmations >= 1 {
		return rpc.ConfirmationStatusConfirmed
	}
	return rpc.ConfirmationStatusProcessed
}

func meetsCommitment(s *rpc.SignatureStatusesResult, required rpc.CommitmentType) bool {
	want, ok := commitmentRank[rpc.ConfirmationStatusType(required)]
	if !ok {
		want = commitmentRank[rpc.ConfirmationStatusConfirmed]
	}
	return commitmentRank[reachedCommitment(s)] >= want
}

// ParseCommitment maps a config string onto a commitment level.
func ParseCommitment(s string) (rpc.CommitmentType, error) {
	switch rpc.CommitmentType(s) {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return rpc.CommitmentType(s), nil
	}
	return "", fmt.Errorf("unknown commitment %q (want processed, confirmed or finalized)", s)
}

// LogValue groups the fields worth logging for an outcome.
func (o *Outcome) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("signature", o.Signature.String()),
		slog.String("status", string(o.Status)),
		slog.String("reason", o.Reason),
		slog.Uint64("slot", o.Slot),
	)
}
