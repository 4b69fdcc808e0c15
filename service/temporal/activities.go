package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.temporal.io/sdk/activity"
	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/report"
	"github.com/brojonat/txlander/service/solana"
)

// AccountInput is one account reference in workflow history.
type AccountInput struct {
	PublicKey  string `json:"public_key"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// FetchHandleResult contains the freshness handle returned by FetchHandle.
type FetchHandleResult struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// BuildSignSubmitInput contains parameters for the BuildSignSubmit activity.
// Only public keys travel through workflow history; the worker holds the
// private halves.
type BuildSignSubmitInput struct {
	ProgramID            string         `json:"program_id"`
	Accounts             []AccountInput `json:"accounts"`
	Data                 []byte         `json:"data,omitempty"`
	Blockhash            string         `json:"blockhash"`
	LastValidBlockHeight uint64         `json:"last_valid_block_height"`
	Commitment           string         `json:"commitment"`
}

// BuildSignSubmitResult contains the identifier of the submitted transaction.
type BuildSignSubmitResult struct {
	Signature string `json:"signature"`
	FeePayer  string `json:"fee_payer"`

	// SubmitError is set when the send failed in transit. The transaction
	// may still have reached the node, so the workflow keeps waiting on it.
	SubmitError string `json:"submit_error,omitempty"`
}

// AwaitConfirmationInput contains parameters for the AwaitConfirmation activity.
type AwaitConfirmationInput struct {
	Signature            string `json:"signature"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
	Commitment           string `json:"commitment"`
}

// AwaitConfirmationResult is the terminal outcome of one submission.
type AwaitConfirmationResult struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
	Reached   string `json:"reached,omitempty"`
	Polls     int    `json:"polls"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// ReportOutcomeInput contains parameters for the ReportOutcome activity.
type ReportOutcomeInput struct {
	Signature            string                  `json:"signature"`
	ProgramID            string                  `json:"program_id"`
	FeePayer             string                  `json:"fee_payer"`
	LastValidBlockHeight uint64                  `json:"last_valid_block_height"`
	Commitment           string                  `json:"commitment"`
	Outcome              AwaitConfirmationResult `json:"outcome"`

	// Final marks the last report of a workflow run.
	Final             bool  `json:"final"`
	WorkflowElapsedMS int64 `json:"workflow_elapsed_ms,omitempty"`
}

// HandleFetcher fetches freshness handles. *solana.HandleProvider satisfies it.
type HandleFetcher interface {
	FetchHandle(ctx context.Context) (solana.Handle, error)
}

// TransactionSubmitter sends signed transactions. *solana.Submitter satisfies it.
type TransactionSubmitter interface {
	Submit(ctx context.Context, tx *solana.SignedTransaction) (solanago.Signature, error)
}

// ConfirmationAwaiter waits for terminal outcomes. *solana.Waiter satisfies it.
type ConfirmationAwaiter interface {
	AwaitConfirmation(ctx context.Context, sig solanago.Signature, expiryHeight uint64, required rpc.CommitmentType) (*solana.Outcome, error)
}

// SubmissionRecorder persists submissions as they are sent. *db.Store satisfies it.
type SubmissionRecorder interface {
	RecordSubmission(ctx context.Context, params db.RecordSubmissionParams) (*db.Submission, error)
}

// OutcomeReporter turns outcomes into results. *report.Reporter satisfies it.
type OutcomeReporter interface {
	ReportWith(ctx context.Context, outcome *solana.Outcome, meta report.Meta) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	handles   HandleFetcher
	submitter TransactionSubmitter
	waiter    ConfirmationAwaiter
	keyring   *Keyring
	store     SubmissionRecorder
	reporter  OutcomeReporter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	heartbeatInterval time.Duration
}

// NewActivities creates a new Activities instance with explicit dependencies.
// store and reporter may be nil. If metrics is nil, no metrics will be recorded.
func NewActivities(
	handles HandleFetcher,
	submitter TransactionSubmitter,
	waiter ConfirmationAwaiter,
	keyring *Keyring,
	store SubmissionRecorder,
	reporter OutcomeReporter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	if keyring == nil {
		keyring = NewKeyring()
	}
	return &Activities{
		handles:           handles,
		submitter:         submitter,
		waiter:            waiter,
		keyring:           keyring,
		store:             store,
		reporter:          reporter,
		metrics:           m,
		logger:            logger,
		heartbeatInterval: 10 * time.Second,
	}
}

// FetchHandle activity returns a fresh blockhash handle.
func (a *Activities) FetchHandle(ctx context.Context) (*FetchHandleResult, error) {
	start := time.Now()
	defer func() { a.metrics.RecordActivityDuration("FetchHandle", time.Since(start).Seconds()) }()

	h, err := a.handles.FetchHandle(ctx)
	if err != nil {
		return nil, err
	}
	return &FetchHandleResult{
		Blockhash:            h.Blockhash.String(),
		LastValidBlockHeight: h.LastValidBlockHeight,
	}, nil
}

// BuildSignSubmit activity builds the transaction against the given handle,
// signs it with the worker's keys and sends it.
//
// Signing is deterministic, so a retried attempt resends the same bytes
// under the same identifier. Errors that a retry cannot fix are returned
// as non-retryable application errors typed by their kind.
func (a *Activities) BuildSignSubmit(ctx context.Context, input BuildSignSubmitInput) (*BuildSignSubmitResult, error) {
	start := time.Now()
	defer func() { a.metrics.RecordActivityDuration("BuildSignSubmit", time.Since(start).Seconds()) }()

	programID, accounts, err := parseInstruction(input.ProgramID, input.Accounts)
	if err != nil {
		return nil, nonRetryable(err)
	}
	blockhash, err := solanago.HashFromBase58(input.Blockhash)
	if err != nil {
		return nil, nonRetryable(fmt.Errorf("%w: invalid blockhash %q: %v", solana.ErrValidation, input.Blockhash, err))
	}
	handle := solana.Handle{Blockhash: blockhash, LastValidBlockHeight: input.LastValidBlockHeight}

	tx, err := solana.Build(programID, accounts, input.Data, handle)
	if err != nil {
		return nil, nonRetryable(err)
	}
	signed, err := solana.Sign(tx, a.keyring.Keypairs()...)
	if err != nil {
		return nil, nonRetryable(err)
	}

	id := signed.ID()
	feePayer := tx.Signers()[0].String()
	if a.store != nil {
		_, recErr := a.store.RecordSubmission(ctx, db.RecordSubmissionParams{
			Signature:            id.String(),
			ProgramID:            programID.String(),
			FeePayer:             feePayer,
			LastValidBlockHeight: int64(handle.LastValidBlockHeight),
			Commitment:           input.Commitment,
		})
		if recErr != nil {
			a.logger.WarnContext(ctx, "failed to record submission", "signature", id.String(), "error", recErr)
		}
	}

	result := &BuildSignSubmitResult{Signature: id.String(), FeePayer: feePayer}
	if _, err := a.submitter.Submit(ctx, signed); err != nil {
		if !errors.Is(err, solana.ErrNetwork) {
			return nil, nonRetryable(err)
		}
		a.logger.WarnContext(ctx, "submit failed in transit, waiting on identifier anyway",
			"signature", id.String(),
			"error", err,
		)
		result.SubmitError = err.Error()
	}

	return result, nil
}

// AwaitConfirmation activity polls until the submission reaches a terminal
// state, heartbeating while it waits.
func (a *Activities) AwaitConfirmation(ctx context.Context, input AwaitConfirmationInput) (*AwaitConfirmationResult, error) {
	start := time.Now()
	defer func() { a.metrics.RecordActivityDuration("AwaitConfirmation", time.Since(start).Seconds()) }()

	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nil, nonRetryable(fmt.Errorf("%w: invalid signature %q: %v", solana.ErrValidation, input.Signature, err))
	}
	commitment, err := solana.ParseCommitment(input.Commitment)
	if err != nil {
		return nil, nonRetryable(fmt.Errorf("%w: %v", solana.ErrValidation, err))
	}

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, input.Signature)
			}
		}
	}()

	outcome, err := a.waiter.AwaitConfirmation(ctx, sig, input.LastValidBlockHeight, commitment)
	if err != nil {
		return nil, err
	}

	return &AwaitConfirmationResult{
		Status:    string(outcome.Status),
		Reason:    outcome.Reason,
		Slot:      outcome.Slot,
		Reached:   string(outcome.Reached),
		Polls:     outcome.Polls,
		ElapsedMS: outcome.Elapsed.Milliseconds(),
	}, nil
}

// ReportOutcome activity hands the outcome to the reporter. Failed and
// Expired outcomes are reported as errors by the reporter; that is the
// expected mapping and does not fail the activity.
func (a *Activities) ReportOutcome(ctx context.Context, input ReportOutcomeInput) error {
	start := time.Now()
	defer func() { a.metrics.RecordActivityDuration("ReportOutcome", time.Since(start).Seconds()) }()

	if input.Final {
		a.metrics.RecordWorkflowDuration(input.Outcome.Status, float64(input.WorkflowElapsedMS)/1000)
	}

	if a.reporter == nil {
		a.logger.InfoContext(ctx, "transaction outcome",
			"signature", input.Signature,
			"status", input.Outcome.Status,
			"reason", input.Outcome.Reason,
		)
		return nil
	}

	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nonRetryable(fmt.Errorf("%w: invalid signature %q: %v", solana.ErrValidation, input.Signature, err))
	}
	outcome := &solana.Outcome{
		Signature:  sig,
		Status:     solana.Status(input.Outcome.Status),
		Reason:     input.Outcome.Reason,
		Slot:       input.Outcome.Slot,
		Commitment: rpc.CommitmentType(input.Commitment),
		Reached:    rpc.ConfirmationStatusType(input.Outcome.Reached),
		Polls:      input.Outcome.Polls,
		Elapsed:    time.Duration(input.Outcome.ElapsedMS) * time.Millisecond,
	}
	meta := report.Meta{
		ProgramID:            input.ProgramID,
		FeePayer:             input.FeePayer,
		LastValidBlockHeight: input.LastValidBlockHeight,
	}

	err = a.reporter.ReportWith(ctx, outcome, meta)
	if err == nil || errors.Is(err, solana.ErrFailed) || errors.Is(err, solana.ErrExpired) {
		return nil
	}
	return nonRetryable(err)
}

func parseInstruction(program string, accounts []AccountInput) (solanago.PublicKey, []solana.AccountReference, error) {
	programID, err := solanago.PublicKeyFromBase58(program)
	if err != nil {
		return solanago.PublicKey{}, nil, fmt.Errorf("%w: invalid program id %q: %v", solana.ErrValidation, program, err)
	}
	refs := make([]solana.AccountReference, 0, len(accounts))
	for _, acc := range accounts {
		pk, err := solanago.PublicKeyFromBase58(acc.PublicKey)
		if err != nil {
			return solanago.PublicKey{}, nil, fmt.Errorf("%w: invalid account %q: %v", solana.ErrValidation, acc.PublicKey, err)
		}
		refs = append(refs, solana.AccountReference{PublicKey: pk, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable})
	}
	return programID, refs, nil
}

// nonRetryable wraps err so Temporal does not retry it. The error type is
// the error's kind, e.g. "missing_signer" or "submission".
func nonRetryable(err error) error {
	return temporalsdk.NewNonRetryableApplicationError(err.Error(), report.Kind(err), err)
}
