package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/txlander/service/solana"
)

var a *Activities // for type-safe activity invocation

// Workflow error types for outcomes that did not land.
const (
	ErrTypeTransactionFailed  = "TransactionFailed"
	ErrTypeTransactionExpired = "TransactionExpired"
	ErrTypeInvalidInput       = "InvalidInput"
)

// LandTransactionInput describes a transaction to land durably.
type LandTransactionInput struct {
	ProgramID  string         `json:"program_id"`
	Accounts   []AccountInput `json:"accounts"`
	Data       []byte         `json:"data,omitempty"`
	Commitment string         `json:"commitment"`

	// MaxRebuilds bounds how many times an expired transaction is rebuilt
	// against a fresh handle.
	MaxRebuilds int `json:"max_rebuilds"`
}

// LandTransactionResult contains the result of landing a transaction.
type LandTransactionResult struct {
	Signature  string   `json:"signature"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	Slot       uint64   `json:"slot,omitempty"`
	Attempts   int      `json:"attempts"`
	Signatures []string `json:"signatures"` // every identifier submitted, oldest first
	Error      *string  `json:"error,omitempty"`
}

// LandTransactionWorkflow lands one transaction:
// 1. Fetch a fresh blockhash handle (FetchHandle activity)
// 2. Build, sign and send against it (BuildSignSubmit activity)
// 3. Wait for a terminal outcome (AwaitConfirmation activity)
// 4. Report the outcome (ReportOutcome activity)
//
// An Expired outcome restarts from step 1 up to MaxRebuilds times. The old
// handle can no longer land, so the rebuilt transaction cannot double-execute.
// A wait that ends without a terminal state is an activity error: Temporal
// re-awaits the same signature and the workflow never rebuilds on it.
// Failed and Expired end the workflow with a non-retryable error.
func LandTransactionWorkflow(ctx workflow.Context, input LandTransactionInput) (*LandTransactionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("LandTransactionWorkflow started", "program_id", input.ProgramID, "max_rebuilds", input.MaxRebuilds)

	started := workflow.Now(ctx)
	result := &LandTransactionResult{}

	if err := validateLandInput(&input); err != nil {
		errMsg := err.Error()
		result.Error = &errMsg
		return result, temporalsdk.NewNonRetryableApplicationError(errMsg, ErrTypeInvalidInput, nil)
	}

	shortOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	}
	awaitOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	shortCtx := workflow.WithActivityOptions(ctx, shortOpts)
	awaitCtx := workflow.WithActivityOptions(ctx, awaitOpts)

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		var handle *FetchHandleResult
		if err := workflow.ExecuteActivity(shortCtx, a.FetchHandle).Get(ctx, &handle); err != nil {
			return failed(result, "failed to fetch handle", err)
		}

		var sent *BuildSignSubmitResult
		err := workflow.ExecuteActivity(shortCtx, a.BuildSignSubmit, BuildSignSubmitInput{
			ProgramID:            input.ProgramID,
			Accounts:             input.Accounts,
			Data:                 input.Data,
			Blockhash:            handle.Blockhash,
			LastValidBlockHeight: handle.LastValidBlockHeight,
			Commitment:           input.Commitment,
		}).Get(ctx, &sent)
		if err != nil {
			return failed(result, "failed to submit transaction", err)
		}
		result.Signature = sent.Signature
		result.Signatures = append(result.Signatures, sent.Signature)
		if sent.SubmitError != "" {
			logger.Warn("submit failed in transit, awaiting anyway", "signature", sent.Signature, "error", sent.SubmitError)
		}

		var outcome *AwaitConfirmationResult
		err = workflow.ExecuteActivity(awaitCtx, a.AwaitConfirmation, AwaitConfirmationInput{
			Signature:            sent.Signature,
			LastValidBlockHeight: handle.LastValidBlockHeight,
			Commitment:           input.Commitment,
		}).Get(ctx, &outcome)
		if err != nil {
			return failed(result, "failed to await confirmation", err)
		}
		result.Status = outcome.Status
		result.Reason = outcome.Reason
		result.Slot = outcome.Slot

		final := outcome.Status != string(solana.StatusExpired) || attempt >= input.MaxRebuilds
		err = workflow.ExecuteActivity(shortCtx, a.ReportOutcome, ReportOutcomeInput{
			Signature:            sent.Signature,
			ProgramID:            input.ProgramID,
			FeePayer:             sent.FeePayer,
			LastValidBlockHeight: handle.LastValidBlockHeight,
			Commitment:           input.Commitment,
			Outcome:              *outcome,
			Final:                final,
			WorkflowElapsedMS:    workflow.Now(ctx).Sub(started).Milliseconds(),
		}).Get(ctx, nil)
		if err != nil {
			// The outcome stands even if it could not be reported.
			logger.Error("failed to report outcome", "signature", sent.Signature, "error", err)
		}

		if !final {
			logger.Info("transaction expired, rebuilding", "signature", sent.Signature, "rebuild", attempt+1)
			continue
		}
		break
	}

	logger.Info("LandTransactionWorkflow completed",
		"signature", result.Signature,
		"status", result.Status,
		"attempts", result.Attempts,
	)

	switch solana.Status(result.Status) {
	case solana.StatusConfirmed:
		return result, nil
	case solana.StatusFailed:
		msg := fmt.Sprintf("transaction %s failed: %s", result.Signature, result.Reason)
		result.Error = &msg
		return result, temporalsdk.NewNonRetryableApplicationError(msg, ErrTypeTransactionFailed, nil, *result)
	default:
		msg := fmt.Sprintf("transaction %s expired after %d attempt(s): %s", result.Signature, result.Attempts, result.Reason)
		result.Error = &msg
		return result, temporalsdk.NewNonRetryableApplicationError(msg, ErrTypeTransactionExpired, nil, *result)
	}
}

func validateLandInput(input *LandTransactionInput) error {
	if input.ProgramID == "" {
		return fmt.Errorf("program_id is required")
	}
	if len(input.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	if input.MaxRebuilds < 0 {
		return fmt.Errorf("max_rebuilds cannot be negative")
	}
	if input.Commitment == "" {
		input.Commitment = "confirmed"
	}
	if _, err := solana.ParseCommitment(input.Commitment); err != nil {
		return err
	}
	return nil
}

func failed(result *LandTransactionResult, msg string, err error) (*LandTransactionResult, error) {
	errMsg := fmt.Sprintf("%s: %v", msg, err)
	result.Error = &errMsg
	return result, fmt.Errorf("%s: %w", msg, err)
}
