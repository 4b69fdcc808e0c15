package temporal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

const (
	testProgramID = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	testSigner    = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

func landInput(maxRebuilds int) LandTransactionInput {
	return LandTransactionInput{
		ProgramID:   testProgramID,
		Accounts:    []AccountInput{{PublicKey: testSigner, IsSigner: true, IsWritable: true}},
		Commitment:  "confirmed",
		MaxRebuilds: maxRebuilds,
	}
}

func newWorkflowEnv() (*testsuite.TestWorkflowEnvironment, *Activities) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.FetchHandle)
	env.RegisterActivity(activities.BuildSignSubmit)
	env.RegisterActivity(activities.AwaitConfirmation)
	env.RegisterActivity(activities.ReportOutcome)
	return env, activities
}

func handleResult(n int) *FetchHandleResult {
	return &FetchHandleResult{Blockhash: "handle", LastValidBlockHeight: uint64(1000 + n)}
}

func TestLandTransactionWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		input          LandTransactionInput
		outcomes       []*AwaitConfirmationResult
		wantStatus     string
		wantAttempts   int
		wantErrType    string
		wantReports    int
		wantFinalCount int
	}{
		{
			name:           "confirmed on first attempt",
			input:          landInput(2),
			outcomes:       []*AwaitConfirmationResult{{Status: "confirmed", Slot: 4242, Polls: 2}},
			wantStatus:     "confirmed",
			wantAttempts:   1,
			wantReports:    1,
			wantFinalCount: 1,
		},
		{
			name:  "expired then rebuilt and confirmed",
			input: landInput(1),
			outcomes: []*AwaitConfirmationResult{
				{Status: "expired", Reason: "block height 1002 exceeded last valid block height 1001"},
				{Status: "confirmed", Slot: 5000},
			},
			wantStatus:     "confirmed",
			wantAttempts:   2,
			wantReports:    2,
			wantFinalCount: 1,
		},
		{
			name:           "expired with no rebuilds left",
			input:          landInput(0),
			outcomes:       []*AwaitConfirmationResult{{Status: "expired", Reason: "deadline"}},
			wantStatus:     "expired",
			wantAttempts:   1,
			wantErrType:    ErrTypeTransactionExpired,
			wantReports:    1,
			wantFinalCount: 1,
		},
		{
			name:           "failed is never rebuilt",
			input:          landInput(3),
			outcomes:       []*AwaitConfirmationResult{{Status: "failed", Reason: `{"InstructionError":[0,{"Custom":1}]}`}},
			wantStatus:     "failed",
			wantAttempts:   1,
			wantErrType:    ErrTypeTransactionFailed,
			wantReports:    1,
			wantFinalCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv()

			fetches := 0
			env.OnActivity(activities.FetchHandle, mock.Anything).
				Return(func(_ context.Context) (*FetchHandleResult, error) {
					fetches++
					return handleResult(fetches), nil
				})

			submits := 0
			env.OnActivity(activities.BuildSignSubmit, mock.Anything, mock.Anything).
				Return(func(_ context.Context, in BuildSignSubmitInput) (*BuildSignSubmitResult, error) {
					submits++
					assert.Equal(t, uint64(1000+fetches), in.LastValidBlockHeight, "each attempt must use the handle just fetched")
					return &BuildSignSubmitResult{Signature: fmt.Sprintf("sig-%d", submits), FeePayer: testSigner}, nil
				})

			for _, o := range tt.outcomes {
				env.OnActivity(activities.AwaitConfirmation, mock.Anything, mock.Anything).Return(o, nil).Once()
			}

			var reports []ReportOutcomeInput
			env.OnActivity(activities.ReportOutcome, mock.Anything, mock.Anything).
				Return(func(_ context.Context, in ReportOutcomeInput) error {
					reports = append(reports, in)
					return nil
				})

			env.ExecuteWorkflow(LandTransactionWorkflow, tt.input)
			require.True(t, env.IsWorkflowCompleted())

			if tt.wantErrType == "" {
				require.NoError(t, env.GetWorkflowError())
				var result LandTransactionResult
				require.NoError(t, env.GetWorkflowResult(&result))
				assert.Equal(t, tt.wantStatus, result.Status)
				assert.Equal(t, tt.wantAttempts, result.Attempts)
				assert.Len(t, result.Signatures, tt.wantAttempts)
				assert.Equal(t, result.Signatures[len(result.Signatures)-1], result.Signature)
			} else {
				err := env.GetWorkflowError()
				require.Error(t, err)
				var appErr *temporalsdk.ApplicationError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.wantErrType, appErr.Type())
				assert.True(t, appErr.NonRetryable())
			}

			assert.Equal(t, tt.wantAttempts, fetches)
			assert.Equal(t, tt.wantAttempts, submits)
			require.Len(t, reports, tt.wantReports)
			finals := 0
			for _, r := range reports {
				if r.Final {
					finals++
				}
			}
			assert.Equal(t, tt.wantFinalCount, finals)
			assert.True(t, reports[len(reports)-1].Final)
			assert.Equal(t, tt.wantStatus, reports[len(reports)-1].Outcome.Status)
		})
	}
}

func TestLandTransactionWorkflow_SubmitRejected(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.FetchHandle, mock.Anything).Return(handleResult(1), nil)
	env.OnActivity(activities.BuildSignSubmit, mock.Anything, mock.Anything).
		Return(nil, temporalsdk.NewNonRetryableApplicationError("transaction rejected: Blockhash not found (code -32002)", "submission", nil))

	awaits := 0
	env.OnActivity(activities.AwaitConfirmation, mock.Anything, mock.Anything).
		Return(func(_ context.Context, _ AwaitConfirmationInput) (*AwaitConfirmationResult, error) {
			awaits++
			return &AwaitConfirmationResult{Status: "confirmed"}, nil
		})

	env.ExecuteWorkflow(LandTransactionWorkflow, landInput(2))

	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to submit transaction")
	assert.Equal(t, 0, awaits)
}

func TestLandTransactionWorkflow_SubmitErrorInTransitStillAwaits(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.FetchHandle, mock.Anything).Return(handleResult(1), nil)
	env.OnActivity(activities.BuildSignSubmit, mock.Anything, mock.Anything).
		Return(&BuildSignSubmitResult{Signature: "sig-1", FeePayer: testSigner, SubmitError: "network error: i/o timeout"}, nil)
	env.OnActivity(activities.AwaitConfirmation, mock.Anything, mock.Anything).
		Return(&AwaitConfirmationResult{Status: "confirmed", Slot: 1}, nil)
	env.OnActivity(activities.ReportOutcome, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(LandTransactionWorkflow, landInput(0))

	require.NoError(t, env.GetWorkflowError())
	var result LandTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "sig-1", result.Signature)
	assert.Equal(t, "confirmed", result.Status)
}

func TestLandTransactionWorkflow_ReportFailureKeepsOutcome(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.FetchHandle, mock.Anything).Return(handleResult(1), nil)
	env.OnActivity(activities.BuildSignSubmit, mock.Anything, mock.Anything).
		Return(&BuildSignSubmitResult{Signature: "sig-1", FeePayer: testSigner}, nil)
	env.OnActivity(activities.AwaitConfirmation, mock.Anything, mock.Anything).
		Return(&AwaitConfirmationResult{Status: "confirmed"}, nil)
	env.OnActivity(activities.ReportOutcome, mock.Anything, mock.Anything).
		Return(temporalsdk.NewNonRetryableApplicationError("db down", "unknown", nil))

	env.ExecuteWorkflow(LandTransactionWorkflow, landInput(0))

	require.NoError(t, env.GetWorkflowError())
}

func TestLandTransactionWorkflow_FetchHandleRetries(t *testing.T) {
	env, activities := newWorkflowEnv()

	calls := 0
	env.OnActivity(activities.FetchHandle, mock.Anything).
		Return(func(_ context.Context) (*FetchHandleResult, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("network error: connection refused")
			}
			return handleResult(1), nil
		})
	env.OnActivity(activities.BuildSignSubmit, mock.Anything, mock.Anything).
		Return(&BuildSignSubmitResult{Signature: "sig-1", FeePayer: testSigner}, nil)
	env.OnActivity(activities.AwaitConfirmation, mock.Anything, mock.Anything).
		Return(&AwaitConfirmationResult{Status: "confirmed"}, nil)
	env.OnActivity(activities.ReportOutcome, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(LandTransactionWorkflow, landInput(0))

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, calls)
}

func TestLandTransactionWorkflow_UnknownOutcomeNeverRebuilds(t *testing.T) {
	tests := []struct {
		name       string
		unknowns   int // await attempts that end without a terminal state
		wantErr    bool
		wantAwaits int
	}{
		{name: "retried await confirms", unknowns: 1, wantAwaits: 2},
		{name: "retries exhausted", unknowns: 10, wantErr: true, wantAwaits: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv()

			fetches, submits, awaits := 0, 0, 0
			env.OnActivity(activities.FetchHandle, mock.Anything).
				Return(func(_ context.Context) (*FetchHandleResult, error) {
					fetches++
					return handleResult(fetches), nil
				})
			env.OnActivity(activities.BuildSignSubmit, mock.Anything, mock.Anything).
				Return(func(_ context.Context, _ BuildSignSubmitInput) (*BuildSignSubmitResult, error) {
					submits++
					return &BuildSignSubmitResult{Signature: fmt.Sprintf("sig-%d", submits), FeePayer: testSigner}, nil
				})
			env.OnActivity(activities.AwaitConfirmation, mock.Anything, mock.Anything).
				Return(func(_ context.Context, input AwaitConfirmationInput) (*AwaitConfirmationResult, error) {
					awaits++
					assert.Equal(t, "sig-1", input.Signature)
					if awaits <= tt.unknowns {
						return nil, errors.New("confirmation outcome unknown: sig-1 not seen, last block height 1000 has not passed 1001")
					}
					return &AwaitConfirmationResult{Status: "confirmed"}, nil
				})
			env.OnActivity(activities.ReportOutcome, mock.Anything, mock.Anything).Return(nil)

			env.ExecuteWorkflow(LandTransactionWorkflow, landInput(2))

			if tt.wantErr {
				require.Error(t, env.GetWorkflowError())
				assert.Contains(t, env.GetWorkflowError().Error(), "failed to await confirmation")
			} else {
				require.NoError(t, env.GetWorkflowError())
			}
			assert.Equal(t, 1, fetches)
			assert.Equal(t, 1, submits)
			assert.Equal(t, tt.wantAwaits, awaits)
		})
	}
}

func TestLandTransactionWorkflow_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input LandTransactionInput
		want  string
	}{
		{"missing program", LandTransactionInput{Accounts: landInput(0).Accounts}, "program_id is required"},
		{"no accounts", LandTransactionInput{ProgramID: testProgramID}, "at least one account"},
		{"negative rebuilds", func() LandTransactionInput { in := landInput(0); in.MaxRebuilds = -1; return in }(), "cannot be negative"},
		{"bad commitment", func() LandTransactionInput { in := landInput(0); in.Commitment = "eventually"; return in }(), "unknown commitment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := newWorkflowEnv()
			env.ExecuteWorkflow(LandTransactionWorkflow, tt.input)

			err := env.GetWorkflowError()
			require.Error(t, err)
			var appErr *temporalsdk.ApplicationError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, ErrTypeInvalidInput, appErr.Type())
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResultFromError(t *testing.T) {
	result := LandTransactionResult{Signature: "sig", Status: "expired", Attempts: 3}

	err := temporalsdk.NewNonRetryableApplicationError("expired", ErrTypeTransactionExpired, nil, result)
	got, ok := ResultFromError(fmt.Errorf("workflow: %w", err))
	require.True(t, ok)
	assert.Equal(t, result, got)

	_, ok = ResultFromError(errors.New("plain"))
	assert.False(t, ok)

	_, ok = ResultFromError(temporalsdk.NewApplicationError("no details", "x"))
	assert.False(t, ok)
}
