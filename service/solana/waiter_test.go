package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSignature = solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")

func TestAwaitConfirmation(t *testing.T) {
	failure := map[string]interface{}{"InstructionError": []interface{}{0, map[string]interface{}{"Custom": 1}}}

	tests := []struct {
		name       string
		setup      func(n *fakeNode)
		expiry     uint64
		commitment rpc.CommitmentType
		wantStatus Status
		wantPolls  int
		wantReason string
	}{
		{
			name: "confirmed after two polls",
			setup: func(n *fakeNode) {
				n.heightStep = 1
				n.status = func(sig solana.Signature, call int) *rpc.SignatureStatusesResult {
					if call < 2 {
						return nil
					}
					return confirmedAt(rpc.ConfirmationStatusConfirmed)
				}
			},
			expiry:     1150,
			commitment: rpc.CommitmentConfirmed,
			wantStatus: StatusConfirmed,
			wantPolls:  2,
		},
		{
			name: "finalized satisfies confirmed",
			setup: func(n *fakeNode) {
				n.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
					return confirmedAt(rpc.ConfirmationStatusFinalized)
				}
			},
			expiry:     1150,
			commitment: rpc.CommitmentConfirmed,
			wantStatus: StatusConfirmed,
			wantPolls:  1,
		},
		{
			name: "processed climbs to finalized",
			setup: func(n *fakeNode) {
				n.status = func(sig solana.Signature, call int) *rpc.SignatureStatusesResult {
					switch {
					case call < 2:
						return confirmedAt(rpc.ConfirmationStatusProcessed)
					case call < 4:
						return confirmedAt(rpc.ConfirmationStatusConfirmed)
					}
					return confirmedAt(rpc.ConfirmationStatusFinalized)
				}
			},
			expiry:     1150,
			commitment: rpc.CommitmentFinalized,
			wantStatus: StatusConfirmed,
			wantPolls:  4,
		},
		{
			name: "never seen and height passes expiry",
			setup: func(n *fakeNode) {
				n.heightStep = 1
			},
			expiry:     1002,
			commitment: rpc.CommitmentConfirmed,
			wantStatus: StatusExpired,
			wantPolls:  4, // heights 1000, 1001, 1002, 1003
			wantReason: "block height 1003 exceeded last valid block height 1002",
		},
		{
			name: "execution failure wins regardless of height",
			setup: func(n *fakeNode) {
				n.height = 5000
				n.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
					return &rpc.SignatureStatusesResult{Slot: 7, Err: failure, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
				}
			},
			expiry:     1002,
			commitment: rpc.CommitmentFinalized,
			wantStatus: StatusFailed,
			wantPolls:  1,
			wantReason: `{"InstructionError":[0,{"Custom":1}]}`,
		},
		{
			name: "transient errors are retried",
			setup: func(n *fakeNode) {
				n.statusErrs = []error{errors.New("502 bad gateway"), errors.New("timeout")}
				n.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
					return confirmedAt(rpc.ConfirmationStatusConfirmed)
				}
			},
			expiry:     1150,
			commitment: rpc.CommitmentConfirmed,
			wantStatus: StatusConfirmed,
			wantPolls:  3,
		},
		{
			name: "status found after expiry still confirms",
			setup: func(n *fakeNode) {
				n.height = 2000
				n.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
					return confirmedAt(rpc.ConfirmationStatusConfirmed)
				}
			},
			expiry:     1002,
			commitment: rpc.CommitmentConfirmed,
			wantStatus: StatusConfirmed,
			wantPolls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode()
			tt.setup(node)
			w := NewWaiter(newTestClient(node), fastWaiterConfig)

			outcome, err := w.AwaitConfirmation(context.Background(), testSignature, tt.expiry, tt.commitment)
			require.NoError(t, err)
			require.NotNil(t, outcome)

			assert.Equal(t, tt.wantStatus, outcome.Status)
			assert.Equal(t, testSignature, outcome.Signature)
			assert.Equal(t, tt.commitment, outcome.Commitment)
			assert.Equal(t, tt.wantPolls, outcome.Polls)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, outcome.Reason)
			}
			assert.True(t, outcome.Status.Terminal())
		})
	}
}

func TestAwaitConfirmation_Idempotent(t *testing.T) {
	node := newFakeNode()
	node.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
		return confirmedAt(rpc.ConfirmationStatusConfirmed)
	}
	w := NewWaiter(newTestClient(node), fastWaiterConfig)

	for i := 0; i < 2; i++ {
		outcome, err := w.AwaitConfirmation(context.Background(), testSignature, 1150, rpc.CommitmentConfirmed)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, outcome.Status)
	}
	assert.Equal(t, 0, node.sendCalls)
}

func TestAwaitConfirmation_DeadlineWithoutHeightProgress(t *testing.T) {
	node := newFakeNode() // height stays at 1000, below expiry
	w := NewWaiter(newTestClient(node), WaiterConfig{
		BlockInterval:       time.Millisecond,
		InitialPollInterval: time.Millisecond,
		MaxPollInterval:     time.Millisecond,
	})

	start := time.Now()
	outcome, err := w.AwaitConfirmation(context.Background(), testSignature, 1002, rpc.CommitmentConfirmed)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.False(t, errors.Is(err, ErrExpired))
	assert.Contains(t, err.Error(), "last block height 1000 has not passed 1002")
	assert.Nil(t, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitConfirmation_DeadlineWhenHeightUnavailable(t *testing.T) {
	node := newFakeNode()
	node.heightErr = errors.New("connection refused")
	w := NewWaiter(newTestClient(node), WaiterConfig{
		BlockInterval:       time.Millisecond,
		InitialPollInterval: time.Millisecond,
		MaxPollInterval:     5 * time.Millisecond,
	})

	outcome, err := w.AwaitConfirmation(context.Background(), testSignature, 1002, rpc.CommitmentConfirmed)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Contains(t, err.Error(), "block height unavailable")
	assert.Nil(t, outcome)
}

func TestAwaitConfirmation_SeenButNeverReachesCommitment(t *testing.T) {
	node := newFakeNode()
	node.heightStep = 1
	node.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
		return confirmedAt(rpc.ConfirmationStatusProcessed)
	}
	w := NewWaiter(newTestClient(node), WaiterConfig{
		BlockInterval:       time.Millisecond,
		InitialPollInterval: time.Millisecond,
		MaxPollInterval:     time.Millisecond,
	})

	// Seen means landed: never Expired, even once the height is past expiry.
	outcome, err := w.AwaitConfirmation(context.Background(), testSignature, 1002, rpc.CommitmentFinalized)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Contains(t, err.Error(), `seen at commitment "processed"`)
	assert.Nil(t, outcome)
}

func TestAwaitConfirmation_Cancelled(t *testing.T) {
	node := newFakeNode()
	w := NewWaiter(newTestClient(node), WaiterConfig{
		BlockInterval:       time.Second,
		InitialPollInterval: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome, err := w.AwaitConfirmation(ctx, testSignature, 1150, rpc.CommitmentConfirmed)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, outcome)
}

func TestReachedCommitment_LegacyNodes(t *testing.T) {
	zero, one := uint64(0), uint64(1)

	assert.Equal(t, rpc.ConfirmationStatusFinalized, reachedCommitment(&rpc.SignatureStatusesResult{}))
	assert.Equal(t, rpc.ConfirmationStatusConfirmed, reachedCommitment(&rpc.SignatureStatusesResult{Confirmations: &one}))
	assert.Equal(t, rpc.ConfirmationStatusProcessed, reachedCommitment(&rpc.SignatureStatusesResult{Confirmations: &zero}))
}

func TestParseCommitment(t *testing.T) {
	for _, s := range []string{"processed", "confirmed", "finalized"} {
		c, err := ParseCommitment(s)
		require.NoError(t, err)
		assert.Equal(t, rpc.CommitmentType(s), c)
	}
	_, err := ParseCommitment("max")
	assert.Error(t, err)
}
