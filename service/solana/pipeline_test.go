package solana

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleSignerRequest(kp Keypair, signers ...Keypair) Request {
	return Request{
		ProgramID:  testProgramID,
		Accounts:   []AccountReference{{PublicKey: kp.PublicKey(), IsSigner: true, IsWritable: true}},
		Signers:    signers,
		Commitment: rpc.CommitmentConfirmed,
	}
}

func TestPipeline_ConfirmedAfterTwoPolls(t *testing.T) {
	node := newFakeNode()
	node.heightStep = 1
	node.status = func(sig solana.Signature, call int) *rpc.SignatureStatusesResult {
		if call < 2 {
			return nil
		}
		return confirmedAt(rpc.ConfirmationStatusConfirmed)
	}
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, outcome.Status)
	assert.Equal(t, 2, outcome.Polls)
	require.Len(t, node.sent, 1)
	assert.Equal(t, node.sent[0].Signatures[0], outcome.Signature)
}

func TestPipeline_ExpiredWhenNeverSeen(t *testing.T) {
	node := newFakeNode()
	node.lastValidOffset = 2
	node.heightStep = 1
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, outcome.Status)
	assert.Equal(t, 1, node.sendCalls)
}

func TestPipeline_MissingSignerMakesNoNetworkCalls(t *testing.T) {
	node := newFakeNode()
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Run(context.Background(), singleSignerRequest(kp))
	require.ErrorIs(t, err, ErrMissingSigner)
	assert.Nil(t, outcome)
	assert.Equal(t, 0, node.rpcCalls())
}

func TestPipeline_ZeroKeypairMakesNoNetworkCalls(t *testing.T) {
	node := newFakeNode()
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	_, err := p.Run(context.Background(), singleSignerRequest(kp, Keypair{}))
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, node.rpcCalls())
}

func TestPipeline_RejectedSubmissionStopsBeforeWaiting(t *testing.T) {
	node := newFakeNode()
	node.sendErr = &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	_, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
	require.ErrorIs(t, err, ErrSubmission)
	assert.False(t, errors.Is(err, ErrExpired))
	assert.Equal(t, 0, node.statusCalls)
}

func TestPipeline_SendTimeoutButTransactionLanded(t *testing.T) {
	node := newFakeNode()
	node.sendErr = context.DeadlineExceeded
	node.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
		return confirmedAt(rpc.ConfirmationStatusConfirmed)
	}
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, outcome.Status)
	assert.Equal(t, node.sent[0].Signatures[0], outcome.Signature)
}

func TestPipeline_InternalErrorOnSendStillAwaits(t *testing.T) {
	node := newFakeNode()
	node.sendErr = &jsonrpc.RPCError{Code: -32603, Message: "Internal error"}
	node.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
		return confirmedAt(rpc.ConfirmationStatusConfirmed)
	}
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, outcome.Status)
	assert.Equal(t, node.sent[0].Signatures[0], outcome.Signature)
	assert.Equal(t, 1, node.statusCalls)
}

func TestPipeline_HandleFailure(t *testing.T) {
	node := newFakeNode()
	node.blockhashErr = errors.New("dial tcp 127.0.0.1:8899: connect: connection refused")
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	_, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 0, node.sendCalls)
}

func TestPipeline_NoSignerReferences(t *testing.T) {
	node := newFakeNode()
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	req := Request{
		ProgramID: testProgramID,
		Accounts:  []AccountReference{{PublicKey: kp.PublicKey(), IsWritable: true}},
		Signers:   []Keypair{kp},
	}
	_, err := p.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, node.rpcCalls())
}

func TestPipeline_LandRebuildsAfterExpiry(t *testing.T) {
	node := newFakeNode()
	node.lastValidOffset = 2
	node.heightStep = 1
	node.status = func(sig solana.Signature, call int) *rpc.SignatureStatusesResult {
		// Only the second transaction ever lands. Called with the node lock held.
		if len(node.sent) >= 2 && sig == node.sent[1].Signatures[0] {
			return confirmedAt(rpc.ConfirmationStatusConfirmed)
		}
		return nil
	}
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Land(context.Background(), singleSignerRequest(kp, kp), 2)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, outcome.Status)
	assert.Equal(t, 2, node.blockhashCalls, "each rebuild must fetch a fresh handle")
	require.Len(t, node.sent, 2)
	assert.NotEqual(t, node.sent[0].Message.RecentBlockhash, node.sent[1].Message.RecentBlockhash)
	assert.NotEqual(t, node.sent[0].Signatures[0], node.sent[1].Signatures[0])
}

func TestPipeline_LandObservingSeesEveryRebuiltAttempt(t *testing.T) {
	node := newFakeNode()
	node.lastValidOffset = 1
	node.heightStep = 1
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	var rebuilt []*Outcome
	outcome, err := p.LandObserving(context.Background(), singleSignerRequest(kp, kp), 2, func(o *Outcome) {
		rebuilt = append(rebuilt, o)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, outcome.Status)

	require.Len(t, node.sent, 3)
	require.Len(t, rebuilt, 2, "the final outcome is returned, not observed")
	for i, o := range rebuilt {
		assert.Equal(t, StatusExpired, o.Status)
		assert.Equal(t, node.sent[i].Signatures[0], o.Signature)
	}
	assert.Equal(t, node.sent[2].Signatures[0], outcome.Signature)
}

func TestPipeline_LandWithoutRebuildsReturnsExpired(t *testing.T) {
	node := newFakeNode()
	node.lastValidOffset = 1
	node.heightStep = 1
	p := NewPipeline(newTestClient(node), fastWaiterConfig)
	kp := mustKeypair(t)

	outcome, err := p.Land(context.Background(), singleSignerRequest(kp, kp), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, outcome.Status)
	assert.Equal(t, 1, node.sendCalls)
}

func TestPipeline_LandDoesNotRebuildWhileHandleMayStillLand(t *testing.T) {
	node := newFakeNode() // height stays at 1000, handle valid to 1150
	p := NewPipeline(newTestClient(node), WaiterConfig{
		BlockInterval:       time.Millisecond,
		InitialPollInterval: time.Millisecond,
		MaxPollInterval:     time.Millisecond,
	})
	kp := mustKeypair(t)

	outcome, err := p.Land(context.Background(), singleSignerRequest(kp, kp), 1)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Nil(t, outcome)
	assert.Equal(t, 1, node.sendCalls)
	assert.Equal(t, 1, node.blockhashCalls)
}

func TestPipeline_ConcurrentRunsAreIndependent(t *testing.T) {
	node := newFakeNode()
	node.status = func(solana.Signature, int) *rpc.SignatureStatusesResult {
		return confirmedAt(rpc.ConfirmationStatusConfirmed)
	}
	p := NewPipeline(newTestClient(node), fastWaiterConfig)

	const runs = 16
	results := make([]*Outcome, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp := mustKeypair(t)
			outcome, err := p.Run(context.Background(), singleSignerRequest(kp, kp))
			assert.NoError(t, err)
			results[i] = outcome
		}(i)
	}
	wg.Wait()

	seen := make(map[solana.Signature]struct{})
	for _, o := range results {
		require.NotNil(t, o)
		assert.Equal(t, StatusConfirmed, o.Status)
		seen[o.Signature] = struct{}{}
	}
	assert.Len(t, seen, runs)
}
