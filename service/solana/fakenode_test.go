package solana

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// fakeNode implements RPCClient for testing.
// The chain height advances by heightStep on every getBlockHeight call.
type fakeNode struct {
	mu sync.Mutex

	height          uint64
	heightStep      uint64
	lastValidOffset uint64

	// status reports the node's view of sig on the n-th status call (1-based).
	// nil means the node never sees anything.
	status func(sig solana.Signature, call int) *rpc.SignatureStatusesResult

	blockhashErr error
	sendErr      error
	statusErrs   []error // consumed one per call before status is consulted
	heightErr    error

	blockhashCalls int
	sendCalls      int
	statusCalls    int
	heightCalls    int
	sent           []*solana.Transaction
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		height:          1000,
		lastValidOffset: 150,
	}
}

func (f *fakeNode) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashCalls++
	if f.blockhashErr != nil {
		return nil, f.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{byte(f.blockhashCalls), 0xAB},
			LastValidBlockHeight: f.height + f.lastValidOffset,
		},
	}, nil
}

func (f *fakeNode) SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return tx.Signatures[0], nil
}

func (f *fakeNode) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	if f.status != nil {
		for i, sig := range sigs {
			out.Value[i] = f.status(sig, f.statusCalls)
		}
	}
	return out, nil
}

func (f *fakeNode) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heightCalls++
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	h := f.height
	f.height += f.heightStep
	return h, nil
}

func (f *fakeNode) rpcCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhashCalls + f.sendCalls + f.statusCalls + f.heightCalls
}

func confirmedAt(level rpc.ConfirmationStatusType) *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{Slot: 4242, ConfirmationStatus: level}
}

func newTestClient(node RPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(node, "test", nil, logger)
}

// fastWaiterConfig keeps polling tests in the millisecond range.
var fastWaiterConfig = WaiterConfig{
	BlockInterval:       10 * time.Millisecond,
	InitialPollInterval: time.Millisecond,
	MaxPollInterval:     2 * time.Millisecond,
}

var testProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

func mustKeypair(t interface{ Fatalf(string, ...interface{}) }) Keypair {
	kp, err := NewRandomKeypair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	return kp
}

func testHandle() Handle {
	return Handle{Blockhash: solana.Hash{1, 2, 3}, LastValidBlockHeight: 1150}
}
