package main

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	solanasvc "github.com/brojonat/txlander/service/solana"
)

const testProgramID = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

// fakeNode is a minimal in-memory cluster. Every sent transaction is seen
// at the status returned by status; nil means never seen.
type fakeNode struct {
	mu     sync.Mutex
	height uint64
	status func(sig solanago.Signature) *rpc.SignatureStatusesResult
	sent   []*solanago.Transaction
	calls  int
}

func (f *fakeNode) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solanago.Hash{0xCA, 0xFE},
			LastValidBlockHeight: f.height + 150,
		},
	}, nil
}

func (f *fakeNode) SendTransaction(ctx context.Context, tx *solanago.Transaction, opts rpc.TransactionOpts) (solanago.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeNode) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solanago.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		if f.status != nil {
			out.Value[i] = f.status(sig)
		}
	}
	return out, nil
}

func (f *fakeNode) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	h := f.height
	f.height += 50
	return h, nil
}

func (f *fakeNode) rpcCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// useFakeNode points every RPC client the commands create at node.
func useFakeNode(t *testing.T, node *fakeNode) {
	t.Helper()
	orig := newRPCClient
	newRPCClient = func(string) solanasvc.RPCClient { return node }
	t.Cleanup(func() { newRPCClient = orig })
}

// testEnv sets a fast, sink-free configuration and a fresh SIGNER.
// It returns the signer's public key.
func testEnv(t *testing.T) solanago.PublicKey {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	encoded, err := json.Marshal(raw)
	require.NoError(t, err)

	t.Setenv("SIGNER", string(encoded))
	t.Setenv("SIGNER_ENV", "SIGNER")
	t.Setenv("SIGNER_KEYPAIR_PATH", "")
	t.Setenv("PROGRAM_ID", testProgramID)
	t.Setenv("PROGRAM_KEYPAIR_PATH", "")
	t.Setenv("SOLANA_RPC_URL", "http://127.0.0.1:8899")
	t.Setenv("COMMITMENT", "confirmed")
	t.Setenv("BLOCK_INTERVAL", "10ms")
	t.Setenv("POLL_INITIAL_INTERVAL", "1ms")
	t.Setenv("POLL_MAX_INTERVAL", "2ms")
	t.Setenv("MAX_REBUILDS", "0")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	return key.PublicKey()
}

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"txlander"}, args...))
	return stdout.String(), err
}
