package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txlander/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// DefaultCallTimeout bounds every individual RPC round-trip.
const DefaultCallTimeout = 10 * time.Second

// JSON-RPC error codes that mean the node refused the transaction itself.
// Every other code (internal errors, unhealthy nodes, provider rate limits)
// says nothing about whether the transaction reached the cluster.
// Reference: https://github.com/solana-labs/solana/blob/master/rpc-client-api/src/custom_error.rs
const (
	preflightFailureCode       = -32002
	signatureVerificationCode  = -32003
	precompileVerificationCode = -32006
	signatureLenMismatchCode   = -32013
	unsupportedTxVersionCode   = -32015
	invalidParamsCode          = -32602
)

// Client wraps the RPC client with per-call timeouts, logging and metrics.
// It holds no per-transaction state and is safe to share.
type Client struct {
	rpc         RPCClient
	logger      *slog.Logger
	metrics     *metrics.Metrics
	endpoint    string // RPC endpoint identifier for metrics (e.g., "localnet", "devnet", rpc host)
	callTimeout time.Duration
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:         rpcClient,
		logger:      logger,
		metrics:     m,
		endpoint:    endpoint,
		callTimeout: DefaultCallTimeout,
	}
}

// WithCallTimeout returns a copy of c whose RPC calls time out after d.
func (c *Client) WithCallTimeout(d time.Duration) *Client {
	cp := *c
	if d > 0 {
		cp.callTimeout = d
	}
	return &cp
}

func (c *Client) observe(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// latestBlockhash calls getLatestBlockhash.
func (c *Client) latestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, commitment)
	c.observe("getLatestBlockhash", start, err)
	return out, err
}

// sendTransaction calls sendTransaction.
func (c *Client) sendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	sig, err := c.rpc.SendTransaction(ctx, tx, opts)
	c.observe("sendTransaction", start, err)
	return sig, err
}

// signatureStatus returns the node's status for sig, or nil if the node has
// never seen it.
func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.observe("getSignatureStatuses", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// blockHeight calls getBlockHeight.
func (c *Client) blockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	height, err := c.rpc.GetBlockHeight(ctx, commitment)
	c.observe("getBlockHeight", start, err)
	return height, err
}

// isRejection reports whether err is the node refusing the transaction
// itself, as opposed to the node or the network misbehaving.
func isRejection(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case preflightFailureCode,
		signatureVerificationCode,
		precompileVerificationCode,
		signatureLenMismatchCode,
		unsupportedTxVersionCode,
		invalidParamsCode:
		return true
	}
	return false
}

// rejectionReason extracts the node's message for a rejected transaction.
func rejectionReason(err error) string {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// Preflight failures carry the simulation result; its err field is
		// the useful part.
		if data, ok := rpcErr.Data.(map[string]interface{}); ok && data["err"] != nil {
			return fmt.Sprintf("%s (code %d): %s", rpcErr.Message, rpcErr.Code, transactionErrorReason(data["err"]))
		}
		return fmt.Sprintf("%s (code %d)", rpcErr.Message, rpcErr.Code)
	}
	return err.Error()
}
