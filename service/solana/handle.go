package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"
)

// HandleProvider fetches fresh blockhash handles from the node.
type HandleProvider struct {
	client     *Client
	commitment rpc.CommitmentType
}

// NewHandleProvider returns a provider that asks for blockhashes at the
// given commitment. An empty commitment means finalized.
func NewHandleProvider(client *Client, commitment rpc.CommitmentType) *HandleProvider {
	if commitment == "" {
		commitment = rpc.CommitmentFinalized
	}
	return &HandleProvider{client: client, commitment: commitment}
}

// FetchHandle returns the node's latest blockhash and the last block height
// at which a transaction stamped with it can still land.
func (p *HandleProvider) FetchHandle(ctx context.Context) (Handle, error) {
	out, err := p.client.latestBlockhash(ctx, p.commitment)
	if err != nil {
		p.client.logger.ErrorContext(ctx, "failed to fetch latest blockhash",
			"endpoint", p.client.endpoint,
			"error", err,
		)
		return Handle{}, fmt.Errorf("%w: get latest blockhash: %v", ErrNetwork, err)
	}
	if out == nil || out.Value == nil {
		return Handle{}, fmt.Errorf("%w: get latest blockhash: empty response", ErrNetwork)
	}

	h := Handle{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}
	if h.IsZero() {
		return Handle{}, fmt.Errorf("%w: get latest blockhash: malformed response", ErrNetwork)
	}

	p.client.logger.DebugContext(ctx, "fetched blockhash",
		"blockhash", h.Blockhash.String(),
		"last_valid_block_height", h.LastValidBlockHeight,
	)
	return h, nil
}
