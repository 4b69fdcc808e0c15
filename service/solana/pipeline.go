package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Request describes one transaction to land.
type Request struct {
	ProgramID  solana.PublicKey
	Accounts   []AccountReference
	Data       []byte
	Signers    []Keypair
	Commitment rpc.CommitmentType
}

// Pipeline runs fetch handle, build, sign, submit, and await in sequence.
// It keeps no per-run state, so concurrent Runs are independent.
type Pipeline struct {
	handles   *HandleProvider
	submitter *Submitter
	waiter    *Waiter
	logger    *slog.Logger
}

// NewPipeline wires the pipeline stages onto one client.
func NewPipeline(client *Client, config WaiterConfig) *Pipeline {
	return &Pipeline{
		handles:   NewHandleProvider(client, rpc.CommitmentFinalized),
		submitter: NewSubmitter(client, rpc.CommitmentConfirmed),
		waiter:    NewWaiter(client, config),
		logger:    client.logger,
	}
}

// Run lands req once. A nil error means an outcome was reached, which may
// itself be Failed or Expired; the Reporter turns those into errors.
//
// Signing happens before any network call, so a missing keypair never
// costs a round-trip. A network failure during submit does not stop the
// run: the identifier is still awaited because the node may have accepted
// the transaction.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	// Catch missing keys before fetching a handle.
	probe := &Transaction{Instructions: []Instruction{{ProgramID: req.ProgramID, Accounts: req.Accounts}}}
	if err := checkSigners(probe, req.Signers); err != nil {
		return nil, err
	}

	handle, err := p.handles.FetchHandle(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := Build(req.ProgramID, req.Accounts, req.Data, handle)
	if err != nil {
		return nil, err
	}

	signed, err := Sign(tx, req.Signers...)
	if err != nil {
		return nil, err
	}

	id, err := p.submitter.Submit(ctx, signed)
	if err != nil && !errors.Is(err, ErrNetwork) {
		return nil, err
	}
	if err != nil {
		p.logger.WarnContext(ctx, "submit failed, waiting on identifier anyway",
			"signature", id.String(),
			"error", err,
		)
	}

	return p.waiter.AwaitConfirmation(ctx, id, handle.LastValidBlockHeight, req.Commitment)
}

// Land runs req and, when the outcome is Expired, rebuilds it with a fresh
// handle up to rebuilds more times. Rebuilding is only safe after Expired:
// the old blockhash can no longer land, so the old transaction cannot
// execute alongside the new one. Errors, ErrOutcomeUnknown included, are
// returned without a rebuild.
func (p *Pipeline) Land(ctx context.Context, req Request, rebuilds int) (*Outcome, error) {
	return p.LandObserving(ctx, req, rebuilds, nil)
}

// LandObserving is Land that hands every Expired outcome it rebuilds after to
// onRebuild before fetching the next handle. The returned outcome is not
// passed to onRebuild.
func (p *Pipeline) LandObserving(ctx context.Context, req Request, rebuilds int, onRebuild func(*Outcome)) (*Outcome, error) {
	for attempt := 0; ; attempt++ {
		outcome, err := p.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		if outcome.Status != StatusExpired || attempt >= rebuilds {
			return outcome, nil
		}
		if onRebuild != nil {
			onRebuild(outcome)
		}
		p.logger.InfoContext(ctx, "transaction expired, rebuilding with a fresh blockhash",
			"signature", outcome.Signature.String(),
			"rebuild", attempt+1,
			"max_rebuilds", rebuilds,
		)
	}
}

// Await exposes the waiter for identifiers obtained elsewhere.
func (p *Pipeline) Await(ctx context.Context, sig solana.Signature, expiryHeight uint64, commitment rpc.CommitmentType) (*Outcome, error) {
	return p.waiter.AwaitConfirmation(ctx, sig, expiryHeight, commitment)
}

// FetchHandle exposes the handle provider.
func (p *Pipeline) FetchHandle(ctx context.Context) (Handle, error) {
	return p.handles.FetchHandle(ctx)
}

func checkSigners(tx *Transaction, keypairs []Keypair) error {
	have := make(map[solana.PublicKey]struct{}, len(keypairs))
	for i, kp := range keypairs {
		if !kp.valid() {
			return fmt.Errorf("%w: keypair %d has no key material", ErrValidation, i)
		}
		have[kp.PublicKey()] = struct{}{}
	}
	var missing []solana.PublicKey
	for _, s := range tx.Signers() {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return &MissingSignerError{Missing: missing}
	}
	if len(tx.Signers()) == 0 {
		return fmt.Errorf("%w: no account reference is marked as signer", ErrValidation)
	}
	return nil
}
