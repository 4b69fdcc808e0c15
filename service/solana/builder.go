package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Build assembles a single-instruction transaction for programID and stamps
// it with handle. It performs no I/O.
//
// References to the same key are merged, keeping the first position and
// OR-ing the signer and writable flags. At least one reference must be a
// signer; the first signer pays fees.
func Build(programID solana.PublicKey, accounts []AccountReference, data []byte, handle Handle) (*Transaction, error) {
	if programID.IsZero() {
		return nil, fmt.Errorf("%w: program id is required", ErrValidation)
	}
	if handle.IsZero() {
		return nil, fmt.Errorf("%w: blockhash handle is required", ErrValidation)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: at least one account reference is required", ErrValidation)
	}

	merged := make([]AccountReference, 0, len(accounts))
	index := make(map[solana.PublicKey]int, len(accounts))
	hasSigner := false
	for i, acc := range accounts {
		if acc.PublicKey.IsZero() {
			return nil, fmt.Errorf("%w: account reference %d has no public key", ErrValidation, i)
		}
		hasSigner = hasSigner || acc.IsSigner
		if j, ok := index[acc.PublicKey]; ok {
			merged[j].IsSigner = merged[j].IsSigner || acc.IsSigner
			merged[j].IsWritable = merged[j].IsWritable || acc.IsWritable
			continue
		}
		index[acc.PublicKey] = len(merged)
		merged = append(merged, acc)
	}
	if !hasSigner {
		return nil, fmt.Errorf("%w: no account reference is marked as signer", ErrValidation)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	h := handle
	return &Transaction{
		Instructions: []Instruction{{
			ProgramID: programID,
			Accounts:  merged,
			Data:      payload,
		}},
		Handle: &h,
	}, nil
}

// encode renders tx as a solana-go transaction with the first signer as fee
// payer. The message bytes are what every signer signs.
func (tx *Transaction) encode() (*solana.Transaction, []byte, error) {
	if tx.Handle == nil || tx.Handle.IsZero() {
		return nil, nil, fmt.Errorf("%w: transaction has no blockhash handle", ErrValidation)
	}
	signers := tx.Signers()
	if len(signers) == 0 {
		return nil, nil, fmt.Errorf("%w: transaction has no signers", ErrValidation)
	}

	instructions := make([]solana.Instruction, 0, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			metas = append(metas, solana.NewAccountMeta(acc.PublicKey, acc.IsWritable, acc.IsSigner))
		}
		instructions = append(instructions, solana.NewInstruction(ix.ProgramID, metas, ix.Data))
	}

	wire, err := solana.NewTransaction(instructions, tx.Handle.Blockhash, solana.TransactionPayer(signers[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	message, err := wire.Message.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode message: %v", ErrValidation, err)
	}
	return wire, message, nil
}
