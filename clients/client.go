package clients

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paykit/types"
)

// Ledger is the read side of the cluster used by the builder and balance views.
type Ledger interface {
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	GetBalance(ctx context.Context, owner solana.PublicKey) (decimal.Decimal, error)
	GetTokenBalance(ctx context.Context, owner solana.PublicKey, token types.Token) (decimal.Decimal, error)
}

// Signer signs instructions into a transaction and submits it.
type Signer interface {
	SignAndSend(ctx context.Context, instructions []solana.Instruction, opts types.SendOptions) (solana.Signature, error)
}

// Authorizer is implemented by Signers that can tell up front whether they
// can authorize a transfer out of owner.
type Authorizer interface {
	CanSign(owner solana.PublicKey) bool
}

// Confirmer waits until a submitted signature reaches the configured commitment.
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, sig solana.Signature) (*Confirmation, error)
}

// BlockhashSource provides recent blockhashes for transaction assembly.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// TransactionSender submits fully signed transactions.
type TransactionSender interface {
	BlockhashSource
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Confirmation is the observed status of a submitted signature.
type Confirmation struct {
	Signature solana.Signature
	Slot      uint64
	Status    string
}
