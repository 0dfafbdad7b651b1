// Package builder turns a transfer request into the ordered instruction list
// of a Solana transaction.
//
// A token transfer into a recipient that has never held the mint needs its
// associated token account created first. The builder reads the recipient's
// account once per call and, when it is missing, places the create instruction
// ahead of the transfer. Nothing is cached between calls.
package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/metrics"
	"github.com/vitwit/paykit/types"
	"github.com/vitwit/paykit/utils"
)

// AccountChecker is the only ledger read the builder performs.
type AccountChecker interface {
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
}

type Builder struct {
	accounts AccountChecker
	logger   logger.Logger
	metrics  metrics.Recorder
}

type Option func(*Builder)

func WithLogger(l logger.Logger) Option {
	return func(b *Builder) {
		b.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(b *Builder) {
		b.metrics = r
	}
}

func New(accounts AccountChecker, opts ...Option) *Builder {
	b := &Builder{accounts: accounts}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.OrNoop(b.logger)
	b.metrics = metrics.OrNoop(b.metrics)
	return b
}

// transfer is a request that passed validation.
type transfer struct {
	sender    solana.PublicKey
	recipient solana.PublicKey
	amount    uint64
}

// Build validates req and returns the instructions to execute, in order.
// Invalid addresses and amounts fail before any network call is made.
func (b *Builder) Build(ctx context.Context, req types.TransferRequest) ([]solana.Instruction, error) {
	if req.Currency == nil {
		return nil, types.NewError(types.ErrCodeInvalidInput, "currency is required")
	}

	t, err := validate(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var out []solana.Instruction

	switch c := req.Currency.(type) {
	case types.Native:
		out = []solana.Instruction{
			system.NewTransferInstruction(t.amount, t.sender, t.recipient).Build(),
		}
	case types.Token:
		out, err = b.tokenTransfer(ctx, t, c)
		if err != nil {
			return nil, err
		}
	default:
		return nil, types.NewError(types.ErrCodeInvalidInput, fmt.Sprintf("unsupported currency %T", req.Currency))
	}

	labels := map[string]string{"currency": req.Currency.Symbol()}
	b.metrics.IncCounter(metrics.EventBuild, labels)
	b.metrics.ObserveLatency(metrics.EventBuild, time.Since(start), labels)
	b.logger.Debug("built transfer", map[string]any{
		"sender":       req.Sender,
		"recipient":    req.Recipient,
		"amount":       req.Amount.String(),
		"currency":     req.Currency.Symbol(),
		"instructions": len(out),
	})

	return out, nil
}

func (b *Builder) tokenTransfer(ctx context.Context, t transfer, currency types.Token) ([]solana.Instruction, error) {
	senderATA, _, err := solana.FindAssociatedTokenAddress(t.sender, currency.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive sender token account: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(t.recipient, currency.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive recipient token account: %w", err)
	}

	exists, err := b.accounts.AccountExists(ctx, recipientATA)
	if err != nil {
		return nil, err
	}

	out := make([]solana.Instruction, 0, 2)
	if !exists {
		out = append(out, associatedtokenaccount.NewCreateInstruction(t.sender, t.recipient, currency.Mint).Build())
	}
	out = append(out, token.NewTransferInstruction(t.amount, senderATA, recipientATA, t.sender, nil).Build())

	return out, nil
}

func validate(req types.TransferRequest) (transfer, error) {
	sender, err := utils.ParseAddress("sender", req.Sender)
	if err != nil {
		return transfer{}, err
	}
	recipient, err := utils.ParseAddress("recipient", req.Recipient)
	if err != nil {
		return transfer{}, err
	}
	amount, err := utils.ToBaseUnits(req.Amount, req.Currency.Decimals())
	if err != nil {
		return transfer{}, err
	}
	return transfer{sender: sender, recipient: recipient, amount: amount}, nil
}
