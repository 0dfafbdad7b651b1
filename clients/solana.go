package clients

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paykit/types"
	"github.com/vitwit/paykit/utils"
)

var (
	_ Ledger            = (*SolanaClient)(nil)
	_ TransactionSender = (*SolanaClient)(nil)
	_ Confirmer         = (*SolanaClient)(nil)
)

const (
	defaultPollAttempts = 5
	defaultPollInterval = 3 * time.Second
)

// SolanaClient talks to a Solana JSON-RPC endpoint
type SolanaClient struct {
	client       *rpc.Client
	commitment   rpc.CommitmentType
	pollAttempts int
	pollInterval time.Duration
}

// SolanaOption customises a SolanaClient.
type SolanaOption func(*SolanaClient)

// WithConfirmationPolling sets how many times and how often signature status
// is polled by WaitForConfirmation.
func WithConfirmationPolling(attempts int, interval time.Duration) SolanaOption {
	return func(c *SolanaClient) {
		if attempts > 0 {
			c.pollAttempts = attempts
		}
		if interval >= 0 {
			c.pollInterval = interval
		}
	}
}

// WithCommitment sets the commitment used for reads and confirmation.
func WithCommitment(commitment rpc.CommitmentType) SolanaOption {
	return func(c *SolanaClient) {
		c.commitment = commitment
	}
}

// NewSolanaClient creates a Solana client. An empty rpcURL falls back to the
// cluster's public endpoint.
func NewSolanaClient(network types.Network, rpcURL string, opts ...SolanaOption) (*SolanaClient, error) {
	if !network.IsSolana() {
		return nil, types.NewError(types.ErrCodeConfigError, fmt.Sprintf("unsupported network: %s", network))
	}
	if rpcURL == "" {
		rpcURL = network.DefaultRPCURL()
	}

	c := &SolanaClient{
		client:       rpc.New(rpcURL),
		commitment:   rpc.CommitmentConfirmed,
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccountExists reports whether the account has been created on chain.
func (c *SolanaClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := c.client.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, executionError(ReasonRPC, err)
	}
	return true, nil
}

// GetBalance returns the SOL balance of owner.
func (c *SolanaClient) GetBalance(ctx context.Context, owner solana.PublicKey) (decimal.Decimal, error) {
	res, err := c.client.GetBalance(ctx, owner, c.commitment)
	if err != nil {
		return decimal.Zero, executionError(ReasonRPC, err)
	}
	return utils.FromBaseUnits(res.Value, types.NativeDecimals), nil
}

// GetTokenBalance returns owner's balance of token. A missing associated
// token account reads as zero.
func (c *SolanaClient) GetTokenBalance(ctx context.Context, owner solana.PublicKey, token types.Token) (decimal.Decimal, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, token.Mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("derive associated token account: %w", err)
	}

	exists, err := c.AccountExists(ctx, ata)
	if err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, nil
	}

	res, err := c.client.GetTokenAccountBalance(ctx, ata, c.commitment)
	if err != nil {
		return decimal.Zero, executionError(ReasonRPC, err)
	}
	if res.Value == nil {
		return decimal.Zero, nil
	}

	raw, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token amount %q: %w", res.Value.Amount, err)
	}
	return utils.FromBaseUnits(raw, token.Decimals()), nil
}

// LatestBlockhash returns a recent finalized blockhash.
func (c *SolanaClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, executionError(ReasonBlockhash, err)
	}
	return res.Value.Blockhash, nil
}

// SendTransaction broadcasts a signed transaction with preflight checks.
func (c *SolanaClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, executionError(ReasonBroadcast, err)
	}
	return sig, nil
}

// WaitForConfirmation polls the signature status until it reaches the client
// commitment, the transaction fails on chain, or polling is exhausted.
func (c *SolanaClient) WaitForConfirmation(ctx context.Context, sig solana.Signature) (*Confirmation, error) {
	for i := 0; i < c.pollAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}

		res, err := c.client.GetSignatureStatuses(ctx, false, sig)
		if err != nil || res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			continue
		}

		status := res.Value[0]
		if status.Err != nil {
			return nil, executionError(ReasonTransactionFailed, fmt.Errorf("%v", status.Err))
		}
		if c.reached(status.ConfirmationStatus) {
			return &Confirmation{
				Signature: sig,
				Slot:      status.Slot,
				Status:    string(status.ConfirmationStatus),
			}, nil
		}
	}

	return nil, types.NewError(types.ErrCodeNotConfirmed,
		fmt.Sprintf("%s: transaction %s not confirmed after %d polls", ReasonConfirmationTimeout, sig, c.pollAttempts))
}

func (c *SolanaClient) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return c.commitment != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return c.commitment == rpc.CommitmentProcessed
	}
	return false
}

func (c *SolanaClient) Close() error {
	return c.client.Close()
}
