// Package paykit pays Solana recipients in SOL or USDC and keeps a recurring
// subscription per wallet.
//
// A payment is built into instructions, signed and submitted under a bounded
// retry, then optionally confirmed. Subscriptions are only recorded once their
// first payment has been submitted.
package paykit

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paykit/builder"
	"github.com/vitwit/paykit/clients"
	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/metrics"
	"github.com/vitwit/paykit/retry"
	"github.com/vitwit/paykit/subscription"
	"github.com/vitwit/paykit/types"
	"github.com/vitwit/paykit/utils"
)

// DefaultComputeUnitLimit is attached to checkout and subscription payments.
const DefaultComputeUnitLimit uint32 = 200_000

// Client is the main entry point to paykit.
type Client struct {
	config    *types.Config
	usdc      types.Token
	ledger    clients.Ledger
	signer    clients.Signer
	confirmer clients.Confirmer
	builder   *builder.Builder
	engine    *subscription.Engine
	merchant  solana.PublicKey
	confirm   bool
	timeout   time.Duration
	logger    logger.Logger
	metrics   metrics.Recorder
	closers   []func() error
}

// New creates a client for cfg. Collaborators not supplied through options are
// built from the configuration: a Solana RPC client, and a paymaster signer
// when PaymasterURL is set or a keypair signer otherwise.
func New(cfg *types.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeConfigError, "config is required")
	}

	usdc, err := types.USDC(cfg.Network)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  cfg,
		usdc:    usdc,
		confirm: true,
		timeout: cfg.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrNoop(c.logger)
	c.metrics = metrics.OrNoop(c.metrics)

	if cfg.Merchant != "" {
		if c.merchant, err = utils.ParseAddress("merchant", cfg.Merchant); err != nil {
			return nil, err
		}
	}

	if c.ledger == nil || (c.signer == nil && cfg.SignerKey != "") || (c.confirm && c.confirmer == nil) {
		if err := c.connect(); err != nil {
			return nil, err
		}
	}

	if c.engine == nil {
		c.engine = subscription.NewEngine(
			subscription.WithLogger(c.logger),
			subscription.WithMetrics(c.metrics),
		)
	}
	c.builder = builder.New(c.ledger, builder.WithLogger(c.logger), builder.WithMetrics(c.metrics))

	return c, nil
}

// connect fills the missing collaborators from the configuration.
func (c *Client) connect() error {
	sol, err := clients.NewSolanaClient(c.config.Network, c.config.RPCUrl)
	if err != nil {
		return fmt.Errorf("failed to create Solana client for %s: %w", c.config.Network, err)
	}
	c.closers = append(c.closers, sol.Close)

	if c.ledger == nil {
		c.ledger = sol
	}
	if c.confirm && c.confirmer == nil {
		c.confirmer = sol
	}
	if c.signer != nil || c.config.SignerKey == "" {
		return nil
	}

	key, err := solana.PrivateKeyFromBase58(c.config.SignerKey)
	if err != nil {
		return types.WrapError(types.ErrCodeConfigError, "invalid signer key", err)
	}

	if c.config.PaymasterURL == "" {
		c.signer = clients.NewKeypairSigner(key, sol)
		return nil
	}

	feePayer, err := utils.ParseAddress("fee payer", c.config.FeePayer)
	if err != nil {
		return types.WrapError(types.ErrCodeConfigError, "paymaster requires a fee payer", err)
	}
	c.signer = clients.NewPaymasterSigner(c.config.PaymasterURL, feePayer, key, sol)
	return nil
}

// Engine exposes the subscription lifecycle engine.
func (c *Client) Engine() *subscription.Engine {
	return c.engine
}

// Plans lists the subscription plans at their current prices.
func (c *Client) Plans() []types.Plan {
	return c.engine.Catalog().Plans()
}

// USDC returns the USDC token of the configured network.
func (c *Client) USDC() types.Token {
	return c.usdc
}

// Pay builds, signs and submits req. Invalid requests fail before anything
// touches the network. Submission is retried according to the configured
// retry policy; the error of the final attempt is returned as is.
//
// When the transaction was submitted but confirmation failed, the receipt is
// returned together with the error so the caller keeps the signature.
func (c *Client) Pay(ctx context.Context, req types.TransferRequest, opts types.SendOptions) (*types.Receipt, error) {
	if c.signer == nil {
		return nil, types.NewError(types.ErrCodeConfigError, "no signer configured")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	instructions, err := c.builder.Build(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	labels := map[string]string{"currency": req.Currency.Symbol()}
	attempts := 0

	sig, err := retry.Do(ctx, func(ctx context.Context) (solana.Signature, error) {
		attempts++
		c.metrics.IncCounter(metrics.EventSubmitAttempt, labels)
		return c.signer.SignAndSend(ctx, instructions, opts)
	}, c.retryOptions("submit", labels)...)
	if err != nil {
		c.metrics.IncCounter(metrics.EventPaymentFailed, labels)
		c.logger.Error("payment failed", map[string]any{
			"sender":    req.Sender,
			"recipient": req.Recipient,
			"amount":    req.Amount.String(),
			"currency":  req.Currency.Symbol(),
			"attempts":  attempts,
			"error":     err,
		})
		return nil, err
	}

	receipt := &types.Receipt{
		Signature:    sig.String(),
		Instructions: len(instructions),
		Attempts:     attempts,
	}

	if c.confirm && c.confirmer != nil {
		conf, err := retry.Do(ctx, func(ctx context.Context) (*clients.Confirmation, error) {
			return c.confirmer.WaitForConfirmation(ctx, sig)
		}, c.retryOptions("confirm", labels)...)
		if err != nil {
			c.metrics.IncCounter(metrics.EventPaymentFailed, labels)
			c.logger.Warn("payment submitted but not confirmed", map[string]any{
				"signature": receipt.Signature,
				"error":     err,
			})
			return receipt, err
		}
		receipt.Confirmed = true
		receipt.Slot = conf.Slot
	}

	c.metrics.IncCounter(metrics.EventPaymentSucceeded, labels)
	c.metrics.ObserveLatency(metrics.EventPaymentSucceeded, time.Since(start), labels)
	c.logger.Info("payment sent", map[string]any{
		"signature": receipt.Signature,
		"sender":    req.Sender,
		"recipient": req.Recipient,
		"amount":    req.Amount.String(),
		"currency":  req.Currency.Symbol(),
		"attempts":  attempts,
		"confirmed": receipt.Confirmed,
	})
	return receipt, nil
}

func (c *Client) retryOptions(stage string, labels map[string]string) []retry.Option {
	opts := []retry.Option{
		retry.WithRetryIf(types.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error) {
			c.metrics.IncCounter(metrics.EventRetry, labels)
			c.logger.Warn("retrying "+stage, map[string]any{"attempt": attempt, "error": err})
		}),
	}
	if c.config.RetryCount > 0 {
		opts = append(opts, retry.WithMaxAttempts(c.config.RetryCount))
	}
	if c.config.RetryDelay > 0 {
		opts = append(opts, retry.WithDelay(c.config.RetryDelay))
	}
	return opts
}

// Subscribe charges the first period of plan from wallet to the merchant and
// records an ACTIVE subscription. A wallet that already has an ACTIVE
// subscription is rejected before any payment is made.
func (c *Client) Subscribe(ctx context.Context, wallet string, tier types.PlanTier) (*types.Subscription, *types.Receipt, error) {
	owner, err := utils.ParseAddress("wallet", wallet)
	if err != nil {
		return nil, nil, err
	}
	wallet = owner.String()

	plan, err := c.engine.Catalog().Plan(tier)
	if err != nil {
		return nil, nil, err
	}
	existing, err := c.engine.FindActiveOrPausedByWallet(ctx, wallet)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && existing.Status == types.StatusActive {
		return nil, nil, types.NewError(types.ErrCodeDuplicateActive,
			fmt.Sprintf("active subscription already exists for wallet %s", wallet))
	}

	receipt, err := c.payMerchant(ctx, wallet, plan.PriceUSDC)
	if err != nil {
		return nil, receipt, err
	}

	sub, err := c.engine.Create(ctx, wallet, tier)
	if err != nil {
		c.logger.Error("payment sent but subscription not recorded", map[string]any{
			"wallet":    wallet,
			"plan":      string(tier),
			"signature": receipt.Signature,
			"error":     err,
		})
		return nil, receipt, err
	}
	return sub, receipt, nil
}

// ChargeSubscription pays one period of sub, at its recorded amount, from the
// subscriber's wallet to the merchant. Only ACTIVE subscriptions are charged.
func (c *Client) ChargeSubscription(ctx context.Context, sub *types.Subscription) (*types.Receipt, error) {
	if sub == nil {
		return nil, types.NewError(types.ErrCodeInvalidInput, "subscription is required")
	}
	if sub.Status != types.StatusActive {
		return nil, types.NewError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot charge subscription %s in status %s", sub.ID, sub.Status))
	}
	return c.payMerchant(ctx, sub.Wallet, sub.AmountUSDC)
}

// payMerchant pays amount USDC from wallet to the merchant. A signer that
// reports it cannot authorize wallet is refused before anything is sent.
func (c *Client) payMerchant(ctx context.Context, wallet string, amount decimal.Decimal) (*types.Receipt, error) {
	if c.merchant.IsZero() {
		return nil, types.NewError(types.ErrCodeConfigError, "merchant address is not configured")
	}
	owner, err := utils.ParseAddress("wallet", wallet)
	if err != nil {
		return nil, err
	}
	if auth, ok := c.signer.(clients.Authorizer); ok && !auth.CanSign(owner) {
		return nil, types.NewError(types.ErrCodeInvalidInput,
			fmt.Sprintf("configured signer cannot authorize payments from wallet %s", owner))
	}
	return c.Pay(ctx, types.TransferRequest{
		Sender:    wallet,
		Recipient: c.merchant.String(),
		Amount:    amount,
		Currency:  c.usdc,
	}, types.SendOptions{ComputeUnitLimit: DefaultComputeUnitLimit})
}

// SolBalance returns the SOL balance of address.
func (c *Client) SolBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := utils.ParseAddress("owner", address)
	if err != nil {
		return decimal.Zero, err
	}
	return c.ledger.GetBalance(ctx, owner)
}

// USDCBalance returns the USDC balance of address; zero when the address has
// never held USDC.
func (c *Client) USDCBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := utils.ParseAddress("owner", address)
	if err != nil {
		return decimal.Zero, err
	}
	return c.ledger.GetTokenBalance(ctx, owner, c.usdc)
}

// Close releases the RPC connections opened by New.
func (c *Client) Close() error {
	var first error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
