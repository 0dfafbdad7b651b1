package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the lamport exponent of SOL.
const NativeDecimals uint8 = 9

// USDCDecimals is the precision of the USDC mint on every cluster.
const USDCDecimals uint8 = 6

// Currency is either Native or Token. The set is closed: only this package
// can add implementations.
type Currency interface {
	Decimals() uint8
	Symbol() string
	isCurrency()
}

// Native is the cluster's base asset (SOL). Every address can receive it.
type Native struct{}

func (Native) Decimals() uint8 { return NativeDecimals }
func (Native) Symbol() string  { return "SOL" }
func (Native) isCurrency()     {}

// Token is an SPL token identified by its mint.
type Token struct {
	Mint      solana.PublicKey
	Precision uint8
	Ticker    string
}

func (t Token) Decimals() uint8 { return t.Precision }

func (t Token) Symbol() string {
	if t.Ticker == "" {
		return t.Mint.String()
	}
	return t.Ticker
}

func (Token) isCurrency() {}

// USDC returns the USDC token for the given cluster.
func USDC(network Network) (Token, error) {
	mint, ok := network.USDCMint()
	if !ok {
		return Token{}, NewError(ErrCodeConfigError, fmt.Sprintf("no USDC mint known for network %s", network))
	}
	return Token{Mint: mint, Precision: USDCDecimals, Ticker: "USDC"}, nil
}

// TransferRequest describes a single payment from sender to recipient.
type TransferRequest struct {
	Sender    string          `json:"sender" validate:"required"`
	Recipient string          `json:"recipient" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"-"`
}

// SendOptions are passed through to the signing collaborator.
type SendOptions struct {
	// ComputeUnitLimit prepends a compute budget instruction when > 0.
	ComputeUnitLimit uint32 `json:"computeUnitLimit,omitempty"`
}

// Receipt is returned after a payment has been submitted.
type Receipt struct {
	Signature    string `json:"signature"`
	Instructions int    `json:"instructions"`
	Attempts     int    `json:"attempts"`
	Confirmed    bool   `json:"confirmed"`
	Slot         uint64 `json:"slot,omitempty"`
}

// PlanTier is one of the closed set of subscription tiers.
type PlanTier string

const (
	PlanBasic    PlanTier = "basic"
	PlanPro      PlanTier = "pro"
	PlanAdvanced PlanTier = "advanced"
)

// PlanTiers lists every tier in display order.
var PlanTiers = []PlanTier{PlanBasic, PlanPro, PlanAdvanced}

func (p PlanTier) IsValid() bool {
	return p == PlanBasic || p == PlanPro || p == PlanAdvanced
}

// Plan is a catalog entry.
type Plan struct {
	Tier      PlanTier        `json:"tier"`
	Label     string          `json:"label"`
	PriceUSDC decimal.Decimal `json:"priceUSDC"`
	Interval  string          `json:"interval"`
	Features  []string        `json:"features"`
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusPaused    SubscriptionStatus = "PAUSED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

// Subscription is a recurring billing record tied to a wallet.
// NextChargeAt is non-nil exactly when Status is StatusActive.
type Subscription struct {
	ID           string
	Wallet       string
	Plan         PlanTier
	AmountUSDC   decimal.Decimal
	Status       SubscriptionStatus
	CreatedAt    time.Time
	NextChargeAt *time.Time
}

// Clone returns a deep copy so callers never share the NextChargeAt pointer.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	if s.NextChargeAt != nil {
		next := *s.NextChargeAt
		out.NextChargeAt = &next
	}
	return &out
}

type subscriptionJSON struct {
	ID           string             `json:"id"`
	Wallet       string             `json:"wallet"`
	Plan         PlanTier           `json:"plan"`
	AmountUSDC   json.Number        `json:"amountUSDC"`
	Status       SubscriptionStatus `json:"status"`
	CreatedAt    int64              `json:"createdAt"`
	NextChargeAt *int64             `json:"nextChargeAt"`
}

// MarshalJSON encodes timestamps as epoch millis and the amount as a number.
func (s Subscription) MarshalJSON() ([]byte, error) {
	out := subscriptionJSON{
		ID:         s.ID,
		Wallet:     s.Wallet,
		Plan:       s.Plan,
		AmountUSDC: json.Number(s.AmountUSDC.String()),
		Status:     s.Status,
		CreatedAt:  s.CreatedAt.UnixMilli(),
	}
	if s.NextChargeAt != nil {
		ms := s.NextChargeAt.UnixMilli()
		out.NextChargeAt = &ms
	}
	return json.Marshal(out)
}

func (s *Subscription) UnmarshalJSON(data []byte) error {
	var in subscriptionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(in.AmountUSDC.String())
	if err != nil {
		return fmt.Errorf("invalid amountUSDC: %w", err)
	}
	*s = Subscription{
		ID:         in.ID,
		Wallet:     in.Wallet,
		Plan:       in.Plan,
		AmountUSDC: amount,
		Status:     in.Status,
		CreatedAt:  time.UnixMilli(in.CreatedAt).UTC(),
	}
	if in.NextChargeAt != nil {
		next := time.UnixMilli(*in.NextChargeAt).UTC()
		s.NextChargeAt = &next
	}
	return nil
}

// Config contains global configuration for paykit
type Config struct {
	Network         Network       `json:"network" validate:"required,oneof=solana-mainnet solana-devnet"`
	RPCUrl          string        `json:"rpcUrl" validate:"required,url"`
	PaymasterURL    string        `json:"paymasterUrl,omitempty" validate:"omitempty,url"`
	FeePayer        string        `json:"feePayer,omitempty"`
	Merchant        string        `json:"merchant,omitempty"`
	SignerKey       string        `json:"-"`
	HTTPAddr        string        `json:"httpAddr" validate:"required"`
	CORSOrigins     []string      `json:"corsOrigins,omitempty"`
	DatabaseURL     string        `json:"-"`
	RedisURL        string        `json:"-"`
	LogLevel        string        `json:"logLevel" validate:"oneof=debug info warn error"`
	RetryCount      int           `json:"retryCount" validate:"min=1,max=10"`
	RetryDelay      time.Duration `json:"retryDelay" validate:"min=0"`
	DefaultTimeout  time.Duration `json:"defaultTimeout,omitempty"`
	BillingSchedule string        `json:"billingSchedule,omitempty"`
	EnableMetrics   bool          `json:"enableMetrics,omitempty"`
}
