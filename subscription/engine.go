// Package subscription owns the lifecycle of recurring-billing records.
//
// A record is created ACTIVE, may move to PAUSED and back, and ends in
// CANCELLED, which is terminal. A wallet has at most one ACTIVE record at any
// time. Every mutation runs under a per-wallet lock and is written with a
// compare-and-set on the previous status, so concurrent callers on different
// instances cannot both pass the uniqueness check.
//
// While a record is PAUSED its next charge time is cleared; resuming starts a
// fresh billing period. The amount is fixed when the record is created.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/metrics"
	"github.com/vitwit/paykit/types"
	"github.com/vitwit/paykit/utils"
)

// BillingPeriod is the fixed interval between charges.
const BillingPeriod = 30 * 24 * time.Hour

type Engine struct {
	store   Store
	locker  Locker
	catalog *Catalog
	now     func() time.Time
	newID   func() string
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Engine)

func WithStore(s Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

func WithLocker(l Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

func WithCatalog(c *Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// NewEngine builds an engine. Without options it keeps records in memory and
// locks in-process.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker()
	}
	if e.catalog == nil {
		e.catalog = NewCatalog()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.logger = logger.OrNoop(e.logger)
	e.metrics = metrics.OrNoop(e.metrics)
	return e
}

// Catalog returns the plan catalog used to price new subscriptions.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Create starts an ACTIVE subscription for wallet on plan, priced at the
// plan's current catalog price.
func (e *Engine) Create(ctx context.Context, wallet string, plan types.PlanTier) (*types.Subscription, error) {
	wallet, err := canonicalWallet(wallet)
	if err != nil {
		return nil, err
	}
	p, err := e.catalog.Plan(plan)
	if err != nil {
		return nil, err
	}

	var created *types.Subscription
	err = e.locker.WithLock(ctx, wallet, func(ctx context.Context) error {
		active, err := e.findByStatus(ctx, wallet, types.StatusActive)
		if err != nil {
			return err
		}
		if active != nil {
			return duplicateActive(wallet)
		}

		now := e.now().UTC()
		next := now.Add(BillingPeriod)
		sub := &types.Subscription{
			ID:           e.newID(),
			Wallet:       wallet,
			Plan:         plan,
			AmountUSDC:   p.PriceUSDC,
			Status:       types.StatusActive,
			CreatedAt:    now,
			NextChargeAt: &next,
		}
		if err := e.store.Insert(ctx, sub); err != nil {
			return err
		}
		created = sub
		return nil
	})
	if err != nil {
		e.recordFailure("create", err)
		return nil, err
	}

	e.recordTransition("create", created)
	return created.Clone(), nil
}

// Pause moves an ACTIVE subscription to PAUSED and clears its next charge.
func (e *Engine) Pause(ctx context.Context, id string) (*types.Subscription, error) {
	return e.transition(ctx, id, "pause", func(cur *types.Subscription) (*types.Subscription, error) {
		if cur.Status != types.StatusActive {
			return nil, invalidTransition(cur, "pause")
		}
		next := cur.Clone()
		next.Status = types.StatusPaused
		next.NextChargeAt = nil
		return next, nil
	})
}

// Resume moves a PAUSED subscription back to ACTIVE with a new billing
// period. It fails if the wallet has since started another ACTIVE one.
func (e *Engine) Resume(ctx context.Context, id string) (*types.Subscription, error) {
	return e.transition(ctx, id, "resume", func(cur *types.Subscription) (*types.Subscription, error) {
		if cur.Status != types.StatusPaused {
			return nil, invalidTransition(cur, "resume")
		}
		next := cur.Clone()
		next.Status = types.StatusActive
		at := e.now().UTC().Add(BillingPeriod)
		next.NextChargeAt = &at
		return next, nil
	}, e.requireNoOtherActive)
}

// Cancel ends an ACTIVE or PAUSED subscription. Cancelled records are
// terminal.
func (e *Engine) Cancel(ctx context.Context, id string) (*types.Subscription, error) {
	return e.transition(ctx, id, "cancel", func(cur *types.Subscription) (*types.Subscription, error) {
		if cur.Status == types.StatusCancelled {
			return nil, types.NewError(types.ErrCodeAlreadyCancelled,
				fmt.Sprintf("subscription %s is already cancelled", cur.ID))
		}
		next := cur.Clone()
		next.Status = types.StatusCancelled
		next.NextChargeAt = nil
		return next, nil
	})
}

// Renew advances an ACTIVE subscription's next charge by one billing period
// after the period starting at chargedFor has been paid. It fails with
// CONCURRENT_MODIFICATION when the period was already renewed, so two
// collectors of the same period cannot both advance it.
func (e *Engine) Renew(ctx context.Context, id string, chargedFor time.Time) (*types.Subscription, error) {
	return e.transition(ctx, id, "renew", func(cur *types.Subscription) (*types.Subscription, error) {
		if cur.Status != types.StatusActive {
			return nil, invalidTransition(cur, "renew")
		}
		if cur.NextChargeAt == nil || !cur.NextChargeAt.Equal(chargedFor) {
			return nil, types.NewError(types.ErrCodeConcurrentModified,
				fmt.Sprintf("subscription %s period %s was already renewed", cur.ID, chargedFor.Format(time.RFC3339)))
		}
		return e.nextPeriod(cur), nil
	})
}

// ChargePeriod collects the period of subscription id that is due at at.
// Under the wallet lock it re-reads the record, requires it to be ACTIVE and
// due, calls pay with that fresh copy and, when pay succeeds, renews it.
// A record paused, cancelled or renewed by someone else fails with
// INVALID_TRANSITION or NOT_DUE before pay is called.
func (e *Engine) ChargePeriod(ctx context.Context, id string, at time.Time, pay func(context.Context, *types.Subscription) error) (*types.Subscription, error) {
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *types.Subscription
	err = e.locker.WithLock(ctx, cur.Wallet, func(ctx context.Context) error {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != types.StatusActive {
			return invalidTransition(cur, "charge")
		}
		if cur.NextChargeAt == nil {
			return types.NewError(types.ErrCodeNotDue, fmt.Sprintf("subscription %s has no charge scheduled", cur.ID))
		}
		if cur.NextChargeAt.After(at) {
			return types.NewError(types.ErrCodeNotDue,
				fmt.Sprintf("subscription %s is not due until %s", cur.ID, cur.NextChargeAt.Format(time.RFC3339)))
		}

		if err := pay(ctx, cur.Clone()); err != nil {
			return err
		}

		next := e.nextPeriod(cur)
		if err := e.store.Update(ctx, next, cur); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recordTransition("renew", updated)
	return updated.Clone(), nil
}

// nextPeriod returns cur moved one billing period on. A schedule that fell
// behind restarts from now.
func (e *Engine) nextPeriod(cur *types.Subscription) *types.Subscription {
	now := e.now().UTC()
	at := now.Add(BillingPeriod)
	if cur.NextChargeAt != nil {
		if candidate := cur.NextChargeAt.Add(BillingPeriod); candidate.After(now) {
			at = candidate
		}
	}
	next := cur.Clone()
	next.NextChargeAt = &at
	return next
}

// Get returns any record, cancelled ones included.
func (e *Engine) Get(ctx context.Context, id string) (*types.Subscription, error) {
	return e.store.Get(ctx, id)
}

// FindActiveOrPausedByWallet returns the wallet's ACTIVE record, else its most
// recent PAUSED record, else nil. Cancelled records are never returned.
func (e *Engine) FindActiveOrPausedByWallet(ctx context.Context, wallet string) (*types.Subscription, error) {
	wallet, err := canonicalWallet(wallet)
	if err != nil {
		return nil, err
	}
	subs, err := e.store.ListByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}

	var paused *types.Subscription
	for _, sub := range subs {
		switch sub.Status {
		case types.StatusActive:
			return sub, nil
		case types.StatusPaused:
			paused = sub
		}
	}
	return paused, nil
}

// ListDue returns ACTIVE subscriptions whose next charge is due at or before at.
func (e *Engine) ListDue(ctx context.Context, at time.Time) ([]*types.Subscription, error) {
	return e.store.ListDue(ctx, at)
}

type mutation func(cur *types.Subscription) (*types.Subscription, error)

type precondition func(ctx context.Context, next *types.Subscription) error

func (e *Engine) transition(ctx context.Context, id, op string, mutate mutation, checks ...precondition) (*types.Subscription, error) {
	// The wallet is needed to pick the lock; it never changes for a record.
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		e.recordFailure(op, err)
		return nil, err
	}

	var updated *types.Subscription
	err = e.locker.WithLock(ctx, cur.Wallet, func(ctx context.Context) error {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		next, err := mutate(cur)
		if err != nil {
			return err
		}
		for _, check := range checks {
			if err := check(ctx, next); err != nil {
				return err
			}
		}
		if err := e.store.Update(ctx, next, cur); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		e.recordFailure(op, err)
		return nil, err
	}

	e.recordTransition(op, updated)
	return updated.Clone(), nil
}

func (e *Engine) requireNoOtherActive(ctx context.Context, next *types.Subscription) error {
	active, err := e.findByStatus(ctx, next.Wallet, types.StatusActive)
	if err != nil {
		return err
	}
	if active != nil && active.ID != next.ID {
		return duplicateActive(next.Wallet)
	}
	return nil
}

func (e *Engine) findByStatus(ctx context.Context, wallet string, status types.SubscriptionStatus) (*types.Subscription, error) {
	subs, err := e.store.ListByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Status == status {
			return sub, nil
		}
	}
	return nil, nil
}

func (e *Engine) recordTransition(op string, sub *types.Subscription) {
	e.metrics.IncCounter(metrics.EventSubscriptionChange, map[string]string{
		"currency": "USDC",
		"status":   op,
	})
	fields := map[string]any{
		"op":       op,
		"id":       sub.ID,
		"wallet":   sub.Wallet,
		"plan":     string(sub.Plan),
		"status":   string(sub.Status),
		"amount":   sub.AmountUSDC.String(),
		"next_due": nil,
	}
	if sub.NextChargeAt != nil {
		fields["next_due"] = sub.NextChargeAt.Format(time.RFC3339)
	}
	e.logger.Info("subscription updated", fields)
}

func (e *Engine) recordFailure(op string, err error) {
	e.metrics.IncCounter(metrics.EventSubscriptionChange, map[string]string{
		"currency": "USDC",
		"status":   op + "_rejected",
	})
	e.logger.Debug("subscription operation rejected", map[string]any{"op": op, "error": err})
}

// canonicalWallet parses wallet and returns its base58 form, so the lock key,
// the stored value and every lookup agree on one spelling per key.
func canonicalWallet(wallet string) (string, error) {
	pk, err := utils.ParseAddress("wallet", wallet)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

func invalidTransition(cur *types.Subscription, op string) error {
	return types.NewError(types.ErrCodeInvalidTransition,
		fmt.Sprintf("cannot %s subscription %s in status %s", op, cur.ID, cur.Status))
}
