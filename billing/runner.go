// Package billing charges subscriptions whose period has ended and moves
// them on to the next period.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/metrics"
	"github.com/vitwit/paykit/types"
)

// Charger pays one period of a subscription.
type Charger interface {
	ChargeSubscription(ctx context.Context, sub *types.Subscription) (*types.Receipt, error)
}

// Subscriptions is the part of the lifecycle engine billing needs.
// ChargePeriod must call pay only for a record that is still ACTIVE and due,
// and renew it only if pay succeeds.
type Subscriptions interface {
	ListDue(ctx context.Context, at time.Time) ([]*types.Subscription, error)
	ChargePeriod(ctx context.Context, id string, at time.Time, pay func(context.Context, *types.Subscription) error) (*types.Subscription, error)
}

// Summary reports the outcome of one ChargeDue run. Skipped counts records
// that were paused, cancelled or already charged elsewhere after being listed.
type Summary struct {
	Due      int
	Charged  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

type Runner struct {
	subs    Subscriptions
	charger Charger
	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Runner)

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

func NewRunner(subs Subscriptions, charger Charger, opts ...Option) *Runner {
	r := &Runner{
		subs:    subs,
		charger: charger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrNoop(r.logger)
	r.metrics = metrics.OrNoop(r.metrics)
	return r
}

// ChargeDue charges every ACTIVE subscription whose next charge time has
// passed and renews the ones that were paid. A failed charge is logged and
// counted; the remaining subscriptions are still processed. Only a failure to
// list due subscriptions, or a cancelled ctx, is returned as an error.
//
// A payment that was submitted but not confirmed is not renewed.
func (r *Runner) ChargeDue(ctx context.Context) (Summary, error) {
	start := time.Now()
	at := r.now()
	due, err := r.subs.ListDue(ctx, at)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Due: len(due)}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}
		switch r.chargeOne(ctx, sub, at) {
		case outcomeCharged:
			summary.Charged++
		case outcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	summary.Duration = time.Since(start)

	r.logger.Info("billing run finished", map[string]any{
		"due":      summary.Due,
		"charged":  summary.Charged,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"duration": summary.Duration.String(),
	})
	return summary, nil
}

type outcome int

const (
	outcomeCharged outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (r *Runner) chargeOne(ctx context.Context, sub *types.Subscription, at time.Time) outcome {
	labels := map[string]string{"currency": "USDC"}
	fields := map[string]any{
		"subscriptionId": sub.ID,
		"wallet":         sub.Wallet,
		"plan":           string(sub.Plan),
		"amountUSDC":     sub.AmountUSDC.String(),
	}

	var receipt *types.Receipt
	renewed, err := r.subs.ChargePeriod(ctx, sub.ID, at, func(ctx context.Context, cur *types.Subscription) error {
		var err error
		receipt, err = r.charger.ChargeSubscription(ctx, cur)
		return err
	})
	if receipt != nil {
		fields["signature"] = receipt.Signature
	}

	switch {
	case err == nil:
		fields["nextChargeAt"] = renewed.NextChargeAt
		r.metrics.IncCounter(metrics.EventChargeSucceeded, labels)
		r.logger.Info("subscription charged", fields)
		return outcomeCharged

	case receipt != nil:
		// paid, but the record could not be renewed or the payment is unconfirmed
		fields["error"] = err
		r.metrics.IncCounter(metrics.EventChargeFailed, labels)
		r.logger.Error("subscription charge submitted but not renewed", fields)
		return outcomeFailed

	case errors.Is(err, types.ErrNotDue), errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrNotFound):
		fields["reason"] = err
		r.logger.Info("subscription no longer due, skipped", fields)
		return outcomeSkipped

	case types.IsInvalidInput(err):
		fields["error"] = err
		r.metrics.IncCounter(metrics.EventChargeFailed, labels)
		r.logger.Error("subscription cannot be charged by the configured signer", fields)
		return outcomeFailed

	default:
		fields["error"] = err
		r.metrics.IncCounter(metrics.EventChargeFailed, labels)
		r.logger.Error("subscription charge failed", fields)
		return outcomeFailed
	}
}
