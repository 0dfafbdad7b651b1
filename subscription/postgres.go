package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paykit/types"
)

const (
	pgUniqueViolation   = "23505"
	oneActiveConstraint = "subscriptions_one_active_per_wallet"
)

// Schema creates the subscriptions table. The partial unique index enforces
// one ACTIVE record per wallet inside the database.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id             TEXT PRIMARY KEY,
	wallet         TEXT NOT NULL,
	plan           TEXT NOT NULL,
	amount_usdc    NUMERIC NOT NULL CHECK (amount_usdc > 0),
	status         TEXT NOT NULL CHECK (status IN ('ACTIVE', 'PAUSED', 'CANCELLED')),
	created_at     TIMESTAMPTZ NOT NULL,
	next_charge_at TIMESTAMPTZ,
	CHECK ((status = 'ACTIVE') = (next_charge_at IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_active_per_wallet
	ON subscriptions (wallet) WHERE status = 'ACTIVE';

CREATE INDEX IF NOT EXISTS subscriptions_wallet_idx ON subscriptions (wallet, created_at);

CREATE INDEX IF NOT EXISTS subscriptions_due_idx
	ON subscriptions (next_charge_at) WHERE status = 'ACTIVE';
`

const selectColumns = `id, wallet, plan, amount_usdc::text, status, created_at, next_charge_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate subscriptions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, sub *types.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, wallet, plan, amount_usdc, status, created_at, next_charge_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		sub.ID,
		sub.Wallet,
		string(sub.Plan),
		sub.AmountUSDC.String(),
		string(sub.Status),
		sub.CreatedAt,
		sub.NextChargeAt,
	)
	if err != nil {
		return mapWriteError(err, sub)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Subscription, error) {
	query := `SELECT ` + selectColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

func (s *PostgresStore) Update(ctx context.Context, next, prev *types.Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan = $2, amount_usdc = $3::numeric, status = $4, next_charge_at = $5
		WHERE id = $1 AND status = $6 AND next_charge_at IS NOT DISTINCT FROM $7
	`
	tag, err := s.pool.Exec(ctx, query,
		next.ID,
		string(next.Plan),
		next.AmountUSDC.String(),
		string(next.Status),
		next.NextChargeAt,
		string(prev.Status),
		prev.NextChargeAt,
	)
	if err != nil {
		return mapWriteError(err, next)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, next.ID)
	if err != nil {
		return err
	}
	return concurrentModification(cur, prev)
}

func (s *PostgresStore) ListByWallet(ctx context.Context, wallet string) ([]*types.Subscription, error) {
	query := `SELECT ` + selectColumns + ` FROM subscriptions WHERE wallet = $1 ORDER BY created_at, id`
	return s.list(ctx, query, wallet)
}

func (s *PostgresStore) ListDue(ctx context.Context, at time.Time) ([]*types.Subscription, error) {
	query := `
		SELECT ` + selectColumns + ` FROM subscriptions
		WHERE status = 'ACTIVE' AND next_charge_at <= $1
		ORDER BY next_charge_at
	`
	return s.list(ctx, query, at)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*types.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		sub        types.Subscription
		plan       string
		amount     string
		status     string
		nextCharge *time.Time
	)
	if err := row.Scan(&sub.ID, &sub.Wallet, &plan, &amount, &status, &sub.CreatedAt, &nextCharge); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	sub.Plan = types.PlanTier(plan)
	sub.AmountUSDC = parsed
	sub.Status = types.SubscriptionStatus(status)
	sub.CreatedAt = sub.CreatedAt.UTC()
	if nextCharge != nil {
		next := nextCharge.UTC()
		sub.NextChargeAt = &next
	}
	return &sub, nil
}

func mapWriteError(err error, sub *types.Subscription) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == oneActiveConstraint {
		return duplicateActive(sub.Wallet)
	}
	return fmt.Errorf("write subscription %s: %w", sub.ID, err)
}
