package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"crashgame/internal/withdraw"
)

// WithdrawalRepository is the withdraw.Store backed by Postgres.
type WithdrawalRepository struct {
	pool *pgxpool.Pool
}

func NewWithdrawalRepository(pool *pgxpool.Pool) *WithdrawalRepository {
	return &WithdrawalRepository{pool: pool}
}

func (r *WithdrawalRepository) SaveWithdrawal(ctx context.Context, w withdraw.Request) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO withdrawals (id, user_id, user_name, amount, details, status, created_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    resolved_at = EXCLUDED.resolved_at`,
		w.ID, w.UserID, w.UserName, w.Amount, w.Details, string(w.Status), w.CreatedAt, w.ResolvedAt,
	)
	return errors.Wrapf(err, "save withdrawal %s", w.ID)
}

func (r *WithdrawalRepository) LoadWithdrawals(ctx context.Context) ([]withdraw.Request, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, user_name, amount::float8, details, status, created_at, resolved_at
FROM withdrawals ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "query withdrawals")
	}
	defer rows.Close()

	var out []withdraw.Request
	for rows.Next() {
		var (
			w      withdraw.Request
			status string
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.UserName, &w.Amount, &w.Details, &status, &w.CreatedAt, &w.ResolvedAt); err != nil {
			return nil, errors.Wrap(err, "scan withdrawal")
		}
		w.Status = withdraw.Status(status)
		out = append(out, w)
	}
	return out, errors.Wrap(rows.Err(), "iterate withdrawals")
}
