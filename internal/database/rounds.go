package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/game"
)

// RoundRepository archives settled rounds. It is a game.RoundObserver.
type RoundRepository struct {
	pool  *pgxpool.Pool
	limit int
}

func NewRoundRepository(pool *pgxpool.Pool, limit int) *RoundRepository {
	return &RoundRepository{pool: pool, limit: limit}
}

func (r *RoundRepository) RoundStarted(game.RoundSnapshot) {}

func (r *RoundRepository) RoundSettled(result game.RoundResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Save(ctx, result); err != nil {
		log.WithError(err).WithField("round_id", result.RoundID).Error("Failed to archive round")
	}
}

func (r *RoundRepository) Save(ctx context.Context, res game.RoundResult) error {
	winners, err := json.Marshal(res.Winners)
	if err != nil {
		return errors.Wrap(err, "marshal winners")
	}

	_, err = r.pool.Exec(ctx, `
INSERT INTO rounds (id, crash_point, server_seed, client_seed, commitment, nonce, bet_count, total_wagered, total_paid, winners, started_at, crashed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`,
		res.RoundID, res.CrashPoint, res.ServerSeed, res.ClientSeed, res.Commitment, res.Nonce,
		res.BetCount, res.TotalWagered, res.TotalPaid, winners, res.StartedAt, res.CrashedAt,
	)
	return errors.Wrapf(err, "insert round %d", res.RoundID)
}

// LastRoundID returns the highest archived round id, or 0.
func (r *RoundRepository) LastRoundID(ctx context.Context) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM rounds`).Scan(&id)
	return id, errors.Wrap(err, "query last round id")
}

// RecentRounds returns archived rounds, newest first.
func (r *RoundRepository) RecentRounds(ctx context.Context) ([]game.RoundResult, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, crash_point::float8, server_seed, client_seed, commitment, nonce, bet_count,
       total_wagered::float8, total_paid::float8, winners, started_at, crashed_at
FROM rounds ORDER BY id DESC LIMIT $1`, r.limit)
	if err != nil {
		return nil, errors.Wrap(err, "query rounds")
	}
	defer rows.Close()

	var out []game.RoundResult
	for rows.Next() {
		var (
			res     game.RoundResult
			winners []byte
		)
		if err := rows.Scan(
			&res.RoundID, &res.CrashPoint, &res.ServerSeed, &res.ClientSeed, &res.Commitment, &res.Nonce,
			&res.BetCount, &res.TotalWagered, &res.TotalPaid, &winners, &res.StartedAt, &res.CrashedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan round")
		}
		if err := json.Unmarshal(winners, &res.Winners); err != nil {
			return nil, errors.Wrap(err, "decode winners")
		}
		out = append(out, res)
	}
	return out, errors.Wrap(rows.Err(), "iterate rounds")
}
