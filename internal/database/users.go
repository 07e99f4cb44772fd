package database

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/ledger"
)

const userWriteTimeout = 3 * time.Second

const upsertUserSQL = `
INSERT INTO users (id, name, balance, is_admin, total_bets, total_wagered, total_wins, total_won, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    balance = EXCLUDED.balance,
    is_admin = EXCLUDED.is_admin,
    total_bets = EXCLUDED.total_bets,
    total_wagered = EXCLUDED.total_wagered,
    total_wins = EXCLUDED.total_wins,
    total_won = EXCLUDED.total_won,
    updated_at = NOW()`

// UserRepository persists ledger users. As a ledger.Store it never blocks the
// ledger: changes are coalesced per user and written by a background writer,
// so the row always converges on the latest in-memory state.
type UserRepository struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	pending map[string]ledger.User
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	r := &UserRepository{
		pool:    pool,
		pending: make(map[string]ledger.User),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// SaveUser queues u for writing.
func (r *UserRepository) SaveUser(u ledger.User) {
	r.mu.Lock()
	r.pending[u.ID] = u
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close flushes queued users and stops the writer. It must run before the
// pool is closed.
func (r *UserRepository) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *UserRepository) run() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.flush()
		case <-r.stop:
			r.flush()
			return
		}
	}
}

func (r *UserRepository) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]ledger.User)
	r.mu.Unlock()

	for id, u := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), userWriteTimeout)
		err := r.Upsert(ctx, u)
		cancel()
		if err == nil {
			continue
		}

		log.WithError(err).WithField("user_id", id).Error("Failed to persist user")
		// keep it for the next flush unless a newer copy arrived meanwhile
		r.mu.Lock()
		if _, newer := r.pending[id]; !newer {
			r.pending[id] = u
		}
		r.mu.Unlock()
	}
}

func (r *UserRepository) Upsert(ctx context.Context, u ledger.User) error {
	_, err := r.pool.Exec(ctx, upsertUserSQL,
		u.ID, u.Name, u.Balance, u.IsAdmin,
		u.Stats.TotalBets, u.Stats.TotalWagered, u.Stats.TotalWins, u.Stats.TotalWon,
		u.CreatedAt,
	)
	return errors.Wrapf(err, "upsert user %s", u.ID)
}

// LoadUsers reads every persisted user for ledger.Load.
func (r *UserRepository) LoadUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, name, balance::float8, is_admin, total_bets, total_wagered::float8, total_wins, total_won::float8, created_at
FROM users ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query users")
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		var u ledger.User
		if err := rows.Scan(
			&u.ID, &u.Name, &u.Balance, &u.IsAdmin,
			&u.Stats.TotalBets, &u.Stats.TotalWagered, &u.Stats.TotalWins, &u.Stats.TotalWon,
			&u.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "iterate users")
}
