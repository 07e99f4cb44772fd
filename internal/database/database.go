package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/config"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	Health() map[string]string

	// Pool exposes the connection pool to the repositories.
	Pool() *pgxpool.Pool

	// Close terminates the database connection.
	Close() error
}

type service struct {
	pool *pgxpool.Pool
	name string
}

// New opens a pool against cfg and verifies it with a ping.
func New(ctx context.Context, cfg config.Database) (Service, error) {
	pool, err := pgxpool.New(ctx, cfg.URL())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	log.WithFields(log.Fields{"host": cfg.Host, "database": cfg.Name}).Info("Database connected")
	return &service{pool: pool, name: cfg.Name}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	st := s.pool.Stat()
	stats["total_conns"] = strconv.Itoa(int(st.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(st.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(st.AcquiredConns()))
	stats["acquire_count"] = strconv.FormatInt(st.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(st.EmptyAcquireCount(), 10)

	if st.AcquiredConns() >= st.MaxConns() && st.MaxConns() > 0 {
		stats["message"] = "The database is under heavy load."
	}
	if st.EmptyAcquireCount() > 1000 {
		stats["message"] = "Many acquires waited for a free connection, consider raising pool_max_conns."
	}

	return stats
}

// Close closes the database connection pool.
func (s *service) Close() error {
	log.WithField("database", s.name).Info("Disconnected from database")
	s.pool.Close()
	return nil
}
