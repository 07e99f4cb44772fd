package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/config"
	"crashgame/internal/game"
)

const (
	KEY_ROUND_PREFIX  = "crash:round:"
	KEY_CURRENT_ROUND = "crash:round:current"
	KEY_HISTORY       = "crash:history"
	ROUND_TTL         = time.Hour
	WRITE_TIMEOUT     = 2 * time.Second
)

// Service mirrors round state into Redis for readers outside the game
// process. It is a game.RoundObserver.
type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error

	RoundStarted(snap game.RoundSnapshot)
	RoundSettled(result game.RoundResult)
	CurrentRound(ctx context.Context) (*game.RoundSnapshot, error)
	RecentRounds(ctx context.Context) ([]game.RoundResult, error)
}

type service struct {
	client      *redis.Client
	historySize int64
}

// New connects to Redis and fails when the server does not answer a ping.
func New(cfg config.Redis, historySize int) (Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}

	log.WithField("addr", cfg.Addr).Info("Redis connected")
	return NewWithClient(client, historySize), nil
}

func NewWithClient(client *redis.Client, historySize int) Service {
	return &service{client: client, historySize: int64(historySize)}
}

func RoundKey(id int64) string {
	return KEY_ROUND_PREFIX + strconv.FormatInt(id, 10)
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

func (s *service) RoundStarted(snap game.RoundSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.WithError(err).Error("Failed to marshal round snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), WRITE_TIMEOUT)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, RoundKey(snap.RoundID), data, ROUND_TTL)
	pipe.Set(ctx, KEY_CURRENT_ROUND, data, ROUND_TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).WithField("round_id", snap.RoundID).Error("Failed to cache round")
	}
}

func (s *service) RoundSettled(result game.RoundResult) {
	data, err := json.Marshal(result)
	if err != nil {
		log.WithError(err).Error("Failed to marshal round result")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), WRITE_TIMEOUT)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, RoundKey(result.RoundID), data, ROUND_TTL)
	pipe.LPush(ctx, KEY_HISTORY, data)
	pipe.LTrim(ctx, KEY_HISTORY, 0, s.historySize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).WithField("round_id", result.RoundID).Error("Failed to cache round result")
	}
}

// CurrentRound returns the snapshot of the most recently started round, or nil
// when none is cached.
func (s *service) CurrentRound(ctx context.Context) (*game.RoundSnapshot, error) {
	data, err := s.client.Get(ctx, KEY_CURRENT_ROUND).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get current round")
	}

	var snap game.RoundSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decode current round")
	}
	return &snap, nil
}

// RecentRounds returns settled rounds, newest first.
func (s *service) RecentRounds(ctx context.Context) ([]game.RoundResult, error) {
	items, err := s.client.LRange(ctx, KEY_HISTORY, 0, s.historySize-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read round history")
	}

	results := make([]game.RoundResult, 0, len(items))
	for _, item := range items {
		var r game.RoundResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, errors.Wrap(err, "decode round history")
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Info("Disconnecting from Redis")
	return s.client.Close()
}
