package server

import (
	"context"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/cache"
	"crashgame/internal/chat"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/promo"
	"crashgame/internal/withdraw"
)

const shutdownTimeout = 5 * time.Second

// RoundArchive serves settled rounds, newest first.
type RoundArchive interface {
	RecentRounds(ctx context.Context) ([]game.RoundResult, error)
}

// Deps are the components the server exposes. DB, Cache, Archives and Closers
// are optional. Closers run after the game stops and before the backends
// close.
type Deps struct {
	Ledger      *ledger.Ledger
	Manager     *game.Manager
	Hub         *game.Hub
	Chat        *chat.History
	Promos      *promo.Registry
	Withdrawals *withdraw.Service

	DB       database.Service
	Cache    cache.Service
	Archives []RoundArchive
	Closers  []io.Closer
}

type FiberServer struct {
	*fiber.App

	ledger      *ledger.Ledger
	gameManager *game.Manager
	gameHub     *game.Hub
	chat        *chat.History
	promos      *promo.Registry
	withdrawals *withdraw.Service

	db       database.Service
	cache    cache.Service
	archives []RoundArchive
	closers  []io.Closer
}

func New(d Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          "crashgame",
			AppName:               "crashgame",
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
			IdleTimeout:           120 * time.Second,
			StrictRouting:         false,
			DisableStartupMessage: true,
		}),

		ledger:      d.Ledger,
		gameManager: d.Manager,
		gameHub:     d.Hub,
		chat:        d.Chat,
		promos:      d.Promos,
		withdrawals: d.Withdrawals,
		db:          d.DB,
		cache:       d.Cache,
		archives:    d.Archives,
		closers:     d.Closers,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		// websocket upgrades are exempt
		Next: func(c *fiber.Ctx) bool { return c.Path() == "/ws" },
	}))

	return server
}

// StartGame starts the broadcast hub and the round engine.
func (s *FiberServer) StartGame() {
	go s.gameHub.Run()
	s.gameManager.Start()
	log.Info("Game manager and hub started")
}

// Shutdown stops accepting connections, halts the game and closes the
// optional backends.
func (s *FiberServer) Shutdown() error {
	log.Info("Shutting down server")

	err := s.App.ShutdownWithTimeout(shutdownTimeout)

	if s.gameManager != nil {
		s.gameManager.Stop()
	}
	if s.gameHub != nil {
		s.gameHub.Stop()
	}

	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing component failed")
		}
	}

	if s.cache != nil {
		if cerr := s.cache.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing redis failed")
		}
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing database failed")
		}
	}
	return err
}
