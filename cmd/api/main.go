package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/cache"
	"crashgame/internal/chat"
	"crashgame/internal/config"
	"crashgame/internal/console"
	"crashgame/internal/database"
	"crashgame/internal/events"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/promo"
	"crashgame/internal/server"
	"crashgame/internal/withdraw"
)

const archiveLimit = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Application error")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var (
		ledgerOpts   []ledger.Option
		withdrawOpts []withdraw.Option
		gameOpts     []game.Option
		archives     []server.RoundArchive
		closers      []io.Closer
		users        []ledger.User
		db           database.Service
		rdb          cache.Service
		dbRounds     *database.RoundRepository
	)

	if cfg.Database.Enabled() {
		if err := database.Migrate(cfg.Database); err != nil {
			return err
		}
		var err error
		db, err = database.New(ctx, cfg.Database)
		if err != nil {
			return err
		}

		userRepo := database.NewUserRepository(db.Pool())
		users, err = userRepo.LoadUsers(ctx)
		if err != nil {
			return err
		}
		closers = append(closers, userRepo)
		ledgerOpts = append(ledgerOpts, ledger.WithStore(userRepo))
		withdrawOpts = append(withdrawOpts, withdraw.WithStore(database.NewWithdrawalRepository(db.Pool())))

		dbRounds = database.NewRoundRepository(db.Pool(), archiveLimit)
		last, err := dbRounds.LastRoundID(ctx)
		if err != nil {
			return err
		}
		gameOpts = append(gameOpts, game.WithObserver(dbRounds), game.WithLastRound(last))
	} else {
		log.Warn("BLUEPRINT_DB_HOST not set, balances live in memory only")
	}

	if cfg.Redis.Enabled() {
		var err error
		rdb, err = cache.New(cfg.Redis, cfg.Game.HistorySize)
		if err != nil {
			return err
		}
		gameOpts = append(gameOpts, game.WithObserver(rdb))
		archives = append(archives, rdb)
	}
	if dbRounds != nil {
		archives = append(archives, dbRounds)
	}

	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		gameOpts = append(gameOpts, game.WithObserver(pub))
		withdrawOpts = append(withdrawOpts, withdraw.WithPublisher(pub))
	}

	accounts := ledger.New(cfg.AdminUserID, ledgerOpts...)
	accounts.Load(users)

	hub := game.NewHub(game.NewSessions())
	manager := game.NewManager(cfg.Game, hub, accounts, hub, gameOpts...)
	promos := promo.NewRegistry(accounts)
	withdrawals := withdraw.NewService(accounts, withdrawOpts...)
	if err := withdrawals.Load(ctx); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Ledger:      accounts,
		Manager:     manager,
		Hub:         hub,
		Chat:        chat.NewHistory(),
		Promos:      promos,
		Withdrawals: withdrawals,
		DB:          db,
		Cache:       rdb,
		Archives:    archives,
		Closers:     closers,
	})
	srv.RegisterFiberRoutes()
	srv.StartGame()

	admin := console.New(accounts, promos, withdrawals, hub)
	go func() {
		if err := admin.Run(ctx, os.Stdin, os.Stdout); err != nil {
			log.WithError(err).Warn("Console stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.WithFields(log.Fields{"addr": addr, "env": cfg.AppEnv}).Info("Server listening")
		errCh <- srv.Listen(addr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errCh:
	}

	if err := srv.Shutdown(); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
	log.Info("Server stopped")
	return errors.Wrap(listenErr, "http server")
}
