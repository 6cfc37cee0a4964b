package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"realtimeService/config"
	"realtimeService/pkg/api"
	"realtimeService/pkg/app"
	"realtimeService/pkg/broker"
	"realtimeService/pkg/repository"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// runner is a notification bus with its own delivery loop.
type runner interface {
	api.Bus
	Run(ctx context.Context) error
}

type storage interface {
	api.ChatRepository
	api.CallRepository
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	var verifier api.TokenVerifier
	var store storage = repository.NewMemoryStorage()

	if cfg.StorageDriver == config.StorageFirestore || !cfg.AuthDisabled {
		firebaseApp, err := config.SetupFirebase(ctx, cfg)
		if err != nil {
			return exitRuntime, err
		}

		if cfg.StorageDriver == config.StorageFirestore {
			client, err := firebaseApp.Firestore(ctx)
			if err != nil {
				return exitRuntime, fmt.Errorf("firestore client: %w", err)
			}
			defer func() {
				_ = client.Close()
			}()
			store = repository.NewStorage(client)
		}

		if !cfg.AuthDisabled {
			authClient, err := firebaseApp.Auth(ctx)
			if err != nil {
				return exitRuntime, fmt.Errorf("firebase auth client: %w", err)
			}
			verifier = authClient
		}
	}
	if cfg.AuthDisabled {
		logger.Warn("Authentication disabled, handshake identities are trusted as is")
	}

	var profiles *api.ProfileService
	if cfg.DatabaseUrl != "" {
		db, err := config.SetupDatabase(ctx, cfg.DatabaseUrl)
		if err != nil {
			return exitRuntime, err
		}
		defer db.Close()
		logger.Info("Successfully connected to database")
		profiles = api.NewProfileService(repository.NewProfileStorage(db))
	}

	var bus runner = api.NewLocalBus(logger, cfg.NotificationBufferSize)
	if cfg.RedisUrl != "" {
		redisBus, err := broker.NewRedisBus(ctx, cfg.RedisUrl, logger)
		if err != nil {
			return exitRuntime, err
		}
		defer func() {
			_ = redisBus.Close()
		}()
		bus = redisBus
	}

	hub := api.NewHub(logger)
	chat := api.NewChatService(store, profiles, logger, cfg.SearchLimit, cfg.HistoryLimit)
	calls := api.NewCallCoordinator(store, logger, cfg.CallRingTimeout, cfg.CallActiveTimeout)
	gateway := api.NewGateway(hub, chat, calls, bus, verifier, logger, cfg.EventTimeout)

	bus.Subscribe(api.NewNotifier(hub, logger))
	go func() {
		if err := bus.Run(ctx); err != nil {
			logger.Error("Notification bus stopped", "error", err)
		}
	}()
	go calls.RunSweeper(ctx, cfg.CallSweepInterval, cfg.CallRetention)

	server := app.NewServer(chi.NewRouter(), hub, chat, calls, gateway, logger, app.Options{
		AllowedOrigins:  cfg.Origins(),
		SendBufferSize:  cfg.SendBufferSize,
		AuthTimeout:     cfg.AuthTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	logger.Info("Starting realtime service", slog.String("storage", cfg.StorageDriver), slog.Bool("redis", cfg.RedisUrl != ""))
	if err := server.Run(ctx, cfg.Addr()); err != nil && !errors.Is(err, context.Canceled) {
		return exitRuntime, err
	}
	return exitOK, nil
}
