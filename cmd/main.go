package main

import (
	grpcserver "chat-relay/infrastructure/grpc/server"
	"chat-relay/infrastructure/rest"
	"chat-relay/infrastructure/ws"
	"chat-relay/internal"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/search"
	"chat-relay/services"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until a signal or a server failure.
// Deferred closes run before main exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Storage
	messages, users, closer, err := openStore(config, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store...", "driver", config.StoreDriver)
		_ = closer.Close()
	}()

	index, err := search.NewIndex(config.SearchIndexPath, log)
	if err != nil {
		return fmt.Errorf("search index opening failed: %w", err)
	}
	defer func() { _ = index.Close() }()

	moderator, err := loadModerator(config, log)
	if err != nil {
		return err
	}

	// 3. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Core
	hub := ws.NewHub(log)
	registry := runtime.NewRegistry()
	router := runtime.NewRouter(log, registry, users, messages, hub, moderator, runtime.RouterConfig{
		SnapshotSize:      config.HistorySnapshotSize,
		RequireRegistered: config.RequireRegisteredUsers,
		MaxBodyLength:     config.MaxBodyLength,
		PushTimeout:       config.PushTimeout,
		SinkTimeout:       config.SinkTimeout,
	})
	router.Add(index)

	// 5. Servers
	wsHandler := ws.NewHandler(ctx, log, hub, router, ws.Config{
		MaxMessageSize:    config.MaxMessageSize,
		BufferSize:        config.ConnectionBufferSize,
		RateLimitBurst:    config.RateLimitBurst,
		RateLimitInterval: config.RateLimitInterval,
		AllowedOrigins:    config.Origins(),
	})
	restServer := rest.NewServer(log, fmt.Sprintf("%s:%d", config.Host, config.Port),
		services.NewUserService(log, users),
		services.NewChatService(messages, index, router),
		registry, wsHandler)
	healthServer := grpcserver.NewHealthServer(log)

	// 6. Supervision
	supervisor := workers.NewSupervisor(log, config.RestartInterval)
	supervisor.Add(workers.NewHealthMonitoringWorker(log, registry, messages, config.MetricInterval,
		func(snapshot workers.HealthSnapshot) { healthServer.SetServing(snapshot.Healthy) }))
	go supervisor.Run(ctx)

	errChan := make(chan error, 2)
	go func() {
		if err := restServer.Start(); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := healthServer.ListenAndServe(fmt.Sprintf("%s:%d", config.Host, config.GrpcPort)); err != nil {
			errChan <- err
		}
	}()

	// 7. Wait for Stop or Error
	var failure error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case failure = <-errChan:
		log.Error("Server failed, shutting down", "error", failure)
	}

	// 8. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	healthServer.Stop(shutdownCtx)
	if err := restServer.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP server did not stop cleanly", "error", err)
	}
	hub.Shutdown()
	supervisor.Stop()
	log.Info("Program stopped cleanly")

	return failure
}

// openStore returns the message store and the identity directory for the configured driver.
func openStore(config internal.Config, log *slog.Logger) (
	repositories.IMessageRepository, repositories.IUserRepository, io.Closer, error) {
	switch config.StoreDriver {
	case internal.StoreSQLite:
		store, err := repositories.OpenSQLite(config.SQLiteFilepath, log, nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		return store, store, store, nil
	default:
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
			WithLoggingLevel(badger.WARNING))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		messages, err := repositories.NewMessageRepository(db, log, nil)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return messages, repositories.NewUserRepository(db), db, nil
	}
}

// loadModerator returns nil when no dictionary directory is configured.
func loadModerator(config internal.Config, log *slog.Logger) (*moderation.Moderator, error) {
	if config.CensoredDir == "" {
		log.Info("No censored dictionary configured, moderation disabled")
		return nil, nil
	}
	data, err := runtime.NewCensoredLoader(os.DirFS(config.CensoredDir)).LoadAll(".")
	if err != nil {
		return nil, fmt.Errorf("censored words loading failed: %w", err)
	}
	char, err := internal.CharacterRune(config.CharacterReplacement)
	if err != nil {
		return nil, err
	}
	moderator, err := moderation.NewModerator(data.Words, char, log)
	if err != nil {
		return nil, err
	}
	log.Info("Moderation enabled", "words", len(data.Words), "languages", data.Languages)
	return moderator, nil
}
