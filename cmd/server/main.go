package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/feed"
	"chatrelay/internal/gateway"
	"chatrelay/internal/server"
	"chatrelay/internal/storage"
	"chatrelay/internal/storage/mongodb"
	"chatrelay/internal/storage/postgres"
	"chatrelay/internal/storage/sqlite"
	"chatrelay/internal/stream"

	"github.com/caarlos0/env/v6"
	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	if err := run(sugar); err != nil {
		sugar.Fatal(err)
	}
}

func run(logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		serverCfg  server.EnvConfig
		storageCfg storage.Config
		streamCfg  stream.Config
	)
	for _, cfg := range []interface{}{&serverCfg, &storageCfg, &streamCfg} {
		if err := env.Parse(cfg); err != nil {
			return fmt.Errorf("cannot parse env config: %w", err)
		}
	}
	if err := storageCfg.Validate(); err != nil {
		return err
	}

	store, err := openStore(ctx, logger, storageCfg)
	if err != nil {
		return fmt.Errorf("cannot open %s store: %w", storageCfg.Backend, err)
	}

	adapter := feed.NewAdapter(logger.Named("feed"), store, streamCfg.DedupWindow)
	relay := stream.NewRelay(logger.Named("stream"), adapter, streamCfg)
	gw := gateway.New(logger.Named("gateway"), store)

	srv := server.NewServer(logger, gw, relay,
		server.WithEnvConfig(serverCfg),
		server.RequestTimeout(30*time.Second, "Request timed out"),
		server.RegisterAfterShutdown(func() {
			logger.Info("Closing store")
			if err := store.Close(); err != nil {
				logger.Errorf("store.Close: %v", err)
			}
			logger.Info("Store is closed")
		}),
	)

	return srv.Start(ctx)
}

// openStore connects the backend selected by STORE_BACKEND
func openStore(ctx context.Context, logger *zap.SugaredLogger, cfg storage.Config) (storage.MessageStore, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	switch cfg.Backend {
	case storage.BackendMongo:
		return mongodb.New(ctx, logger.Named("mongo"), cfg)
	case storage.BackendSQLite:
		return sqlite.New(ctx, logger.Named("sqlite"), cfg.SQLitePath)
	default:
		level, err := pgx.LogLevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("POSTGRES_LOG_LEVEL: %w", err)
		}
		return postgres.New(ctx, logger.Named("postgres"), cfg,
			postgres.ConnectionTimeout(cfg.ConnectTimeout),
			postgres.MaxConns(cfg.MaxConns),
			postgres.LogLevel(level),
		)
	}
}
