package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"edfi_sync/internal/config"
	"edfi_sync/internal/mapping"
	"edfi_sync/internal/metrics"
	"edfi_sync/internal/publisher"
	"edfi_sync/internal/service"
	"edfi_sync/internal/source/edfi"
	"edfi_sync/internal/storage/postgres"
	"edfi_sync/internal/vault"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sqlx.DB
	mq       *publisher.RabbitMQ
	registry *service.Registry
	sync     *service.SyncService
	metrics  *prometheus.Registry
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := setupLogger(level)

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Debug("connected to database")

	mqCfg := publisher.Config{
		URL:            cfg.RabbitMQ.URL,
		EventsExchange: cfg.RabbitMQ.EventsExchange,
		JobsExchange:   cfg.RabbitMQ.JobsExchange,
		JobsQueue:      cfg.RabbitMQ.JobsQueue,
		JobsRoutingKey: cfg.RabbitMQ.JobsRoutingKey,
		Prefetch:       cfg.RabbitMQ.Prefetch,
	}
	mq, err := publisher.NewRabbitMQ(mqCfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	secrets, err := vault.New(cfg.Vault.Key)
	if err != nil {
		mq.Close()
		db.Close()
		return nil, fmt.Errorf("init vault: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	connections := postgres.NewConnectionStore(db)

	tokens := edfi.NewTokenCache(edfi.TokenCacheConfig{
		Timeout:      cfg.Remote.Timeout,
		ExpiryBuffer: cfg.Remote.TokenExpiryBuffer,
		DefaultTTL:   cfg.Remote.DefaultTokenTTL,
	}, connections, secrets, logger, edfi.WithTokenMetrics(m))

	client := edfi.New(edfi.Config{
		Timeout:           cfg.Remote.Timeout,
		MaxAttempts:       cfg.Remote.MaxAttempts,
		BackoffBase:       cfg.Remote.BackoffBase,
		DefaultRetryAfter: cfg.Remote.DefaultRetryAfter,
	}, tokens, logger, edfi.WithMetrics(m))

	stores := service.Stores{
		Connections: connections,
		Jobs:        postgres.NewJobStore(db),
		Mappings:    postgres.NewMappingStore(db),
		Conflicts:   postgres.NewConflictStore(db),
		Changes:     postgres.NewChangeStore(db),
		Records:     postgres.NewRecordStore(db),
		TxManager:   postgres.NewTransactionManager(db),
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		mq:       mq,
		registry: service.NewRegistry(connections, secrets, tokens, client, mq, logger),
		sync:     service.NewSyncService(stores, client, tokens, mapping.NewEngine(logger), mq, mq, m, logger, cfg.Sync),
		metrics:  reg,
	}, nil
}

func (a *app) publisherConfig() publisher.Config {
	return publisher.Config{
		JobsQueue: a.cfg.RabbitMQ.JobsQueue,
		Prefetch:  a.cfg.RabbitMQ.Prefetch,
	}
}

func (a *app) close() {
	if err := a.mq.Close(); err != nil {
		a.logger.Warn("failed to close rabbitmq", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}
