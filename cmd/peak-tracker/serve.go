package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"peak-tracker-service/internal/app"
	"peak-tracker-service/internal/config"
	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/http/handler"
	"peak-tracker-service/internal/http/router"
	"peak-tracker-service/internal/observability"
	"peak-tracker-service/internal/repository"
	"peak-tracker-service/internal/service"
	"peak-tracker-service/internal/sweeper"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server and expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, loggerProvider, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		return err
	}
	defer func() {
		if err := runtime.Shutdown(context.Background()); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	db, err := repository.Open(cfg.Database)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	changeFeed := feed.NewRedisFeed(redisClient, logger, cfg.Session.FeedBuffer)
	svc := service.NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewMemberRepository(db),
		changeFeed,
		logger,
	)

	h := router.NewRouter(router.Dependencies{
		SessionHandler: handler.NewSessionHandler(svc, logger),
		FeedHandler:    handler.NewFeedHandler(svc, changeFeed, logger),
		CreateRPM:      cfg.Server.CreateRPM,
		BodyLimit:      cfg.Server.BodyLimit,
		EnableOTelHTTP: cfg.Observability.TracingEnabled,
		ReadyCheck: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: h,
		// Write deadlines are per-message on the feed websocket; a global
		// WriteTimeout would kill long-lived streams.
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sw := sweeper.New(svc, cfg.Session.SweepInterval, logger)
	return app.New(cfg, logger, server, sw, runtime).Run(ctx)
}
