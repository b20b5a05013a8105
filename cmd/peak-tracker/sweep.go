package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"peak-tracker-service/internal/config"
	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/observability"
	"peak-tracker-service/internal/repository"
	"peak-tracker-service/internal/service"
)

// sweep is the cron entry point: one idempotent cleanup pass, then exit.
func newSweepCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")
	return cmd
}

func runSweep(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, _, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return err
	}

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

	svc := service.NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewMemberRepository(db),
		feed.NewRedisFeed(redisClient, logger, cfg.Session.FeedBuffer),
		logger,
	)

	cleaned, err := svc.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]int64{"cleaned": cleaned})
}
