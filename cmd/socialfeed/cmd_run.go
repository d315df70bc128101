package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"socialfeed/internal/config"
	"socialfeed/internal/logging"
	"socialfeed/internal/metrics"
	"socialfeed/internal/service"
	"socialfeed/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion service",
	Long: `Start the full ingestion service: the bot account pool, the list
pollers, the subscription protocol and the feed writer. Runs until
interrupted.`,
	RunE: runService,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		cmd.Println("Config written to:", configPath)
		return nil
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			return config.Config{}, err
		}
	}
	cfg.ResolveEnv()
	return cfg, nil
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Metrics.Addr != "" {
		metrics.StartServer(cfg.Metrics.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("db", cfg.Storage.DBPath).Msg("starting ingestion service")
	svc := service.New(db, cfg, log)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shut down")
	return nil
}
