package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reedfamily/cs2instance/internal/config"
	"github.com/reedfamily/cs2instance/internal/db"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and supervise the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log.Configure(log.Config{Level: cfg.LogLevel})
			logger := log.WithComponent("main")
			logger.Info().Str("version", version).Str("commit", commit).Str("data_dir", cfg.DataDir).Msg("starting")

			database, err := db.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			if err := db.Migrate(database); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			srv, err := server.New(cfg, database)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("shut down")
			return nil
		},
	}
}
