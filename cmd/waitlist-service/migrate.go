package main

import (
	"context"
	"fmt"

	"qms/waitlist-service/internal/config"
	"qms/waitlist-service/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			applied, err := runMigrations(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func runMigrations(ctx context.Context, cfg config.Config) ([]string, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "db connect")
	}
	defer pool.Close()

	applied, err := postgres.Migrate(ctx, pool)
	if err != nil {
		return nil, err
	}
	log.Info().Int("count", len(applied)).Msg("migrations applied")
	return applied, nil
}
