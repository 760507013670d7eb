package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"qms/waitlist-service/internal/config"
	"qms/waitlist-service/internal/logging"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const serviceName = "waitlist-service"

type cli struct {
	envFiles []string
	cfg      config.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Restaurant waitlist service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(c.envFiles...); err != nil {
				return errors.Wrap(err, "load env file")
			}
			c.cfg = config.Load()
			logging.Setup(c.cfg.LogLevel, c.cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "env files loaded before reading configuration (default .env)")

	root.AddCommand(
		c.serveCommand(),
		c.migrateCommand(),
		c.hashPasswordCommand(),
	)
	return root
}
