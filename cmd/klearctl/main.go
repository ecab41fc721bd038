// Command klearctl drives a running broker service: load simulation,
// dead-lettered job administration and caller token issuance.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	server     string
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "klearctl",
		Short:         "Operate the klear broker service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			output := zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			}
			log.Logger = zerolog.New(output).With().Timestamp().Logger()
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if opts.debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	server := os.Getenv("KLEAR_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "broker service base URL")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", configPath, "service config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log API responses")

	cmd.AddCommand(
		newSimulateCmd(opts),
		newFailedJobsCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("klearctl failed")
		stop()
		os.Exit(1)
	}
}
