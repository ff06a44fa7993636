// Package cli contains the Cobra commands of the streambridge binary.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/streambridge/internal/runtime"
	configpkg "github.com/drblury/streambridge/internal/runtime/config"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/transport"

	// Register every bundled transport.
	_ "github.com/drblury/streambridge/transport/transports"
)

// NewRoot constructs the root command and registers the publish, tail, chat
// and respond subcommands.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "streambridge",
		Short:         "Publish to and consume from durable message streams",
		Long:          "streambridge talks to replayable streams on RabbitMQ, NATS JetStream, Kafka, SQL databases, Pebble or local files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (STREAMBRIDGE_* variables override it)")
	root.PersistentFlags().String("transport", "", "Transport name, overrides the config")
	root.PersistentFlags().String("log-level", "warn", "Log level: trace|debug|info|warn|error")

	root.AddCommand(
		newPublishCommand(),
		newTailCommand(),
		newChatCommand(),
		newRespondCommand(),
	)
	return root
}

// newService builds a Service from the persistent flags. When metrics are
// enabled the HTTP endpoint runs until ctx is done.
func newService(ctx context.Context, cmd *cobra.Command) (*runtimepkg.Service, error) {
	path, _ := cmd.Flags().GetString("config")
	transportName, _ := cmd.Flags().GetString("transport")
	levelName, _ := cmd.Flags().GetString("log-level")

	level, err := loggingpkg.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger := loggingpkg.NewTextServiceLogger(cmd.ErrOrStderr(), level)

	cfg, err := configpkg.Load(path)
	if err != nil {
		return nil, err
	}
	if transportName != "" {
		cfg.Transport = transportName
	}

	svc, err := runtimepkg.NewService(cfg, logger, runtimepkg.ServiceDependencies{})
	if err != nil {
		return nil, err
	}

	if svc.Conf.MetricsEnabled {
		go func() {
			if err := svc.ServeHTTP(ctx); err != nil {
				logger.Error("Metrics endpoint stopped", err, nil)
			}
		}()
	}
	return svc, nil
}

func offsetFlag(cmd *cobra.Command) (transport.Offset, error) {
	raw, _ := cmd.Flags().GetString("offset")
	offset, err := transport.ParseOffset(raw)
	if err != nil {
		return offset, fmt.Errorf("--offset: %w", err)
	}
	return offset, nil
}

// ignoreCanceled treats Ctrl-C as a normal exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
