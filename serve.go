package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"talkfeed/config"
	"talkfeed/relay"
)

func serveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay",
		Long:  `Run a relay: accept participant links, persist signals, serve HTTP health, metrics and the WebSocket feed, and advertise over mDNS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveRelayConfigPath(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg, err := config.LoadRelayConfig(path)
			if err != nil {
				return err
			}

			level, format := cfg.Logging.Level, cfg.Logging.Format
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				format = logFormat
			}
			logger, err := newLogger(level, format, os.Stderr)
			if err != nil {
				return err
			}
			if path != "" {
				logger.Info("loaded relay config", "path", path)
			}

			svc, err := relay.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultRelayConfigFile, "Relay config file (YAML)")
	return cmd
}

// resolveRelayConfigPath returns "" when the default file is absent so defaults apply. An
// explicitly named file must exist.
func resolveRelayConfigPath(path string, explicit bool) (string, error) {
	if explicit {
		return path, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}
