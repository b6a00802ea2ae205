package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "talkfeed",
		Short:         "Push-to-talk voice over a shared signal feed",
		Long:          `talkfeed relays push-to-talk audio between participants through an append-only signal feed served by a relay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("TALKFEED_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("TALKFEED_LOG_FORMAT", "text"), "Log format (text, json)")

	// Add commands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(talkCommand())
	rootCmd.AddCommand(roomsCommand())
	rootCmd.AddCommand(whoamiCommand())
	rootCmd.AddCommand(relaysCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Logs go to stderr so stdout stays free for the console.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(handler), nil
}

func cliLogger() (*slog.Logger, error) {
	logger, err := newLogger(logLevel, logFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
