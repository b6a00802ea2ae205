package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"talkfeed/crypto"
	"talkfeed/discovery"
)

func relaysCommand() *cobra.Command {
	var (
		watch   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Find relays on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cliLogger()
			if err != nil {
				return err
			}

			scanner, err := discovery.NewRelayScanner(discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return err
			}

			if !watch {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
				defer cancel()
				relays, err := scanner.ScanOnce(ctx)
				if err != nil {
					return err
				}
				return printRelays(cmd.OutOrStdout(), relays)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := scanner.Start(); err != nil {
				return err
			}
			done := make(chan struct{})
			go func() {
				defer close(done)
				logDiscoveryEvents(logger, scanner.Events())
			}()
			if err := scanner.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("initial relay scan failed", "error", err)
			}

			<-ctx.Done()
			scanner.Stop()
			<-done
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep scanning and report relays as they come and go")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Browse window per scan")
	return cmd
}

func printRelays(out io.Writer, relays []discovery.DiscoveredRelay) error {
	if len(relays) == 0 {
		fmt.Fprintln(out, "No relays found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RELAY ID\tNAME\tADDRESS\tFINGERPRINT\tVERSION")
	for _, r := range relays {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.RelayID, r.Name, r.Address(), crypto.FormatFingerprint(r.KeyFingerprint), r.Version)
	}
	return w.Flush()
}

func logDiscoveryEvents(logger *slog.Logger, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventRelayUpserted:
			logger.Info("relay available",
				"relay_id", event.Relay.RelayID,
				"name", event.Relay.Name,
				"addresses", strings.Join(event.Relay.Addresses, ","),
				"port", event.Relay.Port)
		case discovery.EventRelayRemoved:
			logger.Info("relay removed", "relay_id", event.Relay.RelayID)
		default:
			logger.Info("discovery event", "type", event.Type, "relay_id", event.Relay.RelayID)
		}
	}
}
