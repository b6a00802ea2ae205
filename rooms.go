package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"talkfeed/network"
)

const roomsRequestTimeout = 10 * time.Second

func roomsCommand() *cobra.Command {
	var relayAddr string

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms on the relay",
	}
	cmd.PersistentFlags().StringVar(&relayAddr, "relay", "", "Relay address host:port (default: config, then mDNS)")

	withClient := func(cmd *cobra.Command, fn func(ctx context.Context, client *network.Client) error) error {
		logger, err := cliLogger()
		if err != nil {
			return err
		}
		p, err := loadParticipant()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), roomsRequestTimeout)
		defer cancel()

		client, err := p.connectRelay(ctx, relayAddr, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		return fn(ctx, client)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *network.Client) error {
				rooms, err := client.ListRooms(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(rooms) == 0 {
					fmt.Fprintln(out, "No rooms yet.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCREATED BY\tCREATED")
				for _, r := range rooms {
					created := time.UnixMilli(r.CreatedAt).Format(time.DateTime)
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.CreatedBy, created)
				}
				return w.Flush()
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(strings.Join(args, " "))
			return withClient(cmd, func(ctx context.Context, client *network.Client) error {
				room, err := client.CreateRoom(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created room %q (%s)\n", room.Name, room.ID)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, createCmd)
	return cmd
}
