package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"talkfeed/audio"
	"talkfeed/audio/portaudio"
	"talkfeed/feed"
	"talkfeed/models"
	"talkfeed/network"
	"talkfeed/ptt"
	"talkfeed/ui"
)

func talkCommand() *cobra.Command {
	var (
		with      string
		room      string
		relayAddr string
	)

	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Open a push-to-talk session",
		Long: `Open a push-to-talk session with one participant (--with) or a room (--room).

Type t and Enter to start or stop talking, p to poke, q to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cliLogger()
			if err != nil {
				return err
			}
			p, err := loadParticipant()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := p.connectRelay(ctx, relayAddr, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			conv, title, err := resolveConversation(ctx, client, p.cfg.ParticipantID, with, room)
			if err != nil {
				return err
			}

			backend, err := portaudio.Open()
			if err != nil {
				return err
			}
			defer backend.Close()

			pipeline := audio.NewPipeline(backend,
				audio.WithFormat(audio.Format{
					SampleRate:      p.cfg.SampleRate,
					FramesPerBuffer: p.cfg.FramesPerBuffer,
					Channels:        1,
				}),
				audio.WithLogger(logger),
			)
			defer pipeline.Close()

			console := ui.NewConsole(cmd.OutOrStdout(), title)
			session, err := ptt.Open(ptt.Config{
				Conversation:  conv,
				ParticipantID: p.cfg.ParticipantID,
				DisplayName:   p.cfg.DisplayName,
				Transport:     client,
				Capture:       pipeline,
				Logger:        logger,
				OnChange:      console.Update,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			console.Printf("%s (%s)", title, ui.Help)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-client.Done():
					console.Printf("relay connection lost")
					cancel()
				case <-session.Done():
					cancel()
				case <-runCtx.Done():
				}
			}()

			return ui.RunInput(runCtx, os.Stdin, session, console)
		},
	}

	cmd.Flags().StringVar(&with, "with", "", "Talk to one participant (ID or display name)")
	cmd.Flags().StringVar(&room, "room", "", "Talk in a room (ID or name)")
	cmd.Flags().StringVar(&relayAddr, "relay", "", "Relay address host:port (default: config, then mDNS)")
	cmd.MarkFlagsMutuallyExclusive("with", "room")
	cmd.MarkFlagsOneRequired("with", "room")
	return cmd
}

// resolveConversation turns --with or --room into a conversation and a console title.
func resolveConversation(ctx context.Context, client *network.Client, selfID, with, room string) (feed.Conversation, string, error) {
	if with != "" {
		peer, err := client.LookupParticipant(ctx, with)
		if err != nil {
			if errors.Is(err, network.ErrNotFound) {
				return feed.Conversation{}, "", fmt.Errorf("no participant named %q is registered with the relay", with)
			}
			return feed.Conversation{}, "", err
		}
		if peer.ID == selfID {
			return feed.Conversation{}, "", errors.New("cannot open a direct conversation with yourself")
		}
		return feed.Direct(selfID, peer.ID), peer.DisplayName, nil
	}

	rooms, err := client.ListRooms(ctx)
	if err != nil {
		return feed.Conversation{}, "", err
	}
	found, ok := findRoom(rooms, room)
	if !ok {
		return feed.Conversation{}, "", fmt.Errorf("no room named %q; create it with: talkfeed rooms create %q", room, room)
	}
	return feed.Room(found.ID), found.Name, nil
}

// findRoom matches by ID first, then by case-insensitive name.
func findRoom(rooms []models.Room, query string) (models.Room, bool) {
	query = strings.TrimSpace(query)
	for _, r := range rooms {
		if r.ID == query {
			return r, true
		}
	}
	for _, r := range rooms {
		if strings.EqualFold(r.Name, query) {
			return r, true
		}
	}
	return models.Room{}, false
}
