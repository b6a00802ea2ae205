package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"talkfeed/config"
	"talkfeed/crypto"
	"talkfeed/discovery"
	"talkfeed/network"
)

const relayLookupTimeout = 3 * time.Second

// participant is the local device identity loaded from the data directory.
type participant struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	identity network.LocalIdentity
}

func loadParticipant() (*participant, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, err
	}

	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity keys: %w", err)
	}

	fingerprint := crypto.KeyFingerprint(publicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, err
		}
	}

	return &participant{
		cfg:     cfg,
		cfgPath: cfgPath,
		identity: network.LocalIdentity{
			ID:                cfg.ParticipantID,
			Name:              cfg.DisplayName,
			Ed25519PrivateKey: privateKey,
			Ed25519PublicKey:  publicKey,
		},
	}, nil
}

// connectRelay dials the relay named by flagAddr, the configured relay, or the first relay
// found on the local network, in that order. The relay key is pinned on first contact.
func (p *participant) connectRelay(ctx context.Context, flagAddr string, logger *slog.Logger) (*network.Client, error) {
	addr := strings.TrimSpace(flagAddr)
	if addr == "" {
		addr = strings.TrimSpace(p.cfg.RelayAddress)
	}

	var advertised *discovery.DiscoveredRelay
	if addr == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, relayLookupTimeout)
		found, err := discovery.Lookup(lookupCtx, discovery.Config{})
		cancel()
		if err != nil {
			if errors.Is(err, discovery.ErrNoRelay) {
				return nil, errors.New("no relay found on the local network; pass --relay host:port")
			}
			return nil, fmt.Errorf("discover relay: %w", err)
		}
		logger.Info("discovered relay", "relay_id", found.RelayID, "name", found.Name, "address", found.Address())
		addr = found.Address()
		advertised = &found
	}

	client, err := network.Connect(ctx, addr, network.HandshakeOptions{
		Identity:      p.identity,
		KnownPeerKeys: p.cfg.TrustedRelayKeys,
	}, network.WithClientLogger(logger))
	if err != nil {
		var remote *network.RemoteError
		if errors.As(err, &remote) && remote.Code == network.CodeKeyChanged {
			return nil, fmt.Errorf("relay at %s has pinned a different key for participant %q; keep the original identity keys or use a new participant id: %w", addr, p.identity.ID, err)
		}
		if errors.Is(err, network.ErrKeyChanged) {
			return nil, fmt.Errorf("relay at %s presented a different key than the one pinned in %s; remove it from trusted_relay_keys to trust the new key: %w", addr, p.cfgPath, err)
		}
		return nil, fmt.Errorf("connect to relay %s: %w", addr, err)
	}

	relay := client.Relay()
	if advertised != nil && advertised.KeyFingerprint != "" {
		if err := verifyAdvertisedFingerprint(relay.PublicKey, advertised.KeyFingerprint); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	if p.cfg.PinRelayKey(relay.ID, relay.PublicKey) {
		if err := config.Save(p.cfgPath, p.cfg); err != nil {
			logger.Warn("failed to persist pinned relay key", "relay_id", relay.ID, "error", err)
		} else {
			logger.Info("pinned relay key", "relay_id", relay.ID)
		}
	}

	logger.Debug("connected to relay", "relay_id", relay.ID, "name", relay.Name, "address", addr)
	return client, nil
}

func verifyAdvertisedFingerprint(publicKeyBase64, advertised string) error {
	publicKey, err := crypto.DecodePublicKey(publicKeyBase64)
	if err != nil {
		return fmt.Errorf("decode relay key: %w", err)
	}
	if got := crypto.KeyFingerprint(publicKey); got != advertised {
		return fmt.Errorf("relay key fingerprint %s does not match advertised %s", crypto.FormatFingerprint(got), crypto.FormatFingerprint(advertised))
	}
	return nil
}

func whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the local participant identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadParticipant()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Participant ID: %s\n", p.cfg.ParticipantID)
			fmt.Fprintf(out, "Display name:   %s\n", p.cfg.DisplayName)
			fmt.Fprintf(out, "Fingerprint:    %s\n", crypto.FormatFingerprint(p.cfg.KeyFingerprint))
			fmt.Fprintf(out, "Config:         %s\n", p.cfgPath)
			fmt.Fprintf(out, "Data dir:       %s\n", filepath.Dir(p.cfgPath))
			if p.cfg.RelayAddress != "" {
				fmt.Fprintf(out, "Relay:          %s\n", p.cfg.RelayAddress)
			}
			return nil
		},
	}
}
