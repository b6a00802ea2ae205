package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_talkfeed._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

const (
	txtRelayID        = "relay_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

// ErrNoRelay is returned by Lookup when no relay answered within the scan window.
var ErrNoRelay = errors.New("discovery: no relay found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// Broadcast side.
	RelayID        string
	RelayName      string
	Port           int
	KeyFingerprint string

	// SelfRelayID is skipped while scanning.
	SelfRelayID string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.RelayName) == "" {
		return errors.New("relay name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Broadcaster advertises a relay via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtRelayID + "=" + cfg.RelayID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtKeyFingerprint + "=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.RelayName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Lookup browses once and returns the first relay found, preferring relays that speak
// the configured version.
func Lookup(ctx context.Context, config Config) (DiscoveredRelay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return DiscoveredRelay{}, err
	}

	relays, err := scanner.ScanOnce(ctx)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	if len(relays) == 0 {
		return DiscoveredRelay{}, ErrNoRelay
	}

	version := scanner.cfg.Version
	for _, relay := range relays {
		if relay.Version == version {
			return relay, nil
		}
	}
	return relays[0], nil
}
