package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay contains a relay endpoint found on the LAN.
type DiscoveredRelay struct {
	RelayID        string
	Name           string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (r DiscoveredRelay) Address() string {
	for _, addr := range r.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(addr, strconv.Itoa(r.Port))
		}
	}
	if len(r.Addresses) > 0 {
		return net.JoinHostPort(r.Addresses[0], strconv.Itoa(r.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(r.HostName, "."), strconv.Itoa(r.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan on a started scanner.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ScanOnce runs a single browse window without starting the background loop.
func (s *RelayScanner) ScanOnce(ctx context.Context) ([]DiscoveredRelay, error) {
	found, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}
	return sortedRelays(found), nil
}

// ListRelays returns the current in-memory snapshot.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRelays(s.relays)
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	// Prime the relay list immediately.
	s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	next, err := s.collect(scanCtx)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(next)
	return nil
}

func (s *RelayScanner) collect(ctx context.Context) (map[string]DiscoveredRelay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, s.cfg.SelfRelayID)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, browseErr
	}

	// The window ends on timeout or caller cancellation; either way keep what was seen.
	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	defer collectedMu.Unlock()
	return collected, nil
}

func (s *RelayScanner) applySnapshot(next map[string]DiscoveredRelay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func sortedRelays(relays map[string]DiscoveredRelay) []DiscoveredRelay {
	out := make([]DiscoveredRelay, 0, len(relays))
	for _, relay := range relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry, selfRelayID string) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt[txtRelayID])
	if relayID == "" || relayID == selfRelayID {
		return DiscoveredRelay{}, false
	}
	if entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:        relayID,
		Name:           name,
		KeyFingerprint: strings.TrimSpace(txt[txtKeyFingerprint]),
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func relaysEqual(a, b DiscoveredRelay) bool {
	if a.RelayID != b.RelayID ||
		a.Name != b.Name ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
