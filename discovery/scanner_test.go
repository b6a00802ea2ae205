package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfRelayID:     "self-relay",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-relay", "Self", 7420, "10.0.0.1")
			entries <- testServiceEntry("relay-1", "Basement", 7421, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Attic", 7422, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListRelays()) == 2
	})
	if relays := scanner.ListRelays(); relays[0].Name != "Attic" {
		t.Fatalf("expected relays sorted by name, got %+v", relays)
	}
}

func TestRelayScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Basement", 7421, "10.0.0.2")
				entries <- testServiceEntry("relay-2", "Attic", 7422, "10.0.0.3")
			} else {
				entries <- testServiceEntry("relay-2", "Attic", 7422, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-2"
	})

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected relay removal event for relay-1")
	}
}

func TestParseEntryRejectsIncompleteRecords(t *testing.T) {
	entry := testServiceEntry("relay-1", "Basement", 7421, "10.0.0.2")
	entry.Text = []string{"version=1"}
	if _, ok := parseEntry(entry, ""); ok {
		t.Fatalf("expected entry without relay_id to be rejected")
	}

	entry = testServiceEntry("relay-1", "Basement", 0, "10.0.0.2")
	if _, ok := parseEntry(entry, ""); ok {
		t.Fatalf("expected entry without port to be rejected")
	}

	entry = testServiceEntry("relay-1", "", 7421, "10.0.0.2")
	entry.HostName = ""
	relay, ok := parseEntry(entry, "")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if relay.Name != "relay-1" {
		t.Fatalf("expected name to fall back to relay ID, got %q", relay.Name)
	}
}

func testServiceEntry(relayID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"relay_id=" + relayID,
			"version=1",
			"key_fingerprint=fingerprint-" + relayID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
