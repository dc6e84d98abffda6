package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		RelayID:   "relay-123",
		RelayName: "Living Room Relay",
		Port:      3000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	defer broadcaster.Stop()

	if gotInstance != "Living Room Relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 3000 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "relay_id=relay-123")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	cases := []Config{
		{RelayName: "No ID", Port: 3000},
		{RelayID: "relay-1", Port: 3000},
		{RelayID: "relay-1", RelayName: "No Port"},
	}
	for i, cfg := range cases {
		cfg.registerFn = func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("case %d: register called despite invalid config", i)
			return nil, nil
		}
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLookupParsesRelayEntries(t *testing.T) {
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "Kitchen Relay"},
				Port:          3000,
				Text:          []string{"relay_id=relay-k", "version=1"},
				AddrIPv4:      []net.IP{net.IPv4(192, 168, 1, 20)},
			}
			// Missing relay_id TXT: not one of ours, must be skipped.
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "Printer"},
				Port:          631,
				AddrIPv4:      []net.IP{net.IPv4(192, 168, 1, 30)},
			}
			close(entries)
			return nil
		},
	}

	relays, err := Lookup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(relays) != 1 {
		t.Fatalf("expected 1 relay, got %d", len(relays))
	}

	relay := relays[0]
	if relay.RelayID != "relay-k" {
		t.Fatalf("unexpected relay ID: %q", relay.RelayID)
	}
	if relay.RelayName != "Kitchen Relay" {
		t.Fatalf("unexpected relay name: %q", relay.RelayName)
	}
	if relay.Version != 1 {
		t.Fatalf("unexpected version: %d", relay.Version)
	}
	if got, want := relay.WebSocketURL(), "ws://192.168.1.20:3000/ws"; got != want {
		t.Fatalf("unexpected endpoint: got %q want %q", got, want)
	}
}

func TestLookupPrefersIPv4ThenHostname(t *testing.T) {
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "Hostname Relay"},
				Port:          3000,
				Text:          []string{"relay_id=relay-h"},
				HostName:      "relay-host.local.",
			}
			close(entries)
			return nil
		},
	}

	relays, err := Lookup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(relays) != 1 {
		t.Fatalf("expected 1 relay, got %d", len(relays))
	}
	if relays[0].Host != "relay-host.local" {
		t.Fatalf("expected trimmed hostname, got %q", relays[0].Host)
	}
}

func assertContainsTXT(t *testing.T, records []string, want string) {
	t.Helper()
	for _, record := range records {
		if record == want {
			return
		}
	}
	t.Fatalf("TXT records %v missing %q", records, want)
}
