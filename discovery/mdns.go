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
	DefaultService = "_netless._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each relay lookup.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcast and lookup behavior.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	RelayID   string
	RelayName string
	Port      int

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
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = defaultBrowse
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
		return errors.New("relay port must be > 0")
	}
	return nil
}

func defaultBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Broadcaster advertises the relay via mDNS so clients on the LAN can find
// it without configuration.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"relay_id=" + cfg.RelayID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.RelayName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
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

// RelayAddr is one discovered relay endpoint.
type RelayAddr struct {
	RelayID   string
	RelayName string
	Host      string
	Port      int
	Version   int
}

// WebSocketURL returns the relay's client endpoint.
func (a RelayAddr) WebSocketURL() string {
	return fmt.Sprintf("ws://%s/ws", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
}

// Lookup browses the LAN for advertised relays until the scan timeout or the
// context expires.
func Lookup(ctx context.Context, config Config) ([]RelayAddr, error) {
	cfg := config.withDefaults()

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- cfg.browseFn(scanCtx, cfg.Service, cfg.Domain, entries)
	}()

	var relays []RelayAddr
	for entry := range entries {
		if entry == nil {
			continue
		}
		addr, ok := entryToRelay(entry)
		if !ok {
			continue
		}
		relays = append(relays, addr)
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("browse mDNS service: %w", err)
	}
	return relays, nil
}

func entryToRelay(entry *zeroconf.ServiceEntry) (RelayAddr, bool) {
	addr := RelayAddr{
		RelayName: entry.Instance,
		Port:      entry.Port,
	}

	for _, record := range entry.Text {
		key, value, found := strings.Cut(record, "=")
		if !found {
			continue
		}
		switch key {
		case "relay_id":
			addr.RelayID = value
		case "version":
			if v, err := strconv.Atoi(value); err == nil {
				addr.Version = v
			}
		}
	}
	if addr.RelayID == "" || addr.Port <= 0 {
		return RelayAddr{}, false
	}

	switch {
	case len(entry.AddrIPv4) > 0:
		addr.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		addr.Host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		addr.Host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return RelayAddr{}, false
	}

	return addr, true
}
