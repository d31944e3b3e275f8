package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"p2pchat/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_p2pchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtPeerID      = "peer_id"
	txtUsername    = "username"
	txtDisplayName = "display_name"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls mDNS presence registration and browsing.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	Local      models.Peer
	OnPeer     PeerFunc
	// OnPeerLost is called with the ID of a peer that dropped out of a browse.
	OnPeerLost func(peerID string)
	Logger     *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.L()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForBroadcast() error {
	if strings.TrimSpace(c.Local.ID) == "" {
		return errors.New("local peer ID is required")
	}
	if c.Local.Port <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c MDNSConfig) validateForScan() error {
	if strings.TrimSpace(c.Local.ID) == "" {
		return errors.New("local peer ID is required")
	}
	return nil
}

// Broadcaster advertises the local peer via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the local peer's service record.
func StartBroadcaster(config MDNSConfig) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtPeerID + "=" + cfg.Local.ID,
		txtUsername + "=" + cfg.Local.Username,
		txtDisplayName + "=" + cfg.Local.DisplayName,
	}

	server, err := cfg.registerFn(cfg.Local.Name(), cfg.Service, cfg.Domain, cfg.Local.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop withdraws the service record.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// MDNS couples the mDNS broadcaster with a scanner feeding the discovery
// callback.
type MDNS struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner

	watchDone chan struct{}
}

// StartMDNS registers the local peer and starts browsing.
func StartMDNS(config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	watchDone := make(chan struct{})
	go watchRemovals(scanner.Events(), cfg.OnPeerLost, watchDone)

	cfg.Logger.Named("mdns").Info("mDNS presence started",
		zap.String("service", cfg.Service),
		zap.String("peer_id", cfg.Local.ID),
		zap.Int("port", cfg.Local.Port))

	return &MDNS{
		Broadcaster: broadcaster,
		Scanner:     scanner,
		watchDone:   watchDone,
	}, nil
}

// watchRemovals drains scanner events until the scanner closes the channel.
func watchRemovals(events <-chan Event, onLost func(string), done chan<- struct{}) {
	defer close(done)
	for event := range events {
		if event.Type == EventPeerRemoved && onLost != nil {
			onLost(event.Peer.ID)
		}
	}
}

// Stop stops scanner and broadcaster.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	if m.Scanner != nil {
		m.Scanner.Stop()
		if m.watchDone != nil {
			<-m.watchDone
		}
	}
	if m.Broadcaster != nil {
		m.Broadcaster.Stop()
	}
}
