package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"p2pchat/models"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := MDNSConfig{
		Local: models.Peer{ID: "device-123", Username: "alice", DisplayName: "Alice Laptop", Port: 9999},
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

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=device-123")
	assertContainsTXT(t, gotTXT, "username=alice")
	assertContainsTXT(t, gotTXT, "display_name=Alice Laptop")
}

func TestStartBroadcasterRequiresPort(t *testing.T) {
	_, err := StartBroadcaster(MDNSConfig{
		Local: models.Peer{ID: "device-123"},
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register should not be called")
			return nil, nil
		},
	})
	if err == nil {
		t.Fatalf("expected error without listening port")
	}
}

func TestStartMDNSFeedsDiscoveryCallback(t *testing.T) {
	var (
		mu    sync.Mutex
		found []models.Peer
	)

	cfg := MDNSConfig{
		Local:           models.Peer{ID: "self", DisplayName: "Self", Port: 9999},
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		OnPeer: func(peer models.Peer) {
			mu.Lock()
			found = append(found, peer)
			mu.Unlock()
		},
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	svc, err := StartMDNS(cfg)
	if err != nil {
		t.Fatalf("StartMDNS failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	defer svc.Stop()

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(found) == 1
	})

	mu.Lock()
	peer := found[0]
	mu.Unlock()
	if peer.ID != "peer-1" || peer.Address != "10.0.0.2" || peer.Port != 9998 || peer.Status != models.PeerStatusOnline {
		t.Fatalf("unexpected discovered peer: %+v", peer)
	}
	if peer.DisplayName != "Bob" || peer.Username != "bob-user" {
		t.Fatalf("unexpected names: %+v", peer)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func TestStartMDNSReportsLostPeers(t *testing.T) {
	var (
		browseCalls int32
		mu          sync.Mutex
		lost        []string
	)

	cfg := MDNSConfig{
		Local:           models.Peer{ID: "self", DisplayName: "Self", Port: 9999},
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		OnPeer:          func(models.Peer) {},
		OnPeerLost: func(peerID string) {
			mu.Lock()
			lost = append(lost, peerID)
			mu.Unlock()
		},
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	svc, err := StartMDNS(cfg)
	if err != nil {
		t.Fatalf("StartMDNS failed: %v", err)
	}
	defer svc.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1 && lost[0] == "peer-1"
	})
}
