package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"p2pchat/metrics"
	"p2pchat/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type EventType
	Peer models.Peer
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg    MDNSConfig
	logger *zap.Logger

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]models.Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config MDNSConfig) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		logger:          cfg.Logger.Named("mdns"),
		browse:          browse,
		peers:           make(map[string]models.Peer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
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
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the peers seen in the last completed scan.
func (s *PeerScanner) ListPeers() []models.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() == out[j].Name() {
			return out[i].ID < out[j].ID
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Peer)
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
				peer, ok := parseEntry(entry, s.cfg.Local.ID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now().UnixMilli()
				collectedMu.Lock()
				collected[peer.ID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		s.logger.Warn("mDNS browse failed", zap.Error(browseErr))
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]models.Peer) {
	s.mu.Lock()
	previous := s.peers
	s.peers = next

	var changed []models.Peer
	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			changed = append(changed, peer)
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
	s.mu.Unlock()

	if s.cfg.OnPeer == nil {
		return
	}
	for _, peer := range changed {
		metrics.PeersDiscovered.WithLabelValues("mdns").Inc()
		s.cfg.OnPeer(peer)
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry converts a browse result into a peer using the first IPv4
// address, falling back to IPv6.
func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt[txtPeerID])
	if peerID == "" || peerID == selfID {
		return models.Peer{}, false
	}

	address := ""
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		address = ip.String()
		break
	}
	if address == "" || entry.Port <= 0 {
		return models.Peer{}, false
	}

	displayName := txt[txtDisplayName]
	if displayName == "" {
		displayName = strings.TrimSpace(entry.Instance)
	}

	return models.Peer{
		ID:          peerID,
		Username:    txt[txtUsername],
		DisplayName: displayName,
		Address:     address,
		Port:        entry.Port,
		Status:      models.PeerStatusOnline,
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

func peersEqual(a, b models.Peer) bool {
	return a.ID == b.ID &&
		a.Username == b.Username &&
		a.DisplayName == b.DisplayName &&
		a.Address == b.Address &&
		a.Port == b.Port
}
