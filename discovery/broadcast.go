package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"p2pchat/metrics"
	"p2pchat/models"
)

const (
	// DefaultPort is the UDP port peers listen and announce on.
	DefaultPort = 8081
	// DefaultBroadcastAddress is the limited broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultAnnounceInterval is the delay between presence announcements.
	DefaultAnnounceInterval = 30 * time.Second

	maxDatagramSize = 64 * 1024
)

// ErrAlreadyStarted is returned by Start on a running service.
var ErrAlreadyStarted = errors.New("discovery already started")

// PeerFunc receives every accepted announcement.
type PeerFunc func(models.Peer)

// BroadcastConfig controls the UDP announce/listen service.
type BroadcastConfig struct {
	Port int
	// ListenAddress overrides the bind address built from Port.
	ListenAddress    string
	BroadcastAddress string
	// AnnouncePort is the destination port, Port when zero.
	AnnouncePort int
	Interval     time.Duration

	// Local returns the record to announce. It is read on every tick so
	// endpoint changes are picked up.
	Local  func() models.Peer
	OnPeer PeerFunc
	Logger *zap.Logger
}

func (c BroadcastConfig) withDefaults() BroadcastConfig {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(out.Port)
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = DefaultBroadcastAddress
	}
	if out.AnnouncePort <= 0 {
		out.AnnouncePort = out.Port
	}
	if out.Interval <= 0 {
		out.Interval = DefaultAnnounceInterval
	}
	if out.Logger == nil {
		out.Logger = zap.L()
	}
	return out
}

// Service announces the local peer on a UDP broadcast address and reports
// the announcements of other peers.
type Service struct {
	cfg    BroadcastConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	target *net.UDPAddr

	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService validates config and returns an idle Service.
func NewService(config BroadcastConfig) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.Local == nil {
		return nil, errors.New("local peer source is required")
	}
	if cfg.OnPeer == nil {
		return nil, errors.New("peer callback is required")
	}
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.Named("discovery"),
		stopCh: make(chan struct{}),
	}, nil
}

// Start binds the UDP socket and launches the announce and receive loops.
// A bind failure is returned.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyStarted
	}

	laddr, err := net.ResolveUDPAddr("udp4", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve discovery address %q: %w", s.cfg.ListenAddress, err)
	}
	target, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(s.cfg.BroadcastAddress, strconv.Itoa(s.cfg.AnnouncePort)))
	if err != nil {
		return fmt.Errorf("resolve broadcast address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("bind discovery socket %s: %w", s.cfg.ListenAddress, err)
	}

	s.conn = conn
	s.target = target

	s.wg.Add(2)
	go s.receiveLoop(conn)
	go s.announceLoop(conn, target)

	s.logger.Info("discovery started",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("broadcast", target.String()),
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Addr returns the bound UDP address, or nil before Start.
func (s *Service) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Stop closes the socket and waits for both loops to exit.
func (s *Service) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("discovery stopped")
}

// Announce sends one presence datagram immediately.
func (s *Service) Announce() error {
	s.mu.Lock()
	conn, target := s.conn, s.target
	s.mu.Unlock()
	if conn == nil {
		return errors.New("discovery is not started")
	}
	return s.announce(conn, target)
}

func (s *Service) announceLoop(conn *net.UDPConn, target *net.UDPAddr) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.announce(conn, target); err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Warn("announce failed", zap.String("addr", target.String()), zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) announce(conn *net.UDPConn, target *net.UDPAddr) error {
	payload, err := json.Marshal(s.cfg.Local())
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	_, err = conn.WriteToUDP(payload, target)
	return err
}

func (s *Service) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Error("discovery receive failed, service stopped", zap.Error(err))
			return
		}
		s.handleDatagram(buf[:n], from)
	}
}

// handleDatagram accepts one announcement. The embedded address is replaced
// by the datagram's source address.
func (s *Service) handleDatagram(payload []byte, from *net.UDPAddr) {
	var peer models.Peer
	if err := json.Unmarshal(payload, &peer); err != nil {
		s.logger.Debug("dropping malformed announcement", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if peer.ID == "" {
		s.logger.Debug("dropping announcement without peer id", zap.Stringer("from", from))
		return
	}
	if peer.ID == s.cfg.Local().ID {
		return
	}

	if from != nil && from.IP != nil {
		peer.Address = from.IP.String()
	}
	peer.Status = models.PeerStatusOnline
	peer.LastSeen = time.Now().UnixMilli()

	metrics.PeersDiscovered.WithLabelValues("broadcast").Inc()
	s.cfg.OnPeer(peer)
}
