package network

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2pchat/metrics"
	"p2pchat/models"
	"p2pchat/registry"
)

// FrameHandler consumes every inbound frame read from a managed connection.
type FrameHandler interface {
	HandleFrame(conn *PeerConnection, payload []byte)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(conn *PeerConnection, payload []byte)

// HandleFrame calls f(conn, payload).
func (f FrameHandlerFunc) HandleFrame(conn *PeerConnection, payload []byte) {
	f(conn, payload)
}

// PeerManagerOptions configures the connection manager.
type PeerManagerOptions struct {
	Registry *registry.Registry

	ListenAddress     string
	ConnectionTimeout time.Duration
	KeepAlivePeriod   time.Duration

	Logger *zap.Logger
}

// PeerManager owns the TCP listener, outbound dials and the peer ID ->
// connection bindings.
type PeerManager struct {
	options PeerManagerOptions
	logger  *zap.Logger

	server  *Server
	handler FrameHandler

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu      sync.RWMutex
	connections map[string]*PeerConnection
	open        map[*PeerConnection]struct{}

	dialMu  sync.Mutex
	dialing map[string]bool
}

// NewPeerManager creates a manager with validated configuration.
func NewPeerManager(options PeerManagerOptions) (*PeerManager, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Registry.Local().ID == "" {
		return nil, errors.New("local peer id is required")
	}
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = DefaultConnectionTimeout
	}
	if options.KeepAlivePeriod <= 0 {
		options.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerManager{
		options:     options,
		logger:      options.Logger.Named("network"),
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[string]*PeerConnection),
		open:        make(map[*PeerConnection]struct{}),
		dialing:     make(map[string]bool),
	}, nil
}

// Start binds the listener and begins dispatching inbound frames to handler.
// Failing to bind is returned to the caller.
func (m *PeerManager) Start(handler FrameHandler) error {
	if handler == nil {
		return errors.New("frame handler is required")
	}
	if m.server != nil {
		return nil
	}
	if m.ctx.Err() != nil {
		return errors.New("peer manager is stopped")
	}

	server, err := Listen(m.options.ListenAddress, m.logger)
	if err != nil {
		return err
	}
	m.server = server
	m.handler = handler
	m.options.Registry.SetLocalEndpoint("", server.Port())

	m.wg.Add(1)
	go m.serverLoop()

	m.logger.Info("listening for peers", zap.String("addr", server.Addr().String()))
	return nil
}

// Stop closes the listener first, then every open connection, and waits for
// reader goroutines to exit.
func (m *PeerManager) Stop() {
	m.stopOnce.Do(func() {
		if m.server != nil {
			_ = m.server.Close()
		}
		m.cancel()

		m.connMu.Lock()
		open := make([]*PeerConnection, 0, len(m.open))
		for conn := range m.open {
			open = append(open, conn)
		}
		m.connMu.Unlock()

		for _, conn := range open {
			_ = conn.Close()
		}

		m.wg.Wait()
	})
}

// Addr returns the listening address.
func (m *PeerManager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Lookup returns the live connection bound to peerID.
func (m *PeerManager) Lookup(peerID string) (*PeerConnection, bool) {
	m.connMu.RLock()
	conn, ok := m.connections[peerID]
	m.connMu.RUnlock()
	if !ok || !conn.Alive() {
		return nil, false
	}
	return conn, true
}

// Bind registers peer as ONLINE and points its ID at conn. The two steps are
// separate; a lookup between them may miss the new binding. An older
// connection for the same peer stays open.
func (m *PeerManager) Bind(conn *PeerConnection, peer models.Peer) {
	if conn == nil || peer.ID == "" {
		return
	}
	if peer.ID == m.options.Registry.Local().ID {
		m.logger.Debug("ignoring handshake from self")
		return
	}

	if peer.Address == "" || peer.IsVirtual() {
		peer.Address = conn.RemoteIP()
	}
	peer.Status = models.PeerStatusOnline
	peer.LastSeen = time.Now().UnixMilli()
	m.options.Registry.Upsert(peer)

	conn.SetPeerID(peer.ID)
	m.connMu.Lock()
	previous := m.connections[peer.ID]
	m.connections[peer.ID] = conn
	m.connMu.Unlock()

	if previous != nil && previous != conn {
		m.logger.Debug("rebound peer to newer connection", zap.String("peer_id", peer.ID))
	}
}

// Connect dials address, sends the local handshake and starts reading. The
// returned connection is not bound to any peer ID.
func (m *PeerManager) Connect(ctx context.Context, address string) (*PeerConnection, error) {
	if m.handler == nil {
		return nil, errors.New("peer manager is not started")
	}

	conn, err := Dial(ctx, address, m.options.Registry.Local(), DialOptions{
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAlivePeriod:   m.options.KeepAlivePeriod,
		Logger:            m.logger,
	})
	if err != nil {
		metrics.DialFailures.Inc()
		return nil, err
	}
	if !m.track(conn) {
		_ = conn.Close()
		return nil, errors.New("peer manager is stopped")
	}
	return conn, nil
}

// ConnectPeer dials a known peer and binds its ID to the new connection.
func (m *PeerManager) ConnectPeer(ctx context.Context, peer models.Peer) (*PeerConnection, error) {
	if peer.IsVirtual() || peer.Address == "" || peer.Port <= 0 {
		return nil, errors.New("peer has no network endpoint")
	}

	conn, err := m.Connect(ctx, net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port)))
	if err != nil {
		return nil, err
	}
	m.Bind(conn, peer)
	return conn, nil
}

// OnPeerDiscovered records peer and dials it in the background unless it
// already has a live connection or a dial in flight. Dial failures are logged.
func (m *PeerManager) OnPeerDiscovered(peer models.Peer) {
	if peer.ID == "" || peer.ID == m.options.Registry.Local().ID {
		return
	}

	m.options.Registry.Upsert(peer)
	if _, ok := m.Lookup(peer.ID); ok {
		return
	}
	if m.handler == nil || m.ctx.Err() != nil {
		return
	}

	m.dialMu.Lock()
	if m.dialing[peer.ID] {
		m.dialMu.Unlock()
		return
	}
	m.dialing[peer.ID] = true
	m.dialMu.Unlock()

	m.connMu.Lock()
	if m.ctx.Err() != nil {
		m.connMu.Unlock()
		m.dialMu.Lock()
		delete(m.dialing, peer.ID)
		m.dialMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.connMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.dialMu.Lock()
			delete(m.dialing, peer.ID)
			m.dialMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.ctx, m.options.ConnectionTimeout)
		defer cancel()
		if _, err := m.ConnectPeer(ctx, peer); err != nil {
			m.logger.Warn("connect to discovered peer failed",
				zap.String("peer_id", peer.ID),
				zap.String("addr", peer.Address),
				zap.Int("port", peer.Port),
				zap.Error(err))
		}
	}()
}

// OnPeerLost marks a peer OFFLINE once discovery stops seeing it, unless a
// live connection is still bound to it.
func (m *PeerManager) OnPeerLost(peerID string) {
	if peerID == "" || peerID == m.options.Registry.Local().ID {
		return
	}
	if _, ok := m.Lookup(peerID); ok {
		return
	}
	if m.options.Registry.SetStatus(peerID, models.PeerStatusOffline) {
		m.logger.Debug("discovered peer went away", zap.String("peer_id", peerID))
	}
}

// ConnectedPeers returns the IDs that currently have a live binding.
func (m *PeerManager) ConnectedPeers() []string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	out := make([]string, 0, len(m.connections))
	for id, conn := range m.connections {
		if conn.Alive() {
			out = append(out, id)
		}
	}
	return out
}

func (m *PeerManager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			if !m.track(conn) {
				_ = conn.Close()
			}
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.logger.Warn("listener error", zap.Error(err))
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *PeerManager) track(conn *PeerConnection) bool {
	m.connMu.Lock()
	if m.ctx.Err() != nil {
		m.connMu.Unlock()
		return false
	}
	m.open[conn] = struct{}{}
	m.wg.Add(1)
	m.connMu.Unlock()

	metrics.ActiveConnections.Inc()
	m.logger.Debug("connection opened", zap.String("remote", conn.RemoteAddr().String()), zap.String("direction", string(conn.Direction())))
	go m.connectionLoop(conn)
	return true
}

func (m *PeerManager) connectionLoop(conn *PeerConnection) {
	defer m.wg.Done()

	for {
		payload, err := conn.ReceiveMessage(m.ctx)
		if err != nil {
			break
		}
		m.handler.HandleFrame(conn, payload)
	}

	_ = conn.Close()
	metrics.ActiveConnections.Dec()

	peerID := conn.PeerID()
	m.connMu.Lock()
	delete(m.open, conn)
	current := false
	if peerID != "" && m.connections[peerID] == conn {
		delete(m.connections, peerID)
		current = true
	}
	m.connMu.Unlock()

	if err := conn.LastError(); err != nil {
		m.logger.Debug("connection closed with error", zap.String("peer_id", peerID), zap.Error(err))
	}
	if current {
		m.options.Registry.SetStatus(peerID, models.PeerStatusOffline)
		m.logger.Info("peer disconnected", zap.String("peer_id", peerID))
	}
}
