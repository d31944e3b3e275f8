package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"p2pchat/models"
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Direction records which side opened the connection.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// PeerConnection is one newline-framed TCP session. Writes are serialized;
// a single reader goroutine feeds inbound frames to ReceiveMessage.
type PeerConnection struct {
	conn      net.Conn
	reader    *bufio.Reader
	direction Direction
	logger    *zap.Logger

	peerMu sync.RWMutex
	peerID string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewPeerConnection wraps an established net.Conn and starts its reader.
func NewPeerConnection(conn net.Conn, direction Direction, logger *zap.Logger) *PeerConnection {
	if logger == nil {
		logger = zap.L()
	}

	pc := &PeerConnection{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, 64*1024),
		direction: direction,
		logger:    logger.With(zap.String("remote", remoteString(conn))),
		inbound:   make(chan []byte, 64),
		closed:    make(chan struct{}),
		state:     StateReady,
	}

	go pc.readLoop()
	return pc
}

// PeerID returns the peer bound to this connection, empty until a handshake.
func (pc *PeerConnection) PeerID() string {
	pc.peerMu.RLock()
	defer pc.peerMu.RUnlock()
	return pc.peerID
}

// SetPeerID records which peer this connection belongs to.
func (pc *PeerConnection) SetPeerID(peerID string) {
	pc.peerMu.Lock()
	defer pc.peerMu.Unlock()
	pc.peerID = peerID
}

// RemoteAddr returns the remote socket address.
func (pc *PeerConnection) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// RemoteIP returns the host part of the remote address.
func (pc *PeerConnection) RemoteIP() string {
	if addr, ok := pc.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(remoteString(pc.conn))
	if err != nil {
		return ""
	}
	return host
}

// Direction reports who opened the connection.
func (pc *PeerConnection) Direction() Direction {
	return pc.direction
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Alive reports whether the connection can still carry frames.
func (pc *PeerConnection) Alive() bool {
	return pc.State() != StateDisconnected
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// SendMessage serializes message and writes it as one frame.
func (pc *PeerConnection) SendMessage(message models.Message) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendHandshake announces local on this connection.
func (pc *PeerConnection) SendHandshake(local models.Peer) error {
	payload, err := EncodeHandshake(local)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame. A failed write closes
// the connection.
func (pc *PeerConnection) SendRaw(payload []byte) error {
	if !pc.Alive() {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(pc.conn, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrInvalidFrame) {
			return err
		}
		pc.closeWithError(err)
		return err
	}
	return nil
}

// ReceiveMessage waits for the next inbound frame.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		// Frames read before the close are still delivered.
		select {
		case payload := <-pc.inbound:
			return payload, nil
		default:
		}
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		payload, err := ReadFrame(pc.reader)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				pc.logger.Warn("dropping oversized frame", zap.String("peer_id", pc.PeerID()))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		if len(payload) == 0 {
			continue
		}

		select {
		case pc.inbound <- payload:
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		pc.state = StateDisconnected
		pc.stateMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
