package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"p2pchat/models"
)

// DialOptions controls outbound connection setup.
type DialOptions struct {
	ConnectionTimeout time.Duration
	KeepAlivePeriod   time.Duration
	Logger            *zap.Logger
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAlivePeriod <= 0 {
		out.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if out.Logger == nil {
		out.Logger = zap.L()
	}
	return out
}

// Dial connects to address and sends the local handshake immediately. No
// acknowledgement is awaited.
func Dial(ctx context.Context, address string, local models.Peer, options DialOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if local.ID == "" {
		return nil, fmt.Errorf("dial %q: local peer id is required", address)
	}

	dialer := net.Dialer{
		Timeout:   opts.ConnectionTimeout,
		KeepAlive: opts.KeepAlivePeriod,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	connection := NewPeerConnection(conn, DirectionOutbound, opts.Logger)
	if err := connection.SendHandshake(local); err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return connection, nil
}
