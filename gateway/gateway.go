// Package gateway exposes revocable HTTP channels that let browsers post
// into the local inbox and read the desktop's replies.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"p2pchat/metrics"
	"p2pchat/models"
	"p2pchat/registry"
)

// DefaultPort is the gateway's HTTP port when none is configured.
const DefaultPort = 8095

var (
	// ErrChannelNotFound is returned for unknown, removed or expired channels.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrAlreadyRunning is returned by Start on a running gateway.
	ErrAlreadyRunning = errors.New("gateway already running")
)

// Overridden in tests.
var (
	now        = time.Now
	expiryUnit = time.Minute
	hashCost   = bcrypt.DefaultCost
)

// Injector hands a browser-originated message to the message pipeline.
type Injector interface {
	InjectExternal(message models.Message) error
}

// Options configures a Gateway.
type Options struct {
	Registry *registry.Registry
	Injector Injector
	// ListenAddress overrides the bind address, e.g. "127.0.0.1:0" in tests.
	ListenAddress string
	Port          int
	// PublicHost is the host written into channel URLs.
	PublicHost string
	Logger     *zap.Logger
}

// Gateway owns the active channel set and the HTTP server exposing it.
type Gateway struct {
	registry   *registry.Registry
	injector   Injector
	logger     *zap.Logger
	listenAddr string
	port       int
	publicHost string

	mu       sync.RWMutex
	channels map[string]*Channel
	timers   map[string]*time.Timer

	serverMu sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New validates options and returns an idle Gateway.
func New(options Options) (*Gateway, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Injector == nil {
		return nil, errors.New("injector is required")
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}
	if options.Port <= 0 {
		options.Port = DefaultPort
	}
	if strings.TrimSpace(options.PublicHost) == "" {
		options.PublicHost = "localhost"
	}
	if options.ListenAddress == "" {
		options.ListenAddress = ":" + strconv.Itoa(options.Port)
	}

	return &Gateway{
		registry:   options.Registry,
		injector:   options.Injector,
		logger:     options.Logger.Named("gateway"),
		listenAddr: options.ListenAddress,
		port:       options.Port,
		publicHost: options.PublicHost,
		channels:   make(map[string]*Channel),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// CreateChannel opens a channel and registers its peer. An empty name
// becomes "Anonymous Channel".
func (g *Gateway) CreateChannel(name string, config ChannelConfig) (*Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Anonymous Channel"
	}
	if config.RequireAuth && config.Password == "" {
		return nil, errors.New("password is required when auth is enabled")
	}
	if config.Temporary && config.ExpiryMinutes <= 0 {
		return nil, fmt.Errorf("invalid expiry %d minutes", config.ExpiryMinutes)
	}

	channel, err := newChannel(uuid.NewString()[:8], name, config, now())
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	g.mu.Lock()
	g.channels[channel.ID] = channel
	if expiresAt, ok := channel.ExpiresAt(); ok {
		id := channel.ID
		g.timers[id] = time.AfterFunc(expiresAt.Sub(now()), func() {
			if g.removeChannel(id) {
				g.logger.Info("channel expired", zap.String("channel_id", id))
			}
		})
	}
	count := len(g.channels)
	// Registered under the lock so a concurrent removal sweeps it.
	g.registry.Upsert(channel.Peer())
	g.mu.Unlock()

	metrics.ActiveChannels.Set(float64(count))

	g.logger.Info("channel created",
		zap.String("channel_id", channel.ID),
		zap.String("name", channel.Name),
		zap.Bool("require_auth", channel.Config.RequireAuth),
		zap.Bool("temporary", channel.Config.Temporary),
		zap.String("url", g.ChannelURL(channel.ID)))
	return channel, nil
}

// CreateTemporaryChannel opens an unauthenticated channel that is removed
// after minutes.
func (g *Gateway) CreateTemporaryChannel(name string, minutes int) (*Channel, error) {
	config := DefaultChannelConfig()
	config.Temporary = true
	config.ExpiryMinutes = minutes
	return g.CreateChannel(name, config)
}

// CreateSecureChannel opens a password-protected channel that refuses
// anonymous senders.
func (g *Gateway) CreateSecureChannel(name, password string) (*Channel, error) {
	config := DefaultChannelConfig()
	config.RequireAuth = true
	config.Password = password
	config.AllowAnonymous = false
	return g.CreateChannel(name, config)
}

// RemoveChannel deletes a channel and the peers it created. It reports
// whether the channel was active.
func (g *Gateway) RemoveChannel(id string) bool {
	if !g.removeChannel(id) {
		return false
	}
	g.logger.Info("channel removed", zap.String("channel_id", id))
	return true
}

func (g *Gateway) removeChannel(id string) bool {
	g.mu.Lock()
	_, ok := g.channels[id]
	delete(g.channels, id)
	if timer, found := g.timers[id]; found {
		timer.Stop()
		delete(g.timers, id)
	}
	count := len(g.channels)
	g.mu.Unlock()

	if !ok {
		return false
	}
	metrics.ActiveChannels.Set(float64(count))
	g.removeChannelPeers(id)
	return true
}

func (g *Gateway) removeChannelPeers(id string) {
	for _, peer := range g.registry.All() {
		if channelID, ok := models.ChannelIDFromPeerID(peer.ID); ok && channelID == id {
			g.registry.Remove(peer.ID)
		}
	}
}

// registerChannelPeer stores peer only while channelID is active. removeChannel
// drops the channel under the write lock before sweeping its peers, so a peer
// stored here is either swept or never stored.
func (g *Gateway) registerChannelPeer(channelID string, peer models.Peer) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.channels[channelID]; !ok {
		return false
	}
	g.registry.PutIfAbsent(peer)
	return true
}

// Channel returns an active channel. Channels past their expiry are removed
// on lookup even if their timer has not fired yet.
func (g *Gateway) Channel(id string) (*Channel, error) {
	g.mu.RLock()
	channel, ok := g.channels[id]
	g.mu.RUnlock()
	if !ok {
		return nil, ErrChannelNotFound
	}
	if channel.IsExpired(now()) {
		g.removeChannel(id)
		return nil, ErrChannelNotFound
	}
	return channel, nil
}

// Channels returns the active channels ordered by creation time.
func (g *Gateway) Channels() []*Channel {
	g.mu.RLock()
	out := make([]*Channel, 0, len(g.channels))
	for _, channel := range g.channels {
		out = append(out, channel)
	}
	g.mu.RUnlock()

	current := now()
	active := out[:0]
	for _, channel := range out {
		if channel.IsExpired(current) {
			g.removeChannel(channel.ID)
			continue
		}
		active = append(active, channel)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// ChannelURL is the browser address of a channel.
func (g *Gateway) ChannelURL(id string) string {
	return fmt.Sprintf("http://%s/channel/%s", net.JoinHostPort(g.publicHost, strconv.Itoa(g.port)), id)
}

// HandleDesktopMessage merges a reply sent by the local user to a channel
// peer into that channel's log.
func (g *Gateway) HandleDesktopMessage(message models.Message) {
	channelID, ok := models.ChannelIDFromPeerID(message.RecipientID)
	if !ok {
		return
	}
	channel, err := g.Channel(channelID)
	if err != nil {
		g.logger.Debug("desktop message for inactive channel", zap.String("channel_id", channelID))
		return
	}

	content := message.Content
	if content == "" && message.HasAttachment() {
		content = models.AttachmentLabel(message.Kind, message.FileName)
	}
	entry := channel.Append(g.registry.Local().Name(), content, "desktop", message.Time())
	metrics.ChannelMessages.WithLabelValues("desktop").Inc()
	g.logChannelMessage(channel, entry)
}

// Start binds the HTTP listener and serves in the background. A bind
// failure is returned to the caller.
func (g *Gateway) Start() error {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if g.server != nil {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.listenAddr, err)
	}

	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(g.logger),
	}
	done := make(chan struct{})
	g.server = server
	g.listener = listener
	g.done = done

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server stopped", zap.Error(err))
		}
	}()

	g.logger.Info("gateway listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop shuts the HTTP server down and drops every channel.
func (g *Gateway) Stop(ctx context.Context) error {
	g.serverMu.Lock()
	server := g.server
	done := g.done
	g.server = nil
	g.listener = nil
	g.done = nil
	g.serverMu.Unlock()

	var shutdownErr error
	if server != nil {
		shutdownErr = server.Shutdown(ctx)
		<-done
	}

	g.mu.Lock()
	ids := make([]string, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.removeChannel(id)
	}

	return shutdownErr
}

func (g *Gateway) logChannelMessage(channel *Channel, entry ChannelMessage) {
	if !channel.Config.LogMessages {
		return
	}
	g.logger.Info("channel message",
		zap.String("channel_id", channel.ID),
		zap.String("channel", channel.Name),
		zap.Int64("seq", entry.ID),
		zap.String("sender", entry.Sender),
		zap.String("client_ip", entry.ClientIP),
		zap.String("content", entry.Content))
}
