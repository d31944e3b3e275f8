// Package router sends, receives and records chat messages.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"p2pchat/metrics"
	"p2pchat/models"
	"p2pchat/network"
	"p2pchat/registry"
	"p2pchat/storage"
)

// Connections resolves and binds peer connections.
type Connections interface {
	Lookup(peerID string) (*network.PeerConnection, bool)
	Bind(conn *network.PeerConnection, peer models.Peer)
}

// MessageListener observes every message the router records.
type MessageListener func(models.Message)

// ChannelSink receives messages addressed to channel-backed peers.
type ChannelSink interface {
	HandleDesktopMessage(message models.Message)
}

// Options configures a Router.
type Options struct {
	Registry    *registry.Registry
	Store       *storage.Store
	Connections Connections
	Logger      *zap.Logger
}

// Router is the single entry point for message traffic: outbound sends,
// inbound frames and messages injected by the channel gateway all end in
// history and the listener fan-out.
type Router struct {
	registry    *registry.Registry
	store       *storage.Store
	connections Connections
	logger      *zap.Logger

	sinkMu sync.RWMutex
	sink   ChannelSink

	listenerMu sync.Mutex
	listeners  map[int]MessageListener
	nextID     int
}

// New validates options and returns a Router.
func New(options Options) (*Router, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Connections == nil {
		return nil, errors.New("connections are required")
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}

	return &Router{
		registry:    options.Registry,
		store:       options.Store,
		connections: options.Connections,
		logger:      options.Logger.Named("router"),
		listeners:   make(map[int]MessageListener),
	}, nil
}

// SetChannelSink registers where replies to channel peers are merged.
func (r *Router) SetChannelSink(sink ChannelSink) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sink = sink
}

// Send records message in history and writes it to the recipient's live
// connection, if any. Delivery failure is not an error: the returned message
// carries Delivered=false. Only a history failure is returned.
func (r *Router) Send(message models.Message) (models.Message, error) {
	message.Normalize()
	if message.SenderID == "" {
		message.SenderID = r.registry.Local().ID
	}
	if err := message.Validate(); err != nil {
		return message, err
	}
	message.Delivered = false

	if err := r.store.Append(message); err != nil {
		return message, fmt.Errorf("append to history: %w", err)
	}

	if conn, ok := r.connections.Lookup(message.RecipientID); ok {
		if err := conn.SendMessage(message); err != nil {
			r.logger.Warn("send failed",
				zap.String("message_id", message.ID),
				zap.String("peer_id", message.RecipientID),
				zap.Error(err))
		} else {
			message.Delivered = true
			if err := r.store.SetDelivered(message.ID, true); err != nil {
				r.logger.Error("update delivered flag", zap.String("message_id", message.ID), zap.Error(err))
			}
		}
	} else {
		r.logger.Debug("no live connection for recipient", zap.String("peer_id", message.RecipientID))
	}

	if r.isChannelRecipient(message.RecipientID) {
		r.forwardToChannel(message)
	}

	metrics.MessagesSent.WithLabelValues(strconv.FormatBool(message.Delivered)).Inc()
	r.notify(message)
	return message, nil
}

// HandleFrame processes one inbound frame. Handshakes bind the connection;
// messages are recorded as delivered. Malformed frames are dropped and the
// connection stays open.
func (r *Router) HandleFrame(conn *network.PeerConnection, payload []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("panic while handling frame", zap.Any("panic", recovered))
		}
	}()

	frame, err := network.DecodeFrame(payload)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		r.logger.Warn("dropping malformed frame", zap.String("peer_id", conn.PeerID()), zap.Error(err))
		return
	}

	if frame.Handshake != nil {
		r.connections.Bind(conn, *frame.Handshake)
		r.logger.Info("peer connected", zap.String("peer_id", frame.Handshake.ID), zap.String("remote", conn.RemoteAddr().String()))
		return
	}

	r.receive(*frame.Message, "network")
}

// InjectExternal records a message that arrived outside the peer network,
// such as a web sender posting to a channel. Nothing is sent.
func (r *Router) InjectExternal(message models.Message) error {
	message.Normalize()
	if err := message.Validate(); err != nil {
		return err
	}
	return r.receiveErr(message, "channel")
}

func (r *Router) receive(message models.Message, source string) {
	if err := r.receiveErr(message, source); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			metrics.FramesDropped.WithLabelValues("duplicate").Inc()
			r.logger.Debug("ignoring duplicate message", zap.String("message_id", message.ID))
			return
		}
		r.logger.Error("record inbound message", zap.String("message_id", message.ID), zap.Error(err))
	}
}

func (r *Router) receiveErr(message models.Message, source string) error {
	message.Normalize()
	message.Delivered = true
	message.Read = false

	if err := r.store.Append(message); err != nil {
		return fmt.Errorf("append to history: %w", err)
	}

	metrics.MessagesReceived.WithLabelValues(source).Inc()
	r.notify(message)
	return nil
}

// History returns every recorded message in append order.
func (r *Router) History() ([]models.Message, error) {
	return r.store.List()
}

// Conversation returns messages exchanged with peerID.
func (r *Router) Conversation(peerID string) ([]models.Message, error) {
	return r.store.Conversation(peerID)
}

// MarkRead flags a message as read.
func (r *Router) MarkRead(messageID string) error {
	return r.store.MarkRead(messageID)
}

// AddMessageListener registers fn and returns a function that removes it.
func (r *Router) AddMessageListener(fn MessageListener) func() {
	if fn == nil {
		return func() {}
	}

	r.listenerMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.listenerMu.Lock()
			delete(r.listeners, id)
			r.listenerMu.Unlock()
		})
	}
}

func (r *Router) notify(message models.Message) {
	r.listenerMu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]MessageListener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, r.listeners[id])
	}
	r.listenerMu.Unlock()

	for _, fn := range snapshot {
		r.callListener(fn, message)
	}
}

func (r *Router) callListener(fn MessageListener, message models.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("message listener panicked", zap.String("message_id", message.ID), zap.Any("panic", recovered))
		}
	}()
	fn(message)
}

func (r *Router) isChannelRecipient(peerID string) bool {
	if peer, ok := r.registry.Get(peerID); ok {
		return peer.IsVirtual()
	}
	_, ok := models.ChannelIDFromPeerID(peerID)
	return ok
}

func (r *Router) forwardToChannel(message models.Message) {
	r.sinkMu.RLock()
	sink := r.sink
	r.sinkMu.RUnlock()
	if sink == nil {
		r.logger.Debug("no channel sink registered", zap.String("peer_id", message.RecipientID))
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("channel sink panicked", zap.String("message_id", message.ID), zap.Any("panic", recovered))
		}
	}()
	sink.HandleDesktopMessage(message)
}
