// Package registry keeps the in-memory table of known peers.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2pchat/models"
)

// Listener observes peers after they are inserted, merged or change status.
type Listener func(models.Peer)

// Registry is a thread-safe id -> Peer map plus the local identity.
type Registry struct {
	local  models.Peer
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]models.Peer

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextID     int
}

// New creates a registry for the given local identity. The local peer is not
// stored in the table; Local returns it.
func New(local models.Peer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	if local.Status == "" {
		local.Status = models.PeerStatusOnline
	}
	return &Registry{
		local:     local,
		logger:    logger.Named("registry"),
		peers:     make(map[string]models.Peer),
		listeners: make(map[int]Listener),
	}
}

// Local returns the local peer record.
func (r *Registry) Local() models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// SetLocalEndpoint records the address and port the local peer is reachable on.
func (r *Registry) SetLocalEndpoint(address string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if address != "" {
		r.local.Address = address
	}
	if port > 0 {
		r.local.Port = port
	}
}

// Upsert inserts peer or merges it into the existing record and returns the
// stored result. Empty incoming fields never clear populated ones, and a
// virtual address never replaces a network address.
func (r *Registry) Upsert(peer models.Peer) models.Peer {
	if peer.ID == "" {
		return peer
	}

	r.mu.Lock()
	existing, ok := r.peers[peer.ID]
	merged := peer
	if ok {
		merged = merge(existing, peer)
	}
	r.peers[peer.ID] = merged
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("peer added", zap.String("peer_id", merged.ID), zap.String("addr", merged.Address), zap.Int("port", merged.Port))
	}
	r.notify(merged)
	return merged
}

// PutIfAbsent stores peer only when its ID is unknown. It reports whether the
// peer was inserted.
func (r *Registry) PutIfAbsent(peer models.Peer) bool {
	if peer.ID == "" {
		return false
	}

	r.mu.Lock()
	if _, ok := r.peers[peer.ID]; ok {
		r.mu.Unlock()
		return false
	}
	r.peers[peer.ID] = peer
	r.mu.Unlock()

	r.notify(peer)
	return true
}

// Get returns the peer stored under id.
func (r *Registry) Get(id string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// Remove deletes id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// SetStatus updates the status of a known peer.
func (r *Registry) SetStatus(id, status string) bool {
	r.mu.Lock()
	peer, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	peer.Status = status
	if status == models.PeerStatusOnline {
		peer.LastSeen = time.Now().UnixMilli()
	}
	r.peers[id] = peer
	r.mu.Unlock()

	r.notify(peer)
	return true
}

// All returns a snapshot of every stored peer ordered by name.
func (r *Registry) All() []models.Peer {
	r.mu.RLock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of stored peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// AddListener registers fn and returns a function that unregisters it.
func (r *Registry) AddListener(fn Listener) func() {
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

func (r *Registry) notify(peer models.Peer) {
	r.listenerMu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Listener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, r.listeners[id])
	}
	r.listenerMu.Unlock()

	for _, fn := range snapshot {
		fn(peer)
	}
}

func merge(existing, incoming models.Peer) models.Peer {
	out := existing
	if incoming.Username != "" {
		out.Username = incoming.Username
	}
	if incoming.DisplayName != "" {
		out.DisplayName = incoming.DisplayName
	}
	if incoming.Address != "" && !(incoming.IsVirtual() && existing.Address != "" && !existing.IsVirtual()) {
		out.Address = incoming.Address
		if incoming.Port > 0 || incoming.IsVirtual() {
			out.Port = incoming.Port
		}
	} else if incoming.Port > 0 && !incoming.IsVirtual() {
		out.Port = incoming.Port
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.LastSeen > out.LastSeen {
		out.LastSeen = incoming.LastSeen
	}
	return out
}
