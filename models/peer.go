package models

import "strings"

const (
	// PeerStatusOnline marks a peer that announced itself or holds a live connection.
	PeerStatusOnline = "ONLINE"
	// PeerStatusOffline marks a peer whose connection was lost.
	PeerStatusOffline = "OFFLINE"

	// VirtualAddress is the address sentinel carried by channel-backed peers.
	VirtualAddress = "channel"
	// ChannelPeerPrefix prefixes every peer ID owned by a gateway channel.
	ChannelPeerPrefix = "channel_"
)

// Peer is one participant known to the local process, either a LAN device or
// a synthetic web sender bridged through a gateway channel.
type Peer struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"lastSeen,omitempty"`
}

// IsVirtual reports whether the peer has no network endpoint.
func (p Peer) IsVirtual() bool {
	return p.Address == VirtualAddress
}

// Name returns the best human readable label for the peer.
func (p Peer) Name() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	if strings.TrimSpace(p.Username) != "" {
		return p.Username
	}
	return p.ID
}

// ChannelIDFromPeerID extracts the channel ID from channel_{id} or
// channel_{id}_{sender}. ok is false for non-channel peer IDs.
func ChannelIDFromPeerID(peerID string) (string, bool) {
	rest, found := strings.CutPrefix(peerID, ChannelPeerPrefix)
	if !found || rest == "" {
		return "", false
	}
	channelID, _, _ := strings.Cut(rest, "_")
	if channelID == "" {
		return "", false
	}
	return channelID, true
}
