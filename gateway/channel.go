package gateway

import (
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"p2pchat/models"
)

// MaxChannelLog bounds the number of messages a channel keeps.
const MaxChannelLog = 100

// ChannelConfig controls who may post to a channel and how long it lives.
// Password is only read at creation time; the channel keeps a bcrypt hash.
type ChannelConfig struct {
	RequireAuth    bool   `json:"requireAuth"`
	Password       string `json:"-"`
	AllowAnonymous bool   `json:"allowAnonymous"`
	Temporary      bool   `json:"temporary"`
	ExpiryMinutes  int    `json:"expiryMinutes"`
	LogMessages    bool   `json:"logMessages"`
}

// DefaultChannelConfig is an open, permanent channel that logs its traffic.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		AllowAnonymous: true,
		LogMessages:    true,
	}
}

// ChannelMessage is one entry of a channel's log. ID is the channel's
// message counter at the time of the append and doubles as a poll cursor.
type ChannelMessage struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ClientIP  string `json:"-"`
}

// Channel is an HTTP mailbox bridged into the local inbox.
type Channel struct {
	ID        string
	Name      string
	Config    ChannelConfig
	CreatedAt time.Time

	passwordHash []byte

	mu           sync.Mutex
	log          []ChannelMessage
	messageCount int64
}

func newChannel(id, name string, config ChannelConfig, createdAt time.Time) (*Channel, error) {
	channel := &Channel{
		ID:        id,
		Name:      name,
		Config:    config,
		CreatedAt: createdAt,
	}
	if config.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(config.Password), hashCost)
		if err != nil {
			return nil, err
		}
		channel.passwordHash = hash
	}
	channel.Config.Password = ""
	return channel, nil
}

// PeerID is the registry ID of the peer representing the channel itself.
func (c *Channel) PeerID() string {
	return models.ChannelPeerPrefix + c.ID
}

// Peer returns the synthetic peer that stands for the channel.
func (c *Channel) Peer() models.Peer {
	return models.Peer{
		ID:          c.PeerID(),
		Username:    "IP Channel",
		DisplayName: "📺 " + c.Name + " (IP Channel)",
		Address:     models.VirtualAddress,
		Port:        0,
		Status:      models.PeerStatusOnline,
	}
}

// CheckPassword validates password when the channel requires auth.
func (c *Channel) CheckPassword(password string) bool {
	if !c.Config.RequireAuth {
		return true
	}
	if len(c.passwordHash) == 0 {
		return password == ""
	}
	return bcrypt.CompareHashAndPassword(c.passwordHash, []byte(password)) == nil
}

// Append adds a message to the log and returns it with its sequence id.
// The counter increment, eviction and append happen under one lock so ids
// never collide.
func (c *Channel) Append(sender, content, clientIP string, at time.Time) ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messageCount++
	entry := ChannelMessage{
		ID:        c.messageCount,
		Sender:    sender,
		Content:   content,
		Timestamp: at.UnixMilli(),
		ClientIP:  clientIP,
	}
	if len(c.log) >= MaxChannelLog {
		c.log = append(c.log[:0:0], c.log[len(c.log)-MaxChannelLog+1:]...)
	}
	c.log = append(c.log, entry)
	return entry
}

// Messages returns a copy of the log, oldest first.
func (c *Channel) Messages() []ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelMessage, len(c.log))
	copy(out, c.log)
	return out
}

// MessagesSince returns log entries with an id greater than cursor.
func (c *Channel) MessagesSince(cursor int64) []ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelMessage, 0, len(c.log))
	for _, entry := range c.log {
		if entry.ID > cursor {
			out = append(out, entry)
		}
	}
	return out
}

// MessageCount returns how many messages were ever appended.
func (c *Channel) MessageCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageCount
}

// ExpiresAt returns the expiry time of a temporary channel.
func (c *Channel) ExpiresAt() (time.Time, bool) {
	if !c.Config.Temporary || c.Config.ExpiryMinutes <= 0 {
		return time.Time{}, false
	}
	return c.CreatedAt.Add(time.Duration(c.Config.ExpiryMinutes) * expiryUnit), true
}

// IsExpired reports whether a temporary channel outlived its expiry at now.
func (c *Channel) IsExpired(now time.Time) bool {
	expiresAt, ok := c.ExpiresAt()
	return ok && !now.Before(expiresAt)
}
