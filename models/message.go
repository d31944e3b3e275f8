package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind classifies message content.
type Kind string

const (
	KindText     Kind = "TEXT"
	KindImage    Kind = "IMAGE"
	KindVideo    Kind = "VIDEO"
	KindAudio    Kind = "AUDIO"
	KindDocument Kind = "DOCUMENT"
	KindFile     Kind = "FILE"
)

var (
	// ErrMissingSender indicates a message without senderId.
	ErrMissingSender = errors.New("models: sender id is required")
	// ErrMissingRecipient indicates a message without recipientId.
	ErrMissingRecipient = errors.New("models: recipient id is required")
)

// Message is one chat entry exchanged between peers. After it is appended to
// history only Delivered and Read change.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	Kind        Kind   `json:"messageType"`
	Timestamp   int64  `json:"timestamp"`
	Delivered   bool   `json:"delivered"`
	Read        bool   `json:"read"`
}

// NewTextMessage builds a TEXT message with a fresh ID and timestamp.
func NewTextMessage(senderID, recipientID, content string) Message {
	return Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Kind:        KindText,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// Normalize fills the ID, timestamp and kind when the caller left them empty.
func (m *Message) Normalize() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if m.Kind == "" {
		if m.FileName != "" {
			m.Kind = KindFromFilename(m.FileName)
		} else {
			m.Kind = KindText
		}
	}
}

// Validate checks the routing fields every message must carry.
func (m Message) Validate() error {
	if m.SenderID == "" {
		return ErrMissingSender
	}
	if m.RecipientID == "" {
		return ErrMissingRecipient
	}
	return nil
}

// HasAttachment reports whether the message carries binary content.
func (m Message) HasAttachment() bool {
	return len(m.Payload) > 0 || m.FileName != ""
}

// Time returns the message timestamp as time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
