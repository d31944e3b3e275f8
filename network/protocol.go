package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"p2pchat/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds outbound TCP dials.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAlivePeriod is the TCP keepalive probe interval.
	DefaultKeepAlivePeriod = 30 * time.Second
	// DefaultPort is the TCP port peers listen on.
	DefaultPort = 8080
)

// TypeHandshake tags the peer announcement sent right after connecting.
const TypeHandshake = "HANDSHAKE"

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidFrame indicates a frame that is neither a handshake nor a message.
	ErrInvalidFrame = errors.New("network: invalid frame")
	// ErrInvalidMessageType indicates an unknown frame type.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope is the handshake frame: {"type":"HANDSHAKE","peer":{...}}.
type Envelope struct {
	Type string       `json:"type"`
	Peer *models.Peer `json:"peer,omitempty"`
}

// Frame is one decoded inbound frame. Exactly one field is set.
type Frame struct {
	Handshake *models.Peer
	Message   *models.Message
}

// EncodeJSON marshals a protocol value to JSON.
func EncodeJSON(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// EncodeHandshake builds the handshake frame for the local peer.
func EncodeHandshake(local models.Peer) ([]byte, error) {
	return EncodeJSON(Envelope{Type: TypeHandshake, Peer: &local})
}

// DecodeFrame classifies and decodes one frame payload.
func DecodeFrame(payload []byte) (Frame, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch envelope.Type {
	case TypeHandshake:
		if envelope.Peer == nil || envelope.Peer.ID == "" {
			return Frame{}, fmt.Errorf("%w: handshake without peer id", ErrInvalidFrame)
		}
		return Frame{Handshake: envelope.Peer}, nil
	case "":
		var message models.Message
		if err := json.Unmarshal(payload, &message); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if err := message.Validate(); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return Frame{Message: &message}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, envelope.Type)
	}
}

// WriteFrame writes payload followed by one newline.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if bytes.IndexByte(payload, '\n') >= 0 {
		return fmt.Errorf("%w: payload contains a newline", ErrInvalidFrame)
	}

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one newline-terminated frame and strips the terminator.
// A trailing carriage return is dropped as well.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxFrameSize+1 {
			if err == nil {
				return nil, ErrFrameTooLarge
			}
			if discardErr := discardLine(r); discardErr != nil {
				return nil, discardErr
			}
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, nil
}

func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
