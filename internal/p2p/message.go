package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	// MaxMessageSize bounds how much memory a single frame may claim.
	// Declared lengths above this are rejected before any buffer is
	// allocated.
	MaxMessageSize = 10_000_000

	// IdleTimeout is the per-operation read/write deadline. A connection
	// silent for longer is dropped.
	IdleTimeout = 30 * time.Second
)

// MessageType tags a protocol message.
type MessageType string

const (
	// TypeHello must be the first message in both directions: it carries
	// the sender's public key and nothing else may precede it.
	TypeHello MessageType = "hello"

	// TypeMemoryRequest asks the peer for entries; Filter is a partition
	// fingerprint prefix (empty means everything).
	TypeMemoryRequest MessageType = "memory_request"

	// TypeMemoryResponse answers a request with serialized bundles.
	TypeMemoryResponse MessageType = "memory_response"

	// TypeBundle pushes partition objects to the peer unprompted.
	TypeBundle MessageType = "bundle"

	// TypePing and TypePong validate liveness after the handshake.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// TypeBye is a polite close. Abrupt EOF without it is a non-error
	// disconnect, not a violation.
	TypeBye MessageType = "bye"
)

// Message is one typed frame. Fields beyond Type are populated per tag.
type Message struct {
	Type   MessageType `json:"type"`
	Pubkey string      `json:"pubkey,omitempty"`
	Filter string      `json:"filter,omitempty"`
	Data   []byte      `json:"data,omitempty"`
}

// WriteMessage frames and sends one message:
// [4-byte big-endian length][JSON payload].
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return NewViolationError(fmt.Sprintf("message of %d bytes exceeds the %d byte limit", len(data), MaxMessageSize))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadMessage reads one frame. The declared length is validated against
// MaxMessageSize before the receive buffer exists, so a malicious peer
// cannot make us allocate what it declares.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, NewViolationError(fmt.Sprintf("declared frame of %d bytes exceeds the %d byte limit", length, MaxMessageSize))
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewViolationError(fmt.Sprintf("malformed frame: %v", err))
	}
	if msg.Type == "" {
		return nil, NewViolationError("frame missing message type")
	}
	return &msg, nil
}
