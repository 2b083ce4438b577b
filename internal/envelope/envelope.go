package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Version is the envelope format version. Readers reject any other
	// version before attempting decryption.
	Version = 1

	// NonceSize is 24 bytes: XChaCha20-Poly1305's extended nonce, large
	// enough that random generation never repeats in practice.
	NonceSize = chacha20poly1305.NonceSizeX

	// KeySize is the symmetric key length.
	KeySize = chacha20poly1305.KeySize

	// hintLen is how many leading bytes of a recipient public key go into
	// the hint. Pruning only, never a security boundary.
	hintLen = 8
)

// ErrAuthentication is returned when the AEAD tag does not verify: wrong
// key or tampered ciphertext. Callers must surface it, never paper over it.
var ErrAuthentication = errors.New("envelope authentication failed: wrong key or tampered ciphertext")

// VersionError reports an unsupported envelope version.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported envelope version %d (supported: %d)", e.Version, Version)
}

// Envelope is the encrypted wrapper around a serialized entry. The host
// storing it sees only ciphertext; authorship and content stay private to
// key holders while the envelope remains storable and forwardable by
// anyone.
type Envelope struct {
	Version       int       `json:"version"`
	Nonce         []byte    `json:"nonce"`
	Ciphertext    []byte    `json:"ciphertext"`
	RecipientHint string    `json:"recipient_hint,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Seal encrypts plaintext under key with a fresh random nonce. If a
// recipient public key is given, its leading bytes become the hint so
// readers can skip envelopes that are not for them. The envelope's
// timestamp is independent of any timestamp inside the plaintext.
func Seal(plaintext, key []byte, recipient ed25519.PublicKey) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	hint := ""
	if len(recipient) >= hintLen {
		hint = hex.EncodeToString(recipient[:hintLen])
	}

	return &Envelope{
		Version:       Version,
		Nonce:         nonce,
		Ciphertext:    aead.Seal(nil, nonce, plaintext, nil),
		RecipientHint: hint,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Open decrypts the envelope. It fails closed: version mismatch, malformed
// nonce, or a failing authentication tag all return an explicit error and
// no partial data.
func (e *Envelope) Open(key []byte) ([]byte, error) {
	if e.Version != Version {
		return nil, &VersionError{Version: e.Version}
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}
	if len(e.Nonce) != NonceSize {
		return nil, fmt.Errorf("malformed nonce: expected %d bytes, got %d", NonceSize, len(e.Nonce))
	}

	plaintext, err := aead.Open(nil, e.Nonce, e.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// MatchesRecipient reports whether the hint allows this public key as a
// recipient. An absent hint matches everyone.
func (e *Envelope) MatchesRecipient(pub ed25519.PublicKey) bool {
	if e.RecipientHint == "" {
		return true
	}
	if len(pub) < hintLen {
		return false
	}
	return e.RecipientHint == hex.EncodeToString(pub[:hintLen])
}

// Marshal serializes the envelope for storage and transmission.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses a stored object into an envelope. Objects without a
// nonce and ciphertext are rejected.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if len(e.Nonce) == 0 || len(e.Ciphertext) == 0 {
		return nil, fmt.Errorf("not an envelope: missing nonce or ciphertext")
	}
	return &e, nil
}
