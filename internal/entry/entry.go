package entry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshlog/meshlog/internal/identity"
)

// Entry is the atomic unit of the log: an immutable, signed record.
//
// The signature covers the concatenation content || author || timestamp,
// so changing any field invalidates it. Entries are stored as JSON files,
// one per commit, inside the author's partition branch.
type Entry struct {
	// Content is the opaque payload (text, JSON, or any serialized
	// structure produced upstream).
	Content string `json:"content"`

	// Author is the hex-encoded Ed25519 public key of the signer.
	Author string `json:"author"`

	// Timestamp is the RFC3339 creation time chosen by the author.
	// Advisory only: ordering within a partition comes from the commit
	// chain, never from this field.
	Timestamp string `json:"timestamp"`

	// Signature is the hex-encoded Ed25519 signature over
	// content || author || timestamp.
	Signature string `json:"signature"`
}

// Build creates and signs a new entry for the given identity.
func Build(content string, id *identity.Identity) Entry {
	e := Entry{
		Content:   content,
		Author:    id.PublicKeyHex(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	e.Signature = fmt.Sprintf("%x", id.Sign(e.SigningPayload()))
	return e
}

// SigningPayload returns the exact bytes the signature covers.
func (e Entry) SigningPayload() []byte {
	return []byte(e.Content + e.Author + e.Timestamp)
}

// Fingerprint returns the partition identifier for the entry's author.
func (e Entry) Fingerprint() string {
	return identity.Fingerprint(e.Author)
}

// Marshal serializes the entry for storage and transmission.
func (e Entry) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}
	return data, nil
}

// Unmarshal parses a stored object into an entry. Objects missing any of
// the required fields are rejected so that unrelated files in a partition
// are not mistaken for entries.
func Unmarshal(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to parse entry: %w", err)
	}
	if e.Author == "" || e.Timestamp == "" || e.Signature == "" {
		return Entry{}, fmt.Errorf("not an entry: missing required fields")
	}
	return e, nil
}

// When parses the advisory timestamp, falling back to the zero time if it
// is malformed. Display code sorts on this; nothing security-relevant may.
func (e Entry) When() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
