package entry

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/meshlog/meshlog/internal/identity"
)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return id
}

func TestBuildSignsAllFields(t *testing.T) {
	id := newIdentity(t)
	e := Build("hello mesh", id)

	if e.Author != id.PublicKeyHex() {
		t.Errorf("Expected author %s, got %s", id.PublicKeyHex(), e.Author)
	}

	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		t.Fatalf("Signature is not valid hex: %v", err)
	}
	if !ed25519.Verify(id.PublicKey(), e.SigningPayload(), sig) {
		t.Error("Built entry should carry a valid signature")
	}
}

func TestSigningPayloadCoversEveryField(t *testing.T) {
	id := newIdentity(t)
	e := Build("payload check", id)
	sig, _ := hex.DecodeString(e.Signature)

	mutations := []Entry{
		{Content: e.Content + "x", Author: e.Author, Timestamp: e.Timestamp},
		{Content: e.Content, Author: "00" + e.Author[2:], Timestamp: e.Timestamp},
		{Content: e.Content, Author: e.Author, Timestamp: "1999" + e.Timestamp[4:]},
	}
	for i, m := range mutations {
		if ed25519.Verify(id.PublicKey(), m.SigningPayload(), sig) {
			t.Errorf("Mutation %d should invalidate the signature", i)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	id := newIdentity(t)
	e := Build("round trip", id)

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if parsed != e {
		t.Errorf("Round trip changed the entry: %+v != %+v", parsed, e)
	}
}

func TestUnmarshalRejectsNonEntries(t *testing.T) {
	cases := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"unrelated": true}`),
		[]byte(`{"content": "x", "author": "aa"}`),
	}
	for i, data := range cases {
		if _, err := Unmarshal(data); err == nil {
			t.Errorf("Case %d: expected rejection of non-entry object", i)
		}
	}
}

func TestFingerprint(t *testing.T) {
	id := newIdentity(t)
	e := Build("fp", id)

	if e.Fingerprint() != id.Fingerprint() {
		t.Errorf("Expected fingerprint %s, got %s", id.Fingerprint(), e.Fingerprint())
	}
	if len(e.Fingerprint()) != identity.FingerprintLen {
		t.Errorf("Expected fingerprint length %d, got %d", identity.FingerprintLen, len(e.Fingerprint()))
	}
}
