package verify

import (
	"testing"

	"github.com/meshlog/meshlog/internal/entry"
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

func TestVerifyTrusted(t *testing.T) {
	id := newIdentity(t)
	e := entry.Build("authentic", id)

	r := Verify(e)
	if r.Status != Trusted {
		t.Errorf("Expected trusted, got %s (%s)", r.Status, r.Reason)
	}
}

func TestVerifyTamperedContent(t *testing.T) {
	id := newIdentity(t)
	e := entry.Build("original", id)
	e.Content = "tampered"

	r := Verify(e)
	if r.Status != Untrusted {
		t.Fatal("Tampered content should be untrusted")
	}
	if r.Reason != ReasonSignatureMismatch {
		t.Errorf("Expected %q, got %q", ReasonSignatureMismatch, r.Reason)
	}
	if r.Entry.Content != "tampered" {
		t.Error("Untrusted entry must still be surfaced, not dropped")
	}
}

func TestVerifyTamperedTimestamp(t *testing.T) {
	id := newIdentity(t)
	e := entry.Build("when", id)
	e.Timestamp = "2001-01-01T00:00:00Z"

	if r := Verify(e); r.Status != Untrusted || r.Reason != ReasonSignatureMismatch {
		t.Errorf("Tampered timestamp should be a signature mismatch, got %s (%s)", r.Status, r.Reason)
	}
}

func TestVerifyMalformedPublicKey(t *testing.T) {
	id := newIdentity(t)
	e := entry.Build("key check", id)

	e.Author = "zz" + e.Author[2:]
	if r := Verify(e); r.Reason != ReasonMalformedPublicKey {
		t.Errorf("Expected %q, got %q", ReasonMalformedPublicKey, r.Reason)
	}

	e = entry.Build("key check", id)
	e.Author = e.Author[:10]
	if r := Verify(e); r.Reason != ReasonMalformedPublicKey {
		t.Errorf("Truncated key: expected %q, got %q", ReasonMalformedPublicKey, r.Reason)
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	id := newIdentity(t)
	e := entry.Build("sig check", id)
	e.Signature = "not-hex"

	if r := Verify(e); r.Reason != ReasonMalformedSignature {
		t.Errorf("Expected %q, got %q", ReasonMalformedSignature, r.Reason)
	}
}

func TestInPartitionMismatch(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)

	e := entry.Build("mine", alice)
	r := InPartition(e, bob.Fingerprint())

	if r.Status != Untrusted {
		t.Fatal("Entry in a foreign partition should be untrusted")
	}
	if r.Reason != ReasonPartitionMismatch {
		t.Errorf("Expected %q, got %q", ReasonPartitionMismatch, r.Reason)
	}
}

func TestInPartitionMatch(t *testing.T) {
	alice := newIdentity(t)
	e := entry.Build("mine", alice)

	r := InPartition(e, alice.Fingerprint())
	if r.Status != Trusted {
		t.Errorf("Expected trusted in own partition, got %s (%s)", r.Status, r.Reason)
	}
	if r.Partition != alice.Fingerprint() {
		t.Errorf("Expected partition %s, got %s", alice.Fingerprint(), r.Partition)
	}
}

func TestIntegrityErrorHelpers(t *testing.T) {
	err := NewIntegrityError("abcd", "x.json", ReasonPartitionMismatch)

	if !IsIntegrityError(err) {
		t.Error("IsIntegrityError should recognize IntegrityError")
	}
	if ie := AsIntegrityError(err); ie == nil || ie.Partition != "abcd" {
		t.Error("AsIntegrityError should return the typed error")
	}
	if IsIntegrityError(nil) {
		t.Error("nil is not an integrity error")
	}
}
