package verify

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/meshlog/meshlog/internal/entry"
	"github.com/meshlog/meshlog/internal/identity"
)

// Status classifies an entry after verification.
type Status int

const (
	Trusted Status = iota
	Untrusted
)

func (s Status) String() string {
	if s == Trusted {
		return "trusted"
	}
	return "untrusted"
}

// Reason explains why an entry is untrusted.
type Reason string

const (
	ReasonSignatureMismatch  Reason = "signature mismatch"
	ReasonMalformedPublicKey Reason = "malformed public key"
	ReasonMalformedSignature Reason = "malformed signature encoding"
	ReasonPartitionMismatch  Reason = "author does not match partition"
)

// Result is the outcome of verifying one entry. Untrusted entries are
// carried through with their reason rather than discarded: the log must
// never pretend to be clean by hiding tampering.
type Result struct {
	Entry     entry.Entry
	Status    Status
	Reason    Reason
	Partition string
	Object    string
}

// Verify checks an entry's signature against its claimed author.
func Verify(e entry.Entry) Result {
	pub, err := hex.DecodeString(e.Author)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Result{Entry: e, Status: Untrusted, Reason: ReasonMalformedPublicKey}
	}

	sig, err := hex.DecodeString(e.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Result{Entry: e, Status: Untrusted, Reason: ReasonMalformedSignature}
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), e.SigningPayload(), sig) {
		return Result{Entry: e, Status: Untrusted, Reason: ReasonSignatureMismatch}
	}

	return Result{Entry: e, Status: Trusted}
}

// InPartition verifies an entry that was read from a named partition.
// The author/partition check runs first: a perfectly signed entry sitting
// in someone else's partition is how a compromised peer would smuggle
// history, and it must be flagged regardless of its signature.
func InPartition(e entry.Entry, fingerprint string) Result {
	if identity.Fingerprint(e.Author) != fingerprint {
		return Result{
			Entry:     e,
			Status:    Untrusted,
			Reason:    ReasonPartitionMismatch,
			Partition: fingerprint,
		}
	}
	r := Verify(e)
	r.Partition = fingerprint
	return r
}
