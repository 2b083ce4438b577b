package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// FingerprintLen is the number of hex characters used to name a
	// partition. 16 characters (64 bits) keeps branch names short while
	// making accidental collisions implausible; forged entries are caught
	// by the full-key check during verification regardless.
	FingerprintLen = 16

	// SeedFileName is where the mnemonic lives inside the data directory.
	// It must never end up inside the messages repository.
	SeedFileName = ".seed"

	sealingInfo   = "meshlog sealing key v1"
	agreementInfo = "meshlog x25519 key v1"
	sharedInfo    = "meshlog shared key v1"
)

// Identity is a sovereign identity derived deterministically from a BIP39
// seed phrase. The phrase is the identity: there is no recovery besides it.
type Identity struct {
	mnemonic     string
	seed         []byte
	signingKey   ed25519.PrivateKey
	publicKey    ed25519.PublicKey
	publicKeyHex string
}

// Generate creates a new identity from 256 bits of fresh entropy
// (a 24-word mnemonic).
func Generate() (*Identity, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to build mnemonic: %w", err)
	}
	return FromMnemonic(mnemonic)
}

// FromMnemonic derives an identity from an existing seed phrase.
// The Ed25519 signing key is taken from the first 32 bytes of the BIP39
// seed with an empty passphrase, so the same phrase always yields the
// same keys on every node.
func FromMnemonic(mnemonic string) (*Identity, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid seed phrase")
	}

	seed := bip39.NewSeed(mnemonic, "")
	signingKey := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	publicKey := signingKey.Public().(ed25519.PublicKey)

	return &Identity{
		mnemonic:     mnemonic,
		seed:         seed,
		signingKey:   signingKey,
		publicKey:    publicKey,
		publicKeyHex: hex.EncodeToString(publicKey),
	}, nil
}

// Load reads the seed phrase from the data directory.
func Load(dataDir string) (*Identity, error) {
	seedPath := filepath.Join(dataDir, SeedFileName)
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("no identity found (run 'meshlog init' first): %w", err)
	}
	return FromMnemonic(string(data))
}

// Save writes the seed phrase to the data directory with owner-only
// permissions.
func (id *Identity) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	seedPath := filepath.Join(dataDir, SeedFileName)
	if err := os.WriteFile(seedPath, []byte(id.mnemonic+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

// Mnemonic returns the 24-word seed phrase.
func (id *Identity) Mnemonic() string {
	return id.mnemonic
}

// PublicKey returns the Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.publicKey
}

// PublicKeyHex returns the hex-encoded public key used as the author id
// in entries.
func (id *Identity) PublicKeyHex() string {
	return id.publicKeyHex
}

// Fingerprint returns the short identifier this identity's partitions are
// named by.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.publicKeyHex)
}

// Sign signs message bytes with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingKey, message)
}

// SealingKey derives the identity's own 32-byte symmetric key for sealing
// private entries. Derivation runs the BIP39 seed through HKDF-SHA256
// under a fixed label, so the sealing key never equals the signing key.
func (id *Identity) SealingKey() ([]byte, error) {
	return deriveKey(id.seed, sealingInfo, 32)
}

// AgreementKeys derives the identity's X25519 keypair for pairwise key
// agreement. The private scalar comes from the same BIP39 seed under a
// label distinct from both the signing and sealing derivations.
func (id *Identity) AgreementKeys() (private, public []byte, err error) {
	private, err = deriveKey(id.seed, agreementInfo, curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive agreement public key: %w", err)
	}
	return private, public, nil
}

// SharedSecret computes a pairwise sealing key with a peer's X25519 public
// key via ECDH. Both sides derive the same 32-byte key.
func (id *Identity) SharedSecret(peerPublic []byte) ([]byte, error) {
	private, _, err := id.AgreementKeys()
	if err != nil {
		return nil, err
	}
	raw, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return deriveKey(raw, sharedInfo, 32)
}

// Fingerprint truncates a hex-encoded public key to the partition
// identifier length.
func Fingerprint(publicKeyHex string) string {
	if len(publicKeyHex) < FingerprintLen {
		return publicKeyHex
	}
	return publicKeyHex[:FingerprintLen]
}

func deriveKey(secret []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
