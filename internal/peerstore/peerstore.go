package peerstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	PeersBucket     = []byte("peers")
	SyncStateBucket = []byte("syncstate")
)

// Store tracks known peers and per-remote sync bookkeeping. The log
// itself never lives here; this is local operational state only.
type Store struct {
	db *bolt.DB
}

// Peer is a node we have talked to, keyed by its hex public key.
type Peer struct {
	Pubkey   string    `json:"pubkey"`
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// SyncState records the outcome of the last sync with a remote.
type SyncState struct {
	Remote      string    `json:"remote"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{PeersBucket, SyncStateBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePeer upserts a peer record under its public key.
func (s *Store) SavePeer(peer *Peer) error {
	if peer.Pubkey == "" {
		return fmt.Errorf("peer has no public key")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(PeersBucket)

		data, err := json.Marshal(peer)
		if err != nil {
			return fmt.Errorf("failed to marshal peer: %w", err)
		}

		return bucket.Put([]byte(peer.Pubkey), data)
	})
}

func (s *Store) GetPeer(pubkey string) (*Peer, error) {
	var peer Peer

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(PeersBucket)

		data := bucket.Get([]byte(pubkey))
		if data == nil {
			return fmt.Errorf("peer not found: %s", pubkey)
		}

		return json.Unmarshal(data, &peer)
	})

	if err != nil {
		return nil, err
	}

	return &peer, nil
}

// ListPeers returns every known peer in key order, plus a count of
// records that failed to decode. Undecodable records are reported, not
// hidden, so a corrupted database never looks merely smaller.
func (s *Store) ListPeers() ([]*Peer, int, error) {
	var peers []*Peer
	var undecodable int

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(PeersBucket)

		return bucket.ForEach(func(_, v []byte) error {
			var peer Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				undecodable++
				return nil
			}
			peers = append(peers, &peer)
			return nil
		})
	})

	if err != nil {
		return nil, 0, err
	}

	return peers, undecodable, nil
}

// TouchPeer updates a peer's address and last-seen time, creating the
// record if it is new.
func (s *Store) TouchPeer(pubkey, address string) error {
	peer, err := s.GetPeer(pubkey)
	if err != nil {
		peer = &Peer{Pubkey: pubkey}
	}
	peer.Address = address
	peer.LastSeen = time.Now().UTC()
	return s.SavePeer(peer)
}

// RecordSync stores the outcome of a sync attempt against a remote.
func (s *Store) RecordSync(remote string, syncErr error) error {
	state := SyncState{
		Remote:      remote,
		LastAttempt: time.Now().UTC(),
	}
	if syncErr != nil {
		state.LastError = syncErr.Error()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(SyncStateBucket)

		data, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("failed to marshal sync state: %w", err)
		}

		return bucket.Put([]byte(remote), data)
	})
}

func (s *Store) GetSyncState(remote string) (*SyncState, error) {
	var state SyncState

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(SyncStateBucket)

		data := bucket.Get([]byte(remote))
		if data == nil {
			return fmt.Errorf("no sync state for remote: %s", remote)
		}

		return json.Unmarshal(data, &state)
	})

	if err != nil {
		return nil, err
	}

	return &state, nil
}
