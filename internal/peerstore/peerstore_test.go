package peerstore

import (
	"errors"
	"os"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "meshlog-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPeers(t *testing.T) {
	store := openStore(t)

	t.Run("SaveAndGetPeer", func(t *testing.T) {
		peer := &Peer{
			Pubkey:   "aabbccdd",
			Address:  "10.0.0.5:7420",
			Name:     "laptop",
			LastSeen: time.Now(),
		}

		if err := store.SavePeer(peer); err != nil {
			t.Fatalf("SavePeer failed: %v", err)
		}

		retrieved, err := store.GetPeer("aabbccdd")
		if err != nil {
			t.Fatalf("GetPeer failed: %v", err)
		}

		if retrieved.Address != peer.Address {
			t.Errorf("Expected address %s, got %s", peer.Address, retrieved.Address)
		}
		if retrieved.Name != "laptop" {
			t.Errorf("Expected name laptop, got %s", retrieved.Name)
		}
	})

	t.Run("RejectsEmptyPubkey", func(t *testing.T) {
		if err := store.SavePeer(&Peer{Address: "somewhere"}); err == nil {
			t.Error("Expected error for a peer without a public key")
		}
	})

	t.Run("TouchCreatesAndUpdates", func(t *testing.T) {
		if err := store.TouchPeer("eeff0011", "192.168.1.2:7420"); err != nil {
			t.Fatalf("TouchPeer failed: %v", err)
		}

		first, err := store.GetPeer("eeff0011")
		if err != nil {
			t.Fatalf("GetPeer failed: %v", err)
		}

		if err := store.TouchPeer("eeff0011", "192.168.1.3:7420"); err != nil {
			t.Fatalf("TouchPeer failed: %v", err)
		}

		second, err := store.GetPeer("eeff0011")
		if err != nil {
			t.Fatalf("GetPeer failed: %v", err)
		}
		if second.Address != "192.168.1.3:7420" {
			t.Errorf("Expected updated address, got %s", second.Address)
		}
		if second.LastSeen.Before(first.LastSeen) {
			t.Error("LastSeen should not move backwards")
		}
	})

	t.Run("ListPeers", func(t *testing.T) {
		peers, undecodable, err := store.ListPeers()
		if err != nil {
			t.Fatalf("ListPeers failed: %v", err)
		}
		if len(peers) != 2 {
			t.Errorf("Expected 2 peers, got %d", len(peers))
		}
		if undecodable != 0 {
			t.Errorf("Expected no undecodable records, got %d", undecodable)
		}
	})

	t.Run("ListPeersCountsUndecodableRecords", func(t *testing.T) {
		err := store.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(PeersBucket).Put([]byte("corrupt"), []byte("not json"))
		})
		if err != nil {
			t.Fatalf("failed to plant corrupt record: %v", err)
		}

		peers, undecodable, err := store.ListPeers()
		if err != nil {
			t.Fatalf("ListPeers failed: %v", err)
		}
		if len(peers) != 2 {
			t.Errorf("Decodable peers should still be listed, got %d", len(peers))
		}
		if undecodable != 1 {
			t.Errorf("Expected 1 undecodable record, got %d", undecodable)
		}
	})
}

func TestSyncState(t *testing.T) {
	store := openStore(t)

	t.Run("RecordSuccess", func(t *testing.T) {
		if err := store.RecordSync("origin", nil); err != nil {
			t.Fatalf("RecordSync failed: %v", err)
		}

		state, err := store.GetSyncState("origin")
		if err != nil {
			t.Fatalf("GetSyncState failed: %v", err)
		}
		if state.LastError != "" {
			t.Errorf("Expected no error recorded, got %q", state.LastError)
		}
		if state.LastAttempt.IsZero() {
			t.Error("Expected a last attempt timestamp")
		}
	})

	t.Run("RecordFailure", func(t *testing.T) {
		if err := store.RecordSync("backup", errors.New("connection refused")); err != nil {
			t.Fatalf("RecordSync failed: %v", err)
		}

		state, err := store.GetSyncState("backup")
		if err != nil {
			t.Fatalf("GetSyncState failed: %v", err)
		}
		if state.LastError != "connection refused" {
			t.Errorf("Expected recorded error, got %q", state.LastError)
		}
	})

	t.Run("UnknownRemote", func(t *testing.T) {
		if _, err := store.GetSyncState("nowhere"); err == nil {
			t.Error("Expected error for an unknown remote")
		}
	})
}
