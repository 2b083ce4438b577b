package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/meshlog/meshlog/internal/entry"
	"github.com/meshlog/meshlog/internal/identity"
	"github.com/meshlog/meshlog/internal/logstore"
	"github.com/meshlog/meshlog/internal/verify"
)

func newStore(t *testing.T) *logstore.Store {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		t.Fatalf("failed to init in-memory repository: %v", err)
	}
	return logstore.New(repo)
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return id
}

func appendEntry(t *testing.T, s *logstore.Store, id *identity.Identity, content string) plumbing.Hash {
	t.Helper()
	e := entry.Build(content, id)
	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal entry: %v", err)
	}
	hash, err := s.Append(logstore.Partition{Fingerprint: id.Fingerprint()}, data, time.Now())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return hash
}

// setShadowRef plants a remote-tracking reference as if a fetch from the
// named remote had just completed.
func setShadowRef(t *testing.T, s *logstore.Store, remote string, p logstore.Partition, hash plumbing.Hash) {
	t.Helper()
	name := plumbing.NewRemoteReferenceName(remote, p.Branch())
	if err := s.Repository().Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		t.Fatalf("failed to set shadow ref: %v", err)
	}
}

func rewindHead(t *testing.T, s *logstore.Store, p logstore.Partition, to plumbing.Hash) {
	t.Helper()
	if err := s.Repository().Storer.SetReference(plumbing.NewHashReference(p.RefName(), to)); err != nil {
		t.Fatalf("failed to rewind head: %v", err)
	}
}

func TestFastForward(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	p := logstore.Partition{Fingerprint: id.Fingerprint()}

	older := appendEntry(t, s, id, "one")
	newer := appendEntry(t, s, id, "two")

	// Local history is a strict prefix of remote history.
	rewindHead(t, s, p, older)
	setShadowRef(t, s, "origin", p, newer)

	e := New(s, id.Fingerprint(), nil)
	var st Status
	if err := e.mergeFetched("origin", &st); err != nil {
		t.Fatalf("mergeFetched failed: %v", err)
	}

	if st.FastForwarded != 1 {
		t.Errorf("Expected 1 fast-forward, got %d", st.FastForwarded)
	}
	if st.Merged != 0 {
		t.Errorf("Fast-forward must not create a merge commit, got %d merges", st.Merged)
	}

	head, err := s.Head(p)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != newer {
		t.Error("Local head should equal remote head after fast-forward")
	}
}

func TestRemoteBehindIsNoOp(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	p := logstore.Partition{Fingerprint: id.Fingerprint()}

	older := appendEntry(t, s, id, "one")
	newer := appendEntry(t, s, id, "two")
	setShadowRef(t, s, "origin", p, older)

	e := New(s, id.Fingerprint(), nil)
	var st Status
	if err := e.mergeFetched("origin", &st); err != nil {
		t.Fatalf("mergeFetched failed: %v", err)
	}

	if st.UpToDate != 1 {
		t.Errorf("Expected 1 up-to-date partition, got %d", st.UpToDate)
	}
	head, _ := s.Head(p)
	if head != newer {
		t.Error("A stale remote must not move the local head")
	}
}

func TestAdoptForeignPartition(t *testing.T) {
	s := newStore(t)
	local := newIdentity(t)
	foreign := newIdentity(t)
	fp := logstore.Partition{Fingerprint: foreign.Fingerprint()}

	appendEntry(t, s, local, "mine")

	// Build the foreign history, then strip the local ref so only the
	// shadow ref remains, the state right after fetching a stranger.
	foreignHead := appendEntry(t, s, foreign, "theirs")
	if err := s.Repository().Storer.RemoveReference(fp.RefName()); err != nil {
		t.Fatalf("failed to remove reference: %v", err)
	}
	setShadowRef(t, s, "origin", fp, foreignHead)

	e := New(s, local.Fingerprint(), nil)
	var st Status
	if err := e.mergeFetched("origin", &st); err != nil {
		t.Fatalf("mergeFetched failed: %v", err)
	}

	if st.Adopted != 1 {
		t.Errorf("Expected 1 adopted partition, got %d", st.Adopted)
	}
	head, err := s.Head(fp)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != foreignHead {
		t.Error("Adoption should point the local head at the remote history")
	}
}

func TestDivergentHistoriesMerge(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	p := logstore.Partition{Fingerprint: id.Fingerprint()}

	base := appendEntry(t, s, id, "shared")
	remoteSide := appendEntry(t, s, id, "written elsewhere")

	// Rewind and append again to fork the history at base.
	rewindHead(t, s, p, base)
	localSide := appendEntry(t, s, id, "written here")
	setShadowRef(t, s, "origin", p, remoteSide)

	e := New(s, id.Fingerprint(), nil)
	var st Status
	if err := e.mergeFetched("origin", &st); err != nil {
		t.Fatalf("mergeFetched failed: %v", err)
	}

	if st.Merged != 1 {
		t.Fatalf("Expected 1 merge, got %d", st.Merged)
	}

	head, err := s.Head(p)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	commit, err := s.Repository().CommitObject(head)
	if err != nil {
		t.Fatalf("failed to read merge commit: %v", err)
	}
	if commit.NumParents() != 2 {
		t.Fatalf("Merge commit should have both heads as parents, got %d", commit.NumParents())
	}
	parents := map[plumbing.Hash]bool{commit.ParentHashes[0]: true, commit.ParentHashes[1]: true}
	if !parents[localSide] || !parents[remoteSide] {
		t.Error("Merge parents should be the two divergent heads")
	}

	objects, err := s.ReadPartition(p)
	if err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}
	if len(objects) != 3 {
		t.Errorf("Merge must keep all 3 entries, got %d", len(objects))
	}
}

func TestMergeIdempotentAfterConvergence(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	p := logstore.Partition{Fingerprint: id.Fingerprint()}

	appendEntry(t, s, id, "only")
	head, _ := s.Head(p)
	setShadowRef(t, s, "origin", p, head)

	e := New(s, id.Fingerprint(), nil)
	var st Status
	if err := e.mergeFetched("origin", &st); err != nil {
		t.Fatalf("mergeFetched failed: %v", err)
	}
	if st.UpToDate != 1 || st.Merged != 0 || st.FastForwarded != 0 {
		t.Errorf("Identical heads should be a no-op, got %+v", st)
	}
}

// copyHistory transfers every object reachable from head between two
// repositories, standing in for the wire transfer a real fetch performs.
func copyHistory(t *testing.T, src, dst *git.Repository, head plumbing.Hash) {
	t.Helper()

	copyObject := func(h plumbing.Hash) {
		obj, err := src.Storer.EncodedObject(plumbing.AnyObject, h)
		if err != nil {
			t.Fatalf("failed to read object %s: %v", h, err)
		}
		if _, err := dst.Storer.SetEncodedObject(obj); err != nil {
			t.Fatalf("failed to copy object %s: %v", h, err)
		}
	}

	queue := []plumbing.Hash{head}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		commit, err := src.CommitObject(h)
		if err != nil {
			t.Fatalf("failed to read commit %s: %v", h, err)
		}
		tree, err := commit.Tree()
		if err != nil {
			t.Fatalf("failed to read tree: %v", err)
		}

		copyObject(h)
		copyObject(commit.TreeHash)
		for _, te := range tree.Entries {
			copyObject(te.Hash)
		}
		queue = append(queue, commit.ParentHashes...)
	}
}

func TestTwoNodeBidirectionalConvergence(t *testing.T) {
	storeA, storeB := newStore(t), newStore(t)
	idA, idB := newIdentity(t), newIdentity(t)
	pA := logstore.Partition{Fingerprint: idA.Fingerprint()}
	pB := logstore.Partition{Fingerprint: idB.Fingerprint()}

	headA := appendEntry(t, storeA, idA, "hello from A")
	headB := appendEntry(t, storeB, idB, "hello from B")

	// Exchange histories both ways, as a fetch would.
	copyHistory(t, storeA.Repository(), storeB.Repository(), headA)
	copyHistory(t, storeB.Repository(), storeA.Repository(), headB)
	setShadowRef(t, storeA, "peer", pB, headB)
	setShadowRef(t, storeB, "peer", pA, headA)

	engineA := New(storeA, idA.Fingerprint(), nil)
	engineB := New(storeB, idB.Fingerprint(), nil)

	var stA, stB Status
	if err := engineA.mergeFetched("peer", &stA); err != nil {
		t.Fatalf("node A merge failed: %v", err)
	}
	if err := engineB.mergeFetched("peer", &stB); err != nil {
		t.Fatalf("node B merge failed: %v", err)
	}

	for name, s := range map[string]*logstore.Store{"A": storeA, "B": storeB} {
		partitions, err := s.Partitions()
		if err != nil {
			t.Fatalf("node %s: Partitions failed: %v", name, err)
		}
		if len(partitions) != 2 {
			t.Fatalf("node %s: expected 2 partitions, got %d", name, len(partitions))
		}
		for _, p := range partitions {
			results, _, err := s.Entries(p)
			if err != nil {
				t.Fatalf("node %s: Entries failed: %v", name, err)
			}
			if len(results) != 1 {
				t.Errorf("node %s, partition %s: expected 1 entry, got %d", name, p, len(results))
				continue
			}
			if results[0].Status != verify.Trusted {
				t.Errorf("node %s, partition %s: expected trusted entry, got %s (%s)",
					name, p, results[0].Status, results[0].Reason)
			}
		}
	}
}

func addRemote(t *testing.T, s *logstore.Store, name, url string) {
	t.Helper()
	if _, err := s.Repository().CreateRemote(&gitconfig.RemoteConfig{
		Name: name,
		URLs: []string{url},
	}); err != nil {
		t.Fatalf("failed to add remote %s: %v", name, err)
	}
}

func TestSyncSeedsFreshRemote(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	p := logstore.Partition{Fingerprint: id.Fingerprint()}
	head := appendEntry(t, s, id, "first post")

	remoteDir := t.TempDir()
	if _, err := git.PlainInit(remoteDir, true); err != nil {
		t.Fatalf("failed to init bare remote: %v", err)
	}
	addRemote(t, s, "origin", remoteDir)

	e := New(s, id.Fingerprint(), nil)
	statuses, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 status, got %d", len(statuses))
	}
	if statuses[0].Failed() {
		t.Fatalf("Syncing into an empty remote should succeed, got %v", statuses[0].Err)
	}
	if !statuses[0].Pushed {
		t.Error("Expected the local partition to be pushed")
	}

	remote, err := git.PlainOpen(remoteDir)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	ref, err := remote.Reference(p.RefName(), true)
	if err != nil {
		t.Fatalf("remote partition ref missing after push: %v", err)
	}
	if ref.Hash() != head {
		t.Errorf("Remote head should equal local head, got %s", ref.Hash())
	}

	// A second pass fetches the refs we just pushed and lands up to date.
	statuses, err = e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if statuses[0].Failed() {
		t.Fatalf("Second sync should succeed, got %v", statuses[0].Err)
	}
	if statuses[0].UpToDate != 1 {
		t.Errorf("Expected 1 up-to-date partition on the second pass, got %d", statuses[0].UpToDate)
	}
	localHead, err := s.Head(p)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if localHead != head {
		t.Error("Syncing our own history back must not move the local head")
	}
}

func TestSyncReportsPerRemoteStatus(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	appendEntry(t, s, id, "replicate me")

	goodDir := t.TempDir()
	if _, err := git.PlainInit(goodDir, true); err != nil {
		t.Fatalf("failed to init bare remote: %v", err)
	}
	addRemote(t, s, "good", goodDir)
	addRemote(t, s, "bad", filepath.Join(t.TempDir(), "does-not-exist"))

	e := New(s, id.Fingerprint(), nil)
	statuses, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected one status per remote, got %d", len(statuses))
	}

	byName := map[string]Status{}
	for _, st := range statuses {
		byName[st.Remote] = st
	}
	if byName["bad"].Err == nil {
		t.Error("The unreachable remote should report an error")
	}
	if byName["bad"].Pushed {
		t.Error("Nothing should be pushed to the unreachable remote")
	}
	if byName["good"].Failed() {
		t.Errorf("One remote failing must not abort the other, got %v", byName["good"].Err)
	}
	if !byName["good"].Pushed {
		t.Error("The reachable remote should still receive the push")
	}
}

func TestSyncWithoutRemotes(t *testing.T) {
	s := newStore(t)
	id := newIdentity(t)
	appendEntry(t, s, id, "lonely node")

	e := New(s, id.Fingerprint(), nil)
	statuses, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("Expected no statuses without remotes, got %d", len(statuses))
	}
}
