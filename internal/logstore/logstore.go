package logstore

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	// BranchPrefix scopes every partition branch. Nothing outside this
	// namespace participates in replication.
	BranchPrefix = "users/"

	// SealedSuffix marks a partition holding encrypted envelopes instead
	// of plaintext entries. Plain and sealed histories for the same
	// author never mix.
	SealedSuffix = "-sealed"

	commitName  = "meshlog"
	commitEmail = "meshlog@local"
)

// Partition identifies one author's append-only history.
type Partition struct {
	Fingerprint string
	Sealed      bool
}

// Branch returns the short branch name, e.g. "users/3a1f...".
func (p Partition) Branch() string {
	name := BranchPrefix + p.Fingerprint
	if p.Sealed {
		name += SealedSuffix
	}
	return name
}

// RefName returns the full local reference name for the partition head.
func (p Partition) RefName() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(p.Branch())
}

func (p Partition) String() string {
	return p.Branch()
}

// ParsePartition recognizes a partition from a short branch name.
func ParsePartition(branch string) (Partition, bool) {
	if !strings.HasPrefix(branch, BranchPrefix) {
		return Partition{}, false
	}
	rest := strings.TrimPrefix(branch, BranchPrefix)
	sealed := strings.HasSuffix(rest, SealedSuffix)
	fingerprint := strings.TrimSuffix(rest, SealedSuffix)
	if fingerprint == "" || strings.Contains(fingerprint, "/") {
		return Partition{}, false
	}
	return Partition{Fingerprint: fingerprint, Sealed: sealed}, true
}

// Object is one stored file in a partition: a serialized entry or
// envelope, named by its creation timestamp.
type Object struct {
	Name string
	Data []byte
}

// Store is the git-backed log store. Each partition is a branch; each
// append is a commit whose only parent is the previous head. All
// structural mutations go through the object store first and move the
// head reference last, so an interrupted operation leaves the previous
// head intact.
//
// Writes are serialized internally. Two processes sharing one identity
// must still serialize their own appends; that is outside this store's
// guarantees.
type Store struct {
	repo *git.Repository
	mu   sync.Mutex
}

// New wraps an already-open repository (used by tests with in-memory
// storage).
func New(repo *git.Repository) *Store {
	return &Store{repo: repo}
}

// Open opens the repository at path, initializing a bare one on first use.
func Open(path string) (*Store, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, true)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		return &Store{repo: repo}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &Store{repo: repo}, nil
}

// Repository exposes the underlying repository for remote management and
// sync.
func (s *Store) Repository() *git.Repository {
	return s.repo
}

// Append writes data as a new uniquely named object in the partition and
// advances the partition head by exactly one commit. The partition branch
// is created on first append with a parentless commit: a new author never
// inherits anyone else's history.
func (s *Store) Append(p Partition, data []byte, when time.Time) (plumbing.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(p, data, when)
}

func (s *Store) appendLocked(p Partition, data []byte, when time.Time) (plumbing.Hash, error) {
	var parents []plumbing.Hash
	var baseEntries []object.TreeEntry

	ref, err := s.repo.Reference(p.RefName(), true)
	switch {
	case err == nil:
		parent, err := s.repo.CommitObject(ref.Hash())
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to read partition head: %w", err)
		}
		tree, err := parent.Tree()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to read partition tree: %w", err)
		}
		parents = []plumbing.Hash{ref.Hash()}
		baseEntries = tree.Entries
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// First append: empty, parentless history.
	default:
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve partition %s: %w", p, err)
	}

	blobHash, err := s.writeBlob(data)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	name := uniqueName(entryFilename(when), baseEntries)
	entries := append(append([]object.TreeEntry{}, baseEntries...), object.TreeEntry{
		Name: name,
		Mode: filemode.Regular,
		Hash: blobHash,
	})

	treeHash, err := s.writeTree(entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	commitHash, err := s.writeCommit(fmt.Sprintf("append %s", name), treeHash, parents)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	// The head moves only after the commit object is fully stored.
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(p.RefName(), commitHash)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to advance partition head: %w", err)
	}
	return commitHash, nil
}

// Partitions lists every partition known to this node, local mirrors of
// other authors included.
func (s *Store) Partitions() ([]Partition, error) {
	refs, err := s.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}

	var partitions []Partition
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if !ref.Name().IsBranch() {
			return nil
		}
		if p, ok := ParsePartition(ref.Name().Short()); ok {
			partitions = append(partitions, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].Branch() < partitions[j].Branch()
	})
	return partitions, nil
}

// Head returns the partition's current head commit, or ZeroHash for a
// partition with no entries.
func (s *Store) Head(p Partition) (plumbing.Hash, error) {
	ref, err := s.repo.Reference(p.RefName(), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve partition %s: %w", p, err)
	}
	return ref.Hash(), nil
}

// AdvanceHead moves the partition head to an already-stored commit. Used
// for fast-forwards and for adopting a foreign partition's history on
// first contact; the commit (and everything it references) must be fully
// present before the reference moves.
func (s *Store) AdvanceHead(p Partition, to plumbing.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.CommitObject(to); err != nil {
		return fmt.Errorf("refusing to advance %s to missing commit %s: %w", p, to, err)
	}
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(p.RefName(), to)); err != nil {
		return fmt.Errorf("failed to advance partition head: %w", err)
	}
	return nil
}

// ReadPartition returns the partition's stored objects in append order
// (names are timestamp-derived). A partition with no entries yields an
// empty slice.
func (s *Store) ReadPartition(p Partition) ([]Object, error) {
	head, err := s.Head(p)
	if err != nil {
		return nil, err
	}
	if head.IsZero() {
		return nil, nil
	}

	commit, err := s.repo.CommitObject(head)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition head: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition tree: %w", err)
	}

	var objects []Object
	for _, te := range tree.Entries {
		if te.Mode != filemode.Regular {
			continue
		}
		blob, err := s.repo.BlobObject(te.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", te.Name, err)
		}
		r, err := blob.Reader()
		if err != nil {
			return nil, fmt.Errorf("failed to open object %s: %w", te.Name, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", te.Name, err)
		}
		objects = append(objects, Object{Name: te.Name, Data: data})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (s *Store) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to create blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to finalize blob: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob: %w", err)
	}
	return hash, nil
}

func (s *Store) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	tree := &object.Tree{Entries: entries}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}
	return hash, nil
}

func (s *Store) writeCommit(message string, treeHash plumbing.Hash, parents []plumbing.Hash) (plumbing.Hash, error) {
	sig := object.Signature{Name: commitName, Email: commitEmail, When: time.Now()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store commit: %w", err)
	}
	return hash, nil
}

// entryFilename derives a collision-resistant object name from the
// creation time.
func entryFilename(when time.Time) string {
	if when.IsZero() {
		when = time.Now()
	}
	return when.UTC().Format("20060102T150405.000000000") + ".json"
}

// uniqueName suffixes the candidate until it collides with nothing in the
// tree. Same-nanosecond appends by one author are a caller error, but
// imports must still never overwrite an existing object.
func uniqueName(candidate string, entries []object.TreeEntry) string {
	taken := make(map[string]bool, len(entries))
	for _, te := range entries {
		taken[te.Name] = true
	}
	if !taken[candidate] {
		return candidate
	}
	base := strings.TrimSuffix(candidate, ".json")
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%d.json", base, i)
		if !taken[name] {
			return name
		}
	}
}
