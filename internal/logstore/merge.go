package logstore

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Merge joins two divergent histories of one partition into a merge
// commit with both heads as parents. The merged tree is the union of both
// sides: entries are additive, so a merge must never shrink the set of
// stored objects. When both sides hold a different blob under the same
// path (same author, same nanosecond, two nodes), the local blob keeps
// the path and the remote blob is kept under a suffixed name, so both
// survive.
//
// The partition head moves only after the merge commit is fully stored;
// an interrupted merge leaves the previous head in place.
func (s *Store) Merge(p Partition, localHash, remoteHash plumbing.Hash) (plumbing.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	localTree, err := s.commitTree(localHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	remoteTree, err := s.commitTree(remoteHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	merged := unionEntries(localTree.Entries, remoteTree.Entries)
	treeHash, err := s.writeTree(merged)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	commitHash, err := s.writeCommit(
		fmt.Sprintf("merge remote history for %s", p.Branch()),
		treeHash,
		[]plumbing.Hash{localHash, remoteHash},
	)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(p.RefName(), commitHash)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to advance partition head: %w", err)
	}
	return commitHash, nil
}

func (s *Store) commitTree(hash plumbing.Hash) (*object.Tree, error) {
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", hash, err)
	}
	return tree, nil
}

func unionEntries(local, remote []object.TreeEntry) []object.TreeEntry {
	byName := make(map[string]object.TreeEntry, len(local))
	merged := append([]object.TreeEntry{}, local...)
	for _, te := range local {
		byName[te.Name] = te
	}

	for _, te := range remote {
		have, ok := byName[te.Name]
		if !ok {
			byName[te.Name] = te
			merged = append(merged, te)
			continue
		}
		if have.Hash == te.Hash {
			continue
		}
		// Same path, different content: keep both sides.
		renamed := te
		renamed.Name = conflictName(te.Name, byName)
		byName[renamed.Name] = renamed
		merged = append(merged, renamed)
	}
	return merged
}

func conflictName(name string, taken map[string]object.TreeEntry) string {
	ext := ""
	base := name
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i:]
	}
	candidate := base + "~remote" + ext
	for i := 2; ; i++ {
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
		candidate = fmt.Sprintf("%s~remote%d%s", base, i, ext)
	}
}
