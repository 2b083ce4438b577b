package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/meshlog/meshlog/internal/logstore"
)

// Status is the per-remote outcome of one sync pass. Partial success
// across remotes is a normal end state: callers get one Status per remote
// and decide what to surface, never a single aggregate failure.
type Status struct {
	Remote        string
	Err           error
	Adopted       int
	FastForwarded int
	Merged        int
	UpToDate      int
	Pushed        bool
}

// Failed reports whether this remote's sync ended in an error.
func (st Status) Failed() bool {
	return st.Err != nil
}

// Engine runs the fetch -> merge -> push cycle against every configured
// remote, sequentially. Remotes are independent: one failing is reported
// and skipped, the rest still sync.
type Engine struct {
	store  *logstore.Store
	owner  string
	logger *slog.Logger
}

// New creates an engine. owner is the local identity's fingerprint; only
// partitions it owns are ever pushed.
func New(store *logstore.Store, owner string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, owner: owner, logger: logger}
}

// Sync processes every configured remote and returns one status each.
func (e *Engine) Sync(ctx context.Context) ([]Status, error) {
	remotes, err := e.store.Repository().Remotes()
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}

	statuses := make([]Status, 0, len(remotes))
	for _, remote := range remotes {
		name := remote.Config().Name
		st := e.syncRemote(ctx, name)
		if st.Failed() {
			e.logger.Warn("sync failed", "remote", name, "error", st.Err)
		} else {
			e.logger.Info("sync complete", "remote", name,
				"adopted", st.Adopted, "fast_forwarded", st.FastForwarded, "merged", st.Merged)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (e *Engine) syncRemote(ctx context.Context, name string) Status {
	st := Status{Remote: name}

	if err := e.fetch(ctx, name); err != nil {
		st.Err = fmt.Errorf("fetch from %s failed: %w", name, err)
		return st
	}
	if err := e.mergeFetched(name, &st); err != nil {
		st.Err = fmt.Errorf("merge from %s failed: %w", name, err)
		return st
	}
	if err := e.push(ctx, name); err != nil {
		st.Err = fmt.Errorf("push to %s failed: %w", name, err)
		return st
	}
	st.Pushed = true
	return st
}

// fetch pulls every remote partition reference into the remote-tracking
// shadow namespace. Local partition heads are untouched here.
func (e *Engine) fetch(ctx context.Context, name string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf(
		"+refs/heads/%s*:refs/remotes/%s/%s*", logstore.BranchPrefix, name, logstore.BranchPrefix))

	err := e.store.Repository().FetchContext(ctx, &git.FetchOptions{
		RemoteName: name,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, git.NoMatchingRefSpecError{}):
		// A freshly provisioned remote has nothing to fetch yet; it
		// still gets our push.
		return nil
	}
	return err
}

// mergeFetched reconciles each fetched partition with its local
// counterpart: adopt unknown partitions, fast-forward strictly newer
// history, union-merge genuine divergence, and leave everything else
// alone.
func (e *Engine) mergeFetched(name string, st *Status) error {
	refs, err := e.store.Repository().References()
	if err != nil {
		return fmt.Errorf("failed to list references: %w", err)
	}

	shadowPrefix := fmt.Sprintf("refs/remotes/%s/", name)

	return refs.ForEach(func(ref *plumbing.Reference) error {
		full := ref.Name().String()
		if !strings.HasPrefix(full, shadowPrefix) {
			return nil
		}
		p, ok := logstore.ParsePartition(strings.TrimPrefix(full, shadowPrefix))
		if !ok {
			return nil
		}
		return e.mergePartition(p, ref.Hash(), st)
	})
}

func (e *Engine) mergePartition(p logstore.Partition, remoteHash plumbing.Hash, st *Status) error {
	localHash, err := e.store.Head(p)
	if err != nil {
		return err
	}

	switch {
	case localHash.IsZero():
		// First contact with a foreign partition: adopt the only history
		// that exists.
		if err := e.store.AdvanceHead(p, remoteHash); err != nil {
			return err
		}
		st.Adopted++
		return nil

	case localHash == remoteHash:
		st.UpToDate++
		return nil
	}

	repo := e.store.Repository()
	localCommit, err := repo.CommitObject(localHash)
	if err != nil {
		return fmt.Errorf("failed to read local head of %s: %w", p, err)
	}
	remoteCommit, err := repo.CommitObject(remoteHash)
	if err != nil {
		return fmt.Errorf("failed to read remote head of %s: %w", p, err)
	}

	bases, err := localCommit.MergeBase(remoteCommit)
	if err != nil {
		return fmt.Errorf("failed to compute merge base for %s: %w", p, err)
	}

	if containsHash(bases, remoteHash) {
		// Remote is an ancestor of local: nothing to do.
		st.UpToDate++
		return nil
	}
	if containsHash(bases, localHash) {
		// Local is a strict prefix of remote: pure adoption of the same
		// author's newer state.
		if err := e.store.AdvanceHead(p, remoteHash); err != nil {
			return err
		}
		st.FastForwarded++
		return nil
	}

	// Genuine divergence: union merge, both heads become parents.
	if _, err := e.store.Merge(p, localHash, remoteHash); err != nil {
		return err
	}
	st.Merged++
	return nil
}

// push sends the partitions this node authored, plain and sealed, under
// their own names. The refspecs are non-forcing: a push can only ever
// advance remote history, never rewrite it.
func (e *Engine) push(ctx context.Context, name string) error {
	var specs []gitconfig.RefSpec
	for _, sealed := range []bool{false, true} {
		p := logstore.Partition{Fingerprint: e.owner, Sealed: sealed}
		head, err := e.store.Head(p)
		if err != nil {
			return err
		}
		if head.IsZero() {
			continue
		}
		ref := p.RefName().String()
		specs = append(specs, gitconfig.RefSpec(ref+":"+ref))
	}
	if len(specs) == 0 {
		return nil
	}

	err := e.store.Repository().PushContext(ctx, &git.PushOptions{
		RemoteName: name,
		RefSpecs:   specs,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func containsHash(commits []*object.Commit, hash plumbing.Hash) bool {
	for _, c := range commits {
		if c.Hash == hash {
			return true
		}
	}
	return false
}
