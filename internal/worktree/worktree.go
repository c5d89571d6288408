// Package worktree materialises a single commit of a project into an
// ephemeral checkout, backed by a per-(backend,project) local mirror clone
// that is fetched incrementally instead of re-cloned for every commit.
//
// go-git has no equivalent of `git worktree add`, so sharing is emulated by
// cloning from the mirror's file:// URL and force-checking-out the target
// commit — the mirror itself only ever receives fetches.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Manager owns the mirror and work directories for all projects.
type Manager struct {
	RootDir      string // mirror clones live under RootDir/<backend>/<project>
	WorkDir      string // ephemeral per-commit checkouts live under WorkDir
	CloneDepth   int
	LockTimeout  time.Duration
}

// New constructs a Manager, ensuring its base directories exist.
func New(rootDir, workDir string, cloneDepth int, lockTimeout time.Duration) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree workdir: %w", err)
	}
	return &Manager{RootDir: rootDir, WorkDir: workDir, CloneDepth: cloneDepth, LockTimeout: lockTimeout}, nil
}

func sanitizeSegment(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (m *Manager) mirrorDir(backend, project string) string {
	return filepath.Join(m.RootDir, sanitizeSegment(backend), sanitizeSegment(project))
}

func (m *Manager) lockPath(backend, project string) string {
	return m.mirrorDir(backend, project) + ".lock"
}

// Checkout materialises commitSha into a fresh directory under WorkDir. The
// mirror's origin remote is re-pointed at repoURL on every call, since slug
// rewriting can change the canonical URL for a project between runs. When
// commitSha isn't reachable from origin and forkURL is non-empty, a distinct
// "fork" remote is added and fetched to pull it in from there instead. The
// caller must call the returned cleanup func once done with the checkout.
// Access to the project's mirror is serialized with an OS-level advisory
// lock so concurrent workers scanning different commits of the same project
// don't race on the shared fetch.
func (m *Manager) Checkout(ctx context.Context, backend, project, repoURL, forkURL, commitSha string) (path string, cleanup func(), err error) {
	lock := flock.New(m.lockPath(backend, project))
	lockCtx, cancel := context.WithTimeout(ctx, m.LockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 200*time.Millisecond)
	if err != nil {
		return "", nil, fmt.Errorf("acquiring repo lock: %w", err)
	}
	if !locked {
		return "", nil, fmt.Errorf("timed out waiting for repo lock on %s/%s", backend, project)
	}
	defer lock.Unlock()

	mirror := m.mirrorDir(backend, project)
	if err := m.ensureMirror(ctx, mirror, repoURL); err != nil {
		return "", nil, err
	}
	if err := m.ensureCommit(ctx, mirror, forkURL, commitSha); err != nil {
		return "", nil, err
	}
	if err := m.pinCommitRef(mirror, commitSha); err != nil {
		return "", nil, err
	}

	dest, err := os.MkdirTemp(m.WorkDir, sanitizeSegment(project)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("creating checkout dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(dest) }

	repo, err := gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
		URL: "file://" + mirror,
	})
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("cloning mirror into worktree: %w", err)
	}

	w, err := repo.Worktree()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("opening worktree: %w", err)
	}
	if err := w.Checkout(&gogit.CheckoutOptions{
		Hash:  plumbing.NewHash(commitSha),
		Force: true,
	}); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("checking out %s: %w", commitSha, err)
	}

	return dest, cleanup, nil
}

// ensureMirror clones the mirror on first use and fetches it otherwise, so
// repeat commits of the same project pay only an incremental fetch cost.
// On every call it re-points origin at repoURL first, since the canonical
// URL for a project can change (slug rewrites) between one run and the next.
func (m *Manager) ensureMirror(ctx context.Context, mirror, repoURL string) error {
	if _, err := os.Stat(filepath.Join(mirror, ".git")); err == nil {
		repo, err := gogit.PlainOpen(mirror)
		if err != nil {
			return fmt.Errorf("opening mirror %s: %w", mirror, err)
		}
		if err := setRemoteURL(repo, "origin", repoURL); err != nil {
			return fmt.Errorf("updating origin url for mirror %s: %w", mirror, err)
		}
		err = repo.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*", "+refs/tags/*:refs/tags/*"},
			Force:      true,
		})
		if err != nil && err != gogit.NoErrAlreadyUpToDate {
			return fmt.Errorf("fetching mirror %s: %w", mirror, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
		return err
	}
	opts := &gogit.CloneOptions{URL: repoURL}
	if m.CloneDepth > 0 {
		opts.Depth = m.CloneDepth
	}
	_, err := gogit.PlainCloneContext(ctx, mirror, false, opts)
	if err != nil {
		return fmt.Errorf("cloning mirror from %s: %w", repoURL, err)
	}
	return nil
}

// ensureCommit verifies commitSha is reachable in mirror, adding and
// fetching a distinct "fork" remote derived from forkURL when it isn't —
// the commit may only exist in a fork of the canonical repo a data source
// pointed at, never in the canonical repo itself.
func (m *Manager) ensureCommit(ctx context.Context, mirror, forkURL, commitSha string) error {
	repo, err := gogit.PlainOpen(mirror)
	if err != nil {
		return fmt.Errorf("opening mirror %s: %w", mirror, err)
	}
	hash := plumbing.NewHash(commitSha)
	if _, cerr := repo.CommitObject(hash); cerr == nil {
		return nil
	} else if forkURL == "" {
		return fmt.Errorf("checking out %s: %w", commitSha, cerr)
	}

	if err := setRemoteURL(repo, "fork", forkURL); err != nil {
		return fmt.Errorf("adding fork remote: %w", err)
	}
	defer repo.DeleteRemote("fork")

	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "fork",
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/fork/*", "+refs/tags/*:refs/tags/*"},
		Force:      true,
	})
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return fmt.Errorf("fetching fork remote %s: %w", forkURL, err)
	}

	if _, cerr := repo.CommitObject(hash); cerr != nil {
		return fmt.Errorf("checking out %s: commit still not found after fork fetch: %w", commitSha, cerr)
	}
	return nil
}

// checkoutRefName is a local branch the mirror keeps pointed at whichever
// commit was most recently requested, regardless of which remote (origin or
// fork) it came from. Both the origin and fork fetches above only populate
// remote-tracking refs (refs/remotes/origin/*, refs/remotes/fork/*), which a
// normal clone never advertises — so without this, a commit that only lives
// on a non-default branch, or that was only just pulled in from a fork,
// would never actually transfer into the per-checkout worktree clone below.
const checkoutRefName = "refs/heads/commitpipe-checkout"

// pinCommitRef points checkoutRefName at commitSha so the worktree clone
// below (a normal all-branches clone of the mirror) is guaranteed to carry
// the object, whichever remote it was fetched from.
func (m *Manager) pinCommitRef(mirror, commitSha string) error {
	repo, err := gogit.PlainOpen(mirror)
	if err != nil {
		return fmt.Errorf("opening mirror %s: %w", mirror, err)
	}
	ref := plumbing.NewHashReference(plumbing.ReferenceName(checkoutRefName), plumbing.NewHash(commitSha))
	if err := repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("pinning checkout ref for %s: %w", commitSha, err)
	}
	return nil
}

// setRemoteURL points remote name at url, recreating it if it already
// exists with a different URL — go-git has no in-place remote URL edit.
func setRemoteURL(repo *gogit.Repository, name, url string) error {
	existing, err := repo.Remote(name)
	if err == nil {
		if urls := existing.Config().URLs; len(urls) > 0 && urls[0] == url {
			return nil
		}
		if err := repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("removing stale remote %s: %w", name, err)
		}
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	if err != nil {
		return fmt.Errorf("creating remote %s: %w", name, err)
	}
	return nil
}
