package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// newSourceRepo creates a local git repository with one commit, returning
// its directory and the commit's SHA, standing in for an upstream repo_url.
func newSourceRepo(t *testing.T) (dir, sha string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init source repo: %v", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := w.Add("README.md"); err != nil {
		t.Fatalf("add: %v", err)
	}
	commit, err := w.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0)},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir, commit.String()
}

func TestCheckoutMaterializesCommitContent(t *testing.T) {
	srcDir, sha := newSourceRepo(t)
	m, err := New(t.TempDir(), t.TempDir(), 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	path, cleanup, err := m.Checkout(context.Background(), "sonar-a", "acme_widget", srcDir, "", sha)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer cleanup()

	content, err := os.ReadFile(filepath.Join(path, "README.md"))
	if err != nil {
		t.Fatalf("read checked out file: %v", err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("unexpected checked out content: %q", content)
	}
}

func TestCheckoutReusesMirrorAcrossCheckouts(t *testing.T) {
	srcDir, sha1 := newSourceRepo(t)
	m, err := New(t.TempDir(), t.TempDir(), 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, cleanup1, err := m.Checkout(context.Background(), "sonar-a", "acme_widget", srcDir, "", sha1)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	cleanup1()

	mirror := m.mirrorDir("sonar-a", "acme_widget")
	if _, err := os.Stat(filepath.Join(mirror, ".git")); err != nil {
		t.Fatalf("expected mirror clone to persist: %v", err)
	}

	// Second checkout of the same project should reuse (fetch into) the
	// existing mirror rather than re-cloning from scratch.
	_, cleanup2, err := m.Checkout(context.Background(), "sonar-a", "acme_widget", srcDir, "", sha1)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	defer cleanup2()
}

// TestCheckoutFetchesMissingCommitFromFork exercises the fork-recovery path:
// the canonical repo is missing a commit that only exists in a fork, and
// Checkout is retried with forkURL set to the fork's clone URL, the same
// sequence runTask drives when isMissingCommit fires.
func TestCheckoutFetchesMissingCommitFromFork(t *testing.T) {
	canonicalDir, _ := newSourceRepo(t)
	forkDir, _ := newSourceRepo(t)
	if err := os.WriteFile(filepath.Join(forkDir, "FORK.md"), []byte("fork only\n"), 0o644); err != nil {
		t.Fatalf("write fork-only file: %v", err)
	}
	forkRepo, err := gogit.PlainOpen(forkDir)
	if err != nil {
		t.Fatalf("open fork repo: %v", err)
	}
	fw, err := forkRepo.Worktree()
	if err != nil {
		t.Fatalf("fork worktree: %v", err)
	}
	if _, err := fw.Add("FORK.md"); err != nil {
		t.Fatalf("add fork file: %v", err)
	}
	forkOnlyCommit, err := fw.Commit("fork-only commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(1, 0)},
	})
	if err != nil {
		t.Fatalf("fork commit: %v", err)
	}

	m, err := New(t.TempDir(), t.TempDir(), 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, _, err = m.Checkout(context.Background(), "sonar-a", "acme_widget", canonicalDir, "", forkOnlyCommit.String())
	if err == nil {
		t.Fatalf("expected checkout of fork-only commit against canonical repo to fail")
	}
	if !isMissingCommitForTest(err) {
		t.Fatalf("expected a missing-commit style error, got: %v", err)
	}

	path, cleanup, err := m.Checkout(context.Background(), "sonar-a", "acme_widget", canonicalDir, forkDir, forkOnlyCommit.String())
	if err != nil {
		t.Fatalf("checkout with fork fallback: %v", err)
	}
	defer cleanup()

	if _, err := os.ReadFile(filepath.Join(path, "FORK.md")); err != nil {
		t.Fatalf("expected fork-only file to be present after fork fetch: %v", err)
	}
}

func isMissingCommitForTest(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "object not found") ||
		strings.Contains(msg, "reference not found") ||
		strings.Contains(msg, "checking out")
}

// TestCheckoutSerializesConcurrentWorkersOnSameProject exercises the
// worktree-exclusivity property: concurrent Checkout calls for the same
// (backend, project) must not overlap in a way that corrupts the mirror —
// both must succeed and see consistent content.
func TestCheckoutSerializesConcurrentWorkersOnSameProject(t *testing.T) {
	srcDir, sha := newSourceRepo(t)
	m, err := New(t.TempDir(), t.TempDir(), 0, 10*time.Second)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, cleanup, err := m.Checkout(context.Background(), "sonar-a", "acme_widget", srcDir, "", sha)
			if err != nil {
				errs <- err
				return
			}
			defer cleanup()
			if _, statErr := os.Stat(filepath.Join(path, "README.md")); statErr != nil {
				errs <- statErr
				return
			}
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent checkout failed: %v", err)
		}
	}
}
