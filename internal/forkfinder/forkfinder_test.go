package forkfinder

import (
	"net/http"
	"testing"

	"github.com/google/go-github/v68/github"
)

func TestSplitSlug(t *testing.T) {
	owner, name, err := splitSlug("acme/widget")
	if err != nil {
		t.Fatalf("split slug: %v", err)
	}
	if owner != "acme" || name != "widget" {
		t.Fatalf("got owner=%q name=%q", owner, name)
	}
}

func TestSplitSlugMalformed(t *testing.T) {
	if _, _, err := splitSlug("no-slash-here"); err == nil {
		t.Fatalf("expected error for malformed slug")
	}
}

func TestCloneURL(t *testing.T) {
	if got, want := cloneURL("acme/widget"), "https://github.com/acme/widget.git"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIsRateLimitedRequiresForbiddenAndZeroRemaining(t *testing.T) {
	resp := &github.Response{Response: &http.Response{
		StatusCode: http.StatusForbidden,
		Header:     http.Header{"X-Ratelimit-Remaining": []string{"0"}},
	}}
	if !isRateLimited(resp) {
		t.Fatalf("expected rate-limited true for 403 + remaining=0")
	}

	notRateLimited := &github.Response{Response: &http.Response{
		StatusCode: http.StatusForbidden,
		Header:     http.Header{"X-Ratelimit-Remaining": []string{"10"}},
	}}
	if isRateLimited(notRateLimited) {
		t.Fatalf("expected false when rate limit remains")
	}

	notForbidden := &github.Response{Response: &http.Response{StatusCode: http.StatusNotFound}}
	if isRateLimited(notForbidden) {
		t.Fatalf("expected false for non-403 response")
	}

	if isRateLimited(nil) {
		t.Fatalf("expected false for nil response")
	}
}

func TestNewRequiresAtLeastOneToken(t *testing.T) {
	if _, err := New(nil, "", 5, 100, false); err == nil {
		t.Fatalf("expected error when no tokens are configured")
	}
}
