// Package forkfinder locates which fork of a GitHub repository contains a
// commit that is missing from the canonical repo — the situation that
// arises when a build-history CSV references a commit from a contributor's
// fork that was never merged upstream.
package forkfinder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/google/go-github/v68/github"
	"github.com/shurcooL/graphql"
	"golang.org/x/oauth2"
)

// Match is the fork a commit was located in.
type Match struct {
	RepoSlug string
	CloneURL string
}

// ErrRateLimited is returned when a REST call answers 403 with
// X-RateLimit-Remaining: 0. The lookup stops there; the other tokens in the
// pool are not tried for that call.
var ErrRateLimited = errors.New("forkfinder: rate limit exceeded")

// Finder probes a repository and its forks for a commit, rotating across a
// pool of tokens to spread rate-limit budget across calls.
type Finder struct {
	clients      []*github.Client
	gqlClients   []*graphql.Client
	next         uint32
	maxPages     int
	perPage      int
	useGraphQL   bool
}

// New builds a Finder from a pool of GitHub tokens (each may be for a
// distinct account to multiply the effective rate-limit budget) and an
// optional enterprise host ("" for github.com).
func New(tokens []string, host string, maxPages, perPage int, useGraphQL bool) (*Finder, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forkfinder: at least one token is required")
	}
	f := &Finder{maxPages: maxPages, perPage: perPage, useGraphQL: useGraphQL}
	for _, tok := range tokens {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
		httpClient := oauth2.NewClient(context.Background(), ts)

		client := github.NewClient(httpClient)
		if host != "" {
			var err error
			client, err = client.WithEnterpriseURLs(
				fmt.Sprintf("https://%s/api/v3/", host),
				fmt.Sprintf("https://%s/api/uploads/", host))
			if err != nil {
				return nil, fmt.Errorf("configuring enterprise client for %s: %w", host, err)
			}
		}
		f.clients = append(f.clients, client)

		gqlURL := "https://api.github.com/graphql"
		if host != "" {
			gqlURL = fmt.Sprintf("https://%s/api/graphql", host)
		}
		f.gqlClients = append(f.gqlClients, graphql.NewClient(gqlURL, httpClient))
	}
	return f, nil
}

// pick round-robins across the token pool so successive calls spread load.
func (f *Finder) pick() (*github.Client, *graphql.Client) {
	i := atomic.AddUint32(&f.next, 1) % uint32(len(f.clients))
	return f.clients[i], f.gqlClients[i]
}

// FindCommitRepo returns the fork containing commitSha, checking the
// canonical repoSlug first and then paging through forks, stopping at the
// first match exactly as the original pipeline's linear probe did.
func (f *Finder) FindCommitRepo(ctx context.Context, repoSlug, commitSha string) (*Match, error) {
	owner, name, err := splitSlug(repoSlug)
	if err != nil {
		return nil, err
	}

	if ok, err := f.commitInRepo(ctx, owner, name, commitSha); err != nil {
		return nil, err
	} else if ok {
		return &Match{RepoSlug: repoSlug, CloneURL: cloneURL(repoSlug)}, nil
	}

	if f.useGraphQL {
		return f.findViaGraphQL(ctx, owner, name, commitSha)
	}
	return f.findViaREST(ctx, owner, name, commitSha)
}

func (f *Finder) findViaREST(ctx context.Context, owner, name, commitSha string) (*Match, error) {
	client, _ := f.pick()
	opts := &github.RepositoryListForksOptions{
		ListOptions: github.ListOptions{PerPage: f.perPage},
	}
	for page := 1; page <= f.maxPages; page++ {
		opts.Page = page
		forks, resp, err := client.Repositories.ListForks(ctx, owner, name, opts)
		if err != nil {
			if isRateLimited(resp) {
				return nil, ErrRateLimited
			}
			return nil, fmt.Errorf("listing forks for %s/%s page %d: %w", owner, name, page, err)
		}
		if len(forks) == 0 {
			break
		}
		for _, fork := range forks {
			full := fork.GetFullName()
			if full == "" {
				continue
			}
			fOwner, fName, err := splitSlug(full)
			if err != nil {
				continue
			}
			ok, err := f.commitInRepo(ctx, fOwner, fName, commitSha)
			if err != nil {
				return nil, err
			}
			if ok {
				return &Match{RepoSlug: full, CloneURL: cloneURL(full)}, nil
			}
		}
	}
	return nil, nil
}

// findViaGraphQL lists forks over REST page by page and probes each fork
// with its own GraphQL object(oid:) query in place of the REST commit
// lookup. Queries are not batched: it is still one round trip per fork. A
// fork whose query errors is skipped.
func (f *Finder) findViaGraphQL(ctx context.Context, owner, name, commitSha string) (*Match, error) {
	client, gql := f.pick()
	opts := &github.RepositoryListForksOptions{
		ListOptions: github.ListOptions{PerPage: f.perPage},
	}
	for page := 1; page <= f.maxPages; page++ {
		opts.Page = page
		forks, resp, err := client.Repositories.ListForks(ctx, owner, name, opts)
		if err != nil {
			if isRateLimited(resp) {
				return nil, ErrRateLimited
			}
			return nil, fmt.Errorf("listing forks for %s/%s page %d: %w", owner, name, page, err)
		}
		if len(forks) == 0 {
			break
		}

		for _, fork := range forks {
			full := fork.GetFullName()
			if full == "" {
				continue
			}
			fOwner, fName, err := splitSlug(full)
			if err != nil {
				continue
			}
			vars := map[string]interface{}{
				"owner": graphql.String(fOwner),
				"name":  graphql.String(fName),
				"oid":   graphql.GitObjectID(commitSha),
			}
			var single struct {
				Repository struct {
					Object struct {
						Commit struct {
							OID graphql.String
						} `graphql:"... on Commit"`
					} `graphql:"object(oid: $oid)"`
				} `graphql:"repository(owner: $owner, name: $name)"`
			}
			if err := gql.Query(ctx, &single, vars); err != nil {
				continue
			}
			if single.Repository.Object.Commit.OID != "" {
				return &Match{RepoSlug: full, CloneURL: cloneURL(full)}, nil
			}
		}
	}
	return nil, nil
}

func (f *Finder) commitInRepo(ctx context.Context, owner, name, commitSha string) (bool, error) {
	client, _ := f.pick()
	_, resp, err := client.Repositories.GetCommit(ctx, owner, name, commitSha, nil)
	if err == nil {
		return true, nil
	}
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity) {
		return false, nil
	}
	if isRateLimited(resp) {
		return false, ErrRateLimited
	}
	return false, nil
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil || resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func cloneURL(slug string) string {
	return fmt.Sprintf("https://github.com/%s.git", slug)
}

func splitSlug(slug string) (owner, name string, err error) {
	for i := 0; i < len(slug); i++ {
		if slug[i] == '/' {
			return slug[:i], slug[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("forkfinder: malformed repo slug %q", slug)
}
