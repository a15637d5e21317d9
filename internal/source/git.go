package source

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog/log"
)

// GitFetcher clones in-process with go-git. Used when the build runs on this host.
type GitFetcher struct{}

// NewGitFetcher creates a go-git based fetcher
func NewGitFetcher() *GitFetcher {
	return &GitFetcher{}
}

// Fetch performs a shallow single-branch clone and returns the HEAD commit
func (f *GitFetcher) Fetch(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	url, err := RepositoryURL(req.Repository)
	if err != nil {
		return "", err
	}

	cloneOpts := &git.CloneOptions{
		URL:           url,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(req.Branch),
		Progress:      req.Progress,
	}
	if req.Token != "" {
		cloneOpts.Auth = &http.BasicAuth{Username: tokenUser, Password: req.Token}
	}

	log.Debug().Str("repository", req.Repository).Str("branch", req.Branch).Str("dir", req.Dir).Msg("Cloning repository")

	repo, err := git.PlainCloneContext(ctx, req.Dir, false, cloneOpts)
	if err != nil {
		return "", fmt.Errorf("failed to clone %s@%s: %w", req.Repository, req.Branch, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	return head.Hash().String(), nil
}
