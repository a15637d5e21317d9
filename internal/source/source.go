// Package source fetches application source at a pinned branch.
package source

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// tokenUser is the username GitHub expects alongside an access token
const tokenUser = "x-access-token"

// Request describes one checkout
type Request struct {
	Repository string
	Branch     string
	Token      string
	Dir        string

	// Progress receives human readable fetch progress when set
	Progress io.Writer
}

// Fetcher clones a repository into Request.Dir and reports the checked out commit
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (string, error)
}

// RepositoryURL turns a repository reference into a clone URL. "owner/repo"
// shorthands resolve to GitHub; URLs and local paths pass through.
func RepositoryURL(repository string) (string, error) {
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return "", fmt.Errorf("repository is required")
	}

	switch {
	case strings.Contains(repository, "://"),
		strings.HasPrefix(repository, "git@"),
		strings.HasPrefix(repository, "/"),
		strings.HasPrefix(repository, "."):
		return repository, nil
	}

	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid repository reference %q, expected owner/name", repository)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, strings.TrimSuffix(name, ".git")), nil
}

func validate(req Request) error {
	if req.Branch == "" {
		return fmt.Errorf("branch is required")
	}
	if req.Dir == "" {
		return fmt.Errorf("target directory is required")
	}
	return nil
}
