package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

// tokenEnv carries the access token to git without putting it on the command line
const tokenEnv = "DEPLOYCTL_GIT_TOKEN"

const credentialHelper = `credential.helper=!f() { echo username=` + tokenUser + `; echo "password=$` + tokenEnv + `"; }; f`

// CommandFetcher runs the git binary through a Backend, so it works on remote hosts
type CommandFetcher struct {
	backend executor.Backend
	onLine  func(executor.Stream, string)
}

// NewCommandFetcher creates a fetcher that shells out to git on backend
func NewCommandFetcher(backend executor.Backend, onLine func(executor.Stream, string)) *CommandFetcher {
	return &CommandFetcher{backend: backend, onLine: onLine}
}

// Fetch performs a shallow single-branch clone and returns the HEAD commit
func (f *CommandFetcher) Fetch(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	url, err := RepositoryURL(req.Repository)
	if err != nil {
		return "", err
	}

	env := map[string]string{"GIT_TERMINAL_PROMPT": "0"}
	args := []string{}
	if req.Token != "" {
		env[tokenEnv] = req.Token
		args = append(args, "-c", credentialHelper)
	}
	args = append(args, "clone", "--depth", "1", "--branch", req.Branch, url, req.Dir)

	if _, err := f.backend.Run(ctx, executor.Command{
		Name:   "git",
		Args:   args,
		Env:    env,
		OnLine: f.onLine,
	}); err != nil {
		return "", fmt.Errorf("failed to clone %s@%s: %w", req.Repository, req.Branch, err)
	}

	result, err := f.backend.Run(ctx, executor.Command{
		Name: "git",
		Args: []string{"-C", req.Dir, "rev-parse", "HEAD"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	return strings.TrimSpace(result.Stdout), nil
}
