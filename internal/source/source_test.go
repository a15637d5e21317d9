package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

func TestRepositoryURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "acme/web", want: "https://github.com/acme/web.git"},
		{in: "acme/web.git", want: "https://github.com/acme/web.git"},
		{in: "https://gitlab.com/acme/web.git", want: "https://gitlab.com/acme/web.git"},
		{in: "git@github.com:acme/web.git", want: "git@github.com:acme/web.git"},
		{in: "/srv/repos/web", want: "/srv/repos/web"},
		{in: "", wantErr: true},
		{in: "acme", wantErr: true},
		{in: "acme/web/extra", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := RepositoryURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingBackend struct {
	executor.LocalBackend
	commands []executor.Command
}

func (b *recordingBackend) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	b.commands = append(b.commands, cmd)
	if len(cmd.Args) > 0 && cmd.Args[len(cmd.Args)-1] == "HEAD" {
		return &executor.Result{Stdout: "0123abcd\n"}, nil
	}
	return &executor.Result{}, nil
}

func TestCommandFetcherKeepsTokenOffCommandLine(t *testing.T) {
	backend := &recordingBackend{}
	fetcher := NewCommandFetcher(backend, nil)

	sha, err := fetcher.Fetch(context.Background(), Request{
		Repository: "acme/web",
		Branch:     "main",
		Token:      "ghp_secret",
		Dir:        "/srv/builds/x/source",
	})
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", sha)

	require.Len(t, backend.commands, 2)
	clone := backend.commands[0]
	assert.Equal(t, "git", clone.Name)
	assert.NotContains(t, clone.String(), "ghp_secret")
	assert.Equal(t, "ghp_secret", clone.Env[tokenEnv])
	assert.Equal(t, "0", clone.Env["GIT_TERMINAL_PROMPT"])
	assert.Contains(t, clone.Args, "--depth")
	assert.Equal(t, []string{"https://github.com/acme/web.git", "/srv/builds/x/source"}, clone.Args[len(clone.Args)-2:])
}

func TestCommandFetcherWithoutToken(t *testing.T) {
	backend := &recordingBackend{}
	_, err := NewCommandFetcher(backend, nil).Fetch(context.Background(), Request{
		Repository: "acme/web", Branch: "main", Dir: "/tmp/x",
	})
	require.NoError(t, err)
	assert.Equal(t, "clone", backend.commands[0].Args[0])
	assert.NotContains(t, backend.commands[0].Env, tokenEnv)
}

func TestFetchValidatesRequest(t *testing.T) {
	_, err := NewGitFetcher().Fetch(context.Background(), Request{Repository: "acme/web", Dir: "/tmp/x"})
	assert.Error(t, err)

	_, err = NewCommandFetcher(&recordingBackend{}, nil).Fetch(context.Background(), Request{Repository: "acme/web", Branch: "main"})
	assert.Error(t, err)
}

func TestGitFetcherClonesLocalRepository(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available")
	}

	origin := t.TempDir()
	repo, err := git.PlainInit(origin, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(origin, "package.json"), []byte(`{"scripts":{"start":"bun index.js"}}`), 0o644))
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add("package.json")
	require.NoError(t, err)
	hash, err := worktree.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("release"), hash)))

	target := filepath.Join(t.TempDir(), "source")
	sha, err := NewGitFetcher().Fetch(context.Background(), Request{
		Repository: origin,
		Branch:     "release",
		Dir:        target,
	})
	require.NoError(t, err)
	assert.Equal(t, hash.String(), sha)

	data, err := os.ReadFile(filepath.Join(target, "package.json"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "start"))
}
