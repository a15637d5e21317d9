package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalBackend runs commands on the machine the process runs on
type LocalBackend struct {
	// UseSudo honours Command.Sudo; off when the process already runs as root
	UseSudo bool

	// DefaultTimeout applies to commands without their own timeout
	DefaultTimeout time.Duration
}

// NewLocalBackend creates a local backend
func NewLocalBackend(defaultTimeout time.Duration) *LocalBackend {
	return &LocalBackend{
		UseSudo:        os.Geteuid() != 0,
		DefaultTimeout: defaultTimeout,
	}
}

// Run executes cmd and waits for it
func (b *LocalBackend) Run(ctx context.Context, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = b.DefaultTimeout
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name, args := cmd.Name, cmd.Args
	if cmd.Sudo && b.UseSudo {
		name, args = "sudo", append([]string{"-n", "-E", cmd.Name}, cmd.Args...)
	}

	process := exec.CommandContext(runCtx, name, args...)
	process.Dir = cmd.Dir
	process.WaitDelay = 5 * time.Second
	process.Env = os.Environ()
	for key, value := range cmd.Env {
		process.Env = append(process.Env, key+"="+value)
	}
	if cmd.Stdin != nil {
		process.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	var outLines, errLines *lineWriter
	if cmd.OnLine != nil {
		outLines = newLineWriter(Stdout, cmd.OnLine)
		errLines = newLineWriter(Stderr, cmd.OnLine)
		process.Stdout = io.MultiWriter(&stdout, outLines)
		process.Stderr = io.MultiWriter(&stderr, errLines)
	} else {
		process.Stdout = &stdout
		process.Stderr = &stderr
	}

	log.Debug().Str("command", cmd.String()).Str("dir", cmd.Dir).Msg("Running local command")

	err := process.Run()
	if outLines != nil {
		outLines.Flush()
		errLines.Flush()
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return result, &TimeoutError{Command: cmd.String(), Timeout: timeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if !cmd.accepts(result.ExitCode) {
		return result, &ExitError{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}

	return result, nil
}

// ReadFile reads a file
func (b *LocalBackend) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes a file, creating parent directories. With sudo the write
// goes through tee when the process cannot write the path itself.
func (b *LocalBackend) WriteFile(ctx context.Context, path string, data []byte, sudo bool) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err == nil {
		return nil
	}
	if !sudo || !b.UseSudo {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if _, err := b.Run(ctx, Command{Name: "mkdir", Args: []string{"-p", filepath.Dir(path)}, Sudo: true}); err != nil {
		return err
	}
	_, err = b.Run(ctx, Command{Name: "tee", Args: []string{path}, Stdin: data, Sudo: true})
	return err
}

// Exists reports whether path exists
func (b *LocalBackend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates a directory tree
func (b *LocalBackend) MkdirAll(_ context.Context, path string) error {
	return os.MkdirAll(path, 0o755)
}

// RemoveAll removes path and everything below it
func (b *LocalBackend) RemoveAll(ctx context.Context, path string, sudo bool) error {
	err := os.RemoveAll(path)
	if err == nil || !sudo || !b.UseSudo {
		return err
	}
	_, runErr := b.Run(ctx, Command{Name: "rm", Args: []string{"-rf", path}, Sudo: true})
	return runErr
}

// ListDirs lists the subdirectories of path, newest first. A missing path lists nothing.
func (b *LocalBackend) ListDirs(_ context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dirs := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, DirEntry{Name: entry.Name(), ModTime: info.ModTime()})
	}

	sortNewestFirst(dirs)
	return dirs, nil
}

// Remote is false for the local backend
func (b *LocalBackend) Remote() bool { return false }

// Close is a no-op
func (b *LocalBackend) Close() error { return nil }

func sortNewestFirst(dirs []DirEntry) {
	sort.SliceStable(dirs, func(i, j int) bool {
		return dirs[i].ModTime.After(dirs[j].ModTime)
	})
}
