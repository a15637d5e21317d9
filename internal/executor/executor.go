// Package executor runs commands and touches files on the host that runs an
// application, either locally or over SSH.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrTimeout is matched by errors.Is for commands killed after their timeout
var ErrTimeout = errors.New("command timed out")

// Stream identifies which output a line came from
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Command is one process invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string

	// Stdin is fed to the process when non-nil
	Stdin []byte

	// Sudo runs the command through non-interactive sudo where the backend allows it
	Sudo bool

	// AcceptExitCodes lists non-zero exit codes treated as success
	AcceptExitCodes []int

	// Timeout overrides the backend default when positive
	Timeout time.Duration

	// OnLine receives output line by line while the command runs
	OnLine func(stream Stream, line string)
}

// String renders the command for logs. Environment values are never included.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, arg := range c.Args {
		parts = append(parts, ShellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func (c Command) accepts(code int) bool {
	if code == 0 {
		return true
	}
	for _, accepted := range c.AcceptExitCodes {
		if accepted == code {
			return true
		}
	}
	return false
}

// Result is the captured output of a finished command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// DirEntry is a directory listed by ListDirs
type DirEntry struct {
	Name    string
	ModTime time.Time
}

// Backend is the uniform surface for running commands and managing files on a host
type Backend interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, sudo bool) error
	Exists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string, sudo bool) error
	ListDirs(ctx context.Context, path string) ([]DirEntry, error)
	Remote() bool
	Close() error
}

// ExitError reports a command that exited with an unaccepted code
type ExitError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExitError) Error() string {
	output := Sanitize(e.Stderr)
	if output == "" {
		output = Sanitize(e.Stdout)
	}
	if output == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, output)
}

// TimeoutError reports a command killed after its timeout
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) match
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsExitCode reports whether err is an ExitError with the given code
func IsExitCode(err error, code int) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode == code
}

// ShellQuote quotes s for a POSIX shell
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

var safeShellWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

const sanitizeLimit = 2000

var assignmentLine = regexp.MustCompile(`^[A-Z0-9_]+\s*=\s*.*$`)

// Sanitize prepares command output for logs and errors: KEY=VALUE lines are
// dropped and the tail is kept when the output is long
func Sanitize(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if assignmentLine.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}

	filtered := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(filtered) > sanitizeLimit {
		return filtered[len(filtered)-sanitizeLimit:] + " (truncated)"
	}
	return filtered
}

// exportBlock renders env as shell export statements in a stable order
func exportBlock(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString("export ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(ShellQuote(env[key]))
		b.WriteString("; ")
	}
	return b.String()
}

// script renders cmd as a single shell line
func script(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(ShellQuote(cmd.Dir))
		b.WriteString(" && ")
	}
	b.WriteString(exportBlock(cmd.Env))
	if cmd.Sudo {
		b.WriteString("sudo -n ")
		if len(cmd.Env) > 0 {
			b.WriteString("-E ")
		}
	}
	b.WriteString(cmd.String())
	return b.String()
}
