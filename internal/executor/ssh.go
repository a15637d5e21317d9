package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// killedBySignal is the exit code `timeout -s KILL` leaves behind
const killedBySignal = 137

// SSHConfig describes how to reach a node
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKey     string
	DialTimeout    time.Duration
	DefaultTimeout time.Duration
}

// SSHBackend runs commands on a remote host over one SSH connection
type SSHBackend struct {
	client         *ssh.Client
	host           string
	defaultTimeout time.Duration
}

// DialSSH opens a connection to the node described by cfg
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHBackend, error) {
	if cfg.Host == "" || cfg.PrivateKey == "" {
		return nil, errors.New("missing SSH host or key")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "deployctl"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// node host keys are not pinned at registration time
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.DialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}

	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("user", cfg.User).Msg("SSH session established")

	return &SSHBackend{
		client:         ssh.NewClient(clientConn, chans, reqs),
		host:           cfg.Host,
		defaultTimeout: cfg.DefaultTimeout,
	}, nil
}

// Run executes cmd through a login shell on the remote host
func (b *SSHBackend) Run(ctx context.Context, cmd Command) (*Result, error) {
	return b.exec(ctx, script(cmd), cmd)
}

func (b *SSHBackend) exec(ctx context.Context, line string, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	remote := "bash -lc " + ShellQuote(line)
	if timeout > 0 {
		// the remote side enforces the limit too, a dropped session does not kill the process
		remote = fmt.Sprintf("timeout -s KILL %d %s", int(math.Ceil(timeout.Seconds())), remote)
	}

	session, err := b.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH session on %s: %w", b.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	var outLines, errLines *lineWriter
	if cmd.OnLine != nil {
		outLines = newLineWriter(Stdout, cmd.OnLine)
		errLines = newLineWriter(Stderr, cmd.OnLine)
		session.Stdout = io.MultiWriter(&stdout, outLines)
		session.Stderr = io.MultiWriter(&stderr, errLines)
	} else {
		session.Stdout = &stdout
		session.Stderr = &stderr
	}
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Debug().Str("host", b.host).Str("command", cmd.String()).Msg("Running remote command")

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(remote) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		if ctx.Err() != nil {
			return &Result{}, ctx.Err()
		}
		return &Result{}, &TimeoutError{Command: cmd.String(), Timeout: timeout}
	}

	if outLines != nil {
		outLines.Flush()
		errLines.Flush()
	}
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("SSH execution on %s failed: %w", b.host, err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	if timeout > 0 && result.ExitCode == killedBySignal && time.Since(started) >= timeout {
		return result, &TimeoutError{Command: cmd.String(), Timeout: timeout}
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

// ReadFile reads a remote file
func (b *SSHBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	result, err := b.exec(ctx, "cat "+ShellQuote(p), Command{Name: "cat", Args: []string{p}})
	if err != nil {
		return nil, err
	}
	return []byte(result.Stdout), nil
}

// WriteFile streams data into a remote file, creating parent directories
func (b *SSHBackend) WriteFile(ctx context.Context, p string, data []byte, sudo bool) error {
	dir := ShellQuote(path.Dir(p))
	target := ShellQuote(p)

	line := fmt.Sprintf("mkdir -p %s && cat > %s", dir, target)
	if sudo {
		line = fmt.Sprintf("sudo -n mkdir -p %s && sudo -n tee %s > /dev/null", dir, target)
	}

	_, err := b.exec(ctx, line, Command{Name: "write", Args: []string{p}, Stdin: data})
	return err
}

// Exists reports whether a remote path exists
func (b *SSHBackend) Exists(ctx context.Context, p string) (bool, error) {
	result, err := b.exec(ctx, "test -e "+ShellQuote(p), Command{Name: "test", Args: []string{"-e", p}, AcceptExitCodes: []int{1}})
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// MkdirAll creates a remote directory tree
func (b *SSHBackend) MkdirAll(ctx context.Context, p string) error {
	_, err := b.Run(ctx, Command{Name: "mkdir", Args: []string{"-p", p}})
	return err
}

// RemoveAll removes a remote path
func (b *SSHBackend) RemoveAll(ctx context.Context, p string, sudo bool) error {
	_, err := b.Run(ctx, Command{Name: "rm", Args: []string{"-rf", p}, Sudo: sudo})
	return err
}

// ListDirs lists remote subdirectories of p, newest first
func (b *SSHBackend) ListDirs(ctx context.Context, p string) ([]DirEntry, error) {
	line := fmt.Sprintf("if [ -d %[1]s ]; then find %[1]s -mindepth 1 -maxdepth 1 -type d -printf '%%T@ %%f\\n'; fi", ShellQuote(p))
	result, err := b.exec(ctx, line, Command{Name: "find", Args: []string{p}})
	if err != nil {
		return nil, err
	}
	return parseDirListing(result.Stdout), nil
}

// Remote is true for SSH backends
func (b *SSHBackend) Remote() bool { return true }

// Close closes the SSH connection
func (b *SSHBackend) Close() error {
	return b.client.Close()
}

// parseDirListing reads "<epoch seconds> <name>" lines
func parseDirListing(out string) []DirEntry {
	var dirs []DirEntry
	for _, line := range strings.Split(out, "\n") {
		stamp, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || name == "" {
			continue
		}
		seconds, err := strconv.ParseFloat(stamp, 64)
		if err != nil {
			continue
		}
		whole, frac := math.Modf(seconds)
		dirs = append(dirs, DirEntry{Name: name, ModTime: time.Unix(int64(whole), int64(frac*1e9))})
	}
	sortNewestFirst(dirs)
	return dirs
}
