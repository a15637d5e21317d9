package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

// ExitEvent is delivered when a supervised process exits
type ExitEvent struct {
	Name     string
	ExitCode int
	// Expected is true when the exit followed Stop or a replacing Start
	Expected bool
}

// Crashed reports a non-zero exit nobody asked for
func (e ExitEvent) Crashed() bool {
	return !e.Expected && e.ExitCode != 0
}

type process struct {
	cmd      *exec.Cmd
	stopping bool
	done     chan struct{}
}

// ProcessSupervisor runs instances as child processes of this binary. It owns
// its registry of running processes; exits are reported on Exits().
type ProcessSupervisor struct {
	mu          sync.Mutex
	procs       map[string]*process
	specs       map[string]Spec
	exits       chan ExitEvent
	stopTimeout time.Duration
	logger      zerolog.Logger
}

// NewProcessSupervisor creates a process supervisor
func NewProcessSupervisor(logger zerolog.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{
		procs:       make(map[string]*process),
		specs:       make(map[string]Spec),
		exits:       make(chan ExitEvent, 64),
		stopTimeout: 10 * time.Second,
		logger:      logger.With().Str("component", "process-supervisor").Logger(),
	}
}

// Exits delivers one event per process exit
func (s *ProcessSupervisor) Exits() <-chan ExitEvent {
	return s.exits
}

// Start spawns spec, stopping any previous process with the same name
func (s *ProcessSupervisor) Start(ctx context.Context, spec Spec) error {
	if spec.Binary == "" {
		return fmt.Errorf("no command for %s", spec.Name)
	}

	if err := s.Stop(ctx, spec.Name); err != nil {
		return err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for key, value := range spec.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	proc := &process{cmd: cmd, done: make(chan struct{})}

	s.mu.Lock()
	s.procs[spec.Name] = proc
	s.specs[spec.Name] = spec
	s.mu.Unlock()

	logger := s.logger.With().Str("service", spec.Name).Logger()
	logger.Info().Int("pid", cmd.Process.Pid).Msg("Local service started")

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.pipe(&pipes, stdout, executor.Stdout, spec, logger)
	go s.pipe(&pipes, stderr, executor.Stderr, spec, logger)

	go s.wait(spec.Name, proc, &pipes, logger)

	return nil
}

func (s *ProcessSupervisor) pipe(wg *sync.WaitGroup, r io.Reader, stream executor.Stream, spec Spec, logger zerolog.Logger) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r \t")
		if line == "" {
			continue
		}
		if stream == executor.Stderr {
			logger.Warn().Msg(line)
		} else {
			logger.Info().Msg(line)
		}
		if spec.OnLine != nil {
			spec.OnLine(stream, line)
		}
	}
	// drain so the child never blocks on a full pipe after an overlong line
	_, _ = io.Copy(io.Discard, r)
}

func (s *ProcessSupervisor) wait(name string, proc *process, pipes *sync.WaitGroup, logger zerolog.Logger) {
	pipes.Wait()
	err := proc.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	expected := proc.stopping
	if s.procs[name] == proc {
		delete(s.procs, name)
	}
	s.mu.Unlock()
	close(proc.done)

	logger.Info().Int("code", code).Bool("expected", expected).Msg("Local service exited")

	event := ExitEvent{Name: name, ExitCode: code, Expected: expected}
	select {
	case s.exits <- event:
	default:
		logger.Warn().Msg("Exit event dropped, no reader")
	}
}

// Resume restarts the last spec started under name
func (s *ProcessSupervisor) Resume(ctx context.Context, name string) error {
	s.mu.Lock()
	spec, ok := s.specs[name]
	s.mu.Unlock()
	if !ok {
		return ErrNotResumable
	}
	return s.Start(ctx, spec)
}

// Stop terminates the process group, escalating to SIGKILL after the stop timeout
func (s *ProcessSupervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	proc, ok := s.procs[name]
	if ok {
		proc.stopping = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	pid := proc.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %s did not exit after SIGKILL", name)
	}
	return ctx.Err()
}

// Status reports running while the process is alive
func (s *ProcessSupervisor) Status(_ context.Context, name string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.procs[name]; ok {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Remove stops the process and forgets its spec
func (s *ProcessSupervisor) Remove(ctx context.Context, name string) error {
	err := s.Stop(ctx, name)

	s.mu.Lock()
	delete(s.specs, name)
	s.mu.Unlock()

	return err
}

// StopAll terminates every supervised process, used on shutdown
func (s *ProcessSupervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Stop(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("service", name).Msg("Failed to stop local service")
		}
	}
}
