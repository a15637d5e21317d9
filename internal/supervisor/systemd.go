package supervisor

import (
	"context"
	_ "embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/internal/render"
)

//go:embed templates/service.tmpl
var defaultUnitTemplate string

// systemctl exit code for a unit that is not loaded
const unitNotLoaded = 5

// SystemdSupervisor materializes a unit file per instance and drives systemctl
// through a Backend, so it works for the local host and for SSH nodes.
type SystemdSupervisor struct {
	backend  executor.Backend
	unitDir  string
	template string
	logger   zerolog.Logger
}

// NewSystemdSupervisor creates a systemd supervisor. An empty template uses the built-in unit.
func NewSystemdSupervisor(backend executor.Backend, unitDir, template string, logger zerolog.Logger) *SystemdSupervisor {
	if template == "" {
		template = defaultUnitTemplate
	}
	return &SystemdSupervisor{
		backend:  backend,
		unitDir:  unitDir,
		template: template,
		logger:   logger.With().Str("component", "systemd-supervisor").Logger(),
	}
}

// UnitPath is where the unit for name lives
func (s *SystemdSupervisor) UnitPath(name string) string {
	return path.Join(s.unitDir, unitName(name))
}

// RenderUnit renders the unit file for spec
func (s *SystemdSupervisor) RenderUnit(spec Spec) (string, error) {
	if spec.Binary == "" {
		return "", fmt.Errorf("no command for %s", spec.Name)
	}

	return render.Render(s.template, map[string]string{
		"SERVICE_NAME":      spec.Name,
		"WORKING_DIRECTORY": spec.WorkDir,
		"EXEC_START":        execStart(spec.Binary, spec.Args),
		"ENVIRONMENT":       environmentBlock(spec.Env),
	})
}

// Start writes the unit, reloads systemd and (re)starts the service
func (s *SystemdSupervisor) Start(ctx context.Context, spec Spec) error {
	unit, err := s.RenderUnit(spec)
	if err != nil {
		return err
	}

	if err := s.backend.WriteFile(ctx, s.UnitPath(spec.Name), []byte(unit), true); err != nil {
		return fmt.Errorf("failed to write unit for %s: %w", spec.Name, err)
	}

	if err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	if err := s.systemctl(ctx, "enable", unitName(spec.Name)); err != nil {
		return err
	}
	if err := s.systemctl(ctx, "stop", unitName(spec.Name), unitNotLoaded); err != nil {
		return err
	}
	if err := s.systemctl(ctx, "start", unitName(spec.Name)); err != nil {
		return err
	}

	s.logger.Info().Str("service", spec.Name).Bool("remote", s.backend.Remote()).Msg("Service started")
	return nil
}

// Resume starts the existing unit
func (s *SystemdSupervisor) Resume(ctx context.Context, name string) error {
	return s.systemctl(ctx, "start", unitName(name))
}

// Stop stops the unit; a unit that is not loaded counts as stopped
func (s *SystemdSupervisor) Stop(ctx context.Context, name string) error {
	return s.systemctl(ctx, "stop", unitName(name), unitNotLoaded)
}

// Status maps systemctl is-active output to a State
func (s *SystemdSupervisor) Status(ctx context.Context, name string) (State, error) {
	result, err := s.backend.Run(ctx, executor.Command{
		Name:            "systemctl",
		Args:            []string{"is-active", unitName(name)},
		AcceptExitCodes: []int{3, 4},
	})
	if err != nil {
		return StateUnknown, err
	}

	switch strings.TrimSpace(result.Stdout) {
	case "active", "activating", "reloading":
		return StateRunning, nil
	case "inactive", "failed", "deactivating":
		return StateStopped, nil
	}
	return StateUnknown, nil
}

// Remove stops and disables the unit and deletes its file
func (s *SystemdSupervisor) Remove(ctx context.Context, name string) error {
	var errs []string
	if err := s.Stop(ctx, name); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.systemctl(ctx, "disable", unitName(name), 1, unitNotLoaded); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.backend.RemoveAll(ctx, s.UnitPath(name), true); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove %s: %s", name, strings.Join(errs, "; "))
	}
	return nil
}

// Reload runs daemon-reload
func (s *SystemdSupervisor) Reload(ctx context.Context) error {
	return s.systemctl(ctx, "daemon-reload")
}

func (s *SystemdSupervisor) systemctl(ctx context.Context, action string, rest ...interface{}) error {
	cmd := executor.Command{Name: "systemctl", Args: []string{action}, Sudo: true}
	for _, arg := range rest {
		switch v := arg.(type) {
		case string:
			cmd.Args = append(cmd.Args, v)
		case int:
			cmd.AcceptExitCodes = append(cmd.AcceptExitCodes, v)
		}
	}

	if _, err := s.backend.Run(ctx, cmd); err != nil {
		return fmt.Errorf("systemctl %s failed: %w", action, err)
	}
	return nil
}

func unitName(name string) string {
	return name + ".service"
}

// execStart builds an ExecStart line; /usr/bin/env resolves the binary on PATH
func execStart(binary string, args []string) string {
	parts := []string{"/usr/bin/env", unitQuote(binary)}
	for _, arg := range args {
		parts = append(parts, unitQuote(arg))
	}
	return strings.Join(parts, " ")
}

func unitQuote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	return `"` + unitEscaper.Replace(s) + `"`
}

var unitEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// environmentBlock renders one Environment= line per variable, sorted by key
func environmentBlock(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		value := strings.ReplaceAll(env[key], "%", "%%")
		lines = append(lines, `Environment="`+unitEscaper.Replace(key+"="+value)+`"`)
	}
	return strings.Join(lines, "\n")
}
