package ingress

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/internal/render"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

//go:embed templates/app.conf
var defaultTemplate string

// ErrNginxNotFound is returned when none of the configured nginx binaries exist on the host
var ErrNginxNotFound = errors.New("nginx executable not found")

// ValidationError carries the output of a failed `nginx -t`
type ValidationError struct {
	Binary string
	Output string
}

func (e *ValidationError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("nginx config test failed when running %s -t", e.Binary)
	}
	return fmt.Sprintf("nginx config test failed (%s): %s", e.Binary, e.Output)
}

// SiteConfig is the input of one rendered proxy config
type SiteConfig struct {
	DeploymentID uuid.UUID
	Domains      []string
	Port         int
	Slot         models.Slot
	TLS          bool
}

// ConfigPath is where the proxy config of a deployment is written
func (c *Controller) ConfigPath(deploymentID uuid.UUID) string {
	return path.Join(c.opts.SitesDir, deploymentID.String()+".conf")
}

// RenderConfig renders the proxy config for site. Identical inputs always give identical output.
func (c *Controller) RenderConfig(ctx context.Context, site SiteConfig) (string, error) {
	tmpl, err := c.template(ctx)
	if err != nil {
		return "", err
	}

	vars, err := c.variables(ctx, site)
	if err != nil {
		return "", err
	}

	return render.Render(tmpl, vars)
}

// template prefers the template installed on the host and falls back to the embedded one
func (c *Controller) template(ctx context.Context) (string, error) {
	if c.opts.TemplatePath == "" {
		return defaultTemplate, nil
	}

	exists, err := c.backend.Exists(ctx, c.opts.TemplatePath)
	if err != nil || !exists {
		return defaultTemplate, nil
	}

	content, err := c.backend.ReadFile(ctx, c.opts.TemplatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read nginx template: %w", err)
	}
	return string(content), nil
}

func (c *Controller) variables(ctx context.Context, site SiteConfig) (map[string]string, error) {
	id := site.DeploymentID.String()

	primary := id + ".local"
	if len(site.Domains) > 0 {
		primary = site.Domains[0]
	}

	serverNames := make([]string, 0, len(site.Domains))
	for _, domain := range site.Domains {
		serverNames = append(serverNames, "server_name "+domain+";")
	}

	vars := map[string]string{
		"UPSTREAM_NAME":        fmt.Sprintf("deployctl_%s_%s", id, site.Slot),
		"PORT":                 strconv.Itoa(site.Port),
		"HTTPS_DOMAINS":        strings.Join(serverNames, "\n  "),
		"HTTP_REDIRECT_BLOCKS": "",
		"LISTEN_DIRECTIVE":     "listen 80;",
		"HTTP2_DIRECTIVE":      "# http/1.1 only",
		"SSL_DIRECTIVES":       "    # TLS disabled until a certificate is available\n",
		"ACCESS_LOG":           path.Join(c.opts.LogsDir, fmt.Sprintf("%s-%s-access.log", id, site.Slot)),
		"ERROR_LOG":            path.Join(c.opts.LogsDir, fmt.Sprintf("%s-%s-error.log", id, site.Slot)),
		"PRIMARY_DOMAIN":       primary,
	}
	if len(site.Domains) > 0 {
		vars["PRIMARY_DOMAIN"] = strings.Join(site.Domains, " ")
	}

	if !site.TLS {
		return vars, nil
	}

	redirects := make([]string, 0, len(site.Domains))
	for _, domain := range site.Domains {
		redirects = append(redirects, fmt.Sprintf(
			"server {\n  listen 80;\n  server_name %s;\n  return 301 https://%s$request_uri;\n}", domain, domain))
	}

	live := path.Join(c.opts.LetsEncryptDir, "live", primary)
	directives := []string{
		"    ssl_certificate " + path.Join(live, "fullchain.pem") + ";",
		"    ssl_certificate_key " + path.Join(live, "privkey.pem") + ";",
	}
	if c.optionalFile(ctx, c.opts.SSLOptionsInclude) {
		directives = append(directives, "    include "+c.opts.SSLOptionsInclude+";")
	}
	if c.optionalFile(ctx, c.opts.DHParamPath) {
		directives = append(directives, "    ssl_dhparam "+c.opts.DHParamPath+";")
	}

	vars["HTTP_REDIRECT_BLOCKS"] = strings.Join(redirects, "\n\n")
	vars["LISTEN_DIRECTIVE"] = "listen 443 ssl http2;"
	vars["HTTP2_DIRECTIVE"] = "# HTTP/2 enabled via listen directive"
	vars["SSL_DIRECTIVES"] = strings.Join(directives, "\n")

	return vars, nil
}

func (c *Controller) optionalFile(ctx context.Context, p string) bool {
	if p == "" {
		return false
	}
	exists, err := c.backend.Exists(ctx, p)
	return err == nil && exists
}

// Apply writes content as the deployment's proxy config, validates it and
// reloads nginx. An unchanged config is left alone. A config that fails
// validation is rolled back to the previous content before the error is returned.
func (c *Controller) Apply(ctx context.Context, deploymentID uuid.UUID, content string) (bool, error) {
	target := c.ConfigPath(deploymentID)

	previous, readErr := c.backend.ReadFile(ctx, target)
	hadPrevious := readErr == nil
	if hadPrevious && string(previous) == content {
		return false, nil
	}

	if err := c.backend.WriteFile(ctx, target, []byte(content), true); err != nil {
		return false, fmt.Errorf("failed to write nginx config: %w", err)
	}

	if err := c.Validate(ctx); err != nil {
		if errors.Is(err, ErrNginxNotFound) && c.opts.LocalMode {
			c.logger.Warn().Str("path", target).Msg("nginx not installed, config written without reload")
			return true, nil
		}

		if hadPrevious {
			_ = c.backend.WriteFile(ctx, target, previous, true)
		} else {
			_ = c.backend.RemoveAll(ctx, target, true)
		}
		return false, err
	}

	if err := c.Reload(ctx); err != nil {
		return true, err
	}

	c.logger.Info().Str("path", target).Msg("Applied nginx config")
	return true, nil
}

// Remove deletes the deployment's proxy config
func (c *Controller) Remove(ctx context.Context, deploymentID uuid.UUID) error {
	if err := c.backend.RemoveAll(ctx, c.ConfigPath(deploymentID), true); err != nil {
		return fmt.Errorf("failed to remove nginx config: %w", err)
	}
	return nil
}

// Validate runs `nginx -t` with the first nginx binary that exists
func (c *Controller) Validate(ctx context.Context) error {
	for _, candidate := range c.opts.NginxBinaries {
		_, err := c.backend.Run(ctx, executor.Command{Name: candidate, Args: []string{"-t"}, Sudo: true})
		if err == nil {
			return nil
		}
		if executor.IsExitCode(err, 127) || isNotFound(err) {
			continue
		}

		var exitErr *executor.ExitError
		if errors.As(err, &exitErr) {
			output := executor.Sanitize(exitErr.Stdout + "\n" + exitErr.Stderr)
			return &ValidationError{Binary: candidate, Output: output}
		}
		return fmt.Errorf("failed to run %s -t: %w", candidate, err)
	}

	return fmt.Errorf("%w (tried %s)", ErrNginxNotFound, strings.Join(c.opts.NginxBinaries, ", "))
}

// Reload reloads nginx; on failure the service status is logged for diagnosis
func (c *Controller) Reload(ctx context.Context) error {
	_, err := c.backend.Run(ctx, executor.Command{Name: "systemctl", Args: []string{"reload", "nginx"}, Sudo: true})
	if err == nil {
		return nil
	}

	status, statusErr := c.backend.Run(ctx, executor.Command{
		Name:            "systemctl",
		Args:            []string{"status", "nginx", "--no-pager"},
		Sudo:            true,
		AcceptExitCodes: []int{3, 4, 5},
	})
	if statusErr == nil {
		if output := executor.Sanitize(status.Stdout + "\n" + status.Stderr); output != "" {
			c.logger.Error().Str("output", output).Msg("nginx reload status")
		}
	}

	return fmt.Errorf("failed to reload nginx: %w", err)
}

// isNotFound matches a binary missing from PATH, whether exec or sudo reported it
func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var exitErr *executor.ExitError
	return errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "command not found")
}
