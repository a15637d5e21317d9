// Package ingress keeps the nginx config of a deployment pointed at its active
// slot and drives certbot for its domains.
package ingress

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// WarnNoCertbotEmail is reported when TLS stays off because no contact email is configured
const WarnNoCertbotEmail = "TLS disabled: CERTBOT_EMAIL is not configured"

// Options configures a Controller for one host
type Options struct {
	SitesDir     string
	LogsDir      string
	TemplatePath string

	LetsEncryptDir    string
	SSLOptionsInclude string
	DHParamPath       string
	CertbotEmail      string
	NginxBinaries     []string

	// LocalMode never requests certificates and tolerates a host without nginx
	LocalMode bool
}

// Controller manages proxy configs and certificates through a Backend
type Controller struct {
	backend executor.Backend
	opts    Options
	logger  zerolog.Logger
}

// New creates an ingress controller
func New(backend executor.Backend, opts Options, logger zerolog.Logger) *Controller {
	if opts.LetsEncryptDir == "" {
		opts.LetsEncryptDir = "/etc/letsencrypt"
	}
	if len(opts.NginxBinaries) == 0 {
		opts.NginxBinaries = []string{"nginx", "/usr/sbin/nginx", "/usr/local/sbin/nginx", "/usr/bin/nginx"}
	}
	return &Controller{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "ingress").Logger(),
	}
}

// Request asks for traffic to domains to reach port on slot
type Request struct {
	DeploymentID      uuid.UUID
	Domains           []string
	Port              int
	Slot              models.Slot
	ObtainCertificate bool
}

// Result describes what Configure did
type Result struct {
	TLSEnabled           bool
	CertificateRequested bool
	SkippedTLS           bool
	Warnings             []string
}

// Configure points the deployment's proxy config at req.Port. Local-only
// hostnames get plain HTTP. Otherwise an HTTP config is applied first, a
// certificate is requested when missing and allowed, and the config is
// re-rendered with TLS once a certificate exists.
func (c *Controller) Configure(ctx context.Context, req Request) (*Result, error) {
	result := &Result{}
	if len(req.Domains) == 0 {
		return result, nil
	}

	site := SiteConfig{DeploymentID: req.DeploymentID, Domains: req.Domains, Port: req.Port, Slot: req.Slot}

	if c.opts.LocalMode || AllLocal(req.Domains) {
		result.SkippedTLS = true
		return result, c.apply(ctx, site)
	}

	hasCertificate, err := c.CertificateExists(ctx, req.Domains[0])
	if err != nil {
		return nil, err
	}

	site.TLS = hasCertificate
	if err := c.apply(ctx, site); err != nil {
		return nil, err
	}

	if !hasCertificate && req.ObtainCertificate && c.opts.CertbotEmail != "" {
		if err := c.RequestCertificate(ctx, req.Domains); err != nil {
			return nil, err
		}
		result.CertificateRequested = true
		hasCertificate = true
	}

	if !hasCertificate && c.opts.CertbotEmail == "" {
		result.Warnings = append(result.Warnings, WarnNoCertbotEmail)
	}

	if hasCertificate && !site.TLS {
		site.TLS = true
		if err := c.apply(ctx, site); err != nil {
			return nil, err
		}
	}

	result.TLSEnabled = hasCertificate
	return result, nil
}

func (c *Controller) apply(ctx context.Context, site SiteConfig) error {
	content, err := c.RenderConfig(ctx, site)
	if err != nil {
		return fmt.Errorf("failed to render nginx config: %w", err)
	}
	_, err = c.Apply(ctx, site.DeploymentID, content)
	return err
}

// CertificateExists checks for both halves of the certificate named after domain
func (c *Controller) CertificateExists(ctx context.Context, domain string) (bool, error) {
	if domain == "" {
		return false, nil
	}

	live := path.Join(c.opts.LetsEncryptDir, "live", domain)
	script := fmt.Sprintf("[ -f %s ] && [ -f %s ]",
		executor.ShellQuote(path.Join(live, "fullchain.pem")),
		executor.ShellQuote(path.Join(live, "privkey.pem")))

	result, err := c.backend.Run(ctx, executor.Command{
		Name:            "sh",
		Args:            []string{"-c", script},
		Sudo:            true,
		AcceptExitCodes: []int{1},
	})
	if err != nil {
		return false, fmt.Errorf("failed to check certificate for %s: %w", domain, err)
	}
	return result.ExitCode == 0, nil
}

// RequestCertificate runs certbot in standalone mode. nginx is stopped while
// certbot holds port 80 and started again whatever the outcome.
func (c *Controller) RequestCertificate(ctx context.Context, domains []string) (err error) {
	if len(domains) == 0 {
		return nil
	}
	if c.opts.CertbotEmail == "" {
		return fmt.Errorf("CERTBOT_EMAIL is not configured. Cannot request certificates")
	}

	args := []string{
		"certonly", "--standalone",
		"--keep-until-expiring", "--expand",
		"--agree-tos", "--non-interactive",
		"--email", c.opts.CertbotEmail,
		"--cert-name", domains[0],
	}
	for _, domain := range domains {
		args = append(args, "-d", domain)
	}

	if _, err := c.backend.Run(ctx, executor.Command{
		Name: "systemctl", Args: []string{"stop", "nginx"}, Sudo: true, AcceptExitCodes: []int{5},
	}); err != nil {
		return fmt.Errorf("failed to stop nginx for certbot: %w", err)
	}
	defer func() {
		_, startErr := c.backend.Run(context.WithoutCancel(ctx), executor.Command{
			Name: "systemctl", Args: []string{"start", "nginx"}, Sudo: true, AcceptExitCodes: []int{5},
		})
		if startErr != nil {
			c.logger.Error().Err(startErr).Msg("Failed to start nginx after certbot")
			if err == nil {
				err = fmt.Errorf("failed to start nginx after certbot: %w", startErr)
			}
		}
	}()

	c.logger.Info().Strs("domains", domains).Msg("Requesting TLS certificate")
	if _, err := c.backend.Run(ctx, executor.Command{Name: "certbot", Args: args, Sudo: true}); err != nil {
		return fmt.Errorf("certbot failed: %w", err)
	}
	return nil
}
