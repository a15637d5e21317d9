package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/api"
)

type tokenOpts struct {
	*rootOpts
	subject string
	ttl     time.Duration
}

func newToken(parent *rootOpts) *tokenOpts {
	return &tokenOpts{rootOpts: parent}
}

func (opts *tokenOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the HTTP API",
		Long: "Signs a bearer token with security.jwt_secret. Anyone holding the\n" +
			"secret can issue tokens; there is no login endpoint.",
		Example: "  curl -H \"Authorization: Bearer $(deployctl token)\" http://localhost:8080/api/v1/tasks/<id>",
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "operator", "Subject recorded in the token")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "Token lifetime (default security.jwt_expiration_hours)")
	return cmd
}

func (opts *tokenOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	cfg, err := opts.config()
	if err != nil {
		return err
	}

	ttl := opts.ttl
	if ttl <= 0 {
		ttl = time.Duration(cfg.Security.JWTExpirationHours) * time.Hour
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	token, expiresAt, err := api.IssueToken(cfg.Security.JWTSecret, opts.subject, ttl)
	if err != nil {
		return err
	}

	out := struct {
		Token     string    `json:"token" yaml:"token"`
		ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
	}{Token: token, ExpiresAt: expiresAt}
	return opts.render(cmd.OutOrStdout(), out, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, token)
	})
}
