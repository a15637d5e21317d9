package commands

import (
	"fmt"
	"regexp"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/ingress"
	"github.com/alvesdmateus/deployctl/internal/state"
)

var hostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)*[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

const domainsApplyHint = "Domain changes take effect on the next deploy or restart."

type domainView struct {
	Hostname  string    `json:"hostname" yaml:"hostname"`
	Local     bool      `json:"local" yaml:"local"`
	Verified  bool      `json:"verified" yaml:"verified"`
	TLSStatus string    `json:"tls_status,omitempty" yaml:"tls_status,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type domainsOpts struct {
	*rootOpts
}

func newDomains(parent *rootOpts) *domainsOpts {
	return &domainsOpts{rootOpts: parent}
}

func (opts *domainsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "domains",
		Aliases: []string{"domain"},
		Short:   "Bind hostnames to deployments",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <deployment-id>",
			Short: "List the hostnames routed to a deployment",
			Args:  cobra.ExactArgs(1),
			RunE:  opts.list,
		},
		&cobra.Command{
			Use:   "add <deployment-id> <hostname>...",
			Short: "Route hostnames to a deployment",
			Args:  cobra.MinimumNArgs(2),
			RunE:  opts.add,
		},
		&cobra.Command{
			Use:   "remove <deployment-id> <hostname>...",
			Short: "Stop routing hostnames to a deployment",
			Args:  cobra.MinimumNArgs(2),
			RunE:  opts.remove,
		},
	)
	return cmd
}

func (opts *domainsOpts) list(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if _, err := b.repo.GetDeployment(ctx, id); err != nil {
		return err
	}
	domains, err := b.repo.ListDomains(ctx, id)
	if err != nil {
		return err
	}

	views := make([]domainView, 0, len(domains))
	for _, d := range domains {
		views = append(views, domainView{
			Hostname:  d.Hostname,
			Local:     ingress.IsLocalHostname(d.Hostname),
			Verified:  d.Verified,
			TLSStatus: d.TLSStatus,
			CreatedAt: d.CreatedAt,
		})
	}

	return opts.render(cmd.OutOrStdout(), views, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "HOSTNAME\tLOCAL\tTLS\tADDED\n")
		for _, v := range views {
			tls := orDash(v.TLSStatus)
			if v.Local {
				tls = "disabled"
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", v.Hostname, v.Local, tls, since(v.CreatedAt))
		}
	})
}

func (opts *domainsOpts) add(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}

	hostnames := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		hostname := normalizeHostname(arg)
		if !hostnamePattern.MatchString(hostname) {
			return newUsageError(fmt.Sprintf("invalid hostname %q", arg))
		}
		hostnames = append(hostnames, hostname)
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if _, err := b.repo.GetDeployment(ctx, id); err != nil {
		return err
	}

	// A hostname bound elsewhere fails on the unique index
	for _, hostname := range hostnames {
		if err := b.repo.AddDomain(ctx, &state.Domain{DeploymentID: id, Hostname: hostname}); err != nil {
			return fmt.Errorf("%s: %w", hostname, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", hostname)
	}
	fmt.Fprintln(cmd.OutOrStdout(), domainsApplyHint)
	return nil
}

func (opts *domainsOpts) remove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	for _, arg := range args[1:] {
		hostname := normalizeHostname(arg)
		if err := b.repo.DeleteDomain(ctx, id, hostname); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", hostname)
	}
	fmt.Fprintln(cmd.OutOrStdout(), domainsApplyHint)
	return nil
}

func normalizeHostname(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}
