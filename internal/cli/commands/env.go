package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const maskedValue = "********"

type variableView struct {
	Key       string    `json:"key" yaml:"key"`
	Value     string    `json:"value" yaml:"value"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type envOpts struct {
	*rootOpts
	reveal bool
}

func newEnv(parent *rootOpts) *envOpts {
	return &envOpts{rootOpts: parent}
}

func (opts *envOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage the environment variables of a deployment",
		Long: "Values are encrypted at rest and injected into the process or container\n" +
			"on the next deploy, restart or start.",
	}

	list := &cobra.Command{
		Use:   "list <deployment-id>",
		Short: "List environment keys; values stay masked unless --reveal is set",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.list,
	}
	list.Flags().BoolVar(&opts.reveal, "reveal", false, "Decrypt and print values")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:     "set <deployment-id> KEY=VALUE...",
			Short:   "Set environment variables",
			Example: "  deployctl env set <id> PORT_HINT=8080 DATABASE_URL=postgres://db/app",
			Args:    cobra.MinimumNArgs(2),
			RunE:    opts.set,
		},
		&cobra.Command{
			Use:   "unset <deployment-id> KEY...",
			Short: "Remove environment variables",
			Args:  cobra.MinimumNArgs(2),
			RunE:  opts.unset,
		},
	)
	return cmd
}

func (opts *envOpts) list(cmd *cobra.Command, args []string) error {
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
	variables, err := b.repo.ListVariables(ctx, id)
	if err != nil {
		return err
	}

	var revealed map[string]string
	if opts.reveal {
		dctx, err := b.store.LoadContext(ctx, id)
		if err != nil {
			return err
		}
		revealed = dctx.Environment
	}

	views := make([]variableView, 0, len(variables))
	for _, v := range variables {
		value := maskedValue
		if opts.reveal {
			value = revealed[v.Key]
		}
		views = append(views, variableView{Key: v.Key, Value: value, UpdatedAt: v.UpdatedAt})
	}

	return opts.render(cmd.OutOrStdout(), views, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "KEY\tVALUE\tUPDATED\n")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\n", v.Key, v.Value, since(v.UpdatedAt))
		}
	})
}

func (opts *envOpts) set(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}

	type pair struct{ key, value string }
	pairs := make([]pair, 0, len(args)-1)
	for _, arg := range args[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return newUsageError(fmt.Sprintf("expected KEY=VALUE, got %q", arg))
		}
		pairs = append(pairs, pair{key: key, value: value})
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := b.store.SetVariable(cmd.Context(), id, p.key, p.value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", p.key)
	}
	return nil
}

func (opts *envOpts) unset(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	for _, key := range args[1:] {
		if err := b.repo.DeleteVariable(cmd.Context(), id, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", key)
	}
	return nil
}
