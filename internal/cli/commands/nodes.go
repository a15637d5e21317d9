package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/state"
)

type nodeView struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Mode     string         `json:"mode" yaml:"mode"`
	Status   string         `json:"status" yaml:"status"`
	Host     string         `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int            `json:"port,omitempty" yaml:"port,omitempty"`
	User     string         `json:"user,omitempty" yaml:"user,omitempty"`
	LastSeen *time.Time     `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func toNodeView(n *state.Node) nodeView {
	view := nodeView{
		ID:       n.ID.String(),
		Name:     n.Name,
		Mode:     n.Mode,
		Status:   n.Status,
		Host:     n.Host,
		Port:     n.Port,
		User:     n.User,
		LastSeen: n.LastSeen,
	}
	if n.Metadata != "" {
		_ = json.Unmarshal([]byte(n.Metadata), &view.Metadata)
	}
	return view
}

type nodesOpts struct {
	*rootOpts
}

func newNodes(parent *rootOpts) *nodesOpts {
	return &nodesOpts{rootOpts: parent}
}

func (opts *nodesOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nodes",
		Aliases: []string{"node"},
		Short:   "Manage remote hosts deployments can run on",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List nodes",
			RunE:  opts.list,
		},
		newNodeCreate(opts.rootOpts).Command(),
		&cobra.Command{
			Use:     "pair <node-id> <pairing-code>",
			Short:   "Activate an agent node with the code it printed on registration",
			Args:    cobra.ExactArgs(2),
			RunE:    opts.pair,
			Example: "  deployctl node pair 0b6f5c9e-... K7M2QX9A",
		},
		&cobra.Command{
			Use:   "rotate-token <node-id>",
			Short: "Issue a fresh install token for an agent node",
			Args:  cobra.ExactArgs(1),
			RunE:  opts.rotate,
		},
		&cobra.Command{
			Use:   "delete <node-id>",
			Short: "Delete a node no deployment runs on",
			Args:  cobra.ExactArgs(1),
			RunE:  opts.delete,
		},
	)
	return cmd
}

func (opts *nodesOpts) list(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	nodes, err := b.repo.ListNodes(cmd.Context())
	if err != nil {
		return err
	}

	views := make([]nodeView, 0, len(nodes))
	for i := range nodes {
		views = append(views, toNodeView(&nodes[i]))
	}

	return opts.render(cmd.OutOrStdout(), views, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID\tNAME\tMODE\tSTATUS\tHOST\tLAST SEEN\n")
		for _, v := range views {
			host := "-"
			if v.Host != "" {
				host = fmt.Sprintf("%s@%s:%d", v.User, v.Host, v.Port)
			} else if h, ok := v.Metadata["hostname"].(string); ok {
				host = h
			}
			lastSeen := "never"
			if v.LastSeen != nil {
				lastSeen = since(*v.LastSeen)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Mode, v.Status, host, lastSeen)
		}
	})
}

func (opts *nodesOpts) pair(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "node")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	if err := b.registry.Pair(cmd.Context(), id, args[1]); err != nil {
		if errors.Is(err, agent.ErrInvalidPairingCode) {
			return fmt.Errorf("pairing code does not match node %s", id)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s is active\n", id)
	return nil
}

func (opts *nodesOpts) rotate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "node")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	token, err := b.registry.RotateInstallToken(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := struct {
		InstallToken string `json:"install_token" yaml:"install_token"`
	}{InstallToken: token}
	return opts.render(cmd.OutOrStdout(), out, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Install token:\t%s\n", token)
		fmt.Fprintf(w, "\tThe previous token no longer registers.\n")
	})
}

func (opts *nodesOpts) delete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "node")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	if err := b.repo.DeleteNode(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted node %s\n", id)
	return nil
}

// create

type nodeCreateOpts struct {
	*rootOpts
	name    string
	mode    string
	host    string
	port    int
	user    string
	keyFile string
	owner   string
}

func newNodeCreate(parent *rootOpts) *nodeCreateOpts {
	return &nodeCreateOpts{rootOpts: parent}
}

func (opts *nodeCreateOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent or SSH node",
		Example: "  deployctl nodes create --name edge-1\n" +
			"  deployctl nodes create --name db-host --mode ssh --host 10.0.0.5 --user deploy --key-file ~/.ssh/id_ed25519",
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "Node name")
	cmd.Flags().StringVar(&opts.mode, "mode", state.NodeModeAgent, "Node mode: agent or ssh")
	cmd.Flags().StringVar(&opts.host, "host", "", "SSH host")
	cmd.Flags().IntVar(&opts.port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&opts.user, "user", "", "SSH user")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "SSH private key file")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner recorded on the node")
	return cmd
}

func (opts *nodeCreateOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	req := agent.NewNodeRequest{
		OwnerID: opts.owner,
		Name:    opts.name,
		Mode:    opts.mode,
		Host:    opts.host,
		Port:    opts.port,
		User:    opts.user,
	}
	if opts.mode == state.NodeModeSSH {
		if opts.keyFile == "" {
			return newUsageError("--key-file is required for ssh nodes")
		}
		key, err := os.ReadFile(opts.keyFile)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		req.PrivateKey = string(key)
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	node, installToken, err := b.registry.CreateNode(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := struct {
		nodeView     `yaml:",inline"`
		InstallToken string `json:"install_token,omitempty" yaml:"install_token,omitempty"`
	}{nodeView: toNodeView(node), InstallToken: installToken}

	return opts.render(cmd.OutOrStdout(), out, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Created %s node %s (%s)\n", node.Mode, node.Name, node.ID)
		if installToken != "" {
			fmt.Fprintf(w, "\nInstall token:\t%s\n", installToken)
			fmt.Fprintf(w, "\tStart the agent with DEPLOYCTL_AGENT_INSTALL_TOKEN set to this value,\n")
			fmt.Fprintf(w, "\tthen confirm the pairing code it prints with `deployctl node pair`.\n")
		}
	})
}
