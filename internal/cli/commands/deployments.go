package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

type deploymentView struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Repository   string        `json:"repository" yaml:"repository"`
	Branch       string        `json:"branch" yaml:"branch"`
	Status       string        `json:"status" yaml:"status"`
	ActiveSlot   string        `json:"active_slot,omitempty" yaml:"active_slot,omitempty"`
	BlueGreen    bool          `json:"blue_green" yaml:"blue_green"`
	Dockerized   bool          `json:"dockerized" yaml:"dockerized"`
	Dockerfile   string        `json:"dockerfile" yaml:"dockerfile"`
	BuildContext string        `json:"build_context" yaml:"build_context"`
	NodeID       string        `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"updated_at"`
	Domains      []string      `json:"domains,omitempty" yaml:"domains,omitempty"`
	Versions     []versionView `json:"versions,omitempty" yaml:"versions,omitempty"`
}

type versionView struct {
	ID        string    `json:"id" yaml:"id"`
	Slot      string    `json:"slot" yaml:"slot"`
	CommitSHA string    `json:"commit_sha,omitempty" yaml:"commit_sha,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	Port      int       `json:"port" yaml:"port"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func toDeploymentView(d *state.Deployment) deploymentView {
	view := deploymentView{
		ID:           d.ID.String(),
		Name:         d.Name,
		Repository:   d.Repository,
		Branch:       d.Branch,
		Status:       d.Status,
		ActiveSlot:   d.ActiveSlot,
		BlueGreen:    d.BlueGreenEnabled,
		Dockerized:   d.Dockerized,
		Dockerfile:   d.DockerfilePath,
		BuildContext: d.BuildContext,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.NodeID != nil {
		view.NodeID = d.NodeID.String()
	}
	return view
}

func toVersionViews(versions []state.DeploymentVersion) []versionView {
	out := make([]versionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionView{
			ID:        v.ID.String(),
			Slot:      v.Slot,
			CommitSHA: v.CommitSHA,
			Status:    v.Status,
			Port:      v.Port,
			CreatedAt: v.CreatedAt,
		})
	}
	return out
}

type deploymentsOpts struct {
	*rootOpts
}

func newDeployments(parent *rootOpts) *deploymentsOpts {
	return &deploymentsOpts{rootOpts: parent}
}

func (opts *deploymentsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deployment", "dep"},
		Short:   "Manage deployments",
	}
	cmd.AddCommand(
		newDeploymentList(opts.rootOpts).Command(),
		newDeploymentCreate(opts.rootOpts).Command(),
		newDeploymentShow(opts.rootOpts).Command(),
		newDeploymentSet(opts.rootOpts).Command(),
		newDeploymentDelete(opts.rootOpts).Command(),
		newDeploymentVersions(opts.rootOpts).Command(),
	)
	return cmd
}

// list

type deploymentListOpts struct {
	*rootOpts
	limit  int
	offset int
}

func newDeploymentList(parent *rootOpts) *deploymentListOpts {
	return &deploymentListOpts{rootOpts: parent}
}

func (opts *deploymentListOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE:  opts.RunE,
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "Maximum number of deployments to list")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Number of deployments to skip")
	return cmd
}

func (opts *deploymentListOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	b, err := opts.open()
	if err != nil {
		return err
	}

	deployments, err := b.repo.ListDeployments(cmd.Context(), opts.limit, opts.offset)
	if err != nil {
		return err
	}

	views := make([]deploymentView, 0, len(deployments))
	for i := range deployments {
		views = append(views, toDeploymentView(&deployments[i]))
	}

	return opts.render(cmd.OutOrStdout(), views, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID\tNAME\tSTATUS\tSLOT\tREPOSITORY\tBRANCH\tNODE\n")
		for _, v := range views {
			slot := orDash(v.ActiveSlot)
			if !v.BlueGreen {
				slot = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Status, slot, v.Repository, v.Branch, orDash(v.NodeID))
		}
	})
}

// create

type deploymentCreateOpts struct {
	*rootOpts
	name         string
	repository   string
	branch       string
	blueGreen    bool
	dockerfile   string
	buildContext string
	node         string
	sourceToken  string
	owner        string
}

func newDeploymentCreate(parent *rootOpts) *deploymentCreateOpts {
	return &deploymentCreateOpts{rootOpts: parent}
}

func (opts *deploymentCreateOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Register a new deployment",
		Example: "  deployctl deployments create --name web --repo acme/web --branch main --blue-green",
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "Deployment name")
	cmd.Flags().StringVar(&opts.repository, "repo", "", "Repository (owner/name or clone URL)")
	cmd.Flags().StringVar(&opts.branch, "branch", "main", "Branch to build")
	cmd.Flags().BoolVar(&opts.blueGreen, "blue-green", false, "Alternate between blue and green slots")
	cmd.Flags().StringVar(&opts.dockerfile, "dockerfile", "Dockerfile", "Dockerfile path inside the build context")
	cmd.Flags().StringVar(&opts.buildContext, "context", ".", "Build context inside the repository")
	cmd.Flags().StringVar(&opts.node, "node", "", "Run on this node instead of the control plane host")
	cmd.Flags().StringVar(&opts.sourceToken, "source-token", "", "Token used to clone private repositories")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner recorded on the deployment")
	return cmd
}

func (opts *deploymentCreateOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if strings.TrimSpace(opts.name) == "" {
		return newUsageError("--name is required")
	}
	if strings.TrimSpace(opts.repository) == "" {
		return newUsageError("--repo is required")
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	deployment := &state.Deployment{
		OwnerID:          opts.owner,
		Name:             strings.TrimSpace(opts.name),
		Repository:       strings.TrimSpace(opts.repository),
		Branch:           opts.branch,
		BlueGreenEnabled: opts.blueGreen,
		DockerfilePath:   opts.dockerfile,
		BuildContext:     opts.buildContext,
	}

	if opts.node != "" {
		nodeID, err := resolveNode(ctx, b, opts.node)
		if err != nil {
			return err
		}
		deployment.NodeID = &nodeID
	}

	if opts.sourceToken != "" {
		sealed, err := b.store.Seal(opts.sourceToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt source token: %w", err)
		}
		deployment.SourceToken = sealed
	}

	if err := b.repo.CreateDeployment(ctx, deployment); err != nil {
		return err
	}

	view := toDeploymentView(deployment)
	return opts.render(cmd.OutOrStdout(), view, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Created deployment %s (%s)\n", view.Name, view.ID)
	})
}

// show

type deploymentShowOpts struct {
	*rootOpts
	versions int
}

func newDeploymentShow(parent *rootOpts) *deploymentShowOpts {
	return &deploymentShowOpts{rootOpts: parent}
}

func (opts *deploymentShowOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Show a deployment with its domains and recent versions",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.RunE,
	}
	cmd.Flags().IntVar(&opts.versions, "versions", 5, "Number of recent versions to include")
	return cmd
}

func (opts *deploymentShowOpts) RunE(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	deployment, err := b.repo.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	domains, err := b.repo.ListDomains(ctx, id)
	if err != nil {
		return err
	}
	versions, err := b.repo.ListVersions(ctx, id, opts.versions)
	if err != nil {
		return err
	}

	view := toDeploymentView(deployment)
	for _, d := range domains {
		view.Domains = append(view.Domains, d.Hostname)
	}
	view.Versions = toVersionViews(versions)

	return opts.render(cmd.OutOrStdout(), view, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", view.ID)
		fmt.Fprintf(w, "Name:\t%s\n", view.Name)
		fmt.Fprintf(w, "Repository:\t%s@%s\n", view.Repository, view.Branch)
		fmt.Fprintf(w, "Status:\t%s\n", view.Status)
		fmt.Fprintf(w, "Blue/green:\t%t\n", view.BlueGreen)
		fmt.Fprintf(w, "Active slot:\t%s\n", orDash(view.ActiveSlot))
		fmt.Fprintf(w, "Dockerized:\t%t\n", view.Dockerized)
		fmt.Fprintf(w, "Build:\t%s (context %s)\n", view.Dockerfile, view.BuildContext)
		fmt.Fprintf(w, "Node:\t%s\n", orDash(view.NodeID))
		fmt.Fprintf(w, "Domains:\t%s\n", orDash(strings.Join(view.Domains, ", ")))
		fmt.Fprintf(w, "Updated:\t%s\n", since(view.UpdatedAt))
		if len(view.Versions) > 0 {
			fmt.Fprintf(w, "\nVERSION\tSLOT\tSTATUS\tPORT\tCOMMIT\tCREATED\n")
			for _, v := range view.Versions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", v.ID, v.Slot, v.Status, v.Port, orDash(shortSHA(v.CommitSHA)), since(v.CreatedAt))
			}
		}
	})
}

// set

type deploymentSetOpts struct {
	*rootOpts
	branch       string
	blueGreen    bool
	dockerfile   string
	buildContext string
	node         string
	sourceToken  string
}

func newDeploymentSet(parent *rootOpts) *deploymentSetOpts {
	return &deploymentSetOpts{rootOpts: parent}
}

func (opts *deploymentSetOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <deployment-id>",
		Short: "Change deployment settings; they apply to the next deploy",
		Example: "  deployctl deployments set <id> --branch release --blue-green\n" +
			"  deployctl deployments set <id> --node \"\"",
		Args: cobra.ExactArgs(1),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.branch, "branch", "", "Branch to build")
	cmd.Flags().BoolVar(&opts.blueGreen, "blue-green", false, "Alternate between blue and green slots")
	cmd.Flags().StringVar(&opts.dockerfile, "dockerfile", "", "Dockerfile path inside the build context")
	cmd.Flags().StringVar(&opts.buildContext, "context", "", "Build context inside the repository")
	cmd.Flags().StringVar(&opts.node, "node", "", "Node to run on; empty moves the deployment to the control plane host")
	cmd.Flags().StringVar(&opts.sourceToken, "source-token", "", "Token used to clone private repositories; empty clears it")
	return cmd
}

func (opts *deploymentSetOpts) RunE(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	flags := cmd.Flags()
	updates := map[string]interface{}{}
	if flags.Changed("branch") {
		if opts.branch == "" {
			return newUsageError("--branch cannot be empty")
		}
		updates["branch"] = opts.branch
	}
	if flags.Changed("blue-green") {
		updates["blue_green_enabled"] = opts.blueGreen
	}
	if flags.Changed("dockerfile") {
		updates["dockerfile_path"] = opts.dockerfile
	}
	if flags.Changed("context") {
		updates["build_context"] = opts.buildContext
	}
	if flags.Changed("node") {
		if opts.node == "" {
			updates["node_id"] = nil
		} else {
			nodeID, err := resolveNode(ctx, b, opts.node)
			if err != nil {
				return err
			}
			updates["node_id"] = nodeID
		}
	}
	if flags.Changed("source-token") {
		sealed, err := b.store.Seal(opts.sourceToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt source token: %w", err)
		}
		updates["source_token"] = sealed
	}
	if len(updates) == 0 {
		return newUsageError("nothing to change; pass at least one flag")
	}

	if err := b.repo.UpdateDeployment(ctx, id, updates); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated deployment %s\n", id)
	return nil
}

// delete

type deploymentDeleteOpts struct {
	*rootOpts
}

func newDeploymentDelete(parent *rootOpts) *deploymentDeleteOpts {
	return &deploymentDeleteOpts{rootOpts: parent}
}

func (opts *deploymentDeleteOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <deployment-id>",
		Short: "Tear a deployment down and remove it",
		Long: "Queues a cleanup task. The worker stops both slots, removes the proxy\n" +
			"configuration and artifacts, then deletes the deployment record.",
		Args: cobra.ExactArgs(1),
		RunE: opts.RunE,
	}
}

func (opts *deploymentDeleteOpts) RunE(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	taskID, err := enqueue(cmd.Context(), b, id, models.TaskCleanup, "", "", nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued cleanup task %s\n", taskID)
	return nil
}

// versions

type deploymentVersionsOpts struct {
	*rootOpts
	limit int
}

func newDeploymentVersions(parent *rootOpts) *deploymentVersionsOpts {
	return &deploymentVersionsOpts{rootOpts: parent}
}

func (opts *deploymentVersionsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <deployment-id>",
		Short: "List the versions a deployment can roll back to",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.RunE,
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum number of versions to list")
	return cmd
}

func (opts *deploymentVersionsOpts) RunE(cmd *cobra.Command, args []string) error {
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
	versions, err := b.repo.ListVersions(ctx, id, opts.limit)
	if err != nil {
		return err
	}

	views := toVersionViews(versions)
	return opts.render(cmd.OutOrStdout(), views, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "VERSION\tSLOT\tSTATUS\tPORT\tCOMMIT\tCREATED\n")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", v.ID, v.Slot, v.Status, v.Port, orDash(shortSHA(v.CommitSHA)), v.CreatedAt.Local().Format(time.RFC3339))
		}
	})
}

func resolveNode(ctx context.Context, b *backend, arg string) (uuid.UUID, error) {
	id, err := parseID(arg, "node")
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := b.repo.GetNode(ctx, id); err != nil {
		return uuid.Nil, fmt.Errorf("node %s: %w", id, err)
	}
	return id, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
