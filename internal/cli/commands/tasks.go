package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

type taskView struct {
	ID           string     `json:"id" yaml:"id"`
	Type         string     `json:"type" yaml:"type"`
	Status       string     `json:"status" yaml:"status"`
	DeploymentID string     `json:"deployment_id,omitempty" yaml:"deployment_id,omitempty"`
	NodeID       string     `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	ReservedBy   string     `json:"reserved_by,omitempty" yaml:"reserved_by,omitempty"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
	Payload      string     `json:"payload" yaml:"payload"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

func toTaskView(t *state.Task) taskView {
	view := taskView{
		ID:         t.ID.String(),
		Type:       t.Type,
		Status:     t.Status,
		ReservedBy: t.ReservedBy,
		Error:      t.Error,
		Payload:    t.Payload,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.DeploymentID != nil {
		view.DeploymentID = t.DeploymentID.String()
	}
	if t.NodeID != nil {
		view.NodeID = t.NodeID.String()
	}
	return view
}

// enqueue submits one task for a deployment, the same way the operator API does
func enqueue(ctx context.Context, b *backend, deploymentID uuid.UUID, taskType models.TaskType, commitSHA, reason string, versionID *uuid.UUID) (uuid.UUID, error) {
	if _, err := b.repo.GetDeployment(ctx, deploymentID); err != nil {
		return uuid.Nil, fmt.Errorf("deployment %s: %w", deploymentID, err)
	}

	if taskType == models.TaskRollback {
		if versionID == nil {
			return uuid.Nil, newUsageError("--version is required for rollback")
		}
		return b.queue.SubmitRollback(ctx, deploymentID, *versionID)
	}

	payload, err := queue.NewPayload(taskType, deploymentID, commitSHA, reason)
	if err != nil {
		return uuid.Nil, err
	}
	return b.queue.Submit(ctx, taskType, payload)
}

type tasksOpts struct {
	*rootOpts
}

func newTasks(parent *rootOpts) *tasksOpts {
	return &tasksOpts{rootOpts: parent}
}

func (opts *tasksOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Queue and inspect orchestration tasks",
	}
	cmd.AddCommand(
		newTaskList(opts.rootOpts).Command(),
		newTaskShow(opts.rootOpts).Command(),
		newTaskEnqueue(opts.rootOpts).Command(),
	)
	return cmd
}

// list

type taskListOpts struct {
	*rootOpts
	deployment string
	limit      int
}

func newTaskList(parent *rootOpts) *taskListOpts {
	return &taskListOpts{rootOpts: parent}
}

func (opts *taskListOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks, newest first",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.deployment, "deployment", "d", "", "Only list tasks for this deployment")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum number of tasks to list")
	return cmd
}

func (opts *taskListOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	var deploymentID *uuid.UUID
	if opts.deployment != "" {
		id, err := parseID(opts.deployment, "deployment")
		if err != nil {
			return err
		}
		deploymentID = &id
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	tasks, err := b.repo.ListTasks(cmd.Context(), deploymentID, opts.limit)
	if err != nil {
		return err
	}

	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, toTaskView(&tasks[i]))
	}

	return opts.render(cmd.OutOrStdout(), views, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID\tTYPE\tSTATUS\tDEPLOYMENT\tNODE\tCREATED\tERROR\n")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				v.ID, v.Type, v.Status, orDash(v.DeploymentID), orDash(v.NodeID), since(v.CreatedAt), orDash(firstLine(v.Error)))
		}
	})
}

// show

type taskShowOpts struct {
	*rootOpts
}

func newTaskShow(parent *rootOpts) *taskShowOpts {
	return &taskShowOpts{rootOpts: parent}
}

func (opts *taskShowOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.RunE,
	}
}

func (opts *taskShowOpts) RunE(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	b, err := opts.open()
	if err != nil {
		return err
	}
	task, err := b.repo.GetTask(cmd.Context(), id)
	if err != nil {
		return err
	}

	view := toTaskView(task)
	return opts.render(cmd.OutOrStdout(), view, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", view.ID)
		fmt.Fprintf(w, "Type:\t%s\n", view.Type)
		fmt.Fprintf(w, "Status:\t%s\n", view.Status)
		fmt.Fprintf(w, "Deployment:\t%s\n", orDash(view.DeploymentID))
		fmt.Fprintf(w, "Node:\t%s\n", orDash(view.NodeID))
		fmt.Fprintf(w, "Reserved by:\t%s\n", orDash(view.ReservedBy))
		fmt.Fprintf(w, "Created:\t%s\n", formatTime(&view.CreatedAt))
		fmt.Fprintf(w, "Started:\t%s\n", formatTime(view.StartedAt))
		fmt.Fprintf(w, "Finished:\t%s\n", formatTime(view.FinishedAt))
		fmt.Fprintf(w, "Payload:\t%s\n", view.Payload)
		if view.Error != "" {
			fmt.Fprintf(w, "Error:\t%s\n", view.Error)
		}
	})
}

// enqueue

type taskEnqueueOpts struct {
	*rootOpts
	commit  string
	reason  string
	version string
}

func newTaskEnqueue(parent *rootOpts) *taskEnqueueOpts {
	return &taskEnqueueOpts{rootOpts: parent}
}

func (opts *taskEnqueueOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <deployment-id> <deploy|restart|rollback|start|stop|cleanup>",
		Short: "Queue a task against a deployment",
		Example: "  deployctl tasks enqueue <id> deploy --commit 1a2b3c4\n" +
			"  deployctl tasks enqueue <id> rollback --version <version-id>",
		Args: cobra.ExactArgs(2),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.commit, "commit", "", "Commit to deploy instead of the branch head")
	cmd.Flags().StringVar(&opts.reason, "reason", "", "Free-form reason recorded with the task")
	cmd.Flags().StringVar(&opts.version, "version", "", "Version to roll back to")
	return cmd
}

func (opts *taskEnqueueOpts) RunE(cmd *cobra.Command, args []string) error {
	deploymentID, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	taskType := models.TaskType(strings.ToLower(args[1]))
	if !taskType.Valid() {
		return newUsageError(fmt.Sprintf("unknown task type %q", args[1]))
	}

	var versionID *uuid.UUID
	if opts.version != "" {
		id, err := parseID(opts.version, "version")
		if err != nil {
			return err
		}
		versionID = &id
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	taskID, err := enqueue(cmd.Context(), b, deploymentID, taskType, opts.commit, opts.reason, versionID)
	if err != nil {
		return err
	}

	out := struct {
		TaskID string `json:"task_id" yaml:"task_id"`
	}{TaskID: taskID.String()}
	return opts.render(cmd.OutOrStdout(), out, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Queued %s task %s\n", taskType, taskID)
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
