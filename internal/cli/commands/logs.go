package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/deployctl/internal/state"
)

type logView struct {
	Level     string         `json:"level" yaml:"level"`
	Message   string         `json:"message" yaml:"message"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

type logsOpts struct {
	*rootOpts
	limit    int
	follow   bool
	interval time.Duration
}

func newLogs(parent *rootOpts) *logsOpts {
	return &logsOpts{rootOpts: parent}
}

func (opts *logsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the recent log of a deployment, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.RunE,
	}
	cmd.Flags().IntVarP(&opts.limit, "lines", "n", 100, "Number of recent lines to print")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "Poll interval for --follow")
	return cmd
}

func (opts *logsOpts) RunE(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return err
	}
	if opts.follow && opts.output != outputTable {
		return newUsageError("--follow only works with table output")
	}

	b, err := opts.open()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if _, err := b.repo.GetDeployment(ctx, id); err != nil {
		return err
	}

	logs, err := oldestFirst(ctx, b, id, opts.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.output != outputTable {
		views := make([]logView, 0, len(logs))
		for _, l := range logs {
			views = append(views, toLogView(l))
		}
		return opts.render(out, views, nil)
	}

	seen := make(map[uuid.UUID]struct{}, len(logs))
	for _, l := range logs {
		seen[l.ID] = struct{}{}
		printLogLine(out, l)
	}
	if !opts.follow {
		return nil
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		logs, err := oldestFirst(ctx, b, id, opts.limit)
		if err != nil {
			return err
		}
		for _, l := range logs {
			if _, ok := seen[l.ID]; ok {
				continue
			}
			seen[l.ID] = struct{}{}
			printLogLine(out, l)
		}
	}
}

func oldestFirst(ctx context.Context, b *backend, id uuid.UUID, limit int) ([]state.DeploymentLog, error) {
	logs, err := b.repo.RecentLogs(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

func toLogView(l state.DeploymentLog) logView {
	view := logView{Level: l.Level, Message: l.Message, CreatedAt: l.CreatedAt}
	if l.Metadata != "" {
		_ = json.Unmarshal([]byte(l.Metadata), &view.Metadata)
	}
	return view
}

func printLogLine(out io.Writer, l state.DeploymentLog) {
	fmt.Fprintf(out, "%s %-5s %s\n", l.CreatedAt.Local().Format(time.RFC3339), l.Level, l.Message)
}
