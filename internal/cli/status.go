package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	imodels "github.com/garnizeh/nudge/internal/models"
)

type StatusOptions struct {
	*RootOptions
	Runs    int
	Failing bool
}

type statusReport struct {
	Queue   *imodels.QueueStats     `json:"queue"`
	Failing []imodels.SyncQueueItem `json:"failing,omitempty"`
	Runs    []imodels.WorkerRun     `json:"runs"`
}

// NewStatusCommand prints outbox statistics and the latest worker runs.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outbox statistics and recent worker runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			app, err := openApp(ctx, opts.RootOptions, false)
			if err != nil {
				return err
			}
			defer app.Close()

			var rep statusReport
			if rep.Queue, err = app.Repo.Outbox.QueueStats(ctx, time.Now().UTC()); err != nil {
				return err
			}
			if rep.Runs, err = app.Repo.Runs.ListRuns(ctx, opts.Runs); err != nil {
				return err
			}
			if opts.Failing {
				if rep.Failing, err = app.Repo.Outbox.ListSyncItems(ctx, true, 100); err != nil {
					return err
				}
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().IntVar(&opts.Runs, "runs", 10, "number of recent runs to show")
	cmd.Flags().BoolVar(&opts.Failing, "failing", false, "list outbox rows that failed at least once")

	return cmd
}
