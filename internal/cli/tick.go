package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewTickCommand runs a single worker tick and prints its report.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one worker tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd, rootOpts, false)
		},
	}
}

// NewFlushCommand runs one tick with a forced drain: the outbox is drained
// until nothing is ready, then remote edits are pulled.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Drain the whole outbox and pull remote edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd, rootOpts, true)
		},
	}
}

func runTick(cmd *cobra.Command, opts *RootOptions, force bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer app.Close()

	rep, tickErr := app.Worker.Tick(ctx, force)
	if err := printJSON(cmd, rep); err != nil {
		return err
	}
	if tickErr != nil {
		return fmt.Errorf("tick %s: %w", rep.CorrelationID, tickErr)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
