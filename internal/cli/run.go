package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/nudge/api"
)

type RunOptions struct {
	*RootOptions
	NoAPI bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling worker and the operator API",
		Long: `Run the worker loop until interrupted. Each tick sends due reminders,
drains the outbox and pulls remote edits. The operator API listens on the
configured address unless --no-api is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.NoAPI, "no-api", false, "do not start the operator API")

	return cmd
}

func runWorker(cmd *cobra.Command, opts *RunOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer app.Close()
	log := app.Logger

	log.Info("starting nudge", "version", Version, "build_time", BuildTime)

	var server *http.Server
	if !opts.NoAPI {
		server = &http.Server{
			Addr: app.Config.Addr,
			Handler: api.SetupRoutes(app.Config, Version, BuildTime, api.Deps{
				Repo:   app.Repo,
				Saver:  app.Engine,
				Loader: app.Loader,
			}),
			ReadTimeout:  app.Config.APITimeout,
			WriteTimeout: app.Config.APITimeout,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("api listening", "addr", app.Config.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("api server failed", "error", err)
				stop()
			}
		}()
	}

	app.Worker.Run(ctx)
	log.Info("shutting down")

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Error("api shutdown", "error", err)
		}
	}

	return nil
}
