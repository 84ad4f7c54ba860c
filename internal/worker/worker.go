// Package worker runs the polling loop: reminders first, then the outbox
// drain, then the pull reconcile.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/nudge/internal/logging"
	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/outbox"
	"github.com/garnizeh/nudge/internal/reminder"
	"github.com/garnizeh/nudge/internal/syncer"
	"github.com/garnizeh/nudge/pkg/repository"
	"github.com/garnizeh/nudge/pkg/telegram"
)

type Reminders interface {
	Tick(ctx context.Context) (reminder.Report, error)
}

type Drainer interface {
	Drain(ctx context.Context, force bool) (outbox.Result, error)
}

type Puller interface {
	Pull(ctx context.Context) (syncer.PullResult, error)
}

// Report is what one tick did. It is stored as JSON on the worker_runs row.
type Report struct {
	CorrelationID string             `json:"correlation_id"`
	Forced        bool               `json:"forced"`
	Reminders     reminder.Report    `json:"reminders"`
	Push          outbox.Result      `json:"push"`
	Pull          *syncer.PullResult `json:"pull,omitempty"`
	Errors        []string           `json:"errors,omitempty"`
}

type Worker struct {
	reminders Reminders
	drainer   Drainer
	puller    Puller
	runs      repository.RunRepo
	sender    telegram.Sender
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// ticks never overlap inside one process
	tickMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a worker. puller and sender may be nil: without a puller the
// tick skips the pull phase, without a sender forced-run reports are only
// logged.
func New(reminders Reminders, drainer Drainer, puller Puller, runs repository.RunRepo, sender telegram.Sender, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		reminders: reminders,
		drainer:   drainer,
		puller:    puller,
		runs:      runs,
		sender:    sender,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		stop:      make(chan struct{}),
	}
}

// Tick runs one full cycle. force makes the drain loop until the queue is
// empty. Phase errors are collected; a failed drain skips the pull so that
// unpushed local edits are not overwritten.
func (w *Worker) Tick(ctx context.Context, force bool) (Report, error) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	rep := Report{CorrelationID: uuid.NewString(), Forced: force}
	log := w.logger.With("tick", rep.CorrelationID)
	ctx = logging.WithLogger(ctx, log)
	started := w.now()

	runID, err := w.runs.StartRun(ctx, rep.CorrelationID, started, force)
	if err != nil {
		log.Error("worker: start run", "error", err)
	}

	var errs []error
	if w.reminders != nil {
		rep.Reminders, err = w.reminders.Tick(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("reminders: %w", err))
		}
	}

	var drainErr error
	if w.drainer != nil {
		rep.Push, drainErr = w.drainer.Drain(ctx, force)
		if drainErr != nil {
			errs = append(errs, fmt.Errorf("drain: %w", drainErr))
		}
		rep.Forced = rep.Push.Forced
	}

	if w.puller != nil && drainErr == nil {
		pr, err := w.puller.Pull(ctx)
		rep.Pull = &pr
		if err != nil {
			errs = append(errs, fmt.Errorf("pull: %w", err))
		}
	}

	for _, e := range errs {
		rep.Errors = append(rep.Errors, e.Error())
	}
	tickErr := errors.Join(errs...)

	w.notify(ctx, log, rep)
	w.finish(ctx, log, runID, rep, tickErr)

	log.Info("worker: tick finished",
		"forced", rep.Forced,
		"sent", rep.Reminders.Sent,
		"pushed", rep.Push.Succeeded,
		"rescheduled", rep.Push.Rescheduled,
		"errors", len(rep.Errors),
		"duration", w.now().Sub(started))

	return rep, tickErr
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, runID int64, rep Report, tickErr error) {
	if runID == 0 {
		return
	}
	status, errText := models.RunSucceeded, ""
	if tickErr != nil {
		status, errText = models.RunFailed, tickErr.Error()
	}
	b, err := json.Marshal(rep)
	if err != nil {
		log.Error("worker: encode report", "error", err)
		b = nil
	}
	// the tick context may already be cancelled on shutdown
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.runs.FinishRun(fctx, runID, w.now(), status, errText, b); err != nil {
		log.Error("worker: finish run", "run_id", runID, "error", err)
	}
}

// notify reports the tick's sync counts to every chat that asked for a run.
func (w *Worker) notify(ctx context.Context, log *slog.Logger, rep Report) {
	if len(rep.Push.RunRequests) == 0 {
		return
	}
	text := SummaryText(rep)
	seen := map[int64]bool{}
	for _, chatID := range rep.Push.RunRequests {
		if seen[chatID] {
			continue
		}
		seen[chatID] = true
		if w.sender == nil {
			log.Info("worker: run report", "chat_id", chatID, "text", text)
			continue
		}
		if err := w.sender.Send(ctx, chatID, text, telegram.Options{DisableWebPagePreview: true}); err != nil {
			log.Warn("worker: send run report", "chat_id", chatID, "error", err)
		}
	}
}

// SummaryText is the message sent back for a forced run.
func SummaryText(rep Report) string {
	s := fmt.Sprintf("Sync finished.\nPush: %d claimed, %d succeeded, %d rescheduled.",
		rep.Push.Claimed, rep.Push.Succeeded, rep.Push.Rescheduled)
	if rep.Pull != nil {
		s += fmt.Sprintf("\nPull: %d seen, %d applied.", rep.Pull.Seen, rep.Pull.Applied)
	} else {
		s += "\nPull: skipped."
	}
	if len(rep.Errors) > 0 {
		s += fmt.Sprintf("\nErrors: %d (see logs, tick %s).", len(rep.Errors), rep.CorrelationID)
	}
	return s
}

// Start launches the polling loop. The first tick runs immediately.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop signals the loop to exit and waits for the running tick to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		if _, err := w.Tick(ctx, false); err != nil {
			w.logger.Error("worker: tick failed", "error", err)
		}
		select {
		case <-w.stop:
			w.logger.Info("worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("context canceled, worker exiting")
			return
		case <-t.C:
		}
	}
}
