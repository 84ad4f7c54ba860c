package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garnizeh/nudge/internal/logging"
	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/repository"
)

type Config struct {
	BatchSize     int
	Lease         time.Duration
	CallTimeout   time.Duration
	MaxDrainLoops int
	Policy        Policy
}

// Result counts what a drain did. RunRequests holds the chat IDs of consumed
// worker_run_request rows, in claim order.
type Result struct {
	Claimed     int     `json:"claimed"`
	Succeeded   int     `json:"succeeded"`
	Rescheduled int     `json:"rescheduled"`
	Dropped     int     `json:"dropped"`
	Loops       int     `json:"loops"`
	Forced      bool    `json:"forced"`
	RunRequests []int64 `json:"run_requests,omitempty"`
}

func (r *Result) add(o Result) {
	r.Claimed += o.Claimed
	r.Succeeded += o.Succeeded
	r.Rescheduled += o.Rescheduled
	r.Dropped += o.Dropped
	r.RunRequests = append(r.RunRequests, o.RunRequests...)
}

// Drainer claims ready rows and dispatches them to the handler registered for
// their kind.
type Drainer struct {
	repo     repository.OutboxRepo
	handlers map[models.QueueKind]Handler
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(repo repository.OutboxRepo, cfg Config, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxDrainLoops <= 0 {
		cfg.MaxDrainLoops = 20
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy
	}
	return &Drainer{
		repo:     repo,
		handlers: map[models.QueueKind]Handler{},
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle registers h for kind, replacing any previous handler.
func (d *Drainer) Handle(kind models.QueueKind, h Handler) {
	d.handlers[kind] = h
}

// SetClock overrides the time source.
func (d *Drainer) SetClock(now func() time.Time) {
	d.now = now
}

// Drain processes one batch. When force is set, or a worker_run_request is
// consumed along the way, it keeps claiming batches until nothing is ready
// or MaxDrainLoops batches have run.
func (d *Drainer) Drain(ctx context.Context, force bool) (Result, error) {
	total := Result{Forced: force}
	for total.Loops < d.cfg.MaxDrainLoops {
		r, seen, err := d.batch(ctx)
		total.Loops++
		total.add(r)
		if err != nil {
			return total, err
		}
		if len(total.RunRequests) > 0 {
			total.Forced = true
		}
		if !total.Forced || seen == 0 || ctx.Err() != nil {
			break
		}
	}

	return total, nil
}

func (d *Drainer) batch(ctx context.Context) (Result, int, error) {
	var res Result
	log := logging.From(ctx, d.logger)

	now := d.now()
	items, err := d.repo.ClaimReady(ctx, now, now.Add(d.cfg.Lease), d.cfg.BatchSize)
	if err != nil {
		return res, 0, fmt.Errorf("claim outbox batch: %w", err)
	}

	for i := range items {
		// rows left unprocessed stay leased and are reclaimed after the lease
		if ctx.Err() != nil {
			break
		}
		item := &items[i]

		if item.Kind == models.QueueWorkerRunRequest {
			if err := d.repo.DeleteSyncItem(ctx, item.ID); err != nil {
				log.Error("outbox: delete run request", "id", item.ID, "err", err)
			}
			var rr RunRequest
			if err := json.Unmarshal(item.Payload, &rr); err != nil {
				log.Warn("outbox: malformed run request", "id", item.ID, "err", err)
				continue
			}
			res.RunRequests = append(res.RunRequests, rr.ChatID)
			continue
		}

		res.Claimed++
		err := d.dispatch(ctx, item)
		switch {
		case err == nil:
			if delErr := d.repo.DeleteSyncItem(ctx, item.ID); delErr != nil {
				log.Error("outbox: delete processed item", "id", item.ID, "err", delErr)
			}
			res.Succeeded++
		case errors.Is(err, ErrDrop):
			if delErr := d.repo.DeleteSyncItem(ctx, item.ID); delErr != nil {
				log.Error("outbox: delete dropped item", "id", item.ID, "err", delErr)
			}
			res.Dropped++
		default:
			next := d.now().Add(d.cfg.Policy.Delay(item.Attempt))
			if rsErr := d.repo.RescheduleSyncItem(ctx, item.ID, item.Attempt+1, next, err.Error()); rsErr != nil {
				log.Error("outbox: reschedule item", "id", item.ID, "err", rsErr)
			}
			res.Rescheduled++
			log.Warn("outbox: item failed", "id", item.ID, "kind", item.Kind, "attempt", item.Attempt+1, "next_run_at", next, "err", err)
		}
	}

	return res, len(items), nil
}

func (d *Drainer) dispatch(ctx context.Context, item *models.SyncQueueItem) (err error) {
	h, ok := d.handlers[item.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, item.Kind)
	}
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return h(ctx, item)
}
