package reminder

import (
	"context"
	"time"

	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/repository"
)

// Ledger is the write-once record of sent reminders. A successful TryClaim
// grants the exclusive right to send that occurrence.
type Ledger struct {
	repo repository.LedgerRepo
}

func NewLedger(repo repository.LedgerRepo) *Ledger {
	return &Ledger{repo: repo}
}

// TryClaim reports true iff no claim for key existed.
func (l *Ledger) TryClaim(ctx context.Context, key models.ReminderKey, now time.Time) (bool, error) {
	return l.repo.InsertReminderIfAbsent(ctx, key, now)
}

// Release undoes a claim whose send failed.
func (l *Ledger) Release(ctx context.Context, key models.ReminderKey) error {
	return l.repo.DeleteReminder(ctx, key)
}
