package reminder

import (
	"fmt"
	"sort"
	"time"

	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/content"
	pmodels "github.com/garnizeh/nudge/pkg/models"
)

const dateLayout = "2006-01-02"

// Defaults fill subscription fields left unset.
type Defaults struct {
	Timezone      string
	DailyAt       string
	DayBeforeAt   string
	BeforeMinutes int
}

// Settings is a subscription resolved against the defaults.
type Settings struct {
	ChatID         int64
	Location       *time.Location
	DailyHour      int
	DailyMinute    int
	DayBeforeHour  int
	DayBeforeMin   int
	BeforeDuration time.Duration
}

func Resolve(sub pmodels.Subscription, def Defaults) (Settings, error) {
	tz := sub.Timezone
	if tz == "" {
		tz = def.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Settings{}, fmt.Errorf("chat %d timezone: %w", sub.ChatID, err)
	}

	daily := def.DailyAt
	if sub.DailyAt != nil {
		daily = *sub.DailyAt
	}
	dh, dm, err := config.ParseClock(daily)
	if err != nil {
		return Settings{}, fmt.Errorf("chat %d daily_at: %w", sub.ChatID, err)
	}

	before := def.DayBeforeAt
	if sub.DayBeforeAt != nil {
		before = *sub.DayBeforeAt
	}
	bh, bm, err := config.ParseClock(before)
	if err != nil {
		return Settings{}, fmt.Errorf("chat %d day_before_at: %w", sub.ChatID, err)
	}

	minutes := def.BeforeMinutes
	if sub.BeforeMinutes != nil {
		minutes = *sub.BeforeMinutes
	}

	return Settings{
		ChatID:         sub.ChatID,
		Location:       loc,
		DailyHour:      dh,
		DailyMinute:    dm,
		DayBeforeHour:  bh,
		DayBeforeMin:   bm,
		BeforeDuration: time.Duration(minutes) * time.Minute,
	}, nil
}

// Snapshot is the content fetched once per tick and shared by every chat.
// Partial is set when some of the queries failed; digests built from it
// would be incomplete.
type Snapshot struct {
	Tasks   []content.Item
	Inbox   []content.Item
	Posts   []content.Post
	Partial bool
}

// Occurrence is one reminder candidate. Digests carry Items and Posts; item
// and post reminders carry Item or Post and the due instant At.
type Occurrence struct {
	Key   models.ReminderKey
	Date  string
	Items []content.Item
	Posts []content.Post
	Inbox int
	Item  *content.Item
	Post  *content.Post
	At    time.Time
}

// Digest reports whether o is a daily or day-before digest.
func (o Occurrence) Digest() bool {
	return o.Key.Kind == models.KindDailyDigest || o.Key.Kind == models.KindDayBeforeDigest
}

// Empty reports whether a digest has nothing to list.
func (o Occurrence) Empty() bool {
	return len(o.Items) == 0 && len(o.Posts) == 0
}

// InWindow reports whether remindAt <= now < remindAt+poll.
func InWindow(remindAt, now time.Time, poll time.Duration) bool {
	return !now.Before(remindAt) && now.Before(remindAt.Add(poll))
}

// Occurrences lists every occurrence for s on the local day of now, whether
// or not its window is open. Closed items and unparsable dates are ignored.
func Occurrences(s Settings, snap Snapshot, now time.Time) []Occurrence {
	local := now.In(s.Location)
	y, m, d := local.Date()
	today := local.Format(dateLayout)
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, s.Location).Format(dateLayout)

	daily := Occurrence{
		Key: models.ReminderKey{
			ChatID:    s.ChatID,
			SubjectID: "digest:" + today,
			Kind:      models.KindDailyDigest,
			RemindAt:  time.Date(y, m, d, s.DailyHour, s.DailyMinute, 0, 0, s.Location).UTC(),
		},
		Date: today,
	}
	dayBefore := Occurrence{
		Key: models.ReminderKey{
			ChatID:    s.ChatID,
			SubjectID: "digest:" + tomorrow,
			Kind:      models.KindDayBeforeDigest,
			RemindAt:  time.Date(y, m, d, s.DayBeforeHour, s.DayBeforeMin, 0, 0, s.Location).UTC(),
		},
		Date: tomorrow,
	}

	var timed []Occurrence
	for i := range snap.Tasks {
		it := snap.Tasks[i]
		if !it.Open() || it.Due == "" {
			continue
		}
		w, err := content.ParseWhen(it.Due)
		if err != nil {
			continue
		}
		date := w.LocalDate(s.Location)
		if date != today && date != tomorrow {
			continue
		}
		if !w.Timed {
			if date == today {
				daily.Items = append(daily.Items, it)
			} else {
				dayBefore.Items = append(dayBefore.Items, it)
			}
			continue
		}
		timed = append(timed, Occurrence{
			Key: models.ReminderKey{
				ChatID:    s.ChatID,
				SubjectID: it.ID,
				Kind:      models.KindItemBeforeDue,
				RemindAt:  w.At.Add(-s.BeforeDuration).UTC(),
			},
			Date: date,
			Item: &it,
			At:   w.At,
		})
	}

	for i := range snap.Posts {
		p := snap.Posts[i]
		if !p.Open() || p.PostDate == "" {
			continue
		}
		w, err := content.ParseWhen(p.PostDate)
		if err != nil {
			continue
		}
		date := w.LocalDate(s.Location)
		if date != today && date != tomorrow {
			continue
		}
		if !w.Timed {
			if date == today {
				daily.Posts = append(daily.Posts, p)
			} else {
				dayBefore.Posts = append(dayBefore.Posts, p)
			}
			continue
		}
		timed = append(timed, Occurrence{
			Key: models.ReminderKey{
				ChatID:    s.ChatID,
				SubjectID: "social:" + p.ID,
				Kind:      models.KindSocialBeforePost,
				RemindAt:  w.At.Add(-s.BeforeDuration).UTC(),
			},
			Date: date,
			Post: &p,
			At:   w.At,
		})
	}

	for _, it := range snap.Inbox {
		if it.Open() {
			daily.Inbox++
		}
	}

	sort.SliceStable(timed, func(i, j int) bool {
		return timed[i].Key.RemindAt.Before(timed[j].Key.RemindAt)
	})

	return append([]Occurrence{daily, dayBefore}, timed...)
}
