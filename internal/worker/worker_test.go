package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/outbox"
	"github.com/garnizeh/nudge/internal/reminder"
	"github.com/garnizeh/nudge/internal/syncer"
	"github.com/garnizeh/nudge/internal/worker"
	"github.com/garnizeh/nudge/pkg/telegram"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []models.WorkerRun
}

func (f *fakeRuns) StartRun(ctx context.Context, correlationID string, startedAt time.Time, forced bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, models.WorkerRun{
		ID: int64(len(f.runs) + 1), CorrelationID: correlationID, StartedAt: startedAt, Forced: forced, Status: models.RunRunning,
	})
	return int64(len(f.runs)), nil
}

func (f *fakeRuns) FinishRun(ctx context.Context, id int64, finishedAt time.Time, status, errText string, report []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &f.runs[id-1]
	r.FinishedAt = &finishedAt
	r.Status = status
	r.Error = errText
	r.Report = report
	return nil
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]models.WorkerRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.WorkerRun(nil), f.runs...), nil
}

type phases struct {
	mu    sync.Mutex
	order []string

	remErr   error
	drainErr error
	pullErr  error
	drainRes outbox.Result
	forced   []bool
}

func (p *phases) record(s string) {
	p.mu.Lock()
	p.order = append(p.order, s)
	p.mu.Unlock()
}

func (p *phases) Tick(ctx context.Context) (reminder.Report, error) {
	p.record("reminders")
	return reminder.Report{Sent: 1}, p.remErr
}

func (p *phases) Drain(ctx context.Context, force bool) (outbox.Result, error) {
	p.record("drain")
	p.mu.Lock()
	p.forced = append(p.forced, force)
	p.mu.Unlock()
	r := p.drainRes
	r.Forced = r.Forced || force
	return r, p.drainErr
}

func (p *phases) Pull(ctx context.Context) (syncer.PullResult, error) {
	p.record("pull")
	return syncer.PullResult{Seen: 3, Applied: 1}, p.pullErr
}

type sentMsg struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string, opts telegram.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sentMsg{chatID, text})
	return nil
}

func TestTick_PhaseOrderAndRunRecord(t *testing.T) {
	p := &phases{drainRes: outbox.Result{Claimed: 2, Succeeded: 2}}
	runs := &fakeRuns{}
	w := worker.New(p, p, p, runs, nil, time.Minute, nil)

	rep, err := w.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"reminders", "drain", "pull"}, p.order)
	assert.NotEmpty(t, rep.CorrelationID)
	assert.Equal(t, 1, rep.Reminders.Sent)
	require.NotNil(t, rep.Pull)
	assert.Equal(t, 1, rep.Pull.Applied)

	require.Len(t, runs.runs, 1)
	run := runs.runs[0]
	assert.Equal(t, rep.CorrelationID, run.CorrelationID)
	assert.Equal(t, models.RunSucceeded, run.Status)
	require.NotNil(t, run.FinishedAt)

	var stored worker.Report
	require.NoError(t, json.Unmarshal(run.Report, &stored))
	assert.Equal(t, 2, stored.Push.Succeeded)
}

func TestTick_ErrorsCollected(t *testing.T) {
	p := &phases{remErr: errors.New("content down")}
	runs := &fakeRuns{}
	w := worker.New(p, p, p, runs, nil, time.Minute, nil)

	rep, err := w.Tick(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, []string{"reminders", "drain", "pull"}, p.order, "a reminder failure does not stop sync")
	assert.Len(t, rep.Errors, 1)
	assert.Equal(t, models.RunFailed, runs.runs[0].Status)
	assert.Contains(t, runs.runs[0].Error, "content down")
}

func TestTick_DrainErrorSkipsPull(t *testing.T) {
	p := &phases{drainErr: errors.New("db locked")}
	w := worker.New(p, p, p, &fakeRuns{}, nil, time.Minute, nil)

	rep, err := w.Tick(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, []string{"reminders", "drain"}, p.order)
	assert.Nil(t, rep.Pull)
}

func TestTick_RunRequestReportsToChat(t *testing.T) {
	p := &phases{drainRes: outbox.Result{Claimed: 3, Succeeded: 2, Rescheduled: 1, Forced: true, RunRequests: []int64{42, 42, 7}}}
	sender := &fakeSender{}
	w := worker.New(p, p, p, &fakeRuns{}, sender, time.Minute, nil)

	rep, err := w.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, rep.Forced)

	require.Len(t, sender.msgs, 2)
	assert.Equal(t, int64(42), sender.msgs[0].chatID)
	assert.Equal(t, int64(7), sender.msgs[1].chatID)
	assert.Contains(t, sender.msgs[0].text, "3 claimed, 2 succeeded, 1 rescheduled")
	assert.Contains(t, sender.msgs[0].text, "3 seen, 1 applied")
}

func TestTick_ForcePassedToDrain(t *testing.T) {
	p := &phases{}
	w := worker.New(p, p, nil, &fakeRuns{}, nil, time.Minute, nil)

	rep, err := w.Tick(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, p.forced)
	assert.Nil(t, rep.Pull)
	assert.Contains(t, worker.SummaryText(rep), "Pull: skipped.")
}

type countingTicks struct {
	phases
	n atomic.Int32
}

func (c *countingTicks) Tick(ctx context.Context) (reminder.Report, error) {
	c.n.Add(1)
	return reminder.Report{}, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := &countingTicks{}
	w := worker.New(c, c, nil, &fakeRuns{}, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStartStop(t *testing.T) {
	c := &countingTicks{}
	w := worker.New(c, c, nil, &fakeRuns{}, nil, time.Hour, nil)

	w.Start(context.Background())
	require.Eventually(t, func() bool { return c.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()
}
