package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/outbox"
	"github.com/garnizeh/nudge/pkg/repository"
)

// StatusHandler serves the operator view of the outbox and the worker runs.
type StatusHandler struct {
	outbox repository.OutboxRepo
	runs   repository.RunRepo
	now    func() time.Time
}

func NewStatusHandler(ob repository.OutboxRepo, runs repository.RunRepo) *StatusHandler {
	return &StatusHandler{outbox: ob, runs: runs, now: func() time.Time { return time.Now().UTC() }}
}

type statusResponse struct {
	Queue    *imodels.QueueStats `json:"queue"`
	LastRuns []imodels.WorkerRun `json:"last_runs"`
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.QueueStats(r.Context(), h.now())
	if err != nil {
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), 5)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []imodels.WorkerRun{}
	}

	writeJSON(w, statusResponse{Queue: stats, LastRuns: runs}, http.StatusOK)
}

// ListOutbox returns queued rows in claim order. ?failing=true keeps only rows
// that failed at least once.
func (h *StatusHandler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	failing, _ := strconv.ParseBool(q.Get("failing"))
	items, err := h.outbox.ListSyncItems(r.Context(), failing, limitParam(q.Get("limit"), 50))
	if err != nil {
		http.Error(w, "failed to list outbox", http.StatusInternalServerError)
		return
	}
	now := h.now()
	out := make([]outboxItem, 0, len(items))
	for _, it := range items {
		out = append(out, outboxItem{SyncQueueItem: it, Ready: outbox.Ready(it, now)})
	}

	writeJSON(w, map[string]any{"items": out}, http.StatusOK)
}

// outboxItem is a queue row plus whether the next drain can claim it.
type outboxItem struct {
	imodels.SyncQueueItem
	Ready bool `json:"ready"`
}

func (h *StatusHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context(), limitParam(r.URL.Query().Get("limit"), 20))
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []imodels.WorkerRun{}
	}

	writeJSON(w, map[string]any{"items": runs}, http.StatusOK)
}

type flushRequest struct {
	ChatID int64 `json:"chat_id"`
}

// Flush enqueues a worker_run_request. The next tick drains the whole queue
// and reports the counts to the chat.
func (h *StatusHandler) Flush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ChatID == 0 {
		http.Error(w, "chat_id required", http.StatusBadRequest)
		return
	}

	item, err := outbox.NewRunRequest(req.ChatID)
	if err != nil {
		http.Error(w, "failed to build run request", http.StatusInternalServerError)
		return
	}
	id, err := h.outbox.EnqueueSync(r.Context(), item)
	if err != nil {
		http.Error(w, "failed to enqueue run request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"id": id}, http.StatusAccepted)
}

func limitParam(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 500 {
		return v
	}
	return def
}
