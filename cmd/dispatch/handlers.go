package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dbsentinel/internal/queue"
	"dbsentinel/internal/store"
)

type dispatchServer struct {
	repo      *store.Repository
	publisher *queue.Publisher
	logger    *slog.Logger
}

func (s *dispatchServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleTrigger enqueues a manual run. A fresh execution_id is minted here;
// retries of the resulting task reuse it, a second trigger does not.
func (s *dispatchServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	test, err := s.repo.GetTest(r.Context(), testID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "test not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !test.Enabled {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "test is disabled"})
		return
	}
	task := queue.Task{
		ExecutionID: uuid.NewString(),
		TestID:      test.ID,
		TriggerTime: time.Now().UTC(),
	}
	if err := s.publisher.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("enqueue failed", slog.String("test_id", testID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to enqueue task"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": task.ExecutionID})
}

func (s *dispatchServer) handleExecutions(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.repo.RecentExecutions(r.Context(), testID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": toExecutionViews(records)})
}

// runScheduler enqueues every enabled test at the configured interval. Each
// tick mints new execution ids, so a task superseded by the next tick simply
// loses the single-flight race and is requeued behind it.
func (s *dispatchServer) runScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.enqueueEnabled(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *dispatchServer) enqueueEnabled(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	tests, err := s.repo.ListEnabledTests(ctx)
	if err != nil {
		s.logger.Error("scheduler list failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for _, test := range tests {
		task := queue.Task{ExecutionID: uuid.NewString(), TestID: test.ID, TriggerTime: now}
		if err := s.publisher.Enqueue(ctx, task); err != nil {
			s.logger.Error("scheduler enqueue failed",
				slog.String("test_id", test.ID), slog.String("error", err.Error()))
			continue
		}
	}
	s.logger.Info("scheduled run enqueued", slog.Int("tests", len(tests)))
}

type executionView struct {
	ExecutionID        string     `json:"executionId"`
	TestID             string     `json:"testId"`
	Status             string     `json:"status"`
	StartedAt          time.Time  `json:"startedAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	LogicalDate        *string    `json:"logicalDate,omitempty"`
	ObservedValue      *float64   `json:"observedValue,omitempty"`
	ExpectedValue      *float64   `json:"expectedValue,omitempty"`
	BaselineSampleSize int        `json:"baselineSampleSize"`
	ErrorMessage       *string    `json:"errorMessage,omitempty"`
}

func toExecutionViews(records []store.ExecutionRecord) []executionView {
	views := make([]executionView, 0, len(records))
	for _, rec := range records {
		view := executionView{
			ExecutionID:        rec.ExecutionID,
			TestID:             rec.TestID,
			Status:             string(rec.Status),
			StartedAt:          rec.StartedAt,
			CompletedAt:        rec.CompletedAt,
			ObservedValue:      rec.ObservedValue,
			ExpectedValue:      rec.ExpectedValue,
			BaselineSampleSize: rec.BaselineSampleSize,
			ErrorMessage:       rec.ErrorMessage,
		}
		if rec.LogicalDate != nil {
			day := rec.LogicalDate.Format("2006-01-02")
			view.LogicalDate = &day
		}
		views = append(views, view)
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
