package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/invosync/invosync/internal/models"
)

// ScheduleStore is the persistence surface the schedule handlers need.
type ScheduleStore interface {
	Create(ctx context.Context, schedule *models.ImportSchedule) error
	Update(ctx context.Context, schedule *models.ImportSchedule) error
	Get(ctx context.Context, id string) (*models.ImportSchedule, error)
	List(ctx context.Context) ([]models.ImportSchedule, error)
	Delete(ctx context.Context, id string) error
}

// ScheduleHandler serves daily-import schedule CRUD plus pause/unpause and
// manual trigger.
type ScheduleHandler struct {
	store    ScheduleStore
	executor *ImportExecutor
	logger   *slog.Logger
}

// NewScheduleHandler creates a schedule handler.
func NewScheduleHandler(store ScheduleStore, executor *ImportExecutor, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		store:    store,
		executor: executor,
		logger:   logger,
	}
}

// CreateScheduleRequest is the body of POST /api/schedules.
type CreateScheduleRequest struct {
	CompanyID string   `json:"company_id"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Flows     []string `json:"flows,omitempty"`
	Hour      int      `json:"hour"`
	Minute    int      `json:"minute"`
}

// HandleSchedules dispatches /api/schedules: POST creates, GET lists.
func (h *ScheduleHandler) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSchedule(w, r)
	case http.MethodGet:
		h.listSchedules(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleScheduleByID dispatches /api/schedules/{id} plus the pause,
// unpause and trigger subroutes.
func (h *ScheduleHandler) HandleScheduleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getSchedule(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.deleteSchedule(w, r, id)
	case len(parts) == 2 && parts[1] == "pause" && r.Method == http.MethodPost:
		h.setPaused(w, r, id, true)
	case len(parts) == 2 && parts[1] == "unpause" && r.Method == http.MethodPost:
		h.setPaused(w, r, id, false)
	case len(parts) == 2 && parts[1] == "trigger" && r.Method == http.MethodPost:
		h.triggerSchedule(w, r, id)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (h *ScheduleHandler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CompanyID == "" || req.Username == "" || req.Password == "" {
		http.Error(w, "company_id, username and password are required", http.StatusBadRequest)
		return
	}
	if req.Hour < 0 || req.Hour > 23 || req.Minute < 0 || req.Minute > 59 {
		http.Error(w, "hour/minute out of range", http.StatusBadRequest)
		return
	}

	flows := make([]models.FlowType, 0, len(req.Flows))
	for _, f := range req.Flows {
		flows = append(flows, models.FlowType(f))
	}
	if len(flows) == 0 {
		flows = models.DefaultFlows()
	}

	now := time.Now()
	schedule := &models.ImportSchedule{
		ID:        uuid.New().String(),
		CompanyID: req.CompanyID,
		Username:  req.Username,
		Password:  req.Password,
		Flows:     flows,
		Hour:      req.Hour,
		Minute:    req.Minute,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(r.Context(), schedule); err != nil {
		h.logger.Error("failed to create schedule", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("schedule created",
		"schedule_id", schedule.ID,
		"company_id", schedule.CompanyID)
	writeJSON(w, http.StatusCreated, schedule)
}

func (h *ScheduleHandler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list schedules", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

func (h *ScheduleHandler) getSchedule(w http.ResponseWriter, r *http.Request, id string) {
	schedule, err := h.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (h *ScheduleHandler) deleteSchedule(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Delete(r.Context(), id); err != nil {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}
	h.logger.Info("schedule deleted", "schedule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) setPaused(w http.ResponseWriter, r *http.Request, id string, paused bool) {
	schedule, err := h.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}

	schedule.Paused = paused
	schedule.UpdatedAt = time.Now()
	if err := h.store.Update(r.Context(), schedule); err != nil {
		h.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

// triggerSchedule runs a schedule's import immediately for the previous
// full day, without waiting for its daily fire time.
func (h *ScheduleHandler) triggerSchedule(w http.ResponseWriter, r *http.Request, id string) {
	schedule, err := h.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	day := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)

	record, created, err := h.executor.Launch(r.Context(), ImportParams{
		CompanyID: schedule.CompanyID,
		Username:  schedule.Username,
		Password:  schedule.Password,
		Flows:     schedule.Flows,
		Start:     day,
		End:       day,
	})
	if err != nil {
		h.logger.Error("failed to trigger schedule", "schedule_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, StartRunResponse{Run: record, Created: created})
}
