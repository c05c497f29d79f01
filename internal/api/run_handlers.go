package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/runner"
)

// RunHandler serves the run control surface: start, status, list, cancel.
type RunHandler struct {
	executor *ImportExecutor
	runs     *runner.Service
	logger   *slog.Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(executor *ImportExecutor, runs *runner.Service, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		executor: executor,
		runs:     runs,
		logger:   logger,
	}
}

// StartRunRequest is the body of POST /api/runs.
type StartRunRequest struct {
	CompanyID string   `json:"company_id"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Flows     []string `json:"flows,omitempty"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
}

// StartRunResponse reports the run a submission mapped to.
type StartRunResponse struct {
	Run     *models.RunRecord `json:"run"`
	Created bool              `json:"created"`
}

// HandleRuns dispatches /api/runs: POST starts a run, GET lists runs.
func (h *RunHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startRun(w, r)
	case http.MethodGet:
		h.listRuns(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleRunByID dispatches /api/runs/{id} and /api/runs/{id}/cancel.
func (h *RunHandler) HandleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet:
		h.getRun(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.cancelRun(w, r, parts[0])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (h *RunHandler) startRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		http.Error(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		http.Error(w, "end_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	flows := make([]models.FlowType, 0, len(req.Flows))
	for _, f := range req.Flows {
		flows = append(flows, models.FlowType(f))
	}

	record, created, err := h.executor.Launch(r.Context(), ImportParams{
		CompanyID: req.CompanyID,
		Username:  req.Username,
		Password:  req.Password,
		Flows:     flows,
		Start:     start,
		End:       end,
	})
	if err != nil {
		h.logger.Error("failed to launch import run", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, StartRunResponse{Run: record, Created: created})
}

func (h *RunHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": records, "count": len(records)})
}

func (h *RunHandler) getRun(w http.ResponseWriter, r *http.Request, id string) {
	record, err := h.runs.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *RunHandler) cancelRun(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.runs.Cancel(r.Context(), id); err != nil {
		h.logger.Warn("cancel request failed", "run_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}
