package models

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of an import run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// TaskTypeInvoiceImport is the task type for portal invoice imports. The run
// substrate is task-type agnostic; this is the only type registered today.
const TaskTypeInvoiceImport = "invoice_import"

// RunIdentity is the logical identity of a run, used to deduplicate repeat
// submissions of the same work inside the dedup window.
type RunIdentity struct {
	TaskType  string    `json:"task_type"`
	CompanyID string    `json:"company_id"`
	DateRange DateRange `json:"date_range"`
}

// Key renders the identity as a stable string for storage and lookup.
func (id RunIdentity) Key() string {
	return fmt.Sprintf("%s:%s:%s", id.TaskType, id.CompanyID, id.DateRange)
}

// RunProgress is a point-in-time snapshot of how far a run has advanced.
type RunProgress struct {
	Phase      string `json:"phase"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkCount int    `json:"chunk_count"`
}

// RunRecord is the persisted state of one import run.
type RunRecord struct {
	ID          string         `json:"run_id"`
	Identity    RunIdentity    `json:"identity"`
	State       RunState       `json:"state"`
	Progress    RunProgress    `json:"progress"`
	Result      *ImportSummary `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	HeartbeatAt time.Time      `json:"heartbeat_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ImportSummary is the final accounting of a completed run.
type ImportSummary struct {
	CompanyID   string     `json:"company_id"`
	DateRange   DateRange  `json:"date_range"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	FailedFlows []FlowType `json:"failed_flows,omitempty"`
	Duration    float64    `json:"duration_seconds"`
}

// SuccessRate returns the fraction of discovered invoices fetched
// successfully. An empty run reports 0.
func (s *ImportSummary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}
