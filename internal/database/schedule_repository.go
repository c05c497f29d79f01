package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/invosync/invosync/internal/models"
)

// PostgresScheduleRepository persists daily import schedules.
type PostgresScheduleRepository struct {
	db *sql.DB
}

// NewPostgresScheduleRepository creates a new schedule repository.
func NewPostgresScheduleRepository(db *sql.DB) *PostgresScheduleRepository {
	return &PostgresScheduleRepository{db: db}
}

// Create inserts a new schedule.
func (r *PostgresScheduleRepository) Create(ctx context.Context, schedule *models.ImportSchedule) error {
	query := `
		INSERT INTO import_schedules (
			id, company_id, username, password, flows, hour, minute,
			paused, last_run_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.CompanyID,
		schedule.Username,
		schedule.Password,
		encodeFlows(schedule.Flows),
		schedule.Hour,
		schedule.Minute,
		schedule.Paused,
		schedule.LastRunDate,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// Update persists the mutable fields of a schedule.
func (r *PostgresScheduleRepository) Update(ctx context.Context, schedule *models.ImportSchedule) error {
	query := `
		UPDATE import_schedules
		SET flows = $2, hour = $3, minute = $4, paused = $5,
		    last_run_date = $6, updated_at = $7
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		schedule.ID,
		encodeFlows(schedule.Flows),
		schedule.Hour,
		schedule.Minute,
		schedule.Paused,
		schedule.LastRunDate,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("schedule %s not found", schedule.ID)
	}
	return nil
}

// Get retrieves a schedule by id.
func (r *PostgresScheduleRepository) Get(ctx context.Context, id string) (*models.ImportSchedule, error) {
	query := selectScheduleQuery + " WHERE id = $1"

	schedule, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return schedule, nil
}

// List returns all schedules ordered by company.
func (r *PostgresScheduleRepository) List(ctx context.Context) ([]models.ImportSchedule, error) {
	query := selectScheduleQuery + " ORDER BY company_id, created_at"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.ImportSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}

// Delete removes a schedule.
func (r *PostgresScheduleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM import_schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

const selectScheduleQuery = `
	SELECT id, company_id, username, password, flows, hour, minute,
	       paused, last_run_date, created_at, updated_at
	FROM import_schedules
`

func scanSchedule(row rowScanner) (*models.ImportSchedule, error) {
	var schedule models.ImportSchedule
	var flows string

	err := row.Scan(
		&schedule.ID,
		&schedule.CompanyID,
		&schedule.Username,
		&schedule.Password,
		&flows,
		&schedule.Hour,
		&schedule.Minute,
		&schedule.Paused,
		&schedule.LastRunDate,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Flows = decodeFlows(flows)
	return &schedule, nil
}

func encodeFlows(flows []models.FlowType) string {
	names := make([]string, len(flows))
	for i, f := range flows {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

func decodeFlows(encoded string) []models.FlowType {
	if encoded == "" {
		return nil
	}
	parts := strings.Split(encoded, ",")
	flows := make([]models.FlowType, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			flows = append(flows, models.FlowType(part))
		}
	}
	return flows
}
