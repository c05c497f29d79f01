package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invosync/invosync/internal/models"
)

// PostgresRunRepository persists import run records in PostgreSQL. It
// implements the run service's store interface.
type PostgresRunRepository struct {
	db *sql.DB
}

// NewPostgresRunRepository creates a new run repository.
func NewPostgresRunRepository(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

// Create inserts a new run record.
func (r *PostgresRunRepository) Create(ctx context.Context, record *models.RunRecord) error {
	progress, err := json.Marshal(record.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	query := `
		INSERT INTO import_runs (
			id, identity_key, task_type, company_id, range_start, range_end,
			state, progress, error, heartbeat_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.Identity.Key(),
		record.Identity.TaskType,
		record.Identity.CompanyID,
		record.Identity.DateRange.Start,
		record.Identity.DateRange.End,
		record.State,
		progress,
		record.Error,
		record.HeartbeatAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Update persists the mutable parts of a run record.
func (r *PostgresRunRepository) Update(ctx context.Context, record *models.RunRecord) error {
	progress, err := json.Marshal(record.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	var result []byte
	if record.Result != nil {
		result, err = json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		UPDATE import_runs
		SET state = $2, progress = $3, result = $4, error = $5,
		    heartbeat_at = $6, updated_at = $7
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.State,
		progress,
		result,
		record.Error,
		record.HeartbeatAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("run %s not found", record.ID)
	}
	return nil
}

// Heartbeat bumps only the liveness timestamp, so a ticking heartbeat can
// never clobber a concurrent state, progress, or result write.
func (r *PostgresRunRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE import_runs SET heartbeat_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// Get retrieves a run by id.
func (r *PostgresRunRepository) Get(ctx context.Context, id string) (*models.RunRecord, error) {
	query := selectRunQuery + " WHERE id = $1"

	record, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return record, nil
}

// List returns recent runs, newest first.
func (r *PostgresRunRepository) List(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectRunQuery + " ORDER BY created_at DESC LIMIT $1"

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []models.RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// FindByIdentity returns the most recent run with the identity key created
// at or after the cutoff, or nil when none exists.
func (r *PostgresRunRepository) FindByIdentity(ctx context.Context, key string, cutoff time.Time) (*models.RunRecord, error) {
	query := selectRunQuery + `
		WHERE identity_key = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	record, err := scanRun(r.db.QueryRowContext(ctx, query, key, cutoff))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run by identity: %w", err)
	}
	return record, nil
}

const selectRunQuery = `
	SELECT id, task_type, company_id, range_start, range_end,
	       state, progress, result, error, heartbeat_at, created_at, updated_at
	FROM import_runs
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.RunRecord, error) {
	var record models.RunRecord
	var progressJSON, resultJSON []byte

	err := row.Scan(
		&record.ID,
		&record.Identity.TaskType,
		&record.Identity.CompanyID,
		&record.Identity.DateRange.Start,
		&record.Identity.DateRange.End,
		&record.State,
		&progressJSON,
		&resultJSON,
		&record.Error,
		&record.HeartbeatAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &record.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		record.Result = &models.ImportSummary{}
		if err := json.Unmarshal(resultJSON, record.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return &record, nil
}
