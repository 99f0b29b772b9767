package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/google/uuid"
)

// Fixed-width UTC timestamps so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `
	id, owner_id, topic, document_ids, title, status, progress,
	result_location, error_kind, error_detail, plan_json, renders_json,
	narrations_json, dropped_json, version, created_at, updated_at`

// SaveJob upserts a job snapshot. Older versions never overwrite newer rows.
func (db *DB) SaveJob(ctx context.Context, job *models.Job) error {
	docs, err := json.Marshal(nonNil(job.Input.DocumentIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal document ids: %w", err)
	}
	plan, err := marshalNullable(job.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	renders, err := marshalNullable(job.Renders)
	if err != nil {
		return fmt.Errorf("failed to marshal renders: %w", err)
	}
	narrations, err := marshalNullable(job.Narrations)
	if err != nil {
		return fmt.Errorf("failed to marshal narrations: %w", err)
	}
	dropped, err := marshalNullable(job.Dropped)
	if err != nil {
		return fmt.Errorf("failed to marshal dropped scenes: %w", err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			progress = excluded.progress,
			result_location = excluded.result_location,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			plan_json = excluded.plan_json,
			renders_json = excluded.renders_json,
			narrations_json = excluded.narrations_json,
			dropped_json = excluded.dropped_json,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE jobs.version < excluded.version
	`

	_, err = db.ExecContext(ctx, db.rebind(query),
		job.ID.String(), job.Input.OwnerID, job.Input.Topic, string(docs), job.Title,
		string(job.Status), job.Progress, job.ResultLocation, job.ErrorKind, job.Error,
		plan, renders, narrations, dropped, job.Version,
		job.CreatedAt.UTC().Format(timeLayout), job.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (db *DB) LoadJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := db.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id.String())

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.ErrNotFound, "db", "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns an owner's jobs ordered by creation date (newest first).
func (db *DB) ListJobs(ctx context.Context, ownerID string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ? ORDER BY created_at DESC`
	return db.queryJobs(ctx, query, ownerID)
}

func (db *DB) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status NOT IN (?, ?) ORDER BY created_at`
	return db.queryJobs(ctx, query, string(models.JobStatusComplete), string(models.JobStatusFailed))
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*models.Job, error) {
	var (
		job                                models.Job
		id, status, docs, created, updated string
		plan, renders, narrations, dropped sql.NullString
	)
	err := s.Scan(
		&id, &job.Input.OwnerID, &job.Input.Topic, &docs, &job.Title, &status, &job.Progress,
		&job.ResultLocation, &job.ErrorKind, &job.Error, &plan, &renders,
		&narrations, &dropped, &job.Version, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(docs), &job.Input.DocumentIDs); err != nil {
		return nil, fmt.Errorf("invalid document ids: %w", err)
	}
	if plan.Valid {
		job.Plan = &models.ScenePlan{}
		if err := json.Unmarshal([]byte(plan.String), job.Plan); err != nil {
			return nil, fmt.Errorf("invalid plan json: %w", err)
		}
	}
	if err := unmarshalNullable(renders, &job.Renders); err != nil {
		return nil, fmt.Errorf("invalid renders json: %w", err)
	}
	if err := unmarshalNullable(narrations, &job.Narrations); err != nil {
		return nil, fmt.Errorf("invalid narrations json: %w", err)
	}
	if err := unmarshalNullable(dropped, &job.Dropped); err != nil {
		return nil, fmt.Errorf("invalid dropped json: %w", err)
	}
	if job.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	if len(job.Input.DocumentIDs) == 0 {
		job.Input.DocumentIDs = nil
	}
	return &job, nil
}

// marshalNullable stores nil pointers and empty slices as NULL.
func marshalNullable(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case *models.ScenePlan:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []models.RenderResult:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []models.NarrationTrack:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []int:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, dest interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dest)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
