package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// Repository persists dossier job progress rows.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateJob inserts a PREPARED job for total documents and returns its ID.
func (r *Repository) CreateJob(ctx context.Context, total int, randomKey string) (int64, error) {
	query := `
		INSERT INTO progress_threads (status, partial, total, random_key)
		VALUES ($1, 0, $2, $3)
		RETURNING id
    `

	var id int64
	err := r.db.QueryRowContext(ctx, query, model.JobStatusPrepared, total, randomKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create: failed to create job: %w", err)
	}

	return id, nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id int64) (model.Job, error) {
	query := `
		SELECT status, partial, total, random_key, created_at, updated_at
		FROM progress_threads
		WHERE id = $1
    `

	var job model.Job
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.Status, &job.Partial, &job.Total, &job.RandomKey, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrJobNotFound
		}

		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	job.ID = id

	return job, nil
}

// UpdateStatus sets the status of a job.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status model.JobStatus) error {
	query := `
		UPDATE progress_threads
		SET status = $1, updated_at = now()
		WHERE id = $2
    `

	return r.exec(ctx, "update status", query, status, id)
}

// IncrementPartial adds one processed document to a job.
func (r *Repository) IncrementPartial(ctx context.Context, id int64) error {
	query := `
		UPDATE progress_threads
		SET partial = partial + 1, updated_at = now()
		WHERE id = $1
    `

	return r.exec(ctx, "increment", query, id)
}

// DeleteJob deletes a job row by ID.
func (r *Repository) DeleteJob(ctx context.Context, id int64) error {
	query := `
		DELETE FROM progress_threads WHERE id = $1
    `

	return r.exec(ctx, "delete", query, id)
}

func (r *Repository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: failed to update job: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to get number of rows affected: %w", op, err)
	}

	if n == 0 {
		return ErrJobNotFound
	}

	return nil
}
