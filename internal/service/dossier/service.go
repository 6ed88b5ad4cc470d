package dossier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/archive"
	"github.com/aliskhannn/dossier-executor/internal/model"
)

var (
	ErrEmptyTemplate = errors.New("template has no reports")
	ErrJobNotReady   = errors.New("job output is not ready")
	ErrJobRunning    = errors.New("job is still running")
)

// tracker creates and reads job progress.
type tracker interface {
	Prepare(ctx context.Context, total int, randomKey string) (int64, error)
	Get(ctx context.Context, jobID int64) (model.Job, error)
	SetStatusError(jobID int64)
}

// producer publishes submissions to the message broker.
type producer interface {
	Produce(ctx context.Context, sub model.Submission) error
}

// cleaner removes the job row of a finished execution.
type cleaner interface {
	DeleteOnError(ctx context.Context, jobID int64) error
}

// outputs locates the output folder of an execution.
type outputs interface {
	OutputDir(randomKey string) string
}

// Service provides business logic for dossier executions.
// It prepares jobs, publishes them for the workers and serves their output.
type Service struct {
	tracker  tracker
	producer producer
	cleaner  cleaner
	outputs  outputs
}

// NewService creates a new Service.
func NewService(t tracker, p producer, c cleaner, o outputs) *Service {
	return &Service{tracker: t, producer: p, cleaner: c, outputs: o}
}

// Submit creates a PREPARED job for the template and publishes it.
func (s *Service) Submit(ctx context.Context, tmpl model.Template, profile model.Profile) (model.Submission, error) {
	if len(tmpl.Reports) == 0 {
		return model.Submission{}, ErrEmptyTemplate
	}

	randomKey := uuid.NewString()

	jobID, err := s.tracker.Prepare(ctx, len(tmpl.Reports), randomKey)
	if err != nil {
		return model.Submission{}, fmt.Errorf("submit: %w", err)
	}

	documents := make([]model.Placeholder, 0, len(tmpl.Reports))
	for _, r := range tmpl.Reports {
		documents = append(documents, model.Placeholder{DocumentLabel: r.Label, ImageName: r.ImageName})
	}

	sub := model.Submission{
		JobID:     jobID,
		RandomKey: randomKey,
		Template:  tmpl,
		Documents: documents,
		Profile:   profile,
	}

	if err := s.producer.Produce(ctx, sub); err != nil {
		s.tracker.SetStatusError(jobID)
		return model.Submission{}, fmt.Errorf("submit: failed to publish job %d: %w", jobID, err)
	}

	return sub, nil
}

// GetJob returns the job progress.
func (s *Service) GetJob(ctx context.Context, jobID int64) (model.Job, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// DeleteJob removes a finished job and its output folder.
func (s *Service) DeleteJob(ctx context.Context, jobID int64) error {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if !job.Status.Terminal() {
		return fmt.Errorf("delete job %d: %w", jobID, ErrJobRunning)
	}

	if err := s.cleaner.DeleteOnError(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if job.RandomKey != "" {
		if err := os.RemoveAll(s.outputs.OutputDir(job.RandomKey)); err != nil {
			zlog.Logger.Warn().Err(err).Int64("job_id", jobID).Msg("failed to remove job output")
		}
	}

	return nil
}

// Package lists the output images of a completed job as zip entries.
func (s *Service) Package(ctx context.Context, jobID int64) (string, []archive.File, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return "", nil, fmt.Errorf("package job: %w", err)
	}

	if job.Status != model.JobStatusDownload {
		return "", nil, fmt.Errorf("package job %d: %w", jobID, ErrJobNotReady)
	}

	dir := s.outputs.OutputDir(job.RandomKey)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, fmt.Errorf("package job %d: failed to read output: %w", jobID, err)
	}

	files := make([]archive.File, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		p := filepath.Join(dir, e.Name())
		files = append(files, archive.File{
			Name: e.Name(),
			Open: func() (io.ReadCloser, error) { return os.Open(p) },
		})
	}

	return job.RandomKey + ".zip", files, nil
}
