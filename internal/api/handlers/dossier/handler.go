package dossier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/api/respond"
	"github.com/aliskhannn/dossier-executor/internal/archive"
	"github.com/aliskhannn/dossier-executor/internal/middleware"
	"github.com/aliskhannn/dossier-executor/internal/model"
	"github.com/aliskhannn/dossier-executor/internal/repository/progress"
	dossiersvc "github.com/aliskhannn/dossier-executor/internal/service/dossier"
)

// service defines the interface for dossier execution operations.
type service interface {
	Submit(ctx context.Context, tmpl model.Template, profile model.Profile) (model.Submission, error)
	GetJob(ctx context.Context, jobID int64) (model.Job, error)
	DeleteJob(ctx context.Context, jobID int64) error
	Package(ctx context.Context, jobID int64) (string, []archive.File, error)
}

// Handler provides HTTP handlers for dossier executions and their jobs.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// SubmitResponse identifies the job created for a submission.
type SubmitResponse struct {
	JobID     int64  `json:"job_id"`
	RandomKey string `json:"random_key"`
}

// Submit accepts a dossier template and starts its execution in the background.
func (h *Handler) Submit(c *ginext.Context) {
	profile, ok := middleware.ProfileFrom(c)
	if !ok {
		respond.Fail(c, http.StatusUnauthorized, errors.New("missing caller identity"))
		return
	}

	var tmpl model.Template
	if err := json.NewDecoder(c.Request.Body).Decode(&tmpl); err != nil {
		zlog.Logger.Err(err).Msg("failed to decode template")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid template: %v", err))
		return
	}

	sub, err := h.service.Submit(c.Request.Context(), tmpl, profile)
	if err != nil {
		if errors.Is(err, dossiersvc.ErrEmptyTemplate) {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to submit dossier")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to submit dossier"))
		return
	}

	zlog.Logger.Info().
		Int64("job_id", sub.JobID).
		Str("template", tmpl.Name).
		Str("user", profile.UserID).
		Msg("dossier submitted")

	respond.Accepted(c, SubmitResponse{JobID: sub.JobID, RandomKey: sub.RandomKey})
}

// Get returns the progress of a job.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		failJob(c, err)
		return
	}

	respond.OK(c, job)
}

// Delete removes a finished job and its output.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(c.Request.Context(), id); err != nil {
		failJob(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Download streams the images of a completed job as a zip archive.
func (h *Handler) Download(c *ginext.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	name, files, err := h.service.Package(c.Request.Context(), id)
	if err != nil {
		failJob(c, err)
		return
	}

	respond.Attachment(c, name, "application/zip", func(w io.Writer) error {
		return archive.Write(w, files)
	})
}

func jobID(c *ginext.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		zlog.Logger.Warn().Str("id", c.Param("id")).Msg("invalid job id")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid job id"))
		return 0, false
	}
	return id, true
}

func failJob(c *ginext.Context, err error) {
	switch {
	case errors.Is(err, progress.ErrJobNotFound):
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
	case errors.Is(err, dossiersvc.ErrJobRunning), errors.Is(err, dossiersvc.ErrJobNotReady):
		respond.Fail(c, http.StatusConflict, err)
	default:
		zlog.Logger.Err(err).Msg("job request failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}
