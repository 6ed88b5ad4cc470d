// Package dossier executes dossier templates against the render engine.
package dossier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/extractor"
	"github.com/aliskhannn/dossier-executor/internal/model"
	"github.com/aliskhannn/dossier-executor/internal/params"
	"github.com/aliskhannn/dossier-executor/internal/progress"
	"github.com/aliskhannn/dossier-executor/internal/render"
	"github.com/aliskhannn/dossier-executor/internal/repository/document"
	"github.com/aliskhannn/dossier-executor/internal/tenant"
)

var (
	ErrDuplicateImageName = errors.New("image names must be different inside template")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrUnauthorized       = errors.New("user cannot execute document")
	ErrAlreadyExecuted    = errors.New("job already executed")
)

// tracker receives job progress.
type tracker interface {
	SetStatusStarted(ctx context.Context, jobID int64) error
	IncrementPartial(jobID int64)
	SetStatusDownload(jobID int64)
	SetStatusError(jobID int64)
	DeleteProgressThread(ctx context.Context, jobID int64) error
}

// resolver loads documents by label.
type resolver interface {
	GetByLabel(ctx context.Context, label string) (model.Document, error)
}

// authorizer decides whether a caller may execute a document with a role.
type authorizer interface {
	CanExecute(ctx context.Context, doc model.Document, profile model.Profile, role string) bool
}

// renderer executes documents on the render engine.
type renderer interface {
	ExecuteURL() string
	Execute(ctx context.Context, req render.Request) (render.Result, error)
}

// imageWriter materializes rendered images.
type imageWriter interface {
	WriteSingle(randomKey, imageName string, data []byte) (model.ImageAsset, error)
	ExtractArchive(randomKey, documentLabel, imageName string, data []byte) (extractor.Result, error)
	WritePlaceholder(randomKey, imageName, caption string) (model.ImageAsset, error)
}

// Entry lists the images produced for one template report.
type Entry struct {
	Label     string             `json:"label"`
	ImageName string             `json:"image_name"`
	Images    []model.ImageAsset `json:"images"`
	Reused    bool               `json:"reused"` // label already rendered earlier in the run
}

// Report is the outcome of a successful run.
type Report struct {
	Entries []Entry             `json:"entries"`
	Skipped []extractor.Skipped `json:"-"`
}

// Worker runs one dossier submission end to end.
type Worker struct {
	tracker   tracker
	documents resolver
	access    authorizer
	render    renderer
	images    imageWriter
}

// NewWorker creates a new Worker.
func NewWorker(t tracker, d resolver, a authorizer, r renderer, w imageWriter) *Worker {
	return &Worker{
		tracker:   t,
		documents: d,
		access:    a,
		render:    r,
		images:    w,
	}
}

// run holds the bookkeeping of a single execution.
type run struct {
	sub        model.Submission
	body       []byte
	executed   map[string]struct{}
	imageNames map[string]struct{}
	report     Report
}

// Run executes every report of the submission template in order. The job ends
// in DOWNLOAD on success and in ERROR when any report fails. A job that was
// already started is not executed again and fails with ErrAlreadyExecuted.
func (w *Worker) Run(ctx context.Context, sub model.Submission) (Report, error) {
	scope := tenant.Bind(ctx, sub.Profile.Organization)
	defer scope.Release()

	if err := w.tracker.SetStatusStarted(scope.Context(), sub.JobID); err != nil {
		if errors.Is(err, progress.ErrInvalidTransition) {
			zlog.Logger.Warn().Err(err).Int64("job_id", sub.JobID).Msg("duplicate submission ignored")
			return Report{}, fmt.Errorf("job %d: %w: %w", sub.JobID, ErrAlreadyExecuted, err)
		}
		w.tracker.SetStatusError(sub.JobID)
		return Report{}, fmt.Errorf("job %d: failed to start: %w", sub.JobID, err)
	}

	report, err := w.run(scope.Context(), sub)
	if err != nil {
		w.tracker.SetStatusError(sub.JobID)
		zlog.Logger.Err(err).Int64("job_id", sub.JobID).Msg("dossier execution failed")
		return Report{}, fmt.Errorf("job %d: %w", sub.JobID, err)
	}

	w.tracker.SetStatusDownload(sub.JobID)
	zlog.Logger.Info().
		Int64("job_id", sub.JobID).
		Int("reports", len(report.Entries)).
		Int("skipped", len(report.Skipped)).
		Msg("dossier execution completed")

	return report, nil
}

func (w *Worker) run(ctx context.Context, sub model.Submission) (Report, error) {
	body, err := json.Marshal(sub.Template)
	if err != nil {
		return Report{}, fmt.Errorf("failed to serialize template: %w", err)
	}

	r := &run{
		sub:        sub,
		body:       body,
		executed:   make(map[string]struct{}),
		imageNames: make(map[string]struct{}),
	}

	for _, rep := range sub.Template.Reports {
		if _, ok := r.executed[rep.Label]; ok {
			r.report.Entries = append(r.report.Entries, Entry{Label: rep.Label, ImageName: rep.ImageName, Reused: true})
			w.tracker.IncrementPartial(sub.JobID)
			continue
		}

		if _, ok := r.imageNames[rep.ImageName]; ok {
			return Report{}, fmt.Errorf("%w: %s", ErrDuplicateImageName, rep.ImageName)
		}
		r.imageNames[rep.ImageName] = struct{}{}

		if err := w.execute(ctx, r, rep); err != nil {
			return Report{}, err
		}

		w.tracker.IncrementPartial(sub.JobID)
	}

	clear(r.imageNames)

	return r.report, nil
}

// execute renders one report and stores its images.
func (w *Worker) execute(ctx context.Context, r *run, rep model.Report) error {
	doc, err := w.documents.GetByLabel(ctx, rep.Label)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, rep.Label)
		}
		return fmt.Errorf("failed to load document %s: %w", rep.Label, err)
	}

	role, err := w.executionRole(ctx, doc, r.sub.Profile)
	if err != nil {
		return err
	}

	query, err := params.Bind(doc.Drivers, rep.Parameters)
	if err != nil {
		return fmt.Errorf("document %s: %w", doc.Label, err)
	}

	res, err := w.render.Execute(ctx, render.Request{
		URL:    BuildRequestURL(w.render.ExecuteURL(), r.sub.Profile.UniqueID, doc, role) + query,
		UserID: r.sub.Profile.UniqueID,
		Body:   r.body,
	})
	if err != nil {
		return fmt.Errorf("document %s: %w", doc.Label, err)
	}

	entry := Entry{Label: rep.Label, ImageName: rep.ImageName}

	if res.IsArchive() {
		zlog.Logger.Debug().Str("document", doc.Label).Msg("document has more than one sheet")

		extracted, err := w.images.ExtractArchive(r.sub.RandomKey, doc.Label, rep.ImageName, res.Body)
		if err != nil {
			return fmt.Errorf("document %s: %w", doc.Label, err)
		}
		r.report.Skipped = append(r.report.Skipped, extracted.Skipped...)
		entry.Images = extracted.Images

		if len(entry.Images) == 0 {
			asset, err := w.images.WritePlaceholder(r.sub.RandomKey, rep.ImageName, doc.Label)
			if err != nil {
				return fmt.Errorf("document %s: %w", doc.Label, err)
			}
			entry.Images = append(entry.Images, asset)
		}

		r.executed[rep.Label] = struct{}{}
	} else {
		asset, err := w.images.WriteSingle(r.sub.RandomKey, rep.ImageName, res.Body)
		if err != nil {
			return fmt.Errorf("document %s: %w", doc.Label, err)
		}
		entry.Images = []model.ImageAsset{asset}
	}

	r.report.Entries = append(r.report.Entries, entry)

	return nil
}

// executionRole walks the caller roles in order. The first role checked
// decides: a denial aborts, a pass is used for the render.
func (w *Worker) executionRole(ctx context.Context, doc model.Document, profile model.Profile) (string, error) {
	for _, role := range profile.Roles {
		if !w.access.CanExecute(ctx, doc, profile, role) {
			return "", fmt.Errorf("%w: user %s, document %s", ErrUnauthorized, profile.UserName, doc.Name)
		}
		return role, nil
	}

	return "", fmt.Errorf("%w: user %s has no roles", ErrUnauthorized, profile.UserName)
}

// DeleteOnError removes the job row of a failed execution.
func (w *Worker) DeleteOnError(ctx context.Context, jobID int64) error {
	if err := w.tracker.DeleteProgressThread(ctx, jobID); err != nil {
		return fmt.Errorf("job %d: failed to delete progress: %w", jobID, err)
	}
	return nil
}

// BuildRequestURL returns the render URL for doc without driver parameters.
func BuildRequestURL(executeURL, userID string, doc model.Document, role string) string {
	var b strings.Builder

	b.WriteString(executeURL)
	b.WriteString("?user_id=")
	b.WriteString(url.QueryEscape(userID))
	b.WriteString("&DOCUMENT_LABEL=")
	b.WriteString(url.QueryEscape(doc.Label))
	b.WriteString("&DOCUMENT_OUTPUT_PARAMETERS=%5B%5D&DOCUMENT_IS_VISIBLE=true&SBI_EXECUTION_ROLE=")
	b.WriteString(url.QueryEscape(role))
	b.WriteString("&DOCUMENT_DESCRIPTION=&document=")
	b.WriteString(strconv.FormatInt(doc.ID, 10))
	b.WriteString("&IS_TECHNICAL_USER=true&DOCUMENT_NAME=")
	b.WriteString(url.QueryEscape(doc.Name))
	b.WriteString("&NEW_SESSION=TRUE&SBI_ENVIRONMENT=DOCBROWSER&IS_FOR_EXPORT=true&documentMode=VIEW&export=true&outputType=PNG")

	return b.String()
}
