package dossier_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/access"
	"github.com/aliskhannn/dossier-executor/internal/dossier"
	"github.com/aliskhannn/dossier-executor/internal/extractor"
	"github.com/aliskhannn/dossier-executor/internal/model"
	"github.com/aliskhannn/dossier-executor/internal/params"
	"github.com/aliskhannn/dossier-executor/internal/progress"
	"github.com/aliskhannn/dossier-executor/internal/render"
	"github.com/aliskhannn/dossier-executor/internal/repository/document"
	"github.com/aliskhannn/dossier-executor/internal/tenant"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

const executeURL = "http://render.local/knowagecockpitengine/api/1.0/pages/execute"

type fakeTracker struct {
	events   []string
	deleted  []int64
	startErr error
}

func (f *fakeTracker) SetStatusStarted(context.Context, int64) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.events = append(f.events, "STARTED")
	return nil
}

func (f *fakeTracker) IncrementPartial(int64)  { f.events = append(f.events, "+1") }
func (f *fakeTracker) SetStatusDownload(int64) { f.events = append(f.events, "DOWNLOAD") }
func (f *fakeTracker) SetStatusError(int64)    { f.events = append(f.events, "ERROR") }

func (f *fakeTracker) DeleteProgressThread(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTracker) count(event string) int {
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeDocuments map[string]model.Document

func (f fakeDocuments) GetByLabel(_ context.Context, label string) (model.Document, error) {
	doc, ok := f[label]
	if !ok {
		return model.Document{}, document.ErrDocumentNotFound
	}
	return doc, nil
}

type renderMock struct {
	mock.Mock
}

func (m *renderMock) ExecuteURL() string {
	return executeURL
}

func (m *renderMock) Execute(ctx context.Context, req render.Request) (render.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(render.Result), args.Error(1)
}

// roleTable grants exactly the listed roles and remembers the contexts it saw.
type roleTable struct {
	allowed map[string]bool
	checked []string
	ctxs    []context.Context
}

func (r *roleTable) CanExecute(ctx context.Context, _ model.Document, _ model.Profile, role string) bool {
	r.checked = append(r.checked, role)
	r.ctxs = append(r.ctxs, ctx)
	return r.allowed[role]
}

func zipWith(t *testing.T, name string, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func profile(roles ...string) model.Profile {
	return model.Profile{
		UserID:       "bob",
		UniqueID:     "bob-uid",
		UserName:     "bob",
		Organization: "DEFAULT_TENANT",
		Roles:        roles,
	}
}

func salesDocument() model.Document {
	return model.Document{
		ID:           42,
		Label:        "SALES",
		Name:         "Sales cockpit",
		Organization: "DEFAULT_TENANT",
		ExecRoles:    []string{"admin"},
		Drivers:      []model.Driver{{URLName: "year", Label: "Year"}},
	}
}

func submission(reports ...model.Report) model.Submission {
	return model.Submission{
		JobID:     7,
		RandomKey: "key-1",
		Template:  model.Template{Name: "monthly", Reports: reports},
		Profile:   profile("admin"),
	}
}

func yearParam(v string) []model.Parameter {
	return []model.Parameter{{URLName: "year", Value: v}}
}

type fixture struct {
	tracker *fakeTracker
	render  *renderMock
	images  *extractor.Extractor
	root    string
	worker  *dossier.Worker
}

func newFixture(t *testing.T, docs fakeDocuments) *fixture {
	t.Helper()

	f := &fixture{
		tracker: &fakeTracker{},
		render:  &renderMock{},
		root:    t.TempDir(),
	}
	f.images = extractor.New(f.root)
	f.worker = dossier.NewWorker(f.tracker, docs, access.NewVerifier(), f.render, f.images)

	return f
}

func TestRun_SameLabelTwiceRendersOnce(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{Body: zipWith(t, "sheet1.png", []byte("png")), ContentType: render.ContentTypeZip}, nil).
		Once()

	report, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
		model.Report{Label: "SALES", ImageName: "p2", Parameters: yearParam("2021")},
	))
	require.NoError(t, err)

	f.render.AssertNumberOfCalls(t, "Execute", 1)
	assert.Equal(t, []string{"STARTED", "+1", "+1", "DOWNLOAD"}, f.tracker.events)

	require.Len(t, report.Entries, 2)
	assert.False(t, report.Entries[0].Reused)
	assert.True(t, report.Entries[1].Reused)
}

func TestRun_ZipResponsePromotesSheets(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{Body: zipWith(t, "sheet1.png", []byte("png")), ContentType: "application/zip"}, nil)

	report, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.NoError(t, err)

	outDir := f.images.OutputDir("key-1")
	assert.FileExists(t, filepath.Join(outDir, "SALES_sheet1.png"))
	assert.NoFileExists(t, filepath.Join(outDir, "sheet1.png"))

	require.Len(t, report.Entries, 1)
	require.Len(t, report.Entries[0].Images, 1)
	assert.Equal(t, "p1_sheet1.png", report.Entries[0].Images[0].Name)
}

func TestRun_ZipWithoutImagesWritesPlaceholder(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{Body: zipWith(t, "notes.txt", []byte("text")), ContentType: render.ContentTypeZip}, nil)

	report, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.NoError(t, err)

	assert.Len(t, report.Skipped, 1)
	require.Len(t, report.Entries[0].Images, 1)
	assert.FileExists(t, filepath.Join(f.images.OutputDir("key-1"), "p1.png"))
}

func TestRun_SingleImage(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{Body: []byte("raw-png"), ContentType: "image/png"}, nil)

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "cover", Parameters: yearParam("2021")},
	))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.images.OutputDir("key-1"), "cover.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-png"), data)
}

func TestRun_RequestCarriesIdentityAndParameters(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.render.On("Execute", mock.Anything, mock.MatchedBy(func(req render.Request) bool {
		return req.UserID == "bob-uid" &&
			bytes.Contains(req.Body, []byte(`"monthly"`)) &&
			req.URL == dossier.BuildRequestURL(executeURL, "bob-uid", salesDocument(), "admin")+"&year=2021"
	})).Return(renderResult(), nil)

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.NoError(t, err)
	f.render.AssertExpectations(t)
}

func TestRun_DynamicParameterKeepsRawValues(t *testing.T) {
	doc := salesDocument()
	doc.Drivers = append(doc.Drivers, model.Driver{URLName: "region", Label: "Region"})

	f := newFixture(t, fakeDocuments{"SALES": doc})
	f.render.On("Execute", mock.Anything, mock.MatchedBy(func(req render.Request) bool {
		return req.URL == dossier.BuildRequestURL(executeURL, "bob-uid", doc, "admin")+"&year=2021%27&region="
	})).Return(renderResult(), nil)

	_, err := f.worker.Run(context.Background(), submission(model.Report{
		Label:      "SALES",
		ImageName:  "p1",
		Parameters: []model.Parameter{{URLName: "year", Value: "2021'"}, {URLName: "region"}},
	}))
	require.NoError(t, err)
	f.render.AssertExpectations(t)
}

func TestRun_DuplicateImageNameAbortsBeforeRender(t *testing.T) {
	docs := fakeDocuments{"SALES": salesDocument(), "COSTS": salesDocument()}
	f := newFixture(t, docs)
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{Body: []byte("png"), ContentType: "image/png"}, nil)

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
		model.Report{Label: "COSTS", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.ErrorIs(t, err, dossier.ErrDuplicateImageName)

	f.render.AssertNumberOfCalls(t, "Execute", 1)
	assert.Equal(t, []string{"STARTED", "+1", "ERROR"}, f.tracker.events)
}

func TestRun_IncrementsOncePerEntry(t *testing.T) {
	f := newFixture(t, fakeDocuments{
		"A": {ID: 1, Label: "A", ExecRoles: []string{"admin"}},
		"B": {ID: 2, Label: "B", ExecRoles: []string{"admin"}},
	})
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{Body: zipWith(t, "s.png", []byte("png")), ContentType: render.ContentTypeZip}, nil)

	// N = 5 entries, M = 3 of them repeat an already rendered label
	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "A", ImageName: "a1"},
		model.Report{Label: "A", ImageName: "a2"},
		model.Report{Label: "B", ImageName: "b1"},
		model.Report{Label: "A", ImageName: "a3"},
		model.Report{Label: "B", ImageName: "b2"},
	))
	require.NoError(t, err)

	assert.Equal(t, 5, f.tracker.count("+1"))
	f.render.AssertNumberOfCalls(t, "Execute", 2)
}

func TestRun_DocumentNotFound(t *testing.T) {
	f := newFixture(t, fakeDocuments{})

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "MISSING", ImageName: "p1"},
	))
	require.ErrorIs(t, err, dossier.ErrDocumentNotFound)

	f.render.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"STARTED", "ERROR"}, f.tracker.events)
}

func TestRun_FirstRoleCheckedDecides(t *testing.T) {
	t.Run("denied first role aborts even when a later role would pass", func(t *testing.T) {
		roles := &roleTable{allowed: map[string]bool{"admin": true}}
		tr := &fakeTracker{}
		r := &renderMock{}
		w := dossier.NewWorker(tr, fakeDocuments{"SALES": salesDocument()}, roles, r, extractor.New(t.TempDir()))

		sub := submission(model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")})
		sub.Profile = profile("guest", "admin")

		_, err := w.Run(context.Background(), sub)
		require.ErrorIs(t, err, dossier.ErrUnauthorized)

		assert.Equal(t, []string{"guest"}, roles.checked)
		r.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
		assert.Equal(t, []string{"STARTED", "ERROR"}, tr.events)
	})

	t.Run("passing first role stops the iteration", func(t *testing.T) {
		roles := &roleTable{allowed: map[string]bool{"admin": true}}
		r := &renderMock{}
		r.On("Execute", mock.Anything, mock.MatchedBy(func(req render.Request) bool {
			return bytes.Contains([]byte(req.URL), []byte("SBI_EXECUTION_ROLE=admin&"))
		})).Return(render.Result{Body: []byte("png"), ContentType: "image/png"}, nil)
		w := dossier.NewWorker(&fakeTracker{}, fakeDocuments{"SALES": salesDocument()}, roles, r, extractor.New(t.TempDir()))

		sub := submission(model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")})
		sub.Profile = profile("admin", "guest")

		_, err := w.Run(context.Background(), sub)
		require.NoError(t, err)

		assert.Equal(t, []string{"admin"}, roles.checked)
		r.AssertExpectations(t)
	})

	t.Run("caller without roles is unauthorized", func(t *testing.T) {
		f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
		sub := submission(model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")})
		sub.Profile = profile()

		_, err := f.worker.Run(context.Background(), sub)
		require.ErrorIs(t, err, dossier.ErrUnauthorized)
	})
}

func TestRun_OtherTenantDocumentIsUnauthorized(t *testing.T) {
	doc := salesDocument()
	doc.Organization = "ACME"
	f := newFixture(t, fakeDocuments{"SALES": doc})

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.ErrorIs(t, err, dossier.ErrUnauthorized)
}

func TestRun_RenderFailureSetsError(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.render.On("Execute", mock.Anything, mock.Anything).
		Return(render.Result{}, render.ErrRenderFailed)

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.ErrorIs(t, err, render.ErrRenderFailed)
	assert.Contains(t, err.Error(), "job 7")
	assert.Equal(t, []string{"STARTED", "ERROR"}, f.tracker.events)
}

func TestRun_ParameterMismatchSetsError(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1"},
	))
	require.ErrorIs(t, err, params.ErrParameterCount)
	assert.Equal(t, []string{"STARTED", "ERROR"}, f.tracker.events)
	f.render.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestRun_ReleasesTenantScope(t *testing.T) {
	for name, renderErr := range map[string]error{"success": nil, "failure": errors.New("boom")} {
		t.Run(name, func(t *testing.T) {
			roles := &roleTable{allowed: map[string]bool{"admin": true}}
			r := &renderMock{}
			r.On("Execute", mock.Anything, mock.Anything).
				Return(renderResult(), renderErr)
			w := dossier.NewWorker(&fakeTracker{}, fakeDocuments{"SALES": salesDocument()}, roles, r, extractor.New(t.TempDir()))

			_, _ = w.Run(context.Background(), submission(
				model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
			))

			require.Len(t, roles.ctxs, 1)
			tn, ok := tenant.FromContext(roles.ctxs[0])
			require.True(t, ok)
			assert.Equal(t, "DEFAULT_TENANT", tn.Name)
			assert.Error(t, roles.ctxs[0].Err())
		})
	}
}

// jobStore keeps job rows in memory for a real progress.Tracker.
type jobStore struct {
	mu   sync.Mutex
	jobs map[int64]model.Job
}

func (s *jobStore) CreateJob(_ context.Context, total int, randomKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.jobs) + 1)
	s.jobs[id] = model.Job{ID: id, Status: model.JobStatusPrepared, Total: total, RandomKey: randomKey}
	return id, nil
}

func (s *jobStore) GetJob(_ context.Context, id int64) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, errors.New("job not found")
	}
	return job, nil
}

func (s *jobStore) UpdateStatus(_ context.Context, id int64, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = status
	s.jobs[id] = job
	return nil
}

func (s *jobStore) IncrementPartial(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Partial++
	s.jobs[id] = job
	return nil
}

func (s *jobStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func TestRun_SameJobExecutesOnce(t *testing.T) {
	ctx := context.Background()
	tr := progress.New(&jobStore{jobs: make(map[int64]model.Job)})
	defer tr.Close()

	r := &renderMock{}
	r.On("Execute", mock.Anything, mock.Anything).Return(renderResult(), nil)
	images := extractor.New(t.TempDir())
	w := dossier.NewWorker(tr, fakeDocuments{"SALES": salesDocument()}, access.NewVerifier(), r, images)

	sub := submission(model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")})
	id, err := tr.Prepare(ctx, 1, sub.RandomKey)
	require.NoError(t, err)
	sub.JobID = id

	_, err = w.Run(ctx, sub)
	require.NoError(t, err)

	_, err = w.Run(ctx, sub)
	require.ErrorIs(t, err, dossier.ErrAlreadyExecuted)

	r.AssertNumberOfCalls(t, "Execute", 1)
	assert.NoFileExists(t, filepath.Join(images.OutputDir(sub.RandomKey), "p1-1.png"))

	tr.Close()
	job, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDownload, job.Status)
	assert.Equal(t, 1, job.Partial)
}

func TestRun_StartFailureSetsError(t *testing.T) {
	f := newFixture(t, fakeDocuments{"SALES": salesDocument()})
	f.tracker.startErr = errors.New("database is down")

	_, err := f.worker.Run(context.Background(), submission(
		model.Report{Label: "SALES", ImageName: "p1", Parameters: yearParam("2021")},
	))
	require.Error(t, err)
	assert.NotErrorIs(t, err, dossier.ErrAlreadyExecuted)
	assert.Equal(t, []string{"ERROR"}, f.tracker.events)
	f.render.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func renderResult() render.Result {
	return render.Result{Body: []byte("png"), ContentType: "image/png"}
}

func TestDeleteOnError(t *testing.T) {
	f := newFixture(t, fakeDocuments{})

	require.NoError(t, f.worker.DeleteOnError(context.Background(), 7))
	assert.Equal(t, []int64{7}, f.tracker.deleted)
}

func TestBuildRequestURL(t *testing.T) {
	got := dossier.BuildRequestURL(executeURL, "bob uid", salesDocument(), "role/a")

	assert.Equal(t, executeURL+
		"?user_id=bob+uid&DOCUMENT_LABEL=SALES&DOCUMENT_OUTPUT_PARAMETERS=%5B%5D&DOCUMENT_IS_VISIBLE=true"+
		"&SBI_EXECUTION_ROLE=role%2Fa&DOCUMENT_DESCRIPTION=&document=42&IS_TECHNICAL_USER=true"+
		"&DOCUMENT_NAME=Sales+cockpit&NEW_SESSION=TRUE&SBI_ENVIRONMENT=DOCBROWSER&IS_FOR_EXPORT=true"+
		"&documentMode=VIEW&export=true&outputType=PNG", got)
}
