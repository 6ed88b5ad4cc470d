package progress_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/model"
	"github.com/aliskhannn/dossier-executor/internal/progress"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

var errNotFound = errors.New("not found")

type memStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]model.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[int64]model.Job)}
}

func (s *memStore) CreateJob(_ context.Context, total int, randomKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.jobs[s.nextID] = model.Job{ID: s.nextID, Status: model.JobStatusPrepared, Total: total, RandomKey: randomKey}
	return s.nextID, nil
}

func (s *memStore) GetJob(_ context.Context, id int64) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, errNotFound
	}
	return job, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id int64, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errNotFound
	}
	job.Status = status
	s.jobs[id] = job
	return nil
}

func (s *memStore) IncrementPartial(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errNotFound
	}
	job.Partial++
	s.jobs[id] = job
	return nil
}

func (s *memStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errNotFound
	}
	delete(s.jobs, id)
	return nil
}

func TestTracker_SuccessfulRun(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)

	id, err := tr.Prepare(ctx, 3, "key")
	require.NoError(t, err)

	require.NoError(t, tr.SetStatusStarted(ctx, id))
	tr.IncrementPartial(id)
	tr.IncrementPartial(id)
	tr.IncrementPartial(id)
	tr.SetStatusDownload(id)
	tr.Close()

	job, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDownload, job.Status)
	assert.Equal(t, 3, job.Partial)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, "key", job.RandomKey)
}

func TestTracker_TerminalStatesAbsorb(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)

	id, err := tr.Prepare(ctx, 2, "key")
	require.NoError(t, err)

	require.NoError(t, tr.SetStatusStarted(ctx, id))
	tr.IncrementPartial(id)
	tr.SetStatusError(id)
	tr.IncrementPartial(id)
	tr.SetStatusDownload(id)
	assert.ErrorIs(t, tr.SetStatusStarted(ctx, id), progress.ErrInvalidTransition)
	tr.Close()

	job, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Equal(t, 1, job.Partial)
}

func TestTracker_IncrementRequiresStarted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)

	id, err := tr.Prepare(ctx, 1, "key")
	require.NoError(t, err)

	tr.IncrementPartial(id)
	tr.Close()

	job, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPrepared, job.Status)
	assert.Zero(t, job.Partial)
}

func TestTracker_PreparedToError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)

	id, err := tr.Prepare(ctx, 1, "key")
	require.NoError(t, err)

	tr.SetStatusError(id)
	tr.Close()

	job, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, job.Status)
}

func TestTracker_DeleteProgressThread(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)
	defer tr.Close()

	id, err := tr.Prepare(ctx, 1, "key")
	require.NoError(t, err)

	require.NoError(t, tr.SetStatusStarted(ctx, id))
	tr.SetStatusError(id)
	require.NoError(t, tr.DeleteProgressThread(ctx, id))

	_, err = tr.Get(ctx, id)
	assert.ErrorIs(t, err, errNotFound)

	assert.ErrorIs(t, tr.DeleteProgressThread(ctx, id), errNotFound)
}

func TestTracker_ClosedRejectsCommands(t *testing.T) {
	tr := progress.New(newMemStore())
	tr.Close()
	tr.Close()

	err := tr.DeleteProgressThread(context.Background(), 1)
	assert.ErrorIs(t, err, progress.ErrClosed)
	assert.ErrorIs(t, tr.SetStatusStarted(context.Background(), 1), progress.ErrClosed)

	// fire-and-forget commands are dropped without panicking
	tr.IncrementPartial(1)
}

func TestTracker_StartOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)
	defer tr.Close()

	id, err := tr.Prepare(ctx, 1, "key")
	require.NoError(t, err)

	require.NoError(t, tr.SetStatusStarted(ctx, id))
	assert.ErrorIs(t, tr.SetStatusStarted(ctx, id), progress.ErrInvalidTransition)

	tr.IncrementPartial(id)
	tr.SetStatusDownload(id)
	assert.ErrorIs(t, tr.SetStatusStarted(ctx, id), progress.ErrInvalidTransition)

	job, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDownload, job.Status)
	assert.Equal(t, 1, job.Partial)
}

func TestTracker_ConcurrentJobs(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := progress.New(store)

	const jobs, docs = 8, 25
	ids := make([]int64, jobs)
	for i := range ids {
		id, err := tr.Prepare(ctx, docs, "key")
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, tr.SetStatusStarted(ctx, id))
			for i := 0; i < docs; i++ {
				tr.IncrementPartial(id)
			}
			tr.SetStatusDownload(id)
		}(id)
	}
	wg.Wait()
	tr.Close()

	for _, id := range ids {
		job, err := tr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDownload, job.Status)
		assert.Equal(t, docs, job.Partial)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.JobStatus
		want     bool
	}{
		{model.JobStatusPrepared, model.JobStatusStarted, true},
		{model.JobStatusPrepared, model.JobStatusError, true},
		{model.JobStatusPrepared, model.JobStatusDownload, false},
		{model.JobStatusStarted, model.JobStatusDownload, true},
		{model.JobStatusStarted, model.JobStatusError, true},
		{model.JobStatusStarted, model.JobStatusStarted, false},
		{model.JobStatusDownload, model.JobStatusError, false},
		{model.JobStatusError, model.JobStatusStarted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, progress.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
