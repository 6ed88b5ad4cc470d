// Package progress tracks the status of dossier execution jobs.
//
// A Tracker owns every status transition: callers send commands that a single
// goroutine applies in order, so each job has exactly one writer.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClosed            = errors.New("tracker is closed")
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second
)

// store persists job rows.
type store interface {
	CreateJob(ctx context.Context, total int, randomKey string) (int64, error)
	GetJob(ctx context.Context, id int64) (model.Job, error)
	UpdateStatus(ctx context.Context, id int64, status model.JobStatus) error
	IncrementPartial(ctx context.Context, id int64) error
	DeleteJob(ctx context.Context, id int64) error
}

type op int

const (
	opStatus op = iota
	opIncrement
	opDelete
)

type command struct {
	op     op
	jobID  int64
	status model.JobStatus
	done   chan error // nil for fire-and-forget commands
}

// Tracker applies job status commands on a single goroutine.
type Tracker struct {
	store    store
	timeout  time.Duration
	commands chan command

	// statuses is only touched by run.
	statuses map[int64]model.JobStatus

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Tracker backed by s and starts its goroutine.
func New(s store) *Tracker {
	t := &Tracker{
		store:    s,
		timeout:  defaultTimeout,
		commands: make(chan command, defaultQueueSize),
		statuses: make(map[int64]model.JobStatus),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// Prepare creates a PREPARED job for total documents.
func (t *Tracker) Prepare(ctx context.Context, total int, randomKey string) (int64, error) {
	id, err := t.store.CreateJob(ctx, total, randomKey)
	if err != nil {
		return 0, fmt.Errorf("prepare job: %w", err)
	}
	return id, nil
}

// Get returns the persisted job.
func (t *Tracker) Get(ctx context.Context, jobID int64) (model.Job, error) {
	return t.store.GetJob(ctx, jobID)
}

// SetStatusStarted marks the job as running and waits for the result. A job
// that already left PREPARED fails with ErrInvalidTransition.
func (t *Tracker) SetStatusStarted(ctx context.Context, jobID int64) error {
	return t.call(ctx, command{op: opStatus, jobID: jobID, status: model.JobStatusStarted})
}

// IncrementPartial records one more processed document.
func (t *Tracker) IncrementPartial(jobID int64) {
	t.post(command{op: opIncrement, jobID: jobID})
}

// SetStatusDownload marks the job as completed and ready for download.
func (t *Tracker) SetStatusDownload(jobID int64) {
	t.post(command{op: opStatus, jobID: jobID, status: model.JobStatusDownload})
}

// SetStatusError marks the job as failed.
func (t *Tracker) SetStatusError(jobID int64) {
	t.post(command{op: opStatus, jobID: jobID, status: model.JobStatusError})
}

// DeleteProgressThread deletes the job row and waits for the result.
func (t *Tracker) DeleteProgressThread(ctx context.Context, jobID int64) error {
	return t.call(ctx, command{op: opDelete, jobID: jobID})
}

// Close stops accepting commands and waits until queued ones are applied.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.commands)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// post sends a fire-and-forget command.
func (t *Tracker) post(cmd command) {
	if err := t.send(cmd); err != nil {
		zlog.Logger.Err(err).Int64("job_id", cmd.jobID).Msg("progress command dropped")
	}
}

// call sends cmd and waits until it is applied.
func (t *Tracker) call(ctx context.Context, cmd command) error {
	done := make(chan error, 1)
	cmd.done = done
	if err := t.send(cmd); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) send(cmd command) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}

	t.commands <- cmd
	return nil
}

func (t *Tracker) run() {
	defer t.wg.Done()

	for cmd := range t.commands {
		err := t.apply(cmd)

		if cmd.done != nil {
			cmd.done <- err
			continue
		}

		if err != nil {
			zlog.Logger.Err(err).
				Int64("job_id", cmd.jobID).
				Msg("failed to update job progress")
		}
	}
}

func (t *Tracker) apply(cmd command) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	switch cmd.op {
	case opStatus:
		return t.setStatus(ctx, cmd.jobID, cmd.status)
	case opIncrement:
		return t.increment(ctx, cmd.jobID)
	case opDelete:
		delete(t.statuses, cmd.jobID)
		return t.store.DeleteJob(ctx, cmd.jobID)
	default:
		return fmt.Errorf("unknown progress command %d", cmd.op)
	}
}

func (t *Tracker) setStatus(ctx context.Context, jobID int64, next model.JobStatus) error {
	current, err := t.current(ctx, jobID)
	if err != nil {
		return err
	}

	if !CanTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	if err := t.store.UpdateStatus(ctx, jobID, next); err != nil {
		return fmt.Errorf("set status %s: %w", next, err)
	}

	if next.Terminal() {
		delete(t.statuses, jobID)
	} else {
		t.statuses[jobID] = next
	}

	return nil
}

func (t *Tracker) increment(ctx context.Context, jobID int64) error {
	current, err := t.current(ctx, jobID)
	if err != nil {
		return err
	}

	if current != model.JobStatusStarted {
		return fmt.Errorf("%w: increment while %s", ErrInvalidTransition, current)
	}

	if err := t.store.IncrementPartial(ctx, jobID); err != nil {
		return fmt.Errorf("increment partial: %w", err)
	}

	return nil
}

// current returns the cached status, loading it from the store on a miss.
func (t *Tracker) current(ctx context.Context, jobID int64) (model.JobStatus, error) {
	if s, ok := t.statuses[jobID]; ok {
		return s, nil
	}

	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}

	if !job.Status.Terminal() {
		t.statuses[jobID] = job.Status
	}

	return job.Status, nil
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to model.JobStatus) bool {
	switch from {
	case model.JobStatusPrepared:
		return to == model.JobStatusStarted || to == model.JobStatusError
	case model.JobStatusStarted:
		return to == model.JobStatusDownload || to == model.JobStatusError
	default:
		return false
	}
}
