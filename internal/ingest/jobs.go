package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jortega/docagent/pkg/types"
)

// Tracker manages processing jobs. It enforces the one-non-terminal-job-
// per-chat rule and records terminal outcomes so status queries keep
// working after a job finishes.
type Tracker struct {
	mu      sync.Mutex
	jobs    map[string]*types.ProcessingJob // keyed by chat ID
	cancels map[string]context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:    make(map[string]*types.ProcessingJob),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Accept registers a new pending job for the chat. It fails with
// ErrJobInProgress while a non-terminal job exists for the same chat.
func (t *Tracker) Accept(chatID, documentID string) (*types.ProcessingJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.jobs[chatID]; ok && !existing.State.Terminal() {
		return nil, fmt.Errorf("%w: chat %s has a %s job for document %s",
			types.ErrJobInProgress, chatID, existing.State, existing.DocumentID)
	}

	job := &types.ProcessingJob{
		ChatID:     chatID,
		DocumentID: documentID,
		State:      types.JobStatePending,
		StartedAt:  time.Now(),
	}
	t.jobs[chatID] = job
	return copyJob(job), nil
}

// Start moves a pending job to processing and registers its cancel
// function.
func (t *Tracker) Start(chatID string, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[chatID]
	if !ok {
		return fmt.Errorf("%w: no job for chat %s", types.ErrNotFound, chatID)
	}
	if job.State != types.JobStatePending {
		return fmt.Errorf("cannot start job for chat %s in state %s", chatID, job.State)
	}

	job.State = types.JobStateProcessing
	t.cancels[chatID] = cancel
	return nil
}

// Complete marks the chat's job as completed.
func (t *Tracker) Complete(chatID string) error {
	return t.finish(chatID, types.JobStateCompleted, "", "")
}

// Fail marks the chat's job as failed with a category and detail.
func (t *Tracker) Fail(chatID string, category types.FailureCategory, detail string) error {
	return t.finish(chatID, types.JobStateFailed, category, detail)
}

func (t *Tracker) finish(chatID string, state types.JobState, category types.FailureCategory, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[chatID]
	if !ok {
		return fmt.Errorf("%w: no job for chat %s", types.ErrNotFound, chatID)
	}
	if job.State.Terminal() {
		return fmt.Errorf("job for chat %s already finished as %s", chatID, job.State)
	}

	now := time.Now()
	job.State = state
	job.Category = category
	job.ErrorDetail = detail
	job.FinishedAt = &now
	delete(t.cancels, chatID)
	return nil
}

// Cancel aborts the chat's in-flight job, if any. The pipeline observes
// the cancelled context and records the terminal state itself.
func (t *Tracker) Cancel(chatID string) error {
	t.mu.Lock()
	cancel, ok := t.cancels[chatID]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no cancellable job for chat %s", types.ErrNotFound, chatID)
	}
	cancel()
	return nil
}

// Get returns a snapshot of the chat's most recent job.
func (t *Tracker) Get(chatID string) (*types.ProcessingJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: no job for chat %s", types.ErrNotFound, chatID)
	}
	return copyJob(job), nil
}

// Drop removes the chat's job record. Used when a chat is deleted.
func (t *Tracker) Drop(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cancel, ok := t.cancels[chatID]; ok {
		cancel()
		delete(t.cancels, chatID)
	}
	delete(t.jobs, chatID)
}

func copyJob(job *types.ProcessingJob) *types.ProcessingJob {
	cp := *job
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		cp.FinishedAt = &finished
	}
	return &cp
}
