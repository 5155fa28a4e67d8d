// Package ingest imports conversations into backing stores through the
// job queue, and watches a directory for import files.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/metrics"
	"github.com/kalambet/annotd/internal/storage"
)

// JobType is the queue type of conversation imports.
const JobType = "import_conversations"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// StoreOpener returns a connection to a backing store.
type StoreOpener interface {
	Open(ctx context.Context, d storage.StoreDescriptor) (docstore.Store, error)
}

// Payload is the body of an import job. Exactly one of Path and
// Conversations is set.
type Payload struct {
	Store         storage.StoreDescriptor `json:"store"`
	Path          string                  `json:"path,omitempty"`
	Conversations json.RawMessage         `json:"conversations,omitempty"`
}

// NewJob builds an import job for d. The job reads path when it is set,
// otherwise the inline data.
func NewJob(d storage.StoreDescriptor, path string, data []byte) (storage.Job, error) {
	if err := d.Validate(); err != nil {
		return storage.Job{}, err
	}
	if path == "" && len(bytes.TrimSpace(data)) == 0 {
		return storage.Job{}, apperr.Invalid("conversations", "a file path or inline conversations are required")
	}
	p := Payload{Store: d, Path: path}
	if path == "" {
		if !json.Valid(data) {
			return storage.Job{}, apperr.Invalid("conversations", "not valid JSON")
		}
		p.Conversations = json.RawMessage(data)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding import payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(body),
	}, nil
}

// Worker processes import jobs from the SQLite job queue.
type Worker struct {
	jobs    JobStore
	stores  StoreOpener
	metrics metrics.Collector
	poll    time.Duration
	logger  *slog.Logger
	newID   func() string
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(jobs JobStore, stores StoreOpener, m metrics.Collector, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		jobs:    jobs,
		stores:  stores,
		metrics: metrics.OrNop(m),
		poll:    pollInterval,
		logger:  slog.Default(),
		newID:   func() string { return uuid.New().String() },
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single import job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	n, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("import failed", "job_id", job.ID, "error", err)
		w.metrics.RecordImport(metrics.ResultFailure, 0)
		if failErr := w.jobs.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	w.metrics.RecordImport(metrics.ResultSuccess, n)
	if err := w.jobs.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (int, error) {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return 0, fmt.Errorf("parsing payload: %w", err)
	}

	var r io.Reader
	if p.Path != "" {
		f, err := os.Open(p.Path)
		if err != nil {
			return 0, fmt.Errorf("opening import file: %w", err)
		}
		defer f.Close()
		r = f
	} else {
		r = bytes.NewReader(p.Conversations)
	}

	convs, err := conversation.ParseImport(r, w.newID)
	if err != nil {
		return 0, err
	}

	s, err := w.stores.Open(ctx, p.Store)
	if err != nil {
		return 0, fmt.Errorf("opening store %s: %w", p.Store.StoreID, err)
	}
	n, err := s.InsertConversations(ctx, convs)
	if err != nil {
		return 0, fmt.Errorf("inserting conversations: %w", err)
	}

	w.logger.Info("conversations imported", "job_id", job.ID, "store_id", p.Store.StoreID,
		"container", p.Store.ContainerID, "parsed", len(convs), "written", n)
	return n, nil
}
