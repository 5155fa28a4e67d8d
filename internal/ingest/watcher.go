package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/annotd/internal/storage"
)

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Watcher enqueues an import job for every *.json file created or written
// in a directory. Events for one file are coalesced until it has been
// quiet for the settle interval.
type Watcher struct {
	dir    string
	jobs   Enqueuer
	target func() storage.StoreDescriptor
	settle time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches dir and imports into the store target returns at the
// time a file settles.
func NewWatcher(dir string, jobs Enqueuer, target func() storage.StoreDescriptor) *Watcher {
	return &Watcher{
		dir:     dir,
		jobs:    jobs,
		target:  target,
		settle:  500 * time.Millisecond,
		logger:  slog.Default(),
		pending: make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is cancelled or the watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching import directory", "dir", w.dir)

	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isImportFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("import watcher error", "error", err)
		}
	}
}

func isImportFile(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(filepath.Ext(base), ".json") && !strings.HasPrefix(base, ".")
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.enqueue(ctx, path)
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	d := w.target()
	job, err := NewJob(d, path, nil)
	if err != nil {
		w.logger.Warn("import file skipped", "path", path, "error", err)
		return
	}
	if err := w.jobs.EnqueueJob(ctx, job); err != nil {
		w.logger.Error("enqueueing import failed", "path", path, "error", err)
		return
	}
	w.logger.Info("import queued", "path", path, "job_id", job.ID, "store_id", d.StoreID)
}
