package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/storage"
)

type fakeOpener struct {
	mem      *docstore.Memory
	failures atomic.Int32
	opened   atomic.Int32
}

func (f *fakeOpener) Open(_ context.Context, d storage.StoreDescriptor) (docstore.Store, error) {
	f.opened.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, &apperr.ConnectionError{Target: d.URI, Err: errors.New("connection refused")}
	}
	return f.mem, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func target() storage.StoreDescriptor {
	return storage.StoreDescriptor{URI: "memory:", StoreID: "s1", ContainerID: "conversations", Name: "s1"}
}

func importJSON(ids ...string) []byte {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"_id":%q,"person":"Alice","stime":{"text":"Mon","timestamp":1},"messages":[{"role":"user","content":"hi %s"}]}`, id, id)
	}
	return []byte(out + "]")
}

func enqueueInline(t *testing.T, store *storage.Store, ids ...string) storage.Job {
	t.Helper()
	job, err := NewJob(target(), "", importJSON(ids...))
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func TestNewJob_Validation(t *testing.T) {
	if _, err := NewJob(storage.StoreDescriptor{}, "x.json", nil); !apperr.IsValidation(err) {
		t.Errorf("empty descriptor: got %v, want ValidationError", err)
	}
	if _, err := NewJob(target(), "", nil); !apperr.IsValidation(err) {
		t.Errorf("no input: got %v, want ValidationError", err)
	}
	if _, err := NewJob(target(), "", []byte("{nope")); !apperr.IsValidation(err) {
		t.Errorf("bad json: got %v, want ValidationError", err)
	}
}

func TestWorker_ImportsInlineConversations(t *testing.T) {
	store := openTestStore(t)
	job := enqueueInline(t, store, "c1", "c2")

	opener := &fakeOpener{mem: docstore.NewMemory()}
	w := NewWorker(store, opener, nil, 0)

	ctx := context.Background()
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	ids, err := opener.mem.ConversationIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("store holds %v, want c1 and c2", ids)
	}
	c, err := opener.mem.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Participant != "Alice" || c.FirstInteraction.Text != "Mon" {
		t.Errorf("legacy fields not mapped: %+v", c)
	}
	if c.Messages[0].ID == "" {
		t.Error("message id not assigned on import")
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	didWork, err = w.RunOnce(ctx)
	if err != nil || didWork {
		t.Errorf("empty queue: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_ImportsFile(t *testing.T) {
	store := openTestStore(t)
	path := filepath.Join(t.TempDir(), "batch.json")
	if err := os.WriteFile(path, importJSON("f1"), 0o644); err != nil {
		t.Fatal(err)
	}
	job, err := NewJob(target(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	opener := &fakeOpener{mem: docstore.NewMemory()}
	if _, err := NewWorker(store, opener, nil, 0).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := opener.mem.GetConversation(context.Background(), "f1"); err != nil {
		t.Errorf("GetConversation(f1): %v", err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	job := enqueueInline(t, store, "c1")

	opener := &fakeOpener{mem: docstore.NewMemory()}
	opener.failures.Store(1)
	w := NewWorker(store, opener, nil, 0)
	ctx := context.Background()

	// 1st attempt fails on connect
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce 1 returned false")
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.JobPending || got.Attempts != 1 || got.LastError == "" {
		t.Errorf("after 1st fail: %+v, want pending/1 with error", got)
	}

	// Backoff keeps it unclaimable until retried.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Fatal("job claimed during backoff")
	}
	if err := store.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	got, err = store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.JobCompleted {
		t.Errorf("after retry: status=%q, want completed", got.Status)
	}
}

func TestWorker_MalformedImportFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job, err := NewJob(target(), "", []byte(`[{"_id":"c1","messages":[{"role":"robot","content":"x"}]}]`))
	if err != nil {
		t.Fatal(err)
	}
	job.MaxAttempts = 1
	if err := store.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	opener := &fakeOpener{mem: docstore.NewMemory()}
	if _, err := NewWorker(store, opener, nil, 0).RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.JobFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if opener.opened.Load() != 0 {
		t.Error("store opened for an unparseable import")
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				job, err := NewJob(target(), "", importJSON(fmt.Sprintf("c-%d-%d", g, j)))
				if err != nil {
					t.Errorf("NewJob: %v", err)
					return
				}
				if err := store.EnqueueJob(context.Background(), job); err != nil {
					t.Errorf("EnqueueJob: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	opener := &fakeOpener{mem: docstore.NewMemory()}
	w := NewWorker(store, opener, nil, 0)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	ids, err := opener.mem.ConversationIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != total {
		t.Errorf("store holds %d conversations, want %d", len(ids), total)
	}
}
