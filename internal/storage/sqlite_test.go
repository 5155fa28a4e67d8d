package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	// Advance one second per call so created_at ordering is deterministic.
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_stores_store_id", "idx_assignments_store", "idx_jobs_status_run_after"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-claim-1", Type: "import_conversations", PayloadJSON: `{"storeId":"s1"}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"import_conversations"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" || got.PayloadJSON != `{"storeId":"s1"}` {
		t.Errorf("claimed job = %+v", got)
	}
	if got.Status != JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, JobRunning)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}

	again, err := s.ClaimNextJob(ctx, []string{"import_conversations"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestEnqueueJob_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "dup", Type: "x", PayloadJSON: `{}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, job); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate enqueue: err = %v, want ErrConflict", err)
	}
}

func TestClaimNextJob_TypeFilterAndRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "other", Type: "other", PayloadJSON: `{}`}); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "later", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nothing due, got %+v", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-done", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(ctx, "j-done"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got, err := s.GetJob(ctx, "j-done")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobCompleted {
		t.Errorf("Status = %q, want %q", got.Status, JobCompleted)
	}

	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.FailJob(ctx, "j-fail", "first"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobPending || got.Attempts != 1 || got.LastError != "first" {
		t.Errorf("after first failure: %+v", got)
	}
	if !got.RunAfter.After(got.UpdatedAt) {
		t.Errorf("run_after %v should be after updated_at %v", got.RunAfter, got.UpdatedAt)
	}

	if err := s.FailJob(ctx, "j-fail", "second"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, err = s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobFailed || got.Attempts != 2 {
		t.Errorf("after max attempts: %+v", got)
	}
}

func TestRetryJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-r", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.FailJob(ctx, "j-r", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.RetryJob(ctx, "j-r"); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "j-r" {
		t.Fatalf("ClaimNextJob after retry = %+v, want j-r", got)
	}

	if err := s.RetryJob(ctx, "j-r"); !errors.Is(err, ErrConflict) {
		t.Errorf("RetryJob(running) = %v, want ErrConflict", err)
	}
	if err := s.RetryJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RetryJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, j := range []Job{
		{ID: "a", Type: "x", PayloadJSON: `{}`},
		{ID: "b", Type: "y", PayloadJSON: `{}`},
		{ID: "c", Type: "x", PayloadJSON: `{}`},
	} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListJobs(ctx, "x", 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("ListJobs(x) = %+v, want [c a]", got)
	}

	got, err = s.ListJobs(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("ListJobs(all, 1) = %+v, want [c]", got)
	}
}
