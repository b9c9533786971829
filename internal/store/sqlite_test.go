package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteExecutionRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	exec := newExecution("sq-1", "github")
	exec.Plan = &models.Plan{Steps: []string{"analyze", "generate"}, OutcomeType: "http_post"}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	got, err := s.GetExecution(ctx, "sq-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 2 {
		t.Errorf("GetExecution().Plan = %+v, want 2 steps", got.Plan)
	}

	got.Stage = models.StageCompleted
	got.Status = models.ExecutionFinished
	now := time.Now().UTC()
	got.CompletedAt = &now
	if err := s.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution() error = %v", err)
	}

	finished, err := s.ListExecutions(ctx, store.ExecutionFilter{Status: models.ExecutionFinished})
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(finished) != 1 {
		t.Errorf("ListExecutions(finished) returned %d, want 1", len(finished))
	}
	if finished[0].CompletedAt == nil {
		t.Error("CompletedAt not persisted")
	}
}

func TestSQLiteExecution_NotFound(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetExecution(ctx, "nope")
	if err == nil {
		t.Fatal("GetExecution() for missing id should return error, got nil")
	}
	if err := s.UpdateExecution(ctx, newExecution("nope", "github")); err == nil {
		t.Fatal("UpdateExecution() for missing id should return error, got nil")
	}
	if err := s.DeleteExecution(ctx, "nope"); err == nil {
		t.Fatal("DeleteExecution() for missing id should return error, got nil")
	}
}

func TestSQLiteApprovals(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rec := &models.ApprovalRecord{
		ID:          "appr-sq",
		ExecutionID: "sq-1",
		Status:      models.ApprovalWaiting,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.CreateApproval(ctx, rec); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}

	now := time.Now().UTC()
	rec.Status = models.ApprovalApproved
	rec.Approver = "ops@example.com"
	rec.ResolvedAt = &now
	if err := s.UpdateApproval(ctx, rec); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	got, err := s.GetApproval(ctx, "sq-1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if got.Status != models.ApprovalApproved {
		t.Errorf("GetApproval().Status = %q, want %q", got.Status, models.ApprovalApproved)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not persisted")
	}
}

func TestSQLiteResultCache(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	result := &models.OutcomeResult{OK: true, OutcomeType: "send_sms", IdempotencyKey: "sq-idem"}
	if err := s.PutCachedResult(ctx, "sq-idem", result, time.Hour); err != nil {
		t.Fatalf("PutCachedResult() error = %v", err)
	}

	got, err := s.GetCachedResult(ctx, "sq-idem")
	if err != nil {
		t.Fatalf("GetCachedResult() error = %v", err)
	}
	if got.OutcomeType != "send_sms" {
		t.Errorf("GetCachedResult().OutcomeType = %q, want %q", got.OutcomeType, "send_sms")
	}

	// Expired entries are treated as missing.
	s.PutCachedResult(ctx, "sq-exp", result, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	if _, err := s.GetCachedResult(ctx, "sq-exp"); err == nil {
		t.Error("GetCachedResult() past TTL should return error, got nil")
	}
}

func TestSQLiteTallies(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for i, won := range []bool{true, false, true} {
		s.AppendLearning(ctx, &models.LearningRecord{
			ExecutionID: string(rune('a' + i)),
			Platform:    "github",
			Won:         won,
			Stage:       models.StageCompleted,
			RecordedAt:  time.Now().UTC(),
		})
	}

	tallies, err := s.PlatformTallies(ctx)
	if err != nil {
		t.Fatalf("PlatformTallies() error = %v", err)
	}
	if len(tallies) != 1 {
		t.Fatalf("PlatformTallies() returned %d, want 1", len(tallies))
	}
	if tallies[0].Wins != 2 || tallies[0].Losses != 1 {
		t.Errorf("tally = %d/%d, want 2/1", tallies[0].Wins, tallies[0].Losses)
	}
}
