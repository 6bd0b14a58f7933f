package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

func TestStartRun_CreatesRunningRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r, err := s.StartRun(ctx, "scout")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if r.Status != RunRunning || r.AgentName != "scout" {
		t.Fatalf("r = %+v, want running/scout", r)
	}

	got, err := s.GetCurrentRunning(ctx, "scout")
	if err != nil {
		t.Fatalf("GetCurrentRunning: %v", err)
	}
	if got == nil || got.ID != r.ID {
		t.Fatalf("got = %v, want run %s", got, r.ID)
	}
}

func TestGetCurrentRunning_NoneReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetCurrentRunning(context.Background(), "scout")
	if err != nil {
		t.Fatalf("GetCurrentRunning: %v", err)
	}
	if got != nil {
		t.Fatalf("got = %v, want nil", got)
	}
}

func TestCompleteRun_TransitionsAndRecordsProcessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r, err := s.StartRun(ctx, "scout")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	processed := []uuid.UUID{uuid.New(), uuid.New()}
	ctxLen := 4096
	if err := s.CompleteRun(ctx, r.ID, processed, "done", &ctxLen); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := s.GetLastFinished(ctx, "scout")
	if err != nil {
		t.Fatalf("GetLastFinished: %v", err)
	}
	if got == nil || got.Status != RunCompleted || got.FinalResponse != "done" {
		t.Fatalf("got = %+v, want completed/done", got)
	}
	if len(got.ProcessedEnvelope) != 2 {
		t.Fatalf("ProcessedEnvelope = %v, want 2 entries", got.ProcessedEnvelope)
	}
	if got.ContextLength == nil || *got.ContextLength != 4096 {
		t.Fatalf("ContextLength = %v, want 4096", got.ContextLength)
	}

	// The running row must no longer be "current running".
	current, err := s.GetCurrentRunning(ctx, "scout")
	if err != nil {
		t.Fatalf("GetCurrentRunning: %v", err)
	}
	if current != nil {
		t.Fatalf("expected no current running run after completion")
	}
}

func TestFailRun_RecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r, err := s.StartRun(ctx, "scout")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.FailRun(ctx, r.ID, "provider unreachable"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	got, err := s.GetLastFinished(ctx, "scout")
	if err != nil {
		t.Fatalf("GetLastFinished: %v", err)
	}
	if got == nil || got.Status != RunFailed || got.Error != "provider unreachable" {
		t.Fatalf("got = %+v, want failed/provider unreachable", got)
	}
}

func TestCancelRun_RecordsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r, err := s.StartRun(ctx, "scout")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.CancelRun(ctx, r.ID, "boss requested abort"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	got, err := s.GetLastFinished(ctx, "scout")
	if err != nil {
		t.Fatalf("GetLastFinished: %v", err)
	}
	if got == nil || got.Status != RunCancelled || got.Error != "boss requested abort" {
		t.Fatalf("got = %+v, want cancelled/boss requested abort", got)
	}
}

func TestFinishRun_UnknownIDNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.FailRun(context.Background(), uuid.New(), "x")
	if !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestGetLastFinished_NoneReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetLastFinished(context.Background(), "scout")
	if err != nil {
		t.Fatalf("GetLastFinished: %v", err)
	}
	if got != nil {
		t.Fatalf("got = %v, want nil", got)
	}
}
