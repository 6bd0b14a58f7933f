package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

func TestCreateAndGetCronSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sched, err := s.CreateCronSchedule(ctx, CronSchedule{AgentName: "scout", Cron: "0 9 * * *", Enabled: true, To: "agent:scout", Text: "daily report"})
	if err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}

	got, err := s.GetCronSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetCronSchedule: %v", err)
	}
	if got.AgentName != "scout" || got.Cron != "0 9 * * *" || !got.Enabled {
		t.Fatalf("got = %+v, want scout/0 9 * * */enabled", got)
	}
}

func TestGetCronSchedule_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetCronSchedule(context.Background(), uuid.New())
	if !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestListCronSchedules_FiltersByAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateCronSchedule(ctx, CronSchedule{AgentName: "scout", Cron: "0 9 * * *", Enabled: true, To: "agent:scout"}); err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}
	if _, err := s.CreateCronSchedule(ctx, CronSchedule{AgentName: "other", Cron: "0 10 * * *", Enabled: true, To: "agent:other"}); err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}

	got, err := s.ListCronSchedules(ctx, "scout")
	if err != nil {
		t.Fatalf("ListCronSchedules: %v", err)
	}
	if len(got) != 1 || got[0].AgentName != "scout" {
		t.Fatalf("got = %v, want one schedule for scout", got)
	}
}

func TestSetCronEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sched, err := s.CreateCronSchedule(ctx, CronSchedule{AgentName: "scout", Cron: "0 9 * * *", Enabled: true, To: "agent:scout"})
	if err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}
	if err := s.SetCronEnabled(ctx, sched.ID, false); err != nil {
		t.Fatalf("SetCronEnabled: %v", err)
	}
	got, err := s.GetCronSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetCronSchedule: %v", err)
	}
	if got.Enabled {
		t.Fatalf("Enabled = true, want false")
	}
}

func TestDeleteCronSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sched, err := s.CreateCronSchedule(ctx, CronSchedule{AgentName: "scout", Cron: "0 9 * * *", Enabled: true, To: "agent:scout"})
	if err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}
	if err := s.DeleteCronSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("DeleteCronSchedule: %v", err)
	}
	if _, err := s.GetCronSchedule(ctx, sched.ID); !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("schedule still present after delete")
	}
}

func TestDeleteCronSchedule_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.DeleteCronSchedule(context.Background(), uuid.New())
	if !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestAdvanceCronOnEnvelopeDone_MarksDoneAndClearsPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sched, err := s.CreateCronSchedule(ctx, CronSchedule{AgentName: "scout", Cron: "0 9 * * *", Enabled: true, To: "agent:scout"})
	if err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}
	env, err := s.CreateEnvelope(ctx, CreateEnvelopeInput{From: "agent:boss", To: "agent:scout", Content: Content{Text: "daily"}})
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	if err := s.SetPendingEnvelopeID(ctx, sched.ID, &env.ID); err != nil {
		t.Fatalf("SetPendingEnvelopeID: %v", err)
	}

	if err := s.AdvanceCronOnEnvelopeDone(ctx, sched.ID, env.ID, ""); err != nil {
		t.Fatalf("AdvanceCronOnEnvelopeDone: %v", err)
	}

	res, err := s.GetEnvelope(ctx, env.ID.String())
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if res.Envelope.Status != StatusDone {
		t.Fatalf("Status = %v, want done", res.Envelope.Status)
	}
	got, err := s.GetCronSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetCronSchedule: %v", err)
	}
	if got.PendingEnvelopeID != nil {
		t.Fatalf("PendingEnvelopeID = %v, want nil", got.PendingEnvelopeID)
	}
}
