package store

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

func seedAgent(t *testing.T, s *Store, name string) {
	t.Helper()
	if err := s.CreateAgent(context.Background(), Agent{Name: name, Token: name + "-tok"}); err != nil {
		t.Fatalf("CreateAgent(%s): %v", name, err)
	}
}

func TestCreateBinding_AndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "scout")
	if err := s.CreateBinding(ctx, Binding{AgentName: "scout", AdapterType: "telegram", AdapterToken: "123"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	got, err := s.FindBinding(ctx, "telegram", "123")
	if err != nil {
		t.Fatalf("FindBinding: %v", err)
	}
	if got.AgentName != "scout" {
		t.Fatalf("AgentName = %q, want scout", got.AgentName)
	}
}

func TestCreateBinding_DuplicateRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "scout")
	seedAgent(t, s, "other")
	if err := s.CreateBinding(ctx, Binding{AgentName: "scout", AdapterType: "telegram", AdapterToken: "123"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	err := s.CreateBinding(ctx, Binding{AgentName: "other", AdapterType: "telegram", AdapterToken: "123"})
	if !hiberr.Is(err, hiberr.AlreadyExists) {
		t.Fatalf("err = %v, want AlreadyExists", err)
	}
}

func TestFindBinding_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindBinding(context.Background(), "telegram", "999")
	if !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestDeleteBinding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "scout")
	if err := s.CreateBinding(ctx, Binding{AgentName: "scout", AdapterType: "telegram", AdapterToken: "123"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if err := s.DeleteBinding(ctx, "telegram", "123"); err != nil {
		t.Fatalf("DeleteBinding: %v", err)
	}
	if _, err := s.FindBinding(ctx, "telegram", "123"); !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("binding still present after delete")
	}
}

func TestDeleteBinding_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.DeleteBinding(context.Background(), "telegram", "999")
	if !hiberr.Is(err, hiberr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestAgentHasBindingForAdapter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "scout")
	if err := s.CreateBinding(ctx, Binding{AgentName: "scout", AdapterType: "telegram", AdapterToken: "123"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	has, err := s.AgentHasBindingForAdapter(ctx, "scout", "telegram")
	if err != nil {
		t.Fatalf("AgentHasBindingForAdapter: %v", err)
	}
	if !has {
		t.Fatalf("expected scout to have a telegram binding")
	}

	has, err = s.AgentHasBindingForAdapter(ctx, "scout", "discord")
	if err != nil {
		t.Fatalf("AgentHasBindingForAdapter: %v", err)
	}
	if has {
		t.Fatalf("scout should not have a discord binding")
	}
}

func TestCountSpeakersAndLeaders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "speaker1")
	seedAgent(t, s, "speaker2")
	seedAgent(t, s, "leader1")
	if err := s.CreateBinding(ctx, Binding{AgentName: "speaker1", AdapterType: "telegram", AdapterToken: "1"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if err := s.CreateBinding(ctx, Binding{AgentName: "speaker2", AdapterType: "telegram", AdapterToken: "2"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	speakers, err := s.CountSpeakers(ctx)
	if err != nil {
		t.Fatalf("CountSpeakers: %v", err)
	}
	if speakers != 2 {
		t.Fatalf("speakers = %d, want 2", speakers)
	}

	leaders, err := s.CountLeaders(ctx)
	if err != nil {
		t.Fatalf("CountLeaders: %v", err)
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d, want 1", leaders)
	}
}
