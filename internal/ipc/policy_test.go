package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

func TestLoadPolicyFile_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yamlBody := "operations:\n  envelope.send: standard\n  agent.delete: boss\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := loadPolicyFile(path)
	if err != nil {
		t.Fatalf("loadPolicyFile: %v", err)
	}
	if p.Operations["envelope.send"] != "standard" {
		t.Fatalf("Operations[envelope.send] = %q, want standard", p.Operations["envelope.send"])
	}
}

func TestLoadPolicyFile_MissingFile(t *testing.T) {
	_, err := loadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v, want os.IsNotExist", err)
	}
}

func TestNewPolicyCache_NoPathFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	cfg.PermissionPolicy = store.PermissionPolicy{Operations: map[string]string{"envelope.send": "privileged"}}
	if err := s.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}

	pc, err := newPolicyCache(ctx, s, "")
	if err != nil {
		t.Fatalf("newPolicyCache: %v", err)
	}
	got := pc.get()
	if got.Operations["envelope.send"] != "privileged" {
		t.Fatalf("Operations[envelope.send] = %q, want privileged", got.Operations["envelope.send"])
	}
}

func TestNewPolicyCache_FilePresentOverridesStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("operations:\n  envelope.send: restricted\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pc, err := newPolicyCache(ctx, s, path)
	if err != nil {
		t.Fatalf("newPolicyCache: %v", err)
	}
	got := pc.get()
	if got.Operations["envelope.send"] != "restricted" {
		t.Fatalf("Operations[envelope.send] = %q, want restricted (file overrides store)", got.Operations["envelope.send"])
	}
}

func TestWatch_ReloadsOnFileWriteAndPersistsToStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("operations:\n  envelope.send: standard\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pc, err := newPolicyCache(ctx, s, path)
	if err != nil {
		t.Fatalf("newPolicyCache: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pc.watch(watchCtx) }()

	// Give the watcher time to register before the write it must observe.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("operations:\n  envelope.send: boss\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pc.get().Operations["envelope.send"] == "boss" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := pc.get().Operations["envelope.send"]; got != "boss" {
		t.Fatalf("Operations[envelope.send] = %q, want boss after reload", got)
	}

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if cfg.PermissionPolicy.Operations["envelope.send"] != "boss" {
		t.Fatalf("reloaded policy was not persisted back to the store")
	}

	cancel()
	<-done
}
