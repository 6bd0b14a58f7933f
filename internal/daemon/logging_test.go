package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLogLevel(c.in); got != c.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSetupLogging_CreatesFreshLogFile(t *testing.T) {
	root := t.TempDir()
	p := ResolvePaths(root)
	if err := EnsureHome(p); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}

	f, err := setupLogging(p, time.Now())
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer f.Close()

	if _, err := os.Stat(p.LogPath); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestSetupLogging_ArchivesExistingLog(t *testing.T) {
	root := t.TempDir()
	p := ResolvePaths(root)
	if err := EnsureHome(p); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}
	if err := os.WriteFile(p.LogPath, []byte("old log\n"), 0o644); err != nil {
		t.Fatalf("seed log file: %v", err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	f, err := setupLogging(p, now)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer f.Close()

	archived := filepath.Join(p.LogHistory, "daemon-20260601T120000Z.log")
	b, err := os.ReadFile(archived)
	if err != nil {
		t.Fatalf("archived log missing: %v", err)
	}
	if string(b) != "old log\n" {
		t.Fatalf("archived content = %q, want %q", b, "old log\n")
	}
}
