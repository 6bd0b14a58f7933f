package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHome_UsesEnvWhenSet(t *testing.T) {
	t.Setenv("HIBOSS_HOME", "/tmp/custom-hiboss")
	if got := Home(); got != "/tmp/custom-hiboss" {
		t.Fatalf("Home() = %q, want %q", got, "/tmp/custom-hiboss")
	}
}

func TestHome_DefaultsUnderUserHome(t *testing.T) {
	t.Setenv("HIBOSS_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no user home dir available: %v", err)
	}
	want := filepath.Join(home, ".hiboss")
	if got := Home(); got != want {
		t.Fatalf("Home() = %q, want %q", got, want)
	}
}

func TestResolvePaths_EmptyRootUsesHome(t *testing.T) {
	t.Setenv("HIBOSS_HOME", "/tmp/custom-hiboss")
	p := ResolvePaths("")
	if p.Root != "/tmp/custom-hiboss" {
		t.Fatalf("Root = %q, want %q", p.Root, "/tmp/custom-hiboss")
	}
}

func TestResolvePaths_LayoutMatchesSpecLayout(t *testing.T) {
	p := ResolvePaths("/data/hiboss")
	want := Paths{
		Root:       "/data/hiboss",
		DaemonDir:  "/data/hiboss/.daemon",
		DBPath:     "/data/hiboss/.daemon/hiboss.db",
		Socket:     "/data/hiboss/.daemon/daemon.sock",
		Lock:       "/data/hiboss/.daemon/daemon.lock",
		Pid:        "/data/hiboss/.daemon/daemon.pid",
		LogPath:    "/data/hiboss/.daemon/daemon.log",
		LogHistory: "/data/hiboss/.daemon/log_history",
		AgentsDir:  "/data/hiboss/agents",
		MediaDir:   "/data/hiboss/media",
		BossFile:   "/data/hiboss/BOSS.md",
		PolicyFile: "/data/hiboss/.daemon/policy.yaml",
	}
	if p != want {
		t.Fatalf("ResolvePaths() = %+v, want %+v", p, want)
	}
}

func TestEnsureHome_CreatesEveryDirectory(t *testing.T) {
	root := t.TempDir()
	p := ResolvePaths(root)
	if err := EnsureHome(p); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}
	for _, dir := range []string{p.DaemonDir, p.AgentsDir, p.MediaDir, p.LogHistory} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%s): %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}
