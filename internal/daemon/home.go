package daemon

import (
	"os"
	"path/filepath"
)

// Home resolves the data directory root: HIBOSS_HOME if set, else
// ~/.hiboss (spec §6: "root dir configurable via environment variable;
// default under the user's home"), following govega's Home() shape.
func Home() string {
	if v := os.Getenv("HIBOSS_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hiboss")
}

// Paths bundles every location spec §6's data directory layout names,
// rooted at Root.
type Paths struct {
	Root       string
	DaemonDir  string
	DBPath     string
	Socket     string
	Lock       string
	Pid        string
	LogPath    string
	LogHistory string
	AgentsDir  string
	MediaDir   string
	BossFile   string
	PolicyFile string
}

// ResolvePaths computes the full layout for a data root. An empty root
// resolves to Home().
func ResolvePaths(root string) Paths {
	if root == "" {
		root = Home()
	}
	daemonDir := filepath.Join(root, ".daemon")
	return Paths{
		Root:       root,
		DaemonDir:  daemonDir,
		DBPath:     filepath.Join(daemonDir, "hiboss.db"),
		Socket:     filepath.Join(daemonDir, "daemon.sock"),
		Lock:       filepath.Join(daemonDir, "daemon.lock"),
		Pid:        filepath.Join(daemonDir, "daemon.pid"),
		LogPath:    filepath.Join(daemonDir, "daemon.log"),
		LogHistory: filepath.Join(daemonDir, "log_history"),
		AgentsDir:  filepath.Join(root, "agents"),
		MediaDir:   filepath.Join(root, "media"),
		BossFile:   filepath.Join(root, "BOSS.md"),
		PolicyFile: filepath.Join(daemonDir, "policy.yaml"),
	}
}

// EnsureHome creates every directory the layout needs.
func EnsureHome(p Paths) error {
	for _, dir := range []string{p.DaemonDir, p.AgentsDir, p.MediaDir, p.LogHistory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
