package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// setupLogging archives any existing daemon.log into log_history with a
// timestamp suffix, then installs a process-wide slog.Logger writing to a
// fresh daemon.log. Level is read from HIBOSS_LOG_LEVEL.
func setupLogging(p Paths, now time.Time) (*os.File, error) {
	if _, err := os.Stat(p.LogPath); err == nil {
		archived := filepath.Join(p.LogHistory, fmt.Sprintf("daemon-%s.log", now.UTC().Format("20060102T150405Z")))
		if err := os.Rename(p.LogPath, archived); err != nil {
			return nil, fmt.Errorf("daemon: archive previous log: %w", err)
		}
	}
	f, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: open log: %w", err)
	}
	level := parseLogLevel(os.Getenv("HIBOSS_LOG_LEVEL"))
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	return f, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
