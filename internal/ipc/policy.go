package ipc

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// policyCache holds the permission policy the dispatcher consults on every
// call, refreshed from the human-editable YAML file on disk whenever it
// changes (spec §4.7, §6) instead of hitting the Store per request. At
// start the file takes precedence when it exists and parses; otherwise the
// Store copy is used. Every reload from the file is written back into the
// Store.
type policyCache struct {
	current atomic.Pointer[store.PermissionPolicy]
	path    string
	store   *store.Store
}

func newPolicyCache(ctx context.Context, st *store.Store, path string) (*policyCache, error) {
	pc := &policyCache{path: path, store: st}

	cfg, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	policy := cfg.PermissionPolicy

	if path != "" {
		if loaded, err := loadPolicyFile(path); err == nil {
			policy = loaded
		} else if !os.IsNotExist(err) {
			slog.Warn("ipc: permission policy file unreadable, using store copy", "path", path, "error", err)
		}
	}
	pc.current.Store(&policy)
	return pc, nil
}

func loadPolicyFile(path string) (store.PermissionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.PermissionPolicy{}, err
	}
	var p store.PermissionPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return store.PermissionPolicy{}, err
	}
	if p.Operations == nil {
		p.Operations = map[string]string{}
	}
	return p, nil
}

func (pc *policyCache) get() store.PermissionPolicy {
	return *pc.current.Load()
}

// watch blocks, reloading the policy on every write/create event to path,
// persisting the reloaded copy back into the Store so both sources stay in
// sync, until ctx is cancelled.
func (pc *policyCache) watch(ctx context.Context) error {
	if pc.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(pc.path); err != nil {
		slog.Warn("ipc: cannot watch permission policy file", "path", pc.path, "error", err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			policy, err := loadPolicyFile(pc.path)
			if err != nil {
				slog.Warn("ipc: permission policy reload failed", "error", err)
				continue
			}
			pc.current.Store(&policy)
			cfg, err := pc.store.GetConfig(ctx)
			if err != nil {
				slog.Warn("ipc: permission policy reload: read config failed", "error", err)
				continue
			}
			cfg.PermissionPolicy = policy
			if err := pc.store.PutConfig(ctx, cfg); err != nil {
				slog.Warn("ipc: permission policy reload: persist failed", "error", err)
				continue
			}
			slog.Info("ipc: permission policy reloaded", "path", pc.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ipc: permission policy watcher error", "error", err)
		}
	}
}
