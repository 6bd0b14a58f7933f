// Package daemon wires the Store, Router, Scheduler, Cron materializer,
// Executor, IPC server, and channel adapters into one running process
// (spec §6), following govega's serve.Server.Start(ctx) bootstrap shape:
// open the store, wire subsystems, start background work, block until ctx
// is cancelled, then tear down in reverse order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/hiboss/internal/channels"
	"github.com/nextlevelbuilder/hiboss/internal/channels/discord"
	"github.com/nextlevelbuilder/hiboss/internal/channels/telegram"
	"github.com/nextlevelbuilder/hiboss/internal/cronsched"
	"github.com/nextlevelbuilder/hiboss/internal/executor"
	"github.com/nextlevelbuilder/hiboss/internal/ipc"
	"github.com/nextlevelbuilder/hiboss/internal/providers"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/scheduler"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Config is the process-level configuration a `serve` invocation resolves
// from flags/environment before Run starts the daemon (spec §6).
type Config struct {
	Root          string
	TelegramToken string
	DiscordToken  string
	Provider      providers.Config
}

// wakerProxy defers to a *scheduler.Scheduler that doesn't exist yet at
// Router construction time: Router needs a router.WakeNotifier up front,
// but the Scheduler needs the already-built Router. sched is assigned once,
// before Serve/Run start accepting any work, so no lock is needed.
type wakerProxy struct {
	sched *scheduler.Scheduler
}

func (w *wakerProxy) NotifyEnvelopeCreated(deliverAt *int64) {
	if w.sched != nil {
		w.sched.NotifyEnvelopeCreated(deliverAt)
	}
}

// agentNotifier adapts *executor.Executor to router.AgentNotifier: the
// Router only knows it must signal "this agent has new work", the Executor
// is the one that knows what that means (spec §4.3).
type agentNotifier struct {
	ex *executor.Executor
}

func (n agentNotifier) NotifyAgent(agentName string) {
	n.ex.CheckAndRun(agentName)
}

// ipcExecutorAdapter satisfies ipc.Executor. Every method but
// RequestSessionRefresh passes straight through via the embedded
// *executor.Executor; RequestSessionRefresh exists only to bridge the
// IPC boundary's plain string reason to the Executor's typed
// executor.RefreshReason, since Go interface satisfaction requires exact
// method signatures, not merely assignable parameter types.
type ipcExecutorAdapter struct {
	*executor.Executor
}

func (a ipcExecutorAdapter) RequestSessionRefresh(agentName string, reason string) {
	a.Executor.RequestSessionRefresh(agentName, executor.RefreshReason(reason))
}

// Run opens the store, wires every core component, registers configured
// channel adapters, and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	paths := ResolvePaths(cfg.Root)
	if err := EnsureHome(paths); err != nil {
		return fmt.Errorf("daemon: prepare data directory: %w", err)
	}

	logFile, err := setupLogging(paths, time.Now())
	if err != nil {
		return err
	}
	defer logFile.Close()

	st, err := store.Open(ctx, paths.DBPath)
	if err != nil {
		return fmt.Errorf("daemon: open store: %w", err)
	}
	defer st.Close()

	daemonCfg, err := st.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("daemon: load config: %w", err)
	}
	bossTZ := bossTimezoneFunc(st)

	// A fresh install has no agents at all; the speaker/leader invariant
	// (spec §7) only applies once setup has produced at least the
	// starting roster — enforcing it before setup.execute has ever run
	// would make bootstrap impossible.
	if daemonCfg.SetupCompleted {
		if err := checkRoleInvariants(ctx, st); err != nil {
			return err
		}
	}

	provider := providers.NewOpenAIProvider(cfg.Provider)
	ex, err := executor.New(st, provider, bossTZ)
	if err != nil {
		return fmt.Errorf("daemon: build executor: %w", err)
	}

	waker := &wakerProxy{}
	cron := cronsched.New(st, bossTZ)
	rtr := router.New(st, agentNotifier{ex: ex}, waker)
	rtr.SetCron(cron)
	ex.SetCron(cron)
	ex.SetRouter(rtr)
	sched := scheduler.New(st, rtr, ex, cron)
	waker.sched = sched

	ipcPaths := ipc.Paths{
		Socket:     paths.Socket,
		Lock:       paths.Lock,
		Pid:        paths.Pid,
		PolicyFile: paths.PolicyFile,
	}
	ipcServer, err := ipc.New(ctx, st, rtr, ipcExecutorAdapter{ex}, cron, bossTZ, ipcPaths)
	if err != nil {
		return fmt.Errorf("daemon: build ipc server: %w", err)
	}

	active, err := registerChannels(rtr, cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return ipcServer.Serve(gctx) })

	for _, ch := range active {
		if err := ch.Start(gctx); err != nil {
			return fmt.Errorf("daemon: start %s adapter: %w", ch.Name(), err)
		}
	}

	if err := ex.RestartRecovery(gctx); err != nil {
		slog.Warn("daemon: restart recovery failed", "error", err)
	}
	if n, err := cron.MisfireSweep(gctx); err != nil {
		slog.Warn("daemon: misfire sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("daemon: misfire sweep advanced schedules", "count", n)
	}

	slog.Info("daemon started", "root", paths.Root, "socket", paths.Socket)
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ch := range active {
		if err := ch.Stop(stopCtx); err != nil {
			slog.Warn("daemon: stop adapter failed", "name", ch.Name(), "error", err)
		}
	}
	ex.CloseAll(stopCtx)

	return runErr
}

// namedChannel pairs a channels.Channel with the adapter type name it was
// registered under, since the interface itself has no Name() method.
type namedChannel struct {
	channels.Channel
	name string
}

func (n namedChannel) Name() string { return n.name }

func registerChannels(rtr *router.Router, cfg Config) ([]namedChannel, error) {
	var active []namedChannel

	if cfg.TelegramToken != "" {
		tg, err := telegram.New(cfg.TelegramToken, rtr)
		if err != nil {
			return nil, fmt.Errorf("daemon: build telegram adapter: %w", err)
		}
		rtr.RegisterAdapter("telegram", tg)
		active = append(active, namedChannel{Channel: tg, name: "telegram"})
	}

	if cfg.DiscordToken != "" {
		dc, err := discord.New(cfg.DiscordToken, rtr)
		if err != nil {
			return nil, fmt.Errorf("daemon: build discord adapter: %w", err)
		}
		rtr.RegisterAdapter("discord", dc)
		active = append(active, namedChannel{Channel: dc, name: "discord"})
	}

	return active, nil
}

func bossTimezoneFunc(st *store.Store) func() *time.Location {
	return func() *time.Location {
		cfg, err := st.GetConfig(context.Background())
		if err != nil || cfg.BossTimezone == "" {
			return time.UTC
		}
		loc, err := time.LoadLocation(cfg.BossTimezone)
		if err != nil {
			return time.UTC
		}
		return loc
	}
}

func checkRoleInvariants(ctx context.Context, st *store.Store) error {
	speakers, err := st.CountSpeakers(ctx)
	if err != nil {
		return fmt.Errorf("daemon: count speakers: %w", err)
	}
	if speakers < 1 {
		return fmt.Errorf("daemon: refuse to start: at least one speaker agent (bound to an adapter) is required")
	}
	leaders, err := st.CountLeaders(ctx)
	if err != nil {
		return fmt.Errorf("daemon: count leaders: %w", err)
	}
	if leaders < 1 {
		return fmt.Errorf("daemon: refuse to start: at least one leader agent (no bindings) is required")
	}
	return nil
}
