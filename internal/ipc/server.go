// Package ipc implements the daemon's local request/response surface over
// a unix-domain socket (spec §4.7): one JSON object per line in, one per
// line out, principal resolution, permission-policy enforcement, and
// method dispatch.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/cronsched"
	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
	"github.com/nextlevelbuilder/hiboss/pkg/protocol"

	"log/slog"
)

// maxLineBytes bounds one request/response frame; well past anything a
// legitimate envelope.send or agent.register call needs.
const maxLineBytes = 8 << 20

// Executor is the subset of internal/executor.Executor the IPC surface
// drives directly (agent.refresh, reaction/abort-style commands).
type Executor interface {
	CheckAndRun(agentName string)
	RequestSessionRefresh(agentName string, reason string)
	AbortCurrentRun(agentName string, reason string) bool
	IsBusy(agentName string) bool
}

// Handler processes one request's params for an already-authorized
// principal and returns the response payload or a classified error.
type Handler func(ctx context.Context, p Principal, params json.RawMessage) (any, error)

// Paths bundles the on-disk locations the IPC server owns (spec §6).
type Paths struct {
	Socket     string
	Lock       string
	Pid        string
	PolicyFile string // optional: human-editable permission-policy YAML
}

// Server is the daemon's IPC listener.
type Server struct {
	store    *store.Store
	router   *router.Router
	executor Executor
	cron     *cronsched.Materializer
	bossTZ   func() *time.Location
	paths    Paths
	policy   *policyCache

	mu        sync.RWMutex
	methods   map[string]Handler
	startedAt time.Time

	listener net.Listener
	lockFile *os.File
}

// New builds a Server and registers the method families spec §4.7 names.
func New(ctx context.Context, st *store.Store, rt *router.Router, ex Executor, cron *cronsched.Materializer, bossTZ func() *time.Location, paths Paths) (*Server, error) {
	pc, err := newPolicyCache(ctx, st, paths.PolicyFile)
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:    st,
		router:   rt,
		executor: ex,
		cron:     cron,
		bossTZ:   bossTZ,
		paths:    paths,
		policy:   pc,
		methods:  map[string]Handler{},
	}
	s.registerMethods()
	return s, nil
}

func (s *Server) register(method string, h Handler) {
	s.methods[method] = h
}

// acquireLock takes the advisory daemon lock via an exclusive-create file,
// refusing to start if another daemon instance already holds it (spec §6:
// "refuse to start a second instance against the same data directory").
// No flock-style library appears anywhere in the example corpus; O_EXCL
// against a regular file is the idiomatic stdlib-only single-instance
// guard and needs no additional dependency.
func (s *Server) acquireLock() error {
	f, err := os.OpenFile(s.paths.Lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return hiberr.New(hiberr.Busy, "daemon lock %s already held (another instance running?)", s.paths.Lock)
		}
		return fmt.Errorf("ipc: acquire lock: %w", err)
	}
	s.lockFile = f
	if err := os.WriteFile(s.paths.Pid, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("ipc: write pid file: %w", err)
	}
	return nil
}

func (s *Server) releaseLock() {
	if s.lockFile != nil {
		s.lockFile.Close()
	}
	os.Remove(s.paths.Lock)
	os.Remove(s.paths.Pid)
}

// Serve acquires the daemon lock, listens on the unix socket, and accepts
// connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	os.Remove(s.paths.Socket) // stale socket from an unclean shutdown
	ln, err := net.Listen("unix", s.paths.Socket)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.paths.Socket, err)
	}
	s.listener = ln
	defer ln.Close()
	defer os.Remove(s.paths.Socket)

	s.startedAt = time.Now()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		if err := s.policy.watch(ctx); err != nil {
			slog.Warn("ipc: policy watcher exited", "error", err)
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("ipc: accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(protocol.NewErrorResponse("", string(hiberr.InvalidInput), "malformed request frame", nil))
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// bootstrapMethods may run before a boss token exists: setup.check reports
// whether setup has run, setup.execute performs it exactly once, and
// boss.verify is how a caller discovers whether a candidate token is the
// boss token in the first place (spec §4.7, §6).
var bootstrapMethods = map[string]bool{
	protocol.MethodSetupCheck:   true,
	protocol.MethodSetupExecute: true,
	protocol.MethodBossVerify:   true,
}

func (s *Server) dispatch(ctx context.Context, req protocol.RequestFrame) protocol.ResponseFrame {
	handler, ok := s.methods[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, string(hiberr.InvalidInput), "unknown method "+req.Method, nil)
	}

	if bootstrapMethods[req.Method] {
		cfg, err := s.store.GetConfig(ctx)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		if !cfg.SetupCompleted {
			result, err := handler(ctx, Principal{Name: "setup", Level: store.Boss}, req.Params)
			if err != nil {
				return errorResponse(req.ID, err)
			}
			return protocol.NewOKResponse(req.ID, result)
		}
	}

	principal, err := resolvePrincipal(ctx, s.store, req.Token)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	required := s.policy.get().RequiredLevel(req.Method)
	if principal.Level < required {
		return protocol.NewErrorResponse(req.ID, string(hiberr.Unauthorized),
			fmt.Sprintf("method %q requires %s, principal has %s", req.Method, required, principal.Level), nil)
	}

	result, err := handler(ctx, principal, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewOKResponse(req.ID, result)
}

func errorResponse(id string, err error) protocol.ResponseFrame {
	e := hiberr.Wrap(err)
	return protocol.NewErrorResponse(id, string(e.Code), e.Message, e.Data)
}
