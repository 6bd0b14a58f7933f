package main

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"

	"github.com/nextlevelbuilder/hiboss/internal/daemon"
	"github.com/nextlevelbuilder/hiboss/pkg/protocol"
)

func mustEnsureDaemonDir(t *testing.T, home string) {
	t.Helper()
	if err := daemon.EnsureHome(daemon.ResolvePaths(home)); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}
}

// fakeDaemon spins up a unix listener at the socket path ResolvePaths(home)
// computes and replies with a fixed response, simulating the IPC server
// side of callDaemon's wire contract.
func fakeDaemon(t *testing.T, home string, respond func(protocol.RequestFrame) protocol.ResponseFrame) {
	t.Helper()
	ln, err := net.Listen("unix", daemon.ResolvePaths(home).Socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if !scanner.Scan() {
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		resp := respond(req)
		line, _ := json.Marshal(resp)
		conn.Write(append(line, '\n'))
	}()
}

func TestCallDaemon_SuccessRoundTrip(t *testing.T) {
	home := t.TempDir()
	mustEnsureDaemonDir(t, home)
	fakeDaemon(t, home, func(req protocol.RequestFrame) protocol.ResponseFrame {
		if req.Method != "daemon.ping" {
			t.Errorf("Method = %q, want daemon.ping", req.Method)
		}
		return protocol.NewOKResponse(req.ID, map[string]bool{"pong": true})
	})

	raw, err := callDaemon(home, "tok", "daemon.ping", nil)
	if err != nil {
		t.Fatalf("callDaemon: %v", err)
	}
	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result["pong"] {
		t.Fatalf("result = %v, want pong=true", result)
	}
}

func TestCallDaemon_ErrorResponsePropagates(t *testing.T) {
	home := t.TempDir()
	mustEnsureDaemonDir(t, home)
	fakeDaemon(t, home, func(req protocol.RequestFrame) protocol.ResponseFrame {
		return protocol.NewErrorResponse(req.ID, "UNAUTHORIZED", "no token", nil)
	})

	_, err := callDaemon(home, "", "agent.list", nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestCallDaemon_NoDaemonRunning(t *testing.T) {
	home := t.TempDir()
	mustEnsureDaemonDir(t, home)
	_, err := callDaemon(home, "tok", "daemon.ping", nil)
	if err == nil {
		t.Fatalf("expected a connection error with no daemon listening")
	}
}
