package ipc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
	"github.com/nextlevelbuilder/hiboss/pkg/protocol"
)

type fakeExecutor struct{}

func (fakeExecutor) CheckAndRun(string)                   {}
func (fakeExecutor) RequestSessionRefresh(string, string) {}
func (fakeExecutor) AbortCurrentRun(string, string) bool  { return false }
func (fakeExecutor) IsBusy(string) bool                   { return false }

func utcFunc() *time.Location { return time.UTC }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rt := router.New(s, nil, nil)
	srv, err := New(context.Background(), s, rt, fakeExecutor{}, nil, utcFunc, Paths{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestDispatch_UnknownMethod(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.dispatch(context.Background(), protocol.RequestFrame{ID: "1", Method: "bogus.method"})
	if resp.Error == nil || resp.Error.Code != string(hiberr.InvalidInput) {
		t.Fatalf("resp.Error = %+v, want InvalidInput", resp.Error)
	}
}

func TestDispatch_RequiresTokenBeforeSetup(t *testing.T) {
	srv := newTestServer(t)
	// daemon.status is not a bootstrap method and requires a token even
	// before setup completes.
	resp := srv.dispatch(context.Background(), protocol.RequestFrame{ID: "1", Method: protocol.MethodDaemonStatus})
	if resp.Error == nil || resp.Error.Code != string(hiberr.Unauthorized) {
		t.Fatalf("resp.Error = %+v, want Unauthorized", resp.Error)
	}
}

func TestDispatch_BootstrapMethodsBypassAuthBeforeSetup(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.dispatch(context.Background(), protocol.RequestFrame{ID: "1", Method: protocol.MethodSetupCheck})
	if resp.Error != nil {
		t.Fatalf("resp.Error = %+v, want nil", resp.Error)
	}
	var result map[string]any
	b, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["setupCompleted"] != false {
		t.Fatalf("setupCompleted = %v, want false", result["setupCompleted"])
	}
}

func TestDispatch_SetupExecuteThenBootstrapMethodsRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	params, _ := json.Marshal(map[string]string{"bossName": "Alice", "bossToken": "secret-token"})
	resp := srv.dispatch(context.Background(), protocol.RequestFrame{ID: "1", Method: protocol.MethodSetupExecute, Params: params})
	if resp.Error != nil {
		t.Fatalf("setup.execute: %+v", resp.Error)
	}

	// Once setup is completed the bootstrap bypass no longer applies:
	// setup.execute (like setup.check and boss.verify) now goes through the
	// normal auth path, so a call without a token is rejected.
	resp2 := srv.dispatch(context.Background(), protocol.RequestFrame{ID: "2", Method: protocol.MethodSetupExecute, Params: params})
	if resp2.Error == nil || resp2.Error.Code != string(hiberr.Unauthorized) {
		t.Fatalf("resp2.Error = %+v, want Unauthorized (no token, setup already completed)", resp2.Error)
	}
}

func TestDispatch_PermissionLevelEnforced(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if err := srv.store.CreateAgent(ctx, store.Agent{Name: "scout", Token: "scout-token", Permission: store.Restricted}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	// agent.list defaults to requiring boss (policy unspecified -> Boss per
	// RequiredLevel), so a restricted-level agent token must be rejected.
	resp := srv.dispatch(ctx, protocol.RequestFrame{ID: "1", Method: protocol.MethodAgentList, Token: "scout-token"})
	if resp.Error == nil || resp.Error.Code != string(hiberr.Unauthorized) {
		t.Fatalf("resp.Error = %+v, want Unauthorized", resp.Error)
	}
}

func TestDispatch_BossTokenAuthorized(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if err := srv.store.SetBossToken(ctx, "boss-secret"); err != nil {
		t.Fatalf("SetBossToken: %v", err)
	}

	resp := srv.dispatch(ctx, protocol.RequestFrame{ID: "1", Method: protocol.MethodAgentList, Token: "boss-secret"})
	if resp.Error != nil {
		t.Fatalf("resp.Error = %+v, want nil", resp.Error)
	}
}

func TestDispatch_DaemonPing(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if err := srv.store.SetBossToken(ctx, "boss-secret"); err != nil {
		t.Fatalf("SetBossToken: %v", err)
	}
	resp := srv.dispatch(ctx, protocol.RequestFrame{ID: "1", Method: protocol.MethodDaemonPing, Token: "boss-secret"})
	if resp.Error != nil {
		t.Fatalf("resp.Error = %+v, want nil", resp.Error)
	}
}
