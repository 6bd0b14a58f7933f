package ipc

import (
	"context"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Principal is the resolved identity of an IPC caller (spec §4.7): either
// the boss (verified against the hashed boss token) or a registered agent
// (verified against its plaintext token).
type Principal struct {
	Name    string
	IsBoss  bool
	AgentOf store.Agent // zero value when IsBoss
	Level   store.PermissionLevel
}

// resolvePrincipal checks token against the boss token hash first, then
// against registered agent tokens (spec §4.7). An empty token is never
// valid.
func resolvePrincipal(ctx context.Context, st *store.Store, token string) (Principal, error) {
	if token == "" {
		return Principal{}, hiberr.New(hiberr.Unauthorized, "missing token")
	}

	isBoss, err := st.VerifyBoss(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if isBoss {
		return Principal{Name: "boss", IsBoss: true, Level: store.Boss}, nil
	}

	agent, err := st.FindAgentByToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Name: agent.Name, AgentOf: agent, Level: agent.Permission}, nil
}
