package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// CreateAgent persists a new agent row (spec §4.1, §3). AlreadyExists is
// returned when the name or token collides.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	a.CreatedAt = nowMs()
	if a.Metadata == nil {
		a.Metadata = Metadata{}
	}
	provJSON, _ := json.Marshal(a.Provider)
	policyJSON, _ := json.Marshal(a.SessionPolicy)
	metaJSON, _ := json.Marshal(a.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, token, description, workspace, provider, permission, session_policy, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Token, a.Description, a.Workspace, string(provJSON), int(a.Permission),
		string(policyJSON), string(metaJSON), a.CreatedAt)
	if isUniqueViolation(err) {
		return hiberr.New(hiberr.AlreadyExists, "agent %q or its token already exists", a.Name)
	}
	if err != nil {
		return hiberr.New(hiberr.Internal, "create agent: %v", err)
	}
	return nil
}

// UpdateAgent overwrites the mutable fields of an existing agent (spec
// §4.1's agent CRUD; agents are never renamed).
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	if a.Metadata == nil {
		a.Metadata = Metadata{}
	}
	provJSON, _ := json.Marshal(a.Provider)
	policyJSON, _ := json.Marshal(a.SessionPolicy)
	metaJSON, _ := json.Marshal(a.Metadata)

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET description = ?, workspace = ?, provider = ?, permission = ?, session_policy = ?, metadata = ?
		WHERE name = ?`,
		a.Description, a.Workspace, string(provJSON), int(a.Permission), string(policyJSON), string(metaJSON), a.Name)
	if err != nil {
		return hiberr.New(hiberr.Internal, "update agent: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hiberr.New(hiberr.NotFound, "agent %q not found", a.Name)
	}
	return nil
}

// GetAgent looks up an agent by exact name (spec §4.1).
func (s *Store) GetAgent(ctx context.Context, name string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, token, description, workspace, provider, permission, session_policy, metadata, created_at
		FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, hiberr.New(hiberr.NotFound, "agent %q not found", name)
	}
	if err != nil {
		return Agent{}, hiberr.New(hiberr.Internal, "get agent: %v", err)
	}
	return a, nil
}

// ListAgents returns every registered agent (spec §4.1).
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, token, description, workspace, provider, permission, session_policy, metadata, created_at
		FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "list agents: %v", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, hiberr.New(hiberr.Internal, "scan agent: %v", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgent removes the agent and its bindings and cron schedules, plus
// (caller-side) its home directory, while preserving historical envelopes
// and runs (spec §3).
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE agent_name = ?`, name); err != nil {
			return hiberr.New(hiberr.Internal, "delete bindings: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cron_schedules WHERE agent_name = ?`, name); err != nil {
			return hiberr.New(hiberr.Internal, "delete cron schedules: %v", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
		if err != nil {
			return hiberr.New(hiberr.Internal, "delete agent: %v", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return hiberr.New(hiberr.NotFound, "agent %q not found", name)
		}
		return nil
	})
}

// FindAgentByToken looks up an agent by its plaintext token, for IPC
// principal resolution (spec §4.1, §4.7).
func (s *Store) FindAgentByToken(ctx context.Context, token string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, token, description, workspace, provider, permission, session_policy, metadata, created_at
		FROM agents WHERE token = ?`, token)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, hiberr.New(hiberr.Unauthorized, "token not recognized")
	}
	if err != nil {
		return Agent{}, hiberr.New(hiberr.Internal, "find agent by token: %v", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row *sql.Row) (Agent, error) {
	return scanAgentGeneric(row)
}

func scanAgentRow(rows *sql.Rows) (Agent, error) {
	return scanAgentGeneric(rows)
}

func scanAgentGeneric(row rowScanner) (Agent, error) {
	var a Agent
	var provJSON, policyJSON, metaJSON string
	var permission int
	err := row.Scan(&a.Name, &a.Token, &a.Description, &a.Workspace, &provJSON, &permission, &policyJSON, &metaJSON, &a.CreatedAt)
	if err != nil {
		return Agent{}, err
	}
	a.Permission = PermissionLevel(permission)
	_ = json.Unmarshal([]byte(provJSON), &a.Provider)
	_ = json.Unmarshal([]byte(policyJSON), &a.SessionPolicy)
	a.Metadata = Metadata{}
	_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
	return a, nil
}
