package store

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// CreateBinding associates an agent with an adapter credential, unique on
// (adapter_type, adapter_token) (spec §3).
func (s *Store) CreateBinding(ctx context.Context, b Binding) error {
	b.CreatedAt = nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings (agent_name, adapter_type, adapter_token, created_at) VALUES (?, ?, ?, ?)`,
		b.AgentName, b.AdapterType, b.AdapterToken, b.CreatedAt)
	if isUniqueViolation(err) {
		return hiberr.New(hiberr.AlreadyExists, "binding for adapter %q token already exists", b.AdapterType)
	}
	if err != nil {
		return hiberr.New(hiberr.Internal, "create binding: %v", err)
	}
	return nil
}

// DeleteBinding removes one binding.
func (s *Store) DeleteBinding(ctx context.Context, adapterType, adapterToken string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE adapter_type = ? AND adapter_token = ?`, adapterType, adapterToken)
	if err != nil {
		return hiberr.New(hiberr.Internal, "delete binding: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hiberr.New(hiberr.NotFound, "binding not found")
	}
	return nil
}

// ListBindingsForAgent returns an agent's bindings.
func (s *Store) ListBindingsForAgent(ctx context.Context, agentName string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, adapter_type, adapter_token, created_at FROM bindings WHERE agent_name = ?`, agentName)
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "list bindings: %v", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

// FindBinding looks up the binding for a given adapter type and token, used
// to resolve which agent may speak with a particular credential.
func (s *Store) FindBinding(ctx context.Context, adapterType, adapterToken string) (Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_name, adapter_type, adapter_token, created_at FROM bindings
		WHERE adapter_type = ? AND adapter_token = ?`, adapterType, adapterToken)
	var b Binding
	err := row.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return Binding{}, hiberr.New(hiberr.NotFound, "no binding for adapter %q", adapterType)
	}
	if err != nil {
		return Binding{}, hiberr.New(hiberr.Internal, "find binding: %v", err)
	}
	return b, nil
}

// AgentHasBindingForAdapter reports whether agentName holds any binding
// for adapterType (spec §4.2's "sending agent MUST hold a binding for that
// adapter type").
func (s *Store) AgentHasBindingForAdapter(ctx context.Context, agentName, adapterType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bindings WHERE agent_name = ? AND adapter_type = ?`, agentName, adapterType).Scan(&n)
	if err != nil {
		return false, hiberr.New(hiberr.Internal, "check binding: %v", err)
	}
	return n > 0, nil
}

// CountSpeakers and CountLeaders support the startup invariant that at
// least one speaker (>=1 binding) and one leader (0 bindings) must exist.
func (s *Store) CountSpeakers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT agent_name) FROM bindings`).Scan(&n)
	if err != nil {
		return 0, hiberr.New(hiberr.Internal, "count speakers: %v", err)
	}
	return n, nil
}

func (s *Store) CountLeaders(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents a
		WHERE NOT EXISTS (SELECT 1 FROM bindings b WHERE b.agent_name = a.name)`).Scan(&n)
	if err != nil {
		return 0, hiberr.New(hiberr.Internal, "count leaders: %v", err)
	}
	return n, nil
}

func scanBindings(rows *sql.Rows) ([]Binding, error) {
	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt); err != nil {
			return nil, hiberr.New(hiberr.Internal, "scan binding: %v", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
