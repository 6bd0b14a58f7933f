package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// CreateEnvelopeInput is the caller-supplied portion of a new envelope;
// id, status, and created_at are assigned by CreateEnvelope.
type CreateEnvelopeInput struct {
	From      string
	To        string
	FromBoss  bool
	Content   Content
	ReplyTo   *uuid.UUID
	DeliverAt *int64
	Metadata  Metadata
}

// CreateEnvelope assigns an id and created_at, persists the envelope as
// pending, and returns the stored snapshot (spec §4.1).
func (s *Store) CreateEnvelope(ctx context.Context, in CreateEnvelopeInput) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New(),
		From:      in.From,
		To:        in.To,
		FromBoss:  in.FromBoss,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		DeliverAt: in.DeliverAt,
		Status:    StatusPending,
		CreatedAt: nowMs(),
		Metadata:  in.Metadata,
	}
	if env.Metadata == nil {
		env.Metadata = Metadata{}
	}

	attachJSON, err := json.Marshal(env.Content.Attachments)
	if err != nil {
		return Envelope{}, hiberr.New(hiberr.Internal, "marshal attachments: %v", err)
	}
	metaJSON, err := json.Marshal(env.Metadata)
	if err != nil {
		return Envelope{}, hiberr.New(hiberr.Internal, "marshal metadata: %v", err)
	}

	var replyTo any
	if env.ReplyTo != nil {
		replyTo = env.ReplyTo.String()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, from_addr, to_addr, from_boss, text, attachments, reply_to, deliver_at, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID.String(), env.From, env.To, boolToInt(env.FromBoss), env.Content.Text, string(attachJSON),
		replyTo, env.DeliverAt, string(env.Status), env.CreatedAt, string(metaJSON),
	)
	if err != nil {
		return Envelope{}, hiberr.New(hiberr.Internal, "insert envelope: %v", err)
	}
	return env, nil
}

// MarkEnvelopeDone performs the idempotent terminal pending->done
// transition, recording lastDeliveryError in metadata when given (spec
// §4.1, §3).
func (s *Store) MarkEnvelopeDone(ctx context.Context, id uuid.UUID, deliveryErr string) error {
	return s.markEnvelopeDoneTx(ctx, s.db, id, deliveryErr)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) markEnvelopeDoneTx(ctx context.Context, ex execer, id uuid.UUID, deliveryErr string) error {
	env, err := s.getEnvelopeByFullIDTx(ctx, ex, id)
	if err != nil {
		if hiberr.Is(err, hiberr.NotFound) {
			// Idempotent: marking an already-absent envelope done is a no-op
			// from the caller's perspective would be surprising; surface NotFound.
			return err
		}
		return err
	}
	if env.Status == StatusDone {
		// Idempotent terminal transition: already done, nothing to do.
		return nil
	}
	if deliveryErr != "" {
		if env.Metadata == nil {
			env.Metadata = Metadata{}
		}
		env.Metadata[MetaLastDeliveryErr] = deliveryErr
	}
	metaJSON, err := json.Marshal(env.Metadata)
	if err != nil {
		return hiberr.New(hiberr.Internal, "marshal metadata: %v", err)
	}
	_, err = ex.ExecContext(ctx, `UPDATE envelopes SET status = ?, metadata = ? WHERE id = ?`,
		string(StatusDone), string(metaJSON), id.String())
	if err != nil {
		return hiberr.New(hiberr.Internal, "mark envelope done: %v", err)
	}
	return nil
}

// GetEnvelopeResult is the tri-state domain return of GetEnvelope: exactly
// one of Envelope or Candidates is meaningful, selected by Ambiguous.
type GetEnvelopeResult struct {
	Envelope   Envelope
	Ambiguous  bool
	Candidates []Envelope // populated when Ambiguous
}

// GetEnvelope resolves an id or unique prefix (spec §4.1). A prefix
// matching >=2 rows returns Ambiguous with the candidate list; the caller
// MUST NOT pick one arbitrarily.
func (s *Store) GetEnvelope(ctx context.Context, idOrPrefix string) (GetEnvelopeResult, error) {
	if full, err := uuid.Parse(idOrPrefix); err == nil {
		env, err := s.getEnvelopeByFullIDTx(ctx, s.db, full)
		if err != nil {
			return GetEnvelopeResult{}, err
		}
		return GetEnvelopeResult{Envelope: env}, nil
	}

	prefix := strings.ToLower(idOrPrefix)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM envelopes`)
	if err != nil {
		return GetEnvelopeResult{}, hiberr.New(hiberr.Internal, "scan envelope ids: %v", err)
	}
	var matches []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return GetEnvelopeResult{}, hiberr.New(hiberr.Internal, "scan envelope id: %v", err)
		}
		if strings.HasPrefix(strings.ToLower(compactHex(idStr)), prefix) {
			id, _ := uuid.Parse(idStr)
			matches = append(matches, id)
		}
	}
	rows.Close()

	switch len(matches) {
	case 0:
		return GetEnvelopeResult{}, hiberr.New(hiberr.NotFound, "no envelope matches %q", idOrPrefix)
	case 1:
		env, err := s.getEnvelopeByFullIDTx(ctx, s.db, matches[0])
		if err != nil {
			return GetEnvelopeResult{}, err
		}
		return GetEnvelopeResult{Envelope: env}, nil
	default:
		var cands []Envelope
		for _, id := range matches {
			env, err := s.getEnvelopeByFullIDTx(ctx, s.db, id)
			if err == nil {
				cands = append(cands, env)
			}
		}
		return GetEnvelopeResult{Ambiguous: true, Candidates: cands}, nil
	}
}

func compactHex(uuidStr string) string {
	return strings.ReplaceAll(uuidStr, "-", "")
}

func (s *Store) getEnvelopeByFullIDTx(ctx context.Context, ex execer, id uuid.UUID) (Envelope, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT id, from_addr, to_addr, from_boss, text, attachments, reply_to, deliver_at, status, created_at, metadata
		FROM envelopes WHERE id = ?`, id.String())
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Envelope{}, hiberr.New(hiberr.NotFound, "envelope %s not found", ShortID(id))
	}
	if err != nil {
		return Envelope{}, hiberr.New(hiberr.Internal, "get envelope: %v", err)
	}
	return env, nil
}

func scanEnvelope(row *sql.Row) (Envelope, error) {
	var env Envelope
	var idStr, fromBossInt string
	var replyTo sql.NullString
	var deliverAt sql.NullInt64
	var attachJSON, metaJSON string
	var status string

	err := row.Scan(&idStr, &env.From, &env.To, &fromBossInt, &env.Content.Text, &attachJSON,
		&replyTo, &deliverAt, &status, &env.CreatedAt, &metaJSON)
	if err != nil {
		return Envelope{}, err
	}
	env.ID, _ = uuid.Parse(idStr)
	env.FromBoss = fromBossInt == "1"
	env.Status = EnvelopeStatus(status)
	if replyTo.Valid {
		rt, _ := uuid.Parse(replyTo.String)
		env.ReplyTo = &rt
	}
	if deliverAt.Valid {
		v := deliverAt.Int64
		env.DeliverAt = &v
	}
	_ = json.Unmarshal([]byte(attachJSON), &env.Content.Attachments)
	env.Metadata = Metadata{}
	_ = json.Unmarshal([]byte(metaJSON), &env.Metadata)
	return env, nil
}

func scanEnvelopeRows(rows *sql.Rows) ([]Envelope, error) {
	var out []Envelope
	for rows.Next() {
		var env Envelope
		var idStr, fromBossInt string
		var replyTo sql.NullString
		var deliverAt sql.NullInt64
		var attachJSON, metaJSON string
		var status string

		err := rows.Scan(&idStr, &env.From, &env.To, &fromBossInt, &env.Content.Text, &attachJSON,
			&replyTo, &deliverAt, &status, &env.CreatedAt, &metaJSON)
		if err != nil {
			return nil, err
		}
		env.ID, _ = uuid.Parse(idStr)
		env.FromBoss = fromBossInt == "1"
		env.Status = EnvelopeStatus(status)
		if replyTo.Valid {
			rt, _ := uuid.Parse(replyTo.String)
			env.ReplyTo = &rt
		}
		if deliverAt.Valid {
			v := deliverAt.Int64
			env.DeliverAt = &v
		}
		_ = json.Unmarshal([]byte(attachJSON), &env.Content.Attachments)
		env.Metadata = Metadata{}
		_ = json.Unmarshal([]byte(metaJSON), &env.Metadata)
		out = append(out, env)
	}
	return out, rows.Err()
}

const envelopeColumns = `id, from_addr, to_addr, from_boss, text, attachments, reply_to, deliver_at, status, created_at, metadata`

// Box selects whether ListEnvelopes filters by inbox (to=address) or
// outbox (from=address) (spec §4.1).
type Box string

const (
	BoxInbox  Box = "inbox"
	BoxOutbox Box = "outbox"
)

// ListEnvelopesFilter configures ListEnvelopes.
type ListEnvelopesFilter struct {
	Address string
	Box     Box
	Status  *EnvelopeStatus
	Limit   int
}

// ListEnvelopes lists envelopes for address's inbox or outbox (spec §4.1).
func (s *Store) ListEnvelopes(ctx context.Context, f ListEnvelopesFilter) ([]Envelope, error) {
	col := "to_addr"
	if f.Box == BoxOutbox {
		col = "from_addr"
	}
	query := fmt.Sprintf(`SELECT %s FROM envelopes WHERE %s = ?`, envelopeColumns, col)
	args := []any{f.Address}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	query += ` ORDER BY COALESCE(deliver_at, created_at) ASC, created_at ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "list envelopes: %v", err)
	}
	defer rows.Close()
	return scanEnvelopeRows(rows)
}

// PendingForAgent selects due pending envelopes addressed to agent:name,
// ordered per the ordering contract (spec §4.1).
func (s *Store) PendingForAgent(ctx context.Context, name string, limit int) ([]Envelope, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM envelopes
		WHERE to_addr = ? AND status = ? AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY COALESCE(deliver_at, created_at) ASC, created_at ASC`, envelopeColumns)
	args := []any{"agent:" + name, string(StatusPending), nowMs()}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "pending for agent: %v", err)
	}
	defer rows.Close()
	return scanEnvelopeRows(rows)
}

// CountDuePendingForAgent counts due pending envelopes for an agent
// (spec §4.1).
func (s *Store) CountDuePendingForAgent(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM envelopes
		WHERE to_addr = ? AND status = ? AND (deliver_at IS NULL OR deliver_at <= ?)`,
		"agent:"+name, string(StatusPending), nowMs()).Scan(&n)
	if err != nil {
		return 0, hiberr.New(hiberr.Internal, "count due pending: %v", err)
	}
	return n, nil
}

// ListDueChannelEnvelopes selects due pending channel envelopes (spec §4.1).
func (s *Store) ListDueChannelEnvelopes(ctx context.Context, limit int) ([]Envelope, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM envelopes
		WHERE status = ? AND to_addr LIKE 'channel:%%' AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY COALESCE(deliver_at, created_at) ASC, created_at ASC`, envelopeColumns)
	args := []any{string(StatusPending), nowMs()}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "list due channel envelopes: %v", err)
	}
	defer rows.Close()
	return scanEnvelopeRows(rows)
}

// ListAgentsWithDueEnvelopes returns the distinct agent names with due
// pending envelopes (spec §4.1).
func (s *Store) ListAgentsWithDueEnvelopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT to_addr FROM envelopes
		WHERE status = ? AND to_addr LIKE 'agent:%' AND (deliver_at IS NULL OR deliver_at <= ?)`,
		string(StatusPending), nowMs())
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "list agents with due envelopes: %v", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, hiberr.New(hiberr.Internal, "scan agent address: %v", err)
		}
		names = append(names, strings.TrimPrefix(addr, "agent:"))
	}
	return names, rows.Err()
}

// NextScheduledEnvelope returns the pending envelope with the smallest
// deliver_at > now, for Scheduler wake-up timing (spec §4.1, §4.4).
func (s *Store) NextScheduledEnvelope(ctx context.Context) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM envelopes
		WHERE status = ? AND deliver_at IS NOT NULL AND deliver_at > ?
		ORDER BY deliver_at ASC LIMIT 1`, envelopeColumns),
		string(StatusPending), nowMs())
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "next scheduled envelope: %v", err)
	}
	return &env, nil
}

func boolToInt(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
