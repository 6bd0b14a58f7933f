package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// CreateCronSchedule persists a new cron schedule row (spec §3, §4.5). The
// pending_envelope_id is set separately once the materializer creates the
// first envelope, via SetPendingEnvelopeID.
func (s *Store) CreateCronSchedule(ctx context.Context, c CronSchedule) (CronSchedule, error) {
	c.ID = uuid.New()
	c.CreatedAt = nowMs()
	if c.Metadata == nil {
		c.Metadata = Metadata{}
	}
	attachJSON, _ := json.Marshal(c.Attachments)
	metaJSON, _ := json.Marshal(c.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, agent_name, cron, timezone, enabled, pending_envelope_id, to_addr, text, attachments, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.AgentName, c.Cron, c.Timezone, boolToInt(c.Enabled),
		c.To, c.Text, string(attachJSON), string(metaJSON), c.CreatedAt)
	if err != nil {
		return CronSchedule{}, hiberr.New(hiberr.Internal, "create cron schedule: %v", err)
	}
	return c, nil
}

// GetCronSchedule looks up a cron schedule by id.
func (s *Store) GetCronSchedule(ctx context.Context, id uuid.UUID) (CronSchedule, error) {
	row := s.db.QueryRowContext(ctx, cronSelectQuery+` WHERE id = ?`, id.String())
	c, err := scanCronSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CronSchedule{}, hiberr.New(hiberr.NotFound, "cron schedule %s not found", id)
	}
	if err != nil {
		return CronSchedule{}, hiberr.New(hiberr.Internal, "get cron schedule: %v", err)
	}
	return c, nil
}

// ListCronSchedules lists every cron schedule, optionally filtered by
// owning agent.
func (s *Store) ListCronSchedules(ctx context.Context, agentName string) ([]CronSchedule, error) {
	query := cronSelectQuery
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "list cron schedules: %v", err)
	}
	defer rows.Close()
	var out []CronSchedule
	for rows.Next() {
		c, err := scanCronScheduleRow(rows)
		if err != nil {
			return nil, hiberr.New(hiberr.Internal, "scan cron schedule: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCronEnabled enables or disables a cron schedule.
func (s *Store) SetCronEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_schedules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id.String())
	if err != nil {
		return hiberr.New(hiberr.Internal, "set cron enabled: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hiberr.New(hiberr.NotFound, "cron schedule %s not found", id)
	}
	return nil
}

// DeleteCronSchedule removes a cron schedule row. The caller is
// responsible for marking any pending materialized envelope done first
// (spec §4.5's disable/delete semantics), typically via
// SetPendingEnvelopeID + MarkEnvelopeDone inside one InTransaction call.
func (s *Store) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, id.String())
	if err != nil {
		return hiberr.New(hiberr.Internal, "delete cron schedule: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hiberr.New(hiberr.NotFound, "cron schedule %s not found", id)
	}
	return nil
}

// SetPendingEnvelopeID records (or clears, with nil) the schedule's
// currently-materialized-but-undelivered envelope (spec §4.1, §4.5).
func (s *Store) SetPendingEnvelopeID(ctx context.Context, id uuid.UUID, envelopeID *uuid.UUID) error {
	var v any
	if envelopeID != nil {
		v = envelopeID.String()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE cron_schedules SET pending_envelope_id = ? WHERE id = ?`, v, id.String())
	if err != nil {
		return hiberr.New(hiberr.Internal, "set pending envelope id: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hiberr.New(hiberr.NotFound, "cron schedule %s not found", id)
	}
	return nil
}

// AdvanceCronOnEnvelopeDone is called when an envelope carrying
// metadata.cronScheduleId transitions to done; it marks the envelope done
// and clears pending_envelope_id atomically in one transaction (spec
// §4.5: "MUST detect... and trigger advancement atomically in the same
// transaction that marks it done"). It does not itself materialize the
// next occurrence — that requires computing next_fire, which is the
// cronsched package's job; this only guarantees the bookkeeping half is
// atomic. The cronsched materializer calls this, then immediately issues
// the follow-up CreateEnvelope + SetPendingEnvelopeID for the next
// occurrence within the same logical advance() step.
func (s *Store) AdvanceCronOnEnvelopeDone(ctx context.Context, scheduleID, envelopeID uuid.UUID, deliveryErr string) error {
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.markEnvelopeDoneTx(ctx, tx, envelopeID, deliveryErr); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE cron_schedules SET pending_envelope_id = NULL WHERE id = ?`, scheduleID.String())
		if err != nil {
			return hiberr.New(hiberr.Internal, "clear pending envelope id: %v", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return hiberr.New(hiberr.NotFound, "cron schedule %s not found", scheduleID)
		}
		return nil
	})
}

const cronSelectQuery = `
	SELECT id, agent_name, cron, timezone, enabled, pending_envelope_id, to_addr, text, attachments, metadata, created_at
	FROM cron_schedules`

func scanCronSchedule(row *sql.Row) (CronSchedule, error) {
	return scanCronGeneric(row)
}

func scanCronScheduleRow(rows *sql.Rows) (CronSchedule, error) {
	return scanCronGeneric(rows)
}

func scanCronGeneric(row rowScanner) (CronSchedule, error) {
	var c CronSchedule
	var idStr string
	var enabledInt string
	var pendingID sql.NullString
	var attachJSON, metaJSON string

	err := row.Scan(&idStr, &c.AgentName, &c.Cron, &c.Timezone, &enabledInt, &pendingID,
		&c.To, &c.Text, &attachJSON, &metaJSON, &c.CreatedAt)
	if err != nil {
		return CronSchedule{}, err
	}
	c.ID, _ = uuid.Parse(idStr)
	c.Enabled = enabledInt == "1"
	if pendingID.Valid {
		pid, _ := uuid.Parse(pendingID.String)
		c.PendingEnvelopeID = &pid
	}
	_ = json.Unmarshal([]byte(attachJSON), &c.Attachments)
	c.Metadata = Metadata{}
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	return c, nil
}
