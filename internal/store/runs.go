package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// StartRun creates a running audit row at run entry (spec §4.6).
func (s *Store) StartRun(ctx context.Context, agentName string) (Run, error) {
	r := Run{ID: uuid.New(), AgentName: agentName, StartedAt: nowMs(), Status: RunRunning}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_name, started_at, processed_envelopes, final_response, status, error)
		VALUES (?, ?, ?, '[]', '', ?, '')`,
		r.ID.String(), r.AgentName, r.StartedAt, string(RunRunning))
	if err != nil {
		return Run{}, hiberr.New(hiberr.Internal, "start run: %v", err)
	}
	return r, nil
}

// CompleteRun transitions a run to completed.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, processed []uuid.UUID, finalResponse string, contextLength *int) error {
	return s.finishRun(ctx, id, RunCompleted, processed, finalResponse, "", contextLength)
}

// FailRun transitions a run to failed.
func (s *Store) FailRun(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.finishRun(ctx, id, RunFailed, nil, "", errMsg, nil)
}

// CancelRun transitions a run to cancelled (spec §4.6, §5).
func (s *Store) CancelRun(ctx context.Context, id uuid.UUID, reason string) error {
	return s.finishRun(ctx, id, RunCancelled, nil, "", reason, nil)
}

func (s *Store) finishRun(ctx context.Context, id uuid.UUID, status RunStatus, processed []uuid.UUID, finalResponse, errMsg string, contextLength *int) error {
	ids := make([]string, len(processed))
	for i, pid := range processed {
		ids[i] = pid.String()
	}
	processedJSON, _ := json.Marshal(ids)
	completedAt := nowMs()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET completed_at = ?, processed_envelopes = ?, final_response = ?, status = ?, error = ?, context_length = ?
		WHERE id = ?`,
		completedAt, string(processedJSON), finalResponse, string(status), errMsg, contextLength, id.String())
	if err != nil {
		return hiberr.New(hiberr.Internal, "finish run: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hiberr.New(hiberr.NotFound, "run %s not found", id)
	}
	return nil
}

// GetCurrentRunning returns the in-flight run for an agent, if any (spec
// §4.6, used to enforce "at most one run in state running" per agent).
func (s *Store) GetCurrentRunning(ctx context.Context, agentName string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectQuery+` WHERE agent_name = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		agentName, string(RunRunning))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "get current running: %v", err)
	}
	return &r, nil
}

// GetLastFinished returns the most recently completed/failed/cancelled
// run for an agent.
func (s *Store) GetLastFinished(ctx context.Context, agentName string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectQuery+` WHERE agent_name = ? AND status != ? ORDER BY completed_at DESC LIMIT 1`,
		agentName, string(RunRunning))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, hiberr.New(hiberr.Internal, "get last finished: %v", err)
	}
	return &r, nil
}

const runSelectQuery = `
	SELECT id, agent_name, started_at, completed_at, processed_envelopes, final_response, status, error, context_length
	FROM runs`

func scanRun(row *sql.Row) (Run, error) {
	var r Run
	var idStr string
	var completedAt sql.NullInt64
	var processedJSON string
	var status string
	var contextLength sql.NullInt64

	err := row.Scan(&idStr, &r.AgentName, &r.StartedAt, &completedAt, &processedJSON, &r.FinalResponse, &status, &r.Error, &contextLength)
	if err != nil {
		return Run{}, err
	}
	r.ID, _ = uuid.Parse(idStr)
	r.Status = RunStatus(status)
	if completedAt.Valid {
		v := completedAt.Int64
		r.CompletedAt = &v
	}
	if contextLength.Valid {
		v := int(contextLength.Int64)
		r.ContextLength = &v
	}
	var ids []string
	_ = json.Unmarshal([]byte(processedJSON), &ids)
	for _, s := range ids {
		s = strings.TrimSpace(s)
		if id, err := uuid.Parse(s); err == nil {
			r.ProcessedEnvelope = append(r.ProcessedEnvelope, id)
		}
	}
	return r, nil
}
