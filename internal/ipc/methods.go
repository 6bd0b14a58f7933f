package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/cronsched"
	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
	"github.com/nextlevelbuilder/hiboss/pkg/protocol"
)

// registerMethods wires every method family spec §4.7 names to its
// handler, grounded on the teacher's NewXMethods(...).Register(router)
// shape, generalized from gateway.MethodRouter to this package's
// map[string]Handler dispatch table.
func (s *Server) registerMethods() {
	s.register(protocol.MethodEnvelopeSend, s.handleEnvelopeSend)
	s.register(protocol.MethodEnvelopeList, s.handleEnvelopeList)
	s.register(protocol.MethodEnvelopeGet, s.handleEnvelopeGet)

	s.register(protocol.MethodCronCreate, s.handleCronCreate)
	s.register(protocol.MethodCronList, s.handleCronList)
	s.register(protocol.MethodCronEnable, s.handleCronEnable)
	s.register(protocol.MethodCronDisable, s.handleCronDisable)
	s.register(protocol.MethodCronDelete, s.handleCronDelete)
	s.register(protocol.MethodCronExplain, s.handleCronExplain)

	s.register(protocol.MethodAgentRegister, s.handleAgentRegister)
	s.register(protocol.MethodAgentSet, s.handleAgentSet)
	s.register(protocol.MethodAgentList, s.handleAgentList)
	s.register(protocol.MethodAgentStatus, s.handleAgentStatus)
	s.register(protocol.MethodAgentDelete, s.handleAgentDelete)
	s.register(protocol.MethodAgentBind, s.handleAgentBind)
	s.register(protocol.MethodAgentUnbind, s.handleAgentUnbind)
	s.register(protocol.MethodAgentRefresh, s.handleAgentRefresh)
	s.register(protocol.MethodAgentSelf, s.handleAgentSelf)
	s.register(protocol.MethodAgentSessionPolicySet, s.handleAgentSessionPolicySet)

	s.register(protocol.MethodDaemonStatus, s.handleDaemonStatus)
	s.register(protocol.MethodDaemonPing, s.handleDaemonPing)
	s.register(protocol.MethodDaemonTime, s.handleDaemonTime)

	s.register(protocol.MethodSetupCheck, s.handleSetupCheck)
	s.register(protocol.MethodSetupExecute, s.handleSetupExecute)

	s.register(protocol.MethodBossVerify, s.handleBossVerify)

	s.register(protocol.MethodReactionSet, s.handleReactionSet)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return hiberr.New(hiberr.InvalidInput, "malformed params: %v", err)
	}
	return nil
}

// --- envelope.* ---

type envelopeSendParams struct {
	From      string            `json:"from,omitempty"` // defaults to the caller's own address
	To        string            `json:"to"`
	Text      string            `json:"text"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	DeliverAt string            `json:"deliverAt,omitempty"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleEnvelopeSend(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params envelopeSendParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	from := params.From
	if from == "" {
		if p.IsBoss {
			return nil, hiberr.New(hiberr.InvalidInput, "from is required when sending as boss")
		}
		from = "agent:" + p.Name
	}

	var deliverAt *int64
	if params.DeliverAt != "" {
		t, err := address.ParseDeliverAt(params.DeliverAt, time.Now().UTC(), s.bossTZ())
		if err != nil {
			return nil, err
		}
		ms := address.FormatUTCMs(t)
		deliverAt = &ms
	}

	var replyTo *uuid.UUID
	if params.ReplyTo != "" {
		id, err := uuid.Parse(params.ReplyTo)
		if err != nil {
			return nil, hiberr.New(hiberr.InvalidInput, "malformed replyTo id")
		}
		replyTo = &id
	}

	env, err := s.router.RouteEnvelope(ctx, router.RouteInput{
		From:            from,
		To:              params.To,
		FromBoss:        p.IsBoss,
		Content:         store.Content{Text: params.Text, Attachments: params.Attachments},
		ReplyTo:         replyTo,
		DeliverAt:       deliverAt,
		Metadata:        params.Metadata,
		PrincipalIsBoss: p.IsBoss,
	})
	if err != nil {
		return nil, err
	}
	return envelopeView(env), nil
}

type envelopeListParams struct {
	Address string `json:"address"`
	Box     string `json:"box"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleEnvelopeList(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params envelopeListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		params.Address = "agent:" + p.Name
	}
	filter := store.ListEnvelopesFilter{Address: params.Address, Box: store.Box(params.Box), Limit: params.Limit}
	if params.Status != "" {
		st := store.EnvelopeStatus(params.Status)
		filter.Status = &st
	}
	envs, err := s.store.ListEnvelopes(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(envs))
	for i, e := range envs {
		out[i] = envelopeView(e)
	}
	return map[string]any{"envelopes": out}, nil
}

type envelopeGetParams struct {
	ID string `json:"id"`
}

func (s *Server) handleEnvelopeGet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params envelopeGetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	res, err := s.store.GetEnvelope(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if res.Ambiguous {
		cands := make([]any, len(res.Candidates))
		for i, c := range res.Candidates {
			cands[i] = envelopeView(c)
		}
		return nil, hiberr.WithData(hiberr.Ambiguous, cands, "id prefix %q matches multiple envelopes", params.ID)
	}
	return envelopeView(res.Envelope), nil
}

func envelopeView(e store.Envelope) map[string]any {
	v := map[string]any{
		"id":        e.ID.String(),
		"shortId":   store.ShortID(e.ID),
		"from":      e.From,
		"to":        e.To,
		"fromBoss":  e.FromBoss,
		"text":      e.Content.Text,
		"status":    string(e.Status),
		"createdAt": e.CreatedAt,
		"source":    string(e.ClassifySource()),
	}
	if len(e.Content.Attachments) > 0 {
		v["attachments"] = e.Content.Attachments
	}
	if e.ReplyTo != nil {
		v["replyTo"] = e.ReplyTo.String()
	}
	if e.DeliverAt != nil {
		v["deliverAt"] = *e.DeliverAt
	}
	if len(e.Metadata) > 0 {
		v["metadata"] = e.Metadata
	}
	return v
}

// --- cron.* ---

type cronCreateParams struct {
	AgentName   string            `json:"agentName"`
	Cron        string            `json:"cron"`
	Timezone    string            `json:"timezone,omitempty"`
	To          string            `json:"to"`
	Text        string            `json:"text"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCronCreate(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params cronCreateParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	sched, err := s.store.CreateCronSchedule(ctx, store.CronSchedule{
		AgentName:   params.AgentName,
		Cron:        params.Cron,
		Timezone:    params.Timezone,
		Enabled:     true,
		To:          params.To,
		Text:        params.Text,
		Attachments: params.Attachments,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	env, err := s.cron.Create(ctx, sched)
	if err != nil {
		_ = s.store.DeleteCronSchedule(ctx, sched.ID)
		return nil, err
	}
	sched.PendingEnvelopeID = &env.ID
	return cronView(sched), nil
}

type cronAgentFilterParams struct {
	AgentName string `json:"agentName,omitempty"`
}

func (s *Server) handleCronList(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params cronAgentFilterParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	scheds, err := s.store.ListCronSchedules(ctx, params.AgentName)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(scheds))
	for i, c := range scheds {
		out[i] = cronView(c)
	}
	return map[string]any{"schedules": out}, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (s *Server) loadCronSchedule(ctx context.Context, idStr string) (store.CronSchedule, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return store.CronSchedule{}, hiberr.New(hiberr.InvalidInput, "malformed cron schedule id")
	}
	return s.store.GetCronSchedule(ctx, id)
}

func (s *Server) handleCronEnable(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params cronIDParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	sched, err := s.loadCronSchedule(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if sched.Enabled {
		return map[string]any{"ok": true}, nil
	}
	if err := s.store.SetCronEnabled(ctx, sched.ID, true); err != nil {
		return nil, err
	}
	sched.Enabled = true
	if _, err := s.cron.Create(ctx, sched); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleCronDisable(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params cronIDParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	sched, err := s.loadCronSchedule(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if err := s.cron.Disable(ctx, sched); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleCronDelete(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params cronIDParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	sched, err := s.loadCronSchedule(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if err := s.cron.Delete(ctx, sched); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type cronExplainParams struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
	Count    int    `json:"count,omitempty"`
}

func (s *Server) handleCronExplain(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params cronExplainParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Count <= 0 {
		params.Count = 5
	}
	fires, err := cronsched.Explain(params.Cron, params.Timezone, params.Count, s.bossTZ(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	out := make([]any, len(fires))
	for i, f := range fires {
		out[i] = map[string]any{"index": f.Index, "at": f.At.Format(time.RFC3339)}
	}
	return map[string]any{"fires": out}, nil
}

func cronView(c store.CronSchedule) map[string]any {
	v := map[string]any{
		"id":        c.ID.String(),
		"agentName": c.AgentName,
		"cron":      c.Cron,
		"timezone":  c.Timezone,
		"enabled":   c.Enabled,
		"to":        c.To,
		"text":      c.Text,
		"createdAt": c.CreatedAt,
	}
	if c.PendingEnvelopeID != nil {
		v["pendingEnvelopeId"] = c.PendingEnvelopeID.String()
	}
	return v
}

// --- agent.* ---

type agentRegisterParams struct {
	Name          string               `json:"name"`
	Token         string               `json:"token"`
	Description   string               `json:"description,omitempty"`
	Workspace     string               `json:"workspace,omitempty"`
	Provider      store.ProviderConfig `json:"provider,omitempty"`
	Permission    string               `json:"permission,omitempty"`
	SessionPolicy store.SessionPolicy  `json:"sessionPolicy,omitempty"`
}

func (s *Server) handleAgentRegister(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentRegisterParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if !address.ValidAgentName(params.Name) {
		return nil, hiberr.New(hiberr.InvalidInput, "invalid agent name %q", params.Name)
	}
	level := store.Standard
	if params.Permission != "" {
		lvl, ok := store.ParsePermissionLevel(params.Permission)
		if !ok {
			return nil, hiberr.New(hiberr.InvalidInput, "invalid permission level %q", params.Permission)
		}
		level = lvl
	}
	agent := store.Agent{
		Name:          params.Name,
		Token:         params.Token,
		Description:   params.Description,
		Workspace:     params.Workspace,
		Provider:      params.Provider,
		Permission:    level,
		SessionPolicy: params.SessionPolicy,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agentView(agent), nil
}

type agentSetParams struct {
	Name          string               `json:"name"`
	Description   *string              `json:"description,omitempty"`
	Workspace     *string              `json:"workspace,omitempty"`
	Provider      *store.ProviderConfig `json:"provider,omitempty"`
	Permission    *string              `json:"permission,omitempty"`
}

func (s *Server) handleAgentSet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentSetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	if params.Description != nil {
		agent.Description = *params.Description
	}
	if params.Workspace != nil {
		agent.Workspace = *params.Workspace
	}
	if params.Provider != nil {
		agent.Provider = *params.Provider
	}
	if params.Permission != nil {
		lvl, ok := store.ParsePermissionLevel(*params.Permission)
		if !ok {
			return nil, hiberr.New(hiberr.InvalidInput, "invalid permission level %q", *params.Permission)
		}
		agent.Permission = lvl
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agentView(agent), nil
}

func (s *Server) handleAgentList(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(agents))
	for i, a := range agents {
		out[i] = agentView(a)
	}
	return map[string]any{"agents": out}, nil
}

type agentNameParams struct {
	Name string `json:"name"`
}

func (s *Server) handleAgentStatus(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentNameParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	due, err := s.store.CountDuePendingForAgent(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	running, err := s.store.GetCurrentRunning(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	view := agentView(agent)
	view["duePending"] = due
	view["busy"] = s.executor.IsBusy(params.Name)
	if running != nil {
		view["currentRun"] = map[string]any{"id": running.ID.String(), "startedAt": running.StartedAt}
	}
	return view, nil
}

func (s *Server) handleAgentDelete(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentNameParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAgent(ctx, params.Name); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type agentBindParams struct {
	AgentName    string `json:"agentName"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
}

func (s *Server) handleAgentBind(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentBindParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.store.CreateBinding(ctx, store.Binding{
		AgentName: params.AgentName, AdapterType: params.AdapterType, AdapterToken: params.AdapterToken,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type agentUnbindParams struct {
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
}

func (s *Server) handleAgentUnbind(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentUnbindParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.store.DeleteBinding(ctx, params.AdapterType, params.AdapterToken); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type agentRefreshParams struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleAgentRefresh(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentRefreshParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	reason := params.Reason
	if reason == "" {
		reason = "command:/new"
	}
	s.executor.RequestSessionRefresh(params.Name, reason)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleAgentSelf(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	if p.IsBoss {
		return nil, hiberr.New(hiberr.InvalidInput, "agent.self has no meaning for the boss principal")
	}
	return agentView(p.AgentOf), nil
}

type agentSessionPolicyParams struct {
	Name             string `json:"name"`
	DailyResetAt     string `json:"dailyResetAt,omitempty"`
	IdleTimeoutSec   int    `json:"idleTimeoutSeconds,omitempty"`
	MaxContextLength int    `json:"maxContextLength,omitempty"`
}

func (s *Server) handleAgentSessionPolicySet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params agentSessionPolicyParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	agent.SessionPolicy = store.SessionPolicy{
		DailyResetAt:     params.DailyResetAt,
		IdleTimeout:      time.Duration(params.IdleTimeoutSec) * time.Second,
		MaxContextLength: params.MaxContextLength,
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agentView(agent), nil
}

func agentView(a store.Agent) map[string]any {
	return map[string]any{
		"name":          a.Name,
		"description":   a.Description,
		"workspace":     a.Workspace,
		"provider":      a.Provider,
		"permission":    a.Permission.String(),
		"sessionPolicy": a.SessionPolicy,
		"createdAt":     a.CreatedAt,
	}
}

// --- daemon.* ---

func (s *Server) handleDaemonStatus(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"agentCount":    len(agents),
		"bossTime":      time.Now().In(s.bossTZ()).Format(time.RFC3339),
	}, nil
}

func (s *Server) handleDaemonPing(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	return map[string]any{"pong": true}, nil
}

func (s *Server) handleDaemonTime(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	now := time.Now()
	return map[string]any{
		"utc":      now.UTC().Format(time.RFC3339),
		"bossTime": now.In(s.bossTZ()).Format(time.RFC3339),
	}, nil
}

// --- setup.* ---

func (s *Server) handleSetupCheck(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"setupCompleted": cfg.SetupCompleted}, nil
}

type setupExecuteParams struct {
	BossName     string `json:"bossName"`
	BossTimezone string `json:"bossTimezone"`
	BossToken    string `json:"bossToken"`
}

func (s *Server) handleSetupExecute(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.SetupCompleted {
		return nil, hiberr.New(hiberr.InvalidInput, "setup already completed")
	}
	var params setupExecuteParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.BossName == "" || params.BossToken == "" {
		return nil, hiberr.New(hiberr.InvalidInput, "bossName and bossToken are required")
	}
	if params.BossTimezone != "" {
		if _, err := time.LoadLocation(params.BossTimezone); err != nil {
			return nil, hiberr.New(hiberr.InvalidInput, "invalid timezone %q: %v", params.BossTimezone, err)
		}
	}
	cfg.BossName = params.BossName
	cfg.BossTimezone = params.BossTimezone
	cfg.SetupCompleted = true
	if err := s.store.PutConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.store.SetBossToken(ctx, params.BossToken); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// --- boss.* ---

type bossVerifyParams struct {
	Token string `json:"token"`
}

func (s *Server) handleBossVerify(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params bossVerifyParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	ok, err := s.store.VerifyBoss(ctx, params.Token)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": ok}, nil
}

// --- reaction.* ---

type reactionSetParams struct {
	AdapterType string `json:"adapterType"`
	ChatID      string `json:"chatId"`
	MessageID   string `json:"messageId"`
	Emoji       string `json:"emoji"`
}

func (s *Server) handleReactionSet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var params reactionSetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.router.React(ctx, params.AdapterType, params.ChatID, params.MessageID, params.Emoji); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
