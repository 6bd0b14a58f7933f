// Package store implements the durable, process-private envelope store
// (spec §4.1) plus the agent, binding, cron-schedule, run, and config rows
// it owns. It is the only component permitted to mutate durable state;
// every other component consults it through this package's exported API.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeStatus is the lifecycle status of an envelope. It only ever
// transitions pending -> done (spec §3 invariant); done is terminal.
type EnvelopeStatus string

const (
	StatusPending EnvelopeStatus = "pending"
	StatusDone    EnvelopeStatus = "done"
)

// RunStatus is the lifecycle status of an agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Reserved metadata keys (spec §3). User-supplied metadata may not set
// these directly; they are populated by the core itself.
const (
	MetaCronScheduleID   = "cronScheduleId"
	MetaFromName         = "fromName"
	MetaSessionHandle    = "sessionHandle"
	MetaLastDeliveryErr  = "lastDeliveryError"
)

// Attachment is one piece of content carried by an envelope. Source is
// either an absolute local path, a URL, or the opaque token
// "telegram:file-id:<id>" (spec §3).
type Attachment struct {
	Source      string `json:"source"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Content is an envelope's payload.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Metadata is an envelope's opaque, open-ended key/value bag (spec §9).
type Metadata map[string]string

// Envelope is the durable unit of messaging (spec §3).
type Envelope struct {
	ID         uuid.UUID
	From       string // formatted Address
	To         string // formatted Address
	FromBoss   bool
	Content    Content
	ReplyTo    *uuid.UUID
	DeliverAt  *int64 // unix-ms UTC, nil = immediate
	Status     EnvelopeStatus
	CreatedAt  int64 // unix-ms UTC
	Metadata   Metadata
}

// ShortID renders the first 8 hex chars of the compact (hyphen-free) id,
// the display form used throughout the IPC surface (spec §9).
func ShortID(id uuid.UUID) string {
	s := idHex(id)
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

func idHex(id uuid.UUID) string {
	var buf [32]byte
	enc := []byte(id.String())
	j := 0
	for _, c := range enc {
		if c == '-' {
			continue
		}
		buf[j] = c
		j++
	}
	return string(buf[:j])
}

// Source classifies where an envelope originated, derived not stored
// (spec §3).
type Source string

const (
	SourceChannel Source = "channel"
	SourceCron    Source = "cron"
	SourceAgent   Source = "agent"
)

// ClassifySource derives an envelope's Source from its From address and
// metadata.
func (e Envelope) ClassifySource() Source {
	if len(e.From) >= 8 && e.From[:8] == "channel:" {
		return SourceChannel
	}
	if _, ok := e.Metadata[MetaCronScheduleID]; ok {
		return SourceCron
	}
	return SourceAgent
}

// SessionPolicy configures an agent's session refresh behavior (spec §3).
type SessionPolicy struct {
	DailyResetAt      string        `json:"daily_reset_at,omitempty"` // "HH:MM"
	IdleTimeout       time.Duration `json:"idle_timeout,omitempty"`
	MaxContextLength  int           `json:"max_context_length,omitempty"`
}

// ProviderConfig is an agent's optional provider settings (spec §3).
type ProviderConfig struct {
	Model          string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	AutoLevel      string `json:"auto_level,omitempty"`
}

// PermissionLevel is the ordered enum controlling IPC method access
// (spec §4.7, Glossary).
type PermissionLevel int

const (
	Restricted PermissionLevel = iota
	Standard
	Privileged
	Boss
)

func (l PermissionLevel) String() string {
	switch l {
	case Restricted:
		return "restricted"
	case Standard:
		return "standard"
	case Privileged:
		return "privileged"
	case Boss:
		return "boss"
	default:
		return "unknown"
	}
}

// ParsePermissionLevel parses the string form used in config/JSON.
func ParsePermissionLevel(s string) (PermissionLevel, bool) {
	switch s {
	case "restricted":
		return Restricted, true
	case "standard":
		return Standard, true
	case "privileged":
		return Privileged, true
	case "boss":
		return Boss, true
	default:
		return 0, false
	}
}

// Agent is a registered agent (spec §3).
type Agent struct {
	Name          string
	Token         string
	Description   string
	Workspace     string
	Provider      ProviderConfig
	Permission    PermissionLevel
	SessionPolicy SessionPolicy
	Metadata      Metadata // may hold sessionHandle
	CreatedAt     int64
}

// Binding associates an agent with an adapter credential (spec §3).
type Binding struct {
	AgentName   string
	AdapterType string
	AdapterToken string
	CreatedAt   int64
}

// CronSchedule is a recurring rule that materializes one pending envelope
// per occurrence (spec §3).
type CronSchedule struct {
	ID                uuid.UUID
	AgentName         string
	Cron              string
	Timezone          string // IANA; empty = inherit boss timezone
	Enabled           bool
	PendingEnvelopeID *uuid.UUID

	// Envelope template fields.
	To          string
	Text        string
	Attachments []Attachment
	Metadata    Metadata

	CreatedAt int64
}

// Run is an agent-run audit record (spec §3).
type Run struct {
	ID                uuid.UUID
	AgentName         string
	StartedAt         int64
	CompletedAt       *int64
	ProcessedEnvelope []uuid.UUID
	FinalResponse     string
	Status            RunStatus
	Error             string
	ContextLength     *int
}

// Config is the boss-facing key/value bag (spec §3).
type Config struct {
	BossName         string
	BossTimezone     string
	BossTokenHash    string
	AdapterBossID    map[string]string // adapter type -> boss id on that adapter
	MemorySettings   json.RawMessage
	PermissionPolicy PermissionPolicy
	SetupCompleted   bool
}

// PermissionPolicy is the versioned method->level map (spec §6).
type PermissionPolicy struct {
	Version    int               `json:"version"`
	Operations map[string]string `json:"operations"`
}

// RequiredLevel returns the permission level required for method, defaulting
// to Boss when unspecified (spec §6: "unspecified methods default to boss").
func (p PermissionPolicy) RequiredLevel(method string) PermissionLevel {
	if s, ok := p.Operations[method]; ok {
		if l, ok := ParsePermissionLevel(s); ok {
			return l
		}
	}
	return Boss
}
