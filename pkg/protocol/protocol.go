// Package protocol defines the wire frames exchanged over the daemon's
// local IPC socket (spec §4.7): one JSON object per line, request in,
// response out.
package protocol

import "encoding/json"

// RequestFrame is one client request.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is one server response. Exactly one of Result/Error is set.
type ResponseFrame struct {
	ID     string         `json:"id"`
	Result any            `json:"result,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
}

// ErrorPayload mirrors hiberr.Error across the wire.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewOKResponse builds a successful response frame.
func NewOKResponse(id string, result any) ResponseFrame {
	return ResponseFrame{ID: id, Result: result}
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id string, code, message string, data any) ResponseFrame {
	return ResponseFrame{ID: id, Error: &ErrorPayload{Code: code, Message: message, Data: data}}
}

// Method name constants for the families spec §4.7 names.
const (
	MethodEnvelopeSend = "envelope.send"
	MethodEnvelopeList = "envelope.list"
	MethodEnvelopeGet  = "envelope.get"

	MethodCronCreate  = "cron.create"
	MethodCronList    = "cron.list"
	MethodCronEnable  = "cron.enable"
	MethodCronDisable = "cron.disable"
	MethodCronDelete  = "cron.delete"
	MethodCronExplain = "cron.explain"

	MethodAgentRegister          = "agent.register"
	MethodAgentSet               = "agent.set"
	MethodAgentList              = "agent.list"
	MethodAgentStatus            = "agent.status"
	MethodAgentDelete            = "agent.delete"
	MethodAgentBind              = "agent.bind"
	MethodAgentUnbind            = "agent.unbind"
	MethodAgentRefresh           = "agent.refresh"
	MethodAgentSelf              = "agent.self"
	MethodAgentSessionPolicySet  = "agent.session-policy.set"

	MethodDaemonStatus = "daemon.status"
	MethodDaemonPing   = "daemon.ping"
	MethodDaemonTime   = "daemon.time"

	MethodSetupCheck   = "setup.check"
	MethodSetupExecute = "setup.execute"

	MethodBossVerify = "boss.verify"

	MethodReactionSet = "reaction.set"
)
