package model

import "time"

// AuditEventType classifies audit events into broad categories. The string
// values are the persisted representation.
type AuditEventType string

const (
	EventToolInvoked AuditEventType = "tool_invoked" // MCP tool called
	EventAuth        AuditEventType = "auth"         // authentication/authorization
	EventTelegramOp  AuditEventType = "telegram_op"  // Telegram operation (send, delete, edit)
	EventSystem      AuditEventType = "system"       // server start/stop, config change
	EventError       AuditEventType = "error"
)

// ValidEventType reports whether t is one of the defined event types.
func ValidEventType(t AuditEventType) bool {
	switch t {
	case EventToolInvoked, EventAuth, EventTelegramOp, EventSystem, EventError:
		return true
	}
	return false
}

// AuditEvent is an immutable record of one decision or operation. Events are
// created only by the audit trail's logging entry points and are never
// mutated afterward; rows disappear only through an explicit retention purge.
type AuditEvent struct {
	ID           int64          `json:"id"`
	EventType    AuditEventType `json:"event_type"`
	EventSubtype string         `json:"event_subtype,omitempty"` // specific operation
	UserID       string         `json:"user_id,omitempty"`       // API key prefix or user identifier
	ToolName     string         `json:"tool_name,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ResultStatus string         `json:"result_status,omitempty"` // "success", "failure", "partial"
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditStatistics is a derived aggregate over a time window. It is computed
// on demand from the durable store and never persisted.
type AuditStatistics struct {
	TotalEvents     int            `json:"total_events"`
	ToolInvocations int            `json:"tool_invocations"`
	AuthEvents      int            `json:"auth_events"`
	TelegramOps     int            `json:"telegram_ops"`
	SystemEvents    int            `json:"system_events"`
	Errors          int            `json:"errors"`
	ToolCounts      map[string]int `json:"tool_counts"`
	UserCounts      map[string]int `json:"user_counts"`
	AvgDurationMs   float64        `json:"avg_duration_ms"`
}
