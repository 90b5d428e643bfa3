package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wardenmcp/warden/internal/model"
)

// AuditFilter is a conjunctive filter for querying the audit_log table.
// Zero-valued fields are not applied.
type AuditFilter struct {
	EventType model.AuditEventType
	UserID    string
	ToolName  string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// auditRow maps 1:1 to the audit_log table. Parameters and metadata are
// stored as JSON text.
type auditRow struct {
	ID             int64     `db:"id"`
	EventType      string    `db:"event_type"`
	EventSubtype   string    `db:"event_subtype"`
	UserID         string    `db:"user_id"`
	ToolName       string    `db:"tool_name"`
	ParametersJSON string    `db:"parameters"`
	ResultStatus   string    `db:"result_status"`
	ErrorMessage   string    `db:"error_message"`
	DurationMs     int64     `db:"duration_ms"`
	Timestamp      time.Time `db:"timestamp"`
	MetadataJSON   string    `db:"metadata"`
}

func auditRowFromModel(ev *model.AuditEvent) (auditRow, error) {
	params, err := marshalJSONObject(ev.Parameters)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal parameters: %w", err)
	}
	meta, err := marshalJSONObject(ev.Metadata)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return auditRow{
		ID:             ev.ID,
		EventType:      string(ev.EventType),
		EventSubtype:   ev.EventSubtype,
		UserID:         ev.UserID,
		ToolName:       ev.ToolName,
		ParametersJSON: params,
		ResultStatus:   ev.ResultStatus,
		ErrorMessage:   ev.ErrorMessage,
		DurationMs:     ev.DurationMs,
		Timestamp:      ev.Timestamp,
		MetadataJSON:   meta,
	}, nil
}

func (r auditRow) toModel() (model.AuditEvent, error) {
	params, err := unmarshalJSONObject(r.ParametersJSON)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	meta, err := unmarshalJSONObject(r.MetadataJSON)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return model.AuditEvent{
		ID:           r.ID,
		EventType:    model.AuditEventType(r.EventType),
		EventSubtype: r.EventSubtype,
		UserID:       r.UserID,
		ToolName:     r.ToolName,
		Parameters:   params,
		ResultStatus: r.ResultStatus,
		ErrorMessage: r.ErrorMessage,
		DurationMs:   r.DurationMs,
		Timestamp:    r.Timestamp,
		Metadata:     meta,
	}, nil
}

func marshalJSONObject(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSONObject(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// InsertAuditEvent persists one audit event with its explicit id. Ids are
// assigned by the trail, not by the database, so inserts stay monotonic with
// the in-memory buffer.
func (s *Store) InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	row, err := auditRowFromModel(ev)
	if err != nil {
		return err
	}

	const q = `INSERT INTO audit_log
		(id, event_type, event_subtype, user_id, tool_name, parameters,
		 result_status, error_message, duration_ms, timestamp, metadata)
		VALUES
		(:id, :event_type, :event_subtype, :user_id, :tool_name, :parameters,
		 :result_status, :error_message, :duration_ms, :timestamp, :metadata)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// MaxAuditEventID returns the largest persisted event id, or 0 for an empty
// table. Used to seed the trail's id counter on startup.
func (s *Store) MaxAuditEventID(ctx context.Context) (int64, error) {
	var max int64
	if err := s.db.GetContext(ctx, &max, "SELECT COALESCE(MAX(id), 0) FROM audit_log"); err != nil {
		return 0, fmt.Errorf("max audit event id: %w", err)
	}
	return max, nil
}

// CountAuditEvents returns the total number of persisted audit events.
func (s *Store) CountAuditEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM audit_log"); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// QueryAuditEvents returns persisted events matching the filter, most recent
// first, bounded by the filter's limit (default 100).
func (s *Store) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.Start != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Start.UTC())
	}
	if f.End != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.End.UTC())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := "SELECT * FROM audit_log"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]model.AuditEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// AuditStatistics aggregates counts by type, tool, and user plus the average
// operation duration over the given window. Nil bounds mean unbounded.
func (s *Store) AuditStatistics(ctx context.Context, start, end *time.Time) (*model.AuditStatistics, error) {
	var (
		window string
		args   []any
	)
	if start != nil {
		window += " AND timestamp >= ?"
		args = append(args, start.UTC())
	}
	if end != nil {
		window += " AND timestamp <= ?"
		args = append(args, end.UTC())
	}

	stats := &model.AuditStatistics{
		ToolCounts: make(map[string]int),
		UserCounts: make(map[string]int),
	}

	// "key" is reserved in MySQL, so the group column is aliased grp.
	type countRow struct {
		Key   string `db:"grp"`
		Count int    `db:"cnt"`
	}

	// Counts per event type.
	var typeRows []countRow
	q := s.rebind("SELECT event_type AS grp, COUNT(*) AS cnt FROM audit_log WHERE 1=1" + window + " GROUP BY event_type")
	if err := s.db.SelectContext(ctx, &typeRows, q, args...); err != nil {
		return nil, fmt.Errorf("audit statistics by type: %w", err)
	}
	for _, r := range typeRows {
		stats.TotalEvents += r.Count
		switch model.AuditEventType(r.Key) {
		case model.EventToolInvoked:
			stats.ToolInvocations = r.Count
		case model.EventAuth:
			stats.AuthEvents = r.Count
		case model.EventTelegramOp:
			stats.TelegramOps = r.Count
		case model.EventSystem:
			stats.SystemEvents = r.Count
		case model.EventError:
			stats.Errors = r.Count
		}
	}

	// Counts per tool.
	var toolRows []countRow
	q = s.rebind("SELECT tool_name AS grp, COUNT(*) AS cnt FROM audit_log WHERE tool_name <> ''" + window + " GROUP BY tool_name")
	if err := s.db.SelectContext(ctx, &toolRows, q, args...); err != nil {
		return nil, fmt.Errorf("audit statistics by tool: %w", err)
	}
	for _, r := range toolRows {
		stats.ToolCounts[r.Key] = r.Count
	}

	// Counts per user.
	var userRows []countRow
	q = s.rebind("SELECT user_id AS grp, COUNT(*) AS cnt FROM audit_log WHERE user_id <> ''" + window + " GROUP BY user_id")
	if err := s.db.SelectContext(ctx, &userRows, q, args...); err != nil {
		return nil, fmt.Errorf("audit statistics by user: %w", err)
	}
	for _, r := range userRows {
		stats.UserCounts[r.Key] = r.Count
	}

	// Average duration over events that carry one.
	var avg *float64
	q = s.rebind("SELECT AVG(duration_ms) FROM audit_log WHERE duration_ms > 0" + window)
	if err := s.db.GetContext(ctx, &avg, q, args...); err != nil {
		return nil, fmt.Errorf("audit statistics avg duration: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMs = *avg
	}

	return stats, nil
}

// DeleteAuditEventsBefore removes persisted events with a timestamp strictly
// before the cutoff. Returns the number of deleted rows.
func (s *Store) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.rebind("DELETE FROM audit_log WHERE timestamp < ?")
	result, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return result.RowsAffected()
}
