package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
)

// DefaultBufferSize is the ring buffer capacity used when the configured
// size is zero or negative.
const DefaultBufferSize = 1000

// Trail records audit events to three sinks: an in-memory ring buffer for
// cheap recent-event reads, the durable store, and an optional NDJSON file.
// Event ids are assigned process-locally from a counter seeded off the store
// at Start, so ids stay monotonic across restarts.
//
// Persistence failures on the logging hot path are swallowed after a warning
// so a broken disk never blocks tool execution; the in-memory buffer still
// receives the event.
type Trail struct {
	store      *config.Store
	logger     *slog.Logger
	bufferSize int
	logPath    string

	mu     sync.Mutex
	buf    []model.AuditEvent
	next   int // next write position in buf
	filled bool
	nextID int64
	file   *os.File
}

// NewTrail builds a trail over the store. logPath optionally names an NDJSON
// file sink; empty disables it. Call Start before logging.
func NewTrail(store *config.Store, logger *slog.Logger, bufferSize int, logPath string) *Trail {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Trail{
		store:      store,
		logger:     logger,
		bufferSize: bufferSize,
		logPath:    logPath,
		buf:        make([]model.AuditEvent, bufferSize),
	}
}

// Start seeds the id counter from the store and opens the NDJSON sink.
func (t *Trail) Start(ctx context.Context) error {
	maxID, err := t.store.MaxAuditEventID(ctx)
	if err != nil {
		return fmt.Errorf("seed audit event id: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID = maxID + 1

	if t.logPath != "" {
		f, err := os.OpenFile(t.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open audit log file: %w", err)
		}
		t.file = f
	}
	return nil
}

// Stop closes the NDJSON sink. Buffered and persisted events are unaffected.
func (t *Trail) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// record assigns an id, buffers the event, and writes it to the file and
// store sinks. Sink failures are logged and swallowed.
func (t *Trail) record(ev model.AuditEvent) model.AuditEvent {
	ev.Timestamp = time.Now().UTC()

	t.mu.Lock()
	ev.ID = t.nextID
	t.nextID++

	t.buf[t.next] = ev
	t.next++
	if t.next == t.bufferSize {
		t.next = 0
		t.filled = true
	}

	if t.file != nil {
		if line, err := json.Marshal(ev); err == nil {
			if _, err := t.file.Write(append(line, '\n')); err != nil {
				t.logger.Warn("audit file write failed", "error", err)
			}
		}
	}
	t.mu.Unlock()

	if err := t.store.InsertAuditEvent(context.Background(), &ev); err != nil {
		t.logger.Warn("audit event not persisted", "id", ev.ID, "error", err)
	}
	return ev
}

// LogToolInvoked records that a tool call was admitted, before the tool
// body runs. A matching completion event follows once the tool finishes;
// an invocation with no completion means the process died mid-call.
func (t *Trail) LogToolInvoked(userID, tool string, params map[string]any) {
	t.record(model.AuditEvent{
		EventType:    model.EventToolInvoked,
		EventSubtype: "invoked",
		UserID:       userID,
		ToolName:     tool,
		Parameters:   params,
	})
}

// LogToolCompleted records the outcome of a tool call: its status, error
// message if any, and wall-clock duration.
func (t *Trail) LogToolCompleted(userID, tool, status, errMsg string, duration time.Duration) {
	t.record(model.AuditEvent{
		EventType:    model.EventToolInvoked,
		EventSubtype: "completed",
		UserID:       userID,
		ToolName:     tool,
		ResultStatus: status,
		ErrorMessage: errMsg,
		DurationMs:   duration.Milliseconds(),
	})
}

// LogAuthEvent records an authentication or authorization event such as a
// key validation failure or a permission denial.
func (t *Trail) LogAuthEvent(subtype, userID, detail string) {
	t.record(model.AuditEvent{
		EventType:    model.EventAuth,
		EventSubtype: subtype,
		UserID:       userID,
		Metadata:     map[string]any{"detail": detail},
	})
}

// LogTelegramOp records an operation forwarded to the Telegram client.
func (t *Trail) LogTelegramOp(userID, op string, params map[string]any, status string) {
	t.record(model.AuditEvent{
		EventType:    model.EventTelegramOp,
		EventSubtype: op,
		UserID:       userID,
		Parameters:   params,
		ResultStatus: status,
	})
}

// LogSystemEvent records a lifecycle event such as server start or stop.
func (t *Trail) LogSystemEvent(subtype string, metadata map[string]any) {
	t.record(model.AuditEvent{
		EventType:    model.EventSystem,
		EventSubtype: subtype,
		Metadata:     metadata,
	})
}

// LogError records an error event.
func (t *Trail) LogError(userID, tool, errMsg string) {
	t.record(model.AuditEvent{
		EventType:    model.EventError,
		UserID:       userID,
		ToolName:     tool,
		ErrorMessage: errMsg,
	})
}

// GetRecentEvents returns up to limit events, most recent first. When the
// buffer holds no more than limit entries it is served directly; otherwise
// the durable store answers. The buffer holds events from this process only,
// so the two sources can diverge: the buffer keeps events the store failed
// to persist or has since purged. Callers get whichever view applies; the
// divergence is deliberate and must not be papered over.
func (t *Trail) GetRecentEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	t.mu.Lock()
	count := t.next
	if t.filled {
		count = t.bufferSize
	}
	if count > limit {
		t.mu.Unlock()
		return t.store.QueryAuditEvents(ctx, config.AuditFilter{Limit: limit})
	}
	events := make([]model.AuditEvent, 0, count)
	for i := 0; i < count; i++ {
		pos := (t.next - 1 - i + t.bufferSize) % t.bufferSize
		events = append(events, t.buf[pos])
	}
	t.mu.Unlock()

	return events, nil
}

// QueryEvents returns persisted events matching the filter, most recent
// first.
func (t *Trail) QueryEvents(ctx context.Context, f config.AuditFilter) ([]model.AuditEvent, error) {
	return t.store.QueryAuditEvents(ctx, f)
}

// Statistics aggregates persisted events over the given window. Nil bounds
// mean unbounded.
func (t *Trail) Statistics(ctx context.Context, start, end *time.Time) (*model.AuditStatistics, error) {
	return t.store.AuditStatistics(ctx, start, end)
}

// PurgeOldEvents deletes persisted events older than the cutoff. The
// in-memory buffer is left alone; it ages out on its own as new events
// arrive.
func (t *Trail) PurgeOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := t.store.DeleteAuditEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("audit events purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// BufferedCount returns the number of events currently held in the ring
// buffer.
func (t *Trail) BufferedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filled {
		return t.bufferSize
	}
	return t.next
}
