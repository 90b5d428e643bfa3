package telegram

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

var (
	ErrBridgeUnavailable = errors.New("telegram client unreachable")
	ErrBridgeRejected    = errors.New("telegram client rejected operation")
)

// Message is a Telegram message as reported by the client.
type Message struct {
	ID       int64  `json:"id"`
	ChatID   int64  `json:"chat_id"`
	SenderID int64  `json:"sender_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Date     int64  `json:"date,omitempty"`
	Pinned   bool   `json:"pinned,omitempty"`
}

// Chat is a Telegram dialog entry.
type Chat struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"` // "private", "group", "channel"
	UnreadCount int    `json:"unread_count,omitempty"`
}

// ExportResult describes a completed chat export.
type ExportResult struct {
	ChatID   int64  `json:"chat_id"`
	Format   string `json:"format"`
	Path     string `json:"path"`
	Messages int    `json:"messages"`
}

// ClientStatus reports the desktop client's connection state.
type ClientStatus struct {
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Bridge is the operation surface Warden needs from the Telegram desktop
// client.
type Bridge interface {
	SendMessage(ctx context.Context, chatID int64, text string) (*Message, error)
	ReadMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) (*Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	PinMessage(ctx context.Context, chatID, messageID int64) error
	ForwardMessage(ctx context.Context, fromChatID, toChatID, messageID int64) (*Message, error)
	ListChats(ctx context.Context, limit int) ([]Chat, error)
	ExportChat(ctx context.Context, chatID int64, format string) (*ExportResult, error)
	Status(ctx context.Context) (*ClientStatus, error)
}

// request and response are the line-delimited JSON frames exchanged with the
// client over the unix socket. One request per connection.
type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SocketBridge talks to the Telegram desktop client over a unix domain
// socket. Each call opens a fresh connection, writes one JSON request line,
// and reads one JSON response line.
type SocketBridge struct {
	socket  string
	timeout time.Duration
	logger  *slog.Logger
	nextID  atomic.Int64
}

// NewSocketBridge returns a bridge over the given socket path.
func NewSocketBridge(socket string, timeout time.Duration, logger *slog.Logger) *SocketBridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SocketBridge{socket: socket, timeout: timeout, logger: logger}
}

func (b *SocketBridge) call(ctx context.Context, method string, params map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", b.socket)
	if err != nil {
		b.logger.Warn("telegram bridge dial failed", "socket", b.socket, "error", err)
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := request{
		ID:     b.nextID.Add(1),
		Method: method,
		Params: params,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode bridge request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}

	var resp response
	reader := bufio.NewReader(conn)
	raw, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}

	if resp.Error != nil {
		return fmt.Errorf("%w: %s (code %d)", ErrBridgeRejected, resp.Error.Message, resp.Error.Code)
	}
	if out != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode bridge result: %w", err)
		}
	}
	return nil
}

func (b *SocketBridge) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	var msg Message
	err := b.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": text}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *SocketBridge) ReadMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	var msgs []Message
	err := b.call(ctx, "readMessages", map[string]any{"chat_id": chatID, "limit": limit}, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *SocketBridge) EditMessage(ctx context.Context, chatID, messageID int64, text string) (*Message, error) {
	var msg Message
	err := b.call(ctx, "editMessage", map[string]any{
		"chat_id": chatID, "message_id": messageID, "text": text,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *SocketBridge) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return b.call(ctx, "deleteMessage", map[string]any{
		"chat_id": chatID, "message_id": messageID,
	}, nil)
}

func (b *SocketBridge) PinMessage(ctx context.Context, chatID, messageID int64) error {
	return b.call(ctx, "pinMessage", map[string]any{
		"chat_id": chatID, "message_id": messageID,
	}, nil)
}

func (b *SocketBridge) ForwardMessage(ctx context.Context, fromChatID, toChatID, messageID int64) (*Message, error) {
	var msg Message
	err := b.call(ctx, "forwardMessage", map[string]any{
		"from_chat_id": fromChatID, "to_chat_id": toChatID, "message_id": messageID,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *SocketBridge) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	var chats []Chat
	err := b.call(ctx, "listChats", map[string]any{"limit": limit}, &chats)
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (b *SocketBridge) ExportChat(ctx context.Context, chatID int64, format string) (*ExportResult, error) {
	var result ExportResult
	err := b.call(ctx, "exportChat", map[string]any{"chat_id": chatID, "format": format}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (b *SocketBridge) Status(ctx context.Context) (*ClientStatus, error) {
	var status ClientStatus
	err := b.call(ctx, "status", nil, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}
