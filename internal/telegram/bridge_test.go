package telegram

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient answers one request per connection from a canned handler.
func fakeClient(t *testing.T, handler func(req request) response) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "warden.sock")

	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				raw, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				var req request
				if err := json.Unmarshal(raw, &req); err != nil {
					return
				}
				resp := handler(req)
				resp.ID = req.ID
				line, _ := json.Marshal(resp)
				conn.Write(append(line, '\n'))
			}(conn)
		}
	}()
	return socket
}

func TestSendMessage(t *testing.T) {
	socket := fakeClient(t, func(req request) response {
		if req.Method != "sendMessage" {
			t.Errorf("method: got %q", req.Method)
		}
		if req.Params["text"] != "hello" {
			t.Errorf("text: got %v", req.Params["text"])
		}
		result, _ := json.Marshal(Message{ID: 7, ChatID: 42, Text: "hello"})
		return response{Result: result}
	})

	bridge := NewSocketBridge(socket, time.Second, testLogger())
	msg, err := bridge.SendMessage(context.Background(), 42, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != 7 || msg.ChatID != 42 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestReadMessages(t *testing.T) {
	socket := fakeClient(t, func(req request) response {
		result, _ := json.Marshal([]Message{{ID: 1}, {ID: 2}})
		return response{Result: result}
	})

	bridge := NewSocketBridge(socket, time.Second, testLogger())
	msgs, err := bridge.ReadMessages(context.Background(), 42, 10)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("messages: got %d, want 2", len(msgs))
	}
}

func TestClientError(t *testing.T) {
	socket := fakeClient(t, func(req request) response {
		return response{Error: &rpcError{Code: 403, Message: "chat is read-only"}}
	})

	bridge := NewSocketBridge(socket, time.Second, testLogger())
	err := bridge.DeleteMessage(context.Background(), 42, 7)
	if !errors.Is(err, ErrBridgeRejected) {
		t.Fatalf("expected ErrBridgeRejected, got %v", err)
	}
}

func TestBridgeUnavailable(t *testing.T) {
	bridge := NewSocketBridge(filepath.Join(t.TempDir(), "absent.sock"), time.Second, testLogger())

	_, err := bridge.Status(context.Background())
	if !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("expected ErrBridgeUnavailable, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	socket := fakeClient(t, func(req request) response {
		result, _ := json.Marshal(ClientStatus{Connected: true, Version: "5.0", Username: "warden"})
		return response{Result: result}
	})

	bridge := NewSocketBridge(socket, time.Second, testLogger())
	status, err := bridge.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Connected || status.Username != "warden" {
		t.Errorf("unexpected status: %+v", status)
	}
}
