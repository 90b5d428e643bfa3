package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/service"
)

// registerTools registers all Warden MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Messaging tools -----

	srv.AddTool(
		mcp.NewTool("tg_send_message",
			mcp.WithDescription(
				"Send a text message to a Telegram chat through the connected "+
					"desktop client. Requires the write_messages permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("chat_id",
				mcp.Required(),
				mcp.Description("Telegram chat identifier to send the message to"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Message text to send"),
			),
		),
		s.handleSendMessage,
	)

	srv.AddTool(
		mcp.NewTool("tg_read_messages",
			mcp.WithDescription(
				"Read recent messages from a Telegram chat, newest first. "+
					"Requires the read_messages permission.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("chat_id",
				mcp.Required(),
				mcp.Description("Telegram chat identifier to read from"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of messages to return (default 25, max 100)"),
			),
		),
		s.handleReadMessages,
	)

	srv.AddTool(
		mcp.NewTool("tg_edit_message",
			mcp.WithDescription(
				"Edit the text of a message previously sent from this account. "+
					"Requires the edit_messages permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Chat containing the message")),
			mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message to edit")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Replacement text")),
		),
		s.handleEditMessage,
	)

	srv.AddTool(
		mcp.NewTool("tg_delete_message",
			mcp.WithDescription(
				"Delete a message from a Telegram chat. Requires the "+
					"delete_messages permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Chat containing the message")),
			mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message to delete")),
		),
		s.handleDeleteMessage,
	)

	srv.AddTool(
		mcp.NewTool("tg_pin_message",
			mcp.WithDescription(
				"Pin a message in a Telegram chat. Requires the pin_messages permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Chat containing the message")),
			mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message to pin")),
		),
		s.handlePinMessage,
	)

	srv.AddTool(
		mcp.NewTool("tg_forward_message",
			mcp.WithDescription(
				"Forward a message from one Telegram chat to another. Requires "+
					"the forward_messages permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("from_chat_id", mcp.Required(), mcp.Description("Source chat")),
			mcp.WithNumber("to_chat_id", mcp.Required(), mcp.Description("Destination chat")),
			mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message to forward")),
		),
		s.handleForwardMessage,
	)

	// ----- Chat tools -----

	srv.AddTool(
		mcp.NewTool("tg_list_chats",
			mcp.WithDescription(
				"List the account's Telegram dialogs with titles, types, and "+
					"unread counts. Requires the read_chats permission.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of chats to return (default 50, max 200)"),
			),
		),
		s.handleListChats,
	)

	srv.AddTool(
		mcp.NewTool("tg_export_chat",
			mcp.WithDescription(
				"Export a chat's history through the desktop client's export "+
					"engine. Requires the export_archive permission.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Chat to export")),
			mcp.WithString("format",
				mcp.Description("Export format: \"json\" (default) or \"html\""),
			),
		),
		s.handleExportChat,
	)

	// ----- Audit tools -----

	srv.AddTool(
		mcp.NewTool("audit_query",
			mcp.WithDescription(
				"Query the persisted audit log with optional filters. Requires "+
					"the view_audit_log permission.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("event_type",
				mcp.Description("Filter by event type: tool_invoked, auth, telegram_op, system, error"),
			),
			mcp.WithString("user_id", mcp.Description("Filter by acting API key prefix")),
			mcp.WithString("tool_name", mcp.Description("Filter by tool name")),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events to return (default 50, max 500)"),
			),
		),
		s.handleAuditQuery,
	)

	srv.AddTool(
		mcp.NewTool("audit_stats",
			mcp.WithDescription(
				"Aggregate audit statistics: totals per event type, per tool, "+
					"per user, and the average tool duration. Requires the "+
					"view_audit_log permission.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleAuditStats,
	)

	// ----- Key management tools -----

	srv.AddTool(
		mcp.NewTool("key_list",
			mcp.WithDescription(
				"List API keys in redacted form (prefix, name, role, expiry; "+
					"never the secret). Requires the manage_api_keys permission.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleKeyList,
	)

	srv.AddTool(
		mcp.NewTool("key_create",
			mcp.WithDescription(
				"Create a new API key. The raw secret appears in the response "+
					"exactly once and cannot be recovered later. Requires the "+
					"manage_api_keys permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable key name")),
			mcp.WithString("role",
				mcp.Required(),
				mcp.Description("Role: admin, developer, bot, readonly, or custom"),
			),
			mcp.WithArray("permissions",
				mcp.Description("Custom permission list; replaces the role defaults entirely"),
				mcp.WithStringItems(),
			),
			mcp.WithString("expires_in",
				mcp.Description("Lifetime as a Go duration (e.g. \"720h\"). Omit for no expiry."),
			),
		),
		s.handleKeyCreate,
	)

	srv.AddTool(
		mcp.NewTool("key_revoke",
			mcp.WithDescription(
				"Revoke an API key by its display prefix. Revocation is "+
					"immediate and permanent. Requires the manage_api_keys permission.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_prefix",
				mcp.Required(),
				mcp.Description("Display prefix of the key to revoke"),
			),
		),
		s.handleKeyRevoke,
	)

	// ----- Status tool -----

	srv.AddTool(
		mcp.NewTool("server_status",
			mcp.WithDescription(
				"Report the Warden server status and the connected Telegram "+
					"client's state.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleServerStatus,
	)
}

// guarded runs fn through the authorization guard and converts denials into
// tool-level errors the LLM can see.
func (s *MCPServer) guarded(ctx context.Context, tool string, params map[string]any, fn service.ToolFunc) (*mcp.CallToolResult, error) {
	out, err := s.guard.Execute(ctx, s.apiKey, tool, params, fn)
	if err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			return toolError("%v", err)
		}
		return toolError("%s failed: %v", tool, err)
	}
	return successJSON(out)
}

// bridged is guarded for tool bodies that forward an operation to the
// Telegram client. Each successful bridge call additionally lands a
// telegram_op audit event named after the operation.
func (s *MCPServer) bridged(ctx context.Context, tool, op string, params map[string]any, fn service.ToolFunc) (*mcp.CallToolResult, error) {
	return s.guarded(ctx, tool, params, func(ctx context.Context) (any, error) {
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		s.guard.Trail().LogTelegramOp(service.UserIDFromContext(ctx), op, params, "success")
		return out, nil
	})
}

func (s *MCPServer) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := requireInt64(request, "chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	text, err := requireString(request, "text")
	if err != nil {
		return toolError("%v", err)
	}

	params := map[string]any{"chat_id": chatID}
	return s.bridged(ctx, "tg_send_message", "send_message", params, func(ctx context.Context) (any, error) {
		return s.bridge.SendMessage(ctx, chatID, text)
	})
}

func (s *MCPServer) handleReadMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := requireInt64(request, "chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	limit := clamp(optionalInt(request, "limit", 25), 1, 100)

	params := map[string]any{"chat_id": chatID, "limit": limit}
	return s.bridged(ctx, "tg_read_messages", "read_messages", params, func(ctx context.Context) (any, error) {
		return s.bridge.ReadMessages(ctx, chatID, limit)
	})
}

func (s *MCPServer) handleEditMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := requireInt64(request, "chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	messageID, err := requireInt64(request, "message_id")
	if err != nil {
		return toolError("%v", err)
	}
	text, err := requireString(request, "text")
	if err != nil {
		return toolError("%v", err)
	}

	params := map[string]any{"chat_id": chatID, "message_id": messageID}
	return s.bridged(ctx, "tg_edit_message", "edit_message", params, func(ctx context.Context) (any, error) {
		return s.bridge.EditMessage(ctx, chatID, messageID, text)
	})
}

func (s *MCPServer) handleDeleteMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := requireInt64(request, "chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	messageID, err := requireInt64(request, "message_id")
	if err != nil {
		return toolError("%v", err)
	}

	params := map[string]any{"chat_id": chatID, "message_id": messageID}
	return s.bridged(ctx, "tg_delete_message", "delete_message", params, func(ctx context.Context) (any, error) {
		if err := s.bridge.DeleteMessage(ctx, chatID, messageID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	})
}

func (s *MCPServer) handlePinMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := requireInt64(request, "chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	messageID, err := requireInt64(request, "message_id")
	if err != nil {
		return toolError("%v", err)
	}

	params := map[string]any{"chat_id": chatID, "message_id": messageID}
	return s.bridged(ctx, "tg_pin_message", "pin_message", params, func(ctx context.Context) (any, error) {
		if err := s.bridge.PinMessage(ctx, chatID, messageID); err != nil {
			return nil, err
		}
		return map[string]any{"pinned": true}, nil
	})
}

func (s *MCPServer) handleForwardMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fromChatID, err := requireInt64(request, "from_chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	toChatID, err := requireInt64(request, "to_chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	messageID, err := requireInt64(request, "message_id")
	if err != nil {
		return toolError("%v", err)
	}

	params := map[string]any{
		"from_chat_id": fromChatID, "to_chat_id": toChatID, "message_id": messageID,
	}
	return s.bridged(ctx, "tg_forward_message", "forward_message", params, func(ctx context.Context) (any, error) {
		return s.bridge.ForwardMessage(ctx, fromChatID, toChatID, messageID)
	})
}

func (s *MCPServer) handleListChats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := clamp(optionalInt(request, "limit", 50), 1, 200)

	params := map[string]any{"limit": limit}
	return s.bridged(ctx, "tg_list_chats", "list_chats", params, func(ctx context.Context) (any, error) {
		return s.bridge.ListChats(ctx, limit)
	})
}

func (s *MCPServer) handleExportChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := requireInt64(request, "chat_id")
	if err != nil {
		return toolError("%v", err)
	}
	format := optionalString(request, "format", "json")
	if format != "json" && format != "html" {
		return toolError("unsupported export format %q", format)
	}

	params := map[string]any{"chat_id": chatID, "format": format}
	return s.bridged(ctx, "tg_export_chat", "export_chat", params, func(ctx context.Context) (any, error) {
		return s.bridge.ExportChat(ctx, chatID, format)
	})
}

func (s *MCPServer) handleAuditQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := config.AuditFilter{
		EventType: model.AuditEventType(optionalString(request, "event_type", "")),
		UserID:    optionalString(request, "user_id", ""),
		ToolName:  optionalString(request, "tool_name", ""),
		Limit:     clamp(optionalInt(request, "limit", 50), 1, 500),
	}
	if filter.EventType != "" && !model.ValidEventType(filter.EventType) {
		return toolError("unknown event type %q", filter.EventType)
	}

	params := map[string]any{"event_type": string(filter.EventType), "limit": filter.Limit}
	return s.guarded(ctx, "audit_query", params, func(ctx context.Context) (any, error) {
		return s.guard.Trail().QueryEvents(ctx, filter)
	})
}

func (s *MCPServer) handleAuditStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.guarded(ctx, "audit_stats", nil, func(ctx context.Context) (any, error) {
		return s.guard.Trail().Statistics(ctx, nil, nil)
	})
}

func (s *MCPServer) handleKeyList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.guarded(ctx, "key_list", nil, func(ctx context.Context) (any, error) {
		return s.guard.Keys().Export(), nil
	})
}

func (s *MCPServer) handleKeyCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return toolError("%v", err)
	}
	role, err := requireString(request, "role")
	if err != nil {
		return toolError("%v", err)
	}

	var perms []model.Permission
	for _, p := range request.GetStringSlice("permissions", nil) {
		perms = append(perms, model.Permission(p))
	}

	var expiresIn time.Duration
	if raw := optionalString(request, "expires_in", ""); raw != "" {
		expiresIn, err = time.ParseDuration(raw)
		if err != nil {
			return toolError("invalid expires_in %q: %v", raw, err)
		}
	}

	params := map[string]any{"name": name, "role": role}
	return s.guarded(ctx, "key_create", params, func(ctx context.Context) (any, error) {
		secret, key, err := s.guard.Keys().Create(ctx, name, model.Role(role), perms, expiresIn)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"secret":     secret,
			"key_prefix": key.KeyPrefix,
			"role":       key.Role,
			"expires_at": key.ExpiresAt,
		}, nil
	})
}

func (s *MCPServer) handleKeyRevoke(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prefix, err := requireString(request, "key_prefix")
	if err != nil {
		return toolError("%v", err)
	}

	params := map[string]any{"key_prefix": prefix}
	return s.guarded(ctx, "key_revoke", params, func(ctx context.Context) (any, error) {
		for _, key := range s.guard.Keys().List(true) {
			if key.KeyPrefix == prefix {
				if err := s.guard.Keys().Revoke(ctx, key.KeyHash); err != nil {
					return nil, err
				}
				return map[string]any{"revoked": true, "key_prefix": prefix}, nil
			}
		}
		return nil, fmt.Errorf("no key with prefix %q", prefix)
	})
}

func (s *MCPServer) handleServerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.guarded(ctx, "server_status", nil, func(ctx context.Context) (any, error) {
		status := map[string]any{
			"buffered_audit_events": s.guard.Trail().BufferedCount(),
		}
		if client, err := s.bridge.Status(ctx); err == nil {
			status["telegram"] = client
		} else {
			status["telegram"] = map[string]any{"connected": false, "error": err.Error()}
		}
		return status, nil
	})
}
