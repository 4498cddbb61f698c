// Package mcptool exposes the relay's chat operation as an MCP tool.
package mcptool

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/logger"
	"github.com/comigor/gemini-relay/internal/relay"
)

const ToolName = "gemini_vision"

// Chatter is the relay surface the tool calls into.
type Chatter interface {
	Chat(ctx context.Context, req relay.Request) (relay.Response, error)
	HistoryEnabled() bool
}

// NewServer registers the chat tool on a fresh MCP server.
func NewServer(chat Chatter, version string) *server.MCPServer {
	s := server.NewMCPServer("gemini-relay", version, server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool(ToolName,
		mcp.WithDescription("Ask the vision model about text and an optional image URL. Pass user_id back to continue a conversation."),
		mcp.WithString("text", mcp.Description("Prompt text")),
		mcp.WithString("image_url", mcp.Description("URL of an image to include before the text")),
		mcp.WithString("user_id", mcp.Description("Conversation id returned by an earlier call")),
		mcp.WithOpenWorldHintAnnotation(true),
	), Handler(chat))
	return s
}

// HTTPHandler serves s over streamable HTTP without sessions.
func HTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s, server.WithStateLess(true))
}

// Handler adapts chat to an MCP tool handler. Relay failures become tool errors, not protocol errors.
func Handler(chat Chatter) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := chat.Chat(ctx, relay.Request{
			UserID:   req.GetString("user_id", ""),
			Text:     req.GetString("text", ""),
			ImageURL: req.GetString("image_url", ""),
		})
		if err != nil {
			if !errors.Is(err, relay.ErrMissingInput) && !errors.Is(err, relay.ErrInvalidMedia) {
				logger.L.Warn("MCP tool call failed", "tool", ToolName, "error", err)
			}
			return mcp.NewToolResultError(relay.PublicMessage(err)), nil
		}

		result := mcp.NewToolResultText(resp.Reply)
		if chat.HistoryEnabled() {
			result.Content = append(result.Content, mcp.NewTextContent("user_id: "+resp.UserID))
		}
		return result, nil
	}
}
