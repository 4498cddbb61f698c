package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/gemini-relay/internal/relay"
)

type mockChatter struct {
	got     []relay.Request
	resp    relay.Response
	err     error
	history bool
}

func (m *mockChatter) Chat(_ context.Context, req relay.Request) (relay.Response, error) {
	m.got = append(m.got, req)
	return m.resp, m.err
}

func (m *mockChatter) HistoryEnabled() bool { return m.history }

func callRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: ToolName, Arguments: args},
	}
}

func textOf(t *testing.T, res *mcp.CallToolResult, i int) string {
	t.Helper()
	require.Greater(t, len(res.Content), i)
	tc, ok := res.Content[i].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandlerForwardsArguments(t *testing.T) {
	m := &mockChatter{resp: relay.Response{UserID: "42", Reply: "a red car"}, history: true}
	res, err := Handler(m)(context.Background(), callRequest(map[string]any{
		"text":      "what is this",
		"image_url": "https://img/car.jpg",
		"user_id":   "42",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Equal(t, relay.Request{UserID: "42", Text: "what is this", ImageURL: "https://img/car.jpg"}, m.got[0])
	require.Equal(t, "a red car", textOf(t, res, 0))
	require.Equal(t, "user_id: 42", textOf(t, res, 1))
}

func TestHandlerWithoutHistoryOmitsUserID(t *testing.T) {
	m := &mockChatter{resp: relay.Response{Reply: "hi"}}
	res, err := Handler(m)(context.Background(), callRequest(map[string]any{"text": "hello"}))
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
}

func TestHandlerReportsRelayErrorsAsToolErrors(t *testing.T) {
	m := &mockChatter{err: relay.ErrMissingInput}
	res, err := Handler(m)(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, relay.MsgMissingInput, textOf(t, res, 0))
}

func TestHandlerHidesUpstreamDetails(t *testing.T) {
	m := &mockChatter{err: fmt.Errorf("%w: %w", relay.ErrUpstream, errors.New("401 invalid key AIza-secret"))}
	res, err := Handler(m)(context.Background(), callRequest(map[string]any{"text": "hi"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, relay.MsgUpstream, textOf(t, res, 0))
	require.NotContains(t, textOf(t, res, 0), "AIza-secret")
}

func TestServerDispatchesToolCall(t *testing.T) {
	m := &mockChatter{resp: relay.Response{UserID: "7", Reply: "pong"}, history: true}
	s := NewServer(m, "test")

	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      ToolName,
			"arguments": map[string]any{"text": "ping"},
		},
	})
	require.NoError(t, err)

	out := s.HandleMessage(context.Background(), msg)
	resp, ok := out.(mcp.JSONRPCResponse)
	require.True(t, ok, "got %T", out)
	res, ok := resp.Result.(mcp.CallToolResult)
	require.True(t, ok, "got %T", resp.Result)
	require.Equal(t, "pong", textOf(t, &res, 0))
	require.Equal(t, "ping", m.got[0].Text)
}
