package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

func echoProvider(t *testing.T) *StaticProvider {
	t.Helper()

	p := NewStaticProvider("demo")
	err := p.AddTool(
		protocol.MustTool("echo", "Echoes the message back", json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`)),
		func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
			args, err := protocol.DecodeArguments(arguments)
			if err != nil {
				return nil, err
			}
			var message string
			if err := json.Unmarshal(args["message"], &message); err != nil {
				return nil, err
			}
			return protocol.NewToolResult(protocol.TextContent(message)), nil
		},
	)
	require.NoError(t, err)
	return p
}

func TestStaticProviderEchoThroughRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	require.NoError(t, r.Register(ctx, echoProvider(t)))

	tools := r.AllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := r.ExecuteTool(ctx, "echo", json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, protocol.ContentTypeText, result.Content[0].Type)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestStaticProviderRejectsMissingArgument(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	require.NoError(t, r.Register(ctx, echoProvider(t)))

	_, err := r.ExecuteTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestStaticProviderAddTool(t *testing.T) {
	noop := func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
		return protocol.NewToolResult(), nil
	}

	tests := []struct {
		name    string
		tool    protocol.Tool
		handler HandlerFunc
		wantErr error
	}{
		{"valid", protocol.MustTool("other", "", objectSchema), noop, nil},
		{"duplicate", protocol.MustTool("echo", "", objectSchema), noop, ErrToolCollision},
		{"empty name", protocol.Tool{InputSchema: objectSchema}, noop, protocol.ErrInvalidTool},
		{"no handler", protocol.MustTool("nohandler", "", objectSchema), nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := echoProvider(t)
			err := p.AddTool(tt.tool, tt.handler)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.handler == nil:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
		})
	}

	assert.Panics(t, func() {
		echoProvider(t).MustAddTool(protocol.MustTool("echo", "", objectSchema), noop)
	})
}

func TestStaticProviderRemoveToolAndRefresh(t *testing.T) {
	ctx := context.Background()
	p := echoProvider(t)
	require.NoError(t, p.AddTool(protocol.MustTool("ping", "", objectSchema),
		func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
			return protocol.NewToolResult(protocol.TextContent("pong")), nil
		}))

	r := NewRegistry()
	require.NoError(t, r.Register(ctx, p))
	assert.Equal(t, []string{"echo", "ping"}, toolNames(r.AllTools()))

	assert.True(t, p.RemoveTool("echo"))
	assert.False(t, p.RemoveTool("echo"))

	// the registry keeps its catalog until refreshed
	assert.Len(t, r.AllTools(), 2)
	require.NoError(t, r.RefreshToolCatalog(ctx))
	assert.Equal(t, []string{"ping"}, toolNames(r.AllTools()))
}

func TestStaticProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := echoProvider(t)

	_, err := p.Execute(ctx, "echo", json.RawMessage(`{"message":"x"}`))
	assert.Error(t, err, "execution before Initialize must fail")

	require.NoError(t, p.Initialize(ctx, ProviderConfig{}))
	_, err = p.Execute(ctx, "unknown", nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeMethodNotFound))

	require.NoError(t, p.Dispose(ctx))
	_, err = p.Execute(ctx, "echo", json.RawMessage(`{"message":"x"}`))
	assert.Error(t, err, "execution after Dispose must fail")

	require.NoError(t, p.Initialize(ctx, ProviderConfig{}))
	_, err = p.Execute(ctx, "echo", json.RawMessage(`{"message":"x"}`))
	assert.NoError(t, err)
}
