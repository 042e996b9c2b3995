package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

const mcpCallTimeout = 30 * time.Second

// mcpClient is the subset of the mcp-go client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpServer struct {
	name   string
	client mcpClient
}

// MCPBridge connects to configured MCP servers and exposes each remote tool
// as a local domain.Tool named mcp_<server>_<tool>. Calls to a server run
// under the breaker label "mcp:<server>".
type MCPBridge struct {
	servers []mcpServer
	tools   []domain.Tool
	policy  *resilience.Policy
	logger  *slog.Logger
}

// NewMCPBridge connects to every server and discovers their tools. A server
// that fails to connect or list is skipped; the bridge fails only when
// every configured server failed.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, policy *resilience.Policy, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{policy: policy, logger: logger}
	var errs []error
	for _, srv := range servers {
		c, err := connectMCP(ctx, srv)
		if err != nil {
			logger.Warn("mcp server unavailable, skipping", "server", srv.Name, "error", err)
			errs = append(errs, fmt.Errorf("mcp server %q: %w", srv.Name, err))
			continue
		}
		logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
		b.servers = append(b.servers, mcpServer{name: srv.Name, client: c})
	}
	if err := b.discover(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(servers) > 0 && len(b.tools) == 0 && len(errs) > 0 {
		b.Close()
		return nil, errors.Join(errs...)
	}
	return b, nil
}

func connectMCP(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio", "":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envList(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("start stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported mcp transport %q", domain.ErrInvalidInput, srv.Transport)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "ex-machina", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		c.Close()
		return nil, domain.WrapOp("mcp.initialize", err)
	}
	return c, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []error
	for _, srv := range b.servers {
		res, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp tool discovery failed", "server", srv.name, "error", err)
			errs = append(errs, fmt.Errorf("list tools on %q: %w", srv.name, err))
			continue
		}
		for _, t := range res.Tools {
			b.tools = append(b.tools, &mcpTool{server: srv, remote: t, policy: b.policy, logger: b.logger})
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(res.Tools))
	}
	sort.Slice(b.tools, func(i, j int) bool { return b.tools[i].Name() < b.tools[j].Name() })
	return errors.Join(errs...)
}

// Tools returns the discovered tools sorted by name.
func (b *MCPBridge) Tools() []domain.Tool { return b.tools }

// Close shuts down every server connection.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close", "server", srv.name, "error", err)
		}
	}
}

type mcpTool struct {
	server mcpServer
	remote mcp.Tool
	policy *resilience.Policy
	logger *slog.Logger
}

func (t *mcpTool) Name() string {
	return "mcp_" + toolIdent(t.server.name) + "_" + toolIdent(t.remote.Name)
}

func (t *mcpTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("MCP tool %q on server %q", t.remote.Name, t.server.name)
}

func (t *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if t.remote.InputSchema.Properties != nil || t.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(t.remote.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: params}
}

func (t *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrResult("invalid arguments: %v", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote.Name
	req.Params.Arguments = args

	res, err := resilience.Protect(ctx, t.policy, "mcp:"+t.server.name, func(ctx context.Context) (*mcp.CallToolResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
		defer cancel()
		return t.server.client.CallTool(callCtx, req)
	})
	if err != nil {
		t.logger.Debug("mcp tool call failed", "server", t.server.name, "tool", t.remote.Name, "error", err)
		return &domain.ToolResult{
			Content:     fmt.Sprintf("MCP tool error: %v", err),
			IsError:     true,
			IsRetryable: resilience.IsRetryable(err),
		}, nil
	}
	return &domain.ToolResult{Content: mcpText(res), IsError: res.IsError}, nil
}

// mcpText flattens a call result. Text parts are joined; other content is
// rendered as JSON.
func mcpText(res *mcp.CallToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// toolIdent replaces characters that are not valid in function names.
func toolIdent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
