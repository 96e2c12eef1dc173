package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"
)

// MCPServerConfig describes one stdio MCP server to launch and attach.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name" json:"name"`
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
}

// LoadMCPConfig reads a server list from a JSON config file of the form
// {"servers": [{"name": ..., "command": ..., "args": [...], "env": {...}}]}.
func LoadMCPConfig(path string) ([]MCPServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var doc struct {
		Servers []MCPServerConfig `json:"servers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	return doc.Servers, nil
}

// MCPToolkit holds the live connections to a set of MCP servers and the
// tools discovered on them. Established once per agent construction.
type MCPToolkit struct {
	clients []mcpclient.MCPClient
	tools   []Tool
	logger  *log.Logger
}

// ConnectMCP launches every configured server, performs the MCP
// handshake and lists its tools. Any server failing to come up fails the
// whole connect; already-opened connections are closed.
func ConnectMCP(ctx context.Context, servers []MCPServerConfig) (*MCPToolkit, error) {
	kit := &MCPToolkit{logger: log.New(os.Stdout, "[MCP] ", log.LstdFlags)}
	for _, server := range servers {
		if err := kit.attach(ctx, server); err != nil {
			kit.Close()
			return nil, fmt.Errorf("mcp server %s: %w", server.Name, err)
		}
	}
	return kit, nil
}

func (k *MCPToolkit) attach(ctx context.Context, server MCPServerConfig) error {
	env := make([]string, 0, len(server.Env))
	for key, value := range server.Env {
		env = append(env, key+"="+value)
	}
	client, err := mcpclient.NewStdioMCPClient(server.Command, env, server.Args...)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	k.clients = append(k.clients, client)

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "deepresearch",
		Version: "1.0.0",
	}
	initResult, err := client.Initialize(ctx, initReq)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	for i := range toolsResult.Tools {
		k.tools = append(k.tools, &mcpTool{client: client, def: toolsResult.Tools[i]})
	}
	k.logger.Printf("attached %s (%s %s), %d tools",
		server.Name, initResult.ServerInfo.Name, initResult.ServerInfo.Version, len(toolsResult.Tools))
	return nil
}

// Tools lists every tool discovered across the attached servers.
func (k *MCPToolkit) Tools() []Tool { return k.tools }

// Close shuts down all server connections, best effort.
func (k *MCPToolkit) Close() {
	for _, client := range k.clients {
		_ = client.Close()
	}
	k.clients = nil
}

type mcpTool struct {
	client mcpclient.MCPClient
	def    mcpprotocol.Tool
}

func (t *mcpTool) Name() string        { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }

func (t *mcpTool) Parameters() map[string]any {
	params := map[string]any{"type": t.def.InputSchema.Type}
	if t.def.InputSchema.Properties != nil {
		params["properties"] = t.def.InputSchema.Properties
	}
	if len(t.def.InputSchema.Required) > 0 {
		params["required"] = t.def.InputSchema.Required
	}
	return params
}

func (t *mcpTool) Call(ctx context.Context, args map[string]any) (string, error) {
	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args
	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp tool %s: %w", t.def.Name, err)
	}
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(mcpprotocol.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	joined := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("mcp tool %s: %s", t.def.Name, joined)
	}
	return joined, nil
}
