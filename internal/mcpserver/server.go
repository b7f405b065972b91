package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/cipherscore/pkg/client"
)

// Config holds the configuration for connecting to a cipherscore server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
	Wallet string // Wallet the key is bound to; the default for wallet arguments
}

// NewMCPServer creates a configured MCP server with all scoring tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("cipherscore", "0.1.0")
	c := client.New(client.Config{BaseURL: cfg.APIURL, APIKey: cfg.APIKey})
	h := NewHandlers(c, cfg.Wallet)

	s.AddTool(ToolGetClusterInfo, h.HandleGetClusterInfo)
	s.AddTool(ToolGetWalletStatus, h.HandleGetWalletStatus)
	s.AddTool(ToolCalculateScore, h.HandleCalculateScore)
	s.AddTool(ToolShareScore, h.HandleShareScore)
	s.AddTool(ToolGetComputation, h.HandleGetComputation)
	s.AddTool(ToolCheckUsage, h.HandleCheckUsage)

	return s
}
