// cipherscore MCP server - exposes credit scoring as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/cipherscore/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("CIPHERSCORE_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("CIPHERSCORE_API_KEY"),
		Wallet: os.Getenv("CIPHERSCORE_WALLET"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "CIPHERSCORE_API_KEY is required")
		os.Exit(1)
	}
	if cfg.Wallet == "" {
		fmt.Fprintln(os.Stderr, "CIPHERSCORE_WALLET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
