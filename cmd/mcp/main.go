// Fraudguard MCP Server - exposes fraud screening as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/fraudguard/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("FRAUDGUARD_API_URL", "http://localhost:8080"),
		UserID: os.Getenv("FRAUDGUARD_USER_ID"),
		Role:   envOrDefault("FRAUDGUARD_ROLE", "user"),
	}

	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "FRAUDGUARD_USER_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
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
