package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all fraudguard tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("fraudguard", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolSubmitTransaction, h.HandleSubmitTransaction)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolRetryTransaction, h.HandleRetryTransaction)
	s.AddTool(ToolListHistory, h.HandleListHistory)
	s.AddTool(ToolGetDecision, h.HandleGetDecision)
	s.AddTool(ToolDecisionSummary, h.HandleDecisionSummary)

	return s
}
