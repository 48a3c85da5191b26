package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewEscrowdClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolConfirmReceipt, h.HandleConfirmReceipt)
	s.AddTool(ToolRaiseDispute, h.HandleRaiseDispute)
	s.AddTool(ToolCheckAutoRelease, h.HandleCheckAutoRelease)
	s.AddTool(ToolTriggerAutoRelease, h.HandleTriggerAutoRelease)

	return s
}
