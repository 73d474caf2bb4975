package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with every agentcourt tool registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("agentcourt", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolProposeTransaction, h.HandleProposeTransaction)
	s.AddTool(ToolRespondTransaction, h.HandleRespondTransaction)
	s.AddTool(ToolCompleteTransaction, h.HandleCompleteTransaction)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolFundEscrow, h.HandleFundEscrow)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolCheckDisputeEligibility, h.HandleCheckDisputeEligibility)
	s.AddTool(ToolFileDispute, h.HandleFileDispute)
	s.AddTool(ToolRespondToDispute, h.HandleRespondToDispute)
	s.AddTool(ToolAddEvidence, h.HandleAddEvidence)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolGetDecision, h.HandleGetDecision)
	s.AddTool(ToolDecideRuling, h.HandleDecideRuling)
	s.AddTool(ToolEscalateDispute, h.HandleEscalateDispute)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
