package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with all marketplace tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentmarket", "1.0.0")
	h := NewHandlers(NewMarketClient(cfg))

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolCreateRequest, h.HandleCreateRequest)
	s.AddTool(ToolGetRequest, h.HandleGetRequest)
	s.AddTool(ToolListRequests, h.HandleListRequests)
	s.AddTool(ToolStartRequest, h.HandleStartRequest)
	s.AddTool(ToolSubmitResult, h.HandleSubmitResult)
	s.AddTool(ToolApproveRequest, h.HandleApproveRequest)
	s.AddTool(ToolDisputeRequest, h.HandleDisputeRequest)
	s.AddTool(ToolCancelRequest, h.HandleCancelRequest)
	s.AddTool(ToolRateProvider, h.HandleRateProvider)
	s.AddTool(ToolGetRoyaltyConfig, h.HandleGetRoyaltyConfig)
	s.AddTool(ToolDistributeRoyalty, h.HandleDistributeRoyalty)

	return s
}
