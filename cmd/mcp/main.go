// Command mcp serves the marketplace API as MCP tools on stdio.
//
// Stdout carries the protocol, so diagnostics go to stderr.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentmarket/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := mcpserver.Config{
		APIURL:       os.Getenv("AGENTMARKET_API_URL"),
		APIKey:       os.Getenv("AGENTMARKET_API_KEY"),
		AgentAddress: os.Getenv("AGENTMARKET_AGENT_ADDRESS"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	for name, v := range map[string]string{
		"AGENTMARKET_API_KEY":       cfg.APIKey,
		"AGENTMARKET_AGENT_ADDRESS": cfg.AgentAddress,
	} {
		if v == "" {
			logger.Error("missing required environment variable", "name", name)
			os.Exit(1)
		}
	}

	logger.Info("serving MCP on stdio", "api", cfg.APIURL, "agent", cfg.AgentAddress)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
