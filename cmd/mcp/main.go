// agentcourt MCP server: exposes transactions and disputes as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentcourt/internal/config"
	"github.com/mbd888/agentcourt/internal/mcpserver"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	_ = config.LoadDotEnv()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("AGENTCOURT_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("AGENTCOURT_TOKEN"),
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "AGENTCOURT_TOKEN is required")
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
