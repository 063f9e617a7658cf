// Command mcp exposes the paybeam invoice API as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/paybeam/paybeam/internal/mcpserver"
	"github.com/paybeam/paybeam/internal/validation"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("PAYBEAM_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("PAYBEAM_API_KEY"),
		Identity: os.Getenv("PAYBEAM_IDENTITY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "PAYBEAM_API_KEY is required")
		os.Exit(1)
	}
	if !validation.IsValidAddress(cfg.Identity) {
		fmt.Fprintln(os.Stderr, "PAYBEAM_IDENTITY must be the 0x address the API key authenticates as")
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
