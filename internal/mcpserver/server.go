package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all invoice tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paybeam", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateInvoice, h.HandleCreateInvoice)
	s.AddTool(ToolPayInvoice, h.HandlePayInvoice)
	s.AddTool(ToolGetInvoice, h.HandleGetInvoice)
	s.AddTool(ToolGetInvoiceByMemo, h.HandleGetInvoiceByMemo)
	s.AddTool(ToolVerifyPayment, h.HandleVerifyPayment)
	s.AddTool(ToolExpireInvoice, h.HandleExpireInvoice)
	s.AddTool(ToolRefundPayment, h.HandleRefundPayment)
	s.AddTool(ToolListInvoices, h.HandleListInvoices)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
