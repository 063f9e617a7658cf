package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paybeam MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Amounts are integers in the asset's base units, passed as strings.

var ToolCreateInvoice = mcp.NewTool("create_invoice",
	mcp.WithDescription(
		"Create an escrow invoice payable to you (the merchant). "+
			"Payers fund it until the total is reached; funds are then released to you in full. "+
			"Unpaid invoices expire after the due date and payers can reclaim their contributions."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Unique invoice ID (letters, digits, '.', '_', ':', '-')")),
	mcp.WithString("total_amount",
		mcp.Required(),
		mcp.Description("Total due, in base units (e.g. '1500000' for 1.5 USDC)")),
	mcp.WithString("due_date",
		mcp.Description("RFC3339 due date (e.g. '2026-12-31T00:00:00Z')")),
	mcp.WithString("due_in",
		mcp.Description("Alternative to due_date: duration from now (e.g. '72h')")),
	mcp.WithString("memo",
		mcp.Description("Optional unique memo payers can use to find the invoice")),
	mcp.WithString("splits",
		mcp.Description("Optional payout shares as 'address:amount' pairs separated by commas; "+
			"amounts must add up to total_amount. Defaults to paying you the whole total.")),
)

var ToolPayInvoice = mcp.NewTool("pay_invoice",
	mcp.WithDescription(
		"Pay toward an open invoice from your balance. "+
			"If your payment completes the invoice, any excess is returned to you immediately "+
			"and the merchant is paid. Reusing a reference on the same invoice is rejected."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice to pay")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units (e.g. '600000')")),
	mcp.WithString("reference",
		mcp.Description("Optional payment reference; used to reject duplicates")),
)

var ToolGetInvoice = mcp.NewTool("get_invoice",
	mcp.WithDescription("Look up an invoice by ID. Shows status, amounts paid per payer, and due date."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice ID")),
)

var ToolGetInvoiceByMemo = mcp.NewTool("get_invoice_by_memo",
	mcp.WithDescription("Look up an invoice by its memo."),
	mcp.WithString("memo",
		mcp.Required(),
		mcp.Description("The memo set when the invoice was created")),
)

var ToolVerifyPayment = mcp.NewTool("verify_payment",
	mcp.WithDescription("Check whether an invoice has been paid in full and settled."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice ID")),
)

var ToolExpireInvoice = mcp.NewTool("expire_invoice",
	mcp.WithDescription(
		"Mark an overdue, unsettled invoice as expired so payers can reclaim funds. "+
			"Does nothing if the invoice is not yet due or is already settled."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice ID")),
)

var ToolRefundPayment = mcp.NewTool("refund_payment",
	mcp.WithDescription(
		"Reclaim your contribution to an expired invoice. "+
			"Only works after the invoice has expired; returns nothing if you have no funds in it."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The expired invoice ID")),
)

var ToolListInvoices = mcp.NewTool("list_invoices",
	mcp.WithDescription("List invoices for a merchant, newest first. Defaults to your own."),
	mcp.WithString("merchant",
		mcp.Description("Merchant address (defaults to your identity)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of invoices to return (default 20)")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check your available balance in the escrow asset."),
)
