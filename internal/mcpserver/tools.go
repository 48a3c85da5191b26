package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up an escrow by ID. "+
			"Shows state, parties, amount, fee, and the delivery/dispute deadlines."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List your escrows on escrowd, as buyer or seller. "+
			"Use this to find open escrows that need action (confirming receipt, disputing)."),
	mcp.WithString("role",
		mcp.Description("Which side to list: 'buyer' or 'seller'. Omit for both."),
		mcp.Enum("buyer", "seller")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current balance on escrowd. "+
			"Shows available funds and the amount locked in open escrows."),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open an escrow for a purchase, with you as the buyer. "+
			"Your funds are held until you confirm receipt, a dispute is resolved, "+
			"or the dispute deadline passes and the funds auto-release to the seller."),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller's address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to hold in escrow (e.g. '25.00')")),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Your order reference for this purchase")),
)

var ToolConfirmReceipt = mcp.NewTool("confirm_receipt",
	mcp.WithDescription(
		"Confirm you received the goods, releasing the escrowed funds to the seller. "+
			"This is final: once released, funds cannot be recovered through escrowd."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from a previous create_escrow result")),
)

var ToolRaiseDispute = mcp.NewTool("raise_dispute",
	mcp.WithDescription(
		"Dispute an escrow before its deadline when delivery failed or was unsatisfactory. "+
			"Freezes the escrow until the platform resolver rules for buyer or seller."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of what went wrong with the order")),
)

var ToolCheckAutoRelease = mcp.NewTool("check_auto_release",
	mcp.WithDescription(
		"Check whether an escrow's dispute deadline has passed, making it eligible "+
			"for auto-release to the seller. Anyone can trigger the release once eligible."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to check")),
)

var ToolTriggerAutoRelease = mcp.NewTool("trigger_auto_release",
	mcp.WithDescription(
		"Trigger the deadline release of an escrow whose dispute window has expired. "+
			"Permissionless: works for any escrow, not just your own."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to release")),
)
