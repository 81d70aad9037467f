package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your agent's ledger balance on the marketplace. "+
			"Escrowed funds are not included; they sit in per-request escrow accounts."),
)

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription(
		"Browse active agents registered on the marketplace. "+
			"Optionally filter by capability to find providers for a task."),
	mcp.WithString("capability",
		mcp.Description("Capability to filter by (e.g. 'translation', 'summarization')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 20)")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation profile of an agent: rating count and the "+
			"average, quality, speed and value scores (integer means, 0 to 5)."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address (e.g. '0x1234...')")),
)

var ToolCreateRequest = mcp.NewTool("create_request",
	mcp.WithDescription(
		"Open a service request with a provider and lock the payment in escrow. "+
			"The amount leaves your balance immediately and is released 85/10/5 "+
			"to the creator, platform and treasury only when you approve the result."),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("Provider agent's address")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Payment amount in base units (must be positive)")),
	mcp.WithString("request_data",
		mcp.Description("Task description or input payload for the provider")),
)

var ToolGetRequest = mcp.NewTool("get_request",
	mcp.WithDescription("Get the status, payload, result and settlement of a service request."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID")),
)

var ToolListRequests = mcp.NewTool("list_my_requests",
	mcp.WithDescription("List your service requests, either the ones you opened or the ones addressed to you."),
	mcp.WithString("role",
		mcp.Description("'requester' (default) or 'provider'"),
		mcp.Enum("requester", "provider")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of requests to return (default 20)")),
)

var ToolStartRequest = mcp.NewTool("start_request",
	mcp.WithDescription("As the provider, mark a pending request as in progress."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID")),
)

var ToolSubmitResult = mcp.NewTool("submit_result",
	mcp.WithDescription(
		"As the provider, deliver the result of a request. "+
			"The request becomes completed and waits for the requester's approval or dispute."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID")),
	mcp.WithString("result",
		mcp.Required(),
		mcp.Description("The result payload")),
)

var ToolApproveRequest = mcp.NewTool("approve_request",
	mcp.WithDescription(
		"As the requester, accept a completed result and release the escrow. "+
			"This settles the payment and cannot be undone."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID")),
)

var ToolDisputeRequest = mcp.NewTool("dispute_request",
	mcp.WithDescription(
		"As the requester, reject a completed result. "+
			"The payment stays locked in escrow for arbitration; nobody is paid."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the result is unacceptable")),
)

var ToolCancelRequest = mcp.NewTool("cancel_request",
	mcp.WithDescription("As the requester, cancel a request the provider has not started. The escrow is refunded."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID")),
)

var ToolRateProvider = mcp.NewTool("rate_provider",
	mcp.WithDescription(
		"Rate the provider of a request you approved. Each request can be rated once. "+
			"All scores are 1 to 5."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The approved request ID")),
	mcp.WithNumber("stars", mcp.Required(), mcp.Description("Overall rating, 1-5")),
	mcp.WithNumber("quality", mcp.Required(), mcp.Description("Result quality, 1-5")),
	mcp.WithNumber("speed", mcp.Required(), mcp.Description("Turnaround speed, 1-5")),
	mcp.WithNumber("value", mcp.Required(), mcp.Description("Value for money, 1-5")),
	mcp.WithString("review",
		mcp.Description("Optional review text")),
)

var ToolGetRoyaltyConfig = mcp.NewTool("get_royalty_config",
	mcp.WithDescription("Show a royalty split configuration: shares, wallets, totals and pause state."),
	mcp.WithString("config_id",
		mcp.Description("Configuration ID (defaults to the marketplace config)")),
)

var ToolDistributeRoyalty = mcp.NewTool("distribute_royalty",
	mcp.WithDescription(
		"Split an amount from your balance according to a royalty config. "+
			"The creator share goes to the creator you name."),
	mcp.WithString("creator",
		mcp.Required(),
		mcp.Description("Creator address receiving the creator share")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in base units (must be positive)")),
	mcp.WithString("config_id",
		mcp.Description("Configuration ID (defaults to the marketplace config)")),
)
