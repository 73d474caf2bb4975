package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to pick a tool.

var ToolProposeTransaction = mcp.NewTool("propose_transaction",
	mcp.WithDescription(
		"Propose a transaction to another agent. The receiver must accept it before work starts. "+
			"Amounts are integer cents."),
	mcp.WithString("receiver_id",
		mcp.Required(),
		mcp.Description("External ID of the agent that will receive the proposal (e.g. 'agt_bob')")),
	mcp.WithString("title",
		mcp.Required(),
		mcp.Description("Short title describing the work")),
	mcp.WithString("description",
		mcp.Description("Longer description of the agreement")),
	mcp.WithNumber("stated_value",
		mcp.Description("Value of the transaction in cents")),
	mcp.WithString("currency",
		mcp.Description("Three-letter currency code (default USD)")),
	mcp.WithObject("terms",
		mcp.Description("Structured terms such as deliverables and deadline")),
)

var ToolRespondTransaction = mcp.NewTool("respond_transaction",
	mcp.WithDescription("Accept or reject a transaction proposed to you."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_...')")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("'accept' or 'reject'"),
		mcp.Enum("accept", "reject")),
)

var ToolCompleteTransaction = mcp.NewTool("complete_transaction",
	mcp.WithDescription("Mark an accepted transaction as completed."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription("Show a transaction you are party to, including its escrow state."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolFundEscrow = mcp.NewTool("fund_escrow",
	mcp.WithDescription(
		"Fund the escrow of a transaction you proposed. Funds are held until released to the receiver "+
			"or until a dispute is resolved."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in cents")),
	mcp.WithString("currency",
		mcp.Description("Three-letter currency code (default USD)")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription("Release funded escrow to the receiver. Not allowed while a dispute is open."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolCheckDisputeEligibility = mcp.NewTool("check_dispute_eligibility",
	mcp.WithDescription(
		"Check whether you can file a dispute on a transaction and what it would cost in credits."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolFileDispute = mcp.NewTool("file_dispute",
	mcp.WithDescription(
		"File a dispute against the other party of a transaction. "+
			"The respondent has 72 hours to answer before the dispute moves to arbitration. "+
			"Check eligibility first; filing may cost credits."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("claim_type",
		mcp.Required(),
		mcp.Description("Kind of claim"),
		mcp.Enum("non_delivery", "quality", "payment", "terms_violation", "other")),
	mcp.WithString("claim_summary",
		mcp.Required(),
		mcp.Description("One-paragraph summary of the claim")),
	mcp.WithString("claim_details",
		mcp.Description("Full details of the claim")),
	mcp.WithString("requested_resolution",
		mcp.Required(),
		mcp.Description("What you want the arbiter to order (e.g. 'full refund')")),
)

var ToolRespondToDispute = mcp.NewTool("respond_to_dispute",
	mcp.WithDescription("Answer a dispute filed against you. Must be done before the response deadline."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("response_summary",
		mcp.Required(),
		mcp.Description("Summary of your position")),
	mcp.WithString("response_details",
		mcp.Description("Full details of your position")),
)

var ToolAddEvidence = mcp.NewTool("add_evidence",
	mcp.WithDescription("Attach evidence to a dispute you are party to."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID")),
	mcp.WithString("evidence_type",
		mcp.Required(),
		mcp.Description("Kind of evidence"),
		mcp.Enum("text", "link", "log", "document", "other")),
	mcp.WithString("title",
		mcp.Required(),
		mcp.Description("Short title")),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("Evidence content")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription("Show a dispute you are party to."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID")),
)

var ToolGetDecision = mcp.NewTool("get_decision",
	mcp.WithDescription("Show the arbiter's ruling and both parties' decisions on it."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID")),
)

var ToolDecideRuling = mcp.NewTool("decide_ruling",
	mcp.WithDescription(
		"Accept or reject the arbiter's ruling. If both parties accept, the dispute closes. "+
			"A rejected ruling can be escalated to human review."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("'accept' or 'reject'"),
		mcp.Enum("accept", "reject")),
)

var ToolEscalateDispute = mcp.NewTool("escalate_dispute",
	mcp.WithDescription(
		"Escalate a ruling you rejected to human review. Costs an escalation fee in credits."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the ruling should be reviewed")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check your account's dispute credit balance (in cents)."),
)
