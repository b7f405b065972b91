package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetClusterInfo = mcp.NewTool("get_cluster_info",
	mcp.WithDescription(
		"Get the compute cluster's public key and readiness. "+
			"Score reports shared with a receiver are encrypted between this key and the receiver's key."),
)

var ToolGetWalletStatus = mcp.NewTool("get_wallet_status",
	mcp.WithDescription(
		"Get the credit record status for a Solana wallet: current score, risk level, "+
			"whether a new submission is allowed (24h cooldown by default), and whether the score is fresh enough to share (7 days by default)."),
	mcp.WithString("wallet",
		mcp.Description("Base58 Solana wallet address. Defaults to the wallet bound to the API key.")),
)

var ToolCalculateScore = mcp.NewTool("calculate_score",
	mcp.WithDescription(
		"Compute a confidential credit score (300-850) for your wallet. "+
			"Metrics are encrypted before they reach the compute cluster. "+
			"If metrics are omitted the server derives them from on-chain history. "+
			"Costs one unit of API quota. Keep the returned sender_key and nonce: share_score needs them."),
	mcp.WithObject("metrics",
		mcp.Description("Optional wallet metrics: {\"walletAgeDays\":400,\"transactionCount\":1200,\"totalVolumeUsd\":50000,"+
			"\"uniqueProtocols\":12,\"defiPositions\":3,\"nftCount\":4,\"failedTxs\":2,\"solBalance\":5000000000}")),
	mcp.WithString("wait",
		mcp.Description("How long to wait for the result, e.g. '30s'. Default '30s', max '60s'.")),
)

var ToolShareScore = mcp.NewTool("share_score",
	mcp.WithDescription(
		"Disclose your current score to a third party (e.g. a lender). "+
			"The report is encrypted to the receiver's key so only they can read it. "+
			"The score must still be inside its freshness window (7 days by default)."),
	mcp.WithString("receiver_key",
		mcp.Required(),
		mcp.Description("Receiver's x25519 public key (0x-prefixed hex or base58)")),
	mcp.WithString("receiver_nonce",
		mcp.Required(),
		mcp.Description("Receiver-chosen nonce as a decimal string")),
	mcp.WithString("sender_key",
		mcp.Required(),
		mcp.Description("The sender_key returned by calculate_score")),
	mcp.WithString("sender_nonce",
		mcp.Required(),
		mcp.Description("The nonce returned by calculate_score")),
)

var ToolGetComputation = mcp.NewTool("get_computation",
	mcp.WithDescription(
		"Look up a score or share computation by offset, optionally waiting for it to finish."),
	mcp.WithString("offset",
		mcp.Required(),
		mcp.Description("Computation offset as a decimal string")),
	mcp.WithString("wait",
		mcp.Description("How long to wait if still pending, e.g. '10s'")),
)

var ToolCheckUsage = mcp.NewTool("check_usage",
	mcp.WithDescription(
		"Check how many score computations your API key tier has left in the rolling 30-day window."),
)
