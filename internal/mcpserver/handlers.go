package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
	"github.com/mbd888/cipherscore/pkg/client"
)

const defaultWait = 30 * time.Second

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *client.Client
	wallet string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(c *client.Client, wallet string) *Handlers {
	return &Handlers{client: c, wallet: wallet}
}

// HandleGetClusterInfo returns the cluster key.
func (h *Handlers) HandleGetClusterInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := h.client.ClusterInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get cluster info: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cluster key: %s\n", info.PublicKey)
	fmt.Fprintf(&sb, "Cluster key (base58): %s\n", info.PublicKeyBase58)
	fmt.Fprintf(&sb, "Ready: %t\n", info.Ready)
	if len(info.Circuits) > 0 {
		fmt.Fprintf(&sb, "Circuits: %s\n", strings.Join(info.Circuits, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetWalletStatus reports the record state for a wallet.
func (h *Handlers) HandleGetWalletStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", h.wallet)
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}

	st, err := h.client.WalletStatus(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(st)), nil
}

// HandleCalculateScore submits metrics (or a wallet-only request) and waits
// for the score.
func (h *Handlers) HandleCalculateScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.wallet == "" {
		return mcp.NewToolResultError("no wallet configured for this API key"), nil
	}
	wait, err := parseWait(req.GetString("wait", ""), defaultWait)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sub *client.Submission
	if raw, ok := req.GetArguments()["metrics"]; ok && raw != nil {
		m, err := parseMetrics(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid metrics: %v", err)), nil
		}
		sub, err = h.client.CalculateFromMetrics(ctx, h.wallet, m, wait)
		if err != nil {
			return submitError(err), nil
		}
	} else {
		sub, err = h.client.CalculateFromWallet(ctx, h.wallet, wait)
		if err != nil {
			return submitError(err), nil
		}
	}

	var sb strings.Builder
	sb.WriteString(formatComputation(sub.Computation))
	fmt.Fprintf(&sb, "\nsender_key: %s\n", sub.SenderKey)
	fmt.Fprintf(&sb, "nonce: %s\n", sub.Nonce)
	sb.WriteString("Keep sender_key and nonce to share this score later.\n")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleShareScore starts a disclosure to a receiver key.
func (h *Handlers) HandleShareScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.wallet == "" {
		return mcp.NewToolResultError("no wallet configured for this API key"), nil
	}

	receiverKey, err := sealed.ParsePublicKey(req.GetString("receiver_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("receiver_key: %v", err)), nil
	}
	receiverNonce, err := sealed.ParseNonce(req.GetString("receiver_nonce", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("receiver_nonce: %v", err)), nil
	}
	senderKey, err := sealed.ParsePublicKey(req.GetString("sender_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sender_key: %v", err)), nil
	}
	senderNonce, err := sealed.ParseNonce(req.GetString("sender_nonce", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sender_nonce: %v", err)), nil
	}

	comp, err := h.client.Share(ctx, h.wallet, client.ShareRequest{
		ReceiverKey:   receiverKey,
		ReceiverNonce: receiverNonce,
		SenderKey:     senderKey,
		SenderNonce:   senderNonce,
	})
	if err != nil {
		if client.IsScoreExpired(err) {
			return mcp.NewToolResultError("Your score is past its freshness window. Run calculate_score again before sharing."), nil
		}
		if client.IsNotFound(err) {
			return mcp.NewToolResultError("No credit record for this wallet yet. Run calculate_score first."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to share score: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Disclosure started.\nOffset: %d\nStatus: %s\n\n"+
			"Use get_computation with this offset to fetch the encrypted report for the receiver.",
		comp.Offset, comp.Status)), nil
}

// HandleGetComputation looks up a computation.
func (h *Handlers) HandleGetComputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offset, err := strconv.ParseUint(strings.TrimSpace(req.GetString("offset", "")), 10, 64)
	if err != nil {
		return mcp.NewToolResultError("offset must be a decimal integer"), nil
	}
	wait, err := parseWait(req.GetString("wait", ""), 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	comp, err := h.client.Computation(ctx, offset, wait)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get computation: %v", err)), nil
	}
	return mcp.NewToolResultText(formatComputation(comp)), nil
}

// HandleCheckUsage returns the caller's quota.
func (h *Handlers) HandleCheckUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	u, err := h.client.Usage(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check usage: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tier: %s\n", u.Tier)
	fmt.Fprintf(&sb, "Used: %d of %d\n", u.Used, u.Limit)
	fmt.Fprintf(&sb, "Remaining: %d\n", u.Remaining)
	if u.ResetsAt != nil {
		fmt.Fprintf(&sb, "Next slot frees: %s\n", u.ResetsAt.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func submitError(err error) *mcp.CallToolResult {
	var apiErr *client.Error
	switch {
	case client.IsCooldown(err) && errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
		return mcp.NewToolResultError(fmt.Sprintf(
			"A score was submitted recently. Next submission allowed in %s.", apiErr.RetryAfter.Round(time.Hour)))
	case client.IsCooldown(err):
		return mcp.NewToolResultError("A score was submitted recently. Try again once the submission cooldown ends.")
	case client.IsQuotaExceeded(err):
		return mcp.NewToolResultError("API quota exhausted for this window. Use check_usage to see when a slot frees up.")
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to calculate score: %v", err))
}

func parseWait(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("wait must be a duration like '30s'")
	}
	return d, nil
}

// parseMetrics round-trips the tool argument through JSON so field names
// match the API.
func parseMetrics(raw any) (scoring.WalletMetrics, error) {
	var m scoring.WalletMetrics
	if _, ok := raw.(map[string]any); !ok {
		return m, fmt.Errorf("expected an object")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}

func formatStatus(st *client.WalletStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet: %s\n", st.Wallet)
	if !st.Exists {
		sb.WriteString("No credit record yet. Use calculate_score to create one.\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "Score: %d (%s risk)\n", st.CurrentScore, st.RiskLevel)
	if st.ScoreTimestamp > 0 {
		fmt.Fprintf(&sb, "Scored at: %s\n", unix(st.ScoreTimestamp))
	}
	if st.ScoreFresh {
		fmt.Fprintf(&sb, "Shareable until: %s\n", unix(st.FreshUntil))
	} else {
		sb.WriteString("Score is stale; recalculate before sharing.\n")
	}
	if st.CanSubmit {
		sb.WriteString("New submission: allowed\n")
	} else {
		fmt.Fprintf(&sb, "New submission: allowed after %s\n", unix(st.NextSubmissionAt))
	}
	return sb.String()
}

func formatComputation(c *client.Computation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Offset: %d\n", c.Offset)
	fmt.Fprintf(&sb, "Circuit: %s\n", c.Circuit)
	fmt.Fprintf(&sb, "Status: %s\n", c.Status)
	if c.Score != nil {
		fmt.Fprintf(&sb, "Score: %d (%s risk)\n", *c.Score, scoring.RiskFor(*c.Score))
	}
	if c.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", c.Error)
	}
	if c.Report != nil {
		report, _ := json.MarshalIndent(c.Report, "", "  ")
		fmt.Fprintf(&sb, "Encrypted report:\n%s\n", report)
	}
	if c.Status == client.StatusPending {
		sb.WriteString("Still computing; call get_computation again with a wait.\n")
	}
	return sb.String()
}

func unix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
