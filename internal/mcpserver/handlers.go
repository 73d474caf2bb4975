package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleProposeTransaction proposes a transaction to another agent.
func (h *Handlers) HandleProposeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	receiver := req.GetString("receiver_id", "")
	title := req.GetString("title", "")
	if receiver == "" || title == "" {
		return mcp.NewToolResultError("receiver_id and title are required"), nil
	}

	body := map[string]any{
		"receiverId":  receiver,
		"title":       title,
		"description": req.GetString("description", ""),
		"currency":    req.GetString("currency", ""),
	}
	args := req.GetArguments()
	if _, ok := args["stated_value"]; ok {
		body["statedValue"] = req.GetInt("stated_value", 0)
	}
	if terms, ok := args["terms"].(map[string]any); ok {
		body["terms"] = terms
	}

	raw, err := h.client.ProposeTransaction(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to propose transaction: %v", err)), nil
	}
	return textOrError(formatTransaction(raw))
}

// HandleRespondTransaction accepts or rejects a proposal.
func (h *Handlers) HandleRespondTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	accept, ok := parseDecision(req.GetString("decision", ""))
	if !ok {
		return mcp.NewToolResultError("decision must be 'accept' or 'reject'"), nil
	}

	raw, err := h.client.RespondTransaction(ctx, id, accept)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to respond to transaction: %v", err)), nil
	}
	return textOrError(formatTransaction(raw))
}

// HandleCompleteTransaction marks a transaction completed.
func (h *Handlers) HandleCompleteTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	raw, err := h.client.CompleteTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete transaction: %v", err)), nil
	}
	return textOrError(formatTransaction(raw))
}

// HandleGetTransaction shows a transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}
	return textOrError(formatTransaction(raw))
}

// HandleFundEscrow funds a transaction's escrow.
func (h *Handlers) HandleFundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number of cents"), nil
	}

	raw, err := h.client.FundEscrow(ctx, id, int64(amount), req.GetString("currency", "USD"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fund escrow: %v", err)), nil
	}
	return textOrError(formatTransaction(raw))
}

// HandleReleaseEscrow releases escrow to the receiver.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	raw, err := h.client.ReleaseEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release escrow: %v", err)), nil
	}
	return textOrError(formatTransaction(raw))
}

// HandleCheckDisputeEligibility reports whether a dispute can be filed.
func (h *Handlers) HandleCheckDisputeEligibility(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	raw, err := h.client.CheckEligibility(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check eligibility: %v", err)), nil
	}
	return textOrError(formatEligibility(raw))
}

// HandleFileDispute files a dispute.
func (h *Handlers) HandleFileDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := map[string]any{
		"transactionId":       req.GetString("transaction_id", ""),
		"claimType":           req.GetString("claim_type", ""),
		"claimSummary":        req.GetString("claim_summary", ""),
		"claimDetails":        req.GetString("claim_details", ""),
		"requestedResolution": req.GetString("requested_resolution", ""),
	}
	for _, k := range []string{"transactionId", "claimType", "claimSummary", "requestedResolution"} {
		if body[k] == "" {
			return mcp.NewToolResultError("transaction_id, claim_type, claim_summary and requested_resolution are required"), nil
		}
	}

	raw, err := h.client.FileDispute(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to file dispute: %v", err)), nil
	}
	return textOrError(formatDispute(raw))
}

// HandleRespondToDispute submits the respondent's answer.
func (h *Handlers) HandleRespondToDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	summary := req.GetString("response_summary", "")
	if id == "" || summary == "" {
		return mcp.NewToolResultError("dispute_id and response_summary are required"), nil
	}
	raw, err := h.client.RespondToDispute(ctx, id, summary, req.GetString("response_details", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to respond to dispute: %v", err)), nil
	}
	return textOrError(formatDispute(raw))
}

// HandleAddEvidence attaches evidence to a dispute.
func (h *Handlers) HandleAddEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	evType := req.GetString("evidence_type", "")
	title := req.GetString("title", "")
	content := req.GetString("content", "")
	if id == "" || evType == "" || title == "" || content == "" {
		return mcp.NewToolResultError("dispute_id, evidence_type, title and content are required"), nil
	}

	raw, err := h.client.AddEvidence(ctx, id, evType, title, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add evidence: %v", err)), nil
	}

	var resp struct {
		Evidence map[string]any `json:"evidence"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Evidence == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Evidence %s added (%s as %s).",
		getString(resp.Evidence, "id"), getString(resp.Evidence, "evidenceType"),
		getString(resp.Evidence, "submitterRole"))), nil
}

// HandleGetDispute shows a dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	return textOrError(formatDispute(raw))
}

// HandleGetDecision shows the ruling view.
func (h *Handlers) HandleGetDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	raw, err := h.client.GetDecision(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get decision: %v", err)), nil
	}
	return textOrError(formatDecision(raw))
}

// HandleDecideRuling accepts or rejects a ruling.
func (h *Handlers) HandleDecideRuling(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	accept, ok := parseDecision(req.GetString("decision", ""))
	if !ok {
		return mcp.NewToolResultError("decision must be 'accept' or 'reject'"), nil
	}

	raw, err := h.client.DecideRuling(ctx, id, accept)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record decision: %v", err)), nil
	}
	return textOrError(formatDispute(raw))
}

// HandleEscalateDispute escalates a rejected ruling.
func (h *Handlers) HandleEscalateDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	reason := req.GetString("reason", "")
	if id == "" || reason == "" {
		return mcp.NewToolResultError("dispute_id and reason are required"), nil
	}

	raw, err := h.client.Escalate(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to escalate: %v", err)), nil
	}

	var resp struct {
		Escalation map[string]any `json:"escalation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escalation == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	e := resp.Escalation
	var sb strings.Builder
	sb.WriteString("Escalation requested.\n")
	fmt.Fprintf(&sb, "  ID: %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
	if fee, ok := getFloat(e, "creditsCharged"); ok {
		fmt.Fprintf(&sb, "  Fee: %s\n", cents(fee))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance returns the caller's credit balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	bal, _ := getFloat(m, "balance")
	return mcp.NewToolResultText(fmt.Sprintf("Credit balance for %s: %s", getString(m, "accountId"), cents(bal))), nil
}

// --- Formatters ---

func textOrError(text string, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func parseDecision(s string) (accept, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return true, true
	case "reject":
		return false, true
	}
	return false, false
}

func formatTransaction(raw json.RawMessage) (string, error) {
	var resp struct {
		Transaction map[string]any `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	tx := resp.Transaction
	if tx == nil {
		return "", fmt.Errorf("response has no transaction")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s: %s\n", getString(tx, "id"), getString(tx, "title"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(tx, "status"))
	fmt.Fprintf(&sb, "  Proposer: %s\n", getString(tx, "proposerId"))
	fmt.Fprintf(&sb, "  Receiver: %s\n", getString(tx, "receiverId"))
	if v, ok := getFloat(tx, "statedValue"); ok {
		fmt.Fprintf(&sb, "  Value: %s %s\n", cents(v), getString(tx, "currency"))
	}
	if esc, ok := tx["escrow"].(map[string]any); ok {
		if status := getString(esc, "status"); status != "" && status != "none" {
			fmt.Fprintf(&sb, "  Escrow: %s", status)
			if v, ok := getFloat(esc, "amount"); ok {
				fmt.Fprintf(&sb, " (%s %s)", cents(v), getString(esc, "currency"))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Dispute
	if d == nil {
		return "", fmt.Errorf("response has no dispute")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s on transaction %s\n", getString(d, "id"), getString(d, "transactionId"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(d, "status"))
	fmt.Fprintf(&sb, "  Claim: %s (%s)\n", getString(d, "claimSummary"), getString(d, "claimType"))
	fmt.Fprintf(&sb, "  Claimant: %s  Respondent: %s\n", getString(d, "claimantId"), getString(d, "respondentId"))
	if v := getString(d, "responseDeadline"); v != "" && getString(d, "responseSubmittedAt") == "" {
		fmt.Fprintf(&sb, "  Response due: %s\n", v)
	}
	if v := getString(d, "ruling"); v != "" {
		fmt.Fprintf(&sb, "  Ruling: %s\n", v)
		fmt.Fprintf(&sb, "  Decisions: claimant=%s respondent=%s\n",
			getString(d, "claimantDecision"), getString(d, "respondentDecision"))
	}
	if v, ok := getFloat(d, "creditsCharged"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Credits charged: %s\n", cents(v))
	}
	return sb.String(), nil
}

func formatEligibility(raw json.RawMessage) (string, error) {
	var resp struct {
		Eligibility map[string]any `json:"eligibility"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	e := resp.Eligibility
	if e == nil {
		return "", fmt.Errorf("response has no eligibility")
	}

	if ok, _ := e["canFile"].(bool); !ok {
		return fmt.Sprintf("Cannot file a dispute: %s", getString(e, "reason")), nil
	}
	if free, _ := e["isFree"].(bool); free {
		return "You can file a dispute on this transaction. Filing is free.", nil
	}
	cost, _ := getFloat(e, "estimatedCost")
	return fmt.Sprintf("You can file a dispute on this transaction. Filing costs %s in credits.", cents(cost)), nil
}

func formatDecision(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision map[string]any `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Decision
	if d == nil {
		return "", fmt.Errorf("response has no decision")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ruling on %s: %s\n", getString(d, "disputeId"), getString(d, "ruling"))
	if v := getString(d, "rulingReasoning"); v != "" {
		fmt.Fprintf(&sb, "  Reasoning: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Status: %s\n", getString(d, "status"))
	fmt.Fprintf(&sb, "  Your decision: %s\n", getString(d, "yourDecision"))
	fmt.Fprintf(&sb, "  Claimant: %s  Respondent: %s\n",
		getString(d, "claimantDecision"), getString(d, "respondentDecision"))
	if v := getString(d, "decisionDeadline"); v != "" {
		fmt.Fprintf(&sb, "  Decide by: %s\n", v)
	}
	if ok, _ := d["canEscalate"].(bool); ok {
		sb.WriteString("  You may escalate this ruling to human review.\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// cents renders an integer cent amount as a decimal string.
func cents(v float64) string {
	n := int64(v)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
