package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowdClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowdClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow looks up a single escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists the caller's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, role, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the caller's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateEscrow opens a new escrow with the caller as buyer.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	if seller == "" {
		return mcp.NewToolResultError("seller is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, seller, amount, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	escrowID, err := extractEscrowID(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created for %s to %s\n"+
			"Escrow ID: %s\n"+
			"Status: Funds held in escrow\n\n"+
			"Use confirm_receipt once the order arrives, or raise_dispute "+
			"before the deadline if it doesn't.",
		amount, seller, escrowID)), nil
}

// HandleConfirmReceipt accepts delivery and releases funds.
func (h *Handlers) HandleConfirmReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	_, err := h.client.ConfirmReceipt(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirm receipt failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Receipt confirmed for escrow %s.\n"+
			"Status: Funds released to the seller.",
		escrowID)), nil
}

// HandleRaiseDispute contests an escrow.
func (h *Handlers) HandleRaiseDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	_, err := h.client.RaiseDispute(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\n"+
			"Reason: %s\n"+
			"Status: Frozen until the platform resolver rules on it.",
		escrowID, reason)), nil
}

// HandleCheckAutoRelease reports deadline-release eligibility.
func (h *Handlers) HandleCheckAutoRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.CheckAutoRelease(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Check failed: %v", err)), nil
	}

	var resp struct {
		Eligible bool `json:"eligible"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.Eligible {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Escrow %s is ELIGIBLE for auto-release. "+
				"Use trigger_auto_release to send the funds to the seller.", escrowID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s is not eligible for auto-release yet "+
			"(deadline not reached, disputed, or already settled).", escrowID)), nil
}

// HandleTriggerAutoRelease fires the deadline release.
func (h *Handlers) HandleTriggerAutoRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.TriggerAutoRelease(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Auto-release failed: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText("Auto-release triggered.\n\n" + text), nil
}

// --- Formatting helpers ---

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Escrow might be at top level or nested under "escrow"
	e := resp
	if nested, ok := resp["escrow"].(map[string]any); ok {
		e = nested
	}

	var sb strings.Builder
	sb.WriteString("Escrow:\n")
	sb.WriteString(fmt.Sprintf("  ID: %s\n", getString(e, "id")))
	sb.WriteString(fmt.Sprintf("  State: %s\n", getString(e, "state")))
	sb.WriteString(fmt.Sprintf("  Order: %s\n", getString(e, "orderId")))
	sb.WriteString(fmt.Sprintf("  Buyer: %s\n", getString(e, "buyerAddr")))
	sb.WriteString(fmt.Sprintf("  Seller: %s\n", getString(e, "sellerAddr")))
	sb.WriteString(fmt.Sprintf("  Amount: %s (fee %s)\n", getString(e, "amount"), getString(e, "feeAmount")))
	if v := getString(e, "deliveryDeadline"); v != "" {
		sb.WriteString(fmt.Sprintf("  Delivery deadline: %s\n", v))
	}
	if v := getString(e, "disputeDeadline"); v != "" {
		sb.WriteString(fmt.Sprintf("  Dispute deadline: %s\n", v))
	}
	if v := getString(e, "disputeReason"); v != "" {
		sb.WriteString(fmt.Sprintf("  Dispute reason: %s\n", v))
	}
	if v := getString(e, "resolution"); v != "" {
		sb.WriteString(fmt.Sprintf("  Resolution: %s\n", v))
	}

	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected escrows response format")
	}

	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d escrow(s):\n\n", len(resp.Escrows)))
	for i, e := range resp.Escrows {
		sb.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, getString(e, "id"), getString(e, "state")))
		sb.WriteString(fmt.Sprintf("   Order: %s | Amount: %s\n", getString(e, "orderId"), getString(e, "amount")))
		sb.WriteString(fmt.Sprintf("   Buyer: %s -> Seller: %s\n", getString(e, "buyerAddr"), getString(e, "sellerAddr")))
		if i < len(resp.Escrows)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func extractEscrowID(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	// Try resp.escrow.id
	if escrow, ok := resp["escrow"].(map[string]any); ok {
		if id, ok := escrow["id"].(string); ok {
			return id, nil
		}
	}
	// Try resp.id
	if id, ok := resp["id"].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("no escrow ID in response: %s", string(raw))
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("Balance:\n")
	sb.WriteString(fmt.Sprintf("  Available: %s\n", getString(bal, "available")))
	if v := getString(bal, "held"); v != "" && v != "0" && v != "0.000000" {
		sb.WriteString(fmt.Sprintf("  Held in escrow: %s\n", v))
	}

	return sb.String(), nil
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
