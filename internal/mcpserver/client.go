package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrowd platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	PartyAddress string // Caller's party address, e.g. "0x..."
}

// EscrowdClient is a pure HTTP client for the escrowd platform API.
type EscrowdClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowdClient creates a new client for the escrowd platform.
func NewEscrowdClient(cfg Config) *EscrowdClient {
	return &EscrowdClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *EscrowdClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow fetches a single escrow record.
func (c *EscrowdClient) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+escrowID, nil, nil)
}

// ListEscrows lists the caller's escrows, optionally filtered by role.
func (c *EscrowdClient) ListEscrows(ctx context.Context, role string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/parties/" + c.cfg.PartyAddress + "/escrows"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// GetBalance returns the caller's current balance.
func (c *EscrowdClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/parties/" + c.cfg.PartyAddress + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// CreateEscrow opens a new escrow with the caller as buyer.
func (c *EscrowdClient) CreateEscrow(ctx context.Context, sellerAddr, amount, orderID string) (json.RawMessage, error) {
	body := map[string]string{
		"buyerAddr":  c.cfg.PartyAddress,
		"sellerAddr": sellerAddr,
		"amount":     amount,
		"orderId":    orderID,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// ConfirmReceipt accepts delivery, releasing funds to the seller.
func (c *EscrowdClient) ConfirmReceipt(ctx context.Context, escrowID string) (json.RawMessage, error) {
	path := "/v1/escrows/" + escrowID + "/confirm-receipt"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// RaiseDispute contests an escrow before the dispute deadline.
func (c *EscrowdClient) RaiseDispute(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	path := "/v1/escrows/" + escrowID + "/dispute"
	body := map[string]string{
		"reason": reason,
	}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// CheckAutoRelease reports whether an escrow is eligible for auto-release.
func (c *EscrowdClient) CheckAutoRelease(ctx context.Context, escrowID string) (json.RawMessage, error) {
	path := "/v1/escrows/" + escrowID + "/auto-release"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// TriggerAutoRelease fires the permissionless deadline release.
func (c *EscrowdClient) TriggerAutoRelease(ctx context.Context, escrowID string) (json.RawMessage, error) {
	path := "/v1/escrows/" + escrowID + "/auto-release"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}
