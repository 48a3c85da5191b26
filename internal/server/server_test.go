package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		FeeRateBps:          250,
		DeliveryWindow:      72 * time.Hour,
		MaxDeliveryWindow:   30 * 24 * time.Hour,
		DisputeWindow:       72 * time.Hour,
		FeeOnRefund:         true,
		PlatformAddr:        "0x00000000000000000000000000000000000000ff",
		ResolverAddr:        "0x00000000000000000000000000000000000000ee",
		StripeWebhookSecret: "whsec_test",
		RateLimitRPM:        1000,
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	// The scheduler only runs under Run(), so a fresh server reports degraded
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run(), got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestEscrowRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	escrowRoutes := map[string]bool{
		"GET:/v1/escrows/:id":                      false,
		"GET:/v1/escrows/:id/auto-release":         false,
		"POST:/v1/escrows/:id/auto-release":        false,
		"GET:/v1/parties/:address/escrows":         false,
		"POST:/v1/escrows":                         false,
		"POST:/v1/escrows/:id/confirm-delivery":    false,
		"POST:/v1/escrows/:id/confirm-receipt":     false,
		"POST:/v1/escrows/:id/dispute":             false,
		"POST:/v1/escrows/:id/resolve":             false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := escrowRoutes[key]; ok {
			escrowRoutes[key] = true
		}
	}

	for route, found := range escrowRoutes {
		if !found {
			t.Errorf("Escrow route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/parties",
		"POST:/v1/webhooks/stripe",
		"GET:/v1/parties/:address/balance",
		"GET:/v1/parties/:address/ledger",
		"POST:/v1/parties/:address/webhooks",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Party registration test
// ---------------------------------------------------------------------------

func TestPartyRegistration(t *testing.T) {
	s := newTestServer(t)

	body := `{"address":"0xaaaa000000000000000000000000000000000001","name":"buyer-1"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/parties", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["apiKey"] == nil || resp["apiKey"] == "" {
		t.Error("Expected apiKey in registration response")
	}
}

// ---------------------------------------------------------------------------
// Auth enforcement test
// ---------------------------------------------------------------------------

func TestProtectedRoutesRejectAnonymous(t *testing.T) {
	s := newTestServer(t)

	body := `{"orderId":"ord_1","buyerAddr":"0xaaaa000000000000000000000000000000000001","sellerAddr":"0xbbbb000000000000000000000000000000000002","amount":"10.00"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/escrows", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Bootstrap key test
// ---------------------------------------------------------------------------

func TestBootstrapKeysUsable(t *testing.T) {
	cfg := testConfig()
	rawKey := "sk_" + strings.Repeat("ab", 32)
	cfg.BootstrapAPIKeys = rawKey + ":0xcccc000000000000000000000000000000000003"

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with bootstrap key, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
