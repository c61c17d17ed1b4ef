package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudarb/cloudarb/internal/api"
	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/provider"
)

type stubAdapter struct {
	provider domain.CloudProvider
	points   []domain.PricePoint
}

func (s *stubAdapter) Provider() domain.CloudProvider { return s.provider }
func (s *stubAdapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	return s.points, nil
}
func (s *stubAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsSpot: true, MinPollInterval: time.Second}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	adp := &stubAdapter{
		provider: domain.Azure,
		points: []domain.PricePoint{
			{Provider: domain.Azure, InstanceType: "Standard_NC24ads_A100_v4", Region: "eastus", GPUKind: "a100", GPUCount: 1, OnDemandHr: 3.67, ObservedAt: time.Now()},
		},
	}
	provider.RegisterAdapterCreator(domain.Azure, func() (domain.Adapter, error) { return adp, nil })

	cfg := config.DefaultConfig()
	cfg.Logging.EnableFile = false
	cfg.Aggregator.CycleInterval = 20 * time.Millisecond
	cfg.Aggregator.CycleDeadline = 200 * time.Millisecond
	cfg.Aggregator.StalenessCeiling = time.Hour

	a := api.Init(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for a.GetPricingSnapshot(domain.PriceFilter{}).Generation == 0 {
		select {
		case <-waitCtx.Done():
			t.Fatalf("aggregator never published")
		case <-time.After(10 * time.Millisecond):
		}
	}

	return NewServer(cfg, a)
}

func TestHealthEndpointReportsGeneration(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handleHealth).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %v, want healthy", resp.Status)
	}
	if resp.Generation == 0 {
		t.Errorf("expected nonzero generation")
	}
}

func TestQuickOptimizeEndpoint(t *testing.T) {
	server := newTestServer(t)

	body := optimizeRequestBody{
		Items: []struct {
			GPUKind     string  `json:"gpu_kind"`
			MinCount    int     `json:"min_count"`
			MaxCount    int     `json:"max_count"`
			DurationHrs float64 `json:"duration_hrs"`
		}{{GPUKind: "a100", MinCount: 1, MaxCount: 1}},
		Objective:   "min-cost",
		BudgetPerHr: 10,
	}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/api/optimize", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handleQuickOptimize).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var alloc domain.Allocation
	if err := json.NewDecoder(rr.Body).Decode(&alloc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if alloc.Status != domain.StatusOptimal {
		t.Errorf("status = %v, want optimal", alloc.Status)
	}
}

func TestQuickOptimizeRejectsWrongMethod(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/optimize", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handleQuickOptimize).ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestQuickOptimizeRejectsMalformedBody(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/optimize", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handleQuickOptimize).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestPricingSnapshotEndpointFiltersByGPUKind(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/pricing?gpu_kind=a100", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handlePricingSnapshot).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap struct {
		Points []domain.PricePoint `json:"Points"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Points) == 0 {
		t.Errorf("expected at least one matching point")
	}
}

func TestGetOptimizationMissingRunID(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/optimize/status", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handleGetOptimization).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGetOptimizationUnknownRunID(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/optimize/status?run_id=does-not-exist", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(server.handleGetOptimization).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !rl.Allow("192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("192.168.1.1") {
		t.Error("6th request should be denied")
	}
	if !rl.Allow("192.168.1.2") {
		t.Error("request from different IP should be allowed")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
	wrapped := rl.Middleware(handler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		wrapped(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d should return 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	rr := httptest.NewRecorder()
	wrapped(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request should return 429, got %d", rr.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name          string
		xForwardedFor string
		xRealIP       string
		remoteAddr    string
		expectedIP    string
	}{
		{
			name:          "X-Forwarded-For header",
			xForwardedFor: "10.0.0.1, 192.168.1.1",
			remoteAddr:    "127.0.0.1:8080",
			expectedIP:    "10.0.0.1",
		},
		{
			name:       "X-Real-IP header",
			xRealIP:    "10.0.0.2",
			remoteAddr: "127.0.0.1:8080",
			expectedIP: "10.0.0.2",
		},
		{
			name:       "RemoteAddr fallback",
			remoteAddr: "192.168.1.100:54321",
			expectedIP: "192.168.1.100",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "192.168.1.100",
			expectedIP: "192.168.1.100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			req.RemoteAddr = tt.remoteAddr

			ip := getClientIP(req)
			if ip != tt.expectedIP {
				t.Errorf("getClientIP() = %v, want %v", ip, tt.expectedIP)
			}
		})
	}
}
