// Package web exposes the CloudArb component graph over a thin JSON
// HTTP API: quick and asynchronous optimization, pricing snapshots and
// an arbitrage opportunity feed.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudarb/cloudarb/internal/api"
	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
)

// Server serves the CloudArb HTTP API over the component graph built by
// api.Init.
type Server struct {
	port        int
	logger      *logging.Logger
	cfg         *config.Config
	api         *api.API
	rateLimiter *RateLimiter
	startTime   time.Time
}

// NewServer creates a web server bound to an already-initialized
// component graph.
func NewServer(cfg *config.Config, a *api.API) *Server {
	logger, _ := logging.New(logging.Config{
		Level:       logging.INFO,
		LogDir:      cfg.Logging.LogDir,
		EnableFile:  cfg.Logging.EnableFile,
		EnableJSON:  cfg.Logging.EnableJSON,
		EnableColor: cfg.Logging.EnableColor,
		Component:   "web",
		Version:     "1.0.0",
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
	})
	// Rate limit: 100 requests per minute per IP.
	rateLimiter := NewRateLimiter(100, time.Minute)
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return &Server{port: port, logger: logger, cfg: cfg, api: a, rateLimiter: rateLimiter, startTime: time.Now()}
}

// Start registers routes and blocks serving HTTP until the process
// exits or ListenAndServe returns an error.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/optimize", s.rateLimiter.Middleware(s.handleQuickOptimize))
	mux.HandleFunc("/api/optimize/submit", s.rateLimiter.Middleware(s.handleSubmitOptimization))
	mux.HandleFunc("/api/optimize/status", s.handleGetOptimization)
	mux.HandleFunc("/api/pricing", s.handlePricingSnapshot)
	mux.HandleFunc("/api/opportunities", s.handleOpportunities)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      requestLogger(mux),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("starting CloudArb API at http://localhost:%d", s.port)
	return srv.ListenAndServe()
}

// statusRecorder captures the status code written by a handler so
// requestLogger can report it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush delegates to the underlying ResponseWriter's Flusher, if any, so
// streaming handlers (e.g. handleOpportunities) keep working through the
// wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger wraps a handler, logging each request's method, path,
// status and duration via logging.LogRequest.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.LogRequest(r.Method, r.URL.Path, r.Header.Get("X-Request-Id"), time.Since(start), rec.status)
	})
}

// HealthResponse reports the service's liveness and the pricing table's
// freshness.
type HealthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Generation uint64 `json:"generation"`
	UptimeSecs int64  `json:"uptime_secs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	snap := s.api.GetPricingSnapshot(domain.PriceFilter{})
	status := "healthy"
	if snap.Generation == 0 {
		status = "starting"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Generation: snap.Generation,
		UptimeSecs: int64(time.Since(s.startTime).Seconds()),
	})
}

// optimizeRequestBody is the wire shape for /api/optimize and
// /api/optimize/submit.
type optimizeRequestBody struct {
	Items []struct {
		GPUKind     string  `json:"gpu_kind"`
		MinCount    int     `json:"min_count"`
		MaxCount    int     `json:"max_count"`
		DurationHrs float64 `json:"duration_hrs"`
	} `json:"items"`
	Objective      string   `json:"objective"`
	BudgetPerHr    float64  `json:"budget_per_hr"`
	RiskTolerance  float64  `json:"risk_tolerance"`
	ProviderAllow  []string `json:"provider_allow"`
	RegionAllow    []string `json:"region_allow"`
	SolverDeadline int      `json:"solver_deadline_ms"`
	BalancedLambda float64  `json:"balanced_lambda"`
}

func (b optimizeRequestBody) toDomain() domain.Request {
	req := domain.Request{
		Objective:      domain.Objective(b.Objective),
		BudgetPerHr:    b.BudgetPerHr,
		RiskTolerance:  b.RiskTolerance,
		RegionAllow:    b.RegionAllow,
		BalancedLambda: b.BalancedLambda,
	}
	if req.Objective == "" {
		req.Objective = domain.ObjectiveMinCost
	}
	if b.SolverDeadline > 0 {
		req.SolverDeadline = time.Duration(b.SolverDeadline) * time.Millisecond
	}
	for _, p := range b.ProviderAllow {
		req.ProviderAllow = append(req.ProviderAllow, domain.CloudProvider(p))
	}
	for _, it := range b.Items {
		req.Items = append(req.Items, domain.WorkloadItem{
			GPUKind: it.GPUKind, MinCount: it.MinCount, MaxCount: it.MaxCount, DurationHrs: it.DurationHrs,
		})
	}
	return req
}

func (s *Server) handleQuickOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body optimizeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second)
	defer cancel()

	alloc, err := s.api.QuickOptimize(ctx, body.toDomain())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleSubmitOptimization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body optimizeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	runID, err := s.api.SubmitOptimization(r.Context(), body.toDomain())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGetOptimization(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run_id")
		return
	}

	run, ok := s.api.GetOptimization(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run id")
		return
	}

	resp := map[string]interface{}{
		"run_id": run.ID,
		"state":  run.State,
	}
	if run.State == api.RunCompleted {
		resp["allocation"] = run.Allocation
	}
	if run.State == api.RunFailed && run.Err != nil {
		resp["error"] = run.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePricingSnapshot(w http.ResponseWriter, r *http.Request) {
	filter := domain.PriceFilter{}
	if kinds := r.URL.Query()["gpu_kind"]; len(kinds) > 0 {
		filter.GPUKinds = kinds
	}
	if regions := r.URL.Query()["region"]; len(regions) > 0 {
		filter.Regions = regions
	}

	snap := s.api.GetPricingSnapshot(filter)
	writeJSON(w, http.StatusOK, snap)
}

// handleOpportunities streams newline-delimited JSON Opportunity events
// until the client disconnects or the subscription closes; after 30s
// without an event it flushes and keeps waiting.
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sub := s.api.SubscribeOpportunities()
	encoder := json.NewEncoder(w)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-sub:
			if !ok {
				return
			}
			if err := encoder.Encode(opp); err != nil {
				return
			}
			flusher.Flush()
		case <-time.After(30 * time.Second):
			flusher.Flush()
		}
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case err == domain.ErrPricingUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
