package api

import (
	"context"
	"testing"
	"time"

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

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Aggregator.CycleInterval = 20 * time.Millisecond
	cfg.Aggregator.CycleDeadline = 200 * time.Millisecond
	cfg.Aggregator.StalenessCeiling = time.Hour
	cfg.Aggregator.SubscriberBufferSize = 4
	cfg.Solver.DefaultDeadline = time.Second
	cfg.Arbitrage.Threshold = 0.05
	cfg.Arbitrage.Cooldown = time.Minute
	return cfg
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	adp := &stubAdapter{
		provider: domain.RunPod,
		points: []domain.PricePoint{
			{Provider: domain.RunPod, InstanceType: "a100-pcie", Region: "global", GPUKind: "a100", GPUCount: 1, OnDemandHr: 1.80, ObservedAt: time.Now()},
		},
	}
	provider.RegisterAdapterCreator(domain.RunPod, func() (domain.Adapter, error) { return adp, nil })

	a := Init(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)
	return a
}

func TestQuickOptimizeWaitsForFirstPublish(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := domain.Request{
		Items:          []domain.WorkloadItem{{GPUKind: "a100", MinCount: 1, MaxCount: 1}},
		Objective:      domain.ObjectiveMinCost,
		BudgetPerHr:    10,
		SolverDeadline: time.Second,
	}

	alloc, err := a.QuickOptimize(ctx, req)
	if err != nil {
		t.Fatalf("quick optimize: %v", err)
	}
	if alloc.Status != domain.StatusOptimal {
		t.Fatalf("expected optimal, got %s", alloc.Status)
	}
}

func TestSubmitAndGetOptimization(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := domain.Request{
		Items:       []domain.WorkloadItem{{GPUKind: "a100", MinCount: 1, MaxCount: 1}},
		Objective:   domain.ObjectiveMinCost,
		BudgetPerHr: 10,
	}

	runID, err := a.SubmitOptimization(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, ok := a.GetOptimization(runID)
		if !ok {
			t.Fatalf("expected run %s to exist", runID)
		}
		if run.State == RunCompleted {
			return
		}
		if run.State == RunFailed {
			t.Fatalf("run failed: %v", run.Err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not complete in time", runID)
}

func TestSubmitOptimizationRejectsInvalidRequest(t *testing.T) {
	a := newTestAPI(t)
	req := domain.Request{Items: []domain.WorkloadItem{{GPUKind: "a100", MinCount: 5, MaxCount: 1}}}

	_, err := a.SubmitOptimization(context.Background(), req)
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestGetPricingSnapshotFiltersByGPUKind(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.waitForPricing(ctx); err != nil {
		t.Fatalf("wait for pricing: %v", err)
	}

	snap := a.GetPricingSnapshot(domain.PriceFilter{GPUKinds: []string{"a100"}})
	if len(snap.Points) == 0 {
		t.Fatalf("expected at least one a100 point")
	}
	for _, pp := range snap.Points {
		if pp.GPUKind != "a100" {
			t.Fatalf("unexpected GPU kind %s in filtered snapshot", pp.GPUKind)
		}
	}

	empty := a.GetPricingSnapshot(domain.PriceFilter{GPUKinds: []string{"h100"}})
	if len(empty.Points) != 0 {
		t.Fatalf("expected no h100 points, got %d", len(empty.Points))
	}
}

func TestSubscribeOpportunitiesReturnsChannel(t *testing.T) {
	a := newTestAPI(t)
	sub := a.SubscribeOpportunities()
	if sub == nil {
		t.Fatalf("expected a non-nil opportunity channel")
	}
}

func TestShutdownDrainsBackgroundTasks(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
