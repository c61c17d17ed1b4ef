package arbitrage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
)

type stubTableSource struct {
	mu     sync.Mutex
	table  *domain.PricingTable
	gen    uint64
	bumpCh chan uint64
}

func newStubTableSource(table *domain.PricingTable) *stubTableSource {
	return &stubTableSource{table: table, gen: 1, bumpCh: make(chan uint64, 1)}
}

func (s *stubTableSource) Snapshot() (*domain.PricingTable, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table, s.gen
}

func (s *stubTableSource) Subscribe() <-chan uint64 {
	return s.bumpCh
}

func (s *stubTableSource) set(table *domain.PricingTable) {
	s.mu.Lock()
	s.table = table
	s.gen++
	s.mu.Unlock()
}

func gpuTable(entries map[domain.Line]domain.PricePoint) *domain.PricingTable {
	return &domain.PricingTable{Generation: 1, BuiltAt: time.Now(), Entries: entries}
}

func TestScanEmitsOpportunityAboveThreshold(t *testing.T) {
	entries := map[domain.Line]domain.PricePoint{
		{Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1"}: {
			Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1",
			GPUKind: "a100", OnDemandHr: 3.00, ObservedAt: time.Now(),
		},
		{Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east"}: {
			Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east",
			GPUKind: "a100", OnDemandHr: 2.40, ObservedAt: time.Now(),
		},
	}

	source := newStubTableSource(gpuTable(entries))
	cfg := config.DefaultConfig()
	cfg.Arbitrage.Threshold = 0.05
	cfg.Arbitrage.Cooldown = 5 * time.Minute
	d := New(cfg, source)

	sub := d.Subscribe()
	d.scan(time.Now())

	select {
	case opp := <-sub:
		if opp.SavingsPct < 0.19 || opp.SavingsPct > 0.21 {
			t.Fatalf("expected ~0.20 savings, got %v", opp.SavingsPct)
		}
		if opp.GPUKind != "a100" {
			t.Fatalf("expected a100, got %s", opp.GPUKind)
		}
	default:
		t.Fatalf("expected an opportunity to be emitted")
	}
}

func TestScanSuppressesDuplicateWithinCooldown(t *testing.T) {
	entries := map[domain.Line]domain.PricePoint{
		{Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1"}: {
			Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1",
			GPUKind: "a100", OnDemandHr: 3.00, ObservedAt: time.Now(),
		},
		{Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east"}: {
			Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east",
			GPUKind: "a100", OnDemandHr: 2.40, ObservedAt: time.Now(),
		},
	}

	source := newStubTableSource(gpuTable(entries))
	cfg := config.DefaultConfig()
	cfg.Arbitrage.Threshold = 0.05
	cfg.Arbitrage.Cooldown = 5 * time.Minute
	d := New(cfg, source)

	sub := d.Subscribe()
	now := time.Now()
	d.scan(now)
	<-sub

	d.scan(now.Add(time.Minute))
	select {
	case opp := <-sub:
		t.Fatalf("expected suppression within cooldown, got %+v", opp)
	default:
	}
}

func TestScanIgnoresUnknownRegionClass(t *testing.T) {
	entries := map[domain.Line]domain.PricePoint{
		{Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "mystery-region-1"}: {
			Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "mystery-region-1",
			GPUKind: "a100", OnDemandHr: 3.00, ObservedAt: time.Now(),
		},
		{Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east"}: {
			Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east",
			GPUKind: "a100", OnDemandHr: 2.40, ObservedAt: time.Now(),
		},
	}

	source := newStubTableSource(gpuTable(entries))
	cfg := config.DefaultConfig()
	d := New(cfg, source)

	sub := d.Subscribe()
	d.scan(time.Now())

	select {
	case opp := <-sub:
		t.Fatalf("expected no cross-class opportunity, got %+v", opp)
	default:
	}
}

func TestScanSkipsBelowThreshold(t *testing.T) {
	entries := map[domain.Line]domain.PricePoint{
		{Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1"}: {
			Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1",
			GPUKind: "a100", OnDemandHr: 2.50, ObservedAt: time.Now(),
		},
		{Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east"}: {
			Provider: domain.LambdaLabs, InstanceType: "gpu_1x_a100", Region: "us-east",
			GPUKind: "a100", OnDemandHr: 2.45, ObservedAt: time.Now(),
		},
	}

	source := newStubTableSource(gpuTable(entries))
	cfg := config.DefaultConfig()
	cfg.Arbitrage.Threshold = 0.05
	d := New(cfg, source)

	sub := d.Subscribe()
	d.scan(time.Now())

	select {
	case opp := <-sub:
		t.Fatalf("expected no opportunity below threshold, got %+v", opp)
	default:
	}
}

func TestBroadcastDropsOldestOnFullChannel(t *testing.T) {
	entries := map[domain.Line]domain.PricePoint{}
	source := newStubTableSource(gpuTable(entries))
	cfg := config.DefaultConfig()
	cfg.Arbitrage.BroadcastDepth = 1
	d := New(cfg, source)

	sub := d.Subscribe()
	first := domain.Opportunity{GPUKind: "a100", SavingsPct: 0.1}
	second := domain.Opportunity{GPUKind: "h100", SavingsPct: 0.2}

	d.broadcast(first)
	d.broadcast(second)

	got := <-sub
	if got.GPUKind != "h100" {
		t.Fatalf("expected drop-oldest to leave newest event, got %+v", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := newStubTableSource(gpuTable(map[domain.Line]domain.PricePoint{}))
	cfg := config.DefaultConfig()
	d := New(cfg, source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after context cancellation")
	}
}
