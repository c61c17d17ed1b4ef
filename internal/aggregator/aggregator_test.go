package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/provider"
)

type stubAdapter struct {
	provider domain.CloudProvider
	points   []domain.PricePoint
	err      error
}

func (s *stubAdapter) Provider() domain.CloudProvider { return s.provider }
func (s *stubAdapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	return s.points, s.err
}
func (s *stubAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsSpot: true, MinPollInterval: time.Second}
}

func newTestFactory(t *testing.T, adapters ...*stubAdapter) *provider.Factory {
	t.Helper()
	for _, a := range adapters {
		adp := a
		provider.RegisterAdapterCreator(adp.provider, func() (domain.Adapter, error) {
			return adp, nil
		})
	}
	return provider.GetFactory()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Aggregator.CycleInterval = 50 * time.Millisecond
	cfg.Aggregator.CycleDeadline = 200 * time.Millisecond
	cfg.Aggregator.StalenessCeiling = time.Hour
	cfg.Aggregator.SubscriberBufferSize = 1
	return cfg
}

func testLogger() *logging.Logger {
	return logging.GetDefault().WithComponent("aggregator_test")
}

func TestAggregatorPublishesFirstSnapshot(t *testing.T) {
	now := time.Now()
	adp := &stubAdapter{
		provider: domain.AWS,
		points: []domain.PricePoint{
			{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1", GPUKind: "a100", OnDemandHr: 32.0, ObservedAt: now},
		},
	}
	factory := newTestFactory(t, adp)
	agg := New(testConfig(), factory)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go agg.Start(ctx)

	if err := agg.WaitForFirstPublish(ctx); err != nil {
		t.Fatalf("wait for first publish: %v", err)
	}

	table, gen := agg.Snapshot()
	if gen == 0 {
		t.Fatalf("expected nonzero generation after publish")
	}
	line := domain.Line{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1"}
	if _, ok := table.Lookup(line); !ok {
		t.Fatalf("expected line %v present in snapshot", line)
	}
}

func TestMergeKeepsNewerObservation(t *testing.T) {
	agg := &Aggregator{staleCeiling: time.Hour, perProvider: map[string]time.Duration{}, logger: testLogger()}
	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	prev := &domain.PricingTable{Entries: map[domain.Line]domain.PricePoint{
		{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1"}: {
			Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1", OnDemandHr: 30, ObservedAt: older,
		},
	}}

	results := []fetchResult{{
		provider: domain.AWS,
		points: []domain.PricePoint{
			{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1", OnDemandHr: 32, ObservedAt: newer},
		},
	}}

	merged := agg.merge(prev, results)
	line := domain.Line{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1"}
	if merged[line].OnDemandHr != 32 {
		t.Fatalf("expected newer observation (32) to win, got %v", merged[line].OnDemandHr)
	}
}

func TestMergePrefersSpotOnTimestampTie(t *testing.T) {
	agg := &Aggregator{staleCeiling: time.Hour, perProvider: map[string]time.Duration{}, logger: testLogger()}
	tie := time.Now()
	spot := 20.0

	prev := &domain.PricingTable{Entries: map[domain.Line]domain.PricePoint{
		{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1"}: {
			Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1", OnDemandHr: 30, ObservedAt: tie,
		},
	}}

	results := []fetchResult{{
		provider: domain.AWS,
		points: []domain.PricePoint{
			{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1", OnDemandHr: 30, SpotHr: &spot, ObservedAt: tie},
		},
	}}

	merged := agg.merge(prev, results)
	line := domain.Line{Provider: domain.AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1"}
	if merged[line].SpotHr == nil {
		t.Fatalf("expected tie-break to prefer the entry carrying a non-nil spot price")
	}
}

func TestMergeDropsInvalidPoints(t *testing.T) {
	agg := &Aggregator{staleCeiling: time.Hour, perProvider: map[string]time.Duration{}, logger: testLogger()}
	prev := &domain.PricingTable{Entries: map[domain.Line]domain.PricePoint{}}

	badSpot := 50.0 // exceeds on-demand, invalid
	results := []fetchResult{{
		provider: domain.AWS,
		points: []domain.PricePoint{
			{Provider: domain.AWS, InstanceType: "zero-price", Region: "us-east-1", OnDemandHr: 0, ObservedAt: time.Now()},
			{Provider: domain.AWS, InstanceType: "spot-exceeds", Region: "us-east-1", OnDemandHr: 10, SpotHr: &badSpot, ObservedAt: time.Now()},
		},
	}}

	merged := agg.merge(prev, results)
	if len(merged) != 0 {
		t.Fatalf("expected both invalid points dropped, got %d entries", len(merged))
	}
}

func TestEvictStaleRemovesExpiredEntries(t *testing.T) {
	agg := &Aggregator{staleCeiling: time.Minute, perProvider: map[string]time.Duration{}, logger: testLogger()}
	fresh := time.Now()
	stale := time.Now().Add(-time.Hour)

	entries := map[domain.Line]domain.PricePoint{
		{Provider: domain.AWS, InstanceType: "fresh", Region: "us-east-1"}: {ObservedAt: fresh},
		{Provider: domain.AWS, InstanceType: "stale", Region: "us-east-1"}: {ObservedAt: stale},
	}

	out := agg.evictStale(entries)
	if len(out) != 1 {
		t.Fatalf("expected only the fresh entry to survive, got %d", len(out))
	}
}

func TestSubscribeReceivesGenerationBump(t *testing.T) {
	adp := &stubAdapter{
		provider: domain.GCP,
		points: []domain.PricePoint{
			{Provider: domain.GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1", GPUKind: "a100", OnDemandHr: 4.0, ObservedAt: time.Now()},
		},
	}
	factory := newTestFactory(t, adp)
	agg := New(testConfig(), factory)

	sub := agg.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go agg.Start(ctx)

	select {
	case gen := <-sub:
		if gen == 0 {
			t.Fatalf("expected nonzero generation on subscriber channel")
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for a generation bump")
	}
}
