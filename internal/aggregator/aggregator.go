// Package aggregator drives provider adapters on a cadence, merges their
// output into the authoritative PricingTable, and publishes updates to
// subscribers. It is the single writer of the table; every other
// component reads an immutable snapshot.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/provider"
)

// fetchResult holds one adapter's outcome for a single cycle.
type fetchResult struct {
	provider domain.CloudProvider
	points   []domain.PricePoint
	err      error
}

// Aggregator owns the periodic fetch/merge/publish cycle described in the
// pricing-aggregator component. Exactly one goroutine (the cycle driver)
// ever writes table; every reader uses Snapshot's atomic pointer load.
type Aggregator struct {
	table   atomic.Pointer[domain.PricingTable]
	gen     atomic.Uint64
	started atomic.Bool

	mu          sync.Mutex
	subscribers []chan uint64

	cycleInterval time.Duration
	cycleDeadline time.Duration
	staleCeiling  time.Duration
	perProvider   map[string]time.Duration
	subBufferSize int

	factory *provider.Factory
	logger  *logging.Logger

	firstPublish chan struct{}
	once         sync.Once
}

// New builds an Aggregator reading its cadence from cfg.
func New(cfg *config.Config, factory *provider.Factory) *Aggregator {
	return &Aggregator{
		cycleInterval: cfg.Aggregator.CycleInterval,
		cycleDeadline: cfg.Aggregator.CycleDeadline,
		staleCeiling:  cfg.Aggregator.StalenessCeiling,
		perProvider:   stringKeyed(cfg.Aggregator.PerProviderCeilings),
		subBufferSize: maxInt(cfg.Aggregator.SubscriberBufferSize, 1),
		factory:       factory,
		logger:        logging.GetDefault().WithComponent("aggregator"),
		firstPublish:  make(chan struct{}),
	}
}

func stringKeyed(in map[string]time.Duration) map[string]time.Duration {
	if in == nil {
		return map[string]time.Duration{}
	}
	return in
}

func maxInt(v, floor int) int {
	if v <= 0 {
		return floor
	}
	return v
}

// Start begins the periodic cycle; safe to call once. Blocks until ctx
// is cancelled, running one cycle immediately and then every
// cycle-interval.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}

	a.runCycle(ctx)

	ticker := time.NewTicker(a.cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// RunOnce executes exactly one fetch/merge/publish cycle and returns.
// Used by short-lived invocation models (e.g. a Lambda handler) that
// cannot host the long-running Start loop.
func (a *Aggregator) RunOnce(ctx context.Context) {
	a.runCycle(ctx)
}

// WaitForFirstPublish blocks until the aggregator has published at least
// one generation, or ctx is cancelled. The optimization engine uses this
// on cold start (spec's freshness invariant: the table is never empty
// once an adapter has succeeded).
func (a *Aggregator) WaitForFirstPublish(ctx context.Context) error {
	select {
	case <-a.firstPublish:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns an immutable view of the pricing table and its
// generation. Lock-free: concurrent readers never block one another.
func (a *Aggregator) Snapshot() (*domain.PricingTable, uint64) {
	t := a.table.Load()
	if t == nil {
		return &domain.PricingTable{Entries: map[domain.Line]domain.PricePoint{}}, 0
	}
	return t, t.Generation
}

// Subscribe returns a channel of generation bumps. The channel is
// bounded; a slow subscriber observes only the most recent generation,
// missing intermediate bumps (coalescing semantics) rather than
// blocking the publisher.
func (a *Aggregator) Subscribe() <-chan uint64 {
	ch := make(chan uint64, a.subBufferSize)
	a.mu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.mu.Unlock()
	return ch
}

func (a *Aggregator) publish(table *domain.PricingTable) {
	a.table.Store(table)

	a.mu.Lock()
	subs := a.subscribers
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- table.Generation:
		default:
			// Coalesce: drain the stale value and push the latest one,
			// so slow subscribers skip intermediates instead of blocking.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- table.Generation:
			default:
			}
		}
	}

	a.once.Do(func() { close(a.firstPublish) })
}

// runCycle executes one fan-out/barrier/merge/validate/publish pass
// (spec §4.2 cycle algorithm).
func (a *Aggregator) runCycle(ctx context.Context) {
	start := time.Now()
	adapters := a.factory.AllAdapters()
	if len(adapters) == 0 {
		a.logger.Warn("no adapters registered, skipping cycle")
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, a.cycleDeadline)
	defer cancel()

	results := make([]fetchResult, len(adapters))
	var wg sync.WaitGroup

	for i, adp := range adapters {
		wg.Add(1)
		go func(idx int, a domain.Adapter) {
			defer wg.Done()
			points, err := a.FetchPricing(cycleCtx, domain.PriceFilter{})
			results[idx] = fetchResult{provider: a.Provider(), points: points, err: err}
		}(i, adp)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-cycleCtx.Done():
		a.logger.Warn("cycle deadline exceeded, proceeding with whatever arrived")
	}

	prevTable, _ := a.Snapshot()
	merged := a.merge(prevTable, results)
	beforeEviction := len(merged)
	merged = a.evictStale(merged)

	newGen := a.gen.Add(1)
	table := &domain.PricingTable{
		Generation: newGen,
		BuiltAt:    time.Now(),
		Entries:    merged,
	}

	logging.LogCycle(newGen, len(merged), beforeEviction-len(merged), time.Since(start))

	a.publish(table)
}

// merge folds each fetch result into the previous table, replacing an
// entry iff the incoming observation is newer. Equal-timestamp ties
// prefer the point carrying a non-nil spot price, else keep the
// existing entry.
func (a *Aggregator) merge(prev *domain.PricingTable, results []fetchResult) map[domain.Line]domain.PricePoint {
	merged := make(map[domain.Line]domain.PricePoint, len(prev.Entries))
	for k, v := range prev.Entries {
		merged[k] = v
	}

	for _, res := range results {
		if res.err != nil {
			a.logger.Warn("adapter %s fetch failed: %v", res.provider, res.err)
			continue
		}
		for _, pp := range res.points {
			if !pp.Valid() {
				continue
			}
			line := domain.Line{Provider: pp.Provider, InstanceType: pp.InstanceType, Region: pp.Region}
			existing, ok := merged[line]
			if !ok {
				merged[line] = pp
				continue
			}
			switch {
			case pp.ObservedAt.After(existing.ObservedAt):
				merged[line] = pp
			case pp.ObservedAt.Equal(existing.ObservedAt):
				if existing.SpotHr == nil && pp.SpotHr != nil {
					merged[line] = pp
				}
			}
		}
	}

	return merged
}

// evictStale drops entries whose staleness-age exceeds the per-provider
// ceiling (default 10 min), per the freshness invariant.
func (a *Aggregator) evictStale(entries map[domain.Line]domain.PricePoint) map[domain.Line]domain.PricePoint {
	now := time.Now()
	out := make(map[domain.Line]domain.PricePoint, len(entries))

	for line, pp := range entries {
		ceiling := a.staleCeiling
		if override, ok := a.perProvider[string(line.Provider)]; ok {
			ceiling = override
		}
		age := now.Sub(pp.ObservedAt)
		if age > ceiling {
			continue
		}
		pp.StalenessAge = age
		out[line] = pp
	}

	return out
}

// SortedLines returns entries for a GPU kind sorted by effective price at
// the given risk tolerance, ascending. Used by the arbitrage detector and
// by callers needing deterministic ordering.
func SortedLines(table *domain.PricingTable, gpuKind string, riskTolerance float64) []domain.PricePoint {
	points := table.ByGPUKind(gpuKind)
	sort.Slice(points, func(i, j int) bool {
		return points[i].EffectivePrice(riskTolerance) < points[j].EffectivePrice(riskTolerance)
	})
	return points
}
