// Package arbitrage implements the Arbitrage Detector: it watches the
// PricingTable for cross-provider savings opportunities and pushes them
// to subscribers on a bounded, drop-oldest broadcast channel.
package arbitrage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
)

// TableSource supplies pricing snapshots and a generation-bump bus.
// Implemented by *aggregator.Aggregator; declared narrowly here so this
// package has no import-time dependency on the aggregator package.
type TableSource interface {
	Snapshot() (*domain.PricingTable, uint64)
	Subscribe() <-chan uint64
}

// pairKey identifies a (from-line, to-line) opportunity for cooldown
// dedup purposes.
type pairKey struct {
	from domain.Line
	to   domain.Line
}

// Detector scans each new PricingTable generation for arbitrage
// opportunities and broadcasts them to subscribers.
type Detector struct {
	source TableSource
	mapper *domain.RegionMapper
	threshold float64
	cooldown  time.Duration

	mu          sync.Mutex
	subscribers []chan domain.Opportunity
	lastEmitted map[pairKey]time.Time
	broadcastDepth int

	// providerShare approximates "the caller's current
	// provider concentration" from spec §4.4's risk-scoring input: the
	// fraction of observed lines, across the whole table, belonging to
	// each provider. Recomputed once per scan.
	providerShare map[domain.CloudProvider]float64

	logger *logging.Logger
}

// New builds a Detector reading its tuning from cfg.
func New(cfg *config.Config, source TableSource) *Detector {
	overrides := make(map[string]domain.RegionClass, len(cfg.Arbitrage.RegionClasses))
	for region, class := range cfg.Arbitrage.RegionClasses {
		overrides[region] = domain.RegionClass(class)
	}

	depth := cfg.Arbitrage.BroadcastDepth
	if depth <= 0 {
		depth = 64
	}

	return &Detector{
		source:         source,
		mapper:         domain.NewRegionMapper(overrides),
		threshold:      cfg.Arbitrage.Threshold,
		cooldown:       cfg.Arbitrage.Cooldown,
		lastEmitted:    make(map[pairKey]time.Time),
		broadcastDepth: depth,
		logger:         logging.GetDefault().WithComponent("arbitrage"),
	}
}

// Subscribe registers a new bounded channel for Opportunity events. The
// channel is buffered to the configured broadcast depth; slow
// subscribers have their oldest unread event dropped to make room for
// the newest (drop-oldest per spec §4.4 "Emission").
func (d *Detector) Subscribe() <-chan domain.Opportunity {
	ch := make(chan domain.Opportunity, d.broadcastDepth)
	d.mu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.mu.Unlock()
	return ch
}

// Run blocks, scanning every time the source bumps its generation,
// until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	gens := d.source.Subscribe()
	d.scan(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-gens:
			if !ok {
				return
			}
			d.scan(time.Now())
		}
	}
}

// scan performs one full pass over the current snapshot, per spec
// §4.4's algorithm: partition by (gpu-kind, region-class), sort by
// effective price within each class, emit an Opportunity for every
// (high, low) pair crossing the savings threshold, subject to cooldown.
func (d *Detector) scan(now time.Time) {
	table, _ := d.source.Snapshot()
	if table == nil || len(table.Entries) == 0 {
		return
	}

	d.providerShare = computeProviderShare(table)

	type partitionKey struct {
		gpuKind string
		class   domain.RegionClass
	}
	partitions := make(map[partitionKey][]domain.PricePoint)
	for _, pp := range table.Entries {
		class := d.mapper.ClassOf(pp.Region)
		if class == domain.RegionClassUnknown {
			continue
		}
		key := partitionKey{gpuKind: pp.GPUKind, class: class}
		partitions[key] = append(partitions[key], pp)
	}

	for _, points := range partitions {
		sort.Slice(points, func(i, j int) bool {
			return points[i].EffectivePrice(0.5) < points[j].EffectivePrice(0.5)
		})

		for hi := len(points) - 1; hi > 0; hi-- {
			high := points[hi]
			highPrice := high.EffectivePrice(0.5)
			if highPrice <= 0 {
				continue
			}
			for lo := 0; lo < hi; lo++ {
				low := points[lo]
				lowPrice := low.EffectivePrice(0.5)
				savings := (highPrice - lowPrice) / highPrice
				if savings < d.threshold {
					continue
				}
				d.maybeEmit(high, low, savings, now)
			}
		}
	}
}

func (d *Detector) maybeEmit(high, low domain.PricePoint, savingsPct float64, now time.Time) {
	fromLine := domain.Line{Provider: high.Provider, InstanceType: high.InstanceType, Region: high.Region}
	toLine := domain.Line{Provider: low.Provider, InstanceType: low.InstanceType, Region: low.Region}
	key := pairKey{from: fromLine, to: toLine}

	d.mu.Lock()
	if last, ok := d.lastEmitted[key]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return
	}
	d.lastEmitted[key] = now
	d.mu.Unlock()

	opp := domain.Opportunity{
		GPUKind:    low.GPUKind,
		From:       fromLine,
		FromPrice:  high.EffectivePrice(0.5),
		To:         toLine,
		ToPrice:    low.EffectivePrice(0.5),
		SavingsPct: savingsPct,
		RiskScore:  d.riskScore(high, low),
		DetectedAt: now,
	}

	logging.LogOpportunity(opp.GPUKind, string(opp.From.Provider), string(opp.To.Provider), opp.SavingsPct, opp.RiskScore)

	d.broadcast(opp)
}

// riskScore blends three inputs from spec §4.4 "Risk scoring": the
// spot-share of the destination line, a provider-diversity bonus for
// opportunities that move spend away from the table's most concentrated
// provider, and a region-distance penalty for cross-region moves.
func (d *Detector) riskScore(high, low domain.PricePoint) float64 {
	const (
		weightSpot      = 0.5
		weightDiversity = 0.3
		weightDistance  = 0.2
	)

	spotShare := 0.0
	if low.SpotHr != nil && low.OnDemandHr > 0 {
		spotShare = 1 - (*low.SpotHr / low.OnDemandHr)
		if spotShare < 0 {
			spotShare = 0
		}
	}

	diversityPenalty := d.providerShare[low.Provider]

	distancePenalty := 0.0
	if high.Region != low.Region {
		distancePenalty = 1.0
		if high.Provider == low.Provider {
			distancePenalty = 0.5
		}
	}

	return weightSpot*spotShare + weightDiversity*diversityPenalty + weightDistance*distancePenalty
}

func computeProviderShare(table *domain.PricingTable) map[domain.CloudProvider]float64 {
	counts := make(map[domain.CloudProvider]int)
	total := 0
	for _, pp := range table.Entries {
		counts[pp.Provider]++
		total++
	}
	share := make(map[domain.CloudProvider]float64, len(counts))
	if total == 0 {
		return share
	}
	for p, c := range counts {
		share[p] = float64(c) / float64(total)
	}
	return share
}

// broadcast fans an Opportunity out to every subscriber, dropping the
// oldest buffered event on any channel that is full rather than
// blocking the scan loop.
func (d *Detector) broadcast(opp domain.Opportunity) {
	d.mu.Lock()
	subs := append([]chan domain.Opportunity{}, d.subscribers...)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- opp:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- opp:
			default:
			}
		}
	}
}
