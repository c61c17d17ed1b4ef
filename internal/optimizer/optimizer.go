// Package optimizer implements the Optimization Engine: given a Request
// and a PricingTable snapshot, it formulates and solves an integer
// program producing a cost- or performance-optimal Allocation within a
// wall-clock deadline.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
)

// SnapshotSource supplies the pricing snapshot the engine solves against.
// Implemented by *aggregator.Aggregator; declared narrowly here so this
// package has no import-time dependency on the aggregator package.
type SnapshotSource interface {
	Snapshot() (*domain.PricingTable, uint64)
}

// Engine runs solves against the latest pricing snapshot, pooling solver
// instances up to a configured concurrency limit and coalescing
// duplicate in-flight requests through a solution cache.
type Engine struct {
	source         SnapshotSource
	defaultDeadline time.Duration
	targetGap      float64
	balancedLambda float64
	pool           chan struct{}
	cache          *solutionCache
	logger         *logging.Logger
	demandSignal   domain.DemandSignalProvider
}

// New builds an Engine reading its solve discipline from cfg. The engine
// has no demand-signal input by default; wire one with WithDemandSignal.
func New(cfg *config.Config, source SnapshotSource) *Engine {
	poolSize := cfg.Solver.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Engine{
		source:          source,
		defaultDeadline: cfg.Solver.DefaultDeadline,
		targetGap:       cfg.Solver.TargetGap,
		balancedLambda:  cfg.Solver.BalancedLambda,
		pool:            make(chan struct{}, poolSize),
		cache:           newSolutionCache(256),
		logger:          logging.GetDefault().WithComponent("optimizer"),
		demandSignal:    domain.NoopDemandSignalProvider{},
	}
}

// WithDemandSignal attaches an optional forecast-demand input (spec §6
// "Forecast signal"). Absence is non-fatal: the engine solves against
// observed prices alone, same as with the default no-op provider.
func (e *Engine) WithDemandSignal(p domain.DemandSignalProvider) *Engine {
	if p != nil {
		e.demandSignal = p
	}
	return e
}

// spotRiskPremium bounds how much a forecast demand spike can raise a
// spot line's effective cost during candidate selection.
const spotRiskPremium = 0.15

// Solve produces an Allocation for req against the current pricing
// snapshot, honoring req.SolverDeadline (or the engine default) and
// coalescing concurrent identical requests via the solution cache.
func (e *Engine) Solve(ctx context.Context, req domain.Request) (domain.Allocation, error) {
	if err := req.Validate(); err != nil {
		return domain.Allocation{}, err
	}

	table, gen := e.source.Snapshot()
	fingerprint := requestFingerprint(req, gen)

	if cached, ok := e.cache.get(fingerprint); ok {
		return cached, nil
	}

	result, shouldRun := e.cache.joinOrLead(fingerprint)
	if !shouldRun {
		select {
		case <-result.done:
			return result.allocation, result.err
		case <-ctx.Done():
			return domain.Allocation{}, domain.NewSolveError(fingerprint, ctx.Err())
		}
	}

	alloc, err := e.runSolve(ctx, req, table, fingerprint)
	e.cache.complete(fingerprint, alloc, err)
	return alloc, err
}

func (e *Engine) runSolve(ctx context.Context, req domain.Request, table *domain.PricingTable, fingerprint string) (domain.Allocation, error) {
	select {
	case e.pool <- struct{}{}:
		defer func() { <-e.pool }()
	case <-ctx.Done():
		return domain.Allocation{}, domain.NewSolveError(fingerprint, ctx.Err())
	}

	deadline := req.SolverDeadline
	if deadline <= 0 || deadline > e.defaultDeadline {
		deadline = e.defaultDeadline
	}
	solveCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	lines, bounds, reason := e.buildCandidates(solveCtx, req, table)
	if reason != "" {
		return domain.Allocation{
			Status:        domain.StatusInfeasible,
			BindingReason: reason,
			SolveMs:       time.Since(start).Milliseconds(),
		}, nil
	}

	lambda := req.BalancedLambda
	if lambda == 0 {
		lambda = e.balancedLambda
	}

	s := &solver{
		lines:     lines,
		bounds:    bounds,
		budget:    req.BudgetPerHr,
		objective: req.Objective,
		lambda:    lambda,
		perfCeil:  perfCeiling(lines),
		deadline:  time.Now().Add(deadline),
		targetGap: e.targetGap,
	}

	status, gap := s.solve(solveCtx)
	alloc := domain.Allocation{
		Status:  status,
		Gap:     gap,
		SolveMs: time.Since(start).Milliseconds(),
	}

	if status == domain.StatusInfeasible {
		alloc.BindingReason = inferBindingReason(lines, bounds, req.BudgetPerHr)
		return alloc, nil
	}
	if !s.haveBest {
		alloc.Status = domain.StatusTimeout
		return alloc, nil
	}

	alloc.Lines = buildAllocationLines(lines, s.best)
	alloc.ObjectiveValue = s.objectiveValue(s.best)

	logging.LogSolve(requestFingerprint(req, table.Generation), string(alloc.Status), alloc.ObjectiveValue, time.Since(start))

	return alloc, nil
}

// buildCandidates applies the pre-processing pass (spec §4.3
// "Pre-processing"): eliminate lines over budget, keep only GPU kinds
// referenced by the request, tighten per-line unit caps to the matching
// item's max need, and merge duplicate-kind item bounds by intersection.
func (e *Engine) buildCandidates(ctx context.Context, req domain.Request, table *domain.PricingTable) ([]candidateLine, []itemBound, string) {
	bounds := mergeItemBounds(req.Items)
	if len(bounds) == 0 {
		return nil, nil, "coverage"
	}

	wantedKinds := make(map[string]bool, len(bounds))
	for _, b := range bounds {
		wantedKinds[b.gpuKind] = true
	}

	var lines []candidateLine
	for line, pp := range table.Entries {
		if !wantedKinds[pp.GPUKind] {
			continue
		}
		if !providerAllowed(req.ProviderAllow, pp.Provider) {
			continue
		}
		if !regionAllowed(req.RegionAllow, pp.Region) {
			continue
		}
		unitCost := pp.EffectivePrice(req.RiskTolerance)
		if pp.SpotHr != nil && req.RiskTolerance > 0 {
			if demand, confidence, err := e.demandSignal.GetDemandSignal(ctx, pp.GPUKind, req.Items[0].DurationHrs); err == nil && confidence > 0 {
				unitCost *= 1 + demand*confidence*spotRiskPremium
			}
		}
		if unitCost <= 0 || unitCost > req.BudgetPerHr {
			continue
		}
		lines = append(lines, candidateLine{
			line:          line,
			gpuKind:       pp.GPUKind,
			gpuCount:      maxInt(pp.GPUCount, 1),
			perf:          pp.PerfScore,
			unitCost:      unitCost,
			capacity:      pp.Capacity,
			onDemandShare: onDemandAlpha(pp, req.RiskTolerance),
		})
	}

	if len(lines) == 0 {
		return nil, nil, "capacity"
	}

	for i, l := range lines {
		for _, b := range bounds {
			if b.gpuKind == l.gpuKind {
				cap := ceilDiv(b.max, l.gpuCount)
				if l.capacity == 0 || cap < l.capacity {
					lines[i].capacity = cap
				}
			}
		}
	}

	return lines, bounds, ""
}

// onDemandAlpha is the on-demand weight PricePoint.EffectivePrice applied
// when it blended this line's unitCost, used by the solver's tie-break to
// score an assignment's on-demand share without re-deriving the blend.
func onDemandAlpha(pp domain.PricePoint, riskTolerance float64) float64 {
	if pp.SpotHr == nil {
		return 1
	}
	alpha := 1 - riskTolerance
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return alpha
}

// mergeItemBounds collapses items sharing a GPU kind into one
// intersected [min,max] range, since they constrain the same candidate
// lines; an empty intersection means the request can never be satisfied.
func mergeItemBounds(items []domain.WorkloadItem) []itemBound {
	byKind := make(map[string]*itemBound)
	var order []string
	for _, it := range items {
		b, ok := byKind[it.GPUKind]
		if !ok {
			nb := itemBound{gpuKind: it.GPUKind, min: it.MinCount, max: it.MaxCount}
			byKind[it.GPUKind] = &nb
			order = append(order, it.GPUKind)
			continue
		}
		if it.MinCount > b.min {
			b.min = it.MinCount
		}
		if it.MaxCount < b.max {
			b.max = it.MaxCount
		}
	}

	var out []itemBound
	for _, k := range order {
		b := byKind[k]
		if b.min > b.max {
			return nil
		}
		out = append(out, *b)
	}
	return out
}

func providerAllowed(allow []domain.CloudProvider, p domain.CloudProvider) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == p {
			return true
		}
	}
	return false
}

func regionAllowed(allow []string, region string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == region {
			return true
		}
	}
	return false
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

func perfCeiling(lines []candidateLine) float64 {
	var max float64
	for _, l := range lines {
		if l.perf > max {
			max = l.perf
		}
	}
	if max == 0 {
		return 1
	}
	return max
}

func buildAllocationLines(lines []candidateLine, counts []int) []domain.AllocationLine {
	var out []domain.AllocationLine
	for i, qty := range counts {
		if qty <= 0 {
			continue
		}
		l := lines[i]
		out = append(out, domain.AllocationLine{
			Provider:        l.line.Provider,
			InstanceType:    l.line.InstanceType,
			Region:          l.line.Region,
			GPUKind:         l.gpuKind,
			Count:           qty,
			UnitPricePerHr:  l.unitCost,
			TotalPricePerHr: l.unitCost * float64(qty),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Region < out[j].Region
	})
	return out
}

// inferBindingReason classifies why preprocessing or solving found no
// feasible assignment, for the caller-facing diagnostic.
func inferBindingReason(lines []candidateLine, bounds []itemBound, budget float64) string {
	if len(lines) == 0 {
		return "capacity"
	}
	var cheapestTotal float64
	for _, b := range bounds {
		var cheapest = math.MaxFloat64
		var count int
		for _, l := range lines {
			if l.gpuKind == b.gpuKind && l.unitCost < cheapest {
				cheapest = l.unitCost
				count = ceilDiv(b.min, l.gpuCount)
			}
		}
		if cheapest < math.MaxFloat64 {
			cheapestTotal += cheapest * float64(count)
		}
	}
	if cheapestTotal > budget {
		return "budget"
	}
	return "coverage"
}

// requestFingerprint builds a canonical cache key from the request's
// semantically meaningful fields and the pricing generation it would
// solve against (spec §4.3 "State").
func requestFingerprint(req domain.Request, generation uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "gen=%d|obj=%s|budget=%.6f|risk=%.6f|lambda=%.6f", generation, req.Objective, req.BudgetPerHr, req.RiskTolerance, req.BalancedLambda)

	items := append([]domain.WorkloadItem{}, req.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].GPUKind < items[j].GPUKind })
	for _, it := range items {
		fmt.Fprintf(&b, "|item=%s:%d:%d", it.GPUKind, it.MinCount, it.MaxCount)
	}

	providers := append([]domain.CloudProvider{}, req.ProviderAllow...)
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	for _, p := range providers {
		fmt.Fprintf(&b, "|p=%s", p)
	}

	regions := append([]string{}, req.RegionAllow...)
	sort.Strings(regions)
	for _, r := range regions {
		fmt.Fprintf(&b, "|r=%s", r)
	}

	return b.String()
}
