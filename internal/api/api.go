// Package api wires the Pricing Aggregator, Optimization Engine and
// Arbitrage Detector into the component graph exposed to callers (spec
// §6 "Exposed"). It owns their lifecycle: Init builds the graph, Start
// runs it, Shutdown drains it.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/cloudarb/cloudarb/internal/aggregator"
	"github.com/cloudarb/cloudarb/internal/arbitrage"
	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/optimizer"
	"github.com/cloudarb/cloudarb/internal/provider"
)

// RunState is the lifecycle state of a submitted optimization run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Run tracks one asynchronous optimization submitted via
// SubmitOptimization.
type Run struct {
	ID         string
	State      RunState
	Allocation domain.Allocation
	Err        error
	SubmittedAt time.Time
	CompletedAt time.Time
}

// API is the component graph: Pricing Aggregator, Optimization Engine
// and Arbitrage Detector, plus the async-run table backing
// SubmitOptimization/GetOptimization.
type API struct {
	cfg        *config.Config
	aggregator *aggregator.Aggregator
	optimizer  *optimizer.Engine
	arbitrage  *arbitrage.Detector
	logger     *logging.Logger

	coldStartGrace time.Duration

	mu      sync.Mutex
	runs    map[string]*Run
	nextRun uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Init builds the component graph from cfg but does not start any
// background tasks.
func Init(cfg *config.Config) *API {
	factory := provider.GetFactory()
	agg := aggregator.New(cfg, factory)
	opt := optimizer.New(cfg, agg)
	det := arbitrage.New(cfg, agg)

	return &API{
		cfg:            cfg,
		aggregator:     agg,
		optimizer:      opt,
		arbitrage:      det,
		logger:         logging.GetDefault().WithComponent("api"),
		coldStartGrace: 10 * time.Second,
		runs:           make(map[string]*Run),
	}
}

// Start launches the aggregator's cycle driver and the arbitrage
// detector's scan loop as background tasks. Safe to call once.
func (a *API) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.aggregator.Start(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.arbitrage.Run(runCtx)
	}()

	a.logger.Info("component graph started")
}

// Shutdown cancels all background tasks and waits for them to drain.
// In-flight solves observe ctx cancellation cooperatively (spec §5
// "Cancellation and timeouts").
func (a *API) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("component graph shut down cleanly")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAggregatorCycle executes exactly one pricing fetch/merge/publish
// cycle and returns. Used by short-lived invocation models (e.g. an AWS
// Lambda handler) instead of Start's long-running cycle driver.
func (a *API) RunAggregatorCycle(ctx context.Context) {
	a.aggregator.RunOnce(ctx)
}

// waitForPricing blocks until the aggregator has published at least one
// generation, bounded by the cold-start grace period set in Init (spec
// §7 "Empty-table").
func (a *API) waitForPricing(ctx context.Context) error {
	if _, gen := a.aggregator.Snapshot(); gen > 0 {
		return nil
	}
	graceCtx, cancel := context.WithTimeout(ctx, a.coldStartGrace)
	defer cancel()
	if err := a.aggregator.WaitForFirstPublish(graceCtx); err != nil {
		return domain.ErrPricingUnavailable
	}
	return nil
}

// QuickOptimize runs a synchronous solve against the current pricing
// snapshot.
func (a *API) QuickOptimize(ctx context.Context, req domain.Request) (domain.Allocation, error) {
	if err := a.waitForPricing(ctx); err != nil {
		return domain.Allocation{}, err
	}
	return a.optimizer.Solve(ctx, req)
}

// SubmitOptimization starts an asynchronous solve and returns a run ID
// immediately; the result is retrieved later via GetOptimization.
func (a *API) SubmitOptimization(ctx context.Context, req domain.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.nextRun++
	id := runID(a.nextRun)
	run := &Run{ID: id, State: RunPending, SubmittedAt: time.Now()}
	a.runs[id] = run
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		a.mu.Lock()
		run.State = RunRunning
		a.mu.Unlock()

		if err := a.waitForPricing(ctx); err != nil {
			a.mu.Lock()
			run.State = RunFailed
			run.Err = err
			run.CompletedAt = time.Now()
			a.mu.Unlock()
			return
		}

		alloc, err := a.optimizer.Solve(ctx, req)

		a.mu.Lock()
		run.CompletedAt = time.Now()
		if err != nil {
			run.State = RunFailed
			run.Err = err
		} else {
			run.State = RunCompleted
			run.Allocation = alloc
		}
		a.mu.Unlock()
	}()

	return id, nil
}

// GetOptimization returns the current state of a submitted run.
func (a *API) GetOptimization(runID string) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[runID]
	if !ok {
		return nil, false
	}
	cp := *run
	return &cp, true
}

// SubscribeOpportunities returns a stream of Opportunity events from the
// Arbitrage Detector.
func (a *API) SubscribeOpportunities() <-chan domain.Opportunity {
	return a.arbitrage.Subscribe()
}

// PricingSnapshot is the result of GetPricingSnapshot: a filtered set of
// PricePoints plus the generation and build time they were read from.
type PricingSnapshot struct {
	Points     []domain.PricePoint
	Generation uint64
	BuiltAt    time.Time
}

// GetPricingSnapshot returns the current pricing table, optionally
// filtered by GPU kind and region.
func (a *API) GetPricingSnapshot(filter domain.PriceFilter) PricingSnapshot {
	table, gen := a.aggregator.Snapshot()

	kinds := toSet(filter.GPUKinds)
	regions := toSet(filter.Regions)

	var points []domain.PricePoint
	for _, pp := range table.Entries {
		if len(kinds) > 0 && !kinds[pp.GPUKind] {
			continue
		}
		if len(regions) > 0 && !regions[pp.Region] {
			continue
		}
		points = append(points, pp)
	}

	return PricingSnapshot{Points: points, Generation: gen, BuiltAt: table.BuiltAt}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func runID(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "run-0"
	}
	buf := make([]byte, 0, 12)
	for n > 0 {
		buf = append(buf, alphabet[n%uint64(len(alphabet))])
		n /= uint64(len(alphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "run-" + string(buf)
}
