// Package domain holds the core CloudArb entities: providers, instance
// types, prices, requests and allocations. It has no dependency on any
// adapter, transport or storage package.
package domain

import (
	"strings"
	"time"
)

// CloudProvider identifies a supported GPU cloud.
type CloudProvider string

const (
	AWS        CloudProvider = "aws"
	GCP        CloudProvider = "gcp"
	Azure      CloudProvider = "azure"
	LambdaLabs CloudProvider = "lambdalabs"
	RunPod     CloudProvider = "runpod"
)

// String implements Stringer.
func (p CloudProvider) String() string {
	return string(p)
}

// IsValid reports whether p is one of the supported providers.
func (p CloudProvider) IsValid() bool {
	switch p {
	case AWS, GCP, Azure, LambdaLabs, RunPod:
		return true
	}
	return false
}

// SupportsSpot reports whether the provider has a spot/preemptible market.
func (p CloudProvider) SupportsSpot() bool {
	switch p {
	case AWS, GCP, Azure:
		return true
	case LambdaLabs, RunPod:
		return false
	}
	return false
}

// Objective selects the optimization engine's objective function.
type Objective string

const (
	ObjectiveMinCost        Objective = "min-cost"
	ObjectiveMaxPerformance Objective = "max-performance"
	ObjectiveBalanced       Objective = "balanced"
)

// SolveStatus is the outcome of an optimization attempt.
type SolveStatus string

const (
	StatusOptimal     SolveStatus = "optimal"
	StatusFeasibleGap SolveStatus = "feasible-gap"
	StatusInfeasible  SolveStatus = "infeasible"
	StatusTimeout     SolveStatus = "timeout"
)

// Provider is a registered cloud provider entry. Immutable after
// registration; disabling marks it dormant but never deletes history.
type Provider struct {
	ID       CloudProvider
	Name     string
	Dormant  bool
	QuotaQPS float64
}

// InstanceType describes one provider's purchasable SKU.
type InstanceType struct {
	ID         string
	ProviderID CloudProvider
	Name       string
	GPUKind    string // canonicalized, e.g. "a100"
	GPUCount   int
	VCPU       int
	RAMGiB     float64
	PerfScore  float64 // static benchmark score, used by max-performance objective
	Specs      map[string]string
}

// GPUKindCanonicalizer maps provider GPU model strings ("A100",
// "NVIDIA A100", "nvidia-a100") onto one lower-case kind ("a100").
type GPUKindCanonicalizer struct{ aliases map[string]string }

// NewGPUKindCanonicalizer returns a canonicalizer; aliases (may be nil)
// maps an already-normalized spelling to its canonical kind.
func NewGPUKindCanonicalizer(aliases map[string]string) *GPUKindCanonicalizer {
	return &GPUKindCanonicalizer{aliases: aliases}
}

// Canonicalize lower-cases raw, drops a leading "nvidia" vendor prefix and
// its separator, then applies aliases; other kinds pass through unchanged.
func (c *GPUKindCanonicalizer) Canonicalize(raw string) string {
	s := strings.TrimLeft(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "nvidia"), " -_")
	if v, ok := c.aliases[s]; ok {
		return v
	}
	return s
}

// GPUPerInstance returns the number of GPUs delivered by one unit of this
// instance type.
func (it InstanceType) GPUPerInstance() int {
	if it.GPUCount <= 0 {
		return 0
	}
	return it.GPUCount
}

// PricePoint is one observed price for a (provider, instance, region) line.
// GPUCount and PerfScore mirror the owning InstanceType's static specs so
// the optimizer can formulate gpu_per_instance(i) and perf(i) without a
// second lookup against a separate instance catalog.
type PricePoint struct {
	Provider     CloudProvider
	InstanceType string
	Region       string
	GPUKind      string
	GPUCount     int // GPUs delivered per unit of this instance type
	PerfScore    float64
	OnDemandHr   float64
	SpotHr       *float64 // nil when the provider has no spot market for this line
	Capacity     int       // max purchasable units this cycle; 0 means unknown/unbounded
	ObservedAt   time.Time
	StalenessAge time.Duration // set by the aggregator at snapshot time
}

// Line is the (provider, instance-type, region) key at which prices are
// quoted and allocations are selected.
type Line struct {
	Provider     CloudProvider
	InstanceType string
	Region       string
}

// EffectivePrice blends on-demand and spot price by risk tolerance.
// alpha = max(0, 1 - riskTolerance) is the weight on on-demand, so a
// risk-tolerance of 0 (fully risk-averse) yields the pure on-demand
// price and a risk-tolerance of 1 yields the pure spot price.
func (pp PricePoint) EffectivePrice(riskTolerance float64) float64 {
	if pp.SpotHr == nil {
		return pp.OnDemandHr
	}
	alpha := 1 - riskTolerance
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return alpha*pp.OnDemandHr + (1-alpha)*(*pp.SpotHr)
}

// Valid reports the per-point invariants from the data model: on-demand is
// strictly positive and spot, when present, does not exceed on-demand.
func (pp PricePoint) Valid() bool {
	if pp.OnDemandHr <= 0 {
		return false
	}
	if pp.SpotHr != nil && *pp.SpotHr > pp.OnDemandHr {
		return false
	}
	return true
}

// PricingTable is an immutable snapshot of the latest PricePoint per line,
// plus a monotonically increasing generation counter. Callers must never
// mutate the returned maps.
type PricingTable struct {
	Generation uint64
	BuiltAt    time.Time
	Entries    map[Line]PricePoint
}

// Lookup returns the entry for a line, if present.
func (t *PricingTable) Lookup(l Line) (PricePoint, bool) {
	if t == nil {
		return PricePoint{}, false
	}
	pp, ok := t.Entries[l]
	return pp, ok
}

// ByGPUKind returns every entry whose GPUKind matches, in map-iteration
// (unordered) order; callers needing determinism must sort.
func (t *PricingTable) ByGPUKind(kind string) []PricePoint {
	if t == nil {
		return nil
	}
	var out []PricePoint
	for _, pp := range t.Entries {
		if pp.GPUKind == kind {
			out = append(out, pp)
		}
	}
	return out
}

// WorkloadItem is one line of a Request: a GPU kind with a bounded count.
type WorkloadItem struct {
	GPUKind     string
	MinCount    int
	MaxCount    int
	DurationHrs float64
}

// Request is an optimization input. Transient; never persisted by the
// core itself.
type Request struct {
	Items          []WorkloadItem
	Objective      Objective
	BudgetPerHr    float64
	RiskTolerance  float64         // [0,1]
	ProviderAllow  []CloudProvider // empty means "all"
	RegionAllow    []string        // empty means "all"
	SolverDeadline time.Duration
	BalancedLambda float64 // weight for the "balanced" objective; 0 means use default 0.5
}

// Validate enforces the Request-level invariants from the data model.
func (r Request) Validate() error {
	if len(r.Items) == 0 {
		return NewRequestError("empty", "request must contain at least one workload item")
	}
	for _, it := range r.Items {
		if it.MinCount > it.MaxCount {
			return NewRequestError("bounds", "workload min-count exceeds max-count for gpu kind "+it.GPUKind)
		}
		if it.MinCount < 0 {
			return NewRequestError("bounds", "workload min-count is negative for gpu kind "+it.GPUKind)
		}
	}
	if r.RiskTolerance < 0 || r.RiskTolerance > 1 {
		return NewRequestError("risk-tolerance", "risk-tolerance must be within [0,1]")
	}
	return nil
}

// AllocationLine is one chosen (provider, instance, region, count) in an
// Allocation.
type AllocationLine struct {
	Provider        CloudProvider
	InstanceType    string
	Region          string
	GPUKind         string
	Count           int
	UnitPricePerHr  float64
	TotalPricePerHr float64
}

// Allocation is the Optimization Engine's output.
type Allocation struct {
	Lines          []AllocationLine
	ObjectiveValue float64
	SolveMs        int64
	Status         SolveStatus
	Gap            float64 // relative optimality gap, meaningful when Status == feasible-gap
	BindingReason  string  // populated when Status == infeasible: "budget", "capacity" or "coverage"
}

// TotalPerHr sums the allocation's hourly cost.
func (a Allocation) TotalPerHr() float64 {
	var total float64
	for _, l := range a.Lines {
		total += l.TotalPricePerHr
	}
	return total
}

// Opportunity is a detected cross-provider arbitrage signal.
type Opportunity struct {
	GPUKind    string
	From       Line
	FromPrice  float64
	To         Line
	ToPrice    float64
	SavingsPct float64
	RiskScore  float64
	DetectedAt time.Time
}

// NewDefaultRequest returns a Request with the spec's documented defaults
// applied (objective min-cost, balanced lambda 0.5, 30s solver deadline).
func NewDefaultRequest() Request {
	return Request{
		Objective:      ObjectiveMinCost,
		SolverDeadline: 30 * time.Second,
		BalancedLambda: 0.5,
	}
}
