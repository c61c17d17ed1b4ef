package domain

import (
	"testing"
	"time"
)

func TestCloudProviderValidity(t *testing.T) {
	tests := []struct {
		name string
		p    CloudProvider
		want bool
	}{
		{"aws", AWS, true},
		{"gcp", GCP, true},
		{"azure", Azure, true},
		{"lambdalabs", LambdaLabs, true},
		{"runpod", RunPod, true},
		{"unknown", CloudProvider("oracle"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloudProviderSupportsSpot(t *testing.T) {
	if !AWS.SupportsSpot() {
		t.Error("AWS should support spot")
	}
	if LambdaLabs.SupportsSpot() {
		t.Error("LambdaLabs should not support spot")
	}
	if RunPod.SupportsSpot() {
		t.Error("RunPod should not support spot")
	}
}

func spotPrice(v float64) *float64 { return &v }

func TestPricePointEffectivePrice(t *testing.T) {
	tests := []struct {
		name          string
		pp            PricePoint
		riskTolerance float64
		want          float64
	}{
		{
			name:          "no spot market falls back to on-demand",
			pp:            PricePoint{OnDemandHr: 2.40},
			riskTolerance: 1.0,
			want:          2.40,
		},
		{
			name:          "risk tolerance 0 keeps full on-demand weight",
			pp:            PricePoint{OnDemandHr: 3.00, SpotHr: spotPrice(1.00)},
			riskTolerance: 0.0,
			want:          3.00,
		},
		{
			name:          "risk tolerance 1 takes full spot weight",
			pp:            PricePoint{OnDemandHr: 3.00, SpotHr: spotPrice(1.00)},
			riskTolerance: 1.0,
			want:          1.00,
		},
		{
			name:          "risk tolerance 0.5 blends evenly",
			pp:            PricePoint{OnDemandHr: 3.00, SpotHr: spotPrice(1.00)},
			riskTolerance: 0.5,
			want:          2.00,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.pp.EffectivePrice(tt.riskTolerance)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("EffectivePrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPricePointValid(t *testing.T) {
	if (PricePoint{OnDemandHr: 0}).Valid() {
		t.Error("zero on-demand price should be invalid")
	}
	if (PricePoint{OnDemandHr: -1}).Valid() {
		t.Error("negative on-demand price should be invalid")
	}
	if (PricePoint{OnDemandHr: 1.0, SpotHr: spotPrice(2.0)}).Valid() {
		t.Error("spot price exceeding on-demand should be invalid")
	}
	if !(PricePoint{OnDemandHr: 1.0, SpotHr: spotPrice(0.5)}).Valid() {
		t.Error("spot price below on-demand should be valid")
	}
}

func TestPricingTableLookup(t *testing.T) {
	line := Line{Provider: AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1"}
	table := &PricingTable{
		Generation: 1,
		BuiltAt:    time.Now(),
		Entries: map[Line]PricePoint{
			line: {Provider: AWS, InstanceType: "p4d.24xlarge", Region: "us-east-1", OnDemandHr: 16.00},
		},
	}

	pp, ok := table.Lookup(line)
	if !ok {
		t.Fatal("expected line to be present")
	}
	if pp.OnDemandHr != 16.00 {
		t.Errorf("OnDemandHr = %v, want 16.00", pp.OnDemandHr)
	}

	if _, ok := table.Lookup(Line{Provider: GCP, InstanceType: "a2-highgpu-1g", Region: "us-central1"}); ok {
		t.Error("expected missing line to be absent")
	}
}

func TestPricingTableNilSafety(t *testing.T) {
	var table *PricingTable
	if _, ok := table.Lookup(Line{}); ok {
		t.Error("nil table lookup should report not-found")
	}
	if got := table.ByGPUKind("a100"); got != nil {
		t.Error("nil table ByGPUKind should return nil")
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{
			name:    "empty items rejected",
			req:     Request{RiskTolerance: 0.5},
			wantErr: true,
		},
		{
			name: "min exceeds max rejected",
			req: Request{
				Items:         []WorkloadItem{{GPUKind: "a100", MinCount: 8, MaxCount: 4}},
				RiskTolerance: 0.5,
			},
			wantErr: true,
		},
		{
			name: "risk tolerance out of range rejected",
			req: Request{
				Items:         []WorkloadItem{{GPUKind: "a100", MinCount: 1, MaxCount: 4}},
				RiskTolerance: 1.5,
			},
			wantErr: true,
		},
		{
			name: "valid request accepted",
			req: Request{
				Items:         []WorkloadItem{{GPUKind: "a100", MinCount: 1, MaxCount: 4}},
				RiskTolerance: 0.5,
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAllocationTotalPerHr(t *testing.T) {
	a := Allocation{
		Lines: []AllocationLine{
			{TotalPricePerHr: 9.60},
			{TotalPricePerHr: 2.40},
		},
	}
	if got := a.TotalPerHr(); got != 12.00 {
		t.Errorf("TotalPerHr() = %v, want 12.00", got)
	}
}

func TestRegionMapperSameClass(t *testing.T) {
	m := NewRegionMapper(nil)
	if !m.SameClass("us-east-1", "us-central1") {
		t.Error("us-east-1 and us-central1 should share the north-america class")
	}
	if m.SameClass("us-east-1", "westeurope") {
		t.Error("us-east-1 and westeurope should not share a class")
	}
	if m.SameClass("nowhere-1", "nowhere-2") {
		t.Error("unknown regions should never be treated as the same class")
	}
}

func TestGPUKindCanonicalizer(t *testing.T) {
	c := NewGPUKindCanonicalizer(nil)
	for _, raw := range []string{"a100", "A100", "NVIDIA A100", "nvidia-a100"} {
		if got := c.Canonicalize(raw); got != "a100" {
			t.Errorf("Canonicalize(%q) = %q, want a100", raw, got)
		}
	}
	if got := c.Canonicalize("mi300x"); got != "mi300x" {
		t.Errorf("Canonicalize passthrough = %q, want mi300x", got)
	}
}
