// Package lambdalabs implements the Lambda Labs pricing adapter.
package lambdalabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/provider"
)

// instanceTypesResponse mirrors Lambda Labs' public
// GET /instance-types response schema.
type instanceTypesResponse struct {
	Data map[string]struct {
		InstanceType struct {
			Name              string  `json:"name"`
			Description       string  `json:"description"`
			PriceCentsPerHour int     `json:"price_cents_per_hour"`
			Specs             struct {
				VCPUs     int     `json:"vcpus"`
				MemoryGiB float64 `json:"memory_gib"`
				GPUs      int     `json:"gpus"`
			} `json:"specs"`
		} `json:"instance_type"`
		RegionsWithCapacityAvailable []struct {
			Name string `json:"name"`
		} `json:"regions_with_capacity_available"`
	} `json:"data"`
}

// Adapter implements domain.Adapter for Lambda Labs' on-demand-only GPU
// cloud, querying its public REST catalog. Lambda Labs has no spot
// market, so PricePoint.SpotHr is always left nil (spec §4.1's per-
// provider capability gate excludes it from spot-aware objectives).
type Adapter struct {
	client      *provider.RateLimitedClient
	cache       *provider.InMemoryCache
	baseURL     string
	apiKey      string
	canon       *domain.GPUKindCanonicalizer
	logger      *logging.Logger
	quarantined bool
}

// New constructs the Lambda Labs adapter.
func New(baseURL, apiKey string, rateLimitQPS float64) *Adapter {
	return &Adapter{
		client:  provider.NewRateLimitedClient(&http.Client{Timeout: 15 * time.Second}, rateLimitQPS, provider.DefaultRetryPolicy()),
		cache:   provider.NewInMemoryCache(),
		baseURL: baseURL,
		apiKey:  apiKey,
		canon:   domain.NewGPUKindCanonicalizer(nil),
		logger:  logging.GetDefault().WithComponent("provider.lambdalabs"),
	}
}

func (a *Adapter) Provider() domain.CloudProvider { return domain.LambdaLabs }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		SupportsSpot:         false,
		HasRegionGranularity: true,
		SustainableQPS:       2,
		MinPollInterval:      60 * time.Second,
	}
}

// FetchPricing lists Lambda Labs' published instance-type catalog and
// emits one PricePoint per (instance type, region with capacity) pair.
func (a *Adapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	if a.quarantined {
		return nil, domain.NewAdapterError(domain.LambdaLabs, "", "fetch", domain.ErrProviderAuth)
	}

	const cacheKey = "lambdalabs_pricing"
	if cached, ok := a.cache.Get(cacheKey); ok {
		return filterPoints(cached.([]domain.PricePoint), filter), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/instance-types", nil)
	if err != nil {
		return nil, domain.NewAdapterError(domain.LambdaLabs, "", "build_request", err)
	}
	if a.apiKey != "" {
		req.SetBasicAuth(a.apiKey, "")
	}

	resp, err := a.client.Do(ctx, domain.LambdaLabs, "", req)
	if err != nil {
		if isAuthError(err) {
			a.quarantined = true
		}
		return nil, err
	}
	defer resp.Body.Close()

	var parsed instanceTypesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewAdapterError(domain.LambdaLabs, "", "parse", domain.ErrProviderSchema)
	}

	now := time.Now()
	var points []domain.PricePoint

	for _, entry := range parsed.Data {
		gpuKind, ok := gpuKindFromName(entry.InstanceType.Name)
		if !ok {
			continue
		}
		onDemand := float64(entry.InstanceType.PriceCentsPerHour) / 100.0
		gpuCount := entry.InstanceType.Specs.GPUs
		if gpuCount <= 0 {
			gpuCount = 1
		}

		for _, region := range entry.RegionsWithCapacityAvailable {
			pp := domain.PricePoint{
				Provider:     domain.LambdaLabs,
				InstanceType: entry.InstanceType.Name,
				Region:       region.Name,
				GPUKind:      a.canon.Canonicalize(gpuKind),
				GPUCount:     gpuCount,
				PerfScore:    perfScoreFor(gpuKind),
				OnDemandHr:   onDemand,
				Capacity:     1,
				ObservedAt:   now,
			}
			if pp.Valid() {
				points = append(points, pp)
			}
		}
	}

	a.cache.Set(cacheKey, points, int(a.Capabilities().MinPollInterval.Seconds())*2)
	return filterPoints(points, filter), nil
}

// gpuKindFromName extracts the GPU model token from a Lambda Labs
// instance-type name such as "gpu_1x_a100" or "gpu_8x_h100_sxm5".
func gpuKindFromName(name string) (string, bool) {
	parts := strings.Split(name, "_")
	for _, part := range parts {
		lower := strings.ToLower(part)
		if strings.HasPrefix(lower, "a100") || strings.HasPrefix(lower, "h100") ||
			strings.HasPrefix(lower, "a10") || strings.HasPrefix(lower, "a6000") ||
			strings.HasPrefix(lower, "v100") {
			return lower, true
		}
	}
	return "", false
}

// perfScoreFor returns a static benchmark score for a GPU kind, used by
// the optimizer's max-performance objective. Unknown kinds score neutral.
func perfScoreFor(gpuKind string) float64 {
	switch gpuKind {
	case "h100":
		return 10.0
	case "a100":
		return 8.0
	case "a6000":
		return 3.5
	case "a10":
		return 3.0
	case "v100":
		return 4.0
	default:
		return 1.0
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrProviderAuth)
}

func filterPoints(points []domain.PricePoint, filter domain.PriceFilter) []domain.PricePoint {
	if len(filter.GPUKinds) == 0 && len(filter.Regions) == 0 {
		return points
	}
	out := make([]domain.PricePoint, 0, len(points))
	for _, p := range points {
		if len(filter.GPUKinds) > 0 && !contains(filter.GPUKinds, p.GPUKind) {
			continue
		}
		if len(filter.Regions) > 0 && !contains(filter.Regions, p.Region) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func init() {
	provider.RegisterAdapterCreator(domain.LambdaLabs, func() (domain.Adapter, error) {
		cfg := config.Get().LambdaLabs
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("lambdalabs: missing api key")
		}
		return New(cfg.BaseURL, cfg.APIKey, cfg.RateLimitQPS), nil
	})
}
