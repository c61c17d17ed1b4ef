// Package runpod implements the RunPod pricing adapter.
package runpod

import (
	"bytes"
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

const gpuTypesQuery = `query GpuTypes {
  gpuTypes {
    id
    displayName
    memoryInGb
    secureCloud
    communityCloud
    lowestPrice(input: {gpuCount: 1}) {
      uninterruptablePrice
      minimumBidPrice
    }
  }
}`

type graphQLRequest struct {
	Query string `json:"query"`
}

type gpuType struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"displayName"`
	MemoryInGb     float64 `json:"memoryInGb"`
	SecureCloud    bool    `json:"secureCloud"`
	CommunityCloud bool    `json:"communityCloud"`
	LowestPrice    struct {
		UninterruptablePrice float64 `json:"uninterruptablePrice"`
		MinimumBidPrice      float64 `json:"minimumBidPrice"`
	} `json:"lowestPrice"`
}

type graphQLResponse struct {
	Data struct {
		GPUTypes []gpuType `json:"gpuTypes"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Adapter implements domain.Adapter for RunPod, querying its public
// GraphQL API. RunPod has no region-scoped pricing: a single "global"
// pseudo-region is used so this adapter still satisfies the (provider,
// instance, region) Line key the rest of CloudArb indexes by. Bid
// (spot-equivalent) pricing is surfaced via PricePoint.SpotHr.
type Adapter struct {
	client      *provider.RateLimitedClient
	cache       *provider.InMemoryCache
	endpoint    string
	apiKey      string
	canon       *domain.GPUKindCanonicalizer
	logger      *logging.Logger
	quarantined bool
}

// pseudoRegion is the single logical region RunPod's global GPU pool is
// reported under, since RunPod pricing carries no region dimension.
const pseudoRegion = "global"

// New constructs the RunPod adapter.
func New(endpoint, apiKey string, rateLimitQPS float64) *Adapter {
	return &Adapter{
		client:   provider.NewRateLimitedClient(&http.Client{Timeout: 15 * time.Second}, rateLimitQPS, provider.DefaultRetryPolicy()),
		cache:    provider.NewInMemoryCache(),
		endpoint: endpoint,
		apiKey:   apiKey,
		canon:    domain.NewGPUKindCanonicalizer(nil),
		logger:   logging.GetDefault().WithComponent("provider.runpod"),
	}
}

func (a *Adapter) Provider() domain.CloudProvider { return domain.RunPod }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		SupportsSpot:         true,
		HasRegionGranularity: false,
		SustainableQPS:       2,
		MinPollInterval:      60 * time.Second,
	}
}

// FetchPricing queries the gpuTypes GraphQL query for RunPod's published
// on-demand ("uninterruptable") and spot-bid price floor per GPU type.
func (a *Adapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	if a.quarantined {
		return nil, domain.NewAdapterError(domain.RunPod, pseudoRegion, "fetch", domain.ErrProviderAuth)
	}

	const cacheKey = "runpod_pricing"
	if cached, ok := a.cache.Get(cacheKey); ok {
		return filterPoints(cached.([]domain.PricePoint), filter), nil
	}

	body, err := json.Marshal(graphQLRequest{Query: gpuTypesQuery})
	if err != nil {
		return nil, domain.NewAdapterError(domain.RunPod, pseudoRegion, "build_request", err)
	}

	url := fmt.Sprintf("%s?api_key=%s", a.endpoint, a.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewAdapterError(domain.RunPod, pseudoRegion, "build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(ctx, domain.RunPod, pseudoRegion, req)
	if err != nil {
		if errors.Is(err, domain.ErrProviderAuth) {
			a.quarantined = true
		}
		return nil, err
	}
	defer resp.Body.Close()

	var parsed graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewAdapterError(domain.RunPod, pseudoRegion, "parse", domain.ErrProviderSchema)
	}
	if len(parsed.Errors) > 0 {
		return nil, domain.NewAdapterError(domain.RunPod, pseudoRegion, "graphql", domain.ErrProviderSchema)
	}

	now := time.Now()
	var points []domain.PricePoint

	for _, gt := range parsed.Data.GPUTypes {
		if !gt.SecureCloud && !gt.CommunityCloud {
			continue
		}
		kind := gpuKindFromDisplayName(gt.DisplayName)
		pp := domain.PricePoint{
			Provider:     domain.RunPod,
			InstanceType: gt.ID,
			Region:       pseudoRegion,
			GPUKind:      a.canon.Canonicalize(kind),
			GPUCount:     1,
			PerfScore:    perfScoreFor(kind),
			OnDemandHr:   gt.LowestPrice.UninterruptablePrice,
			ObservedAt:   now,
		}
		if gt.LowestPrice.MinimumBidPrice > 0 {
			bid := gt.LowestPrice.MinimumBidPrice
			pp.SpotHr = &bid
		}
		if pp.Valid() {
			points = append(points, pp)
		}
	}

	a.cache.Set(cacheKey, points, int(a.Capabilities().MinPollInterval.Seconds())*2)
	return filterPoints(points, filter), nil
}

// gpuKindFromDisplayName extracts a canonical-ish GPU model token from a
// RunPod display name like "NVIDIA A100 80GB PCIe" or "H100 SXM".
func gpuKindFromDisplayName(displayName string) string {
	lower := strings.ToLower(displayName)
	for _, token := range []string{"h100", "a100", "a6000", "a40", "a10", "l40", "rtx 4090", "v100"} {
		if strings.Contains(lower, token) {
			return token
		}
	}
	return lower
}

// perfScoreFor returns a static benchmark score for a GPU kind, used by
// the optimizer's max-performance objective. Unknown kinds score neutral.
func perfScoreFor(gpuKind string) float64 {
	switch gpuKind {
	case "h100":
		return 10.0
	case "a100":
		return 8.0
	case "a40", "l40":
		return 4.5
	case "a6000":
		return 3.5
	case "a10":
		return 3.0
	case "rtx 4090":
		return 3.2
	case "v100":
		return 4.0
	default:
		return 1.0
	}
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
	provider.RegisterAdapterCreator(domain.RunPod, func() (domain.Adapter, error) {
		cfg := config.Get().RunPod
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("runpod: missing api key")
		}
		return New(cfg.BaseURL, cfg.APIKey, cfg.RateLimitQPS), nil
	})
}
