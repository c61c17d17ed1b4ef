// Package azure implements the Azure pricing adapter.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/provider"
)

// gpuSKUCatalog maps Azure GPU-family VM sizes this adapter prices.
var gpuSKUCatalog = map[string]domain.InstanceType{
	"Standard_NC24ads_A100_v4": {Name: "Standard_NC24ads_A100_v4", GPUKind: "a100", GPUCount: 1, VCPU: 24, RAMGiB: 220, PerfScore: 4.0},
	"Standard_NC96ads_A100_v4": {Name: "Standard_NC96ads_A100_v4", GPUKind: "a100", GPUCount: 4, VCPU: 96, RAMGiB: 880, PerfScore: 5.5},
	"Standard_ND96isr_H100_v5": {Name: "Standard_ND96isr_H100_v5", GPUKind: "h100", GPUCount: 8, VCPU: 96, RAMGiB: 1900, PerfScore: 10.0},
	"Standard_NV36ads_A10_v5":  {Name: "Standard_NV36ads_A10_v5", GPUKind: "a10", GPUCount: 1, VCPU: 36, RAMGiB: 440, PerfScore: 2.5},
}

// retailItem is the subset of the Azure Retail Prices API's item JSON
// schema this adapter reads.
type retailItem struct {
	ArmSkuName    string  `json:"armSkuName"`
	ArmRegionName string  `json:"armRegionName"`
	RetailPrice   float64 `json:"retailPrice"`
	UnitOfMeasure string  `json:"unitOfMeasure"`
	MeterName     string  `json:"meterName"`
	ProductName   string  `json:"productName"`
	Type          string  `json:"type"` // "Consumption"
}

type retailPricesResponse struct {
	Items    []retailItem `json:"Items"`
	NextLink string       `json:"NextPageLink"`
}

// Adapter implements domain.Adapter for Azure by querying the public
// Azure Retail Prices API. There is no official Azure Go SDK for pricing
// in the reference corpus, so this adapter uses a plain net/http client
// the same way the rest of the provider package's HTTP-based adapters do.
type Adapter struct {
	client      *provider.RateLimitedClient
	cache       *provider.InMemoryCache
	baseURL     string
	region      string
	canon       *domain.GPUKindCanonicalizer
	logger      *logging.Logger
	quarantined bool
}

// New constructs the Azure adapter for one ARM region name (e.g. "eastus").
func New(baseURL, region string, rateLimitQPS float64) *Adapter {
	return &Adapter{
		client:  provider.NewRateLimitedClient(&http.Client{Timeout: 30 * time.Second}, rateLimitQPS, provider.DefaultRetryPolicy()),
		cache:   provider.NewInMemoryCache(),
		baseURL: baseURL,
		region:  region,
		canon:   domain.NewGPUKindCanonicalizer(nil),
		logger:  logging.GetDefault().WithComponent("provider.azure"),
	}
}

func (a *Adapter) Provider() domain.CloudProvider { return domain.Azure }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		SupportsSpot:         true,
		HasRegionGranularity: true,
		SustainableQPS:       5,
		MinPollInterval:      30 * time.Second,
	}
}

// FetchPricing pulls on-demand and "Spot" meter prices from the Retail
// Prices API for every known GPU SKU in the configured region, merging
// the two meter rows per SKU into one PricePoint.
func (a *Adapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	if a.quarantined {
		return nil, domain.NewAdapterError(domain.Azure, a.region, "fetch", domain.ErrProviderAuth)
	}

	cacheKey := fmt.Sprintf("azure_pricing_%s", a.region)
	if cached, ok := a.cache.Get(cacheKey); ok {
		return filterPoints(cached.([]domain.PricePoint), filter), nil
	}

	items, err := a.listItems(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*domain.PricePoint)
	now := time.Now()

	for _, item := range items {
		if item.ArmRegionName != a.region || item.Type != "Consumption" {
			continue
		}
		spec, known := gpuSKUCatalog[item.ArmSkuName]
		if !known {
			continue
		}

		pp, exists := byName[item.ArmSkuName]
		if !exists {
			pp = &domain.PricePoint{
				Provider:     domain.Azure,
				InstanceType: item.ArmSkuName,
				Region:       a.region,
				GPUKind:      a.canon.Canonicalize(spec.GPUKind),
				GPUCount:     spec.GPUCount,
				PerfScore:    spec.PerfScore,
				ObservedAt:   now,
			}
			byName[item.ArmSkuName] = pp
		}

		if isSpotMeter(item.MeterName) {
			spotCopy := item.RetailPrice
			pp.SpotHr = &spotCopy
		} else {
			pp.OnDemandHr = item.RetailPrice
		}
	}

	var points []domain.PricePoint
	for _, pp := range byName {
		if !pp.Valid() {
			continue
		}
		points = append(points, *pp)
	}

	a.cache.Set(cacheKey, points, int(a.Capabilities().MinPollInterval.Seconds())*2)
	return filterPoints(points, filter), nil
}

func (a *Adapter) listItems(ctx context.Context) ([]retailItem, error) {
	var all []retailItem
	url := fmt.Sprintf("%s?$filter=armRegionName eq '%s' and priceType eq 'Consumption'", a.baseURL, a.region)

	for url != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, domain.NewAdapterError(domain.Azure, a.region, "build_request", err)
		}

		resp, err := a.client.Do(ctx, domain.Azure, a.region, req)
		if err != nil {
			return nil, err
		}

		var page retailPricesResponse
		decErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decErr != nil {
			return nil, domain.NewAdapterError(domain.Azure, a.region, "parse", domain.ErrProviderSchema)
		}

		all = append(all, page.Items...)
		url = page.NextLink
	}

	return all, nil
}

// isSpotMeter reports whether a Retail Prices meter name denotes the
// Spot variant of a SKU rather than its pay-as-you-go rate.
func isSpotMeter(meterName string) bool {
	return len(meterName) >= 4 && meterName[len(meterName)-4:] == "Spot"
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
	provider.RegisterAdapterCreator(domain.Azure, func() (domain.Adapter, error) {
		cfg := config.Get().Azure
		region := "eastus"
		return New(cfg.RetailPricesURL, region, cfg.RateLimitQPS), nil
	})
}
