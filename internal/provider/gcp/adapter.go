// Package gcp implements the GCP pricing adapter.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/provider"
)

const (
	billingCatalogURL = "https://cloudbilling.googleapis.com/v1/services/6F81-5844-456A/skus"
	computeServiceID  = "6F81-5844-456A" // Compute Engine service id in the Cloud Billing Catalog
)

// gpuMachineCatalog maps Compute Engine accelerator-attached machine
// types this adapter prices, keyed by machine type name.
var gpuMachineCatalog = map[string]domain.InstanceType{
	"a2-highgpu-1g": {Name: "a2-highgpu-1g", GPUKind: "a100", GPUCount: 1, VCPU: 12, RAMGiB: 85, PerfScore: 4.0},
	"a2-megagpu-16g": {Name: "a2-megagpu-16g", GPUKind: "a100", GPUCount: 16, VCPU: 96, RAMGiB: 1360, PerfScore: 8.5},
	"a3-highgpu-8g": {Name: "a3-highgpu-8g", GPUKind: "h100", GPUCount: 8, VCPU: 208, RAMGiB: 1872, PerfScore: 10.0},
	"g2-standard-4": {Name: "g2-standard-4", GPUKind: "l4", GPUCount: 1, VCPU: 4, RAMGiB: 16, PerfScore: 2.5},
}

// catalogSKU is the subset of the Cloud Billing Catalog API's SKU JSON
// schema this adapter reads.
type catalogSKU struct {
	Description string `json:"description"`
	Category    struct {
		ResourceGroup string `json:"resourceGroup"`
		UsageType     string `json:"usageType"` // "OnDemand" or "Preemptible"
	} `json:"category"`
	ServiceRegions []string `json:"serviceRegions"`
	PricingInfo    []struct {
		PricingExpression struct {
			TieredRates []struct {
				UnitPrice struct {
					Units        string `json:"units"`
					Nanos        int64  `json:"nanos"`
				} `json:"unitPrice"`
			} `json:"tieredRates"`
		} `json:"pricingExpression"`
	} `json:"pricingInfo"`
}

type skuListResponse struct {
	Skus          []catalogSKU `json:"skus"`
	NextPageToken string       `json:"nextPageToken"`
}

// Adapter implements domain.Adapter for GCP, pulling list prices from the
// Cloud Billing Catalog API. Authentication uses Application Default
// Credentials via golang.org/x/oauth2/google, the same credential
// resolution flow cloud.google.com/go/auth wraps.
type Adapter struct {
	client      *provider.RateLimitedClient
	cache       *provider.InMemoryCache
	region      string
	projectID   string
	canon       *domain.GPUKindCanonicalizer
	logger      *logging.Logger
	quarantined bool
}

// New constructs the GCP adapter for one region.
func New(region, projectID string, rateLimitQPS float64) *Adapter {
	return &Adapter{
		client:    provider.NewRateLimitedClient(&http.Client{Timeout: 30 * time.Second}, rateLimitQPS, provider.DefaultRetryPolicy()),
		cache:     provider.NewInMemoryCache(),
		region:    region,
		projectID: projectID,
		canon:     domain.NewGPUKindCanonicalizer(nil),
		logger:    logging.GetDefault().WithComponent("provider.gcp"),
	}
}

func (a *Adapter) Provider() domain.CloudProvider { return domain.GCP }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		SupportsSpot:         true,
		HasRegionGranularity: true,
		SustainableQPS:       5,
		MinPollInterval:      30 * time.Second,
	}
}

func (a *Adapter) authToken(ctx context.Context) (string, error) {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-billing.readonly")
	if err != nil {
		return "", domain.NewAdapterError(domain.GCP, a.region, "find_credentials", domain.ErrProviderAuth)
	}
	tok, err := creds.TokenSource.Token()
	if err != nil {
		return "", domain.NewAdapterError(domain.GCP, a.region, "token", domain.ErrProviderAuth)
	}
	return tok.AccessToken, nil
}

// FetchPricing pulls Compute Engine on-demand and preemptible (spot
// equivalent) SKUs from the Cloud Billing Catalog, normalizing them into
// PricePoints for the configured region.
func (a *Adapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	if a.quarantined {
		return nil, domain.NewAdapterError(domain.GCP, a.region, "fetch", domain.ErrProviderAuth)
	}

	cacheKey := fmt.Sprintf("gcp_pricing_%s", a.region)
	if cached, ok := a.cache.Get(cacheKey); ok {
		return filterPoints(cached.([]domain.PricePoint), filter), nil
	}

	token, err := a.authToken(ctx)
	if err != nil {
		a.quarantined = true
		return nil, err
	}

	skus, err := a.listSKUs(ctx, token)
	if err != nil {
		return nil, err
	}

	byMachine := make(map[string]*domain.PricePoint)
	now := time.Now()

	for _, sku := range skus {
		machineType, ok := machineTypeFromDescription(sku.Description)
		if !ok {
			continue
		}
		spec, known := gpuMachineCatalog[machineType]
		if !known {
			continue
		}
		if !containsRegion(sku.ServiceRegions, a.region) {
			continue
		}
		price, err := unitPrice(sku)
		if err != nil {
			continue
		}

		pp, exists := byMachine[machineType]
		if !exists {
			pp = &domain.PricePoint{
				Provider:     domain.GCP,
				InstanceType: machineType,
				Region:       a.region,
				GPUKind:      a.canon.Canonicalize(spec.GPUKind),
				GPUCount:     spec.GPUCount,
				PerfScore:    spec.PerfScore,
				ObservedAt:   now,
			}
			byMachine[machineType] = pp
		}

		switch sku.Category.UsageType {
		case "OnDemand":
			pp.OnDemandHr = price
		case "Preemptible":
			spotCopy := price
			pp.SpotHr = &spotCopy
		}
	}

	var points []domain.PricePoint
	for _, pp := range byMachine {
		if !pp.Valid() {
			continue
		}
		points = append(points, *pp)
	}

	a.cache.Set(cacheKey, points, int(a.Capabilities().MinPollInterval.Seconds())*2)
	return filterPoints(points, filter), nil
}

func (a *Adapter) listSKUs(ctx context.Context, token string) ([]catalogSKU, error) {
	var all []catalogSKU
	pageToken := ""

	for {
		url := billingCatalogURL
		if pageToken != "" {
			url = fmt.Sprintf("%s?pageToken=%s", billingCatalogURL, pageToken)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, domain.NewAdapterError(domain.GCP, a.region, "build_request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := a.client.Do(ctx, domain.GCP, a.region, req)
		if err != nil {
			return nil, err
		}

		var page skuListResponse
		decErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decErr != nil {
			return nil, domain.NewAdapterError(domain.GCP, a.region, "parse", domain.ErrProviderSchema)
		}

		all = append(all, page.Skus...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return all, nil
}

func unitPrice(sku catalogSKU) (float64, error) {
	if len(sku.PricingInfo) == 0 || len(sku.PricingInfo[0].PricingExpression.TieredRates) == 0 {
		return 0, fmt.Errorf("no pricing info")
	}
	rate := sku.PricingInfo[0].PricingExpression.TieredRates[len(sku.PricingInfo[0].PricingExpression.TieredRates)-1]
	units, err := strconv.ParseFloat(rate.UnitPrice.Units, 64)
	if err != nil {
		units = 0
	}
	return units + float64(rate.UnitPrice.Nanos)/1e9, nil
}

// machineTypeFromDescription extracts a known GCP machine type token from
// a Billing Catalog SKU description string. The catalog has no structured
// machine-type field, so the reference tool's pattern of scanning
// description text for a recognizable family token is reused here.
func machineTypeFromDescription(description string) (string, bool) {
	for machineType := range gpuMachineCatalog {
		if containsSubstr(description, machineType) {
			return machineType, true
		}
	}
	return "", false
}

func containsSubstr(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func containsRegion(regions []string, region string) bool {
	for _, r := range regions {
		if r == region {
			return true
		}
	}
	return false
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
	provider.RegisterAdapterCreator(domain.GCP, func() (domain.Adapter, error) {
		cfg := config.Get().GCP
		region := "us-central1"
		return New(region, cfg.ProjectID, cfg.RateLimitQPS), nil
	})
}
