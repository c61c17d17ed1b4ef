// Package aws implements the AWS pricing adapter.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/provider"
)

// gpuInstanceCatalog is the static map of GPU-bearing EC2 instance types
// this adapter knows to price, keyed by instance type name. The AWS
// Pricing API has no "has a GPU" filter, so adapters that need GPU-only
// results narrow by instance type the way the reference tool narrows by
// instance family prefix.
var gpuInstanceCatalog = map[string]domain.InstanceType{
	"p4d.24xlarge": {Name: "p4d.24xlarge", GPUKind: "a100", GPUCount: 8, VCPU: 96, RAMGiB: 1152, PerfScore: 8.0},
	"p5.48xlarge":  {Name: "p5.48xlarge", GPUKind: "h100", GPUCount: 8, VCPU: 192, RAMGiB: 2048, PerfScore: 10.0},
	"p3.2xlarge":   {Name: "p3.2xlarge", GPUKind: "v100", GPUCount: 1, VCPU: 8, RAMGiB: 61, PerfScore: 4.0},
	"g5.xlarge":    {Name: "g5.xlarge", GPUKind: "a10g", GPUCount: 1, VCPU: 4, RAMGiB: 16, PerfScore: 3.0},
	"g4dn.xlarge":  {Name: "g4dn.xlarge", GPUKind: "t4", GPUCount: 1, VCPU: 4, RAMGiB: 16, PerfScore: 2.0},
}

// Adapter implements domain.Adapter for AWS, pulling on-demand prices
// from the AWS Pricing API and spot prices from EC2's spot price history,
// following the reference tool's http-client-plus-cache adapter shape but
// against the real AWS SDK instead of the public Spot Advisor feed.
type Adapter struct {
	// client is unused by the SDK call paths below (the AWS SDK's own
	// retry middleware already applies exponential backoff); it is kept
	// so this adapter satisfies the same rate-limit discipline as the
	// HTTP-based adapters if a direct-HTTP fallback path is added later.
	client      *provider.RateLimitedClient
	cache       *provider.InMemoryCache
	region      string
	canon       *domain.GPUKindCanonicalizer
	logger      *logging.Logger
	quarantined bool
}

// New constructs the AWS adapter. Credentials are resolved via the
// default AWS credential chain; secretsARN is accepted but not used here,
// and FetchPricing does not call resolveSecret.
func New(region, secretsARN string, rateLimitQPS float64) *Adapter {
	return &Adapter{
		client: provider.NewRateLimitedClient(nil, rateLimitQPS, provider.DefaultRetryPolicy()),
		cache:  provider.NewInMemoryCache(),
		region: region,
		canon:  domain.NewGPUKindCanonicalizer(nil),
		logger: logging.GetDefault().WithComponent("provider.aws"),
	}
}

func (a *Adapter) Provider() domain.CloudProvider { return domain.AWS }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		SupportsSpot:          true,
		HasRegionGranularity:  true,
		SustainableQPS:        5,
		MinPollInterval:       30 * time.Second,
	}
}

// resolveSecret fetches an override credential blob from Secrets
// Manager, used when the caller wants centrally-rotated AWS keys instead
// of the ambient credential chain.
func (a *Adapter) resolveSecret(ctx context.Context, secretsARN string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.region))
	if err != nil {
		return "", domain.NewAdapterError(domain.AWS, a.region, "load_config", err)
	}
	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretsARN})
	if err != nil {
		return "", domain.NewAdapterError(domain.AWS, a.region, "get_secret", err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return "", nil
}

// FetchPricing pulls on-demand prices from the AWS Pricing API and spot
// prices from EC2 DescribeSpotPriceHistory for each GPU instance type the
// filter requests, normalizing both into PricePoints.
func (a *Adapter) FetchPricing(ctx context.Context, filter domain.PriceFilter) ([]domain.PricePoint, error) {
	if a.quarantined {
		return nil, domain.NewAdapterError(domain.AWS, a.region, "fetch", domain.ErrProviderAuth)
	}

	cacheKey := fmt.Sprintf("aws_pricing_%s", a.region)
	if cached, ok := a.cache.Get(cacheKey); ok {
		return filterPoints(cached.([]domain.PricePoint), filter), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.region))
	if err != nil {
		return nil, domain.NewAdapterError(domain.AWS, a.region, "load_config", err)
	}

	pricingClient := pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
		o.Region = "us-east-1" // Pricing API is only available from us-east-1/ap-south-1
	})
	ec2Client := ec2.NewFromConfig(awsCfg)

	var points []domain.PricePoint
	now := time.Now()

	for name, spec := range gpuInstanceCatalog {
		if len(filter.GPUKinds) > 0 && !containsStr(filter.GPUKinds, a.canon.Canonicalize(spec.GPUKind)) {
			continue
		}

		onDemand, err := a.fetchOnDemandPrice(ctx, pricingClient, name)
		if err != nil {
			a.logger.Warn("on-demand price fetch failed for %s: %v", name, err)
			continue
		}

		pp := domain.PricePoint{
			Provider:     domain.AWS,
			InstanceType: name,
			Region:       a.region,
			GPUKind:      a.canon.Canonicalize(spec.GPUKind),
			GPUCount:     spec.GPUCount,
			PerfScore:    spec.PerfScore,
			OnDemandHr:   onDemand,
			ObservedAt:   now,
		}

		if spotHr, err := a.fetchSpotPrice(ctx, ec2Client, name); err == nil && spotHr > 0 && spotHr <= onDemand {
			pp.SpotHr = &spotHr
		}

		if !pp.Valid() {
			continue
		}
		points = append(points, pp)
	}

	a.cache.Set(cacheKey, points, int(a.Capabilities().MinPollInterval.Seconds())*2)
	return filterPoints(points, filter), nil
}

// fetchOnDemandPrice queries the AWS Pricing API's GetProducts for one
// instance type and extracts the USD on-demand hourly rate from the
// nested OnDemand terms structure.
func (a *Adapter) fetchOnDemandPrice(ctx context.Context, client *pricing.Client, instanceType string) (float64, error) {
	out, err := client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: strPtr("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("instanceType"), Value: strPtr(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("location"), Value: strPtr(regionDisplayName(a.region))},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("operatingSystem"), Value: strPtr("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("tenancy"), Value: strPtr("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("preInstalledSw"), Value: strPtr("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("capacitystatus"), Value: strPtr("Used")},
		},
		MaxResults: int32Ptr(1),
	})
	if err != nil {
		return 0, domain.NewAdapterError(domain.AWS, a.region, "get_products", err)
	}
	if len(out.PriceList) == 0 {
		return 0, domain.NewAdapterError(domain.AWS, a.region, "get_products", domain.ErrNotFound)
	}

	price, err := parseOnDemandUSD(out.PriceList[0])
	if err != nil {
		return 0, domain.NewAdapterError(domain.AWS, a.region, "parse", domain.ErrProviderSchema)
	}
	return price, nil
}

// fetchSpotPrice pulls the most recent Linux/UNIX spot price for an
// instance type from EC2's spot price history.
func (a *Adapter) fetchSpotPrice(ctx context.Context, client *ec2.Client, instanceType string) (float64, error) {
	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		MaxResults:          int32Ptr(1),
	})
	if err != nil {
		return 0, domain.NewAdapterError(domain.AWS, a.region, "spot_price_history", err)
	}
	if len(out.SpotPriceHistory) == 0 {
		return 0, domain.ErrNotFound
	}
	return strconv.ParseFloat(*out.SpotPriceHistory[0].SpotPrice, 64)
}

// GetSupportedRegions returns the regions this adapter instance serves;
// AWS adapters are pinned to one region per instance, mirroring the
// aggregator launching one adapter instance per configured region.
func (a *Adapter) GetSupportedRegions() []string {
	return []string{a.region}
}

// Quarantine marks the adapter non-retryable after an authentication
// failure (spec §4.1/§7): FetchPricing then returns ErrProviderAuth
// without calling AWS. Nothing in this package clears the flag.
func (a *Adapter) Quarantine() { a.quarantined = true }

func filterPoints(points []domain.PricePoint, filter domain.PriceFilter) []domain.PricePoint {
	if len(filter.GPUKinds) == 0 && len(filter.Regions) == 0 {
		return points
	}
	out := make([]domain.PricePoint, 0, len(points))
	for _, p := range points {
		if len(filter.GPUKinds) > 0 && !containsStr(filter.GPUKinds, p.GPUKind) {
			continue
		}
		if len(filter.Regions) > 0 && !containsStr(filter.Regions, p.Region) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }
func int32Ptr(v int32) *int32 { return &v }

// pricingProduct mirrors the slice of the AWS Price List API JSON schema
// this adapter actually reads: product.terms.OnDemand.*.priceDimensions.*.pricePerUnit.USD.
type pricingProduct struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parseOnDemandUSD extracts the USD hourly on-demand rate from one
// GetProducts price-list JSON blob.
func parseOnDemandUSD(raw string) (float64, error) {
	var p pricingProduct
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return 0, err
	}
	for _, term := range p.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if usd, ok := dim.PricePerUnit["USD"]; ok {
				return strconv.ParseFloat(usd, 64)
			}
		}
	}
	return 0, fmt.Errorf("no USD on-demand price dimension found")
}

// regionDisplayName maps an AWS region code to the Pricing API's
// human-readable "location" filter value for the subset of regions this
// catalog targets.
func regionDisplayName(region string) string {
	names := map[string]string{
		"us-east-1": "US East (N. Virginia)",
		"us-east-2": "US East (Ohio)",
		"us-west-1": "US West (N. California)",
		"us-west-2": "US West (Oregon)",
		"eu-west-1": "EU (Ireland)",
	}
	if name, ok := names[region]; ok {
		return name
	}
	return region
}

func init() {
	provider.RegisterAdapterCreator(domain.AWS, func() (domain.Adapter, error) {
		cfg := config.Get().AWS
		return New(cfg.Region, cfg.SecretsARN, cfg.RateLimitQPS), nil
	})
}
