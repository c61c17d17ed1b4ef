package domain

// ===============================================
// Region-class equivalence
// ===============================================
//
// RegionClass collapses geographically equivalent regions so the
// Arbitrage Detector (spec §4.4) can compare lines across providers.
// Conservative by default: only same-continent regions are considered
// interchangeable. Generalized from the reference tool's per-AZ
// RegionMapper into a per-continent classification.

// RegionClass identifies a geographic equivalence class of regions.
type RegionClass string

const (
	RegionClassNorthAmerica RegionClass = "north-america"
	RegionClassEurope       RegionClass = "europe"
	RegionClassAsiaPacific  RegionClass = "asia-pacific"
	RegionClassSouthAmerica RegionClass = "south-america"
	RegionClassUnknown      RegionClass = "unknown"
)

// defaultRegionClasses maps a provider's opaque region string to its
// region class. Regions pass through verbatim elsewhere (spec §4.1); this
// table only feeds arbitrage comparison, never pricing storage keys.
var defaultRegionClasses = map[string]RegionClass{
	// AWS
	"us-east-1": RegionClassNorthAmerica,
	"us-east-2": RegionClassNorthAmerica,
	"us-west-1": RegionClassNorthAmerica,
	"us-west-2": RegionClassNorthAmerica,
	"ca-central-1": RegionClassNorthAmerica,
	"eu-west-1":  RegionClassEurope,
	"eu-west-2":  RegionClassEurope,
	"eu-central-1": RegionClassEurope,
	"ap-southeast-1": RegionClassAsiaPacific,
	"ap-southeast-2": RegionClassAsiaPacific,
	"ap-northeast-1": RegionClassAsiaPacific,
	"sa-east-1": RegionClassSouthAmerica,

	// GCP
	"us-central1": RegionClassNorthAmerica,
	"us-east1":    RegionClassNorthAmerica,
	"us-west1":    RegionClassNorthAmerica,
	"northamerica-northeast1": RegionClassNorthAmerica,
	"europe-west1": RegionClassEurope,
	"europe-west4": RegionClassEurope,
	"asia-southeast1": RegionClassAsiaPacific,
	"asia-northeast1": RegionClassAsiaPacific,
	"southamerica-east1": RegionClassSouthAmerica,

	// Azure
	"eastus":       RegionClassNorthAmerica,
	"westus2":      RegionClassNorthAmerica,
	"canadacentral": RegionClassNorthAmerica,
	"westeurope":   RegionClassEurope,
	"northeurope":  RegionClassEurope,
	"southeastasia": RegionClassAsiaPacific,
	"japaneast":    RegionClassAsiaPacific,
	"brazilsouth":  RegionClassSouthAmerica,

	// Lambda Labs / RunPod (single-region-string providers)
	"us-east": RegionClassNorthAmerica,
	"us-west": RegionClassNorthAmerica,
	"europe":  RegionClassEurope,
}

// RegionMapper classifies opaque region strings into RegionClasses. The
// zero value uses defaultRegionClasses; a custom mapper can be supplied
// via config's `region-classes` option (spec §6).
type RegionMapper struct {
	classes map[string]RegionClass
}

// NewRegionMapper builds a mapper from an override table; entries in
// overrides take precedence over the built-in defaults.
func NewRegionMapper(overrides map[string]RegionClass) *RegionMapper {
	m := &RegionMapper{classes: make(map[string]RegionClass, len(defaultRegionClasses)+len(overrides))}
	for k, v := range defaultRegionClasses {
		m.classes[k] = v
	}
	for k, v := range overrides {
		m.classes[k] = v
	}
	return m
}

// ClassOf returns the region class for a region, or RegionClassUnknown if
// unmapped. Unknown regions are never treated as interchangeable with any
// other region, including other unknowns.
func (m *RegionMapper) ClassOf(region string) RegionClass {
	if m == nil {
		return RegionClassUnknown
	}
	if c, ok := m.classes[region]; ok {
		return c
	}
	return RegionClassUnknown
}

// SameClass reports whether two regions are interchangeable for arbitrage
// purposes. Unknown regions never match, even each other.
func (m *RegionMapper) SameClass(a, b string) bool {
	ca, cb := m.ClassOf(a), m.ClassOf(b)
	if ca == RegionClassUnknown || cb == RegionClassUnknown {
		return false
	}
	return ca == cb
}
