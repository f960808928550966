package cache

import "time"

// DataType identifies what kind of cost data an entry holds, which
// influences how long it stays fresh.
type DataType string

const (
	DataTypeDailyCosts       DataType = "daily_costs"
	DataTypeMonthlyAggregate DataType = "monthly_aggregate"
	DataTypeServiceBreakdown DataType = "service_breakdown"
)

const (
	// PermanentTTL is applied once billing data is old enough that the
	// provider's pipeline has finalized it. Past cost data never changes.
	PermanentTTL = 10 * 365 * 24 * time.Hour

	// ExtendedTTL covers the window where providers may still backfill.
	ExtendedTTL = 7 * 24 * time.Hour

	permanentAgeHours = 48
	extendedAgeHours  = 24
)

// Strategy computes cache TTLs from the age, shape, and origin of cost data.
// Billing data is append-mostly: once it is ~48h old it is immutable, so the
// only short-lived entries are same-day estimates.
type Strategy struct {
	BaseTTL time.Duration
}

// NewStrategy returns a Strategy with the given base TTL for fresh data.
func NewStrategy(baseTTL time.Duration) *Strategy {
	if baseTTL <= 0 {
		baseTTL = 15 * time.Minute
	}
	return &Strategy{BaseTTL: baseTTL}
}

// TTL returns how long an entry should live given the provider it came from,
// the kind of data, the span of the query in days, and the age of the
// underlying billing data in hours.
func (s *Strategy) TTL(provider string, dataType DataType, rangeDays int, ageHours float64) time.Duration {
	if ageHours >= permanentAgeHours {
		return PermanentTTL
	}
	if ageHours >= extendedAgeHours {
		return ExtendedTTL
	}

	factor := typeFactor(dataType, ageHours) * rangeFactor(rangeDays) * providerFactor(provider)
	return time.Duration(float64(s.BaseTTL) * factor)
}

// Permanent reports whether data of the given age is finalized and may be
// cached indefinitely. Cleanup sweeps must never delete such entries.
func (s *Strategy) Permanent(ageHours float64) bool {
	return ageHours >= permanentAgeHours
}

func typeFactor(dataType DataType, ageHours float64) float64 {
	switch dataType {
	case DataTypeDailyCosts:
		// Intraday daily costs churn as the provider ingests usage.
		if ageHours < 12 {
			return 0.5
		}
		return 1.0
	case DataTypeMonthlyAggregate:
		return 2.0
	case DataTypeServiceBreakdown:
		return 1.5
	default:
		return 1.0
	}
}

func rangeFactor(rangeDays int) float64 {
	switch {
	case rangeDays > 30:
		return 2.0
	case rangeDays <= 1:
		return 0.5
	default:
		return 1.0
	}
}

func providerFactor(provider string) float64 {
	switch provider {
	case "aws":
		return 1.0
	case "azure":
		return 1.2
	case "gcp":
		return 1.1
	default:
		return 1.0
	}
}
