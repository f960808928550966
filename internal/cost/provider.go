package cost

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Provider defines the interface for fetching cost data from cloud providers
type Provider interface {
	// GetName returns the provider identifier (aws, azure, gcp)
	GetName() string

	// IsConfigured returns true if the provider has enough configuration
	// to attempt a fetch
	IsConfigured() bool

	// GetCostData is the single entry point: date range in, CostSummary out.
	// groupBy lists grouping dimensions (SERVICE, LINKED_ACCOUNT, PROJECT,
	// REGION); filterBy restricts dimensions to value sets.
	GetCostData(ctx context.Context, start, end time.Time, granularity Granularity, groupBy []string, filterBy map[string][]string) (*CostSummary, error)

	// GetServiceCosts returns the top N services by cost over the range
	GetServiceCosts(ctx context.Context, start, end time.Time, topN int) (map[string]float64, error)

	// GetDailyCosts returns one point per day over the range
	GetDailyCosts(ctx context.Context, start, end time.Time) ([]CostDataPoint, error)
}

// CurrentMonthProvider is implemented by providers that expose a cheap
// month-to-date total.
type CurrentMonthProvider interface {
	Provider
	GetCurrentMonthCost(ctx context.Context) (*CostSummary, error)
}

// CanonicalFilter renders a filter map in a stable form so it can be part of
// a cache key. Dimension order and value order do not change the result.
func CanonicalFilter(filterBy map[string][]string) string {
	if len(filterBy) == 0 {
		return ""
	}
	dims := make([]string, 0, len(filterBy))
	for dim := range filterBy {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	var b strings.Builder
	for i, dim := range dims {
		if i > 0 {
			b.WriteByte(';')
		}
		values := append([]string(nil), filterBy[dim]...)
		sort.Strings(values)
		b.WriteString(dim)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}
