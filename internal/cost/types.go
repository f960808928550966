package cost

import (
	"sort"
	"time"
)

// Granularity is the time bucket size of returned cost points.
type Granularity string

const (
	GranularityDaily   Granularity = "DAILY"
	GranularityMonthly Granularity = "MONTHLY"
	GranularityYearly  Granularity = "YEARLY"
)

// DateFormat is the calendar-date layout used across providers and cache keys.
const DateFormat = "2006-01-02"

// CostDataPoint is one cost observation. Amount may be negative for credits
// and refunds. Points are never mutated after construction.
type CostDataPoint struct {
	Date        time.Time         `json:"date"`
	Amount      float64           `json:"amount"`
	Currency    string            `json:"currency"`
	ServiceName string            `json:"serviceName,omitempty"`
	AccountID   string            `json:"accountId,omitempty"`
	AccountName string            `json:"accountName,omitempty"`
	Region      string            `json:"region,omitempty"`
	ResourceID  string            `json:"resourceId,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// CostSummary is the result of one provider query. TotalCost equals the sum
// of the contained points' amounts by construction.
type CostSummary struct {
	Provider    string          `json:"provider"`
	StartDate   time.Time       `json:"startDate"`
	EndDate     time.Time       `json:"endDate"`
	TotalCost   float64         `json:"totalCost"`
	Currency    string          `json:"currency"`
	DataPoints  []CostDataPoint `json:"dataPoints"`
	Granularity Granularity     `json:"granularity"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Days returns the number of calendar days the summary spans, at least 1.
func (s *CostSummary) Days() int {
	days := int(s.EndDate.Sub(s.StartDate).Hours()/24) + 1
	if days < 1 {
		return 1
	}
	return days
}

// DailyAverage returns the average cost per day over the summary's range.
func (s *CostSummary) DailyAverage() float64 {
	return s.TotalCost / float64(s.Days())
}

// ServiceBreakdown sums point amounts grouped by service name. Points
// without a service fall under "Unknown".
func (s *CostSummary) ServiceBreakdown() map[string]float64 {
	breakdown := make(map[string]float64)
	for _, dp := range s.DataPoints {
		name := dp.ServiceName
		if name == "" {
			name = "Unknown"
		}
		breakdown[name] += dp.Amount
	}
	return breakdown
}

// DailyCost is the total cost of one calendar day.
type DailyCost struct {
	Date     time.Time `json:"date"`
	Cost     float64   `json:"cost"`
	Provider string    `json:"provider,omitempty"`
}

// NormalizedCostData is one provider's summary converted to the target
// currency with normalized service and region names.
type NormalizedCostData struct {
	Provider         string             `json:"provider"`
	StartDate        time.Time          `json:"startDate"`
	EndDate          time.Time          `json:"endDate"`
	TotalCost        float64            `json:"totalCost"`
	Currency         string             `json:"currency"`
	OriginalCurrency string             `json:"originalCurrency"`
	DailyCosts       []DailyCost        `json:"dailyCosts"`
	ServiceBreakdown map[string]float64 `json:"serviceBreakdown"`
	RegionBreakdown  map[string]float64 `json:"regionBreakdown"`
	DataPoints       []CostDataPoint    `json:"dataPoints"`
	PointCount       int                `json:"pointCount"`
}

// CombinedDailyCost is one day of the merged multi-cloud view.
type CombinedDailyCost struct {
	Date       time.Time          `json:"date"`
	Total      float64            `json:"total"`
	ByProvider map[string]float64 `json:"byProvider"`
}

// AccountCost is one account's share of the multi-cloud total.
type AccountCost struct {
	AccountID   string  `json:"accountId"`
	AccountName string  `json:"accountName"`
	Provider    string  `json:"provider"`
	TotalCost   float64 `json:"totalCost"`
	Percentage  float64 `json:"percentage"`
}

// MultiCloudCostSummary is the union of several providers' normalized data
// over their common (intersected) date range.
type MultiCloudCostSummary struct {
	StartDate                 time.Time                     `json:"startDate"`
	EndDate                   time.Time                     `json:"endDate"`
	TotalCost                 float64                       `json:"totalCost"`
	Currency                  string                        `json:"currency"`
	ProviderBreakdown         map[string]float64            `json:"providerBreakdown"`
	CombinedDailyCosts        []CombinedDailyCost           `json:"combinedDailyCosts"`
	CombinedServiceBreakdown  map[string]float64            `json:"combinedServiceBreakdown"`
	CombinedRegionalBreakdown map[string]float64            `json:"combinedRegionalBreakdown"`
	CombinedAccountBreakdown  map[string]AccountCost        `json:"combinedAccountBreakdown"`
	ProviderData              map[string]NormalizedCostData `json:"providerData"`
	Complete                  bool                          `json:"complete"`
	FailedProviders           []string                      `json:"failedProviders,omitempty"`
}

// SortedDaily returns daily costs ordered by date.
func SortedDaily(daily []DailyCost) []DailyCost {
	out := make([]DailyCost, len(daily))
	copy(out, daily)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
