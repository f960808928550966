// Package normalize converts per-provider cost summaries into a common
// currency and naming scheme and merges them into one multi-cloud view.
package normalize

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cost"
)

// serviceMappings collapse provider-specific service names to common
// categories. Lookup order: exact, case-insensitive, substring, identity.
var serviceMappings = map[string]map[string]string{
	"aws": {
		"Amazon Elastic Compute Cloud - Compute": "Compute",
		"Elastic Compute Cloud - Compute":        "Compute",
		"EC2 - Other":                            "Compute",
		"Amazon Simple Storage Service":          "Storage",
		"Simple Storage Service":                 "Storage",
		"Amazon Relational Database Service":     "Database",
		"Relational Database Service":            "Database",
		"Amazon DynamoDB":                        "Database",
		"DynamoDB":                               "Database",
		"AWS Lambda":                             "Serverless",
		"Lambda":                                 "Serverless",
		"Amazon CloudFront":                      "CDN",
		"CloudFront":                             "CDN",
		"Amazon Virtual Private Cloud":           "Networking",
		"Virtual Private Cloud":                  "Networking",
		"Amazon Elastic Kubernetes Service":      "Containers",
		"Elastic Kubernetes Service":             "Containers",
	},
	"azure": {
		"Microsoft.Compute":          "Compute",
		"Virtual Machines":           "Compute",
		"Microsoft.Storage":          "Storage",
		"Storage":                    "Storage",
		"Microsoft.Sql":              "Database",
		"SQL Database":               "Database",
		"Azure Cosmos DB":            "Database",
		"Microsoft.Web":              "Serverless",
		"Functions":                  "Serverless",
		"Microsoft.Cdn":              "CDN",
		"Content Delivery Network":   "CDN",
		"Microsoft.Network":          "Networking",
		"Virtual Network":            "Networking",
		"Azure Kubernetes Service":   "Containers",
		"Microsoft.ContainerService": "Containers",
	},
	"gcp": {
		"Compute Engine":           "Compute",
		"Cloud Storage":            "Storage",
		"Cloud SQL":                "Database",
		"BigQuery":                 "Analytics",
		"Cloud Functions":          "Serverless",
		"Cloud Run":                "Serverless",
		"Cloud CDN":                "CDN",
		"Networking":               "Networking",
		"Kubernetes Engine":        "Containers",
		"Google Kubernetes Engine": "Containers",
	},
}

var regionMappings = map[string]map[string]string{
	"aws": {
		"us-east-1":      "US East",
		"us-east-2":      "US East",
		"us-west-1":      "US West",
		"us-west-2":      "US West",
		"eu-west-1":      "Europe",
		"eu-central-1":   "Europe",
		"ap-southeast-1": "Asia Pacific",
		"ap-northeast-1": "Asia Pacific",
	},
	"azure": {
		"eastus":        "US East",
		"eastus2":       "US East",
		"westus":        "US West",
		"westus2":       "US West",
		"westeurope":    "Europe",
		"northeurope":   "Europe",
		"southeastasia": "Asia Pacific",
		"japaneast":     "Asia Pacific",
	},
	"gcp": {
		"us-east1":        "US East",
		"us-east4":        "US East",
		"us-west1":        "US West",
		"us-west2":        "US West",
		"europe-west1":    "Europe",
		"europe-west4":    "Europe",
		"asia-southeast1": "Asia Pacific",
		"asia-northeast1": "Asia Pacific",
	},
}

// exchangeRates express one USD in each currency; conversion pivots through
// USD.
var exchangeRates = map[string]float64{
	"USD": 1.0,
	"EUR": 1.1,
	"GBP": 1.25,
	"JPY": 0.0067,
	"CAD": 0.74,
	"AUD": 0.66,
}

var providerLabels = map[string]string{
	"aws":   "AWS Account",
	"azure": "Azure Subscription",
	"gcp":   "GCP Project",
}

// Normalizer converts provider cost summaries to a target currency with
// normalized service and region names.
type Normalizer struct {
	targetCurrency string
	logger         zerolog.Logger
}

// NewNormalizer creates a normalizer. targetCurrency defaults to USD.
func NewNormalizer(targetCurrency string, logger zerolog.Logger) *Normalizer {
	if targetCurrency == "" {
		targetCurrency = "USD"
	}
	return &Normalizer{
		targetCurrency: targetCurrency,
		logger:         logger.With().Str("component", "normalizer").Logger(),
	}
}

// ConvertCurrency converts an amount between supported currencies via USD.
// Unknown currencies pass through unchanged.
func (n *Normalizer) ConvertCurrency(amount float64, from, to string) float64 {
	if from == to {
		return amount
	}
	fromRate, okFrom := exchangeRates[from]
	toRate, okTo := exchangeRates[to]
	if !okFrom || !okTo {
		n.logger.Debug().Str("from", from).Str("to", to).Msg("unknown currency, passing amount through")
		return amount
	}
	usd := amount / fromRate
	return usd * toRate
}

// NormalizeServiceName maps a provider service name to its common category.
func NormalizeServiceName(provider, name string) string {
	return lookupMapping(serviceMappings[provider], name)
}

// NormalizeRegionName maps a provider region to its common geography.
func NormalizeRegionName(provider, name string) string {
	return lookupMapping(regionMappings[provider], name)
}

// lookupMapping tries exact, then case-insensitive, then substring match,
// and finally falls back to the input.
func lookupMapping(table map[string]string, name string) string {
	if name == "" {
		return name
	}
	if mapped, ok := table[name]; ok {
		return mapped
	}
	lower := strings.ToLower(name)
	for key, mapped := range table {
		if strings.ToLower(key) == lower {
			return mapped
		}
	}
	for key, mapped := range table {
		if strings.Contains(lower, strings.ToLower(key)) {
			return mapped
		}
	}
	return name
}

// Normalize converts one provider summary into the target currency with
// normalized names.
func (n *Normalizer) Normalize(summary *cost.CostSummary) cost.NormalizedCostData {
	provider := summary.Provider

	dailyTotals := make(map[string]float64)
	services := make(map[string]float64)
	regions := make(map[string]float64)
	points := make([]cost.CostDataPoint, 0, len(summary.DataPoints))
	total := 0.0

	for _, dp := range summary.DataPoints {
		currency := dp.Currency
		if currency == "" {
			currency = summary.Currency
		}
		amount := n.ConvertCurrency(dp.Amount, currency, n.targetCurrency)

		converted := dp
		converted.Amount = amount
		converted.Currency = n.targetCurrency
		converted.ServiceName = NormalizeServiceName(provider, dp.ServiceName)
		converted.Region = NormalizeRegionName(provider, dp.Region)
		points = append(points, converted)

		total += amount
		dailyTotals[dp.Date.Format(cost.DateFormat)] += amount
		if converted.ServiceName != "" {
			services[converted.ServiceName] += amount
		}
		if converted.Region != "" {
			regions[converted.Region] += amount
		}
	}

	daily := make([]cost.DailyCost, 0, len(dailyTotals))
	for dateStr, amount := range dailyTotals {
		d, _ := time.Parse(cost.DateFormat, dateStr)
		daily = append(daily, cost.DailyCost{Date: d, Cost: amount, Provider: provider})
	}
	daily = cost.SortedDaily(daily)

	return cost.NormalizedCostData{
		Provider:         provider,
		StartDate:        summary.StartDate,
		EndDate:          summary.EndDate,
		TotalCost:        total,
		Currency:         n.targetCurrency,
		OriginalCurrency: summary.Currency,
		DailyCosts:       daily,
		ServiceBreakdown: services,
		RegionBreakdown:  regions,
		DataPoints:       points,
		PointCount:       len(points),
	}
}

// AggregateMultiCloud merges provider summaries over their common date range
// (the intersection: a provider with a narrower window truncates the view).
func (n *Normalizer) AggregateMultiCloud(summaries []cost.CostSummary) *cost.MultiCloudCostSummary {
	result := &cost.MultiCloudCostSummary{
		Currency:                  n.targetCurrency,
		ProviderBreakdown:         make(map[string]float64),
		CombinedServiceBreakdown:  make(map[string]float64),
		CombinedRegionalBreakdown: make(map[string]float64),
		CombinedAccountBreakdown:  make(map[string]cost.AccountCost),
		ProviderData:              make(map[string]cost.NormalizedCostData),
		Complete:                  true,
	}
	if len(summaries) == 0 {
		return result
	}

	start := summaries[0].StartDate
	end := summaries[0].EndDate
	for _, s := range summaries[1:] {
		if s.StartDate.After(start) {
			start = s.StartDate
		}
		if s.EndDate.Before(end) {
			end = s.EndDate
		}
	}
	result.StartDate = start
	result.EndDate = end

	dailyByDate := make(map[string]*cost.CombinedDailyCost)

	for i := range summaries {
		summary := &summaries[i]
		normalized := n.Normalize(summary)
		result.ProviderData[summary.Provider] = normalized
		result.ProviderBreakdown[summary.Provider] += normalized.TotalCost
		result.TotalCost += normalized.TotalCost

		prefix := strings.ToUpper(summary.Provider) + ": "
		for service, amount := range normalized.ServiceBreakdown {
			result.CombinedServiceBreakdown[prefix+service] += amount
		}
		for region, amount := range normalized.RegionBreakdown {
			result.CombinedRegionalBreakdown[region] += amount
		}

		for _, dc := range normalized.DailyCosts {
			if dc.Date.Before(start) || dc.Date.After(end) {
				continue
			}
			key := dc.Date.Format(cost.DateFormat)
			combined, ok := dailyByDate[key]
			if !ok {
				combined = &cost.CombinedDailyCost{Date: dc.Date, ByProvider: make(map[string]float64)}
				dailyByDate[key] = combined
			}
			combined.Total += dc.Cost
			combined.ByProvider[summary.Provider] += dc.Cost
		}

		n.aggregateAccounts(result, summary.Provider, normalized.DataPoints)
	}

	for key := range result.CombinedAccountBreakdown {
		account := result.CombinedAccountBreakdown[key]
		if result.TotalCost != 0 {
			account.Percentage = account.TotalCost / result.TotalCost * 100
		}
		result.CombinedAccountBreakdown[key] = account
	}

	result.CombinedDailyCosts = make([]cost.CombinedDailyCost, 0, len(dailyByDate))
	for _, combined := range dailyByDate {
		result.CombinedDailyCosts = append(result.CombinedDailyCosts, *combined)
	}
	sort.Slice(result.CombinedDailyCosts, func(i, j int) bool {
		return result.CombinedDailyCosts[i].Date.Before(result.CombinedDailyCosts[j].Date)
	})
	return result
}

// aggregateAccounts groups converted points by (provider, account id) and
// attaches a display name.
func (n *Normalizer) aggregateAccounts(result *cost.MultiCloudCostSummary, provider string, points []cost.CostDataPoint) {
	for _, dp := range points {
		if dp.AccountID == "" {
			continue
		}
		key := provider + ":" + dp.AccountID
		account, ok := result.CombinedAccountBreakdown[key]
		if !ok {
			account = cost.AccountCost{
				AccountID:   dp.AccountID,
				AccountName: accountDisplayName(provider, dp),
				Provider:    provider,
			}
		}
		account.TotalCost += dp.Amount
		result.CombinedAccountBreakdown[key] = account
	}
}

// accountDisplayName picks a human name for an account with a per-provider
// fallback order through the point's tags, then its resolved name, then a
// generic provider label.
func accountDisplayName(provider string, dp cost.CostDataPoint) string {
	name := dp.AccountName
	for _, tagKey := range []string{"subscription_display_name", "account_name", "project_name", "subscription_name"} {
		if v, ok := dp.Tags[tagKey]; ok && v != "" {
			name = v
			break
		}
	}
	if name == "" || name == dp.AccountID {
		name = providerLabels[provider]
	}
	return cost.AccountDisplayName(dp.AccountID, name)
}
