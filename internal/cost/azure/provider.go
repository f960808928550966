package azure

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/clock"
	"github.com/bgdnvk/cloudcost/internal/cost"
)

// QueryAPI is the slice of the Cost Management query client the collector
// uses, extracted so tests can substitute a mock.
type QueryAPI interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition, options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

// Provider collects Azure cost data, preferring the Cost Management query
// API and falling back to export files in blob storage when the query path
// fails.
type Provider struct {
	query          QueryAPI
	exports        *ExportReader
	subscriptionID string
	cache          cache.Backend
	strategy       *cache.Strategy
	clock          clock.Clock
	logger         zerolog.Logger
}

// NewProvider creates an Azure cost provider. exports may be nil when no
// storage account is configured; the query API is then the only path.
func NewProvider(query QueryAPI, exports *ExportReader, subscriptionID string, backend cache.Backend, strategy *cache.Strategy, clk clock.Clock, logger zerolog.Logger) *Provider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Provider{
		query:          query,
		exports:        exports,
		subscriptionID: subscriptionID,
		cache:          backend,
		strategy:       strategy,
		clock:          clk,
		logger:         logger.With().Str("component", "azure-collector").Logger(),
	}
}

// GetName returns the provider identifier
func (p *Provider) GetName() string {
	return "azure"
}

// IsConfigured reports whether at least one retrieval path is available
func (p *Provider) IsConfigured() bool {
	return p.subscriptionID != "" && (p.query != nil || p.exports != nil)
}

// GetCostData serves the range from per-day cache entries, fetching only the
// uncovered days.
func (p *Provider) GetCostData(ctx context.Context, start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) (*cost.CostSummary, error) {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		start, end = end, start
	}
	if err := validateFilters(filterBy); err != nil {
		return nil, err
	}
	// A service filter needs service-level points to match against.
	serviceLevel := hasServiceDim(groupBy) || len(filterBy["SERVICE"]) > 0

	var points []cost.CostDataPoint
	var gapStart time.Time
	inGap := false

	flushGap := func(gapEnd time.Time) error {
		if !inGap {
			return nil
		}
		inGap = false
		fetched, err := p.fetchRange(ctx, gapStart, gapEnd, serviceLevel)
		if err != nil {
			return err
		}
		p.cacheByDay(fetched, gapStart, gapEnd, serviceLevel)
		points = append(points, fetched...)
		return nil
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if cached, ok := p.readDayCache(day, serviceLevel); ok {
			if err := flushGap(day.AddDate(0, 0, -1)); err != nil {
				return nil, err
			}
			points = append(points, cached...)
			continue
		}
		if !inGap {
			gapStart = day
			inGap = true
		}
	}
	if err := flushGap(end); err != nil {
		return nil, err
	}
	points = applyFilters(points, filterBy)

	sort.Slice(points, func(i, j int) bool {
		if !points[i].Date.Equal(points[j].Date) {
			return points[i].Date.Before(points[j].Date)
		}
		return points[i].ServiceName < points[j].ServiceName
	})

	total := 0.0
	currency := "USD"
	for _, dp := range points {
		total += dp.Amount
		if dp.Currency != "" {
			currency = dp.Currency
		}
	}

	return &cost.CostSummary{
		Provider:    "azure",
		StartDate:   start,
		EndDate:     end,
		TotalCost:   total,
		Currency:    currency,
		DataPoints:  points,
		Granularity: granularity,
		LastUpdated: p.clock.Now(),
	}, nil
}

// GetServiceCosts returns the top N services by cost over the range
func (p *Provider) GetServiceCosts(ctx context.Context, start, end time.Time, topN int) (map[string]float64, error) {
	summary, err := p.GetCostData(ctx, start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		return nil, err
	}
	breakdown := summary.ServiceBreakdown()
	if topN <= 0 || len(breakdown) <= topN {
		return breakdown, nil
	}
	type entry struct {
		name string
		cost float64
	}
	entries := make([]entry, 0, len(breakdown))
	for name, c := range breakdown {
		entries = append(entries, entry{name, c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cost > entries[j].cost })
	out := make(map[string]float64, topN)
	for _, e := range entries[:topN] {
		out[e.name] = e.cost
	}
	return out, nil
}

// GetDailyCosts returns one collapsed point per day
func (p *Provider) GetDailyCosts(ctx context.Context, start, end time.Time) ([]cost.CostDataPoint, error) {
	summary, err := p.GetCostData(ctx, start, end, cost.GranularityDaily, nil, nil)
	if err != nil {
		return nil, err
	}
	return summary.DataPoints, nil
}

// fetchRange tries the query API first, then export files.
func (p *Provider) fetchRange(ctx context.Context, start, end time.Time, serviceLevel bool) ([]cost.CostDataPoint, error) {
	var queryErr error
	if p.query != nil {
		points, err := p.fetchQuery(ctx, start, end, serviceLevel)
		if err == nil {
			return points, nil
		}
		queryErr = err
		if p.exports == nil {
			return nil, err
		}
		p.logger.Warn().Err(err).Msg("query API failed, falling back to export files")
	}

	if p.exports == nil {
		return nil, &cost.ConfigError{Provider: "azure", Message: "no retrieval path configured"}
	}
	points, err := p.fetchExports(ctx, start, end, serviceLevel)
	if err != nil {
		if queryErr != nil {
			return nil, fmt.Errorf("query API and export fallback both failed: %w", err)
		}
		return nil, err
	}
	return points, nil
}

// fetchQuery runs a daily ActualCost query grouped by service name and
// subscription, with bounded retries on throttling and transient failures.
func (p *Provider) fetchQuery(ctx context.Context, start, end time.Time, serviceLevel bool) ([]cost.CostDataPoint, error) {
	scope := "/subscriptions/" + p.subscriptionID

	grouping := []*armcostmanagement.QueryGrouping{
		{Type: to.Ptr(armcostmanagement.QueryColumnTypeDimension), Name: to.Ptr("ServiceName")},
		{Type: to.Ptr(armcostmanagement.QueryColumnTypeDimension), Name: to.Ptr("SubscriptionId")},
	}
	definition := armcostmanagement.QueryDefinition{
		Type:      to.Ptr(armcostmanagement.ExportTypeActualCost),
		Timeframe: to.Ptr(armcostmanagement.TimeframeTypeCustom),
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: to.Ptr(start),
			To:   to.Ptr(end.AddDate(0, 0, 1).Add(-time.Second)),
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: to.Ptr(armcostmanagement.GranularityTypeDaily),
			Aggregation: map[string]*armcostmanagement.QueryAggregation{
				"totalCost": {
					Name:     to.Ptr("Cost"),
					Function: to.Ptr(armcostmanagement.FunctionTypeSum),
				},
			},
			Grouping: grouping,
		},
	}

	var resp armcostmanagement.QueryClientUsageResponse
	operation := func() error {
		var err error
		resp, err = p.query.Usage(ctx, scope, definition, nil)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute
	// Two retries after the initial attempt keeps the budget at three calls.
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), 2)); err != nil {
		return nil, classifyError(err)
	}

	return p.parseQueryResult(resp.QueryResult, serviceLevel)
}

// parseQueryResult maps result rows through the column header, tolerating
// column order changes.
func (p *Provider) parseQueryResult(result armcostmanagement.QueryResult, serviceLevel bool) ([]cost.CostDataPoint, error) {
	if result.Properties == nil {
		return nil, &cost.APIError{Provider: "azure", Message: "query returned no properties"}
	}

	cols := make(map[string]int, len(result.Properties.Columns))
	for i, col := range result.Properties.Columns {
		if col.Name != nil {
			cols[strings.ToLower(*col.Name)] = i
		}
	}
	costIdx, ok := cols["cost"]
	if !ok {
		return nil, &cost.APIError{Provider: "azure", Message: "query result has no Cost column"}
	}
	dateIdx := colIndex(cols, "usagedate")
	serviceIdx := colIndex(cols, "servicename")
	subIdx := colIndex(cols, "subscriptionid")
	currencyIdx := colIndex(cols, "currency")

	type aggKey struct {
		date    string
		service string
		sub     string
	}
	sums := make(map[aggKey]*cost.CostDataPoint)

	for _, row := range result.Properties.Rows {
		amount, ok := rowFloat(row, costIdx)
		if !ok || amount == 0 {
			continue
		}
		date, ok := rowDate(row, dateIdx)
		if !ok {
			continue
		}

		service := rowString(row, serviceIdx)
		sub := rowString(row, subIdx)
		if sub == "" {
			sub = p.subscriptionID
		}
		currency := rowString(row, currencyIdx)
		if currency == "" {
			currency = "USD"
		}

		key := aggKey{date: date.Format(cost.DateFormat), sub: sub}
		if serviceLevel {
			key.service = service
		}
		if existing, ok := sums[key]; ok {
			existing.Amount += amount
			continue
		}
		dp := &cost.CostDataPoint{
			Date:      date,
			Amount:    amount,
			Currency:  currency,
			AccountID: sub,
		}
		if serviceLevel {
			dp.ServiceName = service
		}
		sums[key] = dp
	}

	points := make([]cost.CostDataPoint, 0, len(sums))
	for _, dp := range sums {
		points = append(points, *dp)
	}
	return points, nil
}

// fetchExports reads export rows and aggregates them to the requested level:
// one point per (date, service, subscription), or one per date.
func (p *Provider) fetchExports(ctx context.Context, start, end time.Time, serviceLevel bool) ([]cost.CostDataPoint, error) {
	rows, err := p.exports.Rows(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type aggKey struct {
		date    string
		service string
		sub     string
	}
	sums := make(map[aggKey]*cost.CostDataPoint)
	for _, row := range rows {
		key := aggKey{date: row.Date.Format(cost.DateFormat)}
		if serviceLevel {
			key.service = row.MeterCategory
			key.sub = row.SubscriptionID
		}
		if existing, ok := sums[key]; ok {
			existing.Amount += row.Cost
			continue
		}
		dp := &cost.CostDataPoint{
			Date:        row.Date,
			Amount:      row.Cost,
			Currency:    row.Currency,
			AccountID:   row.SubscriptionID,
			AccountName: row.SubscriptionName,
			Region:      row.ResourceLocation,
		}
		if serviceLevel {
			dp.ServiceName = row.MeterCategory
		} else {
			dp.AccountID = ""
			dp.AccountName = ""
			dp.Region = ""
		}
		sums[key] = dp
	}

	points := make([]cost.CostDataPoint, 0, len(sums))
	for _, dp := range sums {
		points = append(points, *dp)
	}
	return points, nil
}

func (p *Provider) dayCacheKey(day time.Time, serviceLevel bool) string {
	raw := fmt.Sprintf("azure:%s:%s:%t", p.subscriptionID, day.Format(cost.DateFormat), serviceLevel)
	sum := md5.Sum([]byte(raw))
	return "azure:day:" + hex.EncodeToString(sum[:])
}

func (p *Provider) readDayCache(day time.Time, serviceLevel bool) ([]cost.CostDataPoint, bool) {
	if p.cache == nil {
		return nil, false
	}
	data, ok := p.cache.Get(p.dayCacheKey(day, serviceLevel))
	if !ok {
		return nil, false
	}
	var points []cost.CostDataPoint
	if err := json.Unmarshal(data, &points); err != nil {
		p.cache.Delete(p.dayCacheKey(day, serviceLevel))
		return nil, false
	}
	return points, true
}

// cacheByDay splits fetched points into one cache entry per day, so later
// overlapping queries reuse covered days and fetch only the gap. Days with
// no points are cached as empty so they do not refetch forever.
func (p *Provider) cacheByDay(points []cost.CostDataPoint, start, end time.Time, serviceLevel bool) {
	if p.cache == nil || p.strategy == nil {
		return
	}
	byDay := make(map[string][]cost.CostDataPoint)
	for _, dp := range points {
		key := dp.Date.Format(cost.DateFormat)
		byDay[key] = append(byDay[key], dp)
	}

	now := p.clock.Now()
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dayPoints := byDay[day.Format(cost.DateFormat)]
		data, err := json.Marshal(dayPoints)
		if err != nil {
			continue
		}
		ageHours := now.Sub(day.AddDate(0, 0, 1)).Hours()
		dataType := cache.DataTypeDailyCosts
		if serviceLevel {
			dataType = cache.DataTypeServiceBreakdown
		}
		ttl := p.strategy.TTL("azure", dataType, 1, ageHours)
		p.cache.Set(p.dayCacheKey(day, serviceLevel), data, ttl)
	}
}

// validateFilters rejects filter dimensions the Azure path cannot match
// against its data points.
func validateFilters(filterBy map[string][]string) error {
	for dim := range filterBy {
		switch strings.ToUpper(dim) {
		case "SERVICE", "SUBSCRIPTION", "SUBSCRIPTION_ID", "LINKED_ACCOUNT", "REGION":
		default:
			return &cost.ConfigError{Provider: "azure", Message: fmt.Sprintf("unsupported filter dimension %q", dim)}
		}
	}
	return nil
}

// applyFilters narrows points after the cache read, so each cached day keeps
// the full unfiltered data and can serve any later query.
func applyFilters(points []cost.CostDataPoint, filterBy map[string][]string) []cost.CostDataPoint {
	active := false
	for _, values := range filterBy {
		if len(values) > 0 {
			active = true
		}
	}
	if !active {
		return points
	}
	out := points[:0]
	for _, dp := range points {
		if matchesFilters(dp, filterBy) {
			out = append(out, dp)
		}
	}
	return out
}

func matchesFilters(dp cost.CostDataPoint, filterBy map[string][]string) bool {
	for dim, values := range filterBy {
		if len(values) == 0 {
			continue
		}
		var field string
		switch strings.ToUpper(dim) {
		case "SERVICE":
			field = dp.ServiceName
		case "SUBSCRIPTION", "SUBSCRIPTION_ID", "LINKED_ACCOUNT":
			field = dp.AccountID
		case "REGION":
			field = dp.Region
		}
		matched := false
		for _, v := range values {
			if strings.EqualFold(field, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func hasServiceDim(groupBy []string) bool {
	for _, dim := range groupBy {
		if strings.EqualFold(dim, "SERVICE") || strings.EqualFold(dim, "ServiceName") || strings.EqualFold(dim, "MeterCategory") {
			return true
		}
	}
	return false
}

func rowFloat(row []any, i int) (float64, bool) {
	if i < 0 || i >= len(row) {
		return 0, false
	}
	switch v := row[i].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func rowString(row []any, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return ""
}

// rowDate handles the numeric yyyymmdd UsageDate the query API returns.
func rowDate(row []any, i int) (time.Time, bool) {
	if f, ok := rowFloat(row, i); ok {
		t, err := time.Parse("20060102", fmt.Sprintf("%08.0f", f))
		if err == nil {
			return t, true
		}
	}
	if s := rowString(row, i); s != "" {
		return parseExportDate(s)
	}
	return time.Time{}, false
}

func isRetryable(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 429 || respErr.StatusCode >= 500
	}
	return false
}

// classifyError maps Azure SDK failures onto the shared error taxonomy.
func classifyError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 401 || respErr.StatusCode == 403:
			return &cost.AuthError{Provider: "azure", Message: respErr.ErrorCode, Err: err}
		case respErr.StatusCode == 429:
			return &cost.RateLimitError{Provider: "azure", Message: respErr.ErrorCode, Err: err}
		case respErr.StatusCode == 404:
			return &cost.ConfigError{Provider: "azure", Message: respErr.ErrorCode}
		default:
			return &cost.APIError{Provider: "azure", StatusCode: respErr.StatusCode, Message: respErr.ErrorCode, Err: err}
		}
	}
	return &cost.APIError{Provider: "azure", Message: err.Error(), Err: err}
}
