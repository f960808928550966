package aws

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/smithy-go"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/clock"
	"github.com/bgdnvk/cloudcost/internal/cost"
)

const (
	// groupLimitWarning is close to Cost Explorer's undocumented ~5000
	// grouped-rows-per-response ceiling. A chunk this large may be
	// silently truncated by the API, so finer chunking is needed.
	groupLimitWarning = 4900

	// multiDimChunkDays is used when grouping by 2+ dimensions, where the
	// row count per day multiplies.
	multiDimChunkDays  = 1
	singleDimChunkDays = 7

	maxRetries      = 3
	retryBaseDelay  = time.Second
	interChunkDelay = 100 * time.Millisecond
	costMetric      = "UnblendedCost"
)

// Provider collects AWS cost data through Cost Explorer.
type Provider struct {
	client   CostExplorerAPI
	resolver *AccountResolver
	cache    cache.Backend
	strategy *cache.Strategy
	clock    clock.Clock
	logger   zerolog.Logger

	// sleep is swapped out in tests
	sleep func(time.Duration)
}

// NewProvider creates an AWS cost provider.
func NewProvider(client CostExplorerAPI, resolver *AccountResolver, backend cache.Backend, strategy *cache.Strategy, clk clock.Clock, logger zerolog.Logger) *Provider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Provider{
		client:   client,
		resolver: resolver,
		cache:    backend,
		strategy: strategy,
		clock:    clk,
		logger:   logger.With().Str("component", "aws-collector").Logger(),
		sleep:    time.Sleep,
	}
}

// GetName returns the provider identifier
func (p *Provider) GetName() string {
	return "aws"
}

// IsConfigured checks whether a Cost Explorer client is available
func (p *Provider) IsConfigured() bool {
	return p.client != nil
}

// GetCostData fetches the date range, working around Cost Explorer's data
// lag and per-response grouping limit, and returns an aggregated summary.
func (p *Provider) GetCostData(ctx context.Context, start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) (*cost.CostSummary, error) {
	start, end = p.validateDates(start, end)
	if len(groupBy) == 0 {
		groupBy = []string{"SERVICE"}
	}

	points, err := p.fetchRange(ctx, start, end, granularity, groupBy, filterBy)
	if err != nil {
		return nil, err
	}

	points = p.aggregate(points)
	p.resolveAccountNames(points)

	total := 0.0
	for _, dp := range points {
		total += dp.Amount
	}

	return &cost.CostSummary{
		Provider:    "aws",
		StartDate:   start,
		EndDate:     end,
		TotalCost:   total,
		Currency:    "USD",
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
	return topServices(summary.ServiceBreakdown(), topN), nil
}

// GetDailyCosts returns one aggregated point per day
func (p *Provider) GetDailyCosts(ctx context.Context, start, end time.Time) ([]cost.CostDataPoint, error) {
	summary, err := p.GetCostData(ctx, start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]float64)
	for _, dp := range summary.DataPoints {
		byDate[dp.Date.Format(cost.DateFormat)] += dp.Amount
	}
	var points []cost.CostDataPoint
	for dateStr, amount := range byDate {
		d, _ := time.Parse(cost.DateFormat, dateStr)
		points = append(points, cost.CostDataPoint{Date: d, Amount: amount, Currency: "USD"})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

// GetCurrentMonthCost returns month-to-date spend.
func (p *Provider) GetCurrentMonthCost(ctx context.Context) (*cost.CostSummary, error) {
	now := p.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return p.GetCostData(ctx, monthStart, now, cost.GranularityDaily, []string{"SERVICE"}, nil)
}

// validateDates caps the range to respect Cost Explorer's ~24h data lag and
// guarantees start < end (the API rejects equal dates). If capping inverts
// the range, it collapses to yesterday.
func (p *Provider) validateDates(start, end time.Time) (time.Time, time.Time) {
	today := p.clock.Now().UTC().Truncate(24 * time.Hour)
	yesterday := today.AddDate(0, 0, -1)

	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)

	if !end.Before(today) {
		end = yesterday
	}
	if !start.Before(end) {
		if start.Equal(end) {
			end = end.AddDate(0, 0, 1)
			if end.After(yesterday) {
				start, end = yesterday, today
			}
		} else {
			start, end = yesterday, today
		}
	}
	return start, end
}

// fetchRange splits the query into chunks, serving cached days first and
// fetching only the gaps.
func (p *Provider) fetchRange(ctx context.Context, start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) ([]cost.CostDataPoint, error) {
	chunkDays := singleDimChunkDays
	if len(groupBy) >= 2 {
		chunkDays = multiDimChunkDays
	}

	var all []cost.CostDataPoint
	first := true
	for chunkStart := start; chunkStart.Before(end); {
		chunkEnd := chunkStart.AddDate(0, 0, chunkDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		if cached, ok := p.readChunkCache(chunkStart, chunkEnd, granularity, groupBy, filterBy); ok {
			all = append(all, cached...)
			chunkStart = chunkEnd
			continue
		}

		if !first {
			p.sleep(interChunkDelay)
		}
		first = false

		points, err := p.fetchChunk(ctx, chunkStart, chunkEnd, granularity, groupBy, filterBy)
		if err != nil {
			return nil, err
		}
		p.writeChunkCache(chunkStart, chunkEnd, granularity, groupBy, filterBy, points)
		all = append(all, points...)
		chunkStart = chunkEnd
	}
	return all, nil
}

// fetchChunk issues one GetCostAndUsage call with throttling retries.
func (p *Provider) fetchChunk(ctx context.Context, start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) ([]cost.CostDataPoint, error) {
	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.Format(cost.DateFormat)),
			End:   aws.String(end.Format(cost.DateFormat)),
		},
		Granularity: toGranularity(granularity),
		Metrics:     []string{costMetric},
		GroupBy:     toGroupDefinitions(groupBy),
	}
	if filter := toFilter(filterBy); filter != nil {
		input.Filter = filter
	}

	var result *costexplorer.GetCostAndUsageOutput
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err = p.client.GetCostAndUsage(ctx, input)
		if err == nil {
			break
		}
		if !isThrottling(err) || attempt == maxRetries-1 {
			return nil, classifyError(err)
		}
		delay := retryBaseDelay * time.Duration(1<<attempt)
		p.logger.Debug().Dur("delay", delay).Int("attempt", attempt+1).Msg("throttled, backing off")
		p.sleep(delay)
	}
	if err != nil {
		return nil, classifyError(err)
	}

	var points []cost.CostDataPoint
	for _, period := range result.ResultsByTime {
		if len(period.Groups) >= groupLimitWarning {
			p.logger.Warn().
				Int("groups", len(period.Groups)).
				Str("start", aws.ToString(period.TimePeriod.Start)).
				Msg("group count near response limit, results may be truncated")
		}
		date, perr := time.Parse(cost.DateFormat, aws.ToString(period.TimePeriod.Start))
		if perr != nil {
			continue
		}
		for _, group := range period.Groups {
			points = append(points, groupToPoint(date, group, groupBy))
		}
		// Ungrouped responses report the period total directly.
		if len(period.Groups) == 0 {
			if metric, ok := period.Total[costMetric]; ok && metric.Amount != nil {
				amount, _ := strconv.ParseFloat(aws.ToString(metric.Amount), 64)
				points = append(points, cost.CostDataPoint{Date: date, Amount: amount, Currency: "USD"})
			}
		}
	}
	return points, nil
}

func groupToPoint(date time.Time, group types.Group, groupBy []string) cost.CostDataPoint {
	dp := cost.CostDataPoint{Date: date, Currency: "USD"}
	for i, key := range group.Keys {
		if i >= len(groupBy) {
			break
		}
		switch groupBy[i] {
		case "SERVICE":
			dp.ServiceName = key
		case "LINKED_ACCOUNT":
			dp.AccountID = key
		case "REGION":
			dp.Region = key
		}
	}
	if metric, ok := group.Metrics[costMetric]; ok && metric.Amount != nil {
		dp.Amount, _ = strconv.ParseFloat(aws.ToString(metric.Amount), 64)
		if metric.Unit != nil && aws.ToString(metric.Unit) != "" {
			dp.Currency = aws.ToString(metric.Unit)
		}
	}
	return dp
}

// aggregate merges points sharing (date, normalized service, account) so two
// raw groups that collapse to the same identity are not double counted.
// Zero-amount aggregates are dropped.
func (p *Provider) aggregate(points []cost.CostDataPoint) []cost.CostDataPoint {
	type aggKey struct {
		date    string
		service string
		account string
	}
	sums := make(map[aggKey]*cost.CostDataPoint)
	var order []aggKey

	for _, dp := range points {
		key := aggKey{
			date:    dp.Date.Format(cost.DateFormat),
			service: normalizeServiceName(dp.ServiceName),
			account: dp.AccountID,
		}
		if existing, ok := sums[key]; ok {
			existing.Amount += dp.Amount
			continue
		}
		merged := dp
		merged.ServiceName = key.service
		sums[key] = &merged
		order = append(order, key)
	}

	out := make([]cost.CostDataPoint, 0, len(order))
	for _, key := range order {
		if sums[key].Amount == 0 {
			continue
		}
		out = append(out, *sums[key])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

// normalizeServiceName collapses vendor prefixes so "Amazon EC2" and
// "AWS EC2" style duplicates aggregate together.
func normalizeServiceName(name string) string {
	name = strings.TrimSpace(name)
	for _, prefix := range []string{"Amazon ", "AWS "} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(name, prefix))
		}
	}
	return name
}

// resolveAccountNames fills display names for points carrying account ids.
// Only names already in the resolver cache are applied; unknown ids are
// queued for background resolution so the query never blocks on the
// Organizations API. Later queries pick the names up from the cache.
func (p *Provider) resolveAccountNames(points []cost.CostDataPoint) {
	if p.resolver == nil {
		return
	}
	idSet := make(map[string]struct{})
	for _, dp := range points {
		if dp.AccountID != "" {
			idSet[dp.AccountID] = struct{}{}
		}
	}
	if len(idSet) == 0 {
		return
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	names, missing := p.resolver.CachedNames(ids)
	if len(missing) > 0 {
		p.resolver.RefreshInBackground(missing)
	}
	for i := range points {
		if name, ok := names[points[i].AccountID]; ok {
			points[i].AccountName = name
		}
	}
}

// chunkCacheKey identifies one fetched chunk. The filter set is part of the
// key: a filtered chunk holds a subset of the range's cost and must never be
// served to an unfiltered query.
func (p *Provider) chunkCacheKey(start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) string {
	raw := fmt.Sprintf("aws:%s:%s:%s:%s:%s",
		start.Format(cost.DateFormat), end.Format(cost.DateFormat), granularity,
		strings.Join(groupBy, ","), cost.CanonicalFilter(filterBy))
	sum := md5.Sum([]byte(raw))
	return "aws:chunk:" + hex.EncodeToString(sum[:])
}

func (p *Provider) readChunkCache(start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) ([]cost.CostDataPoint, bool) {
	if p.cache == nil {
		return nil, false
	}
	data, ok := p.cache.Get(p.chunkCacheKey(start, end, granularity, groupBy, filterBy))
	if !ok {
		return nil, false
	}
	var points []cost.CostDataPoint
	if err := json.Unmarshal(data, &points); err != nil {
		p.logger.Debug().Err(err).Msg("discarding undecodable cache entry")
		p.cache.Delete(p.chunkCacheKey(start, end, granularity, groupBy, filterBy))
		return nil, false
	}
	return points, true
}

func (p *Provider) writeChunkCache(start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string, points []cost.CostDataPoint) {
	if p.cache == nil || p.strategy == nil {
		return
	}
	data, err := json.Marshal(points)
	if err != nil {
		return
	}
	ageHours := p.clock.Now().Sub(end).Hours()
	rangeDays := int(end.Sub(start).Hours() / 24)
	dataType := cache.DataTypeDailyCosts
	if granularity == cost.GranularityMonthly {
		dataType = cache.DataTypeMonthlyAggregate
	} else if len(groupBy) >= 2 {
		dataType = cache.DataTypeServiceBreakdown
	}
	ttl := p.strategy.TTL("aws", dataType, rangeDays, ageHours)
	p.cache.Set(p.chunkCacheKey(start, end, granularity, groupBy, filterBy), data, ttl)
}

func toGranularity(g cost.Granularity) types.Granularity {
	switch g {
	case cost.GranularityMonthly:
		return types.GranularityMonthly
	default:
		return types.GranularityDaily
	}
}

func toGroupDefinitions(groupBy []string) []types.GroupDefinition {
	defs := make([]types.GroupDefinition, 0, len(groupBy))
	for _, dim := range groupBy {
		defs = append(defs, types.GroupDefinition{
			Type: types.GroupDefinitionTypeDimension,
			Key:  aws.String(dim),
		})
	}
	return defs
}

func toFilter(filterBy map[string][]string) *types.Expression {
	if len(filterBy) == 0 {
		return nil
	}
	var exprs []types.Expression
	for dim, values := range filterBy {
		exprs = append(exprs, types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.Dimension(dim),
				Values: values,
			},
		})
	}
	if len(exprs) == 1 {
		return &exprs[0]
	}
	return &types.Expression{And: exprs}
}

func topServices(breakdown map[string]float64, topN int) map[string]float64 {
	if topN <= 0 || len(breakdown) <= topN {
		return breakdown
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
	return out
}

func isThrottling(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "Throttling" || code == "ThrottlingException" || code == "TooManyRequestsException"
	}
	return false
}

// classifyError maps SDK failures onto the shared error taxonomy.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "Throttling" || code == "ThrottlingException" || code == "TooManyRequestsException":
			return &cost.RateLimitError{Provider: "aws", Message: apiErr.ErrorMessage(), Err: err}
		case strings.HasPrefix(code, "AccessDenied") || code == "UnrecognizedClientException" || strings.HasPrefix(code, "ExpiredToken"):
			return &cost.AuthError{Provider: "aws", Message: apiErr.ErrorMessage(), Err: err}
		case code == "ValidationException" || code == "InvalidParameterException":
			return &cost.ConfigError{Provider: "aws", Message: apiErr.ErrorMessage()}
		default:
			return &cost.APIError{Provider: "aws", Message: apiErr.ErrorMessage(), Err: err}
		}
	}
	return &cost.APIError{Provider: "aws", Message: err.Error(), Err: err}
}
