package gcp

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

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"

	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/clock"
	"github.com/bgdnvk/cloudcost/internal/cost"
)

// Config locates the BigQuery billing export for one billing account.
type Config struct {
	ProjectID        string
	BillingAccountID string
	Dataset          string
	Table            string
	IncludeProjects  bool
}

// BillingTable returns the export table name, deriving the conventional
// gcp_billing_export_v1_<account> name when none is configured.
func (c *Config) BillingTable() string {
	if c.Table != "" {
		return c.Table
	}
	if c.BillingAccountID == "" {
		return ""
	}
	return "gcp_billing_export_v1_" + strings.ReplaceAll(c.BillingAccountID, "-", "_")
}

// Provider collects GCP cost data from the BigQuery billing export. When no
// export is configured it degrades to a Billing API check that confirms
// billing is enabled and returns an empty summary (the Billing API exposes
// no line-item costs).
type Provider struct {
	bq       BigQueryAPI
	billing  BillingAPI
	cfg      Config
	cache    cache.Backend
	strategy *cache.Strategy
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewProvider creates a GCP cost provider.
func NewProvider(bq BigQueryAPI, billing BillingAPI, cfg Config, backend cache.Backend, strategy *cache.Strategy, clk clock.Clock, logger zerolog.Logger) *Provider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Provider{
		bq:       bq,
		billing:  billing,
		cfg:      cfg,
		cache:    backend,
		strategy: strategy,
		clock:    clk,
		logger:   logger.With().Str("component", "gcp-collector").Logger(),
	}
}

// GetName returns the provider identifier
func (p *Provider) GetName() string {
	return "gcp"
}

// IsConfigured reports whether any retrieval path is available
func (p *Provider) IsConfigured() bool {
	return p.cfg.ProjectID != "" && (p.bq != nil || p.billing != nil)
}

// GetCostData serves the range from per-day cache entries, querying BigQuery
// only for uncovered days.
func (p *Provider) GetCostData(ctx context.Context, start, end time.Time, granularity cost.Granularity, groupBy []string, filterBy map[string][]string) (*cost.CostSummary, error) {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		start, end = end, start
	}

	if p.bq == nil || p.cfg.Dataset == "" {
		return p.billingCheck(ctx, start, end, granularity)
	}

	byProject := p.cfg.IncludeProjects || hasDim(groupBy, "PROJECT")
	shape := queryShape{
		byProject:    byProject,
		withLocation: hasDim(groupBy, "REGION") || hasDim(groupBy, "LOCATION"),
		filter:       cost.CanonicalFilter(filterBy),
	}

	var points []cost.CostDataPoint
	var gapStart time.Time
	inGap := false

	flushGap := func(gapEnd time.Time) error {
		if !inGap {
			return nil
		}
		inGap = false
		fetched, err := p.fetchRange(ctx, gapStart, gapEnd, byProject, groupBy, filterBy)
		if err != nil {
			return err
		}
		p.cacheByDay(fetched, gapStart, gapEnd, shape)
		points = append(points, fetched...)
		return nil
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if cached, ok := p.readDayCache(day, shape); ok {
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
		Provider:    "gcp",
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

// GetDailyCosts returns one point per (date, service)
func (p *Provider) GetDailyCosts(ctx context.Context, start, end time.Time) ([]cost.CostDataPoint, error) {
	summary, err := p.GetCostData(ctx, start, end, cost.GranularityDaily, nil, nil)
	if err != nil {
		return nil, err
	}
	return summary.DataPoints, nil
}

// billingCheck is the degraded path: confirm billing is enabled, return an
// empty summary.
func (p *Provider) billingCheck(ctx context.Context, start, end time.Time, granularity cost.Granularity) (*cost.CostSummary, error) {
	if p.billing == nil {
		return nil, &cost.ConfigError{Provider: "gcp", Message: "no billing export dataset configured and no billing API client"}
	}
	info, err := p.billing.GetProjectBillingInfo(ctx, "projects/"+p.cfg.ProjectID)
	if err != nil {
		return nil, classifyError(err)
	}
	if !info.BillingEnabled {
		return nil, &cost.ConfigError{Provider: "gcp", Message: fmt.Sprintf("billing is not enabled on project %s", p.cfg.ProjectID)}
	}
	p.logger.Warn().Msg("no billing export configured, returning empty summary")
	return &cost.CostSummary{
		Provider:    "gcp",
		StartDate:   start,
		EndDate:     end,
		Currency:    "USD",
		Granularity: granularity,
		LastUpdated: p.clock.Now(),
	}, nil
}

// fetchRange queries the billing export for [start, end], aggregated to the
// requested level.
func (p *Provider) fetchRange(ctx context.Context, start, end time.Time, byProject bool, groupBy []string, filterBy map[string][]string) ([]cost.CostDataPoint, error) {
	query, params := p.buildQuery(start, end, groupBy, filterBy)
	// UseLegacySql is a *bool and the API defaults it to true, which would
	// reject the standard-SQL query and its @named parameters.
	useLegacy := false
	req := &bigquery.QueryRequest{
		Query:           query,
		UseLegacySql:    &useLegacy,
		ParameterMode:   "NAMED",
		QueryParameters: params,
	}
	resp, err := p.bq.Query(ctx, p.cfg.ProjectID, req)
	if err != nil {
		return nil, classifyError(err)
	}
	if !resp.JobComplete {
		return nil, &cost.APIError{Provider: "gcp", Message: "billing export query did not complete"}
	}

	rows, err := parseRows(resp)
	if err != nil {
		return nil, err
	}
	return aggregateRows(rows, byProject), nil
}

// buildQuery constructs the parameterized aggregation over the export table,
// grouped by (date, currency, service, project) plus location on request.
func (p *Provider) buildQuery(start, end time.Time, groupBy []string, filterBy map[string][]string) (string, []*bigquery.QueryParameter) {
	table := fmt.Sprintf("`%s.%s.%s`", p.cfg.ProjectID, p.cfg.Dataset, p.cfg.BillingTable())

	withLocation := hasDim(groupBy, "REGION") || hasDim(groupBy, "LOCATION")

	var b strings.Builder
	b.WriteString("SELECT FORMAT_DATE('%Y-%m-%d', DATE(usage_start_time)) AS usage_date,\n")
	b.WriteString("  currency,\n")
	b.WriteString("  service.description AS service,\n")
	b.WriteString("  project.id AS project_id,\n")
	if withLocation {
		b.WriteString("  location.location AS location,\n")
	}
	b.WriteString("  SUM(cost) AS total_cost\n")
	b.WriteString("FROM " + table + "\n")
	b.WriteString("WHERE DATE(usage_start_time) BETWEEN @start_date AND @end_date\n")

	params := []*bigquery.QueryParameter{
		dateParam("start_date", start),
		dateParam("end_date", end),
	}
	if services := filterBy["SERVICE"]; len(services) > 0 {
		b.WriteString("  AND service.description IN UNNEST(@services)\n")
		params = append(params, arrayParam("services", services))
	}
	if projects := filterBy["PROJECT"]; len(projects) > 0 {
		b.WriteString("  AND project.id IN UNNEST(@projects)\n")
		params = append(params, arrayParam("projects", projects))
	}

	b.WriteString("GROUP BY usage_date, currency, service, project_id")
	if withLocation {
		b.WriteString(", location")
	}
	b.WriteString("\nORDER BY usage_date")
	return b.String(), params
}

type exportRow struct {
	date     time.Time
	currency string
	service  string
	project  string
	location string
	cost     float64
}

func parseRows(resp *bigquery.QueryResponse) ([]exportRow, error) {
	cols := make(map[string]int)
	if resp.Schema != nil {
		for i, f := range resp.Schema.Fields {
			cols[f.Name] = i
		}
	}
	dateIdx, ok := cols["usage_date"]
	if !ok {
		return nil, &cost.APIError{Provider: "gcp", Message: "billing export result missing usage_date column"}
	}
	costIdx := cols["total_cost"]

	var rows []exportRow
	for _, tr := range resp.Rows {
		date, err := time.Parse(cost.DateFormat, cellString(tr, dateIdx))
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(cellString(tr, costIdx), 64)
		if err != nil {
			continue
		}
		row := exportRow{
			date:     date,
			cost:     amount,
			currency: cellAt(tr, cols, "currency"),
			service:  cellAt(tr, cols, "service"),
			project:  cellAt(tr, cols, "project_id"),
			location: cellAt(tr, cols, "location"),
		}
		if row.currency == "" {
			row.currency = "USD"
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// aggregateRows collapses export rows to (date, service, project) when
// project-level detail is requested, otherwise to (date, service) with the
// contributing project set surfaced as the account label.
func aggregateRows(rows []exportRow, byProject bool) []cost.CostDataPoint {
	type aggKey struct {
		date    string
		service string
		project string
	}
	type agg struct {
		dp       cost.CostDataPoint
		projects map[string]struct{}
	}
	sums := make(map[aggKey]*agg)

	for _, row := range rows {
		key := aggKey{date: row.date.Format(cost.DateFormat), service: row.service}
		if byProject {
			key.project = row.project
		}
		a, ok := sums[key]
		if !ok {
			a = &agg{
				dp: cost.CostDataPoint{
					Date:        row.date,
					Currency:    row.currency,
					ServiceName: row.service,
					Region:      row.location,
				},
				projects: make(map[string]struct{}),
			}
			sums[key] = a
		}
		a.dp.Amount += row.cost
		if row.project != "" {
			a.projects[row.project] = struct{}{}
		}
	}

	points := make([]cost.CostDataPoint, 0, len(sums))
	for _, a := range sums {
		switch {
		case len(a.projects) == 1:
			for project := range a.projects {
				a.dp.AccountID = project
			}
		case len(a.projects) > 1:
			a.dp.AccountID = fmt.Sprintf("MultiProject(%d)", len(a.projects))
		}
		if a.dp.Amount == 0 {
			continue
		}
		points = append(points, a.dp)
	}
	return points
}

// queryShape captures everything besides the date that changes which rows a
// query returns. It is part of the per-day cache key so a filtered or
// location-grouped query never poisons the cache for a plain one.
type queryShape struct {
	byProject    bool
	withLocation bool
	filter       string
}

func (p *Provider) dayCacheKey(day time.Time, shape queryShape) string {
	raw := fmt.Sprintf("gcp:%s:%s:%t:%t:%s",
		p.cfg.ProjectID, day.Format(cost.DateFormat), shape.byProject, shape.withLocation, shape.filter)
	sum := md5.Sum([]byte(raw))
	return "gcp:day:" + hex.EncodeToString(sum[:])
}

func (p *Provider) readDayCache(day time.Time, shape queryShape) ([]cost.CostDataPoint, bool) {
	if p.cache == nil {
		return nil, false
	}
	data, ok := p.cache.Get(p.dayCacheKey(day, shape))
	if !ok {
		return nil, false
	}
	var points []cost.CostDataPoint
	if err := json.Unmarshal(data, &points); err != nil {
		p.cache.Delete(p.dayCacheKey(day, shape))
		return nil, false
	}
	return points, true
}

func (p *Provider) cacheByDay(points []cost.CostDataPoint, start, end time.Time, shape queryShape) {
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
		ttl := p.strategy.TTL("gcp", cache.DataTypeDailyCosts, 1, ageHours)
		p.cache.Set(p.dayCacheKey(day, shape), data, ttl)
	}
}

func hasDim(groupBy []string, dim string) bool {
	for _, d := range groupBy {
		if strings.EqualFold(d, dim) {
			return true
		}
	}
	return false
}

func dateParam(name string, v time.Time) *bigquery.QueryParameter {
	return &bigquery.QueryParameter{
		Name:           name,
		ParameterType:  &bigquery.QueryParameterType{Type: "DATE"},
		ParameterValue: &bigquery.QueryParameterValue{Value: v.Format(cost.DateFormat)},
	}
}

func arrayParam(name string, values []string) *bigquery.QueryParameter {
	items := make([]*bigquery.QueryParameterValue, 0, len(values))
	for _, v := range values {
		items = append(items, &bigquery.QueryParameterValue{Value: v})
	}
	return &bigquery.QueryParameter{
		Name: name,
		ParameterType: &bigquery.QueryParameterType{
			Type:      "ARRAY",
			ArrayType: &bigquery.QueryParameterType{Type: "STRING"},
		},
		ParameterValue: &bigquery.QueryParameterValue{ArrayValues: items},
	}
}

func cellString(row *bigquery.TableRow, i int) string {
	if row == nil || i < 0 || i >= len(row.F) {
		return ""
	}
	if s, ok := row.F[i].V.(string); ok {
		return s
	}
	return ""
}

func cellAt(row *bigquery.TableRow, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok {
		return ""
	}
	return cellString(row, i)
}

// classifyError maps Google API failures onto the shared error taxonomy.
func classifyError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case 429:
			return &cost.RateLimitError{Provider: "gcp", Message: gErr.Message, Err: err}
		case 401, 403:
			return &cost.AuthError{Provider: "gcp", Message: gErr.Message, Err: err}
		case 404:
			return &cost.ConfigError{Provider: "gcp", Message: gErr.Message}
		default:
			return &cost.APIError{Provider: "gcp", StatusCode: gErr.Code, Message: gErr.Message, Err: err}
		}
	}
	return &cost.APIError{Provider: "gcp", Message: err.Error(), Err: err}
}
