package aws

import (
	"context"
	"sync"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/cost"
	"github.com/bgdnvk/cloudcost/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// mockCostExplorer replays canned responses and records every request.
type mockCostExplorer struct {
	handler func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error)
	inputs  []*costexplorer.GetCostAndUsageInput
}

func (m *mockCostExplorer) GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	call := len(m.inputs)
	m.inputs = append(m.inputs, params)
	return m.handler(call, params)
}

type ceGroup struct {
	keys   []string
	amount string
}

func ceOutput(start, end string, groups ...ceGroup) *costexplorer.GetCostAndUsageOutput {
	period := types.ResultByTime{
		TimePeriod: &types.DateInterval{Start: awssdk.String(start), End: awssdk.String(end)},
		Total:      map[string]types.MetricValue{},
	}
	for _, g := range groups {
		period.Groups = append(period.Groups, types.Group{
			Keys: g.keys,
			Metrics: map[string]types.MetricValue{
				"UnblendedCost": {Amount: awssdk.String(g.amount), Unit: awssdk.String("USD")},
			},
		})
	}
	return &costexplorer.GetCostAndUsageOutput{ResultsByTime: []types.ResultByTime{period}}
}

func newTestProvider(client CostExplorerAPI, backend cache.Backend) (*Provider, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
	p := NewProvider(client, nil, backend, cache.NewStrategy(15*time.Minute), clk, zerolog.Nop())
	p.sleep = func(time.Duration) {}
	return p, clk
}

func TestValidateDates(t *testing.T) {
	p, _ := newTestProvider(&mockCostExplorer{}, nil)
	today := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"past range untouched", today.AddDate(0, 0, -10), today.AddDate(0, 0, -3), today.AddDate(0, 0, -10), today.AddDate(0, 0, -3)},
		{"end today capped to yesterday", today.AddDate(0, 0, -10), today, today.AddDate(0, 0, -10), yesterday},
		{"end in future capped", today.AddDate(0, 0, -10), today.AddDate(0, 0, 5), today.AddDate(0, 0, -10), yesterday},
		{"single past day widened", today.AddDate(0, 0, -5), today.AddDate(0, 0, -5), today.AddDate(0, 0, -5), today.AddDate(0, 0, -4)},
		{"today collapses to yesterday", today, today, yesterday, today},
		{"inverted collapses to yesterday", today.AddDate(0, 0, -2), today.AddDate(0, 0, -8), yesterday, today},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := p.validateDates(tt.start, tt.end)
			if !gotStart.Equal(tt.wantStart) || !gotEnd.Equal(tt.wantEnd) {
				t.Errorf("validateDates = (%s, %s), want (%s, %s)",
					gotStart.Format(cost.DateFormat), gotEnd.Format(cost.DateFormat),
					tt.wantStart.Format(cost.DateFormat), tt.wantEnd.Format(cost.DateFormat))
			}
		})
	}
}

func TestGetCostDataSingleDimChunks(t *testing.T) {
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"Amazon Elastic Compute Cloud - Compute"}, amount: "10.0"}), nil
		},
	}
	p, _ := newTestProvider(mock, nil)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	summary, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		t.Fatalf("GetCostData: %v", err)
	}

	// 10 days grouped by one dimension splits into 7-day chunks: 2 calls.
	if len(mock.inputs) != 2 {
		t.Errorf("made %d API calls, want 2", len(mock.inputs))
	}
	if summary.TotalCost != 20 {
		t.Errorf("TotalCost = %v, want 20", summary.TotalCost)
	}
}

func TestGetCostDataMultiDimChunksDaily(t *testing.T) {
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"AWS Lambda", "111111111111"}, amount: "2.5"}), nil
		},
	}
	p, _ := newTestProvider(mock, nil)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	summary, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE", "LINKED_ACCOUNT"}, nil)
	if err != nil {
		t.Fatalf("GetCostData: %v", err)
	}

	// Two grouping dimensions force 1-day chunks: 5 calls for 5 days.
	if len(mock.inputs) != 5 {
		t.Errorf("made %d API calls, want 5", len(mock.inputs))
	}
	if summary.TotalCost != 12.5 {
		t.Errorf("TotalCost = %v, want 12.5", summary.TotalCost)
	}
	for _, dp := range summary.DataPoints {
		if dp.AccountID != "111111111111" {
			t.Errorf("AccountID = %q, want 111111111111", dp.AccountID)
		}
		if dp.ServiceName != "Lambda" {
			t.Errorf("ServiceName = %q, want normalized %q", dp.ServiceName, "Lambda")
		}
	}
}

func TestGetCostDataAggregatesNormalizedDuplicates(t *testing.T) {
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"Amazon CloudFront"}, amount: "4.0"},
				ceGroup{keys: []string{"AWS CloudFront"}, amount: "6.0"},
				ceGroup{keys: []string{"Amazon S3"}, amount: "0.0"}), nil
		},
	}
	p, _ := newTestProvider(mock, nil)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	summary, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		t.Fatalf("GetCostData: %v", err)
	}

	// The two vendor-prefixed CloudFront rows collapse into one point and
	// the zero-amount row is dropped.
	if len(summary.DataPoints) != 1 {
		t.Fatalf("got %d points, want 1: %+v", len(summary.DataPoints), summary.DataPoints)
	}
	dp := summary.DataPoints[0]
	if dp.ServiceName != "CloudFront" || dp.Amount != 10 {
		t.Errorf("point = %q %v, want CloudFront 10", dp.ServiceName, dp.Amount)
	}
}

func TestGetCostDataThrottleRetry(t *testing.T) {
	throttle := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			if call < 2 {
				return nil, throttle
			}
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"Amazon S3"}, amount: "1.0"}), nil
		},
	}
	p, _ := newTestProvider(mock, nil)

	var delays []time.Duration
	p.sleep = func(d time.Duration) { delays = append(delays, d) }

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	summary, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		t.Fatalf("GetCostData after retries: %v", err)
	}
	if summary.TotalCost != 1 {
		t.Errorf("TotalCost = %v, want 1", summary.TotalCost)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("backoff delays = %v, want [1s 2s]", delays)
	}
}

func TestGetCostDataThrottleExhaustion(t *testing.T) {
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}
		},
	}
	p, _ := newTestProvider(mock, nil)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if !cost.IsRateLimit(err) {
		t.Errorf("error = %v, want RateLimitError", err)
	}
	if len(mock.inputs) != 3 {
		t.Errorf("made %d attempts, want 3", len(mock.inputs))
	}
}

func TestGetCostDataServesRepeatFromCache(t *testing.T) {
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"Amazon S3"}, amount: "3.0"}), nil
		},
	}
	clk := &fakeClock{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
	backend := cache.NewMemoryCache(100, clk, zerolog.Nop())
	p, _ := newTestProvider(mock, backend)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	first, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		t.Fatalf("first GetCostData: %v", err)
	}
	calls := len(mock.inputs)

	second, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		t.Fatalf("second GetCostData: %v", err)
	}
	if len(mock.inputs) != calls {
		t.Errorf("repeat query made %d extra API calls", len(mock.inputs)-calls)
	}
	if first.TotalCost != second.TotalCost {
		t.Errorf("cached TotalCost = %v, want %v", second.TotalCost, first.TotalCost)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		check func(error) bool
	}{
		{"throttling", "TooManyRequestsException", cost.IsRateLimit},
		{"access denied", "AccessDeniedException", cost.IsAuth},
		{"expired token", "ExpiredTokenException", cost.IsAuth},
		{"validation", "ValidationException", cost.IsConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError(&smithy.GenericAPIError{Code: tt.code, Message: "x"})
			if !tt.check(err) {
				t.Errorf("classifyError(%s) = %v, wrong category", tt.code, err)
			}
		})
	}
}

func TestTopServices(t *testing.T) {
	breakdown := map[string]float64{"EC2": 100, "S3": 50, "Lambda": 25, "SQS": 5}

	top := topServices(breakdown, 2)
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top["EC2"] != 100 || top["S3"] != 50 {
		t.Errorf("top = %v, want EC2 and S3", top)
	}

	all := topServices(breakdown, 0)
	if len(all) != 4 {
		t.Errorf("topN=0 returned %d entries, want all 4", len(all))
	}
}

func TestGetCostDataFilteredQueryKeepsCacheSeparate(t *testing.T) {
	mock := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			if params.Filter != nil {
				return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
					ceGroup{keys: []string{"Amazon S3"}, amount: "3.0"}), nil
			}
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"Amazon Elastic Compute Cloud - Compute"}, amount: "97.0"},
				ceGroup{keys: []string{"Amazon S3"}, amount: "3.0"}), nil
		},
	}
	clk := &fakeClock{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
	backend := cache.NewMemoryCache(100, clk, zerolog.Nop())
	p, _ := newTestProvider(mock, backend)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	filter := map[string][]string{"SERVICE": {"Amazon S3"}}

	filtered, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, filter)
	if err != nil {
		t.Fatalf("filtered GetCostData: %v", err)
	}
	if filtered.TotalCost != 3 {
		t.Errorf("filtered TotalCost = %v, want 3", filtered.TotalCost)
	}
	calls := len(mock.inputs)

	unfiltered, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, nil)
	if err != nil {
		t.Fatalf("unfiltered GetCostData: %v", err)
	}
	if len(mock.inputs) == calls {
		t.Error("unfiltered query was served from the filtered query's cache")
	}
	if unfiltered.TotalCost != 100 {
		t.Errorf("unfiltered TotalCost = %v, want 100", unfiltered.TotalCost)
	}

	// The filtered entry is still there for a repeat of the same query.
	calls = len(mock.inputs)
	repeat, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, []string{"SERVICE"}, filter)
	if err != nil {
		t.Fatalf("repeat filtered GetCostData: %v", err)
	}
	if len(mock.inputs) != calls {
		t.Errorf("repeat filtered query made %d extra API calls", len(mock.inputs)-calls)
	}
	if repeat.TotalCost != 3 {
		t.Errorf("repeat TotalCost = %v, want 3", repeat.TotalCost)
	}
}

func TestGetCostDataResolvesAccountNamesInBackground(t *testing.T) {
	ce := &mockCostExplorer{
		handler: func(call int, params *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
			return ceOutput(awssdk.ToString(params.TimePeriod.Start), awssdk.ToString(params.TimePeriod.End),
				ceGroup{keys: []string{"Amazon S3", "111111111111"}, amount: "5.0"}), nil
		},
	}
	org := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			return accountOutput("Prod"), nil
		},
	}
	pool := worker.NewPool(4, zerolog.Nop())
	defer pool.Stop()
	resolver := NewAccountResolver(org, pool, zerolog.Nop())
	resolver.sleep = func(time.Duration) {}
	resolver.jitter = func() time.Duration { return 0 }

	clk := &fakeClock{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
	backend := cache.NewMemoryCache(100, clk, zerolog.Nop())
	p := NewProvider(ce, resolver, backend, cache.NewStrategy(15*time.Minute), clk, zerolog.Nop())
	p.sleep = func(time.Duration) {}

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	groupBy := []string{"SERVICE", "LINKED_ACCOUNT"}

	first, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, groupBy, nil)
	if err != nil {
		t.Fatalf("first GetCostData: %v", err)
	}
	if len(first.DataPoints) == 0 {
		t.Fatal("no data points returned")
	}
	// The first query never blocks on Organizations, so the name is not
	// there yet.
	if got := first.DataPoints[0].AccountName; got != "" {
		t.Errorf("first query AccountName = %q, want empty", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, missing := resolver.CachedNames([]string{"111111111111"})
		if len(missing) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background resolution never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second, err := p.GetCostData(context.Background(), start, end, cost.GranularityDaily, groupBy, nil)
	if err != nil {
		t.Fatalf("second GetCostData: %v", err)
	}
	if got := second.DataPoints[0].AccountName; got != "Prod" {
		t.Errorf("second query AccountName = %q, want Prod", got)
	}
}
