package cost

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// interProviderDelay spaces out provider fetches so a multi-cloud query does
// not hammer three billing APIs back to back.
const interProviderDelay = 100 * time.Millisecond

// Aggregator collects cost data from multiple providers. Providers are
// queried sequentially, not concurrently: billing APIs rate-limit
// aggressively and a multi-cloud summary is not latency sensitive.
type Aggregator struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewAggregator creates a new cost aggregator
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		providers: make([]Provider, 0),
		logger:    logger.With().Str("component", "aggregator").Logger(),
	}
}

// RegisterProvider adds a cost provider to the aggregator
func (a *Aggregator) RegisterProvider(p Provider) {
	if p == nil {
		return
	}
	a.providers = append(a.providers, p)
	a.logger.Debug().
		Str("provider", p.GetName()).
		Bool("configured", p.IsConfigured()).
		Msg("registered provider")
}

// GetConfiguredProviders returns a list of configured provider names
func (a *Aggregator) GetConfiguredProviders() []string {
	var names []string
	for _, p := range a.providers {
		if p.IsConfigured() {
			names = append(names, p.GetName())
		}
	}
	sort.Strings(names)
	return names
}

// CollectResult holds whatever a multi-provider fetch could gather. A failed
// provider never aborts the query; it is recorded in Failed and the caller
// gets the rest.
type CollectResult struct {
	Summaries []CostSummary
	Failed    []string
}

// Complete reports whether every configured provider returned data.
func (r *CollectResult) Complete() bool {
	return len(r.Failed) == 0
}

// Collect fetches a CostSummary from every configured provider in sequence.
// Per-provider errors are logged and recorded, never propagated.
func (a *Aggregator) Collect(ctx context.Context, start, end time.Time, granularity Granularity, groupBy []string) *CollectResult {
	result := &CollectResult{}

	first := true
	for _, p := range a.providers {
		if !p.IsConfigured() {
			a.logger.Debug().Str("provider", p.GetName()).Msg("skipping unconfigured provider")
			continue
		}
		if !first {
			time.Sleep(interProviderDelay)
		}
		first = false

		summary, err := p.GetCostData(ctx, start, end, granularity, groupBy, nil)
		if err != nil {
			a.logger.Warn().
				Err(err).
				Str("provider", p.GetName()).
				Msg("provider fetch failed, continuing with partial results")
			result.Failed = append(result.Failed, p.GetName())
			continue
		}
		result.Summaries = append(result.Summaries, *summary)
	}
	return result
}

// GetByProvider returns a summary for a single named provider.
func (a *Aggregator) GetByProvider(ctx context.Context, providerName string, start, end time.Time, granularity Granularity, groupBy []string) (*CostSummary, error) {
	for _, p := range a.providers {
		if p.GetName() == providerName {
			if !p.IsConfigured() {
				return nil, &ConfigError{Provider: providerName, Message: "provider is not configured"}
			}
			return p.GetCostData(ctx, start, end, granularity, groupBy, nil)
		}
	}
	return nil, &ConfigError{Provider: providerName, Message: "unknown provider"}
}

// GetCurrentMonth returns month-to-date spend through the provider's fast
// path. ok is false when the named provider has no such path; callers fall
// back to a ranged query.
func (a *Aggregator) GetCurrentMonth(ctx context.Context, providerName string) (*CostSummary, bool, error) {
	for _, p := range a.providers {
		if p.GetName() != providerName {
			continue
		}
		cm, ok := p.(CurrentMonthProvider)
		if !ok {
			return nil, false, nil
		}
		if !p.IsConfigured() {
			return nil, true, &ConfigError{Provider: providerName, Message: "provider is not configured"}
		}
		summary, err := cm.GetCurrentMonthCost(ctx)
		return summary, true, err
	}
	return nil, false, nil
}

// GetServiceCosts returns the top services per provider.
func (a *Aggregator) GetServiceCosts(ctx context.Context, providerName string, start, end time.Time, topN int) (map[string]float64, error) {
	for _, p := range a.providers {
		if p.GetName() == providerName {
			if !p.IsConfigured() {
				return nil, &ConfigError{Provider: providerName, Message: "provider is not configured"}
			}
			return p.GetServiceCosts(ctx, start, end, topN)
		}
	}
	return nil, &ConfigError{Provider: providerName, Message: "unknown provider"}
}

// GetDailyCosts returns the per-day points for a single provider.
func (a *Aggregator) GetDailyCosts(ctx context.Context, providerName string, start, end time.Time) ([]CostDataPoint, error) {
	for _, p := range a.providers {
		if p.GetName() == providerName {
			if !p.IsConfigured() {
				return nil, &ConfigError{Provider: providerName, Message: "provider is not configured"}
			}
			return p.GetDailyCosts(ctx, start, end)
		}
	}
	return nil, &ConfigError{Provider: providerName, Message: "unknown provider"}
}
