package aws

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cost"
	"github.com/bgdnvk/cloudcost/internal/worker"
)

const (
	// resolveDelay spaces sequential DescribeAccount calls; Organizations
	// throttles hard on bursts.
	resolveDelay     = 100 * time.Millisecond
	resolveRetries   = 3
	resolveBaseDelay = time.Second
)

// AccountResolver turns AWS account ids into display names via the
// Organizations API. Results are cached for the process lifetime; only ids
// not yet cached trigger API calls. Resolution is best effort: any failure
// falls back to the raw id so a cost query never fails on a missing name.
type AccountResolver struct {
	client OrganizationsAPI
	pool   *worker.Pool
	logger zerolog.Logger

	mu       sync.Mutex
	names    map[string]string
	checked  bool
	disabled bool

	sleep  func(time.Duration)
	jitter func() time.Duration
}

// NewAccountResolver creates a resolver. pool may be nil; background refresh
// is then disabled.
func NewAccountResolver(client OrganizationsAPI, pool *worker.Pool, logger zerolog.Logger) *AccountResolver {
	return &AccountResolver{
		client: client,
		pool:   pool,
		logger: logger.With().Str("component", "aws-accounts").Logger(),
		names:  make(map[string]string),
		sleep:  time.Sleep,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
	}
}

// ResolveNames returns a name for every id, resolving uncached ids
// sequentially with a delay between calls.
func (r *AccountResolver) ResolveNames(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))

	var missing []string
	r.mu.Lock()
	for _, id := range ids {
		if name, ok := r.names[id]; ok {
			out[id] = name
		} else {
			missing = append(missing, id)
		}
	}
	r.mu.Unlock()

	if len(missing) > 0 && !r.canResolve(ctx) {
		for _, id := range missing {
			out[id] = id
		}
		return out
	}

	for i, id := range missing {
		if i > 0 {
			r.sleep(resolveDelay)
		}
		name := r.resolve(ctx, id)
		r.mu.Lock()
		r.names[id] = name
		r.mu.Unlock()
		out[id] = name
	}
	return out
}

// CachedNames returns the names already resolved, and the ids still unknown.
func (r *AccountResolver) CachedNames(ids []string) (map[string]string, []string) {
	out := make(map[string]string, len(ids))
	var missing []string
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if name, ok := r.names[id]; ok {
			out[id] = name
		} else {
			missing = append(missing, id)
		}
	}
	return out, missing
}

// RefreshInBackground queues resolution of the given ids without blocking
// the caller. Used after a summary has already been returned.
func (r *AccountResolver) RefreshInBackground(ids []string) {
	if r.pool == nil || len(ids) == 0 {
		return
	}
	r.pool.Submit(worker.Task{
		Name: "aws-account-name-refresh",
		Run: func(ctx context.Context) error {
			r.ResolveNames(ctx, ids)
			return nil
		},
	})
}

// canResolve probes the Organizations API once per process. DescribeAccount
// only works from the management account (or a delegated admin), so a failed
// DescribeOrganization disables resolution instead of producing one
// AccessDenied per account id. Throttled probes are retried on the next
// batch.
func (r *AccountResolver) canResolve(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checked {
		return !r.disabled
	}
	out, err := r.client.DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	if err != nil {
		if isResolveThrottle(err) {
			return true
		}
		r.checked = true
		r.disabled = true
		r.logger.Debug().Err(err).Msg("organizations access unavailable, account names disabled")
		return false
	}
	r.checked = true
	if out.Organization != nil && out.Organization.MasterAccountId != nil {
		r.logger.Debug().Str("management_account", *out.Organization.MasterAccountId).Msg("organizations access confirmed")
	}
	return true
}

// resolve performs one DescribeAccount with throttling backoff. Permission
// and not-found errors degrade to the raw id.
func (r *AccountResolver) resolve(ctx context.Context, id string) string {
	if r.client == nil {
		return id
	}
	for attempt := 0; attempt < resolveRetries; attempt++ {
		out, err := r.client.DescribeAccount(ctx, &organizations.DescribeAccountInput{
			AccountId: aws.String(id),
		})
		if err == nil {
			if out.Account != nil && out.Account.Name != nil && *out.Account.Name != "" {
				return *out.Account.Name
			}
			return id
		}
		if !isResolveThrottle(err) || attempt == resolveRetries-1 {
			r.logger.Debug().Err(err).Str("account", id).Msg("name resolution failed, using raw id")
			return id
		}
		delay := resolveBaseDelay*time.Duration(1<<attempt) + r.jitter()
		r.sleep(delay)
	}
	return id
}

func isResolveThrottle(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "TooManyRequestsException" || code == "ThrottlingException"
	}
	var re *cost.RateLimitError
	return errors.As(err, &re)
}
