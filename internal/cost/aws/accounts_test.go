package aws

import (
	"context"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/worker"
)

type mockOrganizations struct {
	handler    func(call int, id string) (*organizations.DescribeAccountOutput, error)
	orgHandler func() (*organizations.DescribeOrganizationOutput, error)
	ids        []string
	orgCalls   int
}

func (m *mockOrganizations) DescribeAccount(ctx context.Context, params *organizations.DescribeAccountInput, optFns ...func(*organizations.Options)) (*organizations.DescribeAccountOutput, error) {
	call := len(m.ids)
	m.ids = append(m.ids, awssdk.ToString(params.AccountId))
	return m.handler(call, awssdk.ToString(params.AccountId))
}

func (m *mockOrganizations) DescribeOrganization(ctx context.Context, params *organizations.DescribeOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error) {
	m.orgCalls++
	if m.orgHandler != nil {
		return m.orgHandler()
	}
	return &organizations.DescribeOrganizationOutput{
		Organization: &orgtypes.Organization{MasterAccountId: awssdk.String("000000000000")},
	}, nil
}

func accountOutput(name string) *organizations.DescribeAccountOutput {
	return &organizations.DescribeAccountOutput{
		Account: &orgtypes.Account{Name: awssdk.String(name)},
	}
}

func newTestResolver(client OrganizationsAPI) *AccountResolver {
	r := NewAccountResolver(client, nil, zerolog.Nop())
	r.sleep = func(time.Duration) {}
	r.jitter = func() time.Duration { return 0 }
	return r
}

func TestResolveNamesCachesResults(t *testing.T) {
	mock := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			return accountOutput("Prod"), nil
		},
	}
	r := newTestResolver(mock)

	names := r.ResolveNames(context.Background(), []string{"123"})
	if names["123"] != "Prod" {
		t.Errorf("name = %q, want Prod", names["123"])
	}

	// Second lookup is served from the cache.
	r.ResolveNames(context.Background(), []string{"123"})
	if len(mock.ids) != 1 {
		t.Errorf("made %d API calls, want 1", len(mock.ids))
	}
}

func TestResolveNamesOnlyFetchesMissing(t *testing.T) {
	mock := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			return accountOutput("name-" + id), nil
		},
	}
	r := newTestResolver(mock)

	r.ResolveNames(context.Background(), []string{"111"})
	names := r.ResolveNames(context.Background(), []string{"111", "222"})

	if len(mock.ids) != 2 {
		t.Errorf("made %d API calls, want 2", len(mock.ids))
	}
	if names["111"] != "name-111" || names["222"] != "name-222" {
		t.Errorf("names = %v", names)
	}
}

func TestResolveDegradesToRawID(t *testing.T) {
	tests := []struct {
		name    string
		handler func(call int, id string) (*organizations.DescribeAccountOutput, error)
	}{
		{
			"access denied",
			func(call int, id string) (*organizations.DescribeAccountOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no organizations access"}
			},
		},
		{
			"empty name",
			func(call int, id string) (*organizations.DescribeAccountOutput, error) {
				return accountOutput(""), nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(&mockOrganizations{handler: tt.handler})
			names := r.ResolveNames(context.Background(), []string{"999"})
			if names["999"] != "999" {
				t.Errorf("name = %q, want raw id", names["999"])
			}
		})
	}
}

func TestResolveRetriesThrottling(t *testing.T) {
	mock := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			if call == 0 {
				return nil, &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
			}
			return accountOutput("Staging"), nil
		},
	}
	r := newTestResolver(mock)

	var delays []time.Duration
	r.sleep = func(d time.Duration) { delays = append(delays, d) }

	names := r.ResolveNames(context.Background(), []string{"555"})
	if names["555"] != "Staging" {
		t.Errorf("name = %q, want Staging after retry", names["555"])
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Errorf("delays = %v, want [1s]", delays)
	}
}

func TestResolveDisabledWithoutOrganizationsAccess(t *testing.T) {
	mock := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			t.Error("DescribeAccount called despite failed access probe")
			return accountOutput("nope"), nil
		},
		orgHandler: func() (*organizations.DescribeOrganizationOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not the management account"}
		},
	}
	r := newTestResolver(mock)

	names := r.ResolveNames(context.Background(), []string{"111", "222"})
	if names["111"] != "111" || names["222"] != "222" {
		t.Errorf("names = %v, want raw ids", names)
	}

	// The probe result is sticky across batches.
	r.ResolveNames(context.Background(), []string{"333"})
	if mock.orgCalls != 1 {
		t.Errorf("made %d DescribeOrganization calls, want 1", mock.orgCalls)
	}
}

func TestResolveProbesOrganizationOnce(t *testing.T) {
	mock := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			return accountOutput("name-" + id), nil
		},
	}
	r := newTestResolver(mock)

	r.ResolveNames(context.Background(), []string{"111"})
	r.ResolveNames(context.Background(), []string{"222"})
	if mock.orgCalls != 1 {
		t.Errorf("made %d DescribeOrganization calls, want 1", mock.orgCalls)
	}
	if len(mock.ids) != 2 {
		t.Errorf("made %d DescribeAccount calls, want 2", len(mock.ids))
	}
}

func TestResolveNilClient(t *testing.T) {
	r := newTestResolver(nil)
	names := r.ResolveNames(context.Background(), []string{"123"})
	if names["123"] != "123" {
		t.Errorf("name = %q, want raw id with no client", names["123"])
	}
}

func TestRefreshInBackground(t *testing.T) {
	done := make(chan struct{})
	mock := &mockOrganizations{
		handler: func(call int, id string) (*organizations.DescribeAccountOutput, error) {
			defer close(done)
			return accountOutput("Dev"), nil
		},
	}
	pool := worker.NewPool(4, zerolog.Nop())
	defer pool.Stop()

	r := NewAccountResolver(mock, pool, zerolog.Nop())
	r.sleep = func(time.Duration) {}
	r.RefreshInBackground([]string{"777"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background refresh never ran")
	}

	names := r.ResolveNames(context.Background(), []string{"777"})
	if names["777"] != "Dev" {
		t.Errorf("name = %q, want Dev from background refresh", names["777"])
	}
	if len(mock.ids) != 1 {
		t.Errorf("made %d API calls, want 1", len(mock.ids))
	}
}
