package cmd

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"google.golang.org/api/bigquery/v2"
	"google.golang.org/api/cloudbilling/v1"
	"google.golang.org/api/option"

	"github.com/bgdnvk/cloudcost/internal/auth"
	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/clock"
	"github.com/bgdnvk/cloudcost/internal/config"
	"github.com/bgdnvk/cloudcost/internal/cost"
	awscollector "github.com/bgdnvk/cloudcost/internal/cost/aws"
	azurecollector "github.com/bgdnvk/cloudcost/internal/cost/azure"
	gcpcollector "github.com/bgdnvk/cloudcost/internal/cost/gcp"
	"github.com/bgdnvk/cloudcost/internal/normalize"
	"github.com/bgdnvk/cloudcost/internal/worker"
)

// app wires configuration, caches, the provider registry, and the
// aggregator together for one command invocation.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	backend    cache.Backend
	strategy   *cache.Strategy
	registry   *cost.Registry
	aggregator *cost.Aggregator
	normalizer *normalize.Normalizer
	pool       *worker.Pool

	disk *cache.DiskCache
}

// newApp loads configuration and constructs every enabled provider.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger := newLogger()
	clk := clock.RealClock{}

	memory := cache.NewMemoryCache(cfg.Cache.MaxEntries, clk, logger)
	var disk *cache.DiskCache
	if cfg.Cache.DiskPath != "" {
		disk, err = cache.NewDiskCache(cfg.Cache.DiskPath, cfg.Cache.DiskMaxBytes, clk, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("disk cache unavailable, continuing with memory only")
			disk = nil
		}
	}
	var backend cache.Backend
	if disk != nil {
		backend = cache.NewTieredCache(memory, disk)
	} else {
		backend = memory
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		strategy:   cache.NewStrategy(cfg.Cache.BaseTTL),
		registry:   cost.NewRegistry(),
		aggregator: cost.NewAggregator(logger),
		normalizer: normalize.NewNormalizer(cfg.TargetCurrency, logger),
		pool:       worker.NewPool(32, logger),
		disk:       disk,
	}
	a.registerFactories()

	for _, name := range cfg.EnabledProviders() {
		provider, err := a.registry.Create(ctx, name)
		if err != nil {
			logger.Warn().Err(err).Str("provider", name).Msg("skipping provider that failed to initialize")
			continue
		}
		a.aggregator.RegisterProvider(provider)
	}
	return a, nil
}

// close flushes background work and releases the disk cache.
func (a *app) close() {
	a.pool.Stop()
	if a.disk != nil {
		a.disk.Close()
	}
}

// registerFactories fills the static provider registry.
func (a *app) registerFactories() {
	a.registry.Register("aws", func(ctx context.Context) (cost.Provider, error) {
		authenticator := &auth.AWSAuthenticator{Profile: a.cfg.AWS.Profile, Region: a.cfg.AWS.Region}
		awsCfg, err := authenticator.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		resolver := awscollector.NewAccountResolver(
			organizations.NewFromConfig(awsCfg), a.pool, a.logger)
		return awscollector.NewProvider(
			costexplorer.NewFromConfig(awsCfg), resolver,
			a.backend, a.strategy, clock.RealClock{}, a.logger), nil
	})

	a.registry.Register("azure", func(ctx context.Context) (cost.Provider, error) {
		authenticator := &auth.AzureAuthenticator{TenantID: a.cfg.Azure.TenantID}
		cred, err := authenticator.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		queryClient, err := armcostmanagement.NewQueryClient(cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build cost management client: %w", err)
		}

		var exports *azurecollector.ExportReader
		if a.cfg.Azure.StorageAccount != "" && a.cfg.Azure.ExportName != "" {
			store, err := azurecollector.NewBlobStore(a.cfg.Azure.StorageAccount, cred)
			if err != nil {
				a.logger.Warn().Err(err).Msg("blob storage unavailable, export fallback disabled")
			} else {
				exports = azurecollector.NewExportReader(
					store, a.cfg.Azure.StorageContainer, a.cfg.Azure.ExportName,
					a.cfg.Azure.StrictExportMatch, a.backend, clock.RealClock{}, a.logger)
			}
		}
		return azurecollector.NewProvider(
			queryClient, exports, a.cfg.Azure.SubscriptionID,
			a.backend, a.strategy, clock.RealClock{}, a.logger), nil
	})

	a.registry.Register("gcp", func(ctx context.Context) (cost.Provider, error) {
		authenticator := &auth.GCPAuthenticator{}
		creds, err := authenticator.Authenticate(ctx)
		if err != nil {
			return nil, err
		}

		var bq gcpcollector.BigQueryAPI
		if a.cfg.GCP.BillingDataset != "" {
			service, err := bigquery.NewService(ctx, option.WithTokenSource(creds.TokenSource))
			if err != nil {
				return nil, fmt.Errorf("failed to build bigquery client: %w", err)
			}
			bq = gcpcollector.NewBigQueryClient(service)
		}
		billingService, err := cloudbilling.NewService(ctx, option.WithTokenSource(creds.TokenSource))
		if err != nil {
			return nil, fmt.Errorf("failed to build cloudbilling client: %w", err)
		}

		return gcpcollector.NewProvider(bq, gcpcollector.NewBillingClient(billingService),
			gcpcollector.Config{
				ProjectID:        a.cfg.GCP.ProjectID,
				BillingAccountID: a.cfg.GCP.BillingAccountID,
				Dataset:          a.cfg.GCP.BillingDataset,
				Table:            a.cfg.GCP.BillingTable,
				IncludeProjects:  a.cfg.GCP.IncludeProjects,
			},
			a.backend, a.strategy, clock.RealClock{}, a.logger), nil
	})
}
