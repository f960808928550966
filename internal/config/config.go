package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AWSConfig configures the AWS collector.
type AWSConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Profile  string   `mapstructure:"profile"`
	Region   string   `mapstructure:"region"`
	Accounts []string `mapstructure:"accounts"`
}

// AzureConfig configures the Azure collector. The Storage* fields describe
// where Cost Management export files land; they are only needed for the
// export-file fallback path.
type AzureConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	SubscriptionID    string `mapstructure:"subscription_id"`
	TenantID          string `mapstructure:"tenant_id"`
	StorageAccount    string `mapstructure:"storage_account"`
	StorageContainer  string `mapstructure:"storage_container"`
	ExportName        string `mapstructure:"export_name"`
	StrictExportMatch bool   `mapstructure:"strict_export_match"`
}

// GCPConfig configures the GCP collector. BillingDataset/BillingTable locate
// the BigQuery billing export; when BillingTable is empty it is derived from
// the billing account id.
type GCPConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ProjectID        string `mapstructure:"project_id"`
	BillingAccountID string `mapstructure:"billing_account_id"`
	BillingDataset   string `mapstructure:"billing_dataset"`
	BillingTable     string `mapstructure:"billing_table"`
	IncludeProjects  bool   `mapstructure:"include_projects"`
}

// CacheConfig configures the memory and disk cache tiers.
type CacheConfig struct {
	MaxEntries   int           `mapstructure:"max_entries"`
	DiskPath     string        `mapstructure:"disk_path"`
	DiskMaxBytes int64         `mapstructure:"disk_max_bytes"`
	BaseTTL      time.Duration `mapstructure:"base_ttl"`
}

// Config is the root configuration.
type Config struct {
	TargetCurrency string      `mapstructure:"target_currency"`
	Debug          bool        `mapstructure:"debug"`
	AWS            AWSConfig   `mapstructure:"aws"`
	Azure          AzureConfig `mapstructure:"azure"`
	GCP            GCPConfig   `mapstructure:"gcp"`
	Cache          CacheConfig `mapstructure:"cache"`
}

// Load reads configuration from viper (file, env, bound flags) and validates
// it once. Defaults are applied before unmarshaling.
func Load(v *viper.Viper) (*Config, error) {
	applyDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("target_currency", "USD")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.disk_max_bytes", int64(256<<20))
	v.SetDefault("cache.base_ttl", 15*time.Minute)
	v.SetDefault("azure.strict_export_match", true)
	v.SetDefault("azure.storage_container", "cost-exports")
}

// Validate checks required fields for every enabled provider.
func (c *Config) Validate() error {
	if c.TargetCurrency == "" {
		return fmt.Errorf("target_currency must not be empty")
	}
	if c.Azure.Enabled && c.Azure.SubscriptionID == "" {
		return fmt.Errorf("azure.subscription_id is required when azure is enabled")
	}
	if c.GCP.Enabled {
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("gcp.project_id is required when gcp is enabled")
		}
		if c.GCP.BillingDataset != "" && c.GCP.BillingTable == "" && c.GCP.BillingAccountID == "" {
			return fmt.Errorf("gcp.billing_account_id or gcp.billing_table is required with a billing dataset")
		}
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Cache.BaseTTL <= 0 {
		return fmt.Errorf("cache.base_ttl must be positive")
	}
	return nil
}

// EnabledProviders lists the providers that are switched on.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.AWS.Enabled {
		names = append(names, "aws")
	}
	if c.Azure.Enabled {
		names = append(names, "azure")
	}
	if c.GCP.Enabled {
		names = append(names, "gcp")
	}
	return names
}
