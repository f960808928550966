package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/cloudcost/internal/cost"
)

var (
	costProvider  string
	costStartDate string
	costEndDate   string
	costFormat    string
	costOutput    string
	costTop       int
	costGroupBy   string
)

func init() {
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(multicloudCmd)
	rootCmd.AddCommand(exportCmd)

	for _, c := range []*cobra.Command{summaryCmd, servicesCmd, dailyCmd, multicloudCmd, exportCmd} {
		c.PersistentFlags().StringVar(&costStartDate, "start", "", "Start date YYYY-MM-DD (default: first of month)")
		c.PersistentFlags().StringVar(&costEndDate, "end", "", "End date YYYY-MM-DD (default: today)")
		c.PersistentFlags().StringVar(&costFormat, "format", "table", "Output format: table, json")
	}
	summaryCmd.Flags().StringVar(&costProvider, "provider", "aws", "Provider (aws, azure, gcp)")
	summaryCmd.Flags().StringVar(&costGroupBy, "group-by", "SERVICE", "Comma-separated grouping dimensions (SERVICE, LINKED_ACCOUNT, PROJECT, REGION)")
	servicesCmd.Flags().StringVar(&costProvider, "provider", "aws", "Provider (aws, azure, gcp)")
	servicesCmd.Flags().IntVar(&costTop, "top", 10, "Limit results (default: 10)")
	dailyCmd.Flags().StringVar(&costProvider, "provider", "aws", "Provider (aws, azure, gcp)")
	exportCmd.Flags().StringVar(&costProvider, "provider", "", "Provider to export; empty exports the multi-cloud view")
	exportCmd.Flags().StringVar(&costOutput, "output", "", "Output file path (required)")
	exportCmd.MarkFlagRequired("output")
}

// summaryCmd shows one provider's cost summary
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a provider's cost summary",
	Long: `Display total cost, daily average, and service breakdown for one provider.

Examples:
  cloudcost summary --provider aws
  cloudcost summary --provider azure --start 2024-01-01 --end 2024-01-31
  cloudcost summary --provider aws --group-by SERVICE,LINKED_ACCOUNT`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		start, end := resolveDateRange()
		groupBy := splitDims(costGroupBy)

		var summary *cost.CostSummary
		var err error
		var fast bool
		if costStartDate == "" && costEndDate == "" && costGroupBy == "SERVICE" {
			summary, fast, err = a.aggregator.GetCurrentMonth(ctx, costProvider)
		}
		if !fast {
			summary, err = a.aggregator.GetByProvider(ctx, costProvider, start, end, cost.GranularityDaily, groupBy)
		}
		if err != nil {
			fatal("Error fetching cost summary: %v\n", err)
		}

		formatter := cost.NewFormatter(costFormat, true)
		output, err := formatter.FormatSummary(summary)
		if err != nil {
			fatal("Error formatting output: %v\n", err)
		}
		formatter.Print(output)
	},
}

// servicesCmd shows the top services by cost
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Show top services by cost",
	Long: `Display the most expensive services for one provider.

Examples:
  cloudcost services --provider aws --top 5
  cloudcost services --provider gcp --format json`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		start, end := resolveDateRange()

		services, err := a.aggregator.GetServiceCosts(ctx, costProvider, start, end, costTop)
		if err != nil {
			fatal("Error fetching service costs: %v\n", err)
		}

		formatter := cost.NewFormatter(costFormat, true)
		output, err := formatter.FormatServices(services, costTop)
		if err != nil {
			fatal("Error formatting output: %v\n", err)
		}
		formatter.Print(output)
	},
}

// dailyCmd shows per-day costs
var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Show daily cost trend",
	Long: `Display one cost point per day for a provider.

Examples:
  cloudcost daily --provider azure
  cloudcost daily --provider aws --start 2024-01-01`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		start, end := resolveDateRange()

		points, err := a.aggregator.GetDailyCosts(ctx, costProvider, start, end)
		if err != nil {
			fatal("Error fetching daily costs: %v\n", err)
		}

		formatter := cost.NewFormatter(costFormat, true)
		output, err := formatter.FormatDaily(points)
		if err != nil {
			fatal("Error formatting output: %v\n", err)
		}
		formatter.Print(output)
	},
}

// multicloudCmd merges every configured provider into one view
var multicloudCmd = &cobra.Command{
	Use:   "multicloud",
	Short: "Show the merged multi-cloud cost view",
	Long: `Fetch every configured provider and merge the results into a single
normalized view over their common date range. A provider failing only
drops its data from the result; the rest is still shown.

Examples:
  cloudcost multicloud
  cloudcost multicloud --start 2024-01-01 --end 2024-01-31 --currency EUR`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		start, end := resolveDateRange()

		result := a.aggregator.Collect(ctx, start, end, cost.GranularityDaily, []string{"SERVICE"})
		if len(result.Summaries) == 0 {
			fatal("No provider returned data (failed: %s)\n", strings.Join(result.Failed, ", "))
		}

		merged := a.normalizer.AggregateMultiCloud(result.Summaries)
		merged.Complete = result.Complete()
		merged.FailedProviders = result.Failed

		formatter := cost.NewFormatter(costFormat, true)
		output, err := formatter.FormatMultiCloud(merged)
		if err != nil {
			fatal("Error formatting output: %v\n", err)
		}
		formatter.Print(output)
	},
}

// exportCmd writes cost data to a file
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cost data to file",
	Long: `Export cost data to a file in CSV or JSON format.

Examples:
  cloudcost export --output costs.csv
  cloudcost export --output costs.json --format json
  cloudcost export --output aws-costs.csv --provider aws`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		start, end := resolveDateRange()

		// Determine format from output filename if not specified
		format := costFormat
		if format == "table" {
			if strings.HasSuffix(costOutput, ".json") {
				format = "json"
			} else {
				format = "csv"
			}
		}

		var data interface{}
		if costProvider != "" {
			summary, err := a.aggregator.GetByProvider(ctx, costProvider, start, end, cost.GranularityDaily, []string{"SERVICE"})
			if err != nil {
				fatal("Error fetching cost data: %v\n", err)
			}
			data = summary
		} else {
			result := a.aggregator.Collect(ctx, start, end, cost.GranularityDaily, []string{"SERVICE"})
			if len(result.Summaries) == 0 {
				fatal("No provider returned data (failed: %s)\n", strings.Join(result.Failed, ", "))
			}
			merged := a.normalizer.AggregateMultiCloud(result.Summaries)
			merged.Complete = result.Complete()
			merged.FailedProviders = result.Failed
			data = merged
		}

		exporter := cost.NewExporter()
		if err := exporter.ExportToFile(data, format, costOutput); err != nil {
			fatal("Error exporting data: %v\n", err)
		}
		fmt.Printf("Cost data exported to: %s\n", costOutput)
	},
}

// Helper functions

func mustApp(ctx context.Context) *app {
	a, err := newApp(ctx)
	if err != nil {
		fatal("Error: %v\n", err)
	}
	return a
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

// resolveDateRange parses --start/--end, defaulting to month-to-date.
func resolveDateRange() (time.Time, time.Time) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := now.Truncate(24 * time.Hour)

	if costStartDate != "" {
		parsed, err := time.Parse(cost.DateFormat, costStartDate)
		if err != nil {
			fatal("Invalid --start date %q (want YYYY-MM-DD)\n", costStartDate)
		}
		start = parsed
	}
	if costEndDate != "" {
		parsed, err := time.Parse(cost.DateFormat, costEndDate)
		if err != nil {
			fatal("Invalid --end date %q (want YYYY-MM-DD)\n", costEndDate)
		}
		end = parsed
	}
	return start, end
}

func splitDims(s string) []string {
	var dims []string
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			dims = append(dims, strings.ToUpper(d))
		}
	}
	return dims
}
