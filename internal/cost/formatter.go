package cost

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
)

// Colors for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Formatter handles output formatting
type Formatter struct {
	format string
	color  bool
}

// NewFormatter creates a new formatter
func NewFormatter(format string, color bool) *Formatter {
	return &Formatter{
		format: format,
		color:  color,
	}
}

// FormatSummary formats one provider's cost summary
func (f *Formatter) FormatSummary(summary *CostSummary) (string, error) {
	if f.format == "json" {
		return f.toJSON(summary)
	}

	var sb strings.Builder

	sb.WriteString(f.header(fmt.Sprintf("%s Cost Summary", strings.ToUpper(summary.Provider))))
	sb.WriteString(fmt.Sprintf("Period: %s to %s\n",
		summary.StartDate.Format(DateFormat),
		summary.EndDate.Format(DateFormat)))
	sb.WriteString("\n")

	sb.WriteString(f.bold(fmt.Sprintf("Total Cost: %s%.2f %s%s\n",
		colorGreen, summary.TotalCost, summary.Currency, colorReset)))
	sb.WriteString(fmt.Sprintf("Daily Average: %.2f %s\n", summary.DailyAverage(), summary.Currency))
	sb.WriteString("\n")

	breakdown := summary.ServiceBreakdown()
	if len(breakdown) > 0 {
		sb.WriteString(f.subheader("By Service"))
		sb.WriteString(f.breakdownTable("SERVICE", breakdown, 10))
	}

	accounts := make(map[string]float64)
	for _, dp := range summary.DataPoints {
		if dp.AccountID != "" {
			accounts[AccountDisplayName(dp.AccountID, dp.AccountName)] += dp.Amount
		}
	}
	if len(accounts) > 0 {
		sb.WriteString("\n")
		sb.WriteString(f.subheader("By Account"))
		sb.WriteString(f.breakdownTable("ACCOUNT", accounts, 10))
	}

	return sb.String(), nil
}

// AccountDisplayName formats an account for presentation: "Name (id)", or
// just the id when no name is known.
func AccountDisplayName(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

// FormatMultiCloud formats the merged multi-provider view
func (f *Formatter) FormatMultiCloud(summary *MultiCloudCostSummary) (string, error) {
	if f.format == "json" {
		return f.toJSON(summary)
	}

	var sb strings.Builder

	sb.WriteString(f.header("Multi-Cloud Cost Summary"))
	sb.WriteString(fmt.Sprintf("Period: %s to %s\n",
		summary.StartDate.Format(DateFormat),
		summary.EndDate.Format(DateFormat)))
	if !summary.Complete {
		sb.WriteString(fmt.Sprintf("%sPartial results: %s failed%s\n",
			colorYellow, strings.Join(summary.FailedProviders, ", "), colorReset))
	}
	sb.WriteString("\n")

	sb.WriteString(f.bold(fmt.Sprintf("Total Cost: %s%.2f %s%s\n",
		colorGreen, summary.TotalCost, summary.Currency, colorReset)))
	sb.WriteString("\n")

	sb.WriteString(f.subheader("By Provider"))
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCOST")
	fmt.Fprintln(w, "--------\t----")
	for _, provider := range sortedKeys(summary.ProviderBreakdown) {
		fmt.Fprintf(w, "%s\t%.2f\n", strings.ToUpper(provider), summary.ProviderBreakdown[provider])
	}
	w.Flush()
	sb.WriteString("\n")

	if len(summary.CombinedServiceBreakdown) > 0 {
		sb.WriteString(f.subheader("Top Services"))
		sb.WriteString(f.breakdownTable("SERVICE", summary.CombinedServiceBreakdown, 10))
		sb.WriteString("\n")
	}

	if len(summary.CombinedAccountBreakdown) > 0 {
		sb.WriteString(f.subheader("By Account"))
		w = tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tPROVIDER\tCOST\tSHARE")
		fmt.Fprintln(w, "-------\t--------\t----\t-----")
		accounts := make([]AccountCost, 0, len(summary.CombinedAccountBreakdown))
		for _, account := range summary.CombinedAccountBreakdown {
			accounts = append(accounts, account)
		}
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].TotalCost > accounts[j].TotalCost })
		for _, account := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.1f%%\n",
				account.AccountName, account.Provider, account.TotalCost, account.Percentage)
		}
		w.Flush()
	}

	return sb.String(), nil
}

// FormatServices formats a service cost breakdown
func (f *Formatter) FormatServices(services map[string]float64, top int) (string, error) {
	if f.format == "json" {
		return f.toJSON(services)
	}

	var sb strings.Builder
	sb.WriteString(f.header("Cost by Service"))
	sb.WriteString(f.breakdownTable("SERVICE", services, top))
	return sb.String(), nil
}

// FormatDaily formats per-day cost points
func (f *Formatter) FormatDaily(points []CostDataPoint) (string, error) {
	if f.format == "json" {
		return f.toJSON(points)
	}

	var sb strings.Builder

	sb.WriteString(f.header("Daily Costs"))
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tCOST\tCURRENCY")
	fmt.Fprintln(w, "----\t----\t--------")
	for _, dp := range points {
		fmt.Fprintf(w, "%s\t%.2f\t%s\n", dp.Date.Format(DateFormat), dp.Amount, dp.Currency)
	}
	w.Flush()

	return sb.String(), nil
}

// Helper methods

func (f *Formatter) breakdownTable(label string, breakdown map[string]float64, top int) string {
	type entry struct {
		name string
		cost float64
	}
	entries := make([]entry, 0, len(breakdown))
	for name, c := range breakdown {
		entries = append(entries, entry{name, c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cost > entries[j].cost })

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tCOST\n", label)
	fmt.Fprintf(w, "%s\t----\n", strings.Repeat("-", len(label)))
	for i, e := range entries {
		if top > 0 && i >= top {
			break
		}
		fmt.Fprintf(w, "%s\t%.2f\n", e.name, e.cost)
	}
	w.Flush()
	return sb.String()
}

func (f *Formatter) header(text string) string {
	if f.color {
		return fmt.Sprintf("\n%s%s=== %s ===%s\n\n", colorBold, colorCyan, text, colorReset)
	}
	return fmt.Sprintf("\n=== %s ===\n\n", text)
}

func (f *Formatter) subheader(text string) string {
	if f.color {
		return fmt.Sprintf("%s%s%s%s\n", colorBold, colorYellow, text, colorReset)
	}
	return fmt.Sprintf("%s\n", text)
}

func (f *Formatter) bold(text string) string {
	if f.color {
		return fmt.Sprintf("%s%s%s", colorBold, text, colorReset)
	}
	return text
}

func (f *Formatter) toJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Print outputs to stdout
func (f *Formatter) Print(output string) {
	fmt.Fprint(os.Stdout, output)
}
