package cost

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Exporter handles cost data export
type Exporter struct{}

// NewExporter creates a new exporter
func NewExporter() *Exporter {
	return &Exporter{}
}

// ExportToFile exports cost data to a file
func (e *Exporter) ExportToFile(data interface{}, format, outputPath string) error {
	// Ensure output directory exists
	dir := filepath.Dir(outputPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Generate output based on format
	var content []byte
	var err error

	switch format {
	case "json":
		content, err = e.toJSON(data)
	case "csv":
		content, err = e.toCSV(data)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}

	if err != nil {
		return err
	}

	// Write to file
	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// toJSON converts data to JSON format
func (e *Exporter) toJSON(data interface{}) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}

// toCSV converts data to CSV format
func (e *Exporter) toCSV(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case *CostSummary:
		return e.summaryToCSV(v)
	case *MultiCloudCostSummary:
		return e.multiCloudToCSV(v)
	case []CostDataPoint:
		return e.pointsToCSV(v)
	case map[string]float64:
		return e.breakdownToCSV(v)
	default:
		return nil, fmt.Errorf("unsupported data type for CSV export")
	}
}

func (e *Exporter) summaryToCSV(summary *CostSummary) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	// Header
	w.Write([]string{"Date", "Service", "Account", "Region", "Amount", "Currency"})

	for _, dp := range summary.DataPoints {
		w.Write([]string{
			dp.Date.Format(DateFormat),
			dp.ServiceName,
			dp.AccountID,
			dp.Region,
			fmt.Sprintf("%.4f", dp.Amount),
			dp.Currency,
		})
	}

	// Add totals row
	w.Write([]string{
		"TOTAL",
		"",
		"",
		"",
		fmt.Sprintf("%.4f", summary.TotalCost),
		summary.Currency,
	})

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return []byte(sb.String()), nil
}

func (e *Exporter) multiCloudToCSV(summary *MultiCloudCostSummary) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	// Header
	w.Write([]string{"Date", "Total", "Provider", "Provider Cost"})

	for _, day := range summary.CombinedDailyCosts {
		for provider, amount := range day.ByProvider {
			w.Write([]string{
				day.Date.Format(DateFormat),
				fmt.Sprintf("%.4f", day.Total),
				provider,
				fmt.Sprintf("%.4f", amount),
			})
		}
	}

	// Totals row
	w.Write([]string{
		"TOTAL",
		fmt.Sprintf("%.4f", summary.TotalCost),
		"",
		"",
	})

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return []byte(sb.String()), nil
}

func (e *Exporter) pointsToCSV(points []CostDataPoint) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	// Header
	w.Write([]string{"Date", "Service", "Account", "Account Name", "Region", "Amount", "Currency"})

	for _, dp := range points {
		w.Write([]string{
			dp.Date.Format(DateFormat),
			dp.ServiceName,
			dp.AccountID,
			dp.AccountName,
			dp.Region,
			fmt.Sprintf("%.4f", dp.Amount),
			dp.Currency,
		})
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return []byte(sb.String()), nil
}

func (e *Exporter) breakdownToCSV(breakdown map[string]float64) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	// Header
	w.Write([]string{"Name", "Cost"})

	for name, amount := range breakdown {
		w.Write([]string{name, fmt.Sprintf("%.4f", amount)})
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return []byte(sb.String()), nil
}

// GenerateFilename generates a filename for export
func (e *Exporter) GenerateFilename(prefix, format string) string {
	timestamp := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%s-%s.%s", prefix, timestamp, format)
}
