package azure

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/clock"
	"github.com/bgdnvk/cloudcost/internal/cost"
)

// BlobInfo identifies one export blob. Size/LastModified/ETag/ContentMD5
// together fingerprint the file contents for caching.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentMD5   []byte
}

// BlobStore is the blob-storage surface the export reader needs.
type BlobStore interface {
	ListBlobs(ctx context.Context, container, prefix string) ([]BlobInfo, error)
	Download(ctx context.Context, container, path string) ([]byte, error)
}

// exportRow is one parsed line of a cost export file. Only the billing
// currency cost column is read: export rows repeat the same cost in pricing
// currency and USD columns, and summing more than one inflates the total.
type exportRow struct {
	Date             time.Time `json:"date"`
	Cost             float64   `json:"cost"`
	Currency         string    `json:"currency"`
	MeterCategory    string    `json:"meterCategory"`
	MeterID          string    `json:"meterId"`
	ResourceID       string    `json:"resourceId"`
	SubscriptionID   string    `json:"subscriptionId"`
	SubscriptionName string    `json:"subscriptionName"`
	ResourceLocation string    `json:"resourceLocation"`
}

// exportFolder is one dated export run: <exportName>/<YYYYMMDD-YYYYMMDD>/...
type exportFolder struct {
	name  string
	start time.Time
	end   time.Time
	blobs []BlobInfo
}

type manifest struct {
	Blobs []struct {
		BlobName     string `json:"blobName"`
		ByteCount    int64  `json:"byteCount"`
		DataRowCount int64  `json:"dataRowCount"`
	} `json:"blobs"`
}

var folderRangePattern = regexp.MustCompile(`^(\d{8})-(\d{8})$`)

// ExportReader retrieves cost rows from Cost Management export files in blob
// storage, caching parsed files by content fingerprint so unchanged exports
// are never downloaded twice.
type ExportReader struct {
	store       BlobStore
	container   string
	exportName  string
	strictMatch bool
	cache       cache.Backend
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewExportReader creates a reader over the configured container/export.
func NewExportReader(store BlobStore, container, exportName string, strictMatch bool, backend cache.Backend, clk clock.Clock, logger zerolog.Logger) *ExportReader {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ExportReader{
		store:       store,
		container:   container,
		exportName:  exportName,
		strictMatch: strictMatch,
		cache:       backend,
		clock:       clk,
		logger:      logger.With().Str("component", "azure-exports").Logger(),
	}
}

// Rows returns all export rows overlapping [start, end], de-duplicated.
func (r *ExportReader) Rows(ctx context.Context, start, end time.Time) ([]exportRow, error) {
	folder, err := r.findFolder(ctx, start, end)
	if err != nil {
		return nil, err
	}

	files := r.dataFiles(ctx, folder)
	if len(files) == 0 {
		return nil, &cost.APIError{Provider: "azure", Message: fmt.Sprintf("export folder %s has no data files", folder.name)}
	}

	var rows []exportRow
	for _, blob := range files {
		fileRows, err := r.readFile(ctx, blob)
		if err != nil {
			r.logger.Warn().Err(err).Str("blob", blob.Path).Msg("skipping unreadable export file")
			continue
		}
		rows = append(rows, fileRows...)
	}

	rows = dedupRows(rows)

	var filtered []exportRow
	for _, row := range rows {
		if row.Date.Before(start) || row.Date.After(end) {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered, nil
}

// findFolder picks the export run whose date range best matches the request:
// largest overlap wins, ties broken by the most recent end date. With strict
// matching enabled (the default), no overlap is an error rather than a
// silent wrong-period fallback.
func (r *ExportReader) findFolder(ctx context.Context, start, end time.Time) (*exportFolder, error) {
	blobs, err := r.store.ListBlobs(ctx, r.container, r.exportName)
	if err != nil {
		return nil, classifyError(err)
	}

	folders := groupByFolder(blobs, r.exportName)
	if len(folders) == 0 {
		return nil, &cost.ConfigError{Provider: "azure", Message: fmt.Sprintf("no export folders found under %q in container %q", r.exportName, r.container)}
	}

	var best *exportFolder
	var bestOverlap time.Duration
	for i := range folders {
		f := &folders[i]
		overlap := overlapDuration(start, end, f.start, f.end)
		if overlap <= 0 {
			continue
		}
		if best == nil || overlap > bestOverlap || (overlap == bestOverlap && f.end.After(best.end)) {
			best = f
			bestOverlap = overlap
		}
	}
	if best != nil {
		return best, nil
	}

	if r.strictMatch {
		names := make([]string, 0, len(folders))
		for _, f := range folders {
			names = append(names, f.name)
		}
		return nil, &cost.ConfigError{
			Provider: "azure",
			Message: fmt.Sprintf("no export folder overlaps %s to %s (found: %s)",
				start.Format(cost.DateFormat), end.Format(cost.DateFormat), strings.Join(names, ", ")),
		}
	}

	// Legacy behavior: take the most recent folder regardless of period.
	sort.Slice(folders, func(i, j int) bool { return folders[i].end.After(folders[j].end) })
	r.logger.Warn().
		Str("folder", folders[0].name).
		Msg("no overlapping export folder, falling back to most recent run")
	return &folders[0], nil
}

// dataFiles returns the folder's data blobs, honoring manifest.json when one
// exists (it names the authoritative file set across partial re-runs).
func (r *ExportReader) dataFiles(ctx context.Context, folder *exportFolder) []BlobInfo {
	var manifestBlob *BlobInfo
	for i := range folder.blobs {
		if strings.EqualFold(blobBase(folder.blobs[i].Path), "manifest.json") {
			manifestBlob = &folder.blobs[i]
			break
		}
	}

	if manifestBlob != nil {
		data, err := r.store.Download(ctx, r.container, manifestBlob.Path)
		if err == nil {
			var m manifest
			if err := json.Unmarshal(data, &m); err == nil && len(m.Blobs) > 0 {
				byName := make(map[string]BlobInfo, len(folder.blobs))
				for _, b := range folder.blobs {
					byName[blobBase(b.Path)] = b
				}
				var files []BlobInfo
				for _, mb := range m.Blobs {
					if b, ok := byName[blobBase(mb.BlobName)]; ok {
						files = append(files, b)
					}
				}
				if len(files) > 0 {
					return files
				}
			}
		}
		r.logger.Debug().Str("blob", manifestBlob.Path).Msg("manifest unreadable, using file listing")
	}

	var files []BlobInfo
	for _, b := range folder.blobs {
		if strings.HasSuffix(strings.ToLower(b.Path), ".csv") {
			files = append(files, b)
		}
	}
	return files
}

// readFile returns the parsed rows of one export file, from cache when the
// file fingerprint is unchanged.
func (r *ExportReader) readFile(ctx context.Context, blob BlobInfo) ([]exportRow, error) {
	key := fileCacheKey(blob)

	if r.cache != nil {
		if data, ok := r.cache.Get(key); ok {
			var rows []exportRow
			if err := json.Unmarshal(data, &rows); err == nil {
				return rows, nil
			}
			r.logger.Warn().Str("blob", blob.Path).Msg("discarding corrupt cached parse")
			r.cache.Delete(key)
		}
	}

	data, err := r.store.Download(ctx, r.container, blob.Path)
	if err != nil {
		return nil, classifyError(err)
	}

	verified := true
	if len(blob.ContentMD5) > 0 {
		sum := md5.Sum(data)
		if !bytes.Equal(sum[:], blob.ContentMD5) {
			r.logger.Warn().Str("blob", blob.Path).Msg("MD5 mismatch on downloaded export file")
			verified = false
		}
	}

	rows, err := parseExportCSV(data)
	if err != nil {
		return nil, err
	}

	if r.cache != nil && verified {
		if encoded, err := json.Marshal(rows); err == nil {
			r.cache.Set(key, encoded, r.fileTTL(blob))
		}
	}
	return rows, nil
}

// fileTTL keeps finalized export files forever and current-month files for
// an hour, since the current run is rewritten daily.
func (r *ExportReader) fileTTL(blob BlobInfo) time.Duration {
	age := r.clock.Now().Sub(blob.LastModified)
	if age >= 48*time.Hour {
		return cache.PermanentTTL
	}
	return time.Hour
}

func fileCacheKey(blob BlobInfo) string {
	fingerprint := blob.ETag
	if fingerprint == "" && len(blob.ContentMD5) > 0 {
		fingerprint = hex.EncodeToString(blob.ContentMD5)
	}
	raw := fmt.Sprintf("%s|%d|%d|%s", blob.Path, blob.Size, blob.LastModified.Unix(), fingerprint)
	sum := md5.Sum([]byte(raw))
	return "azure:file:" + hex.EncodeToString(sum[:])
}

// groupByFolder buckets blobs by their YYYYMMDD-YYYYMMDD path segment.
func groupByFolder(blobs []BlobInfo, exportName string) []exportFolder {
	byName := make(map[string]*exportFolder)
	for _, b := range blobs {
		segments := strings.Split(b.Path, "/")
		var rangeSeg string
		for _, seg := range segments {
			if folderRangePattern.MatchString(seg) {
				rangeSeg = seg
				break
			}
		}
		if rangeSeg == "" {
			continue
		}
		f, ok := byName[rangeSeg]
		if !ok {
			m := folderRangePattern.FindStringSubmatch(rangeSeg)
			start, err1 := time.Parse("20060102", m[1])
			end, err2 := time.Parse("20060102", m[2])
			if err1 != nil || err2 != nil {
				continue
			}
			f = &exportFolder{name: rangeSeg, start: start, end: end}
			byName[rangeSeg] = f
		}
		f.blobs = append(f.blobs, b)
	}

	folders := make([]exportFolder, 0, len(byName))
	for _, f := range byName {
		folders = append(folders, *f)
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].name < folders[j].name })
	return folders
}

func overlapDuration(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start) + 24*time.Hour
}

// dedupRows drops exact repeats of (date, resource, meter, cost,
// subscription). Export runs can overlap periods, so the same underlying
// line item may appear in more than one file.
func dedupRows(rows []exportRow) []exportRow {
	type dedupKey struct {
		date         string
		resourceID   string
		meterID      string
		cost         float64
		subscription string
	}
	seen := make(map[dedupKey]struct{}, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := dedupKey{
			date:         row.Date.Format(cost.DateFormat),
			resourceID:   row.ResourceID,
			meterID:      row.MeterID,
			cost:         row.Cost,
			subscription: row.SubscriptionID,
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

var exportDateLayouts = []string{"01/02/2006", "2006-01-02", "20060102"}

// parseExportCSV reads an export file. Unparseable and non-positive rows are
// skipped rather than failing the file.
func parseExportCSV(data []byte) ([]exportRow, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read export header: %w", err)
	}
	cols := buildColumnMap(header)

	costCol, ok := cols["costinbillingcurrency"]
	if !ok {
		return nil, fmt.Errorf("export file has no costInBillingCurrency column")
	}

	var rows []exportRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		amount, err := strconv.ParseFloat(field(record, costCol), 64)
		if err != nil || amount <= 0 {
			continue
		}
		date, ok := parseExportDate(field(record, colIndex(cols, "date", "usagedatetime")))
		if !ok {
			continue
		}

		row := exportRow{
			Date:             date,
			Cost:             amount,
			Currency:         field(record, colIndex(cols, "billingcurrency", "billingcurrencycode")),
			MeterCategory:    field(record, colIndex(cols, "metercategory")),
			MeterID:          field(record, colIndex(cols, "meterid")),
			ResourceID:       field(record, colIndex(cols, "resourceid", "instanceid")),
			SubscriptionID:   field(record, colIndex(cols, "subscriptionid", "subscriptionguid")),
			SubscriptionName: field(record, colIndex(cols, "subscriptionname")),
			ResourceLocation: field(record, colIndex(cols, "resourcelocation")),
		}
		if row.Currency == "" {
			row.Currency = "USD"
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func buildColumnMap(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func colIndex(cols map[string]int, names ...string) int {
	for _, name := range names {
		if i, ok := cols[name]; ok {
			return i
		}
	}
	return -1
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func parseExportDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range exportDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func blobBase(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
