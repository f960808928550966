package azure

import (
	"context"
	"crypto/md5"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/cache"
	"github.com/bgdnvk/cloudcost/internal/cost"
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

// mockBlobStore serves an in-memory container.
type mockBlobStore struct {
	blobs     map[string][]byte
	meta      map[string]BlobInfo
	listErr   error
	downloads []string
}

func newMockBlobStore() *mockBlobStore {
	return &mockBlobStore{blobs: make(map[string][]byte), meta: make(map[string]BlobInfo)}
}

func (m *mockBlobStore) put(path string, data []byte, lastModified time.Time) {
	m.blobs[path] = data
	sum := md5.Sum(data)
	m.meta[path] = BlobInfo{
		Path:         path,
		Size:         int64(len(data)),
		LastModified: lastModified,
		ETag:         "etag-" + path,
		ContentMD5:   sum[:],
	}
}

func (m *mockBlobStore) ListBlobs(ctx context.Context, container, prefix string) ([]BlobInfo, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []BlobInfo
	for path, info := range m.meta {
		if strings.HasPrefix(path, prefix) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *mockBlobStore) Download(ctx context.Context, container, path string) ([]byte, error) {
	m.downloads = append(m.downloads, path)
	data, ok := m.blobs[path]
	if !ok {
		return nil, errors.New("blob not found: " + path)
	}
	return data, nil
}

const exportCSVHeader = "Date,CostInBillingCurrency,BillingCurrency,MeterCategory,MeterId,ResourceId,SubscriptionId,SubscriptionName,ResourceLocation\n"

func exportCSVRow(date, amount, currency, category, meterID, resourceID, subID string) string {
	return strings.Join([]string{date, amount, currency, category, meterID, resourceID, subID, "Prod Sub", "westeurope"}, ",") + "\n"
}

func newTestReader(store BlobStore, strict bool, backend cache.Backend) *ExportReader {
	clk := &fakeClock{now: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}
	return NewExportReader(store, "cost-exports", "dailyexport", strict, backend, clk, zerolog.Nop())
}

func TestRowsParsesExportFile(t *testing.T) {
	store := newMockBlobStore()
	csvData := exportCSVHeader +
		exportCSVRow("01/05/2024", "12.50", "EUR", "Virtual Machines", "m1", "/vm/1", "sub-1") +
		exportCSVRow("01/06/2024", "0", "EUR", "Virtual Machines", "m1", "/vm/1", "sub-1") +
		exportCSVRow("01/06/2024", "not-a-number", "EUR", "Storage", "m2", "/st/1", "sub-1") +
		exportCSVRow("2024-01-07", "3.25", "EUR", "Storage", "m2", "/st/1", "sub-1")
	store.put("dailyexport/20240101-20240131/run1.csv", []byte(csvData), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	r := newTestReader(store, true, nil)
	rows, err := r.Rows(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}

	// Zero-cost and unparseable rows are skipped.
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(rows), rows)
	}
	if rows[0].Cost != 12.5 || rows[0].Currency != "EUR" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if !rows[1].Date.Equal(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("row 1 date = %v, want 2024-01-07", rows[1].Date)
	}
}

func TestRowsDedupAcrossFiles(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/05/2024", "9.99", "USD", "Virtual Machines", "m1", "/vm/1", "sub-1")
	store.put("dailyexport/20240101-20240131/run1.csv", []byte(exportCSVHeader+line), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	store.put("dailyexport/20240101-20240131/run2.csv", []byte(exportCSVHeader+line), time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))

	r := newTestReader(store, true, nil)
	rows, err := r.Rows(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}

	// The identical line item appears in two run files but counts once.
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1 after dedup", len(rows))
	}
}

func TestFindFolderPicksLargestOverlap(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/15/2024", "1.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	store.put("dailyexport/20231201-20231231/run.csv", []byte(exportCSVHeader+line), time.Now())
	store.put("dailyexport/20240101-20240131/run.csv", []byte(exportCSVHeader+line), time.Now())

	r := newTestReader(store, true, nil)
	folder, err := r.findFolder(context.Background(),
		time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("findFolder: %v", err)
	}
	if folder.name != "20240101-20240131" {
		t.Errorf("folder = %s, want 20240101-20240131", folder.name)
	}
}

func TestFindFolderTieBreaksOnLatestEnd(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/31/2024", "1.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	store.put("dailyexport/20240101-20240131/run.csv", []byte(exportCSVHeader+line), time.Now())
	store.put("dailyexport/20240201-20240229/run.csv", []byte(exportCSVHeader+line), time.Now())

	// Jan 31 to Feb 1 overlaps both folders by exactly one day.
	r := newTestReader(store, true, nil)
	folder, err := r.findFolder(context.Background(),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("findFolder: %v", err)
	}
	if folder.name != "20240201-20240229" {
		t.Errorf("folder = %s, want the later 20240201-20240229", folder.name)
	}
}

func TestFindFolderStrictNoOverlap(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/05/2024", "1.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	store.put("dailyexport/20240101-20240131/run.csv", []byte(exportCSVHeader+line), time.Now())

	r := newTestReader(store, true, nil)
	_, err := r.findFolder(context.Background(),
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))
	if !cost.IsConfig(err) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
	if !strings.Contains(err.Error(), "20240101-20240131") {
		t.Errorf("error does not name the available folders: %v", err)
	}
}

func TestFindFolderLegacyFallback(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/05/2024", "1.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	store.put("dailyexport/20231201-20231231/run.csv", []byte(exportCSVHeader+line), time.Now())
	store.put("dailyexport/20240101-20240131/run.csv", []byte(exportCSVHeader+line), time.Now())

	r := newTestReader(store, false, nil)
	folder, err := r.findFolder(context.Background(),
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("findFolder with fallback: %v", err)
	}
	if folder.name != "20240101-20240131" {
		t.Errorf("fallback folder = %s, want most recent 20240101-20240131", folder.name)
	}
}

func TestDataFilesHonorsManifest(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/05/2024", "5.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	stale := exportCSVRow("01/05/2024", "99.00", "USD", "Storage", "m2", "/st/2", "sub-1")
	store.put("dailyexport/20240101-20240131/current.csv", []byte(exportCSVHeader+line), time.Now())
	store.put("dailyexport/20240101-20240131/stale.csv", []byte(exportCSVHeader+stale), time.Now())
	store.put("dailyexport/20240101-20240131/manifest.json",
		[]byte(`{"blobs":[{"blobName":"current.csv","byteCount":10,"dataRowCount":1}]}`), time.Now())

	r := newTestReader(store, true, nil)
	rows, err := r.Rows(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}

	// Only the manifest-listed file is read, so the stale row never appears.
	if len(rows) != 1 || rows[0].Cost != 5 {
		t.Errorf("rows = %+v, want only the manifest-listed file's row", rows)
	}
}

func TestReadFileCachesByFingerprint(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/05/2024", "7.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	store.put("dailyexport/20240101-20240131/run.csv", []byte(exportCSVHeader+line),
		time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))

	clk := &fakeClock{now: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}
	backend := cache.NewMemoryCache(100, clk, zerolog.Nop())
	r := newTestReader(store, true, backend)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	if _, err := r.Rows(context.Background(), start, end); err != nil {
		t.Fatalf("first Rows: %v", err)
	}
	downloads := len(store.downloads)

	if _, err := r.Rows(context.Background(), start, end); err != nil {
		t.Fatalf("second Rows: %v", err)
	}
	if len(store.downloads) != downloads {
		t.Errorf("unchanged file was downloaded again (%d extra downloads)", len(store.downloads)-downloads)
	}
}

func TestReadFileSkipsCacheOnMD5Mismatch(t *testing.T) {
	store := newMockBlobStore()
	line := exportCSVRow("01/05/2024", "7.00", "USD", "Storage", "m1", "/st/1", "sub-1")
	path := "dailyexport/20240101-20240131/run.csv"
	store.put(path, []byte(exportCSVHeader+line), time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))

	// Corrupt the stored metadata checksum without changing the content.
	info := store.meta[path]
	info.ContentMD5 = []byte("0123456789abcdef")
	store.meta[path] = info

	clk := &fakeClock{now: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}
	backend := cache.NewMemoryCache(100, clk, zerolog.Nop())
	r := newTestReader(store, true, backend)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	rows, err := r.Rows(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	// An unverified download is still returned but never cached.
	downloads := len(store.downloads)
	if _, err := r.Rows(context.Background(), start, end); err != nil {
		t.Fatalf("second Rows: %v", err)
	}
	if len(store.downloads) == downloads {
		t.Error("unverified file was served from cache")
	}
}

func TestParseExportCSVRequiresBillingCurrencyColumn(t *testing.T) {
	data := []byte("Date,CostInUSD\n01/05/2024,10.0\n")
	if _, err := parseExportCSV(data); err == nil {
		t.Error("parseExportCSV accepted a file without costInBillingCurrency")
	}
}
