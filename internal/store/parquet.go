package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradesvc/internal/domain"
)

// ParquetArchive exports fills to Parquet files on disk for offline
// analysis. One file per symbol per day.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new ParquetArchive rooted at the given data
// directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// FillRecord is the Parquet schema for archived fills. Decimals are stored
// as strings so no precision is lost on the round trip.
type FillRecord struct {
	ID          string `parquet:"id"`
	OrderID     string `parquet:"order_id"`
	Symbol      string `parquet:"symbol"`
	Side        string `parquet:"side"`
	Qty         string `parquet:"qty"`
	Price       string `parquet:"price"`
	Fee         string `parquet:"fee"`
	RealizedPnL string `parquet:"realized_pnl"`
	Timestamp   int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// WriteFills archives fills grouped by symbol and date. Re-archiving the
// same fills is safe: records merge by fill ID, new over existing.
func (a *ParquetArchive) WriteFills(fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]FillRecord)
	for _, f := range fills {
		k := key{symbol: f.Symbol, date: f.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], FillRecord{
			ID:          f.ID,
			OrderID:     f.OrderID,
			Symbol:      f.Symbol,
			Side:        string(f.Side),
			Qty:         f.Qty.String(),
			Price:       f.Price.String(),
			Fee:         f.Fee.String(),
			RealizedPnL: f.RealizedPnL.String(),
			Timestamp:   f.Timestamp.UnixMilli(),
		})
	}

	for k, records := range groups {
		path := a.fillPath(k.symbol, k.date)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving fills for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadFills reads archived fills for a symbol over a date range, inclusive
// on both ends.
func (a *ParquetArchive) ReadFills(symbol string, start, end time.Time) ([]domain.Fill, error) {
	var fills []domain.Fill
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		path := a.fillPath(symbol, d.Format("2006-01-02"))
		records, err := readParquetFile[FillRecord](path)
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			f, err := fillFromRecord(r, ts)
			if err != nil {
				return nil, err
			}
			fills = append(fills, f)
		}
	}
	return fills, nil
}

func fillFromRecord(r FillRecord, ts time.Time) (domain.Fill, error) {
	f := domain.Fill{
		ID:        r.ID,
		OrderID:   r.OrderID,
		Symbol:    r.Symbol,
		Side:      domain.OrderSide(r.Side),
		Timestamp: ts,
	}
	var err error
	if f.Qty, err = parseDec(r.Qty); err != nil {
		return f, err
	}
	if f.Price, err = parseDec(r.Price); err != nil {
		return f, err
	}
	if f.Fee, err = parseDec(r.Fee); err != nil {
		return f, err
	}
	if f.RealizedPnL, err = parseDec(r.RealizedPnL); err != nil {
		return f, err
	}
	return f, nil
}

// fillPath returns the filesystem path for a fill Parquet file.
// Layout: <dataDir>/fills/<SYMBOL>/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) fillPath(symbol, date string) string {
	// Slashes in pair symbols would split the path.
	safe := strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
	return filepath.Join(a.DataDir, "fills", safe, date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeFillRecords deduplicates fill records by ID, preferring new records
// over existing ones. Results are sorted by timestamp.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
