package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

func TestParquetArchivePath(t *testing.T) {
	a := NewParquetArchive("/data")

	got := a.fillPath("BTC/USDT", "2025-06-02")
	want := filepath.Join("/data", "fills", "BTC-USDT", "2025-06-02.parquet")
	if got != want {
		t.Errorf("fillPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetArchiveWriteReadFills(t *testing.T) {
	a := NewParquetArchive(t.TempDir())

	ts := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fills := []domain.Fill{
		{
			ID: "fill_00000001", OrderID: "ord_00000001",
			Symbol: "BTC/USDT", Side: domain.OrderSideBuy,
			Qty:   decimal.RequireFromString("0.01"),
			Price: decimal.RequireFromString("58000"),
			Fee:   decimal.Zero, RealizedPnL: decimal.Zero,
			Timestamp: ts,
		},
		{
			ID: "fill_00000002", OrderID: "ord_00000002",
			Symbol: "BTC/USDT", Side: domain.OrderSideSell,
			Qty:   decimal.RequireFromString("0.01"),
			Price: decimal.RequireFromString("58100"),
			Fee:   decimal.Zero,
			RealizedPnL: decimal.RequireFromString("1"),
			Timestamp:   ts.Add(time.Minute),
		},
	}
	if err := a.WriteFills(fills); err != nil {
		t.Fatalf("WriteFills: %v", err)
	}

	got, err := a.ReadFills("BTC/USDT", ts.Add(-time.Hour), ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadFills: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadFills returned %d fills, want 2", len(got))
	}
	if got[0].ID != "fill_00000001" || got[1].ID != "fill_00000002" {
		t.Errorf("ReadFills order = [%s %s], want timestamp order", got[0].ID, got[1].ID)
	}
	if !got[1].RealizedPnL.Equal(decimal.RequireFromString("1")) {
		t.Errorf("RealizedPnL = %s, want 1", got[1].RealizedPnL)
	}
}

func TestParquetArchiveMergeDedupes(t *testing.T) {
	a := NewParquetArchive(t.TempDir())

	ts := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	fill := domain.Fill{
		ID: "fill_00000001", OrderID: "ord_00000001",
		Symbol: "ETH/USDT", Side: domain.OrderSideBuy,
		Qty:   decimal.RequireFromString("2"),
		Price: decimal.RequireFromString("2400"),
		Timestamp: ts,
	}
	if err := a.WriteFills([]domain.Fill{fill}); err != nil {
		t.Fatalf("WriteFills (first): %v", err)
	}

	// Re-archiving the same fill plus a new one merges by ID.
	second := fill
	second.ID = "fill_00000002"
	second.Timestamp = ts.Add(time.Minute)
	if err := a.WriteFills([]domain.Fill{fill, second}); err != nil {
		t.Fatalf("WriteFills (second): %v", err)
	}

	got, err := a.ReadFills("ETH/USDT", ts.Add(-time.Hour), ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadFills: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadFills returned %d fills after merge, want 2", len(got))
	}
}
