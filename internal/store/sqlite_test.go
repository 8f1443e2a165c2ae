package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testOrder(id, clientID, key string) *domain.Order {
	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	return &domain.Order{
		ID:             id,
		Symbol:         "BTC/USDT",
		Side:           domain.OrderSideBuy,
		Type:           domain.OrderTypeMarket,
		Qty:            decimal.RequireFromString("0.01"),
		Status:         domain.OrderStatusSubmitted,
		ClientID:       clientID,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func acceptedEvent(o *domain.Order) *domain.EventBody {
	return &domain.EventBody{
		Event:   domain.EventOrderAccepted,
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Ts:      o.CreatedAt,
	}
}

func TestSQLiteStoreCreateAndGetOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord_00000001", "client-a", "key-1")
	o.LimitPrice = decimal.RequireFromString("58000")
	o.Type = domain.OrderTypeLimit
	if err := s.CreateOrder(ctx, o, acceptedEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Symbol != o.Symbol || got.Side != o.Side || got.Type != o.Type {
		t.Errorf("GetOrder = %+v, want fields of %+v", got, o)
	}
	if !got.Qty.Equal(o.Qty) {
		t.Errorf("Qty = %s, want %s", got.Qty, o.Qty)
	}
	if !got.LimitPrice.Equal(o.LimitPrice) {
		t.Errorf("LimitPrice = %s, want %s", got.LimitPrice, o.LimitPrice)
	}
	if !got.CreatedAt.Equal(o.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, o.CreatedAt)
	}

	if _, err := s.GetOrder(ctx, "ord_missing0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testOrder("ord_00000001", "client-a", "key-1")
	if err := s.CreateOrder(ctx, first, nil); err != nil {
		t.Fatalf("CreateOrder (first): %v", err)
	}

	// Same (client, key) pair must be refused.
	dup := testOrder("ord_00000002", "client-a", "key-1")
	if err := s.CreateOrder(ctx, dup, nil); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("CreateOrder (duplicate) error = %v, want ErrDuplicateIdempotencyKey", err)
	}
	if _, err := s.GetOrder(ctx, dup.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("duplicate order was persisted despite the conflict")
	}

	// Same key under another client is a different pair.
	other := testOrder("ord_00000003", "client-b", "key-1")
	if err := s.CreateOrder(ctx, other, nil); err != nil {
		t.Fatalf("CreateOrder (other client): %v", err)
	}

	got, err := s.GetOrderByIdempotencyKey(ctx, "client-a", "key-1")
	if err != nil {
		t.Fatalf("GetOrderByIdempotencyKey: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("GetOrderByIdempotencyKey = %s, want %s", got.ID, first.ID)
	}

	if _, err := s.GetOrderByIdempotencyKey(ctx, "client-a", "key-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreFinalizeOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord_00000001", "client-a", "key-1")
	if err := s.CreateOrder(ctx, o, nil); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	o.Status = domain.OrderStatusBrokerRejected
	o.Reason = domain.ReasonVenueUnreachable
	o.UpdatedAt = o.UpdatedAt.Add(time.Second)
	event := acceptedEvent(o)
	event.Event = domain.EventOrderBrokerRejected
	event.Reason = string(o.Reason)
	if err := s.FinalizeOrder(ctx, o, event); err != nil {
		t.Fatalf("FinalizeOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != domain.OrderStatusBrokerRejected {
		t.Errorf("Status = %s, want %s", got.Status, domain.OrderStatusBrokerRejected)
	}
	if got.Reason != domain.ReasonVenueUnreachable {
		t.Errorf("Reason = %s, want %s", got.Reason, domain.ReasonVenueUnreachable)
	}

	missing := testOrder("ord_missing0", "client-a", "key-x")
	if err := s.FinalizeOrder(ctx, missing, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinalizeOrder(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreSettleOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord_00000001", "client-a", "key-1")
	if err := s.CreateOrder(ctx, o, acceptedEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	price := decimal.RequireFromString("58000")
	fill := &domain.Fill{
		ID:        "fill_00000001",
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       o.Qty,
		Price:     price,
		Fee:       decimal.Zero,
		Timestamp: o.CreatedAt.Add(time.Millisecond),
	}
	pos := &domain.Position{Symbol: o.Symbol}
	fill.RealizedPnL = pos.ApplyFill(fill.Side, fill.Qty, fill.Price, fill.Timestamp)

	o.FilledQty = o.Qty
	o.AvgPrice = price
	o.Status = domain.OrderStatusSettled
	event := acceptedEvent(o)
	event.Event = domain.EventOrderFilled
	event.FilledQty = o.FilledQty
	event.AvgPrice = o.AvgPrice
	if err := s.SettleOrder(ctx, o, fill, pos, event); err != nil {
		t.Fatalf("SettleOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != domain.OrderStatusSettled {
		t.Errorf("Status = %s, want %s", got.Status, domain.OrderStatusSettled)
	}
	if !got.FilledQty.Equal(o.Qty) {
		t.Errorf("FilledQty = %s, want %s", got.FilledQty, o.Qty)
	}

	fills, err := s.ListFillsByOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("ListFillsByOrder: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("ListFillsByOrder returned %d fills, want 1", len(fills))
	}
	if !fills[0].Price.Equal(price) {
		t.Errorf("fill price = %s, want %s", fills[0].Price, price)
	}

	stored, err := s.GetPosition(ctx, o.Symbol)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !stored.Qty.Equal(o.Qty) {
		t.Errorf("position qty = %s, want %s", stored.Qty, o.Qty)
	}
	if !stored.AvgPrice.Equal(price) {
		t.Errorf("position avg = %s, want %s", stored.AvgPrice, price)
	}
}

func TestSQLiteStorePositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Untraded symbols report a zero position, not an error.
	pos, err := s.GetPosition(ctx, "ETH/USDT")
	if err != nil {
		t.Fatalf("GetPosition (untraded): %v", err)
	}
	if !pos.Qty.IsZero() {
		t.Errorf("untraded position qty = %s, want 0", pos.Qty)
	}

	// Settle one order, then close it out. Flat positions are hidden
	// from the listing.
	o := testOrder("ord_00000001", "client-a", "key-1")
	if err := s.CreateOrder(ctx, o, nil); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	p := &domain.Position{Symbol: o.Symbol}
	price := decimal.RequireFromString("58000")
	p.ApplyFill(domain.OrderSideBuy, o.Qty, price, o.CreatedAt)
	fill := &domain.Fill{ID: "fill_00000001", OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Qty: o.Qty, Price: price, Timestamp: o.CreatedAt}
	o.Status = domain.OrderStatusSettled
	if err := s.SettleOrder(ctx, o, fill, p, nil); err != nil {
		t.Fatalf("SettleOrder: %v", err)
	}

	open, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(open) != 1 || open[0].Symbol != "BTC/USDT" {
		t.Fatalf("ListPositions = %+v, want one BTC/USDT position", open)
	}

	o2 := testOrder("ord_00000002", "client-a", "key-2")
	o2.Side = domain.OrderSideSell
	if err := s.CreateOrder(ctx, o2, nil); err != nil {
		t.Fatalf("CreateOrder (close): %v", err)
	}
	p.ApplyFill(domain.OrderSideSell, o2.Qty, price, o2.CreatedAt)
	fill2 := &domain.Fill{ID: "fill_00000002", OrderID: o2.ID, Symbol: o2.Symbol, Side: o2.Side, Qty: o2.Qty, Price: price, Timestamp: o2.CreatedAt}
	o2.Status = domain.OrderStatusSettled
	if err := s.SettleOrder(ctx, o2, fill2, p, nil); err != nil {
		t.Fatalf("SettleOrder (close): %v", err)
	}

	open, err = s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions (flat): %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListPositions after closing = %+v, want empty", open)
	}
}

func TestSQLiteStoreRealizedPnLSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	pnls := []struct {
		id  string
		pnl string
		ts  time.Time
	}{
		{"fill_00000001", "100", base.Add(-2 * time.Hour)}, // yesterday
		{"fill_00000002", "-30", base.Add(time.Hour)},
		{"fill_00000003", "-45.5", base.Add(2 * time.Hour)},
	}
	for i, f := range pnls {
		o := testOrder("ord_0000000"+string(rune('1'+i)), "client-a", "key-"+f.id)
		o.CreatedAt, o.UpdatedAt = f.ts, f.ts
		if err := s.CreateOrder(ctx, o, nil); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		fill := &domain.Fill{
			ID: f.id, OrderID: o.ID, Symbol: o.Symbol, Side: o.Side,
			Qty: o.Qty, Price: decimal.RequireFromString("58000"),
			RealizedPnL: decimal.RequireFromString(f.pnl),
			Timestamp:   f.ts,
		}
		o.Status = domain.OrderStatusSettled
		if err := s.SettleOrder(ctx, o, fill, &domain.Position{Symbol: o.Symbol}, nil); err != nil {
			t.Fatalf("SettleOrder: %v", err)
		}
	}

	got, err := s.RealizedPnLSince(ctx, base)
	if err != nil {
		t.Fatalf("RealizedPnLSince: %v", err)
	}
	want := decimal.RequireFromString("-75.5")
	if !got.Equal(want) {
		t.Errorf("RealizedPnLSince = %s, want %s", got, want)
	}
}

func TestSQLiteStoreEventSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord_00000001", "client-a", "key-1")
	if err := s.CreateOrder(ctx, o, acceptedEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	filled := acceptedEvent(o)
	filled.Event = domain.EventOrderFilled
	if err := s.FinalizeOrder(ctx, o, filled); err != nil {
		t.Fatalf("FinalizeOrder: %v", err)
	}

	due, err := s.DueEvents(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueEvents: %v", err)
	}
	// Only the order's earliest pending event is eligible.
	if len(due) != 1 {
		t.Fatalf("DueEvents returned %d events, want 1", len(due))
	}
	if due[0].Event != domain.EventOrderAccepted || due[0].Seq != 1 {
		t.Fatalf("first due event = %s seq %d, want %s seq 1", due[0].Event, due[0].Seq, domain.EventOrderAccepted)
	}

	if err := s.MarkEventDelivered(ctx, due[0].ID, 200); err != nil {
		t.Fatalf("MarkEventDelivered: %v", err)
	}

	due, err = s.DueEvents(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueEvents (second): %v", err)
	}
	if len(due) != 1 || due[0].Event != domain.EventOrderFilled || due[0].Seq != 2 {
		t.Fatalf("second due event = %+v, want %s seq 2", due, domain.EventOrderFilled)
	}
}

func TestSQLiteStoreEventRetryAndDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord_00000001", "client-a", "key-1")
	if err := s.CreateOrder(ctx, o, acceptedEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	due, err := s.DueEvents(ctx, time.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueEvents = %v, %v; want one event", due, err)
	}
	id := due[0].ID

	// A failed attempt pushes the event into the future.
	retryAt := time.Now().Add(time.Hour)
	if err := s.MarkEventFailed(ctx, id, 500, retryAt, false); err != nil {
		t.Fatalf("MarkEventFailed: %v", err)
	}
	due, err = s.DueEvents(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueEvents (after failure): %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("event due before its retry time: %+v", due)
	}
	due, err = s.DueEvents(ctx, retryAt.Add(time.Minute), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("event not due after its retry time: %v, %v", due, err)
	}
	if due[0].Attempts != 1 || due[0].LastStatus != 500 {
		t.Errorf("attempts = %d lastStatus = %d, want 1 and 500", due[0].Attempts, due[0].LastStatus)
	}

	// Exhausted events move to the dead-letter state and stop being due.
	if err := s.MarkEventFailed(ctx, id, 503, retryAt, true); err != nil {
		t.Fatalf("MarkEventFailed (dead): %v", err)
	}
	due, err = s.DueEvents(ctx, retryAt.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueEvents (after dead): %v", err)
	}
	if len(due) != 0 {
		t.Errorf("dead event still due: %+v", due)
	}

	dead, err := s.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("DeadLetters = %+v, want the failed event", dead)
	}
	if dead[0].Attempts != 2 {
		t.Errorf("dead event attempts = %d, want 2", dead[0].Attempts)
	}
}

func TestSQLiteStoreMarkUnknownEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkEventDelivered(ctx, "evt_missing0", 200); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkEventDelivered error = %v, want ErrNotFound", err)
	}
	if err := s.MarkEventFailed(ctx, "evt_missing0", 500, time.Now(), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkEventFailed error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreListOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []domain.OrderStatus{
		domain.OrderStatusSubmitted,
		domain.OrderStatusSettled,
		domain.OrderStatusSubmitted,
	} {
		o := testOrder("ord_0000000"+string(rune('1'+i)), "client-a", "key-"+string(rune('1'+i)))
		o.Status = status
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.CreateOrder(ctx, o, nil); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
	}

	got, err := s.ListOrders(ctx, domain.OrderStatusSubmitted)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListOrders returned %d orders, want 2", len(got))
	}
	if got[0].ID != "ord_00000001" || got[1].ID != "ord_00000003" {
		t.Errorf("ListOrders order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}
}
