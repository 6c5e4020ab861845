package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"vinylhub/internal/domain"
)

func TestCancelOrderReleasesStockUnits(t *testing.T) {
	databaseURL := os.Getenv("VINYLHUB_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VINYLHUB_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	releaseID := fmt.Sprintf("rel-cancel-it-%d", stamp)
	shopID := fmt.Sprintf("shop-cancel-it-%d", stamp)
	unitID := fmt.Sprintf("unit-cancel-it-%d", stamp)
	orderID := fmt.Sprintf("ord-cancel-it-%d", stamp)
	lineID := fmt.Sprintf("line-cancel-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customer_orders WHERE id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE id = $1`, unitID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM shops WHERE id = $1`, shopID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM releases WHERE id = $1`, releaseID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO releases (id, title, artist, label, year)
		VALUES ($1, 'Cancel IT', 'Integration Artist', 'Test Label', 1977)
	`, releaseID); err != nil {
		t.Fatalf("insert release: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO shops (id, name, warehouse)
		VALUES ($1, 'Cancel IT Shop', false)
	`, shopID); err != nil {
		t.Fatalf("insert shop: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_items (id, release_id, shop_id, batch_id, condition, price_cents, cost_cents, status, acquired_at, updated_at)
		VALUES ($1, $2, $3, null, 'VG+', 4480, 4000, 'sold', now(), now())
	`, unitID, releaseID, shopID); err != nil {
		t.Fatalf("insert stock item: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_orders (
			id, customer_id, shop_id, employee_id, order_type, fulfillment,
			subtotal_cents, shipping_cents, total_cents, status, idempotency_key,
			created_at, updated_at
		)
		VALUES ($1, null, $2, null, 'online', 'pickup', 4480, 0, 4480, 'pending', null, now(), now())
	`, orderID, shopID); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO order_lines (id, order_id, stock_item_id, price_at_sale_cents)
		VALUES ($1, $2, $3, 4480)
	`, lineID, orderID, unitID); err != nil {
		t.Fatalf("insert order line: %v", err)
	}

	cancelled, err := s.CancelOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", cancelled.Status)
	}

	var unitStatus string
	if err := s.db.QueryRowContext(ctx, `
		SELECT status
		FROM stock_items
		WHERE id = $1
	`, unitID).Scan(&unitStatus); err != nil {
		t.Fatalf("query stock item: %v", err)
	}
	if unitStatus != domain.ItemStatusAvailable {
		t.Fatalf("expected unit released to available, got %s", unitStatus)
	}

	// A second cancel is an idempotent no-op.
	again, err := s.CancelOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled on repeat, got %s", again.Status)
	}
}
