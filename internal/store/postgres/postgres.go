package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vinylhub/internal/domain"
	"vinylhub/internal/pricing"
	"vinylhub/internal/store"
	"vinylhub/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so order loading can run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) GetRelease(ctx context.Context, id string) (*domain.ReleaseAlbum, error) {
	var r domain.ReleaseAlbum
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, artist, label, year
		FROM releases
		WHERE id = $1
	`, id).Scan(&r.ID, &r.Title, &r.Artist, &r.Label, &r.Year)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetShop(ctx context.Context, id string) (*domain.Shop, error) {
	var sh domain.Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, warehouse
		FROM shops
		WHERE id = $1
	`, id).Scan(&sh.ID, &sh.Name, &sh.Warehouse)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sh, nil
}

func (s *Store) ListShops(ctx context.Context) ([]domain.Shop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, warehouse
		FROM shops
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shops := make([]domain.Shop, 0, 8)
	for rows.Next() {
		var sh domain.Shop
		if err := rows.Scan(&sh.ID, &sh.Name, &sh.Warehouse); err != nil {
			return nil, err
		}
		shops = append(shops, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shops, nil
}

func (s *Store) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	var item domain.StockItem
	var batchID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, release_id, shop_id, batch_id, condition, price_cents, cost_cents, status, acquired_at
		FROM stock_items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.ReleaseID, &item.ShopID, &batchID, &item.Condition,
		&item.PriceCents, &item.CostCents, &item.Status, &item.AcquiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.BatchID = batchID.String
	item.AcquiredAt = item.AcquiredAt.UTC()
	return &item, nil
}

func (s *Store) GetStockItemsByIDs(ctx context.Context, ids []string) (map[string]domain.StockItem, error) {
	result := make(map[string]domain.StockItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, release_id, shop_id, batch_id, condition, price_cents, cost_cents, status, acquired_at
		FROM stock_items
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.StockItem
		var batchID sql.NullString
		if err := rows.Scan(&item.ID, &item.ReleaseID, &item.ShopID, &batchID, &item.Condition,
			&item.PriceCents, &item.CostCents, &item.Status, &item.AcquiredAt); err != nil {
			return nil, err
		}
		item.BatchID = batchID.String
		item.AcquiredAt = item.AcquiredAt.UTC()
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListAvailableStock(ctx context.Context, shopID string, releaseID string, condition domain.Condition, limit int) ([]domain.StockItem, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, release_id, shop_id, batch_id, condition, price_cents, cost_cents, status, acquired_at
		FROM stock_items
		WHERE status = 'available'
		  AND ($1 = '' OR shop_id = $1)
		  AND ($2 = '' OR release_id = $2)
		  AND ($3 = '' OR condition = $3)
		ORDER BY acquired_at ASC, id ASC
		LIMIT $4
	`, shopID, releaseID, string(condition), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, limit)
	for rows.Next() {
		var item domain.StockItem
		var batchID sql.NullString
		if err := rows.Scan(&item.ID, &item.ReleaseID, &item.ShopID, &batchID, &item.Condition,
			&item.PriceCents, &item.CostCents, &item.Status, &item.AcquiredAt); err != nil {
			return nil, err
		}
		item.BatchID = batchID.String
		item.AcquiredAt = item.AcquiredAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAvailable(ctx context.Context, shopID string, releaseID string, condition domain.Condition) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM stock_items
		WHERE status = 'available'
		  AND ($1 = '' OR shop_id = $1)
		  AND ($2 = '' OR release_id = $2)
		  AND ($3 = '' OR condition = $3)
	`, shopID, releaseID, string(condition)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateStockItems(ctx context.Context, items []domain.StockItem) error {
	if len(items) == 0 {
		return store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertStockItems(ctx, tx, items); err != nil {
		return err
	}
	return tx.Commit()
}

func insertStockItems(ctx context.Context, tx *sql.Tx, items []domain.StockItem) error {
	now := time.Now().UTC()
	for i := range items {
		item := items[i]
		if item.ReleaseID == "" || item.ShopID == "" || !item.Condition.Valid() || item.PriceCents < 1 {
			return store.ErrInvalidRequest
		}
		if item.ID == "" {
			item.ID = xid.New("unit")
		}
		if item.Status == "" {
			item.Status = domain.ItemStatusAvailable
		}
		if item.AcquiredAt.IsZero() {
			item.AcquiredAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_items (id, release_id, shop_id, batch_id, condition, price_cents, cost_cents, status, acquired_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		`, item.ID, item.ReleaseID, item.ShopID, nullIfEmpty(item.BatchID), string(item.Condition),
			item.PriceCents, item.CostCents, item.Status, item.AcquiredAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.CustomerOrder, lines []domain.OrderLine) (*domain.CustomerOrder, error) {
	if len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.StockItemID)
	}

	// Lock every referenced unit; concurrent checkouts of the same unit
	// serialize here, the loser sees status = 'sold'.
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, shop_id, status
		FROM stock_items
		WHERE id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	type unitState struct {
		shopID string
		status string
	}
	locked := make(map[string]unitState, len(ids))
	for rows.Next() {
		var id string
		var st unitState
		if err := rows.Scan(&id, &st.shopID, &st.status); err != nil {
			_ = rows.Close()
			return nil, err
		}
		locked[id] = st
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	unavailable := make([]string, 0)
	for _, id := range ids {
		st, ok := locked[id]
		if !ok || st.status != domain.ItemStatusAvailable || st.shopID != order.ShopID {
			unavailable = append(unavailable, id)
		}
	}
	if len(unavailable) > 0 {
		return nil, &store.UnavailableItemsError{ItemIDs: unavailable}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'sold', updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO customer_orders (
			id, customer_id, shop_id, employee_id, order_type, fulfillment,
			subtotal_cents, shipping_cents, total_cents, status, idempotency_key,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, order.ID, nullStringPtr(order.CustomerID), order.ShopID, nullStringPtr(order.EmployeeID),
		order.OrderType, order.Fulfillment, order.SubtotalCents, order.ShippingCents,
		order.TotalCents, order.Status, nullIfEmpty(order.IdempotencyKey),
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) && order.IdempotencyKey != "" {
			existing, lookupErr := s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for i := range lines {
		if lines[i].ID == "" {
			lines[i].ID = xid.New("line")
		}
		lines[i].OrderID = order.ID
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, stock_item_id, price_at_sale_cents)
			VALUES ($1,$2,$3,$4)
		`, lines[i].ID, order.ID, lines[i].StockItemID, lines[i].PriceAtSaleCents)
		if err != nil {
			return nil, err
		}
	}
	order.Lines = lines

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.CustomerOrder, error) {
	return s.findOrder(ctx, s.db, "idempotency_key", key)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.CustomerOrder, error) {
	return s.findOrder(ctx, s.db, "id", id)
}

func (s *Store) findOrder(ctx context.Context, q querier, column string, value string) (*domain.CustomerOrder, error) {
	var order domain.CustomerOrder
	var customerID, employeeID, idemKey sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, customer_id, shop_id, employee_id, order_type, fulfillment,
		       subtotal_cents, shipping_cents, total_cents, status, idempotency_key,
		       created_at, updated_at
		FROM customer_orders
		WHERE `+column+` = $1
	`, value).Scan(&order.ID, &customerID, &order.ShopID, &employeeID, &order.OrderType,
		&order.Fulfillment, &order.SubtotalCents, &order.ShippingCents, &order.TotalCents,
		&order.Status, &idemKey, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		order.CustomerID = &customerID.String
	}
	if employeeID.Valid {
		order.EmployeeID = &employeeID.String
	}
	order.IdempotencyKey = idemKey.String
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	lines, err := loadOrderLines(ctx, q, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines
	return &order, nil
}

func loadOrderLines(ctx context.Context, q querier, orderID string) ([]domain.OrderLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, stock_item_id, price_at_sale_cents
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 4)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.StockItemID, &line.PriceAtSaleCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.CustomerOrder, error) {
	return s.listOrders(ctx, `customer_id = $1`, []any{customerID}, limit)
}

func (s *Store) ListOrdersByShop(ctx context.Context, shopID string, status string, limit int) ([]domain.CustomerOrder, error) {
	if status == "" {
		return s.listOrders(ctx, `shop_id = $1`, []any{shopID}, limit)
	}
	return s.listOrders(ctx, `shop_id = $1 AND status = $2`, []any{shopID, status}, limit)
}

func (s *Store) listOrders(ctx context.Context, where string, args []any, limit int) ([]domain.CustomerOrder, error) {
	if limit < 1 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, shop_id, employee_id, order_type, fulfillment,
		       subtotal_cents, shipping_cents, total_cents, status, idempotency_key,
		       created_at, updated_at
		FROM customer_orders
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.CustomerOrder, 0, limit)
	for rows.Next() {
		var order domain.CustomerOrder
		var customerID, employeeID, idemKey sql.NullString
		if err := rows.Scan(&order.ID, &customerID, &order.ShopID, &employeeID, &order.OrderType,
			&order.Fulfillment, &order.SubtotalCents, &order.ShippingCents, &order.TotalCents,
			&order.Status, &idemKey, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		if customerID.Valid {
			id := customerID.String
			order.CustomerID = &id
		}
		if employeeID.Valid {
			id := employeeID.String
			order.EmployeeID = &id
		}
		order.IdempotencyKey = idemKey.String
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = order.UpdatedAt.UTC()
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CompleteOrder(ctx context.Context, orderID string, pointsEarned int64) (*domain.CustomerOrder, *domain.TierChange, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var customerID sql.NullString
	var orderType, status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT customer_id, order_type, status
		FROM customer_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&customerID, &orderType, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if status != domain.OrderStatusPending {
		return nil, nil, store.ErrConflict
	}

	newStatus := domain.OrderStatusCompleted
	if orderType == domain.OrderTypeOnline {
		newStatus = domain.OrderStatusPaid
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE customer_orders
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, orderID, newStatus)
	if err != nil {
		return nil, nil, err
	}

	var change *domain.TierChange
	if customerID.Valid && pointsEarned > 0 {
		var points int64
		var tierID string
		err = pgTx.QueryRowContext(ctx, `
			SELECT points, tier_id
			FROM customers
			WHERE id = $1
			FOR UPDATE
		`, customerID.String).Scan(&points, &tierID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, err
		}
		if err == nil {
			tiers, err := listTiersTx(ctx, pgTx)
			if err != nil {
				return nil, nil, err
			}
			newTierID, tc := pricing.RecomputeTier(tiers, tierID, points, pointsEarned)
			_, err = pgTx.ExecContext(ctx, `
				UPDATE customers
				SET points = points + $2, tier_id = $3, updated_at = now()
				WHERE id = $1
			`, customerID.String, pointsEarned, newTierID)
			if err != nil {
				return nil, nil, err
			}
			change = &tc
		}
	}

	order, err := s.findOrder(ctx, pgTx, "id", orderID)
	if err != nil {
		return nil, nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return order, change, nil
}

// transitionOrder applies one guarded status move under the order's row lock.
func (s *Store) transitionOrder(ctx context.Context, orderID string, guard func(status, fulfillment string, customerID *string) error, newStatus string) (*domain.CustomerOrder, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, fulfillment string
	var customerID sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, fulfillment, customer_id
		FROM customer_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&status, &fulfillment, &customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var custPtr *string
	if customerID.Valid {
		custPtr = &customerID.String
	}
	if err := guard(status, fulfillment, custPtr); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE customer_orders
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, orderID, newStatus)
	if err != nil {
		return nil, err
	}

	order, err := s.findOrder(ctx, pgTx, "id", orderID)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) AdvanceShipment(ctx context.Context, orderID string) (*domain.CustomerOrder, error) {
	return s.transitionOrder(ctx, orderID, func(status, fulfillment string, _ *string) error {
		if status != domain.OrderStatusPaid || fulfillment != domain.FulfillmentShipping {
			return store.ErrConflict
		}
		return nil
	}, domain.OrderStatusShipped)
}

func (s *Store) ConfirmReceipt(ctx context.Context, orderID string, customerID string) (*domain.CustomerOrder, error) {
	return s.transitionOrder(ctx, orderID, func(status, _ string, owner *string) error {
		if owner == nil || *owner != customerID {
			return store.ErrNotFound
		}
		if status != domain.OrderStatusShipped {
			return store.ErrConflict
		}
		return nil
	}, domain.OrderStatusCompleted)
}

func (s *Store) ConfirmPickup(ctx context.Context, orderID string) (*domain.CustomerOrder, error) {
	return s.transitionOrder(ctx, orderID, func(status, fulfillment string, _ *string) error {
		if status != domain.OrderStatusPaid || fulfillment != domain.FulfillmentPickup {
			return store.ErrConflict
		}
		return nil
	}, domain.OrderStatusCompleted)
}

func (s *Store) CancelOrder(ctx context.Context, orderID string) (*domain.CustomerOrder, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM customer_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.OrderStatusCancelled {
		return s.findOrder(ctx, pgTx, "id", orderID)
	}
	if status != domain.OrderStatusPending {
		return nil, store.ErrConflict
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'available', updated_at = now()
		WHERE id IN (SELECT stock_item_id FROM order_lines WHERE order_id = $1)
	`, orderID)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE customer_orders
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, orderID, domain.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}

	order, err := s.findOrder(ctx, pgTx, "id", orderID)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, points, tier_id
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &phone, &c.Points, &c.TierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Phone = phone.String
	return &c, nil
}

func (s *Store) FindCustomerByContact(ctx context.Context, contact string) (*domain.Customer, error) {
	contact = strings.ToLower(strings.TrimSpace(contact))
	if contact == "" {
		return nil, store.ErrInvalidRequest
	}

	var c domain.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, points, tier_id
		FROM customers
		WHERE lower(email) = $1 OR phone = $1
		LIMIT 1
	`, contact).Scan(&c.ID, &c.Name, &c.Email, &phone, &c.Points, &c.TierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Phone = phone.String
	return &c, nil
}

func (s *Store) ListTiers(ctx context.Context) ([]domain.MembershipTier, error) {
	return listTiersTx(ctx, s.db)
}

func listTiersTx(ctx context.Context, q querier) ([]domain.MembershipTier, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, threshold_points, discount_rate
		FROM membership_tiers
		ORDER BY threshold_points ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make([]domain.MembershipTier, 0, 4)
	for rows.Next() {
		var t domain.MembershipTier
		if err := rows.Scan(&t.ID, &t.Name, &t.ThresholdPoints, &t.DiscountRate); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiers, nil
}

func (s *Store) CreateTransferRequest(ctx context.Context, req domain.TransferRequest) (*domain.TransferRequest, error) {
	if req.RequestedBy == "" || req.ReleaseID == "" || !req.Condition.Valid() || req.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}
	if req.ID == "" {
		req.ID = xid.New("xfer")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = domain.RequestStatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_requests (
			id, requested_by, dest_shop_id, source_shop_id, release_id, condition,
			quantity, reason, status, response_note, decided_by, created_at, decided_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, req.ID, req.RequestedBy, nullStringPtr(req.DestShopID), nullStringPtr(req.SourceShopID),
		req.ReleaseID, string(req.Condition), req.Quantity, nullIfEmpty(req.Reason),
		req.Status, nullIfEmpty(req.ResponseNote), nullIfEmpty(req.DecidedBy),
		req.CreatedAt, nullTime(req.DecidedAt))
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) GetTransferRequest(ctx context.Context, id string) (*domain.TransferRequest, error) {
	return scanTransfer(s.db.QueryRowContext(ctx, `
		SELECT id, requested_by, dest_shop_id, source_shop_id, release_id, condition,
		       quantity, reason, status, response_note, decided_by, created_at, decided_at
		FROM transfer_requests
		WHERE id = $1
	`, id))
}

func scanTransfer(row *sql.Row) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	var dest, source, reason, note, decidedBy sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&req.ID, &req.RequestedBy, &dest, &source, &req.ReleaseID, &req.Condition,
		&req.Quantity, &reason, &req.Status, &note, &decidedBy, &req.CreatedAt, &decidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if dest.Valid {
		req.DestShopID = &dest.String
	}
	if source.Valid {
		req.SourceShopID = &source.String
	}
	req.Reason = reason.String
	req.ResponseNote = note.String
	req.DecidedBy = decidedBy.String
	req.CreatedAt = req.CreatedAt.UTC()
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		req.DecidedAt = &at
	}
	return &req, nil
}

func (s *Store) ListTransferRequests(ctx context.Context, status string, limit int) ([]domain.TransferRequest, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requested_by, dest_shop_id, source_shop_id, release_id, condition,
		       quantity, reason, status, response_note, decided_by, created_at, decided_at
		FROM transfer_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.TransferRequest, 0, limit)
	for rows.Next() {
		var req domain.TransferRequest
		var dest, source, reason, note, decidedBy sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&req.ID, &req.RequestedBy, &dest, &source, &req.ReleaseID, &req.Condition,
			&req.Quantity, &reason, &req.Status, &note, &decidedBy, &req.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if dest.Valid {
			id := dest.String
			req.DestShopID = &id
		}
		if source.Valid {
			id := source.String
			req.SourceShopID = &id
		}
		req.Reason = reason.String
		req.ResponseNote = note.String
		req.DecidedBy = decidedBy.String
		req.CreatedAt = req.CreatedAt.UTC()
		if decidedAt.Valid {
			at := decidedAt.Time.UTC()
			req.DecidedAt = &at
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ApproveTransfer(ctx context.Context, requestID string, sourceShopID string, destShopID string, approver string, note string, at time.Time) (*domain.TransferRequest, []string, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, releaseID, condition string
	var quantity int
	var reqDest sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, release_id, condition, quantity, dest_shop_id
		FROM transfer_requests
		WHERE id = $1
		FOR UPDATE
	`, requestID).Scan(&status, &releaseID, &condition, &quantity, &reqDest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if status != domain.RequestStatusPending {
		return nil, nil, store.ErrConflict
	}

	dest := destShopID
	if dest == "" && reqDest.Valid {
		dest = reqDest.String
	}
	if sourceShopID == "" || dest == "" || sourceShopID == dest {
		return nil, nil, store.ErrInvalidRequest
	}

	// Lock exactly the units we intend to move, oldest stock first.
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id
		FROM stock_items
		WHERE shop_id = $1 AND release_id = $2 AND condition = $3 AND status = 'available'
		ORDER BY acquired_at ASC, id ASC
		LIMIT $4
		FOR UPDATE
	`, sourceShopID, releaseID, condition, quantity)
	if err != nil {
		return nil, nil, err
	}
	moved := make([]string, 0, quantity)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, nil, err
		}
		moved = append(moved, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, err
	}
	_ = rows.Close()

	// All or none: rolling back leaves the request pending for a retry.
	if len(moved) < quantity {
		return nil, nil, store.ErrInsufficientStock
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_items
		SET shop_id = $2, updated_at = now()
		WHERE id = ANY($1)
	`, moved, dest)
	if err != nil {
		return nil, nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transfer_requests
		SET status = $2, source_shop_id = $3, dest_shop_id = $4, decided_by = $5,
		    response_note = $6, decided_at = $7
		WHERE id = $1
	`, requestID, domain.RequestStatusApproved, sourceShopID, dest, approver,
		nullIfEmpty(note), at.UTC())
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}

	req, err := s.GetTransferRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, moved, nil
}

func (s *Store) RejectTransfer(ctx context.Context, requestID string, approver string, note string, at time.Time) (*domain.TransferRequest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_requests
		SET status = $2, decided_by = $3, response_note = $4, decided_at = $5
		WHERE id = $1 AND status = $6
	`, requestID, domain.RequestStatusRejected, approver, nullIfEmpty(note), at.UTC(), domain.RequestStatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, getErr := s.GetTransferRequest(ctx, requestID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrConflict
	}
	return s.GetTransferRequest(ctx, requestID)
}

func (s *Store) CreatePriceAdjustment(ctx context.Context, req domain.PriceAdjustmentRequest) (*domain.PriceAdjustmentRequest, error) {
	if req.RequestedBy == "" || req.ShopID == "" || req.ReleaseID == "" || !req.Condition.Valid() || req.NewPriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}
	if req.ID == "" {
		req.ID = xid.New("padj")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = domain.RequestStatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_adjustment_requests (
			id, requested_by, shop_id, release_id, condition, new_price_cents,
			reason, status, response_note, decided_by, created_at, decided_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, req.ID, req.RequestedBy, req.ShopID, req.ReleaseID, string(req.Condition),
		req.NewPriceCents, nullIfEmpty(req.Reason), req.Status,
		nullIfEmpty(req.ResponseNote), nullIfEmpty(req.DecidedBy), req.CreatedAt,
		nullTime(req.DecidedAt))
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) ListPriceAdjustments(ctx context.Context, status string, limit int) ([]domain.PriceAdjustmentRequest, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requested_by, shop_id, release_id, condition, new_price_cents,
		       reason, status, response_note, decided_by, created_at, decided_at
		FROM price_adjustment_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PriceAdjustmentRequest, 0, limit)
	for rows.Next() {
		req, err := scanAdjustmentRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanAdjustmentRow(rows *sql.Rows) (*domain.PriceAdjustmentRequest, error) {
	var req domain.PriceAdjustmentRequest
	var reason, note, decidedBy sql.NullString
	var decidedAt sql.NullTime
	if err := rows.Scan(&req.ID, &req.RequestedBy, &req.ShopID, &req.ReleaseID, &req.Condition,
		&req.NewPriceCents, &reason, &req.Status, &note, &decidedBy, &req.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	req.Reason = reason.String
	req.ResponseNote = note.String
	req.DecidedBy = decidedBy.String
	req.CreatedAt = req.CreatedAt.UTC()
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		req.DecidedAt = &at
	}
	return &req, nil
}

func (s *Store) getPriceAdjustment(ctx context.Context, id string) (*domain.PriceAdjustmentRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requested_by, shop_id, release_id, condition, new_price_cents,
		       reason, status, response_note, decided_by, created_at, decided_at
		FROM price_adjustment_requests
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return scanAdjustmentRow(rows)
}

func (s *Store) ApprovePriceAdjustment(ctx context.Context, requestID string, approver string, note string, at time.Time) (*domain.PriceAdjustmentRequest, int, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, shopID, releaseID, condition string
	var newPrice int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, shop_id, release_id, condition, new_price_cents
		FROM price_adjustment_requests
		WHERE id = $1
		FOR UPDATE
	`, requestID).Scan(&status, &shopID, &releaseID, &condition, &newPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, err
	}
	if status != domain.RequestStatusPending {
		return nil, 0, store.ErrConflict
	}

	// Shelf stock only. Sold units keep their recorded sale price.
	res, err := pgTx.ExecContext(ctx, `
		UPDATE stock_items
		SET price_cents = $4, updated_at = now()
		WHERE shop_id = $1 AND release_id = $2 AND condition = $3 AND status = 'available'
	`, shopID, releaseID, condition, newPrice)
	if err != nil {
		return nil, 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE price_adjustment_requests
		SET status = $2, decided_by = $3, response_note = $4, decided_at = $5
		WHERE id = $1
	`, requestID, domain.RequestStatusApproved, approver, nullIfEmpty(note), at.UTC())
	if err != nil {
		return nil, 0, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, 0, err
	}

	req, err := s.getPriceAdjustment(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	return req, int(affected), nil
}

func (s *Store) RejectPriceAdjustment(ctx context.Context, requestID string, approver string, note string, at time.Time) (*domain.PriceAdjustmentRequest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE price_adjustment_requests
		SET status = $2, decided_by = $3, response_note = $4, decided_at = $5
		WHERE id = $1 AND status = $6
	`, requestID, domain.RequestStatusRejected, approver, nullIfEmpty(note), at.UTC(), domain.RequestStatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, getErr := s.getPriceAdjustment(ctx, requestID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrConflict
	}
	return s.getPriceAdjustment(ctx, requestID)
}

func (s *Store) CreateBuyback(ctx context.Context, bb domain.BuybackOrder, items []domain.StockItem) (*domain.BuybackOrder, error) {
	if bb.ShopID == "" || bb.ReleaseID == "" || !bb.Condition.Valid() || bb.Quantity < 1 || len(items) != bb.Quantity {
		return nil, store.ErrInvalidRequest
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	if bb.ID == "" {
		bb.ID = xid.New("bb")
	}
	if bb.CreatedAt.IsZero() {
		bb.CreatedAt = now
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO buyback_orders (
			id, customer_id, employee_id, shop_id, release_id, condition, quantity,
			unit_price_cents, resale_price_cents, total_paid_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, bb.ID, nullStringPtr(bb.CustomerID), bb.EmployeeID, bb.ShopID, bb.ReleaseID,
		string(bb.Condition), bb.Quantity, bb.UnitPriceCents, bb.ResalePriceCents,
		bb.TotalPaidCents, bb.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i := range items {
		items[i].BatchID = bb.ID
	}
	if err := insertStockItems(ctx, pgTx, items); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &bb, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, shop_id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, nullIfEmpty(entry.ShopID), entry.Actor, entry.Action, entry.EntityType,
		nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, actor, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR shop_id = $1)
		  AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, shopID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var entryShop, entityID, detail sql.NullString
		if err := rows.Scan(&entry.ID, &entryShop, &entry.Actor, &entry.Action,
			&entry.EntityType, &entityID, &detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.ShopID = entryShop.String
		entry.EntityID = entityID.String
		entry.Detail = detail.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.Role == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, shop_id, employee_id, customer_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, user.Username, user.Password, user.Role, nullIfEmpty(user.ShopID),
		nullIfEmpty(user.EmployeeID), nullIfEmpty(user.CustomerID), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, shop_id, employee_id, customer_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var shopID, employeeID, customerID sql.NullString
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &shopID,
			&employeeID, &customerID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.ShopID = shopID.String
		user.EmployeeID = employeeID.String
		user.CustomerID = customerID.String
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullStringPtr(val *string) any {
	if val == nil || *val == "" {
		return nil
	}
	return *val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
