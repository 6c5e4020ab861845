package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vinylhub/internal/domain"
	"vinylhub/internal/pricing"
	"vinylhub/internal/store"
	"vinylhub/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	releases        map[string]domain.ReleaseAlbum
	shops           map[string]domain.Shop
	stockByID       map[string]*domain.StockItem
	ordersByID      map[string]*domain.CustomerOrder
	ordersByIdem    map[string]*domain.CustomerOrder
	customersByID   map[string]*domain.Customer
	tiers           []domain.MembershipTier
	transfersByID   map[string]*domain.TransferRequest
	adjustmentsByID map[string]*domain.PriceAdjustmentRequest
	buybacksByID    map[string]domain.BuybackOrder
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; unset
// variables fall back to hardcoded dev defaults with a warning. The memory
// store is never selected when DATABASE_URL is set.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username   string
		password   string
		role       string
		shopID     string
		employeeID string
		customerID string
	}{
		{"admin", adminPwd, domain.RoleAdmin, "", "emp-admin", ""},
		{"manager-shibuya", staffPwd, domain.RoleManager, "shop-shibuya", "emp-mgr-1", ""},
		{"staff-shibuya", staffPwd, domain.RoleStaff, "shop-shibuya", "emp-staff-1", ""},
		{"staff-kichijoji", staffPwd, domain.RoleStaff, "shop-kichijoji", "emp-staff-2", ""},
		{"aiko", staffPwd, domain.RoleCustomer, "", "", "cust-aiko"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:   u.username,
			Password:   string(hash),
			Role:       u.role,
			ShopID:     u.shopID,
			EmployeeID: u.employeeID,
			CustomerID: u.customerID,
			Active:     true,
			CreatedAt:  now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	releases := []domain.ReleaseAlbum{
		{ID: "rel-kindofblue", Title: "Kind of Blue", Artist: "Miles Davis", Label: "Columbia", Year: 1959},
		{ID: "rel-bluetrane", Title: "Blue Train", Artist: "John Coltrane", Label: "Blue Note", Year: 1958},
		{ID: "rel-aja", Title: "Aja", Artist: "Steely Dan", Label: "ABC", Year: 1977},
		{ID: "rel-rumours", Title: "Rumours", Artist: "Fleetwood Mac", Label: "Warner Bros.", Year: 1977},
		{ID: "rel-purplerain", Title: "Purple Rain", Artist: "Prince", Label: "Warner Bros.", Year: 1984},
	}

	shops := []domain.Shop{
		{ID: "shop-shibuya", Name: "Shibuya"},
		{ID: "shop-kichijoji", Name: "Kichijoji"},
		{ID: "warehouse", Name: "Central Warehouse", Warehouse: true},
	}

	tiers := []domain.MembershipTier{
		{ID: "tier-basic", Name: "Basic", ThresholdPoints: 0, DiscountRate: 0},
		{ID: "tier-silver", Name: "Silver", ThresholdPoints: 50, DiscountRate: 0.03},
		{ID: "tier-gold", Name: "Gold", ThresholdPoints: 100, DiscountRate: 0.05},
	}

	customers := []domain.Customer{
		{ID: "cust-aiko", Name: "Aiko Tanaka", Email: "aiko@example.com", Phone: "090-1111-2222", Points: 0, TierID: "tier-basic"},
		{ID: "cust-ben", Name: "Ben Ito", Email: "ben@example.com", Phone: "090-3333-4444", Points: 60, TierID: "tier-silver"},
	}

	type stockSeed struct {
		releaseID  string
		shopID     string
		condition  domain.Condition
		priceCents int64
		costCents  int64
		count      int
	}
	seeds := []stockSeed{
		{"rel-kindofblue", "shop-shibuya", domain.ConditionVGPlus, 4480, 4000, 3},
		{"rel-kindofblue", "shop-kichijoji", domain.ConditionVGPlus, 4480, 4000, 1},
		{"rel-bluetrane", "shop-shibuya", domain.ConditionNM, 6800, 5000, 2},
		{"rel-aja", "shop-shibuya", domain.ConditionVG, 2750, 3000, 2},
		{"rel-rumours", "shop-kichijoji", domain.ConditionMint, 7600, 5000, 2},
		{"rel-purplerain", "warehouse", domain.ConditionNew, 5400, 3600, 5},
	}

	releaseMap := make(map[string]domain.ReleaseAlbum, len(releases))
	for _, r := range releases {
		releaseMap[r.ID] = r
	}
	shopMap := make(map[string]domain.Shop, len(shops))
	for _, sh := range shops {
		shopMap[sh.ID] = sh
	}
	customerMap := make(map[string]*domain.Customer, len(customers))
	for i := range customers {
		c := customers[i]
		customerMap[c.ID] = &c
	}

	stock := make(map[string]*domain.StockItem)
	for _, sd := range seeds {
		for i := 0; i < sd.count; i++ {
			item := domain.StockItem{
				ID:         xid.New("unit"),
				ReleaseID:  sd.releaseID,
				ShopID:     sd.shopID,
				Condition:  sd.condition,
				PriceCents: sd.priceCents,
				CostCents:  sd.costCents,
				Status:     domain.ItemStatusAvailable,
				AcquiredAt: now.Add(-time.Duration(i) * time.Hour),
			}
			stock[item.ID] = &item
		}
	}

	return &Store{
		releases:        releaseMap,
		shops:           shopMap,
		stockByID:       stock,
		ordersByID:      make(map[string]*domain.CustomerOrder),
		ordersByIdem:    make(map[string]*domain.CustomerOrder),
		customersByID:   customerMap,
		tiers:           tiers,
		transfersByID:   make(map[string]*domain.TransferRequest),
		adjustmentsByID: make(map[string]*domain.PriceAdjustmentRequest),
		buybacksByID:    make(map[string]domain.BuybackOrder),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) GetRelease(_ context.Context, id string) (*domain.ReleaseAlbum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.releases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := r
	return &dup, nil
}

func (s *Store) GetShop(_ context.Context, id string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shops[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := sh
	return &dup, nil
}

func (s *Store) ListShops(_ context.Context) ([]domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shops := make([]domain.Shop, 0, len(s.shops))
	for _, sh := range s.shops {
		shops = append(shops, sh)
	}
	slices.SortFunc(shops, func(a, b domain.Shop) int {
		return cmpString(a.ID, b.ID)
	})
	return shops, nil
}

func (s *Store) GetStockItem(_ context.Context, id string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stockByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *item
	return &dup, nil
}

func (s *Store) GetStockItemsByIDs(_ context.Context, ids []string) (map[string]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.StockItem, len(ids))
	for _, id := range ids {
		if item, ok := s.stockByID[id]; ok {
			result[id] = *item
		}
	}
	return result, nil
}

func (s *Store) ListAvailableStock(_ context.Context, shopID string, releaseID string, condition domain.Condition, limit int) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.StockItem, 0, limit)
	for _, item := range s.stockByID {
		if !matchesStockFilter(item, shopID, releaseID, condition) {
			continue
		}
		result = append(result, *item)
	}
	slices.SortFunc(result, compareByAcquisition)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CountAvailable(_ context.Context, shopID string, releaseID string, condition domain.Condition) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.stockByID {
		if matchesStockFilter(item, shopID, releaseID, condition) {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateStockItems(_ context.Context, items []domain.StockItem) error {
	if len(items) == 0 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range items {
		item := items[i]
		if item.ReleaseID == "" || item.ShopID == "" || !item.Condition.Valid() || item.PriceCents < 1 {
			return store.ErrInvalidRequest
		}
		if _, ok := s.shops[item.ShopID]; !ok {
			return store.ErrNotFound
		}
		if _, ok := s.releases[item.ReleaseID]; !ok {
			return store.ErrNotFound
		}
		if item.ID == "" {
			item.ID = xid.New("unit")
		}
		if item.Status == "" {
			item.Status = domain.ItemStatusAvailable
		}
		if item.AcquiredAt.IsZero() {
			item.AcquiredAt = time.Now().UTC()
		}
		s.stockByID[item.ID] = &item
	}
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.CustomerOrder, lines []domain.OrderLine) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		if existing, ok := s.ordersByIdem[order.IdempotencyKey]; ok {
			return cloneOrder(existing), nil
		}
	}
	if len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, ok := s.shops[order.ShopID]; !ok {
		return nil, store.ErrNotFound
	}

	// Validate every unit before touching any: all or none.
	unavailable := make([]string, 0)
	for _, line := range lines {
		item, ok := s.stockByID[line.StockItemID]
		if !ok || item.Status != domain.ItemStatusAvailable || item.ShopID != order.ShopID {
			unavailable = append(unavailable, line.StockItemID)
		}
	}
	if len(unavailable) > 0 {
		return nil, &store.UnavailableItemsError{ItemIDs: unavailable}
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

	for i := range lines {
		if lines[i].ID == "" {
			lines[i].ID = xid.New("line")
		}
		lines[i].OrderID = order.ID
		s.stockByID[lines[i].StockItemID].Status = domain.ItemStatusSold
	}
	order.Lines = lines

	stored := cloneOrder(&order)
	s.ordersByID[order.ID] = stored
	if order.IdempotencyKey != "" {
		s.ordersByIdem[order.IdempotencyKey] = stored
	}
	return cloneOrder(stored), nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.CustomerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.CustomerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrdersByCustomer(_ context.Context, customerID string, limit int) ([]domain.CustomerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.CustomerOrder, 0, limit)
	for _, order := range s.ordersByID {
		if order.CustomerID == nil || *order.CustomerID != customerID {
			continue
		}
		result = append(result, *cloneOrder(order))
	}
	sortOrdersNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListOrdersByShop(_ context.Context, shopID string, status string, limit int) ([]domain.CustomerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.CustomerOrder, 0, limit)
	for _, order := range s.ordersByID {
		if order.ShopID != shopID {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		result = append(result, *cloneOrder(order))
	}
	sortOrdersNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CompleteOrder(_ context.Context, orderID string, pointsEarned int64) (*domain.CustomerOrder, *domain.TierChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, nil, store.ErrConflict
	}

	if order.OrderType == domain.OrderTypeOnline {
		order.Status = domain.OrderStatusPaid
	} else {
		order.Status = domain.OrderStatusCompleted
	}
	order.UpdatedAt = time.Now().UTC()

	var change *domain.TierChange
	if order.CustomerID != nil && pointsEarned > 0 {
		if customer, ok := s.customersByID[*order.CustomerID]; ok {
			newTierID, tc := pricing.RecomputeTier(s.tiers, customer.TierID, customer.Points, pointsEarned)
			customer.Points += pointsEarned
			customer.TierID = newTierID
			change = &tc
		}
	}

	return cloneOrder(order), change, nil
}

func (s *Store) AdvanceShipment(_ context.Context, orderID string) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPaid || order.Fulfillment != domain.FulfillmentShipping {
		return nil, store.ErrConflict
	}
	order.Status = domain.OrderStatusShipped
	order.UpdatedAt = time.Now().UTC()
	return cloneOrder(order), nil
}

func (s *Store) ConfirmReceipt(_ context.Context, orderID string, customerID string) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok || order.CustomerID == nil || *order.CustomerID != customerID {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusShipped {
		return nil, store.ErrConflict
	}
	order.Status = domain.OrderStatusCompleted
	order.UpdatedAt = time.Now().UTC()
	return cloneOrder(order), nil
}

func (s *Store) ConfirmPickup(_ context.Context, orderID string) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPaid || order.Fulfillment != domain.FulfillmentPickup {
		return nil, store.ErrConflict
	}
	order.Status = domain.OrderStatusCompleted
	order.UpdatedAt = time.Now().UTC()
	return cloneOrder(order), nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status == domain.OrderStatusCancelled {
		return cloneOrder(order), nil
	}
	if order.Status != domain.OrderStatusPending {
		return nil, store.ErrConflict
	}

	for _, line := range order.Lines {
		if item, ok := s.stockByID[line.StockItemID]; ok {
			item.Status = domain.ItemStatusAvailable
		}
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	return cloneOrder(order), nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *customer
	return &dup, nil
}

func (s *Store) FindCustomerByContact(_ context.Context, contact string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contact = strings.ToLower(strings.TrimSpace(contact))
	if contact == "" {
		return nil, store.ErrInvalidRequest
	}
	for _, customer := range s.customersByID {
		if strings.ToLower(customer.Email) == contact || customer.Phone == contact {
			dup := *customer
			return &dup, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListTiers(_ context.Context) ([]domain.MembershipTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]domain.MembershipTier, len(s.tiers))
	copy(tiers, s.tiers)
	return tiers, nil
}

func (s *Store) CreateTransferRequest(_ context.Context, req domain.TransferRequest) (*domain.TransferRequest, error) {
	if req.RequestedBy == "" || req.ReleaseID == "" || !req.Condition.Valid() || req.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.releases[req.ReleaseID]; !ok {
		return nil, store.ErrNotFound
	}
	if req.DestShopID != nil {
		if _, ok := s.shops[*req.DestShopID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if req.ID == "" {
		req.ID = xid.New("xfer")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = domain.RequestStatusPending

	stored := cloneTransfer(&req)
	s.transfersByID[req.ID] = stored
	return cloneTransfer(stored), nil
}

func (s *Store) GetTransferRequest(_ context.Context, id string) (*domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransfer(req), nil
}

func (s *Store) ListTransferRequests(_ context.Context, status string, limit int) ([]domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.TransferRequest, 0, limit)
	for _, req := range s.transfersByID {
		if status != "" && req.Status != status {
			continue
		}
		result = append(result, *cloneTransfer(req))
	}
	slices.SortFunc(result, func(a, b domain.TransferRequest) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ApproveTransfer(_ context.Context, requestID string, sourceShopID string, destShopID string, approver string, note string, at time.Time) (*domain.TransferRequest, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.transfersByID[requestID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, nil, store.ErrConflict
	}

	dest := destShopID
	if dest == "" && req.DestShopID != nil {
		dest = *req.DestShopID
	}
	if sourceShopID == "" || dest == "" || sourceShopID == dest {
		return nil, nil, store.ErrInvalidRequest
	}
	if _, ok := s.shops[sourceShopID]; !ok {
		return nil, nil, store.ErrNotFound
	}
	if _, ok := s.shops[dest]; !ok {
		return nil, nil, store.ErrNotFound
	}

	candidates := make([]*domain.StockItem, 0, req.Quantity)
	for _, item := range s.stockByID {
		if item.Status == domain.ItemStatusAvailable && item.ShopID == sourceShopID &&
			item.ReleaseID == req.ReleaseID && item.Condition == req.Condition {
			candidates = append(candidates, item)
		}
	}
	// Fewer units than requested leaves the request pending untouched.
	if len(candidates) < req.Quantity {
		return nil, nil, store.ErrInsufficientStock
	}

	slices.SortFunc(candidates, func(a, b *domain.StockItem) int {
		return compareByAcquisition(*a, *b)
	})
	moved := make([]string, 0, req.Quantity)
	for _, item := range candidates[:req.Quantity] {
		item.ShopID = dest
		moved = append(moved, item.ID)
	}

	req.Status = domain.RequestStatusApproved
	req.SourceShopID = &sourceShopID
	req.DestShopID = &dest
	req.DecidedBy = approver
	req.ResponseNote = note
	decidedAt := at.UTC()
	req.DecidedAt = &decidedAt

	return cloneTransfer(req), moved, nil
}

func (s *Store) RejectTransfer(_ context.Context, requestID string, approver string, note string, at time.Time) (*domain.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.transfersByID[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, store.ErrConflict
	}
	req.Status = domain.RequestStatusRejected
	req.DecidedBy = approver
	req.ResponseNote = note
	decidedAt := at.UTC()
	req.DecidedAt = &decidedAt
	return cloneTransfer(req), nil
}

func (s *Store) CreatePriceAdjustment(_ context.Context, req domain.PriceAdjustmentRequest) (*domain.PriceAdjustmentRequest, error) {
	if req.RequestedBy == "" || req.ShopID == "" || req.ReleaseID == "" || !req.Condition.Valid() || req.NewPriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shops[req.ShopID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.releases[req.ReleaseID]; !ok {
		return nil, store.ErrNotFound
	}
	if req.ID == "" {
		req.ID = xid.New("padj")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = domain.RequestStatusPending

	stored := req
	s.adjustmentsByID[req.ID] = &stored
	dup := stored
	return &dup, nil
}

func (s *Store) ListPriceAdjustments(_ context.Context, status string, limit int) ([]domain.PriceAdjustmentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.PriceAdjustmentRequest, 0, limit)
	for _, req := range s.adjustmentsByID {
		if status != "" && req.Status != status {
			continue
		}
		result = append(result, *req)
	}
	slices.SortFunc(result, func(a, b domain.PriceAdjustmentRequest) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ApprovePriceAdjustment(_ context.Context, requestID string, approver string, note string, at time.Time) (*domain.PriceAdjustmentRequest, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.adjustmentsByID[requestID]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, 0, store.ErrConflict
	}

	// Only units still on the shelf reprice. Sold units keep their recorded
	// sale price forever.
	updated := 0
	for _, item := range s.stockByID {
		if item.Status == domain.ItemStatusAvailable && item.ShopID == req.ShopID &&
			item.ReleaseID == req.ReleaseID && item.Condition == req.Condition {
			item.PriceCents = req.NewPriceCents
			updated++
		}
	}

	req.Status = domain.RequestStatusApproved
	req.DecidedBy = approver
	req.ResponseNote = note
	decidedAt := at.UTC()
	req.DecidedAt = &decidedAt

	dup := *req
	return &dup, updated, nil
}

func (s *Store) RejectPriceAdjustment(_ context.Context, requestID string, approver string, note string, at time.Time) (*domain.PriceAdjustmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.adjustmentsByID[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, store.ErrConflict
	}
	req.Status = domain.RequestStatusRejected
	req.DecidedBy = approver
	req.ResponseNote = note
	decidedAt := at.UTC()
	req.DecidedAt = &decidedAt
	dup := *req
	return &dup, nil
}

func (s *Store) CreateBuyback(_ context.Context, bb domain.BuybackOrder, items []domain.StockItem) (*domain.BuybackOrder, error) {
	if bb.ShopID == "" || bb.ReleaseID == "" || !bb.Condition.Valid() || bb.Quantity < 1 || len(items) != bb.Quantity {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shops[bb.ShopID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.releases[bb.ReleaseID]; !ok {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	if bb.ID == "" {
		bb.ID = xid.New("bb")
	}
	if bb.CreatedAt.IsZero() {
		bb.CreatedAt = now
	}

	for i := range items {
		item := items[i]
		if item.ID == "" {
			item.ID = xid.New("unit")
		}
		if item.Status == "" {
			item.Status = domain.ItemStatusAvailable
		}
		if item.AcquiredAt.IsZero() {
			item.AcquiredAt = now
		}
		item.BatchID = bb.ID
		s.stockByID[item.ID] = &item
	}

	s.buybacksByID[bb.ID] = bb
	dup := bb
	return &dup, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if shopID != "" && entry.ShopID != shopID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func matchesStockFilter(item *domain.StockItem, shopID string, releaseID string, condition domain.Condition) bool {
	if item.Status != domain.ItemStatusAvailable {
		return false
	}
	if shopID != "" && item.ShopID != shopID {
		return false
	}
	if releaseID != "" && item.ReleaseID != releaseID {
		return false
	}
	if condition != "" && item.Condition != condition {
		return false
	}
	return true
}

// compareByAcquisition orders oldest stock first so transfers and listings
// drain the longest-held units.
func compareByAcquisition(a domain.StockItem, b domain.StockItem) int {
	if a.AcquiredAt.Before(b.AcquiredAt) {
		return -1
	}
	if a.AcquiredAt.After(b.AcquiredAt) {
		return 1
	}
	return cmpString(a.ID, b.ID)
}

func sortOrdersNewestFirst(orders []domain.CustomerOrder) {
	slices.SortFunc(orders, func(a, b domain.CustomerOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src *domain.CustomerOrder) *domain.CustomerOrder {
	if src == nil {
		return nil
	}
	dup := *src
	if src.CustomerID != nil {
		id := *src.CustomerID
		dup.CustomerID = &id
	}
	if src.EmployeeID != nil {
		id := *src.EmployeeID
		dup.EmployeeID = &id
	}
	lines := make([]domain.OrderLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return &dup
}

func cloneTransfer(src *domain.TransferRequest) *domain.TransferRequest {
	if src == nil {
		return nil
	}
	dup := *src
	if src.DestShopID != nil {
		id := *src.DestShopID
		dup.DestShopID = &id
	}
	if src.SourceShopID != nil {
		id := *src.SourceShopID
		dup.SourceShopID = &id
	}
	if src.DecidedAt != nil {
		at := *src.DecidedAt
		dup.DecidedAt = &at
	}
	return &dup
}
