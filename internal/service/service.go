package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"vinylhub/internal/cache"
	"vinylhub/internal/domain"
	"vinylhub/internal/metrics"
	"vinylhub/internal/pricing"
	"vinylhub/internal/store"
	"vinylhub/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	availability      cache.AvailabilityCache
	logger            *zap.Logger
	shipping          pricing.ShippingPolicy
	availabilityTTL   time.Duration
	lowStockThreshold int
}

func New(repo store.Repository, availability cache.AvailabilityCache, logger *zap.Logger, shipping pricing.ShippingPolicy, availabilityTTL time.Duration, lowStockThreshold int) *Service {
	if availability == nil {
		availability = cache.NoopAvailabilityCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if availabilityTTL <= 0 {
		availabilityTTL = 30 * time.Second
	}
	if lowStockThreshold < 1 {
		lowStockThreshold = 3
	}

	return &Service{
		repo:              repo,
		availability:      availability,
		logger:            logger,
		shipping:          shipping,
		availabilityTTL:   availabilityTTL,
		lowStockThreshold: lowStockThreshold,
	}
}

// Checkout places an online order from an explicit cart of stock-unit IDs.
// The order is created pending; payment (CompleteOrder) settles it.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	started := time.Now()

	actor, ok := ActorFromContext(ctx)
	if ok && actor.Role == domain.RoleCustomer {
		req.CustomerID = actor.CustomerID
	}
	if req.ShopID == "" || len(req.ItemIDs) == 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}
	if req.Fulfillment != domain.FulfillmentPickup && req.Fulfillment != domain.FulfillmentShipping {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}
	itemIDs := uniqueStrings(req.ItemIDs)
	if len(itemIDs) != len(req.ItemIDs) {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return s.toCheckoutResponse(ctx, existing, nil, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	discountRate, err := s.discountRateFor(ctx, req.CustomerID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	lines, subtotal, err := s.quoteLines(ctx, itemIDs, req.ShopID, discountRate)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	shippingCents := pricing.ShippingFee(subtotal, req.Fulfillment, s.shipping)

	order := domain.CustomerOrder{
		ID:             xid.New("ord"),
		ShopID:         req.ShopID,
		OrderType:      domain.OrderTypeOnline,
		Fulfillment:    req.Fulfillment,
		SubtotalCents:  subtotal,
		ShippingCents:  shippingCents,
		TotalCents:     subtotal + shippingCents,
		Status:         domain.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if req.CustomerID != "" {
		id := req.CustomerID
		order.CustomerID = &id
	}

	created, err := s.repo.CreateOrder(ctx, order, lines)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.CheckoutConflictsTotal.Inc()
		}
		return domain.CheckoutResponse{}, err
	}

	metrics.OrdersCreatedTotal.WithLabelValues(domain.OrderTypeOnline).Inc()
	metrics.CheckoutLatency.Observe(time.Since(started).Seconds())
	s.invalidateAvailability(ctx, created)
	s.logAudit(ctx, created.ShopID, "checkout", "order", created.ID,
		fmt.Sprintf("total=%d,items=%d,fulfillment=%s", created.TotalCents, len(created.Lines), created.Fulfillment))

	resp := s.toCheckoutResponse(ctx, created, nil, false)
	resp.DiscountRate = discountRate
	return resp, nil
}

// POSSale is a staff-driven in-store sale. It settles immediately: the order
// is created and completed in sequence, crediting loyalty when a member is
// attached.
func (s *Service) POSSale(ctx context.Context, req domain.POSSaleRequest) (domain.CheckoutResponse, error) {
	started := time.Now()

	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() || actor.ShopID == "" {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}
	if len(req.ItemIDs) == 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}
	itemIDs := uniqueStrings(req.ItemIDs)
	if len(itemIDs) != len(req.ItemIDs) {
		return domain.CheckoutResponse{}, store.ErrInvalidRequest
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return s.toCheckoutResponse(ctx, existing, nil, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	var customerID string
	if strings.TrimSpace(req.CustomerContact) != "" {
		customer, err := s.repo.FindCustomerByContact(ctx, req.CustomerContact)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		customerID = customer.ID
	}

	discountRate, err := s.discountRateFor(ctx, customerID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	lines, subtotal, err := s.quoteLines(ctx, itemIDs, actor.ShopID, discountRate)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	order := domain.CustomerOrder{
		ID:             xid.New("ord"),
		ShopID:         actor.ShopID,
		OrderType:      domain.OrderTypeInStore,
		Fulfillment:    domain.FulfillmentPickup,
		SubtotalCents:  subtotal,
		TotalCents:     subtotal,
		Status:         domain.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if customerID != "" {
		id := customerID
		order.CustomerID = &id
	}
	if actor.EmployeeID != "" {
		id := actor.EmployeeID
		order.EmployeeID = &id
	}

	created, err := s.repo.CreateOrder(ctx, order, lines)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.CheckoutConflictsTotal.Inc()
		}
		return domain.CheckoutResponse{}, err
	}

	completed, change, err := s.repo.CompleteOrder(ctx, created.ID, pricing.PointsEarned(created.TotalCents))
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	metrics.OrdersCreatedTotal.WithLabelValues(domain.OrderTypeInStore).Inc()
	metrics.OrdersCompletedTotal.Inc()
	if change != nil && change.Upgraded {
		metrics.LoyaltyUpgradesTotal.Inc()
	}
	metrics.CheckoutLatency.Observe(time.Since(started).Seconds())
	s.invalidateAvailability(ctx, completed)
	s.logAudit(ctx, completed.ShopID, "pos_sale", "order", completed.ID,
		fmt.Sprintf("total=%d,items=%d,member=%t", completed.TotalCents, len(completed.Lines), customerID != ""))

	resp := s.toCheckoutResponse(ctx, completed, change, false)
	resp.DiscountRate = discountRate
	return resp, nil
}

// CompleteOrder settles payment on a pending order. Loyalty points are
// credited here exactly once; later fulfillment confirmations never re-credit.
func (s *Service) CompleteOrder(ctx context.Context, orderID string) (domain.OrderActionResponse, error) {
	order, err := s.authorizedOrder(ctx, orderID)
	if err != nil {
		return domain.OrderActionResponse{}, err
	}

	completed, change, err := s.repo.CompleteOrder(ctx, order.ID, pricing.PointsEarned(order.TotalCents))
	if err != nil {
		return domain.OrderActionResponse{}, err
	}

	metrics.OrdersCompletedTotal.Inc()
	if change != nil && change.Upgraded {
		metrics.LoyaltyUpgradesTotal.Inc()
	}
	s.logAudit(ctx, completed.ShopID, "order_paid", "order", completed.ID,
		fmt.Sprintf("status=%s,total=%d", completed.Status, completed.TotalCents))

	return domain.OrderActionResponse{OrderID: completed.ID, Status: completed.Status}, nil
}

func (s *Service) AdvanceShipment(ctx context.Context, orderID string) (domain.OrderActionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() {
		return domain.OrderActionResponse{}, store.ErrInvalidRequest
	}

	order, err := s.repo.AdvanceShipment(ctx, orderID)
	if err != nil {
		return domain.OrderActionResponse{}, err
	}

	s.logAudit(ctx, order.ShopID, "order_shipped", "order", order.ID, "")
	return domain.OrderActionResponse{OrderID: order.ID, Status: order.Status}, nil
}

func (s *Service) ConfirmReceipt(ctx context.Context, orderID string) (domain.OrderActionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleCustomer || actor.CustomerID == "" {
		return domain.OrderActionResponse{}, store.ErrNotFound
	}

	order, err := s.repo.ConfirmReceipt(ctx, orderID, actor.CustomerID)
	if err != nil {
		return domain.OrderActionResponse{}, err
	}

	s.logAudit(ctx, order.ShopID, "order_received", "order", order.ID, "")
	return domain.OrderActionResponse{OrderID: order.ID, Status: order.Status}, nil
}

func (s *Service) ConfirmPickup(ctx context.Context, orderID string) (domain.OrderActionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() {
		return domain.OrderActionResponse{}, store.ErrInvalidRequest
	}

	order, err := s.repo.ConfirmPickup(ctx, orderID)
	if err != nil {
		return domain.OrderActionResponse{}, err
	}

	s.logAudit(ctx, order.ShopID, "order_picked_up", "order", order.ID, "")
	return domain.OrderActionResponse{OrderID: order.ID, Status: order.Status}, nil
}

// CancelOrder releases a pending order's units back to the shelf. Only the
// owning customer or staff may cancel.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.OrderActionResponse, error) {
	if _, err := s.authorizedOrder(ctx, orderID); err != nil {
		return domain.OrderActionResponse{}, err
	}

	order, err := s.repo.CancelOrder(ctx, orderID)
	if err != nil {
		return domain.OrderActionResponse{}, err
	}

	metrics.OrdersCancelledTotal.Inc()
	s.invalidateAvailability(ctx, order)
	s.logAudit(ctx, order.ShopID, "order_cancelled", "order", order.ID,
		fmt.Sprintf("items=%d", len(order.Lines)))

	return domain.OrderActionResponse{OrderID: order.ID, Status: order.Status}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.CustomerOrder, error) {
	return s.authorizedOrder(ctx, orderID)
}

func (s *Service) ListMyOrders(ctx context.Context, limit int) ([]domain.CustomerOrder, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.CustomerID == "" {
		return nil, store.ErrNotFound
	}
	return s.repo.ListOrdersByCustomer(ctx, actor.CustomerID, limit)
}

func (s *Service) ListShopOrders(ctx context.Context, shopID string, status string, limit int) ([]domain.CustomerOrder, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() {
		return nil, store.ErrInvalidRequest
	}
	if shopID == "" {
		shopID = actor.ShopID
	}
	if shopID == "" {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListOrdersByShop(ctx, shopID, status, limit)
}

// RequestTransfer files a manager's ask to move stock. The destination
// defaults to the manager's own shop; leaving it unset defers the choice to
// the approving admin.
func (s *Service) RequestTransfer(ctx context.Context, req domain.TransferCreateRequest) (*domain.TransferRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleManager && actor.Role != domain.RoleAdmin) {
		return nil, store.ErrInvalidRequest
	}
	if req.ReleaseID == "" || !req.Condition.Valid() || req.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	transfer := domain.TransferRequest{
		ID:          xid.New("xfer"),
		RequestedBy: actor.Username,
		ReleaseID:   req.ReleaseID,
		Condition:   req.Condition,
		Quantity:    req.Quantity,
		Reason:      strings.TrimSpace(req.Reason),
		Status:      domain.RequestStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	dest := req.DestShopID
	if dest == "" {
		dest = actor.ShopID
	}
	if dest != "" {
		transfer.DestShopID = &dest
	}

	created, err := s.repo.CreateTransferRequest(ctx, transfer)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, dest, "transfer_requested", "transfer", created.ID,
		fmt.Sprintf("release=%s,condition=%s,qty=%d", created.ReleaseID, created.Condition, created.Quantity))
	return created, nil
}

// ApproveTransfer executes a pending transfer all-or-none. When the source
// shop holds fewer matching units than requested nothing moves and the
// request stays pending.
func (s *Service) ApproveTransfer(ctx context.Context, requestID string, req domain.TransferDecisionRequest) (*domain.TransferRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, store.ErrInvalidRequest
	}

	approved, moved, err := s.repo.ApproveTransfer(ctx, requestID, req.SourceShopID, req.DestShopID, actor.Username, strings.TrimSpace(req.Note), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	metrics.TransfersApprovedTotal.Inc()
	s.invalidateStockKeys(ctx, approved.ReleaseID, approved.Condition,
		deref(approved.SourceShopID), deref(approved.DestShopID))
	s.logAudit(ctx, deref(approved.DestShopID), "transfer_approved", "transfer", approved.ID,
		fmt.Sprintf("source=%s,moved=%d", deref(approved.SourceShopID), len(moved)))
	return approved, nil
}

func (s *Service) RejectTransfer(ctx context.Context, requestID string, note string) (*domain.TransferRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, store.ErrInvalidRequest
	}

	rejected, err := s.repo.RejectTransfer(ctx, requestID, actor.Username, strings.TrimSpace(note), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	metrics.TransfersRejectedTotal.Inc()
	s.logAudit(ctx, deref(rejected.DestShopID), "transfer_rejected", "transfer", rejected.ID, rejected.ResponseNote)
	return rejected, nil
}

func (s *Service) ListTransfers(ctx context.Context, status string, limit int) ([]domain.TransferRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListTransferRequests(ctx, status, limit)
}

func (s *Service) RequestPriceAdjustment(ctx context.Context, req domain.PriceAdjustmentCreateRequest) (*domain.PriceAdjustmentRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleManager && actor.Role != domain.RoleAdmin) || actor.ShopID == "" {
		return nil, store.ErrInvalidRequest
	}
	if req.ReleaseID == "" || !req.Condition.Valid() || req.NewPriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	adjustment := domain.PriceAdjustmentRequest{
		ID:            xid.New("padj"),
		RequestedBy:   actor.Username,
		ShopID:        actor.ShopID,
		ReleaseID:     req.ReleaseID,
		Condition:     req.Condition,
		NewPriceCents: req.NewPriceCents,
		Reason:        strings.TrimSpace(req.Reason),
		Status:        domain.RequestStatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	created, err := s.repo.CreatePriceAdjustment(ctx, adjustment)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, created.ShopID, "price_adjustment_requested", "price_adjustment", created.ID,
		fmt.Sprintf("release=%s,condition=%s,new_price=%d", created.ReleaseID, created.Condition, created.NewPriceCents))
	return created, nil
}

func (s *Service) ApprovePriceAdjustment(ctx context.Context, requestID string, note string) (*domain.PriceAdjustmentRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, store.ErrInvalidRequest
	}

	approved, updated, err := s.repo.ApprovePriceAdjustment(ctx, requestID, actor.Username, strings.TrimSpace(note), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, approved.ShopID, "price_adjustment_approved", "price_adjustment", approved.ID,
		fmt.Sprintf("units_repriced=%d", updated))
	return approved, nil
}

func (s *Service) RejectPriceAdjustment(ctx context.Context, requestID string, note string) (*domain.PriceAdjustmentRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, store.ErrInvalidRequest
	}

	rejected, err := s.repo.RejectPriceAdjustment(ctx, requestID, actor.Username, strings.TrimSpace(note), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, rejected.ShopID, "price_adjustment_rejected", "price_adjustment", rejected.ID, rejected.ResponseNote)
	return rejected, nil
}

func (s *Service) ListPriceAdjustments(ctx context.Context, status string, limit int) ([]domain.PriceAdjustmentRequest, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListPriceAdjustments(ctx, status, limit)
}

// ProcessBuyback pays a customer for used units and puts them on the shelf.
// The resale price defaults to the condition-adjusted markup when the staff
// member doesn't quote one.
func (s *Service) ProcessBuyback(ctx context.Context, req domain.BuybackRequest) (domain.BuybackResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() || actor.ShopID == "" {
		return domain.BuybackResponse{}, store.ErrInvalidRequest
	}
	if req.ReleaseID == "" || !req.Condition.Valid() || req.Quantity < 1 || req.UnitPriceCents < 1 {
		return domain.BuybackResponse{}, store.ErrInvalidRequest
	}

	resale := req.ResalePriceCents
	if resale < 1 {
		resale = pricing.SuggestedPrice(pricing.ConditionAdjustedCost(req.UnitPriceCents, req.Condition))
	}

	now := time.Now().UTC()
	bb := domain.BuybackOrder{
		ID:               xid.New("bb"),
		EmployeeID:       actor.EmployeeID,
		ShopID:           actor.ShopID,
		ReleaseID:        req.ReleaseID,
		Condition:        req.Condition,
		Quantity:         req.Quantity,
		UnitPriceCents:   req.UnitPriceCents,
		ResalePriceCents: resale,
		TotalPaidCents:   req.UnitPriceCents * int64(req.Quantity),
		CreatedAt:        now,
	}
	if req.CustomerID != "" {
		id := req.CustomerID
		bb.CustomerID = &id
	}

	items := make([]domain.StockItem, 0, req.Quantity)
	for i := 0; i < req.Quantity; i++ {
		items = append(items, domain.StockItem{
			ID:         xid.New("unit"),
			ReleaseID:  req.ReleaseID,
			ShopID:     actor.ShopID,
			Condition:  req.Condition,
			PriceCents: resale,
			CostCents:  req.UnitPriceCents,
			Status:     domain.ItemStatusAvailable,
			AcquiredAt: now,
		})
	}

	created, err := s.repo.CreateBuyback(ctx, bb, items)
	if err != nil {
		return domain.BuybackResponse{}, err
	}

	metrics.BuybacksTotal.Inc()
	metrics.StockUnitsReceivedTotal.Add(float64(req.Quantity))
	s.invalidateStockKeys(ctx, created.ReleaseID, created.Condition, created.ShopID)
	s.logAudit(ctx, created.ShopID, "buyback", "buyback", created.ID,
		fmt.Sprintf("release=%s,qty=%d,paid=%d,resale=%d", created.ReleaseID, created.Quantity, created.TotalPaidCents, created.ResalePriceCents))

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return domain.BuybackResponse{
		BuybackID:      created.ID,
		StockItemIDs:   ids,
		TotalPaidCents: created.TotalPaidCents,
		CreatedAt:      created.CreatedAt.Format(time.RFC3339),
	}, nil
}

// ReceiveStock books a supplier intake batch. The list price is derived from
// the unit cost and grade unless already set downstream by an adjustment.
func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (domain.ReceiveStockResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.StaffSide() {
		return domain.ReceiveStockResponse{}, store.ErrInvalidRequest
	}
	shopID := req.ShopID
	if shopID == "" {
		shopID = actor.ShopID
	}
	if shopID == "" || req.ReleaseID == "" || !req.Condition.Valid() || req.Quantity < 1 || req.UnitCostCents < 1 {
		return domain.ReceiveStockResponse{}, store.ErrInvalidRequest
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = xid.New("batch")
	}
	unitPrice := pricing.SuggestedPrice(pricing.ConditionAdjustedCost(req.UnitCostCents, req.Condition))

	now := time.Now().UTC()
	items := make([]domain.StockItem, 0, req.Quantity)
	ids := make([]string, 0, req.Quantity)
	for i := 0; i < req.Quantity; i++ {
		item := domain.StockItem{
			ID:         xid.New("unit"),
			ReleaseID:  req.ReleaseID,
			ShopID:     shopID,
			BatchID:    batchID,
			Condition:  req.Condition,
			PriceCents: unitPrice,
			CostCents:  req.UnitCostCents,
			Status:     domain.ItemStatusAvailable,
			AcquiredAt: now,
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}

	if err := s.repo.CreateStockItems(ctx, items); err != nil {
		return domain.ReceiveStockResponse{}, err
	}

	metrics.StockUnitsReceivedTotal.Add(float64(req.Quantity))
	s.invalidateStockKeys(ctx, req.ReleaseID, req.Condition, shopID)
	s.logAudit(ctx, shopID, "stock_received", "batch", batchID,
		fmt.Sprintf("release=%s,condition=%s,qty=%d,cost=%d,price=%d", req.ReleaseID, req.Condition, req.Quantity, req.UnitCostCents, unitPrice))

	return domain.ReceiveStockResponse{StockItemIDs: ids, UnitPriceCents: unitPrice}, nil
}

// Availability reports the storefront stock badge for one release and grade
// at one shop. Counts below lowStockThreshold read LOW_STOCK; at or above it,
// IN_STOCK. Cached and advisory: checkout revalidates under the row lock.
func (s *Service) Availability(ctx context.Context, shopID string, releaseID string, condition domain.Condition) (domain.Availability, error) {
	if shopID == "" || releaseID == "" {
		return domain.Availability{}, store.ErrInvalidRequest
	}

	key := availabilityKey(shopID, releaseID, condition)
	if cached, ok, err := s.availability.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.logger.Warn("availability cache read failed", zap.String("key", key), zap.Error(err))
	}

	count, err := s.repo.CountAvailable(ctx, shopID, releaseID, condition)
	if err != nil {
		return domain.Availability{}, err
	}

	avail := domain.Availability{Count: count}
	switch {
	case count == 0:
		avail.Status = domain.AvailabilityOutOfStock
	case count < s.lowStockThreshold:
		avail.Status = domain.AvailabilityLowStock
	default:
		avail.Status = domain.AvailabilityInStock
	}

	if err := s.availability.Set(ctx, key, &avail, s.availabilityTTL); err != nil {
		s.logger.Warn("availability cache write failed", zap.String("key", key), zap.Error(err))
	}
	return avail, nil
}

func (s *Service) ListAvailableStock(ctx context.Context, shopID string, releaseID string, condition domain.Condition, limit int) ([]domain.StockItem, error) {
	return s.repo.ListAvailableStock(ctx, shopID, releaseID, condition, limit)
}

func (s *Service) ListShops(ctx context.Context) ([]domain.Shop, error) {
	return s.repo.ListShops(ctx)
}

func (s *Service) GetRelease(ctx context.Context, id string) (*domain.ReleaseAlbum, error) {
	return s.repo.GetRelease(ctx, id)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrNotFound
	}
	if actor.Role == domain.RoleCustomer && actor.CustomerID != id {
		return nil, store.ErrNotFound
	}
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) ListTiers(ctx context.Context) ([]domain.MembershipTier, error) {
	return s.repo.ListTiers(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, shopID string, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleManager) {
		return nil, store.ErrInvalidRequest
	}

	var from, to time.Time
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidRequest
		}
		from = day
		to = day.Add(24*time.Hour - time.Nanosecond)
	}
	return s.repo.ListAuditLogs(ctx, shopID, from, to, limit)
}

// authorizedOrder loads an order and hides it from customers who don't own
// it. Staff see everything.
func (s *Service) authorizedOrder(ctx context.Context, orderID string) (*domain.CustomerOrder, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrNotFound
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.StaffSide() {
		return order, nil
	}
	if order.CustomerID == nil || *order.CustomerID != actor.CustomerID {
		return nil, store.ErrNotFound
	}
	return order, nil
}

// quoteLines prices a cart against current shelf state. Final availability is
// enforced later under the repository's row locks; a unit in the wrong shop
// is rejected here with the same enumerated conflict shape.
func (s *Service) quoteLines(ctx context.Context, itemIDs []string, shopID string, discountRate float64) ([]domain.OrderLine, int64, error) {
	found, err := s.repo.GetStockItemsByIDs(ctx, itemIDs)
	if err != nil {
		return nil, 0, err
	}

	unavailable := make([]string, 0)
	lines := make([]domain.OrderLine, 0, len(itemIDs))
	subtotal := int64(0)
	for _, id := range itemIDs {
		item, ok := found[id]
		if !ok || item.Status != domain.ItemStatusAvailable || item.ShopID != shopID {
			unavailable = append(unavailable, id)
			continue
		}
		priceAtSale := pricing.DiscountedPrice(item.PriceCents, discountRate)
		lines = append(lines, domain.OrderLine{
			ID:               xid.New("line"),
			StockItemID:      item.ID,
			PriceAtSaleCents: priceAtSale,
		})
		subtotal += priceAtSale
	}
	if len(unavailable) > 0 {
		metrics.CheckoutConflictsTotal.Inc()
		return nil, 0, &store.UnavailableItemsError{ItemIDs: unavailable}
	}
	return lines, subtotal, nil
}

func (s *Service) discountRateFor(ctx context.Context, customerID string) (float64, error) {
	if customerID == "" {
		return 0, nil
	}
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	tiers, err := s.repo.ListTiers(ctx)
	if err != nil {
		return 0, err
	}
	for _, tier := range tiers {
		if tier.ID == customer.TierID {
			return tier.DiscountRate, nil
		}
	}
	return 0, nil
}

func (s *Service) toCheckoutResponse(ctx context.Context, order *domain.CustomerOrder, change *domain.TierChange, duplicate bool) domain.CheckoutResponse {
	lines := make([]domain.CheckoutLine, 0, len(order.Lines))
	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.StockItemID)
	}
	items, err := s.repo.GetStockItemsByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("checkout response enrichment failed", zap.String("order_id", order.ID), zap.Error(err))
		items = map[string]domain.StockItem{}
	}
	for _, line := range order.Lines {
		cl := domain.CheckoutLine{
			StockItemID:      line.StockItemID,
			PriceAtSaleCents: line.PriceAtSaleCents,
		}
		if item, ok := items[line.StockItemID]; ok {
			cl.ReleaseID = item.ReleaseID
			cl.Condition = item.Condition
			cl.ListPriceCents = item.PriceCents
		}
		lines = append(lines, cl)
	}

	return domain.CheckoutResponse{
		OrderID:       order.ID,
		Status:        order.Status,
		SubtotalCents: order.SubtotalCents,
		ShippingCents: order.ShippingCents,
		TotalCents:    order.TotalCents,
		PointsEarned:  pricing.PointsEarned(order.TotalCents),
		Tier:          change,
		Duplicate:     duplicate,
		Lines:         lines,
		CreatedAt:     order.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Service) logAudit(ctx context.Context, shopID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ShopID:     shopID,
		Actor:      actor.Username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

// invalidateAvailability drops the storefront badges touched by an order.
func (s *Service) invalidateAvailability(ctx context.Context, order *domain.CustomerOrder) {
	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.StockItemID)
	}
	items, err := s.repo.GetStockItemsByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("availability invalidation lookup failed", zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	keys := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		key := availabilityKey(order.ShopID, item.ReleaseID, item.Condition)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := s.availability.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("availability invalidation failed", zap.Error(err))
	}
}

func (s *Service) invalidateStockKeys(ctx context.Context, releaseID string, condition domain.Condition, shopIDs ...string) {
	keys := make([]string, 0, len(shopIDs))
	for _, shopID := range shopIDs {
		if shopID == "" {
			continue
		}
		keys = append(keys, availabilityKey(shopID, releaseID, condition))
	}
	if len(keys) == 0 {
		return
	}
	if err := s.availability.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("availability invalidation failed", zap.Error(err))
	}
}

func availabilityKey(shopID string, releaseID string, condition domain.Condition) string {
	return "avail:" + shopID + ":" + releaseID + ":" + string(condition)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func deref(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
