package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"vinylhub/internal/cache"
	"vinylhub/internal/domain"
	"vinylhub/internal/pricing"
	"vinylhub/internal/store"
	"vinylhub/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	policy := pricing.ShippingPolicy{FlatFeeCents: 50000}
	return New(repo, cache.NoopAvailabilityCache{}, zap.NewNop(), policy, time.Second, 3)
}

func customerCtx(customerID string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username:   "customer-" + customerID,
		Role:       domain.RoleCustomer,
		CustomerID: customerID,
	})
}

func staffCtx(shopID string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username:   "staff-test",
		Role:       domain.RoleStaff,
		ShopID:     shopID,
		EmployeeID: "emp-test",
	})
}

func managerCtx(shopID string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "manager-test",
		Role:     domain.RoleManager,
		ShopID:   shopID,
	})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "admin",
		Role:     domain.RoleAdmin,
	})
}

func availableUnitIDs(t *testing.T, svc *Service, shopID string, releaseID string, condition domain.Condition, n int) []string {
	t.Helper()
	items, err := svc.ListAvailableStock(context.Background(), shopID, releaseID, condition, n)
	if err != nil {
		t.Fatalf("list stock failed: %v", err)
	}
	if len(items) < n {
		t.Fatalf("expected at least %d seeded units, got %d", n, len(items))
	}
	ids := make([]string, 0, n)
	for _, item := range items[:n] {
		ids = append(ids, item.ID)
	}
	return ids
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", resp.Status)
	}
	if resp.SubtotalCents != 4480 {
		t.Fatalf("expected subtotal 4480, got %d", resp.SubtotalCents)
	}
	if resp.ShippingCents != 0 {
		t.Fatalf("pickup order should carry no shipping fee, got %d", resp.ShippingCents)
	}

	avail, err := svc.Availability(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Count != 2 {
		t.Fatalf("expected 2 units left on the shelf, got %d", avail.Count)
	}
}

func TestCheckoutShippingFee(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentShipping,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.ShippingCents != 50000 {
		t.Fatalf("expected flat shipping fee 50000, got %d", resp.ShippingCents)
	}
	if resp.TotalCents != resp.SubtotalCents+50000 {
		t.Fatalf("total %d does not include shipping", resp.TotalCents)
	}
}

func TestCheckoutFreeShippingOverThreshold(t *testing.T) {
	repo := memory.NewSeeded()
	policy := pricing.ShippingPolicy{FlatFeeCents: 50000, FreeOverCents: 4000}
	svc := New(repo, cache.NoopAvailabilityCache{}, zap.NewNop(), policy, time.Second, 3)

	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentShipping,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	// Subtotal 4480 clears the 4000 threshold, so shipping is waived.
	if resp.ShippingCents != 0 {
		t.Fatalf("expected free shipping over threshold, got %d", resp.ShippingCents)
	}
	if resp.TotalCents != resp.SubtotalCents {
		t.Fatalf("total %d should equal subtotal %d", resp.TotalCents, resp.SubtotalCents)
	}
}

func TestCheckoutAppliesTierDiscount(t *testing.T) {
	svc := newTestService()
	// Ben is seeded Silver (3% discount).
	ctx := customerCtx("cust-ben")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.SubtotalCents != 4346 {
		t.Fatalf("expected silver-discounted subtotal 4346, got %d", resp.SubtotalCents)
	}
	if resp.Lines[0].PriceAtSaleCents != 4346 || resp.Lines[0].ListPriceCents != 4480 {
		t.Fatalf("line should record discounted sale price against list price, got %+v", resp.Lines[0])
	}
}

func TestCheckoutEnumeratesUnavailableUnits(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	if _, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	}); err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:         "shop-shibuya",
		Fulfillment:    domain.FulfillmentPickup,
		ItemIDs:        ids,
		IdempotencyKey: "idem-second-attempt",
	})
	if err == nil {
		t.Fatalf("expected checkout of a sold unit to fail")
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var unavailable *store.UnavailableItemsError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected enumerated unavailable units, got %v", err)
	}
	if len(unavailable.ItemIDs) != 1 || unavailable.ItemIDs[0] != ids[0] {
		t.Fatalf("expected the sold unit to be named, got %v", unavailable.ItemIDs)
	}
}

func TestConcurrentCheckoutSingleWinner(t *testing.T) {
	svc := newTestService()
	ids := availableUnitIDs(t, svc, "shop-kichijoji", "rel-kindofblue", domain.ConditionVGPlus, 1)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Checkout(customerCtx("cust-aiko"), domain.CheckoutRequest{
				ShopID:         "shop-kichijoji",
				Fulfillment:    domain.FulfillmentPickup,
				ItemIDs:        ids,
				IdempotencyKey: "idem-race-" + strconv.Itoa(n),
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("loser should see a conflict, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning checkout, got %d", wins)
	}
}

func TestCheckoutIdempotencyReplay(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-bluetrane", domain.ConditionNM, 1)

	first, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:         "shop-shibuya",
		Fulfillment:    domain.FulfillmentPickup,
		ItemIDs:        ids,
		IdempotencyKey: "idem-replay",
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	second, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:         "shop-shibuya",
		Fulfillment:    domain.FulfillmentPickup,
		ItemIDs:        ids,
		IdempotencyKey: "idem-replay",
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate flag on replay")
	}
	if second.OrderID != first.OrderID {
		t.Fatalf("replay returned a different order: %s vs %s", second.OrderID, first.OrderID)
	}
}

func TestCheckoutRejectsEmptyCart(t *testing.T) {
	svc := newTestService()

	_, err := svc.Checkout(customerCtx("cust-aiko"), domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestAvailabilityBadgeThreshold(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")

	// Three seeded units with a threshold of three: still IN_STOCK.
	avail, err := svc.Availability(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Count != 3 || avail.Status != domain.AvailabilityInStock {
		t.Fatalf("expected IN_STOCK at the threshold count, got %s (%d)", avail.Status, avail.Count)
	}

	// Sell one; two remaining drops the badge to LOW_STOCK.
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)
	if _, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	avail, err = svc.Availability(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Count != 2 || avail.Status != domain.AvailabilityLowStock {
		t.Fatalf("expected LOW_STOCK below the threshold, got %s (%d)", avail.Status, avail.Count)
	}

	// Empty shelf reads OUT_OF_STOCK.
	rest := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 2)
	if _, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     rest,
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	avail, err = svc.Availability(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Count != 0 || avail.Status != domain.AvailabilityOutOfStock {
		t.Fatalf("expected OUT_OF_STOCK on empty shelf, got %s (%d)", avail.Status, avail.Count)
	}
}

func TestPOSSaleCompletesAndCreditsLoyalty(t *testing.T) {
	svc := newTestService()
	ctx := staffCtx("shop-shibuya")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)
	ids = append(ids, availableUnitIDs(t, svc, "shop-shibuya", "rel-bluetrane", domain.ConditionNM, 1)...)

	resp, err := svc.POSSale(ctx, domain.POSSaleRequest{
		CustomerContact: "aiko@example.com",
		ItemIDs:         ids,
	})
	if err != nil {
		t.Fatalf("pos sale failed: %v", err)
	}
	if resp.Status != domain.OrderStatusCompleted {
		t.Fatalf("in-store sale should settle immediately, got %s", resp.Status)
	}
	// 4480 + 6800 = 11280 cents, 112 points: Basic straight to Gold.
	if resp.PointsEarned != 112 {
		t.Fatalf("expected 112 points, got %d", resp.PointsEarned)
	}
	if resp.Tier == nil || !resp.Tier.Upgraded || resp.Tier.NewTier != "Gold" {
		t.Fatalf("expected upgrade to Gold, got %+v", resp.Tier)
	}

	customer, err := svc.GetCustomer(ctx, "cust-aiko")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if customer.Points != 112 || customer.TierID != "tier-gold" {
		t.Fatalf("expected 112 points and gold tier, got points=%d tier=%s", customer.Points, customer.TierID)
	}
}

func TestCompleteOrderCreditsExactlyOnce(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	paid, err := svc.CompleteOrder(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid {
		t.Fatalf("online order should move to paid, got %s", paid.Status)
	}

	if _, err := svc.CompleteOrder(ctx, resp.OrderID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second completion must conflict, got %v", err)
	}

	customer, err := svc.GetCustomer(ctx, "cust-aiko")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if customer.Points != 44 {
		t.Fatalf("points must be credited exactly once, got %d", customer.Points)
	}
}

func TestPickupFlowDoesNotRecredit(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.CompleteOrder(ctx, resp.OrderID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	done, err := svc.ConfirmPickup(staffCtx("shop-shibuya"), resp.OrderID)
	if err != nil {
		t.Fatalf("pickup failed: %v", err)
	}
	if done.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed after pickup, got %s", done.Status)
	}

	customer, err := svc.GetCustomer(ctx, "cust-aiko")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if customer.Points != 44 {
		t.Fatalf("pickup confirmation must not credit points again, got %d", customer.Points)
	}
}

func TestShippingFlowEnforcesOwnership(t *testing.T) {
	svc := newTestService()
	owner := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(owner, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentShipping,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.CompleteOrder(owner, resp.OrderID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	shipped, err := svc.AdvanceShipment(staffCtx("shop-shibuya"), resp.OrderID)
	if err != nil {
		t.Fatalf("advance shipment failed: %v", err)
	}
	if shipped.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", shipped.Status)
	}

	// A stranger confirming receipt must not learn the order exists.
	if _, err := svc.ConfirmReceipt(customerCtx("cust-ben"), resp.OrderID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}

	received, err := svc.ConfirmReceipt(owner, resp.OrderID)
	if err != nil {
		t.Fatalf("confirm receipt failed: %v", err)
	}
	if received.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed after receipt, got %s", received.Status)
	}
}

func TestCancelReleasesUnits(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 2)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	cancelled, err := svc.CancelOrder(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	avail, err := svc.Availability(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Count != 3 {
		t.Fatalf("cancel must release every unit, expected 3 available, got %d", avail.Count)
	}

	// Cancelling again is a no-op.
	again, err := svc.CancelOrder(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("double cancel should be a no-op: %v", err)
	}
	if again.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", again.Status)
	}
}

func TestCancelRejectsSettledOrder(t *testing.T) {
	svc := newTestService()
	ctx := customerCtx("cust-aiko")
	ids := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     ids,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.CompleteOrder(ctx, resp.OrderID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if _, err := svc.CancelOrder(ctx, resp.OrderID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("cancelling a paid order must conflict, got %v", err)
	}
}

func TestTransferInsufficientStockStaysPending(t *testing.T) {
	svc := newTestService()

	created, err := svc.RequestTransfer(managerCtx("shop-kichijoji"), domain.TransferCreateRequest{
		ReleaseID: "rel-kindofblue",
		Condition: domain.ConditionVGPlus,
		Quantity:  5,
	})
	if err != nil {
		t.Fatalf("request transfer failed: %v", err)
	}

	// Shibuya only holds 3 matching units.
	_, err = svc.ApproveTransfer(adminCtx(), created.ID, domain.TransferDecisionRequest{
		SourceShopID: "shop-shibuya",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	pending, err := svc.ListTransfers(adminCtx(), domain.RequestStatusPending, 10)
	if err != nil {
		t.Fatalf("list transfers failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != created.ID {
		t.Fatalf("failed approval must leave the request pending, got %+v", pending)
	}
}

func TestTransferApprovalMovesUnits(t *testing.T) {
	svc := newTestService()

	created, err := svc.RequestTransfer(managerCtx("shop-kichijoji"), domain.TransferCreateRequest{
		ReleaseID: "rel-kindofblue",
		Condition: domain.ConditionVGPlus,
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("request transfer failed: %v", err)
	}

	approved, err := svc.ApproveTransfer(adminCtx(), created.ID, domain.TransferDecisionRequest{
		SourceShopID: "shop-shibuya",
	})
	if err != nil {
		t.Fatalf("approve transfer failed: %v", err)
	}
	if approved.Status != domain.RequestStatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	source, err := svc.Availability(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	dest, err := svc.Availability(context.Background(), "shop-kichijoji", "rel-kindofblue", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if source.Count != 1 || dest.Count != 3 {
		t.Fatalf("expected 1 at source and 3 at dest, got %d and %d", source.Count, dest.Count)
	}
}

func TestTransferApprovalRequiresAdmin(t *testing.T) {
	svc := newTestService()

	created, err := svc.RequestTransfer(managerCtx("shop-kichijoji"), domain.TransferCreateRequest{
		ReleaseID: "rel-kindofblue",
		Condition: domain.ConditionVGPlus,
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("request transfer failed: %v", err)
	}

	if _, err := svc.ApproveTransfer(managerCtx("shop-kichijoji"), created.ID, domain.TransferDecisionRequest{
		SourceShopID: "shop-shibuya",
	}); err == nil {
		t.Fatalf("manager must not approve transfers")
	}
}

func TestBuybackCreatesResaleUnits(t *testing.T) {
	svc := newTestService()
	ctx := staffCtx("shop-shibuya")

	resp, err := svc.ProcessBuyback(ctx, domain.BuybackRequest{
		CustomerID:     "cust-ben",
		ReleaseID:      "rel-aja",
		Condition:      domain.ConditionVGPlus,
		Quantity:       2,
		UnitPriceCents: 2000,
	})
	if err != nil {
		t.Fatalf("buyback failed: %v", err)
	}
	if resp.TotalPaidCents != 4000 {
		t.Fatalf("expected payout 4000, got %d", resp.TotalPaidCents)
	}
	if len(resp.StockItemIDs) != 2 {
		t.Fatalf("expected 2 new units, got %d", len(resp.StockItemIDs))
	}

	items, err := svc.ListAvailableStock(context.Background(), "shop-shibuya", "rel-aja", domain.ConditionVGPlus, 10)
	if err != nil {
		t.Fatalf("list stock failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected the bought-back units on the shelf, got %d", len(items))
	}
	// 2000 cost at VG+ adjusts to 1400, lowest markup band prices it at 2100.
	for _, item := range items {
		if item.PriceCents != 2100 {
			t.Fatalf("expected suggested resale 2100, got %d", item.PriceCents)
		}
	}
}

func TestPriceAdjustmentSparesSoldUnits(t *testing.T) {
	svc := newTestService()
	saleIDs := availableUnitIDs(t, svc, "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 1)

	sale, err := svc.POSSale(staffCtx("shop-shibuya"), domain.POSSaleRequest{ItemIDs: saleIDs})
	if err != nil {
		t.Fatalf("pos sale failed: %v", err)
	}

	created, err := svc.RequestPriceAdjustment(managerCtx("shop-shibuya"), domain.PriceAdjustmentCreateRequest{
		ReleaseID:     "rel-kindofblue",
		Condition:     domain.ConditionVGPlus,
		NewPriceCents: 5200,
	})
	if err != nil {
		t.Fatalf("request adjustment failed: %v", err)
	}

	if _, err := svc.ApprovePriceAdjustment(adminCtx(), created.ID, "seasonal repricing"); err != nil {
		t.Fatalf("approve adjustment failed: %v", err)
	}

	items, err := svc.ListAvailableStock(context.Background(), "shop-shibuya", "rel-kindofblue", domain.ConditionVGPlus, 10)
	if err != nil {
		t.Fatalf("list stock failed: %v", err)
	}
	for _, item := range items {
		if item.PriceCents != 5200 {
			t.Fatalf("shelf unit should be repriced to 5200, got %d", item.PriceCents)
		}
	}

	// The recorded sale price is immutable.
	order, err := svc.GetOrder(staffCtx("shop-shibuya"), sale.OrderID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.Lines[0].PriceAtSaleCents != 4480 {
		t.Fatalf("sold line must keep its sale price, got %d", order.Lines[0].PriceAtSaleCents)
	}
}

func TestReceiveStockDerivesListPrice(t *testing.T) {
	svc := newTestService()

	resp, err := svc.ReceiveStock(staffCtx("shop-kichijoji"), domain.ReceiveStockRequest{
		ReleaseID:     "rel-purplerain",
		Condition:     domain.ConditionVGPlus,
		Quantity:      3,
		UnitCostCents: 4000,
	})
	if err != nil {
		t.Fatalf("receive stock failed: %v", err)
	}
	// 4000 cost at VG+ adjusts to 2800, mid markup band prices it at 4480.
	if resp.UnitPriceCents != 4480 {
		t.Fatalf("expected derived price 4480, got %d", resp.UnitPriceCents)
	}
	if len(resp.StockItemIDs) != 3 {
		t.Fatalf("expected 3 units received, got %d", len(resp.StockItemIDs))
	}

	avail, err := svc.Availability(context.Background(), "shop-kichijoji", "rel-purplerain", domain.ConditionVGPlus)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if avail.Count != 3 {
		t.Fatalf("expected 3 available, got %d", avail.Count)
	}
}
