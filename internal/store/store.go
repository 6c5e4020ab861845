package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vinylhub/internal/domain"
)

var (
	// ErrNotFound covers unknown identifiers and cross-customer access
	// attempts alike, so existence is never leaked.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is the caller's fault; nothing was mutated.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict means the world moved: a unit was sold, or an order is in
	// the wrong state for the requested transition. Safe to retry.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientStock is the transfer/approval flavor of conflict.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// UnavailableItemsError enumerates the stock units that failed checkout
// validation, so the caller can correct the cart instead of guessing.
type UnavailableItemsError struct {
	ItemIDs []string
}

func (e *UnavailableItemsError) Error() string {
	return fmt.Sprintf("items no longer available: %s", strings.Join(e.ItemIDs, ", "))
}

func (e *UnavailableItemsError) Is(target error) bool {
	return target == ErrConflict
}

// Repository is the persistence boundary of the transaction core. Every
// multi-step method is atomic: it either commits all of its effects or none.
type Repository interface {
	// Catalog and locations (read-only here).
	GetRelease(ctx context.Context, id string) (*domain.ReleaseAlbum, error)
	GetShop(ctx context.Context, id string) (*domain.Shop, error)
	ListShops(ctx context.Context) ([]domain.Shop, error)

	// Stock ledger.
	GetStockItem(ctx context.Context, id string) (*domain.StockItem, error)
	GetStockItemsByIDs(ctx context.Context, ids []string) (map[string]domain.StockItem, error)
	ListAvailableStock(ctx context.Context, shopID string, releaseID string, condition domain.Condition, limit int) ([]domain.StockItem, error)
	CountAvailable(ctx context.Context, shopID string, releaseID string, condition domain.Condition) (int, error)
	CreateStockItems(ctx context.Context, items []domain.StockItem) error

	// Order lifecycle. CreateOrder locks every referenced unit, validates it
	// is available at the order's shop, marks it sold and writes header and
	// lines in one transaction; any failing unit aborts the whole batch with
	// an UnavailableItemsError. A duplicate idempotency key returns the
	// already-created order.
	CreateOrder(ctx context.Context, order domain.CustomerOrder, lines []domain.OrderLine) (*domain.CustomerOrder, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.CustomerOrder, error)
	GetOrder(ctx context.Context, id string) (*domain.CustomerOrder, error)
	ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.CustomerOrder, error)
	ListOrdersByShop(ctx context.Context, shopID string, status string, limit int) ([]domain.CustomerOrder, error)

	// CompleteOrder moves a pending order to paid (online) or completed
	// (in-store) and, in the same transaction, credits loyalty points from a
	// pre-mutation snapshot. Re-invocation on a non-pending order is a
	// conflict, never a re-credit.
	CompleteOrder(ctx context.Context, orderID string, pointsEarned int64) (*domain.CustomerOrder, *domain.TierChange, error)
	AdvanceShipment(ctx context.Context, orderID string) (*domain.CustomerOrder, error)
	ConfirmReceipt(ctx context.Context, orderID string, customerID string) (*domain.CustomerOrder, error)
	ConfirmPickup(ctx context.Context, orderID string) (*domain.CustomerOrder, error)
	// CancelOrder releases every sold unit of a pending order. Cancelling an
	// already-cancelled order is a no-op; any other status is a conflict.
	CancelOrder(ctx context.Context, orderID string) (*domain.CustomerOrder, error)

	// Customers and loyalty.
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	FindCustomerByContact(ctx context.Context, contact string) (*domain.Customer, error)
	ListTiers(ctx context.Context) ([]domain.MembershipTier, error)

	// Transfer workflow.
	CreateTransferRequest(ctx context.Context, req domain.TransferRequest) (*domain.TransferRequest, error)
	GetTransferRequest(ctx context.Context, id string) (*domain.TransferRequest, error)
	ListTransferRequests(ctx context.Context, status string, limit int) ([]domain.TransferRequest, error)
	// ApproveTransfer relocates request.Quantity matching available units
	// from the source shop, all or none. When fewer remain the request stays
	// pending and ErrInsufficientStock is returned.
	ApproveTransfer(ctx context.Context, requestID string, sourceShopID string, destShopID string, approver string, note string, at time.Time) (*domain.TransferRequest, []string, error)
	RejectTransfer(ctx context.Context, requestID string, approver string, note string, at time.Time) (*domain.TransferRequest, error)

	// Price adjustment workflow. Approval touches available units only;
	// sold units and recorded sale prices are immutable.
	CreatePriceAdjustment(ctx context.Context, req domain.PriceAdjustmentRequest) (*domain.PriceAdjustmentRequest, error)
	ListPriceAdjustments(ctx context.Context, status string, limit int) ([]domain.PriceAdjustmentRequest, error)
	ApprovePriceAdjustment(ctx context.Context, requestID string, approver string, note string, at time.Time) (*domain.PriceAdjustmentRequest, int, error)
	RejectPriceAdjustment(ctx context.Context, requestID string, approver string, note string, at time.Time) (*domain.PriceAdjustmentRequest, error)

	// Buyback: records the payout and creates the new units atomically.
	CreateBuyback(ctx context.Context, bb domain.BuybackOrder, items []domain.StockItem) (*domain.BuybackOrder, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// Accounts (consumed by the auth manager).
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
