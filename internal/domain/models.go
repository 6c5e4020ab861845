package domain

import "time"

// Condition is the ordered quality grade of a physical unit.
// Ordering (best to worst): New > Mint > NM > VG+ > VG > G+ > G > F > P.
type Condition string

const (
	ConditionNew    Condition = "New"
	ConditionMint   Condition = "Mint"
	ConditionNM     Condition = "NM"
	ConditionVGPlus Condition = "VG+"
	ConditionVG     Condition = "VG"
	ConditionGPlus  Condition = "G+"
	ConditionG      Condition = "G"
	ConditionF      Condition = "F"
	ConditionP      Condition = "P"
)

var conditionRank = map[Condition]int{
	ConditionNew:    9,
	ConditionMint:   8,
	ConditionNM:     7,
	ConditionVGPlus: 6,
	ConditionVG:     5,
	ConditionGPlus:  4,
	ConditionG:      3,
	ConditionF:      2,
	ConditionP:      1,
}

// Rank returns the grade's position in the ordering, higher is better.
// Unknown grades rank 0.
func (c Condition) Rank() int {
	return conditionRank[c]
}

func (c Condition) Valid() bool {
	_, ok := conditionRank[c]
	return ok
}

// Stock item statuses. Carts never reserve: a unit is either available or
// sold, and concurrent checkouts serialize on the row lock.
const (
	ItemStatusAvailable = "available"
	ItemStatusSold      = "sold"
)

// Order statuses.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusShipped   = "shipped"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Order origination channel.
const (
	OrderTypeInStore = "in_store"
	OrderTypeOnline  = "online"
)

// Fulfillment types.
const (
	FulfillmentPickup   = "pickup"
	FulfillmentShipping = "shipping"
)

// Request workflow statuses (transfers, price adjustments).
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusRejected = "rejected"
)

// Roles form a closed set; they arrive on the Actor, never from loose
// session state.
const (
	RoleStaff    = "staff"
	RoleManager  = "manager"
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// ReleaseAlbum is a catalog entry. Owned by the catalog, read-only here.
type ReleaseAlbum struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Label  string `json:"label"`
	Year   int    `json:"year"`
}

// Shop is a physical location: a retail store or the warehouse.
type Shop struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Warehouse bool   `json:"warehouse"`
}

// StockItem is one physical unit of one release at one shop.
type StockItem struct {
	ID         string    `json:"id"`
	ReleaseID  string    `json:"release_id"`
	ShopID     string    `json:"shop_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Condition  Condition `json:"condition"`
	PriceCents int64     `json:"price_cents"`
	CostCents  int64     `json:"cost_cents"`
	Status     string    `json:"status"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// MembershipTier is a loyalty level unlocked by cumulative points.
type MembershipTier struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ThresholdPoints int64   `json:"threshold_points"`
	DiscountRate    float64 `json:"discount_rate"`
}

type Customer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
	Points int64  `json:"points"`
	TierID string `json:"tier_id"`
}

// CustomerOrder is one commercial transaction. CustomerID and EmployeeID are
// nullable: guest in-store sales have no customer, online orders no employee.
type CustomerOrder struct {
	ID             string      `json:"id"`
	CustomerID     *string     `json:"customer_id,omitempty"`
	ShopID         string      `json:"shop_id"`
	EmployeeID     *string     `json:"employee_id,omitempty"`
	OrderType      string      `json:"order_type"`
	Fulfillment    string      `json:"fulfillment"`
	SubtotalCents  int64       `json:"subtotal_cents"`
	ShippingCents  int64       `json:"shipping_cents"`
	TotalCents     int64       `json:"total_cents"`
	Status         string      `json:"status"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Lines          []OrderLine `json:"lines,omitempty"`
}

// OrderLine ties one order to one stock unit at the price actually charged,
// which may differ from the unit's list price (tier discount).
type OrderLine struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	StockItemID      string `json:"stock_item_id"`
	PriceAtSaleCents int64  `json:"price_at_sale_cents"`
}

// TransferRequest is a manager's ask to move stock into their shop.
// DestShopID is nil when the manager defers the destination to the admin;
// SourceShopID is chosen by the admin at approval time.
type TransferRequest struct {
	ID           string     `json:"id"`
	RequestedBy  string     `json:"requested_by"`
	DestShopID   *string    `json:"dest_shop_id,omitempty"`
	SourceShopID *string    `json:"source_shop_id,omitempty"`
	ReleaseID    string     `json:"release_id"`
	Condition    Condition  `json:"condition"`
	Quantity     int        `json:"quantity"`
	Reason       string     `json:"reason,omitempty"`
	Status       string     `json:"status"`
	ResponseNote string     `json:"response_note,omitempty"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

type PriceAdjustmentRequest struct {
	ID            string     `json:"id"`
	RequestedBy   string     `json:"requested_by"`
	ShopID        string     `json:"shop_id"`
	ReleaseID     string     `json:"release_id"`
	Condition     Condition  `json:"condition"`
	NewPriceCents int64      `json:"new_price_cents"`
	Reason        string     `json:"reason,omitempty"`
	Status        string     `json:"status"`
	ResponseNote  string     `json:"response_note,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

// BuybackOrder records the shop paying a customer for units; it originates
// new stock rather than consuming it.
type BuybackOrder struct {
	ID               string    `json:"id"`
	CustomerID       *string   `json:"customer_id,omitempty"`
	EmployeeID       string    `json:"employee_id"`
	ShopID           string    `json:"shop_id"`
	ReleaseID        string    `json:"release_id"`
	Condition        Condition `json:"condition"`
	Quantity         int       `json:"quantity"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	ResalePriceCents int64     `json:"resale_price_cents"`
	TotalPaidCents   int64     `json:"total_paid_cents"`
	CreatedAt        time.Time `json:"created_at"`
}

// UserAccount backs authentication. Password holds the bcrypt hash.
type UserAccount struct {
	Username   string    `json:"username"`
	Password   string    `json:"-"`
	Role       string    `json:"role"`
	ShopID     string    `json:"shop_id,omitempty"`
	EmployeeID string    `json:"employee_id,omitempty"`
	CustomerID string    `json:"customer_id,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Actor is the authenticated principal passed into the core. EmployeeID is
// set for staff-side roles, CustomerID for customer actors.
type Actor struct {
	Username   string
	Role       string
	ShopID     string
	EmployeeID string
	CustomerID string
}

func (a Actor) StaffSide() bool {
	return a.Role == RoleStaff || a.Role == RoleManager || a.Role == RoleAdmin
}

type AuditLog struct {
	ID         string    `json:"id"`
	ShopID     string    `json:"shop_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffCreateRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	ShopID     string `json:"shop_id"`
	EmployeeID string `json:"employee_id,omitempty"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// TierChange reports a loyalty recompute. Old and New are tier names; the
// snapshot for Old is always taken before the point mutation.
type TierChange struct {
	OldTier  string `json:"old_tier"`
	NewTier  string `json:"new_tier"`
	Upgraded bool   `json:"upgraded"`
}

// CheckoutRequest carries an explicit cart: an ordered list of stock-unit
// identifiers. There is no ambient session cart.
type CheckoutRequest struct {
	CustomerID     string   `json:"customer_id,omitempty"`
	ShopID         string   `json:"shop_id"`
	Fulfillment    string   `json:"fulfillment"`
	ItemIDs        []string `json:"item_ids"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type CheckoutLine struct {
	StockItemID      string    `json:"stock_item_id"`
	ReleaseID        string    `json:"release_id"`
	Condition        Condition `json:"condition"`
	ListPriceCents   int64     `json:"list_price_cents"`
	PriceAtSaleCents int64     `json:"price_at_sale_cents"`
}

type CheckoutResponse struct {
	OrderID       string         `json:"order_id"`
	Status        string         `json:"status"`
	SubtotalCents int64          `json:"subtotal_cents"`
	ShippingCents int64          `json:"shipping_cents"`
	TotalCents    int64          `json:"total_cents"`
	DiscountRate  float64        `json:"discount_rate"`
	PointsEarned  int64          `json:"points_earned"`
	Tier          *TierChange    `json:"tier,omitempty"`
	Duplicate     bool           `json:"duplicate"`
	Lines         []CheckoutLine `json:"lines"`
	CreatedAt     string         `json:"created_at"`
}

// POSSaleRequest is a staff-driven in-store sale. The shop comes from the
// acting employee; the customer is optional and resolved by contact lookup.
type POSSaleRequest struct {
	CustomerContact string   `json:"customer_contact,omitempty"`
	ItemIDs         []string `json:"item_ids"`
	IdempotencyKey  string   `json:"idempotency_key,omitempty"`
}

type OrderActionResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type TransferCreateRequest struct {
	ReleaseID  string    `json:"release_id"`
	Condition  Condition `json:"condition"`
	Quantity   int       `json:"quantity"`
	DestShopID string    `json:"dest_shop_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type TransferDecisionRequest struct {
	SourceShopID string `json:"source_shop_id,omitempty"`
	DestShopID   string `json:"dest_shop_id,omitempty"`
	Note         string `json:"note,omitempty"`
}

type PriceAdjustmentCreateRequest struct {
	ReleaseID     string    `json:"release_id"`
	Condition     Condition `json:"condition"`
	NewPriceCents int64     `json:"new_price_cents"`
	Reason        string    `json:"reason,omitempty"`
}

type BuybackRequest struct {
	CustomerID       string    `json:"customer_id,omitempty"`
	ReleaseID        string    `json:"release_id"`
	Condition        Condition `json:"condition"`
	Quantity         int       `json:"quantity"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	ResalePriceCents int64     `json:"resale_price_cents"`
}

type BuybackResponse struct {
	BuybackID      string   `json:"buyback_id"`
	StockItemIDs   []string `json:"stock_item_ids"`
	TotalPaidCents int64    `json:"total_paid_cents"`
	CreatedAt      string   `json:"created_at"`
}

type ReceiveStockRequest struct {
	ShopID        string    `json:"shop_id"`
	ReleaseID     string    `json:"release_id"`
	BatchID       string    `json:"batch_id,omitempty"`
	Condition     Condition `json:"condition"`
	Quantity      int       `json:"quantity"`
	UnitCostCents int64     `json:"unit_cost_cents"`
}

type ReceiveStockResponse struct {
	StockItemIDs   []string `json:"stock_item_ids"`
	UnitPriceCents int64    `json:"unit_price_cents"`
}

// Availability statuses reported to the storefront. Advisory only: checkout
// revalidates each unit under its row lock.
const (
	AvailabilityInStock    = "IN_STOCK"
	AvailabilityLowStock   = "LOW_STOCK"
	AvailabilityOutOfStock = "OUT_OF_STOCK"
)

type Availability struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
