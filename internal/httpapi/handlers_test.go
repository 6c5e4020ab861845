package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"vinylhub/internal/cache"
	"vinylhub/internal/domain"
	"vinylhub/internal/pricing"
	"vinylhub/internal/service"
	"vinylhub/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopAvailabilityCache{}, zap.NewNop(), pricing.ShippingPolicy{FlatFeeCents: 50000}, time.Second, 3)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func login(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access token in login response")
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func firstAvailableUnits(t *testing.T, api *API, token string, shopID string, releaseID string, n int) []string {
	t.Helper()

	rec := doJSON(t, api, http.MethodGet, "/api/v1/stock?shop_id="+shopID+"&release_id="+releaseID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stock list failed: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Items []domain.StockItem `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode stock response: %v", err)
	}
	if len(body.Items) < n {
		t.Fatalf("expected at least %d units, got %d", n, len(body.Items))
	}
	ids := make([]string, 0, n)
	for _, item := range body.Items[:n] {
		ids = append(ids, item.ID)
	}
	return ids
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin",
		Password: "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleCheckout_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", "", domain.CheckoutRequest{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCheckout_StaffForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff-shibuya", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff on checkout, got %d", rec.Code)
	}
}

func TestHandleAvailability_Public(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/availability?shop_id=shop-shibuya&release_id=rel-kindofblue&condition=VG%2B", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var avail domain.Availability
	if err := json.NewDecoder(rec.Body).Decode(&avail); err != nil {
		t.Fatalf("decode availability: %v", err)
	}
	if avail.Count != 3 {
		t.Fatalf("expected 3 units available, got %d", avail.Count)
	}
	if avail.Status != domain.AvailabilityInStock {
		t.Fatalf("expected IN_STOCK, got %s", avail.Status)
	}
}

func TestCheckoutAndPickupLifecycle(t *testing.T) {
	api := newTestAPI(t)
	staffToken := login(t, api, "staff-shibuya", "staff123")
	customerToken := login(t, api, "aiko", "staff123")

	units := firstAvailableUnits(t, api, staffToken, "shop-shibuya", "rel-kindofblue", 1)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customerToken, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     units,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", rec.Code, rec.Body.String())
	}
	var checkout domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&checkout); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if checkout.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", checkout.Status)
	}
	if checkout.SubtotalCents != 4480 {
		t.Fatalf("expected subtotal 4480, got %d", checkout.SubtotalCents)
	}
	if checkout.ShippingCents != 0 {
		t.Fatalf("pickup order should have no shipping fee, got %d", checkout.ShippingCents)
	}

	// Pay, then staff hands the record over.
	payRec := doJSON(t, api, http.MethodPost, "/api/v1/orders/"+checkout.OrderID+"/pay", customerToken, struct{}{})
	if payRec.Code != http.StatusOK {
		t.Fatalf("pay failed: %d %s", payRec.Code, payRec.Body.String())
	}
	pickupRec := doJSON(t, api, http.MethodPost, "/api/v1/orders/"+checkout.OrderID+"/pickup", staffToken, struct{}{})
	if pickupRec.Code != http.StatusOK {
		t.Fatalf("pickup failed: %d %s", pickupRec.Code, pickupRec.Body.String())
	}
	var action domain.OrderActionResponse
	if err := json.NewDecoder(pickupRec.Body).Decode(&action); err != nil {
		t.Fatalf("decode pickup response: %v", err)
	}
	if action.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", action.Status)
	}

	// Second pay must conflict: loyalty is credited exactly once.
	repayRec := doJSON(t, api, http.MethodPost, "/api/v1/orders/"+checkout.OrderID+"/pay", customerToken, struct{}{})
	if repayRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double pay, got %d", repayRec.Code)
	}
}

func TestCheckoutConflictEnumeratesUnits(t *testing.T) {
	api := newTestAPI(t)
	staffToken := login(t, api, "staff-shibuya", "staff123")
	customerToken := login(t, api, "aiko", "staff123")

	units := firstAvailableUnits(t, api, staffToken, "shop-shibuya", "rel-bluetrane", 1)

	first := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customerToken, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     units,
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("first checkout failed: %d %s", first.Code, first.Body.String())
	}

	second := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customerToken, domain.CheckoutRequest{
		ShopID:      "shop-shibuya",
		Fulfillment: domain.FulfillmentPickup,
		ItemIDs:     units,
	})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for sold unit, got %d (body: %s)", second.Code, second.Body.String())
	}
}

func TestCheckoutIdempotencyReplayReturns200(t *testing.T) {
	api := newTestAPI(t)
	staffToken := login(t, api, "staff-shibuya", "staff123")
	customerToken := login(t, api, "aiko", "staff123")

	units := firstAvailableUnits(t, api, staffToken, "shop-shibuya", "rel-aja", 1)
	req := domain.CheckoutRequest{
		ShopID:         "shop-shibuya",
		Fulfillment:    domain.FulfillmentPickup,
		ItemIDs:        units,
		IdempotencyKey: "retry-me-once",
	}

	first := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customerToken, req)
	if first.Code != http.StatusCreated {
		t.Fatalf("first checkout failed: %d %s", first.Code, first.Body.String())
	}
	var firstResp domain.CheckoutResponse
	if err := json.NewDecoder(first.Body).Decode(&firstResp); err != nil {
		t.Fatalf("decode first response: %v", err)
	}

	replay := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customerToken, req)
	if replay.Code != http.StatusOK {
		t.Fatalf("expected 200 for idempotent replay, got %d", replay.Code)
	}
	var replayResp domain.CheckoutResponse
	if err := json.NewDecoder(replay.Body).Decode(&replayResp); err != nil {
		t.Fatalf("decode replay response: %v", err)
	}
	if !replayResp.Duplicate {
		t.Fatalf("expected duplicate flag on replay")
	}
	if replayResp.OrderID != firstResp.OrderID {
		t.Fatalf("replay returned a different order: %s vs %s", replayResp.OrderID, firstResp.OrderID)
	}
}

func TestHandlePOSSale(t *testing.T) {
	api := newTestAPI(t)
	staffToken := login(t, api, "staff-shibuya", "staff123")

	units := firstAvailableUnits(t, api, staffToken, "shop-shibuya", "rel-kindofblue", 1)
	rec := doJSON(t, api, http.MethodPost, "/api/v1/pos/sale", staffToken, domain.POSSaleRequest{
		ItemIDs: units,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("pos sale failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode pos response: %v", err)
	}
	if resp.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed in-store sale, got %s", resp.Status)
	}
}

func TestTransferApprovalEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	managerToken := login(t, api, "manager-shibuya", "staff123")
	adminToken := login(t, api, "admin", "admin123")

	createRec := doJSON(t, api, http.MethodPost, "/api/v1/transfers", managerToken, domain.TransferCreateRequest{
		ReleaseID: "rel-purplerain",
		Condition: domain.ConditionNew,
		Quantity:  2,
	})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("transfer create failed: %d %s", createRec.Code, createRec.Body.String())
	}
	var created domain.TransferRequest
	if err := json.NewDecoder(createRec.Body).Decode(&created); err != nil {
		t.Fatalf("decode transfer: %v", err)
	}

	// A manager cannot approve; only admin.
	forbidden := doJSON(t, api, http.MethodPost, "/api/v1/transfers/"+created.ID+"/approve", managerToken, domain.TransferDecisionRequest{
		SourceShopID: "warehouse",
	})
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager approval, got %d", forbidden.Code)
	}

	approveRec := doJSON(t, api, http.MethodPost, "/api/v1/transfers/"+created.ID+"/approve", adminToken, domain.TransferDecisionRequest{
		SourceShopID: "warehouse",
	})
	if approveRec.Code != http.StatusOK {
		t.Fatalf("transfer approve failed: %d %s", approveRec.Code, approveRec.Body.String())
	}
	var approved domain.TransferRequest
	if err := json.NewDecoder(approveRec.Body).Decode(&approved); err != nil {
		t.Fatalf("decode approved transfer: %v", err)
	}
	if approved.Status != domain.RequestStatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
}

func TestUnknownOrderActionReturns404(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "aiko", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/orders/ord-x/refund", token, struct{}{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestCustomerProfileOwnership(t *testing.T) {
	api := newTestAPI(t)
	customerToken := login(t, api, "aiko", "staff123")

	own := doJSON(t, api, http.MethodGet, "/api/v1/customers/cust-aiko", customerToken, nil)
	if own.Code != http.StatusOK {
		t.Fatalf("own profile read failed: %d %s", own.Code, own.Body.String())
	}

	// Another member's profile reads as NotFound, not Forbidden.
	other := doJSON(t, api, http.MethodGet, "/api/v1/customers/cust-ben", customerToken, nil)
	if other.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign profile, got %d", other.Code)
	}

	staffToken := login(t, api, "staff-shibuya", "staff123")
	asStaff := doJSON(t, api, http.MethodGet, "/api/v1/customers/cust-ben", staffToken, nil)
	if asStaff.Code != http.StatusOK {
		t.Fatalf("staff profile read failed: %d %s", asStaff.Code, asStaff.Body.String())
	}
}

func TestReleaseLookupPublic(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/releases/rel-kindofblue", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release lookup failed: %d %s", rec.Code, rec.Body.String())
	}

	missing := doJSON(t, api, http.MethodGet, "/api/v1/releases/rel-nope", "", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown release, got %d", missing.Code)
	}
}

func TestStaffUserManagement(t *testing.T) {
	api := newTestAPI(t)
	adminToken := login(t, api, "admin", "admin123")

	createRec := doJSON(t, api, http.MethodPost, "/api/v1/users/staff", adminToken, domain.StaffCreateRequest{
		Username: "staff-shinjuku",
		Password: "pass1234",
		Role:     domain.RoleStaff,
		ShopID:   "shop-shibuya",
	})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("staff create failed: %d %s", createRec.Code, createRec.Body.String())
	}

	// The new account can log in right away.
	login(t, api, "staff-shinjuku", "pass1234")

	listRec := doJSON(t, api, http.MethodGet, "/api/v1/users/staff", adminToken, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("staff list failed: %d", listRec.Code)
	}
	var body struct {
		Users []domain.UserAccount `json:"users"`
	}
	if err := json.NewDecoder(listRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode staff list: %v", err)
	}
	for _, u := range body.Users {
		if u.Role == domain.RoleCustomer {
			t.Fatalf("customer accounts must not appear in staff list")
		}
	}
}
