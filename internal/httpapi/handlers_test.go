package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/service"
	"kasirflow/backend/internal/store/memory"
)

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, domain.Event) error {
	return errors.New("websocket hub unavailable")
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	api, _ := newTestAPIWithNotifier(t, nil)
	return api
}

func newTestAPIWithNotifier(t *testing.T, notifier service.Notifier) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, notifier, nil, service.Config{})
	auth := NewAuthManager("test-secret-key-with-32-characters", time.Hour, "123456")

	return New(svc, auth, nil, "*"), repo
}

func tokenFor(t *testing.T, api *API, username, role string) string {
	t.Helper()
	token, _, err := api.auth.IssueToken(username, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func productBySKU(t *testing.T, repo *memory.Store, sku string) domain.Product {
	t.Helper()
	products, err := repo.ListProducts(context.Background(), true)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, p := range products {
		if p.SKU == sku {
			return p
		}
	}
	t.Fatalf("product %s not seeded", sku)
	return domain.Product{}
}

func doJSON(t *testing.T, api *API, method, path, token, csrf string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, res.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/healthz", "", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var body map[string]any
	decodeBody(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestCreateSaleEndToEnd(t *testing.T) {
	api, repo := newTestAPIWithNotifier(t, failingNotifier{})
	token := tokenFor(t, api, "kasir1", "cashier")
	csrf := fetchCSRFToken(t, api)
	mie := productBySKU(t, repo, "SKU-MIE-01")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleRequest{
		Items:     []domain.SaleItemRequest{{ProductID: mie.ID, Quantity: 2}},
		Payments:  []domain.SalePaymentRequest{{Method: "cash", Amount: decimal.RequireFromString("10000")}},
		TaxAmount: decimal.RequireFromString("700"),
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}

	var sale domain.SaleResponse
	decodeBody(t, res, &sale)
	if !sale.Transaction.TotalAmount.Equal(decimal.RequireFromString("7700")) {
		t.Fatalf("expected total 7700, got %s", sale.Transaction.TotalAmount)
	}
	if !sale.Transaction.ChangeDue.Equal(decimal.RequireFromString("2300")) {
		t.Fatalf("expected change 2300, got %s", sale.Transaction.ChangeDue)
	}
	if sale.Transaction.PaymentStatus != domain.PaymentStatusPaid || sale.Transaction.CashierID != "kasir1" {
		t.Fatalf("unexpected transaction: %+v", sale.Transaction)
	}

	after := productBySKU(t, repo, "SKU-MIE-01")
	if after.Quantity != mie.Quantity-2 {
		t.Fatalf("expected stock %d, got %d", mie.Quantity-2, after.Quantity)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/transactions/"+sale.Transaction.ID, token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup, got %d", res.Code)
	}
	var view domain.TransactionView
	decodeBody(t, res, &view)
	if view.Number != sale.Transaction.Number || len(view.Items) != 1 || len(view.Payments) != 1 {
		t.Fatalf("lookup mismatch: %+v", view)
	}
}

func TestCreateSaleIdempotentReplayReturns200(t *testing.T) {
	api, repo := newTestAPIWithNotifier(t, nil)
	token := tokenFor(t, api, "kasir1", "cashier")
	csrf := fetchCSRFToken(t, api)
	teh := productBySKU(t, repo, "SKU-TEH-01")
	req := domain.SaleRequest{
		IdempotencyKey: "terminal-a1-0001",
		Items:          []domain.SaleItemRequest{{ProductID: teh.ID, Quantity: 1}},
	}

	if res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, req); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", res.Code)
	}
	var sale domain.SaleResponse
	decodeBody(t, res, &sale)
	if !sale.Duplicate {
		t.Fatalf("expected duplicate flag on replay")
	}
	if got := productBySKU(t, repo, "SKU-TEH-01").Quantity; got != teh.Quantity-1 {
		t.Fatalf("replay must not decrement again, stock %d", got)
	}
}

func TestCreateSaleErrorStatuses(t *testing.T) {
	api, repo := newTestAPIWithNotifier(t, nil)
	cashier := tokenFor(t, api, "kasir1", "cashier")
	csrf := fetchCSRFToken(t, api)
	roti := productBySKU(t, repo, "SKU-ROTI-01")
	cheap := decimal.RequireFromString("100")

	cases := []struct {
		name   string
		req    domain.SaleRequest
		status int
		key    string
	}{
		{"empty cart", domain.SaleRequest{}, http.StatusBadRequest, "fields"},
		{"insufficient stock", domain.SaleRequest{
			Items: []domain.SaleItemRequest{{ProductID: roti.ID, Quantity: roti.Quantity + 1}},
		}, http.StatusBadRequest, "items"},
		{"unknown payment method", domain.SaleRequest{
			Items:    []domain.SaleItemRequest{{ProductID: roti.ID, Quantity: 1}},
			Payments: []domain.SalePaymentRequest{{Method: "barter", Amount: cheap}},
		}, http.StatusNotFound, "error"},
		{"price override by cashier", domain.SaleRequest{
			Items: []domain.SaleItemRequest{{ProductID: roti.ID, Quantity: 1, UnitPrice: &cheap}},
		}, http.StatusForbidden, "error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, csrf, tc.req)
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d (body: %s)", tc.status, res.Code, res.Body.String())
			}
			var body map[string]any
			decodeBody(t, res, &body)
			if _, ok := body[tc.key]; !ok {
				t.Fatalf("expected %q in body, got %v", tc.key, body)
			}
		})
	}

	if got := productBySKU(t, repo, "SKU-ROTI-01").Quantity; got != roti.Quantity {
		t.Fatalf("failed sales must not move stock, got %d want %d", got, roti.Quantity)
	}
}

func TestVoidWithManagerPINRestocks(t *testing.T) {
	api, repo := newTestAPIWithNotifier(t, nil)
	cashier := tokenFor(t, api, "kasir1", "cashier")
	admin := tokenFor(t, api, "admin", "admin")
	csrf := fetchCSRFToken(t, api)
	susu := productBySKU(t, repo, "SKU-SUSU-01")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, csrf, domain.SaleRequest{
		Items: []domain.SaleItemRequest{{ProductID: susu.ID, Quantity: 3}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("sale failed: %d %s", res.Code, res.Body.String())
	}
	var sale domain.SaleResponse
	decodeBody(t, res, &sale)
	path := "/api/v1/transactions/" + sale.Transaction.ID + "/void"

	res = doJSON(t, api, http.MethodPost, path, cashier, csrf, domain.VoidTransactionRequest{Reason: "x", ManagerPIN: "123456"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("cashier void expected 403, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, path, admin, csrf, domain.VoidTransactionRequest{Reason: "x", ManagerPIN: "999999"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("wrong pin expected 403, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, path, admin, csrf, domain.VoidTransactionRequest{Reason: "customer cancelled", ManagerPIN: "123456"})
	if res.Code != http.StatusOK {
		t.Fatalf("void expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	if got := productBySKU(t, repo, "SKU-SUSU-01").Quantity; got != susu.Quantity {
		t.Fatalf("void must restock, got %d want %d", got, susu.Quantity)
	}

	res = doJSON(t, api, http.MethodPost, path, admin, csrf, domain.VoidTransactionRequest{Reason: "again", ManagerPIN: "123456"})
	if res.Code != http.StatusConflict {
		t.Fatalf("second void expected 409, got %d", res.Code)
	}
}

func TestAdjustStockAndMovements(t *testing.T) {
	api, repo := newTestAPIWithNotifier(t, nil)
	admin := tokenFor(t, api, "admin", "admin")
	csrf := fetchCSRFToken(t, api)
	gula := productBySKU(t, repo, "SKU-GULA-01")
	delta := -5

	res := doJSON(t, api, http.MethodPost, "/api/v1/inventory/adjustments", admin, csrf, domain.AdjustStockRequest{
		ProductID: gula.ID, Delta: &delta, Reason: "damaged in transit",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var adj domain.AdjustStockResponse
	decodeBody(t, res, &adj)
	if adj.OldQuantity != gula.Quantity || adj.NewQuantity != gula.Quantity-5 {
		t.Fatalf("unexpected adjustment: %+v", adj)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/inventory/movements?product_id="+gula.ID+"&limit=1", admin, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Movements []domain.StockMovement `json:"movements"`
	}
	decodeBody(t, res, &body)
	if len(body.Movements) != 1 || body.Movements[0].Cause != domain.MovementManualRemove {
		t.Fatalf("unexpected movements: %+v", body.Movements)
	}
}

func TestListTransactionsQuery(t *testing.T) {
	api, repo := newTestAPIWithNotifier(t, nil)
	token := tokenFor(t, api, "kasir1", "cashier")
	csrf := fetchCSRFToken(t, api)
	kopi := productBySKU(t, repo, "SKU-KOPI-01")

	for range 3 {
		res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleRequest{
			Items: []domain.SaleItemRequest{{ProductID: kopi.ID, Quantity: 1}},
		})
		if res.Code != http.StatusCreated {
			t.Fatalf("sale failed: %d", res.Code)
		}
	}

	today := time.Now().UTC().Format(time.DateOnly)
	res := doJSON(t, api, http.MethodGet, "/api/v1/transactions?limit=2&status=pending&to="+today, token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var page domain.TransactionPage
	decodeBody(t, res, &page)
	if page.Total != 3 || len(page.Items) != 2 || !page.HasNext {
		t.Fatalf("unexpected page: total=%d items=%d has_next=%v", page.Total, len(page.Items), page.HasNext)
	}
	if !page.Items[0].BalanceDue.Equal(kopi.Price) {
		t.Fatalf("expected balance_due %s, got %s", kopi.Price, page.Items[0].BalanceDue)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/transactions?from=yesterday", token, "", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", res.Code)
	}
}

func TestParseTimeParamDateOnlyUpperBoundIsNextDay(t *testing.T) {
	got, err := parseTimeParam("2026-03-01", true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	got, err = parseTimeParam("2026-03-01T10:00:00+07:00", false)
	if err != nil || got.Hour() != 3 {
		t.Fatalf("expected RFC3339 converted to UTC, got %v %v", got, err)
	}
}
