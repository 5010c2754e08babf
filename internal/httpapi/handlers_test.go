package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"tokoledger/backend/internal/auth"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/feed"
	"tokoledger/backend/internal/metrics"
	"tokoledger/backend/internal/service"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
)

const (
	testSecret    = "test-secret-key-with-at-least-32-chars"
	adminEmail    = "admin@toko.test"
	adminPassword = "admin-pass"
)

// newTestAPI builds the full API on an in-memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return newTestAPIWithRepo(t, repo), repo
}

func newTestAPIWithRepo(t *testing.T, repo store.Repository) *API {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := feed.NewHub()

	svc := service.New(repo, service.Options{Publisher: hub, Logger: logger})
	manager := auth.NewManager(testSecret, time.Hour, repo, logger)
	if _, err := manager.EnsureAdmin(context.Background(), adminEmail, adminPassword); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	return New(Options{
		Service:       svc,
		Auth:          manager,
		Hub:           hub,
		Metrics:       metrics.New(),
		Logger:        logger,
		AllowedOrigin: "*",
	})
}

func seedProducts(repo *memory.Store) {
	repo.SeedProduct(domain.Product{ID: "p-teh", DisplayCode: "SP000001", Name: "Teh Botol", UnitName: "botol", CategoryName: "minuman", Price: decimal.NewFromInt(10000), CostPrice: decimal.NewFromInt(7000), Stock: 10})
	repo.SeedProduct(domain.Product{ID: "p-roti", DisplayCode: "SP000002", Name: "Roti", UnitName: "pcs", CategoryName: "makanan", Price: decimal.NewFromInt(5000), CostPrice: decimal.NewFromInt(3000), Stock: 6})
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, email string, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: email, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", email, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func signUpAndLogin(t *testing.T, handler http.Handler, email string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/signup", "", domain.SignUpRequest{Email: email, Password: "staff-pass"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup %s: expected 201, got %d: %s", email, rec.Code, rec.Body.String())
	}
	return login(t, handler, email, "staff-pass")
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestProtectedRouteRequiresBearerToken(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestCheckoutCreatesInvoiceAndDecrementsStock(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := signUpAndLogin(t, handler, "kasir@toko.test")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{Lines: []domain.CartLine{
		{ProductID: "p-teh", Quantity: 2},
		{ProductID: "p-roti", Quantity: 3},
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Invoice domain.Invoice `json:"invoice"`
	}](t, rec)
	if !body.Invoice.TotalAmount.Equal(decimal.NewFromInt(35000)) {
		t.Fatalf("expected total 35000, got %s", body.Invoice.TotalAmount)
	}
	if len(body.Invoice.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(body.Invoice.Items))
	}

	teh, _ := repo.GetProduct(context.Background(), "p-teh")
	roti, _ := repo.GetProduct(context.Background(), "p-roti")
	if teh.Stock != 8 || roti.Stock != 3 {
		t.Fatalf("expected stock 8/3, got %d/%d", teh.Stock, roti.Stock)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/invoices/"+body.Invoice.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected invoice lookup 200, got %d", rec.Code)
	}
}

func TestCheckoutInsufficientStockReturns409(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := signUpAndLogin(t, handler, "kasir@toko.test")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{Lines: []domain.CartLine{
		{ProductID: "p-roti", Quantity: 7},
	}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	roti, _ := repo.GetProduct(context.Background(), "p-roti")
	if roti.Stock != 6 {
		t.Fatalf("expected stock untouched at 6, got %d", roti.Stock)
	}
	invoices, _ := repo.ListInvoices(context.Background(), 0)
	if len(invoices) != 0 {
		t.Fatalf("expected no invoices, got %d", len(invoices))
	}
}

func TestCheckoutValidationReturns400(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := signUpAndLogin(t, handler, "kasir@toko.test")

	cases := map[string]domain.CheckoutRequest{
		"empty cart":      {},
		"zero quantity":   {Lines: []domain.CartLine{{ProductID: "p-teh", Quantity: 0}}},
		"unknown product": {Lines: []domain.CartLine{{ProductID: "p-missing", Quantity: 1}}},
	}
	for name, req := range cases {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestCreateProductAssignsSequentialDisplayCodes(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, adminEmail, adminPassword)

	var codes []string
	for _, name := range []string{"Kopi", "Gula"} {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
			Name:         name,
			UnitName:     "pcs",
			CategoryName: "sembako",
			Price:        decimal.NewFromInt(12000),
			CostPrice:    decimal.NewFromInt(9000),
			Stock:        4,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s: expected 201, got %d: %s", name, rec.Code, rec.Body.String())
		}
		body := decodeBody[struct {
			Product domain.Product `json:"product"`
		}](t, rec)
		codes = append(codes, body.Product.DisplayCode)
	}
	if codes[0] != "SP000001" || codes[1] != "SP000002" {
		t.Fatalf("unexpected display codes %v", codes)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/lookups/units", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	units := decodeBody[map[string][]domain.LookupEntry](t, rec)
	if len(units["units"]) != 1 || units["units"][0].Name != "pcs" {
		t.Fatalf("expected a single pcs unit, got %+v", units["units"])
	}
}

func TestStaffCannotManageProducts(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := signUpAndLogin(t, handler, "kasir@toko.test")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		Name: "Kopi", UnitName: "pcs", CategoryName: "sembako", Price: decimal.NewFromInt(1),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on create, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/products/p-teh", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on delete, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/stock/adjustments", token, domain.AdjustStockRequest{
		ProductID: "p-teh", Type: domain.StockImport, Quantity: 1, Reason: "restock",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on adjust, got %d", rec.Code)
	}
}

func TestAdjustStockExportRejectionLeavesStockUntouched(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := login(t, handler, adminEmail, adminPassword)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/stock/adjustments", token, domain.AdjustStockRequest{
		ProductID: "p-roti", Type: domain.StockExport, Quantity: 9, Reason: "rusak",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/stock/adjustments", token, domain.AdjustStockRequest{
		ProductID: "p-roti", Type: domain.StockImport, Quantity: 4, Reason: "restock",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[domain.StockAdjustResult](t, rec)
	if result.Stock != 10 || result.Entry.Adjustment != 4 {
		t.Fatalf("unexpected adjust result %+v", result)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/stock/logs", token, nil)
	logs := decodeBody[map[string][]domain.StockLogEntry](t, rec)
	if len(logs["logs"]) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(logs["logs"]))
	}
}

func TestUpdateAndDeleteProduct(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := login(t, handler, adminEmail, adminPassword)

	name := "Teh Botol Sosro"
	rec := doJSON(t, handler, http.MethodPatch, "/api/v1/products/p-teh", token, domain.ProductUpdateRequest{Name: &name})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Product domain.Product `json:"product"`
	}](t, rec)
	if body.Product.Name != name || body.Product.Stock != 10 {
		t.Fatalf("unexpected product after update %+v", body.Product)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/products/p-teh", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/p-teh", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestListProductsSearch(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()
	token := login(t, handler, adminEmail, adminPassword)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products?q=roti", token, nil)
	body := decodeBody[map[string][]domain.Product](t, rec)
	if len(body["products"]) != 1 || body["products"][0].ID != "p-roti" {
		t.Fatalf("expected only roti, got %+v", body["products"])
	}
}

func TestOverviewRequiresAdmin(t *testing.T) {
	api, repo := newTestAPI(t)
	seedProducts(repo)
	handler := api.Handler()

	staff := signUpAndLogin(t, handler, "kasir@toko.test")
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/overview", staff, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	admin := login(t, handler, adminEmail, adminPassword)
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/overview", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	overview := decodeBody[domain.Overview](t, rec)
	if overview.ProductCount != 2 {
		t.Fatalf("expected 2 products, got %d", overview.ProductCount)
	}
}
