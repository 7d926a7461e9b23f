package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pharmabill/backend/internal/alerts"
	"pharmabill/backend/internal/billing"
	"pharmabill/backend/internal/cache"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/logging"
	"pharmabill/backend/internal/service"
	"pharmabill/backend/internal/store/memory"
)

// newTestAPI builds the full handler stack over a seeded in-memory store.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	logger := logging.Discard()
	coordinator := billing.NewCoordinator(repo, billing.Options{Logger: logger, BlockExpiredSales: true, RetryBackoff: time.Millisecond})
	alertEngine := alerts.NewEngine(repo, cache.NoopAlertCache{}, time.Minute, inventory.DefaultThresholds(), logger)
	svc := service.New(repo, coordinator, alertEngine, service.Options{Logger: logger})
	auth := NewAuthManager("test-secret-key-with-32-characters", time.Hour, repo)

	return New(svc, auth, "*", logger)
}

func login(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return payload.AccessToken
}

func do(t *testing.T, h http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, res.Body.String())
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := do(t, h, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody[map[string]any](t, res)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := do(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := do(t, h, http.MethodGet, "/api/v1/medicines", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	res = do(t, h, http.MethodGet, "/api/v1/medicines", "not-a-token", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.Code)
	}
}

func TestCashierCannotReachAdminRoutes(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	res := do(t, h, http.MethodPost, "/api/v1/medicines", token, domain.MedicineCreateRequest{Name: "Cetirizine", TaxRate: 12})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", res.Code, res.Body.String())
	}
	res = do(t, h, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on audit logs, got %d", res.Code)
	}
}

func TestCreateBillAndFetchByNumber(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	req := domain.CreateBillRequest{
		IdempotencyKey: "counter-1-0001",
		Lines:          []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 10}},
		Payment:        domain.PaymentInput{Mode: "cash"},
	}
	res := do(t, h, http.MethodPost, "/api/v1/bills", token, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	created := decodeBody[domain.CreateBillResponse](t, res)
	if created.Bill.GrandTotalPaise != 3200 || created.Bill.CGSTPaise != created.Bill.SGSTPaise {
		t.Fatalf("unexpected bill totals: %+v", created.Bill)
	}

	res = do(t, h, http.MethodPost, "/api/v1/bills", token, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", res.Code)
	}
	replay := decodeBody[domain.CreateBillResponse](t, res)
	if !replay.Duplicate || replay.Bill.ID != created.Bill.ID {
		t.Fatalf("expected duplicate of %s, got %+v", created.Bill.ID, replay)
	}

	res = do(t, h, http.MethodGet, "/api/v1/bills/number/"+created.Bill.BillNumber, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	fetched := decodeBody[map[string]domain.Bill](t, res)
	if fetched["bill"].ID != created.Bill.ID {
		t.Fatalf("fetched wrong bill: %+v", fetched["bill"])
	}
}

func TestCreateBillErrorMapping(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	tests := []struct {
		name   string
		req    domain.CreateBillRequest
		status int
		code   string
	}{
		{
			name:   "insufficient stock",
			req:    domain.CreateBillRequest{Lines: []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 601}}, Payment: domain.PaymentInput{Mode: "CASH"}},
			status: http.StatusConflict,
			code:   "INSUFFICIENT_STOCK",
		},
		{
			name:   "credit without customer",
			req:    domain.CreateBillRequest{Lines: []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 1}}, Payment: domain.PaymentInput{Mode: "CREDIT"}},
			status: http.StatusBadRequest,
			code:   "CUSTOMER_REQUIRED_FOR_CREDIT",
		},
		{
			name:   "empty cart",
			req:    domain.CreateBillRequest{Payment: domain.PaymentInput{Mode: "CASH"}},
			status: http.StatusBadRequest,
			code:   "EMPTY_CART",
		},
		{
			name:   "unknown batch",
			req:    domain.CreateBillRequest{Lines: []domain.CartLine{{BatchID: "batch-missing", Quantity: 1}}, Payment: domain.PaymentInput{Mode: "CASH"}},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := do(t, h, http.MethodPost, "/api/v1/bills", token, tc.req)
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, res.Code, res.Body.String())
			}
			body := decodeBody[errorBody](t, res)
			if body.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, body.Code)
			}
			if body.Retryable {
				t.Fatalf("did not expect retryable error")
			}
		})
	}
}

func TestRunningBillLinkAndCancelBill(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")
	admin := login(t, h, "admin", "admin123")

	rate := 12
	res := do(t, h, http.MethodPost, "/api/v1/bills", cashier, domain.CreateBillRequest{
		Lines: []domain.CartLine{
			{BatchID: "batch-pcm-2401", Quantity: 10},
			{MedicineName: "Special order syrup", Quantity: 2, UnitPricePaise: 8000, TaxRate: &rate},
		},
		Payment: domain.PaymentInput{Mode: "ONLINE", Reference: "UPI-7781"},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create bill: %d %s", res.Code, res.Body.String())
	}
	bill := decodeBody[domain.CreateBillResponse](t, res).Bill

	res = do(t, h, http.MethodGet, "/api/v1/running-bills", cashier, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list running bills: %d", res.Code)
	}
	pending := decodeBody[map[string][]domain.RunningBill](t, res)["running_bills"]
	if len(pending) != 1 || pending[0].BillID != bill.ID {
		t.Fatalf("expected one pending running bill for %s, got %+v", bill.ID, pending)
	}

	res = do(t, h, http.MethodPost, "/api/v1/running-bills/"+pending[0].ID+"/link", cashier, domain.LinkRunningBillRequest{})
	if res.Code != http.StatusOK {
		t.Fatalf("link: %d %s", res.Code, res.Body.String())
	}
	linked := decodeBody[map[string]domain.RunningBill](t, res)["running_bill"]
	if linked.Status != domain.RunningBillStocked || linked.StockDeducted {
		t.Fatalf("unexpected linked running bill: %+v", linked)
	}

	res = do(t, h, http.MethodPost, "/api/v1/running-bills/"+pending[0].ID+"/cancel", cashier, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a resolved running bill, got %d", res.Code)
	}

	res = do(t, h, http.MethodPost, "/api/v1/bills/"+bill.ID+"/cancel", admin, domain.CancelBillRequest{Reason: "wrong patient"})
	if res.Code != http.StatusOK {
		t.Fatalf("cancel bill: %d %s", res.Code, res.Body.String())
	}
	res = do(t, h, http.MethodGet, "/api/v1/stock?medicine_id=med-paracetamol-500", cashier, nil)
	stock := decodeBody[map[string][]domain.StockItem](t, res)["stock"]
	if len(stock) != 1 || stock[0].Quantity != 600 {
		t.Fatalf("expected stock restored to 600, got %+v", stock)
	}
}

func TestCustomerCreditFlow(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")
	admin := login(t, h, "admin", "admin123")

	res := do(t, h, http.MethodPost, "/api/v1/customers", cashier, domain.CustomerCreateRequest{Name: "Lakshmi", Phone: "98450 12345"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create customer: %d %s", res.Code, res.Body.String())
	}
	customer := decodeBody[map[string]domain.Customer](t, res)["customer"]
	if customer.Phone != "+919845012345" {
		t.Fatalf("expected normalised phone, got %q", customer.Phone)
	}

	res = do(t, h, http.MethodPost, "/api/v1/bills", cashier, domain.CreateBillRequest{
		CustomerID: customer.ID,
		Lines:      []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 10}},
		Payment:    domain.PaymentInput{Mode: "CREDIT"},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("credit bill: %d %s", res.Code, res.Body.String())
	}

	res = do(t, h, http.MethodPost, "/api/v1/customers/"+customer.ID+"/payments", cashier, domain.CreditPaymentRequest{AmountPaise: 1200, Mode: "CASH"})
	if res.Code != http.StatusCreated {
		t.Fatalf("payment: %d %s", res.Code, res.Body.String())
	}
	res = do(t, h, http.MethodPost, "/api/v1/customers/"+customer.ID+"/adjustments", cashier, domain.CreditAdjustmentRequest{AmountPaise: -500, Note: "goodwill"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier adjustment to be forbidden, got %d", res.Code)
	}
	res = do(t, h, http.MethodPost, "/api/v1/customers/"+customer.ID+"/adjustments", admin, domain.CreditAdjustmentRequest{AmountPaise: -500, Note: "goodwill"})
	if res.Code != http.StatusCreated {
		t.Fatalf("adjustment: %d %s", res.Code, res.Body.String())
	}

	res = do(t, h, http.MethodGet, "/api/v1/customers/"+customer.ID+"/ledger", cashier, nil)
	ledger := decodeBody[domain.CustomerLedgerResponse](t, res)
	if ledger.Customer.CurrentBalancePaise != 1500 || len(ledger.Entries) != 3 {
		t.Fatalf("unexpected ledger: balance=%d entries=%d", ledger.Customer.CurrentBalancePaise, len(ledger.Entries))
	}

	res = do(t, h, http.MethodGet, "/api/v1/customers/"+customer.ID+"/reconcile", cashier, nil)
	rec := decodeBody[domain.LedgerReconciliation](t, res)
	if !rec.Consistent || rec.FoldedBalancePaise != 1500 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}

func TestAdminCatalogAndSequence(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")

	res := do(t, h, http.MethodPost, "/api/v1/medicines", admin, domain.MedicineCreateRequest{Name: "Cetirizine 10mg", TaxRate: 7})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported tax rate, got %d", res.Code)
	}

	res = do(t, h, http.MethodPost, "/api/v1/medicines", admin, domain.MedicineCreateRequest{Name: "Cetirizine 10mg", TaxRate: 12, ReorderLevel: 10})
	if res.Code != http.StatusCreated {
		t.Fatalf("create medicine: %d %s", res.Code, res.Body.String())
	}
	med := decodeBody[map[string]domain.Medicine](t, res)["medicine"]

	res = do(t, h, http.MethodPost, "/api/v1/medicines/"+med.ID+"/batches", admin, domain.BatchCreateRequest{
		BatchNumber:       "CT01",
		ExpiryDate:        time.Now().AddDate(1, 0, 0),
		SellingPricePaise: 4500,
		PackSize:          10,
		Quantity:          100,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create batch: %d %s", res.Code, res.Body.String())
	}

	res = do(t, h, http.MethodPost, "/api/v1/sequences", admin, domain.OpenFiscalYearRequest{})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for already open year, got %d %s", res.Code, res.Body.String())
	}

	res = do(t, h, http.MethodGet, "/api/v1/audit-logs", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("audit logs: %d", res.Code)
	}
	logs := decodeBody[map[string][]domain.AuditLog](t, res)["audit_logs"]
	if len(logs) < 2 {
		t.Fatalf("expected medicine and batch audit entries, got %d", len(logs))
	}
}
