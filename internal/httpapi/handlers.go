package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pharmabill/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.service.Ping(ctx); err != nil {
		a.log.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInactiveAccount) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBillRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateBill(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.GetBill(r.Context(), chi.URLParam(r, "billID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleGetBillByNumber(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.GetBillByNumber(r.Context(), chi.URLParam(r, "billNumber"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleCancelBill(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelBillRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bill, err := a.service.CancelBill(r.Context(), chi.URLParam(r, "billID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleSalesReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.SalesReturnRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ret, err := a.service.ProcessReturn(r.Context(), chi.URLParam(r, "billID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
}

func (a *API) handleCreateMedicine(w http.ResponseWriter, r *http.Request) {
	var req domain.MedicineCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	med, err := a.service.CreateMedicine(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"medicine": med})
}

func (a *API) handleListMedicines(w http.ResponseWriter, r *http.Request) {
	medicines, err := a.service.ListMedicines(r.Context(), parseBool(r.URL.Query().Get("include_inactive")))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"medicines": medicines})
}

func (a *API) handleDeactivateMedicine(w http.ResponseWriter, r *http.Request) {
	med, err := a.service.DeactivateMedicine(r.Context(), chi.URLParam(r, "medicineID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"medicine": med})
}

func (a *API) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	batch, err := a.service.CreateBatch(r.Context(), chi.URLParam(r, "medicineID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
}

func (a *API) handleListStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := a.service.ListStock(r.Context(), q.Get("medicine_id"), parseBool(q.Get("in_stock")))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock": items})
}

func (a *API) handleStockAlerts(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.StockAlerts(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleListRunningBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bills, err := a.service.ListRunningBills(r.Context(), q.Get("status"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running_bills": bills})
}

func (a *API) handleLinkRunningBill(w http.ResponseWriter, r *http.Request) {
	var req domain.LinkRunningBillRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rb, err := a.service.LinkRunningBillToStock(r.Context(), chi.URLParam(r, "runningBillID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running_bill": rb})
}

func (a *API) handleCancelRunningBill(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelRunningBillRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rb, err := a.service.CancelRunningBill(r.Context(), chi.URLParam(r, "runningBillID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running_bill": rb})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.ListCustomers(r.Context(), parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.GetCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleCustomerLedger(w http.ResponseWriter, r *http.Request) {
	ledger, err := a.service.CustomerLedger(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (a *API) handleCreditPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.CreditPaymentRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.RecordCreditPayment(r.Context(), chi.URLParam(r, "customerID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleCreditAdjustment(w http.ResponseWriter, r *http.Request) {
	var req domain.CreditAdjustmentRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.RecordCreditAdjustment(r.Context(), chi.URLParam(r, "customerID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleReconcileCustomer(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.ReconcileCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleOpenFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenFiscalYearRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	seq, created, err := a.service.OpenFiscalYear(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"sequence": seq, "created": created})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("date"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
