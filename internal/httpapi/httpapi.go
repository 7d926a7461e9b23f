package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"pharmabill/backend/internal/billing"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/metrics"
	"pharmabill/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	validate      *validator.Validate
	log           logrus.FieldLogger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		log:           logger.WithField("component", "http"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
		MaxAge:         300,
	}).Handler)
	r.Use(securityHeaders)
	r.Use(limitBody)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))
			admin := r.With(a.requireAuth(domain.RoleAdmin))

			r.Post("/bills", a.handleCreateBill)
			r.Get("/bills/{billID}", a.handleGetBill)
			r.Get("/bills/number/{billNumber}", a.handleGetBillByNumber)
			admin.Post("/bills/{billID}/cancel", a.handleCancelBill)
			r.Post("/bills/{billID}/returns", a.handleSalesReturn)

			admin.Post("/medicines", a.handleCreateMedicine)
			r.Get("/medicines", a.handleListMedicines)
			admin.Post("/medicines/{medicineID}/deactivate", a.handleDeactivateMedicine)
			admin.Post("/medicines/{medicineID}/batches", a.handleCreateBatch)
			r.Get("/stock", a.handleListStock)
			r.Get("/stock/alerts", a.handleStockAlerts)

			r.Get("/running-bills", a.handleListRunningBills)
			r.Post("/running-bills/{runningBillID}/link", a.handleLinkRunningBill)
			r.Post("/running-bills/{runningBillID}/cancel", a.handleCancelRunningBill)

			r.Post("/customers", a.handleCreateCustomer)
			r.Get("/customers", a.handleListCustomers)
			r.Get("/customers/{customerID}", a.handleGetCustomer)
			r.Get("/customers/{customerID}/ledger", a.handleCustomerLedger)
			r.Post("/customers/{customerID}/payments", a.handleCreditPayment)
			admin.Post("/customers/{customerID}/adjustments", a.handleCreditAdjustment)
			r.Get("/customers/{customerID}/reconcile", a.handleReconcileCustomer)

			admin.Post("/sequences", a.handleOpenFiscalYear)
			admin.Get("/audit-logs", a.handleAuditLogs)
		})
	})

	return r
}

// requireAuth rejects requests without a valid bearer token whose role is
// in roles, and attaches the actor to the request context.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// observe records request metrics under the matched route pattern and
// writes one access log line per request.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(startedAt)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON body into dest and validates it. An empty body is
// treated as an empty object so optional payloads may be omitted.
func (a *API) decode(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return a.validate.Struct(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	code := strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps a service or billing failure onto a status and a
// stable error code. Storage failures are logged and masked.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrForbidden) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error(), Code: "FORBIDDEN"})
		return
	}

	body := errorBody{Error: err.Error(), Code: billing.Code(err), Retryable: billing.Retryable(err)}
	status := http.StatusInternalServerError
	switch billing.KindOf(err) {
	case billing.KindValidation:
		status = http.StatusBadRequest
	case billing.KindConflict:
		status = http.StatusConflict
	case billing.KindNotFound:
		status = http.StatusNotFound
	case billing.KindSetup:
		status = http.StatusServiceUnavailable
	case billing.KindStorage:
		if body.Retryable {
			status = http.StatusServiceUnavailable
		}
		a.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		body.Error = "storage unavailable"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
