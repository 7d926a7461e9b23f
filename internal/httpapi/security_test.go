package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pharmabill/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	h := newTestAPI(t).Handler()
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		h.ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestAttemptLimiterWindowSlides(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	l := newAttemptLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected first two attempts to pass")
	}
	if l.Allow("a") {
		t.Fatalf("expected third attempt inside window to be refused")
	}
	if !l.Allow("b") {
		t.Fatalf("expected other key to be unaffected")
	}
	now = now.Add(61 * time.Second)
	if !l.Allow("a") {
		t.Fatalf("expected attempt after window to pass")
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bills", strings.NewReader(`{"lines":[],"payment":{"mode":"CASH"},"discount_override":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	h := newTestAPI(t).Handler()
	do(t, h, http.MethodGet, "/healthz", "", nil)

	res := do(t, h, http.MethodGet, "/metrics", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "pharmabill_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}
