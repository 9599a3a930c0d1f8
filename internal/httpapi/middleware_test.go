package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
)

func TestRateLimitExceeded(t *testing.T) {
	api := &API{logger: zap.NewNop()}
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := api.requestID(NewRateLimiter(1, 1, false).Middleware(base))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rr2.Header().Get("Retry-After"))
	}

	var body errorBody
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body.Code != "rate_limited" || body.RequestID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", rr3.Code)
	}
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, 1, false)
	l.now = func() time.Time { return now }

	if !l.Allow("a") {
		t.Fatal("first request should pass")
	}
	now = now.Add(limiterTTL + limiterSweepEvery + time.Second)
	if !l.Allow("b") {
		t.Fatal("first request for b should pass")
	}
	l.mu.Lock()
	_, kept := l.buckets["a"]
	l.mu.Unlock()
	if kept {
		t.Fatal("idle bucket was not swept")
	}
}

func TestClientIPHonoursProxyOnlyWhenTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.9" {
		t.Fatalf("untrusted proxy: got %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Fatalf("trusted proxy: got %q", got)
	}
}

func TestRequestIDAndAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	api := &API{logger: zap.New(core)}

	var seenID, seenAddr string
	handler := api.requestID(api.accessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = audit.RequestIDFromContext(r.Context())
		seenAddr = audit.SourceAddrFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	req.Header.Set(requestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seenID != "req-123" || rr.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seenID, rr.Header().Get(requestIDHeader))
	}
	if seenAddr != "192.0.2.10" {
		t.Fatalf("unexpected source addr %q", seenAddr)
	}

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-123" || fields["status"] != int64(http.StatusAccepted) || fields["path"] != "/v1/me" {
		t.Fatalf("unexpected log fields: %v", fields)
	}

	long := httptest.NewRequest(http.MethodGet, "/", nil)
	long.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDBytes+1))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, long)
	if got := rr.Header().Get(requestIDHeader); got == "" || len(got) > maxRequestIDBytes {
		t.Fatalf("oversized request id should be replaced, got %q", got)
	}
}

func TestMaxBodyBytesRejectsLargeBodies(t *testing.T) {
	api := &API{logger: zap.NewNop()}
	handler := MaxBodyBytes(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !api.decodeJSON(w, r, &req) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"email":"someone@agrivet.test","password":"long enough"}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestDecodeJSONRejectsUnknownAndTrailingData(t *testing.T) {
	api := &API{logger: zap.NewNop()}
	for name, body := range map[string]string{
		"unknown field": `{"email":"a@b.c","password":"x","admin":true}`,
		"trailing data": `{"email":"a@b.c","password":"x"} {}`,
		"empty":         ``,
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			var req loginRequest
			if api.decodeJSON(rr, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body)), &req) {
				t.Fatal("expected decode failure")
			}
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		err    error
	}{
		{"", "", auth.ErrMissingToken},
		{"Bearer abc", "abc", nil},
		{"bearer   abc  ", "abc", nil},
		{"Bearer ", "", auth.ErrMissingToken},
		{"Basic abc", "", auth.ErrInvalidToken},
		{"Bear", "", auth.ErrInvalidToken},
	}
	for _, tc := range cases {
		token, err := extractBearerToken(tc.header)
		if !errors.Is(err, tc.err) || token != tc.token {
			t.Fatalf("header %q: got (%q, %v), want (%q, %v)", tc.header, token, err, tc.token, tc.err)
		}
	}
}
