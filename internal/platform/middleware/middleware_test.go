package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newCtx(method, target string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body["success"])
	}
	return body
}

// ---------- RequestID ----------

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/", nil)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}
	_ = RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesUnsafe(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "bad id\nwith newline")

	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if got := rec.Header().Get(RequestIDHeader); got == "" || strings.Contains(got, " ") {
		t.Errorf("expected a generated id, got %q", got)
	}
}

// ---------- Logger ----------

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, _ := newCtx(http.MethodGet, "/api/v1/slots", nil)
	c.Set("request_id", "req-1")

	err := Logger(logger)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["level"] != "info" || line["request_id"] != "req-1" || line["status"].(float64) != 200 {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestLogger_LevelFromStatus(t *testing.T) {
	tests := []struct {
		err   error
		level string
	}{
		{echo.NewHTTPError(http.StatusNotFound, "nope"), "warn"},
		{echo.NewHTTPError(http.StatusServiceUnavailable, "down"), "error"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		c, _ := newCtx(http.MethodGet, "/", nil)
		_ = Logger(zerolog.New(&buf))(func(echo.Context) error { return tt.err })(c)

		var line map[string]interface{}
		_ = json.Unmarshal(buf.Bytes(), &line)
		if line["level"] != tt.level {
			t.Errorf("%v: expected level %s, got %v", tt.err, tt.level, line["level"])
		}
	}
}

// ---------- Recovery ----------

func TestRecovery_CatchesPanic(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/panic", nil)

	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic("test panic")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body["error"] != "InternalError" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/ok", nil)
	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %v / %d", err, rec.Code)
	}
}

// ---------- RequestTimeout ----------

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	c, _ := newCtx(http.MethodGet, "/", nil)
	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_Returns504(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/", nil)
	err := RequestTimeout(10*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body["error"] != "Timeout" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRequestTimeout_KeepsOtherErrors(t *testing.T) {
	c, _ := newCtx(http.MethodGet, "/", nil)
	want := errors.New("boom")
	err := RequestTimeout(time.Second)(func(echo.Context) error { return want })(c)
	if !errors.Is(err, want) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestRequestTimeout_Disabled(t *testing.T) {
	c, _ := newCtx(http.MethodGet, "/", nil)
	_ = RequestTimeout(0)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline when disabled")
		}
		return nil
	})(c)
}

// ---------- RateLimit ----------

func TestRateLimit_WithinBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})
	h := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for i := 0; i < 5; i++ {
		c, rec := newCtx(http.MethodGet, "/", nil)
		if err := h(c); err != nil || rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d (%v)", i+1, rec.Code, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	h := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for i := 0; i < 2; i++ {
		c, _ := newCtx(http.MethodGet, "/", nil)
		_ = h(c)
	}
	c, rec := newCtx(http.MethodGet, "/", nil)
	_ = h(c)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if body := decodeError(t, rec); body["error"] != "RateLimited" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	h := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for _, ip := range []string{"10.0.0.1:1234", "10.0.0.2:1234"} {
		c, rec := newCtx(http.MethodGet, "/", nil)
		c.Request().RemoteAddr = ip
		_ = h(c)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", ip, rec.Code)
		}
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.get("a")
	now = now.Add(2 * time.Minute)
	s.get("b")

	if _, ok := s.clients["a"]; ok {
		t.Error("expected idle client to be evicted")
	}
	if _, ok := s.clients["b"]; !ok {
		t.Error("expected active client to remain")
	}
}

// ---------- BodyLimit ----------

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	c, _ := newCtx(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	err := BodyLimit("1K")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil || string(b) != `{"name":"a"}` {
			t.Errorf("unexpected body %q (%v)", b, err)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	c, rec := newCtx(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	called := false
	_ = BodyLimit("1K")(func(echo.Context) error {
		called = true
		return nil
	})(c)

	if called {
		t.Error("handler should not run")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimit_RejectsWhileReading(t *testing.T) {
	c, _ := newCtx(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	c.Request().ContentLength = -1

	_ = BodyLimit("1K")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected 413 read error, got %v", err)
		}
		return nil
	})(c)
}

// ---------- SecurityHeaders ----------

func TestSecurityHeaders(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/", nil)
	_ = SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
}
