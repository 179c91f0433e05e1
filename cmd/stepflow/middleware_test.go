package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/ctxkeys"
	"github.com/BaSui01/stepflow/internal/metrics"
)

func okInner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// subjectEcho 将 context 中的调用方标识写入响应体
func subjectEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, _ := ctxkeys.Subject(r.Context())
		_, _ = w.Write([]byte(sub))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okInner()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(okInner(), mark("a"), mark("b"), mark("c")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	h := RequestID()(inner)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	assert.Contains(t, seen, "req-")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-id")
	w = serve(h, r)
	assert.Equal(t, "client-id", seen)
	assert.Equal(t, "client-id", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	h := Recovery(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.False(t, body.Success)
	assert.Equal(t, "INTERNAL", body.Error.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"k1", "k2"}, []string{"/health"}, false, zap.NewNop())(subjectEcho())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTHENTICATION", decodeError(t, w).Error.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
	r.Header.Set("X-API-Key", "k2")
	w = serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api-key:1", w.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
	r.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	// 查询参数未开启
	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/graph?api_key=k1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_QueryParam(t *testing.T) {
	h := APIKeyAuth([]string{"k1"}, nil, true, zap.NewNop())(subjectEcho())
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/research/stream?api_key=k1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api-key:0", w.Body.String())
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "test-secret", Issuer: "stepflow-test"}
	h := JWTAuth(cfg, []string{"/health"}, zaptest.NewLogger(t))(subjectEcho())

	request := func(token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		return serve(h, r)
	}

	valid := signHS256(t, "test-secret", jwt.MapClaims{
		"sub": "alice",
		"iss": "stepflow-test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	w := request(valid)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, request("").Code)
	assert.Equal(t, http.StatusUnauthorized, request("not-a-token").Code)

	wrongSecret := signHS256(t, "other", jwt.MapClaims{"sub": "alice", "iss": "stepflow-test"})
	assert.Equal(t, http.StatusUnauthorized, request(wrongSecret).Code)

	wrongIssuer := signHS256(t, "test-secret", jwt.MapClaims{"sub": "alice", "iss": "someone-else"})
	assert.Equal(t, http.StatusUnauthorized, request(wrongIssuer).Code)

	expired := signHS256(t, "test-secret", jwt.MapClaims{
		"sub": "alice",
		"iss": "stepflow-test",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusUnauthorized, request(expired).Code)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestJWTAuth_RejectsNoneAlgorithm(t *testing.T) {
	h := JWTAuth(config.JWTConfig{Secret: "s"}, nil, zap.NewNop())(okInner())
	// alg=none 的令牌必须被拒绝
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 0.001, 2, zap.NewNop())(okInner())

	fromIP := func(ip string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = ip + ":1234"
		return serve(h, r).Code
	}
	assert.Equal(t, http.StatusOK, fromIP("10.0.0.1"))
	assert.Equal(t, http.StatusOK, fromIP("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, fromIP("10.0.0.1"))
	// 不同 IP 互不影响
	assert.Equal(t, http.StatusOK, fromIP("10.0.0.2"))
}

func TestRateLimiter_KeyedBySubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 0.001, 1, zap.NewNop())(okInner())

	asSubject := func(sub string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(ctxkeys.WithSubject(r.Context(), sub))
		return serve(h, r).Code
	}
	assert.Equal(t, http.StatusOK, asSubject("alice"))
	assert.Equal(t, http.StatusTooManyRequests, asSubject("alice"))
	// 同一 IP 下的其他调用方仍有配额
	assert.Equal(t, http.StatusOK, asSubject("bob"))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.org"})(okInner())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://app.example.org")
	w := serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://app.example.org")
	assert.Equal(t, http.StatusNoContent, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://evil.example.org")
	w = serve(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example.org")
	w = serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())
	h := MetricsMiddleware(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/runs/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/runs/00000000-0000-0000-0000-000000000000", nil))

	expected := `
# HELP test_http_requests_total Total number of HTTP requests
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",path="/api/v1/runs/:id",status="404"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_requests_total"))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/research", "/api/v1/research"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/1b4e28ba-2fa1-11d2-883f-0016d3cca427", "/api/v1/runs/:id"},
		{"/api/v1/runs/12345", "/api/v1/runs/:id"},
		{"/api/v1/runs/deadbeefcafe", "/api/v1/runs/:id"},
		{"/api/v1/unknown", "/api/v1/unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := newStatusRecorder(w)
	assert.Same(t, rec, newStatusRecorder(rec))

	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusTeapot)
	n, err := rec.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, http.StatusAccepted, rec.statusCode)
	assert.Equal(t, int64(3), rec.bytesWritten)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, w, rec.Unwrap())

	// httptest.ResponseRecorder 不支持 Hijack
	_, _, err = rec.Hijack()
	assert.Error(t, err)
}
