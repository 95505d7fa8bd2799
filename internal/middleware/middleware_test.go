package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcall-backend/pkg/jwt"
	"teamcall-backend/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", time.Minute)
	token, err := manager.GenerateToken("u1", "Ada")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", AuthMiddleware(manager), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("user_id")+"/"+c.GetString("display_name"))
	})

	tests := []struct {
		name   string
		path   string
		header string
		status int
		code   string
	}{
		{"query token", "/me?token=" + token, "", http.StatusOK, ""},
		{"bearer header", "/me", "Bearer " + token, http.StatusOK, ""},
		{"missing token", "/me", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"malformed header", "/me", "Token " + token, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"invalid token", "/me?token=garbage", "", http.StatusUnauthorized, "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "u1/Ada", w.Body.String())
			} else {
				assert.Equal(t, tt.code, errorCode(t, w))
			}
		})
	}
}

func TestRateLimiter_CountsLocallyWithoutRedis(t *testing.T) {
	rl := NewRateLimiter(nil, "test", 2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, remaining, _ := rl.Allow(context.Background(), "u1")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, _, _ = rl.Allow(context.Background(), "u1")
	assert.True(t, ok)

	ok, remaining, reset := rl.Allow(context.Background(), "u1")
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC), reset)

	ok, _, _ = rl.Allow(context.Background(), "u2")
	assert.True(t, ok, "limits are per identifier")

	now = now.Add(time.Minute)
	ok, _, _ = rl.Allow(context.Background(), "u1")
	assert.True(t, ok, "a new window starts fresh")
}

func TestRateLimiter_Middleware(t *testing.T) {
	r := gin.New()
	r.GET("/x", NewRateLimiter(nil, "test", 1, time.Minute).Middleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	first := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	second := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, second))
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	allowed := httptest.NewRequest(http.MethodGet, "/x", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	w := serve(r, allowed)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	denied := httptest.NewRequest(http.MethodGet, "/x", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, serve(r, denied).Code)

	preflight := httptest.NewRequest(http.MethodOptions, "/x", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, serve(r, preflight).Code)

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestHealthCheck(t *testing.T) {
	healthy := gin.New()
	healthy.Use(HealthCheck("relay", map[string]func() error{"redis": func() error { return nil }}))
	w := serve(healthy, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	degraded := gin.New()
	degraded.Use(HealthCheck("relay", map[string]func() error{"redis": func() error { return errors.New("down") }}))
	w = serve(degraded, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}

func TestRequestLogger_SetsRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "abc")
	assert.Equal(t, "abc", serve(r, req).Header().Get("X-Request-ID"))
}

func TestMetricsHandler(t *testing.T) {
	m := metrics.NewMetrics("test")
	r := gin.New()
	r.Use(NewPrometheusMiddleware(m).Handler())
	r.GET("/metrics", MetricsHandler(m))

	serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	w := serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
