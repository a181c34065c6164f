package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"llm-toolfix/core"
	"llm-toolfix/core/locator"
	"llm-toolfix/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestEngine(t *testing.T, limiter *IPRateLimiter, withDB bool) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := core.DefaultConfig()
	cfg.Admin.Token = "admin-secret"

	var db *gorm.DB
	if withDB {
		var err error
		db, err = gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
			&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		require.NoError(t, err)
		require.NoError(t, models.AutoMigrate(db))
	}

	interceptor := core.NewInterceptor(locator.Default(), log)
	engine := gin.New()
	setupRoutes(engine, cfg, interceptor, core.NewHookHandler(interceptor, nil, log), nil, limiter, db, log)
	return engine, db
}

func TestHealthAndRoot(t *testing.T) {
	engine, _ := setupTestEngine(t, NewIPRateLimiter(0, 0), false)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, []string{"kwargs.tools", "complete_input", "system_message"}, health.Locations)
	assert.False(t, health.ProxyMode)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "/v1/chat/completions", "proxy route hidden without upstream")
}

func TestHookRouteWired(t *testing.T) {
	engine, _ := setupTestEngine(t, NewIPRateLimiter(0, 0), false)

	body := `{"kwargs":{"tools":[{"type":"function","function":{"name":"f","parameters":{"type":["null","integer"]}}}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/tool-fixer", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"kwargs":{"tools":[{"type":"function","function":{"name":"f","parameters":{"type":"integer"}}}]}}`, w.Body.String())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAuth(t *testing.T) {
	engine, db := setupTestEngine(t, NewIPRateLimiter(0, 0), true)
	db.Create(&models.LocationStats{Location: "kwargs.tools", Matches: 3, ToolsFixed: 5, LastSeenAt: time.Now()})

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer admin-secret") }, http.StatusOK},
		{"api key header", func(r *http.Request) { r.Header.Set("x-api-key", "admin-secret") }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=admin-secret" }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"tools_fixed":5`)

	req = httptest.NewRequest(http.MethodGet, "/admin/logs?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesAbsentWithoutDB(t *testing.T) {
	engine, _ := setupTestEngine(t, NewIPRateLimiter(0, 0), false)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	engine, _ := setupTestEngine(t, NewIPRateLimiter(rate.Limit(1), 2), false)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/schema/simplify", bytes.NewBufferString(`{"type":"string"}`))
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPRateLimiter_DisabledWhenZero(t *testing.T) {
	assert.False(t, NewIPRateLimiter(0, 0).Enabled())

	l := NewIPRateLimiter(rate.Limit(5), 1)
	assert.True(t, l.Enabled())
	assert.Same(t, l.GetLimiter("1.2.3.4"), l.GetLimiter("1.2.3.4"))
}

func postHook(engine *gin.Engine) int {
	body := `{"kwargs":{"tools":[{"type":"function","function":{"name":"f","parameters":{"type":["null","integer"]}}}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/tool-fixer", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w.Code
}

func TestHookNeverRateLimited_DefaultConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	limiter := NewIPRateLimiter(rate.Limit(cfg.Limit.RPS), cfg.Limit.Burst)
	assert.False(t, limiter.Enabled(), "hooks are called once per LLM request, no limit by default")

	engine, _ := setupTestEngine(t, limiter, false)

	codes := map[int]int{}
	for i := 0; i < 4*cfg.Limit.Burst; i++ {
		codes[postHook(engine)]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 4 * cfg.Limit.Burst}, codes)
}

func TestHookBypassesConfiguredLimiter(t *testing.T) {
	engine, _ := setupTestEngine(t, NewIPRateLimiter(rate.Limit(1), 1), false)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, postHook(engine), "request %d", i)
	}

	// 限流仍作用于 schema 接口
	first := httptest.NewRecorder()
	engine.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/schema/simplify", bytes.NewBufferString(`{"type":"string"}`)))
	second := httptest.NewRecorder()
	engine.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/schema/simplify", bytes.NewBufferString(`{"type":"string"}`)))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
