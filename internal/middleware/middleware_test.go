package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"mailwarm/backend/internal/monitoring"
)

func newEngine(metrics *monitoring.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics(), SecurityHeaders(), RequestLogger(nil), BodySizeLimit(16))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	r.POST("/echo", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestMiddlewareChain(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	r := newEngine(metrics)

	t.Run("记录请求指标并添加安全头", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/ok", "200")))
	})

	t.Run("panic 转为 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicsTotal))
	})

	t.Run("请求体过大", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 64))))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
