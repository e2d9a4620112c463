package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(l *TokenBucket) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func hit(r http.Handler, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestTokenBucket_PerClientBurst(t *testing.T) {
	clock := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	l := NewTokenBucket(1, 2)
	l.now = func() time.Time { return clock }
	r := newLimitedRouter(l)

	assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.2"), "buckets are per client")

	clock = clock.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.1"), "one token refilled")
}

func TestTokenBucket_SweepsIdleClients(t *testing.T) {
	clock := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	l := NewTokenBucket(1, 0)
	l.now = func() time.Time { return clock }
	assert.Equal(t, 1, l.burst)

	l.limiter("old")
	clock = clock.Add(time.Hour)
	l.lookups = 999
	l.limiter("new")

	_, old := l.clients["old"]
	_, fresh := l.clients["new"]
	assert.False(t, old)
	assert.True(t, fresh)
}
