package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/livedrop/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestResolveLimiter_Burst(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewResolveLimiter(4, clock.Now)

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow("198.51.100.1")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := l.Allow("198.51.100.1")
	assert.False(t, ok)
	assert.Equal(t, 15*time.Second, wait)

	ok, _ = l.Allow("198.51.100.2")
	assert.True(t, ok, "other IPs have their own bucket")

	clock.Advance(15 * time.Second)
	ok, _ = l.Allow("198.51.100.1")
	assert.True(t, ok)
}

func TestResolveLimiter_Reap(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewResolveLimiter(60, clock.Now)
	l.Allow("a")
	l.Allow("b")

	assert.Equal(t, 0, l.Reap())
	clock.Advance(limiterIdleTTL + time.Second)
	l.Allow("b")
	assert.Equal(t, 1, l.Reap())
}

func TestRateLimitMiddleware(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := gin.New()
	r.GET("/x", RateLimitMiddleware(NewResolveLimiter(2, clock.Now)), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"code":42902`)
}

func TestSessionRequired(t *testing.T) {
	r := gin.New()
	r.POST("/s", SessionRequired(), func(c *gin.Context) {
		c.String(http.StatusOK, SessionID(c))
	})

	tests := []struct {
		name   string
		build  func() *http.Request
		status int
		body   string
	}{
		{
			name: "header",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/s", nil)
				req.Header.Set(SessionHeader, "sess-header-1")
				return req
			},
			status: http.StatusOK,
			body:   "sess-header-1",
		},
		{
			name: "form field",
			build: func() *http.Request {
				form := url.Values{"session_id": {"sess_form_01"}}
				req := httptest.NewRequest(http.MethodPost, "/s", strings.NewReader(form.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
			status: http.StatusOK,
			body:   "sess_form_01",
		},
		{
			name: "query parameter",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/s?session=beacon-0001", nil)
			},
			status: http.StatusOK,
			body:   "beacon-0001",
		},
		{
			name: "header wins",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/s?session=beacon-0001", nil)
				req.Header.Set(SessionHeader, "sess-header-1")
				return req
			},
			status: http.StatusOK,
			body:   "sess-header-1",
		},
		{
			name: "missing",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/s", nil)
			},
			status: http.StatusBadRequest,
			body:   `"code":40011`,
		},
		{
			name: "too short",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/s?session=abc", nil)
			},
			status: http.StatusBadRequest,
			body:   `"code":40012`,
		},
		{
			name: "bad characters",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/s?session=abc%2Fdef%2Fghi", nil)
			},
			status: http.StatusBadRequest,
			body:   `"code":40012`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, tt.build())
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/share/:ref", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/share/K7M2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues("/share/:ref", http.MethodGet, "200")))
	assert.Equal(t, float64(0), testutil.ToFloat64(httpRequests.WithLabelValues("/share/K7M2", http.MethodGet, "200")))
}

func TestUploadQuota_CommitKeepsUnit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.New(ratelimit.Options{MaxUploads: 2, Window: time.Hour, Now: clock.Now})

	r := gin.New()
	r.POST("/up", UploadQuota(l), func(ctx *gin.Context) {
		d, ok := UploadDecision(ctx)
		require.True(t, ok)
		if ctx.Query("fail") != "" {
			ctx.Status(http.StatusBadRequest)
			return
		}
		CommitUpload(ctx)
		ctx.JSON(http.StatusOK, gin.H{"remaining": d.Remaining})
	})
	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "203.0.113.5:5000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, send("/up?fail=1").Code)
	assert.Equal(t, 2, l.Check(context.Background(), "203.0.113.5").Remaining, "failed request gives its unit back")

	w := send("/up")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"remaining":1}`, w.Body.String())
	require.Equal(t, http.StatusOK, send("/up").Code)

	w = send("/up")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"code":42901`)
	assert.Equal(t, 0, l.Check(context.Background(), "203.0.113.5").Remaining)
}

func TestUploadQuota_ReleasedOnPanic(t *testing.T) {
	l := ratelimit.New(ratelimit.Options{MaxUploads: 1, Window: time.Hour})

	r := gin.New()
	r.Use(gin.CustomRecovery(func(ctx *gin.Context, _ any) {
		ctx.AbortWithStatus(http.StatusInternalServerError)
	}))
	r.POST("/up", UploadQuota(l), func(*gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodPost, "/up", nil)
	req.RemoteAddr = "203.0.113.6:5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, l.Check(context.Background(), "203.0.113.6").Remaining)
}
