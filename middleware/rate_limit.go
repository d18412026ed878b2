package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cppla/livedrop/utils"
)

const limiterIdleTTL = 5 * time.Minute

type ipBucket struct {
	limiter *rate.Limiter
	expires time.Time
}

// ResolveLimiter is a per-IP token bucket that slows code guessing on the
// check and download routes. It is unrelated to the upload quota.
type ResolveLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

// NewResolveLimiter allows perMinute requests per IP with a burst of half that.
func NewResolveLimiter(perMinute int, now func() time.Time) *ResolveLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if now == nil {
		now = time.Now
	}
	return &ResolveLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   max(perMinute/2, 1),
		now:     now,
		buckets: map[string]*ipBucket{},
	}
}

// Allow takes one token for ip. When denied it also returns how long until
// the next token is available.
func (l *ResolveLimiter) Allow(ip string) (bool, time.Duration) {
	now := l.now()
	b := l.bucket(ip, now)
	r := b.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Reap drops buckets idle longer than limiterIdleTTL.
func (l *ResolveLimiter) Reap() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.After(b.expires) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

func (l *ResolveLimiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		b.expires = now.Add(limiterIdleTTL)
		return b.limiter
	}
	b := &ipBucket{
		limiter: rate.NewLimiter(l.limit, l.burst),
		expires: now.Add(limiterIdleTTL),
	}
	l.buckets[key] = b
	return b.limiter
}

// RateLimitMiddleware rejects requests once the client IP runs out of tokens.
func RateLimitMiddleware(l *ResolveLimiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ok, wait := l.Allow(ctx.ClientIP())
		if !ok {
			ctx.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			utils.Abort(ctx, http.StatusTooManyRequests, 42902, "too many requests")
			return
		}
		ctx.Next()
	}
}
