// Package ratelimit enforces a per-source-IP upload quota over a fixed window
// that restarts lazily on the first access after it lapses.
package ratelimit

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Window is the quota state for one IP.
type Window struct {
	Count int
	Start time.Time
}

// Backend stores windows. Implementations must make Increment atomic per IP.
type Backend interface {
	// Get returns the stored window for ip, whether or not it has lapsed.
	Get(ctx context.Context, ip string) (Window, bool, error)
	// Increment adds one upload to ip's window, starting a fresh window at
	// now when none exists or the stored one has lapsed.
	Increment(ctx context.Context, ip string, now time.Time, window time.Duration) (Window, error)
	// Reserve increments ip's window only while its count is below max, as
	// one atomic step. The bool reports whether a unit was taken.
	Reserve(ctx context.Context, ip string, now time.Time, window time.Duration, max int) (Window, bool, error)
	// Release gives back one unit taken from the window that began at start.
	// A window that has since restarted is left alone.
	Release(ctx context.Context, ip string, start time.Time) error
	// Reap drops windows that lapsed before now and reports how many.
	Reap(ctx context.Context, now time.Time, window time.Duration) (int, error)
	// Snapshot copies all stored windows.
	Snapshot(ctx context.Context) (map[string]Window, error)
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Entry is one row of the diagnostic snapshot.
type Entry struct {
	IP      string
	Count   int
	Start   time.Time
	ResetAt time.Time
}

// Options configures a Limiter.
type Options struct {
	MaxUploads int
	Window     time.Duration
	Backend    Backend
	Now        func() time.Time
	Logger     *zap.Logger
}

// Limiter is the upload quota gate. Check never mutates; Record is called once
// per accepted upload, after the object is registered. Concurrent callers use
// Reserve instead, which counts the unit up front and hands it back with
// Release when registration fails. Deleting an object never refunds quota.
type Limiter struct {
	max     int
	window  time.Duration
	backend Backend
	now     func() time.Time
	log     *zap.Logger
}

// New builds a Limiter; a nil backend means in-memory.
func New(opts Options) *Limiter {
	l := &Limiter{
		max:     opts.MaxUploads,
		window:  opts.Window,
		backend: opts.Backend,
		now:     opts.Now,
		log:     opts.Logger,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.backend == nil {
		l.backend = NewMemoryBackend()
	}
	if l.window <= 0 {
		l.window = time.Hour
	}
	return l
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// Check reports whether ip may upload now. Backend failures fail open.
func (l *Limiter) Check(ctx context.Context, ip string) Decision {
	now := l.now()
	w, ok, err := l.backend.Get(ctx, ip)
	if err != nil {
		l.log.Warn("rate limit lookup failed, allowing", zap.Error(err))
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}
	}
	if !ok || l.lapsed(w, now) {
		return Decision{Allowed: l.max > 0, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}
	}
	resetAt := w.Start.Add(l.window)
	if w.Count >= l.max {
		return Decision{Allowed: false, Limit: l.max, Remaining: 0, ResetAt: resetAt}
	}
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max - w.Count, ResetAt: resetAt}
}

// Record consumes one unit of ip's quota.
func (l *Limiter) Record(ctx context.Context, ip string) {
	if _, err := l.backend.Increment(ctx, ip, l.now(), l.window); err != nil {
		l.log.Error("rate limit record failed", zap.Error(err))
	}
}

// Reservation is one unit of quota held by an upload in flight.
type Reservation struct {
	l     *Limiter
	ip    string
	start time.Time
	held  bool
}

// Reserve is Check and Record in one atomic step: when allowed, the unit is
// already counted, so parallel uploads from one IP cannot overshoot the
// quota. Call Release if the upload is not registered after all. Backend
// failures fail open with a reservation that holds nothing.
func (l *Limiter) Reserve(ctx context.Context, ip string) (*Reservation, Decision) {
	now := l.now()
	w, taken, err := l.backend.Reserve(ctx, ip, now, l.window, l.max)
	if err != nil {
		l.log.Warn("rate limit reserve failed, allowing", zap.Error(err))
		return &Reservation{l: l, ip: ip}, Decision{Allowed: true, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}
	}
	resetAt := w.Start.Add(l.window)
	if !taken {
		return &Reservation{l: l, ip: ip}, Decision{Allowed: false, Limit: l.max, Remaining: 0, ResetAt: resetAt}
	}
	return &Reservation{l: l, ip: ip, start: w.Start, held: true},
		Decision{Allowed: true, Limit: l.max, Remaining: max(l.max-w.Count, 0), ResetAt: resetAt}
}

// Release returns the reserved unit. It is a no-op after the first call and
// on reservations that hold nothing.
func (r *Reservation) Release(ctx context.Context) {
	if r == nil || !r.held {
		return
	}
	r.held = false
	if err := r.l.backend.Release(ctx, r.ip, r.start); err != nil {
		r.l.log.Error("rate limit release failed", zap.Error(err))
	}
}

// Reap drops lapsed windows so memory tracks only IPs active within one window.
func (l *Limiter) Reap(ctx context.Context) int {
	n, err := l.backend.Reap(ctx, l.now(), l.window)
	if err != nil {
		l.log.Warn("rate limit reap failed", zap.Error(err))
	}
	return n
}

// Snapshot lists live windows ordered by IP.
func (l *Limiter) Snapshot(ctx context.Context) ([]Entry, error) {
	all, err := l.backend.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := make([]Entry, 0, len(all))
	for ip, w := range all {
		if l.lapsed(w, now) {
			continue
		}
		out = append(out, Entry{IP: ip, Count: w.Count, Start: w.Start, ResetAt: w.Start.Add(l.window)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (l *Limiter) lapsed(w Window, now time.Time) bool {
	return !now.Before(w.Start.Add(l.window))
}
