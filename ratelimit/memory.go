package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps windows in a map. Increment also reaps lapsed windows
// at most once per window length, so the map stays bounded without a timer.
type MemoryBackend struct {
	mu       sync.Mutex
	windows  map[string]*Window
	lastReap time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: map[string]*Window{}}
}

func (m *MemoryBackend) Get(_ context.Context, ip string) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[ip]
	if !ok {
		return Window{}, false, nil
	}
	return *w, true, nil
}

func (m *MemoryBackend) Increment(_ context.Context, ip string, now time.Time, window time.Duration) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastReap) >= window {
		m.reapLocked(now, window)
	}

	w, ok := m.windows[ip]
	if !ok || !now.Before(w.Start.Add(window)) {
		w = &Window{Start: now}
		m.windows[ip] = w
	}
	w.Count++
	return *w, nil
}

func (m *MemoryBackend) Reserve(_ context.Context, ip string, now time.Time, window time.Duration, max int) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastReap) >= window {
		m.reapLocked(now, window)
	}

	w, ok := m.windows[ip]
	if !ok || !now.Before(w.Start.Add(window)) {
		if max <= 0 {
			return Window{Start: now}, false, nil
		}
		w = &Window{Start: now}
		m.windows[ip] = w
	}
	if w.Count >= max {
		return *w, false, nil
	}
	w.Count++
	return *w, true, nil
}

func (m *MemoryBackend) Release(_ context.Context, ip string, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[ip]; ok && w.Start.Equal(start) && w.Count > 0 {
		w.Count--
	}
	return nil
}

func (m *MemoryBackend) Reap(_ context.Context, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reapLocked(now, window), nil
}

func (m *MemoryBackend) reapLocked(now time.Time, window time.Duration) int {
	m.lastReap = now
	removed := 0
	for ip, w := range m.windows {
		if !now.Before(w.Start.Add(window)) {
			delete(m.windows, ip)
			removed++
		}
	}
	return removed
}

func (m *MemoryBackend) Snapshot(_ context.Context) (map[string]Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Window, len(m.windows))
	for ip, w := range m.windows {
		out[ip] = *w
	}
	return out, nil
}

// Len reports how many windows are tracked, lapsed or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
