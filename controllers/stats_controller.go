package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/livedrop/ratelimit"
	"github.com/cppla/livedrop/registry"
	"github.com/cppla/livedrop/utils"
)

// StatsController exposes the read-only diagnostics view.
type StatsController struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	hashKey  []byte
	enabled  bool
	started  time.Time
	log      *zap.Logger
}

// NewStatsController creates a new StatsController instance. IPs in the quota
// snapshot are hashed with hashKey.
func NewStatsController(reg *registry.Registry, limiter *ratelimit.Limiter, hashKey []byte, enabled bool, log *zap.Logger) *StatsController {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatsController{registry: reg, limiter: limiter, hashKey: hashKey, enabled: enabled, started: time.Now(), log: log}
}

type quotaEntry struct {
	IPHash      string `json:"ip_hash"`
	Count       int    `json:"count"`
	WindowStart int64  `json:"window_start"`
	ResetAt     int64  `json:"reset_at"`
}

// GetStats returns registry counters and the live quota windows.
func (s *StatsController) GetStats(ctx *gin.Context) {
	if !s.enabled {
		utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
		return
	}
	stats := s.registry.Stats()

	windows := []quotaEntry{}
	entries, err := s.limiter.Snapshot(ctx.Request.Context())
	if err != nil {
		// Fallback to an empty list instead of failing the whole endpoint
		s.log.Warn("quota snapshot failed", zap.Error(err))
	}
	for _, e := range entries {
		windows = append(windows, quotaEntry{
			IPHash:      utils.HashIP(s.hashKey, e.IP),
			Count:       e.Count,
			WindowStart: e.Start.UnixMilli(),
			ResetAt:     e.ResetAt.UnixMilli(),
		})
	}

	utils.Success(ctx, gin.H{
		"object_count":   stats.ObjectCount,
		"session_count":  stats.SessionCount,
		"total_bytes":    stats.TotalBytes,
		"quota_windows":  windows,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
