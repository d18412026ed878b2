package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cppla/livedrop/config"
	"github.com/cppla/livedrop/controllers"
	"github.com/cppla/livedrop/middleware"
	"github.com/cppla/livedrop/ratelimit"
	"github.com/cppla/livedrop/registry"
	"github.com/cppla/livedrop/utils"
)

// Deps are the process-owned components the HTTP layer delegates to.
type Deps struct {
	Config         config.AppConfig
	Registry       *registry.Registry
	Limiter        *ratelimit.Limiter
	Tokens         *utils.TokenService
	ResolveLimiter *middleware.ResolveLimiter
	// HashKey keys the IP digests in the diagnostics snapshot.
	HashKey []byte
	Logger  *zap.Logger
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	// Access log goes to its own rolling file
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err != nil {
		// no access log file configured: share the application logger
		gl = log
	}
	r.Use(utils.Ginzap(gl, time.RFC3339, true))
	r.Use(utils.RecoveryWithZap(gl, false))
	r.Use(middleware.Metrics())

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", middleware.SessionHeader},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	shareController := controllers.NewShareController(d.Registry, d.Tokens, cfg.MaxFileSize, log)
	sessionController := controllers.NewSessionController(d.Registry, d.Tokens, log)
	statsController := controllers.NewStatsController(d.Registry, d.Limiter, d.HashKey, cfg.DiagnosticsEnabled, log)

	api := r.Group("/api/v1")

	// quota is admitted before the body is read
	api.POST("/upload",
		middleware.UploadQuota(d.Limiter),
		middleware.UploadBody(cfg.MaxFileSize),
		middleware.SessionRequired(),
		shareController.Upload,
	)

	shareGroup := api.Group("/share")
	shareGroup.Use(middleware.RateLimitMiddleware(d.ResolveLimiter))
	shareGroup.GET("/:ref", shareController.Check)
	shareGroup.GET("/:ref/download", shareController.Download)

	sessionGroup := api.Group("/session")
	sessionGroup.Use(middleware.SessionRequired())
	sessionGroup.POST("/heartbeat", sessionController.Heartbeat)
	sessionGroup.POST("/teardown", sessionController.Teardown)
	sessionGroup.GET("/objects", sessionController.ListObjects)
	sessionGroup.DELETE("/objects/:id", sessionController.RemoveObject)

	// Diagnostics
	api.GET("/stats", statsController.GetStats)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
	})

	return r
}
