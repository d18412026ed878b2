package main

import (
	"context"
	"crypto/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/livedrop/config"
	"github.com/cppla/livedrop/middleware"
	"github.com/cppla/livedrop/ratelimit"
	"github.com/cppla/livedrop/registry"
	"github.com/cppla/livedrop/routes"
	"github.com/cppla/livedrop/utils"
)

func main() {
	cfg, warnings, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Initialize logger early
	logger, err := utils.InitLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range warnings {
		logger.Warn("config adjusted", zap.String("detail", w))
	}

	key, generated, err := utils.ResolveSigningKey(cfg.TokenSecret)
	if err != nil {
		logger.Fatal("signing key", zap.Error(err))
	}
	if generated {
		logger.Info("using a generated per-process signing key")
	}
	tokens := utils.NewTokenService(key, cfg.TokenTTL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(registry.Options{
		SessionTimeout:  cfg.HeartbeatTimeout,
		MaxSessions:     cfg.MaxSessions,
		MaxObjectSize:   cfg.MaxFileSize,
		MaxCodeAttempts: cfg.MaxCodeAttempts,
		Logger:          logger.Named("registry"),
	})

	var backend ratelimit.Backend = ratelimit.NewMemoryBackend()
	rdb, err := utils.NewRedis(ctx, cfg)
	switch {
	case err != nil:
		logger.Warn("redis unavailable, upload quota kept in memory", zap.Error(err))
	case rdb != nil:
		defer rdb.Close()
		backend = ratelimit.NewRedisBackend(rdb, "")
		logger.Info("upload quota backed by redis", zap.String("host", cfg.RedisHost))
	}
	limiter := ratelimit.New(ratelimit.Options{
		MaxUploads: cfg.UploadsPerWindow,
		Window:     cfg.UploadWindow,
		Backend:    backend,
		Logger:     logger.Named("ratelimit"),
	})
	resolveLimiter := middleware.NewResolveLimiter(cfg.ResolveRatePerMinute, nil)

	hashKey := make([]byte, 32)
	if _, err := rand.Read(hashKey); err != nil {
		logger.Fatal("diagnostics hash key", zap.Error(err))
	}

	// Background expiry and quota reaping
	utils.StartCleaner(ctx, logger, "sweep", cfg.SweepInterval, reg.Sweep)
	utils.StartCleaner(ctx, logger, "quota-reap", cfg.UploadWindow, func() int { return limiter.Reap(ctx) })
	utils.StartCleaner(ctx, logger, "resolve-buckets", time.Minute, resolveLimiter.Reap)

	r := routes.SetupRouter(routes.Deps{
		Config:         cfg,
		Registry:       reg,
		Limiter:        limiter,
		Tokens:         tokens,
		ResolveLimiter: resolveLimiter,
		HashKey:        hashKey,
		Logger:         logger,
	})

	addr := ":" + cfg.AppPort
	if cfg.TLSCertFile != "" {
		utils.Sugar.Infof("Starting HTTPS server on port %s (graceful)", cfg.AppPort)
		err = utils.GraceServerTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile, r, cancel)
	} else {
		utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
		err = utils.GraceServer(addr, r, cancel)
	}
	if err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
