package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AppConfig holds environment driven configuration values.
// The token secret has no default in code; without one a per-process key is generated.
type AppConfig struct {
	AppPort        string
	AllowedOrigins []string
	// HTTPS is served when both are set
	TLSCertFile string
	TLSKeyFile  string
	// Gin framework configuration
	GinMode string
	GinPath string
	// Share lifecycle
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	MaxSessions      int
	MaxFileSize      int64
	MaxCodeAttempts  int
	// Upload quota per source IP
	UploadsPerWindow int
	UploadWindow     time.Duration
	// Token bucket on check/download routes
	ResolveRatePerMinute int
	// Access tokens
	TokenSecret         string
	TokenSecretRequired bool
	TokenTTL            time.Duration
	DiagnosticsEnabled  bool
	// Redis for shared upload quota windows (optional)
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// Defaults.
const (
	DefaultHeartbeatTimeout     = 30 * time.Second
	DefaultSweepInterval        = 10 * time.Second
	DefaultMaxSessions          = 1000
	DefaultMaxFileSize          = int64(100 << 20)
	DefaultMaxCodeAttempts      = 100
	DefaultUploadsPerWindow     = 20
	DefaultUploadWindow         = time.Hour
	DefaultResolveRatePerMinute = 60
	DefaultTokenTTL             = time.Hour
)

// Load reads config/config.json (if present), fills defaults and applies
// environment overrides. The returned warnings are non-fatal adjustments
// worth logging once a logger exists.
func Load() (AppConfig, []string, error) {
	return LoadFrom(filepath.Join("config", "config.json"))
}

// LoadFrom is Load with an explicit JSON path.
// Precedence: JSON file -> defaults for zero values -> environment overrides.
func LoadFrom(path string) (AppConfig, []string, error) {
	cfg := AppConfig{DiagnosticsEnabled: true}
	if err := loadJSONConfig(path, &cfg); err != nil {
		return AppConfig{}, nil, fmt.Errorf("config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return AppConfig{}, nil, err
	}
	warnings, err := validate(&cfg)
	if err != nil {
		return AppConfig{}, nil, err
	}
	return cfg, warnings, nil
}

// loadJSONConfig reads grouped sections into out. A missing file is not an error.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	var raw map[string]map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	if app, ok := raw["app"]; ok {
		out.AppPort = getString(app, "Port")
		out.AllowedOrigins = getStringSlice(app, "AllowedOrigins")
		out.TLSCertFile = getString(app, "TLSCertFile")
		out.TLSKeyFile = getString(app, "TLSKeyFile")
		if b, ok := app["DiagnosticsEnabled"].(bool); ok {
			out.DiagnosticsEnabled = b
		}
	}
	if g, ok := raw["gin"]; ok {
		out.GinMode = getString(g, "Mode")
		out.GinPath = getString(g, "LogPath")
	}
	if sh, ok := raw["share"]; ok {
		if out.HeartbeatTimeout, err = getDuration(sh, "HeartbeatTimeout"); err != nil {
			return err
		}
		if out.SweepInterval, err = getDuration(sh, "SweepInterval"); err != nil {
			return err
		}
		out.MaxSessions = getInt(sh, "MaxSessions")
		out.MaxFileSize = int64(getInt(sh, "MaxFileSize"))
		out.MaxCodeAttempts = getInt(sh, "MaxCodeAttempts")
	}
	if rl, ok := raw["ratelimit"]; ok {
		out.UploadsPerWindow = getInt(rl, "UploadsPerWindow")
		if out.UploadWindow, err = getDuration(rl, "Window"); err != nil {
			return err
		}
		out.ResolveRatePerMinute = getInt(rl, "ResolvePerMinute")
	}
	if tk, ok := raw["token"]; ok {
		out.TokenSecret = getString(tk, "Secret")
		out.TokenSecretRequired = getBool(tk, "SecretRequired")
		if out.TokenTTL, err = getDuration(tk, "TTL"); err != nil {
			return err
		}
	}
	if rds, ok := raw["redis"]; ok {
		out.RedisHost = getString(rds, "Host")
		out.RedisPort = getInt(rds, "Port")
		out.RedisDB = getInt(rds, "DB")
		out.RedisPassword = getString(rds, "Password")
	}
	if lg, ok := raw["log"]; ok {
		out.LogLevel = getString(lg, "Level")
		out.LogPath = getString(lg, "Path")
		out.LogMaxSizeMB = getInt(lg, "MaxSizeMB")
		out.LogMaxBackups = getInt(lg, "MaxBackups")
		out.LogMaxAgeDays = getInt(lg, "MaxAgeDays")
		out.LogCompress = getBool(lg, "Compress")
	}
	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "8080"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxCodeAttempts == 0 {
		c.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if c.UploadsPerWindow == 0 {
		c.UploadsPerWindow = DefaultUploadsPerWindow
	}
	if c.UploadWindow == 0 {
		c.UploadWindow = DefaultUploadWindow
	}
	if c.ResolveRatePerMinute == 0 {
		c.ResolveRatePerMinute = DefaultResolveRatePerMinute
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogPath == "" {
		c.LogPath = "logs/app.log"
	}
}

// applyEnvOverrides lets environment variables win over file and defaults.
func applyEnvOverrides(c *AppConfig) error {
	c.AppPort = getEnv("APP_PORT", c.AppPort)
	c.GinMode = getEnv("GIN_MODE", c.GinMode)
	c.GinPath = getEnv("GIN_LOG_PATH", c.GinPath)
	c.TLSCertFile = getEnv("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = getEnv("TLS_KEY_FILE", c.TLSKeyFile)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	c.TokenSecret = getEnv("JWT_SECRET", c.TokenSecret)
	c.TokenSecret = getEnv("TOKEN_SECRET", c.TokenSecret)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPath = getEnv("LOG_PATH", c.LogPath)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout},
		{"SWEEP_INTERVAL", &c.SweepInterval},
		{"RATE_LIMIT_WINDOW", &c.UploadWindow},
		{"TOKEN_TTL", &c.TokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_SESSIONS", &c.MaxSessions},
		{"MAX_CODE_ATTEMPTS", &c.MaxCodeAttempts},
		{"RATE_LIMIT_MAX_UPLOADS", &c.UploadsPerWindow},
		{"RESOLVE_RATE_PER_MINUTE", &c.ResolveRatePerMinute},
		{"REDIS_PORT", &c.RedisPort},
		{"REDIS_DB", &c.RedisDB},
		{"LOG_MAX_SIZE_MB", &c.LogMaxSizeMB},
		{"LOG_MAX_BACKUPS", &c.LogMaxBackups},
		{"LOG_MAX_AGE_DAYS", &c.LogMaxAgeDays},
	}
	for _, i := range ints {
		if *i.dst, err = envInt(i.key, *i.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		c.MaxFileSize = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"TOKEN_SECRET_REQUIRED", &c.TokenSecretRequired},
		{"DIAGNOSTICS_ENABLED", &c.DiagnosticsEnabled},
		{"LOG_COMPRESS", &c.LogCompress},
	}
	for _, b := range bools {
		if *b.dst, err = envBool(b.key, *b.dst); err != nil {
			return err
		}
	}
	return nil
}

func validate(c *AppConfig) ([]string, error) {
	var warnings []string
	switch {
	case c.HeartbeatTimeout <= 0:
		return nil, errors.New("HEARTBEAT_TIMEOUT must be positive")
	case c.SweepInterval <= 0:
		return nil, errors.New("SWEEP_INTERVAL must be positive")
	case c.UploadWindow <= 0:
		return nil, errors.New("RATE_LIMIT_WINDOW must be positive")
	case c.TokenTTL <= 0:
		return nil, errors.New("TOKEN_TTL must be positive")
	case c.MaxSessions <= 0:
		return nil, errors.New("MAX_SESSIONS must be positive")
	case c.MaxFileSize <= 0:
		return nil, errors.New("MAX_FILE_SIZE must be positive")
	case c.MaxCodeAttempts <= 0:
		return nil, errors.New("MAX_CODE_ATTEMPTS must be positive")
	case c.UploadsPerWindow <= 0:
		return nil, errors.New("RATE_LIMIT_MAX_UPLOADS must be positive")
	case c.ResolveRatePerMinute <= 0:
		return nil, errors.New("RESOLVE_RATE_PER_MINUTE must be positive")
	case (c.TLSCertFile == "") != (c.TLSKeyFile == ""):
		return nil, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	// stale objects must be caught well before two timeouts pass
	if c.SweepInterval >= c.HeartbeatTimeout {
		adjusted := c.HeartbeatTimeout / 2
		warnings = append(warnings, fmt.Sprintf("sweep interval %s is not shorter than heartbeat timeout %s; using %s",
			c.SweepInterval, c.HeartbeatTimeout, adjusted))
		c.SweepInterval = adjusted
	}
	if c.TokenSecret == "" && !c.TokenSecretRequired {
		warnings = append(warnings, "TOKEN_SECRET is not set; tokens will not verify after a restart")
	}
	if c.TokenSecret == "" && c.TokenSecretRequired {
		return nil, errors.New("TOKEN_SECRET must be set when TOKEN_SECRET_REQUIRED is true")
	}
	return warnings, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := parseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// parseDuration accepts "30s"-style strings or bare integers meaning seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getInt(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getStringSlice(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	res := make([]string, 0, len(arr))
	for _, it := range arr {
		if s, ok := it.(string); ok {
			res = append(res, s)
		}
	}
	return res
}

// getDuration reads either a duration string or a number of seconds.
func getDuration(m map[string]any, key string) (time.Duration, error) {
	switch v := m[key].(type) {
	case string:
		d, err := parseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return 0, nil
}
