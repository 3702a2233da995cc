package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/token"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultTokenIssuer    = "vendgate"
	defaultTokenTTL       = 10 * time.Minute
	defaultIdempotencyTTL = 10 * time.Minute
	defaultCallerLimit    = 30
	defaultOriginLimit    = 60
	defaultRateWindow     = time.Minute
	defaultSpendCost      = 1
	defaultEngineTimeout  = 30 * time.Second
	defaultEngineRetries  = 3
	defaultEngineBackoff  = 200 * time.Millisecond
	defaultBreakerTrip    = 5
	defaultBreakerRecover = 30 * time.Second
	defaultBreakerProbes  = 2
)

// Config aggregates runtime settings for the gateway.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string

	AdminAPIKey string

	TokenSigningKey string
	TokenIssuer     string
	TokenTTL        time.Duration

	IdempotencyTTL time.Duration

	CallerLimit int
	OriginLimit int
	RateWindow  time.Duration

	SpendCost int64

	EngineBaseURL       string
	EngineSharedSecret  string
	EngineCallTimeout   time.Duration
	EngineMaxRetries    int
	EngineBackoffBase   time.Duration
	EngineOutboundRPS   float64
	EngineOutboundBurst int

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMaxCalls int
}

// Validate applies defaults and reports every missing or invalid field at
// once, so a misconfigured deployment fails at startup rather than
// per-request.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.CallerLimit <= 0 {
		cfg.CallerLimit = defaultCallerLimit
	}
	if cfg.OriginLimit <= 0 {
		cfg.OriginLimit = defaultOriginLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	if cfg.SpendCost <= 0 {
		cfg.SpendCost = defaultSpendCost
	}
	if cfg.EngineCallTimeout <= 0 {
		cfg.EngineCallTimeout = defaultEngineTimeout
	}
	if cfg.EngineMaxRetries < 0 {
		cfg.EngineMaxRetries = defaultEngineRetries
	}
	if cfg.EngineBackoffBase <= 0 {
		cfg.EngineBackoffBase = defaultEngineBackoff
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = defaultBreakerTrip
	}
	if cfg.BreakerRecoveryTimeout <= 0 {
		cfg.BreakerRecoveryTimeout = defaultBreakerRecover
	}
	if cfg.BreakerHalfOpenMaxCalls <= 0 {
		cfg.BreakerHalfOpenMaxCalls = defaultBreakerProbes
	}

	var problems []string
	if strings.TrimSpace(cfg.TokenSigningKey) == "" {
		problems = append(problems, "token signing key is required")
	}
	if strings.TrimSpace(cfg.AdminAPIKey) == "" {
		problems = append(problems, "admin api key is required")
	}
	if strings.TrimSpace(cfg.EngineBaseURL) == "" {
		problems = append(problems, "engine base url is required")
	}
	if strings.TrimSpace(cfg.EngineSharedSecret) == "" {
		problems = append(problems, "engine shared secret is required")
	}
	if cfg.TokenTTL > token.MaxTTL {
		problems = append(problems, fmt.Sprintf("token ttl %s exceeds maximum %s", cfg.TokenTTL, token.MaxTTL))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
