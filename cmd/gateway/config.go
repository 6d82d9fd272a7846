package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

type config struct {
	listenAddr  string
	adminAddr   string
	upstreamURL string

	engine domain.Config

	rateEnabled   bool
	rateKeyHeader string
	trustXFF      bool
	rejectStatus  int
	message       string
	addHeaders    bool

	concurrencyMax     int
	concurrencyTimeout time.Duration

	metricsNamespace string
	logStatsSample   time.Duration

	rateStatsEnabled       bool
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsResolution    time.Duration
	rateStatsTrackKeys     bool
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.adminAddr = getenvDefault("ADMIN_ADDR", ":9090")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")

	engine, err := readEngineConfig()
	if err != nil {
		return config{}, err
	}
	cfg.engine = engine

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.rateKeyHeader = os.Getenv("RATE_KEY_HEADER")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.rejectStatus = getenvIntDefault("RATE_REJECT_STATUS", http.StatusTooManyRequests)
	cfg.message = getenvDefault("RATE_MESSAGE", "Too many requests, please try again later.")
	cfg.addHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", true)
	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.metricsNamespace = getenvDefault("METRICS_NAMESPACE", "gateway")
	cfg.logStatsSample = getenvDurationDefault("LOG_STATS_SAMPLE", time.Second)

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", "")
	cfg.rateStatsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.rateStatsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "admission:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsResolution = getenvDurationDefault("RATE_STATS_RESOLUTION", time.Minute)
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.rejectStatus < 400 || cfg.rejectStatus > 599 {
		return config{}, errors.New("RATE_REJECT_STATUS must be a 4xx or 5xx status")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	return cfg, nil
}

// readEngineConfig monta domain.Config a partir do ambiente; o que não vier usa os defaults.
func readEngineConfig() (domain.Config, error) {
	def := domain.DefaultConfig()
	cfg := def

	cfg.Window = getenvDurationDefault("RATE_WINDOW", def.Window)
	cfg.MaxRequests = getenvIntDefault("RATE_MAX_REQUESTS", def.MaxRequests)

	wt, err := domain.ParseWindowType(getenvDefault("RATE_WINDOW_TYPE", string(def.WindowType)))
	if err != nil {
		return domain.Config{}, err
	}
	cfg.WindowType = wt

	if cfg.RouteLimits, err = parseLimits(os.Getenv("RATE_ROUTE_LIMITS")); err != nil {
		return domain.Config{}, fmt.Errorf("RATE_ROUTE_LIMITS: %w", err)
	}
	if cfg.MethodLimits, err = parseLimits(os.Getenv("RATE_METHOD_LIMITS")); err != nil {
		return domain.Config{}, fmt.Errorf("RATE_METHOD_LIMITS: %w", err)
	}

	cfg.AutoBan.Enabled = getenvBoolDefault("AUTOBAN_ENABLED", def.AutoBan.Enabled)
	cfg.AutoBan.MaxViolations = getenvIntDefault("AUTOBAN_MAX_VIOLATIONS", def.AutoBan.MaxViolations)
	cfg.AutoBan.BanDuration = getenvDurationDefault("AUTOBAN_BAN_DURATION", def.AutoBan.BanDuration)

	cfg.CleanupInterval = getenvDurationDefault("RATE_CLEANUP_INTERVAL", def.CleanupInterval)
	cfg.MaxStoreSize = getenvIntDefault("RATE_MAX_STORE_SIZE", def.MaxStoreSize)
	cfg.IdleMultiple = getenvIntDefault("RATE_IDLE_MULTIPLE", def.IdleMultiple)

	cfg.Whitelist = splitList(os.Getenv("RATE_WHITELIST"))
	cfg.Blacklist = splitList(os.Getenv("RATE_BLACKLIST"))
	cfg.SkipSuccessfulRequests = getenvBoolDefault("RATE_SKIP_SUCCESSFUL", false)
	cfg.SkipFailedRequests = getenvBoolDefault("RATE_SKIP_FAILED", false)

	if err := cfg.Validate(); err != nil {
		return domain.Config{}, err
	}
	return cfg, nil
}

// parseLimits lê "pattern=limit" separados por vírgula (ex.: "/api/*=10,/login=5").
func parseLimits(s string) (map[string]int, error) {
	entries := splitList(s)
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid entry %q, want pattern=limit", e)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid limit in %q: %w", e, err)
		}
		out[k] = n
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
