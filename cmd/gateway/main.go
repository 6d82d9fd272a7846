package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// CLI do gateway. A configuração do motor vem do ambiente (ver config.go).
type CLI struct {
	Serve       ServeCmd       `cmd:"" default:"1" help:"Start the reverse proxy with admission control."`
	CheckConfig CheckConfigCmd `cmd:"" name:"check-config" help:"Validate the environment configuration and exit."`

	EnvFile    string `name:"env-file" help:"Optional .env file loaded before reading the environment." default:".env"`
	AccessList string `name:"access-list" help:"YAML allow/deny list, reloaded on change." type:"path"`
	LogLevel   string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info"`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Reverse proxy with windowed rate limiting and automatic bans."),
		kong.UsageOnError(),
	)

	// arquivo ausente não é erro: o ambiente pode vir todo do processo
	_ = godotenv.Load(cli.EnvFile)

	logger, err := newLogger(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	kctx.FatalIfErrorf(kctx.Run(&cli, logger))
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

type CheckConfigCmd struct{}

func (c *CheckConfigCmd) Run(cli *CLI, logger *zap.Logger) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}
	if cli.AccessList != "" {
		if _, err := infra.LoadFileAccessList(cli.AccessList, logger); err != nil {
			return err
		}
	}
	logEngineConfig(logger, cfg)
	fmt.Println("configuration ok")
	return nil
}

type ServeCmd struct {
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for in-flight requests." default:"10s"`
}

func (c *ServeCmd) Run(cli *CLI, logger *zap.Logger) error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	store := infra.NewStore(cfg.engine, infra.WithLogger(logger.Named("janitor")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promStats, err := infra.NewPrometheusStats(reg, cfg.metricsNamespace)
	if err != nil {
		return err
	}
	if err := promStats.ObserveStore(reg, cfg.metricsNamespace, store); err != nil {
		return err
	}

	sinks := []domain.StatsStore{promStats, infra.NewLogStats(logger.Named("admission"), cfg.logStatsSample)}
	if cfg.rateStatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.rateStatsRedisAddr,
			Password: cfg.rateStatsRedisPassword,
			DB:       cfg.rateStatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis stats ping error: %w", err)
		}

		sinks = append(sinks, infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsResolution(cfg.rateStatsResolution),
			infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
		))
	}

	gateOpts := []application.GateOption{
		application.WithStats(sinks...),
		application.WithGateLogger(logger.Named("gate")),
	}
	var accessList *infra.FileAccessList
	if cli.AccessList != "" {
		accessList, err = infra.LoadFileAccessList(cli.AccessList, logger.Named("access-list"))
		if err != nil {
			return err
		}
		gateOpts = append(gateOpts, application.WithAccessList(accessList))
	}

	gate, err := application.NewGate(cfg.engine, store, gateOpts...)
	if err != nil {
		return err
	}

	h := http.Handler(proxy)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: cfg.concurrencyTimeout,
		Logger:         logger,
	})(h)
	if cfg.rateEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Gate:                 gate,
			KeyHeader:            cfg.rateKeyHeader,
			TrustXForwardedFor:   cfg.trustXFF,
			RejectStatus:         cfg.rejectStatus,
			Message:              cfg.message,
			OmitRateLimitHeaders: !cfg.addHeaders,
			Logger:               logger,
		})(h)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	admin := &http.Server{
		Addr:              cfg.adminAddr,
		Handler:           newAdminRouter(gate, reg, logger.Named("admin")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("admin_addr", cfg.adminAddr),
		zap.Stringer("upstream", target),
	)
	logEngineConfig(logger, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(srv) })
	g.Go(func() error { return listen(admin) })
	g.Go(func() error {
		store.StartJanitor(gctx)
		<-gctx.Done()
		return nil
	})
	if accessList != nil {
		g.Go(func() error { return accessList.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), admin.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}

func logEngineConfig(logger *zap.Logger, cfg config) {
	e := cfg.engine
	logger.Info("admission config",
		zap.Bool("enabled", cfg.rateEnabled),
		zap.Duration("window", e.Window),
		zap.Int("max_requests", e.MaxRequests),
		zap.String("window_type", string(e.WindowType)),
		zap.Int("route_limits", len(e.RouteLimits)),
		zap.Int("method_limits", len(e.MethodLimits)),
		zap.Bool("autoban", e.AutoBan.Enabled),
		zap.Int("autoban_max_violations", e.AutoBan.MaxViolations),
		zap.Duration("autoban_duration", e.AutoBan.BanDuration),
		zap.Int("max_store_size", e.MaxStoreSize),
		zap.String("key_header", cfg.rateKeyHeader),
		zap.Bool("trust_xff", cfg.trustXFF),
	)
	logger.Info("concurrency config",
		zap.Int("max", cfg.concurrencyMax),
		zap.Duration("acquire_timeout", cfg.concurrencyTimeout),
	)
	logger.Info("stats config",
		zap.Bool("redis", cfg.rateStatsEnabled),
		zap.String("redis_addr", cfg.rateStatsRedisAddr),
		zap.Duration("resolution", cfg.rateStatsResolution),
		zap.Duration("ttl", cfg.rateStatsTTL),
		zap.String("metrics_namespace", cfg.metricsNamespace),
	)
}
