package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	// Exemplo: motor embutido direto no webserver (sem proxy), HTTP + WebSocket.
	// Também serve de upstream para testar o cmd/gateway (GET /showTela).
	cfg := domain.DefaultConfig()
	cfg.Window = 10 * time.Second
	cfg.MaxRequests = 5
	cfg.RouteLimits = map[string]int{"/showTela": 3}
	cfg.AutoBan = domain.AutoBanConfig{Enabled: true, MaxViolations: 3, BanDuration: time.Minute}
	cfg.CleanupInterval = 30 * time.Second
	cfg.SkipFailedRequests = true

	store := infra.NewStore(cfg, infra.WithLogger(logger.Named("janitor")))
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))
	gate, err := application.NewGate(cfg, store,
		application.WithStats(stats, infra.NewLogStats(logger.Named("admission"), time.Second)),
		application.WithGateLogger(logger.Named("gate")),
	)
	if err != nil {
		logger.Fatal("invalid admission config", zap.Error(err))
	}

	registry, err := application.NewConnectionRegistry(gate, application.RegistryOptions{
		MaxConnections:       100,
		MaxConnectionsPerKey: 3,
		LivenessTimeout:      30 * time.Second,
		MessageLimit:         20,
		MessageWindow:        time.Second,
		Logger:               logger.Named("ws"),
	})
	if err != nil {
		logger.Fatal("invalid registry config", zap.Error(err))
	}
	defer registry.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	limited := chi.NewRouter()
	limited.Use(ratelimit.Middleware(ratelimit.Options{
		Gate:               gate,
		KeyHeader:          "X-Api-Key", // ou vazio para usar IP
		TrustXForwardedFor: true,
		Logger:             logger,
	}))
	limited.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, AcquireTimeout: time.Second}))
	limited.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	limited.Get("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>"))
	})
	// falhas não contam para o limite (SkipFailedRequests)
	limited.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "falha simulada", http.StatusInternalServerError)
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Handle("/ws", ratelimit.WebSocketHandler(ratelimit.WebSocketOptions{
		Registry:  registry,
		KeyHeader: "X-Api-Key",
		ReadLimit: 64 << 10,
		Upgrader:  &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		OnMessage: func(ctx context.Context, c *ratelimit.WSConn, mt int, data []byte) error {
			return c.Write(mt, data)
		},
		Logger: logger.Named("ws"),
	}))
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":       stats.Total(),
			"by_route":    stats.ByRoute(),
			"connections": registry.Count(),
			"store_size":  store.Len(),
		})
	})
	r.Mount("/", limited)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		registry.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
