package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// newAdminRouter expõe inspeção/ban/reset de chaves, métricas e healthcheck.
// Deve ficar em um listener interno, nunca atrás do proxy público.
func newAdminRouter(gate *application.Gate, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	a := &adminAPI{gate: gate, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/keys/{key}", a.getKey)
		r.Delete("/keys/{key}", a.resetKey)
		r.Post("/bans/{key}", a.banKey)
	})
	return r
}

type adminAPI struct {
	gate *application.Gate
	log  *zap.Logger
}

func (a *adminAPI) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.gate.Snapshot(key))
}

func (a *adminAPI) resetKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	a.gate.Reset(key)
	a.log.Info("key reset via admin api", zap.String("key", string(key)))
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) banKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}

	d := a.gate.Config.AutoBan.BanDuration
	if v := r.URL.Query().Get("duration"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration must be a positive Go duration (e.g. 1h)"})
			return
		}
		d = parsed
	}

	a.gate.Ban(key, d)
	writeJSON(w, http.StatusCreated, a.gate.Snapshot(key))
}

// keyParam decodifica a chave; chaves com escopo de rota trazem \x1f (%1F na URL).
func keyParam(w http.ResponseWriter, r *http.Request) (domain.Key, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key"})
		return "", false
	}
	return domain.Key(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
