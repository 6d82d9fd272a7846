package infra

import (
	"context"
	"fmt"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStats traduz eventos em métricas de baixa cardinalidade
// (sem key nem path como label).
type PrometheusStats struct {
	decisions   *prometheus.CounterVec
	escalations prometheus.Counter
	connections prometheus.Gauge
	timeouts    prometheus.Counter
}

func NewPrometheusStats(reg prometheus.Registerer, namespace string) (*PrometheusStats, error) {
	p := &PrometheusStats{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by transport, event kind and outcome.",
		}, []string{"transport", "kind", "outcome"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_ban_escalations_total",
			Help:      "Violations escalated into temporary bans.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Live WebSocket connections admitted by the registry.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_liveness_timeouts_total",
			Help:      "Connections terminated for missing liveness acknowledgments.",
		}),
	}

	for _, c := range []prometheus.Collector{p.decisions, p.escalations, p.connections, p.timeouts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register admission metric: %w", err)
		}
	}
	return p, nil
}

// ObserveStore expõe tamanho do store e bans como gauges calculados na coleta.
func (p *PrometheusStats) ObserveStore(reg prometheus.Registerer, namespace string, s *Store) error {
	size := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_store_windows",
		Help:      "Window records currently held by the admission store.",
	}, func() float64 { return float64(s.Len()) })
	bans := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_store_bans",
		Help:      "Ban records currently held by the admission store.",
	}, func() float64 { return float64(s.Bans()) })

	for _, c := range []prometheus.Collector{size, bans} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register store metric: %w", err)
		}
	}
	return nil
}

func (p *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	switch ev.Kind {
	case domain.EventDisconnect:
		p.connections.Dec()
		return nil
	case domain.EventLivenessTimeout:
		p.connections.Dec()
		p.timeouts.Inc()
		return nil
	case domain.EventConnect:
		if ev.Outcome == domain.OutcomeAllow {
			p.connections.Inc()
		}
	}

	p.decisions.WithLabelValues(ev.Transport, string(ev.Kind), string(ev.Outcome)).Inc()
	if ev.Escalated {
		p.escalations.Inc()
	}
	return nil
}
