package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed     int64
	RateLimited int64
	Banned      int64
	Rejected    int64
	Escalations int64
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch ev.Outcome {
	case domain.OutcomeAllow:
		c.Allowed++
	case domain.OutcomeRateLimited:
		c.RateLimited++
	case domain.OutcomeBanned:
		c.Banned++
	case domain.OutcomeRejected:
		c.Rejected++
	}
	if ev.Escalated {
		c.Escalations++
	}
}

// Denied soma todos os desfechos negados.
func (c Counters) Denied() int64 { return c.RateLimited + c.Banned + c.Rejected }

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes, desenvolvimento e para o endpoint de admin.
//
// Não faz expiração: com trackKeys ligado, a cardinalidade cresce com as chaves vistas.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters
	byKind  map[domain.EventKind]int64

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
		byKind:  make(map[domain.EventKind]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byKind[ev.Kind]++
	if ev.Outcome == "" {
		// eventos de ciclo de vida (disconnect, timeout) não têm desfecho
		return nil
	}

	s.total.add(ev)

	route := ev.Method + " " + ev.Path
	c := s.byRoute[route]
	c.add(ev)
	s.byRoute[route] = c

	if s.trackKeys {
		key := string(ev.Key)
		k := s.byKey[key]
		k.add(ev)
		s.byKey[key] = k
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) Kind(k domain.EventKind) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKind[k]
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}
