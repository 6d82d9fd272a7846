package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// Gate é o AdmissionGate: junta janela, violações e bans numa única decisão.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Ordem por requisição: allowlist, denylist, ban, janela, violação, escalada.
// Os quatro últimos passos rodam dentro de um único Store.Update.
type Gate struct {
	Store  domain.AdmissionStore
	Config domain.Config
	Policy LimitPolicy
	Access domain.AccessList
	Stats  []domain.StatsStore
	Logger *zap.Logger
	// Now permite relógio fixo em testes.
	Now func() time.Time
}

type GateOption func(*Gate)

func WithAccessList(l domain.AccessList) GateOption {
	return func(g *Gate) { g.Access = l }
}

func WithStats(stats ...domain.StatsStore) GateOption {
	return func(g *Gate) { g.Stats = append(g.Stats, stats...) }
}

func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.Logger = l
		}
	}
}

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.Now = now
		}
	}
}

// NewGate valida a configuração (erro fatal na construção) e monta a política de limites.
// Whitelist/Blacklist da configuração viram uma StaticAccessList; WithAccessList soma outra.
func NewGate(cfg domain.Config, store domain.AdmissionStore, opts ...GateOption) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrConfiguration)
	}

	g := &Gate{
		Store:  store,
		Config: cfg,
		Policy: NewLimitPolicy(cfg.MaxRequests, cfg.RouteLimits, cfg.MethodLimits),
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
	var lists domain.AccessLists
	if len(cfg.Whitelist) > 0 || len(cfg.Blacklist) > 0 {
		lists = append(lists, domain.NewStaticAccessList(cfg.Whitelist, cfg.Blacklist))
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.Access != nil {
		lists = append(lists, g.Access)
	}
	if len(lists) > 0 {
		g.Access = lists
	}
	return g, nil
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func (g *Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// Budget é uma janela explícita (chave, limite e duração), fora da política HTTP.
// Usado pelas mensagens WebSocket.
type Budget struct {
	Key    domain.Key
	Limit  int
	Window time.Duration
}

// KeyFor compõe a chave a partir do padrão de rota e do método que definem o limite.
// Paths diferentes sob o mesmo padrão dividem o mesmo contador.
func (g *Gate) KeyFor(req domain.Request) domain.Key {
	return g.budgetFor(req).Key
}

func (g *Gate) budgetFor(req domain.Request) Budget {
	sc := g.Policy.Resolve(req.Path, req.Method)
	return Budget{
		Key:    domain.ComposeKey(req.Identity, sc.Route, sc.Method),
		Limit:  sc.Limit,
		Window: g.Config.Window,
	}
}

func (g *Gate) allowlisted(identity string) bool {
	return g.Access != nil && g.Access.Allowed(identity) && !g.Access.Denied(identity)
}

func (g *Gate) denylisted(identity string) bool {
	return g.Access != nil && g.Access.Denied(identity)
}

// Decide calcula a decisão de admissão e emite o evento para os sinks.
func (g *Gate) Decide(ctx context.Context, req domain.Request) domain.Decision {
	return g.DecideKind(ctx, domain.EventRequest, req)
}

// DecideKind é Decide com o tipo de evento explícito.
func (g *Gate) DecideKind(ctx context.Context, kind domain.EventKind, req domain.Request) domain.Decision {
	dec := g.decide(req)
	g.emit(ctx, kind, req, dec)
	return dec
}

// DecideBudget decide contra um orçamento próprio em vez da política de rotas.
// Allowlist, denylist e auto-ban valem como em Decide.
func (g *Gate) DecideBudget(ctx context.Context, kind domain.EventKind, req domain.Request, b Budget) domain.Decision {
	dec := g.decideBudget(req, b)
	g.emit(ctx, kind, req, dec)
	return dec
}

func (g *Gate) decide(req domain.Request) domain.Decision {
	return g.decideBudget(req, g.budgetFor(req))
}

func (g *Gate) decideBudget(req domain.Request, b Budget) domain.Decision {
	now := g.now()
	key, limit := b.Key, b.Limit

	switch {
	case g.allowlisted(req.Identity):
		return domain.Decision{Outcome: domain.OutcomeAllow, Key: key, Reason: "allowlisted", Limit: limit, Remaining: limit}
	case g.denylisted(req.Identity):
		return domain.Decision{Outcome: domain.OutcomeBanned, Key: key, Reason: "denylisted", Limit: limit, Permanent: true}
	}

	var dec domain.Decision
	g.Store.Update(key, func(st *domain.KeyState) {
		dec = g.evaluate(st, now, limit, b.Window)
	})
	return dec
}

// evaluate roda sob o lock da chave: ban antes de contar, contar antes de violar,
// violar antes de escalar.
func (g *Gate) evaluate(st *domain.KeyState, now time.Time, limit int, window time.Duration) domain.Decision {
	dec := domain.Decision{Key: st.Key, Limit: limit}

	if ban := st.ActiveBan(now); ban != nil {
		b := *ban
		dec.Outcome = domain.OutcomeBanned
		dec.Reason = "banned"
		dec.Ban = &b
		dec.ResetAt = b.ExpiresAt
		dec.RetryAfter = b.ExpiresAt.Sub(now)
		if st.Violation != nil {
			dec.Violations = st.Violation.Count
		}
		return dec
	}

	w := st.EnsureWindow(now)
	res := w.Admit(g.Config.WindowType, now, window, limit)
	dec.Count = res.Count
	dec.ResetAt = res.ResetAt
	dec.Remaining = limit - res.Count
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}

	if res.Allowed {
		dec.Outcome = domain.OutcomeAllow
		dec.AdmittedAt = now
		dec.WindowStart = w.WindowStart
		return dec
	}

	dec.Outcome = domain.OutcomeRateLimited
	dec.Reason = "rate limit exceeded"
	dec.RetryAfter = res.ResetAt.Sub(now)
	dec.Violations = st.RecordViolation(now, 2*window, g.Config.ViolationCap())

	// A chamada que atinge o limiar emite o ban e continua reportando RATE_LIMITED
	// (com Escalated e Ban preenchidos); a próxima requisição já sai BANNED.
	if g.Config.AutoBan.Enabled && dec.Violations >= g.Config.AutoBan.MaxViolations {
		b := *st.Ban(now, g.Config.AutoBan.BanDuration, dec.Violations)
		dec.Escalated = true
		dec.Ban = &b
		dec.RetryAfter = b.ExpiresAt.Sub(now)
	}
	return dec
}

// Rollback desfaz o incremento de uma decisão ALLOW (commit em duas fases: admissão
// provisória, rollback condicional quando o resultado da resposta é conhecido).
// Não reavalia a decisão já entregue ao chamador.
func (g *Gate) Rollback(ctx context.Context, dec domain.Decision) error {
	if !dec.Provisional() {
		return nil
	}

	var err error
	g.Store.Update(dec.Key, func(st *domain.KeyState) {
		if st.Window == nil {
			// janela já despejada pelo janitor: nada para desfazer
			return
		}
		_, err = st.Window.Rollback(g.Config.WindowType, dec.AdmittedAt, dec.WindowStart)
	})
	if errors.Is(err, domain.ErrInvariant) {
		g.logger().DPanic("admission rollback broke a counter invariant",
			zap.String("key", string(dec.Key)),
			zap.Error(err),
		)
	}
	return err
}

// IsBanned consulta o ban sem tocar em contadores.
func (g *Gate) IsBanned(key domain.Key) (domain.BanRecord, bool) {
	now := g.now()
	var (
		ban    domain.BanRecord
		banned bool
	)
	g.Store.Update(key, func(st *domain.KeyState) {
		if b := st.ActiveBan(now); b != nil {
			ban, banned = *b, true
		}
	})
	return ban, banned
}

// Ban emite um ban manual (admin). Sobrescreve um ban existente.
func (g *Gate) Ban(key domain.Key, d time.Duration) domain.BanRecord {
	now := g.now()
	var ban domain.BanRecord
	g.Store.Update(key, func(st *domain.KeyState) {
		violations := 0
		if st.Violation != nil {
			violations = st.Violation.Count
		}
		ban = *st.Ban(now, d, violations)
	})
	g.logger().Info("key banned manually", zap.String("key", string(key)), zap.Time("expires_at", ban.ExpiresAt))
	return ban
}

// Reset apaga janela, violações e ban: a próxima requisição é tratada como a primeira.
func (g *Gate) Reset(key domain.Key) {
	g.Store.Reset(key)
}

// Snapshot devolve o estado atual da chave (ban vencido é descartado).
func (g *Gate) Snapshot(key domain.Key) domain.Snapshot {
	now := g.now()
	var snap domain.Snapshot
	g.Store.Update(key, func(st *domain.KeyState) {
		st.ActiveBan(now)
		if st.Violation != nil {
			st.Violation.Prune(now, g.Config.ViolationHorizon())
		}
		snap = st.Snapshot()
	})
	return snap
}

func (g *Gate) emit(ctx context.Context, kind domain.EventKind, req domain.Request, dec domain.Decision) {
	if len(g.Stats) == 0 {
		return
	}
	ev := domain.StatsEvent{
		Kind:       kind,
		Key:        dec.Key,
		Identity:   req.Identity,
		Outcome:    dec.Outcome,
		Reason:     dec.Reason,
		Method:     req.Method,
		Path:       req.Path,
		Transport:  req.Transport,
		Count:      dec.Count,
		Limit:      dec.Limit,
		Violations: dec.Violations,
		Escalated:  dec.Escalated,
		At:         g.now(),
	}
	if dec.Ban != nil {
		ev.BanExpiresAt = dec.Ban.ExpiresAt
	}
	g.record(ctx, ev)
}

func (g *Gate) record(ctx context.Context, ev domain.StatsEvent) {
	for _, s := range g.Stats {
		if err := s.Record(ctx, ev); err != nil {
			g.logger().Warn("stats sink failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}
