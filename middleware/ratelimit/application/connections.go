package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConnectionClosed: a conexão já saiu do registry (close ou timeout de liveness).
var ErrConnectionClosed = errors.New("connection closed")

// Terminator derruba o transporte sem handshake de fechamento.
type Terminator interface {
	Terminate()
}

type TerminatorFunc func()

func (f TerminatorFunc) Terminate() { f() }

// ConnectionRecord pertence ao registry; quem chama recebe cópias.
type ConnectionRecord struct {
	ID             string
	Key            domain.Key
	Identity       string
	ConnectTime    time.Time
	LastLivenessAt time.Time
	MessageCount   int64
	BytesIn        int64
	BytesOut       int64
}

type RegistryOptions struct {
	MaxConnections       int
	MaxConnectionsPerKey int
	// LivenessTimeout: sem Ack nesse intervalo a conexão é terminada.
	LivenessTimeout time.Duration
	// MessageLimit/MessageWindow formam a janela de mensagens por identidade,
	// separada da janela HTTP. Zero herda MaxRequests/Window do Gate.
	MessageLimit  int
	MessageWindow time.Duration
	Logger        *zap.Logger
}

// ConnectionRegistry aplica a semântica do Gate a conexões longas: caps de conexão
// no connect, janela de mensagens por identidade e expulsão por falta de liveness.
type ConnectionRegistry struct {
	gate *Gate
	opts RegistryOptions
	log  *zap.Logger

	mu     sync.Mutex
	conns  map[string]*liveConn
	perKey map[domain.Key]int
	closed bool
}

type liveConn struct {
	rec   ConnectionRecord
	term  Terminator
	timer *time.Timer
	// gen invalida disparos antigos do timer depois de Ack/Close.
	gen uint64
}

func NewConnectionRegistry(gate *Gate, opts RegistryOptions) (*ConnectionRegistry, error) {
	if gate == nil {
		return nil, fmt.Errorf("%w: gate is required", domain.ErrConfiguration)
	}
	if opts.MaxConnections < 0 {
		return nil, &domain.ConfigError{Field: "maxConnections", Reason: "must be >= 0"}
	}
	if opts.MaxConnectionsPerKey < 0 {
		return nil, &domain.ConfigError{Field: "maxConnectionsPerKey", Reason: "must be >= 0"}
	}
	if opts.LivenessTimeout < 0 {
		return nil, &domain.ConfigError{Field: "livenessTimeout", Reason: "must be >= 0"}
	}
	if opts.MessageLimit < 0 {
		return nil, &domain.ConfigError{Field: "messageLimit", Reason: "must be >= 0"}
	}
	if opts.MessageWindow < 0 {
		return nil, &domain.ConfigError{Field: "messageWindow", Reason: "must be >= 0"}
	}
	if opts.MessageLimit == 0 {
		opts.MessageLimit = gate.Config.MaxRequests
	}
	if opts.MessageWindow == 0 {
		opts.MessageWindow = gate.Config.Window
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionRegistry{
		gate:   gate,
		opts:   opts,
		log:    log,
		conns:  make(map[string]*liveConn),
		perKey: make(map[domain.Key]int),
	}, nil
}

func (r *ConnectionRegistry) Options() RegistryOptions { return r.opts }

// Admit decide se uma nova conexão entra. Ordem: denylist/ban, cap total, cap por chave.
// O ban é procurado na chave da identidade e na janela de mensagens, então um ban
// por flood de mensagens também barra o próximo connect.
// Identidades na allowlist ignoram ban e cap por chave, mas não o cap total.
func (r *ConnectionRegistry) Admit(ctx context.Context, identity string, term Terminator) (ConnectionRecord, error) {
	key := domain.ComposeKey(identity, "", "")
	now := r.gate.now()
	allowlisted := r.gate.allowlisted(identity)

	reject := func(outcome domain.Outcome, reason string, err error) (ConnectionRecord, error) {
		r.gate.record(ctx, domain.StatsEvent{
			Kind: domain.EventConnect, Key: key, Identity: identity, Outcome: outcome,
			Reason: reason, Transport: domain.TransportWebSocket, At: now,
		})
		return ConnectionRecord{}, err
	}

	if !allowlisted {
		if r.gate.denylisted(identity) {
			return reject(domain.OutcomeBanned, "denylisted", fmt.Errorf("%w: %s is denylisted", domain.ErrBanned, identity))
		}
		for _, k := range []domain.Key{key, domain.MessageKey(identity)} {
			if ban, ok := r.gate.IsBanned(k); ok {
				return reject(domain.OutcomeBanned, "banned",
					fmt.Errorf("%w: until %s", domain.ErrBanned, ban.ExpiresAt.UTC().Format(time.RFC3339)))
			}
		}
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return reject(domain.OutcomeRejected, "registry closed", fmt.Errorf("%w: registry closed", domain.ErrCapacityExceeded))
	case r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections:
		r.mu.Unlock()
		return reject(domain.OutcomeRejected, "max connections",
			fmt.Errorf("%w: %d total connections", domain.ErrCapacityExceeded, r.opts.MaxConnections))
	case !allowlisted && r.opts.MaxConnectionsPerKey > 0 && r.perKey[key] >= r.opts.MaxConnectionsPerKey:
		r.mu.Unlock()
		return reject(domain.OutcomeRejected, "max connections per identity",
			fmt.Errorf("%w: %d connections for %s", domain.ErrCapacityExceeded, r.opts.MaxConnectionsPerKey, identity))
	}

	c := &liveConn{
		rec: ConnectionRecord{
			ID:             uuid.NewString(),
			Key:            key,
			Identity:       identity,
			ConnectTime:    now,
			LastLivenessAt: now,
		},
		term: term,
	}
	r.conns[c.rec.ID] = c
	r.perKey[key]++
	r.armLocked(c)
	rec := c.rec
	r.mu.Unlock()

	r.gate.record(ctx, domain.StatsEvent{
		Kind: domain.EventConnect, Key: key, Identity: identity, Outcome: domain.OutcomeAllow,
		Transport: domain.TransportWebSocket, At: now,
	})
	return rec, nil
}

// armLocked (re)agenda o timer de liveness. Chamar com r.mu retido.
func (r *ConnectionRegistry) armLocked(c *liveConn) {
	if r.opts.LivenessTimeout <= 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	id, gen := c.rec.ID, c.gen
	c.timer = time.AfterFunc(r.opts.LivenessTimeout, func() { r.expire(id, gen) })
}

// releaseLocked libera as vagas total e por chave no mesmo passo. Chamar com r.mu retido.
func (r *ConnectionRegistry) releaseLocked(c *liveConn) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	delete(r.conns, c.rec.ID)
	n := r.perKey[c.rec.Key] - 1
	if n < 0 {
		r.log.DPanic("per-identity connection count went negative", zap.String("key", string(c.rec.Key)))
	}
	if n <= 0 {
		delete(r.perKey, c.rec.Key)
	} else {
		r.perKey[c.rec.Key] = n
	}
}

func (r *ConnectionRegistry) expire(id string, gen uint64) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || c.gen != gen {
		r.mu.Unlock()
		return
	}
	r.releaseLocked(c)
	rec := c.rec
	r.mu.Unlock()

	r.log.Debug("liveness timeout", zap.String("conn_id", id), zap.String("key", string(rec.Key)))
	if c.term != nil {
		c.term.Terminate()
	}
	r.gate.record(context.Background(), domain.StatsEvent{
		Kind: domain.EventLivenessTimeout, Key: rec.Key, Identity: rec.Identity,
		Transport: domain.TransportWebSocket, At: r.gate.now(),
	})
}

// Ack registra a confirmação de liveness (ex.: pong) e rearma o timer.
func (r *ConnectionRegistry) Ack(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.rec.LastLivenessAt = r.gate.now()
	r.armLocked(c)
	return true
}

// Message conta uma mensagem recebida e consulta a janela de mensagens da identidade
// (MessageLimit por MessageWindow), que não consome a cota HTTP.
func (r *ConnectionRegistry) Message(ctx context.Context, id string, size int) (domain.Decision, error) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return domain.Decision{}, ErrConnectionClosed
	}
	c.rec.MessageCount++
	c.rec.BytesIn += int64(size)
	identity := c.rec.Identity
	r.mu.Unlock()

	req := domain.Request{Identity: identity, Transport: domain.TransportWebSocket}
	return r.gate.DecideBudget(ctx, domain.EventMessage, req, Budget{
		Key:    domain.MessageKey(identity),
		Limit:  r.opts.MessageLimit,
		Window: r.opts.MessageWindow,
	}), nil
}

// Sent contabiliza bytes enviados.
func (r *ConnectionRegistry) Sent(id string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.rec.BytesOut += int64(size)
	}
}

// Close remove a conexão e libera as vagas; idempotente.
func (r *ConnectionRegistry) Close(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.releaseLocked(c)
	rec := c.rec
	r.mu.Unlock()

	r.gate.record(context.Background(), domain.StatsEvent{
		Kind: domain.EventDisconnect, Key: rec.Key, Identity: rec.Identity,
		Transport: domain.TransportWebSocket, At: r.gate.now(),
	})
	return true
}

// Shutdown recusa novas conexões e termina as existentes.
func (r *ConnectionRegistry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*liveConn, 0, len(r.conns))
	for _, c := range r.conns {
		r.releaseLocked(c)
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if c.term != nil {
			c.term.Terminate()
		}
	}
}

func (r *ConnectionRegistry) Get(id string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return c.rec, true
}

func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *ConnectionRegistry) CountFor(key domain.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perKey[key]
}
