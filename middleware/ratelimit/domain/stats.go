package domain

import (
	"context"
	"time"
)

// EventKind distingue decisões de requisição dos eventos de ciclo de vida de conexões.
type EventKind string

const (
	EventRequest         EventKind = "request"
	EventConnect         EventKind = "connect"
	EventMessage         EventKind = "message"
	EventDisconnect      EventKind = "disconnect"
	EventLivenessTimeout EventKind = "liveness_timeout"
)

// StatsEvent representa um evento emitido pelo gate ou pelo registry de conexões.
//
// Method/Path são strings genéricas e podem ser usadas para web, WebSocket, etc.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Prometheus).
type StatsEvent struct {
	Kind     EventKind
	Key      Key
	Identity string
	Outcome  Outcome
	Reason   string

	Method    string
	Path      string
	Transport string

	Count      int
	Limit      int
	Violations int
	Escalated  bool
	// BanExpiresAt é zero quando não há ban.
	BanExpiresAt time.Time

	At time.Time
}

func (e StatsEvent) Allowed() bool { return e.Outcome == OutcomeAllow }

// StatsStore é a estratégia de exportação dos eventos (Redis, Prometheus, log, memória).
//
// O gate trata erro como best-effort: loga e segue, nunca muda a decisão.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
