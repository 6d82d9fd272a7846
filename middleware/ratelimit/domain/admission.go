package domain

import (
	"strings"
	"time"
)

type Key string

// UnknownKey é usado quando a identidade não pôde ser resolvida.
const UnknownKey = "unknown"

// keySeparator (ASCII unit separator) não aparece em IPs, paths nem métodos.
const keySeparator = "\x1f"

// MessageScope separa o orçamento de mensagens WebSocket do orçamento HTTP da mesma identidade.
const MessageScope = "#ws-message"

// ComposeKey monta a chave de admissão a partir do escopo que produziu o limite:
// o padrão de rota casado (nunca o path cru) e o método, quando há limite por método.
// Sem escopo, a chave é a própria identidade.
func ComposeKey(identity, route, method string) Key {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = UnknownKey
	}
	if route == "" && method == "" {
		return Key(identity)
	}
	return Key(identity + keySeparator + route + keySeparator + strings.ToUpper(method))
}

// MessageKey é a chave da janela de mensagens de uma identidade.
func MessageKey(identity string) Key { return ComposeKey(identity, MessageScope, "") }

// Outcome é o estado terminal de uma decisão de admissão.
type Outcome string

const (
	OutcomeAllow       Outcome = "allow"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeBanned      Outcome = "banned"
	// OutcomeRejected cobre capacidade e autenticação (conexões WebSocket / concorrência HTTP).
	OutcomeRejected Outcome = "rejected"
)

// Request é o que o gate precisa saber de uma requisição ou mensagem.
// Method/Path são strings genéricas (HTTP, WebSocket, etc.).
type Request struct {
	Identity  string
	Method    string
	Path      string
	Transport string
}

const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

// Decision é o resultado de uma checagem de admissão.
//
// RATE_LIMITED e BANNED são desfechos normais, não erros.
type Decision struct {
	Outcome Outcome
	Key     Key
	Reason  string

	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	RetryAfter time.Duration

	Violations int
	// Escalated indica que esta chamada emitiu o ban.
	Escalated bool
	// Ban é uma cópia do banimento ativo (nil quando não há).
	Ban *BanRecord
	// Permanent indica bloqueio por denylist (sem expiração).
	Permanent bool

	// AdmittedAt e WindowStart permitem o rollback de uma admissão provisória.
	AdmittedAt  time.Time
	WindowStart time.Time
}

func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Provisional indica que a decisão incrementou contadores e pode ser revertida.
func (d Decision) Provisional() bool {
	return d.Outcome == OutcomeAllow && !d.AdmittedAt.IsZero()
}
