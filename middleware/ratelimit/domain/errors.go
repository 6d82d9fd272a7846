package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded indica limite total ou por identidade de conexões/requisições.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrRateLimited indica janela estourada; recuperável após ResetAt.
	ErrRateLimited = errors.New("rate limited")
	// ErrBanned indica banimento temporário (ou permanente, via denylist).
	ErrBanned = errors.New("banned")
	// ErrConfiguration é fatal na construção.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrAuthenticationFailed vem do Authenticator externo. Não conta como violação.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrInvariant marca um bug de contagem (ex.: contador negativo). Nunca é "corrigido" em silêncio.
	ErrInvariant = errors.New("admission invariant violated")
)

// ConfigError descreve qual opção está inválida.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ErrorForOutcome traduz um desfecho negado para o sentinel correspondente.
func ErrorForOutcome(o Outcome) error {
	switch o {
	case OutcomeRateLimited:
		return ErrRateLimited
	case OutcomeBanned:
		return ErrBanned
	case OutcomeRejected:
		return ErrCapacityExceeded
	default:
		return nil
	}
}
