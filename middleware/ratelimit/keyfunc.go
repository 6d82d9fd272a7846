package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// KeyFunc extrai a identidade do cliente de uma requisição.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc: header configurado, primeiro IP do X-Forwarded-For (se confiável),
// host do RemoteAddr e, por último, "unknown".
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return domain.UnknownKey
	}
}

// KeyExtractor é a estratégia externa de identidade (ex.: id de usuário autenticado).
type KeyExtractor interface {
	ExtractKey(ctx context.Context, r *http.Request) (string, error)
}

type KeyExtractorFunc func(ctx context.Context, r *http.Request) (string, error)

func (f KeyExtractorFunc) ExtractKey(ctx context.Context, r *http.Request) (string, error) {
	return f(ctx, r)
}

const DefaultExtractorTimeout = 100 * time.Millisecond

var errEmptyKey = errors.New("extractor returned empty key")

// KeyResolver roda o KeyExtractor com timeout. Erro, timeout, panic ou chave vazia
// caem para "unknown": a requisição nunca falha por causa do extractor.
type KeyResolver struct {
	Extractor KeyExtractor
	Timeout   time.Duration
	Logger    *zap.Logger
}

func (kr KeyResolver) KeyFunc() KeyFunc {
	return kr.Resolve
}

func (kr KeyResolver) Resolve(r *http.Request) string {
	if kr.Extractor == nil {
		return domain.UnknownKey
	}
	timeout := kr.Timeout
	if timeout <= 0 {
		timeout = DefaultExtractorTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	type result struct {
		key string
		err error
	}
	// buffer de 1: o extractor atrasado não fica preso depois do timeout
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("extractor panic: %v", p)}
			}
		}()
		k, err := kr.Extractor.ExtractKey(ctx, r)
		done <- result{key: strings.TrimSpace(k), err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err == nil && res.key == "" {
		res.err = errEmptyKey
	}
	if res.err != nil {
		if kr.Logger != nil {
			kr.Logger.Warn("key extractor failed, using fallback key", zap.Error(res.err))
		}
		return domain.UnknownKey
	}
	return res.key
}
