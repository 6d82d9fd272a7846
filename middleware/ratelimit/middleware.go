package ratelimit

import (
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

const DefaultMessage = "Too many requests, please try again later."

// DenialHandler escreve a resposta de uma decisão negada.
// Os headers X-RateLimit-* já estão no ResponseWriter quando ele é chamado.
type DenialHandler interface {
	Deny(w http.ResponseWriter, r *http.Request, dec domain.Decision)
}

type DenialHandlerFunc func(w http.ResponseWriter, r *http.Request, dec domain.Decision)

func (f DenialHandlerFunc) Deny(w http.ResponseWriter, r *http.Request, dec domain.Decision) {
	f(w, r, dec)
}

type Options struct {
	Gate *application.Gate

	// KeyFn tem precedência; sem ele usa Extractor (com timeout) ou DefaultKeyFunc.
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	Extractor          KeyExtractor
	ExtractorTimeout   time.Duration

	RejectStatus         int
	Message              string
	OmitRateLimitHeaders bool
	Denial               DenialHandler

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.RejectStatus == 0 {
		o.RejectStatus = http.StatusTooManyRequests
	}
	if o.Message == "" {
		o.Message = DefaultMessage
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.KeyFn == nil {
		if o.Extractor != nil {
			o.KeyFn = KeyResolver{Extractor: o.Extractor, Timeout: o.ExtractorTimeout, Logger: o.Logger}.KeyFunc()
		} else {
			o.KeyFn = DefaultKeyFunc(o.KeyHeader, o.TrustXForwardedFor)
		}
	}
	if o.Denial == nil {
		o.Denial = textDenial{status: o.RejectStatus, message: o.Message}
	}
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Gate == nil {
		panic("ratelimit: Options.Gate is required")
	}
	opts.defaults()

	cfg := opts.Gate.Config
	skip := cfg.SkipSuccessfulRequests || cfg.SkipFailedRequests

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := opts.Gate.Decide(r.Context(), domain.Request{
				Identity:  opts.KeyFn(r),
				Method:    r.Method,
				Path:      r.URL.Path,
				Transport: domain.TransportHTTP,
			})

			if !opts.OmitRateLimitHeaders {
				setRateLimitHeaders(w.Header(), dec)
			}
			if !dec.Allowed() {
				// denylist não expira: não há quando tentar de novo
				if !dec.Permanent {
					w.Header().Set("Retry-After", formatInt(retryAfterSeconds(dec.RetryAfter)))
				}
				opts.Denial.Deny(w, r, dec)
				return
			}

			if !skip {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.Status()
			failed := status >= http.StatusBadRequest
			if (failed && cfg.SkipFailedRequests) || (!failed && cfg.SkipSuccessfulRequests) {
				if err := opts.Gate.Rollback(r.Context(), dec); err != nil {
					opts.Logger.Warn("admission rollback failed",
						zap.String("key", string(dec.Key)),
						zap.Int("status", status),
						zap.Error(err),
					)
				}
			}
		})
	}
}

func setRateLimitHeaders(h http.Header, dec domain.Decision) {
	h.Set("X-RateLimit-Limit", formatInt(dec.Limit))
	h.Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
	if !dec.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", formatUnix(dec.ResetAt))
	}
	if dec.Ban != nil {
		h.Set("X-RateLimit-Ban-Expires", formatUnix(dec.Ban.ExpiresAt))
	}
}

type textDenial struct {
	status  int
	message string
}

func (d textDenial) Deny(w http.ResponseWriter, _ *http.Request, _ domain.Decision) {
	http.Error(w, d.message, d.status)
}

// statusRecorder guarda o status escrito pelo handler seguinte.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Unwrap deixa http.ResponseController chegar em Flush/Hijack do writer original.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
