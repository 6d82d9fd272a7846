package infra

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogStats loga eventos relevantes: escaladas e bans sempre, rate-limited por amostragem
// (uma flood não pode virar uma flood de log).
type LogStats struct {
	logger  *zap.Logger
	limited *rate.Sometimes
}

func NewLogStats(logger *zap.Logger, sampleEvery time.Duration) *LogStats {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampleEvery <= 0 {
		sampleEvery = time.Second
	}
	return &LogStats{
		logger:  logger,
		limited: &rate.Sometimes{First: 1, Interval: sampleEvery},
	}
}

func (s *LogStats) Record(_ context.Context, ev domain.StatsEvent) error {
	fields := []zap.Field{
		zap.String("key", string(ev.Key)),
		zap.String("transport", ev.Transport),
		zap.String("kind", string(ev.Kind)),
	}
	if ev.Method != "" {
		fields = append(fields, zap.String("method", ev.Method), zap.String("path", ev.Path))
	}

	switch {
	case ev.Escalated:
		s.logger.Warn("key banned after repeated violations", append(fields,
			zap.Int("violations", ev.Violations),
			zap.Time("ban_expires_at", ev.BanExpiresAt),
		)...)
	case ev.Kind == domain.EventLivenessTimeout:
		s.logger.Info("connection terminated by liveness timeout", fields...)
	case ev.Outcome == domain.OutcomeBanned:
		s.limited.Do(func() {
			s.logger.Info("banned key rejected", append(fields, zap.String("reason", ev.Reason))...)
		})
	case ev.Outcome == domain.OutcomeRateLimited, ev.Outcome == domain.OutcomeRejected:
		s.limited.Do(func() {
			s.logger.Info("admission denied", append(fields,
				zap.String("outcome", string(ev.Outcome)),
				zap.String("reason", ev.Reason),
				zap.Int("count", ev.Count),
				zap.Int("limit", ev.Limit),
			)...)
		})
	default:
		if ce := s.logger.Check(zap.DebugLevel, "admission event"); ce != nil {
			ce.Write(append(fields, zap.String("outcome", string(ev.Outcome)))...)
		}
	}
	return nil
}
