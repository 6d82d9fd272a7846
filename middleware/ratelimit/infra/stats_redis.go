package infra

import (
	"context"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore exporta as decisões para Redis, para dashboards fora do processo.
// Nada é lido de volta para decidir admissão.
//
// Layout (P = prefixo):
//
//	P:decisions            HASH  "<transport>:<kind>:<outcome>" -> total acumulado
//	P:series:<unix>        HASH  "<transport>:<outcome>" -> total no intervalo (expira em ttl)
//	P:denials:route        HASH  "<METHOD> <path>" -> negações por rota
//	P:bans                 ZSET  chave -> expiração do ban (unix ms); expirados são podados
//	P:key:<chave>          HASH  desfecho -> total, "violations" -> última contagem (expira em ttl)
type RedisStatsStore struct {
	rdb *redis.Client

	prefix string
	ttl    time.Duration
	// resolution é o tamanho do intervalo de P:series; zero desliga a série.
	resolution time.Duration
	trackKeys  bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ": "); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsResolution(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.resolution = d }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:        rdb,
		prefix:     "admission:stats",
		ttl:        24 * time.Hour,
		resolution: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Record manda todos os comandos de um evento num único pipeline.
func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	transport := ev.Transport
	if transport == "" {
		transport = "-"
	}
	outcome := string(ev.Outcome)
	if outcome == "" {
		outcome = "none"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.key("decisions"), transport+":"+string(ev.Kind)+":"+outcome, 1)

	if s.resolution > 0 {
		series := s.key("series", strconv.FormatInt(at.Truncate(s.resolution).Unix(), 10))
		pipe.HIncrBy(ctx, series, transport+":"+outcome, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, series, s.ttl)
		}
	}

	denied := ev.Outcome == domain.OutcomeRateLimited || ev.Outcome == domain.OutcomeBanned
	if route := strings.TrimSpace(strings.ToUpper(ev.Method) + " " + ev.Path); denied && route != "" {
		pipe.HIncrBy(ctx, s.key("denials", "route"), route, 1)
	}

	if ev.Escalated && !ev.BanExpiresAt.IsZero() {
		bans := s.key("bans")
		pipe.ZAdd(ctx, bans, redis.Z{Score: float64(ev.BanExpiresAt.UnixMilli()), Member: string(ev.Key)})
		pipe.ZRemRangeByScore(ctx, bans, "-inf", "("+strconv.FormatInt(at.UnixMilli(), 10))
	}

	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		perKey := s.key("key", k)
		pipe.HIncrBy(ctx, perKey, outcome, 1)
		if ev.Violations > 0 {
			pipe.HSet(ctx, perKey, "violations", ev.Violations)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, perKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
