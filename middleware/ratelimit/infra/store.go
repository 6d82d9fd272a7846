package infra

import (
	"sort"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const shardCount = 64

// evictionTarget: sob pressão de capacidade o janitor reduz o store a 80% do limite.
const evictionTarget = 0.8

// Store é o AdmissionStore em memória: janelas, violações e bans por chave,
// particionados em shards (xxhash da chave) com um mutex cada.
//
// Requisições para a mesma chave serializam no shard; chaves diferentes em shards
// diferentes seguem em paralelo.
type Store struct {
	shards [shardCount]shard

	idleTTL      time.Duration
	horizon      time.Duration
	maxSize      int
	cleanupEvery time.Duration

	logger *zap.Logger
	now    func() time.Time
}

type shard struct {
	mu         sync.Mutex
	windows    map[domain.Key]*domain.WindowRecord
	violations map[domain.Key]*domain.ViolationRecord
	bans       map[domain.Key]*domain.BanRecord
}

type StoreOption func(*Store)

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

func WithMaxSize(n int) StoreOption {
	return func(s *Store) { s.maxSize = n }
}

func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock troca a fonte de tempo usada pelo janitor (testes).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(cfg domain.Config, opts ...StoreOption) *Store {
	s := &Store{
		idleTTL:      cfg.IdleTTL(),
		horizon:      cfg.ViolationHorizon(),
		maxSize:      cfg.MaxStoreSize,
		cleanupEvery: cfg.CleanupInterval,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for i := range s.shards {
		s.shards[i].windows = make(map[domain.Key]*domain.WindowRecord)
		s.shards[i].violations = make(map[domain.Key]*domain.ViolationRecord)
		s.shards[i].bans = make(map[domain.Key]*domain.BanRecord)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }
func (s *Store) MaxSize() int                { return s.maxSize }

func (s *Store) shardFor(key domain.Key) *shard {
	return &s.shards[xxhash.Sum64String(string(key))%shardCount]
}

// Update implementa domain.AdmissionStore.
func (s *Store) Update(key domain.Key, fn func(st *domain.KeyState)) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := &domain.KeyState{
		Key:       key,
		Window:    sh.windows[key],
		Violation: sh.violations[key],
		BanRecord: sh.bans[key],
	}
	fn(st)
	sh.commit(st)
}

func (sh *shard) commit(st *domain.KeyState) {
	if st.Window != nil {
		sh.windows[st.Key] = st.Window
	} else {
		delete(sh.windows, st.Key)
	}
	if st.Violation != nil && st.Violation.Count > 0 {
		sh.violations[st.Key] = st.Violation
	} else {
		delete(sh.violations, st.Key)
	}
	if st.BanRecord != nil {
		sh.bans[st.Key] = st.BanRecord
	} else {
		delete(sh.bans, st.Key)
	}
}

// Reset apaga janela, violações e ban da chave de uma vez.
func (s *Store) Reset(key domain.Key) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.windows, key)
	delete(sh.violations, key)
	delete(sh.bans, key)
}

// Len é o número de WindowRecords (o tamanho considerado pelo limite de capacidade).
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Bans é o número de bans registrados (inclui vencidos ainda não varridos).
func (s *Store) Bans() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.bans)
		sh.mu.Unlock()
	}
	return n
}

// protected: chave com ban ativo ou violações pendentes não é despejada. Chamar com o lock do shard.
func (sh *shard) protected(key domain.Key, now time.Time, horizon time.Duration) bool {
	if b, ok := sh.bans[key]; ok && !b.Expired(now) {
		return true
	}
	v, ok := sh.violations[key]
	return ok && v.Prune(now, horizon) > 0
}

type SweepReport struct {
	ExpiredWindows    int
	ExpiredBans       int
	PrunedViolations  int
	Evicted           int
	Size              int
	EvictionTriggered bool
}

// Sweep é uma passada do janitor:
//
//  1. bans vencidos são apagados;
//  2. violações fora do horizonte são podadas e registros vazios apagados;
//  3. janelas sem atividade há mais de idleTTL são apagadas;
//  4. acima de maxSize, janelas são despejadas por FirstSeen crescente até 80% da capacidade.
//
// Chaves com ban ativo ou violações pendentes nunca são despejadas nos passos 3 e 4.
func (s *Store) Sweep(now time.Time) SweepReport {
	var rep SweepReport

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.bans {
			if b.Expired(now) {
				delete(sh.bans, k)
				rep.ExpiredBans++
			}
		}
		for k, v := range sh.violations {
			if v.Prune(now, s.horizon) == 0 {
				delete(sh.violations, k)
				rep.PrunedViolations++
			}
		}
		for k, w := range sh.windows {
			if now.Sub(w.LastSeen) > s.idleTTL && !sh.protected(k, now, s.horizon) {
				delete(sh.windows, k)
				rep.ExpiredWindows++
			}
		}
		rep.Size += len(sh.windows)
		sh.mu.Unlock()
	}

	if s.maxSize > 0 && rep.Size > s.maxSize {
		rep.EvictionTriggered = true
		rep.Evicted = s.evict(now, rep.Size)
		rep.Size -= rep.Evicted
	}
	return rep
}

type evictionCandidate struct {
	key       domain.Key
	firstSeen time.Time
}

// evict trabalha sobre um snapshot dos candidatos e revalida cada um sob o lock do
// shard antes de apagar: uma chave que ganhou violação ou foi resetada nesse meio tempo fica.
func (s *Store) evict(now time.Time, size int) int {
	target := int(float64(s.maxSize) * evictionTarget)

	var candidates []evictionCandidate
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, w := range sh.windows {
			if !sh.protected(k, now, s.horizon) {
				candidates = append(candidates, evictionCandidate{key: k, firstSeen: w.FirstSeen})
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].firstSeen.Equal(candidates[j].firstSeen) {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].firstSeen.Before(candidates[j].firstSeen)
	})

	evicted := 0
	for _, c := range candidates {
		if size-evicted <= target {
			break
		}
		sh := s.shardFor(c.key)
		sh.mu.Lock()
		w, ok := sh.windows[c.key]
		if ok && w.FirstSeen.Equal(c.firstSeen) && !sh.protected(c.key, now, s.horizon) {
			delete(sh.windows, c.key)
			evicted++
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Cleanup roda uma passada com o relógio do store e loga o resultado.
func (s *Store) Cleanup() SweepReport {
	rep := s.Sweep(s.now())

	s.logger.Debug("janitor sweep",
		zap.Int("expired_windows", rep.ExpiredWindows),
		zap.Int("expired_bans", rep.ExpiredBans),
		zap.Int("pruned_violations", rep.PrunedViolations),
		zap.Int("size", rep.Size),
	)
	if rep.EvictionTriggered {
		s.logger.Info("janitor evicted keys over capacity",
			zap.Int("evicted", rep.Evicted),
			zap.Int("max_size", s.maxSize),
			zap.Int("size", rep.Size),
		)
	}
	return rep
}

// StartJanitor inicia uma goroutine que varre o store periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}
