package domain

import (
	"fmt"
	"strings"
	"time"
)

type WindowType string

const (
	WindowSliding WindowType = "sliding"
	WindowFixed   WindowType = "fixed"
)

func ParseWindowType(s string) (WindowType, error) {
	switch WindowType(strings.ToLower(strings.TrimSpace(s))) {
	case WindowSliding, "":
		return WindowSliding, nil
	case WindowFixed:
		return WindowFixed, nil
	default:
		return "", &ConfigError{Field: "windowType", Reason: fmt.Sprintf("must be sliding or fixed, got %q", s)}
	}
}

// WindowRecord guarda a contagem de uma chave.
//
// Sliding: Timestamps contém os instantes mais recentes dentro da janela, no máximo limit+1,
// e Count == len(Timestamps). Sob flood a contagem satura em limit+1.
// Fixed: WindowStart ancora o bucket atual e Timestamps fica vazio.
type WindowRecord struct {
	Count       int
	WindowStart time.Time
	Timestamps  []time.Time

	FirstSeen time.Time
	LastSeen  time.Time
}

type WindowResult struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

func NewWindowRecord(now time.Time) *WindowRecord {
	return &WindowRecord{FirstSeen: now, LastSeen: now}
}

func (w *WindowRecord) Admit(typ WindowType, now time.Time, window time.Duration, limit int) WindowResult {
	if typ == WindowFixed {
		return w.AdmitFixed(now, window, limit)
	}
	return w.AdmitSliding(now, window, limit)
}

// AdmitSliding descarta instantes com now-t >= window, registra now e compara com limit.
// Requisições negadas também são registradas, até limit+1 instantes.
func (w *WindowRecord) AdmitSliding(now time.Time, window time.Duration, limit int) WindowResult {
	w.prune(now, window)
	w.Timestamps = keepNewest(append(w.Timestamps, now), limit+1)
	w.Count = len(w.Timestamps)
	w.LastSeen = now

	return WindowResult{
		Allowed: w.Count <= limit,
		Count:   w.Count,
		ResetAt: w.oldest().Add(window),
	}
}

// AdmitFixed usa buckets alinhados em múltiplos de window (em milissegundos unix).
func (w *WindowRecord) AdmitFixed(now time.Time, window time.Duration, limit int) WindowResult {
	bucket := FixedBucket(now, window)
	if w.WindowStart.Before(bucket) {
		w.Count = 0
		w.WindowStart = bucket
	}
	w.Count++
	w.LastSeen = now

	return WindowResult{
		Allowed: w.Count <= limit,
		Count:   w.Count,
		ResetAt: w.WindowStart.Add(window),
	}
}

// Rollback desfaz o incremento feito em AdmitSliding/AdmitFixed.
// Retorna false quando não havia o que desfazer (instante já expirou ou o bucket virou).
func (w *WindowRecord) Rollback(typ WindowType, admittedAt, windowStart time.Time) (bool, error) {
	if typ == WindowFixed {
		if !w.WindowStart.Equal(windowStart) {
			return false, nil
		}
		if w.Count <= 0 {
			return false, fmt.Errorf("%w: fixed window count %d before rollback", ErrInvariant, w.Count)
		}
		w.Count--
		return true, nil
	}

	for i := len(w.Timestamps) - 1; i >= 0; i-- {
		if w.Timestamps[i].Equal(admittedAt) {
			w.Timestamps = append(w.Timestamps[:i], w.Timestamps[i+1:]...)
			w.Count = len(w.Timestamps)
			return true, nil
		}
	}
	if w.Count != len(w.Timestamps) {
		return false, fmt.Errorf("%w: sliding count %d != %d timestamps", ErrInvariant, w.Count, len(w.Timestamps))
	}
	return false, nil
}

// prune filtra em vez de cortar o prefixo: tolera relógio que anda para trás.
func (w *WindowRecord) prune(now time.Time, window time.Duration) {
	kept := w.Timestamps[:0]
	for _, t := range w.Timestamps {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	w.Timestamps = kept
	w.Count = len(kept)
}

// keepNewest descarta os instantes mais antigos além de n, reaproveitando o array.
func keepNewest(ts []time.Time, n int) []time.Time {
	if n <= 0 || len(ts) <= n {
		return ts
	}
	kept := copy(ts, ts[len(ts)-n:])
	return ts[:kept]
}

func (w *WindowRecord) oldest() time.Time {
	var first time.Time
	for i, t := range w.Timestamps {
		if i == 0 || t.Before(first) {
			first = t
		}
	}
	return first
}

// FixedBucket retorna floor(now/window)*window.
func FixedBucket(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return now
	}
	n := now.UnixMilli()
	return time.UnixMilli(n - n%ms)
}
