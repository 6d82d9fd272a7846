package domain

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func at(ms int64) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestWindowRecord_SlidingScenario(t *testing.T) {
	w := NewWindowRecord(at(0))
	window := time.Second

	cases := []struct {
		ms      int64
		allowed bool
		count   int
	}{
		{0, true, 1},
		{100, true, 2},
		{200, false, 3},
		// t=0 expira; {100,200,1050} ainda passa do limite
		{1050, false, 3},
		// 100 expira (now-t >= window); restam {200,1050,1100}
		{1100, false, 3},
		// 200 expira; restam {1050,1100,1200}
		{1200, false, 3},
		// 1050 e 1100 ainda contam até 2050/2100
		{2100, true, 2},
	}
	for _, c := range cases {
		res := w.AdmitSliding(at(c.ms), window, 2)
		if res.Allowed != c.allowed {
			t.Fatalf("t=%d: expected allowed=%v, got %v", c.ms, c.allowed, res.Allowed)
		}
		if res.Count != c.count {
			t.Fatalf("t=%d: expected count=%d, got %d", c.ms, c.count, res.Count)
		}
		if w.Count != len(w.Timestamps) {
			t.Fatalf("t=%d: count %d != len(timestamps) %d", c.ms, w.Count, len(w.Timestamps))
		}
	}
}

func TestWindowRecord_SlidingCountMatchesTimestampsInWindow(t *testing.T) {
	w := NewWindowRecord(at(0))
	window := 500 * time.Millisecond
	var admitted []int64

	for ms := int64(0); ms < 3000; ms += 70 {
		inWindow := 0
		for _, a := range admitted {
			if ms-a < window.Milliseconds() {
				inWindow++
			}
		}
		res := w.AdmitSliding(at(ms), window, 1000)
		if res.Count != inWindow+1 {
			t.Fatalf("t=%d: expected count=%d, got %d", ms, inWindow+1, res.Count)
		}
		admitted = append(admitted, ms)
	}
}

func TestWindowRecord_SlidingFloodIsCappedAtLimitPlusOne(t *testing.T) {
	w := NewWindowRecord(at(0))
	window := time.Minute

	for ms := int64(0); ms < 10_000; ms++ {
		res := w.AdmitSliding(at(ms), window, 3)
		if ms >= 3 && res.Allowed {
			t.Fatalf("t=%d: expected denial under flood", ms)
		}
	}
	if len(w.Timestamps) != 4 || w.Count != 4 {
		t.Fatalf("expected 4 timestamps kept, got len=%d count=%d", len(w.Timestamps), w.Count)
	}
	if cap(w.Timestamps) > 16 {
		t.Fatalf("expected backing array reused, got cap=%d", cap(w.Timestamps))
	}
	if !w.Timestamps[0].Equal(at(9996)) {
		t.Fatalf("expected newest timestamps kept, got oldest %v", w.Timestamps[0])
	}

	// quem parar de mandar volta a passar uma janela depois do último instante
	res := w.AdmitSliding(at(9999).Add(window), window, 3)
	if !res.Allowed || res.Count != 1 {
		t.Fatalf("expected recovery after window, got allowed=%v count=%d", res.Allowed, res.Count)
	}
}

func TestWindowRecord_SlidingResetAtIsOldestPlusWindow(t *testing.T) {
	w := NewWindowRecord(at(0))
	w.AdmitSliding(at(100), time.Second, 5)
	res := w.AdmitSliding(at(400), time.Second, 5)
	if !res.ResetAt.Equal(at(1100)) {
		t.Fatalf("expected resetAt=%v, got %v", at(1100), res.ResetAt)
	}
}

func TestWindowRecord_FixedResetsOnBoundary(t *testing.T) {
	window := time.Second
	w := NewWindowRecord(at(0))

	// t0 é múltiplo de 1000ms, então o bucket começa em at(0)
	for i := 1; i <= 3; i++ {
		res := w.AdmitFixed(at(int64(i*100)), window, 2)
		if res.Count != i {
			t.Fatalf("expected count=%d, got %d", i, res.Count)
		}
		if !res.ResetAt.Equal(at(1000)) {
			t.Fatalf("expected resetAt=%v, got %v", at(1000), res.ResetAt)
		}
	}

	res := w.AdmitFixed(at(999), window, 2)
	if res.Count != 4 || res.Allowed {
		t.Fatalf("expected count=4 denied before boundary, got count=%d allowed=%v", res.Count, res.Allowed)
	}

	res = w.AdmitFixed(at(1000), window, 2)
	if res.Count != 1 || !res.Allowed {
		t.Fatalf("expected count reset to 1 at boundary, got count=%d allowed=%v", res.Count, res.Allowed)
	}
	if !w.WindowStart.Equal(at(1000)) {
		t.Fatalf("expected windowStart=%v, got %v", at(1000), w.WindowStart)
	}
}

func TestWindowRecord_RollbackSlidingRemovesExactTimestamp(t *testing.T) {
	w := NewWindowRecord(at(0))
	w.AdmitSliding(at(0), time.Second, 5)
	w.AdmitSliding(at(10), time.Second, 5)

	ok, err := w.Rollback(WindowSliding, at(10), time.Time{})
	if err != nil || !ok {
		t.Fatalf("expected rollback ok, got ok=%v err=%v", ok, err)
	}
	if w.Count != 1 || !w.Timestamps[0].Equal(at(0)) {
		t.Fatalf("expected only t=0 left, got %v", w.Timestamps)
	}

	// já não existe: nada a fazer
	ok, err = w.Rollback(WindowSliding, at(10), time.Time{})
	if err != nil || ok {
		t.Fatalf("expected no-op rollback, got ok=%v err=%v", ok, err)
	}
}

func TestWindowRecord_RollbackFixed(t *testing.T) {
	w := NewWindowRecord(at(0))
	w.AdmitFixed(at(5), time.Second, 5)
	start := w.WindowStart

	ok, err := w.Rollback(WindowFixed, at(5), start)
	if err != nil || !ok || w.Count != 0 {
		t.Fatalf("expected count=0 after rollback, got count=%d ok=%v err=%v", w.Count, ok, err)
	}

	_, err = w.Rollback(WindowFixed, at(5), start)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant on negative count, got %v", err)
	}
	if w.Count != 0 {
		t.Fatalf("expected count untouched, got %d", w.Count)
	}
}

func TestWindowRecord_RollbackFixedAfterRolloverIsNoop(t *testing.T) {
	w := NewWindowRecord(at(0))
	w.AdmitFixed(at(5), time.Second, 5)
	oldStart := w.WindowStart
	w.AdmitFixed(at(1500), time.Second, 5)

	ok, err := w.Rollback(WindowFixed, at(5), oldStart)
	if err != nil || ok {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}
	if w.Count != 1 {
		t.Fatalf("expected current bucket untouched, got %d", w.Count)
	}
}

func TestParseWindowType(t *testing.T) {
	if wt, err := ParseWindowType(" Fixed "); err != nil || wt != WindowFixed {
		t.Fatalf("expected fixed, got %q err=%v", wt, err)
	}
	if wt, err := ParseWindowType(""); err != nil || wt != WindowSliding {
		t.Fatalf("expected sliding default, got %q err=%v", wt, err)
	}
	if _, err := ParseWindowType("leaky"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
