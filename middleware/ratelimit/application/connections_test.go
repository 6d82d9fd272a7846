package application

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

func newTestRegistry(t *testing.T, g *Gate, opts RegistryOptions) *ConnectionRegistry {
	t.Helper()
	r, err := NewConnectionRegistry(g, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(r.Shutdown)
	return r
}

type countingTerm struct{ n atomic.Int32 }

func (c *countingTerm) Terminate() { c.n.Add(1) }

func TestNewConnectionRegistry_Validates(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	if _, err := NewConnectionRegistry(g, RegistryOptions{MaxConnections: -1}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := NewConnectionRegistry(g, RegistryOptions{MessageLimit: -1}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for negative message limit, got %v", err)
	}
	r, err := NewConnectionRegistry(g, RegistryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o := r.Options(); o.MessageLimit != 2 || o.MessageWindow != time.Second {
		t.Fatalf("expected message budget inherited from gate, got %+v", o)
	}
	if _, err := NewConnectionRegistry(nil, RegistryOptions{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for nil gate, got %v", err)
	}
}

func TestConnectionRegistry_Caps(t *testing.T) {
	g, _, stats := newTestGate(t, nil)
	r := newTestRegistry(t, g, RegistryOptions{MaxConnections: 3, MaxConnectionsPerKey: 2})
	ctx := context.Background()

	a1, err := r.Admit(ctx, "a", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Admit(ctx, "a", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Admit(ctx, "a", nil); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected per-identity cap, got %v", err)
	}
	if _, err := r.Admit(ctx, "b", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Admit(ctx, "c", nil); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected total cap, got %v", err)
	}

	if !r.Close(a1.ID) {
		t.Fatalf("expected close to succeed")
	}
	if r.Close(a1.ID) {
		t.Fatalf("expected second close to be a no-op")
	}
	if r.Count() != 2 || r.CountFor("a") != 1 {
		t.Fatalf("expected slots released, got total=%d a=%d", r.Count(), r.CountFor("a"))
	}
	if _, err := r.Admit(ctx, "c", nil); err != nil {
		t.Fatalf("expected admit after release, got %v", err)
	}

	if got := stats.Total().Rejected; got != 2 {
		t.Fatalf("expected 2 rejected connect events, got %d", got)
	}
	if got := stats.Kind(domain.EventDisconnect); got != 1 {
		t.Fatalf("expected 1 disconnect event, got %d", got)
	}
}

func TestConnectionRegistry_BannedAndDenylisted(t *testing.T) {
	g, _, _ := newTestGate(t, func(c *domain.Config) { c.Blacklist = []string{"foe"} })
	r := newTestRegistry(t, g, RegistryOptions{})
	ctx := context.Background()

	g.Ban(domain.ComposeKey("bad", "", ""), time.Minute)
	if _, err := r.Admit(ctx, "bad", nil); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	if _, err := r.Admit(ctx, "foe", nil); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("expected ErrBanned for denylisted, got %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("expected no registered connections")
	}
}

func TestConnectionRegistry_AllowlistSkipsPerKeyCapOnly(t *testing.T) {
	g, _, _ := newTestGate(t, func(c *domain.Config) { c.Whitelist = []string{"vip"} })
	r := newTestRegistry(t, g, RegistryOptions{MaxConnections: 2, MaxConnectionsPerKey: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Admit(ctx, "vip", nil); err != nil {
			t.Fatalf("expected allowlisted identity to bypass per-key cap, got %v", err)
		}
	}
	if _, err := r.Admit(ctx, "vip", nil); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected total cap to still apply, got %v", err)
	}
}

func TestConnectionRegistry_MessageRateLimit(t *testing.T) {
	g, clock, _ := newTestGate(t, nil)
	r := newTestRegistry(t, g, RegistryOptions{MessageLimit: 2})
	ctx := context.Background()

	rec, err := r.Admit(ctx, "a", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last domain.Decision
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Millisecond)
		last, err = r.Message(ctx, rec.ID, 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if last.Outcome != domain.OutcomeRateLimited {
		t.Fatalf("expected third message rate limited, got %s", last.Outcome)
	}

	got, _ := r.Get(rec.ID)
	if got.MessageCount != 3 || got.BytesIn != 15 {
		t.Fatalf("expected 3 messages / 15 bytes, got %+v", got)
	}

	r.Close(rec.ID)
	if _, err := r.Message(ctx, rec.ID, 1); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnectionRegistry_MessageBudgetIndependentOfHTTP(t *testing.T) {
	g, clock, _ := newTestGate(t, func(c *domain.Config) { c.MaxRequests = 1 })
	r := newTestRegistry(t, g, RegistryOptions{MessageLimit: 3, MessageWindow: 10 * time.Second})
	ctx := context.Background()

	if dec := g.Decide(ctx, req("a")); !dec.Allowed() {
		t.Fatalf("expected first http request allowed, got %+v", dec)
	}
	if dec := g.Decide(ctx, req("a")); dec.Allowed() {
		t.Fatalf("expected http budget exhausted")
	}

	rec, err := r.Admit(ctx, "a", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i <= 4; i++ {
		dec, err := r.Message(ctx, rec.ID, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dec.Allowed() != (i <= 3) {
			t.Fatalf("message %d: expected allowed=%v, got %+v", i, i <= 3, dec)
		}
		if dec.Limit != 3 || dec.Key != domain.MessageKey("a") {
			t.Fatalf("expected message budget, got limit=%d key=%q", dec.Limit, dec.Key)
		}
	}

	if snap := g.Snapshot("a"); snap.Count != 2 {
		t.Fatalf("expected http count untouched by messages, got %+v", snap)
	}

	// a janela HTTP (1s) reabre enquanto a de mensagens (10s) segue fechada
	clock.Advance(1500 * time.Millisecond)
	if dec := g.Decide(ctx, req("a")); !dec.Allowed() {
		t.Fatalf("expected http allowed after its own window, got %+v", dec)
	}
	if dec, _ := r.Message(ctx, rec.ID, 1); dec.Allowed() {
		t.Fatalf("expected message window still closed, got %+v", dec)
	}
}

func TestConnectionRegistry_MessageFloodBanBlocksReconnect(t *testing.T) {
	g, _, _ := newTestGate(t, func(c *domain.Config) {
		c.AutoBan = domain.AutoBanConfig{Enabled: true, MaxViolations: 1, BanDuration: time.Minute}
	})
	r := newTestRegistry(t, g, RegistryOptions{MessageLimit: 1})
	ctx := context.Background()

	rec, err := r.Admit(ctx, "a", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Message(ctx, rec.ID, 1)
	dec, _ := r.Message(ctx, rec.ID, 1)
	if !dec.Escalated {
		t.Fatalf("expected message flood to escalate, got %+v", dec)
	}
	r.Close(rec.ID)

	if _, err := r.Admit(ctx, "a", nil); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("expected reconnect refused after message ban, got %v", err)
	}
	if dec := g.Decide(ctx, req("a")); !dec.Allowed() {
		t.Fatalf("expected http budget unaffected by message ban, got %+v", dec)
	}
}

func TestConnectionRegistry_LivenessTimeoutTerminates(t *testing.T) {
	g, _, stats := newTestGate(t, nil)
	r := newTestRegistry(t, g, RegistryOptions{MaxConnectionsPerKey: 1, LivenessTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	term := &countingTerm{}
	rec, err := r.Admit(ctx, "a", term)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for term.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if term.n.Load() != 1 {
		t.Fatalf("expected connection terminated once, got %d", term.n.Load())
	}
	if _, ok := r.Get(rec.ID); ok {
		t.Fatalf("expected record removed after timeout")
	}
	if r.Ack(rec.ID) {
		t.Fatalf("expected ack on expired connection to fail")
	}
	if _, err := r.Admit(ctx, "a", nil); err != nil {
		t.Fatalf("expected slot released after timeout, got %v", err)
	}
	if got := stats.Kind(domain.EventLivenessTimeout); got != 1 {
		t.Fatalf("expected 1 liveness timeout event, got %d", got)
	}
}

func TestConnectionRegistry_AckKeepsAlive(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	r := newTestRegistry(t, g, RegistryOptions{LivenessTimeout: 80 * time.Millisecond})

	term := &countingTerm{}
	rec, err := r.Admit(context.Background(), "a", term)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		if !r.Ack(rec.ID) {
			t.Fatalf("expected ack to succeed")
		}
	}
	if term.n.Load() != 0 {
		t.Fatalf("expected acked connection to stay alive")
	}
	r.Close(rec.ID)
}

func TestConnectionRegistry_ShutdownTerminatesAll(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	r, err := NewConnectionRegistry(g, RegistryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	term := &countingTerm{}
	for _, id := range []string{"a", "b"} {
		if _, err := r.Admit(context.Background(), id, term); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	r.Shutdown()
	if term.n.Load() != 2 || r.Count() != 0 {
		t.Fatalf("expected all connections terminated, got %d (count=%d)", term.n.Load(), r.Count())
	}
	if _, err := r.Admit(context.Background(), "c", nil); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected closed registry to reject, got %v", err)
	}
}
