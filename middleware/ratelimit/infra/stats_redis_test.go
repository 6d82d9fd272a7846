package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// respServer entende o suficiente de RESP2 para receber os pipelines do go-redis:
// recusa HELLO (o cliente cai para RESP2) e responde :1 a todo o resto.
type respServer struct {
	ln net.Listener

	mu   sync.Mutex
	cmds [][]string
}

func newRESPServer(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := &respServer{ln: ln}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *respServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *respServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readRESPCommand(r)
		if err != nil {
			return
		}
		args[0] = strings.ToUpper(args[0])
		reply := ":1\r\n"
		if args[0] == "HELLO" {
			reply = "-ERR unknown command 'HELLO'\r\n"
		} else {
			s.mu.Lock()
			s.cmds = append(s.cmds, args)
			s.mu.Unlock()
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func (s *respServer) commands() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.cmds...)
}

func readRESPCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected line %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(hdr, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func newRedisStats(t *testing.T, addr string, opts ...RedisStatsOption) *RedisStatsStore {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		DialTimeout:     time.Second,
		MaxRetries:      -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStatsStore(rdb, opts...)
}

func TestRedisStatsStore_EscalationLayout(t *testing.T) {
	srv := newRESPServer(t)
	s := newRedisStats(t, srv.ln.Addr().String(),
		WithStatsPrefix("gw:"),
		WithStatsTTL(time.Hour),
		WithStatsResolution(time.Minute),
		WithStatsTrackKeys(true),
	)

	at := time.Unix(1_700_000_030, 0)
	err := s.Record(context.Background(), domain.StatsEvent{
		Kind:         domain.EventRequest,
		Key:          "ip",
		Outcome:      domain.OutcomeRateLimited,
		Method:       "post",
		Path:         "/login",
		Transport:    domain.TransportHTTP,
		Violations:   3,
		Escalated:    true,
		BanExpiresAt: at.Add(time.Hour),
		At:           at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{
		{"HINCRBY", "gw:decisions", "http:request:rate_limited", "1"},
		{"HINCRBY", "gw:series:1699999980", "http:rate_limited", "1"},
		{"EXPIRE", "gw:series:1699999980", "3600"},
		{"HINCRBY", "gw:denials:route", "POST /login", "1"},
		{"ZADD", "gw:bans", "1700003630000", "ip"},
		{"ZREMRANGEBYSCORE", "gw:bans", "-inf", "(1700000030000"},
		{"HINCRBY", "gw:key:ip", "rate_limited", "1"},
		{"HSET", "gw:key:ip", "violations", "3"},
		{"EXPIRE", "gw:key:ip", "3600"},
	}
	got := srv.commands()
	if len(got) != len(want) {
		t.Fatalf("expected %d commands, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if strings.Join(got[i], " ") != strings.Join(want[i], " ") {
			t.Fatalf("command %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestRedisStatsStore_AllowedMessageWithoutSeries(t *testing.T) {
	srv := newRESPServer(t)
	s := newRedisStats(t, srv.ln.Addr().String(), WithStatsResolution(0))

	err := s.Record(context.Background(), domain.StatsEvent{
		Kind:      domain.EventMessage,
		Key:       domain.MessageKey("alice"),
		Outcome:   domain.OutcomeAllow,
		Transport: domain.TransportWebSocket,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := srv.commands()
	if len(got) != 1 || strings.Join(got[0], " ") != "HINCRBY admission:stats:decisions ws:message:allow 1" {
		t.Fatalf("expected only the decisions counter, got %v", got)
	}
}

func TestRedisStatsStore_UnreachableReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := newRedisStats(t, addr)
	if err := s.Record(context.Background(), domain.StatsEvent{Kind: domain.EventRequest, Outcome: domain.OutcomeAllow}); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}

	var nilStore *RedisStatsStore
	if err := nilStore.Record(context.Background(), domain.StatsEvent{}); err != nil {
		t.Fatalf("expected nil store to be a no-op, got %v", err)
	}
}
