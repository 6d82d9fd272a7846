package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Códigos de fechamento (faixa privada 4000-4999).
const (
	CloseCapacityExceeded   = 4000
	CloseAuthenticationFail = 4001
	CloseBanned             = 4003
	CloseRateLimited        = 4029
)

// Authenticator valida a conexão depois do upgrade. Uma identidade não vazia
// substitui a extraída por KeyFn.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (identity string, err error)
}

type AuthenticatorFunc func(ctx context.Context, r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	return f(ctx, r)
}

// MessageHandler trata uma mensagem já admitida pela janela de mensagens.
type MessageHandler func(ctx context.Context, c *WSConn, messageType int, data []byte) error

type WebSocketOptions struct {
	Registry *application.ConnectionRegistry

	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool

	Authenticator Authenticator
	AuthTimeout   time.Duration

	Upgrader *websocket.Upgrader
	// PingInterval padrão: metade do LivenessTimeout do registry.
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64

	OnMessage MessageHandler
	Logger    *zap.Logger
}

// WSConn serializa escritas na conexão e contabiliza bytes enviados.
type WSConn struct {
	ID       string
	Identity string

	conn     *websocket.Conn
	registry *application.ConnectionRegistry
	timeout  time.Duration
	mu       sync.Mutex
}

func (c *WSConn) Write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	c.registry.Sent(c.ID, len(data))
	return nil
}

type wsHandler struct {
	opts WebSocketOptions
}

func WebSocketHandler(opts WebSocketOptions) http.Handler {
	if opts.Registry == nil {
		panic("ratelimit: WebSocketOptions.Registry is required")
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.Upgrader == nil {
		opts.Upgrader = &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = opts.Registry.Options().LivenessTimeout / 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &wsHandler{opts: opts}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := h.opts.KeyFn(r)

	conn, err := h.opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// o Upgrader já respondeu com o erro HTTP
		h.opts.Logger.Debug("websocket upgrade failed", zap.String("identity", identity), zap.Error(err))
		return
	}

	if h.opts.Authenticator != nil {
		id, err := h.authenticate(r)
		if err != nil {
			h.reject(conn, CloseAuthenticationFail, "authentication failed")
			h.opts.Logger.Info("websocket authentication failed", zap.String("identity", identity), zap.Error(err))
			return
		}
		if id != "" {
			identity = id
		}
	}

	ctx := r.Context()
	rec, err := h.opts.Registry.Admit(ctx, identity, application.TerminatorFunc(func() { _ = conn.Close() }))
	if err != nil {
		code, reason := closeCodeFor(err)
		h.reject(conn, code, reason)
		h.opts.Logger.Info("websocket connection rejected", zap.String("identity", identity), zap.Error(err))
		return
	}
	defer h.opts.Registry.Close(rec.ID)

	c := &WSConn{ID: rec.ID, Identity: identity, conn: conn, registry: h.opts.Registry, timeout: h.opts.WriteTimeout}
	h.serve(ctx, c)
}

func (h *wsHandler) authenticate(r *http.Request) (string, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.AuthTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("authenticator panic: %v", p)}
			}
		}()
		id, err := h.opts.Authenticator.Authenticate(ctx, r)
		done <- result{id: id, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, res.err)
		}
		return res.id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, ctx.Err())
	}
}

func (h *wsHandler) serve(ctx context.Context, c *WSConn) {
	conn := c.conn
	defer conn.Close()

	if h.opts.ReadLimit > 0 {
		conn.SetReadLimit(h.opts.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		h.opts.Registry.Ack(c.ID)
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	if h.opts.PingInterval > 0 {
		go h.ping(conn, stop)
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.opts.Logger.Debug("websocket read ended", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		dec, err := h.opts.Registry.Message(ctx, c.ID, len(data))
		if errors.Is(err, application.ErrConnectionClosed) {
			return
		}
		if !dec.Allowed() {
			code := CloseRateLimited
			if dec.Outcome == domain.OutcomeBanned {
				code = CloseBanned
			}
			h.closeWith(conn, code, string(dec.Outcome))
			return
		}

		if h.opts.OnMessage == nil {
			continue
		}
		if err := h.opts.OnMessage(ctx, c, mt, data); err != nil {
			h.opts.Logger.Warn("websocket message handler failed", zap.String("conn_id", c.ID), zap.Error(err))
			h.closeWith(conn, websocket.CloseInternalServerErr, "handler error")
			return
		}
	}
}

// ping: WriteControl pode rodar em paralelo com as outras escritas da conexão.
func (h *wsHandler) ping(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(h.opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *wsHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteTimeout))
}

func (h *wsHandler) reject(conn *websocket.Conn, code int, reason string) {
	h.closeWith(conn, code, reason)
	_ = conn.Close()
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrBanned):
		return CloseBanned, "banned"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return CloseAuthenticationFail, "authentication failed"
	case errors.Is(err, domain.ErrRateLimited):
		return CloseRateLimited, "rate limited"
	default:
		return CloseCapacityExceeded, "capacity exceeded"
	}
}
