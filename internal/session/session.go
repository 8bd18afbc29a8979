// Package session implements the provider-facing duplex transport: it
// accepts websocket connections, runs the registration handshake, and demuxes
// inbound frames to the registry and the dispatcher.
//
// Frames are JSON text messages carrying an "op" discriminator (see
// pkg/api). One reader goroutine serves each connection; writes go through a
// mutex-guarded handle shared with the registry and the dispatcher.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/llmule/broker/internal/auth"
	"github.com/llmule/broker/internal/dispatch"
	"github.com/llmule/broker/internal/observe"
	"github.com/llmule/broker/internal/registry"
	"github.com/llmule/broker/pkg/api"
	"github.com/llmule/broker/pkg/ledger"
)

// DefaultHandshakeTimeout bounds how long a fresh connection may stay in the
// connecting state before its first frame arrives.
const DefaultHandshakeTimeout = 10 * time.Second

// Handler upgrades provider connections and serves their sessions. It
// implements http.Handler for the provider attach point.
type Handler struct {
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	resolver auth.Resolver
	gw       ledger.Gateway

	handshakeTimeout time.Duration
	log              *slog.Logger
	metrics          *observe.Metrics
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics wires the OTel instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHandshakeTimeout overrides [DefaultHandshakeTimeout].
func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Handler) { h.handshakeTimeout = d }
}

// NewHandler creates the provider websocket handler.
func NewHandler(reg *registry.Registry, disp *dispatch.Dispatcher, resolver auth.Resolver, gw ledger.Gateway, opts ...Option) *Handler {
	h := &Handler{
		reg:              reg,
		disp:             disp,
		resolver:         resolver,
		gw:               gw,
		handshakeTimeout: DefaultHandshakeTimeout,
		log:              slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection and blocks until the session ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Provider nodes are CLI processes, not browsers; origin checks do
		// not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sessionID := uuid.NewString()
	h.serve(r.Context(), sessionID, conn)
}

// serve runs the handshake and then the read loop. On any exit the session
// is removed from the registry, which cancels its pending requests.
func (h *Handler) serve(ctx context.Context, sessionID string, conn *websocket.Conn) {
	wh := &writeHandle{conn: conn}

	reg, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.Info("provider handshake failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		_ = wh.Send(ctx, api.ErrorMessage{Op: api.OpError, Error: err.Error()})
		_ = wh.Close("handshake failed")
		return
	}

	account := ""
	if reg.APIKey != "" {
		acct, err := h.resolver.Resolve(ctx, reg.APIKey)
		if err != nil {
			h.log.Info("provider credential rejected",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			_ = wh.Send(ctx, api.ErrorMessage{Op: api.OpError, Error: "invalid credentials"})
			_ = wh.Close("invalid credentials")
			return
		}
		account = acct.ID
	}

	view, err := h.reg.Register(ctx, sessionID, account, reg.Models, wh)
	if err != nil {
		_ = wh.Send(ctx, api.ErrorMessage{Op: api.OpError, Error: err.Error()})
		_ = wh.Close("registration rejected")
		return
	}

	// Account-bound providers get their balance row (and welcome bonus) on
	// first sight. A store hiccup here must not cost us the session.
	if account != "" {
		if _, err := h.gw.EnsureBalance(ctx, account); err != nil {
			h.log.Warn("ensure balance on register failed",
				slog.String("account", account),
				slog.String("error", err.Error()))
		}
	}

	if err := wh.Send(ctx, api.RegisteredMessage{Op: api.OpRegistered, Handle: view.Handle}); err != nil {
		h.reg.Remove(sessionID, "registered ack failed")
		return
	}

	h.readLoop(ctx, sessionID, conn, wh, view.Handle)
}

// handshake reads and validates the mandatory first frame.
func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (*api.RegisterMessage, error) {
	hctx, cancel := context.WithTimeout(ctx, h.handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hctx)
	if err != nil {
		return nil, fmt.Errorf("first frame not received: %w", err)
	}
	var msg api.RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed register frame")
	}
	if msg.Op != api.OpRegister {
		return nil, fmt.Errorf("expected register, got %q", msg.Op)
	}
	if len(msg.Models) == 0 {
		return nil, fmt.Errorf("register frame advertises no models")
	}
	return &msg, nil
}

// readLoop demuxes inbound frames until the connection dies or ctx ends.
func (h *Handler) readLoop(ctx context.Context, sessionID string, conn *websocket.Conn, wh *writeHandle, handle string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.reg.Remove(sessionID, "connection closed")
			return
		}

		var env api.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn("dropping malformed frame", slog.String("session_id", sessionID))
			continue
		}
		h.countMessage(ctx, env.Op)

		switch env.Op {
		case api.OpRegister:
			// Idempotent ack; the registry keeps the original entry.
			_ = wh.Send(ctx, api.RegisteredMessage{Op: api.OpRegistered, Handle: handle})

		case api.OpPong:
			if err := h.reg.Heartbeat(sessionID); err != nil {
				h.log.Debug("heartbeat for unknown session", slog.String("session_id", sessionID))
			}

		case api.OpCompletionResponse:
			var msg api.CompletionResponseMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Warn("dropping malformed completion response",
					slog.String("session_id", sessionID))
				continue
			}
			h.disp.HandleResponse(sessionID, msg)

		default:
			h.log.Warn("dropping frame with unknown op",
				slog.String("session_id", sessionID),
				slog.String("op", env.Op))
		}
	}
}

func (h *Handler) countMessage(ctx context.Context, op string) {
	if h.metrics == nil {
		return
	}
	h.metrics.ProviderMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// ── write handle ───────────────────────────────────────────────────────────────

var _ registry.WriteHandle = (*writeHandle)(nil)

// writeHandle serialises outbound frames on one connection. The registry and
// any number of concurrent routes share it.
type writeHandle struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Send implements [registry.WriteHandle].
func (w *writeHandle) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("session: write on closed session")
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Ping implements [registry.WriteHandle]: a protocol-level keep-alive probe.
// The provider's pong frame refreshes its heartbeat through the read loop.
func (w *writeHandle) Ping(ctx context.Context) error {
	return w.Send(ctx, api.PingMessage{Op: api.OpPing})
}

// Close implements [registry.WriteHandle]. Idempotent.
func (w *writeHandle) Close(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// Open implements [registry.WriteHandle].
func (w *writeHandle) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}
