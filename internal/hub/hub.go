// Package hub owns the set of open WebSocket clients and fans telemetry
// messages out to them.
//
// Every client gets a bounded send queue drained by a single writer
// goroutine, so each message reaches a client as one whole frame and in the
// order it was broadcast. [Hub.Broadcast] never blocks on a client: a client
// whose queue is full misses that message, and a client whose write fails is
// evicted. Delivery is best-effort per client and nothing is retried.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/featurerelay/internal/observe"
)

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 5 * time.Second
)

// conn is the part of [*websocket.Conn] the hub writes through.
type conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// client is one open connection in the set.
type client struct {
	id   string
	conn conn
	send chan []byte
	log  *slog.Logger

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// close marks the client as closing and closes the connection. graceful
// selects a close handshake with code and reason; otherwise the connection is
// torn down immediately.
func (c *client) close(graceful bool, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		if graceful {
			_ = c.conn.Close(code, reason)
		} else {
			_ = c.conn.CloseNow()
		}
	})
}

// Hub is the registry of open clients. It is safe for concurrent use; the
// zero value is not usable, create one with [New].
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	sendQueue    int
	writeTimeout time.Duration
	origins      []string
	metrics      *observe.Metrics

	nextID atomic.Uint64
}

// Option is a functional option for [New].
type Option func(*Hub)

// WithSendQueue sets how many messages may wait for one client. Values below
// one are ignored.
func WithSendQueue(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendQueue = n
		}
	}
}

// WithWriteTimeout bounds each frame write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithOriginPatterns allows cross-origin clients whose Origin host matches one
// of patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = append([]string(nil), patterns...) }
}

// WithMetrics records fan-out metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[*client]struct{}),
		sendQueue:    defaultSendQueue,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket, adds the connection to the
// set and blocks until it closes. Frames sent by the client are read and
// discarded; the stream is one-way. The connection's lifetime is one span,
// continuing the client's traceparent when it sends one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(observe.Extract(r), "websocket.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("client.address", r.RemoteAddr)),
	)
	defer span.End()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		observe.Logger(ctx).Warn("websocket handshake failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := h.add(ctx, ws, r.RemoteAddr)
	if c == nil {
		_ = ws.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	span.SetAttributes(attribute.String("client.id", c.id))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.writeLoop(ctx, c)

	for {
		if _, _, err := ws.Read(ctx); err != nil {
			c.log.Debug("client read ended", "err", err)
			break
		}
	}

	h.remove(c)
	c.close(true, websocket.StatusNormalClosure, "")
}

// add registers conn and returns its client, or nil when the hub is closed.
// The client's logger carries the trace in ctx.
func (h *Hub) add(ctx context.Context, cn conn, remote string) *client {
	id := fmt.Sprintf("client-%d", h.nextID.Add(1))
	c := &client{
		id:   id,
		conn: cn,
		send: make(chan []byte, h.sendQueue),
		log:  observe.Logger(ctx).With("client", id, "remote", remote),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.ActiveClients.Add(context.Background(), 1)
	c.log.Info("client connected", "clients", n)
	return c
}

// remove deletes c from the set. It is a no-op if c is already gone.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.ActiveClients.Add(context.Background(), -1)
	c.log.Info("client disconnected", "clients", n)
}

// writeLoop is the only goroutine that writes to c. It exits when c closes or
// ctx ends; a failed write evicts c.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := h.write(ctx, c, msg); err != nil {
				h.metrics.ClientWriteErrors.Add(ctx, 1)
				c.log.Warn("client write failed, evicting", "err", err)
				h.remove(c)
				c.close(false, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, c *client, msg []byte) error {
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Broadcast queues msg for every open client and returns how many clients it
// was queued for. The same slice is shared by all clients and must not be
// modified afterwards. Clients that are closing are skipped; clients with a
// full queue miss this message.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	ctx := context.Background()
	queued := 0
	for _, c := range snapshot {
		if c.closing.Load() {
			continue
		}
		select {
		case c.send <- msg:
			queued++
		default:
			h.metrics.ClientDropped.Add(ctx, 1)
			c.log.Debug("client queue full, message dropped")
		}
	}
	h.metrics.RecordBroadcast(ctx, queued)
	return queued
}

// Len returns the number of open clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes every client with [websocket.StatusGoingAway] and rejects new
// ones. It waits for the close handshakes to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	h.mu.Unlock()

	if n := len(clients); n > 0 {
		h.metrics.ActiveClients.Add(context.Background(), int64(-n))
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close(true, websocket.StatusGoingAway, "relay shutting down")
		}()
	}
	wg.Wait()
	slog.Info("hub closed", "clients", len(clients))
}
