// Package listener binds the relay's UDP inputs and turns each inbound
// datagram into one broadcast per decoded telemetry record.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/MrWong99/featurerelay/internal/config"
	"github.com/MrWong99/featurerelay/internal/observe"
	"github.com/MrWong99/featurerelay/pkg/telemetry"
)

// maxDatagram is the largest UDP payload the relay reads.
const maxDatagram = 64 * 1024

// Broadcaster receives encoded records. [*hub.Hub] implements it.
type Broadcaster interface {
	Broadcast(msg []byte) int
}

// Listener is one bound UDP socket feeding a [Broadcaster].
type Listener struct {
	cfg     config.ListenerConfig
	pc      net.PacketConn
	out     Broadcaster
	metrics *observe.Metrics

	serving atomic.Bool
}

// Bind opens the UDP socket described by cfg. The returned error is fatal for
// the relay: without the socket no telemetry can arrive. A nil m selects
// [observe.DefaultMetrics].
func Bind(ctx context.Context, cfg config.ListenerConfig, out Broadcaster, m *observe.Metrics) (*Listener, error) {
	if cfg.Format == "" {
		cfg.Format = telemetry.FormatText
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %q on %s: %w", cfg.Name, cfg.Addr, err)
	}

	slog.Info("listening for telemetry",
		"listener", cfg.Name,
		"addr", pc.LocalAddr().String(),
		"format", cfg.Format,
	)
	return &Listener{cfg: cfg, pc: pc, out: out, metrics: m}, nil
}

// Name returns the configured listener name.
func (l *Listener) Name() string { return l.cfg.Name }

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.pc.LocalAddr() }

// Serving reports whether [Listener.Serve] is currently reading.
func (l *Listener) Serving() bool { return l.serving.Load() }

// Serve reads datagrams until ctx is cancelled or the listener is closed, and
// returns nil in both cases. Failed reads are logged and skipped.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.pc.Close() })
	defer stop()

	l.serving.Store(true)
	defer l.serving.Store(false)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.metrics.RecordReadError(ctx, l.cfg.Name)
			slog.Warn("udp read failed", "listener", l.cfg.Name, "err", err)
			continue
		}
		l.handle(ctx, buf[:n], from)
	}
}

// handle decodes one payload and broadcasts every resulting record.
func (l *Listener) handle(ctx context.Context, payload []byte, from net.Addr) {
	for _, rec := range telemetry.Decode(l.cfg.Format, payload) {
		l.metrics.RecordDatagram(ctx, l.cfg.Name, telemetry.Kind(rec))
		if raw, ok := rec.(telemetry.Raw); ok {
			slog.Debug("datagram not framed as channel/key, relaying raw",
				"listener", l.cfg.Name, "from", addrString(from), "text", raw.Text)
		}

		data, err := telemetry.Encode(rec)
		if err != nil {
			l.metrics.EncodeErrors.Add(ctx, 1)
			slog.Error("encode telemetry record", "listener", l.cfg.Name, "err", err)
			continue
		}
		l.out.Broadcast(data)
	}
}

// Close closes the socket; a running [Listener.Serve] returns nil.
func (l *Listener) Close() error {
	return l.pc.Close()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
