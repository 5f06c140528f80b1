// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, tracing, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// a Prometheus registry owned by a [Provider], which also serves /metrics.
// [DefaultMetrics] records to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/featurerelay"

// Metrics holds all OpenTelemetry metric instruments for the relay. All
// fields are safe for concurrent use.
type Metrics struct {
	// --- Inbound ---

	// Datagrams counts decoded records. Use with attributes:
	//   attribute.String("listener", ...), attribute.String("kind", ...)
	Datagrams metric.Int64Counter

	// ReadErrors counts failed socket reads per listener.
	ReadErrors metric.Int64Counter

	// EncodeErrors counts records whose JSON encoding failed.
	EncodeErrors metric.Int64Counter

	// --- Fan-out ---

	// Broadcasts counts messages handed to the hub.
	Broadcasts metric.Int64Counter

	// BroadcastFanout records how many clients each broadcast was queued for.
	BroadcastFanout metric.Int64Histogram

	// ClientDropped counts messages skipped for a client whose send queue
	// was full.
	ClientDropped metric.Int64Counter

	// ClientWriteErrors counts failed client writes. Each one evicts the client.
	ClientWriteErrors metric.Int64Counter

	// ActiveClients tracks the number of open WebSocket clients.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// fanoutBuckets are histogram boundaries for clients per broadcast.
var fanoutBuckets = []float64{0, 1, 2, 4, 8, 16, 32, 64}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Datagrams, err = m.Int64Counter("featurerelay.datagrams",
		metric.WithDescription("Decoded telemetry records by listener and kind."),
	); err != nil {
		return nil, err
	}
	if met.ReadErrors, err = m.Int64Counter("featurerelay.read_errors",
		metric.WithDescription("Failed UDP reads by listener."),
	); err != nil {
		return nil, err
	}
	if met.EncodeErrors, err = m.Int64Counter("featurerelay.encode_errors",
		metric.WithDescription("Records skipped because JSON encoding failed."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("featurerelay.broadcasts",
		metric.WithDescription("Messages broadcast to the client set."),
	); err != nil {
		return nil, err
	}
	if met.ClientDropped, err = m.Int64Counter("featurerelay.client.dropped",
		metric.WithDescription("Messages skipped for clients with a full send queue."),
	); err != nil {
		return nil, err
	}
	if met.ClientWriteErrors, err = m.Int64Counter("featurerelay.client.write_errors",
		metric.WithDescription("Failed client writes; each evicts the client."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BroadcastFanout, err = m.Int64Histogram("featurerelay.broadcast.fanout",
		metric.WithDescription("Clients a broadcast was queued for."),
		metric.WithExplicitBucketBoundaries(fanoutBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("featurerelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveClients, err = m.Int64UpDownCounter("featurerelay.active_clients",
		metric.WithDescription("Number of open WebSocket clients."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDatagram records one decoded record for the named listener.
func (m *Metrics) RecordDatagram(ctx context.Context, listener, kind string) {
	m.Datagrams.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("listener", listener),
			attribute.String("kind", kind),
		),
	)
}

// RecordReadError records a failed socket read for the named listener.
func (m *Metrics) RecordReadError(ctx context.Context, listener string) {
	m.ReadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("listener", listener)))
}

// RecordBroadcast records one broadcast and the number of clients it reached.
func (m *Metrics) RecordBroadcast(ctx context.Context, queued int) {
	m.Broadcasts.Add(ctx, 1)
	m.BroadcastFanout.Record(ctx, int64(queued))
}
