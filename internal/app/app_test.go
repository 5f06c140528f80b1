package app_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/featurerelay/internal/app"
	"github.com/MrWong99/featurerelay/internal/config"
	"github.com/MrWong99/featurerelay/internal/observe"
	"github.com/MrWong99/featurerelay/pkg/telemetry"
)

// testConfig returns a loopback config with two text listeners.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Relay.Listeners = []config.ListenerConfig{
		{Name: "analysis", Addr: "127.0.0.1:0", Format: telemetry.FormatText},
		{Name: "drums", Addr: "127.0.0.1:0", Format: telemetry.FormatText},
	}
	return cfg
}

// start runs a relay until the test ends. Its metrics go to a private
// registry served at /metrics.
func start(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()

	p, err := observe.NewProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg,
		app.WithMetrics(m),
		app.WithMetricsHandler(p.Handler()),
	)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v, want nil", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Run did not return after cancel")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := a.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func baseURL(a *app.App) string { return "http://" + a.HTTPAddr().String() }

func connect(t *testing.T, a *app.App) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+a.HTTPAddr().String()+config.DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	waitFor(t, "client registered", func() bool { return a.Clients() >= 1 })
	return conn
}

func sendTo(t *testing.T, addr net.Addr, text string) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("Dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(text)); err != nil {
		t.Fatalf("Write udp: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// ── Relay end to end ─────────────────────────────────────────────────────────

func TestRelay_DatagramReachesClient(t *testing.T) {
	t.Parallel()
	a := start(t, testConfig())
	conn := connect(t, a)

	sendTo(t, a.UDPAddrs()[0], "3 Loudness 0.742")
	if got, want := readMessage(t, conn), `{"channel":"3","key":"loudness","value":"0.742"}`; got != want {
		t.Errorf("message = %s, want %s", got, want)
	}

	sendTo(t, a.UDPAddrs()[0], "noise")
	if got, want := readMessage(t, conn), `{"raw":"noise"}`; got != want {
		t.Errorf("message = %s, want %s", got, want)
	}
}

func TestRelay_MultiplePortsShareClients(t *testing.T) {
	t.Parallel()
	a := start(t, testConfig())
	addrs := a.UDPAddrs()
	if len(addrs) != 2 {
		t.Fatalf("UDPAddrs() = %v, want 2 addresses", addrs)
	}
	conn := connect(t, a)

	sendTo(t, addrs[0], "1 Pitch 440")
	if got, want := readMessage(t, conn), `{"channel":"1","key":"pitch","value":"440"}`; got != want {
		t.Errorf("from first port = %s, want %s", got, want)
	}
	sendTo(t, addrs[1], "2 Pitch 220")
	if got, want := readMessage(t, conn), `{"channel":"2","key":"pitch","value":"220"}`; got != want {
		t.Errorf("from second port = %s, want %s", got, want)
	}
}

func TestRelay_NoClientsIsHarmless(t *testing.T) {
	t.Parallel()
	a := start(t, testConfig())

	sendTo(t, a.UDPAddrs()[0], "1 Pitch 440")
	waitFor(t, "datagram counted", func() bool {
		_, body := get(t, baseURL(a)+"/metrics")
		return strings.Contains(body, "datagrams")
	})

	conn := connect(t, a)
	sendTo(t, a.UDPAddrs()[0], "1 Pitch 441")
	if got, want := readMessage(t, conn), `{"channel":"1","key":"pitch","value":"441"}`; got != want {
		t.Errorf("message = %s, want %s (earlier datagram must not be replayed)", got, want)
	}
}

// ── HTTP surface ─────────────────────────────────────────────────────────────

func TestHTTP_Probes(t *testing.T) {
	t.Parallel()
	a := start(t, testConfig())

	if code, _ := get(t, baseURL(a)+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	waitFor(t, "readyz 200", func() bool {
		code, _ := get(t, baseURL(a)+"/readyz")
		return code == http.StatusOK
	})
	if _, body := get(t, baseURL(a)+"/readyz"); !strings.Contains(body, `"listeners":"ok"`) {
		t.Errorf("/readyz body = %s, want listeners ok", body)
	}
	if code, _ := get(t, baseURL(a)+"/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}
}

func TestHTTP_PlainGETOnWSPathRejected(t *testing.T) {
	t.Parallel()
	a := start(t, testConfig())

	code, _ := get(t, baseURL(a)+config.DefaultWSPath)
	if code < 400 {
		t.Errorf("GET %s without upgrade = %d, want an error status", config.DefaultWSPath, code)
	}
}

// ── Startup failures ─────────────────────────────────────────────────────────

func TestNew_UDPAddressInUse(t *testing.T) {
	t.Parallel()
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { _ = taken.Close() })

	cfg := testConfig()
	cfg.Relay.Listeners[1].Addr = taken.LocalAddr().String()

	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("New succeeded on an occupied UDP address, want error")
	}
}

func TestNew_HTTPAddressInUse(t *testing.T) {
	t.Parallel()
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = taken.Close() })

	cfg := testConfig()
	cfg.Server.ListenAddr = taken.Addr().String()

	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("New succeeded on an occupied TCP address, want error")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
