package netmon

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func healthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// waitEdge waits for the next connectivity edge or fails the test.
func waitEdge(t *testing.T, edges <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-edges:
		if got != want {
			t.Fatalf("transition fired with online=%v, want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no online=%v transition within deadline", want)
	}
}

func TestStartsOffline(t *testing.T) {
	m := New(Config{ProbeURL: "http://127.0.0.1:0/health"}, nil)
	if m.IsOnline() {
		t.Error("IsOnline() = true before any probe, want offline zero state")
	}
}

func TestOnlineEdgeFiresOnce(t *testing.T) {
	srv := healthServer(t)

	m := New(Config{
		ProbeURL:      srv.URL,
		ProbeInterval: 10 * time.Millisecond,
	}, nil)
	edges := make(chan bool, 16)
	m.OnTransition(func(online bool) { edges <- online })

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	waitEdge(t, edges, true)
	if !m.IsOnline() {
		t.Error("IsOnline() = false after online transition")
	}

	// Further successful probes must not re-fire the edge.
	time.Sleep(100 * time.Millisecond)
	select {
	case extra := <-edges:
		t.Errorf("extra transition online=%v while state unchanged", extra)
	default:
	}
}

func TestOfflineOnFirstFailedProbe(t *testing.T) {
	srv := healthServer(t)

	m := New(Config{
		ProbeURL:      srv.URL,
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  200 * time.Millisecond,
	}, nil)
	edges := make(chan bool, 16)
	m.OnTransition(func(online bool) { edges <- online })

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	waitEdge(t, edges, true)

	srv.Close()
	waitEdge(t, edges, false)
	if m.IsOnline() {
		t.Error("IsOnline() = true after probe target went away")
	}
}

func TestSettleWindowDelaysOnline(t *testing.T) {
	srv := healthServer(t)

	m := New(Config{
		ProbeURL:      srv.URL,
		ProbeInterval: 10 * time.Millisecond,
		SettleWindow:  200 * time.Millisecond,
	}, nil)

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	// Probes succeed from the start, but online must wait out the window.
	time.Sleep(50 * time.Millisecond)
	if m.IsOnline() {
		t.Fatal("IsOnline() = true inside the settle window")
	}

	deadline := time.Now().Add(3 * time.Second)
	for !m.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never settled online")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProbeTimeoutCountsAsOffline(t *testing.T) {
	// A listener that accepts but never answers stalls the HEAD request.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	m := New(Config{
		ProbeURL:      "http://" + ln.Addr().String() + "/health",
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  50 * time.Millisecond,
	}, nil)

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	time.Sleep(300 * time.Millisecond)
	if m.IsOnline() {
		t.Error("IsOnline() = true against a stalled endpoint")
	}
}

func TestSetOnlineOverride(t *testing.T) {
	m := New(Config{ProbeURL: "http://127.0.0.1:0/health"}, nil)
	edges := make(chan bool, 16)
	m.OnTransition(func(online bool) { edges <- online })

	m.SetOnline(true)
	waitEdge(t, edges, true)

	// Same state again is not an edge.
	m.SetOnline(true)
	select {
	case extra := <-edges:
		t.Errorf("SetOnline(true) twice fired an extra transition online=%v", extra)
	default:
	}

	m.SetOnline(false)
	waitEdge(t, edges, false)
}

func TestKickProbesImmediately(t *testing.T) {
	srv := healthServer(t)

	// With an hour-long interval only Kick can advance the state machine
	// past the settle window.
	m := New(Config{
		ProbeURL:      srv.URL,
		ProbeInterval: time.Hour,
		SettleWindow:  100 * time.Millisecond,
	}, nil)
	edges := make(chan bool, 16)
	m.OnTransition(func(online bool) { edges <- online })

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)
	if m.IsOnline() {
		t.Fatal("online before any post-window probe ran")
	}

	m.Kick()
	waitEdge(t, edges, true)
}

func TestRestartAfterStop(t *testing.T) {
	srv := healthServer(t)

	m := New(Config{
		ProbeURL:      srv.URL,
		ProbeInterval: 10 * time.Millisecond,
	}, nil)
	edges := make(chan bool, 16)
	m.OnTransition(func(online bool) { edges <- online })

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitEdge(t, edges, true)
	m.Stop()

	// A restarted monitor must probe again, not sit on the closed run.
	m.SetOnline(false)
	waitEdge(t, edges, false)

	if err := m.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	defer m.Stop()
	waitEdge(t, edges, true)
}

func TestNetConfigChangeTriggersProbe(t *testing.T) {
	srv := healthServer(t)

	dir := t.TempDir()
	resolv := filepath.Join(dir, "resolv.conf")
	if err := os.WriteFile(resolv, []byte("nameserver 10.0.0.1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := New(Config{
		ProbeURL:       srv.URL,
		ProbeInterval:  time.Hour,
		SettleWindow:   100 * time.Millisecond,
		NetConfigPaths: []string{resolv},
	}, nil)
	edges := make(chan bool, 16)
	m.OnTransition(func(online bool) { edges <- online })

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)
	if m.IsOnline() {
		t.Fatal("online before the config change")
	}

	// Rewriting the watched file must schedule an immediate probe.
	if err := os.WriteFile(resolv, []byte("nameserver 10.0.0.2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	waitEdge(t, edges, true)
}
