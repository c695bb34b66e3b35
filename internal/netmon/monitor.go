// Package netmon determines online/offline state for the fieldsync engine.
//
// A lightweight reachability probe (short-timeout HEAD request against the
// remote health endpoint) runs on a fixed interval. Transitions are
// edge-triggered: registered handlers fire exactly once per edge, not per
// poll. Going offline is declared on the first failed probe; going online
// requires probes to stay successful for a settle window, so flapping
// connectivity collapses into one transition.
//
// Where the platform exposes network-change signals through the filesystem
// (resolver configuration rewrites), the monitor watches those paths with
// fsnotify and schedules an immediate probe instead of waiting for the next
// tick.
package netmon

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Config tunes the monitor.
type Config struct {
	// ProbeURL is the health endpoint checked for reachability.
	ProbeURL string
	// ProbeInterval is how often the probe runs.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one probe. A timeout counts as offline.
	ProbeTimeout time.Duration
	// SettleWindow is how long probes must stay successful before the
	// monitor declares online.
	SettleWindow time.Duration
	// NetConfigPaths are files watched for platform network changes.
	NetConfigPaths []string
}

// Handler is invoked once per connectivity edge with the new state.
type Handler func(online bool)

// Monitor polls a health endpoint and reports edge-triggered connectivity
// transitions. The zero state is offline until the first settled probe.
type Monitor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	online atomic.Bool

	mu       sync.Mutex
	handlers []Handler
	running  bool

	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
}

// New creates a monitor. Start must be called before transitions fire.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.SettleWindow < 0 {
		cfg.SettleWindow = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// IsOnline reports the best-effort, point-in-time connectivity state.
func (m *Monitor) IsOnline() bool { return m.online.Load() }

// OnTransition registers a handler invoked exactly once per connectivity
// edge. Handlers run on the monitor goroutine and should not block.
func (m *Monitor) OnTransition(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins probing. It is an error to start a running monitor; a
// stopped monitor may be started again.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.done = make(chan struct{})

	m.startNetConfigWatcher(m.done)

	m.wg.Add(1)
	go m.probeLoop(m.done)
	return nil
}

// Stop halts probing and releases the filesystem watcher. Safe to call on
// a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	done := m.done
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	close(done)
	if watcher != nil {
		_ = watcher.Close()
	}
	m.wg.Wait()
}

// Kick schedules an immediate probe without waiting for the next tick.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SetOnline overrides the connectivity state, firing transition handlers
// if the state changes. Intended for callers that already know the state
// (platform connectivity APIs, tests); the probe loop resumes normal
// operation afterwards.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) != online {
		m.fireTransition(online)
	}
}

func (m *Monitor) probeLoop(done <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	var firstOKAt time.Time

	// Probe immediately on start rather than waiting one interval.
	firstOKAt = m.step(firstOKAt)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			firstOKAt = m.step(firstOKAt)
		case <-m.kick:
			firstOKAt = m.step(firstOKAt)
		}
	}
}

// step runs one probe and advances the debounce state machine. It returns
// the updated first-success timestamp (zero while unreachable).
func (m *Monitor) step(firstOKAt time.Time) time.Time {
	reachable := m.probeOnce()

	if !reachable {
		if m.online.Swap(false) {
			m.logger.Info("connectivity lost")
			m.fireTransition(false)
		}
		return time.Time{}
	}

	if m.online.Load() {
		return firstOKAt
	}

	now := time.Now()
	if firstOKAt.IsZero() {
		firstOKAt = now
	}
	if now.Sub(firstOKAt) >= m.cfg.SettleWindow {
		if !m.online.Swap(true) {
			m.logger.Info("connectivity restored",
				zap.Duration("settled_for", now.Sub(firstOKAt)))
			m.fireTransition(true)
		}
	}
	return firstOKAt
}

// probeOnce checks reachability. Any HTTP response counts as reachable;
// timeouts and transport errors count as offline. It never panics and
// never returns an error.
func (m *Monitor) probeOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.Warn("invalid probe url", zap.String("url", m.cfg.ProbeURL), zap.Error(err))
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (m *Monitor) fireTransition(online bool) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
}

// startNetConfigWatcher wires fsnotify hints. Failures are logged and
// ignored: the interval probe alone is sufficient.
func (m *Monitor) startNetConfigWatcher(done <-chan struct{}) {
	if len(m.cfg.NetConfigPaths) == 0 {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("net-config watcher unavailable", zap.Error(err))
		return
	}

	// Watch parent directories: resolver files are typically replaced by
	// rename, which drops a direct file watch.
	watched := make(map[string]bool)
	names := make(map[string]bool)
	for _, p := range m.cfg.NetConfigPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		names[abs] = true
		dir := filepath.Dir(abs)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			m.logger.Warn("failed to watch net-config dir",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched[dir] = true
	}

	if len(watched) == 0 {
		_ = watcher.Close()
		return
	}

	m.watcher = watcher
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, err := filepath.Abs(event.Name)
				if err != nil || !names[abs] {
					continue
				}
				m.logger.Debug("net-config change", zap.String("path", abs))
				m.Kick()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("net-config watcher error", zap.Error(err))
			}
		}
	}()
}
