// Package connect provides the network connectivity signal for the save
// pipeline. A Monitor keeps a lightweight websocket open to the draft
// server's notify endpoint: holding the socket (and its pings) is the
// online signal, losing it is the offline signal. The engine consumes the
// transitions; it never reads ambient global connectivity state.
package connect

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	pingInterval = 15 * time.Second
	pingTimeout  = 5 * time.Second
	redialDelay  = 5 * time.Second
)

// Monitor watches connectivity to one websocket URL.
type Monitor struct {
	url    string
	logger *slog.Logger

	online  atomic.Bool
	changes chan bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dialFunc is swapped in tests to avoid a real server.
	dialFunc func(ctx context.Context, url string) (pinger, error)
	// sleepFunc waits between redial attempts. Tests shorten it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// pinger is the slice of *websocket.Conn the monitor needs.
type pinger interface {
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// NewMonitor creates a Monitor for the given websocket URL
// (e.g. "wss://api.example.com/v1/notify").
func NewMonitor(url string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		url:       url,
		logger:    logger,
		changes:   make(chan bool, 16),
		dialFunc:  dialWebsocket,
		sleepFunc: sleepCtx,
	}
}

func dialWebsocket(ctx context.Context, url string) (pinger, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start launches the dial/ping loop. The monitor reports offline until the
// first successful dial.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)

	go m.run(ctx)
}

// Stop tears the monitor down and closes the Changes channel.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.wg.Wait()
	close(m.changes)
}

// Online reports the current connectivity belief.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Changes delivers online/offline transitions. Closed by Stop.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dialFunc(ctx, m.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.setOnline(false)
			m.logger.Debug("notify socket dial failed",
				slog.String("url", m.url),
				slog.String("error", err.Error()),
			)

			if m.sleepFunc(ctx, redialDelay) != nil {
				return
			}

			continue
		}

		m.setOnline(true)
		m.holdConnection(ctx, conn)

		if ctx.Err() != nil {
			return
		}

		m.setOnline(false)

		if m.sleepFunc(ctx, redialDelay) != nil {
			return
		}
	}
}

// holdConnection pings until the socket breaks or the context ends.
func (m *Monitor) holdConnection(ctx context.Context, conn pinger) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		if m.sleepFunc(ctx, pingInterval) != nil {
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := conn.Ping(pingCtx)

		cancel()

		if err != nil {
			m.logger.Info("notify socket lost", slog.String("error", err.Error()))
			return
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	m.logger.Info("connectivity changed", slog.Bool("online", online))

	// Non-blocking: a slow consumer must not stall the monitor; Online()
	// always carries the current truth.
	select {
	case m.changes <- online:
	default:
	}
}

// Static returns an observer that is permanently online or offline, for
// one-shot commands and tests that do not need a live signal.
func Static(online bool) *StaticObserver {
	s := &StaticObserver{changes: make(chan bool)}
	s.online = online

	return s
}

// StaticObserver reports a fixed connectivity state and never signals a
// transition.
type StaticObserver struct {
	online  bool
	changes chan bool
}

// Online reports the fixed state.
func (s *StaticObserver) Online() bool {
	return s.online
}

// Changes returns a channel that never delivers.
func (s *StaticObserver) Changes() <-chan bool {
	return s.changes
}
