package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/logger"
)

// Monitor tracks upstream connectivity with an active probe. Platform
// signals tend to be optimistic, so reachability of the upstream health
// endpoint is the source of truth.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	online    bool
	onOnline  []func()
	onOffline []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(probeURL string, interval time.Duration, timeout time.Duration) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// IsOnline reports the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers a handler invoked on each offline-to-online transition.
func (m *Monitor) OnOnline(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, handler)
}

// OnOffline registers a handler invoked on each online-to-offline transition.
func (m *Monitor) OnOffline(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, handler)
}

// Start probes once immediately, then on the configured interval.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.Probe()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Probe()
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Probe checks the upstream health endpoint and records the result,
// firing transition handlers when the state flips.
func (m *Monitor) Probe() bool {
	online := m.check()
	m.SetOnline(online)
	return online
}

func (m *Monitor) check() bool {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// SetOnline records a connectivity observation. Exposed so transport-level
// failures elsewhere can report what they saw without waiting for the
// next probe tick.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var handlers []func()
	if online {
		handlers = append(handlers, m.onOnline...)
	} else {
		handlers = append(handlers, m.onOffline...)
	}
	m.mu.Unlock()

	if online {
		logger.Log.Info("Upstream became reachable", zap.String("probe", m.probeURL))
	} else {
		logger.Log.Warn("Upstream became unreachable", zap.String("probe", m.probeURL))
	}

	for _, h := range handlers {
		h()
	}
}
