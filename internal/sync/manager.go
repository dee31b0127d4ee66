package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/gateway"
	"github.com/andranikuz/ai-calendar/internal/logger"
	"github.com/andranikuz/ai-calendar/internal/netmon"
	"github.com/andranikuz/ai-calendar/internal/replay"
	"github.com/andranikuz/ai-calendar/internal/store"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Partitions the agent caches and replays for.
var Partitions = []string{"goals", "events", "moods"}

// OfflineStatus is the reactive signal exposed to the UI.
type OfflineStatus struct {
	IsOnline     bool          `json:"is_online"`
	PendingCount int           `json:"pending_count"`
	SyncStatus   Status        `json:"sync_status"`
	LastDrain    replay.Report `json:"last_drain"`
}

// Manager glues the monitor, gateway and replayer together: it owns the
// sync status the UI sees and is the only component that triggers drains.
type Manager struct {
	store     store.Store
	monitor   *netmon.Monitor
	replayer  *replay.Replayer
	gateway   *gateway.Gateway
	retention time.Duration

	mu         sync.Mutex
	status     Status
	lastReport replay.Report

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(st store.Store, monitor *netmon.Monitor, replayer *replay.Replayer, gw *gateway.Gateway, retention time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		monitor:   monitor,
		replayer:  replayer,
		gateway:   gw,
		retention: retention,
		status:    StatusIdle,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start wires the drain triggers: the became-online transition and the
// gateway's per-enqueue nudge. These and the scheduler are the only
// automatic triggers.
func (m *Manager) Start() {
	m.monitor.OnOnline(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.SyncPendingActions(m.ctx)
		}()
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.gateway.ReplayNudge():
				m.SyncPendingActions(m.ctx)
			case <-m.ctx.Done():
				return
			}
		}
	}()

	m.monitor.Start()
	logger.Log.Info("Sync manager started")
}

func (m *Manager) Stop() {
	m.cancel()
	m.monitor.Stop()
	m.wg.Wait()
	logger.Log.Info("Sync manager stopped")
}

// Status reports the offline signal for the UI.
func (m *Manager) Status(ctx context.Context) (*OfflineStatus, error) {
	count, err := m.store.CountActions(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &OfflineStatus{
		IsOnline:     m.monitor.IsOnline(),
		PendingCount: count,
		SyncStatus:   m.status,
		LastDrain:    m.lastReport,
	}, nil
}

// SyncPendingActions runs one drain pass. Safe to call from any trigger;
// the replayer collapses concurrent passes.
func (m *Manager) SyncPendingActions(ctx context.Context) (replay.Report, error) {
	m.setStatus(StatusSyncing)

	report, err := m.replayer.Drain(ctx)
	if err != nil {
		logger.Log.Error("Drain pass failed", zap.Error(err))
		m.setStatus(StatusError)
		return report, err
	}

	m.mu.Lock()
	m.status = StatusIdle
	m.lastReport = report
	m.mu.Unlock()
	return report, nil
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// ClearOfflineData wipes every cached partition and the outbox.
func (m *Manager) ClearOfflineData(ctx context.Context) error {
	for _, partition := range Partitions {
		if err := m.store.Clear(ctx, partition); err != nil {
			return err
		}
	}
	return m.store.ClearActions(ctx)
}

// RefreshOfflineData rebuilds the in-memory projection of each cached
// partition so the UI reflects reconciled state after a drain.
func (m *Manager) RefreshOfflineData(ctx context.Context) (map[string][]json.RawMessage, error) {
	data := make(map[string][]json.RawMessage, len(Partitions))
	for _, partition := range Partitions {
		recs, err := m.store.GetAll(ctx, partition, store.Query{})
		if err != nil {
			return nil, err
		}
		items := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			items = append(items, rec.Data)
		}
		data[partition] = items
	}
	return data, nil
}

// Cleanup drops synced records older than the retention window. Pending
// records are kept regardless of age.
func (m *Manager) Cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.retention)
	for _, partition := range Partitions {
		n, err := m.store.CleanupSynced(ctx, partition, cutoff)
		if err != nil {
			logger.Log.Warn("Cleanup failed", zap.String("partition", partition), zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Log.Info("Cleaned up stale records",
				zap.String("partition", partition), zap.Int64("removed", n))
		}
	}
}
