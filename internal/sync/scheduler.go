package sync

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/config"
	"github.com/andranikuz/ai-calendar/internal/logger"
	"github.com/andranikuz/ai-calendar/internal/netmon"
)

// Scheduler periodically probes connectivity, drains the outbox and prunes
// stale cached records. The became-online trigger usually gets there
// first; the schedule is a safety net for long-lived online sessions.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	monitor *netmon.Monitor
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager, monitor *netmon.Monitor) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		monitor: monitor,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.runPass()
	})
	if err != nil {
		logger.Log.Error("Failed to schedule sync pass", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) runPass() {
	if !s.monitor.Probe() {
		logger.Log.Debug("Skipping scheduled sync, upstream unreachable")
		return
	}

	if _, err := s.manager.SyncPendingActions(s.manager.ctx); err != nil {
		logger.Log.Error("Scheduled sync failed", zap.Error(err))
	}
	s.manager.Cleanup(s.manager.ctx)
}
