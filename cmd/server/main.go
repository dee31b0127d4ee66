package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/api"
	"github.com/andranikuz/ai-calendar/internal/conflict"
	"github.com/andranikuz/ai-calendar/internal/config"
	"github.com/andranikuz/ai-calendar/internal/gateway"
	"github.com/andranikuz/ai-calendar/internal/logger"
	"github.com/andranikuz/ai-calendar/internal/netmon"
	"github.com/andranikuz/ai-calendar/internal/replay"
	"github.com/andranikuz/ai-calendar/internal/store"
	"github.com/andranikuz/ai-calendar/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync agent")

	// Init Local Store
	localStore, err := store.NewSQLiteStore(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}
	defer localStore.Close()

	// Init Network Monitor
	probeURL := cfg.Upstream.BaseURL + cfg.Upstream.HealthPath
	monitor := netmon.NewMonitor(probeURL, cfg.Upstream.GetProbeInterval(), cfg.Upstream.GetRequestTimeout())

	// Init Gateway
	gw, err := gateway.NewGateway(cfg.Upstream, cfg.Offline, localStore, monitor)
	if err != nil {
		logger.Log.Fatal("Failed to init gateway", zap.Error(err))
	}

	// Init Replayer and Sync Manager
	replayer := replay.NewReplayer(cfg.Upstream, cfg.Offline, localStore, monitor)
	manager := sync.NewManager(localStore, monitor, replayer, gw, cfg.Storage.GetRetention())
	manager.Start()
	defer manager.Stop()

	// Init Scheduler
	scheduler := sync.NewScheduler(cfg.Scheduler, manager, monitor)
	scheduler.Start()
	defer scheduler.Stop()

	// Init Conflict Ledger and API
	ledger := conflict.NewLedger(localStore)
	handler := api.NewHandler(manager, ledger, gw)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	server.Close()
}
