// Sentinel Core is the job orchestration and scheduling core of the
// cybersecurity intelligence platform.
//
// Runs as a standalone binary. Serves:
//   - REST API surface for jobs, findings, scheduled searches, and network
//     blocks (registered on the process mux by the register*Routes functions
//     in routes.go)
//   - WebSocket event stream for live job/network activity
//   - Prometheus metrics
//
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blackflagsec/sentinel/internal/activitylog"
	"github.com/blackflagsec/sentinel/internal/capability"
	"github.com/blackflagsec/sentinel/internal/config"
	"github.com/blackflagsec/sentinel/internal/events"
	"github.com/blackflagsec/sentinel/internal/executors/webrecon"
	"github.com/blackflagsec/sentinel/internal/findings"
	"github.com/blackflagsec/sentinel/internal/jobs"
	"github.com/blackflagsec/sentinel/internal/network"
	"github.com/blackflagsec/sentinel/internal/orchestrator"
	"github.com/blackflagsec/sentinel/internal/scheduledsearch"
	"github.com/blackflagsec/sentinel/internal/scheduler"
	"github.com/blackflagsec/sentinel/internal/storage"
	"github.com/blackflagsec/sentinel/internal/telemetry"
	"github.com/blackflagsec/sentinel/internal/tenancy"
	"github.com/blackflagsec/sentinel/internal/wshub"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := zapr.NewLogger(logger)

	cfg, err := config.Load(os.Getenv("SENTINEL_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("failed to create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	jobsStore, err := jobs.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		logger.Fatal("open jobs store", zap.Error(err))
	}
	defer jobsStore.Close()

	findingsStore, err := findings.NewStore(filepath.Join(cfg.DataDir, "findings.db"))
	if err != nil {
		logger.Fatal("open findings store", zap.Error(err))
	}
	defer findingsStore.Close()

	searchStore, err := scheduledsearch.NewStore(filepath.Join(cfg.DataDir, "scheduled_searches.db"))
	if err != nil {
		logger.Fatal("open scheduled search store", zap.Error(err))
	}
	defer searchStore.Close()

	auditLog, err := network.NewAuditLog(filepath.Join(cfg.DataDir, "network_audit.db"), network.AuditLogConfig{
		MaxBodyBytes: int(cfg.Network.MaxBodySize),
	})
	if err != nil {
		logger.Fatal("open network audit log", zap.Error(err))
	}
	defer auditLog.Close()

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	bus := events.NewBus(256)
	tenants := tenancy.NewTracker(8, log)
	activity := activitylog.New(10000)

	registry := capability.NewRegistry()
	if err := registry.Register(jobs.CapabilityExposureDiscovery, webrecon.New(nil)); err != nil {
		logger.Fatal("register webrecon executor", zap.Error(err))
	}

	orch := orchestrator.New(jobsStore, findingsStore, registry, tenants, bus, metrics, logger, orchestrator.DefaultConfig())
	orch.Start(ctx)
	defer orch.Stop()

	sched := scheduler.New(searchStore, orch, logger)
	sched.Start(ctx)
	defer sched.Stop()

	blockRegistry := network.NewRegistry()
	limiter := network.NewLimiter(cfg.Network.RateLimitIP, cfg.Network.RateLimitEndpoint)
	detector := network.NewTunnelDetector(network.DefaultDetectorConfig(), log)

	gatekeeper := network.NewGatekeeper(network.GatekeeperConfig{
		EnableBlocking:        cfg.Network.EnableBlocking,
		EnableLogging:         cfg.Network.EnableLogging,
		EnableTunnelDetection: cfg.Network.EnableTunnelDetection,
		TunnelConfidenceMin:   cfg.Network.TunnelConfidenceMin,
		MaxBodyBytes:          int(cfg.Network.MaxBodySize),
	}, blockRegistry, limiter, detector, auditLog, bus, metrics, logger)

	hub := wshub.NewHub(bus, logger)

	networkAuditPath := filepath.Join(cfg.DataDir, "network_audit.db")
	go runAuditLogGauge(ctx, auditLog, metrics, logger)
	go runRetention(ctx, auditLog, networkAuditPath, cfg.Network.LogTTLDays, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /api/health", healthHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})
	mux.Handle("GET /metrics", telemetry.Handler())
	mux.HandleFunc("/ws", hub.HandleWS)

	registerJobRoutes(mux, orch, jobsStore, activity)
	registerFindingRoutes(mux, findingsStore)
	registerScheduleRoutes(mux, searchStore)
	registerNetworkRoutes(mux, blockRegistry, auditLog)
	registerAutomationRoutes(mux, searchStore, activity)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gatekeeper.Middleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting sentinel core",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Strings("capabilities", capabilityStrings(registry.Registered())),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func capabilityStrings(caps []jobs.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// runAuditLogGauge periodically updates the AuditLogVolume gauge; Count()
// is a full table scan so this runs far below request rate.
func runAuditLogGauge(ctx context.Context, auditLog *network.AuditLog, metrics *telemetry.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := auditLog.Count()
			if err != nil {
				logger.Warn("audit log count failed", zap.Error(err))
				continue
			}
			metrics.AuditLogVolume.Set(float64(n))
		}
	}
}

// runRetention enforces NETWORK_LOG_TTL_DAYS once a day, backing up the
// database before trimming it.
func runRetention(ctx context.Context, auditLog *network.AuditLog, dbPath string, ttlDays int, logger *zap.Logger) {
	if ttlDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backupPath, err := storage.BackupDatabase(dbPath)
			if err != nil {
				logger.Warn("network log backup failed, skipping retention sweep", zap.Error(err))
				continue
			}
			logger.Info("network log backed up", zap.String("path", backupPath))

			removed, err := auditLog.CleanupOldLogs(ttlDays)
			if err != nil {
				logger.Warn("network log retention sweep failed", zap.Error(err))
				continue
			}
			logger.Info("network log retention sweep", zap.Int64("removed", removed))

			if err := storage.CleanOldBackups(dbPath, time.Duration(ttlDays)*24*time.Hour); err != nil {
				logger.Warn("old backup cleanup failed", zap.Error(err))
			}
		}
	}
}
