package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kenneth/tenant-kms/internal/alerts"
	"github.com/kenneth/tenant-kms/internal/api"
	"github.com/kenneth/tenant-kms/internal/audit"
	"github.com/kenneth/tenant-kms/internal/cache"
	"github.com/kenneth/tenant-kms/internal/config"
	"github.com/kenneth/tenant-kms/internal/crypto"
	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/kms"
	"github.com/kenneth/tenant-kms/internal/metrics"
	"github.com/kenneth/tenant-kms/internal/middleware"
	"github.com/kenneth/tenant-kms/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "kms-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	logger.WithFields(logrus.Fields{
		"addr":             cfg.Server.Addr,
		"rotation_enabled": cfg.Rotation.Enabled,
	}).Info("starting tenant KMS")

	master, err := crypto.NewMasterKeyManager(cfg.MasterKeyHex, logger)
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	store := keys.NewStore(db, logger)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate key tables: %w", err)
	}

	signer, err := audit.NewSigner([]byte(cfg.AuditSigningKey))
	if err != nil {
		return fmt.Errorf("audit signer: %w", err)
	}
	auditLog := audit.NewLogger(db, signer, logger, audit.StdoutWriter{})
	if err := auditLog.Migrate(); err != nil {
		return fmt.Errorf("migrate audit tables: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	cacheMgr := cache.NewManager(redisClient, cfg.Cache.TTL, logger)

	collector := metrics.NewCollector()
	notifier := alerts.NewWebhookNotifier(cfg.Alerts.ChatWebhookURL, cfg.Alerts.PagerWebhookURL)
	alertMgr := alerts.NewManager(logger, notifier, collector)

	service := kms.NewService(master, store, cacheMgr, auditLog, alertMgr, collector, logger)
	rotation := kms.NewRotationManager(service, store, auditLog, alertMgr, collector, logger)

	var sched *scheduler.Scheduler
	if cfg.Rotation.Enabled {
		rotationJob := scheduler.NewRotationJob(rotation, auditLog, alertMgr, logger)
		monitoringJob := scheduler.NewMonitoringJob(
			store, cacheMgr, auditLog, alertMgr, collector,
			cfg.Retention.ResolvedAlertsMaxAge, cfg.Retention.AuditLogDays, logger)
		sched, err = scheduler.New(cfg.Rotation.CronSpec, cfg.Rotation.MonitoringSpec,
			rotationJob, monitoringJob, logger)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// Notification endpoints follow file edits without a restart.
	if configPath != "" {
		stopWatch, werr := config.Watch(configPath, logger, func(next *config.Config) {
			notifier.SetEndpoints(next.Alerts.ChatWebhookURL, next.Alerts.PagerWebhookURL)
		})
		if werr != nil {
			logger.WithError(werr).Warn("config watch unavailable")
		} else {
			defer stopWatch()
		}
	}

	handler := api.NewHandler(
		service, rotation, auditLog, alertMgr, cacheMgr, collector, logger,
		sqlDB.PingContext,
		master.Validate,
	)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Use(middleware.Logging(logger), middleware.Recovery(logger))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("HTTP server listening")
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case serveErr := <-errCh:
		return fmt.Errorf("http server: %w", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("forced shutdown")
	}
	return nil
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
