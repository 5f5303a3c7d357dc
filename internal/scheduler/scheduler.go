// Package scheduler runs the process-wide background jobs: the rotation
// sweep and the monitoring refresh. Jobs talk to the core service only
// through its public, concurrency-safe API and are individually guarded
// against overlapping runs.
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/kenneth/tenant-kms/internal/alerts"
	"github.com/kenneth/tenant-kms/internal/audit"
	"github.com/kenneth/tenant-kms/internal/cache"
	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/kms"
	"github.com/kenneth/tenant-kms/internal/metrics"
)

// Cron defaults. Rotation runs nightly; monitoring every five minutes; alert
// retention cleanup every six hours.
const (
	DefaultRotationSpec   = "0 2 * * *"
	DefaultMonitoringSpec = "*/5 * * * *"

	alertCleanupEvery = 6 * time.Hour
	jobTimeout        = 10 * time.Minute
)

// RotationJob triggers the rotation sweep. The running flag makes the job
// non-reentrant: an invocation that overlaps a still-running sweep is skipped,
// not queued.
type RotationJob struct {
	rotation *kms.RotationManager
	audit    *audit.Logger
	alerts   *alerts.Manager
	logger   *logrus.Logger
	running  atomic.Bool
}

// NewRotationJob builds the sweep trigger.
func NewRotationJob(rotation *kms.RotationManager, auditLog *audit.Logger, alertMgr *alerts.Manager, logger *logrus.Logger) *RotationJob {
	return &RotationJob{rotation: rotation, audit: auditLog, alerts: alertMgr, logger: logger}
}

// Run executes one sweep. Failures are caught, logged, audited as a security
// alert, and alert-routed; the process never crashes on a bad sweep.
func (j *RotationJob) Run() {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Warn("rotation sweep still in flight, skipping this trigger")
		return
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := j.rotation.CheckAndRotateExpiredKeys(ctx)
	if err != nil {
		j.logger.WithError(err).Error("rotation sweep failed")
		j.audit.LogSecurityAlert(ctx, "", "rotation_sweep_failed",
			keys.Metadata{"error": err.Error()})
		j.alerts.CreateAlert(alerts.SeverityError, "Rotation sweep failed",
			err.Error(), nil)
		return
	}
	if len(report.FailedKeys) > 0 {
		j.alerts.CreateAlert(alerts.SeverityWarning, "Rotation sweep had failures",
			"some keys could not be rotated; see the audit log",
			keys.Metadata{"failed": strconv.Itoa(len(report.FailedKeys))})
	}
}

// MonitoringJob refreshes statistics gauges and health checks, and performs
// alert-retention cleanup on a slower cadence. Read-only against the service,
// so it may overlap anything else; it still guards against overlapping with
// itself.
type MonitoringJob struct {
	store            *keys.Store
	cache            *cache.Manager
	audit            *audit.Logger
	alerts           *alerts.Manager
	metrics          *metrics.Collector
	logger           *logrus.Logger
	alertMaxAge      time.Duration
	auditRetention   int
	lastAlertCleanup atomic.Time
	running          atomic.Bool
}

// NewMonitoringJob builds the statistics/health refresher.
func NewMonitoringJob(
	store *keys.Store,
	cacheMgr *cache.Manager,
	auditLog *audit.Logger,
	alertMgr *alerts.Manager,
	collector *metrics.Collector,
	alertMaxAge time.Duration,
	auditRetentionDays int,
	logger *logrus.Logger,
) *MonitoringJob {
	if alertMaxAge <= 0 {
		alertMaxAge = 24 * time.Hour
	}
	return &MonitoringJob{
		store:          store,
		cache:          cacheMgr,
		audit:          auditLog,
		alerts:         alertMgr,
		metrics:        collector,
		logger:         logger,
		alertMaxAge:    alertMaxAge,
		auditRetention: auditRetentionDays,
	}
}

// Run refreshes gauges and runs the cache health check.
func (j *MonitoringJob) Run() {
	if !j.running.CompareAndSwap(false, true) {
		return
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if counts, err := j.store.CountKeysByStatus(ctx); err == nil {
		for status, n := range counts {
			j.metrics.SetGauge("keys_"+string(status), float64(n))
		}
	} else {
		j.logger.WithError(err).Warn("key count refresh failed")
	}

	stats := j.cache.GetCacheStats(ctx)
	j.metrics.SetGauge("cache_hit_rate", stats.HitRate)
	j.metrics.SetGauge("cache_entries", float64(stats.CachedKeys))
	j.metrics.SetGauge("audit_write_failures", float64(j.audit.FailureCount()))

	if err := j.cache.HealthCheck(ctx); err != nil {
		j.logger.WithError(err).Warn("cache health check failed")
		j.metrics.SetGauge("cache_healthy", 0)
	} else {
		j.metrics.SetGauge("cache_healthy", 1)
	}

	if time.Since(j.lastAlertCleanup.Load()) >= alertCleanupEvery {
		removed := j.alerts.CleanupOldAlerts(j.alertMaxAge)
		if removed > 0 {
			j.logger.WithField("removed", removed).Info("resolved alerts cleaned up")
		}
		if j.auditRetention > 0 {
			if purged, err := j.audit.CleanupOldLogs(ctx, j.auditRetention); err != nil {
				j.logger.WithError(err).Warn("audit log retention sweep failed")
			} else if purged > 0 {
				j.logger.WithField("removed", purged).Info("expired audit entries purged")
			}
		}
		j.lastAlertCleanup.Store(time.Now())
	}
}

// Scheduler owns the cron runner hosting both jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

// New builds the scheduler. Empty specs fall back to the defaults.
func New(rotationSpec, monitoringSpec string, rotation *RotationJob, monitoring *MonitoringJob, logger *logrus.Logger) (*Scheduler, error) {
	if rotationSpec == "" {
		rotationSpec = DefaultRotationSpec
	}
	if monitoringSpec == "" {
		monitoringSpec = DefaultMonitoringSpec
	}
	c := cron.New()
	if _, err := c.AddJob(rotationSpec, rotation); err != nil {
		return nil, keys.E(keys.KindRotationFailed, "scheduler.New", "invalid rotation cron spec", err)
	}
	if _, err := c.AddJob(monitoringSpec, monitoring); err != nil {
		return nil, keys.E(keys.KindRotationFailed, "scheduler.New", "invalid monitoring cron spec", err)
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("background jobs started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("background jobs stopped")
}
