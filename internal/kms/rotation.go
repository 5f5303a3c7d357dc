package kms

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/tenant-kms/internal/alerts"
	"github.com/kenneth/tenant-kms/internal/audit"
	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/metrics"
)

// Rotator is the slice of the service the rotation manager drives.
type Rotator interface {
	RotateKey(ctx context.Context, keyID, tenantID string) (*keys.KeyMetadata, error)
}

// RotationManager implements rotation policy on top of the service's
// mechanical rotation: schedule upkeep, the periodic sweep, and re-encryption
// coordination.
type RotationManager struct {
	rotator Rotator
	store   *keys.Store
	audit   *audit.Logger
	alerts  *alerts.Manager
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewRotationManager wires the policy layer.
func NewRotationManager(
	rotator Rotator,
	store *keys.Store,
	auditLog *audit.Logger,
	alertMgr *alerts.Manager,
	collector *metrics.Collector,
	logger *logrus.Logger,
) *RotationManager {
	return &RotationManager{
		rotator: rotator,
		store:   store,
		audit:   auditLog,
		alerts:  alertMgr,
		metrics: collector,
		logger:  logger,
	}
}

// ScheduleRotation upserts the rotation schedule for a key lineage.
func (m *RotationManager) ScheduleRotation(ctx context.Context, sched *keys.RotationSchedule) error {
	if sched.KeyID == "" || sched.TenantID == "" {
		return keys.Errorf(keys.KindRotationFailed, "rotation.ScheduleRotation", "key_id and tenant_id are required")
	}
	if sched.IntervalDays <= 0 {
		return keys.Errorf(keys.KindRotationFailed, "rotation.ScheduleRotation", "interval must be positive")
	}
	if sched.NextRotationAt.IsZero() {
		sched.NextRotationAt = time.Now().UTC().AddDate(0, 0, sched.IntervalDays)
	}
	if sched.LastRotationAt != nil && sched.NextRotationAt.Before(*sched.LastRotationAt) {
		return keys.Errorf(keys.KindRotationFailed, "rotation.ScheduleRotation",
			"next rotation would precede the last rotation")
	}
	return m.store.UpsertSchedule(ctx, sched)
}

// SweepReport aggregates one rotation sweep.
type SweepReport struct {
	RotatedKeys    []string      `json:"rotated_keys"`
	FailedKeys     []string      `json:"failed_keys"`
	TotalProcessed int           `json:"total_processed"`
	Duration       time.Duration `json:"duration"`
}

// CheckAndRotateExpiredKeys rotates every enabled schedule that has come due
// and every active key whose expiry has passed. Failures are isolated per
// key: one bad key never aborts the sweep.
func (m *RotationManager) CheckAndRotateExpiredKeys(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	now := start.UTC()
	report := &SweepReport{}
	processed := make(map[string]bool)

	due, err := m.store.DueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, sched := range due {
		processed[sched.KeyID] = true
		m.rotateOne(ctx, report, sched.KeyID, sched.TenantID, "schedule_due")
	}

	expired, err := m.store.FindExpiredKeys(ctx, now)
	if err != nil {
		// Scheduled rotations already happened; report them along with
		// the scan failure.
		report.Duration = time.Since(start)
		m.export(report)
		return report, err
	}
	for _, key := range expired {
		if processed[key.ID] {
			continue
		}
		processed[key.ID] = true
		m.rotateOne(ctx, report, key.ID, key.TenantID, "key_expired")
	}

	report.TotalProcessed = len(processed)
	report.Duration = time.Since(start)
	m.export(report)

	m.logger.WithFields(logrus.Fields{
		"rotated":   len(report.RotatedKeys),
		"failed":    len(report.FailedKeys),
		"processed": report.TotalProcessed,
		"duration":  report.Duration,
	}).Info("rotation sweep finished")
	return report, nil
}

func (m *RotationManager) rotateOne(ctx context.Context, report *SweepReport, keyID, tenantID, reason string) {
	if _, err := m.rotator.RotateKey(ctx, keyID, tenantID); err != nil {
		report.FailedKeys = append(report.FailedKeys, keyID)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"key_id": keyID,
			"reason": reason,
		}).Error("scheduled rotation failed")
		return
	}
	report.RotatedKeys = append(report.RotatedKeys, keyID)
}

func (m *RotationManager) export(report *SweepReport) {
	m.metrics.SetGauge("rotation_sweep_rotated", float64(len(report.RotatedKeys)))
	m.metrics.SetGauge("rotation_sweep_failed", float64(len(report.FailedKeys)))
	m.metrics.SetGauge("rotation_sweep_duration_seconds", report.Duration.Seconds())
}

// DataRef identifies caller-owned ciphertext that must be re-protected after
// a rotation. The KMS never sees the data itself.
type DataRef struct {
	Table  string   `json:"table"`
	Column string   `json:"column"`
	IDs    []string `json:"ids"`
}

// ReEncryptFunc re-encrypts one reference from the old key to the new one.
type ReEncryptFunc func(ctx context.Context, oldKeyID, newKeyID string, ref DataRef) error

// ReEncryptReport tracks per-reference outcomes.
type ReEncryptReport struct {
	References int               `json:"references"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// ReEncryptData coordinates re-encryption of caller-owned ciphertext after a
// rotation. Every reference is attempted; a partial failure completes the
// rest and then fails loudly. A missing callback with work to do is a hard
// configuration error: silently leaving ciphertext under the old key would
// make the rotation a lie.
func (m *RotationManager) ReEncryptData(ctx context.Context, tenantID, oldKeyID, newKeyID string, refs []DataRef, fn ReEncryptFunc) (*ReEncryptReport, error) {
	report := &ReEncryptReport{References: len(refs)}
	if len(refs) == 0 {
		return report, nil
	}
	if fn == nil {
		m.alerts.CreateAlert(alerts.SeverityError, "Re-encryption not configured",
			"rotation left data references with no re-encryption callback",
			keys.Metadata{"tenant_id": tenantID, "old_key_id": oldKeyID,
				"new_key_id": newKeyID, "references": strconv.Itoa(len(refs))})
		return report, keys.Errorf(keys.KindRotationFailed, "rotation.ReEncryptData",
			"no re-encryption callback configured for %d data references", len(refs))
	}

	report.Errors = make(map[string]string)
	for _, ref := range refs {
		if err := fn(ctx, oldKeyID, newKeyID, ref); err != nil {
			report.Failed++
			report.Errors[ref.Table+"."+ref.Column] = err.Error()
			continue
		}
		report.Succeeded++
	}

	m.audit.LogKeyRotation(ctx, oldKeyID, newKeyID, tenantID, resultFor(report))
	if report.Failed > 0 {
		failed := make([]string, 0, len(report.Errors))
		for ref := range report.Errors {
			failed = append(failed, ref)
		}
		m.alerts.CreateAlert(alerts.SeverityError, "Partial re-encryption failure",
			"some data references could not be re-encrypted under the new key",
			keys.Metadata{"tenant_id": tenantID, "old_key_id": oldKeyID,
				"new_key_id": newKeyID, "failed_refs": strings.Join(failed, ",")})
		return report, keys.Errorf(keys.KindRotationFailed, "rotation.ReEncryptData",
			"%d of %d references failed re-encryption", report.Failed, report.References)
	}
	return report, nil
}

func resultFor(report *ReEncryptReport) string {
	if report.Failed > 0 {
		return audit.ResultFailure
	}
	return audit.ResultSuccess
}
