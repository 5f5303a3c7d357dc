package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/kenneth/tenant-kms/internal/keys"
)

// Logger writes signed audit entries to the database and optionally mirrors
// them to an external event stream. Audit durability is best-effort on top of
// must-succeed key operations: a write failure is counted and logged but must
// never abort the operation that triggered it, so callers typically discard
// the returned error after observing it.
type Logger struct {
	db       *gorm.DB
	signer   *Signer
	log      *logrus.Logger
	mirror   EventWriter
	failures atomic.Int64
}

// NewLogger creates an audit logger. mirror may be nil.
func NewLogger(db *gorm.DB, signer *Signer, log *logrus.Logger, mirror EventWriter) *Logger {
	return &Logger{db: db, signer: signer, log: log, mirror: mirror}
}

// Migrate creates the audit table.
func (l *Logger) Migrate() error {
	return l.db.AutoMigrate(&Entry{})
}

// FailureCount reports how many audit writes have failed since startup. The
// monitoring job exports it so audit degradation stays observable.
func (l *Logger) FailureCount() int64 { return l.failures.Load() }

// LogEvent signs and persists one audit entry.
func (l *Logger) LogEvent(ctx context.Context, ev *Event) error {
	// Stored at microsecond precision so the signed timestamp survives the
	// database round trip unchanged.
	entry := &Entry{
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		EventType: ev.EventType,
		KeyID:     ev.KeyID,
		TenantID:  ev.TenantID,
		ServiceID: ev.ServiceID,
		UserID:    ev.UserID,
		Action:    ev.Action,
		Result:    ev.Result,
		Metadata:  ev.Metadata,
		IPAddress: ev.IPAddress,
	}
	sig, err := l.signer.Sign(entry)
	if err != nil {
		return l.fail(err, entry)
	}
	entry.HMACSignature = sig

	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return l.fail(keys.E(keys.KindAuditLog, "audit.LogEvent", "", err), entry)
	}
	if l.mirror != nil {
		if err := l.mirror.WriteEntry(entry); err != nil {
			l.log.WithError(err).Debug("audit mirror write failed")
		}
	}
	return nil
}

func (l *Logger) fail(err error, entry *Entry) error {
	l.failures.Add(1)
	l.log.WithError(err).WithFields(logrus.Fields{
		"event_type": entry.EventType,
		"key_id":     entry.KeyID,
		"tenant_id":  entry.TenantID,
	}).Error("audit log write failed")
	return err
}

// LogKeyCreation records a key creation attempt.
func (l *Logger) LogKeyCreation(ctx context.Context, keyID, tenantID, result string, md keys.Metadata) {
	_ = l.LogEvent(ctx, &Event{
		EventType: EventKeyCreation, KeyID: keyID, TenantID: tenantID,
		Action: "create_key", Result: result, Metadata: md,
	})
}

// LogKeyAccess records a key metadata read.
func (l *Logger) LogKeyAccess(ctx context.Context, keyID, tenantID, result string, md keys.Metadata) {
	_ = l.LogEvent(ctx, &Event{
		EventType: EventKeyAccess, KeyID: keyID, TenantID: tenantID,
		Action: "get_key_metadata", Result: result, Metadata: md,
	})
}

// LogKeyRotation records a rotation, linking predecessor and successor keys.
func (l *Logger) LogKeyRotation(ctx context.Context, oldKeyID, newKeyID, tenantID, result string) {
	md := keys.Metadata{"old_key_id": oldKeyID}
	if newKeyID != "" {
		md["new_key_id"] = newKeyID
	}
	_ = l.LogEvent(ctx, &Event{
		EventType: EventKeyRotation, KeyID: oldKeyID, TenantID: tenantID,
		Action: "rotate_key", Result: result, Metadata: md,
	})
}

// LogKeyStatusChange records a status transition.
func (l *Logger) LogKeyStatusChange(ctx context.Context, keyID, tenantID string, from, to keys.KeyStatus, result string) {
	_ = l.LogEvent(ctx, &Event{
		EventType: EventKeyStatusChange, KeyID: keyID, TenantID: tenantID,
		Action: "change_key_status", Result: result,
		Metadata: keys.Metadata{"from": string(from), "to": string(to)},
	})
}

// LogKeyDeletion records a key deletion.
func (l *Logger) LogKeyDeletion(ctx context.Context, keyID, tenantID, result string) {
	_ = l.LogEvent(ctx, &Event{
		EventType: EventKeyDeletion, KeyID: keyID, TenantID: tenantID,
		Action: "delete_key", Result: result,
	})
}

// LogSecurityAlert records a security-relevant event outside the normal key
// lifecycle, such as a failed cron sweep.
func (l *Logger) LogSecurityAlert(ctx context.Context, tenantID, action string, md keys.Metadata) {
	_ = l.LogEvent(ctx, &Event{
		EventType: EventSecurityAlert, TenantID: tenantID,
		Action: action, Result: ResultFailure, Metadata: md,
	})
}

// VerifyEntry recomputes the entry's HMAC to detect post-hoc tampering.
func (l *Logger) VerifyEntry(e *Entry) bool { return l.signer.Verify(e) }

// Query returns audit entries matching the filter, newest first.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]*Entry, error) {
	q := l.db.WithContext(ctx).Model(&Entry{})
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.KeyID != "" {
		q = q.Where("key_id = ?", filter.KeyID)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.ServiceID != "" {
		q = q.Where("service_id = ?", filter.ServiceID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Result != "" {
		q = q.Where("result = ?", filter.Result)
	}
	if filter.From != nil {
		q = q.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("timestamp <= ?", *filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*Entry
	err := q.Order("timestamp DESC").Limit(limit).Offset(filter.Offset).Find(&out).Error
	if err != nil {
		return nil, keys.E(keys.KindAuditLog, "audit.Query", "", err)
	}
	return out, nil
}

// FindSuspiciousActivity returns failed operations and security alerts for a
// tenant within the recent window. A simple anomaly surface, not a detection
// engine.
func (l *Logger) FindSuspiciousActivity(ctx context.Context, tenantID string, windowMinutes int) ([]*Entry, error) {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	since := time.Now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	var out []*Entry
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since).
		Where("result = ? OR event_type = ?", ResultFailure, EventSecurityAlert).
		Order("timestamp DESC").
		Find(&out).Error
	if err != nil {
		return nil, keys.E(keys.KindAuditLog, "audit.FindSuspiciousActivity", "", err)
	}
	return out, nil
}

// CleanupOldLogs deletes entries older than the retention boundary and
// returns how many were removed. This is the only sanctioned delete path.
func (l *Logger) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res := l.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Entry{})
	if res.Error != nil {
		return 0, keys.E(keys.KindAuditLog, "audit.CleanupOldLogs", "", res.Error)
	}
	return res.RowsAffected, nil
}
