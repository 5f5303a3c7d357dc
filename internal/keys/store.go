package keys

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store persists encryption keys and rotation schedules in the relational
// database. Every key read filters by (id, tenant_id) so a lookup under the
// wrong tenant is indistinguishable from true absence.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewStore creates a Store over an open gorm connection.
func NewStore(db *gorm.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates or updates the schema for the tables this store owns.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&EncryptionKey{}, &RotationSchedule{})
}

// CreateKey inserts a new key record.
func (s *Store) CreateKey(ctx context.Context, key *EncryptionKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": key.TenantID,
			"purpose":   key.Purpose,
		}).Error("failed to insert key")
		return E(KindStorage, "store.CreateKey", "", err)
	}
	return nil
}

// GetKey fetches one key by (id, tenant). A miss for any reason, including a
// wrong-tenant lookup, returns KEY_NOT_FOUND.
func (s *Store) GetKey(ctx context.Context, keyID, tenantID string) (*EncryptionKey, error) {
	var key EncryptionKey
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Errorf(KindKeyNotFound, "store.GetKey", "key %s not found", keyID)
		}
		return nil, E(KindStorage, "store.GetKey", "", err)
	}
	return &key, nil
}

// UpdateKeyStatus transitions a key's status only if it currently holds
// fromStatus. The conditional write is the concurrency guard that keeps two
// racing rotations from both succeeding: the loser sees zero rows affected.
func (s *Store) UpdateKeyStatus(ctx context.Context, keyID, tenantID string, from, to KeyStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&EncryptionKey{}).
		Where("id = ? AND tenant_id = ? AND status = ?", keyID, tenantID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, E(KindStorage, "store.UpdateKeyStatus", "", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TouchLastUsed stamps last_used_at on a key. Best-effort: callers log but do
// not fail on error.
func (s *Store) TouchLastUsed(ctx context.Context, keyID, tenantID string) error {
	err := s.db.WithContext(ctx).
		Model(&EncryptionKey{}).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		Update("last_used_at", time.Now().UTC()).Error
	if err != nil {
		return E(KindStorage, "store.TouchLastUsed", "", err)
	}
	return nil
}

// GetLatestKeyForPurpose returns the highest-version active key for a
// tenant/purpose pair, supporting rollover without churning callers.
func (s *Store) GetLatestKeyForPurpose(ctx context.Context, tenantID, purpose string) (*EncryptionKey, error) {
	var key EncryptionKey
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND purpose = ? AND status = ?", tenantID, purpose, KeyStatusActive).
		Order("version DESC").
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Errorf(KindKeyNotFound, "store.GetLatestKeyForPurpose",
				"no active key for purpose %s", purpose)
		}
		return nil, E(KindStorage, "store.GetLatestKeyForPurpose", "", err)
	}
	return &key, nil
}

// ListKeys returns keys matching the filter, newest first.
func (s *Store) ListKeys(ctx context.Context, filter ListFilter) ([]*EncryptionKey, error) {
	q := s.db.WithContext(ctx).Model(&EncryptionKey{})
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Purpose != "" {
		q = q.Where("purpose = ?", filter.Purpose)
	}
	if filter.ExpiresBefore != nil {
		q = q.Where("expires_at IS NOT NULL AND expires_at < ?", *filter.ExpiresBefore)
	}
	if filter.ExpiresAfter != nil {
		q = q.Where("expires_at IS NOT NULL AND expires_at > ?", *filter.ExpiresAfter)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*EncryptionKey
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&out).Error
	if err != nil {
		return nil, E(KindStorage, "store.ListKeys", "", err)
	}
	return out, nil
}

// CountKeysByStatus returns the number of keys per status, for monitoring.
func (s *Store) CountKeysByStatus(ctx context.Context) (map[KeyStatus]int64, error) {
	type row struct {
		Status KeyStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&EncryptionKey{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, E(KindStorage, "store.CountKeysByStatus", "", err)
	}
	out := make(map[KeyStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// FindExpiredKeys returns active keys whose expiry has passed.
func (s *Store) FindExpiredKeys(ctx context.Context, now time.Time) ([]*EncryptionKey, error) {
	var out []*EncryptionKey
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", KeyStatusActive, now).
		Find(&out).Error
	if err != nil {
		return nil, E(KindStorage, "store.FindExpiredKeys", "", err)
	}
	return out, nil
}

// DeleteKey removes a key record, but only when it holds the given status.
// Deletion is terminal and restricted to deprecated keys by the service.
func (s *Store) DeleteKey(ctx context.Context, keyID, tenantID string, onlyStatus KeyStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND status = ?", keyID, tenantID, onlyStatus).
		Delete(&EncryptionKey{})
	if res.Error != nil {
		return false, E(KindStorage, "store.DeleteKey", "", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpsertSchedule creates or replaces the rotation schedule for a key lineage.
func (s *Store) UpsertSchedule(ctx context.Context, sched *RotationSchedule) error {
	err := s.db.WithContext(ctx).Save(sched).Error
	if err != nil {
		return E(KindStorage, "store.UpsertSchedule", "", err)
	}
	return nil
}

// GetSchedule fetches the schedule for a key, or nil when none exists.
func (s *Store) GetSchedule(ctx context.Context, keyID string) (*RotationSchedule, error) {
	var sched RotationSchedule
	err := s.db.WithContext(ctx).Where("key_id = ?", keyID).First(&sched).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, E(KindStorage, "store.GetSchedule", "", err)
	}
	return &sched, nil
}

// DeleteSchedule removes the schedule for a key lineage.
func (s *Store) DeleteSchedule(ctx context.Context, keyID string) error {
	err := s.db.WithContext(ctx).Delete(&RotationSchedule{}, "key_id = ?", keyID).Error
	if err != nil {
		return E(KindStorage, "store.DeleteSchedule", "", err)
	}
	return nil
}

// DueSchedules returns enabled schedules whose next rotation time has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*RotationSchedule, error) {
	var out []*RotationSchedule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_rotation_at <= ?", true, now).
		Find(&out).Error
	if err != nil {
		return nil, E(KindStorage, "store.DueSchedules", "", err)
	}
	return out, nil
}

// AdvanceSchedule moves a schedule forward after a successful rotation,
// re-homing it onto the successor key so the lineage keeps rotating.
func (s *Store) AdvanceSchedule(ctx context.Context, sched *RotationSchedule, newKeyID string, now time.Time) error {
	next := now.AddDate(0, 0, sched.IntervalDays)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RotationSchedule{}, "key_id = ?", sched.KeyID).Error; err != nil {
			return E(KindStorage, "store.AdvanceSchedule", "", err)
		}
		replacement := &RotationSchedule{
			KeyID:          newKeyID,
			TenantID:       sched.TenantID,
			Enabled:        sched.Enabled,
			IntervalDays:   sched.IntervalDays,
			NextRotationAt: next,
			LastRotationAt: &now,
		}
		if err := tx.Save(replacement).Error; err != nil {
			return E(KindStorage, "store.AdvanceSchedule", "", err)
		}
		return nil
	})
}
