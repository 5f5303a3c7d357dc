// Package kms is the key management façade. It owns key lifecycle semantics
// and orchestrates the master key, store, cache, audit trail, metrics, and
// alerting into the operations other services consume.
package kms

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/tenant-kms/internal/alerts"
	"github.com/kenneth/tenant-kms/internal/audit"
	"github.com/kenneth/tenant-kms/internal/cache"
	"github.com/kenneth/tenant-kms/internal/crypto"
	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/metrics"
)

// DefaultRotationIntervalDays applies when auto-rotation is requested without
// an explicit interval.
const DefaultRotationIntervalDays = 90

// Service is the source of truth for key lifecycle semantics. All mutating
// operations audit themselves; audit failures never abort the operation.
type Service struct {
	master  *crypto.MasterKeyManager
	store   *keys.Store
	cache   *cache.Manager
	audit   *audit.Logger
	alerts  *alerts.Manager
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewService wires the façade. Every dependency is injected by the
// composition root; nothing here reaches for globals.
func NewService(
	master *crypto.MasterKeyManager,
	store *keys.Store,
	cacheMgr *cache.Manager,
	auditLog *audit.Logger,
	alertMgr *alerts.Manager,
	collector *metrics.Collector,
	logger *logrus.Logger,
) *Service {
	return &Service{
		master:  master,
		store:   store,
		cache:   cacheMgr,
		audit:   auditLog,
		alerts:  alertMgr,
		metrics: collector,
		logger:  logger,
	}
}

// Store exposes the underlying key store for the rotation manager.
func (s *Service) Store() *keys.Store { return s.store }

// CreateKey generates a fresh DEK, wraps it under the master key, persists
// the record, seeds the cache, and optionally establishes a rotation
// schedule. Only public metadata is returned; wrapped material never leaves
// the storage/cache boundary.
func (s *Service) CreateKey(ctx context.Context, opts keys.CreateKeyOptions) (*keys.KeyMetadata, error) {
	defer s.metrics.StartTimer("create_key")()

	if opts.TenantID == "" || opts.Purpose == "" {
		s.metrics.RecordOperation("create_key", "failure")
		return nil, keys.Errorf(keys.KindStorage, "kms.CreateKey", "tenant_id and purpose are required")
	}
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = keys.AlgorithmAES256GCM
	}

	masterKey, err := s.master.Key()
	if err != nil {
		s.metrics.RecordOperation("create_key", "failure")
		return nil, err
	}
	defer crypto.Zero(masterKey)

	dek, err := crypto.GenerateDEK()
	if err != nil {
		s.metrics.RecordOperation("create_key", "failure")
		return nil, err
	}
	defer crypto.Zero(dek)

	env, err := crypto.WrapDEK(masterKey, dek)
	if err != nil {
		s.metrics.RecordOperation("create_key", "failure")
		return nil, err
	}

	key := &keys.EncryptionKey{
		ID:                   uuid.NewString(),
		TenantID:             opts.TenantID,
		Purpose:              opts.Purpose,
		Algorithm:            algorithm,
		Version:              1,
		Status:               keys.KeyStatusActive,
		EncryptedKeyMaterial: env.Ciphertext,
		IV:                   env.IV,
		AuthTag:              env.AuthTag,
		Metadata:             opts.Metadata,
		ExpiresAt:            opts.ExpiresAt,
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		s.metrics.RecordOperation("create_key", "failure")
		s.audit.LogKeyCreation(ctx, key.ID, opts.TenantID, audit.ResultFailure, nil)
		return nil, err
	}

	md := key.PublicMetadata()
	s.cache.CacheKey(ctx, md)
	s.audit.LogKeyCreation(ctx, key.ID, opts.TenantID, audit.ResultSuccess,
		keys.Metadata{"purpose": opts.Purpose, "algorithm": algorithm})
	s.metrics.RecordOperation("create_key", "success")

	if opts.AutoRotate {
		interval := opts.RotationIntervalDays
		if interval <= 0 {
			interval = DefaultRotationIntervalDays
		}
		sched := &keys.RotationSchedule{
			KeyID:          key.ID,
			TenantID:       key.TenantID,
			Enabled:        true,
			IntervalDays:   interval,
			NextRotationAt: time.Now().UTC().AddDate(0, 0, interval),
		}
		if err := s.store.UpsertSchedule(ctx, sched); err != nil {
			// The key exists and is usable; a missing schedule is an
			// operational defect, not a caller-visible failure.
			s.logger.WithError(err).WithField("key_id", key.ID).Error("rotation schedule creation failed")
			s.alerts.CreateAlert(alerts.SeverityError, "Rotation schedule creation failed",
				"key was created but its auto-rotation schedule could not be stored",
				keys.Metadata{"key_id": key.ID, "tenant_id": key.TenantID})
		}
	}

	s.logger.WithFields(logrus.Fields{
		"key_id":    key.ID,
		"tenant_id": key.TenantID,
		"purpose":   key.Purpose,
	}).Info("encryption key created")
	return md, nil
}

// GetKeyMetadata reads key metadata cache-first. A cache hit refreshes the
// entry TTL and last-used stamp; a miss falls through to storage and reseeds
// the cache. A missing key is a typed KEY_NOT_FOUND, audited as a failure.
func (s *Service) GetKeyMetadata(ctx context.Context, keyID, tenantID string) (*keys.KeyMetadata, error) {
	defer s.metrics.StartTimer("get_key_metadata")()

	if md := s.cache.GetCachedKey(ctx, tenantID, keyID); md != nil {
		s.metrics.RecordCacheEvent("hit")
		now := time.Now().UTC()
		md.LastUsedAt = &now
		if err := s.store.TouchLastUsed(ctx, keyID, tenantID); err != nil {
			s.logger.WithError(err).Debug("last-used stamp failed")
		}
		s.cache.CacheKey(ctx, md)
		s.metrics.RecordOperation("get_key_metadata", "success")
		return md, nil
	}
	s.metrics.RecordCacheEvent("miss")

	key, err := s.store.GetKey(ctx, keyID, tenantID)
	if err != nil {
		s.metrics.RecordOperation("get_key_metadata", "failure")
		if keys.IsKind(err, keys.KindKeyNotFound) {
			s.audit.LogKeyAccess(ctx, keyID, tenantID, audit.ResultFailure, nil)
		}
		return nil, err
	}

	if err := s.store.TouchLastUsed(ctx, keyID, tenantID); err != nil {
		s.logger.WithError(err).Debug("last-used stamp failed")
	}
	md := key.PublicMetadata()
	now := time.Now().UTC()
	md.LastUsedAt = &now
	s.cache.CacheKey(ctx, md)
	s.audit.LogKeyAccess(ctx, keyID, tenantID, audit.ResultSuccess, nil)
	s.metrics.RecordOperation("get_key_metadata", "success")
	return md, nil
}

// ListKeys returns public metadata for keys matching the filter.
func (s *Service) ListKeys(ctx context.Context, filter keys.ListFilter) ([]*keys.KeyMetadata, error) {
	records, err := s.store.ListKeys(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*keys.KeyMetadata, 0, len(records))
	for _, k := range records {
		out = append(out, k.PublicMetadata())
	}
	return out, nil
}

// CompromiseKey marks a key compromised, evicts it from the cache, and raises
// a critical alert. The record stays in storage for audit and forensics.
// Deprecated keys can be compromised too: they still unwrap data protected
// before their rotation.
func (s *Service) CompromiseKey(ctx context.Context, keyID, tenantID string) error {
	defer s.metrics.StartTimer("compromise_key")()

	key, err := s.store.GetKey(ctx, keyID, tenantID)
	if err != nil {
		s.metrics.RecordOperation("compromise_key", "failure")
		return err
	}
	if key.Status == keys.KeyStatusCompromised {
		s.cache.InvalidateKey(ctx, tenantID, keyID)
		return nil
	}

	ok, err := s.store.UpdateKeyStatus(ctx, keyID, tenantID, key.Status, keys.KeyStatusCompromised)
	if err != nil {
		s.metrics.RecordOperation("compromise_key", "failure")
		return err
	}
	if !ok {
		// Lost a race; re-read to see whether the other writer already
		// compromised it.
		current, rerr := s.store.GetKey(ctx, keyID, tenantID)
		if rerr == nil && current.Status == keys.KeyStatusCompromised {
			s.cache.InvalidateKey(ctx, tenantID, keyID)
			return nil
		}
		s.metrics.RecordOperation("compromise_key", "failure")
		return keys.Errorf(keys.KindStorage, "kms.CompromiseKey", "concurrent status change on key %s", keyID)
	}

	s.cache.InvalidateKey(ctx, tenantID, keyID)
	s.audit.LogKeyStatusChange(ctx, keyID, tenantID, key.Status, keys.KeyStatusCompromised, audit.ResultSuccess)
	s.alerts.CreateAlert(alerts.SeverityCritical, "Encryption key compromised",
		"a tenant encryption key was marked compromised and evicted from the cache",
		keys.Metadata{"key_id": keyID, "tenant_id": tenantID})
	s.metrics.RecordOperation("compromise_key", "success")
	s.metrics.RecordSecurityEvent("key_compromised")

	s.logger.WithFields(logrus.Fields{
		"key_id":    keyID,
		"tenant_id": tenantID,
	}).Warn("encryption key marked compromised")
	return nil
}

// RotateKey deprecates an active key and mints its successor with the same
// tenant, purpose, algorithm, and metadata at version+1. Concurrent rotations
// of the same key are serialized by a conditional status update: the loser
// gets ROTATION_FAILED rather than a second successor.
func (s *Service) RotateKey(ctx context.Context, keyID, tenantID string) (*keys.KeyMetadata, error) {
	defer s.metrics.StartTimer("rotate_key")()

	md, err := s.rotateKey(ctx, keyID, tenantID)
	if err != nil {
		s.metrics.RecordOperation("rotate_key", "failure")
		s.audit.LogKeyRotation(ctx, keyID, "", tenantID, audit.ResultFailure)
		if !keys.IsKind(err, keys.KindKeyNotFound) {
			s.alerts.CreateAlert(alerts.SeverityError, "Key rotation failed",
				err.Error(), keys.Metadata{"key_id": keyID, "tenant_id": tenantID})
		}
		return nil, err
	}
	s.metrics.RecordOperation("rotate_key", "success")
	return md, nil
}

func (s *Service) rotateKey(ctx context.Context, keyID, tenantID string) (*keys.KeyMetadata, error) {
	old, err := s.store.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return nil, err
	}
	if !old.Usable() {
		return nil, keys.Errorf(keys.KindRotationFailed, "kms.RotateKey",
			"key %s is %s, only active keys rotate", keyID, old.Status)
	}

	masterKey, err := s.master.Key()
	if err != nil {
		return nil, keys.E(keys.KindRotationFailed, "kms.RotateKey", "master key unavailable", err)
	}
	defer crypto.Zero(masterKey)

	deprecated, err := s.store.UpdateKeyStatus(ctx, keyID, tenantID, keys.KeyStatusActive, keys.KeyStatusDeprecated)
	if err != nil {
		return nil, keys.E(keys.KindRotationFailed, "kms.RotateKey", "", err)
	}
	if !deprecated {
		return nil, keys.Errorf(keys.KindRotationFailed, "kms.RotateKey",
			"concurrent rotation of key %s", keyID)
	}

	dek, err := crypto.GenerateDEK()
	if err != nil {
		s.restoreActive(ctx, keyID, tenantID)
		return nil, keys.E(keys.KindRotationFailed, "kms.RotateKey", "", err)
	}
	defer crypto.Zero(dek)

	env, err := crypto.WrapDEK(masterKey, dek)
	if err != nil {
		s.restoreActive(ctx, keyID, tenantID)
		return nil, keys.E(keys.KindRotationFailed, "kms.RotateKey", "", err)
	}

	successor := &keys.EncryptionKey{
		ID:                   uuid.NewString(),
		TenantID:             old.TenantID,
		Purpose:              old.Purpose,
		Algorithm:            old.Algorithm,
		Version:              old.Version + 1,
		Status:               keys.KeyStatusActive,
		EncryptedKeyMaterial: env.Ciphertext,
		IV:                   env.IV,
		AuthTag:              env.AuthTag,
		Metadata:             old.Metadata,
		ExpiresAt:            successorExpiry(old),
	}
	if err := s.store.CreateKey(ctx, successor); err != nil {
		s.restoreActive(ctx, keyID, tenantID)
		return nil, keys.E(keys.KindRotationFailed, "kms.RotateKey", "", err)
	}

	now := time.Now().UTC()
	if sched, err := s.store.GetSchedule(ctx, keyID); err == nil && sched != nil {
		if err := s.store.AdvanceSchedule(ctx, sched, successor.ID, now); err != nil {
			s.logger.WithError(err).WithField("key_id", keyID).Error("rotation schedule advance failed")
		}
	}

	s.cache.InvalidateKey(ctx, tenantID, keyID)
	md := successor.PublicMetadata()
	s.cache.CacheKey(ctx, md)
	s.audit.LogKeyRotation(ctx, keyID, successor.ID, tenantID, audit.ResultSuccess)
	s.alerts.CreateAlert(alerts.SeverityInfo, "Key rotated",
		"an encryption key was rotated to a new version",
		keys.Metadata{
			"old_key_id": keyID,
			"new_key_id": successor.ID,
			"tenant_id":  tenantID,
			"version":    strconv.Itoa(successor.Version),
		})

	s.logger.WithFields(logrus.Fields{
		"old_key_id": keyID,
		"new_key_id": successor.ID,
		"tenant_id":  tenantID,
		"version":    successor.Version,
	}).Info("encryption key rotated")
	return md, nil
}

// restoreActive undoes the deprecation when successor creation fails, so a
// failed rotation leaves the lineage usable.
func (s *Service) restoreActive(ctx context.Context, keyID, tenantID string) {
	if _, err := s.store.UpdateKeyStatus(ctx, keyID, tenantID, keys.KeyStatusDeprecated, keys.KeyStatusActive); err != nil {
		s.logger.WithError(err).WithField("key_id", keyID).Error("rotation rollback failed")
	}
}

// successorExpiry carries the predecessor's expiry window forward, relative
// to now.
func successorExpiry(old *keys.EncryptionKey) *time.Time {
	if old.ExpiresAt == nil {
		return nil
	}
	window := old.ExpiresAt.Sub(old.CreatedAt)
	if window <= 0 {
		window = 24 * time.Hour
	}
	t := time.Now().UTC().Add(window)
	return &t
}

// DeleteKey removes a deprecated key for good. Active and compromised keys
// cannot be deleted: actives rotate first, compromised records are kept for
// forensics.
func (s *Service) DeleteKey(ctx context.Context, keyID, tenantID string) error {
	deleted, err := s.store.DeleteKey(ctx, keyID, tenantID, keys.KeyStatusDeprecated)
	if err != nil {
		s.audit.LogKeyDeletion(ctx, keyID, tenantID, audit.ResultFailure)
		return err
	}
	if !deleted {
		s.audit.LogKeyDeletion(ctx, keyID, tenantID, audit.ResultFailure)
		return keys.Errorf(keys.KindKeyNotFound, "kms.DeleteKey",
			"no deprecated key %s for tenant", keyID)
	}
	if err := s.store.DeleteSchedule(ctx, keyID); err != nil {
		s.logger.WithError(err).WithField("key_id", keyID).Warn("schedule cleanup after delete failed")
	}
	s.cache.InvalidateKey(ctx, tenantID, keyID)
	s.audit.LogKeyDeletion(ctx, keyID, tenantID, audit.ResultSuccess)
	s.metrics.RecordOperation("delete_key", "success")
	return nil
}

