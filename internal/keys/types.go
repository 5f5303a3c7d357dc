// Package keys defines the domain model of the key management service:
// tenant-scoped data encryption keys, their lifecycle states, rotation
// schedules, and the relational store that persists them.
package keys

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// KeyStatus represents the lifecycle state of an encryption key.
type KeyStatus string

const (
	// KeyStatusActive marks a key usable for wrapping new data.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusDeprecated marks a rotated-out key kept for decryption of old data.
	KeyStatusDeprecated KeyStatus = "deprecated"
	// KeyStatusCompromised marks a key that must never be used again but is
	// retained for audit and forensics.
	KeyStatusCompromised KeyStatus = "compromised"
)

// Key purposes are free-form, but these cover the platform's known callers.
const (
	PurposeFieldEncryption = "field-encryption"
	PurposeTokenSigning    = "token-signing"
)

// AlgorithmAES256GCM is the default DEK algorithm.
const AlgorithmAES256GCM = "aes-256-gcm"

// Metadata is an opaque tenant-supplied key/value map stored as JSON.
type Metadata map[string]string

// Value implements driver.Valuer so gorm can persist the map as JSON.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// EncryptionKey is a data encryption key (DEK) record. The key material is
// stored wrapped under the master key; the plaintext DEK never touches the
// database. Identity is the (ID, TenantID) tuple and every lookup must filter
// by both so a tenant can never observe another tenant's keys.
type EncryptionKey struct {
	ID                   string     `gorm:"type:char(36);primaryKey"`
	TenantID             string     `gorm:"type:varchar(64);not null;index:idx_tenant_status;index:idx_tenant_purpose"`
	Purpose              string     `gorm:"type:varchar(64);not null;index:idx_tenant_purpose"`
	Algorithm            string     `gorm:"type:varchar(32);not null"`
	Version              int        `gorm:"not null;default:1"`
	Status               KeyStatus  `gorm:"type:varchar(16);not null;index:idx_tenant_status"`
	EncryptedKeyMaterial []byte     `gorm:"not null"`
	IV                   []byte     `gorm:"not null"`
	AuthTag              []byte     `gorm:"not null"`
	Metadata             Metadata   `gorm:"type:text"`
	CreatedAt            time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"not null;autoUpdateTime"`
	ExpiresAt            *time.Time `gorm:"index"`
	LastUsedAt           *time.Time
}

// TableName fixes the table name regardless of gorm's pluralization rules.
func (EncryptionKey) TableName() string { return "encryption_keys" }

// Usable reports whether the key may wrap new data.
func (k *EncryptionKey) Usable() bool { return k.Status == KeyStatusActive }

// Expired reports whether the key's expiry window has passed.
func (k *EncryptionKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// PublicMetadata strips the wrapped key material and returns the caller-safe
// view of the record.
func (k *EncryptionKey) PublicMetadata() *KeyMetadata {
	return &KeyMetadata{
		ID:         k.ID,
		TenantID:   k.TenantID,
		Purpose:    k.Purpose,
		Algorithm:  k.Algorithm,
		Version:    k.Version,
		Status:     k.Status,
		Metadata:   k.Metadata,
		CreatedAt:  k.CreatedAt,
		UpdatedAt:  k.UpdatedAt,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// KeyMetadata is the public view of a key. It never carries key material and
// is what the service returns to callers and seeds into the cache.
type KeyMetadata struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Purpose    string     `json:"purpose"`
	Algorithm  string     `json:"algorithm"`
	Version    int        `json:"version"`
	Status     KeyStatus  `json:"status"`
	Metadata   Metadata   `json:"metadata,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// RotationSchedule drives the periodic rotation sweep for one key lineage.
type RotationSchedule struct {
	KeyID          string    `gorm:"type:char(36);primaryKey"`
	TenantID       string    `gorm:"type:varchar(64);not null;index"`
	Enabled        bool      `gorm:"not null;default:true"`
	IntervalDays   int       `gorm:"not null"`
	NextRotationAt time.Time `gorm:"not null;index"`
	LastRotationAt *time.Time
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName fixes the table name.
func (RotationSchedule) TableName() string { return "rotation_schedules" }

// CreateKeyOptions are the caller-supplied parameters for minting a new key.
type CreateKeyOptions struct {
	TenantID             string     `json:"tenant_id"`
	Purpose              string     `json:"purpose"`
	Algorithm            string     `json:"algorithm,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	AutoRotate           bool       `json:"auto_rotate,omitempty"`
	RotationIntervalDays int        `json:"rotation_interval_days,omitempty"`
	Metadata             Metadata   `json:"metadata,omitempty"`
}

// ListFilter narrows a key listing. Zero values mean "no constraint".
type ListFilter struct {
	TenantID      string
	Status        KeyStatus
	Purpose       string
	ExpiresBefore *time.Time
	ExpiresAfter  *time.Time
	Limit         int
	Offset        int
}
