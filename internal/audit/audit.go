// Package audit provides the tamper-evident audit trail for key operations.
// Every entry is HMAC-signed over a canonical serialization at write time and
// persisted append-only; entries are only removed by the retention sweep.
package audit

import (
	"time"

	"github.com/kenneth/tenant-kms/internal/keys"
)

// EventType enumerates auditable key operations.
type EventType string

const (
	EventKeyCreation     EventType = "key_creation"
	EventKeyAccess       EventType = "key_access"
	EventKeyRotation     EventType = "key_rotation"
	EventKeyStatusChange EventType = "key_status_change"
	EventKeyDeletion     EventType = "key_deletion"
	EventSecurityAlert   EventType = "security_alert"
)

// Operation results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// DefaultRetentionDays keeps audit entries for roughly seven years, matching
// the platform's legal compliance retention requirement.
const DefaultRetentionDays = 2557

// Entry is one immutable audit record. HMACSignature covers the canonical
// serialization of every other semantic field.
type Entry struct {
	ID            uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp     time.Time     `gorm:"not null;index" json:"timestamp"`
	EventType     EventType     `gorm:"type:varchar(32);not null;index" json:"event_type"`
	KeyID         string        `gorm:"type:char(36);index" json:"key_id"`
	TenantID      string        `gorm:"type:varchar(64);index" json:"tenant_id"`
	ServiceID     string        `gorm:"type:varchar(64)" json:"service_id,omitempty"`
	UserID        string        `gorm:"type:varchar(64)" json:"user_id,omitempty"`
	Action        string        `gorm:"type:varchar(64);not null" json:"action"`
	Result        string        `gorm:"type:varchar(16);not null;index" json:"result"`
	Metadata      keys.Metadata `gorm:"type:text" json:"metadata,omitempty"`
	IPAddress     string        `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	HMACSignature []byte        `gorm:"not null" json:"hmac_signature"`
}

// TableName fixes the audit table name.
func (Entry) TableName() string { return "key_audit_logs" }

// Event is the caller-facing input for one audit record; the logger stamps
// the timestamp and signature.
type Event struct {
	EventType EventType
	KeyID     string
	TenantID  string
	ServiceID string
	UserID    string
	Action    string
	Result    string
	Metadata  keys.Metadata
	IPAddress string
}

// QueryFilter narrows an audit query. Zero values mean "no constraint".
type QueryFilter struct {
	TenantID  string
	KeyID     string
	EventType EventType
	ServiceID string
	UserID    string
	Result    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
