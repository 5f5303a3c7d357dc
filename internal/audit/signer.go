package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/kenneth/tenant-kms/internal/keys"
)

// hkdfInfo domain-separates the audit signing key from any other key derived
// from the same secret.
const hkdfInfo = "tenant-kms/audit-log/v1"

// Signer computes and verifies entry signatures. The signing key is derived
// via HKDF from a configured secret that is distinct from the master key.
type Signer struct {
	key []byte
}

// NewSigner derives the HMAC key from the signing secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, keys.Errorf(keys.KindAuditLog, "audit.NewSigner", "signing secret is not set")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, keys.E(keys.KindAuditLog, "audit.NewSigner", "key derivation failed", err)
	}
	return &Signer{key: key}, nil
}

// canonicalEntry fixes the field order and timestamp encoding that the HMAC
// covers. Both signing and verification must go through this shape; metadata
// maps serialize with sorted keys, so the encoding is deterministic.
type canonicalEntry struct {
	Timestamp string        `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	KeyID     string        `json:"key_id"`
	TenantID  string        `json:"tenant_id"`
	ServiceID string        `json:"service_id"`
	UserID    string        `json:"user_id"`
	Action    string        `json:"action"`
	Result    string        `json:"result"`
	Metadata  keys.Metadata `json:"metadata"`
	IPAddress string        `json:"ip_address"`
}

func canonicalize(e *Entry) ([]byte, error) {
	// Nil and empty metadata must canonicalize identically: the database
	// round-trips a nil map as an empty one, and the stored timestamp loses
	// sub-microsecond precision, so the HMAC covers the normalized forms.
	md := e.Metadata
	if len(md) == 0 {
		md = keys.Metadata{}
	}
	return json.Marshal(canonicalEntry{
		Timestamp: e.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		EventType: e.EventType,
		KeyID:     e.KeyID,
		TenantID:  e.TenantID,
		ServiceID: e.ServiceID,
		UserID:    e.UserID,
		Action:    e.Action,
		Result:    e.Result,
		Metadata:  md,
		IPAddress: e.IPAddress,
	})
}

// Sign computes the HMAC over the entry's canonical serialization.
func (s *Signer) Sign(e *Entry) ([]byte, error) {
	payload, err := canonicalize(e)
	if err != nil {
		return nil, keys.E(keys.KindAuditLog, "audit.Sign", "canonicalization failed", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(e *Entry) bool {
	expected, err := s.Sign(e)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, e.HMACSignature)
}
