// Package crypto implements the envelope-encryption primitives: master key
// management and DEK wrap/unwrap under AES-256-GCM.
package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/tenant-kms/internal/keys"
)

// MasterKeySize is the required master key length in bytes (256 bits).
const MasterKeySize = 32

// MasterKeyManager holds the process-lifetime master key. The key is loaded
// once from an external secret at startup, validated, and injected into every
// component that needs it; it is never persisted and never logged.
type MasterKeyManager struct {
	mu     sync.RWMutex
	key    []byte
	logger *logrus.Logger
}

// NewMasterKeyManager decodes and validates a hex-encoded master key.
// Validation failure is fatal for any keyed operation, so callers should
// treat an error here as a startup failure.
func NewMasterKeyManager(hexKey string, logger *logrus.Logger) (*MasterKeyManager, error) {
	key, err := decodeMasterKey(hexKey)
	if err != nil {
		logger.WithError(err).Error("master key validation failed")
		return nil, err
	}
	logger.Info("master key loaded and validated")
	return &MasterKeyManager{key: key, logger: logger}, nil
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, keys.Errorf(keys.KindMasterKey, "masterkey.decode", "master key is not set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, keys.E(keys.KindMasterKey, "masterkey.decode", "master key is not valid hex", err)
	}
	if len(key) != MasterKeySize {
		return nil, keys.Errorf(keys.KindMasterKey, "masterkey.decode",
			"master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	if degenerate(key) {
		return nil, keys.Errorf(keys.KindMasterKey, "masterkey.decode", "master key is degenerate")
	}
	return key, nil
}

func degenerate(key []byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}

// Key returns a copy of the master key.
func (m *MasterKeyManager) Key() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.key) == 0 {
		return nil, keys.Errorf(keys.KindMasterKey, "masterkey.Key", "master key is not loaded")
	}
	out := make([]byte, len(m.key))
	copy(out, m.key)
	return out, nil
}

// Validate is a cheap sanity check on the in-memory key.
func (m *MasterKeyManager) Validate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.key) == MasterKeySize && !degenerate(m.key)
}

// Rotate replaces the in-memory master key. It does not re-encrypt existing
// DEKs; the caller coordinates that through the rotation manager's
// re-encryption callback. A no-op rotation (same key) is rejected.
func (m *MasterKeyManager) Rotate(newHexKey string) error {
	newKey, err := decodeMasterKey(newHexKey)
	if err != nil {
		m.logger.WithError(err).Error("master key rotation rejected")
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.key) == len(newKey) && subtle.ConstantTimeCompare(m.key, newKey) == 1 {
		return keys.Errorf(keys.KindMasterKey, "masterkey.Rotate", "new master key is identical to the current key")
	}
	m.key = newKey
	m.logger.Info("master key rotated in memory")
	return nil
}
