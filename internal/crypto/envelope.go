package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/kenneth/tenant-kms/internal/keys"
)

const (
	// DEKSize is the length of a generated data encryption key.
	DEKSize = 32
	// gcmNonceSize is the standard GCM nonce length.
	gcmNonceSize = 12
	// gcmTagSize is the GCM authentication tag length.
	gcmTagSize = 16
)

// Envelope is the result of wrapping a DEK under the master key. Ciphertext,
// IV, and authentication tag are stored as separate columns so tampering with
// any one of them is detectable on unwrap.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// GenerateDEK produces a fresh random data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, keys.E(keys.KindEncryptionFailed, "crypto.GenerateDEK", "entropy source failed", err)
	}
	return dek, nil
}

// WrapDEK encrypts a plaintext DEK under the master key with AES-256-GCM.
func WrapDEK(masterKey, plaintext []byte) (*Envelope, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, keys.E(keys.KindEncryptionFailed, "crypto.WrapDEK", "nonce generation failed", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcmTagSize
	return &Envelope{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// UnwrapDEK decrypts a wrapped DEK. Any modification of ciphertext, IV, or
// tag fails authentication and surfaces as ENCRYPTION_FAILED.
func UnwrapDEK(masterKey []byte, env *Envelope) ([]byte, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	if len(env.IV) != gcmNonceSize {
		return nil, keys.Errorf(keys.KindEncryptionFailed, "crypto.UnwrapDEK", "invalid IV length %d", len(env.IV))
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, keys.E(keys.KindEncryptionFailed, "crypto.UnwrapDEK", "authentication failed", err)
	}
	return plaintext, nil
}

// Zero overwrites sensitive byte slices after use.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(masterKey []byte) (cipher.AEAD, error) {
	if len(masterKey) != MasterKeySize {
		return nil, keys.Errorf(keys.KindMasterKey, "crypto.newGCM", "master key must be %d bytes", MasterKeySize)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, keys.E(keys.KindEncryptionFailed, "crypto.newGCM", "cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, keys.E(keys.KindEncryptionFailed, "crypto.newGCM", "gcm init failed", err)
	}
	return gcm, nil
}
