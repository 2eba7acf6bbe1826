package checkpoint

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// StateKeyEnv holds the base64 AES-256 key used to seal state documents.
// Planned requests embed the subject's original name and email, so the
// documents are sealed at rest whenever the key is set.
const StateKeyEnv = "ANONYMIZER_STATE_KEY"

const (
	sealCipherV1    = byte(1)
	minSealPayload  = 1 + 12 // version + nonce
	sealedPrefix    = "enc:v1:"
	sealedPrefixLen = len(sealedPrefix)
)

// Sealer encrypts and decrypts state documents with AES-GCM. The task key
// is bound as additional data so a document cannot be replayed under
// another key. A nil Sealer passes documents through unchanged.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("state key must be 32 bytes (got %d)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// SealerFromEnv returns a Sealer for StateKeyEnv, or nil when it is unset.
func SealerFromEnv() (*Sealer, error) {
	raw := os.Getenv(StateKeyEnv)
	if raw == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64-encoded: %w", StateKeyEnv, err)
	}
	s, err := NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StateKeyEnv, err)
	}
	return s, nil
}

// Seal returns the sealed text form of plaintext.
func (s *Sealer) Seal(key string, plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nil, nonce, plaintext, []byte(key))
	payload := append([]byte{sealCipherV1}, nonce...)
	payload = append(payload, ciphertext...)

	out := make([]byte, sealedPrefixLen+base64.StdEncoding.EncodedLen(len(payload)))
	copy(out, sealedPrefix)
	base64.StdEncoding.Encode(out[sealedPrefixLen:], payload)
	return out, nil
}

// Open reverses Seal. Unsealed documents are returned as-is so a key can be
// introduced on an existing store.
func (s *Sealer) Open(key string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(sealedPrefix)) {
		return data, nil
	}
	if s == nil {
		return nil, fmt.Errorf("state document is sealed; set %s", StateKeyEnv)
	}

	payload, err := base64.StdEncoding.DecodeString(string(data[sealedPrefixLen:]))
	if err != nil {
		return nil, fmt.Errorf("decoding sealed document: %w", err)
	}
	if len(payload) < minSealPayload {
		return nil, errors.New("sealed document is too short")
	}
	if payload[0] != sealCipherV1 {
		return nil, fmt.Errorf("unsupported seal version: %d", payload[0])
	}

	nonceSize := s.gcm.NonceSize()
	if len(payload) < 1+nonceSize {
		return nil, errors.New("sealed document missing nonce")
	}
	nonce := payload[1 : 1+nonceSize]
	ciphertext := payload[1+nonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open sealed document: %w", err)
	}
	return plaintext, nil
}
