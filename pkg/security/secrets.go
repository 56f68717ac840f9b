// Package security seals provider secrets stored in gateway_credentials.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/angelmondragon/mesa-payments/pkg/config"
)

// SealedPrefix marks a column value produced by Seal. Values without it are
// read as plaintext.
const SealedPrefix = "enc:v1:"

var (
	ErrNoKey     = errors.New("credential encryption key not configured")
	ErrMalformed = errors.New("malformed sealed secret")
)

// ArgonParams are the Argon2id settings used to derive the sealing key from
// the configured passphrase.
type ArgonParams struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
}

// Sealer encrypts secrets with XChaCha20-Poly1305. A nil Sealer opens
// plaintext values only.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the key from cfg. It returns nil, nil when no key is
// configured so plaintext deployments keep working.
func NewSealer(cfg config.CredentialsConfig) (*Sealer, error) {
	passphrase := strings.TrimSpace(cfg.EncryptionKey)
	if passphrase == "" {
		return nil, nil
	}
	salt := strings.TrimSpace(cfg.KeySalt)
	if len(salt) < 8 {
		return nil, fmt.Errorf("credential key salt must be at least 8 bytes")
	}
	params := paramsFromConfig(cfg)
	key := argon2.IDKey([]byte(passphrase), []byte(salt), params.Time, params.Memory, params.Parallelism, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The additional data binds the value to one
// column of one credential row so sealed values cannot be swapped.
func (s *Sealer) Seal(plaintext, binding string) (string, error) {
	if s == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return SealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open returns value unchanged unless it carries SealedPrefix.
func (s *Sealer) Open(value, binding string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", ErrNoKey
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil || len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(binding))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func paramsFromConfig(cfg config.CredentialsConfig) ArgonParams {
	return ArgonParams{
		Memory:      clampUint32(cfg.ArgonMemoryKB, 8*1024, 512*1024),
		Time:        clampUint32(cfg.ArgonTime, 1, 10),
		Parallelism: uint8(clampInt(cfg.ArgonParallelism, 1, 255)),
	}
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampUint32(value, min, max int) uint32 {
	return uint32(clampInt(value, min, max))
}
