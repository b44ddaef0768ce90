package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"verify-service/internal/config"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash    = errors.New("invalid hash format")
	ErrUnknownPepper  = errors.New("pepper version not found")
	ErrWrongAlgorithm = errors.New("unsupported hash algorithm")
)

const algorithm = "argon2id"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes one-time codes with argon2id plus a server-side pepper.
// Peppers are versioned so a rotated deployment can still verify hashes
// minted under the previous version.
type Hasher struct {
	params  Argon2Params
	peppers map[int]string
	current int
}

func NewHasher(cfg *config.Config) *Hasher {
	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.MemoryKB),
			Iterations:  uint32(cfg.Hashing.Iterations),
			Parallelism: uint8(cfg.Hashing.Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers: map[int]string{cfg.Hashing.PepperVersion: cfg.Hashing.Pepper},
		current: cfg.Hashing.PepperVersion,
	}
}

// AddOldPepper registers a retired pepper so hashes minted under it
// remain verifiable during a rotation window.
func (h *Hasher) AddOldPepper(version int, value string) {
	h.peppers[version] = value
}

// HashCode hashes a one-time code into a self-describing encoded string:
// algorithm$pepperVersion$salt$hash, all base64url without padding.
func (h *Hasher) HashCode(code string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(code+h.peppers[h.current]),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return strings.Join([]string{
		algorithm,
		strconv.Itoa(h.current),
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(hash),
	}, "$"), nil
}

// VerifyCode recomputes the hash for the submitted code and compares it
// against the encoded hash in constant time.
func (h *Hasher) VerifyCode(code, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return false, ErrInvalidHash
	}
	if parts[0] != algorithm {
		return false, ErrWrongAlgorithm
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, ErrInvalidHash
	}
	pepper, ok := h.peppers[version]
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(code+pepper),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
