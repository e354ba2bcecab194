// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Supported hash algorithms.
const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"
)

// HashParams configures password hashing.
type HashParams struct {
	Algorithm string

	// argon2id
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// bcrypt
	BcryptCost int
}

// DefaultHashParams returns OWASP-recommended argon2id parameters.
func DefaultHashParams() HashParams {
	return HashParams{
		Algorithm:   AlgorithmArgon2id,
		Memory:      64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
		BcryptCost:  12,
	}
}

// Validate rejects parameters that would produce weak or unusable hashes.
func (p HashParams) Validate() error {
	switch p.Algorithm {
	case AlgorithmArgon2id:
		if p.Memory < 8*uint32(p.Parallelism) || p.Iterations == 0 || p.Parallelism == 0 {
			return oops.Code("HASH_PARAMS_INVALID").
				With("memory", p.Memory).
				With("iterations", p.Iterations).
				With("parallelism", p.Parallelism).
				Errorf("argon2id parameters out of range")
		}
		if p.SaltLength < 16 || p.KeyLength < 16 {
			return oops.Code("HASH_PARAMS_INVALID").Errorf("argon2id salt and key must be at least 16 bytes")
		}
	case AlgorithmBcrypt:
		if p.BcryptCost < 10 || p.BcryptCost > bcrypt.MaxCost {
			return oops.Code("HASH_PARAMS_INVALID").
				With("cost", p.BcryptCost).
				Errorf("bcrypt cost must be between 10 and %d", bcrypt.MaxCost)
		}
	default:
		return oops.Code("HASH_PARAMS_INVALID").Errorf("unsupported hash algorithm: %q", p.Algorithm)
	}
	return nil
}

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted hash of the password in the configured algorithm.
	Hash(password string) (string, error)

	// Verify reports whether password matches hash. Malformed hashes yield false.
	Verify(password, hash string) bool

	// NeedsUpgrade reports whether hash was produced by another algorithm or
	// with different parameters than the configured ones.
	NeedsUpgrade(hash string) bool
}

// Hasher implements PasswordHasher. It always verifies both argon2id and
// bcrypt hashes, and produces hashes in the configured algorithm.
type Hasher struct {
	params HashParams
}

// NewHasher creates a Hasher with validated parameters.
func NewHasher(params HashParams) (*Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Hasher{params: params}, nil
}

// Params returns the configured parameters.
func (h *Hasher) Params() HashParams {
	return h.params
}

// Hash produces a hash of the password.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errorOf(KindInvalidInput).With("field", "password").Errorf("password cannot be empty")
	}
	if len(password) > MaxPasswordBytes {
		return "", errorOf(KindInvalidInput).
			With("field", "password").
			With("max_bytes", MaxPasswordBytes).
			Errorf("password exceeds %d bytes", MaxPasswordBytes)
	}

	if h.params.Algorithm == AlgorithmBcrypt {
		out, err := bcrypt.GenerateFromPassword([]byte(password), h.params.BcryptCost)
		if err != nil {
			// bcrypt rejects inputs longer than 72 bytes.
			return "", errorOf(KindInvalidInput).With("field", "password").Wrap(err)
		}
		return string(out), nil
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("HASH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return encodeArgon2(h.params, salt, key), nil
}

// Verify checks if the password matches the hash.
func (h *Hasher) Verify(password, encodedHash string) bool {
	if isBcryptHash(encodedHash) {
		return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password)) == nil
	}

	parsed, ok := decodeArgon2(encodedHash)
	if !ok {
		return false
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.params.Iterations, parsed.params.Memory,
		parsed.params.Parallelism, parsed.params.KeyLength)

	return subtle.ConstantTimeCompare(computed, parsed.key) == 1
}

// NeedsUpgrade returns true when the hash does not match the configured algorithm and parameters.
func (h *Hasher) NeedsUpgrade(encodedHash string) bool {
	if h.params.Algorithm == AlgorithmBcrypt {
		if !isBcryptHash(encodedHash) {
			return true
		}
		cost, err := bcrypt.Cost([]byte(encodedHash))
		return err != nil || cost != h.params.BcryptCost
	}

	parsed, ok := decodeArgon2(encodedHash)
	if !ok {
		return true
	}
	return parsed.params.Memory != h.params.Memory ||
		parsed.params.Iterations != h.params.Iterations ||
		parsed.params.Parallelism != h.params.Parallelism ||
		parsed.params.KeyLength != h.params.KeyLength
}

// dummyHash returns a well-formed hash in the configured algorithm that no
// password matches. Verifying against it costs the same as a real hash.
func (h *Hasher) dummyHash() string {
	if h.params.Algorithm == AlgorithmBcrypt {
		// 22 salt chars + 31 hash chars of bcrypt's base64 alphabet.
		return fmt.Sprintf("$2a$%02d$%s", h.params.BcryptCost, strings.Repeat(".", 53))
	}
	salt := make([]byte, h.params.SaltLength)
	key := make([]byte, h.params.KeyLength)
	return encodeArgon2(h.params, salt, key)
}

// maxArgon2Memory caps the memory a stored hash may ask for (4 GiB).
const maxArgon2Memory = 4 * 1024 * 1024

type argon2Hash struct {
	params HashParams
	salt   []byte
	key    []byte
}

func encodeArgon2(p HashParams, salt, key []byte) string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

func decodeArgon2(encoded string) (argon2Hash, bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		return argon2Hash{}, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argon2Hash{}, false
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return argon2Hash{}, false
	}
	// Validate threads fits in uint8 to prevent silent truncation
	if threads == 0 || threads > 255 || iterations == 0 || memory == 0 || memory > maxArgon2Memory {
		return argon2Hash{}, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return argon2Hash{}, false
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > 1024 {
		return argon2Hash{}, false
	}

	return argon2Hash{
		params: HashParams{
			Algorithm:   AlgorithmArgon2id,
			Memory:      memory,
			Iterations:  iterations,
			Parallelism: uint8(threads),
			SaltLength:  uint32(len(salt)),
			KeyLength:   uint32(len(key)),
		},
		salt: salt,
		key:  key,
	}, true
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}
