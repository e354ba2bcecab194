// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/authtest"
)

func newTestHasher(t *testing.T) *auth.Hasher {
	t.Helper()
	h, err := auth.NewHasher(authtest.FastHashParams())
	require.NoError(t, err)
	return h
}

func TestHashPassword(t *testing.T) {
	hasher := newTestHasher(t)

	t.Run("produces valid hash", func(t *testing.T) {
		hash, err := hasher.Hash("password123")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))
	})

	t.Run("same password produces different hashes (salt)", func(t *testing.T) {
		hash1, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		hash2, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("rejects empty password", func(t *testing.T) {
		_, err := hasher.Hash("")
		require.Error(t, err)
		assert.True(t, auth.IsKind(err, auth.KindInvalidInput))
	})

	t.Run("rejects oversized password", func(t *testing.T) {
		_, err := hasher.Hash(strings.Repeat("x", auth.MaxPasswordBytes+1))
		require.Error(t, err)
		assert.True(t, auth.IsKind(err, auth.KindInvalidInput))
	})
}

func TestVerifyPassword(t *testing.T) {
	hasher := newTestHasher(t)

	hash, err := hasher.Hash("correctpassword")
	require.NoError(t, err)

	t.Run("correct password verifies", func(t *testing.T) {
		assert.True(t, hasher.Verify("correctpassword", hash))
	})

	t.Run("incorrect password fails", func(t *testing.T) {
		assert.False(t, hasher.Verify("wrongpassword", hash))
	})

	malformed := map[string]string{
		"garbage":          "not-a-valid-hash",
		"wrong algorithm":  "$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"bad version":      "$argon2id$vXX$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"bad parameters":   "$argon2id$v=19$invalid$c2FsdA$aGFzaA",
		"bad salt":         "$argon2id$v=19$m=65536,t=1,p=4$!!!invalid!!!$aGFzaA",
		"bad key":          "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$!!!invalid!!!",
		"threads overflow": "$argon2id$v=19$m=65536,t=1,p=256$c2FsdA$aGFzaA",
		"memory too large": "$argon2id$v=19$m=99999999,t=1,p=4$c2FsdA$aGFzaA",
		"empty":            "",
		"truncated bcrypt": "$2a$10$short",
	}
	for name, encoded := range malformed {
		t.Run("malformed hash returns false: "+name, func(t *testing.T) {
			assert.False(t, hasher.Verify("password", encoded))
		})
	}
}

func TestVerifyBcrypt(t *testing.T) {
	hasher := newTestHasher(t)

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, hasher.Verify("legacy-pass", string(legacy)))
	assert.False(t, hasher.Verify("other-pass", string(legacy)))
}

func TestNeedsUpgrade(t *testing.T) {
	hasher := newTestHasher(t)

	t.Run("bcrypt hash needs upgrade", func(t *testing.T) {
		assert.True(t, hasher.NeedsUpgrade("$2a$10$N9qo8uLOickgx2ZMRZoMyeIvNq.Uf3hE9tQALNP1Qn9sNp5x5x5x5"))
	})

	t.Run("current argon2id hash does not", func(t *testing.T) {
		hash, err := hasher.Hash("password")
		require.NoError(t, err)
		assert.False(t, hasher.NeedsUpgrade(hash))
	})

	t.Run("argon2id hash with other parameters does", func(t *testing.T) {
		params := authtest.FastHashParams()
		params.Iterations = 2
		other, err := auth.NewHasher(params)
		require.NoError(t, err)

		hash, err := other.Hash("password")
		require.NoError(t, err)
		assert.True(t, hasher.NeedsUpgrade(hash))
		assert.True(t, hasher.Verify("password", hash))
	})
}

func TestBcryptHasher(t *testing.T) {
	params := auth.DefaultHashParams()
	params.Algorithm = auth.AlgorithmBcrypt
	params.BcryptCost = 10
	hasher, err := auth.NewHasher(params)
	require.NoError(t, err)

	hash, err := hasher.Hash("password")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$10$"))
	assert.True(t, hasher.Verify("password", hash))
	assert.False(t, hasher.NeedsUpgrade(hash))
}

func TestHashParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*auth.HashParams)
	}{
		{"unknown algorithm", func(p *auth.HashParams) { p.Algorithm = "md5" }},
		{"zero iterations", func(p *auth.HashParams) { p.Iterations = 0 }},
		{"zero parallelism", func(p *auth.HashParams) { p.Parallelism = 0 }},
		{"memory below 8 per lane", func(p *auth.HashParams) { p.Memory = 8 }},
		{"short key", func(p *auth.HashParams) { p.KeyLength = 8 }},
		{"weak bcrypt", func(p *auth.HashParams) { p.Algorithm = auth.AlgorithmBcrypt; p.BcryptCost = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := auth.DefaultHashParams()
			tt.mutate(&p)
			_, err := auth.NewHasher(p)
			require.Error(t, err)
		})
	}

	assert.NoError(t, auth.DefaultHashParams().Validate())
}
