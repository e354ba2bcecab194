// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// ErrNotFound is returned by repositories when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned by IdentityRepository.Create when the normalized
// email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// Kind is the error taxonomy surfaced by the core. Kinds travel as oops codes.
type Kind string

// Error kinds.
const (
	KindUnknown            Kind = ""
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindEmailNotVerified   Kind = "EMAIL_NOT_VERIFIED"
	KindEmailTaken         Kind = "EMAIL_TAKEN"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindSessionNotFound    Kind = "SESSION_NOT_FOUND"
	KindSessionExpired     Kind = "SESSION_EXPIRED"
	KindSessionRevoked     Kind = "SESSION_REVOKED"
	KindTokenNotFound      Kind = "TOKEN_NOT_FOUND"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenAlreadyUsed   Kind = "TOKEN_ALREADY_USED"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
)

var knownKinds = map[Kind]struct{}{
	KindInvalidInput:       {},
	KindInvalidCredentials: {},
	KindEmailNotVerified:   {},
	KindEmailTaken:         {},
	KindRateLimited:        {},
	KindSessionNotFound:    {},
	KindSessionExpired:     {},
	KindSessionRevoked:     {},
	KindTokenNotFound:      {},
	KindTokenExpired:       {},
	KindTokenAlreadyUsed:   {},
	KindStorageUnavailable: {},
}

// Code returns the oops code string for the kind.
func (k Kind) Code() string {
	return string(k)
}

// IsSession reports whether the kind is one of the session failure kinds,
// which are collapsed to a single "unauthenticated" response externally.
func (k Kind) IsSession() bool {
	return k == KindSessionNotFound || k == KindSessionExpired || k == KindSessionRevoked
}

// IsToken reports whether the kind is one of the single-use token failure
// kinds, which are collapsed to a single "invalid or expired link" response.
func (k Kind) IsToken() bool {
	return k == KindTokenNotFound || k == KindTokenExpired || k == KindTokenAlreadyUsed
}

// KindOf returns the kind carried by err, or KindUnknown.
//
// oops reports the deepest code in a wrap chain, so kinds are only ever
// attached where the failure is first classified; callers further up wrap
// with oops.With and never re-code.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return KindUnknown
	}
	code := oopsErr.Code()
	if code == nil {
		return KindUnknown
	}
	k := Kind(fmt.Sprint(code))
	if _, known := knownKinds[k]; known {
		return k
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func errorOf(k Kind) oops.OopsErrorBuilder {
	return oops.Code(k.Code())
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
