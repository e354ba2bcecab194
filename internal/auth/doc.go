// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides session-based authentication and the identity
// lifecycle: credential hashing, login rate limiting, single-use tokens for
// email verification and password reset, and session issuance, validation,
// rotation and revocation.
//
// # Components
//
//   - CredentialStore - password hashing and the identity record
//   - RateLimiter - fixed-window attempt counters per account and source
//   - TokenLedger - exactly-once redemption of single-use tokens
//   - SessionManager - session lifecycle
//   - Binder - resolves a request's session token to a Principal
//   - AccountService - registration, verification and reset flows
//
// NewCore wires all of them over a Store. Persistence is behind the
// repository interfaces; see the postgres subpackage for the production
// implementation and authtest for an in-memory one.
//
// # Errors
//
// Failures carry a Kind as their oops code. Use KindOf to classify an
// error. Session kinds and token kinds are distinct internally and are
// collapsed at the transport boundary.
//
// Plaintext passwords, token values and session tokens are never logged
// or stored.
package auth
