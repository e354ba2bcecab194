// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package authtest provides an in-memory auth.Store for tests.
//
// Every operation is serialized by one lock, and InTransaction holds that
// lock for the whole callback, so the store behaves as if every
// transaction ran at serializable isolation. A failed callback restores
// the state captured when the transaction began.
package authtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

// Store is an in-memory auth.Store.
type Store struct {
	mu sync.Mutex

	identities map[ulid.ULID]auth.Identity
	sessions   map[ulid.ULID]auth.Session
	tokens     map[ulid.ULID]auth.Token
	attempts   map[string]auth.AttemptCounter

	faults map[string]int
}

var _ auth.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		identities: make(map[ulid.ULID]auth.Identity),
		sessions:   make(map[ulid.ULID]auth.Session),
		tokens:     make(map[ulid.ULID]auth.Token),
		attempts:   make(map[string]auth.AttemptCounter),
		faults:     make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail with a STORAGE_UNAVAILABLE
// error. op is "<repo>.<Method>", e.g. "sessions.Lookup".
func (s *Store) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = n
}

// Identities implements auth.Store.
func (s *Store) Identities() auth.IdentityRepository { return identityRepo{s} }

// Sessions implements auth.Store.
func (s *Store) Sessions() auth.SessionRepository { return sessionRepo{s} }

// Tokens implements auth.Store.
func (s *Store) Tokens() auth.TokenRepository { return tokenRepo{s} }

// Attempts implements auth.Store.
func (s *Store) Attempts() auth.AttemptRepository { return attemptRepo{s} }

type txKey struct{}

// InTransaction implements auth.Transactor.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// enter acquires the store lock unless ctx belongs to a running
// transaction, then applies any injected fault for op.
func (s *Store) enter(ctx context.Context, op string) (func(), error) {
	release := func() {}
	if !s.inTx(ctx) {
		s.mu.Lock()
		release = s.mu.Unlock
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, oops.Code(auth.KindStorageUnavailable.Code()).With("operation", op).Wrap(err)
	}
	if n := s.faults[op]; n > 0 {
		s.faults[op] = n - 1
		release()
		return nil, oops.Code(auth.KindStorageUnavailable.Code()).With("operation", op).Errorf("injected storage fault")
	}
	return release, nil
}

type snapshot struct {
	identities map[ulid.ULID]auth.Identity
	sessions   map[ulid.ULID]auth.Session
	tokens     map[ulid.ULID]auth.Token
	attempts   map[string]auth.AttemptCounter
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		identities: cloneMap(s.identities),
		sessions:   cloneMap(s.sessions),
		tokens:     cloneMap(s.tokens),
		attempts:   cloneMap(s.attempts),
	}
}

func (s *Store) restore(snap snapshot) {
	s.identities = snap.identities
	s.sessions = snap.sessions
	s.tokens = snap.tokens
	s.attempts = snap.attempts
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func notFound(op string) error {
	return oops.With("operation", op).Wrap(auth.ErrNotFound)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// --- identities ---

type identityRepo struct{ s *Store }

func (r identityRepo) Create(ctx context.Context, identity *auth.Identity) error {
	release, err := r.s.enter(ctx, "identities.Create")
	if err != nil {
		return err
	}
	defer release()

	for _, existing := range r.s.identities {
		if existing.Email == identity.Email {
			return oops.Code(auth.KindEmailTaken.Code()).Wrap(auth.ErrEmailTaken)
		}
	}
	r.s.identities[identity.ID] = *identity
	return nil
}

func (r identityRepo) GetByID(ctx context.Context, id ulid.ULID) (*auth.Identity, error) {
	release, err := r.s.enter(ctx, "identities.GetByID")
	if err != nil {
		return nil, err
	}
	defer release()

	identity, ok := r.s.identities[id]
	if !ok {
		return nil, notFound("get identity by id")
	}
	return &identity, nil
}

func (r identityRepo) GetByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	release, err := r.s.enter(ctx, "identities.GetByEmail")
	if err != nil {
		return nil, err
	}
	defer release()

	for _, identity := range r.s.identities {
		if identity.Email == email {
			return &identity, nil
		}
	}
	return nil, notFound("get identity by email")
}

func (r identityRepo) UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string, at time.Time) error {
	release, err := r.s.enter(ctx, "identities.UpdatePasswordHash")
	if err != nil {
		return err
	}
	defer release()

	identity, ok := r.s.identities[id]
	if !ok {
		return notFound("update password hash")
	}
	identity.PasswordHash = hash
	identity.UpdatedAt = at
	r.s.identities[id] = identity
	return nil
}

func (r identityRepo) MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	release, err := r.s.enter(ctx, "identities.MarkEmailVerified")
	if err != nil {
		return err
	}
	defer release()

	identity, ok := r.s.identities[id]
	if !ok {
		return notFound("mark email verified")
	}
	if !identity.EmailVerified {
		identity.EmailVerified = true
		identity.EmailVerifiedAt = timePtr(at)
	}
	identity.UpdatedAt = at
	r.s.identities[id] = identity
	return nil
}

// --- sessions ---

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(ctx context.Context, session *auth.Session) error {
	release, err := r.s.enter(ctx, "sessions.Create")
	if err != nil {
		return err
	}
	defer release()

	if _, ok := r.s.identities[session.IdentityID]; !ok {
		return oops.Code("SESSION_CREATE_FAILED").Errorf("identity does not exist")
	}
	r.s.sessions[session.ID] = *session
	return nil
}

func (r sessionRepo) byHash(hash string) (auth.Session, bool) {
	for _, session := range r.s.sessions {
		if session.TokenHash == hash {
			return session, true
		}
	}
	return auth.Session{}, false
}

func (r sessionRepo) Lookup(ctx context.Context, tokenHash string) (*auth.SessionLookup, error) {
	release, err := r.s.enter(ctx, "sessions.Lookup")
	if err != nil {
		return nil, err
	}
	defer release()

	session, ok := r.byHash(tokenHash)
	if !ok {
		return nil, notFound("lookup session")
	}
	identity := r.s.identities[session.IdentityID]
	return &auth.SessionLookup{
		Session:       &session,
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
	}, nil
}

func (r sessionRepo) ListActive(ctx context.Context, identityID ulid.ULID, now time.Time) ([]*auth.Session, error) {
	release, err := r.s.enter(ctx, "sessions.ListActive")
	if err != nil {
		return nil, err
	}
	defer release()

	var out []*auth.Session
	for _, session := range r.s.sessions {
		if session.IdentityID == identityID && session.IsValidAt(now) {
			out = append(out, &session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r sessionRepo) RevokeByTokenHash(ctx context.Context, tokenHash string, at time.Time) (*auth.Session, error) {
	release, err := r.s.enter(ctx, "sessions.RevokeByTokenHash")
	if err != nil {
		return nil, err
	}
	defer release()

	session, ok := r.byHash(tokenHash)
	if !ok || !session.IsValidAt(at) {
		return nil, notFound("revoke session by token hash")
	}
	session.RevokedAt = timePtr(at)
	r.s.sessions[session.ID] = session
	return &session, nil
}

func (r sessionRepo) Revoke(ctx context.Context, id ulid.ULID, at time.Time) (bool, error) {
	release, err := r.s.enter(ctx, "sessions.Revoke")
	if err != nil {
		return false, err
	}
	defer release()

	session, ok := r.s.sessions[id]
	if !ok || session.RevokedAt != nil {
		return false, nil
	}
	session.RevokedAt = timePtr(at)
	r.s.sessions[id] = session
	return true, nil
}

func (r sessionRepo) RevokeAllForIdentity(ctx context.Context, identityID ulid.ULID, at time.Time) (int64, error) {
	release, err := r.s.enter(ctx, "sessions.RevokeAllForIdentity")
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	for id, session := range r.s.sessions {
		if session.IdentityID == identityID && session.RevokedAt == nil && session.ExpiresAt.After(at) {
			session.RevokedAt = timePtr(at)
			r.s.sessions[id] = session
			n++
		}
	}
	return n, nil
}

func (r sessionRepo) Delete(ctx context.Context, id ulid.ULID) error {
	release, err := r.s.enter(ctx, "sessions.Delete")
	if err != nil {
		return err
	}
	defer release()

	delete(r.s.sessions, id)
	return nil
}

func (r sessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	release, err := r.s.enter(ctx, "sessions.DeleteExpired")
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	for id, session := range r.s.sessions {
		if session.ExpiresAt.Before(before) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- tokens ---

type tokenRepo struct{ s *Store }

func (r tokenRepo) Create(ctx context.Context, token *auth.Token) error {
	release, err := r.s.enter(ctx, "tokens.Create")
	if err != nil {
		return err
	}
	defer release()

	for _, existing := range r.s.tokens {
		if existing.IdentityID == token.IdentityID && existing.Purpose == token.Purpose && existing.UsedAt == nil {
			return oops.Code("TOKEN_CREATE_FAILED").Errorf("outstanding token exists for identity and purpose")
		}
	}
	r.s.tokens[token.ID] = *token
	return nil
}

func (r tokenRepo) InvalidateOutstanding(ctx context.Context, identityID ulid.ULID, purpose auth.Purpose, at time.Time) (int64, error) {
	release, err := r.s.enter(ctx, "tokens.InvalidateOutstanding")
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	for id, token := range r.s.tokens {
		if token.IdentityID == identityID && token.Purpose == purpose && token.UsedAt == nil {
			token.UsedAt = timePtr(at)
			r.s.tokens[id] = token
			n++
		}
	}
	return n, nil
}

func (r tokenRepo) find(hash string, purpose auth.Purpose) (auth.Token, bool) {
	for _, token := range r.s.tokens {
		if token.TokenHash == hash && token.Purpose == purpose {
			return token, true
		}
	}
	return auth.Token{}, false
}

func (r tokenRepo) MarkUsed(ctx context.Context, tokenHash string, purpose auth.Purpose, at time.Time) (ulid.ULID, error) {
	release, err := r.s.enter(ctx, "tokens.MarkUsed")
	if err != nil {
		return ulid.ULID{}, err
	}
	defer release()

	token, ok := r.find(tokenHash, purpose)
	if !ok || !token.RedeemableAt(at) {
		return ulid.ULID{}, notFound("mark token used")
	}
	token.UsedAt = timePtr(at)
	r.s.tokens[token.ID] = token
	return token.IdentityID, nil
}

func (r tokenRepo) GetByHash(ctx context.Context, tokenHash string, purpose auth.Purpose) (*auth.Token, error) {
	release, err := r.s.enter(ctx, "tokens.GetByHash")
	if err != nil {
		return nil, err
	}
	defer release()

	token, ok := r.find(tokenHash, purpose)
	if !ok {
		return nil, notFound("get token by hash")
	}
	return &token, nil
}

func (r tokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	release, err := r.s.enter(ctx, "tokens.DeleteExpired")
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	for id, token := range r.s.tokens {
		if token.ExpiresAt.Before(before) {
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}

// --- attempts ---

type attemptRepo struct{ s *Store }

func (r attemptRepo) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (auth.AttemptCounter, error) {
	release, err := r.s.enter(ctx, "attempts.Increment")
	if err != nil {
		return auth.AttemptCounter{}, err
	}
	defer release()

	counter, ok := r.s.attempts[key]
	if !ok || !now.Before(counter.WindowStart.Add(window)) {
		counter = auth.AttemptCounter{Key: key, WindowStart: now}
	}
	counter.Count++
	r.s.attempts[key] = counter
	return counter, nil
}

func (r attemptRepo) Get(ctx context.Context, key string) (auth.AttemptCounter, error) {
	release, err := r.s.enter(ctx, "attempts.Get")
	if err != nil {
		return auth.AttemptCounter{}, err
	}
	defer release()

	counter, ok := r.s.attempts[key]
	if !ok {
		return auth.AttemptCounter{}, notFound("get attempt counter")
	}
	return counter, nil
}

func (r attemptRepo) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	release, err := r.s.enter(ctx, "attempts.Decrement")
	if err != nil {
		return err
	}
	defer release()

	counter, ok := r.s.attempts[key]
	if !ok || !counter.WindowStart.Equal(windowStart) || counter.Count == 0 {
		return nil
	}
	counter.Count--
	r.s.attempts[key] = counter
	return nil
}

func (r attemptRepo) Clear(ctx context.Context, key string) error {
	release, err := r.s.enter(ctx, "attempts.Clear")
	if err != nil {
		return err
	}
	defer release()

	delete(r.s.attempts, key)
	return nil
}

func (r attemptRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	release, err := r.s.enter(ctx, "attempts.DeleteStale")
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	for key, counter := range r.s.attempts {
		if counter.WindowStart.Before(before) {
			delete(r.s.attempts, key)
			n++
		}
	}
	return n, nil
}
