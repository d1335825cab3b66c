package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// Credentials is the sign-in request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Endpoints abstracts the OTBOO auth API. The access token comes back as an
// opaque signed string; refresh and me rely on the cookie credential held by
// the HTTP client.
type Endpoints interface {
	SignIn(ctx context.Context, creds Credentials) (string, error)
	Refresh(ctx context.Context) (string, error)
	Me(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
	CsrfToken(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
}

// StatusCoder is implemented by API errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Store is the single source of truth for the current Session.
//
// All methods are safe for concurrent use. Network calls are made without
// holding the lock; only the state transitions are serialized.
type Store struct {
	endpoints Endpoints

	mu        sync.RWMutex
	session   *Session
	err       error
	busy      bool
	// epoch changes whenever the session is cleared; results of calls that
	// started in an older epoch are discarded.
	epoch     uint64
	listeners map[int]func(*Session)
	nextID    int
}

// NewStore creates an empty (signed out) store.
func NewStore(endpoints Endpoints) *Store {
	return &Store{
		endpoints: endpoints,
		listeners: make(map[int]func(*Session)),
	}
}

// AccessToken returns the current access token or "" when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// Session returns a copy of the current session, or nil.
func (s *Store) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.clone()
}

// IsAuthenticated returns true if a session with a token exists.
func (s *Store) IsAuthenticated() bool {
	return s.AccessToken() != ""
}

// Err returns the error recorded by the last failed operation.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// ClearError resets the recorded error.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}

// OnChange registers fn to be called after every session transition with the
// new session (nil when cleared). The returned func unregisters it.
func (s *Store) OnChange(fn func(*Session)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SignIn authenticates with email and password and stores the new session.
func (s *Store) SignIn(ctx context.Context, creds Credentials) (*Session, error) {
	epoch, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer s.end()

	token, err := s.endpoints.SignIn(ctx, creds)
	if err != nil {
		if isRejected(err) {
			err = fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		log.Warn().Err(err).Str("email", creds.Email).Msg("sign in failed")
		s.fail(err, false)
		return nil, err
	}

	session, err := NewSession(token)
	if err != nil {
		s.fail(err, false)
		return nil, err
	}

	if !s.set(session, epoch) {
		return nil, errSignedOut
	}
	log.Info().Str("userId", session.UserID).Str("email", session.Email).Msg("signed in")
	return session.clone(), nil
}

// Refresh exchanges the cookie credential for a new access token.
// On failure the session is cleared.
func (s *Store) Refresh(ctx context.Context) (*Session, error) {
	epoch := s.currentEpoch()
	token, err := s.endpoints.Refresh(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed")
		s.fail(err, true)
		return nil, err
	}

	session, err := NewSession(token)
	if err != nil {
		s.fail(err, true)
		return nil, err
	}

	if !s.set(session, epoch) {
		return nil, errSignedOut
	}
	log.Debug().Str("userId", session.UserID).Msg("token refreshed")
	return session.clone(), nil
}

// SignOut calls the sign-out endpoint and always clears the local session,
// even when the call fails. The network error, if any, is returned. A sign-in
// or refresh still in flight does not resurrect the session.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.err = nil
	s.mu.Unlock()

	err := s.endpoints.SignOut(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("sign out call failed, clearing local session anyway")
		s.fail(err, true)
		return err
	}

	s.Clear()
	log.Info().Msg("signed out")
	return nil
}

// RestoreSession re-derives the session from the cookie credential without
// asking for credentials. Fails with the endpoint error if none is valid.
func (s *Store) RestoreSession(ctx context.Context) (*Session, error) {
	epoch := s.currentEpoch()
	token, err := s.endpoints.Me(ctx)
	if err != nil {
		s.fail(err, true)
		return nil, err
	}

	session, err := NewSession(token)
	if err != nil {
		s.fail(err, true)
		return nil, err
	}

	if !s.set(session, epoch) {
		return nil, errSignedOut
	}
	log.Info().Str("userId", session.UserID).Msg("session restored")
	return session.clone(), nil
}

// FetchCsrfToken primes the CSRF cookie. Errors are only logged.
func (s *Store) FetchCsrfToken(ctx context.Context) {
	if err := s.endpoints.CsrfToken(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to fetch csrf token")
	}
}

// ResetPassword asks the server to send a password reset mail.
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	if err := s.endpoints.ResetPassword(ctx, email); err != nil {
		s.fail(err, false)
		return err
	}
	return nil
}

// Clear drops the local session. Clearing an empty store notifies nobody.
func (s *Store) Clear() {
	s.mu.Lock()
	s.epoch++
	if s.session == nil {
		s.mu.Unlock()
		return
	}
	s.session = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, nil)
}

// set stores session unless the store was cleared since epoch.
func (s *Store) set(session *Session, epoch uint64) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.Debug().Str("userId", session.UserID).Msg("discarding session, signed out meanwhile")
		return false
	}
	s.session = session
	s.err = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, session)
	return true
}

func (s *Store) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Store) fail(err error, clear bool) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if clear {
		s.Clear()
	}
}

// begin marks a sign-in as running and returns the epoch it started in.
func (s *Store) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return 0, ErrBusy
	}
	s.busy = true
	s.err = nil
	return s.epoch, nil
}

func (s *Store) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// snapshotListeners must be called with s.mu held.
func (s *Store) snapshotListeners() []func(*Session) {
	fns := make([]func(*Session), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(listeners []func(*Session), session *Session) {
	for _, fn := range listeners {
		fn(session.clone())
	}
}

// isRejected reports whether a sign-in error is the server refusing the
// credentials rather than a transport or server failure.
func isRejected(err error) bool {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	switch sc.HTTPStatus() {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
