// Package stream keeps a notification stream open for the signed-in user.
// The connection follows the access token: it is opened when a session
// exists, reopened when the token changes and closed on sign-out.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/rs/zerolog/log"
)

const (
	// MinBackoff is the delay before the first reconnect attempt.
	MinBackoff = time.Second

	// MaxBackoff caps the reconnect delay.
	MaxBackoff = time.Minute
)

// Event is a single message received from the server.
type Event struct {
	ID   string
	Name string
	Data json.RawMessage
}

// Conn is an open stream.
type Conn interface {
	// Next blocks until the next event arrives or the stream ends.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens a stream authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// TokenSource is the session the stream follows. *auth.Store implements it.
type TokenSource interface {
	AccessToken() string
	OnChange(fn func(*auth.Session)) func()
}

// Handler receives events in arrival order.
type Handler func(Event)

// Service maintains the stream connection.
type Service struct {
	dialer  Dialer
	tokens  TokenSource
	handler Handler

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewService creates a stream service.
func NewService(dialer Dialer, tokens TokenSource, handler Handler) *Service {
	return &Service{
		dialer:     dialer,
		tokens:     tokens,
		handler:    handler,
		minBackoff: MinBackoff,
		maxBackoff: MaxBackoff,
	}
}

// SetBackoff overrides the reconnect delays.
func (s *Service) SetBackoff(initial, limit time.Duration) {
	s.minBackoff = initial
	s.maxBackoff = limit
}

// Run keeps the stream connected until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	changes := make(chan struct{}, 1)
	unsubscribe := s.tokens.OnChange(func(*auth.Session) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	log.Info().Msg("starting stream service")

	backoff := s.minBackoff
	for {
		token := s.tokens.AccessToken()
		if token == "" {
			log.Debug().Msg("no session, stream idle")
			select {
			case <-ctx.Done():
				log.Info().Msg("stream service stopped")
				return nil
			case <-changes:
				continue
			}
		}

		err := s.connect(ctx, token, changes)
		if ctx.Err() != nil {
			log.Info().Msg("stream service stopped")
			return nil
		}
		if errors.Is(err, errTokenChanged) {
			backoff = s.minBackoff
			continue
		}
		if errors.Is(err, errConnected) {
			backoff = s.minBackoff
		}

		log.Warn().Err(err).Dur("retryIn", backoff).Msg("stream disconnected")
		if !s.wait(ctx, changes, backoff) {
			log.Info().Msg("stream service stopped")
			return nil
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

var (
	errTokenChanged = errors.New("access token changed")
	errConnected    = errors.New("stream ended")
)

// connect opens one connection with token and pumps events until it drops,
// the token changes or ctx ends. An error wrapping errConnected means the
// connection was established before it ended.
func (s *Service) connect(ctx context.Context, token string, changes <-chan struct{}) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	conn, err := s.dialer.Dial(connCtx, token)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("connection", id).Msg("stream connected")

	done := make(chan error, 1)
	go func() {
		for {
			ev, err := conn.Next(connCtx)
			if err != nil {
				done <- err
				return
			}
			s.handler(ev)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cancel()
			conn.Close()
			<-done
			return ctx.Err()
		case err := <-done:
			return errors.Join(errConnected, err)
		case <-changes:
			if s.tokens.AccessToken() == token {
				continue
			}
			log.Info().Str("connection", id).Msg("access token changed, reconnecting stream")
			cancel()
			conn.Close()
			<-done
			return errTokenChanged
		}
	}
}

// wait sleeps for d or until the session changes. It returns false when ctx
// ends first.
func (s *Service) wait(ctx context.Context, changes <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-changes:
		return true
	case <-timer.C:
		return true
	}
}
