// Package app wires the OTBOO client together: persistent cookie jar, API
// client, session store and the refresh coordinator between them.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/otboo/otboo-client/internal/config"
	"github.com/otboo/otboo-client/internal/otboo"
	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/otboo/otboo-client/internal/storage"
	"github.com/otboo/otboo-client/internal/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport selects the notification stream transport.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "ws"
)

// App holds the wired components. Close it when done.
type App struct {
	Config  *config.Config
	Client  *otboo.Client
	Session *auth.Store

	db  *storage.SQLiteStore
	jar *storage.PersistentJar
}

// New builds the application from cfg. Without a token key cookies are kept
// in memory only and every run starts signed out.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	clientID := uuid.NewString()
	opts := otboo.ClientOpts{
		BaseURL:        cfg.APIURL,
		Timeout:        cfg.HTTPTimeout,
		RefreshTimeout: cfg.RefreshTimeout,
		OnSignOut:      a.forcedSignOut,
		Debug:          cfg.LogLevel == zerolog.TraceLevel,
	}

	if cfg.TokenKey != "" {
		if err := a.openStorage(cfg); err != nil {
			return nil, err
		}
		opts.Jar = a.jar

		id, err := a.installationID()
		if err != nil {
			a.Close()
			return nil, err
		}
		clientID = id
	} else {
		log.Warn().Msg("OTBOO_TOKEN_KEY is not set, session will not be persisted")
	}
	opts.ClientID = clientID

	client, err := otboo.NewClient(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Client = client
	a.Session = auth.NewStore(client)
	client.SetSession(a.Session)

	return a, nil
}

func (a *App) openStorage(cfg *config.Config) error {
	key, err := storage.DeriveKey(cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}

	db, err := storage.NewSQLiteStore(cfg.DBPath, key)
	if err != nil {
		return fmt.Errorf("failed to initialize cookie store: %w", err)
	}
	a.db = db
	log.Debug().Str("dbPath", cfg.DBPath).Msg("cookie store initialized")

	base, err := parseBaseURL(cfg.APIURL)
	if err != nil {
		db.Close()
		return err
	}

	jar, err := storage.NewPersistentJar(db, base)
	if err != nil {
		db.Close()
		if errors.Is(err, storage.ErrDecrypt) {
			return fmt.Errorf("stored session cannot be read with this OTBOO_TOKEN_KEY: %w", err)
		}
		return err
	}
	a.jar = jar
	return nil
}

// installationID returns the persisted client id, creating one on first run.
func (a *App) installationID() (string, error) {
	id, err := a.db.GetInstallationID()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := a.db.SetInstallationID(id); err != nil {
		return "", err
	}
	log.Info().Str("installationId", id).Msg("generated installation id")
	return id, nil
}

// Restore re-establishes the session from the stored cookie credential.
func (a *App) Restore(ctx context.Context) (*auth.Session, error) {
	session, err := a.Session.RestoreSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrNoSession, err)
	}
	return session, nil
}

// SignIn primes the CSRF cookie and signs in.
func (a *App) SignIn(ctx context.Context, creds auth.Credentials) (*auth.Session, error) {
	a.Session.FetchCsrfToken(ctx)
	return a.Session.SignIn(ctx, creds)
}

// SignOut signs out and forgets the stored cookies, also when the server call
// fails.
func (a *App) SignOut(ctx context.Context) error {
	err := a.Session.SignOut(ctx)
	a.clearCookies()
	return err
}

// StreamService builds the notification stream service for transport. Events
// are passed to handler; their ids are persisted so an SSE stream resumes
// where it left off.
func (a *App) StreamService(transport Transport, handler stream.Handler) (*stream.Service, error) {
	var dialer stream.Dialer

	switch transport {
	case TransportSSE, "":
		dialer = &stream.SSEDialer{
			Opener:      a.Client,
			Path:        a.Config.SSEPath,
			LastEventID: a.lastEventID,
		}
	case TransportWebSocket:
		header := http.Header{}
		header.Set(otboo.ClientIDHeader, a.Client.ClientID())
		dialer = &stream.WebSocketDialer{
			URL:     a.Config.WSURL,
			Header:  header,
			Refresh: a.refreshFor,
		}
	default:
		return nil, fmt.Errorf("unknown stream transport %q", transport)
	}

	return stream.NewService(dialer, a.Session, func(ev stream.Event) {
		if ev.ID != "" && a.db != nil {
			if err := a.db.SetLastEventID(ev.ID); err != nil {
				log.Warn().Err(err).Msg("failed to store last event id")
			}
		}
		handler(ev)
	}), nil
}

// DecodeNotification decodes a notification event payload.
func DecodeNotification(ev stream.Event) (*otboo.Notification, error) {
	var n otboo.Notification
	if err := json.Unmarshal(ev.Data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	return &n, nil
}

func (a *App) refreshFor(ctx context.Context, staleToken string) (string, error) {
	coordinator := a.Client.Coordinator()
	if coordinator == nil {
		return "", auth.ErrNoSession
	}
	return coordinator.Await(ctx, staleToken)
}

func (a *App) lastEventID() string {
	if a.db == nil {
		return ""
	}
	id, err := a.db.GetLastEventID()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read last event id")
		return ""
	}
	return id
}

// forcedSignOut runs after a failed refresh: the session is gone and the
// refresh cookie is no longer valid.
func (a *App) forcedSignOut(err error) {
	log.Warn().Err(err).Msg("session expired, signed out")
	a.clearCookies()
}

func (a *App) clearCookies() {
	if a.jar == nil {
		return
	}
	if err := a.jar.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear stored cookies")
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	return u, nil
}

// Close releases the database.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
