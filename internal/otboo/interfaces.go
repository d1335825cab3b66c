package otboo

import (
	"context"

	"github.com/otboo/otboo-client/internal/otboo/auth"
)

// SessionSource supplies access tokens to the client and refreshes them.
// *auth.Store implements it.
type SessionSource interface {
	// AccessToken returns the current token, "" when signed out.
	AccessToken() string

	// Refresh obtains and stores a new session, clearing it on failure.
	Refresh(ctx context.Context) (*auth.Session, error)

	// Clear drops the local session.
	Clear()

	// OnChange registers fn for session transitions and returns a func that
	// unregisters it.
	OnChange(fn func(*auth.Session)) func()
}

// NotificationService abstracts the notification endpoints for the CLI.
type NotificationService interface {
	ListNotifications(ctx context.Context, req CursorRequest) (*CursorResponse[Notification], error)
	ReadNotification(ctx context.Context, notificationID string) error
}

var (
	_ SessionSource       = (*auth.Store)(nil)
	_ auth.Endpoints      = (*Client)(nil)
	_ NotificationService = (*Client)(nil)
)
