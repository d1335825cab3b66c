package otboo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/otboo/otboo-client/internal/otboo/auth"
)

const (
	PathSignIn        = "/api/auth/sign-in"
	PathSignOut       = "/api/auth/sign-out"
	PathMe            = "/api/auth/me"
	PathRefresh       = "/api/auth/refresh"
	PathResetPassword = "/api/auth/reset-password"
	PathCsrfToken     = "/api/auth/csrf-token"
)

// SignIn posts the credentials and returns the issued access token.
func (c *Client) SignIn(ctx context.Context, creds auth.Credentials) (string, error) {
	res, err := c.Do(ctx, Request{Method: http.MethodPost, Path: PathSignIn, Body: creds})
	if err != nil {
		return "", err
	}
	return tokenFromBody(res)
}

// SignOut invalidates the server side refresh credential.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: PathSignOut})
	return err
}

// Me returns an access token for the identity behind the cookie credential.
func (c *Client) Me(ctx context.Context) (string, error) {
	res, err := c.Do(ctx, Request{Method: http.MethodGet, Path: PathMe})
	if err != nil {
		return "", err
	}
	return tokenFromBody(res)
}

// Refresh exchanges the refresh cookie for a new access token.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	res, err := c.Do(ctx, Request{Method: http.MethodPost, Path: PathRefresh})
	if err != nil {
		return "", err
	}
	return tokenFromBody(res)
}

// ResetPassword requests a password reset mail for email.
func (c *Client) ResetPassword(ctx context.Context, email string) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   PathResetPassword,
		Body:   map[string]string{"email": email},
	})
	return err
}

// CsrfToken makes the server set the XSRF-TOKEN cookie.
func (c *Client) CsrfToken(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: PathCsrfToken})
	return err
}

// tokenFromBody accepts both a JSON string and a bare text token.
func tokenFromBody(res *resty.Response) (string, error) {
	body := strings.TrimSpace(string(res.Body()))

	var token string
	if err := json.Unmarshal([]byte(body), &token); err != nil {
		token = body
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty response body", auth.ErrInvalidToken)
	}
	return token, nil
}
