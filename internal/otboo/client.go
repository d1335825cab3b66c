// Package otboo is the HTTP client for the OTBOO API. Every request gets the
// current access token attached; a 401 on a regular endpoint triggers a single
// coordinated token refresh and one replay of the request.
package otboo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "http://localhost:8080"

	// ClientIDHeader identifies the client installation to the server.
	ClientIDHeader = "X-Client-Id"

	csrfCookieName = "XSRF-TOKEN"
	csrfHeaderName = "X-XSRF-TOKEN"

	userAgent = "otboo-client/1.0"
)

// ClientOpts configures a Client.
type ClientOpts struct {
	BaseURL string

	// Timeout bounds every request except streams, including reading the
	// response body.
	Timeout time.Duration

	// Jar holds the server-managed refresh credential. Defaults to an
	// in-memory jar.
	Jar http.CookieJar

	// ClientID is sent in the X-Client-Id header when set.
	ClientID string

	// RefreshTimeout bounds a single refresh call. Zero means no deadline
	// beyond Timeout.
	RefreshTimeout time.Duration

	// OnSignOut is called when a refresh fails and the session is gone.
	OnSignOut func(err error)

	Debug bool
}

// Client is the OTBOO API client.
type Client struct {
	http    *resty.Client
	baseURL *url.URL
	jar     http.CookieJar
	opts    ClientOpts

	mu          sync.RWMutex
	session     SessionSource
	coordinator *RefreshCoordinator
	unsubscribe func()
}

// NewClient creates a client. Call SetSession before making authenticated
// requests.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	c := &Client{
		baseURL: baseURL,
		opts:    opts,
	}

	c.http = resty.New().
		SetDebug(opts.Debug).
		SetBaseURL(baseURL.String()).
		SetLogger(restyLogger{}).
		SetRetryCount(0).
		SetError(&ErrorResponse{}).
		SetHeaders(map[string]string{
			"Accept":     "application/json",
			"User-Agent": userAgent,
		})

	if opts.Jar != nil {
		c.http.SetCookieJar(opts.Jar)
	}
	c.jar = c.http.GetClient().Jar
	if opts.ClientID != "" {
		c.http.SetHeader(ClientIDHeader, opts.ClientID)
	}

	c.http.OnBeforeRequest(c.attachToken)
	c.http.OnBeforeRequest(c.attachCsrfToken)

	return c, nil
}

// SetSession connects the client to the session that supplies access tokens
// and refreshes them. Set after construction because the session's auth
// endpoints are served by this client.
func (c *Client) SetSession(s SessionSource) {
	coordinator := NewRefreshCoordinator(
		func(ctx context.Context) (string, error) {
			session, err := s.Refresh(ctx)
			if err != nil {
				return "", err
			}
			return session.AccessToken, nil
		},
		s.AccessToken,
		c.signOut,
		c.opts.RefreshTimeout,
	)

	// A new session starts a new generation for the coordinator.
	unsubscribe := s.OnChange(func(session *auth.Session) {
		if session != nil {
			coordinator.forget()
		}
	})

	c.mu.Lock()
	previous := c.unsubscribe
	c.session = s
	c.coordinator = coordinator
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// Coordinator returns the refresh coordinator, or nil before SetSession.
func (c *Client) Coordinator() *RefreshCoordinator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator
}

// ClientID returns the installation id sent with every request.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Request describes one API call. It is rebuilt into a fresh resty request
// for every attempt so a replay never reuses a consumed body.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Result any

	// raw skips response parsing and leaves the body open (streams).
	raw    bool
	accept string
}

// Do executes the request. A 401 on a non-auth endpoint triggers the refresh
// coordinator and one replay with the refreshed token; a replayed request
// that fails again is returned as is.
func (c *Client) Do(ctx context.Context, req Request) (*resty.Response, error) {
	res, err := c.send(ctx, req, "")
	if err != nil {
		return res, err
	}

	coordinator := c.Coordinator()
	if res.StatusCode() != http.StatusUnauthorized || isAuthEndpoint(req.Path) || coordinator == nil {
		return res, c.finish(req, res)
	}

	stale := bearerToken(res.Request.Header.Get("Authorization"))
	closeRaw(req, res)

	log.Debug().Str("method", req.Method).Str("path", req.Path).Msg("access token rejected, waiting for refresh")

	token, err := coordinator.Await(ctx, stale)
	if err != nil {
		return res, err
	}

	res, err = c.send(ctx, req, token)
	if err != nil {
		return res, err
	}
	return res, c.finish(req, res)
}

// send performs a single attempt. A non-empty token overrides the one the
// request interceptor would attach. Streams are not bound by Timeout since
// their body stays open.
func (c *Client) send(ctx context.Context, req Request, token string) (*resty.Response, error) {
	if c.opts.Timeout > 0 && !req.raw {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	r := c.http.R().SetContext(ctx)
	if req.Query != nil {
		r.SetQueryParamsFromValues(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}
	if req.Result != nil {
		r.SetResult(req.Result)
	}
	if req.raw {
		r.SetDoNotParseResponse(true)
	}
	if req.accept != "" {
		r.SetHeader("Accept", req.accept)
	}
	if token != "" {
		r.SetHeader("Authorization", "Bearer "+token)
	}

	res, err := r.Execute(req.Method, req.Path)
	if err != nil {
		return res, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.Path, err)
	}
	return res, nil
}

func (c *Client) finish(req Request, res *resty.Response) error {
	if !res.IsError() {
		return nil
	}
	if req.raw {
		body := res.RawBody()
		if body != nil {
			defer body.Close()
			data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
			res.SetBody(data)
		}
	}
	return resolveError(req.Path, res)
}

// attachToken is the request interceptor: it sets the bearer token of the
// current session unless the request already carries one.
func (c *Client) attachToken(_ *resty.Client, r *resty.Request) error {
	if r.Header.Get("Authorization") != "" {
		return nil
	}

	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return nil
	}

	if token := session.AccessToken(); token != "" {
		r.SetHeader("Authorization", "Bearer "+token)
	}
	return nil
}

// attachCsrfToken copies the XSRF-TOKEN cookie into the X-XSRF-TOKEN header on
// state changing requests.
func (c *Client) attachCsrfToken(_ *resty.Client, r *resty.Request) error {
	if c.jar == nil {
		return nil
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}

	for _, cookie := range c.jar.Cookies(c.baseURL) {
		if cookie.Name == csrfCookieName {
			r.SetHeader(csrfHeaderName, cookie.Value)
			break
		}
	}
	return nil
}

func (c *Client) signOut(err error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session != nil {
		session.Clear()
	}
	if c.opts.OnSignOut != nil {
		c.opts.OnSignOut(err)
	}
}

// isAuthEndpoint matches sign-in, refresh, sign-out and the other auth calls,
// which never go through the refresh path.
func isAuthEndpoint(path string) bool {
	return strings.Contains(path, "/auth/")
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func closeRaw(req Request, res *resty.Response) {
	if req.raw && res.RawBody() != nil {
		res.RawBody().Close()
	}
}

// restyLogger forwards resty's internal messages to zerolog.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	log.Error().Msgf("resty: "+format, v...)
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Msgf("resty: "+format, v...)
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Msgf("resty: "+format, v...)
}
