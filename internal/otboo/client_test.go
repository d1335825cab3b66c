package otboo

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testCreds = auth.Credentials{Email: "user-1@example.com", Password: "secret"}

type testClient struct {
	*Client
	store    *auth.Store
	signOuts *atomic.Int32
}

func newTestClient(t *testing.T, api *fakeAPI) testClient {
	t.Helper()
	signOuts := &atomic.Int32{}
	client, err := NewClient(ClientOpts{
		BaseURL:        api.URL,
		Timeout:        5 * time.Second,
		RefreshTimeout: 2 * time.Second,
		ClientID:       "install-1",
		OnSignOut:      func(error) { signOuts.Add(1) },
	})
	require.NoError(t, err)

	store := auth.NewStore(client)
	client.SetSession(store)
	return testClient{Client: client, store: store, signOuts: signOuts}
}

func signedIn(t *testing.T, api *fakeAPI) testClient {
	t.Helper()
	c := newTestClient(t, api)
	_, err := c.store.SignIn(context.Background(), testCreds)
	require.NoError(t, err)
	return c
}

func TestClient_AttachesBearerToken(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)

	_, err := c.ListNotifications(context.Background(), CursorRequest{})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "Bearer "+api.valid, api.authSeen[len(api.authSeen)-1])
}

func TestClient_NoSessionSendsNoAuthorization(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/echo"})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{""}, api.authSeen)
}

func TestClient_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	before := c.store.AccessToken()
	api.expire()

	const callers = 10
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := c.Do(context.Background(), Request{
				Method: http.MethodGet,
				Path:   PathNotifications,
				Query:  url.Values{"caller": {strconv.Itoa(i)}},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	after := c.store.AccessToken()
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.NotEqual(t, before, after)
	assert.Zero(t, c.signOuts.Load())

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.authByCaller, callers)
	for caller, seen := range api.authByCaller {
		assert.Equal(t, []string{"Bearer " + before, "Bearer " + after}, seen, "caller %s", caller)
	}
}

func TestClient_NewSessionAllowsRefreshAfterFailure(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	ctx := context.Background()
	api.set(func(a *fakeAPI) { a.refreshFails = true })
	api.expire()

	_, err := c.ListNotifications(ctx, CursorRequest{})
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Equal(t, int32(1), api.refreshCalls.Load())
	require.Equal(t, int32(1), c.signOuts.Load())

	api.set(func(a *fakeAPI) { a.refreshFails = false })
	_, err = c.store.SignIn(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, c.store.SignOut(ctx))

	// Tokenless request after a regular sign-out: the refresh cookie is
	// gone, so the new refresh fails on its own.
	_, err = c.ListNotifications(ctx, CursorRequest{})
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, int32(2), api.refreshCalls.Load())
	assert.Equal(t, int32(2), c.signOuts.Load())
}

func TestClient_RefreshFailureRejectsAllAndSignsOutOnce(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	api.set(func(a *fakeAPI) { a.refreshFails = true })
	api.expire()

	var cleared atomic.Int32
	c.store.OnChange(func(s *auth.Session) {
		if s == nil {
			cleared.Add(1)
		}
	})

	errs := make(chan error, 10)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := c.ListNotifications(context.Background(), CursorRequest{})
			errs <- err
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrRefreshFailed)
	}
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(1), c.signOuts.Load())
	assert.Equal(t, int32(1), cleared.Load())
	assert.False(t, c.store.IsAuthenticated())
}

func TestClient_ReplayIsAttemptedOnlyOnce(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	api.set(func(a *fakeAPI) { a.rejectAlways = true })

	_, err := c.ListNotifications(context.Background(), CursorRequest{})
	assert.ErrorIs(t, err, ErrAuthExpired)

	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), api.refreshCalls.Load())

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.authSeen, 2, "original request and one replay")
}

func TestClient_AuthEndpointRejectionDoesNotRefresh(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)

	_, err := c.store.SignIn(context.Background(), auth.Credentials{Email: "user-1@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.NotErrorIs(t, err, ErrAuthExpired)

	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InvalidCredentialsException", apiErr.ExceptionName)
	assert.Zero(t, api.refreshCalls.Load())
	assert.Zero(t, c.signOuts.Load())
}

func TestClient_SignOutClearsCookieCredential(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)

	require.NoError(t, c.store.SignOut(context.Background()))
	assert.False(t, c.store.IsAuthenticated())

	_, err := c.store.RestoreSession(context.Background())
	assert.Error(t, err)
}

func TestClient_RestoreSessionFromCookie(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	c.store.Clear()

	session, err := c.store.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, session.AccessToken, c.store.AccessToken())
}

func TestClient_ErrorResponseCarriesRequestID(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/boom"})
	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "IllegalStateException", apiErr.ExceptionName)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, "req-illegalstateexception", apiErr.RequestID)
	assert.Contains(t, Alert(err), "- Request ID: req-illegalstateexception")
}

func TestClient_NonJSONErrorBody(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/gateway"})
	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Gateway", apiErr.ExceptionName)
	assert.Equal(t, "req-gw", apiErr.RequestID)
}

func TestClient_NetworkError(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/hangup"})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Zero(t, api.refreshCalls.Load())
}

func TestClient_CsrfHeaderOnStateChangingRequests(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	c.store.FetchCsrfToken(context.Background())

	require.NoError(t, c.ReadNotification(context.Background(), "n-1"))
	_, err := c.ListNotifications(context.Background(), CursorRequest{})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"csrf-1", ""}, api.csrfSeen)
}

func TestClient_ListNotificationsPaging(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	api.set(func(a *fakeAPI) {
		a.notifications = []Notification{
			{ID: "n-1", Title: "New follower", Level: "INFO"},
			{ID: "n-2", Title: "New comment", Level: "INFO"},
		}
	})

	page, err := c.ListNotifications(context.Background(), CursorRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "n-1", page.Data[0].ID)

	next, ok := page.Next(1)
	require.True(t, ok)
	assert.Equal(t, CursorRequest{Cursor: "c1", IDAfter: "n-1", Limit: 1}, next)

	page, err = c.ListNotifications(context.Background(), next)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "n-2", page.Data[0].ID)

	_, ok = page.Next(1)
	assert.False(t, ok)
}

func TestClient_OpenStreamRefreshesRejectedToken(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	api.expire()

	body, err := c.OpenStream(context.Background(), "", "41")
	require.NoError(t, err)
	defer body.Close()

	lines := bufio.NewScanner(body)
	require.True(t, lines.Scan())
	assert.Equal(t, "id: 411", lines.Text())
	assert.Equal(t, int32(1), api.refreshCalls.Load())
}

func TestClient_OpenStreamFailureReturnsError(t *testing.T) {
	api := newFakeAPI(t)
	c := signedIn(t, api)
	api.set(func(a *fakeAPI) { a.refreshFails = true })
	api.expire()

	body, err := c.OpenStream(context.Background(), "", "")
	assert.Nil(t, body)
	assert.ErrorIs(t, err, ErrRefreshFailed)
}

func TestTokenFromBody(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)

	// sign-in answers with a JSON string, refresh with plain text.
	token, err := c.SignIn(context.Background(), testCreds)
	require.NoError(t, err)
	assert.NotContains(t, token, `"`)

	refreshed, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, token, refreshed)
}

func TestClient_CallerCancellation(t *testing.T) {
	api := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.refreshDelay = 200 * time.Millisecond })
	c := signedIn(t, api)
	api.expire()

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		_, err := c.ListNotifications(context.Background(), CursorRequest{})
		return err
	})
	require.Eventually(t, func() bool { return c.Coordinator().inFlight() }, time.Second, time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		_, err := c.ListNotifications(ctx, CursorRequest{})
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errc
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrNetwork), "got %v", err)
	require.NoError(t, g.Wait(), "the refresh itself is not cancelled")
	assert.True(t, c.store.IsAuthenticated())
}
