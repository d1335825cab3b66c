package otboo

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a minimal OTBOO server: it hands out access tokens on sign-in
// and refresh and accepts only the most recently issued one.
type fakeAPI struct {
	*httptest.Server
	t *testing.T

	mu            sync.Mutex
	valid         string
	issued        int
	rejectAlways  bool
	refreshFails  bool
	refreshDelay  time.Duration
	csrfSeen      []string
	authSeen      []string
	authByCaller  map[string][]string
	refreshCalls  atomic.Int32
	signInCalls   atomic.Int32
	notifications []Notification
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{t: t, refreshDelay: 50 * time.Millisecond, authByCaller: make(map[string][]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/sign-in", api.signIn)
	mux.HandleFunc("POST /api/auth/refresh", api.refresh)
	mux.HandleFunc("GET /api/auth/me", api.me)
	mux.HandleFunc("POST /api/auth/sign-out", api.signOut)
	mux.HandleFunc("GET /api/auth/csrf-token", api.csrfToken)
	mux.HandleFunc("GET /api/notifications", api.listNotifications)
	mux.HandleFunc("DELETE /api/notifications/{id}", api.deleteNotification)
	mux.HandleFunc("GET /api/sse", api.sse)
	mux.HandleFunc("GET /api/echo", api.echo)
	mux.HandleFunc("GET /api/boom", api.boom)
	mux.HandleFunc("GET /api/gateway", api.gateway)
	mux.HandleFunc("GET /api/hangup", api.hangup)

	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

func mintToken(t *testing.T, userID string, n int) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: userID,
		Email:  userID + "@example.com",
		Name:   "Test User",
		Role:   auth.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("token-%d", n),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return token
}

func (a *fakeAPI) issue() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issued++
	a.valid = mintToken(a.t, "user-1", a.issued)
	return a.valid
}

// expire makes the server reject the current access token.
func (a *fakeAPI) expire() {
	a.mu.Lock()
	a.valid = "expired-" + a.valid
	a.mu.Unlock()
}

func (a *fakeAPI) set(fn func(a *fakeAPI)) {
	a.mu.Lock()
	fn(a)
	a.mu.Unlock()
}

func (a *fakeAPI) authorized(r *http.Request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authSeen = append(a.authSeen, r.Header.Get("Authorization"))
	if caller := r.URL.Query().Get("caller"); caller != "" {
		a.authByCaller[caller] = append(a.authByCaller[caller], r.Header.Get("Authorization"))
	}
	return !a.rejectAlways && r.Header.Get("Authorization") == "Bearer "+a.valid
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(RequestIDHeader, "req-"+strings.ToLower(name))
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"exceptionName": name, "message": message})
}

func (a *fakeAPI) signIn(w http.ResponseWriter, r *http.Request) {
	a.signInCalls.Add(1)
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != "secret" {
		writeError(w, http.StatusUnauthorized, "InvalidCredentialsException", "bad credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "REFRESH_TOKEN", Value: "refresh-1", Path: "/", HttpOnly: true})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.issue())
}

func (a *fakeAPI) refresh(w http.ResponseWriter, r *http.Request) {
	a.refreshCalls.Add(1)
	time.Sleep(a.refreshDelay)

	a.mu.Lock()
	fails := a.refreshFails
	a.mu.Unlock()

	if _, err := r.Cookie("REFRESH_TOKEN"); err != nil || fails {
		writeError(w, http.StatusUnauthorized, "TokenExpiredException", "refresh token expired")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(a.issue()))
}

func (a *fakeAPI) me(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie("REFRESH_TOKEN"); err != nil {
		writeError(w, http.StatusUnauthorized, "UnauthorizedException", "no session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.issue())
}

func (a *fakeAPI) signOut(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "REFRESH_TOKEN", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAPI) csrfToken(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: "csrf-1", Path: "/"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAPI) listNotifications(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.csrfSeen = append(a.csrfSeen, r.Header.Get("X-XSRF-TOKEN"))
	a.mu.Unlock()

	if !a.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UnauthorizedException", "access token expired")
		return
	}

	a.mu.Lock()
	data := a.notifications
	a.mu.Unlock()
	if data == nil {
		data = []Notification{}
	}

	cursor := r.URL.Query().Get("cursor")
	page := CursorResponse[Notification]{Data: data, TotalCount: len(data), SortBy: "createdAt", SortDirection: "DESCENDING"}
	if cursor == "" && len(data) > 1 {
		next, idAfter := "c1", data[0].ID
		page.Data = data[:1]
		page.HasNext = true
		page.NextCursor = &next
		page.NextIDAfter = &idAfter
	} else if cursor != "" {
		page.Data = data[1:]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (a *fakeAPI) deleteNotification(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.csrfSeen = append(a.csrfSeen, r.Header.Get("X-XSRF-TOKEN"))
	a.mu.Unlock()

	if !a.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UnauthorizedException", "access token expired")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAPI) sse(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UnauthorizedException", "access token expired")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "id: %s\nevent: notifications\ndata: {\"title\":\"hello\"}\n\n", r.URL.Query().Get("LastEventId")+"1")
}

func (a *fakeAPI) echo(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.authSeen = append(a.authSeen, r.Header.Get("Authorization"))
	a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

func (a *fakeAPI) boom(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusInternalServerError, "IllegalStateException", "boom")
}

func (a *fakeAPI) gateway(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set(RequestIDHeader, "req-gw")
	w.WriteHeader(http.StatusBadGateway)
	w.Write([]byte("<html>bad gateway</html>"))
}

func (a *fakeAPI) hangup(w http.ResponseWriter, r *http.Request) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	conn.Close()
}
