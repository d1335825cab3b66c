package storage

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// PersistentJar is an http.CookieJar for a single API host that writes the
// cookies it receives through to a CookieStore, so the refresh credential
// survives a restart.
type PersistentJar struct {
	store CookieStore
	host  string

	mu      sync.Mutex
	jar     *cookiejar.Jar
	cookies map[string]StoredCookie
	now     func() time.Time
}

// NewPersistentJar creates a jar for baseURL and loads the cookies stored
// for its host. Expired cookies are dropped while loading.
func NewPersistentJar(store CookieStore, baseURL *url.URL) (*PersistentJar, error) {
	j := &PersistentJar{
		store:   store,
		host:    baseURL.Host,
		cookies: make(map[string]StoredCookie),
		now:     time.Now,
	}
	j.jar = newJar()

	stored, err := store.LoadCookies(j.host)
	if err != nil {
		return nil, err
	}

	now := j.now()
	var restored []*http.Cookie
	for _, c := range stored {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		j.cookies[cookieKey(c.Domain, c.Path, c.Name)] = c
		restored = append(restored, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	if len(restored) > 0 {
		j.jar.SetCookies(baseURL, restored)
		log.Debug().Str("host", j.host).Int("count", len(restored)).Msg("restored cookies")
	}

	return j, nil
}

// SetCookies implements http.CookieJar.
func (j *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jar.SetCookies(u, cookies)
	if u.Host != j.host {
		return
	}

	now := j.now()
	for _, c := range cookies {
		path := c.Path
		if path == "" || path[0] != '/' {
			path = defaultPath(u.Path)
		}
		domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if domain != "" && !domainMatch(u.Hostname(), domain) {
			// Rejected by the jar as well.
			continue
		}
		key := cookieKey(domain, path, c.Name)

		expires := c.Expires
		if c.MaxAge > 0 {
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if c.MaxAge < 0 || (!expires.IsZero() && !expires.After(now)) {
			delete(j.cookies, key)
			continue
		}

		j.cookies[key] = StoredCookie{
			Domain:   domain,
			Path:     path,
			Name:     c.Name,
			Value:    c.Value,
			Expires:  expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
	}

	j.persist()
}

// Cookies implements http.CookieJar.
func (j *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// Clear forgets every cookie, in memory and on disk.
func (j *PersistentJar) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jar = newJar()
	j.cookies = make(map[string]StoredCookie)
	return j.store.DeleteCookies(j.host)
}

func (j *PersistentJar) persist() {
	list := make([]StoredCookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		list = append(list, c)
	}
	if err := j.store.SaveCookies(j.host, list); err != nil {
		log.Error().Err(err).Str("host", j.host).Msg("failed to persist cookies")
	}
}

func newJar() *cookiejar.Jar {
	// cookiejar.New only fails on invalid options.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

func cookieKey(domain, path, name string) string {
	return domain + "\x00" + path + "\x00" + name
}

// defaultPath is the RFC 6265 default-path of a request path: everything up
// to, not including, the last slash.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func domainMatch(host, domain string) bool {
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
