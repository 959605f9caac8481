package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"
	"golang.org/x/net/publicsuffix"

	"github.com/jmcleod/watchtower/storage"
	bboltstorage "github.com/jmcleod/watchtower/storage/bbolt"
)

const (
	stateFile    = "client.db"
	stateBucket  = "client"
	stateContext = "cli"
	cookiesKey   = "watchtower.cookies"
)

// clientState is the CLI's persistent client-side storage: the cookie jar
// between invocations and the shared navigation area.
type clientState struct {
	db   *bbolt.DB
	area *bboltstorage.Area
}

func openClientState(dir string) (*clientState, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, stateFile), 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening client state: %w", err)
	}
	area, err := bboltstorage.NewArea(db, stateBucket)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &clientState{db: db, area: area}, nil
}

func (s *clientState) Close() error { return s.db.Close() }

// Store is this process's view of the shared area.
func (s *clientState) Store() storage.Context { return s.area.Context(stateContext) }

type savedCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty"`
	// Expires is Unix seconds; zero for a browser-session cookie.
	Expires int64 `json:"expires,omitempty"`
}

func (c savedCookie) expired(now time.Time) bool {
	return c.Expires != 0 && !time.Unix(c.Expires, 0).After(now)
}

func (c savedCookie) cookie() *http.Cookie {
	hc := &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path, Secure: c.Secure, HttpOnly: c.HttpOnly}
	if hc.Path == "" {
		hc.Path = "/"
	}
	if c.Expires != 0 {
		hc.Expires = time.Unix(c.Expires, 0)
	}
	return hc
}

// cookieJar is the CLI's jar. http.CookieJar only hands back names and
// values, so it records the attributes of every cookie it is given in order
// to write them to the client state.
type cookieJar struct {
	inner http.CookieJar
	clock clockwork.Clock

	mu   sync.Mutex
	seen map[string]map[string]savedCookie // host -> name
}

var _ http.CookieJar = (*cookieJar)(nil)

func newCookieJar(c clockwork.Clock) (*cookieJar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &cookieJar{inner: inner, clock: c, seen: make(map[string]map[string]savedCookie)}, nil
}

func (j *cookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	now := j.clock.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	host := j.seen[u.Host]
	if host == nil {
		host = make(map[string]savedCookie)
		j.seen[u.Host] = host
	}
	for _, c := range cookies {
		saved := savedCookie{Name: c.Name, Value: c.Value, Path: c.Path, Secure: c.Secure, HttpOnly: c.HttpOnly}
		switch {
		case c.MaxAge < 0:
			delete(host, c.Name)
			continue
		case c.MaxAge > 0:
			saved.Expires = now.Add(time.Duration(c.MaxAge) * time.Second).Unix()
		case !c.Expires.IsZero():
			saved.Expires = c.Expires.Unix()
		}
		if saved.expired(now) {
			delete(host, c.Name)
			continue
		}
		host[c.Name] = saved
	}
}

func (j *cookieJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// live returns the unexpired cookies recorded for host, sorted by name.
func (j *cookieJar) live(host string) []savedCookie {
	now := j.clock.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]savedCookie, 0, len(j.seen[host]))
	for _, c := range j.seen[host] {
		if !c.expired(now) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b savedCookie) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// restoreCookies loads the cookies saved for base into jar. Expired entries
// are skipped.
func (s *clientState) restoreCookies(jar *cookieJar, base *url.URL) error {
	raw, err := s.Store().Get(cookiesKey + "." + base.Host)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var saved []savedCookie
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		// A damaged entry is the same as no session.
		return nil
	}
	now := jar.clock.Now()
	cookies := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		if c.expired(now) {
			continue
		}
		cookies = append(cookies, c.cookie())
	}
	if len(cookies) > 0 {
		jar.SetCookies(base, cookies)
	}
	return nil
}

// saveCookies records the jar's cookies for base, or forgets them when the
// jar holds none.
func (s *clientState) saveCookies(jar *cookieJar, base *url.URL) error {
	key := cookiesKey + "." + base.Host
	saved := jar.live(base.Host)
	if len(saved) == 0 {
		return s.Store().Delete(key)
	}
	raw, err := json.Marshal(saved)
	if err != nil {
		return err
	}
	return s.Store().Set(key, string(raw))
}
