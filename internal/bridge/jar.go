package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"pkt.systems/marina/schema"
	"pkt.systems/marina/session"
	"pkt.systems/pslog"
)

// Modes.
const (
	ModeCookieJar = "cookiejar"
	ModeNone      = "none"
)

// Jar is a credential bridge backed by an in-process cookie jar. HTTP
// clients that share CookieJar() send every synchronized credential.
type Jar struct {
	jar      *cookiejar.Jar
	insecure bool
	log      pslog.Logger

	mu sync.Mutex
	// paths records every path a cookie name was stored under, keyed by host.
	paths map[string]map[string]map[string]struct{}
}

// Option configures a Jar.
type Option func(*Jar)

// WithInsecure drops the secure flag so cookies ride on plain-http origins.
func WithInsecure() Option {
	return func(j *Jar) { j.insecure = true }
}

// WithLogger attaches a logger.
func WithLogger(logger pslog.Logger) Option {
	return func(j *Jar) { j.log = logger }
}

// NewJar constructs a cookie-jar bridge.
func NewJar(opts ...Option) (*Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	j := &Jar{jar: jar, paths: map[string]map[string]map[string]struct{}{}}
	for _, opt := range opts {
		opt(j)
	}
	if j.log != nil {
		j.log = j.log.With("component", "bridge")
	}
	return j, nil
}

// CookieJar returns the jar for HTTP clients.
func (j *Jar) CookieJar() http.CookieJar {
	return j
}

// SetCookies implements http.CookieJar and remembers cookie paths so Clear
// reaches cookies the server scoped below the root.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.remember(u, cookies)
	j.jar.SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *Jar) remember(u *url.URL, cookies []*http.Cookie) {
	host := strings.ToLower(u.Hostname())
	j.mu.Lock()
	defer j.mu.Unlock()
	byName := j.paths[host]
	if byName == nil {
		byName = map[string]map[string]struct{}{}
		j.paths[host] = byName
	}
	for _, c := range cookies {
		p := cookiePath(u, c)
		if c.MaxAge < 0 {
			delete(byName[c.Name], p)
			continue
		}
		if byName[c.Name] == nil {
			byName[c.Name] = map[string]struct{}{}
		}
		byName[c.Name][p] = struct{}{}
	}
}

// cookiePath resolves the path a cookie is stored under (RFC 6265 5.1.4).
func cookiePath(u *url.URL, c *http.Cookie) string {
	if c.Path != "" && c.Path[0] == '/' {
		return c.Path
	}
	p := u.Path
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// Available reports true.
func (j *Jar) Available() bool { return true }

// Upsert sets cred for baseURL, replacing any cookie with the same name.
func (j *Jar) Upsert(ctx context.Context, baseURL string, cred schema.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(cred.Name) == "" {
		return errors.New("credential name is required")
	}
	u, err := parseBase(baseURL)
	if err != nil {
		return err
	}
	path := cred.Path
	if path == "" {
		path = "/"
	}
	j.SetCookies(u, []*http.Cookie{{
		Name:     cred.Name,
		Value:    cred.Value,
		Path:     path,
		Secure:   cred.Secure && !j.insecure,
		HttpOnly: cred.HTTPOnly,
	}})
	if j.log != nil {
		j.log.Trace("bridge upsert ok", "cookie", cred.Name)
	}
	return nil
}

// Export returns the cookies the jar would send to baseURL.
func (j *Jar) Export(ctx context.Context, baseURL string) (schema.CookieMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	out := schema.CookieMap{}
	for _, c := range j.jar.Cookies(u) {
		out[c.Name] = schema.CookieValue{Value: c.Value}
	}
	return out, nil
}

// Clear expires every cookie stored for the host of baseURL, under any path.
func (j *Jar) Clear(ctx context.Context, baseURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := parseBase(baseURL)
	if err != nil {
		return err
	}
	seen := map[string]struct{}{}
	var expired []*http.Cookie
	add := func(name, path string) {
		key := name + "\x00" + path
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		expired = append(expired, &http.Cookie{Name: name, Path: path, MaxAge: -1})
	}
	j.mu.Lock()
	for name, paths := range j.paths[strings.ToLower(u.Hostname())] {
		for p := range paths {
			add(name, p)
		}
	}
	j.mu.Unlock()
	for _, c := range j.jar.Cookies(u) {
		add(c.Name, "/")
	}
	if len(expired) == 0 {
		return nil
	}
	j.SetCookies(u, expired)
	if j.log != nil {
		j.log.Debug("bridge clear ok", "cookies", len(expired))
	}
	return nil
}

// Open returns the bridge selected by mode together with the cookie jar HTTP
// clients should use. Mode none still hands out a process-local jar so the
// server session works until exit; only synchronization is skipped.
func Open(mode string, opts ...Option) (session.CredentialBridge, http.CookieJar, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeCookieJar:
		j, err := NewJar(opts...)
		if err != nil {
			return nil, nil, err
		}
		return j, j.CookieJar(), nil
	case ModeNone:
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, nil, err
		}
		return session.NoBridge{}, jar, nil
	default:
		return nil, nil, fmt.Errorf("unknown bridge mode %q", mode)
	}
}

func parseBase(baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	u.Path = "/"
	return u, nil
}
