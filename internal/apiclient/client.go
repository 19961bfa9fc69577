package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/marina/internal/version"
	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

// Header names sent with every request.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderDeviceID  = "X-Device-ID"
)

const maxErrorBody = 4 << 10

// StatusError reports a non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	DeviceID string
	// Jar carries synchronized credentials; nil sends none.
	Jar http.CookieJar
	// Transport overrides the default transport.
	Transport http.RoundTripper
	Timeout   time.Duration
	Logger    pslog.Logger
}

// Client talks to the marina API.
type Client struct {
	base     *url.URL
	deviceID string
	http     *http.Client
	log      pslog.Logger
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	deviceID := strings.TrimSpace(opts.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "apiclient")
	}
	return &Client{
		base:     base,
		deviceID: deviceID,
		http: &http.Client{
			Jar:       opts.Jar,
			Transport: opts.Transport,
			Timeout:   opts.Timeout,
		},
		log: logger,
	}, nil
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// DeviceID returns the id sent in X-Device-ID.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// FetchProfile returns the signed-in user's profile.
func (c *Client) FetchProfile(ctx context.Context) (schema.Profile, error) {
	var profile schema.Profile
	if _, err := c.do(ctx, http.MethodGet, "/api/profile", nil, &profile); err != nil {
		return schema.Profile{}, err
	}
	return profile, nil
}

// RequestOTP asks the API to issue a one-time code for email.
func (c *Client) RequestOTP(ctx context.Context, email string) error {
	payload := map[string]string{"email": email}
	_, err := c.do(ctx, http.MethodPost, "/api/auth/otp", payload, nil)
	return err
}

// VerifyOTP exchanges a one-time code for a session. It returns the profile
// and the cookies the server set.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (schema.Profile, schema.CookieMap, error) {
	payload := map[string]string{"email": email, "code": code}
	var profile schema.Profile
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/verify", payload, &profile)
	if err != nil {
		return schema.Profile{}, nil, err
	}
	cookies := schema.CookieMap{}
	for _, ck := range resp.Cookies() {
		if ck.Name == "" || ck.MaxAge < 0 {
			continue
		}
		cookies[ck.Name] = schema.CookieValue{Value: ck.Value}
	}
	return profile, cookies, nil
}

// UpdateProfile stores registration fields and returns the updated profile.
func (c *Client) UpdateProfile(ctx context.Context, profile schema.Profile) (schema.Profile, error) {
	var updated schema.Profile
	if _, err := c.do(ctx, http.MethodPut, "/api/profile", profile, &updated); err != nil {
		return schema.Profile{}, err
	}
	return updated, nil
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderDeviceID, c.deviceID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if c.log != nil {
			c.log.Warn("apiclient request failed", "method", method, "path", path, "request_id", requestID, "err", err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if c.log != nil {
		c.log.Debug("apiclient request ok", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID, "duration_ms", time.Since(start).Milliseconds())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return resp, nil
}

func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
