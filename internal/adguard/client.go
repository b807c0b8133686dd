// Package adguard implements the rewrite gateway against the AdGuard Home
// control API.
package adguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"adguard-dns-sync/internal/retry"
	"adguard-dns-sync/internal/rewrite"
)

const DefaultURL = "http://adguard:3000"

var (
	// ErrAuthentication is returned when the login endpoint rejects the credentials.
	ErrAuthentication = errors.New("adguard authentication failed")
	errUnauthorized   = errors.New("adguard session not authorized")
)

// StatusError reports an unexpected HTTP status from the control API.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected HTTP status %d", e.Op, e.Code)
}

// CallRecorder receives one entry per provider call.
type CallRecorder interface {
	RecordCall(operation string, success bool, latency time.Duration)
}

// Config holds connection settings for AdGuard Home.
type Config struct {
	URL      string
	Username string
	Password string
	Retry    retry.Policy
}

// Client talks to the AdGuard Home control API using a cookie session.
type Client struct {
	baseURL  string
	username string
	password string
	policy   retry.Policy
	http     *http.Client
	log      logrus.FieldLogger
	recorder CallRecorder

	mu       sync.Mutex
	loggedIn bool
}

type Option func(*Client)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithRecorder(r CallRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithHTTPClient replaces the HTTP client. A cookie jar is attached when the
// client has none.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient validates the configuration and prepares a session. No request
// is made until the first call.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		base = DefaultURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("adguard url %q must start with http:// or https://", base)
	}
	if strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("adguard password is required")
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	c := &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		policy:   policy,
		http:     &http.Client{},
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("init cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "adguard", "url": base})
	return c, nil
}

// Login authenticates and stores the session cookie.
func (c *Client) Login(ctx context.Context) error {
	start := time.Now()
	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.login(ctx)
	}, c.notify("authenticate", ""))
	c.observe("authenticate", "", attempts, start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return nil
}

func (c *Client) login(ctx context.Context) error {
	body := map[string]string{"name": c.username, "password": c.password}
	err := c.do(ctx, "authenticate", http.MethodPost, "/control/login", body, nil)
	if errors.Is(err, errUnauthorized) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

type listEntry struct {
	Domain  string `json:"domain"`
	Answer  string `json:"answer"`
	Enabled *bool  `json:"enabled"`
}

type rewriteEntry struct {
	Domain  string `json:"domain"`
	Answer  string `json:"answer"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type updateRequest struct {
	Target rewriteEntry `json:"target"`
	Update rewriteEntry `json:"update"`
}

// List returns the live rewrite table. Rules without an enabled flag are
// treated as enabled.
func (c *Client) List(ctx context.Context) (rewrite.Set, error) {
	var entries []listEntry
	if err := c.call(ctx, "list", "", http.MethodGet, "/control/rewrite/list", nil, &entries); err != nil {
		return nil, fmt.Errorf("list rewrites: %w", err)
	}
	set := make(rewrite.Set, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.Domain) == "" {
			continue
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		set.Add(rewrite.Rule{Domain: entry.Domain, Answer: entry.Answer, Enabled: enabled})
	}
	return set, nil
}

func (c *Client) Create(ctx context.Context, rule rewrite.Rule) bool {
	payload := rewriteEntry{Domain: rule.Domain, Answer: rule.Answer, Enabled: boolPtr(rule.Enabled)}
	return c.call(ctx, "create", rule.Domain, http.MethodPost, "/control/rewrite/add", payload, nil) == nil
}

// Update targets the entry exactly as the provider listed it, so a domain
// stored with different case or a trailing dot still matches.
func (c *Client) Update(ctx context.Context, current, desired rewrite.Rule) bool {
	payload := updateRequest{
		Target: rewriteEntry{Domain: current.Domain, Answer: current.Answer, Enabled: boolPtr(current.Enabled)},
		Update: rewriteEntry{Domain: current.Domain, Answer: desired.Answer, Enabled: boolPtr(desired.Enabled)},
	}
	return c.call(ctx, "update", current.Domain, http.MethodPost, "/control/rewrite/update", payload, nil) == nil
}

func (c *Client) Delete(ctx context.Context, domain, answer string) bool {
	payload := rewriteEntry{Domain: domain, Answer: answer}
	return c.call(ctx, "delete", domain, http.MethodPost, "/control/rewrite/delete", payload, nil) == nil
}

// Ping checks that the control API answers with the current session.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := c.do(ctx, "status", http.MethodGet, "/control/status", nil, nil)
	if errors.Is(err, errUnauthorized) {
		c.resetSession()
	}
	c.record("status", err == nil, time.Since(start))
	return err
}

// call runs one API operation with retries. An unauthorized response drops
// the session so the next attempt logs in again.
func (c *Client) call(ctx context.Context, op, domain, method, path string, body, out any) error {
	start := time.Now()
	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.ensureLogin(ctx); err != nil {
			return err
		}
		err := c.do(ctx, op, method, path, body, out)
		if errors.Is(err, errUnauthorized) {
			c.resetSession()
			return err
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}, c.notify(op, domain))
	c.observe(op, domain, attempts, start, err)
	return err
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if loggedIn {
		return nil
	}
	if err := c.login(ctx); err != nil {
		return err
	}
	c.log.Info("authenticated with AdGuard Home")
	return nil
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode %s request: %w", op, err))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s request: %w", op, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", errUnauthorized, &StatusError{Op: op, Code: resp.StatusCode})
	case resp.StatusCode != http.StatusOK:
		return &StatusError{Op: op, Code: resp.StatusCode}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) notify(op, domain string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"operation": op,
			"domain":    domain,
			"attempt":   attempt,
			"retry_in":  wait.String(),
		}).WithError(err).Warn("adguard call failed, retrying")
	}
}

func (c *Client) observe(op, domain string, attempts int, start time.Time, err error) {
	elapsed := time.Since(start)
	c.record(op, err == nil, elapsed)
	entry := c.log.WithFields(logrus.Fields{
		"operation":   op,
		"domain":      domain,
		"success":     err == nil,
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("adguard call failed")
		return
	}
	entry.Debug("adguard call succeeded")
}

func (c *Client) record(op string, success bool, latency time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordCall(op, success, latency)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

var (
	_ rewrite.Gateway = (*Client)(nil)
	_ rewrite.Pinger  = (*Client)(nil)
)
