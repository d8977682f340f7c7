// Package session discovers the targets of a browser through its directory endpoint and opens connections to them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/devtrace/cdp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrInvalidSelector is returned when a Selector names zero or more than one criterion.
var ErrInvalidSelector = errors.New("exactly one of target id or URL pattern must be given")

// Target is one inspectable context of the browser, as listed by the directory endpoint.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	Description          string `json:"description,omitempty"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
	FaviconURL           string `json:"faviconUrl,omitempty"`
}

// Version is the response of the /json/version endpoint.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Filter narrows a target list. Empty fields match everything.
type Filter struct {
	Type string
	// URLPattern is matched as a case-insensitive substring of the target URL.
	URLPattern string
}

// FilterTargets returns the targets matching f, in their original order.
func FilterTargets(targets []Target, f Filter) []Target {
	var out []Target
	pattern := strings.ToLower(f.URLPattern)
	for _, t := range targets {
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if pattern != "" && !strings.Contains(strings.ToLower(t.URL), pattern) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Selector picks one target. Exactly one field must be set.
type Selector struct {
	ID         string
	URLPattern string
}

func (s Selector) validate() error {
	if (s.ID == "") == (s.URLPattern == "") {
		return ErrInvalidSelector
	}
	return nil
}

func (s Selector) String() string {
	if s.ID != "" {
		return "id " + s.ID
	}
	return fmt.Sprintf("URL pattern %q", s.URLPattern)
}

type TargetNotFoundError struct {
	Endpoint string
	Selector Selector
	// Available is the number of targets that were listed.
	Available int
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("no target matching %s among %d targets at %s", e.Selector, e.Available, e.Endpoint)
}

func (e *TargetNotFoundError) RecoveryHint() string {
	return "list the open targets with 'devtrace targets', or open a page in the browser first"
}

type Session struct {
	log            *zap.SugaredLogger
	endpoint       string
	requestTimeout time.Duration
	httpClient     *http.Client
	retryMax       int
	connOpts       []cdp.Option

	mu    sync.Mutex
	conns []*cdp.Conn
}

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l.Named("session")
	}
}

// WithHTTPClient sets the client used beneath the retrying client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.httpClient = c
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.requestTimeout = d
	}
}

// WithRetryMax sets how many times a failed directory request is retried.
func WithRetryMax(n int) Option {
	return func(s *Session) {
		s.retryMax = n
	}
}

// WithConnOptions sets the options of every Conn opened by ConnectToTarget.
func WithConnOptions(opts ...cdp.Option) Option {
	return func(s *Session) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New returns a Session for the directory endpoint, e.g. "http://localhost:9222" or "localhost:9222".
func New(endpoint string, opts ...Option) *Session {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	s := &Session{
		log:            zap.NewNop().Sugar(),
		endpoint:       strings.TrimRight(endpoint, "/"),
		requestTimeout: 5 * time.Second,
		retryMax:       2,
	}
	for _, o := range opts {
		o(s)
	}

	retryClient := retryablehttp.NewClient()
	if s.httpClient != nil {
		retryClient.HTTPClient = s.httpClient
	}
	retryClient.RetryMax = s.retryMax
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.Logger = &logAdapter{SugaredLogger: s.log}
	// report the last error instead of retryablehttp's generic "giving up" error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	s.httpClient = retryClient.StandardClient()
	return s
}

func (s *Session) Endpoint() string { return s.endpoint }

func (s *Session) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	u := s.endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &cdp.ConnectionError{
			URL:   u,
			Cause: err,
			Hint:  "ensure the browser is running with --remote-debugging-port and the host and port are correct",
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &cdp.ConnectionError{
			URL:   u,
			Cause: fmt.Errorf("unexpected HTTP status code %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
			Hint:  "the endpoint does not look like a remote debugging endpoint",
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &cdp.ConnectionError{
			URL:   u,
			Cause: fmt.Errorf("decoding response: %w", err),
			Hint:  "the endpoint does not look like a remote debugging endpoint",
		}
	}
	return nil
}

// ListTargets fetches the current targets. The list is fetched fresh on every call.
func (s *Session) ListTargets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := s.getJSON(ctx, "/json/list", &targets); err != nil {
		return nil, err
	}
	s.log.Debugw("listed targets", "Endpoint", s.endpoint, "Count", len(targets))
	return targets, nil
}

func (s *Session) Version(ctx context.Context) (*Version, error) {
	var v Version
	if err := s.getJSON(ctx, "/json/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// FindTarget returns the first target matching sel.
func (s *Session) FindTarget(ctx context.Context, sel Selector) (*Target, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}
	targets, err := s.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	var matches []Target
	if sel.ID != "" {
		for _, t := range targets {
			if t.ID == sel.ID {
				matches = append(matches, t)
			}
		}
	} else {
		matches = FilterTargets(targets, Filter{URLPattern: sel.URLPattern})
	}
	if len(matches) == 0 {
		return nil, &TargetNotFoundError{Endpoint: s.endpoint, Selector: sel, Available: len(targets)}
	}
	return &matches[0], nil
}

// ConnectToTarget connects a new Conn to the first target matching sel.
// The Conn is closed by Close.
func (s *Session) ConnectToTarget(ctx context.Context, sel Selector) (*cdp.Conn, error) {
	target, err := s.FindTarget(ctx, sel)
	if err != nil {
		return nil, err
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, &cdp.ConnectionError{
			URL:   s.endpoint,
			Cause: fmt.Errorf("target %s has no WebSocket debugger URL", target.ID),
			Hint:  "another client may already be attached to the target",
		}
	}
	wsURL, err := s.rewriteHost(target.WebSocketDebuggerURL)
	if err != nil {
		return nil, err
	}

	opts := append([]cdp.Option{cdp.WithLogger(s.log)}, s.connOpts...)
	conn, err := cdp.Dial(ctx, wsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to target %s: %w", target.ID, err)
	}
	s.log.Infow("connected to target", "ID", target.ID, "URL", target.URL)

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	return conn, nil
}

// rewriteHost points a target's WebSocket URL at the host and port the directory was reached on.
// Browsers advertise their own listen address, which differs when reached through a forwarded port.
func (s *Session) rewriteHost(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing WebSocket URL %q: %w", wsURL, err)
	}
	ep, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", s.endpoint, err)
	}
	if u.Host != ep.Host {
		s.log.Debugw("rewriting WebSocket host", "From", u.Host, "To", ep.Host)
		u.Host = ep.Host
	}
	if ep.Scheme == "https" && u.Scheme == "ws" {
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Close closes every Conn opened by the Session.
func (s *Session) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}
