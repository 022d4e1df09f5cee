// Package session implements the per-call request pipeline: ensure a
// valid token, pace the call, send it, classify the response, and
// retry transient failures.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relliott-dev/prawcore-go/authorizer"
	"github.com/relliott-dev/prawcore-go/ratelimit"
	"github.com/relliott-dev/prawcore-go/transport"
)

const (
	defaultOAuthURL = "https://oauth.reddit.com"
	defaultWWWURL   = "https://www.reddit.com"
	defaultTimeout  = 16 * time.Second
	retryBudget     = 3
)

// SetHeaderCallback stamps one header on an outgoing request. Tests
// substitute a recorder to observe exactly what the pipeline sent.
type SetHeaderCallback func(req *http.Request, key, value string)

func defaultSetHeader(req *http.Request, key, value string) { req.Header.Set(key, value) }

// Session is the per-call pipeline. It is stateless between calls
// apart from its references to one Authorizer and one RateLimiter,
// both of which may be shared with other Sessions.
type Session struct {
	authorizer *authorizer.Authorizer
	limiter    *ratelimit.Limiter
	requestor  transport.Requestor
	userAgent  string
	oauthURL   string
	wwwURL     string
	setHeader  SetHeaderCallback
	log        *logrus.Logger
}

// New builds a Session over a shared Authorizer and a fresh
// RateLimiter. requestor is the injected transport; Close releases
// it.
func New(a *authorizer.Authorizer, requestor transport.Requestor, userAgent string, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{
		authorizer: a,
		limiter:    ratelimit.New(),
		requestor:  requestor,
		userAgent:  userAgent,
		oauthURL:   defaultOAuthURL,
		wwwURL:     defaultWWWURL,
		setHeader:  defaultSetHeader,
		log:        log,
	}
}

// SetOAuthURL and SetRedditURL override the base URLs used to build
// absolute request URLs, letting tests point at an httptest server.
func (s *Session) SetOAuthURL(u string)  { s.oauthURL = strings.TrimRight(u, "/") }
func (s *Session) SetRedditURL(u string) { s.wwwURL = strings.TrimRight(u, "/") }

// SetHeaderCallback overrides how headers are stamped on the outgoing
// request, letting tests record them.
func (s *Session) SetHeaderCallback(cb SetHeaderCallback) { s.setHeader = cb }

// Close releases the underlying transport. It does not revoke or
// otherwise touch the shared Authorizer.
func (s *Session) Close() error { return s.requestor.Close() }

// Limiter exposes the Session's RateLimiter for introspection
// (package httpapi's /ratelimit endpoint).
func (s *Session) Limiter() *ratelimit.Limiter { return s.limiter }

// Authorizer exposes the Session's Authorizer for introspection.
func (s *Session) Authorizer() *authorizer.Authorizer { return s.authorizer }

type requestConfig struct {
	data    map[string]string
	files   map[string]io.Reader
	json    map[string]any
	params  map[string]string
	timeout time.Duration

	// fileData is files drained into memory up front, so the body can
	// be re-encoded on every retry attempt.
	fileData map[string][]byte
}

// RequestOption configures one call to Request.
type RequestOption func(*requestConfig)

// WithData sets a form-encoded body; keys are sorted before encoding
// so recorded test fixtures get a stable body.
func WithData(data map[string]string) RequestOption {
	return func(c *requestConfig) { c.data = data }
}

// WithFiles attaches one or more multipart file parts.
func WithFiles(files map[string]io.Reader) RequestOption {
	return func(c *requestConfig) { c.files = files }
}

// WithJSON sets a JSON body. api_type=json is injected into a copy,
// never mutating the caller's map.
func WithJSON(body map[string]any) RequestOption {
	return func(c *requestConfig) { c.json = body }
}

// WithParams sets additional query parameters; raw_json=1 is always
// forced in regardless.
func WithParams(params map[string]string) RequestOption {
	return func(c *requestConfig) { c.params = params }
}

// WithTimeout overrides the per-call timeout (default 16s).
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = d }
}

// Request runs the full pipeline for one logical Reddit API call and
// returns the decoded JSON body, or nil for a response with no body
// (204, or a zero-byte 200).
func (s *Session) Request(ctx context.Context, method, path string, opts ...RequestOption) (json.RawMessage, error) {
	cfg := requestConfig{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.files) > 0 {
		cfg.fileData = make(map[string][]byte, len(cfg.files))
		for name, r := range cfg.files {
			b, err := io.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("session: reading file part %q: %w", name, err)
			}
			cfg.fileData[name] = b
		}
	}

	if cfg.json != nil {
		injected := make(map[string]any, len(cfg.json)+1)
		for k, v := range cfg.json {
			injected[k] = v
		}
		injected["api_type"] = "json"
		cfg.json = injected
	}

	targetURL, isTokenEndpoint, err := s.buildURL(path, cfg.params)
	if err != nil {
		return nil, err
	}

	reauthUsed := false
	budget := retryBudget

	for {
		if !s.authorizer.IsValid() {
			if err := s.authorizer.Refresh(ctx); err != nil {
				return nil, err
			}
		}

		body, out, attemptErr := s.attempt(ctx, method, targetURL, isTokenEndpoint, cfg, reauthUsed)
		switch out {
		case outcomeDone:
			return body, attemptErr
		case outcomeReauth:
			s.log.Warn("Received 401, clearing access token and re-authorizing")
			s.authorizer.ClearAccessToken()
			reauthUsed = true
			budget--
			if budget <= 0 {
				return nil, attemptErr
			}
			continue
		case outcomeRetry:
			budget--
			if budget <= 0 {
				return nil, attemptErr
			}
			s.log.WithFields(logrus.Fields{
				"method":        method,
				"attempts_left": budget,
			}).Warn("Transient failure, retrying request")
			if err := sleepBackoff(ctx, retryBudget-budget); err != nil {
				return nil, err
			}
			continue
		}
	}
}

// attempt runs one pass of the pipeline: stamp headers, pace through
// the limiter, send, update the limiter from the response headers,
// and classify. The per-call timeout bounds the transport exchange,
// not the limiter wait.
func (s *Session) attempt(ctx context.Context, method, targetURL string, isTokenEndpoint bool, cfg requestConfig, reauthUsed bool) (json.RawMessage, outcome, error) {
	attemptCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	req, err := s.buildRequest(attemptCtx, method, targetURL, isTokenEndpoint, cfg)
	if err != nil {
		return nil, outcomeDone, err
	}

	if err := s.limiter.Delay(ctx); err != nil {
		return nil, outcomeDone, err
	}

	s.log.WithFields(logrus.Fields{
		"method": method,
		"url":    targetURL,
	}).Debug("Sending request")

	resp, err := s.requestor.Do(req)
	if err != nil {
		return nil, outcomeRetry, &TransportError{Err: err}
	}

	s.limiter.Update(resp.Header)
	return s.classify(resp, reauthUsed)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	wait := time.Duration(1<<uint(attempt)) * time.Second
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) buildURL(path string, params map[string]string) (string, bool, error) {
	isToken := strings.Contains(path, "/api/v1/access_token") ||
		strings.Contains(path, "/api/v1/authorize") ||
		strings.Contains(path, "/api/v1/revoke_token")

	base := s.oauthURL
	if isToken {
		base = s.wwwURL
	}

	var full string
	if strings.HasPrefix(path, "http") {
		full = path
	} else {
		full = base + path
	}

	u, err := url.Parse(full)
	if err != nil {
		return "", false, fmt.Errorf("session: invalid path %q: %w", path, err)
	}

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("raw_json", "1")
	u.RawQuery = q.Encode()

	return u.String(), isToken, nil
}

func (s *Session) buildRequest(ctx context.Context, method, targetURL string, isTokenEndpoint bool, cfg requestConfig) (*http.Request, error) {
	body, contentType, err := encodeBody(cfg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("session: building request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	s.setHeader(req, "Authorization", "bearer "+s.authorizer.AccessToken())
	s.setHeader(req, "User-Agent", s.userAgent)
	if isTokenEndpoint {
		s.setHeader(req, "Connection", "close")
	}

	return req, nil
}

func encodeBody(cfg requestConfig) (io.Reader, string, error) {
	switch {
	case cfg.json != nil:
		encoded, err := json.Marshal(cfg.json)
		if err != nil {
			return nil, "", fmt.Errorf("session: encoding json body: %w", err)
		}
		return bytes.NewReader(encoded), "application/json", nil

	case len(cfg.fileData) > 0:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, k := range sortedKeys(cfg.data) {
			if err := w.WriteField(k, cfg.data[k]); err != nil {
				return nil, "", err
			}
		}
		fileKeys := make([]string, 0, len(cfg.fileData))
		for k := range cfg.fileData {
			fileKeys = append(fileKeys, k)
		}
		sort.Strings(fileKeys)
		for _, k := range fileKeys {
			part, err := w.CreateFormFile(k, k)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(cfg.fileData[k]); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil

	case cfg.data != nil:
		values := url.Values{}
		for _, k := range sortedKeys(cfg.data) {
			values.Set(k, cfg.data[k])
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil

	default:
		return nil, "", nil
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
