// Package transport wraps the single HTTP client shared by the
// authenticator and the session pipeline.
package transport

import (
	"net/http"
	"sync"
	"time"
)

const defaultTimeout = 16 * time.Second

// Requestor executes one HTTP request and returns the raw response, or
// a low-level I/O error. Callers may substitute any implementation (a
// recording fake in tests, a proxied client in production).
type Requestor interface {
	Do(req *http.Request) (*http.Response, error)
	Close() error
}

// httpRequestor is the default Requestor, backed by one long-lived
// *http.Client. Close is idempotent so both the Session and the
// Authenticator that share it can call it without coordinating.
type httpRequestor struct {
	client    *http.Client
	closeOnce sync.Once
}

// New wraps client in a Requestor. If client is nil, a client with a
// 16 second timeout is created. The Requestor works on a copy of
// client that does not follow redirects, so a 3xx response is
// returned to the caller as-is.
func New(client *http.Client) Requestor {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &httpRequestor{client: &c}
}

func (h *httpRequestor) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

func (h *httpRequestor) Close() error {
	h.closeOnce.Do(func() {
		h.client.CloseIdleConnections()
	})
	return nil
}
