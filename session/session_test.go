package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relliott-dev/prawcore-go/auth"
	"github.com/relliott-dev/prawcore-go/authorizer"
	"github.com/relliott-dev/prawcore-go/transport"
)

// newTestSession wires an Authorizer and a Session at the same test
// server: token requests and API requests share one mux so both the
// refresh path and the call path can be exercised in one test.
func newTestSession(t *testing.T, mux *http.ServeMux) (*Session, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(mux)

	authenticator := auth.NewTrusted("client-id", "secret", transport.New(server.Client()), nil)
	authenticator.SetOAuthURL(server.URL)

	a := authorizer.NewReadOnly(authenticator, "")

	sess := New(a, transport.New(server.Client()), "test-agent/1.0", nil)
	sess.SetOAuthURL(server.URL)
	sess.SetRedditURL(server.URL)

	return sess, server
}

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"access_token":"tok","expires_in":3600,"scope":"read"}`))
}

func TestRequest_SuccessfulGETReturnsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.URL.Query().Get("raw_json"))
		w.Write([]byte(`{"name":"bboe"}`))
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	body, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/me")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"bboe"}`, string(body))
}

func TestRequest_204ReturnsNilBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/del", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	body, err := sess.Request(context.Background(), http.MethodDelete, "/api/v1/del")
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestRequest_RedirectReturnsTypedError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/moved", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/api/v1/new-place")
		w.WriteHeader(http.StatusFound)
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/moved")
	require.Error(t, err)
	redirect, ok := err.(*Redirect)
	require.True(t, ok)
	assert.Equal(t, "/api/v1/new-place", redirect.Location)
}

func TestRequest_TypedErrorsForClientStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		header string
		want   error
	}{
		{http.StatusBadRequest, "", &BadRequest{}},
		{http.StatusForbidden, "", &Forbidden{}},
		{http.StatusNotFound, "", &NotFound{}},
		{http.StatusConflict, "", &Conflict{}},
		{http.StatusRequestEntityTooLarge, "", &RequestEntityTooLarge{}},
		{http.StatusRequestURITooLong, "", &URITooLarge{}},
		{http.StatusTooManyRequests, "", &TooManyRequests{}},
		{http.StatusUnavailableForLegalReasons, "", &UnavailableForLegalReasons{}},
	}

	for _, tc := range cases {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/access_token", tokenHandler)
		mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})

		sess, server := newTestSession(t, mux)

		_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
		require.Error(t, err)
		assert.IsType(t, tc.want, err)

		server.Close()
		sess.Close()
	}
}

func TestRequest_403WithInsufficientScopeChallenge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("www-authenticate", `Bearer error="insufficient_scope"`)
		w.WriteHeader(http.StatusForbidden)
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.Error(t, err)
	assert.IsType(t, &InsufficientScope{}, err)
}

func TestRequest_415ParsesSpecialErrorBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		w.Write([]byte(`{"explanation":"bad type","reason":"RATELIMIT","message":"slow down"}`))
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.Error(t, err)
	special, ok := err.(*SpecialError)
	require.True(t, ok)
	assert.Equal(t, "bad type", special.Explanation)
	assert.Equal(t, "RATELIMIT", special.Reason)
}

func TestRequest_401TriggersSingleImplicitReauthThenSucceeds(t *testing.T) {
	var calls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	body, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequest_401TwiceSurfacesInvalidToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.Error(t, err)
	assert.IsType(t, &InvalidToken{}, err)
}

func TestRequest_ServerErrorRetriedThenExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.Error(t, err)
	serverErr, ok := err.(*ServerError)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.StatusCode)
}

func TestRequest_ServerErrorRetriedThenSucceeds(t *testing.T) {
	var calls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	body, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestRequest_TransportErrorAfterServerClosedIsWrapped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	sess, server := newTestSession(t, mux)
	defer sess.Close()

	// Warm up the authorizer with a real token before the server goes
	// away, so the failure below is a transport failure on the API
	// call itself rather than on the token refresh.
	_, err := sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.NoError(t, err)

	server.Close()

	_, err = sess.Request(context.Background(), http.MethodGet, "/api/v1/thing")
	require.Error(t, err)
	assert.IsType(t, &TransportError{}, err)
}

func TestWithData_EncodesSortedFormBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "bar", r.PostForm.Get("a"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		w.Write([]byte(`{}`))
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	_, err := sess.Request(context.Background(), http.MethodPost, "/api/v1/thing",
		WithData(map[string]string{"z": "last", "a": "bar"}))
	require.NoError(t, err)
}

func TestWithJSON_InjectsAPIType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", tokenHandler)
	mux.HandleFunc("/api/v1/thing", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var sent map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		assert.Equal(t, "json", sent["api_type"])
		w.Write([]byte(`{}`))
	})

	sess, server := newTestSession(t, mux)
	defer server.Close()
	defer sess.Close()

	original := map[string]any{"title": "hello"}
	_, err := sess.Request(context.Background(), http.MethodPost, "/api/v1/thing", WithJSON(original))
	require.NoError(t, err)

	_, hasAPIType := original["api_type"]
	assert.False(t, hasAPIType, "WithJSON must not mutate the caller's map")
}
