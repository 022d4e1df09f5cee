package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relliott-dev/prawcore-go/authorizer"
	"github.com/relliott-dev/prawcore-go/ratelimit"
)

func TestServer_HealthzAndAuthStatus(t *testing.T) {
	a := authorizer.NewImplicit("tok", 3600, []string{"read", "identity"})
	limiter := ratelimit.New()

	srv := New(a, limiter, 60, nil)

	healthReq := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthRec := httptest.NewRecorder()
	srv.echo.ServeHTTP(healthRec, healthReq)
	assert.Equal(t, http.StatusOK, healthRec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/authstatus", nil)
	statusRec := httptest.NewRecorder()
	srv.echo.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)
	assert.Contains(t, statusRec.Body.String(), `"authorized"`)
	assert.Contains(t, statusRec.Body.String(), `"implicit"`)
}

func TestServer_RateLimitEndpointReportsSnapshot(t *testing.T) {
	a := authorizer.NewReadOnly(nil, "")
	limiter := ratelimit.New()
	h := http.Header{}
	h.Set("x-ratelimit-remaining", "60")
	h.Set("x-ratelimit-used", "540")
	h.Set("x-ratelimit-reset", "300")
	limiter.Update(h)

	srv := New(a, limiter, 60, nil)

	req := httptest.NewRequest(http.MethodGet, "/ratelimit", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining":60`)
}
