// Package auth holds the OAuth2 application credentials (the
// Authenticator) and the raw token-endpoint calls the authorizer
// package drives. It knows nothing about token expiry or grant state;
// that belongs to package authorizer.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/relliott-dev/prawcore-go/transport"
)

// Duration controls whether an authorization-code grant yields a
// refresh token ("permanent") or an access token only ("temporary").
type Duration string

const (
	DurationPermanent Duration = "permanent"
	DurationTemporary Duration = "temporary"
)

// TokenTypeHint tells the revoke endpoint which bucket a token came
// from, so Reddit doesn't have to guess.
type TokenTypeHint string

const (
	HintAccessToken  TokenTypeHint = "access_token"
	HintRefreshToken TokenTypeHint = "refresh_token"
)

const (
	defaultOAuthURL   = "https://www.reddit.com"
	tokenEndpoint     = "/api/v1/access_token"
	revokeEndpoint    = "/api/v1/revoke_token"
	authorizeEndpoint = "/api/v1/authorize"
)

// Authenticator holds application-level OAuth2 credentials. It comes
// in two variants, distinguished by whether the app can keep a secret
// confidential (trusted, e.g. a web app) or not (untrusted, e.g. an
// installed or browser app).
type Authenticator struct {
	trusted      bool
	clientID     string
	clientSecret string
	redirectURI  string

	requestor transport.Requestor
	oauthURL  string
	userAgent string
	log       *logrus.Logger
}

// NewTrusted builds an Authenticator for an app that can hold a
// client secret (script and web apps).
func NewTrusted(clientID, clientSecret string, requestor transport.Requestor, log *logrus.Logger) *Authenticator {
	return newAuthenticator(true, clientID, clientSecret, "", requestor, log)
}

// NewUntrusted builds an Authenticator for an installed or browser app
// that cannot hold a client secret; Basic auth uses clientID with an
// empty password, per Reddit's installed-app convention.
func NewUntrusted(clientID, redirectURI string, requestor transport.Requestor, log *logrus.Logger) *Authenticator {
	return newAuthenticator(false, clientID, "", redirectURI, requestor, log)
}

func newAuthenticator(trusted bool, clientID, clientSecret, redirectURI string, requestor transport.Requestor, log *logrus.Logger) *Authenticator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Authenticator{
		trusted:      trusted,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		requestor:    requestor,
		oauthURL:     defaultOAuthURL,
		log:          log,
	}
}

// SetOAuthURL overrides the base URL used for the token, revoke, and
// authorize endpoints. Intended for tests.
func (a *Authenticator) SetOAuthURL(url string) {
	a.oauthURL = strings.TrimRight(url, "/")
}

// SetUserAgent sets the User-Agent sent on every token-endpoint call.
// Reddit requires a descriptive, unique user agent on all requests,
// including authentication.
func (a *Authenticator) SetUserAgent(userAgent string) {
	a.userAgent = userAgent
}

// ClientID is exposed for grant-parameter construction in package
// authorizer (client_credentials and installed_client both need it).
func (a *Authenticator) ClientID() string { return a.clientID }

// Trusted reports whether this authenticator can hold a client
// secret; package authorizer uses it to choose between
// client_credentials and the installed_client grant for ReadOnly.
func (a *Authenticator) Trusted() bool { return a.trusted }

// endpoint roots the x/oauth2 endpoint pair at the configured base
// URL. Reddit requires Basic auth on the token endpoint, so the auth
// style is pinned rather than probed.
func (a *Authenticator) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   a.oauthURL + authorizeEndpoint,
		TokenURL:  a.oauthURL + tokenEndpoint,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
}

func (a *Authenticator) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  a.redirectURI,
		Endpoint:     a.endpoint(),
	}
}

// tokenContext routes the library's token-endpoint calls through the
// shared requestor, with the User-Agent and Connection headers Reddit
// wants on every www.reddit.com exchange.
func (a *Authenticator) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: &headerRoundTripper{next: a.requestor, userAgent: a.userAgent},
	})
}

type headerRoundTripper struct {
	next      transport.Requestor
	userAgent string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if h.userAgent != "" {
		r.Header.Set("User-Agent", h.userAgent)
	}
	if strings.Contains(r.URL.Host, "www.reddit.com") {
		r.Header.Set("Connection", "close")
	}
	return h.next.Do(r)
}

// AuthorizationURL builds the browser-flow authorization URL. It is
// untrusted-only: a trusted (confidential) app has no interactive
// redirect flow to drive.
func (a *Authenticator) AuthorizationURL(scopes []string, state string, duration Duration, implicit bool) (string, error) {
	if a.trusted {
		return "", &InvalidInvocation{Reason: "authorization_url is only valid for untrusted authenticators"}
	}
	if implicit && duration == DurationPermanent {
		return "", &InvalidInvocation{Reason: "implicit grants cannot request a permanent duration"}
	}

	cfg := a.oauthConfig()
	cfg.Scopes = scopes

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("duration", string(duration))}
	if implicit {
		opts = append(opts, oauth2.SetAuthURLParam("response_type", "token"))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// ClientCredentialsToken mints an application-only token for a
// trusted app via the client_credentials grant.
func (a *Authenticator) ClientCredentialsToken(ctx context.Context) (*oauth2.Token, error) {
	a.log.Debug("Requesting client_credentials token")
	cfg := &clientcredentials.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		TokenURL:     a.oauthURL + tokenEndpoint,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return cfg.Token(a.tokenContext(ctx))
}

// ExchangeCode swaps a one-time authorization code for a token pair.
// redirectURI overrides the authenticator's configured redirect when
// non-empty (a trusted web app registers its redirect per flow, not
// per app credential).
func (a *Authenticator) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	a.log.Debug("Exchanging authorization code")
	cfg := a.oauthConfig()
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}
	return cfg.Exchange(a.tokenContext(ctx), code)
}

// RefreshWithToken mints a new access token from a refresh token. The
// returned token keeps the supplied refresh token unless the server
// issued a replacement.
func (a *Authenticator) RefreshWithToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	a.log.Debug("Refreshing access token from refresh token")
	src := a.oauthConfig().TokenSource(a.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// RevokeToken posts token (and, if non-empty, the token_type_hint) to
// the revoke endpoint. Both 200 and 204 are accepted: modern Reddit
// answers 200, but 204 is the historical response some deployments
// still return.
func (a *Authenticator) RevokeToken(ctx context.Context, token string, hint TokenTypeHint) error {
	a.log.WithField("token_type_hint", string(hint)).Debug("Revoking token")

	form := url.Values{}
	form.Set("token", token)
	if hint != "" {
		form.Set("token_type_hint", string(hint))
	}

	req, err := a.newTokenRequest(ctx, revokeEndpoint, form)
	if err != nil {
		return err
	}

	resp, err := a.requestor.Do(req)
	if err != nil {
		return &RequestError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return &ResponseError{StatusCode: resp.StatusCode, Body: body}
	}
	return nil
}

// Post issues a Basic-auth, form-encoded call to the token endpoint
// and returns the parsed JSON body. It carries the grants x/oauth2
// has no flow for: Reddit's installed_client grant and the password
// grant with an OTP-composed password, both of which can also answer
// errors as a 200 with an "error" JSON body.
func (a *Authenticator) Post(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	a.log.WithField("path", path).Debug("Posting to OAuth endpoint")

	req, err := a.newTokenRequest(ctx, path, params)
	if err != nil {
		return nil, err
	}

	resp, err := a.requestor.Do(req)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("reading token response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Body: body}
	}

	var parsed map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, &RequestError{Err: fmt.Errorf("decoding token response: %w", err)}
		}
	}
	return parsed, nil
}

func (a *Authenticator) newTokenRequest(ctx context.Context, path string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.oauthURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("building request: %w", err)}
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	if strings.Contains(a.oauthURL, "www.reddit.com") {
		req.Header.Set("Connection", "close")
	}
	return req, nil
}
