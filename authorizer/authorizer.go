// Package authorizer implements the OAuth2 token lifecycle state
// machine: five grant-flow variants share one Unauthorized/
// Authorized/Expired state machine and one refresh/revoke contract.
package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/relliott-dev/prawcore-go/auth"
)

// expiryMargin keeps a token from being used right at the edge of its
// lifetime: it only counts as Authorized while it has more than this
// much life left.
const expiryMargin = 10 * time.Second

// State is the Authorizer's position in the Unauthorized/Authorized/
// Expired lifecycle.
type State int

const (
	Unauthorized State = iota
	Authorized
	Expired
)

func (s State) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case Expired:
		return "expired"
	default:
		return "unauthorized"
	}
}

// Kind tags which grant flow an Authorizer drives. One struct covers
// all five flows; doRefresh dispatches on Kind to pick the grant.
type Kind int

const (
	ReadOnly Kind = iota
	Script
	DeviceID
	Implicit
	AuthorizationCode
)

func (k Kind) String() string {
	switch k {
	case ReadOnly:
		return "read_only"
	case Script:
		return "script"
	case DeviceID:
		return "device_id"
	case Implicit:
		return "implicit"
	case AuthorizationCode:
		return "authorization_code"
	default:
		return "unknown"
	}
}

const tokenEndpoint = "/api/v1/access_token"

// PreRefreshCallback runs immediately before a refresh request is
// built; PostRefreshCallback runs after a successful refresh. Both
// are optional.
type PreRefreshCallback func(a *Authorizer)
type PostRefreshCallback func(a *Authorizer)

// TwoFactorCallback supplies a one-time password for the script grant
// at refresh time, so the caller never has to store it.
type TwoFactorCallback func() (string, error)

// Authorizer owns one access token (and, for variants that support
// it, one refresh token) and the logic to mint, renew, and revoke
// them. It is shared by every Session built against it; Refresh calls
// are deduplicated so concurrent callers trigger at most one
// in-flight token-endpoint round trip.
type Authorizer struct {
	mu            sync.RWMutex
	kind          Kind
	authenticator *auth.Authenticator

	accessToken  string
	refreshToken string
	scopes       map[string]struct{}
	expiresAt    time.Time

	deviceID    string
	username    string
	password    string
	twoFactor   TwoFactorCallback
	code        string
	redirectURI string

	preRefresh  PreRefreshCallback
	postRefresh PostRefreshCallback

	sf singleflight.Group
}

// NewReadOnly builds a userless authorizer: client_credentials for a
// trusted (confidential) app, or the installed_client grant with
// deviceID for an untrusted app. deviceID is ignored for trusted apps.
func NewReadOnly(authenticator *auth.Authenticator, deviceID string) *Authorizer {
	return &Authorizer{kind: ReadOnly, authenticator: authenticator, deviceID: deviceID}
}

// NewScript builds a password-grant authorizer for a script app
// acting as one specific user. otp may be nil if the account has no
// two-factor authentication enabled.
func NewScript(authenticator *auth.Authenticator, username, password string, otp TwoFactorCallback) *Authorizer {
	return &Authorizer{kind: Script, authenticator: authenticator, username: username, password: password, twoFactor: otp}
}

// NewDeviceID builds an installed_client authorizer tied to a stable
// per-install device_id, the userless flow for untrusted apps that
// still want to pace and identify themselves per install.
func NewDeviceID(authenticator *auth.Authenticator, deviceID string) *Authorizer {
	return &Authorizer{kind: DeviceID, authenticator: authenticator, deviceID: deviceID}
}

// NewImplicit wraps a token obtained out-of-band from a browser
// redirect. It can never refresh: once the token expires the caller
// must run the browser flow again.
func NewImplicit(accessToken string, expiresIn int, scopes []string) *Authorizer {
	a := &Authorizer{kind: Implicit}
	a.scopes = make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		a.scopes[s] = struct{}{}
	}
	a.accessToken = accessToken
	a.expiresAt = time.Now().Add(time.Duration(expiresIn)*time.Second - expiryMargin)
	return a
}

// NewAuthorizationCode builds an authorizer that exchanges one
// authorization code for a token pair, then refreshes via the
// returned refresh_token thereafter. code is consumed on the first
// successful Refresh.
func NewAuthorizationCode(authenticator *auth.Authenticator, code, redirectURI string) *Authorizer {
	return &Authorizer{kind: AuthorizationCode, authenticator: authenticator, code: code, redirectURI: redirectURI}
}

// SetPreRefreshCallback registers a hook invoked just before a
// refresh attempt.
func (a *Authorizer) SetPreRefreshCallback(cb PreRefreshCallback) { a.preRefresh = cb }

// SetPostRefreshCallback registers a hook invoked after a successful
// refresh (e.g. to persist the new refresh token to tokenstore).
func (a *Authorizer) SetPostRefreshCallback(cb PostRefreshCallback) { a.postRefresh = cb }

// Kind reports which grant flow this authorizer drives.
func (a *Authorizer) Kind() Kind { return a.kind }

// IsValid reports whether the authorizer currently holds a token that
// is Authorized (present and outside the expiry margin).
func (a *Authorizer) IsValid() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stateLocked() == Authorized
}

// State reports the current Unauthorized/Authorized/Expired state.
func (a *Authorizer) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stateLocked()
}

// stateLocked assumes expiresAt already has expiryMargin subtracted
// (both doRefresh and NewImplicit compute it that way), so the only
// comparison needed here is against the current time.
func (a *Authorizer) stateLocked() State {
	if a.accessToken == "" {
		return Unauthorized
	}
	if time.Now().Before(a.expiresAt) {
		return Authorized
	}
	return Expired
}

// AccessToken returns the current token, whatever its state. Callers
// needing a guaranteed-valid token should check IsValid or call
// Refresh first.
func (a *Authorizer) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accessToken
}

// Scopes returns the scope set granted to the current token.
func (a *Authorizer) Scopes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.scopes))
	for s := range a.scopes {
		out = append(out, s)
	}
	return out
}

// ExpiresAt returns the token's expiration_timestamp (including the
// 10-second safety margin already subtracted).
func (a *Authorizer) ExpiresAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expiresAt
}

// RefreshToken returns the long-lived refresh token, or "" when the
// variant has none. Callers persisting tokens across restarts read it
// from a PostRefreshCallback.
func (a *Authorizer) RefreshToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.refreshToken
}

// SetRefreshToken seeds a refresh token obtained out-of-band, e.g.
// loaded from a token store at startup. For Script and
// AuthorizationCode authorizers the next Refresh uses the
// refresh_token grant instead of re-running the original flow; the
// other kinds ignore it when refreshing.
func (a *Authorizer) SetRefreshToken(token string) {
	a.mu.Lock()
	a.refreshToken = token
	a.mu.Unlock()
}

// ClearAccessToken drops the access token without touching the
// refresh token, forcing the next IsValid check to Refresh. Session
// uses this after a 401 to trigger exactly one implicit re-auth.
func (a *Authorizer) ClearAccessToken() {
	a.mu.Lock()
	a.accessToken = ""
	a.mu.Unlock()
}

// Refresh unconditionally requests a new access token. Concurrent
// callers collapse onto one in-flight token-endpoint request via
// singleflight, mirroring the refresh-stampede guard other OAuth2
// clients in the wild build around the same primitive.
func (a *Authorizer) Refresh(ctx context.Context) error {
	_, err, _ := a.sf.Do("refresh", func() (any, error) {
		return nil, a.doRefresh(ctx)
	})
	return err
}

func (a *Authorizer) doRefresh(ctx context.Context) error {
	if a.kind == Implicit {
		return &InvalidInvocation{Reason: "implicit authorizers cannot be refreshed"}
	}

	if a.preRefresh != nil {
		a.preRefresh(a)
	}

	a.mu.RLock()
	refreshToken := a.refreshToken
	code := a.code
	redirectURI := a.redirectURI
	a.mu.RUnlock()

	switch {
	case refreshToken != "" && (a.kind == Script || a.kind == AuthorizationCode):
		tok, err := a.authenticator.RefreshWithToken(ctx, refreshToken)
		if err != nil {
			return mapTokenError(err)
		}
		a.applyToken(tok)

	case a.kind == ReadOnly && a.authenticator.Trusted():
		tok, err := a.authenticator.ClientCredentialsToken(ctx)
		if err != nil {
			return mapTokenError(err)
		}
		a.applyToken(tok)

	case a.kind == AuthorizationCode:
		if code == "" {
			return &InvalidInvocation{Reason: "authorization code already consumed; no refresh_token on file"}
		}
		tok, err := a.authenticator.ExchangeCode(ctx, code, redirectURI)
		if err != nil {
			return mapTokenError(err)
		}
		a.applyToken(tok)

	default:
		// installed_client (device_id) and password (+OTP) grants
		// carry parameters x/oauth2 has no flow for; they go through
		// the raw token-endpoint POST.
		if err := a.refreshViaForm(ctx); err != nil {
			return err
		}
	}

	if a.postRefresh != nil {
		a.postRefresh(a)
	}
	return nil
}

// applyToken installs one x/oauth2 token-endpoint response as the
// authorizer's current credentials.
func (a *Authorizer) applyToken(tok *oauth2.Token) {
	scopeStr, _ := tok.Extra("scope").(string)
	newScopes := make(map[string]struct{})
	for _, s := range strings.Fields(scopeStr) {
		newScopes[s] = struct{}{}
	}

	a.mu.Lock()
	a.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		a.refreshToken = tok.RefreshToken
	}
	a.scopes = newScopes
	a.expiresAt = tok.Expiry.Add(-expiryMargin)
	if a.kind == AuthorizationCode {
		a.code = ""
	}
	a.mu.Unlock()
}

// refreshViaForm drives the grants that bypass x/oauth2. Reddit can
// answer these with a 200 carrying an "error" JSON body, so the body
// is inspected before the token fields are trusted.
func (a *Authorizer) refreshViaForm(ctx context.Context) error {
	params, err := a.buildGrantParams()
	if err != nil {
		return err
	}

	resp, err := a.authenticator.Post(ctx, tokenEndpoint, params)
	if err != nil {
		var respErr *auth.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusUnauthorized {
			return &InvalidToken{}
		}
		return err
	}

	if rawErr, ok := resp["error"]; ok {
		errCode, _ := rawErr.(string)
		desc, _ := resp["error_description"].(string)
		if desc == "None" {
			desc = ""
		}
		scope, _ := resp["scope"].(string)
		return &OAuthException{ErrorCode: errCode, Description: desc, Scope: scope}
	}

	accessToken, _ := resp["access_token"].(string)
	expiresIn, _ := resp["expires_in"].(float64)
	scopeStr, _ := resp["scope"].(string)

	newScopes := make(map[string]struct{})
	for _, s := range strings.Fields(scopeStr) {
		newScopes[s] = struct{}{}
	}

	a.mu.Lock()
	a.accessToken = accessToken
	if rt, ok := resp["refresh_token"].(string); ok && rt != "" {
		a.refreshToken = rt
	}
	a.scopes = newScopes
	a.expiresAt = time.Now().Add(time.Duration(expiresIn)*time.Second - expiryMargin)
	a.mu.Unlock()
	return nil
}

// mapTokenError converts x/oauth2 retrieval failures into this
// package's error taxonomy.
func mapTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
		return &InvalidToken{}
	}
	if re.ErrorCode != "" {
		desc := re.ErrorDescription
		if desc == "None" {
			desc = ""
		}
		var body struct {
			Scope string `json:"scope"`
		}
		_ = json.Unmarshal(re.Body, &body)
		return &OAuthException{ErrorCode: re.ErrorCode, Description: desc, Scope: body.Scope}
	}
	statusCode := 0
	if re.Response != nil {
		statusCode = re.Response.StatusCode
	}
	return &auth.ResponseError{StatusCode: statusCode, Body: re.Body}
}

// Revoke invalidates the authorizer's credentials and transitions to
// Unauthorized. When a refresh token is held, revoking it invalidates
// every access token minted from it; otherwise only the access token
// is revoked.
func (a *Authorizer) Revoke(ctx context.Context) error {
	a.mu.RLock()
	unauthorized := a.accessToken == ""
	accessToken := a.accessToken
	refreshToken := a.refreshToken
	a.mu.RUnlock()

	if unauthorized {
		return &InvalidInvocation{Reason: "authorizer is already unauthorized"}
	}

	token, hint := accessToken, auth.HintAccessToken
	if refreshToken != "" {
		token, hint = refreshToken, auth.HintRefreshToken
	}

	if err := a.authenticator.RevokeToken(ctx, token, hint); err != nil {
		return err
	}

	a.mu.Lock()
	a.accessToken = ""
	a.refreshToken = ""
	a.scopes = nil
	a.expiresAt = time.Time{}
	a.mu.Unlock()
	return nil
}
