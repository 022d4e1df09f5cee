package authorizer

import "fmt"

// OAuthException carries a token-endpoint JSON body that contained an
// "error" field. Description is suppressed when the server sent the
// literal string "None" or omitted it, so the message never renders
// as "(None)". Scope holds the body's "scope" field when present.
type OAuthException struct {
	ErrorCode   string
	Description string
	Scope       string
}

func (e *OAuthException) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth error: %s", e.ErrorCode)
	}
	return fmt.Sprintf("oauth error: %s (%s)", e.ErrorCode, e.Description)
}

// InvalidToken is raised when the server repudiates the current
// token, specifically on a 401 from the token endpoint during
// refresh.
type InvalidToken struct{}

func (e *InvalidToken) Error() string { return "authorizer: token rejected by server" }

// InvalidInvocation signals a call incompatible with the
// authorizer's grant-flow variant or current state (e.g. Refresh on
// an Implicit authorizer, or Revoke on an already-Unauthorized one).
type InvalidInvocation struct {
	Reason string
}

func (e *InvalidInvocation) Error() string { return "authorizer: invalid invocation: " + e.Reason }
