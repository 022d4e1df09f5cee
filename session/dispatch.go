package session

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/relliott-dev/prawcore-go/authorizer"
)

// outcome tells Request's retry loop what to do after classify runs.
type outcome int

const (
	// outcomeDone means the call is finished, successfully or not;
	// the accompanying error (possibly nil) is final.
	outcomeDone outcome = iota
	// outcomeRetry means a transient server-side failure; the loop
	// decrements its budget and sends again.
	outcomeRetry
	// outcomeReauth means a 401 that an implicit re-authorization can
	// resolve; the loop clears the access token and retries once.
	outcomeReauth
)

// classify maps one response to a terminal result, a retry, or a
// one-shot implicit re-authorization.
func (s *Session) classify(resp *http.Response, reauthUsed bool) (json.RawMessage, outcome, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, outcomeRetry, &TransportError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if len(body) == 0 {
			return nil, outcomeDone, nil
		}
		return json.RawMessage(body), outcomeDone, nil

	case http.StatusCreated, http.StatusAccepted:
		return json.RawMessage(body), outcomeDone, nil

	case http.StatusNoContent:
		return nil, outcomeDone, nil

	case http.StatusMovedPermanently, http.StatusFound:
		return nil, outcomeDone, &Redirect{Location: resp.Header.Get("Location")}

	case http.StatusBadRequest:
		return nil, outcomeDone, &BadRequest{Body: body}

	case http.StatusUnauthorized:
		if !reauthUsed && s.authorizer.Kind() != authorizer.Implicit {
			return nil, outcomeReauth, &InvalidToken{}
		}
		return nil, outcomeDone, &InvalidToken{}

	case http.StatusForbidden:
		challenge := resp.Header.Get("www-authenticate")
		switch {
		case strings.Contains(challenge, "insufficient_scope"):
			return nil, outcomeDone, &InsufficientScope{}
		case strings.Contains(challenge, "invalid_token"):
			return nil, outcomeDone, &InvalidToken{}
		default:
			return nil, outcomeDone, &Forbidden{}
		}

	case http.StatusNotFound:
		return nil, outcomeDone, &NotFound{}

	case http.StatusConflict:
		return nil, outcomeDone, &Conflict{}

	case http.StatusRequestEntityTooLarge:
		return nil, outcomeDone, &RequestEntityTooLarge{}

	case http.StatusRequestURITooLong:
		return nil, outcomeDone, &URITooLarge{}

	case http.StatusUnsupportedMediaType:
		return nil, outcomeDone, newSpecialError(body)

	case http.StatusTooManyRequests:
		return nil, outcomeDone, &TooManyRequests{}

	case http.StatusUnavailableForLegalReasons:
		return nil, outcomeDone, &UnavailableForLegalReasons{}

	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, 520, 522:
		return nil, outcomeRetry, &ServerError{StatusCode: resp.StatusCode}

	default:
		return nil, outcomeDone, &ResponseException{StatusCode: resp.StatusCode, Body: body}
	}
}

func newSpecialError(body []byte) error {
	var parsed struct {
		Explanation string `json:"explanation"`
		Reason      string `json:"reason"`
		Message     string `json:"message"`
	}
	_ = json.Unmarshal(body, &parsed)
	return &SpecialError{Explanation: parsed.Explanation, Reason: parsed.Reason, Message: parsed.Message}
}
