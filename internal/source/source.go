// Package source holds the fetch error taxonomy shared by the weather,
// calendar and auth clients, plus the small HTTP/JSON helper they use.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindUnknown Kind = iota
	// NetworkError covers connection failures, timeouts and non-2xx responses.
	NetworkError
	// ParseError means the response body did not have the expected shape.
	ParseError
	// AuthError means a token was missing, expired or rejected.
	AuthError
	// LocationUnresolved means no location was configured and IP geolocation failed.
	LocationUnresolved
	// ConnectivityTimeout is raised only by the WiFi setup phase.
	ConnectivityTimeout
)

func (k Kind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case ParseError:
		return "parse"
	case AuthError:
		return "auth"
	case LocationUnresolved:
		return "location_unresolved"
	case ConnectivityTimeout:
		return "connectivity_timeout"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every fetch operation.
type Error struct {
	Kind Kind
	Op   string // e.g. "weather.onecall"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String() + " error"
	}
	return e.Op + ": " + e.Kind.String() + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: AuthError}) match on kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusError is the cause attached to non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

const maxErrorBody = 512

// maxBody bounds how much of a response is read; forecasts are ~30 KiB.
const maxBody = 4 << 20

// GetJSON sends req with client and decodes a 2xx JSON body into v.
//
// Failures are classified as:
//   - transport errors and non-2xx statuses: NetworkError
//   - 401/403 when authStatus is true: AuthError
//   - undecodable body: ParseError
func GetJSON(ctx context.Context, client *http.Client, req *http.Request, op string, authStatus bool, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req = req.WithContext(ctx)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return Wrap(NetworkError, op, redactErr(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Wrap(NetworkError, op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
		if authStatus && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return Wrap(AuthError, op, se)
		}
		return Wrap(NetworkError, op, se)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return Wrap(ParseError, op, err)
	}
	return nil
}

// RedactURL hides query values that carry secrets (appid, tokens, keys)
// so request URLs can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable url)"
	}
	q := u.Query()
	for key := range q {
		switch strings.ToLower(key) {
		case "appid", "key", "api_key", "apikey", "token", "access_token", "refresh_token", "client_secret":
			q.Set(key, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	u.User = nil
	return u.String()
}

// redactErr strips the query string from *url.Error messages, which
// otherwise embed the full request URL (including the API key).
func redactErr(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: RedactURL(ue.URL), Err: ue.Err}
	}
	return err
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
