package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
}

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestGetJSON_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		authStatus bool
		wantKind   Kind
	}{
		{"ok", http.StatusOK, `{"name":"x"}`, false, KindUnknown},
		{"server error", http.StatusInternalServerError, `oops`, false, NetworkError},
		{"unauthorized without auth mapping", http.StatusUnauthorized, ``, false, NetworkError},
		{"unauthorized with auth mapping", http.StatusUnauthorized, ``, true, AuthError},
		{"forbidden with auth mapping", http.StatusForbidden, ``, true, AuthError},
		{"malformed json", http.StatusOK, `{"name":`, false, ParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Accept"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			var p payload
			err := GetJSON(context.Background(), ts.Client(), newRequest(t, ts.URL), "test.op", tt.authStatus, &p)

			if tt.wantKind == KindUnknown {
				require.NoError(t, err)
				assert.Equal(t, "x", p.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.True(t, errors.Is(err, &Error{Kind: tt.wantKind}))
			assert.Contains(t, err.Error(), "test.op")
		})
	}
}

func TestGetJSON_StatusErrorCarriesCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2000), http.StatusBadGateway)
	}))
	defer ts.Close()

	var p payload
	err := GetJSON(context.Background(), ts.Client(), newRequest(t, ts.URL), "op", false, &p)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.LessOrEqual(t, len(se.Body), maxErrorBody+3)
}

func TestGetJSON_ContextDeadlineIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var p payload
	err := GetJSON(ctx, ts.Client(), newRequest(t, ts.URL+"?appid=secret"), "op", false, &p)

	require.Error(t, err)
	assert.Equal(t, NetworkError, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, err.Error(), "secret")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "  ok  ", 5, "ok"},
		{"ascii", "abcdef", 4, "abcd..."},
		{"cut inside rune", "aé€z", 3, "aé..."},
		{"cut before rune", "aé€z", 2, "a..."},
		{"cut after rune", "aé€z", 6, "aé€..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://api.example.com/onecall?lat=1&lon=2&appid=SECRET")
	assert.NotContains(t, got, "SECRET")
	assert.Contains(t, got, "lat=1")
	assert.Contains(t, got, "appid=redacted")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.False(t, IsKind(nil, NetworkError))
	assert.Nil(t, Wrap(ParseError, "op", nil))
}
