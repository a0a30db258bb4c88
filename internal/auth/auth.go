// Package auth keeps a Microsoft identity platform access token available for
// calendar requests. The refresh token is the only durable credential; it is
// reloaded from the settings store on every EnsureValidToken and written back
// whenever the server rotates it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	appLog "epdweather/internal/log"
	"epdweather/internal/model"
	"epdweather/internal/settings"
	"epdweather/internal/source"
)

const (
	DefaultTokenURL      = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	DefaultDeviceAuthURL = "https://login.microsoftonline.com/common/oauth2/v2.0/devicecode"

	DefaultInteractiveTimeout = 10 * time.Minute
	DefaultRequestTimeout     = 30 * time.Second
)

// DefaultScopes are requested during the device-code flow.
var DefaultScopes = []string{"Calendars.Read", "offline_access"}

// ErrInteractiveTimeout is wrapped into the AuthError returned when the user
// does not complete the device-code flow in time.
var ErrInteractiveTimeout = errors.New("interactive authentication timed out")

// Prompter shows the device-code instructions to the user.
type Prompter interface {
	ShowDeviceCode(ctx context.Context, verificationURI, userCode string) error
}

// LogPrompter writes the instructions to the log only.
type LogPrompter struct{}

func (LogPrompter) ShowDeviceCode(_ context.Context, uri, code string) error {
	appLog.Info("calendar authorization required", "verification_uri", uri, "user_code", code)
	return nil
}

type Config struct {
	TokenURL      string
	DeviceAuthURL string
	Scopes        []string

	// InteractiveTimeout bounds the whole device-code flow.
	InteractiveTimeout time.Duration
	// RequestTimeout bounds one refresh exchange.
	RequestTimeout time.Duration

	HTTPClient *http.Client
}

func (c *Config) normalize() {
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.DeviceAuthURL == "" {
		c.DeviceAuthURL = DefaultDeviceAuthURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.InteractiveTimeout <= 0 {
		c.InteractiveTimeout = DefaultInteractiveTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Provider implements the token provider used by the update cycle and the
// Graph calendar source.
type Provider struct {
	cfg      Config
	store    settings.Store
	prompter Prompter

	mu    sync.Mutex
	token *oauth2.Token
}

func NewProvider(cfg Config, store settings.Store, prompter Prompter) *Provider {
	cfg.normalize()
	if prompter == nil {
		prompter = LogPrompter{}
	}
	return &Provider{cfg: cfg, store: store, prompter: prompter}
}

// LoadCredentials reads the current credentials from the settings store.
func (p *Provider) LoadCredentials() (model.Credentials, error) {
	var c model.Credentials
	var err error
	if c.ClientID, err = settings.GetString(p.store, settings.KeyClientID, ""); err != nil {
		return c, err
	}
	if c.ClientSecret, err = settings.GetString(p.store, settings.KeyClientSecret, ""); err != nil {
		return c, err
	}
	if c.RefreshToken, err = settings.GetString(p.store, settings.KeyRefreshToken, ""); err != nil {
		return c, err
	}
	return c, nil
}

// EnsureValidToken drops any cached access token, then runs the interactive
// flow when no refresh token is stored and a refresh exchange otherwise.
func (p *Provider) EnsureValidToken(ctx context.Context) error {
	p.mu.Lock()
	p.token = nil
	p.mu.Unlock()

	creds, err := p.LoadCredentials()
	if err != nil {
		return source.Wrap(source.AuthError, "auth.load", err)
	}
	if creds.ClientID == "" {
		return source.Errorf(source.AuthError, "auth.load", "no client id configured (%s)", settings.KeyClientID)
	}

	if creds.RefreshToken == "" {
		return p.interactive(ctx, creds)
	}
	return p.refresh(ctx, creds)
}

// Refresh exchanges the stored refresh token for a new access token.
func (p *Provider) Refresh(ctx context.Context) error {
	creds, err := p.LoadCredentials()
	if err != nil {
		return source.Wrap(source.AuthError, "auth.load", err)
	}
	return p.refresh(ctx, creds)
}

// AccessToken returns a usable access token, refreshing first when the cached
// one is missing or about to expire.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}

	if err := p.Refresh(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token.AccessToken, nil
}

func (p *Provider) oauthConfig(creds model.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:      p.cfg.TokenURL,
			DeviceAuthURL: p.cfg.DeviceAuthURL,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	if p.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}
	return ctx
}

func (p *Provider) refresh(ctx context.Context, creds model.Credentials) error {
	const op = "auth.refresh"
	if creds.RefreshToken == "" {
		return source.Errorf(source.AuthError, op, "no refresh token stored")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	// An expired seed token forces the TokenSource to run the refresh grant.
	seed := &oauth2.Token{RefreshToken: creds.RefreshToken}
	tok, err := p.oauthConfig(creds).TokenSource(p.clientContext(ctx), seed).Token()
	if err != nil {
		return classify(op, err)
	}

	if err := p.commit(creds, tok); err != nil {
		return source.Wrap(source.AuthError, op, err)
	}
	appLog.Debug("access token refreshed", "expires", tok.Expiry.Format(time.RFC3339))
	return nil
}

func (p *Provider) interactive(ctx context.Context, creds model.Credentials) error {
	const op = "auth.interactive"

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.InteractiveTimeout)
	defer cancel()
	ctx = p.clientContext(ctx)

	// A cancelled parent is a shutdown, not a sign-in that ran out of time.
	interrupted := func(err error) error {
		if perr := parent.Err(); perr != nil {
			return source.Wrap(source.AuthError, op, perr)
		}
		return source.Wrap(source.AuthError, op, fmt.Errorf("%w: %w", ErrInteractiveTimeout, err))
	}

	conf := p.oauthConfig(creds)
	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx.Err())
		}
		return classify(op, err)
	}

	uri := da.VerificationURI
	if da.VerificationURIComplete != "" {
		uri = da.VerificationURIComplete
	}
	if err := p.prompter.ShowDeviceCode(ctx, uri, da.UserCode); err != nil {
		appLog.Error("failed to show device code", err)
	}

	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return interrupted(err)
		}
		return classify(op, err)
	}
	if tok.RefreshToken == "" {
		return source.Errorf(source.AuthError, op, "no refresh token granted (is offline_access in scopes?)")
	}

	if err := p.commit(creds, tok); err != nil {
		return source.Wrap(source.AuthError, op, err)
	}
	appLog.Info("calendar authorized")
	return nil
}

// commit persists a rotated refresh token and only then exposes the access
// token.
func (p *Provider) commit(creds model.Credentials, tok *oauth2.Token) error {
	if tok.RefreshToken != "" && tok.RefreshToken != creds.RefreshToken {
		if err := p.store.Put(settings.KeyRefreshToken, tok.RefreshToken); err != nil {
			return fmt.Errorf("persist refresh token: %w", err)
		}
	}
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
	return nil
}

// classify maps oauth2 errors onto the fetch taxonomy: a token endpoint that
// answers with an OAuth error (invalid_grant, invalid_client, ...) is an auth
// problem; everything else is network.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode != "" || status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return source.Wrap(source.AuthError, op, fmt.Errorf("token endpoint: %s", describe(re)))
		}
		return source.Wrap(source.NetworkError, op, fmt.Errorf("token endpoint: %s", describe(re)))
	}
	return source.Wrap(source.NetworkError, op, err)
}

func describe(re *oauth2.RetrieveError) string {
	parts := []string{}
	if re.Response != nil {
		parts = append(parts, fmt.Sprintf("status %d", re.Response.StatusCode))
	}
	if re.ErrorCode != "" {
		parts = append(parts, re.ErrorCode)
	}
	if re.ErrorDescription != "" {
		parts = append(parts, re.ErrorDescription)
	}
	if len(parts) == 0 {
		return "request failed"
	}
	return strings.Join(parts, ": ")
}
