package cycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdweather/internal/auth"
	"epdweather/internal/calendar"
	"epdweather/internal/model"
	"epdweather/internal/render"
	"epdweather/internal/settings"
	"epdweather/internal/source"
	"epdweather/internal/weather"
)

var now0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// scripted returns its results in order; the last one repeats.
type scripted[T any] struct {
	results []T
	errs    []error
	calls   int
}

func (s *scripted[T]) next() (T, error) {
	i := min(s.calls, len(s.results)-1)
	s.calls++
	return s.results[i], s.errs[i]
}

type fakeWeather struct{ scripted[*model.WeatherSnapshot] }

func (f *fakeWeather) Fetch(context.Context) (*model.WeatherSnapshot, error) { return f.next() }

type fakeCalendar struct{ scripted[*model.CalendarSnapshot] }

func (f *fakeCalendar) Fetch(context.Context) (*model.CalendarSnapshot, error) { return f.next() }

type renderCall struct {
	w *model.WeatherSnapshot
	c *model.CalendarSnapshot
}

type fakeRenderer struct {
	calls []renderCall
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, w *model.WeatherSnapshot, c *model.CalendarSnapshot) error {
	f.calls = append(f.calls, renderCall{w, c})
	return f.err
}

type fakeSleeper struct {
	durations []time.Duration
	onSleep   func(n int)
	err       error
}

func (f *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	f.durations = append(f.durations, d)
	if f.onSleep != nil {
		f.onSleep(len(f.durations))
	}
	return f.err
}

type fakeNetwork struct {
	connected bool
	setupErr  error
	setups    int
}

func (f *fakeNetwork) Connected(context.Context) bool { return f.connected }

func (f *fakeNetwork) Setup(ctx context.Context) error {
	f.setups++
	if f.setupErr != nil {
		return f.setupErr
	}
	f.connected = true
	return nil
}

type fakeClock struct{ err error }

func (f fakeClock) Sync(context.Context) error { return f.err }

type fakeTokens struct {
	ensureErr error
	ensures   int
}

func (f *fakeTokens) EnsureValidToken(context.Context) error {
	f.ensures++
	return f.ensureErr
}

func weatherSnap(loc string) *model.WeatherSnapshot {
	return model.NewWeatherSnapshot(loc, model.Conditions{Description: "clear", Temp: 12}, nil, now0)
}

func calSnap(titles ...string) *model.CalendarSnapshot {
	evs := make([]model.CalendarEvent, len(titles))
	for i, title := range titles {
		evs[i] = model.CalendarEvent{Title: title, Start: now0.Add(time.Duration(i+1) * time.Hour), End: now0.Add(time.Duration(i+2) * time.Hour)}
	}
	return model.NewCalendarSnapshot(evs, now0, time.UTC)
}

var netErr = source.Errorf(source.NetworkError, "test", "connection refused")

func TestRefresh_RetainsSnapshotWithinWakingPeriod(t *testing.T) {
	first := weatherSnap("Paris")
	w := &fakeWeather{scripted[*model.WeatherSnapshot]{
		results: []*model.WeatherSnapshot{first, nil},
		errs:    []error{nil, netErr},
	}}
	r := &fakeRenderer{}
	c := New(Deps{Weather: w, Renderer: r, Sleeper: &fakeSleeper{}}, Options{})

	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))

	require.Len(t, r.calls, 2)
	assert.Same(t, first, r.calls[0].w)
	assert.Same(t, first, r.calls[1].w, "failed fetch keeps the previous snapshot")
	assert.NotEmpty(t, c.Status().WeatherError)

	// Across a sleep the snapshot is gone.
	require.NoError(t, c.Sleep(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, r.calls, 3)
	assert.Nil(t, r.calls[2].w)
}

func TestRefresh_IndependentSources(t *testing.T) {
	w := &fakeWeather{scripted[*model.WeatherSnapshot]{results: []*model.WeatherSnapshot{nil}, errs: []error{netErr}}}
	cal := calSnap("Standup")
	cs := &fakeCalendar{scripted[*model.CalendarSnapshot]{results: []*model.CalendarSnapshot{cal}, errs: []error{nil}}}
	r := &fakeRenderer{}

	c := New(Deps{Weather: w, Calendar: cs, Renderer: r, Sleeper: &fakeSleeper{}}, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, 1, w.calls)
	assert.Equal(t, 1, cs.calls)
	require.Len(t, r.calls, 1)
	assert.Nil(t, r.calls[0].w)
	assert.Same(t, cal, r.calls[0].c)
	assert.Equal(t, 1, c.Status().Events)
}

func TestRefresh_BothFailStillRenders(t *testing.T) {
	w := &fakeWeather{scripted[*model.WeatherSnapshot]{results: []*model.WeatherSnapshot{nil}, errs: []error{netErr}}}
	cs := &fakeCalendar{scripted[*model.CalendarSnapshot]{results: []*model.CalendarSnapshot{nil}, errs: []error{source.Errorf(source.AuthError, "test", "expired")}}}
	r := &fakeRenderer{}

	c := New(Deps{Weather: w, Calendar: cs, Renderer: r, Sleeper: &fakeSleeper{}}, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	require.Len(t, r.calls, 1)
	assert.Nil(t, r.calls[0].w)
	assert.Nil(t, r.calls[0].c)
}

func TestRefresh_RenderErrorReturned(t *testing.T) {
	r := &fakeRenderer{err: errors.New("panel busy")}
	c := New(Deps{Renderer: r, Sleeper: &fakeSleeper{}}, Options{})

	err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, "panel busy", c.Status().RenderError)
}

func TestRefresh_FetchTimeout(t *testing.T) {
	var sawDeadline bool
	w := weatherFunc(func(ctx context.Context) (*model.WeatherSnapshot, error) {
		dl, ok := ctx.Deadline()
		sawDeadline = ok && time.Until(dl) <= 50*time.Millisecond
		<-ctx.Done()
		return nil, source.Wrap(source.NetworkError, "test", ctx.Err())
	})
	r := &fakeRenderer{}
	c := New(Deps{Weather: w, Renderer: r, Sleeper: &fakeSleeper{}}, Options{FetchTimeout: 50 * time.Millisecond})

	require.NoError(t, c.Refresh(context.Background()))
	assert.True(t, sawDeadline)
	assert.Len(t, r.calls, 1)
}

type weatherFunc func(ctx context.Context) (*model.WeatherSnapshot, error)

func (f weatherFunc) Fetch(ctx context.Context) (*model.WeatherSnapshot, error) { return f(ctx) }

func TestSleep_FixedIntervalAndReset(t *testing.T) {
	s := &fakeSleeper{}
	w := &fakeWeather{scripted[*model.WeatherSnapshot]{results: []*model.WeatherSnapshot{weatherSnap("Paris")}, errs: []error{nil}}}
	c := New(Deps{Weather: w, Renderer: &fakeRenderer{}, Sleeper: s}, Options{Interval: 30 * time.Minute})

	require.NoError(t, c.Refresh(context.Background()))
	idBefore := c.Status().CycleID
	require.NoError(t, c.Sleep(context.Background()))
	require.NoError(t, c.Sleep(context.Background()))

	assert.Equal(t, []time.Duration{30 * time.Minute, 30 * time.Minute}, s.durations)
	w2, cal := c.snapshots()
	assert.Nil(t, w2)
	assert.Nil(t, cal)
	st := c.Status()
	assert.NotEqual(t, idBefore, st.CycleID)
	assert.Equal(t, 3, st.Wakes)
	assert.True(t, st.LastWeatherFetch.IsZero())
	assert.False(t, st.NextWake.IsZero())
}

func TestSleep_ErrorStillResets(t *testing.T) {
	w := &fakeWeather{scripted[*model.WeatherSnapshot]{results: []*model.WeatherSnapshot{weatherSnap("Paris")}, errs: []error{nil}}}
	c := New(Deps{Weather: w, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{err: errors.New("rtcwake: permission denied")}}, Options{})

	require.NoError(t, c.Refresh(context.Background()))
	assert.Error(t, c.Sleep(context.Background()))
	ws, _ := c.snapshots()
	assert.Nil(t, ws)
}

func TestBoot_Sequence(t *testing.T) {
	n := &fakeNetwork{connected: false}
	tok := &fakeTokens{}
	c := New(Deps{Network: n, Clock: fakeClock{}, Tokens: tok, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})

	require.NoError(t, c.Boot(context.Background()))
	assert.Equal(t, 1, n.setups)
	assert.Equal(t, 1, tok.ensures)
	assert.Equal(t, TimeSync, c.State())
}

func TestBoot_ConnectedSkipsWifiSetup(t *testing.T) {
	n := &fakeNetwork{connected: true}
	c := New(Deps{Network: n, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})
	require.NoError(t, c.Boot(context.Background()))
	assert.Zero(t, n.setups)
}

func TestBoot_WifiSetupTimeoutIsFatal(t *testing.T) {
	n := &fakeNetwork{setupErr: context.DeadlineExceeded}
	r := &fakeRenderer{}
	c := New(Deps{Network: n, Renderer: r, Sleeper: &fakeSleeper{}}, Options{WifiSetupTimeout: time.Millisecond})

	err := c.Boot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestart)
	assert.True(t, source.IsKind(err, source.ConnectivityTimeout))
	assert.Equal(t, WifiSetup, c.State())

	err = c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRestart)
	assert.Empty(t, r.calls, "nothing is rendered after a fatal boot")
}

func TestBoot_TimeSyncFailureDegrades(t *testing.T) {
	c := New(Deps{Clock: fakeClock{err: errors.New("ntp unreachable")}, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})
	assert.NoError(t, c.Boot(context.Background()))
}

func TestBoot_AuthErrors(t *testing.T) {
	interactive := source.Wrap(source.AuthError, "auth.interactive", fmt.Errorf("%w: %w", auth.ErrInteractiveTimeout, context.DeadlineExceeded))
	c := New(Deps{Tokens: &fakeTokens{ensureErr: interactive}, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})
	err := c.Boot(context.Background())
	assert.ErrorIs(t, err, ErrRestart)
	assert.ErrorIs(t, err, auth.ErrInteractiveTimeout)

	refresh := source.Errorf(source.AuthError, "auth.refresh", "invalid_grant")
	c = New(Deps{Tokens: &fakeTokens{ensureErr: refresh}, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})
	assert.NoError(t, c.Boot(context.Background()), "the calendar fetch surfaces refresh failures")
}

func TestBoot_LogsSettingsWithoutSecrets(t *testing.T) {
	store := settings.NewMemoryStore(map[string]string{
		settings.KeyLocation:   "Paris",
		settings.KeyWeatherKey: "s3cret",
	})
	c := New(Deps{Settings: store, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})
	assert.NoError(t, c.Boot(context.Background()))
}

func TestRun_LoopsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeRenderer{err: errors.New("render failed")}
	s := &fakeSleeper{onSleep: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	w := &fakeWeather{scripted[*model.WeatherSnapshot]{results: []*model.WeatherSnapshot{weatherSnap("Paris")}, errs: []error{nil}}}
	c := New(Deps{Weather: w, Renderer: r, Sleeper: s}, Options{})

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, r.calls, 3, "render errors do not stop the loop")
	assert.Len(t, s.durations, 3)
	assert.Equal(t, 3, w.calls, "one fetch per waking period")
}

func TestRun_EnsuresTokenEveryWake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &fakeSleeper{onSleep: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	tok := &fakeTokens{ensureErr: source.Errorf(source.AuthError, "auth.refresh", "invalid_grant")}
	c := New(Deps{Tokens: tok, Renderer: &fakeRenderer{}, Sleeper: s}, Options{})

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, s.durations, 3)
	// Boot, then the wakes after the first and second sleep; the third
	// sleep ends with the context cancelled.
	assert.Equal(t, 3, tok.ensures)
}

func TestRun_InteractiveTimeoutAfterWakeRestarts(t *testing.T) {
	tok := &fakeTokens{}
	s := &fakeSleeper{onSleep: func(int) {
		tok.ensureErr = source.Wrap(source.AuthError, "auth.interactive", auth.ErrInteractiveTimeout)
	}}
	c := New(Deps{Tokens: tok, Renderer: &fakeRenderer{}, Sleeper: s}, Options{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrRestart)
	assert.Equal(t, 2, tok.ensures)
}

func TestBoot_CancelledDuringSignInIsNotRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	interactive := source.Wrap(source.AuthError, "auth.interactive", fmt.Errorf("%w: %w", auth.ErrInteractiveTimeout, context.Canceled))
	c := New(Deps{Tokens: &fakeTokens{ensureErr: interactive}, Renderer: &fakeRenderer{}, Sleeper: &fakeSleeper{}}, Options{})

	err := c.Boot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRestart)
}

// Weather endpoint answers 500 on the very first run: NetworkError, and the
// left panel shows its placeholder.
func TestScenario_Weather500FirstRun(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	store := settings.NewMemoryStore(map[string]string{
		settings.KeyWeatherKey: "k",
		settings.KeyLocation:   "48.8566,2.3522",
	})
	ws := weather.New(weather.Config{Endpoint: ts.URL, HTTPClient: ts.Client()}, store)

	_, err := ws.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsKind(err, source.NetworkError))

	r := &fakeRenderer{}
	c := New(Deps{Weather: ws, Renderer: r, Sleeper: &fakeSleeper{}}, Options{})
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, r.calls, 1)
	require.Nil(t, r.calls[0].w)

	frame := render.Layout(render.Input{Weather: r.calls[0].w, Calendar: r.calls[0].c, Now: now0, Location: time.UTC})
	assert.Contains(t, frame.Texts(), render.NewLabels("en").NoWeather)
	assert.Contains(t, frame.Texts(), "No upcoming events")
}

type graphTokens struct {
	token     string
	refreshes atomic.Int32
}

func (g *graphTokens) AccessToken(context.Context) (string, error) { return g.token, nil }

func (g *graphTokens) Refresh(context.Context) error {
	g.refreshes.Add(1)
	g.token = "fresh"
	return nil
}

// Calendar request rejected once: exactly one refresh and one retry, and the
// retried result reaches the renderer.
func TestScenario_CalendarAuthRetry(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			http.Error(w, `{"error":{"code":"InvalidAuthenticationToken"}}`, http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"subject":"Dentist","isAllDay":false,` +
			`"start":{"dateTime":"2025-03-11T10:00:00.0000000","timeZone":"UTC"},` +
			`"end":{"dateTime":"2025-03-11T11:00:00.0000000","timeZone":"UTC"},"location":{"displayName":""}}]}`))
	}))
	defer ts.Close()

	tokens := &graphTokens{token: "stale"}
	g := calendar.NewGraph(calendar.Config{Endpoint: ts.URL, Location: time.UTC, HTTPClient: ts.Client()}, tokens)
	r := &fakeRenderer{}
	c := New(Deps{Calendar: g, Renderer: r, Sleeper: &fakeSleeper{}}, Options{})

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int32(1), tokens.refreshes.Load())
	assert.Equal(t, int32(2), requests.Load())
	require.Len(t, r.calls, 1)
	require.NotNil(t, r.calls[0].c)
	assert.Equal(t, "Dentist", r.calls[0].c.Events[0].Title)
}
