// Package cycle runs the device's update loop:
//
//	Booting -> WifiSetup -> TimeSync -> Fetching -> Rendering -> Sleeping -> (wake) -> Fetching
//
// Each waking period fetches weather and calendar once, renders one full
// frame from the latest good snapshots, and arms one wake timer. Snapshots
// are kept across failed fetches within a waking period and dropped when
// the device sleeps.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"epdweather/internal/auth"
	appLog "epdweather/internal/log"
	"epdweather/internal/model"
	"epdweather/internal/power"
	"epdweather/internal/settings"
	"epdweather/internal/source"
)

// ErrRestart means the process must exit and be restarted by its supervisor.
var ErrRestart = errors.New("cycle: restart required")

type State int

const (
	Booting State = iota
	WifiSetup
	TimeSync
	Fetching
	Rendering
	Sleeping
)

func (s State) String() string {
	switch s {
	case Booting:
		return "booting"
	case WifiSetup:
		return "wifi_setup"
	case TimeSync:
		return "time_sync"
	case Fetching:
		return "fetching"
	case Rendering:
		return "rendering"
	case Sleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type WeatherSource interface {
	Fetch(ctx context.Context) (*model.WeatherSnapshot, error)
}

type CalendarSource interface {
	Fetch(ctx context.Context) (*model.CalendarSnapshot, error)
}

type TokenProvider interface {
	EnsureValidToken(ctx context.Context) error
}

// Renderer draws one full frame; either snapshot may be nil.
type Renderer interface {
	Render(ctx context.Context, w *model.WeatherSnapshot, c *model.CalendarSnapshot) error
}

type Network interface {
	Connected(ctx context.Context) bool
	Setup(ctx context.Context) error
}

type TimeSyncer interface {
	Sync(ctx context.Context) error
}

// Deps are the collaborators of a Cycle. Nil Network, Clock, Tokens,
// Weather or Calendar skip that step.
type Deps struct {
	Settings settings.Store
	Network  Network
	Clock    TimeSyncer
	Tokens   TokenProvider
	Weather  WeatherSource
	Calendar CalendarSource
	Renderer Renderer
	Sleeper  power.Sleeper
}

type Options struct {
	// Interval between wakes. Fixed; failures do not change it.
	Interval         time.Duration
	FetchTimeout     time.Duration
	WifiSetupTimeout time.Duration
	TimeSyncTimeout  time.Duration
}

const (
	DefaultInterval         = 30 * time.Minute
	DefaultFetchTimeout     = 60 * time.Second
	DefaultWifiSetupTimeout = 180 * time.Second
	DefaultTimeSyncTimeout  = 15 * time.Second
)

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.WifiSetupTimeout <= 0 {
		o.WifiSetupTimeout = DefaultWifiSetupTimeout
	}
	if o.TimeSyncTimeout <= 0 {
		o.TimeSyncTimeout = DefaultTimeSyncTimeout
	}
}

// Status is a copy of the cycle's progress for the status server.
type Status struct {
	State       string    `json:"state"`
	CycleID     string    `json:"cycle_id"`
	Wakes       int       `json:"wakes"`
	NextWake    time.Time `json:"next_wake,omitzero"`
	RenderedAt  time.Time `json:"rendered_at,omitzero"`
	RenderError string    `json:"render_error,omitempty"`

	LastWeatherFetch  time.Time `json:"last_weather_fetch,omitzero"`
	WeatherError      string    `json:"weather_error,omitempty"`
	WeatherLocation   string    `json:"weather_location,omitempty"`
	LastCalendarFetch time.Time `json:"last_calendar_fetch,omitzero"`
	CalendarError     string    `json:"calendar_error,omitempty"`
	Events            int       `json:"events"`
}

// Cycle is the update state machine. Its methods are meant to be called from
// a single goroutine; State and Status may be called from any goroutine.
type Cycle struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu     sync.RWMutex
	state  State
	cs     model.CycleState
	status Status
	log    appLog.Logger
}

func New(deps Deps, opts Options) *Cycle {
	opts.normalize()
	c := &Cycle{deps: deps, opts: opts, now: time.Now}
	c.beginPeriod()
	return c
}

func (c *Cycle) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Cycle) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	st.State = c.state.String()
	return st
}

// snapshots returns the snapshots that the next render would use.
func (c *Cycle) snapshots() (*model.WeatherSnapshot, *model.CalendarSnapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cs.Weather, c.cs.Calendar
}

func (c *Cycle) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Debug("state", "state", s.String())
}

// beginPeriod starts a new waking period with empty volatile state.
func (c *Cycle) beginPeriod() {
	id := uuid.NewString()
	c.mu.Lock()
	c.cs = model.CycleState{}
	c.status = Status{CycleID: id, Wakes: c.status.Wakes + 1, NextWake: c.status.NextWake}
	c.log = appLog.With("cycle_id", id)
	c.mu.Unlock()
}

// Boot brings the device to the point where it can fetch: network, clock,
// then calendar credentials. The returned error wraps ErrRestart when the
// process must be restarted.
func (c *Cycle) Boot(ctx context.Context) error {
	c.setState(Booting)
	c.logSettings()

	if n := c.deps.Network; n != nil && !n.Connected(ctx) {
		c.setState(WifiSetup)
		c.log.Warn("network unavailable, entering wifi setup", "timeout", c.opts.WifiSetupTimeout.String())

		sctx, cancel := context.WithTimeout(ctx, c.opts.WifiSetupTimeout)
		err := n.Setup(sctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = source.Wrap(source.ConnectivityTimeout, "cycle.wifi_setup", err)
			c.log.Error("wifi setup failed", err)
			return fmt.Errorf("%w: %w", ErrRestart, err)
		}
		c.log.Info("network connected")
	}

	c.setState(TimeSync)
	if clk := c.deps.Clock; clk != nil {
		tctx, cancel := context.WithTimeout(ctx, c.opts.TimeSyncTimeout)
		err := clk.Sync(tctx)
		cancel()
		if err != nil {
			c.log.Warn("time sync failed, today highlighting disabled", "err", err)
		}
	}

	return c.ensureToken(ctx)
}

// ensureToken reloads the calendar credentials from the settings store and
// obtains a fresh access token. It runs once per waking period.
func (c *Cycle) ensureToken(ctx context.Context) error {
	t := c.deps.Tokens
	if t == nil {
		return nil
	}
	err := t.EnsureValidToken(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, auth.ErrInteractiveTimeout):
		c.log.Error("calendar sign-in not completed", err)
		return fmt.Errorf("%w: %w", ErrRestart, err)
	}
	// The calendar fetch reports it again.
	c.log.Error("calendar token unavailable", err, "kind", source.KindOf(err).String())
	return nil
}

func (c *Cycle) logSettings() {
	s := c.deps.Settings
	if s == nil {
		return
	}
	kv := make([]any, 0, 2*len(settings.Keys))
	for _, k := range settings.Keys {
		v, err := settings.GetString(s, k, "")
		switch {
		case err != nil:
			v = "error"
		case settings.IsSecret(k) && v != "":
			v = "set"
		case v == "":
			v = "unset"
		}
		kv = append(kv, k, v)
	}
	c.log.Info("settings", kv...)
}

// Refresh fetches both sources once and renders one frame. Fetch failures
// keep the previous snapshot of that domain and never prevent the render.
// Only a render failure is returned.
func (c *Cycle) Refresh(ctx context.Context) error {
	c.setState(Fetching)
	c.fetchWeather(ctx)
	c.fetchCalendar(ctx)

	c.setState(Rendering)
	w, cal := c.snapshots()
	err := c.deps.Renderer.Render(ctx, w, cal)

	c.mu.Lock()
	c.status.RenderedAt = c.now()
	c.status.RenderError = ""
	if err != nil {
		c.status.RenderError = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("render failed", err)
		return fmt.Errorf("cycle: render: %w", err)
	}
	c.log.Info("rendered", "weather", w != nil, "events", countEvents(cal))
	return nil
}

func (c *Cycle) fetchWeather(ctx context.Context) {
	if c.deps.Weather == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	start := c.now()
	w, err := c.deps.Weather.Fetch(fctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.status.WeatherError = err.Error()
		c.log.Warn("weather fetch failed, keeping previous snapshot",
			"kind", source.KindOf(err).String(), "have_previous", c.cs.Weather != nil, "err", err)
		return
	}
	c.cs.Weather = w
	c.cs.LastWeatherFetch = c.now()
	c.status.LastWeatherFetch = c.cs.LastWeatherFetch
	c.status.WeatherError = ""
	c.status.WeatherLocation = w.Location
	c.log.Info("weather fetched", "location", w.Location, "hourly", len(w.Hourly), "took", c.now().Sub(start).String())
}

func (c *Cycle) fetchCalendar(ctx context.Context) {
	if c.deps.Calendar == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	start := c.now()
	cal, err := c.deps.Calendar.Fetch(fctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.status.CalendarError = err.Error()
		c.log.Warn("calendar fetch failed, keeping previous snapshot",
			"kind", source.KindOf(err).String(), "have_previous", c.cs.Calendar != nil, "err", err)
		return
	}
	c.cs.Calendar = cal
	c.cs.LastCalendarFetch = c.now()
	c.status.LastCalendarFetch = c.cs.LastCalendarFetch
	c.status.CalendarError = ""
	c.status.Events = len(cal.Events)
	c.log.Info("calendar fetched", "events", len(cal.Events), "took", c.now().Sub(start).String())
}

// Sleep arms one wake timer for the fixed interval and blocks until it
// fires. Volatile state is discarded afterwards, whether or not the sleeper
// succeeded.
func (c *Cycle) Sleep(ctx context.Context) error {
	c.setState(Sleeping)
	next := power.NextWake(c.now(), c.opts.Interval)
	c.mu.Lock()
	c.status.NextWake = next
	c.mu.Unlock()

	err := c.deps.Sleeper.Sleep(ctx, c.opts.Interval)
	c.beginPeriod()
	if err != nil {
		return fmt.Errorf("cycle: sleep: %w", err)
	}
	c.log.Info("woke up")
	return nil
}

// RunOnce boots and performs a single refresh.
func (c *Cycle) RunOnce(ctx context.Context) error {
	if err := c.Boot(ctx); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Run boots, then refreshes and sleeps until ctx is done or a restart is
// required. Every wake reloads the calendar credentials before fetching.
func (c *Cycle) Run(ctx context.Context) error {
	if err := c.Boot(ctx); err != nil {
		return err
	}
	for {
		// Render errors are logged by Refresh; they never skip the sleep.
		_ = c.Refresh(ctx)

		if err := c.Sleep(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("sleeper failed, waiting in-process", err)
			if err := wait(ctx, c.opts.Interval); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ensureToken(ctx); err != nil {
			return err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func countEvents(c *model.CalendarSnapshot) int {
	if c == nil {
		return 0
	}
	return len(c.Events)
}
