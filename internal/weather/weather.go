// Package weather fetches current conditions and the hourly forecast from the
// OpenWeatherMap one-call API.
package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appLog "epdweather/internal/log"
	"epdweather/internal/model"
	"epdweather/internal/settings"
	"epdweather/internal/source"
)

const (
	DefaultEndpoint        = "https://api.openweathermap.org/data/3.0/onecall"
	DefaultGeocodeEndpoint = "https://api.openweathermap.org/geo/1.0/direct"
	DefaultIPGeoEndpoint   = "http://ip-api.com/json/"
)

type Config struct {
	Endpoint        string
	GeocodeEndpoint string
	IPGeoEndpoint   string
	Units           string // metric, imperial, standard
	Lang            string

	// RequestsPerMinute caps outbound calls across all three endpoints.
	// Zero disables the limiter.
	RequestsPerMinute float64

	HTTPClient *http.Client
}

// Source implements the weather side of the update cycle.
type Source struct {
	cfg     Config
	store   settings.Store
	limiter *rate.Limiter
	now     func() time.Time
}

func New(cfg Config, store settings.Store) *Source {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.GeocodeEndpoint == "" {
		cfg.GeocodeEndpoint = DefaultGeocodeEndpoint
	}
	if cfg.IPGeoEndpoint == "" {
		cfg.IPGeoEndpoint = DefaultIPGeoEndpoint
	}
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	// One fetch issues at most two requests (geocode + onecall).
	limiter := rate.NewLimiter(limit, 3)

	return &Source{cfg: cfg, store: store, limiter: limiter, now: time.Now}
}

// Fetch resolves the location and returns a fresh snapshot. Errors are
// *source.Error values of kind NetworkError, ParseError or LocationUnresolved.
func (s *Source) Fetch(ctx context.Context) (*model.WeatherSnapshot, error) {
	apiKey, err := settings.GetString(s.store, settings.KeyWeatherKey, "")
	if err != nil {
		return nil, source.Wrap(source.NetworkError, "weather.settings", err)
	}
	if apiKey == "" {
		return nil, source.Errorf(source.NetworkError, "weather.settings", "no api key configured (%s)", settings.KeyWeatherKey)
	}

	loc, err := s.resolveLocation(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := s.oneCall(ctx, apiKey, loc)
	if err != nil {
		return nil, err
	}

	snap := resp.snapshot(loc.Name, s.now())
	appLog.Debug("weather fetched",
		"location", loc.Name,
		"temp", strconv.FormatFloat(snap.Current.Temp, 'f', 1, 64),
		"hourly", len(snap.Hourly),
	)
	return snap, nil
}

func (s *Source) oneCall(ctx context.Context, apiKey string, loc Location) (*oneCallResponse, error) {
	const op = "weather.onecall"

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', 4, 64))
	q.Set("exclude", "minutely,daily,alerts")
	q.Set("units", s.cfg.Units)
	if s.cfg.Lang != "" {
		q.Set("lang", s.cfg.Lang)
	}
	q.Set("appid", apiKey)

	var resp oneCallResponse
	if err := s.getJSON(ctx, op, s.cfg.Endpoint, q, &resp); err != nil {
		return nil, err
	}
	if resp.Current == nil {
		return nil, source.Errorf(source.ParseError, op, "response has no current block")
	}
	return &resp, nil
}

func (s *Source) getJSON(ctx context.Context, op, endpoint string, q url.Values, v any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return source.Wrap(source.NetworkError, op, fmt.Errorf("rate limit wait: %w", err))
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return source.Wrap(source.NetworkError, op, err)
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return source.Wrap(source.NetworkError, op, err)
	}
	return source.GetJSON(ctx, s.cfg.HTTPClient, req, op, false, v)
}

type condition struct {
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type oneCallResponse struct {
	Timezone string `json:"timezone"`
	Current  *struct {
		Dt        int64       `json:"dt"`
		Temp      float64     `json:"temp"`
		FeelsLike float64     `json:"feels_like"`
		Humidity  int         `json:"humidity"`
		Pressure  int         `json:"pressure"`
		WindSpeed float64     `json:"wind_speed"`
		UVI       float64     `json:"uvi"`
		Weather   []condition `json:"weather"`
	} `json:"current"`
	Hourly []struct {
		Dt      int64       `json:"dt"`
		Temp    float64     `json:"temp"`
		Pop     float64     `json:"pop"` // 0..1
		Weather []condition `json:"weather"`
	} `json:"hourly"`
}

func (r *oneCallResponse) snapshot(location string, now time.Time) *model.WeatherSnapshot {
	c := r.Current
	cur := model.Conditions{
		Temp:      c.Temp,
		FeelsLike: c.FeelsLike,
		Humidity:  c.Humidity,
		Pressure:  c.Pressure,
		WindSpeed: c.WindSpeed,
		UVIndex:   c.UVI,
	}
	if c.Dt > 0 {
		cur.CapturedAt = time.Unix(c.Dt, 0)
	}
	if len(c.Weather) > 0 {
		cur.Description = c.Weather[0].Description
		cur.Icon = c.Weather[0].Icon
	}

	hourly := make([]model.HourlyPoint, 0, len(r.Hourly))
	for _, h := range r.Hourly {
		p := model.HourlyPoint{
			Time:      time.Unix(h.Dt, 0),
			Temp:      h.Temp,
			PrecipPct: int(h.Pop*100 + 0.5),
		}
		if len(h.Weather) > 0 {
			p.Icon = h.Weather[0].Icon
		}
		hourly = append(hourly, p)
	}

	return model.NewWeatherSnapshot(location, cur, hourly, now)
}
