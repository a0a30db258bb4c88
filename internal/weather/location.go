package weather

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	appLog "epdweather/internal/log"
	"epdweather/internal/settings"
	"epdweather/internal/source"
)

// Location is a resolved forecast location.
type Location struct {
	Name string
	Lat  float64
	Lon  float64
}

// resolveLocation turns the configured location into coordinates:
//   - "lat,lon" is used as is
//   - any other non-empty value is geocoded
//   - an empty value falls back to IP geolocation
//
// A failure to end up with coordinates is LocationUnresolved, except for
// transport failures of the geocoder, which stay NetworkError.
func (s *Source) resolveLocation(ctx context.Context, apiKey string) (Location, error) {
	configured, err := settings.GetString(s.store, settings.KeyLocation, "")
	if err != nil {
		return Location{}, source.Wrap(source.LocationUnresolved, "weather.location", err)
	}
	configured = strings.TrimSpace(configured)

	if configured == "" {
		loc, err := s.ipLocate(ctx)
		if err != nil {
			return Location{}, source.Wrap(source.LocationUnresolved, "weather.iplocate", err)
		}
		appLog.Info("location detected from ip", "location", loc.Name)
		return loc, nil
	}

	if lat, lon, ok := ParseLatLon(configured); ok {
		return Location{Name: configured, Lat: lat, Lon: lon}, nil
	}
	return s.geocode(ctx, apiKey, configured)
}

// ParseLatLon parses "lat,lon" in decimal degrees.
func ParseLatLon(s string) (lat, lon float64, ok bool) {
	a, b, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil || lat < -90 || lat > 90 {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func (s *Source) geocode(ctx context.Context, apiKey, name string) (Location, error) {
	const op = "weather.geocode"

	q := url.Values{}
	q.Set("q", name)
	q.Set("limit", "1")
	q.Set("appid", apiKey)

	var results []struct {
		Name    string  `json:"name"`
		Country string  `json:"country"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := s.getJSON(ctx, op, s.cfg.GeocodeEndpoint, q, &results); err != nil {
		if source.IsKind(err, source.ParseError) {
			return Location{}, source.Wrap(source.LocationUnresolved, op, err)
		}
		return Location{}, err
	}
	if len(results) == 0 {
		return Location{}, source.Errorf(source.LocationUnresolved, op, "no match for %q", name)
	}
	return Location{Name: name, Lat: results[0].Lat, Lon: results[0].Lon}, nil
}

func (s *Source) ipLocate(ctx context.Context) (Location, error) {
	const op = "weather.iplocate"

	var r struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		City    string  `json:"city"`
		Country string  `json:"country"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := s.getJSON(ctx, op, s.cfg.IPGeoEndpoint, nil, &r); err != nil {
		return Location{}, err
	}
	if r.Status != "success" {
		return Location{}, fmt.Errorf("ip geolocation status %q: %s", r.Status, r.Message)
	}

	name := r.City
	if r.Country != "" {
		if name != "" {
			name += ", "
		}
		name += r.Country
	}
	return Location{Name: name, Lat: r.Lat, Lon: r.Lon}, nil
}
