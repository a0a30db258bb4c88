package model

import (
	"sort"
	"time"
)

const (
	// MaxHourly is the number of hourly forecast points kept in a snapshot.
	MaxHourly = 24
	// MaxEvents caps CalendarSnapshot.Events; anything beyond is dropped.
	MaxEvents = 10
)

// Conditions describes the current weather at capture time.
type Conditions struct {
	Description string
	Icon        string // provider icon code, e.g. "10d"

	Temp      float64 // °C
	FeelsLike float64 // °C
	Humidity  int     // %
	WindSpeed float64 // m/s
	Pressure  int     // hPa
	UVIndex   float64

	CapturedAt time.Time
}

// HourlyPoint is one entry of the hourly forecast.
type HourlyPoint struct {
	Time      time.Time
	Icon      string
	Temp      float64
	PrecipPct int // probability of precipitation, 0-100
}

// WeatherSnapshot is the immutable result of one successful weather fetch.
type WeatherSnapshot struct {
	Location string
	Current  Conditions
	Hourly   []HourlyPoint
}

// NewWeatherSnapshot builds a snapshot that satisfies the ordering and size
// invariants: hourly points strictly increasing by time (duplicates dropped),
// at most MaxHourly of them, and a capture time that is not in the future.
func NewWeatherSnapshot(location string, current Conditions, hourly []HourlyPoint, now time.Time) *WeatherSnapshot {
	pts := make([]HourlyPoint, len(hourly))
	copy(pts, hourly)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Time.Before(pts[j].Time) })

	out := make([]HourlyPoint, 0, min(len(pts), MaxHourly))
	for _, p := range pts {
		if len(out) == MaxHourly {
			break
		}
		if n := len(out); n > 0 && !p.Time.After(out[n-1].Time) {
			continue
		}
		if p.PrecipPct < 0 {
			p.PrecipPct = 0
		} else if p.PrecipPct > 100 {
			p.PrecipPct = 100
		}
		out = append(out, p)
	}

	if current.CapturedAt.IsZero() || current.CapturedAt.After(now) {
		current.CapturedAt = now
	}

	return &WeatherSnapshot{
		Location: location,
		Current:  current,
		Hourly:   out,
	}
}

// CalendarEvent is a single event as shown on the calendar panel.
type CalendarEvent struct {
	Title    string
	Location string // optional

	Start time.Time
	End   time.Time

	// AllDay events span whole days; Start and End sit on midnight boundaries.
	AllDay bool
}

// CalendarSnapshot is the immutable result of one successful calendar fetch.
type CalendarSnapshot struct {
	Events    []CalendarEvent
	UpdatedAt time.Time
}

// NewCalendarSnapshot orders events by start time, keeps at most MaxEvents of
// them and snaps all-day events to day boundaries in loc (time.Local if nil).
// Dropping events past the cap is not an error.
func NewCalendarSnapshot(events []CalendarEvent, updatedAt time.Time, loc *time.Location) *CalendarSnapshot {
	if loc == nil {
		loc = time.Local
	}

	evs := make([]CalendarEvent, len(events))
	copy(evs, events)
	for i := range evs {
		if evs[i].AllDay {
			evs[i] = normalizeAllDay(evs[i], loc)
		}
	}

	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Start.Before(evs[j].Start) })
	if len(evs) > MaxEvents {
		evs = evs[:MaxEvents]
	}

	return &CalendarSnapshot{
		Events:    evs,
		UpdatedAt: updatedAt,
	}
}

func normalizeAllDay(ev CalendarEvent, loc *time.Location) CalendarEvent {
	s := ev.Start.In(loc)
	start := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)

	end := start.AddDate(0, 0, 1)
	if !ev.End.IsZero() {
		e := ev.End.In(loc)
		endDay := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
		// Exclusive end: a value that is not already midnight belongs to the
		// next day boundary.
		if !e.Equal(endDay) {
			endDay = endDay.AddDate(0, 0, 1)
		}
		if endDay.After(start) {
			end = endDay
		}
	}

	ev.Start = start
	ev.End = end
	return ev
}

// Credentials authorize calendar requests. They are owned by the token
// provider and persisted through the settings store.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string // empty until the first interactive authentication
}

// CycleState is the volatile state of one waking period.
type CycleState struct {
	LastWeatherFetch  time.Time
	LastCalendarFetch time.Time

	Weather  *WeatherSnapshot
	Calendar *CalendarSnapshot
}
