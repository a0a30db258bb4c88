// Package calendar reads upcoming events from Microsoft Graph.
package calendar

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appLog "epdweather/internal/log"
	"epdweather/internal/model"
	"epdweather/internal/source"
)

const (
	DefaultEndpoint      = "https://graph.microsoft.com/v1.0/me/calendarview"
	DefaultLookaheadDays = 7
	DefaultPageSize      = 50
)

// graphTimeLayout is the dateTime format of Graph dateTimeTimeZone values.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

// TokenProvider is the part of auth.Provider the calendar needs.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

type Config struct {
	Endpoint      string
	LookaheadDays int
	PageSize      int

	// Location is the display timezone; the query window starts at local
	// midnight today and all-day events are placed on local dates.
	Location *time.Location

	HTTPClient *http.Client
}

// Graph is a calendar source backed by /me/calendarview.
type Graph struct {
	cfg    Config
	tokens TokenProvider
	now    func() time.Time
}

func NewGraph(cfg Config, tokens TokenProvider) *Graph {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = DefaultLookaheadDays
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Graph{cfg: cfg, tokens: tokens, now: time.Now}
}

// Fetch returns the upcoming events. A Graph request rejected with AuthError
// triggers exactly one token refresh and one retry; the retried result is
// final. A failure to obtain a token is returned without a retry.
func (g *Graph) Fetch(ctx context.Context) (*model.CalendarSnapshot, error) {
	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := g.fetchWith(ctx, token)
	if err == nil || !source.IsKind(err, source.AuthError) {
		return snap, err
	}

	appLog.Warn("calendar request unauthorized, refreshing token", "err", err.Error())
	if err := g.tokens.Refresh(ctx); err != nil {
		return nil, err
	}
	if token, err = g.tokens.AccessToken(ctx); err != nil {
		return nil, err
	}
	return g.fetchWith(ctx, token)
}

func (g *Graph) fetchWith(ctx context.Context, token string) (*model.CalendarSnapshot, error) {
	const op = "calendar.graph"

	now := g.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.requestURL(now), nil)
	if err != nil {
		return nil, source.Wrap(source.NetworkError, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	var resp calendarView
	if err := source.GetJSON(ctx, g.cfg.HTTPClient, req, op, true, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, source.Errorf(source.ParseError, op, "response has no value array")
	}

	events := make([]model.CalendarEvent, 0, len(resp.Value))
	for _, e := range resp.Value {
		ev, err := e.toModel(g.cfg.Location)
		if err != nil {
			return nil, source.Wrap(source.ParseError, op, err)
		}
		events = append(events, ev)
	}

	snap := model.NewCalendarSnapshot(events, now, g.cfg.Location)
	appLog.Debug("calendar fetched", "received", len(events), "kept", len(snap.Events))
	return snap, nil
}

func (g *Graph) requestURL(now time.Time) string {
	local := now.In(g.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.cfg.Location)
	end := start.AddDate(0, 0, g.cfg.LookaheadDays)

	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("endDateTime", end.UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("$select", "subject,start,end,location,isAllDay")
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", strconv.Itoa(g.cfg.PageSize))
	return g.cfg.Endpoint + "?" + q.Encode()
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	Subject  string           `json:"subject"`
	Start    dateTimeTimeZone `json:"start"`
	End      dateTimeTimeZone `json:"end"`
	IsAllDay bool             `json:"isAllDay"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
}

type calendarView struct {
	Value []graphEvent `json:"value"`
}

func (e graphEvent) toModel(display *time.Location) (model.CalendarEvent, error) {
	ev := model.CalendarEvent{
		Title:    strings.TrimSpace(e.Subject),
		Location: strings.TrimSpace(e.Location.DisplayName),
		AllDay:   e.IsAllDay,
	}

	var err error
	if e.IsAllDay {
		// All-day values are dates; they belong to the display calendar
		// regardless of the zone the server reports them in.
		if ev.Start, err = parseDate(e.Start.DateTime, display); err != nil {
			return ev, err
		}
		if ev.End, err = parseDate(e.End.DateTime, display); err != nil {
			return ev, err
		}
		return ev, nil
	}

	if ev.Start, err = parseDateTime(e.Start); err != nil {
		return ev, err
	}
	if ev.End, err = parseDateTime(e.End); err != nil {
		return ev, err
	}
	return ev, nil
}

func parseDateTime(v dateTimeTimeZone) (time.Time, error) {
	loc := time.UTC
	if v.TimeZone != "" && !strings.EqualFold(v.TimeZone, "UTC") {
		if l, err := time.LoadLocation(v.TimeZone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation(graphTimeLayout, v.DateTime, loc)
}

func parseDate(v string, loc *time.Location) (time.Time, error) {
	if len(v) < len("2006-01-02") {
		return time.Time{}, &time.ParseError{Layout: "2006-01-02", Value: v, Message: ": too short"}
	}
	return time.ParseInLocation("2006-01-02", v[:10], loc)
}
