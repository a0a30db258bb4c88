// Package ics is the subscription-calendar backend: it reads one or more
// ICS feeds and turns them into the same snapshot the Graph source produces.
package ics

import (
	"context"
	"errors"
	"net/http"
	"time"

	appLog "epdweather/internal/log"
	"epdweather/internal/model"
	"epdweather/internal/source"
)

type Config struct {
	Feeds         []Feed
	CacheDir      string
	LookaheadDays int
	Location      *time.Location
	HTTPClient    *http.Client
}

// Calendar is a calendar source over ICS feeds.
type Calendar struct {
	cfg     Config
	fetcher *Fetcher
	now     func() time.Time
}

func New(cfg Config) *Calendar {
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = 7
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Calendar{
		cfg:     cfg,
		fetcher: NewFetcher(cfg.HTTPClient, cfg.CacheDir),
		now:     time.Now,
	}
}

// Fetch reads all feeds. It fails with NetworkError only when no feed
// produced a body, and with ParseError when no body could be parsed.
func (c *Calendar) Fetch(ctx context.Context) (*model.CalendarSnapshot, error) {
	const op = "calendar.ics"
	if len(c.cfg.Feeds) == 0 {
		return nil, source.Errorf(source.NetworkError, op, "no ics feeds configured")
	}

	results, errs := c.fetcher.FetchAll(ctx, c.cfg.Feeds)
	if len(results) == 0 {
		return nil, source.Wrap(source.NetworkError, op, errors.Join(errs...))
	}

	var parsed []Event
	var parseErrs []error
	for _, res := range results {
		evs, err := ParseICS(res.Feed, res.Body, c.cfg.Location)
		if err != nil {
			appLog.Error("ics parse failed", err, "id", res.Feed.ID)
			parseErrs = append(parseErrs, err)
			continue
		}
		parsed = append(parsed, evs...)
	}
	if len(parseErrs) == len(results) {
		return nil, source.Wrap(source.ParseError, op, errors.Join(parseErrs...))
	}

	now := c.now()
	local := now.In(c.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.cfg.Location)
	events, err := Expand(parsed, Window{
		Start:    start,
		End:      start.AddDate(0, 0, c.cfg.LookaheadDays),
		Location: c.cfg.Location,
	})
	if err != nil {
		return nil, source.Wrap(source.ParseError, op, err)
	}

	return model.NewCalendarSnapshot(events, now, c.cfg.Location), nil
}
