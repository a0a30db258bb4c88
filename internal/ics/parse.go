package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "epdweather/internal/log"
)

// Event is one VEVENT before recurrence expansion.
type Event struct {
	Feed Feed

	UID string
	Seq int

	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set on VEVENTs that override one instance of a
	// recurring series.
	RecurrenceID *time.Time
}

func (e Event) isOverride() bool { return e.RecurrenceID != nil }

// ParseICS parses a VCALENDAR body. Broken VEVENTs are logged and skipped;
// only an unreadable calendar is an error.
func ParseICS(feed Feed, body []byte, loc *time.Location) ([]Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ics body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(feed, ve, loc)
		if err != nil {
			appLog.Warn("skipping vevent", "id", feed.ID, "err", err.Error())
			continue
		}
		events = append(events, ev)
	}
	appLog.Debug("ics parsed", "id", feed.ID, "events", len(events))
	return events, nil
}

func parseVEvent(feed Feed, ve *ical.VEvent, loc *time.Location) (Event, error) {
	ev := Event{Feed: feed}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.AllDay = isDateValue(dtStart)

	if ev.AllDay {
		start, err := parseTime(dtStart.Value, loc)
		if err != nil {
			return ev, err
		}
		ev.Start = start
		ev.End = start.AddDate(0, 0, 1)
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if end, err := parseTime(dtEnd.Value, loc); err == nil && end.After(start) {
				ev.End = end
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, err
		}
		ev.Start = start
		end, err := ve.GetEndAt()
		if err != nil || end.Before(start) {
			end = start
		}
		ev.End = end
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseTime(strings.TrimSpace(part), tzidLocation(p, loc)); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseTime(p.Value, tzidLocation(p, loc)); err == nil {
			ev.RecurrenceID = &t
		}
	}

	return ev, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func tzidLocation(p *ical.IANAProperty, def *time.Location) *time.Location {
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			return l
		}
	}
	return def
}

// parseTime handles the three ICS forms: UTC date-time, floating date-time
// (in loc) and date.
func parseTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
