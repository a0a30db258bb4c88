package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "epdweather/internal/log"
	"epdweather/internal/model"
)

const defaultMaxOccurrences = 500

// Window is the half-open range [Start, End) occurrences must overlap.
type Window struct {
	Start time.Time
	End   time.Time

	// Location is the display timezone of the resulting events.
	Location *time.Location

	// MaxOccurrences caps one series; 0 means defaultMaxOccurrences.
	MaxOccurrences int
}

// Expand turns parsed events into concrete calendar events inside w,
// applying RRULE, EXDATE and RECURRENCE-ID overrides. The result is not
// sorted.
func Expand(events []Event, w Window) ([]model.CalendarEvent, error) {
	if w.End.Before(w.Start) {
		return nil, errors.New("expand: window end is before start")
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	if w.MaxOccurrences <= 0 {
		w.MaxOccurrences = defaultMaxOccurrences
	}

	overrides := make(map[string][]Event)
	var bases []Event
	for _, ev := range events {
		if ev.isOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	var out []model.CalendarEvent
	for _, ev := range bases {
		if ev.RRule == "" {
			if overlaps(ev.Start, ev.End, w) {
				out = append(out, toModel(ev, ev.Start, ev.End, w.Location))
			}
			continue
		}
		out = append(out, expandSeries(ev, overrides[ev.UID], w)...)
	}
	return out, nil
}

func expandSeries(ev Event, overrides []Event, w Window) []model.CalendarEvent {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Warn("bad rrule, skipping series", "uid", ev.UID, "rrule", ev.RRule, "err", err.Error())
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Look back by one duration so an instance already running at the
	// window start is kept.
	from := w.Start.Add(-dur).In(ev.Start.Location())
	to := w.End.In(ev.Start.Location())
	starts := set.Between(from, to, true)
	if len(starts) > w.MaxOccurrences {
		appLog.Warn("series truncated", "uid", ev.UID, "cap", w.MaxOccurrences)
		starts = starts[:w.MaxOccurrences]
	}

	var out []model.CalendarEvent
	for _, s := range starts {
		inst, start, end := ev, s, s.Add(dur)
		if ev.AllDay {
			start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
			end = start.AddDate(0, 0, max(1, int(dur.Hours()+12)/24))
		}
		if o, ok := findOverride(overrides, start); ok {
			inst, start, end = o, o.Start, o.End
		}
		if overlaps(start, end, w) {
			out = append(out, toModel(inst, start, end, w.Location))
		}
	}
	return out
}

func findOverride(overrides []Event, start time.Time) (Event, bool) {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return Event{}, false
}

func overlaps(start, end time.Time, w Window) bool {
	if end.Equal(start) {
		return !start.Before(w.Start) && start.Before(w.End)
	}
	return start.Before(w.End) && end.After(w.Start)
}

func toModel(ev Event, start, end time.Time, loc *time.Location) model.CalendarEvent {
	return model.CalendarEvent{
		Title:    ev.Summary,
		Location: ev.Location,
		Start:    start.In(loc),
		End:      end.In(loc),
		AllDay:   ev.AllDay,
	}
}
