package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdweather/internal/source"
)

const sampleICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//epdweather//test//EN
BEGIN:VEVENT
UID:single@test
DTSTART:20250311T090000Z
DTEND:20250311T100000Z
SUMMARY:Dentist
LOCATION:Main St
END:VEVENT
BEGIN:VEVENT
UID:holiday@test
DTSTART;VALUE=DATE:20250312
DTEND;VALUE=DATE:20250313
SUMMARY:Holiday
END:VEVENT
BEGIN:VEVENT
UID:daily@test
DTSTART:20250309T080000Z
DTEND:20250309T083000Z
RRULE:FREQ=DAILY;COUNT=10
EXDATE:20250313T080000Z
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:daily@test
RECURRENCE-ID:20250314T080000Z
DTSTART:20250314T090000Z
DTEND:20250314T093000Z
SUMMARY:Standup (moved)
END:VEVENT
BEGIN:VEVENT
UID:old@test
DTSTART:20250101T090000Z
DTEND:20250101T100000Z
SUMMARY:Old
END:VEVENT
END:VCALENDAR
`

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

func newCalendar(t *testing.T, url string) *Calendar {
	t.Helper()
	c := New(Config{
		Feeds:    []Feed{{ID: "main", URL: url}},
		CacheDir: t.TempDir(),
		Location: time.UTC,
	})
	c.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestCalendar_ExpandsFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(crlf(sampleICS)))
	}))
	defer ts.Close()

	snap, err := newCalendar(t, ts.URL+"/private/secret.ics").Fetch(context.Background())
	require.NoError(t, err)

	var titles []string
	for _, e := range snap.Events {
		titles = append(titles, e.Start.Format("01-02 15:04")+" "+e.Title)
	}
	assert.Equal(t, []string{
		"03-10 08:00 Standup",
		"03-11 08:00 Standup",
		"03-11 09:00 Dentist",
		"03-12 00:00 Holiday",
		"03-12 08:00 Standup",
		"03-14 09:00 Standup (moved)",
		"03-15 08:00 Standup",
		"03-16 08:00 Standup",
	}, titles)

	holiday := snap.Events[3]
	assert.True(t, holiday.AllDay)
	assert.Equal(t, 24*time.Hour, holiday.End.Sub(holiday.Start))
	assert.Equal(t, "Main St", snap.Events[2].Location)
}

func TestFetcher_CacheAndConditionalRequests(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte(crlf(sampleICS)))
		case 2:
			assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
			w.WriteHeader(http.StatusNotModified)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	f := NewFetcher(ts.Client(), t.TempDir())
	feed := Feed{ID: "main", URL: ts.URL + "/cal.ics"}

	first, err := f.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	third, err := f.FetchOne(context.Background(), feed)
	require.NoError(t, err, "server errors fall back to the cached body")
	assert.True(t, third.FromCache)
}

func TestCalendar_ErrorKinds(t *testing.T) {
	t.Run("all feeds down", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := newCalendar(t, ts.URL+"/cal.ics").Fetch(context.Background())
		require.Error(t, err)
		assert.Equal(t, source.NetworkError, source.KindOf(err))
	})

	t.Run("garbage body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("   "))
		}))
		defer ts.Close()

		_, err := newCalendar(t, ts.URL+"/cal.ics").Fetch(context.Background())
		require.Error(t, err)
		assert.Equal(t, source.ParseError, source.KindOf(err))
	})
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)",
		redactURL("https://calendar.example.com/u/abc123/basic.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}

func TestExpand_RejectsInvertedWindow(t *testing.T) {
	now := time.Now()
	_, err := Expand(nil, Window{Start: now, End: now.Add(-time.Hour)})
	assert.Error(t, err)
}
