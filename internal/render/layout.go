// Package render turns weather and calendar snapshots into a frame for the
// 880x528 monochrome panel: Layout builds a list of draw operations (pure),
// Rasterize draws them, and Screen pushes the result to the panel.
package render

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"epdweather/internal/model"
)

type OpKind int

const (
	OpText OpKind = iota
	OpLine
	OpRect
	// OpIcon is a framed box holding the provider icon code; no bitmaps.
	OpIcon
)

type Ink int

const (
	Black Ink = iota
	White
)

// FontSize is a pixel size of the Go Mono Bold face.
type FontSize int

const (
	Small  FontSize = 16
	Medium FontSize = 20
	Large  FontSize = 28
	Huge   FontSize = 64
)

type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// Op is one draw operation. For text, (X, Y) is the baseline anchor; for
// lines (X, Y)-(X+W, Y+H); for rects and icons the top-left corner and size.
type Op struct {
	Kind  OpKind
	X, Y  float64
	W, H  float64
	Text  string
	Size  FontSize
	Align Align
	Ink   Ink
	Fill  bool
}

// Frame is a complete screen; every refresh redraws everything.
type Frame struct {
	Width  int
	Height int
	Ops    []Op
}

// Texts returns the text of every text op, in draw order.
func (f Frame) Texts() []string {
	var out []string
	for _, op := range f.Ops {
		if op.Kind == OpText {
			out = append(out, op.Text)
		}
	}
	return out
}

// Battery is the header battery indicator.
type Battery struct {
	Percent  int
	Charging bool
}

// Input is everything a frame depends on.
type Input struct {
	Weather  *model.WeatherSnapshot
	Calendar *model.CalendarSnapshot
	Battery  *Battery

	Now time.Time
	// TimeValid is false when the clock could not be synced; "today"
	// highlighting is skipped then.
	TimeValid bool
	Location  *time.Location
	Labels    Labels

	Width  int
	Height int
}

// Geometry shared by both panels.
const (
	margin        = 20.0
	headerY       = 36.0
	headerRuleY   = 50.0
	footerMargin  = 30.0
	eventsTop     = 100.0
	eventH        = 60.0
	eventLocH     = 20.0
	moreLineH     = 20.0
	hourlyColumns = 6

	// MaxTextRunes is the longest title or location drawn untruncated.
	MaxTextRunes = 25
	truncRunes   = 22
)

// Truncate cuts s to 22 runes plus "..." when it is longer than 25 runes.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxTextRunes {
		return s
	}
	r := []rune(s)
	return string(r[:truncRunes]) + "..."
}

type builder struct {
	ops []Op
}

func (b *builder) text(x, y float64, s string, size FontSize, align Align, ink Ink) {
	b.ops = append(b.ops, Op{Kind: OpText, X: x, Y: y, Text: s, Size: size, Align: align, Ink: ink})
}

func (b *builder) line(x1, y1, x2, y2 float64) {
	b.ops = append(b.ops, Op{Kind: OpLine, X: x1, Y: y1, W: x2 - x1, H: y2 - y1})
}

func (b *builder) rect(x, y, w, h float64, fill bool) {
	b.ops = append(b.ops, Op{Kind: OpRect, X: x, Y: y, W: w, H: h, Fill: fill})
}

func (b *builder) icon(x, y, w, h float64, code string) {
	b.ops = append(b.ops, Op{Kind: OpIcon, X: x, Y: y, W: w, H: h, Text: code, Size: Small})
}

// Layout computes the full-screen frame. It has no side effects.
func Layout(in Input) Frame {
	if in.Width <= 0 {
		in.Width = 880
	}
	if in.Height <= 0 {
		in.Height = 528
	}
	if in.Location == nil {
		in.Location = time.Local
	}
	if in.Labels.NoEvents == "" {
		in.Labels = NewLabels("en")
	}

	b := &builder{}
	split := float64(in.Width / 2)
	b.line(split, 0, split, float64(in.Height))

	layoutWeather(b, in, split)
	layoutCalendar(b, in, split)

	return Frame{Width: in.Width, Height: in.Height, Ops: b.ops}
}

func layoutWeather(b *builder, in Input, split float64) {
	h := float64(in.Height)
	now := in.Now.In(in.Location)
	l := in.Labels

	b.text(margin, headerY, l.Date(now), Medium, AlignLeft, Black)
	if in.Battery != nil {
		layoutBattery(b, *in.Battery, split-margin)
	}
	b.line(margin, headerRuleY, split-margin, headerRuleY)

	w := in.Weather
	if w == nil {
		b.text(split/2, h/2, l.NoWeather, Large, AlignCenter, Black)
		return
	}

	b.text(margin, 80, Truncate(w.Location), Medium, AlignLeft, Black)

	c := w.Current
	b.icon(margin, 95, 110, 110, c.Icon)
	b.text(150, 170, degrees(c.Temp), Huge, AlignLeft, Black)
	b.text(150, 200, Truncate(c.Description), Medium, AlignLeft, Black)

	details := []string{
		fmt.Sprintf("%s %s", l.FeelsLike, degrees(c.FeelsLike)),
		fmt.Sprintf("%s %d%%", l.Humidity, c.Humidity),
		fmt.Sprintf("%s %.1f m/s", l.Wind, c.WindSpeed),
		fmt.Sprintf("%s %.1f", l.UV, c.UVIndex),
		fmt.Sprintf("%s %d hPa", l.Pressure, c.Pressure),
	}
	for i, d := range details {
		b.text(margin, 240+float64(i)*24, d, Small, AlignLeft, Black)
	}

	layoutHourly(b, in, split)

	b.text(margin, h-12, l.Updated+" "+c.CapturedAt.In(in.Location).Format("15:04"), Small, AlignLeft, Black)
}

func layoutHourly(b *builder, in Input, split float64) {
	from := in.Now.Truncate(time.Hour)
	var pts []model.HourlyPoint
	for _, p := range in.Weather.Hourly {
		if p.Time.Before(from) {
			continue
		}
		pts = append(pts, p)
		if len(pts) == hourlyColumns {
			break
		}
	}
	if len(pts) == 0 {
		return
	}

	y0 := float64(in.Height) - 170
	b.line(margin, y0-10, split-margin, y0-10)
	colW := (split - 2*margin) / hourlyColumns
	for i, p := range pts {
		cx := margin + colW*(float64(i)+0.5)
		b.text(cx, y0+20, p.Time.In(in.Location).Format("15:00"), Small, AlignCenter, Black)
		b.icon(cx-22, y0+32, 44, 44, p.Icon)
		b.text(cx, y0+100, degrees(p.Temp), Medium, AlignCenter, Black)
		b.text(cx, y0+124, fmt.Sprintf("%d%%", p.PrecipPct), Small, AlignCenter, Black)
	}
}

func layoutBattery(b *builder, bat Battery, right float64) {
	pct := min(max(bat.Percent, 0), 100)
	label := fmt.Sprintf("%d%%", pct)
	if bat.Charging {
		label = "+" + label
	}
	b.text(right, headerY, label, Small, AlignRight, Black)

	// Gauge body, nub and fill.
	x, y := right-110, headerY-14.0
	b.rect(x, y, 36, 16, false)
	b.rect(x+36, y+4, 4, 8, true)
	if fill := 32 * float64(pct) / 100; fill > 0 {
		b.rect(x+2, y+2, fill, 12, true)
	}
}

func layoutCalendar(b *builder, in Input, split float64) {
	l := in.Labels
	x0 := split + margin
	right := float64(in.Width) - margin
	bottom := float64(in.Height) - footerMargin

	b.text(x0, headerY, l.Calendar, Medium, AlignLeft, Black)
	b.line(x0, headerRuleY, right, headerRuleY)

	if in.Calendar == nil || len(in.Calendar.Events) == 0 {
		b.text(x0, 130, l.NoEvents, Medium, AlignLeft, Black)
		return
	}

	now := in.Now.In(in.Location)
	events := in.Calendar.Events
	y := eventsTop
	shown := 0
	for i, ev := range events {
		h := eventH
		if ev.Location != "" {
			h += eventLocH
		}
		need := y + h
		if i < len(events)-1 {
			// Keep room for the overflow line.
			need += moreLineH
		}
		if need > bottom {
			break
		}

		ink := Black
		if in.TimeValid && sameDay(ev.Start.In(in.Location), now) {
			b.rect(split+10, y, right-split, h-6, true)
			ink = White
		}

		start := ev.Start.In(in.Location)
		when := l.AllDay
		if !ev.AllDay {
			when = start.Format("15:04") + " - " + ev.End.In(in.Location).Format("15:04")
		}
		b.text(x0, y+20, when, Small, AlignLeft, ink)
		b.text(right-10, y+20, l.ShortDate(start), Small, AlignRight, ink)
		b.text(x0, y+44, Truncate(ev.Title), Medium, AlignLeft, ink)
		if ev.Location != "" {
			b.text(x0, y+64, Truncate(ev.Location), Small, AlignLeft, ink)
		}

		y += h
		shown++
	}

	if shown < len(events) && y+moreLineH <= bottom {
		b.text(x0, y+16, l.MoreEvents, Small, AlignLeft, Black)
	}
}

// LayoutAuth is the device-code sign-in screen.
func LayoutAuth(uri, code string, l Labels, width, height int) Frame {
	if l.AuthTitle == "" {
		l = NewLabels("en")
	}
	b := &builder{}
	cx, cy := float64(width)/2, float64(height)/2

	b.text(cx, cy-100, l.AuthTitle, Large, AlignCenter, Black)
	b.text(cx, cy-40, l.AuthVisit, Medium, AlignCenter, Black)
	b.text(cx, cy-5, uri, Medium, AlignCenter, Black)
	b.text(cx, cy+40, l.AuthEnterCode, Medium, AlignCenter, Black)
	b.rect(cx-200, cy+60, 400, 90, false)
	b.text(cx, cy+130, code, Huge, AlignCenter, Black)

	return Frame{Width: width, Height: height, Ops: b.ops}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func degrees(v float64) string {
	r := math.Round(v)
	if r == 0 {
		r = 0 // no "-0"
	}
	return fmt.Sprintf("%d°", int(r))
}
