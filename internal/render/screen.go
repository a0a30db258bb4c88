package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fogleman/gg"

	"epdweather/internal/battery"
	"epdweather/internal/convert"
	"epdweather/internal/epd"
	appLog "epdweather/internal/log"
	"epdweather/internal/model"
)

// ScreenConfig configures a Screen.
type ScreenConfig struct {
	Width    int
	Height   int
	Location *time.Location
	Labels   Labels

	// PreviewPath, if set, receives a PNG of every frame.
	PreviewPath string
	// DumpPath, if set, receives the packed 1bpp plane of every frame.
	DumpPath string

	// Battery is optional; without it the header has no battery gauge.
	Battery battery.Reader
	// Now is the display clock; nil means time.Now.
	Now func() time.Time
	// ClockValid reports whether the wall clock was synced. Nil means valid.
	ClockValid func() bool
}

// Screen renders frames and pushes them to a panel.
type Screen struct {
	cfg   ScreenConfig
	panel epd.Panel
	now   func() time.Time

	mu      sync.RWMutex
	preview []byte
	drawnAt time.Time
}

func NewScreen(panel epd.Panel, cfg ScreenConfig) *Screen {
	if cfg.Width <= 0 {
		cfg.Width = convert.PanelWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = convert.PanelHeight
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Labels.NoEvents == "" {
		cfg.Labels = NewLabels("en")
	}
	if panel == nil {
		panel = epd.NopPanel{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Screen{cfg: cfg, panel: panel, now: now}
}

// Render draws one full frame from the given snapshots; either may be nil.
func (s *Screen) Render(ctx context.Context, w *model.WeatherSnapshot, c *model.CalendarSnapshot) error {
	in := Input{
		Weather:   w,
		Calendar:  c,
		Now:       s.now(),
		TimeValid: s.cfg.ClockValid == nil || s.cfg.ClockValid(),
		Location:  s.cfg.Location,
		Labels:    s.cfg.Labels,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
	}
	if s.cfg.Battery != nil {
		st, err := s.cfg.Battery.Read(ctx)
		if err != nil {
			appLog.Warn("render: battery read failed", "err", err)
		} else {
			in.Battery = &Battery{Percent: st.Percent, Charging: st.Charging}
		}
	}

	appLog.Debug("render: frame",
		"weather", w != nil,
		"events", eventCount(c),
		"time_valid", in.TimeValid,
	)
	return s.show(ctx, Layout(in))
}

// ShowDeviceCode draws the sign-in screen. It satisfies auth.Prompter.
func (s *Screen) ShowDeviceCode(ctx context.Context, verificationURI, userCode string) error {
	appLog.Info("calendar sign-in required", "url", verificationURI, "code", userCode)
	return s.show(ctx, LayoutAuth(verificationURI, userCode, s.cfg.Labels, s.cfg.Width, s.cfg.Height))
}

func (s *Screen) show(ctx context.Context, f Frame) error {
	img := Rasterize(f)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("render: encode preview: %w", err)
	}
	s.mu.Lock()
	s.preview = buf.Bytes()
	s.drawnAt = s.now()
	s.mu.Unlock()

	if s.cfg.PreviewPath != "" {
		if err := savePreview(s.cfg.PreviewPath, img); err != nil {
			appLog.Warn("render: save preview failed", "path", s.cfg.PreviewPath, "err", err)
		}
	}

	plane, err := convert.Pack(img, s.cfg.Width, s.cfg.Height)
	if err != nil {
		return err
	}
	if s.cfg.DumpPath != "" {
		if err := (epd.FilePanel{Path: s.cfg.DumpPath}).Display(ctx, plane); err != nil {
			appLog.Warn("render: dump plane failed", "path", s.cfg.DumpPath, "err", err)
		}
	}

	if err := s.panel.Display(ctx, plane); err != nil {
		return fmt.Errorf("render: display: %w", err)
	}
	if err := s.panel.Sleep(ctx); err != nil {
		return fmt.Errorf("render: panel sleep: %w", err)
	}
	return nil
}

// Preview returns the PNG of the last frame and when it was drawn, or nil.
func (s *Screen) Preview() ([]byte, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preview, s.drawnAt
}

func savePreview(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := gg.SavePNG(tmp, img); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func eventCount(c *model.CalendarSnapshot) int {
	if c == nil {
		return 0
	}
	return len(c.Events)
}
