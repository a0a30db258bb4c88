package render

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdweather/internal/battery"
	"epdweather/internal/convert"
	"epdweather/internal/model"
)

type fakePanel struct {
	planes [][]byte
	sleeps int
	err    error
}

func (p *fakePanel) Display(_ context.Context, plane []byte) error {
	if p.err != nil {
		return p.err
	}
	p.planes = append(p.planes, plane)
	return nil
}

func (p *fakePanel) Sleep(context.Context) error { p.sleeps++; return nil }
func (p *fakePanel) Close() error                { return nil }

func TestScreen_RenderPushesFrame(t *testing.T) {
	dir := t.TempDir()
	panel := &fakePanel{}
	s := NewScreen(panel, ScreenConfig{
		Location:    time.UTC,
		PreviewPath: filepath.Join(dir, "preview.png"),
		DumpPath:    filepath.Join(dir, "plane.bin"),
		Battery:     battery.Fixed{Percent: 80},
	})
	s.now = func() time.Time { return testNow }

	cal := model.NewCalendarSnapshot(events(2, testNow.Add(time.Hour)), testNow, time.UTC)
	require.NoError(t, s.Render(context.Background(), nil, cal))

	require.Len(t, panel.planes, 1)
	assert.Len(t, panel.planes[0], convert.PlaneSize(convert.PanelWidth, convert.PanelHeight))
	assert.Equal(t, 1, panel.sleeps)

	// Not a blank screen: some ink was drawn.
	inked := false
	for _, b := range panel.planes[0] {
		if b != 0xFF {
			inked = true
			break
		}
	}
	assert.True(t, inked)

	preview, at := s.Preview()
	assert.Equal(t, testNow, at)
	img, err := png.Decode(bytes.NewReader(preview))
	require.NoError(t, err)
	assert.Equal(t, convert.PanelWidth, img.Bounds().Dx())

	_, err = os.Stat(filepath.Join(dir, "preview.png"))
	assert.NoError(t, err)
	dumped, err := os.ReadFile(filepath.Join(dir, "plane.bin"))
	require.NoError(t, err)
	assert.Equal(t, panel.planes[0], dumped)
}

func TestScreen_DisplayError(t *testing.T) {
	panel := &fakePanel{err: errors.New("spi gone")}
	s := NewScreen(panel, ScreenConfig{})

	err := s.Render(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spi gone")
	assert.Zero(t, panel.sleeps)
}

func TestScreen_ShowDeviceCode(t *testing.T) {
	panel := &fakePanel{}
	s := NewScreen(panel, ScreenConfig{})

	require.NoError(t, s.ShowDeviceCode(context.Background(), "https://microsoft.com/devicelogin", "XY12"))
	assert.Len(t, panel.planes, 1)
	preview, _ := s.Preview()
	assert.NotEmpty(t, preview)
}
