package render

import (
	"image"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomonobold"

	appLog "epdweather/internal/log"
)

var (
	fontOnce sync.Once
	fontTTF  *truetype.Font

	facesMu sync.Mutex
	faces   = map[FontSize]font.Face{}
)

func face(size FontSize) font.Face {
	fontOnce.Do(func() {
		f, err := truetype.Parse(gomonobold.TTF)
		if err != nil {
			appLog.Error("render: parse embedded font", err)
			return
		}
		fontTTF = f
	})
	if fontTTF == nil {
		return nil
	}

	facesMu.Lock()
	defer facesMu.Unlock()
	if f, ok := faces[size]; ok {
		return f
	}
	f := truetype.NewFace(fontTTF, &truetype.Options{Size: float64(size), Hinting: font.HintingFull})
	faces[size] = f
	return f
}

// Rasterize draws f onto a white RGBA canvas. Only pure black and white are
// used so the 1-bit conversion is lossless apart from glyph antialiasing.
func Rasterize(f Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	dc := gg.NewContextForRGBA(img)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetLineWidth(2)

	for _, op := range f.Ops {
		setInk(dc, op.Ink)
		switch op.Kind {
		case OpText:
			if ff := face(op.Size); ff != nil {
				dc.SetFontFace(ff)
			}
			dc.DrawStringAnchored(op.Text, op.X, op.Y, anchor(op.Align), 0)
		case OpLine:
			dc.DrawLine(op.X, op.Y, op.X+op.W, op.Y+op.H)
			dc.Stroke()
		case OpRect:
			dc.DrawRectangle(op.X, op.Y, op.W, op.H)
			if op.Fill {
				dc.Fill()
			} else {
				dc.Stroke()
			}
		case OpIcon:
			dc.DrawRoundedRectangle(op.X, op.Y, op.W, op.H, 6)
			dc.Stroke()
			if ff := face(op.Size); ff != nil {
				dc.SetFontFace(ff)
			}
			dc.DrawStringAnchored(op.Text, op.X+op.W/2, op.Y+op.H/2, 0.5, 0.35)
		}
	}
	return img
}

func setInk(dc *gg.Context, ink Ink) {
	if ink == White {
		dc.SetRGB(1, 1, 1)
		return
	}
	dc.SetRGB(0, 0, 0)
}

func anchor(a Align) float64 {
	switch a {
	case AlignCenter:
		return 0.5
	case AlignRight:
		return 1
	default:
		return 0
	}
}
