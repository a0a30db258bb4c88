package convert

import (
	"fmt"
	"image"
	"image/color"

	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// Panel geometry (7.5" HD, monochrome).
const (
	PanelWidth  = 880
	PanelHeight = 528
)

// PlaneSize is the byte length of one packed 1bpp plane.
func PlaneSize(w, h int) int {
	return (w + 7) / 8 * h
}

// Pack converts img into a single 1bpp plane for a w x h monochrome panel.
//
//   - Rows are y-major, MSB-first: byte = y*stride + x>>3, mask = 0x80>>(x&7).
//   - A set bit is white (paper), a cleared bit is black ink.
//   - Pixels with alpha < 128 count as white; the rest are thresholded with
//     image1bit.BitModel.
//   - img must be at least w x h; larger images are centre-cropped.
func Pack(img *image.RGBA, w, h int) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() < w || b.Dy() < h {
		return nil, fmt.Errorf("convert: expected at least %dx%d, got %dx%d", w, h, b.Dx(), b.Dy())
	}

	offX := (b.Dx() - w) / 2
	offY := (b.Dy() - h) / 2
	stride := (w + 7) / 8

	plane := make([]byte, stride*h)
	for i := range plane {
		plane[i] = 0xFF
	}

	for py := 0; py < h; py++ {
		row := (offY + py) * img.Stride
		for px := 0; px < w; px++ {
			i := row + (offX+px)*4
			c := color.RGBA{R: img.Pix[i], G: img.Pix[i+1], B: img.Pix[i+2], A: img.Pix[i+3]}
			if c.A < 128 {
				continue
			}
			if image1bit.BitModel.Convert(c).(image1bit.Bit) == image1bit.On {
				continue
			}
			plane[py*stride+px>>3] &^= byte(0x80 >> (px & 7))
		}
	}
	return plane, nil
}

// Unpack renders a packed plane back into an image, for previews of the
// raw dump.
func Unpack(plane []byte, w, h int) (*image.Gray, error) {
	stride := (w + 7) / 8
	if len(plane) != stride*h {
		return nil, fmt.Errorf("convert: plane is %d bytes, want %d", len(plane), stride*h)
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if plane[y*stride+x>>3]&(0x80>>(x&7)) != 0 {
				img.Pix[y*img.Stride+x] = 0xFF
			}
		}
	}
	return img, nil
}
