package convert

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack_BitOrderAndPolarity(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 2))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	img.Set(0, 0, color.Black)
	img.Set(9, 1, color.Black)
	// Transparent black reads as paper.
	img.Set(3, 0, color.RGBA{})

	plane, err := Pack(img, 16, 2)
	require.NoError(t, err)
	require.Len(t, plane, PlaneSize(16, 2))

	assert.Equal(t, []byte{0x7F, 0xFF, 0xFF, 0xBF}, plane)
}

func TestPack_Threshold(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 1))
	for x := 0; x < 8; x++ {
		v := uint8(x * 36) // 0 .. 252
		img.Set(x, 0, color.RGBA{R: v, G: v, B: v, A: 0xFF})
	}

	plane, err := Pack(img, 8, 1)
	require.NoError(t, err)
	// Dark half is ink, bright half is paper.
	assert.Equal(t, byte(0x0F), plane[0])
}

func TestPack_CentreCropAndSizeCheck(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 4))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	img.Set(1, 1, color.Black) // crop origin is (1,1)

	plane, err := Pack(img, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7F, 0xFF}, plane)

	_, err = Pack(img, 16, 2)
	assert.Error(t, err)
}

func TestUnpack_RoundTrip(t *testing.T) {
	plane := []byte{0x7F, 0xFE}
	img, err := Unpack(plane, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0xFF), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(7, 1).Y)

	_, err = Unpack(plane, 16, 2)
	assert.Error(t, err)
}

func TestPlaneSize(t *testing.T) {
	assert.Equal(t, 110*528, PlaneSize(PanelWidth, PanelHeight))
	assert.Equal(t, 2, PlaneSize(9, 1))
}
