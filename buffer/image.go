package buffer

import (
	"encoding/binary"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// XRGB is a draw.Image view over an XRGB8888 buffer.
type XRGB struct {
	b *Buffer
}

var _ draw.Image = (*XRGB)(nil)

// Image returns a drawable view of b. b must be XRGB8888.
func (b *Buffer) Image() *XRGB { return &XRGB{b: b} }

func (m *XRGB) ColorModel() color.Model { return color.RGBAModel }

func (m *XRGB) Bounds() image.Rectangle { return image.Rect(0, 0, m.b.Width, m.b.Height) }

func (m *XRGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return color.RGBA{}
	}
	p := m.PixelAt(x, y)
	return color.RGBA{R: uint8(p >> 16), G: uint8(p >> 8), B: uint8(p), A: 0xff}
}

func (m *XRGB) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return
	}
	r, g, b, _ := c.RGBA()
	m.SetPixel(x, y, RGB(uint8(r>>8), uint8(g>>8), uint8(b>>8)))
}

// PixelAt returns the raw 0x00RRGGBB value at x, y. No bounds check.
func (m *XRGB) PixelAt(x, y int) uint32 {
	off := y*m.b.Stride + x*4
	return binary.LittleEndian.Uint32(m.b.Pix[off:])
}

// SetPixel stores a raw 0x00RRGGBB value at x, y. No bounds check.
func (m *XRGB) SetPixel(x, y int, p uint32) {
	off := y*m.b.Stride + x*4
	binary.LittleEndian.PutUint32(m.b.Pix[off:], p)
}

// RGB packs a colour as 0x00RRGGBB.
func RGB(r, g, b uint8) uint32 {
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}
