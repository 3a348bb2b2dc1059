package buffer

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

const patternMargin = 20

var barColors = [...]uint32{
	0xffffff,
	0xff0000,
	0xffffff,
	0x00ff00,
	0xffffff,
	0x0000ff,
	0xffffff,
	0xaaaaaa,
	0xffffff,
	0x777777,
	0xffffff,
	0x333333,
	0xffffff,
}

func fill(m *XRGB, r image.Rectangle, c uint32) {
	u := image.NewUniform(color.RGBA{R: uint8(c >> 16), G: uint8(c >> 8), B: uint8(c), A: 0xff})
	draw.Draw(m, r.Intersect(m.Bounds()), u, image.Point{}, draw.Src)
}

// Clear zeroes every pixel.
func Clear(b *Buffer) {
	clear(b.Pix)
}

// TestPattern draws the alignment pattern: white margin lines 20 pixels in
// from each edge, blue bars left and top, red bars right and bottom, white
// diagonals and an RGB gradient inside. Buffers too small for the margins get
// a one pixel white border instead.
func TestPattern(b *Buffer) {
	m := b.Image()
	w, h := b.Width, b.Height

	xm1, xm2 := patternMargin, w-patternMargin-1
	ym1, ym2 := patternMargin, h-patternMargin-1

	Clear(b)

	if xm2-xm1 < 2 || ym2-ym1 < 2 {
		white := RGB(255, 255, 255)
		for x := 0; x < w; x++ {
			m.SetPixel(x, 0, white)
			m.SetPixel(x, h-1, white)
		}
		for y := 0; y < h; y++ {
			m.SetPixel(0, y, white)
			m.SetPixel(w-1, y, white)
		}
		return
	}

	blue, red, white := RGB(0, 0, 255), RGB(255, 0, 0), RGB(255, 255, 255)

	fill(m, image.Rect(0, ym1+1, xm1, ym2), blue)
	fill(m, image.Rect(xm1+1, 0, xm2, ym1), blue)
	fill(m, image.Rect(xm2+1, ym1+1, w, ym2), red)
	fill(m, image.Rect(xm1+1, ym2+1, xm2, h), red)

	for y := ym1 + 1; y < ym2; y++ {
		c := uint8((y - ym1 - 1) % 256)
		for x := xm1 + 1; x < xm2; x++ {
			if x == y || w-x == h-y || w-x == y || x == h-y {
				m.SetPixel(x, y, white)
				continue
			}
			switch (x - xm1 - 1) * 3 / (xm2 - xm1 - 1) {
			case 0:
				m.SetPixel(x, y, RGB(c, 0, 0))
			case 1:
				m.SetPixel(x, y, RGB(0, c, 0))
			default:
				m.SetPixel(x, y, RGB(0, 0, c))
			}
		}
	}

	// corner box outlines
	for y := 0; y < h; y++ {
		if y < ym1 || y > ym2 {
			m.SetPixel(0, y, white)
			m.SetPixel(w-1, y, white)
		}
	}
	for x := 0; x < w; x++ {
		if x < xm1 || x > xm2 {
			m.SetPixel(x, 0, white)
			m.SetPixel(x, h-1, white)
		}
	}

	fill(m, image.Rect(0, ym1, w, ym1+1), white)
	fill(m, image.Rect(0, ym2, w, ym2+1), white)
	fill(m, image.Rect(xm1, 0, xm1+1, h), white)
	fill(m, image.Rect(xm2, 0, xm2+1, h), white)
}

// ColorBar clears b and draws a vertical bar of the given width at xpos. The
// bar is striped top to bottom with the bar palette. The bar is clipped to
// the buffer.
func ColorBar(b *Buffer, xpos, width int) {
	m := b.Image()
	Clear(b)

	x0, x1 := max(xpos, 0), min(xpos+width, b.Width)
	if x0 >= x1 {
		return
	}
	for y := 0; y < b.Height; y++ {
		c := barColors[y*len(barColors)/b.Height]
		for x := x0; x < x1; x++ {
			m.SetPixel(x, y, c)
		}
	}
}
