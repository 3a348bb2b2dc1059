package display

import (
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/image/draw"

	"framepipe/buffer"
)

// HalfBlockPresenter previews one output on a tcell screen, two pixels per
// character cell using the upper half block. It works on terminals without
// sixel support.
type HalfBlockPresenter struct {
	screen   tcell.Screen
	outputID int
	interval time.Duration

	mu       sync.Mutex
	scaled   *image.RGBA
	lastDraw time.Time
	drawn    uint64
}

func NewHalfBlockPresenter(s tcell.Screen, outputID int, interval time.Duration) *HalfBlockPresenter {
	return &HalfBlockPresenter{screen: s, outputID: outputID, interval: interval}
}

// Drawn returns how many frames reached the screen.
func (p *HalfBlockPresenter) Drawn() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drawn
}

func (p *HalfBlockPresenter) Present(outputID int, b *buffer.Buffer) error {
	if outputID != p.outputID {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.lastDraw.IsZero() && now.Sub(p.lastDraw) < p.interval {
		return nil
	}

	termWidth, termHeight := p.screen.Size()
	// last row is left for the status line, half blocks double the height
	w, h := fit(b.Width, b.Height, termWidth, (termHeight-1)*2)
	if w == 0 || h < 2 {
		return nil
	}
	if p.scaled == nil || p.scaled.Bounds().Dx() != w || p.scaled.Bounds().Dy() != h {
		p.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	src := b.Image()
	draw.BiLinear.Scale(p.scaled, p.scaled.Bounds(), src, src.Bounds(), draw.Src, nil)
	enhanced := enhanceEdges(p.scaled)

	xOffset := (termWidth - w) / 2
	for y := 0; y+1 < h; y += 2 {
		for x := 0; x < w; x++ {
			top := enhanced.RGBAAt(x, y)
			bottom := enhanced.RGBAAt(x, y+1)

			style := tcell.StyleDefault
			diff := math.Abs(float64(colorIntensity(top)) - float64(colorIntensity(bottom)))
			if diff > 128 {
				style = style.Foreground(enhanceColor(top)).Background(enhanceColor(bottom))
			} else {
				style = style.Foreground(tcellColor(top)).Background(tcellColor(bottom))
			}
			p.screen.SetContent(xOffset+x, y/2, '▀', nil, style)
		}
	}
	p.screen.Show()

	p.lastDraw = now
	p.drawn++
	return nil
}

// enhanceEdges brightens pixels in proportion to their Sobel gradient.
// The outermost rows and columns are copied unchanged.
func enhanceEdges(img *image.RGBA) *image.RGBA {
	bounds := img.Bounds()
	enhanced := image.NewRGBA(bounds)
	copy(enhanced.Pix, img.Pix)

	kernelX := [9]float64{
		-1, 0, 1,
		-2, 0, 2,
		-1, 0, 1,
	}
	kernelY := [9]float64{
		-1, -2, -1,
		0, 0, 0,
		1, 2, 1,
	}

	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			var gradX, gradY float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					intensity := float64(colorIntensity(img.RGBAAt(x+kx, y+ky)))
					idx := (ky+1)*3 + (kx + 1)
					gradX += intensity * kernelX[idx]
					gradY += intensity * kernelY[idx]
				}
			}

			factor := math.Min(1.0+math.Sqrt(gradX*gradX+gradY*gradY)/255.0, 2.0)
			c := img.RGBAAt(x, y)
			enhanced.SetRGBA(x, y, color.RGBA{
				R: uint8(math.Min(float64(c.R)*factor, 255)),
				G: uint8(math.Min(float64(c.G)*factor, 255)),
				B: uint8(math.Min(float64(c.B)*factor, 255)),
				A: c.A,
			})
		}
	}
	return enhanced
}

// colorIntensity is the perceived brightness of c
func colorIntensity(c color.RGBA) uint8 {
	return uint8(float64(c.R)*0.299 + float64(c.G)*0.587 + float64(c.B)*0.114)
}

func enhanceColor(c color.RGBA) tcell.Color {
	const contrast = 1.2
	r := uint8(math.Min(float64(c.R)*contrast, 255))
	g := uint8(math.Min(float64(c.G)*contrast, 255))
	b := uint8(math.Min(float64(c.B)*contrast, 255))
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}

func tcellColor(c color.RGBA) tcell.Color {
	return tcell.NewRGBColor(int32(c.R), int32(c.G), int32(c.B))
}
