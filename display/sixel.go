package display

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-sixel"
	"golang.org/x/image/draw"
	"golang.org/x/term"

	"framepipe/buffer"
	"framepipe/debug"
)

const (
	SIXEL_BAND_HEIGHT = 6 // Sixel encodes 6 pixels vertically

	// Fallback character cell size when the terminal cannot be asked
	defaultCharWidth  = 8
	defaultCharHeight = 16
)

// Pre-allocated CRC32 table for fast hashing
var crcTable = crc32.MakeTable(crc32.IEEE)

// bandHashes remembers the CRC32 of every 6 pixel band of the last drawn frame
type bandHashes struct {
	width, height int
	hashes        []uint32
}

func newBandHashes(width, height int) *bandHashes {
	n := (height + SIXEL_BAND_HEIGHT - 1) / SIXEL_BAND_HEIGHT
	return &bandHashes{width: width, height: height, hashes: make([]uint32, n)}
}

// hashBand computes a CRC32 of the rows [y, y+height) of img
func hashBand(img *image.RGBA, y, height int) uint32 {
	var crc uint32
	maxY := img.Bounds().Dy()
	w := img.Bounds().Dx()
	for row := y; row < y+height && row < maxY; row++ {
		start := img.PixOffset(0, row)
		crc = crc32.Update(crc, crcTable, img.Pix[start:start+w*4])
	}
	return crc
}

// update stores the hashes of img and returns how many bands changed
func (bh *bandHashes) update(img *image.RGBA) int {
	dirty := 0
	for i := range bh.hashes {
		h := hashBand(img, i*SIXEL_BAND_HEIGHT, SIXEL_BAND_HEIGHT)
		if h != bh.hashes[i] {
			bh.hashes[i] = h
			dirty++
		}
	}
	return dirty
}

// SixelPresenter previews one output in the terminal as sixel graphics.
// Frames arriving faster than the interval are skipped, and so are frames
// whose scaled image did not change since the last draw.
type SixelPresenter struct {
	out      io.Writer
	outputID int
	interval time.Duration

	mu       sync.Mutex
	width    int // target pixels, 0 = fit the terminal
	height   int
	scaled   *image.RGBA
	bands    *bandHashes
	buf      bytes.Buffer
	lastDraw time.Time
	drawn    uint64
	skipped  uint64
}

type SixelOption func(*SixelPresenter)

// SixelSize fixes the preview size in pixels instead of fitting the terminal.
func SixelSize(width, height int) SixelOption {
	return func(p *SixelPresenter) { p.width, p.height = width, height }
}

// SixelInterval sets the minimum time between two draws.
func SixelInterval(d time.Duration) SixelOption {
	return func(p *SixelPresenter) { p.interval = d }
}

func NewSixelPresenter(out io.Writer, outputID int, opts ...SixelOption) *SixelPresenter {
	p := &SixelPresenter{
		out:      out,
		outputID: outputID,
		interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns how many frames were drawn and skipped.
func (p *SixelPresenter) Stats() (drawn, skipped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drawn, p.skipped
}

func (p *SixelPresenter) Present(outputID int, b *buffer.Buffer) error {
	if outputID != p.outputID {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.lastDraw.IsZero() && now.Sub(p.lastDraw) < p.interval {
		p.skipped++
		return nil
	}

	tw, th := p.target()
	w, h := fit(b.Width, b.Height, tw, th)
	if w == 0 || h == 0 {
		p.skipped++
		return nil
	}

	if p.scaled == nil || p.scaled.Bounds().Dx() != w || p.scaled.Bounds().Dy() != h {
		p.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
		p.bands = newBandHashes(w, h)
		debug.Debug(fmt.Sprintf("sixel: output %d scaled to %dx%d", outputID, w, h), debug.DEBUG)
	}
	src := b.Image()
	draw.ApproxBiLinear.Scale(p.scaled, p.scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	if p.bands.update(p.scaled) == 0 && p.drawn > 0 {
		p.skipped++
		return nil
	}

	p.buf.Reset()
	// home, save cursor
	p.buf.WriteString("\033[H\033[s")
	enc := sixel.NewEncoder(&p.buf)
	enc.Dither = false
	enc.Width = w
	enc.Height = h
	if err := enc.Encode(p.scaled); err != nil {
		return fmt.Errorf("sixel encoding error: %w", err)
	}
	p.buf.WriteString("\033[u")

	if _, err := p.out.Write(p.buf.Bytes()); err != nil {
		return err
	}
	p.lastDraw = now
	p.drawn++
	return nil
}

// target returns the preview area in pixels
func (p *SixelPresenter) target() (int, int) {
	if p.width > 0 && p.height > 0 {
		return p.width, p.height
	}
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols == 0 || rows < 2 {
		cols, rows = 80, 24
	}
	return cols * defaultCharWidth, (rows - 1) * defaultCharHeight
}

// fit scales srcW x srcH to fit inside maxW x maxH keeping the aspect ratio
func fit(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 || maxW <= 0 || maxH <= 0 {
		return 0, 0
	}
	scale := min(float64(maxW)/float64(srcW), float64(maxH)/float64(srcH))
	return int(float64(srcW) * scale), int(float64(srcH) * scale)
}
