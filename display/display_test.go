package display

import (
	"bytes"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"framepipe/buffer"
)

func heapBuffer(w, h int) *buffer.Buffer {
	return &buffer.Buffer{Width: w, Height: h, Stride: w * 4, Format: buffer.XRGB8888, Pix: make([]byte, w*h*4), Handle: -1}
}

func newVirtual(t *testing.T, opts ...VirtualOption) *Virtual {
	t.Helper()
	v, err := NewVirtual([]Output{
		{ID: 0, Name: "virtual-0", Width: 64, Height: 32, RefreshHz: 500},
		{ID: 1, Name: "virtual-1", Width: 32, Height: 16, RefreshHz: 500},
	}, opts...)
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func waitEvent(t *testing.T, v *Virtual) Event {
	t.Helper()
	select {
	case ev := <-v.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}
	return Event{}
}

func TestNewVirtualRejectsBadModes(t *testing.T) {
	tests := [][]Output{
		{{ID: 0, Width: 0, Height: 10, RefreshHz: 60}},
		{{ID: 0, Width: 10, Height: 10, RefreshHz: 0}},
		{{ID: 0, Width: 10, Height: 10, RefreshHz: 60}, {ID: 0, Width: 10, Height: 10, RefreshHz: 60}},
	}
	for _, outs := range tests {
		if v, err := NewVirtual(outs); err == nil {
			v.Close()
			t.Errorf("NewVirtual(%+v) succeeded", outs)
		}
	}
}

func TestVirtualSubmitCompletes(t *testing.T) {
	v := newVirtual(t)
	fb, err := v.AddFramebuffer(heapBuffer(64, 32))
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Submit(0, fb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ev := waitEvent(t, v)
	if ev.OutputID != 0 || ev.Err != nil || ev.Sequence == 0 {
		t.Fatalf("event = %+v", ev)
	}

	// one event per submission
	select {
	case ev := <-v.Events():
		t.Fatalf("extra event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	if err := v.Submit(0, fb); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if ev2 := waitEvent(t, v); ev2.Sequence <= ev.Sequence {
		t.Fatalf("sequence did not advance: %d then %d", ev.Sequence, ev2.Sequence)
	}
}

func TestVirtualBusy(t *testing.T) {
	v := newVirtual(t)
	fb, _ := v.AddFramebuffer(heapBuffer(64, 32))

	v.mu.Lock()
	v.pending[0] = fb
	v.mu.Unlock()

	if err := v.Submit(0, fb); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit while pending = %v, want ErrBusy", err)
	}
	if err := v.RemoveFramebuffer(fb); !errors.Is(err, ErrBusy) {
		t.Fatalf("RemoveFramebuffer while pending = %v, want ErrBusy", err)
	}
	waitEvent(t, v)
	if err := v.RemoveFramebuffer(fb); err != nil {
		t.Fatalf("RemoveFramebuffer after flip: %v", err)
	}
}

func TestVirtualErrors(t *testing.T) {
	v := newVirtual(t)
	fb, _ := v.AddFramebuffer(heapBuffer(8, 8))

	if err := v.Submit(7, fb); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("Submit to unknown output = %v", err)
	}
	if err := v.Submit(0, fb+100); !errors.Is(err, ErrUnknownFB) {
		t.Errorf("Submit unknown fb = %v", err)
	}
	if err := v.RemoveFramebuffer(fb + 100); !errors.Is(err, ErrUnknownFB) {
		t.Errorf("RemoveFramebuffer unknown fb = %v", err)
	}

	v.Close()
	if err := v.Submit(0, fb); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v", err)
	}
	if _, err := v.AddFramebuffer(heapBuffer(8, 8)); !errors.Is(err, ErrClosed) {
		t.Errorf("AddFramebuffer after Close = %v", err)
	}
}

type recordingPresenter struct {
	mu  sync.Mutex
	ids []int
}

func (p *recordingPresenter) Present(outputID int, b *buffer.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, outputID)
	return nil
}

func TestVirtualPresentsBeforeEvent(t *testing.T) {
	p := &recordingPresenter{}
	v := newVirtual(t, WithPresenter(p))

	fb, _ := v.AddFramebuffer(heapBuffer(32, 16))
	if err := v.Submit(1, fb); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, v)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) != 1 || p.ids[0] != 1 {
		t.Fatalf("presented %v, want [1]", p.ids)
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		sw, sh, mw, mh int
		w, h           int
	}{
		{1920, 1080, 640, 480, 640, 360},
		{1080, 1920, 640, 480, 270, 480},
		{100, 100, 0, 10, 0, 0},
	}
	for _, tt := range tests {
		w, h := fit(tt.sw, tt.sh, tt.mw, tt.mh)
		if w != tt.w || h != tt.h {
			t.Errorf("fit(%d,%d,%d,%d) = %d,%d want %d,%d", tt.sw, tt.sh, tt.mw, tt.mh, w, h, tt.w, tt.h)
		}
	}
}

func TestBandHashesDetectChanges(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 14))
	bh := newBandHashes(10, 14)
	if len(bh.hashes) != 3 {
		t.Fatalf("bands = %d, want 3", len(bh.hashes))
	}

	img.Pix[0] = 1
	bh.update(img)
	if n := bh.update(img); n != 0 {
		t.Fatalf("unchanged frame has %d dirty bands", n)
	}
	// row 13 is in the last, short band
	img.Pix[img.PixOffset(3, 13)] = 0xff
	if n := bh.update(img); n != 1 {
		t.Fatalf("dirty = %d, want 1", n)
	}
}

func TestSixelPresenter(t *testing.T) {
	var out bytes.Buffer
	p := NewSixelPresenter(&out, 0, SixelSize(32, 24), SixelInterval(0))

	b := heapBuffer(64, 48)
	buffer.TestPattern(b)

	if err := p.Present(1, b); err != nil || out.Len() != 0 {
		t.Fatalf("other output drew %d bytes, err %v", out.Len(), err)
	}

	if err := p.Present(0, b); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("\x1bP")) {
		t.Fatalf("no sixel introducer in %q", out.String())
	}

	n := out.Len()
	if err := p.Present(0, b); err != nil {
		t.Fatal(err)
	}
	if out.Len() != n {
		t.Fatal("unchanged frame was redrawn")
	}

	buffer.ColorBar(b, 0, 40)
	if err := p.Present(0, b); err != nil {
		t.Fatal(err)
	}
	if out.Len() == n {
		t.Fatal("changed frame was not drawn")
	}

	drawn, skipped := p.Stats()
	if drawn != 2 || skipped != 1 {
		t.Fatalf("drawn %d skipped %d, want 2 and 1", drawn, skipped)
	}
}

func TestSixelPresenterInterval(t *testing.T) {
	var out bytes.Buffer
	p := NewSixelPresenter(&out, 0, SixelSize(16, 16), SixelInterval(time.Hour))
	b := heapBuffer(16, 16)

	p.Present(0, b)
	buffer.TestPattern(b)
	p.Present(0, b)

	if drawn, skipped := p.Stats(); drawn != 1 || skipped != 1 {
		t.Fatalf("drawn %d skipped %d", drawn, skipped)
	}
}

func TestHalfBlockPresenter(t *testing.T) {
	s := tcell.NewSimulationScreen("")
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Fini()
	s.SetSize(40, 11)

	b := heapBuffer(64, 32)
	img := b.Image()
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.SetPixel(x, y, buffer.RGB(255, 0, 0))
		}
	}

	p := NewHalfBlockPresenter(s, 0, 0)
	if err := p.Present(1, b); err != nil || p.Drawn() != 0 {
		t.Fatalf("other output drawn: %v, %d", err, p.Drawn())
	}
	if err := p.Present(0, b); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if p.Drawn() != 1 {
		t.Fatalf("Drawn = %d", p.Drawn())
	}

	r, _, style, _ := s.GetContent(20, 5)
	if r != '▀' {
		t.Fatalf("cell = %q, want upper half block", r)
	}
	fg, bg, _ := style.Decompose()
	for _, c := range []tcell.Color{fg, bg} {
		red, green, blue := c.RGB()
		if red < 200 || green > 50 || blue > 50 {
			t.Errorf("color = %d,%d,%d, want red", red, green, blue)
		}
	}
	// status line stays free
	if r, _, _, _ := s.GetContent(20, 10); r == '▀' {
		t.Error("preview drew over the last row")
	}
}

func TestEnhanceEdges(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	// a bright column creates a gradient on its neighbours
	for y := 0; y < 6; y++ {
		img.Pix[img.PixOffset(3, y)] = 250
	}

	out := enhanceEdges(img)
	if got := out.RGBAAt(0, 0); got != img.RGBAAt(0, 0) {
		t.Errorf("border changed: %v", got)
	}
	if got := out.RGBAAt(1, 2).R; got != 100 {
		t.Errorf("flat area changed: R = %d", got)
	}
	if got := out.RGBAAt(2, 2).R; got <= 100 {
		t.Errorf("edge not enhanced: R = %d", got)
	}
}
