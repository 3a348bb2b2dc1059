package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"framepipe/buffer"
	"framepipe/control"
	"framepipe/display"
)

// fakeDisplay completes flips only when the test says so.
type fakeDisplay struct {
	mu        sync.Mutex
	outputs   []display.Output
	fbs       map[display.FB]*buffer.Buffer
	next      display.FB
	pending   map[int]display.FB
	submitted map[int][]int // bar position of every submitted frame
	removed   int
	submitErr error
	events    chan display.Event
}

func newFakeDisplay(outputs ...display.Output) *fakeDisplay {
	return &fakeDisplay{
		outputs:   outputs,
		fbs:       make(map[display.FB]*buffer.Buffer),
		next:      1,
		pending:   make(map[int]display.FB),
		submitted: make(map[int][]int),
		events:    make(chan display.Event, 64),
	}
}

func (d *fakeDisplay) Outputs() []display.Output { return d.outputs }

func (d *fakeDisplay) AddFramebuffer(b *buffer.Buffer) (display.FB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb := d.next
	d.next++
	d.fbs[fb] = b
	return fb, nil
}

func (d *fakeDisplay) RemoveFramebuffer(fb display.FB) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fbs[fb]; !ok {
		return display.ErrUnknownFB
	}
	for _, p := range d.pending {
		if p == fb {
			return display.ErrBusy
		}
	}
	delete(d.fbs, fb)
	d.removed++
	return nil
}

func (d *fakeDisplay) Submit(outputID int, fb display.FB) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	if _, busy := d.pending[outputID]; busy {
		return display.ErrBusy
	}
	d.pending[outputID] = fb
	d.submitted[outputID] = append(d.submitted[outputID], barPos(d.fbs[fb]))
	return nil
}

func (d *fakeDisplay) Events() <-chan display.Event { return d.events }

func (d *fakeDisplay) Close() error { return nil }

// flip completes the pending flip of outputID and returns its event.
func (d *fakeDisplay) flip(t *testing.T, outputID int) display.Event {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[outputID]; !ok {
		t.Fatalf("output %d: no pending flip", outputID)
	}
	delete(d.pending, outputID)
	return display.Event{OutputID: outputID, Time: time.Now()}
}

// flipAsync completes the pending flip through the event channel.
func (d *fakeDisplay) flipAsync(t *testing.T, outputID int) {
	t.Helper()
	d.events <- d.flip(t, outputID)
}

func (d *fakeDisplay) submissions(outputID int) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.submitted[outputID]...)
}

// barPos returns the left edge of the colour bar, the first lit pixel of
// row 0, or -1 for a black row.
func barPos(b *buffer.Buffer) int {
	m := b.Image()
	for x := 0; x < b.Width; x++ {
		if m.PixelAt(x, 0) != 0 {
			return x
		}
	}
	return -1
}

func (d *fakeDisplay) isPending(outputID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[outputID]
	return ok
}

func (d *fakeDisplay) liveFramebuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fbs)
}

// loopback hands the producer's handles straight to the consumer.
type loopback struct {
	c     *Consumer
	order []int
}

func (l *loopback) Send(outputID, handle int) error {
	l.order = append(l.order, outputID)
	return l.c.HandleFrame(outputID, handle)
}

// countingAllocator tracks live buffers of a memfd allocator.
type countingAllocator struct {
	*buffer.MemfdAllocator
	mu   sync.Mutex
	live int
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{MemfdAllocator: buffer.NewMemfdAllocator("pipeline-test")}
}

func (a *countingAllocator) Allocate(w, h int, f buffer.Format) (*buffer.Buffer, error) {
	b, err := a.MemfdAllocator.Allocate(w, h, f)
	if err == nil {
		a.add(1)
	}
	return b, err
}

func (a *countingAllocator) Import(handle, w, h int, f buffer.Format) (*buffer.Buffer, error) {
	b, err := a.MemfdAllocator.Import(handle, w, h, f)
	if err == nil {
		a.add(1)
	}
	return b, err
}

func (a *countingAllocator) Release(b *buffer.Buffer) error {
	a.add(-1)
	return a.MemfdAllocator.Release(b)
}

func (a *countingAllocator) add(n int) {
	a.mu.Lock()
	a.live += n
	a.mu.Unlock()
}

func (a *countingAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func newBlock(t *testing.T) *control.Block {
	t.Helper()
	b, err := control.Create(filepath.Join(t.TempDir(), "framepipe"))
	if err != nil {
		t.Fatalf("control.Create: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func testOutput(id int) display.Output {
	return display.Output{ID: id, Name: fmt.Sprintf("fake-%d", id), Width: 64, Height: 32, RefreshHz: 60}
}

func credit(t *testing.T, b *control.Block, id int) int {
	t.Helper()
	c, ok := b.Credit(id)
	if !ok {
		t.Fatalf("output %d not published", id)
	}
	return c
}
