package display

import (
	"fmt"
	"sync"
	"time"

	"framepipe/buffer"
	"framepipe/debug"
)

// Virtual emulates outputs with a free running vsync per output. A submitted
// framebuffer is scanned out at the next vsync, which also produces its
// completion event.
type Virtual struct {
	outputs   []Output
	presenter Presenter

	mu      sync.Mutex
	fbs     map[FB]*buffer.Buffer
	nextFB  FB
	pending map[int]FB
	closed  bool

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

type VirtualOption func(*Virtual)

// WithPresenter shows every completed flip through p.
func WithPresenter(p Presenter) VirtualOption {
	return func(v *Virtual) { v.presenter = p }
}

// NewVirtual starts one vsync goroutine per output.
func NewVirtual(outputs []Output, opts ...VirtualOption) (*Virtual, error) {
	seen := make(map[int]bool)
	for _, o := range outputs {
		if o.Width <= 0 || o.Height <= 0 || o.RefreshHz <= 0 {
			return nil, fmt.Errorf("output %d: invalid mode %dx%d@%d", o.ID, o.Width, o.Height, o.RefreshHz)
		}
		if seen[o.ID] {
			return nil, fmt.Errorf("output %d: duplicate id", o.ID)
		}
		seen[o.ID] = true
	}

	v := &Virtual{
		outputs: append([]Output(nil), outputs...),
		fbs:     make(map[FB]*buffer.Buffer),
		nextFB:  1,
		pending: make(map[int]FB),
		events:  make(chan Event, 2*len(outputs)+1),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}

	for _, o := range v.outputs {
		v.wg.Add(1)
		go v.vsync(o)
	}
	debug.Debug(fmt.Sprintf("virtual display: %d outputs", len(v.outputs)), debug.DEBUG)
	return v, nil
}

func (v *Virtual) Outputs() []Output {
	return append([]Output(nil), v.outputs...)
}

func (v *Virtual) AddFramebuffer(b *buffer.Buffer) (FB, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrClosed
	}
	fb := v.nextFB
	v.nextFB++
	v.fbs[fb] = b
	return fb, nil
}

func (v *Virtual) RemoveFramebuffer(fb FB) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.fbs[fb]; !ok {
		return fmt.Errorf("remove fb %d: %w", fb, ErrUnknownFB)
	}
	for id, p := range v.pending {
		if p == fb {
			return fmt.Errorf("remove fb %d: pending on output %d: %w", fb, id, ErrBusy)
		}
	}
	delete(v.fbs, fb)
	return nil
}

func (v *Virtual) Submit(outputID int, fb FB) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if !v.hasOutput(outputID) {
		return fmt.Errorf("submit to output %d: %w", outputID, ErrUnknownOutput)
	}
	if _, ok := v.fbs[fb]; !ok {
		return fmt.Errorf("submit fb %d: %w", fb, ErrUnknownFB)
	}
	if _, busy := v.pending[outputID]; busy {
		return fmt.Errorf("submit to output %d: %w", outputID, ErrBusy)
	}
	v.pending[outputID] = fb
	return nil
}

func (v *Virtual) Events() <-chan Event { return v.events }

// Close stops the vsync goroutines. Pending flips never complete.
func (v *Virtual) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	close(v.stop)
	v.wg.Wait()
	return nil
}

func (v *Virtual) hasOutput(id int) bool {
	for _, o := range v.outputs {
		if o.ID == id {
			return true
		}
	}
	return false
}

func (v *Virtual) vsync(o Output) {
	defer v.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(o.RefreshHz))
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-v.stop:
			return
		case now := <-ticker.C:
			seq++

			v.mu.Lock()
			fb, ok := v.pending[o.ID]
			b := v.fbs[fb]
			v.mu.Unlock()
			if !ok {
				continue
			}

			if v.presenter != nil && b != nil {
				if err := v.presenter.Present(o.ID, b); err != nil {
					debug.Debug(fmt.Sprintf("output %d: present: %v", o.ID, err), debug.WARN)
				}
			}

			// the flip is done once it is no longer pending
			v.mu.Lock()
			delete(v.pending, o.ID)
			v.mu.Unlock()

			select {
			case v.events <- Event{OutputID: o.ID, Sequence: seq, Time: now}:
			case <-v.stop:
				return
			}
		}
	}
}
