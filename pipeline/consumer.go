package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"framepipe/buffer"
	"framepipe/control"
	"framepipe/debug"
	"framepipe/display"
	"framepipe/errdefs"
	"framepipe/stats"
)

// CreditSink is the consumer's view of the control block.
type CreditSink interface {
	Credit(id int) (int, bool)
	CompareAndSwapCredit(id, old, n int) (bool, error)
}

// Receiver yields transferred handles. Close unblocks a pending Receive.
type Receiver interface {
	Receive() (outputID, handle int, err error)
	Close() error
}

var ErrUnknownOutput = errors.New("frame for unknown output")

type State int

const (
	Idle State = iota
	Presenting
)

func (s State) String() string {
	if s == Presenting {
		return "presenting"
	}
	return "idle"
}

type ConsumerConfig struct {
	// Capacity is the FIFO depth at which credit reaches zero
	Capacity     int
	DrainTimeout time.Duration
	// StatsWindow is the number of flips per avg/min/max report
	StatsWindow int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Capacity:     control.DefaultCapacity,
		DrainTimeout: 2 * time.Second,
		StatsWindow:  100,
	}
}

type frame struct {
	buf *buffer.Buffer
	fb  display.FB
}

type output struct {
	display.Output

	state   State
	current *frame // on screen, scan-out still reads it
	queued  *frame // submitted, completion pending
	pending fifo[*frame]

	received  uint64
	displayed uint64
	credit    int // last published
	inflight  int // credit taken by the producer, frame not yet received
	flips     *flipStats
}

// Consumer owns the per-output queues and presentation state. All methods
// must be called from one goroutine; Run is that goroutine.
type Consumer struct {
	disp    display.Backend
	alloc   buffer.Allocator
	credits CreditSink
	cfg     ConsumerConfig
	rec     *stats.Recorder

	outputs  map[int]*output
	order    []int
	stopping bool
}

type ConsumerOption func(*Consumer)

// WithRecorder mirrors every output change into rec.
func WithRecorder(rec *stats.Recorder) ConsumerOption {
	return func(c *Consumer) { c.rec = rec }
}

func NewConsumer(disp display.Backend, alloc buffer.Allocator, credits CreditSink, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}

	c := &Consumer{
		disp:    disp,
		alloc:   alloc,
		credits: credits,
		cfg:     cfg,
		outputs: make(map[int]*output),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, o := range disp.Outputs() {
		c.outputs[o.ID] = &output{
			Output: o,
			credit: cfg.Capacity,
			flips:  newFlipStats(cfg.StatsWindow),
		}
		c.order = append(c.order, o.ID)
		c.record(c.outputs[o.ID])
	}
	return c
}

// ControlOutputs converts display outputs to control block records.
func ControlOutputs(outs []display.Output) []control.Output {
	recs := make([]control.Output, len(outs))
	for i, o := range outs {
		recs[i] = control.Output{ID: o.ID, Width: o.Width, Height: o.Height}
	}
	return recs
}

// State returns the presentation state and FIFO depth of output id.
func (c *Consumer) State(id int) (State, int, bool) {
	o := c.outputs[id]
	if o == nil {
		return Idle, 0, false
	}
	return o.state, o.pending.Len(), true
}

// Splash shows the test pattern on every idle output.
func (c *Consumer) Splash() error {
	for _, id := range c.order {
		o := c.outputs[id]
		if o.state != Idle {
			continue
		}
		b, err := c.alloc.Allocate(o.Width, o.Height, buffer.XRGB8888)
		if err != nil {
			return errdefs.New(errdefs.Setup, "allocate splash", err)
		}
		buffer.TestPattern(b)
		fb, err := c.disp.AddFramebuffer(b)
		if err != nil {
			c.alloc.Release(b)
			return errdefs.New(errdefs.Display, "add splash framebuffer", err)
		}
		if err := c.submit(o, &frame{buf: b, fb: fb}); err != nil {
			return err
		}
	}
	return nil
}

// HandleFrame takes ownership of handle, imports it as a frame for
// outputID and presents or queues it.
func (c *Consumer) HandleFrame(outputID, handle int) error {
	o := c.outputs[outputID]
	if o == nil {
		unix.Close(handle)
		return errdefs.New(errdefs.Channel, "receive", fmt.Errorf("%w: %d", ErrUnknownOutput, outputID))
	}

	b, err := c.alloc.Import(handle, o.Width, o.Height, buffer.XRGB8888)
	if err != nil {
		return errdefs.New(errdefs.Channel, fmt.Sprintf("import output %d", outputID), err)
	}
	fb, err := c.disp.AddFramebuffer(b)
	if err != nil {
		c.alloc.Release(b)
		return errdefs.New(errdefs.Display, fmt.Sprintf("add framebuffer output %d", outputID), err)
	}
	f := &frame{buf: b, fb: fb}
	o.received++
	o.inflight--

	if o.state == Idle && !c.stopping {
		if err := c.submit(o, f); err != nil {
			return err
		}
	} else {
		o.pending.Push(f)
	}
	return c.publish(o)
}

// HandleEvent advances output ev.OutputID after a refresh completion.
func (c *Consumer) HandleEvent(ev display.Event) error {
	o := c.outputs[ev.OutputID]
	if o == nil {
		return errdefs.New(errdefs.Display, "refresh", fmt.Errorf("completion for unknown output %d", ev.OutputID))
	}
	if ev.Err != nil {
		return errdefs.New(errdefs.Display, fmt.Sprintf("wait for refresh on output %d", o.ID), ev.Err)
	}
	if o.state != Presenting || o.queued == nil {
		return errdefs.New(errdefs.Display, "refresh", fmt.Errorf("output %d: completion without a pending flip", o.ID))
	}

	if o.current != nil {
		c.release(o.current)
	}
	o.current, o.queued = o.queued, nil
	o.displayed++
	if line, ok := o.flips.record(o.ID, ev.Time); ok {
		debug.Debug(line, debug.INFO)
	}

	if c.stopping {
		o.state = Idle
		c.record(o)
		return nil
	}

	if f, ok := o.pending.Pop(); ok {
		if err := c.submit(o, f); err != nil {
			return err
		}
	} else {
		o.state = Idle
	}
	return c.publish(o)
}

func (c *Consumer) submit(o *output, f *frame) error {
	if err := c.disp.Submit(o.ID, f.fb); err != nil {
		c.release(f)
		return errdefs.New(errdefs.Display, fmt.Sprintf("submit output %d", o.ID), err)
	}
	o.queued = f
	o.state = Presenting
	return nil
}

// publish advertises max(0, capacity - depth - inflight) for o. Whatever
// the producer took since the last publish is on its way through the
// channel and counts as in flight until HandleFrame sees it.
func (c *Consumer) publish(o *output) error {
	for {
		cur, ok := c.credits.Credit(o.ID)
		if !ok {
			return errdefs.New(errdefs.Setup, fmt.Sprintf("publish credit output %d", o.ID), control.ErrUnknownOutput)
		}
		inflight := max(0, o.inflight+max(0, o.credit-cur))
		n := max(0, c.cfg.Capacity-o.pending.Len()-inflight)
		swapped, err := c.credits.CompareAndSwapCredit(o.ID, cur, n)
		if err != nil {
			return errdefs.New(errdefs.Setup, fmt.Sprintf("publish credit output %d", o.ID), err)
		}
		if swapped {
			o.inflight = inflight
			o.credit = n
			c.record(o)
			return nil
		}
	}
}

func (c *Consumer) release(f *frame) {
	if err := c.disp.RemoveFramebuffer(f.fb); err != nil {
		debug.Debug(fmt.Sprintf("remove framebuffer %d: %v", f.fb, err), debug.WARN)
		if errors.Is(err, display.ErrBusy) {
			// still scanned out, leave it mapped until exit
			return
		}
	}
	if err := c.alloc.Release(f.buf); err != nil {
		debug.Debug(fmt.Sprintf("release buffer: %v", err), debug.WARN)
	}
}

func (c *Consumer) record(o *output) {
	if c.rec == nil {
		return
	}
	c.rec.Update(stats.Output{
		ID:        o.ID,
		Width:     o.Width,
		Height:    o.Height,
		State:     o.state.String(),
		FifoDepth: o.pending.Len(),
		Credit:    o.credit,
		Received:  o.received,
		Displayed: o.displayed,
		FlipAvgMs: msf(o.flips.avg),
		FlipMinMs: msf(o.flips.lastMin),
		FlipMaxMs: msf(o.flips.lastMax),
	})
}

type received struct {
	outputID int
	handle   int
	err      error
}

// Run is the consumer loop. It returns nil when ctx ends and the first
// classified error otherwise. Either way it stops submitting, waits for the
// outstanding flips, releases every frame and closes rx.
func (c *Consumer) Run(ctx context.Context, rx Receiver) error {
	frames := make(chan received)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			id, h, err := rx.Receive()
			select {
			case frames <- received{outputID: id, handle: h, err: err}:
			case <-done:
				if err == nil {
					unix.Close(h)
				}
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			debug.Debug("consumer: stopping", debug.INFO)
			break loop
		case r := <-frames:
			if r.err != nil {
				runErr = r.err
				break loop
			}
			if err := c.HandleFrame(r.outputID, r.handle); err != nil {
				runErr = err
				break loop
			}
		case ev := <-c.disp.Events():
			if err := c.HandleEvent(ev); err != nil {
				runErr = err
				break loop
			}
		}
	}

	if err := c.Drain(); err != nil && runErr == nil {
		runErr = err
	}

	close(done)
	rx.Close()
	wg.Wait()

	c.ReleaseAll()
	return runErr
}

// Drain stops new submissions and waits for every outstanding flip to
// complete, up to DrainTimeout.
func (c *Consumer) Drain() error {
	c.stopping = true

	timeout := time.NewTimer(c.cfg.DrainTimeout)
	defer timeout.Stop()

	for n := c.presenting(); n > 0; n = c.presenting() {
		debug.Debug(fmt.Sprintf("consumer: draining %d outputs", n), debug.DEBUG)
		select {
		case ev := <-c.disp.Events():
			if err := c.HandleEvent(ev); err != nil {
				return err
			}
		case <-timeout.C:
			return errdefs.New(errdefs.Display, "drain", fmt.Errorf("%d outputs still presenting after %v", n, c.cfg.DrainTimeout))
		}
	}
	return nil
}

func (c *Consumer) presenting() int {
	n := 0
	for _, o := range c.outputs {
		if o.state == Presenting {
			n++
		}
	}
	return n
}

// ReleaseAll drops every frame the consumer still holds. Frames the display
// still has pending stay mapped; call Drain first.
func (c *Consumer) ReleaseAll() {
	for _, id := range c.order {
		o := c.outputs[id]
		for {
			f, ok := o.pending.Pop()
			if !ok {
				break
			}
			c.release(f)
		}
		if o.queued != nil {
			c.release(o.queued)
			o.queued = nil
		}
		if o.current != nil {
			c.release(o.current)
			o.current = nil
		}
		o.state = Idle
		c.record(o)
	}
}
