// Package display is the consumer's view of its outputs: it registers frame
// buffers, schedules page flips and reports refresh completions.
package display

import (
	"errors"
	"fmt"
	"time"

	"framepipe/buffer"
)

// Output describes one scan-out target.
type Output struct {
	ID        int
	Name      string
	Width     int
	Height    int
	RefreshHz int
}

func (o Output) String() string {
	return fmt.Sprintf("%s %dx%d@%d", o.Name, o.Width, o.Height, o.RefreshHz)
}

// FB identifies a registered framebuffer.
type FB uint32

// Event reports that the flip submitted on OutputID completed, or that
// waiting for it failed when Err is set.
type Event struct {
	OutputID int
	Sequence uint64
	Time     time.Time
	Err      error
}

var (
	ErrBusy          = errors.New("flip already pending")
	ErrUnknownOutput = errors.New("unknown output")
	ErrUnknownFB     = errors.New("unknown framebuffer")
	ErrClosed        = errors.New("display closed")
)

// Backend drives the outputs. Submit schedules fb for the next refresh of
// the output; exactly one Event follows every successful Submit. Only one
// flip may be pending per output.
type Backend interface {
	Outputs() []Output
	AddFramebuffer(b *buffer.Buffer) (FB, error)
	RemoveFramebuffer(fb FB) error
	Submit(outputID int, fb FB) error
	Events() <-chan Event
	Close() error
}

// Presenter receives every completed flip. It runs before the completion is
// reported, so the buffer stays mapped for the duration of the call.
type Presenter interface {
	Present(outputID int, b *buffer.Buffer) error
}
