// Package pipeline runs the two ends of the frame pipe: the producer renders
// into pooled buffers and sends their handles while it holds credit, the
// consumer queues received frames and presents one per refresh.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"framepipe/buffer"
	"framepipe/channel"
	"framepipe/control"
	"framepipe/debug"
	"framepipe/errdefs"
)

// Credits is the producer's view of the control block.
type Credits interface {
	ReadAll() []control.Output
	TakeCredit(id int) bool
	AnyCredit() bool
}

// Sender transfers a buffer handle. It closes handle.
type Sender interface {
	Send(outputID, handle int) error
}

type ProducerConfig struct {
	PoolSize int
	BarWidth int
	BarSpeed int
	// IdleWait bounds the sleep while no output has credit
	IdleWait time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		PoolSize: 15,
		BarWidth: 40,
		BarSpeed: 8,
		IdleWait: time.Millisecond,
	}
}

type pool struct {
	width, height int
	bufs          []*buffer.Buffer
	next          int
	xpos          int
	sent          uint64
}

type Producer struct {
	credits Credits
	sender  Sender
	alloc   buffer.Allocator
	cfg     ProducerConfig

	pools map[int]*pool
}

func NewProducer(credits Credits, sender Sender, alloc buffer.Allocator, cfg ProducerConfig) *Producer {
	def := DefaultProducerConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.BarWidth <= 0 {
		cfg.BarWidth = def.BarWidth
	}
	if cfg.BarSpeed <= 0 {
		cfg.BarSpeed = def.BarSpeed
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	return &Producer{
		credits: credits,
		sender:  sender,
		alloc:   alloc,
		cfg:     cfg,
		pools:   make(map[int]*pool),
	}
}

// Sent returns how many frames were sent to output id.
func (p *Producer) Sent(id int) uint64 {
	if pl := p.pools[id]; pl != nil {
		return pl.sent
	}
	return 0
}

// Tick sends at most one frame to every output that has credit and returns
// how many were sent.
func (p *Producer) Tick() (int, error) {
	sent := 0
	for _, o := range p.credits.ReadAll() {
		if o.Credit <= 0 {
			continue
		}
		pl, err := p.pool(o)
		if err != nil {
			return sent, err
		}
		if !p.credits.TakeCredit(o.ID) {
			continue
		}

		b := pl.bufs[pl.next]
		pl.next = (pl.next + 1) % len(pl.bufs)

		buffer.ColorBar(b, pl.xpos, p.cfg.BarWidth)
		pl.xpos += p.cfg.BarSpeed
		if pl.xpos >= pl.width {
			pl.xpos = 0
		}

		h, err := p.alloc.Export(b)
		if err != nil {
			return sent, errdefs.New(errdefs.Setup, "export handle", err)
		}
		if err := p.sender.Send(o.ID, h); err != nil {
			return sent, errdefs.New(errdefs.Channel, "send", err)
		}
		pl.sent++
		sent++
	}
	return sent, nil
}

// pool returns the buffers for o, allocating them on first use and
// reallocating them when the published geometry changed.
func (p *Producer) pool(o control.Output) (*pool, error) {
	pl := p.pools[o.ID]
	if pl != nil && pl.width == o.Width && pl.height == o.Height {
		return pl, nil
	}
	if pl != nil {
		debug.Debug(fmt.Sprintf("output %d: geometry changed to %dx%d, reallocating", o.ID, o.Width, o.Height), debug.INFO)
		p.release(pl)
		delete(p.pools, o.ID)
	}

	pl = &pool{width: o.Width, height: o.Height}
	for i := 0; i < p.cfg.PoolSize; i++ {
		b, err := p.alloc.Allocate(o.Width, o.Height, buffer.XRGB8888)
		if err != nil {
			p.release(pl)
			return nil, errdefs.New(errdefs.Setup, fmt.Sprintf("allocate output %d", o.ID), err)
		}
		buffer.TestPattern(b)
		pl.bufs = append(pl.bufs, b)
	}
	p.pools[o.ID] = pl
	debug.Debug(fmt.Sprintf("output %d: %d buffers of %dx%d", o.ID, len(pl.bufs), o.Width, o.Height), debug.INFO)
	return pl, nil
}

func (p *Producer) release(pl *pool) {
	for _, b := range pl.bufs {
		if err := p.alloc.Release(b); err != nil {
			debug.Debug(fmt.Sprintf("release buffer: %v", err), debug.WARN)
		}
	}
	pl.bufs = nil
}

// Run ticks until ctx ends or the peer shows activity. While some output
// has credit the loop only polls; otherwise it sleeps up to IdleWait.
// Cancellation returns nil.
func (p *Producer) Run(ctx context.Context, peer <-chan error) error {
	idle := time.NewTimer(p.cfg.IdleWait)
	defer idle.Stop()

	for {
		if _, err := p.Tick(); err != nil {
			return err
		}

		if p.credits.AnyCredit() {
			select {
			case <-ctx.Done():
				return nil
			case err := <-peer:
				return peerError(err)
			default:
			}
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.IdleWait)

		select {
		case <-ctx.Done():
			return nil
		case err := <-peer:
			return peerError(err)
		case <-idle.C:
		}
	}
}

func peerError(err error) error {
	if err == nil {
		err = channel.ErrPeerGone
	}
	return errdefs.New(errdefs.Channel, "peer", err)
}

// Close releases every pooled buffer.
func (p *Producer) Close() error {
	var errs []error
	for id, pl := range p.pools {
		for _, b := range pl.bufs {
			if err := p.alloc.Release(b); err != nil {
				errs = append(errs, err)
			}
		}
		delete(p.pools, id)
	}
	return errors.Join(errs...)
}
