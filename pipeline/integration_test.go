package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"framepipe/buffer"
	"framepipe/channel"
	"framepipe/control"
	"framepipe/display"
	"framepipe/errdefs"
)

type barRecorder struct {
	mu   sync.Mutex
	seen []int
}

func (r *barRecorder) Present(outputID int, b *buffer.Buffer) error {
	r.mu.Lock()
	r.seen = append(r.seen, barPos(b))
	r.mu.Unlock()
	return nil
}

func (r *barRecorder) frames() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

// endpoints is a producer and a consumer joined by a real socket and control
// block, set up in process startup order.
type endpoints struct {
	pblock, cblock *control.Block
	pconn, cconn   *channel.Conn
}

func connect(t *testing.T) *endpoints {
	t.Helper()
	dir := t.TempDir()
	shm := filepath.Join(dir, "framepipe")
	sock := filepath.Join(dir, "fp.sock")

	e := &endpoints{}
	var err error
	if e.pblock, err = control.Create(shm); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.pblock.Close() })
	ln, err := channel.Listen(sock)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan *channel.Conn, 1)
	go func() {
		c, err := ln.Accept(context.Background())
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
		accepted <- c
	}()

	if e.cconn, err = channel.Dial(sock); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.cconn.Close() })
	if e.cblock, err = control.Open(shm); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.cblock.Close() })

	if e.pconn = <-accepted; e.pconn == nil {
		t.FailNow()
	}
	t.Cleanup(func() { e.pconn.Close() })
	return e
}

// TestEndToEnd runs both loops over a real socket and control block and
// checks that frames reach the display in send order, none of them
// re-rendered while still queued.
func TestEndToEnd(t *testing.T) {
	e := connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &barRecorder{}
	disp, err := display.NewVirtual([]display.Output{{ID: 0, Name: "virtual-0", Width: 64, Height: 8, RefreshHz: 500}}, display.WithPresenter(rec))
	if err != nil {
		t.Fatal(err)
	}
	defer disp.Close()

	cons := NewConsumer(disp, buffer.NewMemfdAllocator("consumer"), e.cblock, DefaultConsumerConfig())
	if err := e.cblock.Publish(ControlOutputs(disp.Outputs()), control.DefaultCapacity); err != nil {
		t.Fatal(err)
	}

	prod := NewProducer(e.pblock, e.pconn, buffer.NewMemfdAllocator("producer"), DefaultProducerConfig())
	defer prod.Close()

	prodDone := make(chan error, 1)
	go func() { prodDone <- prod.Run(ctx, e.pconn.WatchPeer()) }()
	consDone := make(chan error, 1)
	go func() { consDone <- cons.Run(ctx, e.cconn) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.frames()) < 100 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-consDone; err != nil {
		t.Fatalf("consumer Run = %v", err)
	}
	if err := <-prodDone; err != nil && !errdefs.IsChannel(err) {
		t.Fatalf("producer Run = %v", err)
	}

	seen := rec.frames()
	if len(seen) < 100 {
		t.Fatalf("only %d frames displayed", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if want := (seen[i-1] + 8) % 64; seen[i] != want {
			t.Fatalf("frame %d bar at %d after %d, want %d: %v", i, seen[i], seen[i-1], want, seen)
		}
	}
}

// TestDepthBoundWithFramesInFlight lets the producer spend credit while the
// consumer is not reading, so frames pile up in the socket before they are
// received.
func TestDepthBoundWithFramesInFlight(t *testing.T) {
	e := connect(t)

	disp := newFakeDisplay(testOutput(0))
	cons := NewConsumer(disp, newCountingAllocator(), e.cblock, DefaultConsumerConfig())
	t.Cleanup(cons.ReleaseAll)
	if err := e.cblock.Publish(ControlOutputs(disp.Outputs()), control.DefaultCapacity); err != nil {
		t.Fatal(err)
	}
	prod := NewProducer(e.pblock, e.pconn, buffer.NewMemfdAllocator("producer"), DefaultProducerConfig())
	defer prod.Close()

	ticks := func(n int) {
		for i := 0; i < n; i++ {
			if _, err := prod.Tick(); err != nil {
				t.Fatalf("Tick: %v", err)
			}
		}
	}
	receive := func(n int) {
		for i := 0; i < n; i++ {
			id, h, err := e.cconn.Receive()
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if err := cons.HandleFrame(id, h); err != nil {
				t.Fatalf("HandleFrame: %v", err)
			}
			if _, d, _ := cons.State(0); d > control.DefaultCapacity {
				t.Fatalf("depth %d exceeds capacity %d", d, control.DefaultCapacity)
			}
		}
	}

	ticks(control.DefaultCapacity)
	receive(1)
	ticks(control.DefaultCapacity)
	receive(int(prod.Sent(0)) - 1)

	// one on the display plus a full queue, and no refresh happened
	if sent := prod.Sent(0); sent != control.DefaultCapacity+1 {
		t.Fatalf("sent %d frames without a refresh, want %d", sent, control.DefaultCapacity+1)
	}
	if s, d, _ := cons.State(0); s != Presenting || d != control.DefaultCapacity {
		t.Fatalf("state %v depth %d", s, d)
	}
	if c := credit(t, e.pblock, 0); c != 0 {
		t.Fatalf("credit %d with a full queue", c)
	}

	// every refresh hands exactly one credit back
	if err := cons.HandleEvent(disp.flip(t, 0)); err != nil {
		t.Fatal(err)
	}
	if c := credit(t, e.pblock, 0); c != 1 {
		t.Fatalf("credit %d after one refresh, want 1", c)
	}
	for disp.isPending(0) {
		if err := cons.HandleEvent(disp.flip(t, 0)); err != nil {
			t.Fatal(err)
		}
	}

	got := disp.submissions(0)
	if len(got) != control.DefaultCapacity+1 {
		t.Fatalf("displayed %d frames", len(got))
	}
	for i := 1; i < len(got); i++ {
		if want := (got[i-1] + 8) % 64; got[i] != want {
			t.Fatalf("frame %d bar at %d after %d, want %d: %v", i, got[i], got[i-1], want, got)
		}
	}
}
