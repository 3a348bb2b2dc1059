// Package channel carries buffer handles from the producer to the consumer
// over a unix stream socket. Every message is one byte holding the output id
// with exactly one file descriptor attached as SCM_RIGHTS ancillary data.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"framepipe/errdefs"
)

// MaxOutputID is the largest id that fits the one byte tag.
const MaxOutputID = 255

const (
	readSize = 16
	// room for a few descriptors so extra ones are seen and closed
	maxRights = 4
)

var (
	ErrPeerGone   = errors.New("peer disconnected")
	ErrMalformed  = errors.New("malformed message")
	ErrUnexpected = errors.New("unexpected data from peer")
	ErrOutputID   = fmt.Errorf("output id outside 0-%d", MaxOutputID)
)

type Listener struct {
	ln   *net.UnixListener
	path string
}

// Listen removes a stale socket file at path and starts listening on it.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.New(errdefs.Setup, "remove stale socket", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "listen", err)
	}
	return &Listener{ln: ln, path: path}, nil
}

func (l *Listener) Path() string { return l.path }

// Accept waits for one connection or for ctx to end.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.SetDeadline(time.Now())
		case <-done:
		}
	}()

	uc, err := l.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errdefs.New(errdefs.Setup, "accept", err)
	}
	return newConn(uc), nil
}

// Close stops listening and unlinks the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

type Conn struct {
	uc *net.UnixConn
}

func newConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Dial connects to the producer listening at path.
func Dial(path string) (*Conn, error) {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "connect", err)
	}
	return newConn(uc), nil
}

// Send writes one message carrying handle for outputID. The caller's handle
// is closed whether or not the write succeeds; the receiver holds its own
// copy once the message is delivered.
func (c *Conn) Send(outputID, handle int) error {
	defer unix.Close(handle)

	if outputID < 0 || outputID > MaxOutputID {
		return errdefs.New(errdefs.Channel, "send", fmt.Errorf("%w: %d", ErrOutputID, outputID))
	}
	n, _, err := c.uc.WriteMsgUnix([]byte{byte(outputID)}, unix.UnixRights(handle), nil)
	if err != nil {
		return errdefs.New(errdefs.Channel, "send", err)
	}
	if n != 1 {
		return errdefs.New(errdefs.Channel, "send", io.ErrShortWrite)
	}
	return nil
}

// Receive blocks for the next message and returns its output id and the
// received handle, which the caller owns.
func (c *Conn) Receive() (outputID, handle int, err error) {
	buf := make([]byte, readSize)
	oob := make([]byte, unix.CmsgSpace(maxRights*4))

	n, oobn, flags, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, -1, errdefs.New(errdefs.Channel, "receive", ErrPeerGone)
		}
		return 0, -1, errdefs.New(errdefs.Channel, "receive", err)
	}
	if n == 0 && oobn == 0 {
		return 0, -1, errdefs.New(errdefs.Channel, "receive", ErrPeerGone)
	}

	fds, perr := parseRights(oob[:oobn])
	switch {
	case perr != nil:
		err = perr
	case flags&unix.MSG_CTRUNC != 0:
		err = errors.New("ancillary data truncated")
	case n != 1:
		err = fmt.Errorf("payload of %d bytes", n)
	case len(fds) != 1:
		err = fmt.Errorf("%d handles attached", len(fds))
	}
	if err != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return 0, -1, errdefs.New(errdefs.Channel, "receive", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return int(buf[0]), fds[0], nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// WatchPeer reports the first time the connection becomes readable. The
// consumer never writes, so readability means it went away or misbehaved.
// The channel yields one error and is then closed. Closing the connection
// also ends the watch.
func (c *Conn) WatchPeer() <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		var b [1]byte
		n, err := c.uc.Read(b[:])
		switch {
		case errors.Is(err, net.ErrClosed):
			return
		case n > 0:
			ch <- errdefs.New(errdefs.Channel, "peer", ErrUnexpected)
		case err == nil || errors.Is(err, io.EOF):
			ch <- errdefs.New(errdefs.Channel, "peer", ErrPeerGone)
		default:
			ch <- errdefs.New(errdefs.Channel, "peer", err)
		}
	}()
	return ch
}

func (c *Conn) Close() error {
	return c.uc.Close()
}
