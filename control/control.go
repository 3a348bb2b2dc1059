// Package control implements the shared control block: a small fixed-layout
// memory mapping through which the consumer publishes output geometry and
// credits, and the producer reads them.
//
// Layout (native endian, 4-byte fields):
//
//	count   int32
//	outputs [MaxOutputs]{id, width, height, credit int32}
//
// The consumer is authoritative for credit and overwrites it after every
// queue change. The producer only takes credit, one frame at a time, with a
// compare-and-swap that never drives the counter below zero.
package control

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"framepipe/errdefs"
)

const MaxOutputs = 10

// DefaultCapacity is the target pending-queue depth per output.
const DefaultCapacity = 10

type record struct {
	ID     int32
	Width  int32
	Height int32
	Credit int32
}

type layout struct {
	Count   int32
	Outputs [MaxOutputs]record
}

// Size is the byte size of the mapping.
const Size = int(unsafe.Sizeof(layout{}))

var (
	ErrNotExist      = errors.New("control block does not exist")
	ErrTooSmall      = errors.New("control block is smaller than expected")
	ErrTooMany       = fmt.Errorf("more than %d outputs", MaxOutputs)
	ErrUnknownOutput = errors.New("output not published")
	ErrReadOnly      = errors.New("control block is read-only")
)

// Output is one published record.
type Output struct {
	ID     int
	Width  int
	Height int
	Credit int
}

type Block struct {
	mem      []byte
	l        *layout
	readOnly bool
}

// ShmPath maps a POSIX shared memory name such as "/framepipe" to its file
// under /dev/shm. Anything that already looks like a path is returned as is.
func ShmPath(name string) string {
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return name
	}
	return "/dev/shm/" + trimmed
}

// Create makes (or truncates) the backing object at path and maps it. The
// producer owns the result and removes it with Remove at shutdown.
func Create(path string) (*Block, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "create control block", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(Size)); err != nil {
		return nil, errdefs.New(errdefs.Setup, "size control block", err)
	}
	return mapFile(f, false)
}

// Open maps an existing control block read/write. A missing object is a
// setup error: the producer has to be running first.
func Open(path string) (*Block, error) {
	return open(path, false)
}

// OpenReadOnly maps an existing control block for inspection.
func OpenReadOnly(path string) (*Block, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Block, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.New(errdefs.Setup, "open control block", fmt.Errorf("%s: %w", path, ErrNotExist))
	}
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "open control block", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "stat control block", err)
	}
	if fi.Size() < int64(Size) {
		return nil, errdefs.New(errdefs.Setup, "open control block", fmt.Errorf("%s: %w", path, ErrTooSmall))
	}
	return mapFile(f, readOnly)
}

func mapFile(f *os.File, readOnly bool) (*Block, error) {
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, Size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "map control block", err)
	}
	return &Block{
		mem:      mem,
		l:        (*layout)(unsafe.Pointer(&mem[0])),
		readOnly: readOnly,
	}, nil
}

// Remove unlinks the backing object. A missing object is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Close unmaps the block. The block must not be used afterwards.
func (b *Block) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	b.l = nil
	return err
}

// Publish writes the geometry of every output and sets each credit to
// capacity. Count is stored last so a reader never sees a record before its
// geometry.
func (b *Block) Publish(outputs []Output, capacity int) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if len(outputs) > MaxOutputs {
		return ErrTooMany
	}
	for i, o := range outputs {
		r := &b.l.Outputs[i]
		atomic.StoreInt32(&r.ID, int32(o.ID))
		atomic.StoreInt32(&r.Width, int32(o.Width))
		atomic.StoreInt32(&r.Height, int32(o.Height))
		atomic.StoreInt32(&r.Credit, int32(max(0, capacity)))
	}
	atomic.StoreInt32(&b.l.Count, int32(len(outputs)))
	return b.Sync()
}

// SetCredit overwrites the advertised credit of output id with max(0, n).
func (b *Block) SetCredit(id, n int) error {
	if b.readOnly {
		return ErrReadOnly
	}
	r := b.find(id)
	if r == nil {
		return fmt.Errorf("output %d: %w", id, ErrUnknownOutput)
	}
	atomic.StoreInt32(&r.Credit, int32(max(0, n)))
	return b.Sync()
}

// CompareAndSwapCredit sets the credit of output id to max(0, n) only if it
// still equals old. The producer may take credit concurrently.
func (b *Block) CompareAndSwapCredit(id, old, n int) (bool, error) {
	if b.readOnly {
		return false, ErrReadOnly
	}
	r := b.find(id)
	if r == nil {
		return false, fmt.Errorf("output %d: %w", id, ErrUnknownOutput)
	}
	if !atomic.CompareAndSwapInt32(&r.Credit, int32(old), int32(max(0, n))) {
		return false, nil
	}
	return true, b.Sync()
}

// TakeCredit consumes one credit of output id. It reports false when the
// output has none left.
func (b *Block) TakeCredit(id int) bool {
	if b.readOnly {
		return false
	}
	r := b.find(id)
	if r == nil {
		return false
	}
	for {
		c := atomic.LoadInt32(&r.Credit)
		if c <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.Credit, c, c-1) {
			return true
		}
	}
}

// Credit returns the advertised credit of output id.
func (b *Block) Credit(id int) (int, bool) {
	r := b.find(id)
	if r == nil {
		return 0, false
	}
	return int(atomic.LoadInt32(&r.Credit)), true
}

// ReadAll returns a snapshot of every valid record.
func (b *Block) ReadAll() []Output {
	n := b.count()
	outs := make([]Output, n)
	for i := 0; i < n; i++ {
		r := &b.l.Outputs[i]
		outs[i] = Output{
			ID:     int(atomic.LoadInt32(&r.ID)),
			Width:  int(atomic.LoadInt32(&r.Width)),
			Height: int(atomic.LoadInt32(&r.Height)),
			Credit: int(atomic.LoadInt32(&r.Credit)),
		}
	}
	return outs
}

// AnyCredit reports whether at least one output has positive credit.
func (b *Block) AnyCredit() bool {
	n := b.count()
	for i := 0; i < n; i++ {
		if atomic.LoadInt32(&b.l.Outputs[i].Credit) > 0 {
			return true
		}
	}
	return false
}

// Sync flushes the mapping so other mappings observe the last writes.
func (b *Block) Sync() error {
	if b.readOnly {
		return nil
	}
	return unix.Msync(b.mem, unix.MS_SYNC)
}

func (b *Block) count() int {
	return min(max(int(atomic.LoadInt32(&b.l.Count)), 0), MaxOutputs)
}

func (b *Block) find(id int) *record {
	n := b.count()
	for i := 0; i < n; i++ {
		r := &b.l.Outputs[i]
		if int(atomic.LoadInt32(&r.ID)) == id {
			return r
		}
	}
	return nil
}
