// Package buffer defines the frame buffers exchanged between producer and
// consumer and the allocator that creates, exports and imports them.
package buffer

import (
	"errors"
	"fmt"
)

// Format is a DRM fourcc pixel format code.
type Format uint32

// XRGB8888 is 32 bits per pixel, little endian B, G, R, unused.
const XRGB8888 Format = 'X' | 'R'<<8 | '2'<<16 | '4'<<24

func (f Format) BytesPerPixel() int {
	switch f {
	case XRGB8888:
		return 4
	}
	return 0
}

func (f Format) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

var (
	ErrFormat      = errors.New("unsupported pixel format")
	ErrGeometry    = errors.New("invalid buffer geometry")
	ErrShortHandle = errors.New("handle is smaller than the buffer geometry")
)

// Buffer is a CPU-mapped frame buffer.
type Buffer struct {
	Width  int
	Height int
	Stride int
	Format Format
	Pix    []byte

	// Handle is the allocator's reference to the backing memory object,
	// -1 when the buffer keeps only its mapping.
	Handle int
}

// Size is the number of bytes covered by the visible rows.
func (b *Buffer) Size() int { return b.Stride * b.Height }

func (b *Buffer) String() string {
	return fmt.Sprintf("%dx%d %s", b.Width, b.Height, b.Format)
}

// Allocator creates buffers and moves them between processes.
type Allocator interface {
	// Allocate returns a new zeroed buffer.
	Allocate(width, height int, format Format) (*Buffer, error)
	// Export returns a new cross-process handle for b. The caller owns it.
	Export(b *Buffer) (int, error)
	// Import maps a handle received from another process. Import takes
	// ownership of handle and closes it whether or not it succeeds.
	Import(handle, width, height int, format Format) (*Buffer, error)
	// Release drops this process's reference to b.
	Release(b *Buffer) error
}

// Layout validates a geometry and returns its stride and byte size.
func Layout(width, height int, format Format) (stride, size int, err error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrFormat, format)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d", ErrGeometry, width, height)
	}
	stride = width * bpp
	return stride, stride * height, nil
}
