package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"framepipe/errdefs"
)

// MemfdAllocator backs buffers with anonymous memory files. The file
// descriptor is the cross-process handle: it can travel over a unix socket
// and be mapped by the receiver without copying pixels.
type MemfdAllocator struct {
	name string
}

func NewMemfdAllocator(name string) *MemfdAllocator {
	if name == "" {
		name = "framepipe"
	}
	return &MemfdAllocator{name: name}
}

func (a *MemfdAllocator) Allocate(width, height int, format Format) (*Buffer, error) {
	stride, size, err := Layout(width, height, format)
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "allocate buffer", err)
	}

	fd, err := unix.MemfdCreate(a.name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errdefs.New(errdefs.Setup, "allocate buffer", fmt.Errorf("memfd_create: %w", err))
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, errdefs.New(errdefs.Setup, "allocate buffer", fmt.Errorf("ftruncate: %w", err))
	}
	pix, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errdefs.New(errdefs.Setup, "allocate buffer", fmt.Errorf("mmap: %w", err))
	}

	return &Buffer{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Pix:    pix,
		Handle: fd,
	}, nil
}

func (a *MemfdAllocator) Export(b *Buffer) (int, error) {
	if b.Handle < 0 {
		return -1, fmt.Errorf("export %s: buffer has no handle", b)
	}
	fd, err := unix.FcntlInt(uintptr(b.Handle), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("export %s: %w", b, err)
	}
	return fd, nil
}

func (a *MemfdAllocator) Import(handle, width, height int, format Format) (*Buffer, error) {
	defer unix.Close(handle)

	stride, size, err := Layout(width, height, format)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(handle, &st); err != nil {
		return nil, fmt.Errorf("import: fstat: %w", err)
	}
	if st.Size < int64(size) {
		return nil, fmt.Errorf("import: %w: %d < %d", ErrShortHandle, st.Size, size)
	}

	pix, err := unix.Mmap(handle, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("import: mmap: %w", err)
	}

	return &Buffer{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Pix:    pix,
		Handle: -1,
	}, nil
}

func (a *MemfdAllocator) Release(b *Buffer) error {
	var err error
	if b.Pix != nil {
		err = unix.Munmap(b.Pix)
		b.Pix = nil
	}
	if b.Handle >= 0 {
		if cerr := unix.Close(b.Handle); err == nil {
			err = cerr
		}
		b.Handle = -1
	}
	return err
}
