package memory

import (
	"fmt"
	"unsafe"
)

// Element is the set of element types a Buffer can hold
type Element interface {
	~float32 | ~uint32 | ~uint64 | ~uint8
}

// Buffer is a paired host/device allocation of typed elements.
//
// The device side is the working copy every kernel reads and writes. The
// host mirror is optional; a pinned buffer aliases host and device so the two
// views share the same bytes and Upload/Download become no-ops.
type Buffer[T Element] struct {
	mgr        *Manager
	length     uint64
	hostMirror bool
	pinned     bool

	device []T
	host   []T
}

// NewBuffer creates and allocates a buffer of length elements
func NewBuffer[T Element](mgr *Manager, length uint64, hostMirror, pinned bool) (*Buffer[T], error) {
	if mgr == nil {
		return nil, fmt.Errorf("memory manager cannot be nil")
	}
	b := &Buffer[T]{
		mgr:        mgr,
		length:     length,
		hostMirror: hostMirror,
		pinned:     pinned,
	}
	if err := b.Allocate(); err != nil {
		return nil, err
	}
	return b, nil
}

func elementSize[T Element]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

// Bytes returns the size of one mirror in bytes
func (b *Buffer[T]) Bytes() uint64 {
	return b.length * elementSize[T]()
}

// Len returns the element count
func (b *Buffer[T]) Len() uint64 {
	return b.length
}

// Pinned reports whether host and device share storage
func (b *Buffer[T]) Pinned() bool {
	return b.pinned
}

// Allocated reports whether the buffer currently owns storage
func (b *Buffer[T]) Allocated() bool {
	return b.device != nil
}

// Allocate provisions zero-filled storage for both mirrors
func (b *Buffer[T]) Allocate() error {
	if b.device != nil {
		return nil
	}
	size := b.Bytes()
	if b.pinned {
		if err := b.mgr.reserve(size, Pinned); err != nil {
			return fmt.Errorf("failed to allocate %d bytes of pinned memory: %v", size, err)
		}
		b.device = make([]T, b.length)
		b.host = b.device
		return nil
	}

	if err := b.mgr.reserve(size, GPU); err != nil {
		return fmt.Errorf("failed to allocate %d bytes of device memory: %w", size, err)
	}
	b.device = make([]T, b.length)
	if b.hostMirror {
		if err := b.mgr.reserve(size, CPU); err != nil {
			b.mgr.release(size, GPU)
			b.device = nil
			return fmt.Errorf("failed to allocate %d bytes of host memory: %v", size, err)
		}
		b.host = make([]T, b.length)
	}
	return nil
}

// Deallocate releases both mirrors; calling it twice is harmless
func (b *Buffer[T]) Deallocate() {
	if b.device == nil {
		return
	}
	size := b.Bytes()
	if b.pinned {
		b.mgr.release(size, Pinned)
	} else {
		b.mgr.release(size, GPU)
		if b.host != nil {
			b.mgr.release(size, CPU)
		}
	}
	b.device = nil
	b.host = nil
}

// Resize reallocates the buffer with a new element count, discarding contents
func (b *Buffer[T]) Resize(length uint64) error {
	if length == b.length && b.device != nil {
		return nil
	}
	b.Deallocate()
	b.length = length
	return b.Allocate()
}

// Device returns the device view
func (b *Buffer[T]) Device() []T {
	return b.device
}

// Host returns the host mirror, or nil when the buffer has none
func (b *Buffer[T]) Host() []T {
	return b.host
}

// Upload copies src (or the host mirror when src is nil) to the device
func (b *Buffer[T]) Upload(src []T) error {
	if b.device == nil {
		return fmt.Errorf("upload to unallocated buffer")
	}
	if src == nil {
		if b.host == nil {
			return fmt.Errorf("upload without source on a buffer with no host mirror")
		}
		src = b.host
	}
	if b.length == 0 {
		return nil
	}
	if uint64(len(src)) < b.length {
		return fmt.Errorf("upload source has %d elements, buffer needs %d", len(src), b.length)
	}
	if b.pinned && &src[0] == &b.device[0] {
		return nil
	}
	copy(b.device, src[:b.length])
	return nil
}

// Download copies the device contents to dst (or the host mirror when dst is nil)
func (b *Buffer[T]) Download(dst []T) error {
	if b.device == nil {
		return fmt.Errorf("download from unallocated buffer")
	}
	if dst == nil {
		if b.host == nil {
			return fmt.Errorf("download without destination on a buffer with no host mirror")
		}
		dst = b.host
	}
	if b.length == 0 {
		return nil
	}
	if uint64(len(dst)) < b.length {
		return fmt.Errorf("download destination has %d elements, buffer holds %d", len(dst), b.length)
	}
	if b.pinned && &dst[0] == &b.device[0] {
		return nil
	}
	copy(dst, b.device)
	return nil
}

// CopyFrom performs a device-to-device copy of len(src) elements
func (b *Buffer[T]) CopyFrom(src []T) error {
	if b.device == nil {
		return fmt.Errorf("copy into unallocated buffer")
	}
	if uint64(len(src)) > b.length {
		return fmt.Errorf("copy source has %d elements, buffer holds %d", len(src), b.length)
	}
	copy(b.device, src)
	return nil
}

// Zero clears the device view
func (b *Buffer[T]) Zero() {
	clear(b.device)
}
