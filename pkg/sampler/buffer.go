package sampler

import (
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/pojntfx/latencybench/pkg/alignment"
)

var ErrInvalidBuffer = errors.New("invalid buffer geometry")

// Buffer is a read buffer whose first byte sits on an alignment boundary.
// It is backed by an anonymous mapping so it is at least page-aligned; larger
// alignments over-allocate and slice into the mapping.
type Buffer struct {
	region    mmap.MMap
	b         []byte
	alignment int
}

func NewBuffer(size, align int) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidBuffer, "size %v must be positive", size)
	}

	if !alignment.IsPowerOfTwo(align) {
		return nil, errors.Wrapf(ErrInvalidBuffer, "alignment %v is not a power of two", align)
	}

	length := size
	if align > os.Getpagesize() {
		length += align
	}

	region, err := mmap.MapRegion(nil, length, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not map read buffer")
	}

	off := 0
	if rem := int(uintptr(unsafe.Pointer(&region[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}

	return &Buffer{
		region:    region,
		b:         region[off : off+size : off+size],
		alignment: align,
	}, nil
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

func (b *Buffer) Len() int {
	return len(b.b)
}

func (b *Buffer) Alignment() int {
	return b.alignment
}

func (b *Buffer) Close() error {
	b.b = nil

	return b.region.Unmap()
}

func IsAligned(p []byte, align int) bool {
	if len(p) == 0 || !alignment.IsPowerOfTwo(align) {
		return false
	}

	return uintptr(unsafe.Pointer(&p[0]))&uintptr(align-1) == 0
}
