package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/x448/float16"
)

// Shape is an ordered list of tensor dimensions.
type Shape []int64

func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (s Shape) validate() error {
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("negative dimension %d at axis %d in shape %v", d, i, s)
		}
	}
	return nil
}

// Buffer is a tensor allocation owned by exactly one holder at a time.
// Host-visible buffers expose their bytes; device-resident buffers only
// carry a device pointer.
type Buffer struct {
	id     uint64
	shape  Shape
	dtype  DType
	size   int
	data   []byte
	devPtr unsafe.Pointer

	// unmap returns off-heap host memory; nil for Go-heap buffers.
	unmap func([]byte) error

	released bool
}

func (b *Buffer) ID() uint64     { return b.id }
func (b *Buffer) Shape() Shape   { return b.shape.Clone() }
func (b *Buffer) DType() DType   { return b.dtype }
func (b *Buffer) SizeBytes() int { return b.size }
func (b *Buffer) Released() bool { return b.released }

// Dim returns one dimension of the shape.
func (b *Buffer) Dim(i int) int64 { return b.shape[i] }

func (b *Buffer) NumElements() int {
	return int(b.shape.NumElements())
}

func (b *Buffer) HostVisible() bool {
	return b.devPtr == nil
}

// HostBytes returns the backing bytes of a live host-visible buffer.
func (b *Buffer) HostBytes() ([]byte, error) {
	if b.released {
		return nil, fmt.Errorf("buffer %d: %w", b.id, ErrReleased)
	}
	if !b.HostVisible() {
		return nil, fmt.Errorf("buffer %d: %w", b.id, ErrNotHostVisible)
	}
	return b.data, nil
}

// Bytes is HostBytes without the error; nil when the buffer cannot be read.
func (b *Buffer) Bytes() []byte {
	data, err := b.HostBytes()
	if err != nil {
		return nil
	}
	return data
}

// Float32s views a live float32 host buffer without copying.
func (b *Buffer) Float32s() []float32 {
	data := b.Bytes()
	if b.dtype != DTypeF32 || len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// Float32At reads element i, widening float16.
func (b *Buffer) Float32At(i int) float32 {
	data := b.Bytes()
	switch b.dtype {
	case DTypeF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	case DTypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
	panic(fmt.Sprintf("buffer %d: unsupported dtype %v", b.id, b.dtype))
}

// SetFloat32 writes element i, narrowing to float16 when needed.
func (b *Buffer) SetFloat32(i int, v float32) {
	data := b.Bytes()
	switch b.dtype {
	case DTypeF32:
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	case DTypeF16:
		binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
	default:
		panic(fmt.Sprintf("buffer %d: unsupported dtype %v", b.id, b.dtype))
	}
}

// Checksum hashes the host bytes with xxhash. Zero for unreadable buffers.
func (b *Buffer) Checksum() uint64 {
	data := b.Bytes()
	if data == nil {
		return 0
	}
	return xxhash.Sum64(data)
}

func (b *Buffer) String() string {
	state := "live"
	if b.released {
		state = "released"
	}
	return fmt.Sprintf("buffer#%d%v %v (%d bytes, %s)", b.id, b.shape, b.dtype, b.size, state)
}
