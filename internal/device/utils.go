package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type stored in a Buffer.
type DType int

const (
	DTypeInvalid DType = iota
	DTypeF32
	DTypeF16
)

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16:
		return 2
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "float32"
	case DTypeF16:
		return "float16"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "fp32":
		return DTypeF32, nil
	case "float16", "f16", "fp16", "half":
		return DTypeF16, nil
	}
	return DTypeInvalid, fmt.Errorf("%w: dtype %q", ErrUnsupported, s)
}

// Float32ToFloat16 rounds to nearest even and keeps subnormals.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func Float16ToFloat32(f uint16) float32 {
	return float16.Frombits(f).Float32()
}

// Encode packs float32 values into little-endian bytes of type d.
func (d DType) Encode(vals []float32) []byte {
	out := make([]byte, len(vals)*d.Size())
	switch d {
	case DTypeF32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case DTypeF16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], Float32ToFloat16(v))
		}
	}
	return out
}

// Decode widens little-endian bytes of type d to float32.
func (d DType) Decode(data []byte) []float32 {
	n := 0
	if d.Size() > 0 {
		n = len(data) / d.Size()
	}
	out := make([]float32, n)
	switch d {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	}
	return out
}
