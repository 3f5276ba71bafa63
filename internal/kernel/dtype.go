package kernel

import "fmt"

// DType identifies the element type of the Q/K/V input buffers.
// The integer values match the wire tag used by the serving layer
// (0=f32, 1=f16, 2=bf16); callers select precision at runtime.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ElemSize returns the storage size of one element in bytes.
func (d DType) ElemSize() int {
	if d == F32 {
		return 4
	}
	return 2
}

// ParseDType maps a wire tag to a DType.
func ParseDType(tag int) (DType, error) {
	switch tag {
	case 0:
		return F32, nil
	case 1:
		return F16, nil
	case 2:
		return BF16, nil
	}
	return F32, fmt.Errorf("unknown dtype tag %d (want 0=f32, 1=f16, 2=bf16)", tag)
}

// Operand is one input tensor in the element type named by Params.DType.
// Exactly one of the slices is populated: F32 for f32 inputs, Bits for
// raw fp16/bf16 payloads. This is the Go rendition of the reinterpreted
// void* in the C surface.
type Operand struct {
	F32  []float32
	Bits []uint16
}

// OperandF32 wraps an f32 buffer.
func OperandF32(data []float32) Operand { return Operand{F32: data} }

// OperandBits wraps a raw fp16 or bf16 buffer.
func OperandBits(bits []uint16) Operand { return Operand{Bits: bits} }

// Len returns the element count of whichever buffer is populated.
func (o Operand) Len() int {
	if o.F32 != nil {
		return len(o.F32)
	}
	return len(o.Bits)
}

func (o Operand) check(dt DType, name string, want int) error {
	switch dt {
	case F32:
		if o.F32 == nil {
			return fmt.Errorf("%s: dtype is f32 but no float32 buffer provided", name)
		}
	default:
		if o.Bits == nil {
			return fmt.Errorf("%s: dtype is %s but no uint16 bits buffer provided", name, dt)
		}
	}
	if o.Len() != want {
		return fmt.Errorf("%s: buffer has %d elements, want B*H*N*D = %d", name, o.Len(), want)
	}
	return nil
}

// tileLoader copies n rows of width d starting at element offset off into
// dst as f32. The three variants differ only in element conversion; the
// launcher resolves the variant once per invocation so the f32 path pays
// no per-element dispatch.
type tileLoader func(dst []float32, src Operand, off, count int)

func loadF32(dst []float32, src Operand, off, count int) {
	copy(dst[:count], src.F32[off:off+count])
}

func loadF16(dst []float32, src Operand, off, count int) {
	bits := src.Bits[off : off+count]
	for i, h := range bits {
		dst[i] = Float16ToFloat32(h)
	}
}

func loadBF16(dst []float32, src Operand, off, count int) {
	bits := src.Bits[off : off+count]
	for i, h := range bits {
		dst[i] = BFloat16ToFloat32(h)
	}
}

func (d DType) loader() tileLoader {
	switch d {
	case F16:
		return loadF16
	case BF16:
		return loadBF16
	}
	return loadF32
}
