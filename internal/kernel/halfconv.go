package kernel

import (
	"math"
	"unsafe"
)

// Float32ToFloat16 converts a float32 to float16 (IEEE 754 binary16) representation.
// Handles edge cases to prevent NaN values:
// - Clamps values outside FP16 range to prevent overflow
// - Preserves NaN and Inf from input
// - Flushes subnormals to zero
func Float32ToFloat16(f float32) uint16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00 // FP16 NaN
	}
	if math.IsInf(float64(f), 1) {
		return 0x7C00 // FP16 +Inf
	}
	if math.IsInf(float64(f), -1) {
		return 0xFC00 // FP16 -Inf
	}

	// FP16 range: ±65504 (max normal), ±6.10e-5 (min normal)
	const maxFP16 = 65504.0
	const minNormalFP16 = 6.10351562e-5

	if f > maxFP16 {
		f = maxFP16
	} else if f < -maxFP16 {
		f = -maxFP16
	}

	absF := f
	if absF < 0 {
		absF = -absF
	}
	if absF < minNormalFP16 && absF > 0 {
		if f < 0 {
			return 0x8000 // -0
		}
		return 0x0000 // +0
	}

	bits := math.Float32bits(f)
	sign := (bits >> 16) & 0x8000
	// Signed to handle underflow (negative exponent)
	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := (bits >> 13) & 0x3FF

	if exp >= 0x1F {
		// Saturate instead of producing infinity
		if sign != 0 {
			return uint16(sign | 0x7BFF)
		}
		return 0x7BFF
	}
	if exp <= 0 {
		return uint16(sign)
	}

	return uint16(sign | (uint32(exp) << 10) | frac)
}

// Float16ToFloat32 converts a float16 (uint16 representation) to a float32
func Float16ToFloat32(h uint16) float32 {
	sign := (uint32(h) >> 15) & 1
	exp := (uint32(h) >> 10) & 0x1F
	frac := uint32(h) & 0x3FF

	if exp == 0 { // Zero/Denorm
		return 0.0
	}
	if exp == 31 { // Inf/NaN
		bits := (sign << 31) | (0xFF << 23) | (frac << 13)
		return *(*float32)(unsafe.Pointer(&bits))
	}

	newExp := int(exp) - 15 + 127
	bits := (sign << 31) | (uint32(newExp) << 23) | (frac << 13)
	return *(*float32)(unsafe.Pointer(&bits))
}

// Float32ToBFloat16 truncates a float32 to bfloat16 with round-to-nearest-even.
// bfloat16 keeps the f32 exponent so no range clamping is needed.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return 0x7FC0
	}
	// Round to nearest even on the truncated 16 bits
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}

// BFloat16ToFloat32 widens a bfloat16 to float32 (exact).
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}
