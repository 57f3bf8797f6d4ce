package vector

import "math"

// IEEE 754 half-precision conversion. Stored vectors use 16-bit floats,
// halving resident memory versus float32.

// ToFloat16 converts a float32 to its half-precision bit pattern,
// rounding to nearest.
func ToFloat16(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16((b >> 16) & 0x8000)
	exp := int32((b>>23)&0xff) - 127 + 15
	frac := b & 0x7fffff

	if (b>>23)&0xff == 0xff {
		if frac != 0 {
			return sign | 0x7e00 // NaN
		}
		return sign | 0x7c00 // Inf
	}
	if exp >= 0x1f {
		return sign | 0x7c00 // overflow to Inf
	}
	if exp <= 0 {
		if exp < -10 {
			return sign // underflow to zero
		}
		// subnormal
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		if frac>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}

	half := sign | uint16(exp)<<10 | uint16(frac>>13)
	if frac&0x1000 != 0 {
		half++ // round; carry into exponent is the correct overflow
	}
	return half
}

// FromFloat16 expands a half-precision bit pattern back to float32.
func FromFloat16(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)

	switch {
	case exp == 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7f800000)
		}
		return math.Float32frombits(sign | 0x7fc00000)
	default:
		return math.Float32frombits(sign | (exp-15+127)<<23 | frac<<13)
	}
}

// EncodeVector converts a float32 vector to half precision.
func EncodeVector(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, f := range v {
		out[i] = ToFloat16(f)
	}
	return out
}

// DecodeVector expands a half-precision vector to float32.
func DecodeVector(v []uint16) []float32 {
	out := make([]float32, len(v))
	for i, h := range v {
		out[i] = FromFloat16(h)
	}
	return out
}
