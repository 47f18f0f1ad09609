// Package types defines the core vector and matrix types used by the TFX runtime.
//
// All arithmetic is carried out in float32 and follows IEEE 754 semantics:
// division by zero yields infinities or NaN and NaN propagates through every
// operation. Nothing in this package clamps or sanitizes values.
package types

import (
	"fmt"
	"math"
)

// Vec4 is a four component float vector (x, y, z, w).
type Vec4 [4]float32

// Common vectors.
var (
	Zero4 = Vec4{0, 0, 0, 0}
	One4  = Vec4{1, 1, 1, 1}
)

// Splat returns a vector with all four components set to v.
func Splat(v float32) Vec4 {
	return Vec4{v, v, v, v}
}

// X returns the first component.
func (v Vec4) X() float32 { return v[0] }

// Add returns v + o.
func (v Vec4) Add(o Vec4) Vec4 {
	return Vec4{v[0] + o[0], v[1] + o[1], v[2] + o[2], v[3] + o[3]}
}

// Sub returns v - o.
func (v Vec4) Sub(o Vec4) Vec4 {
	return Vec4{v[0] - o[0], v[1] - o[1], v[2] - o[2], v[3] - o[3]}
}

// Mul returns the component-wise product.
func (v Vec4) Mul(o Vec4) Vec4 {
	return Vec4{v[0] * o[0], v[1] * o[1], v[2] * o[2], v[3] * o[3]}
}

// Div returns the component-wise quotient.
func (v Vec4) Div(o Vec4) Vec4 {
	return Vec4{v[0] / o[0], v[1] / o[1], v[2] / o[2], v[3] / o[3]}
}

// Scale multiplies every component by s.
func (v Vec4) Scale(s float32) Vec4 {
	return Vec4{v[0] * s, v[1] * s, v[2] * s, v[3] * s}
}

// Dot returns the four component dot product.
func (v Vec4) Dot(o Vec4) float32 {
	// Explicit conversions keep each product rounded, so no FMA is fused.
	return float32(v[0]*o[0]) + float32(v[1]*o[1]) + float32(v[2]*o[2]) + float32(v[3]*o[3])
}

// Cross returns the cross product of the xyz components with w = 0.
func (v Vec4) Cross(o Vec4) Vec4 {
	return Vec4{
		float32(v[1]*o[2]) - float32(v[2]*o[1]),
		float32(v[2]*o[0]) - float32(v[0]*o[2]),
		float32(v[0]*o[1]) - float32(v[1]*o[0]),
		0,
	}
}

// Normalize scales v by the reciprocal of its four component length.
// A zero vector yields NaN in every lane.
func (v Vec4) Normalize() Vec4 {
	return v.Scale(1 / Sqrt32(v.Dot(v)))
}

// Sqrt returns the component-wise square root.
func (v Vec4) Sqrt() Vec4 { return v.Map(Sqrt32) }

// Pow returns v raised to o, component-wise.
func (v Vec4) Pow(o Vec4) Vec4 {
	return Vec4{Pow32(v[0], o[0]), Pow32(v[1], o[1]), Pow32(v[2], o[2]), Pow32(v[3], o[3])}
}

// Map applies f to each component.
func (v Vec4) Map(f func(float32) float32) Vec4 {
	return Vec4{f(v[0]), f(v[1]), f(v[2]), f(v[3])}
}

// Min returns the component-wise minimum.
func (v Vec4) Min(o Vec4) Vec4 {
	var r Vec4
	for i := range v {
		r[i] = min32(v[i], o[i])
	}
	return r
}

// Max returns the component-wise maximum.
func (v Vec4) Max(o Vec4) Vec4 {
	var r Vec4
	for i := range v {
		r[i] = max32(v[i], o[i])
	}
	return r
}

// Clamp clamps each component into [lo, hi].
func (v Vec4) Clamp(lo, hi Vec4) Vec4 {
	return v.Max(lo).Min(hi)
}

// Neg returns -v.
func (v Vec4) Neg() Vec4 {
	return Vec4{-v[0], -v[1], -v[2], -v[3]}
}

// Abs returns the component-wise absolute value.
func (v Vec4) Abs() Vec4 { return v.Map(Abs32) }

// Floor returns the component-wise floor.
func (v Vec4) Floor() Vec4 { return v.Map(Floor32) }

// Ceil returns the component-wise ceiling.
func (v Vec4) Ceil() Vec4 { return v.Map(Ceil32) }

// Round rounds each component half away from zero.
func (v Vec4) Round() Vec4 { return v.Map(Round32) }

// Fract returns v - floor(v).
func (v Vec4) Fract() Vec4 { return v.Sub(v.Floor()) }

// Signum returns 1 or -1 per component following the sign bit; NaN stays NaN.
func (v Vec4) Signum() Vec4 { return v.Map(Signum32) }

// Swizzle returns the vector with components picked by the given lane indices.
func (v Vec4) Swizzle(a, b, c, d uint8) Vec4 {
	return Vec4{v[a&3], v[b&3], v[c&3], v[d&3]}
}

// Equal reports bitwise equality of all components.
func (v Vec4) Equal(o Vec4) bool {
	for i := range v {
		if math.Float32bits(v[i]) != math.Float32bits(o[i]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (v Vec4) String() string {
	return fmt.Sprintf("(%g, %g, %g, %g)", v[0], v[1], v[2], v[3])
}

// Mat4 is a 4x4 matrix stored as four column vectors.
type Mat4 [4]Vec4

// Identity4 returns the identity matrix.
func Identity4() Mat4 {
	return Mat4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// MulVec4 returns m * v.
func (m Mat4) MulVec4(v Vec4) Vec4 {
	r := m[0].Scale(v[0])
	r = r.Add(m[1].Scale(v[1]))
	r = r.Add(m[2].Scale(v[2]))
	return r.Add(m[3].Scale(v[3]))
}

// Transpose returns the transposed matrix.
func (m Mat4) Transpose() Mat4 {
	var t Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			t[r][c] = m[c][r]
		}
	}
	return t
}

// Mul returns m * o.
func (m Mat4) Mul(o Mat4) Mat4 {
	return Mat4{m.MulVec4(o[0]), m.MulVec4(o[1]), m.MulVec4(o[2]), m.MulVec4(o[3])}
}

// Inverse returns the inverse of m. The second result is false when m is
// singular, in which case the zero matrix is returned.
func (m Mat4) Inverse() (Mat4, bool) {
	a00, a01, a02, a03 := m[0][0], m[0][1], m[0][2], m[0][3]
	a10, a11, a12, a13 := m[1][0], m[1][1], m[1][2], m[1][3]
	a20, a21, a22, a23 := m[2][0], m[2][1], m[2][2], m[2][3]
	a30, a31, a32, a33 := m[3][0], m[3][1], m[3][2], m[3][3]

	b00 := a00*a11 - a01*a10
	b01 := a00*a12 - a02*a10
	b02 := a00*a13 - a03*a10
	b03 := a01*a12 - a02*a11
	b04 := a01*a13 - a03*a11
	b05 := a02*a13 - a03*a12
	b06 := a20*a31 - a21*a30
	b07 := a20*a32 - a22*a30
	b08 := a20*a33 - a23*a30
	b09 := a21*a32 - a22*a31
	b10 := a21*a33 - a23*a31
	b11 := a22*a33 - a23*a32

	det := b00*b11 - b01*b10 + b02*b09 + b03*b08 - b04*b07 + b05*b06
	if det == 0 || det != det {
		return Mat4{}, false
	}
	inv := 1 / det

	return Mat4{
		{
			(a11*b11 - a12*b10 + a13*b09) * inv,
			(a02*b10 - a01*b11 - a03*b09) * inv,
			(a31*b05 - a32*b04 + a33*b03) * inv,
			(a22*b04 - a21*b05 - a23*b03) * inv,
		},
		{
			(a12*b08 - a10*b11 - a13*b07) * inv,
			(a00*b11 - a02*b08 + a03*b07) * inv,
			(a32*b02 - a30*b05 - a33*b01) * inv,
			(a20*b05 - a22*b02 + a23*b01) * inv,
		},
		{
			(a10*b10 - a11*b08 + a13*b06) * inv,
			(a01*b08 - a00*b10 - a03*b06) * inv,
			(a30*b04 - a31*b02 + a33*b00) * inv,
			(a21*b02 - a20*b04 - a23*b00) * inv,
		},
		{
			(a11*b07 - a10*b09 - a12*b06) * inv,
			(a00*b09 - a01*b07 + a02*b06) * inv,
			(a31*b01 - a30*b03 - a32*b00) * inv,
			(a20*b03 - a21*b01 + a22*b00) * inv,
		},
	}, true
}

// Linear returns m with its translation removed: the upper 3x3 block and
// a unit w axis.
func (m Mat4) Linear() Mat4 {
	return Mat4{
		{m[0][0], m[0][1], m[0][2], 0},
		{m[1][0], m[1][1], m[1][2], 0},
		{m[2][0], m[2][1], m[2][2], 0},
		{0, 0, 0, 1},
	}
}

// Abs32 returns |x|.
func Abs32(x float32) float32 {
	return math.Float32frombits(math.Float32bits(x) &^ (1 << 31))
}

// Floor32 returns the greatest integer value <= x.
func Floor32(x float32) float32 { return float32(math.Floor(float64(x))) }

// Ceil32 returns the least integer value >= x.
func Ceil32(x float32) float32 { return float32(math.Ceil(float64(x))) }

// Round32 rounds half away from zero.
func Round32(x float32) float32 { return float32(math.Round(float64(x))) }

// Sqrt32 returns the square root of x, NaN for negative x.
func Sqrt32(x float32) float32 { return float32(math.Sqrt(float64(x))) }

// Pow32 returns x**y. A negative x with a non-integer y yields NaN.
func Pow32(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) }

// Signum32 returns 1 for a clear sign bit, -1 for a set one, NaN for NaN.
func Signum32(x float32) float32 {
	if x != x {
		return x
	}
	return float32(math.Copysign(1, float64(x)))
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
