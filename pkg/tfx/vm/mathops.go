package vm

import "github.com/fortiblox/tfxvm/internal/types"

// Helper functions for the noise and trigonometry opcodes. Angles are
// measured in rotations: 1.0 is a full turn.

var (
	jitterScale  = types.Vec4{4.67, 2.99, 1.08, 1.35}
	jitterOffset = types.Vec4{0.52, 0.37, 0.16, 0.79}

	wanderScale0  = types.Vec4{4.08, 1.02, 3.0 / 5.37, 3.0 / 9.67}
	wanderOffset0 = types.Vec4{0.92, 0.33, 0.26, 0.54}
	wanderScale1  = types.Vec4{1.83, 3.09, 0.39, 0.87}
	wanderOffset1 = types.Vec4{0.12, 0.37, 0.16, 0.79}
	wanderWeights = types.Vec4{0.02, 0.02, 0.28, 0.28}

	// Reciprocals of primes / 1e6.
	randPrimes = types.Vec4{1.0 / 1.043501, 1.0 / 0.794471, 1.0 / 0.113777, 1.0 / 0.015101}

	sinCosPhase = types.Vec4{0, 0.25, 0, 0.25}
)

// wrap maps each component into [-0.5, 0.5].
func wrap(a types.Vec4) types.Vec4 {
	return a.Sub(a.Round())
}

// pseudoSin is a parabolic sine approximation of wrapped rotations.
func pseudoSin(a types.Vec4) types.Vec4 {
	w := wrap(a)
	return w.Mul(w.Abs().Scale(-16).Add(types.Splat(8)))
}

// sinEstimate approximates sin(2*pi*a) with a corrected parabola.
func sinEstimate(a types.Vec4) types.Vec4 {
	w := wrap(a)
	y := w.Mul(w.Abs().Scale(-16).Add(types.Splat(8)))
	return y.Mul(y.Abs().Scale(0.225).Add(types.Splat(0.775)))
}

func cosEstimate(a types.Vec4) types.Vec4 {
	return sinEstimate(a.Add(types.Splat(0.25)))
}

// sinCosEstimate returns (sin x, cos y, sin z, cos w).
func sinCosEstimate(a types.Vec4) types.Vec4 {
	return sinEstimate(a.Add(sinCosPhase))
}

// triangle is a triangle wave in [0, 1] with period 1.
func triangle(x types.Vec4) types.Vec4 {
	return wrap(x).Abs().Scale(2)
}

// hermite returns 3v^2 - 2v^3.
func hermite(v float32) float32 {
	return (-2*v + 3) * (v * v)
}

// jitter is a scaled sum of sines of x.x, smoothed.
func jitter(x types.Vec4) types.Vec4 {
	rot := types.Splat(x[0]).Mul(jitterScale).Add(jitterOffset)
	a := wrap(rot)
	ma := a.Abs().Scale(-16).Add(types.Splat(8))
	v := a.Scale(0.25).Dot(ma) + 0.5
	return types.Splat(hermite(v))
}

// wander is a slow pseudo-random drift around 0.5 driven by x.x.
func wander(x types.Vec4) types.Vec4 {
	xx := types.Splat(x[0])
	s0 := pseudoSin(xx.Mul(wanderScale0).Add(wanderOffset0))
	s1 := pseudoSin(xx.Mul(wanderScale1).Add(wanderOffset1)).Mul(wanderWeights)
	return types.Splat(0.5 + s0.Dot(s1))
}

func fract32(x float32) float32 {
	return x - types.Floor32(x)
}

// hash01 maps an integer-valued float to [0, 1).
func hash01(v float32) float32 {
	h := fract32(types.Splat(v).Dot(randPrimes))
	return fract32(h * h * 251)
}

// random returns a value in [0, 1) that changes at every integer of x.x.
func random(x types.Vec4) types.Vec4 {
	return types.Splat(hash01(types.Floor32(x[0])))
}

// randomSmooth interpolates random values between integers of x.x.
func randomSmooth(x types.Vec4) types.Vec4 {
	v := x[0]
	v0 := types.Round32(v)
	f := v - v0
	smooth := hermite(f)

	r0 := hash01(v0)
	r1 := hash01(v0 + 1)
	return types.Splat(r0 + (r1-r0)*smooth)
}

// cubic evaluates (c.x*x + c.y)*x^2 + (c.z*x + c.w) per component.
func cubic(x, c types.Vec4) types.Vec4 {
	high := x.Scale(c[0]).Add(types.Splat(c[1]))
	low := x.Scale(c[2]).Add(types.Splat(c[3]))
	return high.Mul(x.Mul(x)).Add(low)
}

// lessThan returns 1 where a < b and 0 elsewhere.
func lessThan(a, b types.Vec4) types.Vec4 {
	var r types.Vec4
	for i := range r {
		if a[i] < b[i] {
			r[i] = 1
		}
	}
	return r
}

// isZero returns 1 where v == 0 and 0 elsewhere.
func isZero(v types.Vec4) types.Vec4 {
	var r types.Vec4
	for i := range r {
		if v[i] == 0 {
			r[i] = 1
		}
	}
	return r
}

// selectLanes picks onTrue where cond is non-zero and onFalse elsewhere.
// NaN conditions count as non-zero.
func selectLanes(cond, onTrue, onFalse types.Vec4) types.Vec4 {
	r := onFalse
	for i := range r {
		if cond[i] != 0 {
			r[i] = onTrue[i]
		}
	}
	return r
}

// permute applies a two-bit-per-lane selector.
func permute(v types.Vec4, fields uint8) types.Vec4 {
	return v.Swizzle(fields>>6, fields>>4, fields>>2, fields)
}
