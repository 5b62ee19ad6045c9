package kernel

// lanes is the portable SIMD width used by the explicit-lane kernels below:
// 8 float32 lanes, manually unrolled. Go has no first-class SIMD vector
// type, so "explicit SIMD" here means unrolling the reduction loop to the
// width a real 256-bit SIMD register would process per iteration, which is
// what the compiler's auto-vectorizer keys off of and what dispatch.go
// replaces with vek32 when the CPU supports it.
const lanes = 8

func dotProductLanes8(a, b []float32) float32 {
	n := len(a)
	simdLen := n - n%lanes
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	for i := 0; i < simdLen; i += lanes {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	sum := s0 + s1 + s2 + s3 + s4 + s5 + s6 + s7
	for i := simdLen; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2Lanes8(a, b []float32) float32 {
	n := len(a)
	simdLen := n - n%lanes
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	for i := 0; i < simdLen; i += lanes {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		d4 := a[i+4] - b[i+4]
		d5 := a[i+5] - b[i+5]
		d6 := a[i+6] - b[i+6]
		d7 := a[i+7] - b[i+7]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
		s4 += d4 * d4
		s5 += d5 * d5
		s6 += d6 * d6
		s7 += d7 * d7
	}
	sum := s0 + s1 + s2 + s3 + s4 + s5 + s6 + s7
	for i := simdLen; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func sumOfSquaresLanes8(a []float32) float32 {
	n := len(a)
	simdLen := n - n%lanes
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	for i := 0; i < simdLen; i += lanes {
		s0 += a[i] * a[i]
		s1 += a[i+1] * a[i+1]
		s2 += a[i+2] * a[i+2]
		s3 += a[i+3] * a[i+3]
		s4 += a[i+4] * a[i+4]
		s5 += a[i+5] * a[i+5]
		s6 += a[i+6] * a[i+6]
		s7 += a[i+7] * a[i+7]
	}
	sum := s0 + s1 + s2 + s3 + s4 + s5 + s6 + s7
	for i := simdLen; i < n; i++ {
		sum += a[i] * a[i]
	}
	return sum
}
