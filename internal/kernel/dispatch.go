package kernel

import (
	"math"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/viterin/vek/vek32"
)

// simdThreshold is the minimum vector length below which the fixed
// per-call overhead of the accelerated path outweighs its benefit; short
// vectors fall back to the portable 8-lane kernels directly.
const simdThreshold = 16

// hasAccel is computed once via cpuid feature detection; no other
// process-global state exists.
var hasAccel = sync.OnceValue(func() bool {
	return cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.AVX512F) || cpuid.CPU.Supports(cpuid.ASIMD)
})

// dotProductDispatch routes to vek32's SIMD dot product when the CPU
// reports AVX2/AVX-512/NEON support and the vector is long enough to
// amortize dispatch overhead, else to the portable 8-lane kernel.
func dotProductDispatch(a, b []float32) float32 {
	if len(a) >= simdThreshold && hasAccel() {
		return vek32.Dot(a, b)
	}
	return dotProductLanes8(a, b)
}

func squaredL2Dispatch(a, b []float32) float32 {
	if len(a) >= simdThreshold && hasAccel() {
		// sum((a-b)^2) = dot(a,a) - 2*dot(a,b) + dot(b,b)
		return vek32.Dot(a, a) - 2*vek32.Dot(a, b) + vek32.Dot(b, b)
	}
	return squaredL2Lanes8(a, b)
}

func sumOfSquaresDispatch(a []float32) float32 {
	if len(a) >= simdThreshold && hasAccel() {
		return vek32.Dot(a, a)
	}
	return sumOfSquaresLanes8(a)
}

// CosineSimilarity returns cos(theta) between a and b, 0 if either vector
// has zero norm.
func CosineSimilarity(a, b []float32) float32 {
	dot := dotProductDispatch(a, b)
	na := sumOfSquaresDispatch(a)
	nb := sumOfSquaresDispatch(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(squaredL2Dispatch(a, b))))
}

// DotProductScore returns the raw dot product, used directly as a
// higher-is-better similarity for the DotProduct metric.
func DotProductScore(a, b []float32) float32 {
	return dotProductDispatch(a, b)
}

// HammingDistance and JaccardSimilarity operate on vectors treated as
// coordinate-wise categorical/binary features; they have no 8-lane or
// accelerated variant and always run the scalar reference kernel.
func HammingDistance(a, b []float32) float32 {
	return hammingDistanceScalar(a, b)
}

func JaccardSimilarity(a, b []float32) float32 {
	return jaccardSimilarityScalar(a, b)
}
