// Package kernel implements the metric-specific distance/similarity
// functions used by the HNSW index and the query engine's similarity()
// predicate. Each metric provides a scalar reference path and a SIMD path;
// the SIMD path is chosen automatically based on the detected CPU features
// and vector size, and always agrees with the scalar path within a 1e-4
// relative-error tolerance.
package kernel

import "github.com/cyberlife-coder/velesdb/internal/verrors"

// Metric identifies one of the supported distance/similarity functions.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	DotProduct
	Hamming
	Jaccard
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "Cosine"
	case Euclidean:
		return "Euclidean"
	case DotProduct:
		return "DotProduct"
	case Hamming:
		return "Hamming"
	case Jaccard:
		return "Jaccard"
	default:
		return "Unknown"
	}
}

// HigherIsBetter reports whether a larger score means "more similar" for
// this metric. Euclidean distance is lower-is-better; everything else here
// is higher-is-better once expressed as a similarity.
func (m Metric) HigherIsBetter() bool {
	return m != Euclidean
}

// ParseMetric maps a VelesQL/config metric name onto a Metric.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "Cosine", "cosine":
		return Cosine, nil
	case "Euclidean", "euclidean", "L2", "l2":
		return Euclidean, nil
	case "DotProduct", "dot", "dotproduct":
		return DotProduct, nil
	case "Hamming", "hamming":
		return Hamming, nil
	case "Jaccard", "jaccard":
		return Jaccard, nil
	default:
		return 0, verrors.New(verrors.ParamInvalid, "kernel", "unknown metric: "+name)
	}
}

// Distance returns the metric's distance between a and b: smaller is always
// closer, regardless of the metric's native higher/lower-is-better
// direction. Dimension mismatches are the caller's responsibility to guard
// against (see Validate).
func Distance(m Metric, a, b []float32) float32 {
	switch m {
	case Cosine:
		return 1 - CosineSimilarity(a, b)
	case Euclidean:
		return EuclideanDistance(a, b)
	case DotProduct:
		return -DotProductScore(a, b)
	case Hamming:
		return HammingDistance(a, b)
	case Jaccard:
		return 1 - JaccardSimilarity(a, b)
	default:
		return 0
	}
}

// Similarity returns the metric's native similarity score: always
// "higher is better" after normalization, used by similarity() and fusion.
func Similarity(m Metric, a, b []float32) float32 {
	switch m {
	case Cosine:
		return CosineSimilarity(a, b)
	case Euclidean:
		// Distances have no natural upper bound; fold into (0,1].
		d := EuclideanDistance(a, b)
		return 1 / (1 + d)
	case DotProduct:
		return DotProductScore(a, b)
	case Hamming:
		d := HammingDistance(a, b)
		if len(a) == 0 {
			return 1
		}
		return 1 - d/float32(len(a))
	case Jaccard:
		return JaccardSimilarity(a, b)
	default:
		return 0
	}
}

// Validate checks that a and b have the same dimension before any
// distance math runs on them.
func Validate(a, b []float32) error {
	if len(a) != len(b) {
		return verrors.New(verrors.DimensionMismatch, "kernel",
			"vector dimension mismatch")
	}
	return nil
}

// BatchDistance scores query against every row in vectors, writing into out
// (which must have len(vectors) capacity).
func BatchDistance(m Metric, query []float32, vectors [][]float32, out []float32) {
	for i, v := range vectors {
		out[i] = Distance(m, query, v)
	}
}
