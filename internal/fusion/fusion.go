// Package fusion combines per-query result lists from multi-vector search
// into a single ranking. Every strategy first normalizes each
// list into "greater is better" using the metric's native direction, so a
// Euclidean candidate list fuses correctly alongside a cosine one.
package fusion

import (
	"math"
	"sort"

	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Scored is one (id, score) entry in a per-query result list.
type Scored struct {
	ID    uint64
	Score float32
}

// Strategy selects the fusion algorithm.
type Strategy int

const (
	RRF Strategy = iota
	Average
	Maximum
	Weighted
)

// ParseStrategy maps a VelesQL WITH/fused option value onto a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "rrf", "RRF":
		return RRF, nil
	case "average", "avg":
		return Average, nil
	case "maximum", "max":
		return Maximum, nil
	case "weighted":
		return Weighted, nil
	default:
		return 0, verrors.New(verrors.ParamInvalid, "fusion", "unknown fusion strategy: "+name)
	}
}

const defaultRRFK = 60

// Config carries strategy parameters. Zero values select the defaults
// (RRF k=60; weighted weights must be set explicitly).
type Config struct {
	Strategy Strategy
	RRFK     int

	WeightAvg float64
	WeightMax float64
	WeightHit float64
}

func (c Config) validate() error {
	if c.Strategy != Weighted {
		return nil
	}
	if c.WeightAvg < 0 || c.WeightMax < 0 || c.WeightHit < 0 {
		return verrors.New(verrors.ParamInvalid, "fusion", "weighted fusion weights must be >= 0")
	}
	sum := c.WeightAvg + c.WeightMax + c.WeightHit
	if math.Abs(sum-1) > 1e-6 {
		return verrors.New(verrors.ParamInvalid, "fusion", "weighted fusion weights must sum to 1")
	}
	return nil
}

// Fuse merges the per-query lists into one ranking, best first.
func Fuse(cfg Config, metric kernel.Metric, lists [][]Scored) ([]Scored, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	norm := normalizeLists(metric, lists)

	switch cfg.Strategy {
	case RRF:
		k := cfg.RRFK
		if k <= 0 {
			k = defaultRRFK
		}
		return fuseRRF(norm, k), nil
	case Average:
		return fuseLinear(norm, 1, 0, 0), nil
	case Maximum:
		return fuseLinear(norm, 0, 1, 0), nil
	case Weighted:
		return fuseLinear(norm, cfg.WeightAvg, cfg.WeightMax, cfg.WeightHit), nil
	default:
		return nil, verrors.New(verrors.ParamInvalid, "fusion", "unknown fusion strategy")
	}
}

// normalizeLists flips lower-is-better metrics and min-max scales each list
// into [0,1] so scores from different query vectors are comparable.
func normalizeLists(metric kernel.Metric, lists [][]Scored) [][]Scored {
	out := make([][]Scored, len(lists))
	for i, list := range lists {
		if len(list) == 0 {
			continue
		}
		scores := make([]Scored, len(list))
		copy(scores, list)
		if !metric.HigherIsBetter() {
			for j := range scores {
				scores[j].Score = -scores[j].Score
			}
		}
		lo, hi := scores[0].Score, scores[0].Score
		for _, s := range scores[1:] {
			if s.Score < lo {
				lo = s.Score
			}
			if s.Score > hi {
				hi = s.Score
			}
		}
		if hi > lo {
			for j := range scores {
				scores[j].Score = (scores[j].Score - lo) / (hi - lo)
			}
		} else {
			for j := range scores {
				scores[j].Score = 1
			}
		}
		out[i] = scores
	}
	return out
}

func fuseRRF(lists [][]Scored, k int) []Scored {
	acc := make(map[uint64]float32)
	for _, list := range lists {
		ranked := make([]Scored, len(list))
		copy(ranked, list)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		for rank, s := range ranked {
			acc[s.ID] += 1 / float32(k+rank+1)
		}
	}
	return sortScored(acc)
}

func fuseLinear(lists [][]Scored, wAvg, wMax, wHit float64) []Scored {
	type stats struct {
		sum  float64
		max  float64
		hits int
	}
	byID := make(map[uint64]*stats)
	for _, list := range lists {
		for _, s := range list {
			st, ok := byID[s.ID]
			if !ok {
				st = &stats{max: math.Inf(-1)}
				byID[s.ID] = st
			}
			st.sum += float64(s.Score)
			if float64(s.Score) > st.max {
				st.max = float64(s.Score)
			}
			st.hits++
		}
	}

	n := len(lists)
	acc := make(map[uint64]float32, len(byID))
	for id, st := range byID {
		// Missing entries contribute 0 to the average.
		avg := st.sum / float64(n)
		hit := float64(st.hits) / float64(n)
		acc[id] = float32(wAvg*avg + wMax*st.max + wHit*hit)
	}
	return sortScored(acc)
}

func sortScored(acc map[uint64]float32) []Scored {
	out := make([]Scored, 0, len(acc))
	for id, score := range acc {
		out = append(out, Scored{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
