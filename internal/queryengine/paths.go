package queryengine

import (
	"context"
	"sort"

	"github.com/cyberlife-coder/velesdb/internal/filter"
	"github.com/cyberlife-coder/velesdb/internal/fusion"
	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// derivedK computes the over-fetch for the kNN paths: limit x 10 x
// max(1, number of similarity filters), hard-capped.
func derivedK(limit, similarityCount int) int {
	n := similarityCount
	if n < 1 {
		n = 1
	}
	k := limit * overFetchFactor * n
	if k > maxDerivedK {
		k = maxDerivedK
	}
	if k < 1 {
		k = 1
	}
	return k
}

// vectorSearch is the kNN family of paths: (V,-,-), (V,-,M), (V,S,M) and
// (-,S,M). The query vector is NEAR's when present, otherwise the first
// similarity filter's. Survivors then pass through the cascade and the
// residual metadata filter.
func (d *Dispatcher) vectorSearch(ctx context.Context, cond *conditions, limit int, opts withOpts) ([]Row, error) {
	query := cond.nearVector
	if query == nil {
		query = cond.similarities[0].vector
	}
	if len(query) != d.src.Dimension() {
		return nil, verrors.New(verrors.DimensionMismatch, "queryengine",
			"query vector dimension does not match collection")
	}

	k := derivedK(limit, len(cond.similarities))
	hits, err := d.src.Search(query, k, opts.efSearch)
	if err != nil {
		return nil, err
	}

	metric := d.src.Metric()
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		if err := checkDeadline(ctx, "vector search"); err != nil {
			return nil, err
		}
		vec := queryVectorOrNil(d.src, h.ID)
		if len(vec) != len(query) {
			// The point vanished between the index hit and the read.
			continue
		}
		rows = append(rows, Row{ID: h.ID, Score: kernel.Similarity(metric, query, vec)})
	}

	rows, err = d.applyCascade(ctx, cond.similarities, rows)
	if err != nil {
		return nil, err
	}
	rows, err = d.applyMetaFilter(ctx, cond, rows)
	if err != nil {
		return nil, err
	}

	sortRowsByScore(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func queryVectorOrNil(src Source, id uint64) []float32 {
	v, err := src.Vector(id)
	if err != nil {
		return nil
	}
	return v
}

// applyCascade runs the ordered similarity() chain: each filter keeps the
// rows passing its threshold and resets every survivor's score to its own
// metric score, so the final reported score is always against the last
// filter's vector.
func (d *Dispatcher) applyCascade(ctx context.Context, chain []similarityCond, rows []Row) ([]Row, error) {
	metric := d.src.Metric()
	for _, sc := range chain {
		if len(sc.vector) != d.src.Dimension() {
			return nil, verrors.New(verrors.DimensionMismatch, "queryengine",
				"similarity vector dimension does not match collection")
		}
		kept := rows[:0]
		for _, row := range rows {
			if err := checkDeadline(ctx, "cascade filter"); err != nil {
				return nil, err
			}
			vec, err := d.src.Vector(row.ID)
			if err != nil || len(vec) != len(sc.vector) {
				continue
			}
			score := float64(kernel.Similarity(metric, vec, sc.vector))
			if !compareThreshold(score, sc.op, sc.threshold) {
				continue
			}
			row.Score = float32(score)
			kept = append(kept, row)
		}
		rows = kept
	}
	return rows, nil
}

func compareThreshold(score float64, op string, threshold float64) bool {
	switch op {
	case "=":
		return score == threshold
	case "!=", "<>":
		return score != threshold
	case "<":
		return score < threshold
	case "<=":
		return score <= threshold
	case ">":
		return score > threshold
	case ">=":
		return score >= threshold
	}
	return false
}

func (d *Dispatcher) applyMetaFilter(ctx context.Context, cond *conditions, rows []Row) ([]Row, error) {
	if _, isTrue := cond.meta.(filter.True); isTrue {
		return rows, nil
	}
	kept := rows[:0]
	for _, row := range rows {
		if err := checkDeadline(ctx, "metadata filter"); err != nil {
			return nil, err
		}
		payload := row.Payload
		if payload == nil {
			p, err := d.src.Payload(row.ID)
			if err == nil {
				payload = p
			}
		}
		if !cond.meta.Matches(payload) {
			continue
		}
		row.Payload = payload
		kept = append(kept, row)
	}
	return kept, nil
}

// metadataScan is the no-vector path: a full scan filtered by the residual
// metadata predicate, capped by the limit unless the query aggregates or
// orders (then every match must be seen).
func (d *Dispatcher) metadataScan(ctx context.Context, cond *conditions, limit int, sel *velesql.SelectStmt) ([]Row, error) {
	unbounded := isAggregate(sel) || len(sel.OrderBy) > 0 || sel.Distinct
	var rows []Row
	for _, id := range d.src.IDs() {
		if err := checkDeadline(ctx, "scan"); err != nil {
			return nil, err
		}
		payload, err := d.src.Payload(id)
		if err != nil {
			payload = nil
		}
		if !cond.meta.Matches(payload) {
			continue
		}
		rows = append(rows, Row{ID: id, Payload: payload})
		if !unbounded && len(rows) >= limit {
			break
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// notSimilarityScan is the dedicated path for top-level NOT similarity():
// every vector is scored against each negated filter and kept only when
// the inverted predicate holds.
func (d *Dispatcher) notSimilarityScan(ctx context.Context, cond *conditions, limit int) ([]Row, error) {
	metric := d.src.Metric()
	for _, sc := range cond.notSimilarities {
		if len(sc.vector) != d.src.Dimension() {
			return nil, verrors.New(verrors.DimensionMismatch, "queryengine",
				"similarity vector dimension does not match collection")
		}
	}
	var rows []Row
	for _, id := range d.src.IDs() {
		if err := checkDeadline(ctx, "not-similarity scan"); err != nil {
			return nil, err
		}
		vec, err := d.src.Vector(id)
		if err != nil || len(vec) == 0 {
			continue
		}
		keep := true
		var lastScore float32
		for _, sc := range cond.notSimilarities {
			score := float64(kernel.Similarity(metric, vec, sc.vector))
			if compareThreshold(score, sc.op, sc.threshold) {
				keep = false
				break
			}
			lastScore = float32(score)
		}
		if !keep {
			continue
		}
		rows = append(rows, Row{ID: id, Score: lastScore})
	}

	rows, err := d.applyCascade(ctx, cond.similarities, rows)
	if err != nil {
		return nil, err
	}
	rows, err = d.applyMetaFilter(ctx, cond, rows)
	if err != nil {
		return nil, err
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// multiQuerySearch implements NEAR_FUSED: resolve every
// query vector, run per-vector kNN, fuse with the configured strategy, then
// apply the residual metadata filter.
func (d *Dispatcher) multiQuerySearch(ctx context.Context, cond *conditions, params map[string]any, limit int) ([]Row, error) {
	cfg, err := fusedConfig(cond.fused, params)
	if err != nil {
		return nil, err
	}

	k := derivedK(limit, 1)
	lists := make([][]fusion.Scored, 0, len(cond.fused.Params))
	metric := d.src.Metric()
	for _, p := range cond.fused.Params {
		vec, err := velesql.ResolveVector(p, params)
		if err != nil {
			return nil, err
		}
		if len(vec) != d.src.Dimension() {
			return nil, verrors.New(verrors.DimensionMismatch, "queryengine",
				"fused query vector dimension does not match collection")
		}
		hits, err := d.src.Search(vec, k, 0)
		if err != nil {
			return nil, err
		}
		list := make([]fusion.Scored, 0, len(hits))
		for _, h := range hits {
			if err := checkDeadline(ctx, "fused search"); err != nil {
				return nil, err
			}
			pv := queryVectorOrNil(d.src, h.ID)
			if len(pv) != len(vec) {
				continue
			}
			list = append(list, fusion.Scored{ID: h.ID, Score: kernel.Similarity(metric, vec, pv)})
		}
		lists = append(lists, list)
	}

	fused, err := fusion.Fuse(cfg, metric, lists)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(fused))
	for _, s := range fused {
		rows = append(rows, Row{ID: s.ID, Score: s.Score})
	}
	rows, err = d.applyMetaFilter(ctx, cond, rows)
	if err != nil {
		return nil, err
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func fusedConfig(fc *velesql.NearFusedCond, params map[string]any) (fusion.Config, error) {
	cfg := fusion.Config{Strategy: fusion.RRF}
	for _, opt := range fc.Options {
		v, err := opt.Value.Resolve(params)
		if err != nil {
			return cfg, err
		}
		switch opt.Name {
		case "strategy":
			name, ok := v.(string)
			if !ok {
				return cfg, verrors.New(verrors.ParamInvalid, "queryengine", "fusion strategy must be a string")
			}
			s, err := fusion.ParseStrategy(name)
			if err != nil {
				return cfg, err
			}
			cfg.Strategy = s
		case "k":
			f, ok := v.(float64)
			if !ok {
				return cfg, verrors.New(verrors.ParamInvalid, "queryengine", "fusion k must be a number")
			}
			cfg.RRFK = int(f)
		case "w_avg":
			cfg.WeightAvg = asFloat(v)
		case "w_max":
			cfg.WeightMax = asFloat(v)
		case "w_hit":
			cfg.WeightHit = asFloat(v)
		default:
			return cfg, verrors.New(verrors.Unsupported, "queryengine", "unknown NEAR_FUSED option: "+opt.Name)
		}
	}
	return cfg, nil
}

func asFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

// unionBranches runs each OR branch as its own query and unions the
// results, deduplicating by id and keeping the best-scoring occurrence.
func (d *Dispatcher) unionBranches(ctx context.Context, cond *conditions, params map[string]any, limit int, opts withOpts) ([]Row, error) {
	seen := make(map[uint64]int)
	var merged []Row

	for _, branch := range cond.orBranches {
		branchExpr := &velesql.Expr{Or: []*velesql.AndExpr{branch}}
		bc, err := extractConditions(branchExpr, params)
		if err != nil {
			return nil, err
		}

		var rows []Row
		switch {
		case bc.nearVector != nil || len(bc.similarities) > 0:
			rows, err = d.vectorSearch(ctx, bc, limit, opts)
		case len(bc.notSimilarities) > 0:
			rows, err = d.notSimilarityScan(ctx, bc, limit)
		default:
			rows, err = d.metadataScan(ctx, bc, limit, &velesql.SelectStmt{})
		}
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			if idx, dup := seen[row.ID]; dup {
				// Scores are kernel.Similarity values, already
				// higher-is-better; keep the best occurrence.
				if row.Score > merged[idx].Score {
					merged[idx].Score = row.Score
				}
				continue
			}
			seen[row.ID] = len(merged)
			merged = append(merged, row)
		}
	}

	sortRowsByScore(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func sortRowsByScore(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].ID < rows[j].ID
	})
}
