// Package queryengine dispatches parsed VelesQL SELECT statements over a
// collection: condition extraction, search-path selection, cascade
// similarity filtering, fusion, aggregation, ordering, and limits.
package queryengine

import (
	"context"

	"github.com/cyberlife-coder/velesdb/internal/hnsw"
	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

const (
	// MaxLimit clamps any LIMIT clause.
	MaxLimit = 100_000
	// maxDerivedK caps the over-fetched k handed to the index.
	maxDerivedK = 100_000
	// overFetchFactor is the per-similarity over-fetch multiplier.
	overFetchFactor = 10
	// defaultLimit applies when a query carries no LIMIT clause.
	defaultLimit = 10
)

// Source is the collection surface the dispatcher runs against.
type Source interface {
	Name() string
	Dimension() int
	Metric() kernel.Metric
	IDs() []uint64
	Vector(id uint64) ([]float32, error)
	Payload(id uint64) ([]byte, error)
	Search(vec []float32, k, efSearch int) ([]hnsw.SearchResult, error)
}

// Row is one result row: the point id, its reported score (metric
// similarity of the last applied similarity filter, or the NEAR query), the
// raw payload, and the projected/aggregated output values.
type Row struct {
	ID      uint64
	Score   float32
	Payload []byte
	Values  map[string]any
}

// Dispatcher executes SELECTs against one Source.
type Dispatcher struct {
	src Source
}

func New(src Source) *Dispatcher { return &Dispatcher{src: src} }

// ExecuteSelect runs the full dispatch pipeline for one SELECT statement.
func (d *Dispatcher) ExecuteSelect(ctx context.Context, sel *velesql.SelectStmt, params map[string]any) ([]Row, error) {
	limit := effectiveLimit(sel)
	opts, err := parseWithOpts(sel.With)
	if err != nil {
		return nil, err
	}

	cond, err := extractConditions(sel.Where, params)
	if err != nil {
		return nil, err
	}

	var rows []Row
	switch {
	case len(cond.orBranches) > 0:
		rows, err = d.unionBranches(ctx, cond, params, limit, opts)
	case cond.fused != nil:
		rows, err = d.multiQuerySearch(ctx, cond, params, limit)
	case len(cond.notSimilarities) > 0:
		rows, err = d.notSimilarityScan(ctx, cond, limit)
	case cond.nearVector != nil || len(cond.similarities) > 0:
		rows, err = d.vectorSearch(ctx, cond, limit, opts)
	default:
		rows, err = d.metadataScan(ctx, cond, limit, sel)
	}
	if err != nil {
		return nil, err
	}

	if isAggregate(sel) {
		return d.aggregateRows(ctx, sel, rows, params, opts)
	}

	rows, err = d.orderRows(ctx, sel, rows, params)
	if err != nil {
		return nil, err
	}
	rows = d.projectRows(sel, rows)
	if sel.Distinct {
		rows = distinctRows(rows)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func effectiveLimit(sel *velesql.SelectStmt) int {
	limit := defaultLimit
	if sel.Limit != nil {
		limit = *sel.Limit
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

// withOpts carries the recognized WITH(...) query options.
type withOpts struct {
	efSearch  int
	maxGroups int
}

func parseWithOpts(items []*velesql.WithOpt) (withOpts, error) {
	var opts withOpts
	for _, item := range items {
		switch item.Name {
		case "ef", "ef_search":
			n, ok := numberOpt(item.Value)
			if !ok || n <= 0 {
				return opts, verrors.New(verrors.ParamInvalid, "queryengine", "WITH ef must be a positive integer")
			}
			opts.efSearch = n
		case "max_groups":
			n, ok := numberOpt(item.Value)
			if !ok || n <= 0 {
				return opts, verrors.New(verrors.ParamInvalid, "queryengine", "WITH max_groups must be a positive integer")
			}
			opts.maxGroups = n
		default:
			return opts, verrors.New(verrors.Unsupported, "queryengine", "unknown WITH option: "+item.Name)
		}
	}
	return opts, nil
}

func numberOpt(v *velesql.Value) (int, bool) {
	if v == nil || v.Number == nil {
		return 0, false
	}
	return int(*v.Number), true
}

func checkDeadline(ctx context.Context, what string) error {
	select {
	case <-ctx.Done():
		return &verrors.Error{
			Kind:      verrors.LimitExceeded,
			Subsystem: "queryengine",
			SubTag:    verrors.SubTimeout,
			Message:   what + " deadline exceeded",
			Cause:     ctx.Err(),
		}
	default:
		return nil
	}
}
