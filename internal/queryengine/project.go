package queryengine

import (
	"context"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/cyberlife-coder/velesdb/internal/aggregate"
	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// parallelChunk is the fixed chunk size for data-parallel aggregation over
// long scans.
const parallelChunk = 1000

func isAggregate(sel *velesql.SelectStmt) bool {
	if len(sel.GroupBy) > 0 {
		return true
	}
	for _, p := range sel.Projections {
		if p.Agg != nil {
			return true
		}
	}
	return false
}

// aggregateRows folds the filtered row set through the streaming
// accumulator, grouped when GROUP BY is present, applying HAVING and the
// aggregate ORDER BY afterwards.
func (d *Dispatcher) aggregateRows(ctx context.Context, sel *velesql.SelectStmt, rows []Row, params map[string]any, opts withOpts) ([]Row, error) {
	if len(sel.GroupBy) == 0 {
		acc, err := d.accumulate(ctx, sel, rows)
		if err != nil {
			return nil, err
		}
		out := Row{Values: make(map[string]any, len(sel.Projections))}
		for _, p := range sel.Projections {
			if p.Agg == nil {
				return nil, verrors.New(verrors.QueryValidation, "queryengine",
					"non-aggregate projection requires GROUP BY")
			}
			out.Values[projectionKey(p)] = evalAgg(acc, p.Agg)
		}
		return []Row{out}, nil
	}

	grouped := aggregate.NewGrouped(opts.maxGroups)
	groupPaths := make([]string, len(sel.GroupBy))
	for i, p := range sel.GroupBy {
		groupPaths[i] = p.String()
	}

	for _, row := range rows {
		if err := checkDeadline(ctx, "grouped aggregation"); err != nil {
			return nil, err
		}
		keyValues := make([]any, len(groupPaths))
		for i, path := range groupPaths {
			r := gjson.GetBytes(row.Payload, path)
			if r.Exists() {
				keyValues[i] = r.Value()
			}
		}
		acc, err := grouped.Get(aggregate.NewGroupKey(keyValues))
		if err != nil {
			return nil, err
		}
		d.foldRow(sel, acc, row)
	}

	var out []Row
	var havingErr error
	grouped.Each(func(key aggregate.GroupKey, acc *aggregate.Accumulator) {
		if havingErr != nil {
			return
		}
		if sel.Having != nil {
			keep, err := evalHaving(sel.Having, acc, groupPaths, key.Values, params)
			if err != nil {
				havingErr = err
				return
			}
			if !keep {
				return
			}
		}
		values := make(map[string]any, len(sel.Projections))
		for _, p := range sel.Projections {
			switch {
			case p.Agg != nil:
				values[projectionKey(p)] = evalAgg(acc, p.Agg)
			case p.Path != nil:
				for i, path := range groupPaths {
					if path == p.Path.String() {
						values[projectionKey(p)] = key.Values[i]
					}
				}
			}
		}
		out = append(out, Row{Values: values})
	})
	if havingErr != nil {
		return nil, havingErr
	}

	if len(sel.OrderBy) > 0 {
		sortValueRows(out, sel.OrderBy)
	}
	limit := effectiveLimit(sel)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// accumulate runs the ungrouped fold, going data-parallel in fixed-size
// chunks with a final merge once the row set is large enough to pay for
// the fan-out.
func (d *Dispatcher) accumulate(ctx context.Context, sel *velesql.SelectStmt, rows []Row) (*aggregate.Accumulator, error) {
	if err := checkDeadline(ctx, "aggregation"); err != nil {
		return nil, err
	}
	if len(rows) < parallelChunk*2 {
		acc := aggregate.NewAccumulator()
		for _, row := range rows {
			d.foldRow(sel, acc, row)
		}
		return acc, nil
	}

	workers := runtime.NumCPU()
	chunks := (len(rows) + parallelChunk - 1) / parallelChunk
	if workers > chunks {
		workers = chunks
	}
	partials := make([]*aggregate.Accumulator, chunks)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for c := 0; c < chunks; c++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(c int) {
			defer wg.Done()
			defer func() { <-sem }()
			acc := aggregate.NewAccumulator()
			start := c * parallelChunk
			end := start + parallelChunk
			if end > len(rows) {
				end = len(rows)
			}
			for _, row := range rows[start:end] {
				d.foldRow(sel, acc, row)
			}
			partials[c] = acc
		}(c)
	}
	wg.Wait()

	acc := aggregate.NewAccumulator()
	for _, p := range partials {
		acc.Merge(p)
	}
	return acc, nil
}

func (d *Dispatcher) foldRow(sel *velesql.SelectStmt, acc *aggregate.Accumulator, row Row) {
	acc.AddRow()
	seen := make(map[string]bool, len(sel.Projections))
	for _, p := range sel.Projections {
		if p.Agg == nil || p.Agg.Star {
			continue
		}
		path := p.Agg.Col.String()
		if seen[path] {
			continue
		}
		seen[path] = true
		r := gjson.GetBytes(row.Payload, path)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type == gjson.Number {
			acc.AddValue(path, r.Float())
		} else {
			acc.AddPresent(path)
		}
	}
}

func evalAgg(acc *aggregate.Accumulator, call *velesql.AggCall) any {
	if call.Star {
		return acc.Eval(aggregate.FuncCountStar, "")
	}
	col := call.Col.String()
	switch call.Func {
	case "COUNT":
		return acc.Eval(aggregate.FuncCount, col)
	case "SUM":
		return acc.Eval(aggregate.FuncSum, col)
	case "AVG":
		return acc.Eval(aggregate.FuncAvg, col)
	case "MIN":
		return acc.Eval(aggregate.FuncMin, col)
	case "MAX":
		return acc.Eval(aggregate.FuncMax, col)
	}
	return nil
}

func projectionKey(p *velesql.Projection) string {
	if p.Alias != "" {
		return p.Alias
	}
	if p.Agg != nil {
		if p.Agg.Star {
			return strings.ToUpper(p.Agg.Func) + "(*)"
		}
		return strings.ToUpper(p.Agg.Func) + "(" + p.Agg.Col.String() + ")"
	}
	if p.Path != nil {
		return p.Path.String()
	}
	return "*"
}

// evalHaving evaluates a HAVING expression per group: aggregate conditions
// resolve against the group's accumulator, plain comparisons resolve
// against the group key columns.
func evalHaving(e *velesql.Expr, acc *aggregate.Accumulator, groupPaths []string, keyValues []any, params map[string]any) (bool, error) {
	for _, and := range e.Or {
		ok, err := evalHavingAnd(and, acc, groupPaths, keyValues, params)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalHavingAnd(a *velesql.AndExpr, acc *aggregate.Accumulator, groupPaths []string, keyValues []any, params map[string]any) (bool, error) {
	for _, unary := range a.And {
		ok, err := evalHavingUnary(unary, acc, groupPaths, keyValues, params)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalHavingUnary(u *velesql.UnaryExpr, acc *aggregate.Accumulator, groupPaths []string, keyValues []any, params map[string]any) (bool, error) {
	negated := false
	for u.Not != nil {
		negated = !negated
		u = u.Not
	}
	c := u.Cond

	var ok bool
	var err error
	switch {
	case c.Group != nil:
		ok, err = evalHaving(c.Group, acc, groupPaths, keyValues, params)
	case c.Agg != nil:
		ok, err = evalAggCond(c.Agg, acc, params)
	case c.Field != nil && c.Field.Tail.Cmp != nil:
		ok, err = evalGroupKeyCond(c.Field, groupPaths, keyValues, params)
	default:
		return false, verrors.New(verrors.QueryValidation, "queryengine",
			"HAVING supports aggregate and group-key conditions only")
	}
	if err != nil {
		return false, err
	}
	if negated {
		return !ok, nil
	}
	return ok, nil
}

func evalAggCond(c *velesql.AggCond, acc *aggregate.Accumulator, params map[string]any) (bool, error) {
	raw, err := c.Value.Resolve(params)
	if err != nil {
		return false, err
	}
	want, ok := toFloat64(raw)
	if !ok {
		return false, verrors.New(verrors.QueryValidation, "queryengine",
			"HAVING aggregate comparison requires a numeric value")
	}
	got, ok := toFloat64(evalAgg(acc, c.Agg))
	if !ok {
		return false, nil
	}
	return compareThreshold(got, c.Op, want), nil
}

func evalGroupKeyCond(fc *velesql.FieldCond, groupPaths []string, keyValues []any, params map[string]any) (bool, error) {
	want, err := fc.Tail.Cmp.Value.Resolve(params)
	if err != nil {
		return false, err
	}
	for i, path := range groupPaths {
		if path != fc.Path.String() {
			continue
		}
		return compareAnyOp(keyValues[i], fc.Tail.Cmp.Op, want), nil
	}
	return false, verrors.New(verrors.QueryValidation, "queryengine",
		"HAVING references a column not in GROUP BY: "+fc.Path.String())
}

// orderRows applies the ORDER BY clause to non-aggregate rows: payload
// paths, similarity() scalars, or the reported score.
// Missing values sort as less.
func (d *Dispatcher) orderRows(ctx context.Context, sel *velesql.SelectStmt, rows []Row, params map[string]any) ([]Row, error) {
	if len(sel.OrderBy) == 0 {
		return rows, nil
	}

	// Precompute similarity() sort keys once per row, not per comparison.
	simKeys := make([][]float64, len(sel.OrderBy))
	for i, item := range sel.OrderBy {
		if item.Similarity == nil {
			continue
		}
		vec, err := velesql.ResolveVector(item.Similarity.Param, params)
		if err != nil {
			return nil, err
		}
		keys := make([]float64, len(rows))
		metric := d.src.Metric()
		for j, row := range rows {
			if err := checkDeadline(ctx, "order by"); err != nil {
				return nil, err
			}
			v, err := d.src.Vector(row.ID)
			if err != nil || len(v) == 0 {
				keys[j] = math.Inf(-1)
				continue
			}
			keys[j] = float64(kernel.Similarity(metric, v, vec))
		}
		simKeys[i] = keys
	}

	indices := make([]int, len(rows))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		for i, item := range sel.OrderBy {
			var cmp int
			if item.Similarity != nil {
				cmp = totalCmp(simKeys[i][indices[a]], simKeys[i][indices[b]])
			} else {
				av := orderPathValue(rows[indices[a]], item.Path)
				bv := orderPathValue(rows[indices[b]], item.Path)
				cmp = compareAny(av, bv)
			}
			if cmp == 0 {
				continue
			}
			if item.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	out := make([]Row, len(rows))
	for i, idx := range indices {
		out[i] = rows[idx]
	}
	return out, nil
}

func orderPathValue(row Row, path *velesql.Path) any {
	if path == nil {
		return nil
	}
	if path.String() == "score" {
		return float64(row.Score)
	}
	r := gjson.GetBytes(row.Payload, path.String())
	if !r.Exists() {
		return nil
	}
	return r.Value()
}

// sortValueRows orders aggregate output rows by alias lookups in Values,
// comparing numerics with a total order.
func sortValueRows(rows []Row, orderBy []*velesql.OrderItem) {
	sort.SliceStable(rows, func(a, b int) bool {
		for _, item := range orderBy {
			if item.Path == nil {
				continue
			}
			av := rows[a].Values[item.Path.String()]
			bv := rows[b].Values[item.Path.String()]
			cmp := compareAny(av, bv)
			if cmp == 0 {
				continue
			}
			if item.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// projectRows materializes named-column projections into each row's
// Values. SELECT * leaves Values nil; the caller returns whole points.
func (d *Dispatcher) projectRows(sel *velesql.SelectStmt, rows []Row) []Row {
	named := false
	for _, p := range sel.Projections {
		if !p.Star {
			named = true
		}
	}
	if !named {
		return rows
	}
	for i := range rows {
		values := make(map[string]any, len(sel.Projections))
		for _, p := range sel.Projections {
			if p.Path == nil {
				continue
			}
			r := gjson.GetBytes(rows[i].Payload, p.Path.String())
			if r.Exists() {
				values[projectionKey(p)] = r.Value()
			} else {
				values[projectionKey(p)] = nil
			}
		}
		rows[i].Values = values
	}
	return rows
}

// distinctRows deduplicates by the projected columns (or by id for SELECT
// *), retaining the first occurrence.
func distinctRows(rows []Row) []Row {
	seen := make(map[uint64]bool)
	out := rows[:0]
	for _, row := range rows {
		var key aggregate.GroupKey
		if row.Values != nil {
			names := make([]string, 0, len(row.Values))
			for name := range row.Values {
				names = append(names, name)
			}
			sort.Strings(names)
			values := make([]any, len(names))
			for i, name := range names {
				values[i] = row.Values[name]
			}
			key = aggregate.NewGroupKey(values)
		} else {
			key = aggregate.NewGroupKey([]any{row.ID})
		}
		if seen[key.Hash] {
			continue
		}
		seen[key.Hash] = true
		out = append(out, row)
	}
	return out
}

// totalCmp is the IEEE 754 total order over float64: a NaN with the sign
// bit set sorts before -Inf, and a positive NaN (what math.NaN returns)
// sorts after +Inf.
func totalCmp(a, b float64) int {
	ab := int64(math.Float64bits(a))
	bb := int64(math.Float64bits(b))
	ab ^= (ab >> 63) & 0x7fffffffffffffff
	bb ^= (bb >> 63) & 0x7fffffffffffffff
	switch {
	case ab < bb:
		return -1
	case ab > bb:
		return 1
	default:
		return 0
	}
}

func compareAny(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return totalCmp(af, bf)
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func compareAnyOp(a any, op string, b any) bool {
	cmp := compareAny(a, b)
	switch op {
	case "=":
		return cmp == 0
	case "!=", "<>":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}
