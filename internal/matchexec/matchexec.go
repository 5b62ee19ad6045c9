// Package matchexec executes MATCH pattern statements against the edge
// store and a node source: start-node scanning, single and
// multi-hop chaining with bounded BFS per hop, binding-aware WHERE
// evaluation, and RETURN projection.
package matchexec

import (
	"context"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cyberlife-coder/velesdb/internal/filter"
	"github.com/cyberlife-coder/velesdb/internal/graph"
	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// maxPatternDepth caps the summed hop-range depth of a pattern.
const maxPatternDepth = 10

// NodeSource resolves node ids to their payloads and vectors. Implemented
// by the collection; the executor never touches storage directly.
type NodeSource interface {
	IDs() []uint64
	Payload(id uint64) ([]byte, error)
	Vector(id uint64) ([]float32, error)
	Metric() kernel.Metric
}

// Result is one pattern match: the final node, its depth and path from the
// start node, the alias bindings accumulated across hops, and the RETURN
// projection.
type Result struct {
	NodeID    uint64
	Depth     int
	Path      []uint64
	Bindings  map[string]uint64
	Projected map[string]any
}

type Executor struct {
	nodes NodeSource
	edges *graph.Store
}

func New(nodes NodeSource, edges *graph.Store) *Executor {
	return &Executor{nodes: nodes, edges: edges}
}

// Execute runs the full MATCH pipeline. The context deadline is checked at
// hop and candidate boundaries.
func (e *Executor) Execute(ctx context.Context, stmt *velesql.MatchStmt, params map[string]any) ([]Result, error) {
	starts, err := e.findStartNodes(ctx, stmt.Pattern.Start)
	if err != nil {
		return nil, err
	}

	var matches []Result
	if len(stmt.Pattern.Hops) == 0 {
		for _, id := range starts {
			matches = append(matches, Result{
				NodeID:   id,
				Bindings: bind(nil, stmt.Pattern.Start.Alias, id),
			})
		}
	} else {
		matches, err = e.expandHops(ctx, stmt.Pattern, starts)
		if err != nil {
			return nil, err
		}
	}

	limit := 0
	if stmt.Limit != nil {
		limit = *stmt.Limit
	}

	var out []Result
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, verrors.Wrap(verrors.LimitExceeded, "matchexec", "match deadline exceeded", err)
		}
		if stmt.Where != nil {
			ok, err := e.evalExpr(stmt.Where, &m, params)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if err := e.project(&m, stmt.Return); err != nil {
			return nil, err
		}
		out = append(out, m)
		if len(stmt.OrderBy) == 0 && limit > 0 && len(out) >= limit {
			return out, nil
		}
	}

	if len(stmt.OrderBy) > 0 {
		e.sortResults(out, stmt.OrderBy)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

// findStartNodes scans the node source for nodes whose payload satisfies
// the first node pattern: every required label in _labels, and every
// property literal equal.
func (e *Executor) findStartNodes(ctx context.Context, pattern *velesql.NodePattern) ([]uint64, error) {
	var out []uint64
	for _, id := range e.nodes.IDs() {
		if err := ctx.Err(); err != nil {
			return nil, verrors.Wrap(verrors.LimitExceeded, "matchexec", "start scan deadline exceeded", err)
		}
		ok, err := e.nodeMatches(id, pattern)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (e *Executor) nodeMatches(id uint64, pattern *velesql.NodePattern) (bool, error) {
	if pattern == nil || (len(pattern.Labels) == 0 && len(pattern.Props) == 0) {
		return true, nil
	}
	payload, err := e.nodes.Payload(id)
	if err != nil || payload == nil {
		return false, nil
	}

	if len(pattern.Labels) > 0 {
		labels := gjson.GetBytes(payload, "_labels")
		if !labels.IsArray() {
			return false, nil
		}
		for _, want := range pattern.Labels {
			found := false
			labels.ForEach(func(_, l gjson.Result) bool {
				if l.Str == want {
					found = true
					return false
				}
				return true
			})
			if !found {
				return false, nil
			}
		}
	}

	for _, prop := range pattern.Props {
		want, err := prop.Value.Resolve(nil)
		if err != nil {
			return false, err
		}
		cmp := filter.Comparison{Path: prop.Key, Op: filter.OpEq, Value: want}
		if !cmp.Matches(payload) {
			return false, nil
		}
	}
	return true, nil
}

// expandHops chains the pattern's relationships: each hop runs a bounded
// BFS from every current candidate, filters targets by the hop's node
// pattern, extends bindings, and concatenates paths.
func (e *Executor) expandHops(ctx context.Context, pattern *velesql.PathPattern, starts []uint64) ([]Result, error) {
	totalDepth := 0
	for _, hop := range pattern.Hops {
		totalDepth += hop.Rel.Range.End()
	}
	if totalDepth > maxPatternDepth {
		totalDepth = maxPatternDepth
	}

	current := make([]Result, 0, len(starts))
	for _, id := range starts {
		current = append(current, Result{
			NodeID:   id,
			Bindings: bind(nil, pattern.Start.Alias, id),
		})
	}

	budget := totalDepth
	for _, hop := range pattern.Hops {
		hopDepth := hop.Rel.Range.End()
		if hopDepth > budget {
			hopDepth = budget
		}
		if hopDepth < 1 {
			hopDepth = 1
		}
		minDepth := 1
		if hop.Rel.Range != nil {
			minDepth = hop.Rel.Range.Min
		}

		var next []Result
		for _, cand := range current {
			if err := ctx.Err(); err != nil {
				return nil, verrors.Wrap(verrors.LimitExceeded, "matchexec", "hop expansion deadline exceeded", err)
			}
			reachable, err := graph.BFS(ctx, e.edges, cand.NodeID, graph.TraversalConfig{
				MaxDepth: hopDepth,
				RelTypes: hop.Rel.Types,
			})
			if err != nil {
				return nil, err
			}
			for _, r := range reachable {
				if r.Depth < minDepth {
					continue
				}
				ok, err := e.nodeMatches(r.TargetID, hop.Node)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				path := append(append([]uint64{}, cand.Path...), r.Path...)
				next = append(next, Result{
					NodeID:   r.TargetID,
					Depth:    cand.Depth + r.Depth,
					Path:     path,
					Bindings: bind(cand.Bindings, hop.Node.Alias, r.TargetID),
				})
			}
		}
		current = next
		budget -= hopDepth
	}
	return current, nil
}

func bind(parent map[string]uint64, alias string, id uint64) map[string]uint64 {
	out := make(map[string]uint64, len(parent)+1)
	for k, v := range parent {
		out[k] = v
	}
	if alias != "" {
		out[alias] = id
	}
	return out
}

// project evaluates the RETURN items: a bare alias yields the bound node's
// id, alias.prop[.nested] resolves into its payload.
func (e *Executor) project(m *Result, items []*velesql.ReturnItem) error {
	m.Projected = make(map[string]any, len(items))
	for _, item := range items {
		if item.Star {
			m.Projected["*"] = m.NodeID
			continue
		}
		key := item.Path.String()
		if item.Alias != "" {
			key = item.Alias
		}

		alias := item.Path.Head()
		id, bound := m.Bindings[alias]
		if !bound {
			id = m.NodeID
		}
		if len(item.Path.Parts) == 1 && bound {
			m.Projected[key] = id
			continue
		}

		rest := item.Path.Rest()
		if !bound {
			rest = item.Path.String()
		}
		payload, err := e.nodes.Payload(id)
		if err != nil || payload == nil {
			m.Projected[key] = nil
			continue
		}
		r := gjson.GetBytes(payload, rest)
		if !r.Exists() {
			m.Projected[key] = nil
			continue
		}
		m.Projected[key] = r.Value()
	}
	return nil
}

func (e *Executor) sortResults(results []Result, orderBy []*velesql.OrderItem) {
	sort.SliceStable(results, func(i, j int) bool {
		for _, item := range orderBy {
			cmp := e.compareForOrder(&results[i], &results[j], item)
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

func (e *Executor) compareForOrder(a, b *Result, item *velesql.OrderItem) int {
	if item.Path != nil && item.Path.String() == "depth" {
		switch {
		case a.Depth < b.Depth:
			return -1
		case a.Depth > b.Depth:
			return 1
		default:
			return 0
		}
	}
	av := e.orderValue(a, item)
	bv := e.orderValue(b, item)
	return compareAny(av, bv)
}

func (e *Executor) orderValue(m *Result, item *velesql.OrderItem) any {
	if item.Path == nil {
		return nil
	}
	if v, ok := m.Projected[item.Path.String()]; ok {
		return v
	}
	alias := item.Path.Head()
	id, bound := m.Bindings[alias]
	rest := item.Path.Rest()
	if !bound {
		id = m.NodeID
		rest = item.Path.String()
	}
	payload, err := e.nodes.Payload(id)
	if err != nil || payload == nil {
		return nil
	}
	r := gjson.GetBytes(payload, rest)
	if !r.Exists() {
		return nil
	}
	return r.Value()
}

// compareAny orders heterogeneous projected values: nil sorts first
// (missing values sort as less), numbers numerically, strings
// lexicographically.
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
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float32:
		return float64(x), true
	}
	return 0, false
}
