package matchexec

import (
	"github.com/cyberlife-coder/velesdb/internal/filter"
	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// evalExpr evaluates a MATCH WHERE expression against one result's
// bindings. alias.property resolves against the node bound to alias; an
// unbound head falls back to matching against any bound node.
func (e *Executor) evalExpr(expr *velesql.Expr, m *Result, params map[string]any) (bool, error) {
	for _, and := range expr.Or {
		ok, err := e.evalAnd(and, m, params)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) evalAnd(and *velesql.AndExpr, m *Result, params map[string]any) (bool, error) {
	for _, unary := range and.And {
		ok, err := e.evalUnary(unary, m, params)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Executor) evalUnary(u *velesql.UnaryExpr, m *Result, params map[string]any) (bool, error) {
	negate := false
	for u.Not != nil {
		negate = !negate
		u = u.Not
	}
	ok, err := e.evalCondition(u.Cond, m, params)
	if err != nil {
		return false, err
	}
	if negate {
		return !ok, nil
	}
	return ok, nil
}

func (e *Executor) evalCondition(c *velesql.Condition, m *Result, params map[string]any) (bool, error) {
	switch {
	case c.Group != nil:
		return e.evalExpr(c.Group, m, params)
	case c.Similarity != nil:
		return e.evalSimilarity(c.Similarity, m, params)
	case c.MatchFn != nil:
		node := &filter.MatchText{Path: c.MatchFn.Field.String(), Query: c.MatchFn.Query}
		return e.evalAgainstBindings(c.MatchFn.Field, node, m)
	case c.Field != nil:
		if c.Field.Tail.Near != nil {
			return false, verrors.New(verrors.QueryValidation, "matchexec",
				"NEAR is not supported inside MATCH WHERE")
		}
		node, err := fieldCondToFilter(c.Field, params)
		if err != nil {
			return false, err
		}
		return e.evalAgainstBindings(c.Field.Path, node, m)
	case c.NearFused != nil:
		return false, verrors.New(verrors.QueryValidation, "matchexec",
			"NEAR_FUSED is not supported inside MATCH WHERE")
	}
	return false, nil
}

// evalAgainstBindings resolves which node the path refers to. If the head
// segment names a bound alias, the predicate runs on that node's payload
// with the alias stripped; otherwise the predicate runs with the full path
// against every bound node (and the result node), succeeding if any match.
func (e *Executor) evalAgainstBindings(path *velesql.Path, node filter.Node, m *Result) (bool, error) {
	if id, bound := m.Bindings[path.Head()]; bound && len(path.Parts) > 1 {
		payload, err := e.nodes.Payload(id)
		if err != nil || payload == nil {
			return false, nil
		}
		stripped := rebase(node, path.Rest())
		return stripped.Matches(payload), nil
	}

	tried := make(map[uint64]bool)
	for _, id := range m.Bindings {
		if tried[id] {
			continue
		}
		tried[id] = true
		payload, err := e.nodes.Payload(id)
		if err != nil || payload == nil {
			continue
		}
		if node.Matches(payload) {
			return true, nil
		}
	}
	if !tried[m.NodeID] {
		payload, err := e.nodes.Payload(m.NodeID)
		if err == nil && payload != nil && node.Matches(payload) {
			return true, nil
		}
	}
	return false, nil
}

// rebase returns a copy of the predicate with its path replaced, used when
// an alias prefix has been resolved to a concrete node.
func rebase(node filter.Node, path string) filter.Node {
	switch n := node.(type) {
	case *filter.Comparison:
		c := *n
		c.Path = path
		return &c
	case *filter.In:
		c := *n
		c.Path = path
		return &c
	case *filter.Between:
		c := *n
		c.Path = path
		return &c
	case *filter.Like:
		c := *n
		c.Path = path
		return &c
	case *filter.IsNull:
		c := *n
		c.Path = path
		return &c
	case *filter.MatchText:
		c := *n
		c.Path = path
		return &c
	case *filter.Contains:
		c := *n
		c.Path = path
		return &c
	}
	return node
}

func (e *Executor) evalSimilarity(cond *velesql.SimilarityCond, m *Result, params map[string]any) (bool, error) {
	query, err := velesql.ResolveVector(cond.Param, params)
	if err != nil {
		return false, err
	}

	id := m.NodeID
	if bound, ok := m.Bindings[cond.Field.Head()]; ok {
		id = bound
	}
	vec, err := e.nodes.Vector(id)
	if err != nil || len(vec) == 0 {
		// similarity() requires the target node to have a vector.
		return false, nil
	}
	if err := kernel.Validate(query, vec); err != nil {
		return false, err
	}
	score := kernel.Similarity(e.nodes.Metric(), vec, query)
	return compareScore(float64(score), cond.Op, cond.Threshold), nil
}

func compareScore(score float64, op string, threshold float64) bool {
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

// fieldCondToFilter lowers a parsed field predicate to a filter.Node with
// the full (un-rebased) path; evalAgainstBindings strips the alias prefix
// when it resolves to a bound node.
func fieldCondToFilter(fc *velesql.FieldCond, params map[string]any) (filter.Node, error) {
	path := fc.Path.String()
	tail := fc.Tail
	switch {
	case tail.IsNull != nil:
		return &filter.IsNull{Path: path, Null: !tail.IsNull.Not}, nil
	case tail.Between != nil:
		low, err := tail.Between.Low.Resolve(params)
		if err != nil {
			return nil, err
		}
		high, err := tail.Between.High.Resolve(params)
		if err != nil {
			return nil, err
		}
		return &filter.Between{Path: path, Low: low, High: high}, nil
	case tail.In != nil:
		values := make([]any, len(tail.In))
		for i, v := range tail.In {
			r, err := v.Resolve(params)
			if err != nil {
				return nil, err
			}
			values[i] = r
		}
		return &filter.In{Path: path, Values: values}, nil
	case tail.Like != nil:
		return &filter.Like{Path: path, Pattern: tail.Like.Pattern, CaseInsensitive: tail.Like.CaseInsensitive}, nil
	case tail.Contains != nil:
		v, err := tail.Contains.Resolve(params)
		if err != nil {
			return nil, err
		}
		return &filter.Contains{Path: path, Value: v}, nil
	case tail.Cmp != nil:
		v, err := tail.Cmp.Value.Resolve(params)
		if err != nil {
			return nil, err
		}
		op, err := parseOp(tail.Cmp.Op)
		if err != nil {
			return nil, err
		}
		return &filter.Comparison{Path: path, Op: op, Value: v}, nil
	}
	return nil, verrors.New(verrors.QueryValidation, "matchexec", "unsupported predicate on "+path)
}

func parseOp(op string) (filter.Op, error) {
	switch op {
	case "=":
		return filter.OpEq, nil
	case "!=", "<>":
		return filter.OpNeq, nil
	case "<":
		return filter.OpLt, nil
	case "<=":
		return filter.OpLte, nil
	case ">":
		return filter.OpGt, nil
	case ">=":
		return filter.OpGte, nil
	}
	return 0, verrors.New(verrors.QueryParse, "matchexec", "unknown comparison operator: "+op)
}
