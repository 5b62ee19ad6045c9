package queryengine

import (
	"github.com/cyberlife-coder/velesdb/internal/filter"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// conditions is the result of WHERE decomposition: the
// NEAR vector, the ordered similarity() chain, the residual metadata
// filter (full-text MATCH predicates lower into it), top-level NOT
// similarity() entries, and, when OR lifts a similarity predicate above
// metadata, the OR branches to evaluate in union mode.
type conditions struct {
	nearVector      []float32
	similarities    []similarityCond
	notSimilarities []similarityCond
	fused           *velesql.NearFusedCond
	meta            filter.Node

	orBranches []*velesql.AndExpr
}

// similarityCond is a resolved similarity(field, $v) OP threshold entry.
type similarityCond struct {
	vector    []float32
	op        string
	threshold float64
}

func extractConditions(where *velesql.Expr, params map[string]any) (*conditions, error) {
	cond := &conditions{meta: filter.True{}}
	if where == nil {
		return cond, nil
	}

	// OR at the top level: if any branch carries a vector predicate the
	// whole query switches to union mode (item 4); a pure-metadata OR stays
	// a single filter.
	if len(where.Or) > 1 {
		if exprHasVectorPredicate(where) {
			cond.orBranches = where.Or
			return cond, nil
		}
		node, err := exprToFilter(where, params)
		if err != nil {
			return nil, err
		}
		cond.meta = node
		return cond, nil
	}

	and := where.Or[0]
	metaChildren := &filter.And{}
	for _, unary := range and.And {
		if err := extractUnary(unary, params, cond, metaChildren); err != nil {
			return nil, err
		}
	}
	if len(metaChildren.Children) > 0 {
		cond.meta = metaChildren
	}
	return cond, nil
}

func extractUnary(u *velesql.UnaryExpr, params map[string]any, cond *conditions, meta *filter.And) error {
	negated := false
	for u.Not != nil {
		negated = !negated
		u = u.Not
	}
	c := u.Cond

	switch {
	case c.Group != nil:
		if exprHasVectorPredicate(c.Group) {
			if negated {
				return verrors.New(verrors.Unsupported, "queryengine",
					"NOT over a vector predicate group is not supported")
			}
			// A nested OR carrying similarity lifts the whole query into
			// union mode over its branches.
			if len(c.Group.Or) > 1 {
				cond.orBranches = c.Group.Or
				return nil
			}
			for _, inner := range c.Group.Or[0].And {
				if err := extractUnary(inner, params, cond, meta); err != nil {
					return err
				}
			}
			return nil
		}
		node, err := exprToFilter(c.Group, params)
		if err != nil {
			return err
		}
		if negated {
			node = &filter.Not{Child: node}
		}
		meta.Children = append(meta.Children, node)
		return nil

	case c.Similarity != nil:
		vec, err := velesql.ResolveVector(c.Similarity.Param, params)
		if err != nil {
			return err
		}
		sc := similarityCond{vector: vec, op: c.Similarity.Op, threshold: c.Similarity.Threshold}
		if negated {
			cond.notSimilarities = append(cond.notSimilarities, sc)
		} else {
			cond.similarities = append(cond.similarities, sc)
		}
		return nil

	case c.NearFused != nil:
		if negated {
			return verrors.New(verrors.Unsupported, "queryengine", "NOT NEAR_FUSED is not supported")
		}
		cond.fused = c.NearFused
		return nil

	case c.MatchFn != nil:
		node := filter.Node(&filter.MatchText{Path: c.MatchFn.Field.String(), Query: c.MatchFn.Query})
		if negated {
			node = &filter.Not{Child: node}
		}
		meta.Children = append(meta.Children, node)
		return nil

	case c.Field != nil && c.Field.Tail.Near != nil:
		if negated {
			return verrors.New(verrors.Unsupported, "queryengine", "NOT NEAR is not supported")
		}
		vec, err := velesql.ResolveVector(*c.Field.Tail.Near, params)
		if err != nil {
			return err
		}
		cond.nearVector = vec
		return nil

	case c.Field != nil:
		node, err := fieldCondToFilter(c.Field, params)
		if err != nil {
			return err
		}
		if negated {
			node = &filter.Not{Child: node}
		}
		meta.Children = append(meta.Children, node)
		return nil

	case c.Agg != nil:
		return verrors.New(verrors.QueryValidation, "queryengine", "aggregate conditions are only valid in HAVING")
	}
	return nil
}

func exprHasVectorPredicate(e *velesql.Expr) bool {
	found := false
	velesql.WalkExpr(e, func(c *velesql.Condition) {
		if c.Similarity != nil || c.NearFused != nil || (c.Field != nil && c.Field.Tail.Near != nil) {
			found = true
		}
	})
	return found
}

// exprToFilter lowers a pure-metadata expression tree to a filter.Node.
func exprToFilter(e *velesql.Expr, params map[string]any) (filter.Node, error) {
	or := &filter.Or{}
	for _, and := range e.Or {
		node, err := andToFilter(and, params)
		if err != nil {
			return nil, err
		}
		or.Children = append(or.Children, node)
	}
	if len(or.Children) == 1 {
		return or.Children[0], nil
	}
	return or, nil
}

func andToFilter(a *velesql.AndExpr, params map[string]any) (filter.Node, error) {
	and := &filter.And{}
	for _, unary := range a.And {
		node, err := unaryToFilter(unary, params)
		if err != nil {
			return nil, err
		}
		and.Children = append(and.Children, node)
	}
	if len(and.Children) == 1 {
		return and.Children[0], nil
	}
	return and, nil
}

func unaryToFilter(u *velesql.UnaryExpr, params map[string]any) (filter.Node, error) {
	negated := false
	for u.Not != nil {
		negated = !negated
		u = u.Not
	}
	node, err := conditionToFilter(u.Cond, params)
	if err != nil {
		return nil, err
	}
	if negated {
		return &filter.Not{Child: node}, nil
	}
	return node, nil
}

func conditionToFilter(c *velesql.Condition, params map[string]any) (filter.Node, error) {
	switch {
	case c.Group != nil:
		return exprToFilter(c.Group, params)
	case c.MatchFn != nil:
		return &filter.MatchText{Path: c.MatchFn.Field.String(), Query: c.MatchFn.Query}, nil
	case c.Field != nil && c.Field.Tail.Near == nil:
		return fieldCondToFilter(c.Field, params)
	}
	return nil, verrors.New(verrors.QueryValidation, "queryengine",
		"vector predicate in a position requiring a metadata filter")
}

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
		op, err := parseFilterOp(tail.Cmp.Op)
		if err != nil {
			return nil, err
		}
		return &filter.Comparison{Path: path, Op: op, Value: v}, nil
	}
	return nil, verrors.New(verrors.QueryValidation, "queryengine", "unsupported predicate on "+path)
}

func parseFilterOp(op string) (filter.Op, error) {
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
	return 0, verrors.New(verrors.QueryParse, "queryengine", "unknown comparison operator: "+op)
}
