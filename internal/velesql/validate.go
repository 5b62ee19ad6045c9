package velesql

import (
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Validate applies the structural rules that don't need
// collection metadata. Dimension-dependent DML checks live in ValidateDML,
// called at dispatch time when the target collection is known.
func Validate(stmt *Statement) error {
	if stmt.Select != nil {
		if err := validateSelect(stmt.Select.First); err != nil {
			return err
		}
		for _, tail := range stmt.Select.Rest {
			if err := validateSelect(tail.Select); err != nil {
				return err
			}
		}
	}
	if stmt.Match != nil {
		if err := validateMatch(stmt.Match); err != nil {
			return err
		}
	}
	return nil
}

func validateSelect(sel *SelectStmt) error {
	if sel.Having != nil && len(sel.GroupBy) == 0 {
		return verrors.New(verrors.QueryValidation, "velesql", "HAVING requires GROUP BY")
	}

	for _, j := range sel.Joins {
		if len(j.Using) > 1 {
			return verrors.New(verrors.QueryValidation, "velesql", "JOIN USING supports exactly one column")
		}
		if j.Kind == "RIGHT" || j.Kind == "FULL" {
			return verrors.New(verrors.Unsupported, "velesql", j.Kind+" JOIN is not supported")
		}
	}

	if sel.Where != nil {
		var hasNear, hasFused, hasSimilarity bool
		WalkExpr(sel.Where, func(c *Condition) {
			if c.Field != nil && c.Field.Tail.Near != nil {
				hasNear = true
			}
			if c.NearFused != nil {
				hasFused = true
			}
			if c.Similarity != nil {
				hasSimilarity = true
			}
		})
		if hasNear && hasFused {
			return verrors.New(verrors.QueryValidation, "velesql", "NEAR and NEAR_FUSED cannot appear in the same query")
		}
		if hasFused && hasSimilarity {
			return verrors.New(verrors.QueryValidation, "velesql", "NEAR_FUSED and similarity() cannot appear in the same query")
		}
	}
	return nil
}

func validateMatch(m *MatchStmt) error {
	if m.Pattern == nil || m.Pattern.Start == nil {
		return verrors.New(verrors.QueryValidation, "velesql", "MATCH requires a start node pattern")
	}
	if len(m.Return) == 0 {
		return verrors.New(verrors.QueryValidation, "velesql", "MATCH requires a RETURN clause")
	}
	for _, hop := range m.Pattern.Hops {
		if r := hop.Rel.Range; r != nil {
			if r.Min < 1 || r.End() < r.Min {
				return verrors.New(verrors.QueryValidation, "velesql", "invalid relationship hop range")
			}
		}
	}
	return nil
}

// ValidateDML rejects INSERT/UPDATE statements that write the vector column
// of a metadata-only collection (dimension 0).
func ValidateDML(stmt *Statement, dimension int) error {
	if dimension > 0 {
		return nil
	}
	if stmt.Insert != nil {
		for _, col := range stmt.Insert.Columns {
			if col == "vector" {
				return verrors.New(verrors.QueryValidation, "velesql",
					"cannot INSERT vector column into a metadata-only collection")
			}
		}
	}
	if stmt.Update != nil {
		for _, set := range stmt.Update.Set {
			if set.Column == "vector" {
				return verrors.New(verrors.QueryValidation, "velesql",
					"cannot UPDATE vector column on a metadata-only collection")
			}
		}
	}
	return nil
}

// WalkExpr visits every leaf Condition in an expression tree, descending
// through OR/AND/NOT and parenthesized groups.
func WalkExpr(e *Expr, fn func(*Condition)) {
	if e == nil {
		return
	}
	for _, and := range e.Or {
		for _, unary := range and.And {
			walkUnary(unary, fn)
		}
	}
}

func walkUnary(u *UnaryExpr, fn func(*Condition)) {
	for u != nil && u.Not != nil {
		u = u.Not
	}
	if u == nil || u.Cond == nil {
		return
	}
	if u.Cond.Group != nil {
		WalkExpr(u.Cond.Group, fn)
		return
	}
	fn(u.Cond)
}
