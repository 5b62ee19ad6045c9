// Package filter implements the metadata predicate tree evaluated against
// payload JSON. Dot-notation paths resolve nested objects;
// missing fields compare unequal to everything except IsNull(true).
package filter

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Op is a comparison operator over a payload field.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// Node is one predicate in the tree. Matches reports whether the payload
// (a JSON document, possibly nil for payload-less points) satisfies it.
type Node interface {
	Matches(payload []byte) bool
}

// And is true when every child is true. An empty And is true.
type And struct {
	Children []Node
}

func (n *And) Matches(p []byte) bool {
	for _, c := range n.Children {
		if !c.Matches(p) {
			return false
		}
	}
	return true
}

// Or is true when any child is true. An empty Or is false.
type Or struct {
	Children []Node
}

func (n *Or) Matches(p []byte) bool {
	for _, c := range n.Children {
		if c.Matches(p) {
			return true
		}
	}
	return false
}

// Not inverts its child.
type Not struct {
	Child Node
}

func (n *Not) Matches(p []byte) bool { return !n.Child.Matches(p) }

// Comparison compares the field at Path against Value. Numeric comparisons
// widen int64/float64 to float64; strings compare lexicographically; bools
// support equality only.
type Comparison struct {
	Path  string
	Op    Op
	Value any
}

func (n *Comparison) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	if !r.Exists() {
		// A missing field compares unequal to everything, so != holds and
		// every other operator fails.
		return n.Op == OpNeq
	}
	return compareResult(r, n.Op, n.Value)
}

func compareResult(r gjson.Result, op Op, value any) bool {
	switch v := value.(type) {
	case string:
		if r.Type != gjson.String {
			return op == OpNeq
		}
		return compareOrdered(strings.Compare(r.Str, v), op)
	case bool:
		if !r.IsBool() {
			return op == OpNeq
		}
		switch op {
		case OpEq:
			return r.Bool() == v
		case OpNeq:
			return r.Bool() != v
		default:
			return false
		}
	case float64:
		if r.Type != gjson.Number {
			return op == OpNeq
		}
		return compareFloat(r.Float(), op, v)
	case int64:
		if r.Type != gjson.Number {
			return op == OpNeq
		}
		return compareFloat(r.Float(), op, float64(v))
	case int:
		if r.Type != gjson.Number {
			return op == OpNeq
		}
		return compareFloat(r.Float(), op, float64(v))
	case nil:
		if op == OpEq {
			return r.Type == gjson.Null
		}
		if op == OpNeq {
			return r.Type != gjson.Null
		}
		return false
	default:
		return false
	}
}

func compareFloat(a float64, op Op, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	}
	return false
}

func compareOrdered(cmp int, op Op) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// In is true when the field's value equals any of Values.
type In struct {
	Path   string
	Values []any
}

func (n *In) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	if !r.Exists() {
		return false
	}
	for _, v := range n.Values {
		if compareResult(r, OpEq, v) {
			return true
		}
	}
	return false
}

// Between is true when Low <= field <= High (numeric or lexicographic).
type Between struct {
	Path string
	Low  any
	High any
}

func (n *Between) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	if !r.Exists() {
		return false
	}
	return compareResult(r, OpGte, n.Low) && compareResult(r, OpLte, n.High)
}

// Like matches a SQL LIKE pattern: % matches any run of characters,
// _ matches exactly one. CaseInsensitive makes it ILIKE.
type Like struct {
	Path            string
	Pattern         string
	CaseInsensitive bool
}

func (n *Like) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	if !r.Exists() || r.Type != gjson.String {
		return false
	}
	s, pat := r.Str, n.Pattern
	if n.CaseInsensitive {
		s = strings.ToLower(s)
		pat = strings.ToLower(pat)
	}
	return likeMatch(s, pat)
}

func likeMatch(s, pattern string) bool {
	// Classic two-pointer wildcard match with backtracking on %.
	si, pi := 0, 0
	star, match := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '_' || pattern[pi] == s[si]):
			si++
			pi++
		case pi < len(pattern) && pattern[pi] == '%':
			star = pi
			match = si
			pi++
		case star >= 0:
			pi = star + 1
			match++
			si = match
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}

// IsNull is true when the field is absent or JSON null (Null=true), or
// present and non-null (Null=false).
type IsNull struct {
	Path string
	Null bool
}

func (n *IsNull) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	isNull := !r.Exists() || r.Type == gjson.Null
	return isNull == n.Null
}

// MatchText is the full-text sub-predicate MATCH(col, query): a
// case-insensitive substring test over the field's string value.
type MatchText struct {
	Path  string
	Query string
}

func (n *MatchText) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	if !r.Exists() || r.Type != gjson.String {
		return false
	}
	return strings.Contains(strings.ToLower(r.Str), strings.ToLower(n.Query))
}

// Contains is true when an array field contains Value, or a string field
// contains Value as a substring.
type Contains struct {
	Path  string
	Value any
}

func (n *Contains) Matches(p []byte) bool {
	r := gjson.GetBytes(p, n.Path)
	if !r.Exists() {
		return false
	}
	if r.IsArray() {
		found := false
		r.ForEach(func(_, elem gjson.Result) bool {
			if compareResult(elem, OpEq, n.Value) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	if r.Type == gjson.String {
		if s, ok := n.Value.(string); ok {
			return strings.Contains(r.Str, s)
		}
	}
	return false
}

// True is the neutral predicate, used when a query has no residual
// metadata filter.
type True struct{}

func (True) Matches([]byte) bool { return true }
