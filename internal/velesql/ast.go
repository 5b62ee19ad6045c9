// Package velesql parses the VelesQL surface (SELECT with vector and graph
// predicates, MATCH, INSERT, UPDATE, compound queries) into a typed AST and
// validates it.
package velesql

import "strings"

// Statement is the top-level parse result: exactly one member is set.
type Statement struct {
	Match  *MatchStmt      `  @@`
	Insert *InsertStmt     `| @@`
	Update *UpdateStmt     `| @@`
	Select *CompoundSelect `| @@`
}

// CompoundSelect is one SELECT optionally chained with
// UNION/UNION ALL/INTERSECT/EXCEPT.
type CompoundSelect struct {
	First *SelectStmt     `@@`
	Rest  []*CompoundTail `@@*`
}

type CompoundTail struct {
	Op     string      `@("UNION" | "INTERSECT" | "EXCEPT")`
	All    bool        `@"ALL"?`
	Select *SelectStmt `@@`
}

type SelectStmt struct {
	Distinct    bool          `"SELECT" @"DISTINCT"?`
	Projections []*Projection `@@ ("," @@)*`
	From        string        `"FROM" @Ident`
	Alias       string        `@Ident?`
	Joins       []*JoinClause `@@*`
	Where       *Expr         `("WHERE" @@)?`
	GroupBy     []*Path       `("GROUP" "BY" @@ ("," @@)*)?`
	Having      *Expr         `("HAVING" @@)?`
	OrderBy     []*OrderItem  `("ORDER" "BY" @@ ("," @@)*)?`
	Limit       *int          `("LIMIT" @Number)?`
	With        []*WithOpt    `("WITH" "(" @@ ("," @@)* ")")?`
}

// Path is a dot-notation payload path (category, user.name, a.b.c).
type Path struct {
	Parts []string `@Ident ("." @Ident)*`
}

func (p *Path) String() string { return strings.Join(p.Parts, ".") }

// Head returns the first path segment (the alias in alias.prop forms).
func (p *Path) Head() string {
	if len(p.Parts) == 0 {
		return ""
	}
	return p.Parts[0]
}

// Rest returns the path with the first segment stripped.
func (p *Path) Rest() string { return strings.Join(p.Parts[1:], ".") }

type Projection struct {
	Star  bool     `( @"*"`
	Agg   *AggCall `| @@`
	Path  *Path    `| @@ )`
	Alias string   `("AS" @Ident)?`
}

type AggCall struct {
	Func string `@("COUNT" | "SUM" | "AVG" | "MIN" | "MAX")`
	Star bool   `"(" ( @"*"`
	Col  *Path  `    | @@ ) ")"`
}

type JoinClause struct {
	Kind  string   `@("LEFT" | "INNER" | "RIGHT" | "FULL")? "JOIN"`
	Table string   `@Ident`
	Alias string   `@Ident?`
	On    *OnCond  `( "ON" @@`
	Using []string `| "USING" "(" @Ident ("," @Ident)* ")" )`
}

type OnCond struct {
	Left  *Path `@@ "="`
	Right *Path `@@`
}

type OrderItem struct {
	Similarity *SimilarityRef `( @@`
	Path       *Path          `| @@ )`
	Desc       bool           `("ASC" | @"DESC")?`
}

type SimilarityRef struct {
	Field *Path    `"SIMILARITY" "(" @@`
	Param ParamRef `"," @Param ")"`
}

type WithOpt struct {
	Name  string `@Ident "="`
	Value *Value `@@`
}

// Expr is a WHERE/HAVING expression: OR over AND over unary conditions.
type Expr struct {
	Or []*AndExpr `@@ ("OR" @@)*`
}

type AndExpr struct {
	And []*UnaryExpr `@@ ("AND" @@)*`
}

type UnaryExpr struct {
	Not  *UnaryExpr `  "NOT" @@`
	Cond *Condition `| @@`
}

type Condition struct {
	Group      *Expr           `  "(" @@ ")"`
	Similarity *SimilarityCond `| @@`
	NearFused  *NearFusedCond  `| @@`
	MatchFn    *MatchCond      `| @@`
	Agg        *AggCond        `| @@`
	Field      *FieldCond      `| @@`
}

// AggCond compares an aggregate against a literal, used in HAVING.
type AggCond struct {
	Agg   *AggCall `@@`
	Op    string   `@("=" | "!=" | "<>" | "<=" | ">=" | "<" | ">")`
	Value *Value   `@@`
}

// SimilarityCond is `similarity(field, $v) OP threshold`.
type SimilarityCond struct {
	Field     *Path    `"SIMILARITY" "(" @@`
	Param     ParamRef `"," @Param ")"`
	Op        string   `@("=" | "!=" | "<>" | "<=" | ">=" | "<" | ">")`
	Threshold float64  `@Number`
}

// NearFusedCond is `NEAR_FUSED([$v1,$v2], strategy='rrf', ...)`.
type NearFusedCond struct {
	Params  []ParamRef  `"NEAR_FUSED" "(" "[" @Param ("," @Param)* "]"`
	Options []*FusedOpt `("," @@)* ")"`
}

type FusedOpt struct {
	Name  string `@Ident "="`
	Value *Value `@@`
}

// MatchCond is the full-text sub-predicate `MATCH(col, 'query')`.
type MatchCond struct {
	Field *Path  `"MATCH" "(" @@`
	Query string `"," @String ")"`
}

// FieldCond is any predicate anchored on a payload path: NEAR, IS [NOT]
// NULL, BETWEEN, IN, LIKE/ILIKE, CONTAINS, or a plain comparison.
type FieldCond struct {
	Path *Path      `@@`
	Tail *FieldTail `@@`
}

type FieldTail struct {
	Near     *ParamRef    `  "NEAR" @Param`
	IsNull   *IsNullTail  `| "IS" @@`
	Between  *BetweenTail `| "BETWEEN" @@`
	In       []*Value     `| "IN" "(" @@ ("," @@)* ")"`
	Like     *LikeTail    `| @@`
	Contains *Value       `| "CONTAINS" @@`
	Cmp      *CmpTail     `| @@`
}

type IsNullTail struct {
	Not bool `@"NOT"? "NULL"`
}

type BetweenTail struct {
	Low  *Value `@@`
	High *Value `"AND" @@`
}

type LikeTail struct {
	CaseInsensitive bool   `(@"ILIKE" | "LIKE")`
	Pattern         string `@String`
}

type CmpTail struct {
	Op    string `@("=" | "!=" | "<>" | "<=" | ">=" | "<" | ">")`
	Value *Value `@@`
}

// MatchStmt is the Cypher-like graph pattern statement.
type MatchStmt struct {
	Pattern *PathPattern  `"MATCH" @@`
	Where   *Expr         `("WHERE" @@)?`
	Return  []*ReturnItem `"RETURN" @@ ("," @@)*`
	OrderBy []*OrderItem  `("ORDER" "BY" @@ ("," @@)*)?`
	Limit   *int          `("LIMIT" @Number)?`
}

type PathPattern struct {
	Start *NodePattern `@@`
	Hops  []*Hop       `@@*`
}

type Hop struct {
	Rel  *RelPattern  `@@`
	Node *NodePattern `@@`
}

type NodePattern struct {
	Alias  string      `"(" @Ident?`
	Labels []string    `(":" @Ident)*`
	Props  []*PropPair `("{" @@ ("," @@)* "}")? ")"`
}

type PropPair struct {
	Key   string `@Ident ":"`
	Value *Value `@@`
}

type RelPattern struct {
	Alias string    `"-" "[" @Ident?`
	Types []string  `(":" @Ident ("|" @Ident)*)?`
	Range *HopRange `("*"? @@)? "]" "->"`
}

type HopRange struct {
	Min int  `@Number`
	Max *int `(".." @Number)?`
}

// End returns the hop range's effective upper bound.
func (r *HopRange) End() int {
	if r == nil {
		return 1
	}
	if r.Max != nil {
		return *r.Max
	}
	return r.Min
}

type ReturnItem struct {
	Star  bool   `( @"*"`
	Path  *Path  `| @@ )`
	Alias string `("AS" @Ident)?`
}

type InsertStmt struct {
	Table   string   `"INSERT" "INTO" @Ident`
	Columns []string `"(" @Ident ("," @Ident)* ")"`
	Values  []*Value `"VALUES" "(" @@ ("," @@)* ")"`
}

type UpdateStmt struct {
	Table string       `"UPDATE" @Ident`
	Set   []*SetClause `"SET" @@ ("," @@)*`
	Where *Expr        `("WHERE" @@)?`
}

type SetClause struct {
	Column string `@Ident "="`
	Value  *Value `@@`
}

// Value is a literal, parameter reference, or array.
type Value struct {
	Number *float64  `  @Number`
	Str    *string   `| @String`
	Bool   *Boolean  `| @("TRUE" | "FALSE")`
	Null   bool      `| @"NULL"`
	Param  *ParamRef `| @Param`
	Array  []*Value  `| "[" (@@ ("," @@)*)? "]"`
}

// Boolean captures TRUE/FALSE keyword literals.
type Boolean bool

func (b *Boolean) Capture(values []string) error {
	*b = Boolean(strings.EqualFold(values[0], "TRUE"))
	return nil
}

// ParamRef is a $name parameter reference with the sigil stripped.
type ParamRef string

func (p *ParamRef) Capture(values []string) error {
	*p = ParamRef(strings.TrimPrefix(values[0], "$"))
	return nil
}
