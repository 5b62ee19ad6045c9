package velesql

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

var velesLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\b(SELECT|DISTINCT|FROM|JOIN|LEFT|INNER|RIGHT|FULL|ON|USING|WHERE|GROUP|BY|HAVING|ORDER|LIMIT|WITH|AND|OR|NOT|NEAR_FUSED|NEAR|IN|BETWEEN|ILIKE|LIKE|IS|NULL|MATCH|RETURN|INSERT|INTO|VALUES|UPDATE|SET|UNION|ALL|INTERSECT|EXCEPT|AS|ASC|DESC|TRUE|FALSE|CONTAINS|SIMILARITY|COUNT|SUM|AVG|MIN|MAX)\b`},
	{Name: "Param", Pattern: `\$[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?([eE][-+]?\d+)?`},
	{Name: "String", Pattern: `'[^']*'`},
	{Name: "Operators", Pattern: `<=|>=|<>|!=|->|\.\.|[-+*/%,.()=<>\[\]{}:|]`},
	{Name: "whitespace", Pattern: `\s+`},
})

var parser = participle.MustBuild[Statement](
	participle.Lexer(velesLexer),
	participle.CaseInsensitive("Keyword"),
	participle.Unquote("String"),
	participle.UseLookahead(4),
)

// Parse turns a VelesQL string into a validated Statement. Both parse and
// structural validation failures come back as typed errors
// (QueryParse/QueryValidation).
func Parse(query string) (*Statement, error) {
	stmt, err := parser.ParseString("", query)
	if err != nil {
		return nil, verrors.Wrap(verrors.QueryParse, "velesql", "parse query", err)
	}
	if err := Validate(stmt); err != nil {
		return nil, err
	}
	return stmt, nil
}
