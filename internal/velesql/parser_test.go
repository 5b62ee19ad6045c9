package velesql

import (
	"testing"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

func mustParse(t *testing.T, q string) *Statement {
	t.Helper()
	stmt, err := Parse(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	return stmt
}

func TestParseSimpleSelect(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM docs LIMIT 5")
	sel := stmt.Select.First
	if sel.From != "docs" {
		t.Errorf("from: %q", sel.From)
	}
	if !sel.Projections[0].Star {
		t.Error("expected star projection")
	}
	if sel.Limit == nil || *sel.Limit != 5 {
		t.Errorf("limit: %v", sel.Limit)
	}
}

func TestParseNear(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM docs WHERE vector NEAR $v AND category = 'tech' LIMIT 5")
	sel := stmt.Select.First
	if sel.Where == nil {
		t.Fatal("missing where")
	}
	and := sel.Where.Or[0].And
	if len(and) != 2 {
		t.Fatalf("want 2 AND terms, got %d", len(and))
	}
	near := and[0].Cond.Field
	if near == nil || near.Tail.Near == nil || string(*near.Tail.Near) != "v" {
		t.Fatalf("NEAR not parsed: %+v", and[0].Cond)
	}
	cmp := and[1].Cond.Field
	if cmp == nil || cmp.Path.String() != "category" || cmp.Tail.Cmp == nil {
		t.Fatalf("comparison not parsed: %+v", and[1].Cond)
	}
	if *cmp.Tail.Cmp.Value.Str != "tech" {
		t.Errorf("value: %v", cmp.Tail.Cmp.Value)
	}
}

func TestParseSimilarity(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM docs WHERE similarity(vector, $a) > 0.5 AND similarity(vector, $b) >= 0.25")
	and := stmt.Select.First.Where.Or[0].And
	s0 := and[0].Cond.Similarity
	if s0 == nil || string(s0.Param) != "a" || s0.Op != ">" || s0.Threshold != 0.5 {
		t.Fatalf("first similarity: %+v", s0)
	}
	s1 := and[1].Cond.Similarity
	if s1 == nil || s1.Op != ">=" || s1.Threshold != 0.25 {
		t.Fatalf("second similarity: %+v", s1)
	}
}

func TestParseNearFused(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM docs WHERE NEAR_FUSED([$a, $b], strategy = 'rrf', k = 60) LIMIT 3")
	fused := stmt.Select.First.Where.Or[0].And[0].Cond.NearFused
	if fused == nil {
		t.Fatal("NEAR_FUSED not parsed")
	}
	if len(fused.Params) != 2 || string(fused.Params[0]) != "a" {
		t.Errorf("params: %v", fused.Params)
	}
	if len(fused.Options) != 2 || fused.Options[0].Name != "strategy" {
		t.Errorf("options: %+v", fused.Options)
	}
}

func TestParsePredicates(t *testing.T) {
	stmt := mustParse(t, `SELECT name, price AS p FROM items WHERE price BETWEEN 1 AND 10 AND name LIKE 'a%' AND tag IN ('x', 'y') AND note IS NOT NULL AND NOT archived = TRUE`)
	sel := stmt.Select.First
	if len(sel.Projections) != 2 || sel.Projections[1].Alias != "p" {
		t.Fatalf("projections: %+v", sel.Projections)
	}
	and := sel.Where.Or[0].And
	if len(and) != 5 {
		t.Fatalf("want 5 AND terms, got %d", len(and))
	}
	if and[0].Cond.Field.Tail.Between == nil {
		t.Error("BETWEEN not parsed")
	}
	if and[1].Cond.Field.Tail.Like == nil || and[1].Cond.Field.Tail.Like.Pattern != "a%" {
		t.Error("LIKE not parsed")
	}
	if len(and[2].Cond.Field.Tail.In) != 2 {
		t.Error("IN not parsed")
	}
	isNull := and[3].Cond.Field.Tail.IsNull
	if isNull == nil || !isNull.Not {
		t.Error("IS NOT NULL not parsed")
	}
	if and[4].Not == nil {
		t.Error("NOT not parsed")
	}
}

func TestParseGroupByHavingOrder(t *testing.T) {
	stmt := mustParse(t, `SELECT category, COUNT(*) AS n FROM docs GROUP BY category HAVING COUNT(*) > 2 ORDER BY n DESC LIMIT 10 WITH(max_groups = 100)`)
	sel := stmt.Select.First
	if len(sel.GroupBy) != 1 || sel.GroupBy[0].String() != "category" {
		t.Fatalf("group by: %+v", sel.GroupBy)
	}
	having := sel.Having.Or[0].And[0].Cond.Agg
	if having == nil || !having.Agg.Star || having.Op != ">" {
		t.Fatalf("having: %+v", sel.Having)
	}
	if len(sel.OrderBy) != 1 || !sel.OrderBy[0].Desc {
		t.Fatalf("order by: %+v", sel.OrderBy)
	}
	if len(sel.With) != 1 || sel.With[0].Name != "max_groups" {
		t.Fatalf("with: %+v", sel.With)
	}
}

func TestParseJoin(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM a JOIN b ON a.id = b.id WHERE a.x = 1")
	join := stmt.Select.First.Joins[0]
	if join.Table != "b" || join.On == nil {
		t.Fatalf("join: %+v", join)
	}
	if join.On.Left.String() != "a.id" || join.On.Right.String() != "b.id" {
		t.Errorf("on: %v = %v", join.On.Left, join.On.Right)
	}

	stmt = mustParse(t, "SELECT * FROM a LEFT JOIN b USING(id)")
	join = stmt.Select.First.Joins[0]
	if join.Kind != "LEFT" || len(join.Using) != 1 || join.Using[0] != "id" {
		t.Fatalf("left join using: %+v", join)
	}
}

func TestParseCompound(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM a UNION SELECT * FROM b UNION ALL SELECT * FROM c")
	cs := stmt.Select
	if len(cs.Rest) != 2 {
		t.Fatalf("want 2 compound tails, got %d", len(cs.Rest))
	}
	if cs.Rest[0].Op != "UNION" || cs.Rest[0].All {
		t.Errorf("first tail: %+v", cs.Rest[0])
	}
	if cs.Rest[1].Op != "UNION" || !cs.Rest[1].All {
		t.Errorf("second tail: %+v", cs.Rest[1])
	}

	stmt = mustParse(t, "SELECT * FROM a INTERSECT SELECT * FROM b")
	if stmt.Select.Rest[0].Op != "INTERSECT" {
		t.Error("INTERSECT not parsed")
	}
	stmt = mustParse(t, "SELECT * FROM a EXCEPT SELECT * FROM b")
	if stmt.Select.Rest[0].Op != "EXCEPT" {
		t.Error("EXCEPT not parsed")
	}
}

func TestParseMatch(t *testing.T) {
	stmt := mustParse(t, `MATCH (a:Doc{kind:'post'})-[:REL*1..2]->(b)-[:REL]->(c:Doc) WHERE c.name = 'Charlie' RETURN c, c.name ORDER BY depth LIMIT 5`)
	m := stmt.Match
	if m == nil {
		t.Fatal("MATCH not parsed")
	}
	start := m.Pattern.Start
	if start.Alias != "a" || len(start.Labels) != 1 || start.Labels[0] != "Doc" {
		t.Fatalf("start pattern: %+v", start)
	}
	if len(start.Props) != 1 || start.Props[0].Key != "kind" {
		t.Fatalf("start props: %+v", start.Props)
	}
	if len(m.Pattern.Hops) != 2 {
		t.Fatalf("want 2 hops, got %d", len(m.Pattern.Hops))
	}
	hop0 := m.Pattern.Hops[0]
	if hop0.Rel.Types[0] != "REL" || hop0.Rel.Range == nil || hop0.Rel.Range.Min != 1 || hop0.Rel.Range.End() != 2 {
		t.Fatalf("hop 0: %+v range %+v", hop0.Rel, hop0.Rel.Range)
	}
	if m.Pattern.Hops[1].Node.Labels[0] != "Doc" {
		t.Errorf("hop 1 node: %+v", m.Pattern.Hops[1].Node)
	}
	if m.Where == nil || len(m.Return) != 2 {
		t.Errorf("where/return: %v %v", m.Where, m.Return)
	}
	if len(m.OrderBy) != 1 || m.OrderBy[0].Path.String() != "depth" {
		t.Errorf("order by: %+v", m.OrderBy)
	}
}

func TestParseInsertUpdate(t *testing.T) {
	stmt := mustParse(t, "INSERT INTO docs (id, vector, category) VALUES (1, [0.1, 0.2], 'tech')")
	ins := stmt.Insert
	if ins == nil || ins.Table != "docs" || len(ins.Columns) != 3 || len(ins.Values) != 3 {
		t.Fatalf("insert: %+v", ins)
	}
	if len(ins.Values[1].Array) != 2 {
		t.Errorf("vector literal: %+v", ins.Values[1])
	}

	stmt = mustParse(t, "UPDATE docs SET category = 'food', rank = 2 WHERE id = 1")
	upd := stmt.Update
	if upd == nil || len(upd.Set) != 2 || upd.Where == nil {
		t.Fatalf("update: %+v", upd)
	}
}

func TestValidatorRejections(t *testing.T) {
	cases := []struct {
		name string
		q    string
	}{
		{"NearPlusFused", "SELECT * FROM d WHERE vector NEAR $v AND NEAR_FUSED([$a], strategy = 'rrf')"},
		{"FusedPlusSimilarity", "SELECT * FROM d WHERE NEAR_FUSED([$a], strategy = 'rrf') AND similarity(vector, $b) > 0.5"},
		{"HavingWithoutGroupBy", "SELECT COUNT(*) FROM d HAVING COUNT(*) > 1"},
		{"UsingMultipleColumns", "SELECT * FROM a JOIN b USING(x, y)"},
		{"RightJoin", "SELECT * FROM a RIGHT JOIN b USING(id)"},
		{"FullJoin", "SELECT * FROM a FULL JOIN b USING(id)"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Parse(c.q); err == nil {
				t.Errorf("expected rejection for %q", c.q)
			}
		})
	}
}

func TestParseErrorsAreTyped(t *testing.T) {
	_, err := Parse("SELEC * FRM docs")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if kind, ok := verrors.KindOf(err); !ok || kind != verrors.QueryParse {
		t.Errorf("expected QueryParse kind, got %v", err)
	}
}

func TestResolveVector(t *testing.T) {
	params := map[string]any{
		"good": []any{1.0, 2.0, 3.0},
		"inf":  []any{1.0, "Inf"},
		"big":  []any{1e39},
	}
	vec, err := ResolveVector("good", params)
	if err != nil || len(vec) != 3 || vec[2] != 3 {
		t.Errorf("good vector: %v err=%v", vec, err)
	}
	if _, err := ResolveVector("missing", params); err == nil {
		t.Error("missing param must error")
	}
	if _, err := ResolveVector("inf", params); err == nil {
		t.Error("non-numeric element must error")
	}
	if _, err := ResolveVector("big", params); err == nil {
		t.Error("out-of-f32-range element must error")
	}
}
