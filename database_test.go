package velesdb

import (
	"context"
	"math"
	"testing"

	"github.com/cyberlife-coder/velesdb/internal/graph"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newDocs(t *testing.T, db *Database) *Collection {
	t.Helper()
	coll, err := db.CreateCollection(CollectionConfig{Name: "docs", Dimension: 4, Metric: "cosine"})
	if err != nil {
		t.Fatalf("create docs: %v", err)
	}
	err = coll.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"category": "tech", "name": "alpha", "rank": 3.0}},
		{ID: 2, Vector: []float32{0, 1, 0, 0}, Payload: map[string]any{"category": "food", "name": "beta", "rank": 1.0}},
		{ID: 3, Vector: []float32{0, 0, 1, 0}, Payload: map[string]any{"category": "tech", "name": "gamma", "rank": 2.0}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return coll
}

func TestUpsertGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	coll := newDocs(t, db)

	points, err := coll.Get([]uint64{1, 2, 999})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("want 2 points, got %d", len(points))
	}
	p := points[0]
	if p.ID != 1 || p.Vector[0] != 1 || p.Payload["category"] != "tech" {
		t.Errorf("round trip mismatch: %+v", p)
	}
	if coll.Config().PointCount != 3 {
		t.Errorf("point count: want 3, got %d", coll.Config().PointCount)
	}
}

// S1: hybrid NEAR + metadata filter returns only matching rows, ordered by
// similarity.
func TestHybridNearWithFilter(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM docs WHERE vector NEAR $v AND category = 'tech' LIMIT 5",
		map[string]any{"v": []any{1.0, 0.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(res.Rows))
	}
	if res.Rows[0].ID != 1 || res.Rows[1].ID != 3 {
		t.Errorf("order: got ids %v", res.IDs())
	}
	if res.Rows[0].Score < 0.99 {
		t.Errorf("first score should be ~1, got %v", res.Rows[0].Score)
	}
	if res.Rows[1].Score > 0.01 {
		t.Errorf("second score should be ~0, got %v", res.Rows[1].Score)
	}
	for _, row := range res.Rows {
		if row.Payload["category"] != "tech" {
			t.Errorf("row %d leaked category %v", row.ID, row.Payload["category"])
		}
	}
}

// S2: two orthogonal similarity thresholds can never both pass.
func TestCascadeOrthogonalEmpty(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM docs WHERE similarity(vector, $a) > 0.5 AND similarity(vector, $b) > 0.5 LIMIT 5",
		map[string]any{"a": []any{1.0, 0.0, 0.0, 0.0}, "b": []any{0.0, 1.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("orthogonal cascade must be empty, got %v", res.IDs())
	}
}

// Property 8: after N chained similarity filters the reported score is the
// metric score against the last filter's vector.
func TestCascadeScoringRule(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection(CollectionConfig{Name: "cascade", Dimension: 2, Metric: "cosine"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A vector between both probes passes loose thresholds on both.
	if err := coll.Upsert([]Point{{ID: 1, Vector: []float32{1, 1}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM cascade WHERE similarity(vector, $a) > 0.1 AND similarity(vector, $b) > 0.1",
		map[string]any{"a": []any{1.0, 0.0}, "b": []any{0.0, 1.0}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(res.Rows))
	}
	// cos([1,1],[0,1]) = 1/sqrt(2): the LAST filter's score.
	want := float32(1 / math.Sqrt2)
	if diff := math.Abs(float64(res.Rows[0].Score - want)); diff > 1e-4 {
		t.Errorf("score must come from the last filter: want %v, got %v", want, res.Rows[0].Score)
	}
}

// S3: compound queries combine by id-set semantics.
func TestCompoundQueries(t *testing.T) {
	db := openTestDB(t)
	mk := func(name string, ids ...uint64) {
		coll, err := db.CreateCollection(CollectionConfig{Name: name, Dimension: 0, Metric: "cosine"})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		for _, id := range ids {
			if err := coll.Upsert([]Point{{ID: id, Payload: map[string]any{"n": float64(id)}}}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
	}
	mk("tech_docs", 1, 2, 3)
	mk("food_docs", 2, 3, 4)

	run := func(q string) []uint64 {
		res, err := db.ExecuteQuery(context.Background(), q, nil)
		if err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		return res.IDs()
	}

	idSet := func(ids []uint64) map[uint64]bool {
		m := make(map[uint64]bool)
		for _, id := range ids {
			m[id] = true
		}
		return m
	}

	union := idSet(run("SELECT * FROM tech_docs UNION SELECT * FROM food_docs"))
	if len(union) != 4 || !union[1] || !union[4] {
		t.Errorf("UNION: %v", union)
	}
	all := run("SELECT * FROM tech_docs UNION ALL SELECT * FROM food_docs")
	if len(all) != 6 {
		t.Errorf("UNION ALL: want 6 rows, got %d", len(all))
	}
	inter := idSet(run("SELECT * FROM tech_docs INTERSECT SELECT * FROM food_docs"))
	if len(inter) != 2 || !inter[2] || !inter[3] {
		t.Errorf("INTERSECT: %v", inter)
	}
	except := run("SELECT * FROM tech_docs EXCEPT SELECT * FROM food_docs")
	if len(except) != 1 || except[0] != 1 {
		t.Errorf("EXCEPT: %v", except)
	}
}

// S4: multi-hop MATCH with WHERE over bindings.
func TestMatchMultiHop(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection(CollectionConfig{Name: "people", Dimension: 2, Metric: "cosine"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = coll.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"_labels": []any{"Doc"}, "name": "Alice"}},
		{ID: 2, Vector: []float32{0, 1}, Payload: map[string]any{"_labels": []any{"Doc"}, "name": "Bob"}},
		{ID: 3, Vector: []float32{1, 1}, Payload: map[string]any{"_labels": []any{"Doc"}, "name": "Charlie"}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := coll.AddEdge(graph.Edge{ID: 1, From: 1, To: 2, Label: "REL"}); err != nil {
		t.Fatalf("edge: %v", err)
	}
	if err := coll.AddEdge(graph.Edge{ID: 2, From: 2, To: 3, Label: "REL"}); err != nil {
		t.Fatalf("edge: %v", err)
	}

	res, err := coll.ExecuteQuery(context.Background(),
		"MATCH (a:Doc)-[:REL]->(b)-[:REL]->(c:Doc) WHERE c.name = 'Charlie' RETURN c",
		nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("want 1 binding, got %d", len(res.Rows))
	}
	if res.Rows[0].ID != 3 {
		t.Errorf("c should bind to 3, got %d", res.Rows[0].ID)
	}
	if got, ok := res.Rows[0].Values["c"]; !ok || got != uint64(3) {
		t.Errorf("RETURN c: %v", res.Rows[0].Values)
	}

	t.Run("ProjectedProperty", func(t *testing.T) {
		res, err := coll.ExecuteQuery(context.Background(),
			"MATCH (a:Doc)-[:REL]->(b) RETURN b.name ORDER BY depth LIMIT 10", nil)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if len(res.Rows) != 2 {
			t.Fatalf("want 2 rows, got %d", len(res.Rows))
		}
		names := map[any]bool{}
		for _, row := range res.Rows {
			names[row.Values["b.name"]] = true
		}
		if !names["Bob"] || !names["Charlie"] {
			t.Errorf("b.name projections: %v", names)
		}
	})

	t.Run("MatchRejectedAtDatabase", func(t *testing.T) {
		_, err := db.ExecuteQuery(context.Background(), "MATCH (a:Doc)-[:REL]->(b) RETURN b", nil)
		if err == nil {
			t.Fatal("database-level MATCH must be rejected")
		}
	})

	t.Run("SimilarityInWhere", func(t *testing.T) {
		res, err := coll.ExecuteQuery(context.Background(),
			"MATCH (a:Doc)-[:REL]->(b) WHERE similarity(b, $v) > 0.9 RETURN b",
			map[string]any{"v": []any{0.0, 1.0}})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if len(res.Rows) != 1 || res.Rows[0].ID != 2 {
			t.Errorf("similarity WHERE: got %v", res.IDs())
		}
	})
}

// Property 10: LEFT JOIN keeps unmatched left rows; INNER drops them;
// RIGHT/FULL are rejected.
func TestJoins(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	authors, err := db.CreateCollection(CollectionConfig{Name: "authors", Dimension: 0, Metric: "cosine"})
	if err != nil {
		t.Fatalf("create authors: %v", err)
	}
	// Authors exist for docs 1 and 2 only; doc 3 has no match.
	err = authors.Upsert([]Point{
		{ID: 1, Payload: map[string]any{"author": "Ann"}},
		{ID: 2, Payload: map[string]any{"author": "Ben"}},
	})
	if err != nil {
		t.Fatalf("upsert authors: %v", err)
	}

	t.Run("Inner", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT * FROM docs JOIN authors ON docs.id = authors.id", nil)
		if err != nil {
			t.Fatalf("inner join: %v", err)
		}
		if len(res.Rows) != 2 {
			t.Fatalf("inner join should drop unmatched rows: got %d", len(res.Rows))
		}
		for _, row := range res.Rows {
			if row.Values["authors.author"] == nil {
				t.Errorf("row %d missing joined author: %v", row.ID, row.Values)
			}
		}
	})

	t.Run("Left", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT * FROM docs LEFT JOIN authors ON docs.id = authors.id", nil)
		if err != nil {
			t.Fatalf("left join: %v", err)
		}
		if len(res.Rows) != 3 {
			t.Fatalf("left join must keep all left rows: got %d", len(res.Rows))
		}
	})

	t.Run("RightRejected", func(t *testing.T) {
		_, err := db.ExecuteQuery(context.Background(),
			"SELECT * FROM docs RIGHT JOIN authors USING(id)", nil)
		if err == nil {
			t.Fatal("RIGHT JOIN must be rejected")
		}
		if kind, ok := verrors.KindOf(err); !ok || kind != verrors.Unsupported {
			t.Errorf("expected Unsupported, got %v", err)
		}
	})
}

func TestInsertAndUpdate(t *testing.T) {
	db := openTestDB(t)
	coll := newDocs(t, db)

	_, err := db.ExecuteQuery(context.Background(),
		"INSERT INTO docs (id, vector, category) VALUES (10, [0.5, 0.5, 0.0, 0.0], 'news')", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	points, err := coll.Get([]uint64{10})
	if err != nil || len(points) != 1 {
		t.Fatalf("inserted point missing: %v", err)
	}
	if points[0].Payload["category"] != "news" {
		t.Errorf("inserted payload: %v", points[0].Payload)
	}

	_, err = db.ExecuteQuery(context.Background(),
		"UPDATE docs SET category = 'archived' WHERE rank < 2", nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	points, err = coll.Get([]uint64{2})
	if err != nil || len(points) != 1 {
		t.Fatalf("get after update: %v", err)
	}
	if points[0].Payload["category"] != "archived" {
		t.Errorf("update not applied: %v", points[0].Payload)
	}

	t.Run("VectorOnMetadataOnlyRejected", func(t *testing.T) {
		if _, err := db.CreateCollection(CollectionConfig{Name: "meta_only", Dimension: 0}); err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err := db.ExecuteQuery(context.Background(),
			"INSERT INTO meta_only (id, vector) VALUES (1, [1.0])", nil)
		if err == nil {
			t.Fatal("vector insert into metadata-only collection must fail")
		}
	})
}

func TestAggregationAndGroupBy(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	t.Run("CountStar", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT COUNT(*) AS n FROM docs", nil)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if len(res.Rows) != 1 || res.Rows[0].Values["n"] != int64(3) {
			t.Errorf("COUNT(*): %+v", res.Rows)
		}
	})

	t.Run("GroupByHaving", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT category, COUNT(*) AS n FROM docs GROUP BY category HAVING COUNT(*) > 1", nil)
		if err != nil {
			t.Fatalf("group by: %v", err)
		}
		if len(res.Rows) != 1 {
			t.Fatalf("only tech has >1 docs: got %d groups", len(res.Rows))
		}
		if res.Rows[0].Values["category"] != "tech" || res.Rows[0].Values["n"] != int64(2) {
			t.Errorf("group row: %v", res.Rows[0].Values)
		}
	})

	t.Run("SumAvgMinMax", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT SUM(rank) AS s, AVG(rank) AS a, MIN(rank) AS lo, MAX(rank) AS hi FROM docs", nil)
		if err != nil {
			t.Fatalf("aggregates: %v", err)
		}
		v := res.Rows[0].Values
		if v["s"] != 6.0 || v["a"] != 2.0 || v["lo"] != 1.0 || v["hi"] != 3.0 {
			t.Errorf("aggregate values: %v", v)
		}
	})
}

func TestOrderDistinctLimit(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	t.Run("OrderByPayloadPath", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT * FROM docs ORDER BY rank DESC", nil)
		if err != nil {
			t.Fatalf("order: %v", err)
		}
		if got := res.IDs(); got[0] != 1 || got[2] != 2 {
			t.Errorf("rank DESC order: %v", got)
		}
	})

	t.Run("DistinctProjection", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT DISTINCT category FROM docs", nil)
		if err != nil {
			t.Fatalf("distinct: %v", err)
		}
		if len(res.Rows) != 2 {
			t.Errorf("distinct categories: want 2, got %d", len(res.Rows))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		res, err := db.ExecuteQuery(context.Background(),
			"SELECT * FROM docs LIMIT 1", nil)
		if err != nil {
			t.Fatalf("limit: %v", err)
		}
		if len(res.Rows) != 1 {
			t.Errorf("limit 1: got %d", len(res.Rows))
		}
	})
}

func TestNearFused(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM docs WHERE NEAR_FUSED([$a, $b], strategy = 'rrf') LIMIT 5",
		map[string]any{"a": []any{1.0, 0.0, 0.0, 0.0}, "b": []any{0.0, 1.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("fused: %v", err)
	}
	if len(res.Rows) == 0 {
		t.Fatal("fused search returned nothing")
	}
	// Ids 1 and 2 each top one list; both must be present and outrank 3.
	top := map[uint64]bool{res.Rows[0].ID: true, res.Rows[1].ID: true}
	if !top[1] || !top[2] {
		t.Errorf("fused top-2: %v", res.IDs())
	}
}

func TestOrUnionMode(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM docs WHERE similarity(vector, $a) > 0.9 OR category = 'food' LIMIT 10",
		map[string]any{"a": []any{1.0, 0.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("or query: %v", err)
	}
	ids := map[uint64]bool{}
	for _, row := range res.Rows {
		if ids[row.ID] {
			t.Errorf("duplicate id %d in union mode", row.ID)
		}
		ids[row.ID] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("union mode missing branch results: %v", res.IDs())
	}
}

func TestNotSimilarityScan(t *testing.T) {
	db := openTestDB(t)
	newDocs(t, db)

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM docs WHERE NOT similarity(vector, $a) > 0.9 LIMIT 10",
		map[string]any{"a": []any{1.0, 0.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("not-similarity: %v", err)
	}
	for _, row := range res.Rows {
		if row.ID == 1 {
			t.Error("id 1 is similar to $a and must be excluded")
		}
	}
	if len(res.Rows) != 2 {
		t.Errorf("want 2 rows, got %d", len(res.Rows))
	}
}

func TestCollectionLifecycle(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.CreateCollection(CollectionConfig{Name: "c1", Dimension: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.CreateCollection(CollectionConfig{Name: "c1", Dimension: 2}); err == nil {
		t.Fatal("duplicate create must fail")
	}
	coll, _ := db.Collection("c1")
	if err := coll.Upsert([]Point{{ID: 5, Vector: []float32{1, 2}, Payload: map[string]any{"k": "v"}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: the collection and its data come back.
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	coll2, err := db2.Collection("c1")
	if err != nil {
		t.Fatalf("collection after reopen: %v", err)
	}
	points, err := coll2.Get([]uint64{5})
	if err != nil || len(points) != 1 {
		t.Fatalf("data lost across reopen: %v", err)
	}
	if points[0].Payload["k"] != "v" {
		t.Errorf("payload lost: %v", points[0].Payload)
	}

	if err := db2.DeleteCollection("c1"); err != nil {
		t.Fatalf("delete collection: %v", err)
	}
	if _, err := db2.Collection("c1"); err == nil {
		t.Fatal("deleted collection still resolvable")
	}
}

func TestStorageModes(t *testing.T) {
	db := openTestDB(t)

	t.Run("SQ8", func(t *testing.T) {
		coll, err := db.CreateCollection(CollectionConfig{Name: "sq8", Dimension: 4, Metric: "euclidean", StorageMode: StorageSQ8})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		orig := []float32{0.1, 0.5, 0.9, 0.3}
		if err := coll.Upsert([]Point{{ID: 1, Vector: orig}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := coll.Vector(1)
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		for i := range orig {
			if diff := math.Abs(float64(got[i] - orig[i])); diff > float64(0.8/255)+1e-6 {
				t.Errorf("component %d quantization error too large: %v", i, diff)
			}
		}
	})

	t.Run("Binary", func(t *testing.T) {
		coll, err := db.CreateCollection(CollectionConfig{Name: "bin", Dimension: 3, Metric: "hamming", StorageMode: StorageBinary})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := coll.Upsert([]Point{{ID: 1, Vector: []float32{0.7, -0.2, 0.0}}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := coll.Vector(1)
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if got[0] != 1 || got[1] != 0 || got[2] != 0 {
			t.Errorf("binary quantization: %v", got)
		}
	})
}

func TestDimensionMismatchOnUpsert(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection(CollectionConfig{Name: "dim", Dimension: 4})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = coll.Upsert([]Point{{ID: 1, Vector: []float32{1, 2}}})
	if err == nil {
		t.Fatal("dimension mismatch must fail")
	}
	if kind, ok := verrors.KindOf(err); !ok || kind != verrors.DimensionMismatch {
		t.Errorf("expected DimensionMismatch, got %v", err)
	}
}

func TestDeletePoints(t *testing.T) {
	db := openTestDB(t)
	coll := newDocs(t, db)

	if err := coll.Delete([]uint64{2}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	points, err := coll.Get([]uint64{2})
	if err != nil || len(points) != 0 {
		t.Fatalf("deleted point still present: %v", err)
	}
	if coll.Config().PointCount != 2 {
		t.Errorf("point count after delete: %d", coll.Config().PointCount)
	}

	res, err := db.ExecuteQuery(context.Background(),
		"SELECT * FROM docs WHERE vector NEAR $v LIMIT 10",
		map[string]any{"v": []any{0.0, 1.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	for _, row := range res.Rows {
		if row.ID == 2 {
			t.Error("deleted point returned by search")
		}
	}
}
