package queryengine

import (
	"testing"

	"github.com/cyberlife-coder/velesdb/internal/velesql"
)

func whereOf(t *testing.T, q string) *velesql.Expr {
	t.Helper()
	stmt, err := velesql.Parse(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	return stmt.Select.First.Where
}

func TestExtractNearAndMeta(t *testing.T) {
	params := map[string]any{"v": []any{1.0, 0.0}}
	cond, err := extractConditions(whereOf(t,
		"SELECT * FROM d WHERE vector NEAR $v AND category = 'tech'"), params)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if cond.nearVector == nil || cond.nearVector[0] != 1 {
		t.Errorf("near vector: %v", cond.nearVector)
	}
	if cond.meta.Matches([]byte(`{"category":"food"}`)) {
		t.Error("residual filter should reject category=food")
	}
	if !cond.meta.Matches([]byte(`{"category":"tech"}`)) {
		t.Error("residual filter should accept category=tech")
	}
}

func TestExtractSimilarityChainOrder(t *testing.T) {
	params := map[string]any{"a": []any{1.0, 0.0}, "b": []any{0.0, 1.0}}
	cond, err := extractConditions(whereOf(t,
		"SELECT * FROM d WHERE similarity(vector, $a) > 0.5 AND similarity(vector, $b) > 0.25"), params)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(cond.similarities) != 2 {
		t.Fatalf("want 2 similarity conditions, got %d", len(cond.similarities))
	}
	// Cascade order must mirror source order.
	if cond.similarities[0].vector[0] != 1 || cond.similarities[1].vector[1] != 1 {
		t.Error("similarity chain out of order")
	}
	if cond.similarities[0].threshold != 0.5 || cond.similarities[1].threshold != 0.25 {
		t.Error("thresholds mixed up")
	}
}

func TestExtractNotSimilarity(t *testing.T) {
	params := map[string]any{"a": []any{1.0, 0.0}}
	cond, err := extractConditions(whereOf(t,
		"SELECT * FROM d WHERE NOT similarity(vector, $a) > 0.9"), params)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(cond.notSimilarities) != 1 || len(cond.similarities) != 0 {
		t.Errorf("NOT similarity misrouted: %+v", cond)
	}
}

func TestExtractOrLiftsToUnionMode(t *testing.T) {
	params := map[string]any{"a": []any{1.0, 0.0}}
	cond, err := extractConditions(whereOf(t,
		"SELECT * FROM d WHERE similarity(vector, $a) > 0.5 OR category = 'x'"), params)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(cond.orBranches) != 2 {
		t.Fatalf("want 2 OR branches, got %d", len(cond.orBranches))
	}

	// A pure-metadata OR stays a single residual filter.
	cond, err = extractConditions(whereOf(t,
		"SELECT * FROM d WHERE category = 'x' OR category = 'y'"), nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(cond.orBranches) != 0 {
		t.Error("metadata OR must not switch to union mode")
	}
	if !cond.meta.Matches([]byte(`{"category":"y"}`)) {
		t.Error("metadata OR filter broken")
	}
}

func TestExtractMissingParam(t *testing.T) {
	_, err := extractConditions(whereOf(t,
		"SELECT * FROM d WHERE vector NEAR $gone"), map[string]any{})
	if err == nil {
		t.Fatal("missing vector parameter must error")
	}
}

func TestDerivedK(t *testing.T) {
	if k := derivedK(5, 0); k != 50 {
		t.Errorf("limit 5, no similarities: want 50, got %d", k)
	}
	if k := derivedK(5, 3); k != 150 {
		t.Errorf("limit 5, 3 similarities: want 150, got %d", k)
	}
	if k := derivedK(MaxLimit, 10); k != maxDerivedK {
		t.Errorf("derived k must cap at %d, got %d", maxDerivedK, k)
	}
}

func TestParseWithOpts(t *testing.T) {
	stmt, err := velesql.Parse("SELECT * FROM d WITH(ef = 128, max_groups = 500)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	opts, err := parseWithOpts(stmt.Select.First.With)
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.efSearch != 128 || opts.maxGroups != 500 {
		t.Errorf("opts: %+v", opts)
	}

	stmt, err = velesql.Parse("SELECT * FROM d WITH(bogus = 1)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := parseWithOpts(stmt.Select.First.With); err == nil {
		t.Error("unknown WITH option must error")
	}
}
