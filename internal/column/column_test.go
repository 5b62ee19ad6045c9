package column

import "testing"

func docSchema() *Schema {
	s := NewSchema()
	s.AddColumn("id", TypeInt)
	s.AddColumn("name", TypeString)
	s.AddColumn("price", TypeFloat)
	s.AddColumn("active", TypeBool)
	return s
}

func row(id int64, name string, price float64, active bool) map[string]Cell {
	return map[string]Cell{
		"id":     {Type: TypeInt, Int: id},
		"name":   {Type: TypeString, Str: name},
		"price":  {Type: TypeFloat, Float: price},
		"active": {Type: TypeBool, Bool: active},
	}
}

func TestUpsertBatch(t *testing.T) {
	tbl := NewTable(docSchema(), "id")

	res := tbl.UpsertBatch([]map[string]Cell{
		row(1, "alpha", 9.5, true),
		row(2, "beta", 1.25, false),
		row(1, "alpha-2", 10.0, true),              // same pk: update
		{"name": {Type: TypeString, Str: "no-pk"}}, // missing pk: failed
	})
	if res.Inserted != 2 || res.Updated != 1 || res.Failed != 1 {
		t.Fatalf("upsert result: %+v", res)
	}

	got, err := tbl.Get(1)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	if got["name"].Str != "alpha-2" || got["price"].Float != 10.0 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestDeleteByPK(t *testing.T) {
	tbl := NewTable(docSchema(), "id")
	tbl.UpsertBatch([]map[string]Cell{row(1, "a", 1, true), row(2, "b", 2, false)})

	if !tbl.DeleteByPK(1) {
		t.Fatal("delete existing pk returned false")
	}
	if tbl.DeleteByPK(1) {
		t.Fatal("double delete returned true")
	}
	if _, err := tbl.Get(1); err == nil {
		t.Error("deleted row still retrievable")
	}
	if _, err := tbl.Get(2); err != nil {
		t.Errorf("surviving row lost: %v", err)
	}
}

func TestScans(t *testing.T) {
	tbl := NewTable(docSchema(), "id")
	tbl.UpsertBatch([]map[string]Cell{
		row(1, "alpha", 5, true),
		row(2, "beta", 15, false),
		row(3, "alpha", 25, true),
	})

	t.Run("Int", func(t *testing.T) {
		got := tbl.ScanInt("id", OpGte, 2)
		if len(got) != 2 {
			t.Errorf("id >= 2: want 2 rows, got %d", len(got))
		}
	})

	t.Run("Float", func(t *testing.T) {
		got := tbl.ScanFloat("price", OpLt, 20)
		if len(got) != 2 {
			t.Errorf("price < 20: want 2 rows, got %d", len(got))
		}
	})

	t.Run("StringInterned", func(t *testing.T) {
		got := tbl.ScanString("name", OpEq, "alpha")
		if len(got) != 2 {
			t.Errorf("name = alpha: want 2 rows, got %d", len(got))
		}
		// Probe for a value never interned: fast path returns nothing.
		if got := tbl.ScanString("name", OpEq, "gamma"); len(got) != 0 {
			t.Errorf("unknown string matched %d rows", len(got))
		}
	})

	t.Run("SkipsTombstones", func(t *testing.T) {
		tbl.DeleteByPK(3)
		got := tbl.ScanString("name", OpEq, "alpha")
		if len(got) != 1 {
			t.Errorf("after delete: want 1 row, got %d", len(got))
		}
	})
}

func TestRowsProjection(t *testing.T) {
	tbl := NewTable(docSchema(), "id")
	tbl.UpsertBatch([]map[string]Cell{row(1, "a", 1.5, true)})

	rows := tbl.Rows([]int{0, 99})
	if len(rows) != 1 {
		t.Fatalf("want 1 row (out-of-range skipped), got %d", len(rows))
	}
	if rows[0]["name"].Str != "a" || rows[0]["price"].Float != 1.5 {
		t.Errorf("projected row wrong: %+v", rows[0])
	}
}

func TestNullCells(t *testing.T) {
	tbl := NewTable(docSchema(), "id")
	tbl.UpsertBatch([]map[string]Cell{{
		"id": {Type: TypeInt, Int: 1},
		// name/price/active omitted: stored as nulls
	}})
	got, err := tbl.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got["name"].Null || !got["price"].Null {
		t.Errorf("omitted cells should be null: %+v", got)
	}
	// Null rows are invisible to scans.
	if got := tbl.ScanFloat("price", OpGte, 0); len(got) != 0 {
		t.Errorf("null cell matched scan: %d", len(got))
	}
}

func TestStringInternRefCounting(t *testing.T) {
	tbl := NewTable(docSchema(), "id")
	tbl.UpsertBatch([]map[string]Cell{
		row(1, "shared", 1, true),
		row(2, "shared", 2, true),
	})
	// Overwriting row 1's name releases one reference; "shared" must
	// survive for row 2.
	tbl.UpsertBatch([]map[string]Cell{row(1, "other", 1, true)})
	got, err := tbl.Get(2)
	if err != nil || got["name"].Str != "shared" {
		t.Errorf("interned string lost: %+v err=%v", got, err)
	}
}
