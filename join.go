package velesdb

import (
	"context"

	"github.com/cyberlife-coder/velesdb/internal/column"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// executeJoin runs the base SELECT on the left collection, builds a
// temporary column table from each joined collection's payloads (typed
// columns inferred from the JSON, point id as the primary key), and merges
// matching right rows into the left rows. LEFT JOIN keeps
// unmatched left rows with null right columns; INNER drops them; RIGHT and
// FULL are rejected at validation.
func (db *Database) executeJoin(ctx context.Context, base *Collection, sel *velesql.SelectStmt, params map[string]any) (*Result, error) {
	inner := *sel
	inner.Joins = nil
	left, err := base.executeSelect(ctx, &inner, params)
	if err != nil {
		return nil, err
	}

	for _, join := range sel.Joins {
		right, err := db.Collection(join.Table)
		if err != nil {
			return nil, err
		}
		table, err := buildJoinTable(right)
		if err != nil {
			return nil, err
		}
		prefix := join.Alias
		if prefix == "" {
			prefix = join.Table
		}
		left, err = applyJoin(left, table, join, prefix)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

// buildJoinTable flattens the collection's payloads into a typed column
// table keyed by point id. Column types come from the first non-null value
// seen per key: bool, string, or float.
func buildJoinTable(coll *Collection) (*column.Table, error) {
	ids := coll.IDs()

	schema := column.NewSchema()
	schema.AddColumn("id", column.TypeInt)

	payloads := make(map[uint64]map[string]any, len(ids))
	for _, id := range ids {
		raw, err := coll.Payload(id)
		if err != nil {
			return nil, err
		}
		m, err := decodePayload(raw)
		if err != nil {
			return nil, err
		}
		payloads[id] = m
		for key, v := range m {
			switch v.(type) {
			case bool:
				schema.AddColumn(key, column.TypeBool)
			case string:
				schema.AddColumn(key, column.TypeString)
			case float64:
				schema.AddColumn(key, column.TypeFloat)
			}
		}
	}

	table := column.NewTable(schema, "id")
	rows := make([]map[string]column.Cell, 0, len(ids))
	for _, id := range ids {
		row := map[string]column.Cell{
			"id": {Type: column.TypeInt, Int: int64(id)},
		}
		for key, v := range payloads[id] {
			t, declared := schema.Types[key]
			if !declared {
				continue
			}
			switch x := v.(type) {
			case bool:
				if t == column.TypeBool {
					row[key] = column.Cell{Type: column.TypeBool, Bool: x}
				}
			case string:
				if t == column.TypeString {
					row[key] = column.Cell{Type: column.TypeString, Str: x}
				}
			case float64:
				if t == column.TypeFloat {
					row[key] = column.Cell{Type: column.TypeFloat, Float: x}
				}
			}
		}
		rows = append(rows, row)
	}
	table.UpsertBatch(rows)
	return table, nil
}

// applyJoin merges right-table columns into each left row. The join key is
// the USING column or the ON equality; lookups hit the id primary key when
// the right side joins on id.
func applyJoin(left *Result, table *column.Table, join *velesql.JoinClause, prefix string) (*Result, error) {
	keyCol, rightCol, err := joinKeys(join)
	if err != nil {
		return nil, err
	}
	isInner := join.Kind == "" || join.Kind == "INNER"

	out := &Result{}
	for _, row := range left.Rows {
		keyValue, ok := leftKeyValue(row, keyCol)
		var rightRow map[string]column.Cell
		if ok {
			rightRow = lookupRight(table, rightCol, keyValue)
		}
		if rightRow == nil {
			if isInner {
				continue
			}
			// LEFT JOIN: keep the row, right columns stay null.
			out.Rows = append(out.Rows, row)
			continue
		}
		merged := row
		if merged.Values == nil {
			merged.Values = make(map[string]any)
		} else {
			copied := make(map[string]any, len(merged.Values))
			for k, v := range merged.Values {
				copied[k] = v
			}
			merged.Values = copied
		}
		for name, cell := range rightRow {
			merged.Values[prefix+"."+name] = cellValue(cell)
		}
		out.Rows = append(out.Rows, merged)
	}
	return out, nil
}

func joinKeys(join *velesql.JoinClause) (left, right string, err error) {
	if len(join.Using) == 1 {
		return join.Using[0], join.Using[0], nil
	}
	if join.On != nil {
		// alias.col forms: the last segment names the column on each side.
		l := join.On.Left.Parts[len(join.On.Left.Parts)-1]
		r := join.On.Right.Parts[len(join.On.Right.Parts)-1]
		return l, r, nil
	}
	return "", "", verrors.New(verrors.QueryValidation, "database", "JOIN requires ON or USING")
}

func leftKeyValue(row ResultRow, col string) (any, bool) {
	if col == "id" {
		return float64(row.ID), true
	}
	if row.Payload != nil {
		v, ok := row.Payload[col]
		return v, ok
	}
	if row.Values != nil {
		v, ok := row.Values[col]
		return v, ok
	}
	return nil, false
}

func lookupRight(table *column.Table, rightCol string, key any) map[string]column.Cell {
	if rightCol == "id" {
		f, ok := key.(float64)
		if !ok {
			return nil
		}
		row, err := table.Get(int64(f))
		if err != nil {
			return nil
		}
		return row
	}

	// Non-pk join column: vectorized scan over the typed column.
	var indices []int
	switch v := key.(type) {
	case string:
		indices = table.ScanString(rightCol, column.OpEq, v)
	case float64:
		indices = table.ScanFloat(rightCol, column.OpEq, v)
	default:
		return nil
	}
	rows := table.Rows(indices)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func cellValue(c column.Cell) any {
	if c.Null {
		return nil
	}
	switch c.Type {
	case column.TypeInt:
		return c.Int
	case column.TypeFloat:
		return c.Float
	case column.TypeString:
		return c.Str
	case column.TypeBool:
		return c.Bool
	}
	return nil
}
