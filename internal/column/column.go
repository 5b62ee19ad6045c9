// Package column implements the typed, column-oriented payload table used
// for JOIN targets and for fast predicate scans over metadata.
package column

import (
	"sync"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Type is the column's static cell type.
type Type int

const (
	TypeInt Type = iota
	TypeFloat
	TypeString
	TypeBool
)

// Cell is a single typed value. Exactly one field is meaningful per Type;
// Null reports whether the cell is SQL NULL regardless of Type.
type Cell struct {
	Type  Type
	Int   int64
	Float float64
	Str   string
	Bool  bool
	Null  bool
}

func NullCell(t Type) Cell { return Cell{Type: t, Null: true} }

// stringTable interns string cell values with reference counting so a
// high-cardinality-but-repetitive string column (labels, categories) does
// not duplicate the same bytes per row.
type stringTable struct {
	mu      sync.RWMutex
	byValue map[string]int
	values  []string
	refs    []int
	free    []int
}

func newStringTable() *stringTable {
	return &stringTable{byValue: make(map[string]int)}
}

func (t *stringTable) intern(s string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byValue[s]; ok {
		t.refs[id]++
		return id
	}
	var id int
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
		t.values[id] = s
		t.refs[id] = 1
	} else {
		id = len(t.values)
		t.values = append(t.values, s)
		t.refs = append(t.refs, 1)
	}
	t.byValue[s] = id
	return id
}

func (t *stringTable) release(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.refs) || t.refs[id] <= 0 {
		return
	}
	t.refs[id]--
	if t.refs[id] == 0 {
		delete(t.byValue, t.values[id])
		t.values[id] = ""
		t.free = append(t.free, id)
	}
}

func (t *stringTable) get(id int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.values) {
		return ""
	}
	return t.values[id]
}

// column is one typed array plus a null bitmap. String columns hold
// interned ids instead of raw strings.
type column struct {
	typ    Type
	ints   []int64
	floats []float64
	strIDs []int
	bools  []bool
	nulls  []bool
}

func newColumn(t Type) *column {
	return &column{typ: t}
}

func (c *column) grow(n int) {
	switch c.typ {
	case TypeInt:
		for len(c.ints) < n {
			c.ints = append(c.ints, 0)
		}
	case TypeFloat:
		for len(c.floats) < n {
			c.floats = append(c.floats, 0)
		}
	case TypeString:
		for len(c.strIDs) < n {
			c.strIDs = append(c.strIDs, -1)
		}
	case TypeBool:
		for len(c.bools) < n {
			c.bools = append(c.bools, false)
		}
	}
	for len(c.nulls) < n {
		c.nulls = append(c.nulls, true)
	}
}

// Schema describes a table's typed columns in declaration order.
type Schema struct {
	Columns []string
	Types   map[string]Type
}

func NewSchema() *Schema {
	return &Schema{Types: make(map[string]Type)}
}

func (s *Schema) AddColumn(name string, t Type) {
	if _, ok := s.Types[name]; ok {
		return
	}
	s.Columns = append(s.Columns, name)
	s.Types[name] = t
}

// Table is the column-oriented store: one array per column, a primary-key
// index when configured, and a shared string intern table.
type Table struct {
	mu sync.RWMutex

	schema  *Schema
	columns map[string]*column
	strings *stringTable

	rowCount int
	pkColumn string
	pkIndex  map[int64]int // pk value -> row index, only when pkColumn != ""

	// tombstones marks logically deleted rows so indices stay stable.
	tombstones []bool
}

// NewTable creates an empty table. pkColumn, if non-empty, must name an
// Int column and enables O(1) upsert/update/delete-by-pk.
func NewTable(schema *Schema, pkColumn string) *Table {
	t := &Table{
		schema:   schema,
		columns:  make(map[string]*column, len(schema.Columns)),
		strings:  newStringTable(),
		pkColumn: pkColumn,
	}
	for _, name := range schema.Columns {
		t.columns[name] = newColumn(schema.Types[name])
	}
	if pkColumn != "" {
		t.pkIndex = make(map[int64]int)
	}
	return t
}

// UpsertResult reports how a batch of rows was applied.
type UpsertResult struct {
	Inserted int
	Updated  int
	Failed   int
}

// UpsertBatch inserts or updates rows keyed by the primary key column. Rows
// whose pk value is missing or type-mismatched count as Failed and are
// skipped; a bad row never aborts the rest of the batch.
func (t *Table) UpsertBatch(rows []map[string]Cell) UpsertResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result UpsertResult
	for _, row := range rows {
		if t.pkColumn == "" {
			t.appendRow(row)
			result.Inserted++
			continue
		}
		pkCell, ok := row[t.pkColumn]
		if !ok || pkCell.Null || pkCell.Type != TypeInt {
			result.Failed++
			continue
		}
		if rowIdx, exists := t.pkIndex[pkCell.Int]; exists {
			t.writeRow(rowIdx, row)
			result.Updated++
			continue
		}
		rowIdx := t.appendRow(row)
		t.pkIndex[pkCell.Int] = rowIdx
		result.Inserted++
	}
	return result
}

func (t *Table) appendRow(row map[string]Cell) int {
	idx := t.rowCount
	t.rowCount++
	for _, name := range t.schema.Columns {
		col := t.columns[name]
		col.grow(t.rowCount)
	}
	t.tombstones = append(t.tombstones, false)
	t.writeRow(idx, row)
	return idx
}

func (t *Table) writeRow(idx int, row map[string]Cell) {
	for _, name := range t.schema.Columns {
		col := t.columns[name]
		cell, ok := row[name]
		if !ok || cell.Null {
			col.nulls[idx] = true
			continue
		}
		col.nulls[idx] = false
		switch col.typ {
		case TypeInt:
			col.ints[idx] = cell.Int
		case TypeFloat:
			col.floats[idx] = cell.Float
		case TypeBool:
			col.bools[idx] = cell.Bool
		case TypeString:
			if col.strIDs[idx] >= 0 {
				t.strings.release(col.strIDs[idx])
			}
			col.strIDs[idx] = t.strings.intern(cell.Str)
		}
	}
}

// DeleteByPK removes the row with the given primary key value. Returns
// false if no such row exists.
func (t *Table) DeleteByPK(pk int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pkColumn == "" {
		return false
	}
	idx, ok := t.pkIndex[pk]
	if !ok {
		return false
	}
	t.tombstones[idx] = true
	delete(t.pkIndex, pk)
	return true
}

// Get returns the row at pk as a plain map, or an error if it doesn't
// exist or has been deleted.
func (t *Table) Get(pk int64) (map[string]Cell, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pkColumn == "" {
		return nil, verrors.New(verrors.ParamInvalid, "column", "table has no primary key column")
	}
	idx, ok := t.pkIndex[pk]
	if !ok || t.tombstones[idx] {
		return nil, verrors.New(verrors.OffsetOutOfBounds, "column", "primary key not found")
	}
	return t.rowAt(idx), nil
}

func (t *Table) rowAt(idx int) map[string]Cell {
	row := make(map[string]Cell, len(t.schema.Columns))
	for _, name := range t.schema.Columns {
		col := t.columns[name]
		if col.nulls[idx] {
			row[name] = NullCell(col.typ)
			continue
		}
		switch col.typ {
		case TypeInt:
			row[name] = Cell{Type: TypeInt, Int: col.ints[idx]}
		case TypeFloat:
			row[name] = Cell{Type: TypeFloat, Float: col.floats[idx]}
		case TypeBool:
			row[name] = Cell{Type: TypeBool, Bool: col.bools[idx]}
		case TypeString:
			row[name] = Cell{Type: TypeString, Str: t.strings.get(col.strIDs[idx])}
		}
	}
	return row
}

func (t *Table) RowCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rowCount
}

// Op is a vectorized comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// ScanInt runs a vectorized comparison over an Int column, returning the
// matching row indices. Skips tombstoned rows. Designed to keep the inner
// loop branch-predictable and allocation-free aside from the result slice,
// so it can sustain high comparison throughput over large columns.
func (t *Table) ScanInt(colName string, op Op, value int64) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	col, ok := t.columns[colName]
	if !ok || col.typ != TypeInt {
		return nil
	}
	var out []int
	for i := 0; i < t.rowCount; i++ {
		if t.tombstones[i] || col.nulls[i] {
			continue
		}
		if compareInt(col.ints[i], op, value) {
			out = append(out, i)
		}
	}
	return out
}

func compareInt(a int64, op Op, b int64) bool {
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

// ScanFloat is ScanInt's Float counterpart.
func (t *Table) ScanFloat(colName string, op Op, value float64) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	col, ok := t.columns[colName]
	if !ok || col.typ != TypeFloat {
		return nil
	}
	var out []int
	for i := 0; i < t.rowCount; i++ {
		if t.tombstones[i] || col.nulls[i] {
			continue
		}
		var match bool
		switch op {
		case OpEq:
			match = col.floats[i] == value
		case OpNeq:
			match = col.floats[i] != value
		case OpLt:
			match = col.floats[i] < value
		case OpLte:
			match = col.floats[i] <= value
		case OpGt:
			match = col.floats[i] > value
		case OpGte:
			match = col.floats[i] >= value
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

// ScanString runs an equality/inequality scan over a String column,
// resolving each row's interned id against the probe value's own id so
// the comparison is an integer compare rather than a byte compare.
func (t *Table) ScanString(colName string, op Op, value string) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	col, ok := t.columns[colName]
	if !ok || col.typ != TypeString {
		return nil
	}
	probeID, known := t.lookupInterned(value)
	var out []int
	for i := 0; i < t.rowCount; i++ {
		if t.tombstones[i] || col.nulls[i] {
			continue
		}
		var match bool
		switch op {
		case OpEq:
			match = known && col.strIDs[i] == probeID
		case OpNeq:
			match = !known || col.strIDs[i] != probeID
		default:
			match = compareString(t.strings.get(col.strIDs[i]), op, value)
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

func (t *Table) lookupInterned(s string) (int, bool) {
	t.strings.mu.RLock()
	defer t.strings.mu.RUnlock()
	id, ok := t.strings.byValue[s]
	return id, ok
}

func compareString(a string, op Op, b string) bool {
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

// Rows returns the live rows at the given indices as plain maps, in the
// order given; out-of-range and tombstoned indices are skipped. Used to
// build the final projection after predicate evaluation picks row
// indices.
func (t *Table) Rows(indices []int) []map[string]Cell {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]map[string]Cell, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= t.rowCount || t.tombstones[idx] {
			continue
		}
		out = append(out, t.rowAt(idx))
	}
	return out
}
