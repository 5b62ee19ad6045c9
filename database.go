package velesdb

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyberlife-coder/velesdb/internal/queryengine"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Result is what a query returns: materialized rows in result order.
type Result struct {
	Rows []ResultRow
}

// ResultRow is one output row. Payload is set for SELECT * rows, Values
// for projected/aggregated rows, Depth/Path for MATCH results.
type ResultRow struct {
	ID      uint64
	Score   float32
	Depth   int
	Path    []uint64
	Payload map[string]any
	Values  map[string]any
}

// IDs is a convenience accessor for the row ids in order.
func (r *Result) IDs() []uint64 {
	out := make([]uint64, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.ID
	}
	return out
}

// Database is the registry of named collections under one data directory.
type Database struct {
	dir string

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Open opens (or creates) a database rooted at dir and loads every
// persisted collection.
func Open(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, verrors.Wrap(verrors.IO, "database", "create data directory", err)
	}
	db := &Database{dir: dir, collections: make(map[string]*Collection)}
	if err := db.loadCollections(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *Database) loadCollections() error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return verrors.Wrap(verrors.IO, "database", "read data directory", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(db.dir, e.Name())
		cfg, err := loadConfig(dir)
		if err != nil {
			// Not a collection directory; skip rather than fail the open.
			continue
		}
		coll, err := openCollection(dir, cfg)
		if err != nil {
			return err
		}
		db.collections[cfg.Name] = coll
	}
	return nil
}

// CreateCollection creates and registers a new collection.
func (db *Database) CreateCollection(cfg CollectionConfig) (*Collection, error) {
	cfg.normalize()
	if cfg.Name == "" {
		return nil, verrors.New(verrors.ParamInvalid, "database", "collection name must be non-empty")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.collections[cfg.Name]; exists {
		return nil, verrors.New(verrors.CollectionExists, "database",
			"collection already exists: "+cfg.Name)
	}

	dir := filepath.Join(db.dir, cfg.Name)
	coll, err := openCollection(dir, cfg)
	if err != nil {
		return nil, err
	}
	if err := saveConfig(dir, cfg); err != nil {
		coll.closeStores()
		return nil, err
	}
	db.collections[cfg.Name] = coll
	return coll, nil
}

// Collection returns the named collection.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	coll, ok := db.collections[name]
	if !ok {
		return nil, verrors.New(verrors.CollectionNotFound, "database",
			"collection not found: "+name)
	}
	return coll, nil
}

// DeleteCollection closes the collection and removes its directory.
func (db *Database) DeleteCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	coll, ok := db.collections[name]
	if !ok {
		return verrors.New(verrors.CollectionNotFound, "database",
			"collection not found: "+name)
	}
	if err := coll.Close(); err != nil {
		log.Printf("database: closing %s before delete: %v", name, err)
	}
	delete(db.collections, name)
	if err := os.RemoveAll(filepath.Join(db.dir, name)); err != nil {
		return verrors.Wrap(verrors.IO, "database", "remove collection directory", err)
	}
	return nil
}

// ListCollections returns the registered collection names.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.collections))
	for name := range db.collections {
		out = append(out, name)
	}
	return out
}

// ExecuteQuery parses, validates, and dispatches a VelesQL statement:
// DML routes to the referenced collection, SELECT resolves its base
// collection plus JOIN targets, compound queries combine per-side results
// by id-set semantics. Top-level MATCH must go through a specific
// collection's ExecuteQuery.
func (db *Database) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*Result, error) {
	stmt, err := velesql.Parse(query)
	if err != nil {
		return nil, err
	}

	switch {
	case stmt.Match != nil:
		return nil, verrors.New(verrors.QueryValidation, "database",
			"MATCH must be executed against a specific collection")
	case stmt.Insert != nil:
		return db.executeInsert(stmt)
	case stmt.Update != nil:
		return db.executeUpdate(ctx, stmt, params)
	case stmt.Select != nil:
		if len(stmt.Select.Rest) > 0 {
			return db.executeCompound(ctx, stmt.Select, params)
		}
		return db.executeSelect(ctx, stmt.Select.First, params)
	}
	return nil, verrors.New(verrors.QueryParse, "database", "empty statement")
}

func (db *Database) executeSelect(ctx context.Context, sel *velesql.SelectStmt, params map[string]any) (*Result, error) {
	coll, err := db.Collection(sel.From)
	if err != nil {
		return nil, err
	}
	if len(sel.Joins) > 0 {
		return db.executeJoin(ctx, coll, sel, params)
	}
	return coll.executeSelect(ctx, sel, params)
}

// executeCompound evaluates each side on its own collection and combines
// by id-set semantics; UNION ALL keeps duplicates.
func (db *Database) executeCompound(ctx context.Context, cs *velesql.CompoundSelect, params map[string]any) (*Result, error) {
	left, err := db.executeSelect(ctx, cs.First, params)
	if err != nil {
		return nil, err
	}

	for _, tail := range cs.Rest {
		right, err := db.executeSelect(ctx, tail.Select, params)
		if err != nil {
			return nil, err
		}
		left = combineCompound(left, right, tail.Op, tail.All)
	}
	return left, nil
}

func combineCompound(left, right *Result, op string, all bool) *Result {
	switch op {
	case "UNION":
		if all {
			return &Result{Rows: append(left.Rows, right.Rows...)}
		}
		seen := make(map[uint64]bool, len(left.Rows))
		out := &Result{}
		for _, row := range left.Rows {
			if !seen[row.ID] {
				seen[row.ID] = true
				out.Rows = append(out.Rows, row)
			}
		}
		for _, row := range right.Rows {
			if !seen[row.ID] {
				seen[row.ID] = true
				out.Rows = append(out.Rows, row)
			}
		}
		return out
	case "INTERSECT":
		rightIDs := make(map[uint64]bool, len(right.Rows))
		for _, row := range right.Rows {
			rightIDs[row.ID] = true
		}
		out := &Result{}
		seen := make(map[uint64]bool)
		for _, row := range left.Rows {
			if rightIDs[row.ID] && !seen[row.ID] {
				seen[row.ID] = true
				out.Rows = append(out.Rows, row)
			}
		}
		return out
	case "EXCEPT":
		rightIDs := make(map[uint64]bool, len(right.Rows))
		for _, row := range right.Rows {
			rightIDs[row.ID] = true
		}
		out := &Result{}
		seen := make(map[uint64]bool)
		for _, row := range left.Rows {
			if !rightIDs[row.ID] && !seen[row.ID] {
				seen[row.ID] = true
				out.Rows = append(out.Rows, row)
			}
		}
		return out
	}
	return left
}

// executeInsert maps INSERT column/value pairs onto a Point: `id` and
// `vector` are structural, everything else lands in the payload.
func (db *Database) executeInsert(stmt *velesql.Statement) (*Result, error) {
	ins := stmt.Insert
	coll, err := db.Collection(ins.Table)
	if err != nil {
		return nil, err
	}
	if err := velesql.ValidateDML(stmt, coll.Dimension()); err != nil {
		return nil, err
	}
	if len(ins.Columns) != len(ins.Values) {
		return nil, verrors.New(verrors.QueryValidation, "database",
			"INSERT column/value count mismatch")
	}

	var p Point
	payload := make(map[string]any)
	for i, col := range ins.Columns {
		v, err := ins.Values[i].Resolve(nil)
		if err != nil {
			return nil, err
		}
		switch col {
		case "id":
			f, ok := v.(float64)
			if !ok {
				return nil, verrors.New(verrors.ParamInvalid, "database", "INSERT id must be a number")
			}
			p.ID = uint64(f)
		case "vector":
			arr, ok := v.([]any)
			if !ok {
				return nil, verrors.New(verrors.ParamInvalid, "database", "INSERT vector must be an array")
			}
			vec := make([]float32, len(arr))
			for j, elem := range arr {
				f, ok := elem.(float64)
				if !ok {
					return nil, verrors.New(verrors.ParamInvalid, "database", "INSERT vector element must be a number")
				}
				vec[j] = float32(f)
			}
			p.Vector = vec
		default:
			payload[col] = v
		}
	}
	if len(payload) > 0 {
		p.Payload = payload
	}
	if err := coll.Upsert([]Point{p}); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// executeUpdate finds the rows matching WHERE through the normal SELECT
// path, then rewrites each matched point's payload (or vector) and
// re-upserts it.
func (db *Database) executeUpdate(ctx context.Context, stmt *velesql.Statement, params map[string]any) (*Result, error) {
	upd := stmt.Update
	coll, err := db.Collection(upd.Table)
	if err != nil {
		return nil, err
	}
	if err := velesql.ValidateDML(stmt, coll.Dimension()); err != nil {
		return nil, err
	}

	limit := queryengine.MaxLimit
	sel := &velesql.SelectStmt{
		Projections: []*velesql.Projection{{Star: true}},
		From:        upd.Table,
		Where:       upd.Where,
		Limit:       &limit,
	}
	matched, err := coll.executeSelect(ctx, sel, params)
	if err != nil {
		return nil, err
	}

	var updated []Point
	for _, row := range matched.Rows {
		points, err := coll.Get([]uint64{row.ID})
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			continue
		}
		p := points[0]
		for _, set := range upd.Set {
			v, err := set.Value.Resolve(params)
			if err != nil {
				return nil, err
			}
			if set.Column == "vector" {
				vec, err := toVector(v)
				if err != nil {
					return nil, err
				}
				p.Vector = vec
				continue
			}
			if p.Payload == nil {
				p.Payload = make(map[string]any)
			}
			p.Payload[set.Column] = v
		}
		updated = append(updated, p)
	}
	if err := coll.Upsert(updated); err != nil {
		return nil, err
	}
	return &Result{Rows: make([]ResultRow, len(updated))}, nil
}

func toVector(v any) ([]float32, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, verrors.New(verrors.ParamInvalid, "database", "vector value must be an array")
	}
	vec := make([]float32, len(arr))
	for i, elem := range arr {
		f, ok := elem.(float64)
		if !ok {
			return nil, verrors.New(verrors.ParamInvalid, "database", "vector element must be a number")
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// Flush flushes every collection.
func (db *Database) Flush() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var firstErr error
	for _, coll := range db.collections {
		if err := coll.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes and closes every collection. Never panics; failures are
// logged and the first is returned.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for name, coll := range db.collections {
		if err := coll.Close(); err != nil {
			log.Printf("database: close collection %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	db.collections = make(map[string]*Collection)
	return firstErr
}

// decodePayload is a small helper shared by the join runtime.
func decodePayload(data []byte) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, verrors.Wrap(verrors.Corruption, "database", "decode payload", err)
	}
	return m, nil
}
