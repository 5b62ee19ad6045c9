package velesdb

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyberlife-coder/velesdb/internal/graph"
	"github.com/cyberlife-coder/velesdb/internal/hnsw"
	"github.com/cyberlife-coder/velesdb/internal/kernel"
	"github.com/cyberlife-coder/velesdb/internal/matchexec"
	"github.com/cyberlife-coder/velesdb/internal/queryengine"
	"github.com/cyberlife-coder/velesdb/internal/storage"
	"github.com/cyberlife-coder/velesdb/internal/velesql"
	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Collection owns a vector store, a payload store, an HNSW index, and an
// edge store, all under one directory. The config (point_count
// included) sits behind its own read-write lock.
type Collection struct {
	dir    string
	metric kernel.Metric

	cfgMu sync.RWMutex
	cfg   CollectionConfig

	vectors  *storage.VectorStore
	payloads *storage.PayloadStore
	index    *hnsw.Graph
	edges    *graph.Store

	dispatch *queryengine.Dispatcher
	matcher  *matchexec.Executor
}

// vectorSource adapts the vector store to the HNSW index's lookup
// interface.
type vectorSource struct {
	vectors *storage.VectorStore
}

func (s vectorSource) Vector(id uint64) ([]float32, error) {
	return s.vectors.Retrieve(id)
}

func openCollection(dir string, cfg CollectionConfig) (*Collection, error) {
	cfg.normalize()
	metric, err := kernel.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}

	vectors, err := storage.OpenVectorStore(dir, cfg.Dimension)
	if err != nil {
		return nil, err
	}
	payloads, err := storage.OpenPayloadStore(dir)
	if err != nil {
		vectors.Close()
		return nil, err
	}

	c := &Collection{
		dir:      dir,
		metric:   metric,
		cfg:      cfg,
		vectors:  vectors,
		payloads: payloads,
		edges:    graph.NewStore(),
	}
	c.index = hnsw.NewGraph(hnswParamsFor(cfg, vectors.Len()), vectorSource{vectors: vectors})
	c.dispatch = queryengine.New(c)
	c.matcher = matchexec.New(c, c.edges)

	if cfg.Dimension > 0 {
		if err := c.rebuildIndex(); err != nil {
			c.closeStores()
			return nil, err
		}
	}
	if err := c.loadEdges(); err != nil {
		c.closeStores()
		return nil, err
	}
	return c, nil
}

// hnswParamsFor tunes M from the dataset size: small collections stay at
// the low default, large ones connect more densely.
func hnswParamsFor(cfg CollectionConfig, size int) hnsw.Params {
	metric, _ := kernel.ParseMetric(cfg.Metric)
	p := hnsw.DefaultParams(metric)
	switch {
	case size > 1_000_000:
		p.M = 48
	case size > 100_000:
		p.M = 32
	}
	return p
}

// rebuildIndex reconstructs the HNSW graph from the persisted vectors. The
// graph itself is derived state; the vector store is the durable source of
// truth.
func (c *Collection) rebuildIndex() error {
	for _, id := range c.vectors.IDs() {
		vec, err := c.vectors.Retrieve(id)
		if err != nil {
			return err
		}
		if err := c.index.Insert(id, vec); err != nil {
			return err
		}
	}
	return nil
}

// Name implements queryengine.Source.
func (c *Collection) Name() string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.Name
}

func (c *Collection) Dimension() int {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.Dimension
}

func (c *Collection) Metric() kernel.Metric { return c.metric }

// Config returns a copy of the collection's current configuration.
func (c *Collection) Config() CollectionConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// IDs returns every live point id: the union of vector ids and
// payload-only ids.
func (c *Collection) IDs() []uint64 {
	ids := c.vectors.IDs()
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range c.payloads.IDs() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Collection) Vector(id uint64) ([]float32, error) {
	return c.vectors.Retrieve(id)
}

// Payload returns the raw JSON payload bytes for id, or nil when the point
// has none.
func (c *Collection) Payload(id uint64) ([]byte, error) {
	data, err := c.payloads.Retrieve(id)
	if err != nil {
		if kind, ok := verrors.KindOf(err); ok && kind == verrors.OffsetOutOfBounds {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Search runs a kNN query through the HNSW index.
func (c *Collection) Search(vec []float32, k, efSearch int) ([]hnsw.SearchResult, error) {
	if len(vec) != c.Dimension() {
		return nil, verrors.New(verrors.DimensionMismatch, "collection",
			"query vector dimension does not match collection")
	}
	return c.index.Search(vec, k, efSearch)
}

// Upsert stores the given points: vector bytes (through the configured
// storage mode's quantizer), payload JSON, and the HNSW index entry.
func (c *Collection) Upsert(points []Point) error {
	dim := c.Dimension()
	mode := c.Config().StorageMode

	var inserted uint64
	for _, p := range points {
		hasVector := len(p.Vector) > 0
		if hasVector && len(p.Vector) != dim {
			return verrors.New(verrors.DimensionMismatch, "collection",
				"point vector dimension does not match collection")
		}

		_, existedVec := c.vectorExists(p.ID)
		existedPayload := c.payloads.Has(p.ID)

		if hasVector {
			stored := applyStorageMode(mode, p.Vector)
			if err := c.vectors.Store(p.ID, stored); err != nil {
				return err
			}
			if err := c.index.Insert(p.ID, stored); err != nil {
				return err
			}
		}
		if p.Payload != nil {
			data, err := json.Marshal(p.Payload)
			if err != nil {
				return verrors.Wrap(verrors.ParamInvalid, "collection", "marshal payload", err)
			}
			if err := c.payloads.Store(p.ID, data); err != nil {
				return err
			}
		}
		if !existedVec && !existedPayload {
			inserted++
		}
	}

	if inserted > 0 {
		c.cfgMu.Lock()
		c.cfg.PointCount += inserted
		c.cfgMu.Unlock()
		if err := saveConfig(c.dir, c.Config()); err != nil {
			return err
		}
	}
	if c.payloads.ShouldSnapshot() {
		if err := c.payloads.Snapshot(); err != nil {
			log.Printf("collection %s: payload snapshot failed: %v", c.Name(), err)
		}
	}
	return nil
}

func (c *Collection) vectorExists(id uint64) ([]float32, bool) {
	vec, err := c.vectors.Retrieve(id)
	if err != nil {
		return nil, false
	}
	return vec, true
}

// Get materializes the points with the given ids. Unknown ids are skipped.
func (c *Collection) Get(ids []uint64) ([]Point, error) {
	out := make([]Point, 0, len(ids))
	for _, id := range ids {
		vec, hasVec := c.vectorExists(id)
		payload, err := c.Payload(id)
		if err != nil {
			return nil, err
		}
		if !hasVec && payload == nil {
			continue
		}
		p := Point{ID: id, Vector: vec}
		if payload != nil {
			if err := json.Unmarshal(payload, &p.Payload); err != nil {
				return nil, verrors.Wrap(verrors.Corruption, "collection", "decode payload", err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Delete removes the points with the given ids from every store.
func (c *Collection) Delete(ids []uint64) error {
	var removed uint64
	for _, id := range ids {
		_, hadVec := c.vectorExists(id)
		hadPayload := c.payloads.Has(id)
		if !hadVec && !hadPayload {
			continue
		}
		if hadVec {
			if err := c.vectors.Delete(id); err != nil {
				return err
			}
			c.index.Remove(id)
		}
		if hadPayload {
			if err := c.payloads.Delete(id); err != nil {
				return err
			}
		}
		c.edges.RemoveNode(id)
		removed++
	}
	if removed > 0 {
		c.cfgMu.Lock()
		if c.cfg.PointCount >= removed {
			c.cfg.PointCount -= removed
		} else {
			c.cfg.PointCount = 0
		}
		c.cfgMu.Unlock()
		if err := saveConfig(c.dir, c.Config()); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge inserts a directed labeled edge between two points.
func (c *Collection) AddEdge(e graph.Edge) error { return c.edges.AddEdge(e) }

// Edges exposes the underlying edge store for traversal calls.
func (c *Collection) Edges() *graph.Store { return c.edges }

// ExecuteQuery parses and runs a VelesQL statement scoped to this
// collection: SELECT (without JOIN/compound, which route through the
// Database) or MATCH.
func (c *Collection) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*Result, error) {
	stmt, err := velesql.Parse(query)
	if err != nil {
		return nil, err
	}
	switch {
	case stmt.Match != nil:
		return c.executeMatch(ctx, stmt.Match, params)
	case stmt.Select != nil && len(stmt.Select.Rest) == 0 && len(stmt.Select.First.Joins) == 0:
		return c.executeSelect(ctx, stmt.Select.First, params)
	default:
		return nil, verrors.New(verrors.Unsupported, "collection",
			"statement must be executed through the database")
	}
}

func (c *Collection) executeSelect(ctx context.Context, sel *velesql.SelectStmt, params map[string]any) (*Result, error) {
	rows, err := c.dispatch.ExecuteSelect(ctx, sel, params)
	if err != nil {
		return nil, err
	}
	return c.materialize(rows)
}

func (c *Collection) executeMatch(ctx context.Context, m *velesql.MatchStmt, params map[string]any) (*Result, error) {
	matches, err := c.matcher.Execute(ctx, m, params)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, match := range matches {
		res.Rows = append(res.Rows, ResultRow{
			ID:     match.NodeID,
			Depth:  match.Depth,
			Path:   match.Path,
			Values: match.Projected,
		})
	}
	return res, nil
}

func (c *Collection) materialize(rows []queryengine.Row) (*Result, error) {
	res := &Result{}
	for _, row := range rows {
		rr := ResultRow{ID: row.ID, Score: row.Score, Values: row.Values}
		if row.Values == nil {
			payload := row.Payload
			if payload == nil {
				p, err := c.Payload(row.ID)
				if err != nil {
					return nil, err
				}
				payload = p
			}
			if payload != nil {
				if err := json.Unmarshal(payload, &rr.Payload); err != nil {
					return nil, verrors.Wrap(verrors.Corruption, "collection", "decode payload", err)
				}
			}
		}
		res.Rows = append(res.Rows, rr)
	}
	return res, nil
}

// Flush makes all pending writes durable and persists the edge store.
func (c *Collection) Flush() error {
	if err := c.vectors.Flush(); err != nil {
		return err
	}
	if err := c.saveEdges(); err != nil {
		return err
	}
	return saveConfig(c.dir, c.Config())
}

// Compact rewrites the vector data file keeping only live vectors.
func (c *Collection) Compact() (int64, error) { return c.vectors.Compact() }

func edgesPath(dir string) string { return filepath.Join(dir, "edges", "edges.json") }

func (c *Collection) saveEdges() error {
	all := c.edges.All()
	if len(all) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(edgesPath(c.dir)), 0755); err != nil {
		return verrors.Wrap(verrors.IO, "collection", "create edges directory", err)
	}
	data, err := json.Marshal(all)
	if err != nil {
		return verrors.Wrap(verrors.IO, "collection", "marshal edges", err)
	}
	tmp := edgesPath(c.dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return verrors.Wrap(verrors.IO, "collection", "write edges", err)
	}
	if err := os.Rename(tmp, edgesPath(c.dir)); err != nil {
		return verrors.Wrap(verrors.IO, "collection", "rename edges into place", err)
	}
	return nil
}

func (c *Collection) loadEdges() error {
	data, err := os.ReadFile(edgesPath(c.dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return verrors.Wrap(verrors.IO, "collection", "read edges", err)
	}
	var all []graph.Edge
	if err := json.Unmarshal(data, &all); err != nil {
		return verrors.Wrap(verrors.Corruption, "collection", "parse edges", err)
	}
	for _, e := range all {
		if err := c.edges.AddEdge(e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) closeStores() {
	if err := c.vectors.Close(); err != nil {
		log.Printf("collection %s: close vector store: %v", c.cfg.Name, err)
	}
	if err := c.payloads.Close(); err != nil {
		log.Printf("collection %s: close payload store: %v", c.cfg.Name, err)
	}
}

// Close flushes and releases the collection's stores. Failures are logged,
// never panicked, so Close is safe on shutdown paths.
func (c *Collection) Close() error {
	var firstErr error
	if err := c.Flush(); err != nil {
		log.Printf("collection %s: flush on close: %v", c.Name(), err)
		firstErr = err
	}
	if err := c.vectors.Close(); err != nil {
		log.Printf("collection %s: close vector store: %v", c.Name(), err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := c.payloads.Close(); err != nil {
		log.Printf("collection %s: close payload store: %v", c.Name(), err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
