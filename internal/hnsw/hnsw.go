// Package hnsw implements a hierarchical navigable small world graph for
// approximate nearest-neighbor search over vectors resolved through a
// caller-supplied VectorSource.
package hnsw

import (
	"math"
	"math/rand"
	"sync"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/cyberlife-coder/velesdb/internal/kernel"
)

const maxLayer = 15

// Params configures graph construction and search.
type Params struct {
	M              int // neighbors per node above layer 0, default 16-64
	EfConstruction int
	EfSearch       int
	Metric         kernel.Metric
}

func DefaultParams(metric kernel.Metric) Params {
	return Params{M: 16, EfConstruction: 200, EfSearch: 50, Metric: metric}
}

func (p Params) m0() int { return 2 * p.M }

func (p Params) levelMult() float64 {
	if p.M <= 1 {
		return 1
	}
	return 1 / math.Log(float64(p.M))
}

// VectorSource resolves a node id to the vector used for distance
// computation. The index itself stores no vector bytes; it's the caller's
// vector store that owns them.
type VectorSource interface {
	Vector(id uint64) ([]float32, error)
}

type node struct {
	id        uint64
	neighbors []sync.RWMutex // one lock per layer, indexed by layer
	adj       [][]uint64     // per-layer adjacency list
}

// Graph is the HNSW index. Each per-node, per-layer adjacency list has its
// own read-write lock; the node table itself (and the entry point/max
// layer) is guarded by a single structural lock for inserts that grow the
// set of layers.
type Graph struct {
	params Params
	source VectorSource

	structMu sync.RWMutex
	nodes    map[uint64]*node
	entry    uint64
	hasEntry bool
	maxLayer int

	rng   *rand.Rand
	rngMu sync.Mutex
}

func NewGraph(params Params, source VectorSource) *Graph {
	return &Graph{
		params: params,
		source: source,
		nodes:  make(map[uint64]*node),
		rng:    rand.New(rand.NewSource(1)),
	}
}

func (g *Graph) randomLayer() int {
	g.rngMu.Lock()
	u := g.rng.Float64()
	g.rngMu.Unlock()
	if u <= 0 {
		u = 1e-12
	}
	l := int(math.Floor(-math.Log(u) * g.params.levelMult()))
	if l > maxLayer {
		l = maxLayer
	}
	return l
}

func (g *Graph) distance(a, b []float32) float32 {
	return kernel.Distance(g.params.Metric, a, b)
}

type candidate struct {
	id   uint64
	dist float32
}

func minCandidateComparator(a, b interface{}) int {
	ca, cb := a.(candidate), b.(candidate)
	switch {
	case ca.dist < cb.dist:
		return -1
	case ca.dist > cb.dist:
		return 1
	default:
		return 0
	}
}

func maxCandidateComparator(a, b interface{}) int {
	return -minCandidateComparator(a, b)
}

// Insert adds id to the graph. vec must be the vector already stored for
// id in the caller's vector store (the index never copies vector bytes
// itself).
func (g *Graph) Insert(id uint64, vec []float32) error {
	level := g.randomLayer()

	g.structMu.Lock()
	if _, exists := g.nodes[id]; exists {
		g.structMu.Unlock()
		return nil
	}
	n := &node{
		id:        id,
		neighbors: make([]sync.RWMutex, level+1),
		adj:       make([][]uint64, level+1),
	}
	g.nodes[id] = n

	if !g.hasEntry {
		g.entry = id
		g.hasEntry = true
		g.maxLayer = level
		g.structMu.Unlock()
		return nil
	}
	entry := g.entry
	curMax := g.maxLayer
	promote := level > curMax
	g.structMu.Unlock()

	cur := entry
	curDist, err := g.pairwiseDistance(cur, vec)
	if err != nil {
		return err
	}

	for l := curMax; l > level; l-- {
		cur, curDist = g.greedyDescendLayer(cur, curDist, vec, l)
	}

	for l := min(level, curMax); l >= 0; l-- {
		candidates, err := g.searchLayer(vec, []uint64{cur}, g.params.EfConstruction, l)
		if err != nil {
			return err
		}
		maxConn := g.params.M
		if l == 0 {
			maxConn = g.params.m0()
		}
		selected := selectClosest(candidates, maxConn)

		g.connect(id, l, selected)
		for _, c := range selected {
			g.connectBack(c.id, id, l, maxConn)
		}
		if len(selected) > 0 {
			cur = selected[0].id
		}
	}

	if promote {
		g.structMu.Lock()
		g.entry = id
		g.maxLayer = level
		g.structMu.Unlock()
	}
	return nil
}

func (g *Graph) pairwiseDistance(id uint64, vec []float32) (float32, error) {
	other, err := g.source.Vector(id)
	if err != nil {
		return 0, err
	}
	return g.distance(vec, other), nil
}

func (g *Graph) greedyDescendLayer(cur uint64, curDist float32, vec []float32, layer int) (uint64, float32) {
	improved := true
	for improved {
		improved = false
		for _, nb := range g.neighborsAt(cur, layer) {
			d, err := g.pairwiseDistance(nb, vec)
			if err != nil {
				continue
			}
			if d < curDist {
				cur = nb
				curDist = d
				improved = true
			}
		}
	}
	return cur, curDist
}

func (g *Graph) neighborsAt(id uint64, layer int) []uint64 {
	g.structMu.RLock()
	n, ok := g.nodes[id]
	g.structMu.RUnlock()
	if !ok || layer >= len(n.adj) {
		return nil
	}
	n.neighbors[layer].RLock()
	defer n.neighbors[layer].RUnlock()
	out := make([]uint64, len(n.adj[layer]))
	copy(out, n.adj[layer])
	return out
}

func (g *Graph) connect(id uint64, layer int, neighbors []candidate) {
	g.structMu.RLock()
	n := g.nodes[id]
	g.structMu.RUnlock()
	if n == nil || layer >= len(n.adj) {
		return
	}
	n.neighbors[layer].Lock()
	for _, c := range neighbors {
		n.adj[layer] = append(n.adj[layer], c.id)
	}
	n.neighbors[layer].Unlock()
}

// connectBack adds a back-edge from neighbor to id, pruning neighbor's
// adjacency list down to the closest maxConn if it overflows.
func (g *Graph) connectBack(neighborID, id uint64, layer, maxConn int) {
	g.structMu.RLock()
	n := g.nodes[neighborID]
	g.structMu.RUnlock()
	if n == nil || layer >= len(n.adj) {
		return
	}

	n.neighbors[layer].Lock()
	defer n.neighbors[layer].Unlock()

	n.adj[layer] = append(n.adj[layer], id)
	if len(n.adj[layer]) <= maxConn {
		return
	}

	vec, err := g.source.Vector(neighborID)
	if err != nil {
		return
	}
	cands := make([]candidate, 0, len(n.adj[layer]))
	for _, other := range n.adj[layer] {
		ov, err := g.source.Vector(other)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{id: other, dist: g.distance(vec, ov)})
	}
	kept := selectClosest(cands, maxConn)
	pruned := make([]uint64, len(kept))
	for i, c := range kept {
		pruned[i] = c.id
	}
	n.adj[layer] = pruned
}

func selectClosest(cands []candidate, maxConn int) []candidate {
	h := binaryheap.NewWith(minCandidateComparator)
	for _, c := range cands {
		h.Push(c)
	}
	out := make([]candidate, 0, maxConn)
	for h.Size() > 0 && len(out) < maxConn {
		v, _ := h.Pop()
		out = append(out, v.(candidate))
	}
	return out
}

// searchLayer is the core HNSW routine: maintains a min-heap of candidates
// to explore and a max-heap of the best results found so far, terminating
// once the nearest unexplored candidate is farther than the current worst
// kept result and at least ef results have been collected.
func (g *Graph) searchLayer(query []float32, entryPoints []uint64, ef int, layer int) ([]candidate, error) {
	visited := make(map[uint64]bool, ef*2)
	candidates := binaryheap.NewWith(minCandidateComparator)
	results := binaryheap.NewWith(maxCandidateComparator)

	for _, ep := range entryPoints {
		vec, err := g.source.Vector(ep)
		if err != nil {
			continue
		}
		d := g.distance(query, vec)
		visited[ep] = true
		candidates.Push(candidate{id: ep, dist: d})
		results.Push(candidate{id: ep, dist: d})
	}

	for candidates.Size() > 0 {
		cv, _ := candidates.Pop()
		c := cv.(candidate)

		if results.Size() >= ef {
			worst, _ := results.Peek()
			if c.dist > worst.(candidate).dist {
				break
			}
		}

		for _, nb := range g.neighborsAt(c.id, layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			vec, err := g.source.Vector(nb)
			if err != nil {
				continue
			}
			d := g.distance(query, vec)

			if results.Size() < ef {
				candidates.Push(candidate{id: nb, dist: d})
				results.Push(candidate{id: nb, dist: d})
				continue
			}
			worst, _ := results.Peek()
			if d < worst.(candidate).dist {
				candidates.Push(candidate{id: nb, dist: d})
				results.Push(candidate{id: nb, dist: d})
				results.Pop()
			}
		}
	}

	out := make([]candidate, 0, results.Size())
	for results.Size() > 0 {
		v, _ := results.Pop()
		out = append(out, v.(candidate))
	}
	// results came off the max-heap worst-first; reverse for closest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SearchResult is one ranked neighbor returned by Search.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// Search returns up to k nearest neighbors of query. Empty index yields an
// empty slice, never an error.
func (g *Graph) Search(query []float32, k int, efSearch int) ([]SearchResult, error) {
	g.structMu.RLock()
	if !g.hasEntry {
		g.structMu.RUnlock()
		return nil, nil
	}
	entry := g.entry
	curMax := g.maxLayer
	g.structMu.RUnlock()

	if efSearch <= 0 {
		efSearch = g.params.EfSearch
	}
	if efSearch < k {
		efSearch = k
	}

	cur := entry
	curDist, err := g.pairwiseDistance(cur, query)
	if err != nil {
		return nil, err
	}
	for l := curMax; l >= 1; l-- {
		cur, curDist = g.greedyDescendLayer(cur, curDist, query, l)
	}
	_ = curDist

	candidates, err := g.searchLayer(query, []uint64{cur}, efSearch, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		out[i] = SearchResult{ID: c.id, Distance: c.dist}
	}
	return out, nil
}

func (g *Graph) Len() int {
	g.structMu.RLock()
	defer g.structMu.RUnlock()
	return len(g.nodes)
}

// Remove deletes id from the graph, unlinking it from every neighbor's
// adjacency list. If id was the entry point a surviving node at the
// highest remaining layer is promoted.
func (g *Graph) Remove(id uint64) {
	g.structMu.Lock()
	if _, ok := g.nodes[id]; !ok {
		g.structMu.Unlock()
		return
	}
	delete(g.nodes, id)

	var neighbors []*node
	for _, other := range g.nodes {
		neighbors = append(neighbors, other)
	}

	if g.entry == id {
		g.hasEntry = false
		g.maxLayer = 0
		for _, other := range g.nodes {
			layer := len(other.adj) - 1
			if !g.hasEntry || layer > g.maxLayer {
				g.entry = other.id
				g.maxLayer = layer
				g.hasEntry = true
			}
		}
	}
	g.structMu.Unlock()

	for _, other := range neighbors {
		for layer := range other.adj {
			other.neighbors[layer].Lock()
			kept := other.adj[layer][:0]
			for _, nb := range other.adj[layer] {
				if nb != id {
					kept = append(kept, nb)
				}
			}
			other.adj[layer] = kept
			other.neighbors[layer].Unlock()
		}
	}
}
